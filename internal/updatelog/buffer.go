package updatelog

import (
	"os"
	"path/filepath"
)

func bufferPath(dataDir string) string {
	return filepath.Join(dataDir, "buffer", "buffer.0")
}

func existOldBufferLogAt(dataDir string) bool {
	fi, err := os.Stat(bufferPath(dataDir))
	return err == nil && fi.Size() > 0
}

// ExistOldBufferLog reports whether this process crashed mid-BUFFERING and
// has a buffer tlog left on disk from a previous run (spec.md §4.3).
// Recovery's decision logic (spec.md §4.7) routes straight to FULL_COPY
// when this is true, since a stale buffer can't be trusted to represent
// "everything since we went down."
func (l *Log) ExistOldBufferLog() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode != Applying {
		return false // we're the ones holding the current buffer, not a leftover
	}
	return existOldBufferLogAt(l.dataDir)
}

// BufferUpdates transitions APPLYING -> BUFFERING. Idempotent: calling it
// again while already BUFFERING drops any prior buffer and starts fresh
// (spec.md §4.3).
func (l *Log) BufferUpdates() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buffer != nil {
		if err := l.buffer.close(); err != nil {
			return err
		}
		if err := os.Remove(l.buffer.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	seg, err := openSegment(bufferPath(l.dataDir))
	if err != nil {
		return err
	}
	l.buffer = seg
	l.mode = Buffering
	return nil
}

// ApplyFunc applies one update to the opaque index engine. It is the
// caller's (recovery's) responsibility to supply this — the index engine
// itself is out of scope per spec.md §1.
type ApplyFunc func(Update) error

// ApplyBufferedUpdates transitions BUFFERING -> REPLAYING and drains the
// buffer through apply, returning a channel that completes exactly once
// with the outcome (spec.md §4.3's "future"). On completion — success or
// failure — the log returns to APPLYING with an empty buffer; replay
// failure is fatal to the caller's recovery attempt but never to the log
// itself.
func (l *Log) ApplyBufferedUpdates(apply ApplyFunc) (<-chan RecoveryInfo, error) {
	l.mu.Lock()
	if l.mode != Buffering {
		l.mu.Unlock()
		return nil, ErrAlreadyReplaying
	}
	l.mode = Replaying
	buf := l.buffer
	l.mu.Unlock()

	result := make(chan RecoveryInfo, 1)
	go func() {
		entries := buf.entriesSnapshot()
		count := 0
		failed := false
		for _, u := range entries {
			if err := apply(u); err != nil {
				l.log.WithError(err).WithField("version", u.Version).Warn("replay of buffered update failed")
				failed = true
				break
			}
			if err := l.tlog.append(u); err != nil {
				l.log.WithError(err).Warn("append replayed update to main tlog failed")
				failed = true
				break
			}
			count++
		}

		l.mu.Lock()
		l.mode = Applying
		if err := l.buffer.truncate(); err != nil {
			l.log.WithError(err).Warn("truncate buffer after replay failed")
		}
		l.mu.Unlock()

		result <- RecoveryInfo{Failed: failed, Count: count}
	}()

	return result, nil
}

// entriesSnapshot returns the buffer's entries in append order (oldest
// first), which is what "draining the buffer into the index" means.
func (s *segment) entriesSnapshot() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.entries...)
}

// Package updatelog implements the recovery-aware update log of spec.md
// §4.3: an append-only, versioned record of updates with a BUFFERING mode
// used to stash incoming writes during recovery until the follower has
// caught up and can REPLAY them into the main log. The on-disk shape
// (append-only NDJSON segment files, fsynced per append) is grounded on the
// teacher's internal/store/wal.go.
package updatelog

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// OpCode names the operation: add, delete-by-id, or delete-by-query. A
// delete-by-id also carries a negative Version (spec.md §3: "sign bit
// encodes delete-by-id vs add; a separate op-code word encodes
// delete-by-query").
type OpCode int

const (
	OpAdd OpCode = iota
	OpDeleteByID
	OpDeleteByQuery
)

// Mode is the update log's current processing mode (spec.md §4.3).
type Mode int

const (
	Applying Mode = iota
	Buffering
	Replaying
)

func (m Mode) String() string {
	switch m {
	case Applying:
		return "APPLYING"
	case Buffering:
		return "BUFFERING"
	case Replaying:
		return "REPLAYING"
	default:
		return "UNKNOWN"
	}
}

// Update is one entry in the log.
type Update struct {
	Op      OpCode
	Version int64 // signed: negative encodes delete-by-id, per spec.md §3
	Payload []byte
}

// AbsVersion returns |Version|, the value recentVersions/getUpdates sort and
// window by.
func (u Update) AbsVersion() int64 {
	if u.Version < 0 {
		return -u.Version
	}
	return u.Version
}

// RecoveryInfo is the result of a completed applyBufferedUpdates call
// (spec.md §4.3).
type RecoveryInfo struct {
	Failed bool
	Count  int
}

// ErrAlreadyReplaying is returned by applyBufferedUpdates when called
// outside of BUFFERING mode.
var ErrAlreadyReplaying = errors.New("updatelog: not in BUFFERING mode")

// Log is one replica's update log.
type Log struct {
	mu   sync.Mutex
	mode Mode

	dataDir string
	tlog    *segment // main log
	buffer  *segment // side-buffer tlog; nil until the first BufferUpdates, left open and empty after a replay

	startingVersions []int64 // recentVersions snapshot taken at process start

	log *logrus.Entry
}

// Open opens or creates the update log rooted at dataDir: the main log in
// tlog/tlog.0 and the side-buffer in buffer/buffer.0. The buffer file is
// created by the first BufferUpdates and truncated to empty, not removed,
// when a replay completes.
func Open(dataDir string, log *logrus.Entry) (*Log, error) {
	tlogPath := filepath.Join(dataDir, "tlog", "tlog.0")
	tlog, err := openSegment(tlogPath)
	if err != nil {
		return nil, errors.Wrap(err, "open main tlog")
	}

	l := &Log{
		dataDir: dataDir,
		tlog:    tlog,
		mode:    Applying,
		log:     log.WithField("component", "updatelog"),
	}

	if existOldBufferLogAt(dataDir) {
		// We crashed mid-BUFFERING. Leave the stale buffer on disk for
		// existOldBufferLog() to report; recovery's decision logic routes
		// straight to FULL_COPY in that case rather than trusting it.
		l.log.Warn("found leftover buffer tlog from a previous run")
	}

	l.startingVersions = l.recentVersionsLocked(len(l.tlog.entries))
	return l, nil
}

// Close closes the underlying segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buffer != nil {
		if err := l.buffer.close(); err != nil {
			return err
		}
	}
	return l.tlog.close()
}

// Mode returns the log's current mode.
func (l *Log) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// AppendUpdate appends atomically. While BUFFERING, writes go to the
// side-buffer; otherwise to the main tlog and become visible to
// recentVersions (spec.md §4.3).
func (l *Log) AppendUpdate(u Update) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := l.tlog
	if l.mode == Buffering {
		target = l.buffer
	}
	return target.append(u)
}

// RecentVersions returns up to n newest versions, newest first, sorted by
// absolute value descending (spec.md §4.3, §8 invariant 5).
func (l *Log) RecentVersions(n int) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recentVersionsLocked(n)
}

func (l *Log) recentVersionsLocked(n int) []int64 {
	all := l.tlog.versions()
	sort.Slice(all, func(i, j int) bool { return absInt64(all[i]) > absInt64(all[j]) })
	if n > len(all) {
		n = len(all)
	}
	return append([]int64(nil), all[:n]...)
}

// BufferedVersions returns the versions currently sitting in the side
// buffer (used by PeerSync step 10, "merge in our own bufferedUpdates").
func (l *Log) BufferedVersions() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buffer == nil {
		return nil
	}
	return l.buffer.versions()
}

// VersionSpec selects updates for GetUpdates: either an explicit list or a
// set of half-open [Lo, Hi) ranges by absolute value (spec.md §4.3, §6).
type VersionSpec struct {
	Versions []int64
	Ranges   [][2]int64 // [lo, hi)
}

// GetUpdates returns materialized updates matching spec, in deterministic
// (descending absolute version) order.
func (l *Log) GetUpdates(spec VersionSpec) []Update {
	l.mu.Lock()
	defer l.mu.Unlock()

	wanted := map[int64]bool{}
	for _, v := range spec.Versions {
		wanted[v] = true
	}

	var out []Update
	for _, e := range l.tlog.entries {
		av := e.AbsVersion()
		matched := wanted[e.Version]
		if !matched {
			for _, r := range spec.Ranges {
				if av >= r[0] && av < r[1] {
					matched = true
					break
				}
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsVersion() > out[j].AbsVersion() })
	return out
}

// StartingVersions returns the recentVersions snapshot taken when this Log
// was opened — the anchor used to bound "what happened while I was down"
// (spec.md §4.3, §4.5).
func (l *Log) StartingVersions() []int64 {
	return append([]int64(nil), l.startingVersions...)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

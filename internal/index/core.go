// Package index defines the opaque on-disk-index-engine primitives spec.md
// §1 treats as external collaborators: "recovery consumes its 'fetch from
// leader' and 'open new searcher' operations as opaque primitives." This
// package exists only so the rest of the module has an interface to code
// against, plus an in-memory fake so tests and cmd/replicanode can run end
// to end without a real Lucene-equivalent engine wired in.
package index

import (
	"context"
	"sort"
	"sync"

	"replicacore/internal/fingerprint"
	"replicacore/internal/updatelog"
)

// Core is the per-replica index-engine handle recovery drives.
type Core interface {
	// Apply applies one update (add, delete-by-id, or delete-by-query) to
	// the index. Used both for normal traffic and for draining a replayed
	// buffer.
	Apply(u updatelog.Update) error

	// Commit forces a commit; openSearcher controls whether it also opens a
	// new searcher immediately (spec.md §6 "commit_end_point=terminal" wants
	// openSearcher=false).
	Commit(ctx context.Context, openSearcher bool) error

	// OpenNewSearcher opens a fresh real-time searcher so queries observe
	// whatever was just applied or fetched (spec.md §4.3: "Open a fresh
	// real-time searcher on successful replay").
	OpenNewSearcher() error

	// FetchFromLeader pulls a full, consistent snapshot from leaderURL,
	// atomically swapping it in. This is the opaque primitive C6 (full-index
	// fetch) drives.
	FetchFromLeader(ctx context.Context, leaderURL string) error

	// Ready closes when the core has finished any local startup work
	// (segment loading, etc.) and is safe to drive recovery against. This
	// replaces a busy-wait on "isCoreLoading" (Design Notes open question)
	// with an explicit signal.
	Ready() <-chan struct{}

	fingerprint.DocumentSource
}

// InMemory is a trivial Core used by tests and by cmd/replicanode's default
// mode. It tracks documents as a map keyed by doc id with the version they
// were last written at; deletes remove the key (delete-by-query matches
// nothing specific here since there is no query engine to evaluate against
// — it is treated as a no-op against this fake, which is sufficient for
// exercising the recovery protocol around it).
type InMemory struct {
	mu    sync.Mutex
	docs  map[string]int64
	ready chan struct{}
}

// NewInMemory returns an InMemory core, immediately ready.
func NewInMemory() *InMemory {
	c := &InMemory{docs: make(map[string]int64), ready: make(chan struct{})}
	close(c.ready)
	return c
}

func (c *InMemory) Ready() <-chan struct{} { return c.ready }

func (c *InMemory) Apply(u updatelog.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch u.Op {
	case updatelog.OpDeleteByQuery:
		// No query evaluator in the fake; nothing to do.
	default:
		if u.Version < 0 {
			delete(c.docs, string(u.Payload))
			return nil
		}
		c.docs[string(u.Payload)] = u.Version
	}
	return nil
}

func (c *InMemory) Commit(ctx context.Context, openSearcher bool) error {
	if openSearcher {
		return c.OpenNewSearcher()
	}
	return nil
}

func (c *InMemory) OpenNewSearcher() error { return nil }

func (c *InMemory) FetchFromLeader(ctx context.Context, leaderURL string) error {
	// A real implementation streams segment files; the fake simply clears
	// local state so callers can verify the "swap" happened. Integration
	// tests that want actual content transfer inject a custom Core.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]int64)
	return nil
}

func (c *InMemory) Visible(maxVersionSpecified int64) ([]fingerprint.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]fingerprint.Document, 0, len(c.docs))
	for id, v := range c.docs {
		if v <= maxVersionSpecified {
			out = append(out, fingerprint.Document{DocID: id, Version: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

func (c *InMemory) MaxDoc() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.docs))
}

// Seed is a test/bootstrap helper to preload documents directly.
func (c *InMemory) Seed(docID string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[docID] = version
}

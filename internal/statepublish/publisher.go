// Package statepublish implements the state publisher of spec.md §4.9: a
// queued, coalescing stream of {collection, replica-id, new-state} messages
// written into the coordination store's per-collection state-updates delta
// blob (spec.md §6). Coalescing-queue shape grounded on the teacher's
// internal/cluster/node.go executeWriteQuorum fan-out pattern, adapted from
// "fan out to peers" to "coalesce writes to one key".
package statepublish

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"replicacore/internal/clusterstate"
	"replicacore/internal/coordstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type pendingKey struct {
	collection string
	replica    clusterstate.ReplicaID
}

// Publisher coalesces repeated writes for the same replica — only the
// latest state wins — and flushes them into each collection's
// state-updates blob on a single worker.
type Publisher struct {
	store *coordstore.Store
	log   *logrus.Entry

	mu      sync.Mutex
	pending map[pendingKey]clusterstate.ReplicaState

	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// New creates a Publisher writing through store.
func New(store *coordstore.Store, log *logrus.Entry) *Publisher {
	return &Publisher{
		store:   store,
		log:     log.WithField("component", "statepublish"),
		pending: make(map[pendingKey]clusterstate.ReplicaState),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Close stops the worker.
func (p *Publisher) Close() { p.once.Do(func() { close(p.closeCh) }) }

// Publish enqueues a state transition for replica in collection. Repeated
// calls for the same replica before the next flush coalesce to the latest.
func (p *Publisher) Publish(collection string, replica clusterstate.ReplicaID, state clusterstate.ReplicaState) {
	p.mu.Lock()
	p.pending[pendingKey{collection, replica}] = state
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PublishLeader is Publish(..., LEADER) — also used during election to
// declare leadership (spec.md §4.9).
func (p *Publisher) PublishLeader(collection string, replica clusterstate.ReplicaID) {
	p.Publish(collection, replica, clusterstate.Leader)
}

// Run drains pending writes, grouped by collection, onto the coordination
// store. Call in its own goroutine.
func (p *Publisher) Run() {
	const flushInterval = 200 * time.Millisecond
	for {
		select {
		case <-p.wake:
		case <-time.After(flushInterval):
		case <-p.closeCh:
			return
		}
		p.flush()
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = make(map[pendingKey]clusterstate.ReplicaState)
	p.mu.Unlock()

	byCollection := map[string]map[clusterstate.ReplicaID]clusterstate.ReplicaState{}
	for k, v := range batch {
		m, ok := byCollection[k.collection]
		if !ok {
			m = map[clusterstate.ReplicaID]clusterstate.ReplicaState{}
			byCollection[k.collection] = m
		}
		m[k.replica] = v
	}

	for collection, updates := range byCollection {
		if err := p.flushOne(collection, updates); err != nil {
			p.log.WithError(err).WithField("collection", collection).Warn("publish state-updates failed")
		}
	}
}

// flushOne reads the current delta blob, merges updates, and writes it
// back with optimistic CAS, retrying once on a stale version per spec.md
// §7 ("Stale-state-version ... re-read and retry once").
func (p *Publisher) flushOne(collection string, updates map[clusterstate.ReplicaID]clusterstate.ReplicaState) error {
	path := "/collections/" + collection + "/state-updates"

	for attempt := 0; attempt < 2; attempt++ {
		current := map[clusterstate.ReplicaID]clusterstate.ReplicaState{}
		var version int64

		data, v, err := p.store.Get(context.Background(), path)
		if err != nil && !errors.Is(err, coordstore.ErrNoNode) {
			return err
		}
		if err == nil {
			if unmarshalErr := json.Unmarshal(data, &current); unmarshalErr != nil {
				return unmarshalErr
			}
			version = v
		}

		for id, state := range updates {
			current[id] = state
		}

		encoded, err := json.Marshal(current)
		if err != nil {
			return err
		}

		_, err = p.store.SetData(context.Background(), path, encoded, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordstore.ErrVersionMismatch) {
			return err
		}
		// retry once with a fresh read
	}
	return errors.New("publish state-updates: version mismatch persisted after retry")
}

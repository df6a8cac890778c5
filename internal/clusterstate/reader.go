package clusterstate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source is the external collaborator a Reader pulls documents from: the
// coordination store (spec.md §6 layout: state.json + state-updates, plus
// the /live_nodes/<nodeName> ephemerals of spec.md §3, §6). Kept as a
// narrow interface so tests can fake it without standing up etcd.
type Source interface {
	// FetchFullDoc returns the parsed full collection document and its
	// generation version.
	FetchFullDoc(ctx context.Context, collection string) (*Collection, error)
	// FetchStateUpdates returns the parsed delta blob for collection.
	FetchStateUpdates(ctx context.Context, collection string) (StateDelta, error)
	// WatchCollection arranges for onChange to fire (once) the next time
	// collection's state-updates blob changes; re-registration is the
	// Reader's job, not the Source's (spec.md §4.1 fire-once watches). The
	// Reader answers each firing with a state-updates-only fetch, so a change
	// to the structural document is picked up only through an explicit
	// RequestUpdate(collection, false).
	WatchCollection(ctx context.Context, collection string, onChange func())
	// FetchLiveNodes returns the current set of live node identities
	// (spec.md §3 "a set of currently-live node identities").
	FetchLiveNodes(ctx context.Context) (map[string]bool, error)
	// WatchLiveNodes arranges for onChange to fire (once) the next time
	// live-node membership changes; re-registration is the Reader's job.
	WatchLiveNodes(ctx context.Context, onChange func())
}

type fetchRequest struct {
	collection string
	justStates bool
}

// Reader maintains the live projection for every watched collection and
// exposes the read contract of spec.md §4.2.
type Reader struct {
	proj   *projection
	source Source
	log    *logrus.Entry

	mu      sync.Mutex
	watched map[string]bool

	liveMu    sync.RWMutex
	liveNodes map[string]bool

	queue chan fetchRequest

	wakeMu sync.Mutex
	wakeCh chan struct{} // closed and replaced on every applied update; waiters select on it

	closeOnce sync.Once
	closeCh   chan struct{}

	ring *ShardRing
}

// New creates a Reader. Call Run in its own goroutine to start the fetch
// queue worker.
func New(source Source, log *logrus.Entry) *Reader {
	r := &Reader{
		proj:    newProjection(),
		source:  source,
		log:     log.WithField("component", "clusterstate.reader"),
		watched: make(map[string]bool),
		queue:   make(chan fetchRequest, 4096),
		wakeCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
		ring:    NewShardRing(150),
	}
	return r
}

// Close stops the fetch queue worker.
func (r *Reader) Close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
}

// Watch starts receiving updates for collection; idempotent.
func (r *Reader) Watch(collection string) {
	r.mu.Lock()
	already := r.watched[collection]
	r.watched[collection] = true
	r.mu.Unlock()

	if already {
		return
	}
	r.RequestUpdate(collection, false)
	r.registerWatch(collection)
}

func (r *Reader) registerWatch(collection string) {
	r.source.WatchCollection(context.Background(), collection, func() {
		r.RequestUpdate(collection, true)
		r.registerWatch(collection) // re-register: watches are fire-once
	})
}

// WatchLiveNodes starts tracking cluster-wide live-node membership (spec.md
// §3, §6's /live_nodes/<nodeName> ephemerals). Cluster-wide rather than
// per-collection, so unlike Watch it isn't keyed and only needs calling
// once. Idempotent: subsequent calls just re-fetch and re-register.
func (r *Reader) WatchLiveNodes() {
	r.refreshLiveNodes(context.Background())
	r.registerLiveNodesWatch()
}

func (r *Reader) registerLiveNodesWatch() {
	r.source.WatchLiveNodes(context.Background(), func() {
		r.refreshLiveNodes(context.Background())
		r.registerLiveNodesWatch() // re-register: watches are fire-once
	})
}

func (r *Reader) refreshLiveNodes(ctx context.Context) {
	nodes, err := r.source.FetchLiveNodes(ctx)
	if err != nil {
		r.log.WithError(err).Warn("fetch live nodes failed")
		return
	}
	r.liveMu.Lock()
	r.liveNodes = nodes
	r.liveMu.Unlock()
	r.bumpAndWake()
}

// liveNodesSnapshot returns a defensive copy of the current live-node set,
// or an empty map before the first successful fetch.
func (r *Reader) liveNodesSnapshot() map[string]bool {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	out := make(map[string]bool, len(r.liveNodes))
	for k, v := range r.liveNodes {
		out[k] = v
	}
	return out
}

// GetCollection is a lock-free-to-caller read of the latest projection.
func (r *Reader) GetCollection(name string) *Collection {
	return r.proj.get(name)
}

// Predicate evaluates the current live-node set and collection view
// (spec.md §4.2). liveNodes reflects WatchLiveNodes's last successful
// fetch, or an empty set if WatchLiveNodes was never called or hasn't
// completed its first fetch yet.
type Predicate func(liveNodes map[string]bool, c *Collection) bool

// WaitForState blocks until predicate(liveNodes, collection) is true or
// timeout elapses, re-evaluating on every projection change or live-node
// membership change (spec.md §4.2).
func (r *Reader) WaitForState(ctx context.Context, name string, timeout time.Duration, pred Predicate) bool {
	deadline := time.Now().Add(timeout)

	for {
		if pred(r.liveNodesSnapshot(), r.GetCollection(name)) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		r.wakeMu.Lock()
		waitCh := r.wakeCh
		r.wakeMu.Unlock()

		select {
		case <-waitCh:
		case <-time.After(remaining):
			return pred(r.liveNodesSnapshot(), r.GetCollection(name))
		case <-ctx.Done():
			return false
		case <-r.closeCh:
			return false
		}
	}
}

// RequestUpdate enqueues a fetch. justStates=false asks for the full
// structural document; true asks only for the state-updates delta.
func (r *Reader) RequestUpdate(collection string, justStates bool) {
	select {
	case r.queue <- fetchRequest{collection: collection, justStates: justStates}:
	case <-r.closeCh:
	}
}

// Run is the Reader's single worker: it polls the queue with a short wait,
// coalesces everything currently queued into {collection -> wantsStructure},
// and fetches each collection at most once per batch (spec.md §4.2
// algorithm). Call in its own goroutine; returns when Close is called.
func (r *Reader) Run(ctx context.Context) {
	const pollWait = 5 * time.Second

	for {
		batch := map[string]bool{} // collection -> any request in batch wanted structure
		select {
		case req := <-r.queue:
			batch[req.collection] = batch[req.collection] || !req.justStates
		case <-time.After(pollWait):
			continue
		case <-r.closeCh:
			return
		case <-ctx.Done():
			return
		}

		drain := true
		for drain {
			select {
			case req := <-r.queue:
				batch[req.collection] = batch[req.collection] || !req.justStates
			default:
				drain = false
			}
		}

		for collection, wantsStructure := range batch {
			r.fetchOne(ctx, collection, wantsStructure)
		}
	}
}

func (r *Reader) fetchOne(ctx context.Context, collection string, wantsStructure bool) {
	log := r.log.WithField("collection", collection)

	if wantsStructure {
		doc, err := r.source.FetchFullDoc(ctx, collection)
		if err != nil {
			log.WithError(err).Warn("fetch full collection document failed")
			return
		}
		if r.proj.replaceFullDoc(doc) {
			r.bumpAndWake()
			r.rebuildRing(collection)
		}
		return
	}

	delta, err := r.source.FetchStateUpdates(ctx, collection)
	if err != nil {
		log.WithError(err).Warn("fetch state-updates delta failed")
		return
	}
	if r.proj.applyDelta(collection, delta) {
		r.bumpAndWake()
	}
}

func (r *Reader) bumpAndWake() {
	r.wakeMu.Lock()
	old := r.wakeCh
	r.wakeCh = make(chan struct{})
	r.wakeMu.Unlock()
	close(old)
}

// ShardForKey is a diagnostic helper (not on the recovery critical path)
// mapping a document id to the shard that currently owns it, via the
// consistent-hash ring kept in sync with each collection's shard set.
func (r *Reader) ShardForKey(collection, key string) (string, bool) {
	return r.ring.ShardForKey(collection, key)
}

func (r *Reader) rebuildRing(collection string) {
	c := r.proj.get(collection)
	if c == nil {
		return
	}
	shardNames := make([]string, 0, len(c.Shards))
	for name := range c.Shards {
		shardNames = append(shardNames, name)
	}
	r.ring.SetShards(collection, shardNames)
}

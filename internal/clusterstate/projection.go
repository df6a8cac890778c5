package clusterstate

import "sync"

// StateDelta is a parsed state-updates blob: replica-id -> new state, plus
// the blob's own version (spec.md §3, §4.2).
type StateDelta struct {
	Version  int64
	Replicas map[ReplicaID]ReplicaState
}

// projection is the live, lock-free-to-read store of collection views.
// Reads take a snapshot reference under a short read lock; writers replace
// whole Collection pointers so readers never observe a torn update
// (spec.md §4.2 "monotonically advancing view").
type projection struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

func newProjection() *projection {
	return &projection{collections: make(map[string]*Collection)}
}

func (p *projection) get(name string) *Collection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collections[name]
}

// replaceFullDoc installs incoming as the projection for its name iff its
// version is strictly greater than the current one (spec.md §3 invariant,
// §4.2 "full-doc replacement takes the incoming (version, bytes) iff its
// version > current"). Also re-derives single-leader uniqueness across the
// whole document, since a stale full-doc refresh could otherwise reintroduce
// a second leader that a prior delta had already demoted (Design Notes open
// question).
func (p *projection) replaceFullDoc(incoming *Collection) (applied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.collections[incoming.Name]
	if ok && incoming.Version <= current.Version {
		return false
	}

	for _, sh := range incoming.Shards {
		var leader ReplicaID
		found := false
		for id, r := range sh.Replicas {
			if r.State == Leader {
				if found {
					sh.enforceSingleLeader(leader)
				} else {
					leader = id
					found = true
				}
			}
		}
		if found {
			sh.HasLeader = true
			sh.LeaderID = leader
		}
	}

	if ok {
		incoming.StateUpdatesVersion = current.StateUpdatesVersion
	}
	p.collections[incoming.Name] = incoming
	return true
}

// applyDelta merges a state-updates blob into the named collection's
// projection per spec.md §4.2's merge rules: discard if delta.Version <=
// current stateUpdatesVersion; otherwise apply each replica-id -> new-state
// entry via updateState, enforcing the single-leader invariant whenever an
// entry transitions a replica TO Leader.
func (p *projection) applyDelta(name string, delta StateDelta) (applied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.collections[name]
	if !ok {
		return false // no structural doc yet to apply state onto
	}
	if delta.Version <= current.StateUpdatesVersion {
		return false
	}

	next := current.Clone()
	for id, newState := range delta.Replicas {
		r, shardName, found := next.ReplicaByID(id)
		if !found {
			continue
		}
		r.State = newState
		if newState == Leader {
			next.Shards[shardName].enforceSingleLeader(id)
		}
	}
	next.StateUpdatesVersion = delta.Version
	p.collections[name] = next
	return true
}

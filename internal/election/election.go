// Package election implements leader election and prep-recovery of spec.md
// §4.8: per-shard election over an ordered ephemeral sequence in the
// coordination store, and the follower->leader prep-recovery RPC that must
// succeed before a follower proceeds to fetching from that leader.
package election

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"replicacore/internal/coordstore"
)

// Elector runs the ordered-ephemeral-sequence election for one shard.
type Elector struct {
	store      *coordstore.Store
	leadersDir string // /collections/<name>/leaders/<shard>
	myPath     string
	log        *logrus.Entry

	mu       sync.Mutex
	isLeader bool
}

// New creates an Elector for one shard within one collection.
func New(store *coordstore.Store, collection, shard string, log *logrus.Entry) *Elector {
	return &Elector{
		store:      store,
		leadersDir: "/collections/" + collection + "/leaders/" + shard,
		log:        log.WithFields(logrus.Fields{"component": "election", "collection": collection, "shard": shard}),
	}
}

// JoinElection creates this replica's ephemeral sequence node and
// evaluates whether it currently holds leadership. Call again (it's safe
// to, since the path is stable for the session) after any watch fires.
func (e *Elector) JoinElection(ctx context.Context, replicaMarker []byte) error {
	if e.myPath == "" {
		path, err := e.store.CreateEphemeralSequential(ctx, e.leadersDir, replicaMarker)
		if err != nil {
			return errors.Wrap(err, "join election")
		}
		e.myPath = path
	}
	return e.refresh(ctx)
}

func (e *Elector) refresh(ctx context.Context) error {
	children, err := e.store.Children(ctx, e.leadersDir)
	if err != nil {
		return errors.Wrap(err, "list election members")
	}
	sort.Strings(children)

	leader := len(children) > 0 && children[0] == e.myPath

	e.mu.Lock()
	e.isLeader = leader
	e.mu.Unlock()
	return nil
}

// IsLeader reports whether this replica is currently the lowest-sequence
// live member — i.e. the elected leader — of its shard (spec.md §4.8,
// consulted locally by recovery's decision logic).
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// WatchLeadership re-registers a watch on the election directory and calls
// onChange whenever membership changes, after refreshing IsLeader. Uses
// WatchChildren, not Watch: the election directory's own key never changes,
// only the ephemeral candidate nodes under it do.
func (e *Elector) WatchLeadership(ctx context.Context, onChange func()) {
	e.store.WatchChildren(ctx, e.leadersDir, func(path string, data []byte, version int64, deleted bool) {
		_ = e.refresh(ctx)
		if onChange != nil {
			onChange()
		}
		e.WatchLeadership(ctx, onChange) // re-register: fire-once watches
	})
}

// MySequencePath returns this replica's ephemeral election node path, or
// "" if it hasn't joined yet.
func (e *Elector) MySequencePath() string { return e.myPath }

// Package clusterstate maintains the in-memory projection of
// collections/shards/replicas described in spec.md §3-4.2: a live view fed
// by full collection documents and small per-replica state-update deltas
// from the coordination store, kept current by a single coalescing worker.
package clusterstate

import "fmt"

// ShardState enumerates spec.md §3 shard states.
type ShardState int

const (
	ShardActive ShardState = iota
	ShardInactive
	ShardConstruction
	ShardRecovery
)

// ReplicaType enumerates spec.md §3 replica types.
type ReplicaType int

const (
	ReplicaNRT ReplicaType = iota
	ReplicaTLOG
	ReplicaPull
)

func (t ReplicaType) String() string {
	switch t {
	case ReplicaNRT:
		return "NRT"
	case ReplicaTLOG:
		return "TLOG"
	case ReplicaPull:
		return "PULL"
	default:
		return "UNKNOWN"
	}
}

// RequiresTlog reports whether this replica type consults the update log
// and can run PeerSync (spec.md §4.7 decision logic).
func (t ReplicaType) RequiresTlog() bool {
	return t == ReplicaNRT || t == ReplicaTLOG
}

// ReplicaState enumerates spec.md §3 replica states. Numeric values matter:
// the delta-merge demotion rule (spec.md §4.2) writes the literal code 2
// ("recovering-from-leader") for a demoted stale leader, so RecoveringFromLeader
// must equal 2.
type ReplicaState int

const (
	Down ReplicaState = iota
	Leader
	RecoveringFromLeader // demotion target; numerically 2 per spec.md §4.2
	Recovering
	Buffering
	Active
	RecoveryFailed
)

func (s ReplicaState) String() string {
	switch s {
	case Down:
		return "DOWN"
	case Leader:
		return "LEADER"
	case RecoveringFromLeader:
		return "RECOVERING_FROM_LEADER"
	case Recovering:
		return "RECOVERING"
	case Buffering:
		return "BUFFERING"
	case Active:
		return "ACTIVE"
	case RecoveryFailed:
		return "RECOVERY_FAILED"
	default:
		return "UNKNOWN"
	}
}

// ReplicaID is the stable, numeric, internal replica identifier spec.md §3
// calls for (as opposed to its human-readable Name).
type ReplicaID int64

// Replica is one copy of a shard.
type Replica struct {
	ID       ReplicaID
	Name     string
	Node     string // node identity hosting this replica
	BaseURL  string
	Type     ReplicaType
	State    ReplicaState
	ShardID  string
}

// Clone returns a deep-enough copy for safe hand-off across goroutines.
func (r *Replica) Clone() *Replica {
	cp := *r
	return &cp
}

// Shard is a partition of a Collection.
type Shard struct {
	Name     string
	State    ShardState
	Replicas map[ReplicaID]*Replica
	LeaderID ReplicaID
	HasLeader bool
}

// LeaderReplica returns the shard's current leader, if any.
func (sh *Shard) LeaderReplica() (*Replica, bool) {
	if !sh.HasLeader {
		return nil, false
	}
	r, ok := sh.Replicas[sh.LeaderID]
	return r, ok
}

// Clone deep-copies the shard and its replicas.
func (sh *Shard) Clone() *Shard {
	cp := &Shard{
		Name:      sh.Name,
		State:     sh.State,
		LeaderID:  sh.LeaderID,
		HasLeader: sh.HasLeader,
		Replicas:  make(map[ReplicaID]*Replica, len(sh.Replicas)),
	}
	for id, r := range sh.Replicas {
		cp.Replicas[id] = r.Clone()
	}
	return cp
}

// Collection is a named set of shards sharing a generation version.
type Collection struct {
	Name              string
	Version           int64 // generation version of the full document
	StateUpdatesVersion int64 // version of the last applied delta blob
	Shards            map[string]*Shard
}

// Clone deep-copies the collection, its shards, and their replicas.
func (c *Collection) Clone() *Collection {
	cp := &Collection{
		Name:                c.Name,
		Version:             c.Version,
		StateUpdatesVersion: c.StateUpdatesVersion,
		Shards:              make(map[string]*Shard, len(c.Shards)),
	}
	for name, sh := range c.Shards {
		cp.Shards[name] = sh.Clone()
	}
	return cp
}

// ReplicaByID searches every shard for a replica, returning its shard name too.
func (c *Collection) ReplicaByID(id ReplicaID) (*Replica, string, bool) {
	for shardName, sh := range c.Shards {
		if r, ok := sh.Replicas[id]; ok {
			return r, shardName, true
		}
	}
	return nil, "", false
}

// enforceSingleLeader applies spec.md §4.2's invariant: if replica id just
// became LEADER, every other replica in the same shard that was LEADER is
// demoted to RecoveringFromLeader. Must be called after any mutation that
// could introduce a second leader, whether from a delta or a full-doc
// replace (Design Notes open question: preserve across both paths).
func (sh *Shard) enforceSingleLeader(newLeader ReplicaID) {
	for id, r := range sh.Replicas {
		if id == newLeader {
			continue
		}
		if r.State == Leader {
			r.State = RecoveringFromLeader
		}
	}
	sh.LeaderID = newLeader
	sh.HasLeader = true
}

func (c *Collection) String() string {
	return fmt.Sprintf("Collection{%s v=%d shards=%d}", c.Name, c.Version, len(c.Shards))
}

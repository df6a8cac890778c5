package coordstore

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"replicacore/internal/clusterstate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ClusterStateSource implements clusterstate.Source against a Store,
// reading/watching spec.md §6's coordination-store layout:
// /collections/<name>/state.json (full doc) and
// /collections/<name>/state-updates (delta blob).
type ClusterStateSource struct {
	store *Store
	log   *logrus.Entry
}

// NewClusterStateSource builds a Source over store.
func NewClusterStateSource(store *Store, log *logrus.Entry) *ClusterStateSource {
	return &ClusterStateSource{store: store, log: log.WithField("component", "coordstore.source")}
}

type replicaWire struct {
	Name    string `json:"name"`
	Node    string `json:"node"`
	BaseURL string `json:"baseUrl"`
	Type    string `json:"type"`
	State   string `json:"state"`
}

type shardWire struct {
	State    string                 `json:"state"`
	Replicas map[string]replicaWire `json:"replicas"`
}

type stateDocWire struct {
	Shards map[string]shardWire `json:"shards"`
}

func (src *ClusterStateSource) FetchFullDoc(ctx context.Context, collection string) (*clusterstate.Collection, error) {
	path := "/collections/" + collection + "/state.json"
	data, version, err := src.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var wire stateDocWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	doc := &clusterstate.Collection{
		Name:    collection,
		Version: version,
		Shards:  make(map[string]*clusterstate.Shard, len(wire.Shards)),
	}
	for shardName, sw := range wire.Shards {
		sh := &clusterstate.Shard{
			Name:     shardName,
			State:    decodeShardState(sw.State),
			Replicas: make(map[clusterstate.ReplicaID]*clusterstate.Replica, len(sw.Replicas)),
		}
		for idStr, rw := range sw.Replicas {
			id := decodeReplicaID(idStr)
			sh.Replicas[id] = &clusterstate.Replica{
				ID:      id,
				Name:    rw.Name,
				Node:    rw.Node,
				BaseURL: rw.BaseURL,
				Type:    decodeReplicaType(rw.Type),
				State:   decodeReplicaState(rw.State),
				ShardID: shardName,
			}
		}
		doc.Shards[shardName] = sh
	}
	return doc, nil
}

func (src *ClusterStateSource) FetchStateUpdates(ctx context.Context, collection string) (clusterstate.StateDelta, error) {
	path := "/collections/" + collection + "/state-updates"
	data, version, err := src.store.Get(ctx, path)
	if err != nil {
		if IsNoNode(err) {
			return clusterstate.StateDelta{Version: version}, nil
		}
		return clusterstate.StateDelta{}, err
	}

	raw := map[string]int{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return clusterstate.StateDelta{}, err
	}

	delta := clusterstate.StateDelta{Version: version, Replicas: make(map[clusterstate.ReplicaID]clusterstate.ReplicaState, len(raw))}
	for idStr, code := range raw {
		delta.Replicas[decodeReplicaID(idStr)] = clusterstate.ReplicaState(code)
	}
	return delta, nil
}

func (src *ClusterStateSource) WatchCollection(ctx context.Context, collection string, onChange func()) {
	path := "/collections/" + collection + "/state-updates"
	src.store.Watch(ctx, path, func(_ string, _ []byte, _ int64, _ bool) {
		onChange()
	})
}

const liveNodesDir = "/live_nodes"

// FetchLiveNodes lists the /live_nodes/<nodeName> ephemerals (spec.md §3,
// §6), the same membership concept the teacher's cluster.Membership keeps
// in memory — here read fresh from the store rather than held as static
// Join/Leave state, since node liveness is the store session's job, not
// ours.
func (src *ClusterStateSource) FetchLiveNodes(ctx context.Context) (map[string]bool, error) {
	children, err := src.store.Children(ctx, liveNodesDir)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]bool, len(children))
	for _, child := range children {
		nodes[nodeNameFromPath(child)] = true
	}
	return nodes, nil
}

// WatchLiveNodes fires onChange on the next node to join or leave.
func (src *ClusterStateSource) WatchLiveNodes(ctx context.Context, onChange func()) {
	src.store.WatchChildren(ctx, liveNodesDir, func(_ string, _ []byte, _ int64, _ bool) {
		onChange()
	})
}

// nodeNameFromPath strips the /live_nodes/ directory prefix Children
// returns full keys with, leaving just <nodeName>.
func nodeNameFromPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func decodeShardState(s string) clusterstate.ShardState {
	switch s {
	case "ACTIVE":
		return clusterstate.ShardActive
	case "CONSTRUCTION":
		return clusterstate.ShardConstruction
	case "RECOVERY":
		return clusterstate.ShardRecovery
	default:
		return clusterstate.ShardInactive
	}
}

func decodeReplicaType(s string) clusterstate.ReplicaType {
	switch s {
	case "TLOG":
		return clusterstate.ReplicaTLOG
	case "PULL":
		return clusterstate.ReplicaPull
	default:
		return clusterstate.ReplicaNRT
	}
}

func decodeReplicaState(s string) clusterstate.ReplicaState {
	switch s {
	case "LEADER":
		return clusterstate.Leader
	case "RECOVERING_FROM_LEADER":
		return clusterstate.RecoveringFromLeader
	case "RECOVERING":
		return clusterstate.Recovering
	case "BUFFERING":
		return clusterstate.Buffering
	case "ACTIVE":
		return clusterstate.Active
	case "RECOVERY_FAILED":
		return clusterstate.RecoveryFailed
	default:
		return clusterstate.Down
	}
}

func decodeReplicaID(s string) clusterstate.ReplicaID {
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		id = id*10 + int64(c-'0')
	}
	return clusterstate.ReplicaID(id)
}

// IsNoNode reports whether err is (or wraps) ErrNoNode, exported here so
// callers outside this package that hold only an error don't need to import
// pkg/errors themselves just to check.
func IsNoNode(err error) bool {
	return errors.Is(err, ErrNoNode)
}

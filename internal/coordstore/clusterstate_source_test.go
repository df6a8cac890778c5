package coordstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"replicacore/internal/clusterstate"
)

func TestDecodeReplicaState(t *testing.T) {
	cases := map[string]clusterstate.ReplicaState{
		"LEADER":                 clusterstate.Leader,
		"RECOVERING_FROM_LEADER": clusterstate.RecoveringFromLeader,
		"RECOVERING":             clusterstate.Recovering,
		"BUFFERING":              clusterstate.Buffering,
		"ACTIVE":                 clusterstate.Active,
		"RECOVERY_FAILED":        clusterstate.RecoveryFailed,
		"DOWN":                   clusterstate.Down,
		"":                       clusterstate.Down,
		"bogus":                  clusterstate.Down,
	}
	for wire, want := range cases {
		require.Equal(t, want, decodeReplicaState(wire), "wire=%q", wire)
	}
}

func TestDecodeReplicaType(t *testing.T) {
	require.Equal(t, clusterstate.ReplicaTLOG, decodeReplicaType("TLOG"))
	require.Equal(t, clusterstate.ReplicaPull, decodeReplicaType("PULL"))
	require.Equal(t, clusterstate.ReplicaNRT, decodeReplicaType("NRT"))
	require.Equal(t, clusterstate.ReplicaNRT, decodeReplicaType("bogus"))
}

func TestDecodeShardState(t *testing.T) {
	require.Equal(t, clusterstate.ShardActive, decodeShardState("ACTIVE"))
	require.Equal(t, clusterstate.ShardConstruction, decodeShardState("CONSTRUCTION"))
	require.Equal(t, clusterstate.ShardRecovery, decodeShardState("RECOVERY"))
	require.Equal(t, clusterstate.ShardInactive, decodeShardState("bogus"))
}

func TestDecodeReplicaID(t *testing.T) {
	require.Equal(t, clusterstate.ReplicaID(42), decodeReplicaID("core_node42"))
	require.Equal(t, clusterstate.ReplicaID(7), decodeReplicaID("7"))
}

func TestNodeNameFromPath(t *testing.T) {
	require.Equal(t, "node-1", nodeNameFromPath("/live_nodes/node-1"))
	require.Equal(t, "node-1", nodeNameFromPath("node-1"))
}

package clusterstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu          sync.Mutex
	doc         *Collection
	delta       StateDelta
	onWatch     func()
	liveNodes   map[string]bool
	onLiveWatch func()
}

func (f *fakeSource) FetchFullDoc(ctx context.Context, collection string) (*Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.Clone(), nil
}

func (f *fakeSource) FetchStateUpdates(ctx context.Context, collection string) (StateDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delta, nil
}

func (f *fakeSource) WatchCollection(ctx context.Context, collection string, onChange func()) {
	f.mu.Lock()
	f.onWatch = onChange
	f.mu.Unlock()
}

func (f *fakeSource) FetchLiveNodes(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.liveNodes))
	for k, v := range f.liveNodes {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) WatchLiveNodes(ctx context.Context, onChange func()) {
	f.mu.Lock()
	f.onLiveWatch = onChange
	f.mu.Unlock()
}

func (f *fakeSource) setDoc(c *Collection) {
	f.mu.Lock()
	f.doc = c
	f.mu.Unlock()
}

func (f *fakeSource) setLiveNodes(nodes map[string]bool) {
	f.mu.Lock()
	f.liveNodes = nodes
	f.mu.Unlock()
}

func (f *fakeSource) fireWatch() {
	f.mu.Lock()
	cb := f.onWatch
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeSource) fireLiveWatch() {
	f.mu.Lock()
	cb := f.onLiveWatch
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func newTestReader(t *testing.T, src *fakeSource) *Reader {
	t.Helper()
	r := New(src, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		r.Close()
	})
	go r.Run(ctx)
	return r
}

func TestReader_WatchFetchesInitialStructure(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Version: 1, Shards: map[string]*Shard{
		"s1": {Name: "s1", Replicas: map[ReplicaID]*Replica{1: {ID: 1, ShardID: "s1", State: Leader}}, LeaderID: 1, HasLeader: true},
	}}}
	r := newTestReader(t, src)

	r.Watch("c")

	require.Eventually(t, func() bool {
		return r.GetCollection("c") != nil
	}, time.Second, 5*time.Millisecond)

	c := r.GetCollection("c")
	leader, ok := c.Shards["s1"].LeaderReplica()
	require.True(t, ok)
	require.Equal(t, ReplicaID(1), leader.ID)
}

func TestReader_WaitForStateUnblocksOnMatchingProjection(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Version: 1, Shards: map[string]*Shard{
		"s1": {Name: "s1", Replicas: map[ReplicaID]*Replica{1: {ID: 1, ShardID: "s1", State: Down}}},
	}}}
	r := newTestReader(t, src)
	r.Watch("c")

	require.Eventually(t, func() bool { return r.GetCollection("c") != nil }, time.Second, 5*time.Millisecond)

	done := make(chan bool, 1)
	go func() {
		ok := r.WaitForState(context.Background(), "c", 2*time.Second, func(_ map[string]bool, c *Collection) bool {
			if c == nil {
				return false
			}
			r, _, found := c.ReplicaByID(1)
			return found && r.State == Active
		})
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	src.setDoc(&Collection{Name: "c", Version: 2, Shards: map[string]*Shard{
		"s1": {Name: "s1", Replicas: map[ReplicaID]*Replica{1: {ID: 1, ShardID: "s1", State: Active}}},
	}})
	r.RequestUpdate("c", false)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForState did not unblock")
	}
}

func TestReader_WaitForStateTimesOut(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Version: 1, Shards: map[string]*Shard{}}}
	r := newTestReader(t, src)
	r.Watch("c")

	ok := r.WaitForState(context.Background(), "c", 30*time.Millisecond, func(_ map[string]bool, c *Collection) bool {
		return false
	})
	require.False(t, ok)
}

func TestReader_WatchReRegistersAfterFireOnce(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Version: 1, Shards: map[string]*Shard{
		"s1": {Name: "s1", Replicas: map[ReplicaID]*Replica{1: {ID: 1, ShardID: "s1", State: Down}}},
	}}}
	r := newTestReader(t, src)
	r.Watch("c")

	require.Eventually(t, func() bool { return r.GetCollection("c") != nil }, time.Second, 5*time.Millisecond)

	src.delta = StateDelta{Version: 1, Replicas: map[ReplicaID]ReplicaState{1: Active}}
	src.fireWatch()

	require.Eventually(t, func() bool {
		c := r.GetCollection("c")
		rep, _, found := c.ReplicaByID(1)
		return found && rep.State == Active
	}, time.Second, 5*time.Millisecond)

	// Fire again to exercise re-registration (onWatch must have been reset).
	src.delta = StateDelta{Version: 2, Replicas: map[ReplicaID]ReplicaState{1: Down}}
	src.fireWatch()

	require.Eventually(t, func() bool {
		c := r.GetCollection("c")
		rep, _, found := c.ReplicaByID(1)
		return found && rep.State == Down
	}, time.Second, 5*time.Millisecond)
}

func TestReader_WaitForStateObservesLiveNodeMembership(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Shards: map[string]*Shard{}}}
	r := newTestReader(t, src)
	r.WatchLiveNodes()

	require.Eventually(t, func() bool {
		return len(r.liveNodesSnapshot()) == 0
	}, time.Second, 5*time.Millisecond)

	done := make(chan bool, 1)
	go func() {
		ok := r.WaitForState(context.Background(), "c", 2*time.Second, func(live map[string]bool, _ *Collection) bool {
			return live["node-1"]
		})
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	src.setLiveNodes(map[string]bool{"node-1": true})
	src.fireLiveWatch()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForState did not observe live-node change")
	}
}

func TestReader_WatchLiveNodesReRegistersAfterFireOnce(t *testing.T) {
	src := &fakeSource{doc: &Collection{Name: "c", Shards: map[string]*Shard{}}, liveNodes: map[string]bool{"node-1": true}}
	r := newTestReader(t, src)
	r.WatchLiveNodes()

	require.Eventually(t, func() bool {
		return r.liveNodesSnapshot()["node-1"]
	}, time.Second, 5*time.Millisecond)

	src.setLiveNodes(map[string]bool{"node-1": true, "node-2": true})
	src.fireLiveWatch()

	require.Eventually(t, func() bool {
		live := r.liveNodesSnapshot()
		return live["node-1"] && live["node-2"]
	}, time.Second, 5*time.Millisecond)
}

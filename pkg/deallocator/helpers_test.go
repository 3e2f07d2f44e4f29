package deallocator

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/metadata"
)

const local = "node-1"

type stateSource struct {
	current atomic.Pointer[metadata.ClusterState]
}

func newStateSource(s *metadata.ClusterState) *stateSource {
	src := &stateSource{}
	src.current.Store(s)
	return src
}

func (s *stateSource) State() *metadata.ClusterState {
	return s.current.Load()
}

func (s *stateSource) set(next *metadata.ClusterState) {
	s.current.Store(next)
}

type indexUpdate struct {
	index    string
	settings map[string]string
}

// fakeClient records updates and answers health requests with health.
type fakeClient struct {
	mu             sync.Mutex
	indexUpdates   []indexUpdate
	clusterUpdates []map[string]string
	failIndex      map[string]error
	failCluster    error
	health         func(ctx context.Context, req cluster.HealthRequest) (cluster.HealthResponse, error)
	healthCalls    int
}

func (c *fakeClient) UpdateIndexSettings(_ context.Context, index string, settings map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failIndex[index]; err != nil {
		return err
	}
	c.indexUpdates = append(c.indexUpdates, indexUpdate{index: index, settings: maps.Clone(settings)})
	return nil
}

func (c *fakeClient) UpdateClusterSettings(_ context.Context, transient map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCluster != nil {
		return c.failCluster
	}
	c.clusterUpdates = append(c.clusterUpdates, maps.Clone(transient))
	return nil
}

func (c *fakeClient) Health(ctx context.Context, req cluster.HealthRequest) (cluster.HealthResponse, error) {
	c.mu.Lock()
	c.healthCalls++
	fn := c.health
	c.mu.Unlock()
	if fn == nil {
		return cluster.HealthResponse{Status: cluster.HealthGreen}, nil
	}
	return fn(ctx, req)
}

// exclusion returns the last value written for index.
func (c *fakeClient) exclusion(index string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.indexUpdates) - 1; i >= 0; i-- {
		if c.indexUpdates[i].index == index {
			v, ok := c.indexUpdates[i].settings[metadata.ExcludeNodeIDSetting]
			return v, ok
		}
	}
	return "", false
}

func (c *fakeClient) allocationUpdates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, u := range c.clusterUpdates {
		if v, ok := u[metadata.AllocationEnableSetting]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (c *fakeClient) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.indexUpdates) + len(c.clusterUpdates)
}

func startExecutor(t *testing.T) *Executor {
	t.Helper()
	exec := NewExecutor(64, time.Second)
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)
	return exec
}

// drain waits until every request queued so far has run.
func drain(t *testing.T, exec *Executor) {
	t.Helper()
	done := make(chan struct{})
	exec.Enqueue("barrier", func(context.Context) error { return nil }, func(error) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not drain")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return r, err
}

func indexMeta(name string, shards, replicas int) metadata.IndexMetadata {
	return metadata.IndexMetadata{Name: name, NumberOfShards: shards, NumberOfReplicas: replicas}
}

func startedShard(index string, shard int, primary bool, node string) metadata.ShardRouting {
	return metadata.ShardRouting{Index: index, Shard: shard, Primary: primary, State: metadata.ShardStarted, NodeID: node}
}

// clusterState builds a state seen from local with the given indices and
// routing. version orders successive states of one test.
func clusterState(version uint64, indices []metadata.IndexMetadata, routing ...metadata.ShardRouting) *metadata.ClusterState {
	s := metadata.Empty(local)
	s.Version = version
	s.MetadataVersion = version
	s.MasterNodeID = local
	s.Nodes = map[string]metadata.Node{
		local:    {ID: local},
		"node-2": {ID: "node-2"},
	}
	for _, m := range indices {
		s.Indices[m.Name] = m
	}
	s.Routing = routing
	return s
}

func changedEvent(prev, next *metadata.ClusterState) metadata.ClusterChangedEvent {
	return metadata.NewClusterChangedEvent("test", next, prev)
}

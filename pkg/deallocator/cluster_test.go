package deallocator

import (
	"context"
	"testing"
	"time"

	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/metadata"
	"shardkeeper/pkg/raftadapter"
	"shardkeeper/pkg/watcher"
)

// storeProposer applies commands straight to a store, standing in for a
// single node raft group.
type storeProposer struct {
	store *metadata.Store
}

func (p storeProposer) Execute(_ context.Context, cmd raftadapter.Cmd) error {
	return p.store.Apply(cmd.Command)
}

type testCluster struct {
	store      *metadata.Store
	watcher    *watcher.Watcher
	client     *cluster.Client
	exec       *Executor
	exclusions *Exclusions
	coord      *Deallocators
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	w := watcher.New(metadata.Empty(local), 0)
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	store := metadata.NewStore(local, w)
	client := cluster.NewClient(storeProposer{store: store}, w)
	exec := startExecutor(t)
	ex := NewExclusions(client, exec)

	opts := Options{LocalNodeID: local, HealthTimeout: time.Second}
	primaries := NewPrimariesDeallocator(opts, w, client, exec, ex)
	allShards := NewAllShardsDeallocator(opts, w, ex)
	w.Add(ex)
	w.Add(primaries)
	w.Add(allShards)

	store.SetNodes([]metadata.Node{{ID: local}, {ID: "node-2"}})
	store.SetMaster(local)

	return &testCluster{
		store:      store,
		watcher:    w,
		client:     client,
		exec:       exec,
		exclusions: ex,
		coord:      NewDeallocators(w, DefaultMinAvailability, allShards, primaries, nil),
	}
}

func (c *testCluster) apply(t *testing.T, cmd metadata.Command) {
	t.Helper()
	if err := c.store.Apply(cmd); err != nil {
		t.Fatalf("apply %s: %v", cmd.Op, err)
	}
}

func (c *testCluster) place(t *testing.T, index, node string) {
	t.Helper()
	c.apply(t, metadata.Command{
		Op:      metadata.OpUpdateRouting,
		Index:   index,
		Routing: []metadata.ShardRouting{startedShard(index, 0, true, node)},
	})
}

func (c *testCluster) setting(index string) string {
	meta, _ := c.watcher.State().Index(index)
	v, _ := meta.Setting(metadata.ExcludeNodeIDSetting)
	return v
}

func TestCluster_PrimariesDeallocation(t *testing.T) {
	c := newTestCluster(t)
	c.apply(t, metadata.Command{Op: metadata.OpCreateIndex, Index: "logs", Shards: 1})
	c.place(t, "logs", local)
	c.apply(t, metadata.UpdateTransientSettings(map[string]string{MinAvailabilitySetting: "primaries"}))
	waitFor(t, "primaries setting", func() bool {
		return c.watcher.State().Setting(MinAvailabilitySetting, "") == "primaries"
	})

	f, err := c.coord.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "exclusion and narrowed allocation", func() bool {
		return c.setting("logs") == local &&
			c.watcher.State().Setting(metadata.AllocationEnableSetting, "") == metadata.AllocationPrimaries
	})
	if _, _, done := f.Peek(); done {
		t.Fatal("completed before the shard moved")
	}

	c.place(t, "logs", "node-2")

	if r, err := wait(t, f); err != nil || r != ResultSuccess {
		t.Fatalf("result = %v, %v", r, err)
	}
	waitFor(t, "allocation restored", func() bool {
		return c.watcher.State().Setting(metadata.AllocationEnableSetting, "") == metadata.AllocationAll
	})
	if c.coord.IsInProgress() {
		t.Fatal("coordinator still in progress")
	}
}

func TestCluster_CancelRevertsSettings(t *testing.T) {
	c := newTestCluster(t)
	c.apply(t, metadata.Command{Op: metadata.OpCreateIndex, Index: "logs", Shards: 1, Replicas: 1})
	c.place(t, "logs", local)
	waitFor(t, "routing", func() bool {
		return c.watcher.State().RoutingNode(local).Size() == 1
	})

	f, err := c.coord.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "exclusion", func() bool { return c.setting("logs") == local })

	if !c.coord.Cancel() {
		t.Fatal("Cancel = false")
	}
	if !f.Cancelled() {
		t.Fatal("future not cancelled")
	}
	waitFor(t, "exclusion reverted", func() bool { return c.setting("logs") == "" })
	if c.coord.IsInProgress() {
		t.Fatal("still in progress after cancel")
	}
}

func TestCluster_MasterClearsDepartedNode(t *testing.T) {
	c := newTestCluster(t)
	c.apply(t, metadata.Command{Op: metadata.OpCreateIndex, Index: "logs", Shards: 1})
	c.apply(t, metadata.UpdateIndexSettings("logs", map[string]string{metadata.ExcludeNodeIDSetting: "node-2"}))
	waitFor(t, "exclusion rehydrated", func() bool { return c.exclusions.Contains("node-2") })

	c.store.SetNodes([]metadata.Node{{ID: local}})

	waitFor(t, "exclusion of departed node cleared", func() bool {
		return c.setting("logs") == "" && !c.exclusions.Contains("node-2")
	})
}

package deallocator

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/metadata"
)

type primariesFixture struct {
	client *fakeClient
	exec   *Executor
	ex     *Exclusions
	state  *stateSource
	d      *PrimariesDeallocator
}

func newPrimariesFixture(t *testing.T, initial *metadata.ClusterState) *primariesFixture {
	t.Helper()
	fx := &primariesFixture{
		client: &fakeClient{},
		exec:   startExecutor(t),
		state:  newStateSource(initial),
	}
	fx.ex = NewExclusions(fx.client, fx.exec)
	fx.d = NewPrimariesDeallocator(Options{LocalNodeID: local, HealthTimeout: 50 * time.Millisecond},
		fx.state, fx.client, fx.exec, fx.ex)
	return fx
}

// apply makes next the current state and delivers the change.
func (fx *primariesFixture) apply(next *metadata.ClusterState) {
	prev := fx.state.State()
	fx.state.set(next)
	fx.ex.ClusterChanged(changedEvent(prev, next))
	fx.d.ClusterChanged(changedEvent(prev, next))
}

func mixedIndices() []metadata.IndexMetadata {
	return []metadata.IndexMetadata{
		indexMeta("logs", 1, 0),
		indexMeta("users", 1, 1),
		indexMeta("remote", 1, 0),
	}
}

func TestPrimaries_NothingToDo(t *testing.T) {
	cases := map[string]*metadata.ClusterState{
		"empty node": clusterState(1, mixedIndices(),
			startedShard("logs", 0, true, "node-2")),
		"only replicated indices": clusterState(1, mixedIndices(),
			startedShard("users", 0, true, local),
			startedShard("users", 0, false, "node-2"),
			startedShard("logs", 0, true, "node-2")),
	}

	for name, state := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newPrimariesFixture(t, state)
			f, err := fx.d.Start()
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if r, err := wait(t, f); err != nil || r != ResultSuccessNothingHappened {
				t.Fatalf("result = %v, %v", r, err)
			}
			drain(t, fx.exec)
			if fx.client.writes() != 0 {
				t.Fatal("no metadata must be written")
			}
			if fx.d.IsInProgress() {
				t.Fatal("still in progress")
			}
		})
	}
}

func TestPrimaries_MovesZeroReplicaShards(t *testing.T) {
	fx := newPrimariesFixture(t, clusterState(1, mixedIndices(),
		startedShard("logs", 0, true, local),
		startedShard("users", 0, true, local),
		startedShard("users", 0, false, "node-2"),
		startedShard("remote", 0, true, "node-2"),
	))

	f, err := fx.d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, fx.exec)

	if got := fx.client.allocationUpdates(); !slices.Equal(got, []string{metadata.AllocationPrimaries}) {
		t.Fatalf("allocation updates = %v", got)
	}
	for _, name := range []string{"logs", "remote"} {
		if v, _ := fx.client.exclusion(name); v != local {
			t.Fatalf("%s exclusion = %q", name, v)
		}
	}
	if _, ok := fx.client.exclusion("users"); ok {
		t.Fatal("replicated index must not be excluded")
	}
	if _, err := fx.d.Start(); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("second Start err = %v", err)
	}

	// the replicated shard stays; only the zero replica primary moves
	fx.apply(clusterState(2, mixedIndices(),
		startedShard("logs", 0, true, "node-2"),
		startedShard("users", 0, true, local),
		startedShard("users", 0, false, "node-2"),
		startedShard("remote", 0, true, "node-2"),
	))

	if r, err := wait(t, f); err != nil || r != ResultSuccess {
		t.Fatalf("result = %v, %v", r, err)
	}
	drain(t, fx.exec)
	if got := fx.client.allocationUpdates(); !slices.Equal(got, []string{metadata.AllocationPrimaries, metadata.AllocationAll}) {
		t.Fatalf("allocation not restored: %v", got)
	}
}

func TestPrimaries_RestoresPreviousAllocation(t *testing.T) {
	state := clusterState(1, mixedIndices(), startedShard("logs", 0, true, local))
	state.Transient[metadata.AllocationEnableSetting] = "new_primaries"
	fx := newPrimariesFixture(t, state)

	if _, err := fx.d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fx.d.Cancel() {
		t.Fatal("Cancel = false")
	}
	drain(t, fx.exec)

	if got := fx.client.allocationUpdates(); !slices.Equal(got, []string{metadata.AllocationPrimaries, "new_primaries"}) {
		t.Fatalf("allocation updates = %v", got)
	}
}

func TestPrimaries_CancelRevertsExclusions(t *testing.T) {
	fx := newPrimariesFixture(t, clusterState(1, mixedIndices(), startedShard("logs", 0, true, local)))

	f, err := fx.d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, fx.exec)

	if !fx.d.Cancel() {
		t.Fatal("Cancel = false")
	}
	if _, err := wait(t, f); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	drain(t, fx.exec)

	for _, name := range []string{"logs", "remote"} {
		if v, _ := fx.client.exclusion(name); v != "" {
			t.Fatalf("%s exclusion = %q after cancel", name, v)
		}
	}
	if fx.d.IsInProgress() {
		t.Fatal("in progress after cancel")
	}

	before := fx.client.writes()
	if fx.d.Cancel() {
		t.Fatal("second Cancel = true")
	}
	drain(t, fx.exec)
	if fx.client.writes() != before {
		t.Fatal("idle Cancel wrote metadata")
	}
}

func TestPrimaries_ExclusionFailure(t *testing.T) {
	fx := newPrimariesFixture(t, clusterState(1, mixedIndices(), startedShard("logs", 0, true, local)))
	fx.client.failIndex = map[string]error{"remote": errors.New("not master")}

	f, err := fx.d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := wait(t, f); !errors.Is(err, ErrMetadataUpdateFailed) {
		t.Fatalf("err = %v, want ErrMetadataUpdateFailed", err)
	}
	expectRestored(t, fx)
}

// expectRestored waits for the finalizer's restore, which is queued after the
// future resolves.
func expectRestored(t *testing.T, fx *primariesFixture) {
	t.Helper()
	waitFor(t, "allocation restore", func() bool {
		return len(fx.client.allocationUpdates()) >= 2
	})
	drain(t, fx.exec)
	if got := fx.client.allocationUpdates(); !slices.Equal(got, []string{metadata.AllocationPrimaries, metadata.AllocationAll}) {
		t.Fatalf("allocation not restored after failure: %v", got)
	}
}

func TestPrimaries_NewIndices(t *testing.T) {
	initial := clusterState(1, mixedIndices(), startedShard("logs", 0, true, local))

	t.Run("zero replica index is excluded and awaited", func(t *testing.T) {
		fx := newPrimariesFixture(t, initial)
		var healthReq cluster.HealthRequest
		fx.client.health = func(_ context.Context, req cluster.HealthRequest) (cluster.HealthResponse, error) {
			fx.client.mu.Lock()
			healthReq = req
			fx.client.mu.Unlock()
			return cluster.HealthResponse{Status: cluster.HealthYellow}, nil
		}

		f, err := fx.d.Start()
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		fx.apply(clusterState(2, append(mixedIndices(), indexMeta("fresh", 1, 0)),
			startedShard("logs", 0, true, local),
			startedShard("fresh", 0, true, local)))
		drain(t, fx.exec)

		if v, _ := fx.client.exclusion("fresh"); v != local {
			t.Fatalf("fresh exclusion = %q", v)
		}
		waitFor(t, "health request", func() bool {
			fx.client.mu.Lock()
			defer fx.client.mu.Unlock()
			return healthReq.Indices != nil
		})
		fx.client.mu.Lock()
		req := healthReq
		fx.client.mu.Unlock()
		if !slices.Equal(req.Indices, []string{"fresh"}) || req.WaitForStatus != cluster.HealthYellow {
			t.Fatalf("health request = %+v", req)
		}

		// the old primary moved but the new one is still here
		fx.apply(clusterState(3, append(mixedIndices(), indexMeta("fresh", 1, 0)),
			startedShard("logs", 0, true, "node-2"),
			startedShard("fresh", 0, true, local)))
		if _, _, done := f.Peek(); done {
			t.Fatal("completed while a new index still has a shard here")
		}

		fx.apply(clusterState(4, append(mixedIndices(), indexMeta("fresh", 1, 0)),
			startedShard("logs", 0, true, "node-2"),
			startedShard("fresh", 0, true, "node-2")))
		if r, err := wait(t, f); err != nil || r != ResultSuccess {
			t.Fatalf("result = %v, %v", r, err)
		}
	})

	t.Run("replicated index is ignored", func(t *testing.T) {
		fx := newPrimariesFixture(t, initial)
		if _, err := fx.d.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		fx.apply(clusterState(2, append(mixedIndices(), indexMeta("copies", 1, 1)),
			startedShard("logs", 0, true, local),
			startedShard("copies", 0, true, local)))
		drain(t, fx.exec)

		if _, ok := fx.client.exclusion("copies"); ok {
			t.Fatal("replicated new index excluded")
		}
		fx.client.mu.Lock()
		calls := fx.client.healthCalls
		fx.client.mu.Unlock()
		if calls != 0 {
			t.Fatal("health requested for a replicated index")
		}
	})

	t.Run("health timeout fails the attempt", func(t *testing.T) {
		fx := newPrimariesFixture(t, initial)
		fx.client.health = func(_ context.Context, req cluster.HealthRequest) (cluster.HealthResponse, error) {
			return cluster.HealthResponse{
				TimedOut: true,
				Status:   cluster.HealthRed,
				Indices: map[string]cluster.IndexHealth{
					"fresh": {Index: "fresh", Status: cluster.HealthRed},
				},
				ValidationFailures: []string{"index [fresh] is red, wanted yellow"},
			}, nil
		}

		f, err := fx.d.Start()
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		fx.apply(clusterState(2, append(mixedIndices(), indexMeta("fresh", 1, 0)),
			startedShard("logs", 0, true, local),
			startedShard("fresh", 0, true, local)))

		_, err = wait(t, f)
		var timedOut *TimedOutError
		if !errors.As(err, &timedOut) || !errors.Is(err, ErrRelocationTimedOut) {
			t.Fatalf("err = %v, want TimedOutError", err)
		}
		if !slices.Equal(timedOut.Indices, []string{"fresh"}) {
			t.Fatalf("timed out indices = %v", timedOut.Indices)
		}
		expectRestored(t, fx)
		waitFor(t, "tracked indices cleared", func() bool { return len(fx.d.tracked()) == 0 })
	})
}

func TestPrimaries_StaleFailureDoesNotFailNewAttempt(t *testing.T) {
	fx := newPrimariesFixture(t, clusterState(1, mixedIndices(), startedShard("logs", 0, true, local)))

	first, err := fx.d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.d.Cancel()
	drain(t, fx.exec)

	second, err := fx.d.Start()
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	fx.d.fail(first, errors.New("late failure of the first attempt"))

	if _, _, done := second.Peek(); done {
		t.Fatal("failure of an old attempt resolved the new one")
	}
	fx.d.Cancel()
}

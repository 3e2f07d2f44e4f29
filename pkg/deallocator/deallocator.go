package deallocator

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/metadata"
)

const defaultHealthTimeout = 60 * time.Second

// Deallocator moves data off the local node so it can stop without loss.
type Deallocator interface {
	// Start begins a deallocation attempt. The returned future resolves when
	// the attempt succeeds, fails or is cancelled.
	Start() (*Future, error)
	// Cancel aborts the current attempt and reverts its exclusions. It
	// reports whether anything was in progress.
	Cancel() bool
	IsInProgress() bool
}

// StateSource exposes the latest cluster state.
type StateSource interface {
	State() *metadata.ClusterState
}

// ClusterClient is the part of the cluster API the deallocators need.
type ClusterClient interface {
	IndexSettingsUpdater
	UpdateClusterSettings(ctx context.Context, transient map[string]string) error
	Health(ctx context.Context, req cluster.HealthRequest) (cluster.HealthResponse, error)
}

// Options configures the relocating strategies.
type Options struct {
	LocalNodeID   string
	HealthTimeout time.Duration
}

// tracker holds the pending attempt of a strategy and the indices created
// while it runs.
type tracker struct {
	mu         sync.Mutex
	pending    *Future
	newIndices map[string]struct{}
}

// begin installs a fresh future, or returns false if one is pending. setup
// runs under the lock before anyone else can see the future, so a concurrent
// Cancel observes its finalizers and queued requests. It must not block.
// Indices tracked by an earlier attempt are dropped.
func (t *tracker) begin(setup func(f *Future)) (*Future, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		return nil, false
	}
	f := newFuture()
	clear(t.newIndices)
	if setup != nil {
		setup(f)
	}
	t.pending = f
	return f, true
}

// take clears the slot if it still holds f.
func (t *tracker) take(f *Future) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != f {
		return false
	}
	t.pending = nil
	return true
}

func (t *tracker) takeAny() *Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.pending
	t.pending = nil
	return f
}

func (t *tracker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// fail resolves f with err unless a newer attempt replaced it.
func (t *tracker) fail(f *Future, err error) {
	if t.take(f) {
		f.fail(err)
	}
}

// track records names as created during attempt f and hands every tracked
// index, sorted, to then. Like begin's setup, then runs under the lock and
// must not block. Nothing happens once f is no longer pending.
func (t *tracker) track(f *Future, names []string, then func(tracked []string)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != f {
		return false
	}
	if t.newIndices == nil {
		t.newIndices = make(map[string]struct{})
	}
	for _, name := range names {
		t.newIndices[name] = struct{}{}
	}
	then(slices.Sorted(maps.Keys(t.newIndices)))
	return true
}

func (t *tracker) tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.newIndices))
}

// clearTracked forgets the tracked indices unless a newer attempt already
// owns them.
func (t *tracker) clearTracked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		clear(t.newIndices)
	}
}

// NoOpDeallocator is used when no data has to stay available.
type NoOpDeallocator struct{}

func (NoOpDeallocator) Start() (*Future, error) {
	return Completed(ResultSuccessNothingHappened), nil
}

func (NoOpDeallocator) Cancel() bool { return false }

func (NoOpDeallocator) IsInProgress() bool { return false }

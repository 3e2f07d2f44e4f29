package deallocator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"shardkeeper/pkg/cluster"
	"shardkeeper/pkg/metadata"
)

// PrimariesDeallocator moves the shards of indices without replicas off the
// local node. Indices with replicas stay available through their copies, so
// their shards are left in place. While it runs, allocation is narrowed to
// primaries so no new replicas are built on the way out.
type PrimariesDeallocator struct {
	tracker

	localNodeID   string
	healthTimeout time.Duration

	state      StateSource
	client     ClusterClient
	exec       *Executor
	exclusions *Exclusions
	log        *slog.Logger

	// allocation value to restore while a restore is still queued; guarded
	// by tracker.mu
	restoreTo string
}

func NewPrimariesDeallocator(opts Options, state StateSource, client ClusterClient, exec *Executor, exclusions *Exclusions) *PrimariesDeallocator {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	return &PrimariesDeallocator{
		localNodeID:   opts.LocalNodeID,
		healthTimeout: opts.HealthTimeout,
		state:         state,
		client:        client,
		exec:          exec,
		exclusions:    exclusions,
		log:           slog.With("strategy", "primaries", "node_id", opts.LocalNodeID),
	}
}

func (d *PrimariesDeallocator) Start() (*Future, error) {
	if d.IsInProgress() {
		return nil, fmt.Errorf("%w: node %s", ErrAlreadyInProgress, d.localNodeID)
	}

	state := d.state.State()
	node := state.RoutingNode(d.localNodeID)
	if node.Size() == 0 || len(localZeroReplicaIndices(state, node)) == 0 {
		d.log.Info("no zero replica primaries on node, nothing to deallocate")
		return Completed(ResultSuccessNothingHappened), nil
	}

	targets := zeroReplicaIndices(state)
	f, ok := d.begin(func(f *Future) {
		previous := state.Setting(metadata.AllocationEnableSetting, metadata.AllocationAll)
		if d.restoreTo != "" {
			previous = d.restoreTo
		}
		d.restoreTo = previous
		d.log.Info("starting primaries deallocation", "indices", targets, "allocation_enable", previous)

		f.OnComplete(func(_ Result, err error) {
			d.restoreAllocation(previous)
			d.clearTracked()
			if err != nil {
				d.log.Warn("primaries deallocation ended", "error", err)
			}
		})
		d.setAllocation(f, metadata.AllocationPrimaries)
		d.exclusions.Exclude(d.localNodeID, targets, d.onExcluded(f))
	})
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrAlreadyInProgress, d.localNodeID)
	}
	return f, nil
}

func (d *PrimariesDeallocator) Cancel() bool {
	f := d.takeAny()
	changed := d.exclusions.Remove(d.localNodeID)
	cancelled := f != nil && f.cancel()
	if cancelled || len(changed) > 0 {
		d.log.Info("primaries deallocation cancelled", "reverted", changed)
	}
	return cancelled || len(changed) > 0
}

func (d *PrimariesDeallocator) IsInProgress() bool {
	return d.active() || d.exclusions.Contains(d.localNodeID)
}

// ClusterChanged excludes zero replica indices created during the attempt,
// waits for them to become available elsewhere and checks for completion.
func (d *PrimariesDeallocator) ClusterChanged(event metadata.ClusterChangedEvent) {
	d.mu.Lock()
	f := d.pending
	d.mu.Unlock()
	if f == nil {
		return
	}

	var created []string
	for _, name := range event.IndicesCreated() {
		if meta, ok := event.State.Index(name); ok && meta.NumberOfReplicas == 0 {
			created = append(created, name)
		}
	}
	if len(created) > 0 {
		ok := d.track(f, created, func(tracked []string) {
			d.log.Info("new zero replica indices during deallocation", "indices", created)
			d.waitForAvailability(f, tracked)
			d.exclusions.Exclude(d.localNodeID, created, d.onExcluded(f))
		})
		if !ok {
			return
		}
	}

	d.checkCompletion(f, event.State)
}

func (d *PrimariesDeallocator) checkCompletion(f *Future, state *metadata.ClusterState) {
	node := state.RoutingNode(d.localNodeID)
	remaining := localZeroReplicaIndices(state, node)
	for _, name := range d.tracked() {
		if node.HasShards(name) && !slices.Contains(remaining, name) {
			remaining = append(remaining, name)
		}
	}
	if len(remaining) > 0 {
		d.log.Debug("zero replica primaries still on node", "indices", remaining)
		return
	}

	if d.take(f) {
		d.log.Info("primaries deallocation successful")
		f.succeed(ResultSuccess)
	}
}

func (d *PrimariesDeallocator) onExcluded(f *Future) func(index string, err error) {
	return func(index string, err error) {
		if err != nil {
			d.log.Error("failed to exclude node from index", "index", index, "error", err)
			d.fail(f, metadataUpdateFailed("index "+index, err))
			return
		}
		d.log.Debug("excluded node from index", "index", index)
	}
}

func (d *PrimariesDeallocator) setAllocation(f *Future, value string) {
	d.exec.Enqueue("allocation "+value, func(ctx context.Context) error {
		return d.client.UpdateClusterSettings(ctx, map[string]string{
			metadata.AllocationEnableSetting: value,
		})
	}, func(err error) {
		if err != nil {
			d.log.Error("failed to narrow allocation", "value", value, "error", err)
			d.fail(f, metadataUpdateFailed("cluster settings", err))
		}
	})
}

func (d *PrimariesDeallocator) restoreAllocation(previous string) {
	d.exec.Enqueue("allocation "+previous, func(ctx context.Context) error {
		return d.client.UpdateClusterSettings(ctx, map[string]string{
			metadata.AllocationEnableSetting: previous,
		})
	}, func(err error) {
		if err != nil {
			d.log.Error("failed to restore allocation", "value", previous, "error", err)
			return
		}
		d.mu.Lock()
		if d.pending == nil && d.restoreTo == previous {
			d.restoreTo = ""
		}
		d.mu.Unlock()
	})
}

// waitForAvailability fails f unless indices reach yellow within the health
// timeout. The wait stops early once f resolves.
func (d *PrimariesDeallocator) waitForAvailability(f *Future, indices []string) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		go func() {
			select {
			case <-f.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		resp, err := d.client.Health(ctx, cluster.HealthRequest{
			Indices:       indices,
			WaitForStatus: cluster.HealthYellow,
			Timeout:       d.healthTimeout,
		})
		if err != nil {
			if ctx.Err() == nil {
				d.fail(f, fmt.Errorf("wait for new indices: %w", err))
			}
			return
		}
		if resp.TimedOut || len(resp.ValidationFailures) > 0 {
			d.log.Warn("new indices did not become available", "indices", resp.Unavailable(cluster.HealthYellow))
			d.fail(f, &TimedOutError{
				Indices:  resp.Unavailable(cluster.HealthYellow),
				Failures: resp.ValidationFailures,
			})
		}
	}()
}

// zeroReplicaIndices returns, sorted, every index without replicas.
func zeroReplicaIndices(state *metadata.ClusterState) []string {
	var out []string
	for _, name := range state.IndexNames() {
		if state.Indices[name].NumberOfReplicas == 0 {
			out = append(out, name)
		}
	}
	return out
}

// localZeroReplicaIndices returns the zero replica indices with a shard on node.
func localZeroReplicaIndices(state *metadata.ClusterState, node metadata.RoutingNode) []string {
	var out []string
	for _, name := range zeroReplicaIndices(state) {
		if node.HasShards(name) {
			out = append(out, name)
		}
	}
	return out
}

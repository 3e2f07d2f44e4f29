package deallocator

import (
	"fmt"
	"log/slog"

	"shardkeeper/pkg/metadata"
)

// AllShardsDeallocator moves every shard off the local node by excluding it
// from all indices, including indices created while the attempt runs.
type AllShardsDeallocator struct {
	tracker

	localNodeID string
	state       StateSource
	exclusions  *Exclusions
	log         *slog.Logger
}

func NewAllShardsDeallocator(opts Options, state StateSource, exclusions *Exclusions) *AllShardsDeallocator {
	return &AllShardsDeallocator{
		localNodeID: opts.LocalNodeID,
		state:       state,
		exclusions:  exclusions,
		log:         slog.With("strategy", "all_shards", "node_id", opts.LocalNodeID),
	}
}

func (d *AllShardsDeallocator) Start() (*Future, error) {
	if d.IsInProgress() {
		return nil, fmt.Errorf("%w: node %s", ErrAlreadyInProgress, d.localNodeID)
	}

	state := d.state.State()
	if state.RoutingNode(d.localNodeID).Size() == 0 {
		d.log.Info("no shards on node, nothing to deallocate")
		return Completed(ResultSuccessNothingHappened), nil
	}

	f, ok := d.begin(func(f *Future) {
		f.OnComplete(func(_ Result, err error) {
			d.clearTracked()
			if err != nil {
				d.log.Warn("all shards deallocation ended", "error", err)
			}
		})
		indices := state.IndexNames()
		d.log.Info("starting all shards deallocation", "indices", indices)
		d.exclusions.Exclude(d.localNodeID, indices, d.onExcluded(f))
	})
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrAlreadyInProgress, d.localNodeID)
	}
	return f, nil
}

func (d *AllShardsDeallocator) Cancel() bool {
	f := d.takeAny()
	changed := d.exclusions.Remove(d.localNodeID)
	cancelled := f != nil && f.cancel()
	if cancelled || len(changed) > 0 {
		d.log.Info("all shards deallocation cancelled", "reverted", changed)
	}
	return cancelled || len(changed) > 0
}

func (d *AllShardsDeallocator) IsInProgress() bool {
	return d.active() || d.exclusions.Contains(d.localNodeID)
}

func (d *AllShardsDeallocator) ClusterChanged(event metadata.ClusterChangedEvent) {
	d.mu.Lock()
	f := d.pending
	d.mu.Unlock()
	if f == nil {
		return
	}

	if created := event.IndicesCreated(); len(created) > 0 {
		ok := d.track(f, created, func([]string) {
			d.log.Info("new indices during deallocation", "indices", created)
			d.exclusions.Exclude(d.localNodeID, created, d.onExcluded(f))
		})
		if !ok {
			return
		}
	}

	if n := event.State.RoutingNode(d.localNodeID).Size(); n > 0 {
		d.log.Debug("shards still on node", "shards", n)
		return
	}
	if d.take(f) {
		d.log.Info("all shards deallocation successful")
		f.succeed(ResultSuccess)
	}
}

func (d *AllShardsDeallocator) onExcluded(f *Future) func(index string, err error) {
	return func(index string, err error) {
		if err != nil {
			d.log.Error("failed to exclude node from index", "index", index, "error", err)
			d.fail(f, metadataUpdateFailed("index "+index, err))
		}
	}
}

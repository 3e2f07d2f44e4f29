package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shardkeeper/pkg/metadata"
	"shardkeeper/pkg/raftadapter"
	"shardkeeper/pkg/watcher"
)

// Proposer replicates a metadata command and returns once it is applied.
type Proposer interface {
	Execute(ctx context.Context, cmd raftadapter.Cmd) error
}

type stateWatcher interface {
	State() *metadata.ClusterState
	Add(observer watcher.Observer) (remove func())
}

// Client issues the metadata-update and health requests of the local node.
type Client struct {
	proposer Proposer
	watcher  stateWatcher
}

func NewClient(proposer Proposer, watcher stateWatcher) *Client {
	return &Client{
		proposer: proposer,
		watcher:  watcher,
	}
}

// UpdateIndexSettings merges settings into the settings of index.
func (c *Client) UpdateIndexSettings(ctx context.Context, index string, settings map[string]string) error {
	cmd := raftadapter.NewCmd(metadata.UpdateIndexSettings(index, settings))
	if err := c.proposer.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("update settings of index %s: %w", index, err)
	}
	return nil
}

// UpdateClusterSettings merges settings into the transient cluster settings.
func (c *Client) UpdateClusterSettings(ctx context.Context, transient map[string]string) error {
	cmd := raftadapter.NewCmd(metadata.UpdateTransientSettings(transient))
	if err := c.proposer.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("update cluster settings: %w", err)
	}
	return nil
}

// Health waits until the requested indices reach the requested status or the
// request timeout elapses. Running out of time is not an error: the response
// has TimedOut set and names what did not converge.
func (c *Client) Health(ctx context.Context, req HealthRequest) (HealthResponse, error) {
	changed := make(chan struct{}, 1)
	remove := c.watcher.Add(watcher.ObserverFunc(func(metadata.ClusterChangedEvent) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	defer remove()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	for {
		resp := EvaluateHealth(c.watcher.State(), req.Indices)
		if resp.satisfies(req.WaitForStatus) {
			return resp, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			resp = EvaluateHealth(c.watcher.State(), req.Indices)
			if resp.satisfies(req.WaitForStatus) {
				return resp, nil
			}
			resp.TimedOut = true
			for _, name := range resp.Unavailable(req.WaitForStatus) {
				if _, ok := c.watcher.State().Index(name); ok {
					resp.ValidationFailures = append(resp.ValidationFailures,
						fmt.Sprintf("index [%s] is %s, wanted %s", name, resp.Indices[name].Status, req.WaitForStatus))
				}
			}
			slog.Debug("health wait timed out", "indices", req.Indices, "status", resp.Status)
			return resp, nil
		case <-ctx.Done():
			return HealthResponse{}, ctx.Err()
		}
	}
}

package deallocator

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"shardkeeper/pkg/metadata"
)

// IndexSettingsUpdater writes index settings to the cluster.
type IndexSettingsUpdater interface {
	UpdateIndexSettings(ctx context.Context, index string, settings map[string]string) error
}

type exclusionUpdate struct {
	index string
	value string
}

// Exclusions keeps the node ids excluded from allocation per index and
// writes every change through the executor. The map mirrors the
// index.routing.allocation.exclude._id settings in cluster metadata and is
// re-read from it whenever metadata changes.
type Exclusions struct {
	client IndexSettingsUpdater
	exec   *Executor

	mu      sync.Mutex
	byIndex map[string]map[string]struct{}
	// indices with a write still in the executor; rehydration leaves them
	// alone until the write lands
	inflight map[string]int
}

func NewExclusions(client IndexSettingsUpdater, exec *Executor) *Exclusions {
	return &Exclusions{
		client:   client,
		exec:     exec,
		byIndex:  make(map[string]map[string]struct{}),
		inflight: make(map[string]int),
	}
}

// Exclude adds nodeID to the exclusion set of every index and issues one
// settings update per index. onResult is called once per index with the
// outcome of its update.
func (e *Exclusions) Exclude(nodeID string, indices []string, onResult func(index string, err error)) {
	e.mu.Lock()
	updates := make([]exclusionUpdate, 0, len(indices))
	for _, index := range indices {
		set, ok := e.byIndex[index]
		if !ok {
			set = make(map[string]struct{})
			e.byIndex[index] = set
		}
		set[nodeID] = struct{}{}
		updates = append(updates, exclusionUpdate{index: index, value: joinNodes(set)})
		e.inflight[index]++
	}
	e.mu.Unlock()

	e.send(updates, onResult)
}

// Remove drops nodeID from every exclusion set containing it and returns the
// affected indices, sorted. Nothing is written when the node is not excluded
// anywhere.
func (e *Exclusions) Remove(nodeID string) []string {
	e.mu.Lock()
	var updates []exclusionUpdate
	for index, set := range e.byIndex {
		if _, ok := set[nodeID]; !ok {
			continue
		}
		delete(set, nodeID)
		updates = append(updates, exclusionUpdate{index: index, value: joinNodes(set)})
		e.inflight[index]++
		if len(set) == 0 {
			delete(e.byIndex, index)
		}
	}
	e.mu.Unlock()

	slices.SortFunc(updates, func(a, b exclusionUpdate) int {
		return strings.Compare(a.index, b.index)
	})
	e.send(updates, func(index string, err error) {
		if err != nil {
			slog.Error("failed to remove node from allocation exclusions", "node_id", nodeID, "index", index, "error", err)
		}
	})

	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		changed = append(changed, u.index)
	}
	return changed
}

// Contains reports whether nodeID is excluded from any index.
func (e *Exclusions) Contains(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range e.byIndex {
		if _, ok := set[nodeID]; ok {
			return true
		}
	}
	return false
}

// Excluded returns the sorted node ids excluded from index.
func (e *Exclusions) Excluded(index string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.byIndex[index]))
}

func (e *Exclusions) send(updates []exclusionUpdate, onResult func(index string, err error)) {
	for _, u := range updates {
		e.exec.Enqueue("exclude "+u.index, func(ctx context.Context) error {
			return e.client.UpdateIndexSettings(ctx, u.index, map[string]string{
				metadata.ExcludeNodeIDSetting: u.value,
			})
		}, func(err error) {
			e.mu.Lock()
			if e.inflight[u.index]--; e.inflight[u.index] <= 0 {
				delete(e.inflight, u.index)
			}
			e.mu.Unlock()
			if onResult != nil {
				onResult(u.index, err)
			}
		})
	}
}

// Rehydrate replaces the local view with the exclusion settings of state.
// Indices with writes in flight keep their local view.
func (e *Exclusions) Rehydrate(state *metadata.ClusterState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, meta := range state.Indices {
		if e.inflight[name] > 0 {
			continue
		}
		value, ok := meta.Setting(metadata.ExcludeNodeIDSetting)
		if !ok {
			continue
		}
		nodes := splitNodes(value)
		if len(nodes) == 0 {
			delete(e.byIndex, name)
			continue
		}
		set := make(map[string]struct{}, len(nodes))
		for _, id := range nodes {
			set[id] = struct{}{}
		}
		e.byIndex[name] = set
	}

	for name := range e.byIndex {
		if _, ok := state.Indices[name]; !ok && e.inflight[name] == 0 {
			delete(e.byIndex, name)
		}
	}
}

// ClusterChanged keeps the map in step with metadata. The master also clears
// the exclusions of nodes that left the cluster.
func (e *Exclusions) ClusterChanged(event metadata.ClusterChangedEvent) {
	if event.MetadataChanged() {
		e.Rehydrate(event.State)
	}
	if !event.LocalNodeMaster() {
		return
	}
	for _, node := range event.NodesRemoved() {
		if changed := e.Remove(node.ID); len(changed) > 0 {
			slog.Info("cleared allocation exclusions of removed node", "node_id", node.ID, "indices", changed)
		}
	}
}

func joinNodes(set map[string]struct{}) string {
	return strings.Join(slices.Sorted(maps.Keys(set)), ",")
}

func splitNodes(value string) []string {
	var nodes []string
	for _, id := range strings.Split(value, ",") {
		if id = strings.TrimSpace(id); id != "" {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

package metadata

import "sort"

// ClusterChangedEvent describes the transition between two published states.
type ClusterChangedEvent struct {
	Source   string
	State    *ClusterState
	Previous *ClusterState
}

func NewClusterChangedEvent(source string, state, previous *ClusterState) ClusterChangedEvent {
	if previous == nil {
		previous = Empty(state.LocalNodeID)
	}
	return ClusterChangedEvent{Source: source, State: state, Previous: previous}
}

// MetadataChanged reports whether index metadata or cluster settings changed.
func (e ClusterChangedEvent) MetadataChanged() bool {
	return e.State.MetadataVersion != e.Previous.MetadataVersion
}

// IndicesCreated returns, sorted, indices present now but not before.
func (e ClusterChangedEvent) IndicesCreated() []string {
	var created []string
	for name := range e.State.Indices {
		if _, ok := e.Previous.Indices[name]; !ok {
			created = append(created, name)
		}
	}
	sort.Strings(created)
	return created
}

func (e ClusterChangedEvent) IndicesDeleted() []string {
	var deleted []string
	for name := range e.Previous.Indices {
		if _, ok := e.State.Indices[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	return deleted
}

// NodesRemoved returns the nodes that left the cluster, ordered by id.
func (e ClusterChangedEvent) NodesRemoved() []Node {
	var removed []Node
	for id, n := range e.Previous.Nodes {
		if _, ok := e.State.Nodes[id]; !ok {
			removed = append(removed, n)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

func (e ClusterChangedEvent) LocalNodeMaster() bool {
	return e.State.LocalNodeMaster()
}

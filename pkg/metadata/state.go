package metadata

import (
	"slices"
	"sort"
)

const (
	// ExcludeNodeIDSetting lists node ids the scheduler must not place shards of an index on.
	ExcludeNodeIDSetting = "index.routing.allocation.exclude._id"

	// AllocationEnableSetting controls which shard kinds the scheduler may allocate.
	AllocationEnableSetting = "cluster.routing.allocation.enable"

	AllocationAll       = "all"
	AllocationPrimaries = "primaries"
)

type ShardState uint8

const (
	ShardUnassigned ShardState = iota
	ShardInitializing
	ShardStarted
	ShardRelocating
)

func (s ShardState) String() string {
	switch s {
	case ShardUnassigned:
		return "unassigned"
	case ShardInitializing:
		return "initializing"
	case ShardStarted:
		return "started"
	case ShardRelocating:
		return "relocating"
	default:
		return "unknown"
	}
}

// Active reports whether the shard copy can serve requests.
func (s ShardState) Active() bool {
	return s == ShardStarted || s == ShardRelocating
}

// ShardRouting places one copy of a shard.
type ShardRouting struct {
	Index            string     `json:"index"`
	Shard            int        `json:"shard"`
	Primary          bool       `json:"primary"`
	State            ShardState `json:"state"`
	NodeID           string     `json:"node_id,omitempty"`
	RelocatingNodeID string     `json:"relocating_node_id,omitempty"`
}

type IndexMetadata struct {
	Name             string            `json:"name"`
	NumberOfShards   int               `json:"number_of_shards"`
	NumberOfReplicas int               `json:"number_of_replicas"`
	Settings         map[string]string `json:"settings,omitempty"`
}

// Setting returns the index setting value and whether it is present.
func (m IndexMetadata) Setting(key string) (string, bool) {
	v, ok := m.Settings[key]
	return v, ok
}

type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ClusterState is an immutable snapshot of the cluster. Snapshots are never
// modified after they are published; the store builds a new one per change.
type ClusterState struct {
	Version         uint64                   `json:"version"`
	MetadataVersion uint64                   `json:"metadata_version"`
	LocalNodeID     string                   `json:"local_node_id"`
	MasterNodeID    string                   `json:"master_node_id,omitempty"`
	Nodes           map[string]Node          `json:"nodes"`
	Persistent      map[string]string        `json:"persistent_settings,omitempty"`
	Transient       map[string]string        `json:"transient_settings,omitempty"`
	Indices         map[string]IndexMetadata `json:"indices"`
	Routing         []ShardRouting           `json:"routing"`
}

// Empty returns a state without nodes, indices or settings.
func Empty(localNodeID string) *ClusterState {
	return &ClusterState{
		LocalNodeID: localNodeID,
		Nodes:       map[string]Node{},
		Persistent:  map[string]string{},
		Transient:   map[string]string{},
		Indices:     map[string]IndexMetadata{},
	}
}

// Setting resolves a cluster setting; transient values shadow persistent ones.
func (s *ClusterState) Setting(key, def string) string {
	if v, ok := s.Transient[key]; ok {
		return v
	}
	if v, ok := s.Persistent[key]; ok {
		return v
	}
	return def
}

func (s *ClusterState) Index(name string) (IndexMetadata, bool) {
	m, ok := s.Indices[name]
	return m, ok
}

// IndexNames returns all index names in lexical order.
func (s *ClusterState) IndexNames() []string {
	names := make([]string, 0, len(s.Indices))
	for name := range s.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *ClusterState) LocalNodeMaster() bool {
	return s.LocalNodeID != "" && s.LocalNodeID == s.MasterNodeID
}

// RoutingNode collects the shard copies currently assigned to nodeID.
func (s *ClusterState) RoutingNode(nodeID string) RoutingNode {
	rn := RoutingNode{NodeID: nodeID}
	for _, r := range s.Routing {
		if r.State != ShardUnassigned && r.NodeID == nodeID {
			rn.Shards = append(rn.Shards, r)
		}
	}
	return rn
}

// IndexRouting returns every routing entry of index.
func (s *ClusterState) IndexRouting(index string) []ShardRouting {
	var out []ShardRouting
	for _, r := range s.Routing {
		if r.Index == index {
			out = append(out, r)
		}
	}
	return out
}

type RoutingNode struct {
	NodeID string
	Shards []ShardRouting
}

func (n RoutingNode) Size() int {
	return len(n.Shards)
}

// ShardsWithState returns the shards of index on this node in any of states.
func (n RoutingNode) ShardsWithState(index string, states ...ShardState) []ShardRouting {
	var out []ShardRouting
	for _, r := range n.Shards {
		if r.Index == index && slices.Contains(states, r.State) {
			out = append(out, r)
		}
	}
	return out
}

// HasShards reports whether the node holds an initializing, started or
// relocating copy of index.
func (n RoutingNode) HasShards(index string) bool {
	return len(n.ShardsWithState(index, ShardInitializing, ShardStarted, ShardRelocating)) > 0
}

package metadata

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type indexTable = skipmap.FuncMap[string, IndexMetadata]

// Publisher receives every snapshot the store produces, in order.
type Publisher interface {
	Publish(source string, state *ClusterState)
}

// Store holds the node's view of cluster metadata. Replicated commands arrive
// through Apply; membership and leadership are local facts fed by SetNodes and
// SetMaster. Each change produces a new immutable ClusterState.
type Store struct {
	localNodeID string
	publisher   Publisher

	mu              sync.Mutex
	version         uint64
	metadataVersion uint64
	master          string
	nodes           map[string]Node
	persistent      map[string]string
	transient       map[string]string
	indices         *indexTable
	routing         map[string][]ShardRouting

	current atomic.Pointer[ClusterState]
}

func NewStore(localNodeID string, publisher Publisher) *Store {
	s := &Store{
		localNodeID: localNodeID,
		publisher:   publisher,
		nodes:       make(map[string]Node),
		persistent:  make(map[string]string),
		transient:   make(map[string]string),
		indices: skipmap.NewFunc[string, IndexMetadata](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
		routing: make(map[string][]ShardRouting),
	}
	s.current.Store(Empty(localNodeID))
	return s
}

// State returns the latest published snapshot.
func (s *Store) State() *ClusterState {
	return s.current.Load()
}

// Apply executes a committed command. Commands that fail validation or refer
// to unknown indices leave the state untouched.
func (s *Store) Apply(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpCreateIndex:
		if _, ok := s.indices.Load(cmd.Index); ok {
			return fmt.Errorf("%w: %s", ErrIndexExists, cmd.Index)
		}
		s.indices.Store(cmd.Index, IndexMetadata{
			Name:             cmd.Index,
			NumberOfShards:   cmd.Shards,
			NumberOfReplicas: cmd.Replicas,
			Settings:         maps.Clone(cmd.Settings),
		})
		s.routing[cmd.Index] = unassignedRouting(cmd.Index, cmd.Shards, cmd.Replicas)
		s.metadataVersion++
	case OpDeleteIndex:
		if !s.indices.Delete(cmd.Index) {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, cmd.Index)
		}
		delete(s.routing, cmd.Index)
		s.metadataVersion++
	case OpUpdateIndexSettings:
		meta, ok := s.indices.Load(cmd.Index)
		if !ok {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, cmd.Index)
		}
		// snapshots share the settings map, so never write into it
		settings := make(map[string]string, len(meta.Settings)+len(cmd.Settings))
		maps.Copy(settings, meta.Settings)
		maps.Copy(settings, cmd.Settings)
		meta.Settings = settings
		s.indices.Store(cmd.Index, meta)
		s.metadataVersion++
	case OpUpdateClusterSettings:
		if cmd.Transient {
			s.transient = merged(s.transient, cmd.Settings)
		} else {
			s.persistent = merged(s.persistent, cmd.Settings)
		}
		s.metadataVersion++
	case OpUpdateRouting:
		if _, ok := s.indices.Load(cmd.Index); !ok {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, cmd.Index)
		}
		s.routing[cmd.Index] = append([]ShardRouting(nil), cmd.Routing...)
	}

	s.publishLocked("apply " + cmd.Op.String())
	return nil
}

// SetNodes replaces the set of live nodes.
func (s *Store) SetNodes(nodes []Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		next[n.ID] = n
	}
	if maps.Equal(next, s.nodes) {
		return
	}
	s.nodes = next
	s.publishLocked("membership")
}

func (s *Store) SetMaster(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nodeID {
		return
	}
	s.master = nodeID
	slog.Info("master changed", "node_id", s.localNodeID, "master", nodeID)
	s.publishLocked("master election")
}

func (s *Store) publishLocked(source string) {
	s.version++

	indices := make(map[string]IndexMetadata, s.indices.Len())
	var routing []ShardRouting
	s.indices.Range(func(name string, meta IndexMetadata) bool {
		indices[name] = meta
		routing = append(routing, s.routing[name]...)
		return true
	})

	state := &ClusterState{
		Version:         s.version,
		MetadataVersion: s.metadataVersion,
		LocalNodeID:     s.localNodeID,
		MasterNodeID:    s.master,
		Nodes:           maps.Clone(s.nodes),
		Persistent:      maps.Clone(s.persistent),
		Transient:       maps.Clone(s.transient),
		Indices:         indices,
		Routing:         routing,
	}
	s.current.Store(state)

	if s.publisher != nil {
		s.publisher.Publish(source, state)
	}
}

func merged(base, update map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(update))
	maps.Copy(out, base)
	maps.Copy(out, update)
	return out
}

func unassignedRouting(index string, shards, replicas int) []ShardRouting {
	out := make([]ShardRouting, 0, shards*(replicas+1))
	for shard := 0; shard < shards; shard++ {
		out = append(out, ShardRouting{Index: index, Shard: shard, Primary: true, State: ShardUnassigned})
		for i := 0; i < replicas; i++ {
			out = append(out, ShardRouting{Index: index, Shard: shard, State: ShardUnassigned})
		}
	}
	return out
}

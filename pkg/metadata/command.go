package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrIndexNotFound  = errors.New("index not found")
	ErrIndexExists    = errors.New("index already exists")
	ErrUnknownOp      = errors.New("unknown metadata operation")
	ErrInvalidCommand = errors.New("invalid metadata command")
)

type Op uint8

const (
	OpCreateIndex Op = iota + 1
	OpDeleteIndex
	OpUpdateIndexSettings
	OpUpdateClusterSettings
	OpUpdateRouting
)

func (o Op) String() string {
	switch o {
	case OpCreateIndex:
		return "create_index"
	case OpDeleteIndex:
		return "delete_index"
	case OpUpdateIndexSettings:
		return "update_index_settings"
	case OpUpdateClusterSettings:
		return "update_cluster_settings"
	case OpUpdateRouting:
		return "update_routing"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Command is a replicated change to cluster metadata or routing.
type Command struct {
	Op        Op                `json:"op"`
	Index     string            `json:"index,omitempty"`
	Shards    int               `json:"shards,omitempty"`
	Replicas  int               `json:"replicas,omitempty"`
	Settings  map[string]string `json:"settings,omitempty"`
	Transient bool              `json:"transient,omitempty"`
	Routing   []ShardRouting    `json:"routing,omitempty"`
}

func (c Command) Validate() error {
	switch c.Op {
	case OpCreateIndex:
		if c.Index == "" {
			return fmt.Errorf("%w: empty index name", ErrInvalidCommand)
		}
		if c.Shards < 1 || c.Replicas < 0 {
			return fmt.Errorf("%w: index %s needs at least one shard and non-negative replicas", ErrInvalidCommand, c.Index)
		}
	case OpDeleteIndex:
		if c.Index == "" {
			return fmt.Errorf("%w: empty index name", ErrInvalidCommand)
		}
	case OpUpdateIndexSettings:
		if c.Index == "" || len(c.Settings) == 0 {
			return fmt.Errorf("%w: index settings update needs an index and settings", ErrInvalidCommand)
		}
	case OpUpdateClusterSettings:
		if len(c.Settings) == 0 {
			return fmt.Errorf("%w: empty cluster settings update", ErrInvalidCommand)
		}
	case OpUpdateRouting:
		if c.Index == "" {
			return fmt.Errorf("%w: empty index name", ErrInvalidCommand)
		}
		for _, r := range c.Routing {
			if r.Index != c.Index {
				return fmt.Errorf("%w: routing entry for %s in update of %s", ErrInvalidCommand, r.Index, c.Index)
			}
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownOp, c.Op)
	}
	return nil
}

// UpdateIndexSettings builds the command merging settings into index.
func UpdateIndexSettings(index string, settings map[string]string) Command {
	return Command{Op: OpUpdateIndexSettings, Index: index, Settings: settings}
}

func UpdateTransientSettings(settings map[string]string) Command {
	return Command{Op: OpUpdateClusterSettings, Settings: settings, Transient: true}
}

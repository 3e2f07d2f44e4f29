package config

import "time"

// Config is the root configuration of a shardkeeper node.
// yaml and validate tags drive parsing and validation.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger" validate:"required"`
	Server       ServerConfig       `yaml:"http-server" validate:"required"`
	Node         NodeConfig         `yaml:"node" validate:"required"`
	ZooKeeper    ZooKeeperConfig    `yaml:"zookeeper"`
	Raft         RaftConfig         `yaml:"raft" validate:"required"`
	GracefulStop GracefulStopConfig `yaml:"graceful_stop" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// NodeConfig identifies the local node inside the cluster.
type NodeConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// RaftConfig tunes the raft group replicating cluster metadata.
type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=1"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
}

// RaftPeerConfig maps a raft member to its transport address and cluster node id.
type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	NodeID  string `yaml:"node_id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

// GracefulStopConfig controls how data is moved off a node before shutdown.
type GracefulStopConfig struct {
	// MinAvailability is used when the cluster settings carry no
	// cluster.graceful_stop.min_availability value.
	MinAvailability string        `yaml:"min_availability" validate:"required,oneof=primaries full none"`
	HealthTimeout   time.Duration `yaml:"health_timeout" validate:"required"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"required"`
	QueueSize       int           `yaml:"queue_size" validate:"min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// PeerNodeID returns the cluster node id of the raft member id.
func (c RaftConfig) PeerNodeID(id uint64) (string, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.NodeID, true
		}
	}
	return "", false
}

// Default returns a baseline development config: a single node raft group
// without ZooKeeper.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Node: NodeConfig{
			ID:      "node-1",
			Address: "http://localhost:8080",
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/shardkeeper",
			SessionTimeout: 5 * time.Second,
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 8 * 1024 * 1024,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			Peers: []RaftPeerConfig{
				{ID: 1, NodeID: "node-1", Address: "http://localhost:8080"},
			},
		},
		GracefulStop: GracefulStopConfig{
			MinAvailability: "full",
			HealthTimeout:   60 * time.Second,
			RequestTimeout:  30 * time.Second,
			QueueSize:       256,
		},
	}
}

package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shardkeeper/pkg/config"
	"shardkeeper/pkg/metadata"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var ErrNodeStopped = errors.New("raft node stopped")

// iApplier receives committed metadata commands in log order.
type iApplier interface {
	Apply(cmd metadata.Command) error
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node replicates metadata commands through an etcd raft group and applies
// committed ones to the local metadata store.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	applier      iApplier
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	leaderMu       sync.Mutex
	lead           uint64
	onLeaderChange func(lead uint64)

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(config *config.RaftConfig, applier iApplier) (*Node, error) {
	cfg := toRaftConfig(config)
	storage := raft.NewMemoryStorage()
	cfg.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(config.Peers))
		raftPeers = make([]raft.Peer, 0, len(config.Peers))
	)
	for _, p := range config.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           config.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(cfg, raftPeers),
		applier:      applier,
		jr:           storage,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(peers),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// OnLeaderChange registers fn to be called from the raft loop whenever the
// known leader changes. Zero means no leader.
func (n *Node) OnLeaderChange(fn func(lead uint64)) {
	n.leaderMu.Lock()
	defer n.leaderMu.Unlock()
	n.onLeaderChange = fn
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil {
		n.observeLeader(rd.SoftState.Lead)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.jr.ApplySnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if err := n.applyEntry(entry); err != nil {
				slog.Error("critical: failed to apply entry", "raft_id", n.ID, "index", entry.Index, "error", err)
				return fmt.Errorf("apply entry: %w", err)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) observeLeader(lead uint64) {
	n.leaderMu.Lock()
	changed := n.lead != lead
	n.lead = lead
	fn := n.onLeaderChange
	n.leaderMu.Unlock()

	if changed {
		slog.Info("raft leader changed", "raft_id", n.ID, "leader", lead)
		if fn != nil {
			fn(lead)
		}
	}
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

// applyEntry hands the command to the applier. A command the store rejects
// is reported to the proposer but does not stop the raft loop: every replica
// rejects it the same way.
func (n *Node) applyEntry(entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	err := n.applier.Apply(cmd.Command)
	if err != nil {
		slog.Debug("metadata command rejected", "op", cmd.Command.Op, "index", cmd.Command.Index, "error", err)
	}
	n.notifyProposalResult(cmd.ID, proposeResult{Err: err})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// followers apply entries they did not propose, and a proposer may
		// have given up before the entry committed
		return
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Execute proposes cmd and waits until it is applied locally.
func (n *Node) Execute(ctx context.Context, cmd Cmd) error {
	if err := cmd.Command.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-n.ctx.Done():
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle steps an incoming raft message from another node.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	select {
	case <-n.ctx.Done():
		return nil
	default:
	}

	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}

package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	// RaftEndpoint is the path peers post raft messages to.
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Transport ships raft messages between metadata replicas as JSON over HTTP.
type Transport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	own := maps.Clone(peers)
	if own == nil {
		own = make(map[uint64]string)
	}
	return &Transport{
		peers:      own,
		httpClient: &http.Client{Timeout: transportTimeout},
	}
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

// UpdatePeer points nodeID at a new address.
func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.AddPeer(nodeID, addr)
}

func (t *Transport) peerAddr(id uint64) (string, bool) {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	addr, ok := t.peers[id]
	return addr, ok
}

// Send delivers msg to its target peer, retrying with a growing delay.
// Failures name the metadata commands the message carried, if any.
func (t *Transport) Send(msg raftpb.Message) error {
	addr, ok := t.peerAddr(msg.To)
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = t.post(addr+RaftEndpoint, body)
		if lastErr == nil {
			return nil
		}
		slog.Warn("failed to send raft message, retrying",
			"attempt", attempt,
			"to", msg.To,
			"type", msg.Type,
			"commands", carriedCommands(msg),
			"error", lastErr)
		time.Sleep(retryDelay * time.Duration(attempt))
	}

	return fmt.Errorf("send %s to %d with %d commands after %d attempts: %w",
		msg.Type, msg.To, len(carriedCommands(msg)), maxRetries, lastErr)
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer answered %d: %s", resp.StatusCode, string(text))
	}
	return nil
}

// carriedCommands describes the metadata commands in the normal entries of
// msg as "op index" pairs. Entries that are not commands are skipped.
func carriedCommands(msg raftpb.Message) []string {
	var out []string
	for _, e := range msg.Entries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			continue
		}
		var cmd Cmd
		if err := json.Unmarshal(e.Data, &cmd); err != nil {
			continue
		}
		desc := cmd.Command.Op.String()
		if cmd.Command.Index != "" {
			desc += " " + cmd.Command.Index
		}
		out = append(out, desc)
	}
	return out
}

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shardkeeper/pkg/metadata"

	"github.com/go-zookeeper/zk"
)

// NodeSink receives the full set of live nodes whenever it changes.
type NodeSink interface {
	SetNodes(nodes []metadata.Node)
}

// ZKMembership keeps an ephemeral registration of the local node under
// <root>/nodes/<id> and watches the registrations of all others.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    metadata.Node
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, local metadata.Node, sessionTimeout time.Duration) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		local:    local,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral node of the local node. It disappears
// with the session, which is how the rest of the cluster learns the node left.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + m.local.ID
	_, err := m.conn.Create(nodePath, []byte(m.local.Address), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered node in zookeeper", "path", nodePath)
	return nil
}

func (m *ZKMembership) readNodes(children []string) []metadata.Node {
	nodes := make([]metadata.Node, 0, len(children))
	for _, id := range children {
		data, _, err := m.conn.Get(m.nodesPath() + "/" + id)
		if err != nil {
			// the node may have left between Children and Get
			slog.Debug("zk get node failed", "node_id", id, "error", err)
			continue
		}
		nodes = append(nodes, metadata.Node{ID: id, Address: string(data)})
	}
	return nodes
}

// RunWatch feeds the live node set to sink until ctx is done.
func (m *ZKMembership) RunWatch(ctx context.Context, sink NodeSink) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk children watch failed", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			sink.SetNodes(m.readNodes(children))

			select {
			case ev := <-ch:
				slog.Debug("zk membership event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk membership watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// StaticMembership reports a fixed node set; used when no ZooKeeper servers
// are configured.
type StaticMembership struct {
	Nodes []metadata.Node
}

func (m StaticMembership) RunWatch(_ context.Context, sink NodeSink) {
	sink.SetNodes(m.Nodes)
}

package cluster

import (
	"context"
	"testing"

	"shardkeeper/pkg/metadata"
)

type recordingSink struct {
	calls [][]metadata.Node
}

func (s *recordingSink) SetNodes(nodes []metadata.Node) {
	s.calls = append(s.calls, nodes)
}

func TestStaticMembership_RunWatch(t *testing.T) {
	nodes := []metadata.Node{
		{ID: "node-1", Address: "http://127.0.0.1:8081"},
		{ID: "node-2", Address: "http://127.0.0.1:8082"},
	}
	sink := &recordingSink{}

	StaticMembership{Nodes: nodes}.RunWatch(context.Background(), sink)

	if len(sink.calls) != 1 {
		t.Fatalf("expected a single SetNodes call, got %d", len(sink.calls))
	}
	if len(sink.calls[0]) != 2 || sink.calls[0][1].ID != "node-2" {
		t.Errorf("unexpected nodes: %+v", sink.calls[0])
	}
}

func TestStaticMembership_FeedsStore(t *testing.T) {
	store := metadata.NewStore("node-1", nil)
	StaticMembership{Nodes: []metadata.Node{{ID: "node-1"}, {ID: "node-2"}}}.RunWatch(context.Background(), store)

	state := store.State()
	if _, ok := state.Nodes["node-2"]; !ok {
		t.Errorf("node-2 missing from cluster state: %+v", state.Nodes)
	}
}

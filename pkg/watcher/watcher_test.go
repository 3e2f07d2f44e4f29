package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"shardkeeper/pkg/metadata"
)

func stateWithVersion(v uint64) *metadata.ClusterState {
	s := metadata.Empty("n1")
	s.Version = v
	return s
}

func TestWatcher_DeliversInOrder(t *testing.T) {
	w := New(stateWithVersion(0), 4)
	w.Start(context.Background())
	defer w.Stop()

	var (
		mu       sync.Mutex
		versions [][2]uint64
		order    []string
	)
	w.Add(ObserverFunc(func(e metadata.ClusterChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, [2]uint64{e.Previous.Version, e.State.Version})
		order = append(order, "first")
	}))
	w.Add(ObserverFunc(func(metadata.ClusterChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
	}))

	for v := uint64(1); v <= 3; v++ {
		w.Publish("test", stateWithVersion(v))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(versions)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d events, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, pair := range versions {
		if pair != [2]uint64{uint64(i), uint64(i + 1)} {
			t.Fatalf("event %d = %v", i, pair)
		}
	}
	for i := 0; i < len(order); i += 2 {
		if order[i] != "first" || order[i+1] != "second" {
			t.Fatalf("observer order = %v", order)
		}
	}
	if w.State().Version != 3 {
		t.Fatalf("State().Version = %d", w.State().Version)
	}
}

func TestWatcher_Remove(t *testing.T) {
	w := New(stateWithVersion(0), 0)

	var calls int
	remove := w.Add(ObserverFunc(func(metadata.ClusterChangedEvent) { calls++ }))
	w.Deliver("test", stateWithVersion(1))
	remove()
	w.Deliver("test", stateWithVersion(2))

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

package watcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"shardkeeper/pkg/listener"
	"shardkeeper/pkg/metadata"
)

const defaultBuffer = 64

// Observer is notified of every cluster state transition. Observers run on
// the delivery goroutine and must not block; long work belongs elsewhere.
type Observer interface {
	ClusterChanged(event metadata.ClusterChangedEvent)
}

type ObserverFunc func(event metadata.ClusterChangedEvent)

func (f ObserverFunc) ClusterChanged(event metadata.ClusterChangedEvent) {
	f(event)
}

type published struct {
	source string
	state  *metadata.ClusterState
}

type registration struct {
	id       uint64
	observer Observer
}

// Watcher turns published snapshots into ClusterChangedEvents and delivers
// them to registered observers one at a time, in publication order.
type Watcher struct {
	in       chan published
	listener *listener.Listener[published]

	mu        sync.RWMutex
	observers []registration
	nextID    uint64

	current atomic.Pointer[metadata.ClusterState]
}

func New(initial *metadata.ClusterState, buffer int) *Watcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	w := &Watcher{in: make(chan published, buffer)}
	w.current.Store(initial)
	w.listener = listener.New("cluster-state", w.in, func(p published) error {
		w.Deliver(p.source, p.state)
		return nil
	})
	return w
}

func (w *Watcher) Start(ctx context.Context) {
	w.listener.Start(ctx)
}

func (w *Watcher) Stop() {
	w.listener.Stop()
}

// Add registers observer and returns the function that removes it again.
func (w *Watcher) Add(observer Observer) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.observers = append(w.observers, registration{id: id, observer: observer})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, r := range w.observers {
			if r.id == id {
				w.observers = append(w.observers[:i:i], w.observers[i+1:]...)
				return
			}
		}
	}
}

// Publish queues state for delivery. It blocks only when the buffer is full.
func (w *Watcher) Publish(source string, state *metadata.ClusterState) {
	w.in <- published{source: source, state: state}
}

// State returns the last delivered snapshot.
func (w *Watcher) State() *metadata.ClusterState {
	return w.current.Load()
}

// Deliver notifies observers of state on the calling goroutine. The
// listener is its only caller once started.
func (w *Watcher) Deliver(source string, state *metadata.ClusterState) {
	previous := w.current.Swap(state)
	event := metadata.NewClusterChangedEvent(source, state, previous)
	slog.Debug("cluster state changed", "source", source, "version", state.Version)

	w.mu.RLock()
	observers := make([]Observer, 0, len(w.observers))
	for _, r := range w.observers {
		observers = append(observers, r.observer)
	}
	w.mu.RUnlock()

	for _, o := range observers {
		o.ClusterChanged(event)
	}
}

package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a single goroutine and hands every value to
// handler, so handlers never run concurrently with each other.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in       <-chan T
	wg       sync.WaitGroup
	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
}

var _ Job = (*Listener[struct{}])(nil)

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			// a failed input must not take the loop down with it
			slog.Error("listener failed to handle input", "listener", l.name, "error", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop, waits for an in-flight handler and runs the stop
// handler once. Values still buffered in the channel are not delivered.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()

		cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}

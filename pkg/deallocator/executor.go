package deallocator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shardkeeper/pkg/listener"
)

const (
	defaultQueueSize      = 256
	defaultRequestTimeout = 30 * time.Second
)

type request struct {
	name string
	do   func(ctx context.Context) error
	done func(err error)
}

// Executor runs metadata update requests one at a time in submission order.
// Two updates of the same index therefore reach the cluster in the order
// they were enqueued.
type Executor struct {
	wake     chan struct{}
	listener *listener.Listener[struct{}]
	timeout  time.Duration
	backlog  int

	mu      sync.Mutex
	ctx     context.Context
	pending []request
	stopped bool
}

// NewExecutor creates an executor. queueSize is the backlog above which
// Enqueue starts warning; requests beyond it are still accepted in order.
func NewExecutor(queueSize int, timeout time.Duration) *Executor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	e := &Executor{
		wake:    make(chan struct{}, 1),
		timeout: timeout,
		backlog: queueSize,
		ctx:     context.Background(),
	}
	e.listener = listener.New("metadata-updates", e.wake, e.handle, func() {
		slog.Info("metadata update executor stopped")
	})
	return e
}

func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	e.listener.Start(ctx)
}

// Stop waits for the running request. Requests still queued are dropped.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.listener.Stop()
}

// Enqueue schedules do behind every request enqueued before it. It never
// blocks, so done callbacks, which run on the executor goroutine, may
// enqueue follow-up requests.
func (e *Executor) Enqueue(name string, do func(ctx context.Context) error, done func(err error)) {
	e.mu.Lock()
	e.pending = append(e.pending, request{name: name, do: do, done: done})
	n := len(e.pending)
	e.mu.Unlock()

	if n == e.backlog+1 {
		slog.Warn("metadata update backlog over capacity", "request", name, "capacity", e.backlog)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// handle runs queued requests until the queue is empty.
func (e *Executor) handle(struct{}) error {
	for {
		r, base, ok := e.next()
		if !ok {
			return nil
		}

		ctx, cancel := context.WithTimeout(base, e.timeout)
		start := time.Now()
		err := r.do(ctx)
		cancel()
		slog.Debug("metadata update finished", "request", r.name, "took", time.Since(start), "error", err)
		if r.done != nil {
			r.done(err)
		}
	}
}

func (e *Executor) next() (request, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || len(e.pending) == 0 {
		return request{}, nil, false
	}
	r := e.pending[0]
	e.pending[0] = request{}
	e.pending = e.pending[1:]
	return r, e.ctx, true
}

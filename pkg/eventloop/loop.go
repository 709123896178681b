package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Run when the loop was stopped with Stop.
var ErrStopped = errors.New("eventloop: stopped")

// Loop runs posted closures one at a time on a single goroutine.
//
// Everything owned by a worker (client handlers, upstreams, the backend
// pool, the connect blocker and the HTTP/2 session) is only touched from
// closures running on the worker's loop. Other goroutines hand work to the
// loop with Post and never touch loop-owned state directly.
//
// # Thread Safety
//
// Post, Stop and Len are safe for concurrent use. AfterFunc and the Timer
// methods must be called from the loop goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}

	logger *slog.Logger
}

// New creates a loop. Call Run to start processing posted closures.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With("component", "eventloop"),
	}
}

// Post queues fn to run on the loop goroutine. Closures run in the order
// they were posted. It returns false when the loop has been stopped, in
// which case fn is dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued closures.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run processes posted closures until ctx is done or Stop is called.
// Closures still queued when the loop exits are discarded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return ErrStopped
		case <-l.wake:
		}
	}
}

// RunPending runs every closure queued at the time of the call, plus any
// they post, on the calling goroutine. It returns the number of closures
// run. Run uses it internally; tests use it to drive a loop synchronously.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if l.stopped || len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.safeRun(fn)
			n++
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in loop callback", "panic", r)
		}
	}()
	fn()
}

// Stop stops the loop. Queued closures are discarded and later Posts are
// rejected. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// AfterFunc arranges for fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.t = time.AfterFunc(d, t.fire)
	return t
}

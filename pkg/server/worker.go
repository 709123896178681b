package server

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/eventloop"
	"mercator-hq/h2edge/pkg/frontend"
	"mercator-hq/h2edge/pkg/telemetry/metrics"
	"mercator-hq/h2edge/pkg/telemetry/tracing"
	"mercator-hq/h2edge/pkg/transport"
)

// Worker owns one event loop and everything connections on it share: the
// backend pool, connect breaker and HTTP/2 session, and the rate limit
// group. Client connections are handed to a worker with Accept and stay
// on it for their lifetime.
type Worker struct {
	id      int
	loop    *eventloop.Loop
	group   *backend.Group
	env     *frontend.Env
	hcfg    frontend.Config
	topts   transport.Options
	metrics *metrics.Collector
	logger  *slog.Logger

	// conns is loop-owned.
	conns map[*frontend.ClientHandler]struct{}

	active atomic.Int64
}

// WorkerDeps are the process-wide components a worker uses.
type WorkerDeps struct {
	AccessLog accesslog.Sink
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
	Logger    *slog.Logger

	// Dialer overrides the backend dialer built from configuration.
	Dialer *backend.Dialer
}

// NewWorker creates worker id from cfg. Run starts it.
func NewWorker(id int, cfg *config.Config, deps WorkerDeps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker", id)

	loop := eventloop.New(logger)
	var group *backend.Group
	if deps.Dialer != nil {
		group = backend.NewGroupWithDialer(loop, cfg.Backend, deps.Dialer, logger)
	} else {
		group = backend.NewGroup(loop, cfg.Backend, cfg.Frontend.MaxRequestBodyBytes, logger)
	}

	w := &Worker{
		id:      id,
		loop:    loop,
		group:   group,
		hcfg:    frontend.ConfigFrom(cfg.Frontend),
		metrics: deps.Metrics,
		logger:  logger,
		conns:   make(map[*frontend.ClientHandler]struct{}),
	}
	w.env = &frontend.Env{
		Loop:      loop,
		Backend:   group,
		AccessLog: deps.AccessLog,
		Metrics:   deps.Metrics,
		Tracer:    deps.Tracer,
		Logger:    logger,
		Worker:    id,
		OnClose:   w.forget,
	}

	rl := cfg.Frontend.RateLimit
	var rate *transport.RateLimitGroup
	if rl.ReadRate > 0 || rl.WriteRate > 0 {
		rate = transport.NewRateLimitGroup(rl.ReadRate, rl.ReadBurst, rl.WriteRate, rl.WriteBurst)
	}
	w.topts = transport.Options{
		ReadTimeout:      cfg.Frontend.ReadTimeout,
		WriteTimeout:     cfg.Frontend.WriteTimeout,
		HandshakeTimeout: cfg.Frontend.HandshakeTimeout,
		RateLimit:        rate,
		Logger:           logger,
	}
	return w
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Loop returns the worker's event loop.
func (w *Worker) Loop() *eventloop.Loop { return w.loop }

// Active returns the number of open client connections.
func (w *Worker) Active() int { return int(w.active.Load()) }

// Run processes the worker loop until ctx is done or the worker is
// stopped.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	err := w.loop.Run(ctx)
	w.logger.Debug("worker stopped", "error", err)
	return err
}

// Accept hands nc to the worker. It reports false, closing nc, when the
// worker is stopped.
func (w *Worker) Accept(nc net.Conn) bool {
	ok := w.loop.Post(func() {
		conn := transport.NewConn(w.loop, nc, w.topts)
		h := frontend.New(w.env, w.hcfg, conn)
		w.conns[h] = struct{}{}
		w.active.Add(1)
		conn.Start(h)
	})
	if !ok {
		_ = nc.Close()
	}
	return ok
}

func (w *Worker) forget(h *frontend.ClientHandler) {
	if _, ok := w.conns[h]; !ok {
		return
	}
	delete(w.conns, h)
	w.active.Add(-1)
}

// Sweep closes idle backend connections past the idle timeout. It runs on
// the loop.
func (w *Worker) Sweep() bool {
	return w.loop.Post(func() {
		evicted := w.group.Pool.Sweep(time.Now())
		idle := w.group.Pool.Len()
		w.metrics.PoolSwept(strconv.Itoa(w.id), evicted, idle)
		if evicted > 0 {
			w.logger.Debug("swept idle backend connections", "evicted", evicted, "idle", idle)
		}
	})
}

// Shutdown closes every client connection and the backend resources, then
// stops the loop. It waits for the loop to process the close until ctx is
// done.
func (w *Worker) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	posted := w.loop.Post(func() {
		for h := range w.conns {
			h.Close()
		}
		w.group.Close()
		close(done)
	})
	if !posted {
		return nil
	}

	defer w.loop.Stop()
	select {
	case <-done:
		return nil
	case <-w.loop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/config"
	tlsutil "mercator-hq/h2edge/pkg/security/tls"
	"mercator-hq/h2edge/pkg/telemetry"
)

// ErrServerRunning is returned by Start on a server that is already
// running.
var ErrServerRunning = errors.New("server is already running")

// Server accepts client connections and spreads them over its workers.
type Server struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *slog.Logger
	opts   options

	listener  net.Listener
	admin     *http.Server
	adminLn   net.Listener
	certs     *tlsutil.CertificateReloader
	sink      accesslog.Sink
	pruner    *accesslog.Pruner
	sweeper   *cron.Cron
	workers   []*Worker
	workersWG sync.WaitGroup
	acceptWG  sync.WaitGroup
	next      atomic.Uint64

	ready        chan struct{}
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

type options struct {
	listener  net.Listener
	dialer    *backend.Dialer
	signals   bool
	version   string
	commit    string
	buildTime string
}

// Option configures a Server.
type Option func(*options)

// WithListener makes the server accept on ln instead of listening on
// the configured address.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithDialer overrides the backend dialer of every worker.
func WithDialer(d *backend.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithSignals makes Start handle SIGINT, SIGTERM and SIGHUP.
func WithSignals() Option {
	return func(o *options) { o.signals = true }
}

// WithVersion sets the build information served on /version.
func WithVersion(version, commit, buildTime string) Option {
	return func(o *options) {
		o.version = version
		o.commit = commit
		o.buildTime = buildTime
	}
}

// NewServer creates a server for cfg. cfg must have defaults applied.
func NewServer(cfg *config.Config, tel *telemetry.Telemetry, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		tel:          tel,
		logger:       tel.Logger.Component("server"),
		ready:        make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// Start starts the workers and the accept loop and blocks until ctx is
// done, Stop is called, a signal arrives or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.isRunning = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.setup(runCtx); err != nil {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		cancel()
		s.workersWG.Wait()
		s.teardown()
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	errChan := make(chan error, 2)
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		if err := s.serve(); err != nil {
			errChan <- err
		}
	}()
	if s.admin != nil {
		go func() {
			if err := s.admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	s.logger.Info("proxy server started",
		"address", s.listener.Addr().String(),
		"tls_enabled", s.cfg.Security.TLS.Enabled,
		"workers", len(s.workers),
		"backend", s.cfg.Backend.Address,
	)
	close(s.ready)

	var sigChan chan os.Signal
	if s.opts.signals {
		sigChan = make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigChan)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, initiating shutdown")
			return s.Shutdown(context.Background())
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				s.reloadCertificates()
				continue
			}
			s.logger.Info("received shutdown signal", "signal", sig.String())
			return s.Shutdown(context.Background())
		case err := <-errChan:
			s.logger.Error("server failed", "error", err)
			if serr := s.Shutdown(context.Background()); serr != nil {
				s.logger.Error("error during shutdown", "error", serr)
			}
			return err
		case <-s.shutdownChan:
			s.logger.Info("shutdown requested")
			return s.Shutdown(context.Background())
		}
	}
}

func (s *Server) setup(ctx context.Context) error {
	slogger := s.tel.Logger.Slog()

	sink, pruner, err := accesslog.Open(s.cfg.AccessLog, s.tel.Logger.Component("accesslog"))
	if err != nil {
		return fmt.Errorf("access log: %w", err)
	}
	s.sink = sink
	if pruner != nil {
		s.pruner = pruner
		if err := pruner.Start(ctx); err != nil {
			return err
		}
	}

	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.listener = ln

	deps := WorkerDeps{
		AccessLog: s.sink,
		Metrics:   s.tel.Metrics,
		Tracer:    s.tel.Tracer,
		Logger:    slogger,
		Dialer:    s.opts.dialer,
	}
	n := s.cfg.Frontend.Workers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w := NewWorker(i, s.cfg, deps)
		s.workers = append(s.workers, w)
		s.workersWG.Add(1)
		go func() {
			defer s.workersWG.Done()
			_ = w.Run(ctx)
		}()
	}

	if err := s.startSweeper(); err != nil {
		return err
	}
	if err := s.setupAdmin(); err != nil {
		return err
	}
	return nil
}

// listen opens the client listener, wrapping it in TLS when enabled.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	ln := s.opts.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Frontend.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", s.cfg.Frontend.ListenAddress, err)
		}
	}

	tcfg := s.cfg.Security.TLS
	if !tcfg.Enabled {
		return ln, nil
	}

	certs, err := tlsutil.NewCertificateReloader(tcfg.CertFile, tcfg.KeyFile, s.tel.Logger.Component("tls"))
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	s.certs = certs
	if config.BoolValue(tcfg.WatchCertificates, true) {
		if err := certs.Watch(ctx); err != nil {
			s.logger.Warn("certificate watch disabled", "error", err)
		}
	}

	tlsConfig, err := tlsutil.ServerConfig(tcfg, certs)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to configure TLS: %w", err)
	}
	return tls.NewListener(ln, tlsConfig), nil
}

// startSweeper schedules idle sweeps of every worker's backend pool.
func (s *Server) startSweeper() error {
	schedule := s.cfg.Backend.Pool.SweepSchedule
	if schedule == "" {
		return nil
	}
	s.sweeper = cron.New()
	_, err := s.sweeper.AddFunc(schedule, s.sweep)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.sweeper.Start()
	return nil
}

func (s *Server) sweep() {
	for _, w := range s.workers {
		w.Sweep()
	}
}

// setupAdmin prepares the metrics and health endpoints.
func (s *Server) setupAdmin() error {
	mcfg := s.cfg.Telemetry.Metrics
	if !config.BoolValue(mcfg.Enabled, true) || mcfg.ListenAddress == "" {
		return nil
	}

	h := s.tel.Health
	h.RegisterCheck("listener", func(context.Context) error {
		if !s.IsRunning() {
			return errors.New("not accepting connections")
		}
		return nil
	})
	h.RegisterCheck("workers", func(ctx context.Context) error {
		for _, w := range s.workers {
			select {
			case <-w.Loop().Done():
				return fmt.Errorf("worker %d stopped", w.ID())
			default:
			}
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle(mcfg.Path, s.tel.Metrics.Handler())
	h.Register(mux, s.opts.version, s.opts.commit, s.opts.buildTime)

	ln, err := net.Listen("tcp", mcfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", mcfg.ListenAddress, err)
	}
	s.adminLn = ln
	s.admin = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// serve accepts connections until the listener is closed.
func (s *Server) serve() error {
	var tempDelay time.Duration
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				s.logger.Warn("accept failed, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		w := s.workers[s.next.Add(1)%uint64(len(s.workers))]
		w.Accept(nc)
	}
}

func (s *Server) reloadCertificates() {
	if s.certs == nil {
		s.logger.Info("received SIGHUP, TLS disabled, nothing to reload")
		return
	}
	if err := s.certs.Reload(); err != nil {
		s.logger.Error("certificate reload failed", "error", err)
		return
	}
	s.logger.Info("certificate reloaded")
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown stops accepting, closes every connection and worker and then
// the shared components. It waits at most the configured shutdown
// timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		timeout := s.cfg.Frontend.ShutdownTimeout
		s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		s.tel.Health.SetDraining(true)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.acceptWG.Wait()

		var errs []error
		if s.sweeper != nil {
			<-s.sweeper.Stop().Done()
		}
		for _, w := range s.workers {
			if err := w.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", w.ID(), err))
			}
		}
		done := make(chan struct{})
		go func() {
			s.workersWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			errs = append(errs, fmt.Errorf("waiting for workers: %w", shutdownCtx.Err()))
		}

		if s.admin != nil {
			if err := s.admin.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
			}
		}
		s.teardown()

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		shutdownErr = errors.Join(errs...)
		if shutdownErr != nil {
			s.logger.Error("error during server shutdown", "error", shutdownErr)
		}
		s.logger.Info("proxy server stopped")
	})

	return shutdownErr
}

// teardown releases the shared components created by setup.
func (s *Server) teardown() {
	if s.pruner != nil {
		s.pruner.Stop()
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Error("failed to close access log", "error", err)
		}
	}
	if s.certs != nil {
		_ = s.certs.Close()
	}
	if s.admin == nil && s.adminLn != nil {
		_ = s.adminLn.Close()
	}
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the client listener address. It is nil before Ready.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the metrics and health listener address, or nil when
// metrics are disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Workers returns the server's workers.
func (s *Server) Workers() []*Worker {
	return s.workers
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Health reports whether the server is running.
func (s *Server) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return errors.New("server is not running")
	}
	return nil
}

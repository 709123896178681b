package backend

import (
	"crypto/tls"
	"log/slog"

	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/eventloop"
)

// Group bundles the per-worker backend resources for one target: the idle
// pool, the connect blocker and, for HTTP/2 backends, the shared session.
// Client handlers borrow the group from their worker and only use it on the
// worker's loop.
type Group struct {
	Target   string
	Protocol string
	Pool     *Pool
	Blocker  *ConnectBlocker

	// Session is the shared HTTP/2 session; nil for HTTP/1.1 backends.
	Session *HTTP2Session

	loop   *eventloop.Loop
	dialer *Dialer
	logger *slog.Logger
}

// NewGroup creates the backend resources of one worker from configuration.
func NewGroup(loop *eventloop.Loop, cfg config.BackendConfig, maxBodyBytes int64, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &Dialer{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxBodyBytes:   maxBodyBytes,
	}
	if cfg.TLS {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if cfg.Protocol == config.ProtocolHTTP2 {
			tlsCfg.NextProtos = []string{config.ProtocolHTTP2}
		} else {
			tlsCfg.NextProtos = []string{config.ProtocolHTTP1}
		}
		dialer.TLSConfig = tlsCfg
	}

	return NewGroupWithDialer(loop, cfg, dialer, logger)
}

// NewGroupWithDialer is NewGroup with an explicit dialer.
func NewGroupWithDialer(loop *eventloop.Loop, cfg config.BackendConfig, dialer *Dialer, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{
		Target:   cfg.Address,
		Protocol: cfg.Protocol,
		Pool:     NewPool(cfg.Pool.MaxIdlePerTarget, cfg.Pool.IdleTimeout),
		Blocker:  NewConnectBlocker(cfg.ConnectBlocker.InitialBackoff, cfg.ConnectBlocker.MaxBackoff, logger),
		loop:     loop,
		dialer:   dialer,
		logger:   logger,
	}
	if cfg.Protocol == config.ProtocolHTTP2 {
		g.Session = NewHTTP2Session(loop, cfg.Address, dialer, g.Blocker, logger)
	}
	return g
}

// Scheme returns the URL scheme used towards the backend.
func (g *Group) Scheme() string {
	if g.dialer.TLSConfig != nil {
		return "https"
	}
	return "http"
}

// NewConn creates a fresh, undialed connection to the group's target.
func (g *Group) NewConn() Conn {
	if g.Session != nil {
		return NewStreamConn(g.Session)
	}
	return NewHTTP1Conn(g.loop, g.Target, g.dialer, g.Blocker, g.logger)
}

// Close closes the pool and the shared session.
func (g *Group) Close() {
	g.Pool.Close()
	if g.Session != nil {
		g.Session.Close()
	}
}

package frontend

import (
	"log/slog"
	"time"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/eventloop"
	"mercator-hq/h2edge/pkg/telemetry/metrics"
	"mercator-hq/h2edge/pkg/telemetry/tracing"
	"mercator-hq/h2edge/pkg/upstream"
)

// Config holds the per-connection settings of a ClientHandler.
type Config struct {
	// ReadTimeout and WriteTimeout are set on the transport when an
	// upstream is installed.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RenegotiationGrace delays the forced close after a TLS
	// renegotiation attempt.
	RenegotiationGrace time.Duration

	// HTTP2Upgrade enables h2c upgrade on cleartext connections.
	HTTP2Upgrade bool

	// Shaping sizes writes on TLS connections.
	Shaping config.WriteShapingConfig

	// Upstream configures the protocol codecs. Logger and Now are set per
	// connection.
	Upstream upstream.Options
}

// ConfigFrom derives a handler configuration from the frontend section.
func ConfigFrom(fe config.FrontendConfig) Config {
	return Config{
		ReadTimeout:        fe.ReadTimeout,
		WriteTimeout:       fe.WriteTimeout,
		RenegotiationGrace: fe.RenegotiationGrace,
		HTTP2Upgrade:       config.BoolValue(fe.HTTP2Upgrade, true),
		Shaping:            fe.WriteShaping,
		Upstream: upstream.Options{
			MaxHeaderBytes:       fe.MaxHeaderBytes,
			MaxRequestBodyBytes:  fe.MaxRequestBodyBytes,
			MaxConcurrentStreams: fe.MaxConcurrentStreams,
		},
	}
}

// Env is the worker state a ClientHandler borrows. Everything in it is
// owned by the worker and only used on its loop.
type Env struct {
	Loop    *eventloop.Loop
	Backend *backend.Group

	// AccessLog receives one record per transaction. Nil discards.
	AccessLog accesslog.Sink

	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Logger  *slog.Logger

	// Worker is the index of the owning worker.
	Worker int

	// Now is the handler clock. Nil selects time.Now.
	Now func() time.Time

	// OnClose, when set, is called once a handler has closed.
	OnClose func(h *ClientHandler)
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) sink() accesslog.Sink {
	if e.AccessLog == nil {
		return accesslog.Discard
	}
	return e.AccessLog
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

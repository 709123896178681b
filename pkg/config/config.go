package config

import "time"

// Config is the root configuration structure for h2edge.
// It contains all configuration sections for the client-facing listener,
// the backend target, access logging, telemetry and security settings.
type Config struct {
	// Frontend contains configuration for the client-facing side including
	// listen address, worker count, timeouts and write shaping.
	Frontend FrontendConfig `yaml:"frontend"`

	// Backend contains configuration for the single backend target,
	// connection pooling and the connect breaker.
	Backend BackendConfig `yaml:"backend"`

	// AccessLog contains configuration for access-log emission and storage.
	AccessLog AccessLogConfig `yaml:"accesslog"`

	// Telemetry contains configuration for observability including logging,
	// metrics, and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Security contains TLS termination settings.
	Security SecurityConfig `yaml:"security"`
}

// FrontendConfig contains configuration for client connections.
type FrontendConfig struct {
	// ListenAddress is the address and port to accept client connections on.
	// Format: "host:port" (e.g., "127.0.0.1:3000", "0.0.0.0:443").
	// Default: "127.0.0.1:3000"
	ListenAddress string `yaml:"listen_address"`

	// Workers is the number of event-loop workers. Each worker owns its
	// connections, backend pool, connect breaker and HTTP/2 session.
	// Default: 1
	Workers int `yaml:"workers"`

	// ReadTimeout closes a client connection when no bytes arrive for this
	// long. Zero disables the timeout.
	// Default: 180s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout closes a client connection when a pending write makes no
	// progress for this long. Zero disables the timeout.
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// HandshakeTimeout bounds the TLS handshake.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// RenegotiationGrace is how long a connection is kept open after a TLS
	// renegotiation attempt before it is force-closed.
	// Default: 0s (close on the next loop iteration)
	RenegotiationGrace time.Duration `yaml:"renegotiation_grace"`

	// ShutdownTimeout is the maximum duration to wait for workers to stop.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of an HTTP/1 request head.
	// Default: 65536 (64KB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxRequestBodyBytes limits buffered request bodies on both protocols.
	// Default: 16777216 (16MB)
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`

	// HTTP2Upgrade enables HTTP/1.1 Upgrade to h2c on cleartext connections.
	// Default: true
	HTTP2Upgrade *bool `yaml:"http2_upgrade"`

	// MaxConcurrentStreams is advertised to HTTP/2 clients.
	// Default: 100
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`

	// WriteShaping controls TLS record sizing after idle periods.
	WriteShaping WriteShapingConfig `yaml:"write_shaping"`

	// RateLimit contains worker-wide read/write rate limits.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// WriteShapingConfig contains the warm-up write-size parameters.
type WriteShapingConfig struct {
	// Floor is the write size used right after an idle period.
	// Default: 1300
	Floor int `yaml:"floor"`

	// Ceiling is the largest shaped write size.
	// Default: 16384
	Ceiling int `yaml:"ceiling"`

	// WarmupThreshold is the number of bytes after which writes are no
	// longer limited.
	// Default: 1048576 (1MB)
	WarmupThreshold int `yaml:"warmup_threshold"`

	// IdleReset is the idle gap after which the write size resets to Floor.
	// Default: 1s
	IdleReset time.Duration `yaml:"idle_reset"`
}

// RateLimitConfig contains token-bucket rate limits shared by all
// connections of a worker. A zero rate disables the limit.
type RateLimitConfig struct {
	// ReadRate is the average read rate in bytes per second.
	ReadRate int64 `yaml:"read_rate"`

	// ReadBurst is the read burst in bytes.
	// Default: ReadRate
	ReadBurst int64 `yaml:"read_burst"`

	// WriteRate is the average write rate in bytes per second.
	WriteRate int64 `yaml:"write_rate"`

	// WriteBurst is the write burst in bytes.
	// Default: WriteRate
	WriteBurst int64 `yaml:"write_burst"`
}

// BackendConfig contains configuration for the backend target.
type BackendConfig struct {
	// Address is the backend "host:port".
	// Default: "127.0.0.1:8080"
	Address string `yaml:"address"`

	// Protocol selects the backend protocol.
	// Options: "http/1.1", "h2"
	// Default: "http/1.1"
	Protocol string `yaml:"protocol"`

	// TLS enables TLS towards the backend.
	// Default: false
	TLS bool `yaml:"tls"`

	// InsecureSkipVerify disables backend certificate verification.
	// Default: false
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// ConnectTimeout bounds backend dials.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReadTimeout bounds reading a backend response.
	// Default: 60s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a request to the backend.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Pool contains idle connection pool settings.
	Pool PoolConfig `yaml:"pool"`

	// ConnectBlocker contains connect breaker settings.
	ConnectBlocker ConnectBlockerConfig `yaml:"connect_blocker"`
}

// PoolConfig contains backend connection pool settings.
type PoolConfig struct {
	// MaxIdlePerTarget is the maximum number of idle connections kept per
	// target and worker.
	// Default: 32
	MaxIdlePerTarget int `yaml:"max_idle_per_target"`

	// IdleTimeout closes idle pooled connections older than this.
	// Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepSchedule is the cron schedule for idle sweeps.
	// Default: "@every 30s"
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ConnectBlockerConfig contains connect breaker settings.
type ConnectBlockerConfig struct {
	// InitialBackoff is the first cool-down after a failed connect.
	// Default: 2s
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the doubling cool-down.
	// Default: 128s
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AccessLogConfig contains access-log configuration.
type AccessLogConfig struct {
	// Enabled controls whether access-log records are emitted.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Sinks selects where records go.
	// Options: "log", "sqlite"
	// Default: ["log"]
	Sinks []string `yaml:"sinks"`

	// SQLite contains the SQLite sink configuration.
	SQLite AccessLogSQLiteConfig `yaml:"sqlite"`

	// Retention contains pruning settings for the SQLite sink.
	Retention AccessLogRetentionConfig `yaml:"retention"`
}

// AccessLogSQLiteConfig contains SQLite sink settings.
type AccessLogSQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/accesslog.db"
	Path string `yaml:"path"`

	// Driver selects the database/sql driver.
	// Options: "sqlite" (pure Go), "sqlite3" (cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode *bool `yaml:"wal_mode"`

	// BusyTimeout is how long to wait on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// AsyncBuffer is the number of records queued before writes block.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// WriteTimeout bounds a single insert.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AccessLogRetentionConfig contains retention pruning settings.
type AccessLogRetentionConfig struct {
	// Days is how long records are kept. Zero keeps records forever.
	// Default: 30
	Days int `yaml:"days"`

	// PruneSchedule is the cron schedule for pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// Redact masks credentials in logged values: sensitive query
	// parameters, authorization and cookie headers, bearer tokens.
	// Default: true
	Redact *bool `yaml:"redact"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// ListenAddress is where the metrics endpoint is served.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "h2edge"
	Namespace string `yaml:"namespace"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of connections to sample (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// Timeout bounds span exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// ServiceName is the service name in traces.
	// Default: "h2edge"
	ServiceName string `yaml:"service_name"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	// TLS contains TLS termination settings for the frontend.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	// Enabled controls whether client connections are TLS.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CertFile is the path to the TLS certificate file.
	// Required when Enabled is true.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the TLS private key file.
	// Required when Enabled is true.
	KeyFile string `yaml:"key_file"`

	// MinVersion is the minimum TLS version to accept.
	// Options: "1.2", "1.3"
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`

	// CipherSuites is a list of enabled TLS 1.2 cipher suites.
	// If empty, Go's default secure cipher suites are used.
	CipherSuites []string `yaml:"cipher_suites"`

	// NextProtos is the ALPN preference list offered to clients.
	// Default: ["h2", "http/1.1"]
	NextProtos []string `yaml:"next_protos"`

	// WatchCertificates reloads the certificate when the files change.
	// Default: true
	WatchCertificates *bool `yaml:"watch_certificates"`
}

// BoolValue dereferences an optional boolean, returning def when unset.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}

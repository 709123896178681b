package config

import "time"

// Default values for configuration fields.
const (
	// Frontend defaults
	DefaultListenAddress        = "127.0.0.1:3000"
	DefaultWorkers              = 1
	DefaultReadTimeout          = 180 * time.Second
	DefaultWriteTimeout         = 60 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultRenegotiationGrace   = 0 * time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultMaxHeaderBytes       = 65536
	DefaultMaxRequestBodyBytes  = int64(16 << 20)
	DefaultHTTP2Upgrade         = true
	DefaultMaxConcurrentStreams = uint32(100)

	// Write shaping defaults
	DefaultWriteFloor      = 1300
	DefaultWriteCeiling    = 16384
	DefaultWarmupThreshold = 1 << 20
	DefaultIdleReset       = time.Second

	// Backend defaults
	DefaultBackendAddress        = "127.0.0.1:8080"
	DefaultBackendProtocol       = ProtocolHTTP1
	DefaultBackendConnectTimeout = 10 * time.Second
	DefaultBackendReadTimeout    = 60 * time.Second
	DefaultBackendWriteTimeout   = 30 * time.Second
	DefaultPoolMaxIdlePerTarget  = 32
	DefaultPoolIdleTimeout       = 60 * time.Second
	DefaultPoolSweepSchedule     = "@every 30s"
	DefaultBlockerInitialBackoff = 2 * time.Second
	DefaultBlockerMaxBackoff     = 128 * time.Second

	// Access log defaults
	DefaultAccessLogEnabled       = true
	DefaultAccessLogSink          = SinkLog
	DefaultAccessLogSQLitePath    = "data/accesslog.db"
	DefaultAccessLogSQLiteDriver  = "sqlite"
	DefaultAccessLogWALMode       = true
	DefaultAccessLogBusyTimeout   = 5 * time.Second
	DefaultAccessLogAsyncBuffer   = 1000
	DefaultAccessLogWriteTimeout  = 5 * time.Second
	DefaultAccessLogRetentionDays = 30
	DefaultAccessLogPruneSchedule = "0 3 * * *"

	// Telemetry defaults
	DefaultLoggingLevel          = "info"
	DefaultLoggingFormat         = "json"
	DefaultLoggingRedact         = true
	DefaultMetricsEnabled        = true
	DefaultMetricsListenAddress  = "127.0.0.1:9090"
	DefaultPrometheusPath        = "/metrics"
	DefaultMetricsNamespace      = "h2edge"
	DefaultTracingSampler        = "ratio"
	DefaultTracingSampleRatio    = 0.1
	DefaultTracingEndpoint       = "localhost:4317"
	DefaultTracingTimeout        = 10 * time.Second
	DefaultTracingServiceName    = "h2edge"
	DefaultTLSMinVersion         = "1.2"
	DefaultTLSWatchCertificates  = true
)

// Protocol identifiers used in configuration and ALPN.
const (
	ProtocolHTTP1 = "http/1.1"
	ProtocolHTTP2 = "h2"
)

// Access-log sink names.
const (
	SinkLog    = "log"
	SinkSQLite = "sqlite"
)

// DefaultNextProtos is the ALPN list offered when none is configured.
var DefaultNextProtos = []string{ProtocolHTTP2, ProtocolHTTP1}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Frontend defaults
	fe := &cfg.Frontend
	if fe.ListenAddress == "" {
		fe.ListenAddress = DefaultListenAddress
	}
	if fe.Workers == 0 {
		fe.Workers = DefaultWorkers
	}
	if fe.ReadTimeout == 0 {
		fe.ReadTimeout = DefaultReadTimeout
	}
	if fe.WriteTimeout == 0 {
		fe.WriteTimeout = DefaultWriteTimeout
	}
	if fe.HandshakeTimeout == 0 {
		fe.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if fe.ShutdownTimeout == 0 {
		fe.ShutdownTimeout = DefaultShutdownTimeout
	}
	if fe.MaxHeaderBytes == 0 {
		fe.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if fe.MaxRequestBodyBytes == 0 {
		fe.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if fe.HTTP2Upgrade == nil {
		fe.HTTP2Upgrade = Bool(DefaultHTTP2Upgrade)
	}
	if fe.MaxConcurrentStreams == 0 {
		fe.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}

	ws := &fe.WriteShaping
	if ws.Floor == 0 {
		ws.Floor = DefaultWriteFloor
	}
	if ws.Ceiling == 0 {
		ws.Ceiling = DefaultWriteCeiling
	}
	if ws.WarmupThreshold == 0 {
		ws.WarmupThreshold = DefaultWarmupThreshold
	}
	if ws.IdleReset == 0 {
		ws.IdleReset = DefaultIdleReset
	}

	rl := &fe.RateLimit
	if rl.ReadRate > 0 && rl.ReadBurst == 0 {
		rl.ReadBurst = rl.ReadRate
	}
	if rl.WriteRate > 0 && rl.WriteBurst == 0 {
		rl.WriteBurst = rl.WriteRate
	}

	// Backend defaults
	be := &cfg.Backend
	if be.Address == "" {
		be.Address = DefaultBackendAddress
	}
	if be.Protocol == "" {
		be.Protocol = DefaultBackendProtocol
	}
	if be.ConnectTimeout == 0 {
		be.ConnectTimeout = DefaultBackendConnectTimeout
	}
	if be.ReadTimeout == 0 {
		be.ReadTimeout = DefaultBackendReadTimeout
	}
	if be.WriteTimeout == 0 {
		be.WriteTimeout = DefaultBackendWriteTimeout
	}
	if be.Pool.MaxIdlePerTarget == 0 {
		be.Pool.MaxIdlePerTarget = DefaultPoolMaxIdlePerTarget
	}
	if be.Pool.IdleTimeout == 0 {
		be.Pool.IdleTimeout = DefaultPoolIdleTimeout
	}
	if be.Pool.SweepSchedule == "" {
		be.Pool.SweepSchedule = DefaultPoolSweepSchedule
	}
	if be.ConnectBlocker.InitialBackoff == 0 {
		be.ConnectBlocker.InitialBackoff = DefaultBlockerInitialBackoff
	}
	if be.ConnectBlocker.MaxBackoff == 0 {
		be.ConnectBlocker.MaxBackoff = DefaultBlockerMaxBackoff
	}

	// Access log defaults
	al := &cfg.AccessLog
	if al.Enabled == nil {
		al.Enabled = Bool(DefaultAccessLogEnabled)
	}
	if len(al.Sinks) == 0 {
		al.Sinks = []string{DefaultAccessLogSink}
	}
	if al.SQLite.Path == "" {
		al.SQLite.Path = DefaultAccessLogSQLitePath
	}
	if al.SQLite.Driver == "" {
		al.SQLite.Driver = DefaultAccessLogSQLiteDriver
	}
	if al.SQLite.WALMode == nil {
		al.SQLite.WALMode = Bool(DefaultAccessLogWALMode)
	}
	if al.SQLite.BusyTimeout == 0 {
		al.SQLite.BusyTimeout = DefaultAccessLogBusyTimeout
	}
	if al.SQLite.AsyncBuffer == 0 {
		al.SQLite.AsyncBuffer = DefaultAccessLogAsyncBuffer
	}
	if al.SQLite.WriteTimeout == 0 {
		al.SQLite.WriteTimeout = DefaultAccessLogWriteTimeout
	}
	if al.Retention.Days == 0 {
		al.Retention.Days = DefaultAccessLogRetentionDays
	}
	if al.Retention.PruneSchedule == "" {
		al.Retention.PruneSchedule = DefaultAccessLogPruneSchedule
	}

	// Telemetry defaults
	tel := &cfg.Telemetry
	if tel.Logging.Level == "" {
		tel.Logging.Level = DefaultLoggingLevel
	}
	if tel.Logging.Format == "" {
		tel.Logging.Format = DefaultLoggingFormat
	}
	if tel.Logging.Redact == nil {
		tel.Logging.Redact = Bool(DefaultLoggingRedact)
	}
	if tel.Metrics.Enabled == nil {
		tel.Metrics.Enabled = Bool(DefaultMetricsEnabled)
	}
	if tel.Metrics.ListenAddress == "" {
		tel.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
	if tel.Metrics.Path == "" {
		tel.Metrics.Path = DefaultPrometheusPath
	}
	if tel.Metrics.Namespace == "" {
		tel.Metrics.Namespace = DefaultMetricsNamespace
	}
	if tel.Tracing.Sampler == "" {
		tel.Tracing.Sampler = DefaultTracingSampler
	}
	if tel.Tracing.SampleRatio == 0 {
		tel.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if tel.Tracing.Endpoint == "" {
		tel.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if tel.Tracing.Timeout == 0 {
		tel.Tracing.Timeout = DefaultTracingTimeout
	}
	if tel.Tracing.ServiceName == "" {
		tel.Tracing.ServiceName = DefaultTracingServiceName
	}

	// Security defaults
	tlsCfg := &cfg.Security.TLS
	if tlsCfg.MinVersion == "" {
		tlsCfg.MinVersion = DefaultTLSMinVersion
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = append([]string(nil), DefaultNextProtos...)
	}
	if tlsCfg.WatchCertificates == nil {
		tlsCfg.WatchCertificates = Bool(DefaultTLSWatchCertificates)
	}
}

// Default returns a configuration populated entirely with defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

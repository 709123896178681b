package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "frontend.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateFrontend(&cfg.Frontend)...)
	errs = append(errs, validateBackend(&cfg.Backend)...)
	errs = append(errs, validateAccessLog(&cfg.AccessLog)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)
	errs = append(errs, validateSecurity(&cfg.Security)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateFrontend(cfg *FrontendConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "frontend.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{Field: "frontend.listen_address", Message: fmt.Sprintf("invalid address: %v", err)})
	}
	if cfg.Workers < 1 {
		errs = append(errs, FieldError{Field: "frontend.workers", Message: "at least one worker is required"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "frontend.read_timeout", Message: "read timeout must be non-negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "frontend.write_timeout", Message: "write timeout must be non-negative"})
	}
	if cfg.RenegotiationGrace < 0 {
		errs = append(errs, FieldError{Field: "frontend.renegotiation_grace", Message: "grace period must be non-negative"})
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxHeaderBytes > 10*1024*1024 {
		errs = append(errs, FieldError{Field: "frontend.max_header_bytes", Message: "max header bytes must be between 0 and 10MB"})
	}
	if cfg.MaxRequestBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "frontend.max_request_body_bytes", Message: "must be non-negative"})
	}

	ws := cfg.WriteShaping
	if ws.Floor <= 0 {
		errs = append(errs, FieldError{Field: "frontend.write_shaping.floor", Message: "floor must be positive"})
	}
	if ws.Ceiling < ws.Floor {
		errs = append(errs, FieldError{Field: "frontend.write_shaping.ceiling", Message: "ceiling must not be smaller than floor"})
	}
	if ws.WarmupThreshold <= 0 {
		errs = append(errs, FieldError{Field: "frontend.write_shaping.warmup_threshold", Message: "warm-up threshold must be positive"})
	}
	if ws.IdleReset <= 0 {
		errs = append(errs, FieldError{Field: "frontend.write_shaping.idle_reset", Message: "idle reset must be positive"})
	}

	if cfg.RateLimit.ReadRate < 0 || cfg.RateLimit.WriteRate < 0 {
		errs = append(errs, FieldError{Field: "frontend.rate_limit", Message: "rates must be non-negative"})
	}

	return errs
}

func validateBackend(cfg *BackendConfig) []FieldError {
	var errs []FieldError

	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		errs = append(errs, FieldError{Field: "backend.address", Message: fmt.Sprintf("invalid address: %v", err)})
	}
	switch cfg.Protocol {
	case ProtocolHTTP1, ProtocolHTTP2:
	default:
		errs = append(errs, FieldError{
			Field:   "backend.protocol",
			Message: fmt.Sprintf("unsupported protocol %q (expected %q or %q)", cfg.Protocol, ProtocolHTTP1, ProtocolHTTP2),
		})
	}
	if cfg.ConnectTimeout < 0 {
		errs = append(errs, FieldError{Field: "backend.connect_timeout", Message: "connect timeout must be non-negative"})
	}
	if cfg.Pool.MaxIdlePerTarget < 0 {
		errs = append(errs, FieldError{Field: "backend.pool.max_idle_per_target", Message: "must be non-negative"})
	}
	if cfg.Pool.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Pool.SweepSchedule); err != nil {
			errs = append(errs, FieldError{Field: "backend.pool.sweep_schedule", Message: fmt.Sprintf("invalid cron schedule: %v", err)})
		}
	}
	if cfg.ConnectBlocker.InitialBackoff <= 0 {
		errs = append(errs, FieldError{Field: "backend.connect_blocker.initial_backoff", Message: "initial backoff must be positive"})
	}
	if cfg.ConnectBlocker.MaxBackoff < cfg.ConnectBlocker.InitialBackoff {
		errs = append(errs, FieldError{Field: "backend.connect_blocker.max_backoff", Message: "max backoff must not be smaller than initial backoff"})
	}

	return errs
}

func validateAccessLog(cfg *AccessLogConfig) []FieldError {
	var errs []FieldError

	hasSQLite := false
	for _, sink := range cfg.Sinks {
		switch sink {
		case SinkLog:
		case SinkSQLite:
			hasSQLite = true
		default:
			errs = append(errs, FieldError{Field: "accesslog.sinks", Message: fmt.Sprintf("unknown sink %q", sink)})
		}
	}

	if hasSQLite {
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "accesslog.sqlite.path", Message: "path is required for the sqlite sink"})
		}
		switch cfg.SQLite.Driver {
		case "sqlite", "sqlite3":
		default:
			errs = append(errs, FieldError{Field: "accesslog.sqlite.driver", Message: fmt.Sprintf("unsupported driver %q", cfg.SQLite.Driver)})
		}
		if cfg.Retention.Days < 0 {
			errs = append(errs, FieldError{Field: "accesslog.retention.days", Message: "must be non-negative"})
		}
		if cfg.Retention.PruneSchedule != "" {
			if _, err := cron.ParseStandard(cfg.Retention.PruneSchedule); err != nil {
				errs = append(errs, FieldError{Field: "accesslog.retention.prune_schedule", Message: fmt.Sprintf("invalid cron schedule: %v", err)})
			}
		}
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: fmt.Sprintf("invalid log level %q", cfg.Logging.Level)})
	}
	switch cfg.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.format", Message: fmt.Sprintf("invalid log format %q", cfg.Logging.Format)})
	}
	if BoolValue(cfg.Metrics.Enabled, false) && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "path must start with /"})
	}
	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: fmt.Sprintf("invalid sampler %q", cfg.Tracing.Sampler)})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "sample ratio must be between 0.0 and 1.0"})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "endpoint is required when tracing is enabled"})
		}
	}

	return errs
}

func validateSecurity(cfg *SecurityConfig) []FieldError {
	var errs []FieldError

	if !cfg.TLS.Enabled {
		return errs
	}
	if cfg.TLS.CertFile == "" {
		errs = append(errs, FieldError{Field: "security.tls.cert_file", Message: "certificate file is required when TLS is enabled"})
	}
	if cfg.TLS.KeyFile == "" {
		errs = append(errs, FieldError{Field: "security.tls.key_file", Message: "key file is required when TLS is enabled"})
	}
	switch cfg.TLS.MinVersion {
	case "1.2", "1.3":
	default:
		errs = append(errs, FieldError{Field: "security.tls.min_version", Message: fmt.Sprintf("unsupported TLS version %q", cfg.TLS.MinVersion)})
	}
	for _, p := range cfg.TLS.NextProtos {
		if p != ProtocolHTTP1 && p != ProtocolHTTP2 {
			errs = append(errs, FieldError{Field: "security.tls.next_protos", Message: fmt.Sprintf("unsupported protocol %q", p)})
		}
	}

	return errs
}

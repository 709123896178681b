package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "H2EDGE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention H2EDGE_SECTION_FIELD (e.g., H2EDGE_FRONTEND_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Frontend overrides
	envString("FRONTEND_LISTEN_ADDRESS", &cfg.Frontend.ListenAddress)
	envInt("FRONTEND_WORKERS", &cfg.Frontend.Workers)
	envDuration("FRONTEND_READ_TIMEOUT", &cfg.Frontend.ReadTimeout)
	envDuration("FRONTEND_WRITE_TIMEOUT", &cfg.Frontend.WriteTimeout)
	envDuration("FRONTEND_HANDSHAKE_TIMEOUT", &cfg.Frontend.HandshakeTimeout)
	envDuration("FRONTEND_RENEGOTIATION_GRACE", &cfg.Frontend.RenegotiationGrace)
	envInt("FRONTEND_MAX_HEADER_BYTES", &cfg.Frontend.MaxHeaderBytes)
	envBoolPtr("FRONTEND_HTTP2_UPGRADE", &cfg.Frontend.HTTP2Upgrade)
	envInt("FRONTEND_WRITE_SHAPING_FLOOR", &cfg.Frontend.WriteShaping.Floor)
	envInt("FRONTEND_WRITE_SHAPING_CEILING", &cfg.Frontend.WriteShaping.Ceiling)
	envInt("FRONTEND_WRITE_SHAPING_WARMUP_THRESHOLD", &cfg.Frontend.WriteShaping.WarmupThreshold)
	envDuration("FRONTEND_WRITE_SHAPING_IDLE_RESET", &cfg.Frontend.WriteShaping.IdleReset)

	// Backend overrides
	envString("BACKEND_ADDRESS", &cfg.Backend.Address)
	envString("BACKEND_PROTOCOL", &cfg.Backend.Protocol)
	envBool("BACKEND_TLS", &cfg.Backend.TLS)
	envDuration("BACKEND_CONNECT_TIMEOUT", &cfg.Backend.ConnectTimeout)
	envDuration("BACKEND_READ_TIMEOUT", &cfg.Backend.ReadTimeout)
	envDuration("BACKEND_WRITE_TIMEOUT", &cfg.Backend.WriteTimeout)
	envInt("BACKEND_POOL_MAX_IDLE_PER_TARGET", &cfg.Backend.Pool.MaxIdlePerTarget)

	// Access log overrides
	envBoolPtr("ACCESSLOG_ENABLED", &cfg.AccessLog.Enabled)
	if val := os.Getenv(EnvPrefix + "ACCESSLOG_SINKS"); val != "" {
		var sinks []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sinks = append(sinks, s)
			}
		}
		cfg.AccessLog.Sinks = sinks
	}
	envString("ACCESSLOG_SQLITE_PATH", &cfg.AccessLog.SQLite.Path)
	envString("ACCESSLOG_SQLITE_DRIVER", &cfg.AccessLog.SQLite.Driver)
	envInt("ACCESSLOG_RETENTION_DAYS", &cfg.AccessLog.Retention.Days)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBoolPtr("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}

	// Security overrides
	envBool("SECURITY_TLS_ENABLED", &cfg.Security.TLS.Enabled)
	envString("SECURITY_TLS_CERT_FILE", &cfg.Security.TLS.CertFile)
	envString("SECURITY_TLS_KEY_FILE", &cfg.Security.TLS.KeyFile)
	envString("SECURITY_TLS_MIN_VERSION", &cfg.Security.TLS.MinVersion)
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envBoolPtr(name string, dst **bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = Bool(b)
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

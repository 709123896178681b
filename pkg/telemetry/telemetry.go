package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/telemetry/health"
	"mercator-hq/h2edge/pkg/telemetry/logging"
	"mercator-hq/h2edge/pkg/telemetry/metrics"
	"mercator-hq/h2edge/pkg/telemetry/tracing"
)

// Telemetry holds the process-wide observability components.
type Telemetry struct {
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
	Health  *health.Checker
}

// New creates the logger, metrics collector, tracer and health checker
// described by cfg. Logs are written to w.
func New(cfg *config.TelemetryConfig, w io.Writer) (*Telemetry, error) {
	logger, err := logging.FromConfig(cfg.Logging, w)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	tracer, err := tracing.New(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return &Telemetry{
		Logger:  logger,
		Metrics: metrics.NewCollector(&cfg.Metrics, nil),
		Tracer:  tracer,
		Health:  health.New(2 * time.Second),
	}, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

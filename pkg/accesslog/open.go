package accesslog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mercator-hq/h2edge/pkg/config"
)

// Open builds the sink configured by cfg. The returned pruner is nil
// unless the SQLite sink is enabled.
func Open(cfg config.AccessLogConfig, logger *slog.Logger) (Sink, *Pruner, error) {
	if !config.BoolValue(cfg.Enabled, true) || len(cfg.Sinks) == 0 {
		return Discard, nil, nil
	}

	var (
		sinks  Multi
		pruner *Pruner
	)
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, NewLogSink(logger))
		case config.SinkSQLite:
			if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					_ = sinks.Close()
					return nil, nil, fmt.Errorf("create access log directory: %w", err)
				}
			}
			s, err := NewSQLiteSink(SQLiteConfig{
				Path:         cfg.SQLite.Path,
				Driver:       cfg.SQLite.Driver,
				WALMode:      config.BoolValue(cfg.SQLite.WALMode, true),
				BusyTimeout:  cfg.SQLite.BusyTimeout,
				AsyncBuffer:  cfg.SQLite.AsyncBuffer,
				WriteTimeout: cfg.SQLite.WriteTimeout,
			}, logger)
			if err != nil {
				_ = sinks.Close()
				return nil, nil, err
			}
			sinks = append(sinks, s)
			pruner = NewPruner(s, RetentionConfig{
				Days:          cfg.Retention.Days,
				PruneSchedule: cfg.Retention.PruneSchedule,
			}, logger)
		default:
			_ = sinks.Close()
			return nil, nil, fmt.Errorf("unknown access log sink %q", name)
		}
	}

	if len(sinks) == 1 {
		return sinks[0], pruner, nil
	}
	return sinks, pruner, nil
}

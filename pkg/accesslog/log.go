package accesslog

import (
	"context"
	"log/slog"
)

// LogSink writes records as structured log entries.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging to logger at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "accesslog")}
}

// Write implements Sink.
func (s *LogSink) Write(r Record) {
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "access",
		slog.String("id", r.ID),
		slog.String("conn_id", r.ConnID),
		slog.String("client_ip", r.ClientIP),
		slog.String("client_port", r.ClientPort),
		slog.String("alpn", r.ALPN),
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.String("authority", r.Authority),
		slog.Int("proto_major", r.ProtoMajor),
		slog.Int("proto_minor", r.ProtoMinor),
		slog.Int("status", r.Status),
		slog.Int64("body_bytes", r.BodyBytes),
		slog.Duration("duration", r.Duration),
	)
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// Package logging provides structured logging with credential redaction.
//
// # Overview
//
// The logging package wraps Go's standard log/slog package to provide:
//   - Structured logging with JSON, text, and console formats
//   - Redaction of credentials a proxy sees in transit
//   - Connection-scoped fields carried in context (conn_id, client_addr, alpn)
//   - A level shared by all derived loggers and changeable at runtime
//
// # Usage
//
//	logger, err := logging.FromConfig(cfg.Telemetry.Logging, os.Stderr)
//	if err != nil {
//	    return err
//	}
//
//	// Components take a *slog.Logger
//	pool := backend.NewPool(..., logger.Component("backend.pool"))
//
//	// Connection fields travel in the context
//	ctx = logging.WithConnID(ctx, id)
//	logger.InfoContext(ctx, "connection accepted", "tls", true)
//
// # Redaction
//
// When enabled, attribute values are masked before they reach the output:
//
//   - Query parameters: /cb?token=abc&x=1 → /cb?token=***&x=1
//   - Bearer tokens: Bearer eyJhbGciOi... → Bearer ***
//   - URL userinfo: http://user:pw@host → http://***@host
//   - Keys such as authorization or cookie: value replaced by ***
package logging

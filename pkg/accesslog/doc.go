// Package accesslog records one entry per completed or abandoned client
// transaction.
//
// Upstream codecs describe a transaction with a Transaction; the client
// connection adds its identity (Conn) and turns it into a Record, which
// is handed to a Sink. Sinks are called from worker loops and must not
// block on I/O.
//
// # Sinks
//
//   - LogSink writes records as structured log entries.
//   - SQLiteSink queues records and stores them from a background
//     goroutine. Either modernc.org/sqlite (driver "sqlite") or
//     github.com/mattn/go-sqlite3 (driver "sqlite3") can back it.
//   - Multi fans out to several sinks; Discard drops everything.
//
// # Retention
//
// Pruner deletes SQLite records older than the configured number of days
// on a cron schedule:
//
//	pruner := accesslog.NewPruner(sink, accesslog.RetentionConfig{
//	    Days:          30,
//	    PruneSchedule: "0 3 * * *",
//	}, logger)
//	if err := pruner.Start(ctx); err != nil {
//	    return err
//	}
//	defer pruner.Stop()
package accesslog

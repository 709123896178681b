package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteConfig contains configuration for the SQLite sink.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Driver is the database/sql driver name: "sqlite" (modernc.org/sqlite)
	// or "sqlite3" (github.com/mattn/go-sqlite3).
	Driver string

	// WALMode enables write-ahead logging.
	WALMode bool

	// BusyTimeout is how long to wait on a locked database.
	BusyTimeout time.Duration

	// AsyncBuffer is the capacity of the write queue. Records are dropped
	// when it is full.
	AsyncBuffer int

	// WriteTimeout bounds a single insert.
	WriteTimeout time.Duration
}

// SQLiteSink stores records in a SQLite database. Writes are queued and
// performed by a background goroutine so worker loops never block on disk.
type SQLiteSink struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger

	records chan Record
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	pending atomic.Int64
}

// NewSQLiteSink opens the database, creates the schema and starts the
// writer goroutine.
func NewSQLiteSink(config SQLiteConfig, logger *slog.Logger) (*SQLiteSink, error) {
	if config.Driver == "" {
		config.Driver = "sqlite"
	}
	if config.AsyncBuffer <= 0 {
		config.AsyncBuffer = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "accesslog.sqlite")

	db, err := sql.Open(config.Driver, config.Path)
	if err != nil {
		return nil, fmt.Errorf("open access log database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between
	// the writer and pruning.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{
		db:      db,
		config:  config,
		logger:  logger,
		records: make(chan Record, config.AsyncBuffer),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.worker()

	logger.Info("SQLite access log initialized",
		"path", config.Path,
		"driver", config.Driver,
		"wal_mode", config.WALMode,
		"async_buffer", config.AsyncBuffer,
	)
	return s, nil
}

func (s *SQLiteSink) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create access log schema: %w", err)
	}
	return nil
}

// Write implements Sink. It never blocks; records are dropped when the
// queue is full or the sink is closed.
func (s *SQLiteSink) Write(r Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.pending.Add(1)
	select {
	case s.records <- r:
	default:
		s.pending.Add(-1)
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("access log queue full, dropping records", "dropped", n)
		}
	}
}

func (s *SQLiteSink) worker() {
	defer s.wg.Done()
	for r := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
		if err := s.insert(ctx, r); err != nil {
			s.logger.Error("failed to store access log record", "id", r.ID, "error", err)
		}
		cancel()
		s.pending.Add(-1)
	}
}

func (s *SQLiteSink) insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, insertRecord,
		r.ID, r.Time.UnixNano(), r.ConnID, r.ClientIP, r.ClientPort, r.ALPN,
		r.Method, r.Path, r.Authority, r.ProtoMajor, r.ProtoMinor,
		r.Status, r.BodyBytes, r.Duration.Microseconds(),
	)
	return err
}

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			ts       int64
			duration int64
		)
		if err := rows.Scan(&r.ID, &ts, &r.ConnID, &r.ClientIP, &r.ClientPort, &r.ALPN,
			&r.Method, &r.Path, &r.Authority, &r.ProtoMajor, &r.ProtoMinor,
			&r.Status, &r.BodyBytes, &duration); err != nil {
			return nil, fmt.Errorf("scan access log record: %w", err)
		}
		r.Time = time.Unix(0, ts)
		r.Duration = time.Duration(duration) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Dropped returns the number of records dropped because the queue was full.
func (s *SQLiteSink) Dropped() int64 { return s.dropped.Load() }

// Count returns the number of stored records.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, countRecords).Scan(&n); err != nil {
		return 0, fmt.Errorf("count access log records: %w", err)
	}
	return n, nil
}

// DeleteBefore removes records older than t and returns how many were
// deleted.
func (s *SQLiteSink) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteBefore, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune access log: %w", err)
	}
	return res.RowsAffected()
}

// Flush waits until every queued record has been written or ctx is done.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close drains the queue and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

package accesslog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func createTempSink(t *testing.T) *SQLiteSink {
	t.Helper()

	sink, err := NewSQLiteSink(SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "access.db"),
		Driver:      "sqlite",
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
		AsyncBuffer: 100,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create SQLite sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func testRecord(id string, at time.Time, status int) Record {
	return NewRecord(
		Conn{ID: "conn-1", ClientIP: "192.0.2.10", ClientPort: "51000", ALPN: "h2"},
		Transaction{
			Method:     "GET",
			Path:       "/" + id,
			Authority:  "example.com",
			ProtoMajor: 2,
			Status:     status,
			BodyBytes:  42,
			Start:      at.Add(-15 * time.Millisecond),
		},
		at,
	)
}

func TestSQLiteSink_WriteAndRecent(t *testing.T) {
	sink := createTempSink(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sink.Write(testRecord(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Second), 200+i))
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sink.Flush(flushCtx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	records, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Recent() returned %d records, want 3", len(records))
	}

	newest := records[0]
	if newest.Path != "/r2" || newest.Status != 202 {
		t.Errorf("newest record = %s %d, want /r2 202", newest.Path, newest.Status)
	}
	if newest.ConnID != "conn-1" || newest.ALPN != "h2" || newest.ClientPort != "51000" {
		t.Errorf("connection fields not stored: %+v", newest)
	}
	if newest.Duration != 15*time.Millisecond {
		t.Errorf("Duration = %v, want 15ms", newest.Duration)
	}
	if !newest.Time.Equal(base.Add(2 * time.Second)) {
		t.Errorf("Time = %v, want %v", newest.Time, base.Add(2*time.Second))
	}
	if newest.BodyBytes != 42 || newest.ProtoMajor != 2 {
		t.Errorf("BodyBytes/ProtoMajor = %d/%d, want 42/2", newest.BodyBytes, newest.ProtoMajor)
	}
}

func TestSQLiteSink_DeleteBefore(t *testing.T) {
	sink := createTempSink(t)
	ctx := context.Background()

	now := time.Now()
	sink.Write(testRecord("old", now.Add(-48*time.Hour), 200))
	sink.Write(testRecord("new", now, 200))
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	deleted, err := sink.DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteBefore() deleted %d, want 1", deleted)
	}

	n, err := sink.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestSQLiteSink_CloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	sink, err := NewSQLiteSink(SQLiteConfig{Path: path, AsyncBuffer: 50}, nil)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		sink.Write(testRecord(fmt.Sprintf("r%d", i), time.Now(), 200))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Writes after close are dropped silently.
	sink.Write(testRecord("late", time.Now(), 200))
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	reopened, err := NewSQLiteSink(SQLiteConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 20 {
		t.Errorf("Count() = %d, want 20", n)
	}
}

func TestNewSQLiteSink_UnknownDriver(t *testing.T) {
	_, err := NewSQLiteSink(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "access.db"),
		Driver: "nosuchdriver",
	}, nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

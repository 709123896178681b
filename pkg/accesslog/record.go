package accesslog

import (
	"time"

	"github.com/google/uuid"
)

// Transaction describes one completed or abandoned request as seen by an
// upstream codec.
type Transaction struct {
	Method     string
	Path       string
	Authority  string
	ProtoMajor int
	ProtoMinor int
	Status     int
	BodyBytes  int64

	// Start is when the request was received. Zero when unknown.
	Start time.Time
}

// Conn identifies the client connection a transaction arrived on.
type Conn struct {
	ID         string
	ClientIP   string
	ClientPort string
	ALPN       string
}

// Record is one access-log entry.
type Record struct {
	ID         string
	Time       time.Time
	ConnID     string
	ClientIP   string
	ClientPort string
	ALPN       string
	Method     string
	Path       string
	Authority  string
	ProtoMajor int
	ProtoMinor int
	Status     int
	BodyBytes  int64
	Duration   time.Duration
}

// NewRecord builds the record for tx on conn, completed at now.
func NewRecord(conn Conn, tx Transaction, now time.Time) Record {
	var d time.Duration
	if !tx.Start.IsZero() {
		d = now.Sub(tx.Start)
	}
	return Record{
		ID:         uuid.New().String(),
		Time:       now,
		ConnID:     conn.ID,
		ClientIP:   conn.ClientIP,
		ClientPort: conn.ClientPort,
		ALPN:       conn.ALPN,
		Method:     tx.Method,
		Path:       tx.Path,
		Authority:  tx.Authority,
		ProtoMajor: tx.ProtoMajor,
		ProtoMinor: tx.ProtoMinor,
		Status:     tx.Status,
		BodyBytes:  tx.BodyBytes,
		Duration:   d,
	}
}

// Sink receives access-log records. Write must not block the caller on
// I/O; it is called from worker loops.
type Sink interface {
	Write(r Record)
	Close() error
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(Record) {}

func (discard) Close() error { return nil }

// Multi fans records out to several sinks.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(r Record) {
	for _, s := range m {
		s.Write(r)
	}
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

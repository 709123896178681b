package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"mercator-hq/h2edge/pkg/eventloop"
)

// DefaultReadWatermark is the amount of unconsumed input at which the
// socket reader pauses.
const DefaultReadWatermark = 16 * 1024

const readChunkSize = 8 * 1024

// Options configures a Conn.
type Options struct {
	// ReadTimeout and WriteTimeout are the initial inactivity timeouts.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration

	// ReadWatermark pauses reading while this many input bytes are
	// unconsumed. Zero selects DefaultReadWatermark.
	ReadWatermark int

	// RateLimit is the worker-wide rate limit group, or nil.
	RateLimit *RateLimitGroup

	// Logger is used for connection-level debug logging.
	Logger *slog.Logger
}

// Conn implements Transport over a net.Conn.
//
// A reader goroutine performs the TLS handshake and reads input into a
// buffer; a writer goroutine drains the output queue. Both report to the
// Handler by posting to the worker loop, so Handler methods always run on
// the loop.
type Conn struct {
	loop    *eventloop.Loop
	nc      net.Conn
	tlsConn *tls.Conn
	opts    Options
	logger  *slog.Logger

	// loop-owned
	handler Handler
	tls     *tlsState

	mu           sync.Mutex
	cond         *sync.Cond
	in           []byte
	out          [][]byte
	outLen       int
	readPosted   bool
	writePosted  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
	closedCh     chan struct{}
}

// NewConn wraps nc. When nc is a *tls.Conn the handshake is performed by
// the reader goroutine and reported as EventConnected.
func NewConn(loop *eventloop.Loop, nc net.Conn, opts Options) *Conn {
	if opts.ReadWatermark <= 0 {
		opts.ReadWatermark = DefaultReadWatermark
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		loop:         loop,
		nc:           nc,
		opts:         opts,
		logger:       logger.With("component", "transport", "remote_addr", nc.RemoteAddr().String()),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		closedCh:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	if tc, ok := nc.(*tls.Conn); ok {
		c.tlsConn = tc
		c.tls = &tlsState{}
	}
	return c
}

// Start attaches h and starts the I/O goroutines. Must be called on the loop.
func (c *Conn) Start(h Handler) {
	c.handler = h
	go c.readLoop()
	go c.writeLoop()
}

// Take implements Transport.
func (c *Conn) Take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.in
	c.in = nil
	c.cond.Broadcast()
	return p
}

// Write implements Transport.
func (c *Conn) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.out = append(c.out, append([]byte(nil), p...))
	c.outLen += len(p)
	c.cond.Broadcast()
}

// OutputLength implements Transport.
func (c *Conn) OutputLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outLen
}

// SetTimeouts implements Transport.
func (c *Conn) SetTimeouts(read, write time.Duration) {
	c.mu.Lock()
	c.readTimeout = read
	c.writeTimeout = write
	c.mu.Unlock()

	_ = c.nc.SetReadDeadline(deadline(read))
}

// TLS implements Transport.
func (c *Conn) TLS() TLSState {
	if c.tls == nil {
		return nil
	}
	return c.tls
}

// RemoteAddr implements Transport.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close implements Transport. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.out = nil
	c.outLen = 0
	close(c.closedCh)
	c.cond.Broadcast()
	c.mu.Unlock()

	return c.nc.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readLoop() {
	if c.tlsConn != nil {
		if err := c.handshake(); err != nil {
			c.postError(err)
			return
		}
		state := c.tlsConn.ConnectionState()
		c.loop.Post(func() {
			c.tls.proto = state.NegotiatedProtocol
			c.tls.complete = state.HandshakeComplete
			c.dispatchEvent(EventConnected)
		})
	}

	buf := make([]byte, readChunkSize)
	for {
		if !c.waitBelowWatermark() {
			return
		}

		c.mu.Lock()
		rt := c.readTimeout
		c.mu.Unlock()
		_ = c.nc.SetReadDeadline(deadline(rt))

		n, err := c.nc.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.in = append(c.in, buf[:n]...)
			post := !c.readPosted
			c.readPosted = true
			c.mu.Unlock()
			if post {
				c.loop.Post(c.dispatchRead)
			}
			if !c.pause(c.opts.RateLimit.ReadDelay(n)) {
				return
			}
		}
		if err != nil {
			c.postError(err)
			return
		}
	}
}

func (c *Conn) handshake() error {
	ctx := context.Background()
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
		_ = c.nc.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	}
	err := c.tlsConn.HandshakeContext(ctx)
	_ = c.nc.SetDeadline(time.Time{})
	return err
}

func (c *Conn) waitBelowWatermark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) >= c.opts.ReadWatermark && !c.closed {
		c.cond.Wait()
	}
	return !c.closed
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.out) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		chunk := c.out[0]
		c.out[0] = nil
		c.out = c.out[1:]
		wt := c.writeTimeout
		c.mu.Unlock()

		if !c.pause(c.opts.RateLimit.WriteDelay(len(chunk))) {
			return
		}

		_ = c.nc.SetWriteDeadline(deadline(wt))
		_, err := c.nc.Write(chunk)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.outLen -= len(chunk)
		post := err == nil && !c.writePosted
		if post {
			c.writePosted = true
		}
		c.mu.Unlock()

		if err != nil {
			c.postError(err)
			return
		}
		if post {
			c.loop.Post(c.dispatchWrite)
		}
	}
}

// pause sleeps for d unless the connection closes first.
func (c *Conn) pause(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.closedCh:
		return false
	}
}

func (c *Conn) dispatchRead() {
	c.mu.Lock()
	c.readPosted = false
	c.mu.Unlock()

	if c.isClosed() {
		return
	}
	if err := c.handler.OnRead(); err != nil {
		c.terminate("read", err)
	}
}

func (c *Conn) dispatchWrite() {
	c.mu.Lock()
	c.writePosted = false
	c.mu.Unlock()

	if c.isClosed() {
		return
	}
	if err := c.handler.OnWrite(); err != nil {
		c.terminate("write", err)
	}
}

func (c *Conn) dispatchEvent(ev Event) {
	if c.isClosed() {
		return
	}
	if err := c.handler.OnEvent(ev); err != nil {
		c.terminate(ev.String(), err)
	}
}

func (c *Conn) postError(err error) {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return
	}
	ev := classify(err)
	c.logger.Debug("connection event", "event", ev.String(), "error", err)
	c.loop.Post(func() { c.dispatchEvent(ev) })
}

func (c *Conn) terminate(op string, err error) {
	c.logger.Debug("closing connection", "op", op, "error", err)
	c.handler.Close()
}

// classify maps a socket error to an Event.
func classify(err error) Event {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return EventEOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return EventTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return EventTimeout
	}
	if isRenegotiation(err) {
		return EventRenegotiation
	}
	return EventError
}

// isRenegotiation reports whether err is crypto/tls refusing a client
// hello received after the handshake completed.
func isRenegotiation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "renegotiation") || strings.Contains(msg, "*tls.clientHelloMsg")
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

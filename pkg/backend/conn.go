package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"mercator-hq/h2edge/pkg/eventloop"
)

// Conn is a connection to a backend target that carries one request at a
// time for the client connection holding it.
//
// All methods are called from the owning worker's loop. RoundTrip returns
// immediately; done is called on the loop with the complete response.
type Conn interface {
	// Target returns the backend "host:port".
	Target() string

	// Protocol returns "http/1.1" or "h2".
	Protocol() string

	// RoundTrip sends req and calls done on the loop with the buffered
	// response. req.Body, if set, must be replayable through req.GetBody.
	RoundTrip(req *http.Request, done func(*Response, error))

	// Reusable reports whether the connection can carry another request.
	Reusable() bool

	// Close releases the connection. It is idempotent.
	Close() error
}

// Response is a backend response with its body fully read.
type Response struct {
	StatusCode int
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       []byte

	// Close is set when the backend asked to close the connection.
	Close bool
}

// Dialer opens connections to backend targets.
type Dialer struct {
	// ConnectTimeout bounds dialing and the backend TLS handshake.
	ConnectTimeout time.Duration

	// ReadTimeout and WriteTimeout bound reading a response and writing a
	// request.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TLSConfig enables TLS towards the backend when non-nil.
	TLSConfig *tls.Config

	// MaxBodyBytes limits buffered response bodies. Zero means no limit.
	MaxBodyBytes int64

	// DialContext overrides the network dialer. Used by tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial connects to target, performing the TLS handshake when configured.
// Failures are returned as *DialError.
func (d *Dialer) Dial(ctx context.Context, target string) (net.Conn, error) {
	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	dial := d.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	nc, err := dial(ctx, "tcp", target)
	if err != nil {
		return nil, &DialError{Target: target, Err: err}
	}

	if d.TLSConfig == nil {
		return nc, nil
	}

	cfg := d.TLSConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(target); err == nil {
			cfg.ServerName = host
		}
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, &DialError{Target: target, Err: fmt.Errorf("tls handshake: %w", err)}
	}
	return tc, nil
}

func (d *Dialer) readBody(r io.Reader) ([]byte, error) {
	if d.MaxBodyBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, d.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > d.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// HTTP1Conn is an HTTP/1.1 backend connection. The socket is dialed lazily
// by the first RoundTrip.
type HTTP1Conn struct {
	target  string
	loop    *eventloop.Loop
	blocker *ConnectBlocker
	dialer  *Dialer
	logger  *slog.Logger

	// loop-owned
	busy     bool
	reusable bool
	closed   bool

	// mu guards nc, br and shut, which the round-trip goroutine reads.
	mu   sync.Mutex
	nc   net.Conn
	br   *bufio.Reader
	shut bool
}

// NewHTTP1Conn creates an undialed HTTP/1.1 connection to target.
func NewHTTP1Conn(loop *eventloop.Loop, target string, dialer *Dialer, blocker *ConnectBlocker, logger *slog.Logger) *HTTP1Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP1Conn{
		target:  target,
		loop:    loop,
		blocker: blocker,
		dialer:  dialer,
		logger:  logger.With("component", "backend.http1", "target", target),
	}
}

// Target implements Conn.
func (c *HTTP1Conn) Target() string { return c.target }

// Protocol implements Conn.
func (c *HTTP1Conn) Protocol() string { return "http/1.1" }

// Reusable implements Conn.
func (c *HTTP1Conn) Reusable() bool {
	return !c.closed && !c.busy && c.reusable
}

// RoundTrip implements Conn.
func (c *HTTP1Conn) RoundTrip(req *http.Request, done func(*Response, error)) {
	if c.closed {
		done(nil, ErrConnClosed)
		return
	}
	c.busy = true
	c.reusable = false
	mayDial := c.blocker == nil || !c.blocker.Blocked(c.target)

	go func() {
		resp, dialed, err := c.exchange(req, mayDial)
		c.loop.Post(func() {
			c.busy = false
			if c.blocker != nil {
				var de *DialError
				if errors.As(err, &de) {
					c.blocker.RecordFailure(c.target)
				} else if dialed {
					c.blocker.RecordSuccess(c.target)
				}
			}
			if c.closed {
				done(nil, ErrConnClosed)
				return
			}
			c.reusable = err == nil && !resp.Close
			if !c.reusable {
				c.closeSocket()
			}
			done(resp, err)
		})
	}()
}

// exchange runs on its own goroutine. A reused socket that turns out to be
// dead before any response byte is replaced by a fresh dial once. mayDial
// is the breaker state sampled on the loop; without it no socket is
// dialed and the request fails with ErrConnectBlocked.
func (c *HTTP1Conn) exchange(req *http.Request, mayDial bool) (*Response, bool, error) {
	dialed := false
	for attempt := 0; ; attempt++ {
		nc, br := c.socket()
		if nc == nil {
			if !mayDial {
				return nil, dialed, ErrConnectBlocked
			}
			var err error
			nc, err = c.dialer.Dial(req.Context(), c.target)
			if err != nil {
				return nil, dialed, err
			}
			dialed = true
			br = bufio.NewReader(nc)
			if !c.setSocket(nc, br) {
				nc.Close()
				return nil, dialed, ErrConnClosed
			}
		}

		resp, err := c.send(nc, br, req)
		if err == nil {
			return resp, dialed, nil
		}
		if attempt > 0 || dialed || !isStaleConnError(err) || !rewind(req) {
			return nil, dialed, err
		}
		c.logger.Debug("pooled connection went stale, redialing", "error", err)
		c.closeSocket()
	}
}

func (c *HTTP1Conn) send(nc net.Conn, br *bufio.Reader, req *http.Request) (*Response, error) {
	_ = nc.SetWriteDeadline(deadline(c.dialer.WriteTimeout))
	if err := req.Write(nc); err != nil {
		return nil, err
	}

	_ = nc.SetReadDeadline(deadline(c.dialer.ReadTimeout))
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.dialer.readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Header:     resp.Header,
		Body:       body,
		Close:      resp.Close,
	}, nil
}

func (c *HTTP1Conn) socket() (net.Conn, *bufio.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc, c.br
}

func (c *HTTP1Conn) setSocket(nc net.Conn, br *bufio.Reader) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return false
	}
	c.nc = nc
	c.br = br
	return true
}

func (c *HTTP1Conn) closeSocket() {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.br = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// Close implements Conn.
func (c *HTTP1Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.reusable = false
	c.mu.Lock()
	c.shut = true
	c.mu.Unlock()
	c.closeSocket()
	return nil
}

func isStaleConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func rewind(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// NewRequest builds a backend request for target from the parts an
// upstream collected. The body is replayable.
func NewRequest(ctx context.Context, method, scheme, target, requestURI string, header http.Header, body []byte) (*http.Request, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, scheme+"://"+target+requestURI, rd)
	if err != nil {
		return nil, err
	}
	for k, vv := range header {
		req.Header[k] = append([]string(nil), vv...)
	}
	return req, nil
}

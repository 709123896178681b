package backend

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/eventloop"
)

// HTTP2Session multiplexes requests from every client connection of a
// worker over one HTTP/2 connection to the backend target.
//
// The session dials lazily on the first Submit and redials when the
// connection can no longer take requests. Dials are subject to the
// worker's ConnectBlocker. All methods are called from the loop.
type HTTP2Session struct {
	target  string
	loop    *eventloop.Loop
	dialer  *Dialer
	blocker *ConnectBlocker
	tr      *http2.Transport
	logger  *slog.Logger

	cc         *http2.ClientConn
	connecting bool
	pending    []pendingRequest
	closed     bool
}

type pendingRequest struct {
	req  *http.Request
	done func(*Response, error)
}

// NewHTTP2Session creates a session for target. No connection is opened
// until the first request.
func NewHTTP2Session(loop *eventloop.Loop, target string, dialer *Dialer, blocker *ConnectBlocker, logger *slog.Logger) *HTTP2Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP2Session{
		target:  target,
		loop:    loop,
		dialer:  dialer,
		blocker: blocker,
		tr: &http2.Transport{
			AllowHTTP:       true,
			ReadIdleTimeout: dialer.ReadTimeout,
		},
		logger: logger.With("component", "backend.http2", "target", target),
	}
}

// Target returns the backend target.
func (s *HTTP2Session) Target() string { return s.target }

// Usable reports whether the session is open for new requests.
func (s *HTTP2Session) Usable() bool { return !s.closed }

// Submit sends req on the shared connection and calls done on the loop.
func (s *HTTP2Session) Submit(req *http.Request, done func(*Response, error)) {
	if s.closed {
		done(nil, ErrConnClosed)
		return
	}

	if s.cc != nil && s.cc.CanTakeNewRequest() {
		s.roundTrip(s.cc, req, done)
		return
	}

	s.pending = append(s.pending, pendingRequest{req: req, done: done})
	if s.connecting {
		return
	}

	if s.blocker != nil && s.blocker.Blocked(s.target) {
		s.failPending(ErrConnectBlocked)
		return
	}
	s.connect()
}

func (s *HTTP2Session) connect() {
	s.connecting = true
	if s.cc != nil {
		s.cc.Close()
		s.cc = nil
	}

	go func() {
		var cc *http2.ClientConn
		nc, err := s.dialer.Dial(context.Background(), s.target)
		if err == nil {
			cc, err = s.tr.NewClientConn(nc)
			if err != nil {
				nc.Close()
				err = &DialError{Target: s.target, Err: err}
			}
		}

		s.loop.Post(func() {
			s.connecting = false
			if err != nil {
				if s.blocker != nil {
					s.blocker.RecordFailure(s.target)
				}
				s.failPending(err)
				return
			}
			if s.blocker != nil {
				s.blocker.RecordSuccess(s.target)
			}
			if s.closed {
				cc.Close()
				s.failPending(ErrConnClosed)
				return
			}

			s.cc = cc
			s.logger.Debug("backend session established")
			pending := s.pending
			s.pending = nil
			for _, p := range pending {
				s.roundTrip(cc, p.req, p.done)
			}
		})
	}()
}

func (s *HTTP2Session) roundTrip(cc *http2.ClientConn, req *http.Request, done func(*Response, error)) {
	go func() {
		resp, err := s.exchange(cc, req)
		s.loop.Post(func() { done(resp, err) })
	}()
}

func (s *HTTP2Session) exchange(cc *http2.ClientConn, req *http.Request) (*Response, error) {
	resp, err := cc.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := s.dialer.readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		ProtoMajor: 2,
		ProtoMinor: 0,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (s *HTTP2Session) failPending(err error) {
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		p.done(nil, err)
	}
}

// Close shuts the session down. Requests in flight complete with an error.
func (s *HTTP2Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.failPending(ErrConnClosed)
	if s.cc != nil {
		err := s.cc.Close()
		s.cc = nil
		return err
	}
	return nil
}

// StreamConn is a backend Conn that sends its requests as streams of the
// worker's HTTP2Session.
type StreamConn struct {
	session *HTTP2Session
	busy    bool
	closed  bool
}

// NewStreamConn creates a Conn bound to session.
func NewStreamConn(session *HTTP2Session) *StreamConn {
	return &StreamConn{session: session}
}

// Target implements Conn.
func (c *StreamConn) Target() string { return c.session.Target() }

// Protocol implements Conn.
func (c *StreamConn) Protocol() string { return "h2" }

// Reusable implements Conn.
func (c *StreamConn) Reusable() bool {
	return !c.closed && !c.busy && c.session.Usable()
}

// RoundTrip implements Conn.
func (c *StreamConn) RoundTrip(req *http.Request, done func(*Response, error)) {
	if c.closed {
		done(nil, ErrConnClosed)
		return
	}
	c.busy = true
	c.session.Submit(req, func(resp *Response, err error) {
		c.busy = false
		if c.closed && err == nil {
			err = ErrConnClosed
			resp = nil
		}
		done(resp, err)
	})
}

// Close implements Conn. The shared session stays open.
func (c *StreamConn) Close() error {
	c.closed = true
	return nil
}

var _ Conn = (*StreamConn)(nil)
var _ Conn = (*HTTP1Conn)(nil)

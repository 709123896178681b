package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/transport"
)

var headerEnd = []byte("\r\n\r\n")

// errIncomplete means more input is needed to parse a request.
var errIncomplete = errors.New("incomplete request")

// HTTP1 is the HTTP/1.1 upstream codec. It serves one transaction at a time;
// pipelined requests stay buffered until the current response is written.
type HTTP1 struct {
	h      Handler
	opts   Options
	logger *slog.Logger

	buf []byte
	// need is the buffer length required before reparsing a request whose
	// head was complete but whose body was not.
	need int

	cur *http1Tx

	// upgradeReq holds the request that triggered an h2c upgrade.
	upgradeReq *request

	// continued is set once 100 Continue was sent for the pending request.
	continued bool

	closing bool
	closed  bool
}

type http1Tx struct {
	req        *request
	protoMajor int
	protoMinor int
	close      bool
	start      time.Time
}

func (tx *http1Tx) transaction(status int, bodyBytes int64) accesslog.Transaction {
	return accesslog.Transaction{
		Method:     tx.req.method,
		Path:       tx.req.requestURI,
		Authority:  tx.req.authority,
		ProtoMajor: tx.protoMajor,
		ProtoMinor: tx.protoMinor,
		Status:     status,
		BodyBytes:  bodyBytes,
		Start:      tx.start,
	}
}

// NewHTTP1 creates an HTTP/1.1 upstream for h.
func NewHTTP1(h Handler, opts Options) *HTTP1 {
	return &HTTP1{
		h:      h,
		opts:   opts,
		logger: opts.logger().With("upstream", ProtocolHTTP1),
	}
}

// Protocol implements Upstream.
func (u *HTTP1) Protocol() string { return ProtocolHTTP1 }

// OnRead implements Upstream.
func (u *HTTP1) OnRead(p []byte) error {
	if u.closing || u.closed {
		return nil
	}
	u.buf = append(u.buf, p...)
	if int64(len(u.buf)) > int64(u.opts.MaxHeaderBytes)+u.opts.MaxRequestBodyBytes+int64(len(headerEnd)) {
		return ErrInputTooLarge
	}
	return u.process()
}

// OnWrite implements Upstream.
func (u *HTTP1) OnWrite() error { return nil }

// OnEvent implements Upstream.
func (u *HTTP1) OnEvent(ev transport.Event) error {
	return fmt.Errorf("http/1.1 upstream: %s", ev)
}

// Close implements Upstream.
func (u *HTTP1) Close() {
	if u.closed {
		return
	}
	u.closed = true
	if u.cur != nil {
		u.h.WriteAccessLog(u.cur.transaction(statusClientClosed, 0))
		u.cur = nil
	}
}

// TakeBuffered returns and removes the input received after the request
// that triggered an h2c upgrade.
func (u *HTTP1) TakeBuffered() []byte {
	p := u.buf
	u.buf = nil
	return p
}

// Detach stops the codec after a successful upgrade without logging the
// upgrade request, which now belongs to the HTTP/2 upstream.
func (u *HTTP1) Detach() {
	u.closed = true
	u.cur = nil
}

func (u *HTTP1) process() error {
	for u.cur == nil && !u.closing && !u.closed && len(u.buf) > 0 {
		if u.need > 0 && len(u.buf) < u.need {
			return nil
		}

		req, n, err := u.parse()
		if errors.Is(err, errIncomplete) {
			return nil
		}
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				u.logger.Debug("rejecting request", "status", se.status, "error", se.err)
				u.respondError(se.status)
				return nil
			}
			return err
		}
		u.buf = u.buf[n:]
		u.need = 0
		u.continued = false
		req.Header.Del("Expect")

		if isH2CUpgrade(req.Header) {
			if u.h.HTTP2UpgradeAllowed() {
				u.upgradeReq = toRequest(req)
				u.upgradeReq.body = readAll(req)
				return u.h.PerformHTTP2Upgrade(u)
			}
			u.logger.Info("rejecting h2c upgrade, serving as HTTP/1.1")
			u.h.UpgradeRejected()
			stripUpgrade(req.Header)
		}

		u.start(req)
	}
	return nil
}

// parse parses one request from the buffer. It returns the number of
// bytes consumed.
func (u *HTTP1) parse() (*http.Request, int, error) {
	end := bytes.Index(u.buf, headerEnd)
	if end < 0 {
		if len(u.buf) > u.opts.MaxHeaderBytes {
			return nil, 0, &statusError{status: http.StatusRequestHeaderFieldsTooLarge}
		}
		return nil, 0, errIncomplete
	}
	if end+len(headerEnd) > u.opts.MaxHeaderBytes {
		return nil, 0, &statusError{status: http.StatusRequestHeaderFieldsTooLarge}
	}

	rd := bytes.NewReader(u.buf)
	br := bufio.NewReader(rd)
	req, err := http.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errIncomplete
		}
		return nil, 0, &statusError{status: http.StatusBadRequest, err: err}
	}

	if req.ContentLength > u.opts.MaxRequestBodyBytes {
		return nil, 0, &statusError{status: http.StatusRequestEntityTooLarge}
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, u.opts.MaxRequestBodyBytes+1))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if req.ContentLength > 0 {
				u.need = end + len(headerEnd) + int(req.ContentLength)
			}
			if !u.continued && req.ProtoAtLeast(1, 1) &&
				strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
				u.continued = true
				u.h.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
			}
			return nil, 0, errIncomplete
		}
		return nil, 0, &statusError{status: http.StatusBadRequest, err: err}
	}
	if int64(len(body)) > u.opts.MaxRequestBodyBytes {
		return nil, 0, &statusError{status: http.StatusRequestEntityTooLarge}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	consumed := len(u.buf) - (rd.Len() + br.Buffered())
	return req, consumed, nil
}

func (u *HTTP1) start(req *http.Request) {
	r := toRequest(req)
	r.body = readAll(req)

	tx := &http1Tx{
		req:        r,
		protoMajor: req.ProtoMajor,
		protoMinor: req.ProtoMinor,
		close:      req.Close,
		start:      u.opts.now(),
	}
	u.cur = tx

	forward(u.h, r, func() bool { return !u.closed && u.cur == tx }, func(resp *backend.Response, status int) {
		u.finish(tx, resp, status)
	})
}

func (u *HTTP1) finish(tx *http1Tx, resp *backend.Response, status int) {
	var (
		header http.Header
		body   []byte
	)
	if resp != nil {
		header = resp.Header.Clone()
		removeHopHeaders(header)
		body = resp.Body
	} else {
		header = http.Header{"Content-Type": {"text/html; charset=UTF-8"}}
		body = errorPage(status)
	}

	u.writeResponse(tx.req.method, tx.protoMinor, status, header, body, tx.close)

	u.h.WriteAccessLog(tx.transaction(status, int64(len(body))))

	u.cur = nil
	if tx.close {
		u.closing = true
		u.h.SetShouldCloseAfterWrite()
		return
	}
	if err := u.process(); err != nil {
		u.logger.Debug("pipelined request failed", "error", err)
		u.closing = true
		u.h.SetShouldCloseAfterWrite()
	}
}

// respondError answers a request that could not be parsed or forwarded
// and closes the connection after the response.
func (u *HTTP1) respondError(status int) {
	body := errorPage(status)
	header := http.Header{"Content-Type": {"text/html; charset=UTF-8"}}
	u.writeResponse("", 1, status, header, body, true)
	u.h.WriteAccessLogStatus(1, 1, status, int64(len(body)))
	u.closing = true
	u.buf = nil
	u.h.SetShouldCloseAfterWrite()
}

func (u *HTTP1) writeResponse(method string, minor, status int, header http.Header, body []byte, closeConn bool) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.%d %03d %s\r\n", minor, status, http.StatusText(status))

	if bodyAllowed(method, status) {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	} else if method != http.MethodHead {
		header.Del("Content-Length")
		body = nil
	} else {
		body = nil
	}
	if closeConn {
		header.Set("Connection", "close")
	} else if minor == 0 {
		header.Set("Connection", "keep-alive")
	}
	header.Write(&b)
	b.WriteString("\r\n")
	b.Write(body)

	u.h.Write(b.Bytes())
}

type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%d %s: %v", e.status, http.StatusText(e.status), e.err)
	}
	return fmt.Sprintf("%d %s", e.status, http.StatusText(e.status))
}

// statusClientClosed is logged for transactions abandoned because the
// client connection went away.
const statusClientClosed = 499

func toRequest(req *http.Request) *request {
	uri := req.RequestURI
	authority := req.Host
	if req.URL != nil && req.URL.IsAbs() {
		uri = req.URL.RequestURI()
		authority = req.URL.Host
	}
	return &request{
		method:     req.Method,
		requestURI: uri,
		authority:  authority,
		header:     req.Header,
	}
}

func readAll(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	body, _ := io.ReadAll(req.Body)
	return body
}

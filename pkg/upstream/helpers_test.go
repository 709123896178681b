package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
)

const switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n"

type backendRequest struct {
	req  *http.Request
	body []byte
}

type fakeBackendConn struct {
	h      *fakeHandler
	closed bool
}

func (c *fakeBackendConn) Target() string   { return "backend.internal:8080" }
func (c *fakeBackendConn) Protocol() string { return "http/1.1" }
func (c *fakeBackendConn) Reusable() bool   { return !c.closed }

func (c *fakeBackendConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeBackendConn) RoundTrip(req *http.Request, done func(*backend.Response, error)) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	c.h.requests = append(c.h.requests, backendRequest{req: req, body: body})

	reply := func() { done(c.h.respond(req)) }
	if c.h.hold {
		c.h.pending = append(c.h.pending, reply)
		return
	}
	reply()
}

// fakeHandler is an in-memory client connection with a synchronous backend.
type fakeHandler struct {
	opts Options
	out  bytes.Buffer

	closeAfterWrite bool
	getErr          error
	respond         func(req *http.Request) (*backend.Response, error)

	// hold queues backend replies until release is called.
	hold    bool
	pending []func()

	requests []backendRequest
	pooled   int
	removed  int

	upgradeAllowed bool
	rejected       int
	h2             *HTTP2

	logs       []accesslog.Transaction
	statusLogs []int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		opts: Options{
			MaxHeaderBytes:       8192,
			MaxRequestBodyBytes:  1 << 16,
			MaxConcurrentStreams: 4,
		},
		respond: func(req *http.Request) (*backend.Response, error) {
			return okResponse("hello " + req.URL.Path), nil
		},
	}
}

func okResponse(body string) *backend.Response {
	return &backend.Response{
		StatusCode: http.StatusOK,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain"},
			"Keep-Alive":   {"timeout=5"},
		},
		Body: []byte(body),
	}
}

func (f *fakeHandler) Context() context.Context  { return context.Background() }
func (f *fakeHandler) Write(p []byte)            { f.out.Write(p) }
func (f *fakeHandler) OutputLength() int         { return f.out.Len() }
func (f *fakeHandler) SetShouldCloseAfterWrite() { f.closeAfterWrite = true }

func (f *fakeHandler) GetDownstreamConnection() (backend.Conn, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &fakeBackendConn{h: f}, nil
}

func (f *fakeHandler) PoolDownstreamConnection(backend.Conn) { f.pooled++ }

func (f *fakeHandler) RemoveDownstreamConnection(c backend.Conn) {
	f.removed++
	c.Close()
}

func (f *fakeHandler) BackendScheme() string     { return "http" }
func (f *fakeHandler) UpstreamScheme() string    { return "https" }
func (f *fakeHandler) ClientAddr() string        { return "203.0.113.5" }
func (f *fakeHandler) HTTP2UpgradeAllowed() bool { return f.upgradeAllowed }
func (f *fakeHandler) UpgradeRejected()          { f.rejected++ }

func (f *fakeHandler) PerformHTTP2Upgrade(h1 *HTTP1) error {
	u, err := NewHTTP2FromUpgrade(f, f.opts, h1)
	if err != nil {
		return err
	}
	f.out.WriteString(switchingProtocols)
	h1.Detach()
	f.h2 = u
	u.Start()
	return u.OnRead(h1.TakeBuffered())
}

func (f *fakeHandler) WriteAccessLog(tx accesslog.Transaction) {
	f.logs = append(f.logs, tx)
}

func (f *fakeHandler) WriteAccessLogStatus(major, minor, status int, bytes int64) {
	f.statusLogs = append(f.statusLogs, status)
}

// release delivers the held backend replies.
func (f *fakeHandler) release() {
	pending := f.pending
	f.pending = nil
	for _, fn := range pending {
		fn()
	}
}

type readResponse struct {
	*http.Response
	body string
}

// readResponses parses consecutive HTTP/1 responses to requests using
// methods.
func readResponses(t *testing.T, out []byte, methods ...string) []readResponse {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(out))
	var resps []readResponse
	for _, m := range methods {
		resp, err := http.ReadResponse(br, &http.Request{Method: m})
		if err != nil {
			t.Fatalf("reading response %d: %v", len(resps)+1, err)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading response body %d: %v", len(resps)+1, err)
		}
		resps = append(resps, readResponse{Response: resp, body: string(body)})
	}
	if br.Buffered() > 0 {
		rest, _ := io.ReadAll(br)
		t.Fatalf("unexpected trailing output: %q", rest)
	}
	return resps
}

// frame is a decoded server frame.
type frame struct {
	typ       http2.FrameType
	streamID  uint32
	endStream bool
	ack       bool
	fields    map[string]string
	data      []byte
	code      http2.ErrCode
	settings  map[http2.SettingID]uint32
	increment uint32
	lastID    uint32
}

// readFrames decodes and consumes everything the handler wrote.
func readFrames(t *testing.T, h *fakeHandler) []frame {
	t.Helper()
	fr := http2.NewFramer(nil, bytes.NewReader(bytes.Clone(h.out.Bytes())))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.out.Reset()

	var frames []frame
	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("reading server frame: %v", err)
		}
		out := frame{typ: f.Header().Type, streamID: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.SettingsFrame:
			out.ack = f.IsAck()
			out.settings = map[http2.SettingID]uint32{}
			f.ForeachSetting(func(s http2.Setting) error {
				out.settings[s.ID] = s.Val
				return nil
			})
		case *http2.MetaHeadersFrame:
			out.typ = http2.FrameHeaders
			out.endStream = f.StreamEnded()
			out.fields = map[string]string{}
			for _, hf := range f.Fields {
				out.fields[hf.Name] = hf.Value
			}
		case *http2.DataFrame:
			out.endStream = f.StreamEnded()
			out.data = bytes.Clone(f.Data())
		case *http2.RSTStreamFrame:
			out.code = f.ErrCode
		case *http2.GoAwayFrame:
			out.code = f.ErrCode
			out.lastID = f.LastStreamID
		case *http2.PingFrame:
			out.ack = f.IsAck()
			out.data = bytes.Clone(f.Data[:])
		case *http2.WindowUpdateFrame:
			out.increment = f.Increment
		}
		frames = append(frames, out)
	}
}

func framesOfType(frames []frame, typ http2.FrameType) []frame {
	var out []frame
	for _, f := range frames {
		if f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

// h2client drives an HTTP2 upstream with frames built by a client framer.
type h2client struct {
	t    *testing.T
	f    *fakeHandler
	u    *HTTP2
	buf  bytes.Buffer
	fr   *http2.Framer
	hbuf bytes.Buffer
	enc  *hpack.Encoder
}

func newH2Client(t *testing.T, f *fakeHandler, u *HTTP2) *h2client {
	c := &h2client{t: t, f: f, u: u}
	c.fr = http2.NewFramer(&c.buf, nil)
	c.enc = hpack.NewEncoder(&c.hbuf)
	return c
}

// startH2 creates a started HTTP2 upstream, completes the client side of
// the handshake and discards the server's output.
func startH2(t *testing.T, f *fakeHandler, settings ...http2.Setting) *h2client {
	t.Helper()
	u := NewHTTP2(f, f.opts)
	u.Start()
	c := newH2Client(t, f, u)
	c.buf.WriteString(http2.ClientPreface)
	c.fr.WriteSettings(settings...)
	c.mustSend()
	f.out.Reset()
	return c
}

// send delivers the buffered client frames.
func (c *h2client) send() error {
	p := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return c.u.OnRead(p)
}

func (c *h2client) mustSend() {
	c.t.Helper()
	if err := c.send(); err != nil {
		c.t.Fatalf("OnRead() error = %v", err)
	}
}

// headers queues a HEADERS frame with the given name/value pairs.
func (c *h2client) headers(id uint32, endStream bool, kv ...string) {
	c.t.Helper()
	c.hbuf.Reset()
	for i := 0; i+1 < len(kv); i += 2 {
		c.enc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	if err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hbuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}); err != nil {
		c.t.Fatalf("WriteHeaders: %v", err)
	}
}

func (c *h2client) get(id uint32, path string) {
	c.headers(id, true, ":method", "GET", ":scheme", "https", ":path", path, ":authority", "example.com")
}

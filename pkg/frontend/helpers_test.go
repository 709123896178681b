package frontend

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/eventloop"
	"mercator-hq/h2edge/pkg/telemetry/metrics"
	"mercator-hq/h2edge/pkg/transport"
	"mercator-hq/h2edge/pkg/upstream"
)

const backendTarget = "backend.test:8080"

type fakeTLS struct {
	proto    string
	complete bool
}

func (s *fakeTLS) NegotiatedProtocol() string { return s.proto }
func (s *fakeTLS) HandshakeComplete() bool    { return s.complete }

// fakeTransport records writes and keeps them queued until drain.
type fakeTransport struct {
	in     []byte
	writes [][]byte
	queued int
	tls    *fakeTLS
	addr   net.Addr

	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       int
}

func newFakeTransport(tls *fakeTLS) *fakeTransport {
	return &fakeTransport{
		tls:  tls,
		addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 40123},
	}
}

func (f *fakeTransport) Take() []byte {
	p := f.in
	f.in = nil
	return p
}

func (f *fakeTransport) Write(p []byte) {
	f.writes = append(f.writes, bytes.Clone(p))
	f.queued += len(p)
}

func (f *fakeTransport) OutputLength() int { return f.queued }

func (f *fakeTransport) SetTimeouts(read, write time.Duration) {
	f.readTimeout = read
	f.writeTimeout = write
}

func (f *fakeTransport) TLS() transport.TLSState {
	if f.tls == nil {
		return nil
	}
	return f.tls
}

func (f *fakeTransport) RemoteAddr() net.Addr { return f.addr }

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

// drain marks every queued byte as written.
func (f *fakeTransport) drain() { f.queued = 0 }

// output returns everything written so far and forgets it.
func (f *fakeTransport) output() []byte {
	out := bytes.Join(f.writes, nil)
	f.writes = nil
	return out
}

// stubConn is a backend connection answering synchronously unless hold
// is set.
type stubConn struct {
	target string
	closed bool
	busy   bool

	hold     bool
	pending  []func()
	requests []*http.Request
}

func (c *stubConn) Target() string   { return c.target }
func (c *stubConn) Protocol() string { return "http/1.1" }
func (c *stubConn) Reusable() bool   { return !c.closed && !c.busy }

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func (c *stubConn) RoundTrip(req *http.Request, done func(*backend.Response, error)) {
	c.requests = append(c.requests, req)
	c.busy = true
	reply := func() {
		c.busy = false
		done(&backend.Response{
			StatusCode: http.StatusOK,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       []byte("ok " + req.URL.Path),
		}, nil)
	}
	if c.hold {
		c.pending = append(c.pending, reply)
		return
	}
	reply()
}

type recordingSink struct {
	records []accesslog.Record
}

func (s *recordingSink) Write(r accesslog.Record) { s.records = append(s.records, r) }
func (s *recordingSink) Close() error             { return nil }

type testEnv struct {
	env      *Env
	cfg      Config
	registry *prometheus.Registry
	sink     *recordingSink
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := eventloop.New(logger)
	t.Cleanup(loop.Stop)

	group := backend.NewGroupWithDialer(loop, config.BackendConfig{
		Address:  backendTarget,
		Protocol: config.ProtocolHTTP1,
		Pool: config.PoolConfig{
			MaxIdlePerTarget: 4,
			IdleTimeout:      time.Minute,
		},
		ConnectBlocker: config.ConnectBlockerConfig{
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
		},
	}, &backend.Dialer{}, logger)
	t.Cleanup(group.Close)

	te := &testEnv{
		registry: prometheus.NewRegistry(),
		sink:     &recordingSink{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	te.env = &Env{
		Loop:      loop,
		Backend:   group,
		AccessLog: te.sink,
		Metrics:   metrics.NewCollector(&config.MetricsConfig{Namespace: "test"}, te.registry),
		Logger:    logger,
		Now:       func() time.Time { return te.now },
	}
	te.cfg = Config{
		ReadTimeout:        time.Minute,
		WriteTimeout:       30 * time.Second,
		RenegotiationGrace: 0,
		HTTP2Upgrade:       true,
		Shaping: config.WriteShapingConfig{
			Floor:           100,
			Ceiling:         200,
			WarmupThreshold: 1000,
			IdleReset:       time.Second,
		},
		Upstream: upstream.Options{
			MaxHeaderBytes:       8192,
			MaxRequestBodyBytes:  1 << 16,
			MaxConcurrentStreams: 8,
		},
	}
	return te
}

// pooled adds an idle backend connection to the worker pool.
func (te *testEnv) pooled() *stubConn {
	c := &stubConn{target: backendTarget}
	te.env.Backend.Pool.Release(c)
	return c
}

func (te *testEnv) newHandler(ft *fakeTransport) *ClientHandler {
	return New(te.env, te.cfg, ft)
}

// metricValue returns the value of the counter or gauge name with labels.
func (te *testEnv) metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := te.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

// feed delivers p as one read.
func feed(h *ClientHandler, ft *fakeTransport, p string) error {
	ft.in = append(ft.in, p...)
	return h.OnRead()
}

// readResponse parses one HTTP/1 response from out.
func readResponse(t *testing.T, out []byte) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(out)), &http.Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("reading response: %v (output %q)", err, out)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

type serverFrame struct {
	typ      http2.FrameType
	streamID uint32
	ack      bool
}

// readFrames decodes the HTTP/2 frames in out.
func readFrames(t *testing.T, out []byte) []serverFrame {
	t.Helper()
	fr := http2.NewFramer(nil, bytes.NewReader(out))
	var frames []serverFrame
	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("reading server frame: %v", err)
		}
		sf := serverFrame{typ: f.Header().Type, streamID: f.Header().StreamID}
		if s, ok := f.(*http2.SettingsFrame); ok {
			sf.ack = s.IsAck()
		}
		frames = append(frames, sf)
	}
}

// clientStart returns the client preface followed by an empty SETTINGS
// frame.
func clientStart() string {
	var buf bytes.Buffer
	buf.WriteString(http2.ClientPreface)
	_ = http2.NewFramer(&buf, nil).WriteSettings()
	return buf.String()
}

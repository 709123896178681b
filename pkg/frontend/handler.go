package frontend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/eventloop"
	"mercator-hq/h2edge/pkg/telemetry/logging"
	"mercator-hq/h2edge/pkg/telemetry/tracing"
	"mercator-hq/h2edge/pkg/transport"
	"mercator-hq/h2edge/pkg/upstream"
)

// State is the lifecycle stage of a client connection.
type State int

const (
	StateInit State = iota
	StateTLSHandshake
	StateProtocolDetect
	StateHTTP1
	StateHTTP2
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateProtocolDetect:
		return "protocol_detect"
	case StateHTTP1:
		return "http1"
	case StateHTTP2:
		return "http2"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// How the upstream protocol of a connection was chosen.
const (
	viaALPN    = "alpn"
	viaPreface = "preface"
	viaDefault = "default"
	viaUpgrade = "upgrade"
)

const switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n"

var clientPreface = []byte(http2.ClientPreface)

// ClientHandler drives one client connection. It selects the upstream
// protocol, performs h2c upgrades, shapes writes and lends backend
// connections from the worker to its upstream.
//
// Every method runs on the worker loop that owns the connection.
type ClientHandler struct {
	env *Env
	cfg Config
	t   transport.Transport

	id   string
	ip   string
	port string
	tls  transport.TLSState

	// alpn is set once, when the handshake completes.
	alpn string

	upstream upstream.Upstream
	state    State

	// preface holds cleartext input peeked while matching the HTTP/2
	// client preface.
	preface []byte

	renegTimer       *eventloop.Timer
	tlsRenegotiation bool

	lastWriteTime time.Time
	warmupWritten int

	shouldCloseAfterWrite bool
	closeReason           string

	// held are the backend connections currently lent to the upstream.
	held map[backend.Conn]struct{}

	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
	start  time.Time
}

// New creates the handler of the client connection t. The caller attaches
// it to the transport, which then delivers events on env.Loop.
func New(env *Env, cfg Config, t transport.Transport) *ClientHandler {
	h := &ClientHandler{
		env:   env,
		cfg:   cfg,
		t:     t,
		id:    uuid.NewString(),
		tls:   t.TLS(),
		held:  make(map[backend.Conn]struct{}),
		start: env.now(),
	}
	h.ip, h.port = splitAddr(t.RemoteAddr())

	port, _ := strconv.Atoi(h.port)
	ctx := logging.WithClientAddr(logging.WithConnID(context.Background(), h.id), h.ip)
	ctx, h.span = env.Tracer.StartConnection(ctx, tracing.ConnInfo{
		ID:         h.id,
		ClientIP:   h.ip,
		ClientPort: port,
		TLS:        h.tls != nil,
		Worker:     env.Worker,
	})
	if id := tracing.TraceID(ctx); id != "" {
		ctx = logging.WithSpanID(logging.WithTraceID(ctx, id), tracing.SpanID(ctx))
	}
	h.ctx = ctx
	h.logger = logging.Bind(env.logger(), ctx)

	if h.tls != nil {
		h.state = StateTLSHandshake
	} else {
		h.state = StateProtocolDetect
	}
	env.Metrics.ConnectionOpened(h.tls != nil)
	h.logger.Debug("connection accepted", "tls", h.tls != nil)
	return h
}

// splitAddr returns the host and port of addr.
func splitAddr(addr net.Addr) (string, string) {
	if addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return host, port
}

// ID returns the connection ID.
func (h *ClientHandler) ID() string { return h.id }

// State returns the lifecycle state.
func (h *ClientHandler) State() State { return h.state }

// ALPN returns the protocol negotiated during the TLS handshake.
func (h *ClientHandler) ALPN() string { return h.alpn }

// Upstream returns the active protocol codec, or nil before selection.
func (h *ClientHandler) Upstream() upstream.Upstream { return h.upstream }

// PendingPrefaceLen returns the number of peeked bytes still being
// matched against the HTTP/2 client preface.
func (h *ClientHandler) PendingPrefaceLen() int { return len(h.preface) }

// Context implements upstream.Handler.
func (h *ClientHandler) Context() context.Context { return h.ctx }

// ClientAddr implements upstream.Handler.
func (h *ClientHandler) ClientAddr() string { return h.ip }

// UpstreamScheme implements upstream.Handler.
func (h *ClientHandler) UpstreamScheme() string {
	if h.tls != nil {
		return "https"
	}
	return "http"
}

// BackendScheme implements upstream.Handler.
func (h *ClientHandler) BackendScheme() string { return h.env.Backend.Scheme() }

// OutputLength implements upstream.Handler.
func (h *ClientHandler) OutputLength() int { return h.t.OutputLength() }

// SetUpstreamTimeouts replaces the transport read and write timeouts.
func (h *ClientHandler) SetUpstreamTimeouts(read, write time.Duration) {
	h.t.SetTimeouts(read, write)
}

// ShouldCloseAfterWrite reports whether the connection closes once its
// output drains.
func (h *ClientHandler) ShouldCloseAfterWrite() bool { return h.shouldCloseAfterWrite }

// SetShouldCloseAfterWrite implements upstream.Handler.
func (h *ClientHandler) SetShouldCloseAfterWrite() {
	if h.shouldCloseAfterWrite {
		return
	}
	h.shouldCloseAfterWrite = true
	if h.t.OutputLength() > 0 {
		return
	}
	// Nothing left to drain, so no write completion will follow.
	h.env.Loop.Post(func() {
		if h.state < StateClosing {
			h.closeReason = "done"
			h.Close()
		}
	})
}

// OnRead implements transport.Handler.
func (h *ClientHandler) OnRead() error {
	p := h.t.Take()
	switch h.state {
	case StateClosing, StateClosed:
		return nil
	case StateInit, StateTLSHandshake:
		return &ProtocolError{Op: "read", Err: ErrHandshakeIncomplete}
	}

	var err error
	if h.state == StateProtocolDetect {
		err = h.detectPreface(p)
	} else if len(p) > 0 {
		err = h.upstream.OnRead(p)
	}
	if err != nil && h.closeReason == "" {
		h.closeReason = "protocol_error"
		h.logger.Debug("closing on read error", "error", err)
	}
	return err
}

// detectPreface peeks cleartext input until it either matches the HTTP/2
// client preface or diverges from it.
func (h *ClientHandler) detectPreface(p []byte) error {
	h.preface = append(h.preface, p...)
	n := min(len(h.preface), len(clientPreface))
	if bytes.Equal(h.preface[:n], clientPreface[:n]) && n < len(clientPreface) {
		return nil
	}

	buf := h.preface
	h.preface = nil
	if n == len(clientPreface) && bytes.Equal(buf[:n], clientPreface) {
		h.DirectHTTP2Upgrade()
	} else {
		h.setUpstream(upstream.NewHTTP1(h, h.upstreamOptions()), viaDefault)
	}
	return h.upstream.OnRead(buf)
}

// OnWrite implements transport.Handler.
func (h *ClientHandler) OnWrite() error {
	if h.state >= StateClosing {
		return nil
	}
	if h.t.OutputLength() == 0 {
		h.UpdateLastWriteTime()
	}
	if h.upstream != nil {
		if err := h.upstream.OnWrite(); err != nil {
			return err
		}
	}
	if h.shouldCloseAfterWrite && h.t.OutputLength() == 0 {
		h.closeReason = "done"
		return upstream.ErrConnectionDone
	}
	return nil
}

// OnEvent implements transport.Handler.
func (h *ClientHandler) OnEvent(ev transport.Event) error {
	if h.state >= StateClosing {
		return nil
	}
	switch ev {
	case transport.EventConnected:
		tracing.AddEvent(h.span, tracing.EventHandshake)
		return h.ValidateNextProto()
	case transport.EventRenegotiation:
		return h.onRenegotiation()
	}

	h.closeReason = ev.String()
	if h.upstream != nil {
		if err := h.upstream.OnEvent(ev); err != nil {
			return err
		}
	}
	return fmt.Errorf("frontend: %s", ev)
}

// onRenegotiation arms the timer closing the connection after the grace
// window. A renegotiation before the handshake completed is fatal.
func (h *ClientHandler) onRenegotiation() error {
	if h.tls == nil || !h.tls.HandshakeComplete() {
		h.closeReason = "renegotiation"
		return &ProtocolError{Op: "tls", Err: errors.New("renegotiation during handshake")}
	}
	if h.tlsRenegotiation {
		return nil
	}
	h.tlsRenegotiation = true
	h.logger.Info("client attempted TLS renegotiation, closing", "grace", h.cfg.RenegotiationGrace)
	tracing.AddEvent(h.span, tracing.EventRenegotiation)
	h.renegTimer = h.env.Loop.AfterFunc(h.cfg.RenegotiationGrace, func() {
		h.env.Metrics.RenegotiationClose()
		h.closeReason = "renegotiation"
		h.Close()
	})
	return nil
}

// ValidateNextProto installs the upstream matching the protocol negotiated
// by ALPN. It runs once, after the TLS handshake completed.
func (h *ClientHandler) ValidateNextProto() error {
	if h.upstream != nil {
		return &ProtocolError{Op: "alpn", Protocol: h.alpn, Err: ErrProtocolSelected}
	}
	if h.tls == nil || !h.tls.HandshakeComplete() {
		return &ProtocolError{Op: "alpn", Err: ErrHandshakeIncomplete}
	}

	proto := h.tls.NegotiatedProtocol()
	switch proto {
	case upstream.ProtocolHTTP2:
		h.setALPN(proto)
		u := upstream.NewHTTP2(h, h.upstreamOptions())
		h.setUpstream(u, viaALPN)
		u.Start()
	case upstream.ProtocolHTTP1:
		h.setALPN(proto)
		h.setUpstream(upstream.NewHTTP1(h, h.upstreamOptions()), viaALPN)
	case "":
		h.setUpstream(upstream.NewHTTP1(h, h.upstreamOptions()), viaDefault)
	default:
		h.env.Metrics.ALPNFailure()
		h.closeReason = "alpn"
		err := &ProtocolError{Op: "alpn", Protocol: proto, Err: ErrUnsupportedALPN}
		tracing.SetError(h.span, err)
		h.logger.Warn("unsupported ALPN protocol", "alpn", proto)
		return err
	}
	return nil
}

func (h *ClientHandler) setALPN(proto string) {
	h.alpn = proto
	h.ctx = logging.WithALPN(h.ctx, proto)
	h.logger = logging.Bind(h.env.logger(), h.ctx)
}

// DirectHTTP2Upgrade installs an HTTP/2 upstream on a cleartext connection
// that started with the client preface.
func (h *ClientHandler) DirectHTTP2Upgrade() {
	u := upstream.NewHTTP2(h, h.upstreamOptions())
	h.setUpstream(u, viaPreface)
	u.Start()
}

// HTTP2UpgradeAllowed implements upstream.Handler. Upgrade is only
// possible on cleartext HTTP/1.1 connections with upgrade enabled.
func (h *ClientHandler) HTTP2UpgradeAllowed() bool {
	return h.tls == nil && h.alpn == "" && h.cfg.HTTP2Upgrade && h.state == StateHTTP1
}

// PerformHTTP2Upgrade implements upstream.Handler. It answers the upgrade
// request with 101, replaces h1 with an HTTP/2 upstream serving the
// request as stream 1 and feeds it the input h1 had buffered.
func (h *ClientHandler) PerformHTTP2Upgrade(h1 *upstream.HTTP1) error {
	if cur, ok := h.upstream.(*upstream.HTTP1); !ok || cur != h1 || !h.HTTP2UpgradeAllowed() {
		return &ProtocolError{Op: "upgrade", Protocol: "h2c", Err: errors.New("upgrade not allowed")}
	}

	u, err := upstream.NewHTTP2FromUpgrade(h, h.upstreamOptions(), h1)
	if err != nil {
		h.closeReason = "upgrade"
		h.logger.Info("h2c upgrade failed", "error", err)
		return &ProtocolError{Op: "upgrade", Protocol: "h2c", Err: err}
	}

	h.Write([]byte(switchingProtocols))
	h1.Detach()
	h.setUpstream(u, viaUpgrade)
	tracing.AddEvent(h.span, tracing.EventUpgrade)
	u.Start()

	if buf := h1.TakeBuffered(); len(buf) > 0 {
		return u.OnRead(buf)
	}
	return nil
}

// UpgradeRejected implements upstream.Handler.
func (h *ClientHandler) UpgradeRejected() {
	h.env.Metrics.UpgradeRejected()
	tracing.AddEvent(h.span, tracing.EventUpgradeRejected)
	h.logger.Debug("h2c upgrade not allowed on this connection",
		"tls", h.tls != nil, "alpn", h.alpn, "enabled", h.cfg.HTTP2Upgrade)
}

func (h *ClientHandler) setUpstream(u upstream.Upstream, via string) {
	h.upstream = u
	if u.Protocol() == upstream.ProtocolHTTP2 {
		h.state = StateHTTP2
	} else {
		h.state = StateHTTP1
	}
	h.t.SetTimeouts(h.cfg.ReadTimeout, h.cfg.WriteTimeout)
	h.env.Metrics.ProtocolSelected(u.Protocol(), via)
	tracing.SetProtocolAttributes(h.span, h.alpn, u.Protocol(), via)
	h.logger.Debug("protocol selected", "protocol", u.Protocol(), "via", via)
}

func (h *ClientHandler) upstreamOptions() upstream.Options {
	opts := h.cfg.Upstream
	opts.Logger = h.logger
	opts.Now = h.env.now
	return opts
}

// GetDownstreamConnection implements upstream.Handler. A pooled connection
// is preferred; a new one is only created while the connect breaker lets
// the target through.
func (h *ClientHandler) GetDownstreamConnection() (backend.Conn, error) {
	if h.state >= StateClosing {
		return nil, backend.ErrConnClosed
	}
	g := h.env.Backend
	if c, ok := g.Pool.Acquire(g.Target); ok {
		h.held[c] = struct{}{}
		h.env.Metrics.BackendAcquire("pooled")
		return c, nil
	}
	if g.Blocker.Blocked(g.Target) {
		h.env.Metrics.BackendAcquire("blocked")
		tracing.AddEvent(h.span, tracing.EventBackendBlocked,
			attribute.String(tracing.AttrServerAddress, g.Target))
		h.logger.Debug("backend connect blocked", "target", g.Target)
		return nil, backend.ErrConnectBlocked
	}
	c := g.NewConn()
	h.held[c] = struct{}{}
	h.env.Metrics.BackendAcquire("new")
	return c, nil
}

// PoolDownstreamConnection implements upstream.Handler. Connections this
// handler no longer holds are ignored.
func (h *ClientHandler) PoolDownstreamConnection(c backend.Conn) {
	if _, ok := h.held[c]; !ok {
		return
	}
	delete(h.held, c)
	if !h.env.Backend.Pool.Release(c) {
		h.env.Metrics.BackendDiscarded()
	}
}

// RemoveDownstreamConnection implements upstream.Handler.
func (h *ClientHandler) RemoveDownstreamConnection(c backend.Conn) {
	if _, ok := h.held[c]; !ok {
		return
	}
	delete(h.held, c)
	h.env.Backend.Pool.Evict(c)
	h.env.Metrics.BackendDiscarded()
}

// HeldConnections returns the number of backend connections lent to this
// connection.
func (h *ClientHandler) HeldConnections() int { return len(h.held) }

// WriteAccessLog implements upstream.Handler.
func (h *ClientHandler) WriteAccessLog(tx accesslog.Transaction) {
	rec := accesslog.NewRecord(accesslog.Conn{
		ID:         h.id,
		ClientIP:   h.ip,
		ClientPort: h.port,
		ALPN:       h.alpn,
	}, tx, h.env.now())
	h.env.sink().Write(rec)
	h.env.Metrics.RecordTransaction(h.protocol(), tx.Status, tx.BodyBytes, rec.Duration)
}

// WriteAccessLogStatus implements upstream.Handler.
func (h *ClientHandler) WriteAccessLogStatus(major, minor, status int, bytes int64) {
	h.WriteAccessLog(accesslog.Transaction{
		ProtoMajor: major,
		ProtoMinor: minor,
		Status:     status,
		BodyBytes:  bytes,
	})
}

// detectedProtocol returns the negotiated ALPN protocol, or the protocol
// of the active upstream on cleartext connections.
func (h *ClientHandler) detectedProtocol() string {
	if h.alpn != "" || h.upstream == nil {
		return h.alpn
	}
	return h.upstream.Protocol()
}

func (h *ClientHandler) protocol() string {
	if h.upstream == nil {
		return "none"
	}
	return h.upstream.Protocol()
}

// Close implements transport.Handler. It abandons in-flight transactions,
// discards the backend connections still held and closes the transport.
// It is idempotent.
func (h *ClientHandler) Close() {
	if h.state >= StateClosing {
		return
	}
	h.state = StateClosing

	h.renegTimer.Stop()
	if h.upstream != nil {
		h.upstream.Close()
	}
	for c := range h.held {
		h.env.Backend.Pool.Evict(c)
		h.env.Metrics.BackendDiscarded()
	}
	clear(h.held)
	h.preface = nil
	_ = h.t.Close()

	lifetime := h.env.now().Sub(h.start)
	reason := h.closeReason
	if reason == "" {
		reason = "closed"
	}
	h.env.Metrics.ConnectionClosed(h.detectedProtocol(), lifetime)
	h.span.SetAttributes(attribute.String(tracing.AttrCloseReason, reason))
	h.span.End()
	h.logger.Debug("connection closed", "reason", reason, "lifetime", lifetime)
	h.state = StateClosed
	if h.env.OnClose != nil {
		h.env.OnClose(h)
	}
}

var (
	_ transport.Handler = (*ClientHandler)(nil)
	_ upstream.Handler  = (*ClientHandler)(nil)
)

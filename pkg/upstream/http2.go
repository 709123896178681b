package upstream

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/backend"
	"mercator-hq/h2edge/pkg/transport"
)

const (
	frameHeaderLen = 9

	// maxReadFrameSize is the SETTINGS_MAX_FRAME_SIZE advertised to clients.
	maxReadFrameSize = 16384

	initialWindowSize   = 65535
	maxWindowSize       = 1<<31 - 1
	initialHeaderTable  = 4096
	defaultPeerMaxFrame = 16384
)

// HTTP2 is the HTTP/2 upstream codec.
//
// Input is accumulated until a complete frame (or a complete header block
// of HEADERS and CONTINUATION frames) is buffered and only then handed to
// the framer, so partial reads never block. Output frames are collected in
// a buffer and flushed to the handler after each batch.
type HTTP2 struct {
	h      Handler
	opts   Options
	logger *slog.Logger

	in          []byte
	prefaceRead bool
	sawSettings bool
	src         bytes.Reader
	framer      *http2.Framer
	wbuf        bytes.Buffer
	henc        *hpack.Encoder
	hbuf        bytes.Buffer

	streams      map[uint32]*h2stream
	sendQueue    []*h2stream
	lastStreamID uint32

	peerMaxFrameSize  uint32
	peerInitialWindow int32
	connSendWindow    int32

	// upgradeStream is the stream carrying the h2c upgrade request until
	// Start dispatches it.
	upgradeStream *h2stream

	peerGoAway bool
	dead       bool
	closed     bool
}

type h2stream struct {
	id           uint32
	req          *request
	body         []byte
	remoteClosed bool
	dispatched   bool
	rejected     bool
	done         bool

	sendWindow int32
	pending    []byte
	status     int
	bodyBytes  int64
	start      time.Time
}

// NewHTTP2 creates an HTTP/2 upstream for h. Start must be called before
// the first OnRead.
func NewHTTP2(h Handler, opts Options) *HTTP2 {
	u := &HTTP2{
		h:                 h,
		opts:              opts,
		logger:            opts.logger().With("upstream", ProtocolHTTP2),
		streams:           make(map[uint32]*h2stream),
		peerMaxFrameSize:  defaultPeerMaxFrame,
		peerInitialWindow: initialWindowSize,
		connSendWindow:    initialWindowSize,
	}
	u.framer = http2.NewFramer(&u.wbuf, &u.src)
	u.framer.ReadMetaHeaders = hpack.NewDecoder(initialHeaderTable, nil)
	u.framer.MaxHeaderListSize = uint32(opts.MaxHeaderBytes)
	u.framer.SetMaxReadFrameSize(maxReadFrameSize)
	u.henc = hpack.NewEncoder(&u.hbuf)
	return u
}

// NewHTTP2FromUpgrade creates an HTTP/2 upstream taking over the h2c
// upgrade request of h1 as stream 1. The peer settings carried in the
// HTTP2-Settings header are applied.
func NewHTTP2FromUpgrade(h Handler, opts Options, h1 *HTTP1) (*HTTP2, error) {
	r := h1.upgradeReq
	if r == nil {
		return nil, errors.New("upstream: no upgrade request")
	}

	u := NewHTTP2(h, opts)
	if err := u.applyUpgradeSettings(r.header.Get("Http2-Settings")); err != nil {
		return nil, err
	}

	header := r.header.Clone()
	stripUpgrade(header)
	st := &h2stream{
		id: 1,
		req: &request{
			method:     r.method,
			requestURI: r.requestURI,
			authority:  r.authority,
			header:     header,
			body:       r.body,
		},
		remoteClosed: true,
		sendWindow:   u.peerInitialWindow,
		start:        opts.now(),
	}
	u.streams[1] = st
	u.lastStreamID = 1
	u.upgradeStream = st
	return u, nil
}

// applyUpgradeSettings applies the SETTINGS payload carried base64url
// encoded in the HTTP2-Settings header of an upgrade request.
func (u *HTTP2) applyUpgradeSettings(v string) error {
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHTTP2Settings, err)
	}
	if len(payload)%6 != 0 {
		return fmt.Errorf("%w: payload of %d bytes", ErrBadHTTP2Settings, len(payload))
	}
	for i := 0; i < len(payload); i += 6 {
		s := http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(payload[i:])),
			Val: binary.BigEndian.Uint32(payload[i+2:]),
		}
		if err := s.Valid(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadHTTP2Settings, err)
		}
		if err := u.applySetting(s); err != nil {
			return fmt.Errorf("%w: %v", ErrBadHTTP2Settings, err)
		}
	}
	return nil
}

// Protocol implements Upstream.
func (u *HTTP2) Protocol() string { return ProtocolHTTP2 }

// Start writes the server connection preface and dispatches the upgrade
// request, if any.
func (u *HTTP2) Start() {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: u.opts.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: maxReadFrameSize},
	}
	if u.opts.MaxHeaderBytes > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: uint32(u.opts.MaxHeaderBytes)})
	}
	if err := u.framer.WriteSettings(settings...); err != nil {
		u.logger.Error("failed to encode settings", "error", err)
	}
	u.flush()

	if st := u.upgradeStream; st != nil {
		u.upgradeStream = nil
		u.dispatch(st)
		u.flush()
	}
}

// OnRead implements Upstream.
func (u *HTTP2) OnRead(p []byte) error {
	if u.closed || u.dead {
		return nil
	}
	u.in = append(u.in, p...)

	if !u.prefaceRead {
		n := min(len(u.in), len(http2.ClientPreface))
		if !bytes.Equal(u.in[:n], []byte(http2.ClientPreface)[:n]) {
			return ErrBadPreface
		}
		if n < len(http2.ClientPreface) {
			return nil
		}
		u.in = u.in[len(http2.ClientPreface):]
		u.prefaceRead = true
	}

	for !u.dead && !u.closed {
		n, err := u.nextFrameLen()
		if err != nil {
			u.goAway(http2.ErrCodeFrameSize, err)
			break
		}
		if n == 0 {
			break
		}

		u.src.Reset(u.in[:n])
		f, err := u.framer.ReadFrame()
		u.in = u.in[n:]
		if err != nil {
			u.handleReadError(err)
			continue
		}
		if err := u.processFrame(f); err != nil {
			return err
		}
	}

	if len(u.in) == 0 {
		u.in = nil
	}
	u.flush()
	return nil
}

// nextFrameLen returns the length of the next complete frame in the input,
// or of a complete HEADERS plus CONTINUATION sequence. It returns 0 when
// more input is needed.
func (u *HTTP2) nextFrameLen() (int, error) {
	length, typ, flags, ok := peekFrameHeader(u.in)
	if !ok {
		return 0, nil
	}
	if length > maxReadFrameSize {
		return 0, fmt.Errorf("frame of %d bytes exceeds %d", length, maxReadFrameSize)
	}
	total := frameHeaderLen + length
	if len(u.in) < total {
		return 0, nil
	}
	if typ != http2.FrameHeaders || flags.Has(http2.FlagHeadersEndHeaders) {
		return total, nil
	}

	for {
		length, typ, flags, ok := peekFrameHeader(u.in[total:])
		if !ok {
			return 0, nil
		}
		if length > maxReadFrameSize {
			return 0, fmt.Errorf("frame of %d bytes exceeds %d", length, maxReadFrameSize)
		}
		if typ != http2.FrameContinuation {
			// The framer reports the protocol error.
			return total, nil
		}
		if len(u.in) < total+frameHeaderLen+length {
			return 0, nil
		}
		total += frameHeaderLen + length
		if flags.Has(http2.FlagContinuationEndHeaders) {
			return total, nil
		}
		if u.opts.MaxHeaderBytes > 0 && total > 2*u.opts.MaxHeaderBytes+maxReadFrameSize {
			return 0, fmt.Errorf("header block of %d bytes too large", total)
		}
	}
}

func peekFrameHeader(p []byte) (length int, typ http2.FrameType, flags http2.Flags, ok bool) {
	if len(p) < frameHeaderLen {
		return 0, 0, 0, false
	}
	length = int(p[0])<<16 | int(p[1])<<8 | int(p[2])
	return length, http2.FrameType(p[3]), http2.Flags(p[4]), true
}

func (u *HTTP2) handleReadError(err error) {
	var se http2.StreamError
	if errors.As(err, &se) {
		u.resetStream(se.StreamID, se.Code)
		return
	}
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		u.goAway(http2.ErrCode(ce), err)
		return
	}
	if errors.Is(err, http2.ErrFrameTooLarge) {
		u.goAway(http2.ErrCodeFrameSize, err)
		return
	}
	u.goAway(http2.ErrCodeProtocol, err)
}

func (u *HTTP2) processFrame(f http2.Frame) error {
	if !u.sawSettings {
		if _, ok := f.(*http2.SettingsFrame); !ok {
			u.goAway(http2.ErrCodeProtocol, fmt.Errorf("first frame is %s, not SETTINGS", f.Header().Type))
			return nil
		}
		u.sawSettings = true
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return u.processSettings(f)
	case *http2.MetaHeadersFrame:
		return u.processHeaders(f)
	case *http2.DataFrame:
		return u.processData(f)
	case *http2.WindowUpdateFrame:
		return u.processWindowUpdate(f)
	case *http2.PingFrame:
		return u.processPing(f)
	case *http2.RSTStreamFrame:
		return u.processResetStream(f)
	case *http2.GoAwayFrame:
		u.peerGoAway = true
		u.logger.Debug("client sent GOAWAY", "last_stream_id", f.LastStreamID, "code", f.ErrCode.String())
		return nil
	case *http2.PushPromiseFrame:
		u.goAway(http2.ErrCodeProtocol, errors.New("client sent PUSH_PROMISE"))
		return nil
	default:
		// PRIORITY and unknown frame types are ignored.
		return nil
	}
}

func (u *HTTP2) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		return u.applySetting(s)
	})
	if err != nil {
		u.handleReadError(err)
		return nil
	}
	if err := u.framer.WriteSettingsAck(); err != nil {
		return err
	}
	// A larger initial window can unblock streams waiting on flow control.
	u.flushData()
	return nil
}

func (u *HTTP2) applySetting(s http2.Setting) error {
	switch s.ID {
	case http2.SettingInitialWindowSize:
		if s.Val > maxWindowSize {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		delta := int64(s.Val) - int64(u.peerInitialWindow)
		for _, st := range u.streams {
			if int64(st.sendWindow)+delta > maxWindowSize {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
		}
		u.peerInitialWindow = int32(s.Val)
		for _, st := range u.streams {
			st.sendWindow += int32(delta)
		}
	case http2.SettingMaxFrameSize:
		u.peerMaxFrameSize = s.Val
	case http2.SettingHeaderTableSize:
		u.henc.SetMaxDynamicTableSize(s.Val)
	}
	return nil
}

func (u *HTTP2) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	return u.framer.WritePing(true, f.Data)
}

func (u *HTTP2) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if int64(u.connSendWindow)+inc > maxWindowSize {
			u.goAway(http2.ErrCodeFlowControl, errors.New("connection window overflow"))
			return nil
		}
		u.connSendWindow += int32(inc)
	} else if st, ok := u.streams[f.StreamID]; ok {
		if int64(st.sendWindow)+inc > maxWindowSize {
			u.resetStream(f.StreamID, http2.ErrCodeFlowControl)
			return nil
		}
		st.sendWindow += int32(inc)
	}
	u.flushData()
	return nil
}

func (u *HTTP2) processResetStream(f *http2.RSTStreamFrame) error {
	st, ok := u.streams[f.StreamID]
	if !ok {
		return nil
	}
	u.logger.Debug("client reset stream", "stream_id", f.StreamID, "code", f.ErrCode.String())
	u.abandon(st)
	return nil
}

func (u *HTTP2) processHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 == 0 {
		u.goAway(http2.ErrCodeProtocol, fmt.Errorf("client opened even stream %d", id))
		return nil
	}

	if st, ok := u.streams[id]; ok {
		// Trailers end the request; their fields are dropped.
		if st.remoteClosed || !f.StreamEnded() {
			u.resetStream(id, http2.ErrCodeProtocol)
			return nil
		}
		st.remoteClosed = true
		if !st.rejected {
			u.dispatch(st)
		}
		return nil
	}

	if id <= u.lastStreamID {
		u.goAway(http2.ErrCodeProtocol, fmt.Errorf("HEADERS on closed stream %d", id))
		return nil
	}
	u.lastStreamID = id

	if u.peerGoAway {
		return nil
	}
	if uint32(len(u.streams)) >= u.opts.MaxConcurrentStreams {
		return u.framer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
	}

	method := f.PseudoValue("method")
	path := f.PseudoValue("path")
	authority := f.PseudoValue("authority")
	if method == "" || (path == "" && method != http.MethodConnect) {
		return u.framer.WriteRSTStream(id, http2.ErrCodeProtocol)
	}

	header := make(http.Header)
	var cookies []string
	for _, hf := range f.RegularFields() {
		if hf.Name == "cookie" {
			cookies = append(cookies, hf.Value)
			continue
		}
		header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if len(cookies) > 0 {
		header.Set("Cookie", strings.Join(cookies, "; "))
	}
	if authority == "" {
		authority = header.Get("Host")
	}
	header.Del("Host")

	st := &h2stream{
		id: id,
		req: &request{
			method:     method,
			requestURI: path,
			authority:  authority,
			header:     header,
		},
		remoteClosed: f.StreamEnded(),
		sendWindow:   u.peerInitialWindow,
		start:        u.opts.now(),
	}
	u.streams[id] = st

	switch {
	case f.Truncated:
		u.reject(st, http.StatusRequestHeaderFieldsTooLarge)
		return nil
	case method == http.MethodConnect:
		u.reject(st, http.StatusNotImplemented)
		return nil
	}
	if cl, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && cl > u.opts.MaxRequestBodyBytes {
		u.reject(st, http.StatusRequestEntityTooLarge)
		return nil
	}

	if st.remoteClosed {
		u.dispatch(st)
	}
	return nil
}

func (u *HTTP2) processData(f *http2.DataFrame) error {
	id := f.StreamID
	n := f.Header().Length
	if n > 0 {
		if err := u.framer.WriteWindowUpdate(0, n); err != nil {
			return err
		}
	}

	st, ok := u.streams[id]
	if !ok {
		if id > u.lastStreamID {
			u.goAway(http2.ErrCodeProtocol, fmt.Errorf("DATA on idle stream %d", id))
		}
		return nil
	}
	if st.remoteClosed {
		u.resetStream(id, http2.ErrCodeStreamClosed)
		return nil
	}

	if f.StreamEnded() {
		st.remoteClosed = true
	}
	if st.rejected {
		return nil
	}

	st.body = append(st.body, f.Data()...)
	if int64(len(st.body)) > u.opts.MaxRequestBodyBytes {
		st.body = nil
		u.reject(st, http.StatusRequestEntityTooLarge)
		return nil
	}

	if st.remoteClosed {
		st.req.body = st.body
		u.dispatch(st)
		return nil
	}
	if n > 0 {
		return u.framer.WriteWindowUpdate(id, n)
	}
	return nil
}

func (u *HTTP2) dispatch(st *h2stream) {
	st.dispatched = true
	if st.req.body == nil {
		st.req.body = st.body
	}
	forward(u.h, st.req,
		func() bool { return !u.closed && u.streams[st.id] == st },
		func(resp *backend.Response, status int) {
			u.respond(st, resp, status)
			u.flush()
		})
}

// reject answers st with a generated error response without contacting
// the backend.
func (u *HTTP2) reject(st *h2stream, status int) {
	st.rejected = true
	st.dispatched = true
	u.respond(st, nil, status)
}

func (u *HTTP2) respond(st *h2stream, resp *backend.Response, status int) {
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

	if bodyAllowed(st.req.method, status) {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		if st.req.method != http.MethodHead {
			header.Del("Content-Length")
		}
		body = nil
	}

	st.status = status
	st.bodyBytes = int64(len(body))
	if err := u.writeHeaders(st.id, status, header, len(body) == 0); err != nil {
		u.logger.Error("failed to encode response headers", "stream_id", st.id, "error", err)
		u.resetStream(st.id, http2.ErrCodeInternal)
		return
	}

	if len(body) == 0 {
		u.closeStream(st)
		return
	}
	st.pending = body
	u.sendQueue = append(u.sendQueue, st)
	u.flushData()
}

func (u *HTTP2) writeHeaders(id uint32, status int, header http.Header, endStream bool) error {
	u.hbuf.Reset()
	if err := u.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)}); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(header)) {
		name := strings.ToLower(k)
		for _, v := range header[k] {
			if !validHeaderField(name, v) {
				continue
			}
			if err := u.henc.WriteField(hpack.HeaderField{Name: name, Value: v}); err != nil {
				return err
			}
		}
	}

	block := u.hbuf.Bytes()
	maxFrag := int(u.peerMaxFrameSize)
	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrag {
			frag = frag[:maxFrag]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0

		var err error
		if first {
			err = u.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = u.framer.WriteContinuation(id, endHeaders, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// flushData sends queued response bodies as far as flow control allows.
func (u *HTTP2) flushData() {
	kept := u.sendQueue[:0]
	for _, st := range u.sendQueue {
		if st.done {
			continue
		}
		for len(st.pending) > 0 && u.connSendWindow > 0 && st.sendWindow > 0 {
			n := min(len(st.pending), int(u.connSendWindow), int(st.sendWindow), int(u.peerMaxFrameSize))
			end := n == len(st.pending)
			if err := u.framer.WriteData(st.id, end, st.pending[:n]); err != nil {
				u.logger.Error("failed to encode data", "stream_id", st.id, "error", err)
				break
			}
			st.pending = st.pending[n:]
			u.connSendWindow -= int32(n)
			st.sendWindow -= int32(n)
		}
		if len(st.pending) == 0 {
			u.closeStream(st)
			continue
		}
		kept = append(kept, st)
	}
	u.sendQueue = kept
}

// closeStream finishes st after its response was fully queued.
func (u *HTTP2) closeStream(st *h2stream) {
	if st.done {
		return
	}
	st.done = true
	st.pending = nil
	delete(u.streams, st.id)

	if !st.remoteClosed {
		_ = u.framer.WriteRSTStream(st.id, http2.ErrCodeNo)
	}

	u.h.WriteAccessLog(st.transaction(st.status, st.bodyBytes))
}

func (st *h2stream) transaction(status int, bodyBytes int64) accesslog.Transaction {
	return accesslog.Transaction{
		Method:     st.req.method,
		Path:       st.req.requestURI,
		Authority:  st.req.authority,
		ProtoMajor: 2,
		ProtoMinor: 0,
		Status:     status,
		BodyBytes:  bodyBytes,
		Start:      st.start,
	}
}

// abandon drops st without a response.
func (u *HTTP2) abandon(st *h2stream) {
	if st.done {
		return
	}
	st.done = true
	st.pending = nil
	delete(u.streams, st.id)
	if st.dispatched {
		u.h.WriteAccessLog(st.transaction(statusClientClosed, 0))
	}
}

func (u *HTTP2) resetStream(id uint32, code http2.ErrCode) {
	if err := u.framer.WriteRSTStream(id, code); err != nil {
		u.logger.Error("failed to encode RST_STREAM", "stream_id", id, "error", err)
	}
	if st, ok := u.streams[id]; ok {
		u.abandon(st)
	}
}

// goAway sends GOAWAY and closes the connection once output drains.
func (u *HTTP2) goAway(code http2.ErrCode, cause error) {
	if u.dead {
		return
	}
	u.dead = true
	u.logger.Info("closing HTTP/2 connection", "code", code.String(), "error", cause)
	if err := u.framer.WriteGoAway(u.lastStreamID, code, nil); err != nil {
		u.logger.Error("failed to encode GOAWAY", "error", err)
	}
	u.flush()
	u.h.SetShouldCloseAfterWrite()
}

func (u *HTTP2) flush() {
	if u.wbuf.Len() == 0 || u.closed {
		u.wbuf.Reset()
		return
	}
	u.h.Write(u.wbuf.Bytes())
	u.wbuf.Reset()
}

// OnWrite implements Upstream.
func (u *HTTP2) OnWrite() error {
	return nil
}

// OnEvent implements Upstream.
func (u *HTTP2) OnEvent(ev transport.Event) error {
	return fmt.Errorf("h2 upstream: %s", ev)
}

// Close implements Upstream.
func (u *HTTP2) Close() {
	if u.closed {
		return
	}
	for _, id := range slices.Sorted(maps.Keys(u.streams)) {
		u.abandon(u.streams[id])
	}
	u.closed = true
	u.sendQueue = nil
}

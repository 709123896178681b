package upstream

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/backend"
)

func TestHTTP2_StartWritesSettings(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP2(f, f.opts)
	u.Start()

	frames := readFrames(t, f)
	if len(frames) != 1 || frames[0].typ != http2.FrameSettings || frames[0].ack {
		t.Fatalf("frames = %+v, want one SETTINGS", frames)
	}
	want := map[http2.SettingID]uint32{
		http2.SettingMaxConcurrentStreams: 4,
		http2.SettingMaxFrameSize:         16384,
		http2.SettingMaxHeaderListSize:    8192,
	}
	for id, v := range want {
		if got := frames[0].settings[id]; got != v {
			t.Errorf("%s = %d, want %d", id, got, v)
		}
	}
}

func TestHTTP2_Preface(t *testing.T) {
	t.Run("mismatch", func(t *testing.T) {
		f := newFakeHandler()
		u := NewHTTP2(f, f.opts)
		u.Start()
		if err := u.OnRead([]byte("GET / HTTP/1.1\r\n")); !errors.Is(err, ErrBadPreface) {
			t.Fatalf("OnRead() error = %v, want ErrBadPreface", err)
		}
	})

	t.Run("split across reads", func(t *testing.T) {
		f := newFakeHandler()
		u := NewHTTP2(f, f.opts)
		u.Start()
		f.out.Reset()

		c := newH2Client(t, f, u)
		c.buf.WriteString(http2.ClientPreface)
		c.fr.WriteSettings()
		c.get(1, "/split")
		input := bytes.Clone(c.buf.Bytes())

		for i := range input {
			if err := u.OnRead(input[i : i+1]); err != nil {
				t.Fatalf("OnRead() at byte %d error = %v", i, err)
			}
		}
		if len(f.requests) != 1 || f.requests[0].req.URL.Path != "/split" {
			t.Fatalf("backend requests = %+v", f.requests)
		}
	})

	t.Run("first frame not SETTINGS", func(t *testing.T) {
		f := newFakeHandler()
		u := NewHTTP2(f, f.opts)
		u.Start()
		f.out.Reset()

		c := newH2Client(t, f, u)
		c.buf.WriteString(http2.ClientPreface)
		c.fr.WritePing(false, [8]byte{})
		c.mustSend()

		goaway := framesOfType(readFrames(t, f), http2.FrameGoAway)
		if len(goaway) != 1 || goaway[0].code != http2.ErrCodeProtocol {
			t.Fatalf("GOAWAY = %+v", goaway)
		}
		if !f.closeAfterWrite {
			t.Error("connection not marked to close after GOAWAY")
		}
	})
}

func TestHTTP2_SettingsAndPing(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP2(f, f.opts)
	u.Start()
	f.out.Reset()

	c := newH2Client(t, f, u)
	c.buf.WriteString(http2.ClientPreface)
	c.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20})
	c.fr.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	c.mustSend()

	frames := readFrames(t, f)
	if len(frames) != 2 {
		t.Fatalf("frames = %+v, want SETTINGS ack and PING ack", frames)
	}
	if frames[0].typ != http2.FrameSettings || !frames[0].ack {
		t.Errorf("first frame = %+v, want SETTINGS ack", frames[0])
	}
	if frames[1].typ != http2.FramePing || !frames[1].ack ||
		!bytes.Equal(frames[1].data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("second frame = %+v, want PING ack echoing the payload", frames[1])
	}
	if u.peerInitialWindow != 1<<20 {
		t.Errorf("peer initial window = %d", u.peerInitialWindow)
	}
}

func TestHTTP2_Request(t *testing.T) {
	f := newFakeHandler()
	c := startH2(t, f)

	c.headers(1, true,
		":method", "GET", ":scheme", "https", ":path", "/x", ":authority", "example.com",
		"cookie", "a=1", "cookie", "b=2", "user-agent", "h2test")
	c.mustSend()

	if len(f.requests) != 1 {
		t.Fatalf("backend requests = %d, want 1", len(f.requests))
	}
	req := f.requests[0].req
	if req.Host != "example.com" || req.Method != "GET" || req.URL.Path != "/x" {
		t.Errorf("backend request = %s %s host %s", req.Method, req.URL, req.Host)
	}
	if got := req.Header.Get("Cookie"); got != "a=1; b=2" {
		t.Errorf("Cookie = %q, want crumbs joined", got)
	}
	if got := req.Header.Get("User-Agent"); got != "h2test" {
		t.Errorf("User-Agent = %q", got)
	}

	frames := readFrames(t, f)
	headers := framesOfType(frames, http2.FrameHeaders)
	if len(headers) != 1 {
		t.Fatalf("HEADERS frames = %+v", headers)
	}
	h := headers[0]
	if h.streamID != 1 || h.fields[":status"] != "200" || h.endStream {
		t.Errorf("response headers = %+v", h)
	}
	if h.fields["content-length"] != "8" || h.fields["content-type"] != "text/plain" {
		t.Errorf("response fields = %v", h.fields)
	}
	if _, ok := h.fields["keep-alive"]; ok {
		t.Error("connection-specific header sent over HTTP/2")
	}

	data := framesOfType(frames, http2.FrameData)
	if len(data) != 1 || string(data[0].data) != "hello /x" || !data[0].endStream {
		t.Errorf("DATA = %+v", data)
	}
	if len(framesOfType(frames, http2.FrameRSTStream)) != 0 {
		t.Error("RST_STREAM sent for a fully received request")
	}

	if len(f.logs) != 1 {
		t.Fatalf("access log entries = %d, want 1", len(f.logs))
	}
	tx := f.logs[0]
	if tx.ProtoMajor != 2 || tx.ProtoMinor != 0 || tx.Status != 200 || tx.Path != "/x" ||
		tx.Authority != "example.com" || tx.BodyBytes != 8 {
		t.Errorf("access log = %+v", tx)
	}
	if f.pooled != 1 {
		t.Errorf("pooled = %d, want 1", f.pooled)
	}
}

func TestHTTP2_RequestBody(t *testing.T) {
	f := newFakeHandler()
	c := startH2(t, f)

	c.headers(1, false, ":method", "POST", ":scheme", "https", ":path", "/upload", ":authority", "example.com")
	c.fr.WriteData(1, false, []byte("abc"))
	c.mustSend()
	if len(f.requests) != 0 {
		t.Fatal("request dispatched before END_STREAM")
	}

	updates := framesOfType(readFrames(t, f), http2.FrameWindowUpdate)
	if len(updates) != 2 {
		t.Fatalf("WINDOW_UPDATE frames = %+v, want connection and stream", updates)
	}
	for _, u := range updates {
		if u.increment != 3 {
			t.Errorf("WINDOW_UPDATE on stream %d increment = %d, want 3", u.streamID, u.increment)
		}
	}

	c.fr.WriteData(1, true, []byte("def"))
	c.mustSend()
	if len(f.requests) != 1 {
		t.Fatalf("backend requests = %d, want 1", len(f.requests))
	}
	if got := string(f.requests[0].body); got != "abcdef" {
		t.Errorf("backend body = %q", got)
	}
	if f.requests[0].req.Method != "POST" {
		t.Errorf("backend method = %s", f.requests[0].req.Method)
	}
}

func TestHTTP2_RequestBodyTooLarge(t *testing.T) {
	f := newFakeHandler()
	f.opts.MaxRequestBodyBytes = 4
	c := startH2(t, f)

	c.headers(1, false, ":method", "POST", ":scheme", "https", ":path", "/", ":authority", "x")
	c.fr.WriteData(1, false, []byte("too large"))
	c.mustSend()

	frames := readFrames(t, f)
	headers := framesOfType(frames, http2.FrameHeaders)
	if len(headers) != 1 || headers[0].fields[":status"] != "413" {
		t.Fatalf("response headers = %+v", headers)
	}
	rst := framesOfType(frames, http2.FrameRSTStream)
	if len(rst) != 1 || rst[0].code != http2.ErrCodeNo {
		t.Errorf("RST_STREAM = %+v, want NO_ERROR after early response", rst)
	}
	if len(f.requests) != 0 {
		t.Error("oversized request reached the backend")
	}
}

func TestHTTP2_RefusedStream(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	c := startH2(t, f)

	for _, id := range []uint32{1, 3, 5, 7, 9} {
		c.get(id, "/s")
	}
	c.mustSend()

	if len(f.requests) != 4 {
		t.Fatalf("backend requests = %d, want 4", len(f.requests))
	}
	rst := framesOfType(readFrames(t, f), http2.FrameRSTStream)
	if len(rst) != 1 || rst[0].streamID != 9 || rst[0].code != http2.ErrCodeRefusedStream {
		t.Fatalf("RST_STREAM = %+v, want REFUSED_STREAM on 9", rst)
	}

	f.release()
	if got := len(framesOfType(readFrames(t, f), http2.FrameHeaders)); got != 4 {
		t.Errorf("responses = %d, want 4", got)
	}

	// Completed streams free their slots.
	c.get(11, "/again")
	c.mustSend()
	if len(f.requests) != 5 {
		t.Errorf("backend requests = %d, want 5", len(f.requests))
	}
}

func TestHTTP2_FlowControl(t *testing.T) {
	f := newFakeHandler()
	f.respond = func(*http.Request) (*backend.Response, error) {
		return okResponse("0123456789"), nil
	}
	c := startH2(t, f, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4})

	c.get(1, "/fc")
	c.mustSend()

	data := framesOfType(readFrames(t, f), http2.FrameData)
	if len(data) != 1 || string(data[0].data) != "0123" || data[0].endStream {
		t.Fatalf("DATA = %+v, want 4 bytes limited by the stream window", data)
	}
	if len(f.logs) != 0 {
		t.Error("stream logged before its response was sent")
	}

	c.fr.WriteWindowUpdate(1, 10)
	c.mustSend()

	data = framesOfType(readFrames(t, f), http2.FrameData)
	if len(data) != 1 || string(data[0].data) != "456789" || !data[0].endStream {
		t.Fatalf("DATA after WINDOW_UPDATE = %+v", data)
	}
	if len(f.logs) != 1 || f.logs[0].BodyBytes != 10 {
		t.Errorf("access log = %+v", f.logs)
	}
}

func TestHTTP2_SettingsWindowRaiseResumesData(t *testing.T) {
	f := newFakeHandler()
	f.respond = func(*http.Request) (*backend.Response, error) {
		return okResponse("0123456789"), nil
	}
	c := startH2(t, f, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4})

	c.get(1, "/fc")
	c.mustSend()
	if data := framesOfType(readFrames(t, f), http2.FrameData); len(data) != 1 || string(data[0].data) != "0123" {
		t.Fatalf("DATA = %+v, want 4 bytes limited by the stream window", data)
	}

	c.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 65535})
	c.mustSend()

	data := framesOfType(readFrames(t, f), http2.FrameData)
	if len(data) != 1 || string(data[0].data) != "456789" || !data[0].endStream {
		t.Fatalf("DATA after SETTINGS = %+v, want the rest of the body", data)
	}
	if len(f.logs) != 1 || f.logs[0].BodyBytes != 10 {
		t.Errorf("access log = %+v", f.logs)
	}
}

func TestHTTP2_SettingsWindowOverflow(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	c := startH2(t, f, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4})

	c.get(1, "/slow")
	c.fr.WriteWindowUpdate(1, maxWindowSize-4)
	c.mustSend()
	readFrames(t, f)

	c.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 5})
	c.mustSend()

	goaway := framesOfType(readFrames(t, f), http2.FrameGoAway)
	if len(goaway) != 1 || goaway[0].code != http2.ErrCodeFlowControl {
		t.Fatalf("GOAWAY = %+v, want FLOW_CONTROL_ERROR", goaway)
	}
	if !f.closeAfterWrite {
		t.Error("connection not marked to close")
	}
}

func TestHTTP2_LargeHeadersUseContinuation(t *testing.T) {
	f := newFakeHandler()
	f.respond = func(*http.Request) (*backend.Response, error) {
		resp := okResponse("")
		resp.Header.Set("X-Large", strings.Repeat("a", 40000))
		return resp, nil
	}
	c := startH2(t, f)
	c.get(1, "/big")
	c.mustSend()

	fr := http2.NewFramer(nil, bytes.NewReader(bytes.Clone(f.out.Bytes())))
	first, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	hf, ok := first.(*http2.HeadersFrame)
	if !ok || hf.HeadersEnded() {
		t.Fatalf("first frame = %v, want HEADERS without END_HEADERS", first)
	}
	if !hf.StreamEnded() {
		t.Error("empty response should end the stream on HEADERS")
	}
	next, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if next.Header().Type != http2.FrameContinuation {
		t.Fatalf("second frame = %v, want CONTINUATION", next)
	}
}

func TestHTTP2_ClientReset(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	c := startH2(t, f)

	c.get(1, "/slow")
	c.fr.WriteRSTStream(1, http2.ErrCodeCancel)
	c.mustSend()

	if len(f.logs) != 1 || f.logs[0].Status != statusClientClosed || f.logs[0].Path != "/slow" {
		t.Errorf("access log = %+v, want the reset stream as abandoned", f.logs)
	}

	f.release()
	if len(framesOfType(readFrames(t, f), http2.FrameHeaders)) != 0 {
		t.Error("response sent on a reset stream")
	}
	if f.pooled != 1 {
		t.Errorf("pooled = %d, want 1", f.pooled)
	}
}

func TestHTTP2_ProtocolErrors(t *testing.T) {
	t.Run("even stream id", func(t *testing.T) {
		f := newFakeHandler()
		c := startH2(t, f)
		c.get(2, "/")
		c.mustSend()

		goaway := framesOfType(readFrames(t, f), http2.FrameGoAway)
		if len(goaway) != 1 || goaway[0].code != http2.ErrCodeProtocol {
			t.Fatalf("GOAWAY = %+v", goaway)
		}
		if !f.closeAfterWrite {
			t.Error("connection not marked to close")
		}
	})

	t.Run("stream id reuse", func(t *testing.T) {
		f := newFakeHandler()
		c := startH2(t, f)
		c.get(3, "/")
		c.get(1, "/")
		c.mustSend()

		goaway := framesOfType(readFrames(t, f), http2.FrameGoAway)
		if len(goaway) != 1 || goaway[0].lastID != 3 {
			t.Fatalf("GOAWAY = %+v", goaway)
		}
	})

	t.Run("oversized frame", func(t *testing.T) {
		f := newFakeHandler()
		c := startH2(t, f)
		c.fr.WriteData(1, false, make([]byte, 20000))
		c.mustSend()

		goaway := framesOfType(readFrames(t, f), http2.FrameGoAway)
		if len(goaway) != 1 || goaway[0].code != http2.ErrCodeFrameSize {
			t.Fatalf("GOAWAY = %+v", goaway)
		}
	})
}

func TestHTTP2_BackendBlocked(t *testing.T) {
	f := newFakeHandler()
	f.getErr = backend.ErrConnectBlocked
	c := startH2(t, f)
	c.get(1, "/")
	c.mustSend()

	frames := readFrames(t, f)
	headers := framesOfType(frames, http2.FrameHeaders)
	if len(headers) != 1 || headers[0].fields[":status"] != "503" {
		t.Fatalf("response headers = %+v", headers)
	}
	data := framesOfType(frames, http2.FrameData)
	if len(data) != 1 || !strings.Contains(string(data[0].data), "503 Service Unavailable") {
		t.Errorf("error page = %+v", data)
	}
}

func TestHTTP2_CloseAbandonsStreams(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	c := startH2(t, f)
	c.get(1, "/a")
	c.get(3, "/b")
	c.mustSend()

	c.u.Close()
	if len(f.logs) != 2 {
		t.Fatalf("access log = %+v, want two abandoned streams", f.logs)
	}
	paths := map[string]bool{}
	for _, tx := range f.logs {
		if tx.Status != statusClientClosed || tx.ProtoMajor != 2 {
			t.Errorf("abandoned transaction = %+v", tx)
		}
		paths[tx.Path] = true
	}
	if !paths["/a"] || !paths["/b"] {
		t.Errorf("abandoned paths = %v, want /a and /b", paths)
	}
	f.out.Reset()
	f.release()
	if f.out.Len() != 0 {
		t.Error("output written after close")
	}
	if err := c.u.OnRead([]byte{0}); err != nil {
		t.Errorf("OnRead() after close error = %v", err)
	}
}

func TestApplyUpgradeSettings(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
		window  int32
	}{
		{name: "valid", value: "AAMAAABkAAQAAP__", window: 65535},
		{name: "truncated pair", value: "AAMAAA==", wantErr: true},
		{name: "empty", value: "", window: initialWindowSize},
		{name: "bad base64", value: "!!!", wantErr: true},
		{name: "window too large", value: "AASAAAAA", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewHTTP2(newFakeHandler(), Options{})
			err := u.applyUpgradeSettings(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applyUpgradeSettings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrBadHTTP2Settings) {
					t.Errorf("error %v does not wrap ErrBadHTTP2Settings", err)
				}
				return
			}
			if u.peerInitialWindow != tt.window {
				t.Errorf("peer initial window = %d, want %d", u.peerInitialWindow, tt.window)
			}
		})
	}
}

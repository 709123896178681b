package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/backend"
)

func TestHTTP1_SimpleRequest(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)

	err := u.OnRead([]byte("GET /a HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive, X-Trace\r\n" +
		"X-Trace: 1\r\nUser-Agent: test\r\n\r\n"))
	if err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}

	if len(f.requests) != 1 {
		t.Fatalf("backend requests = %d, want 1", len(f.requests))
	}
	req := f.requests[0].req
	if req.Host != "example.com" {
		t.Errorf("backend Host = %q, want example.com", req.Host)
	}
	if req.URL.Host != "backend.internal:8080" || req.URL.Path != "/a" {
		t.Errorf("backend URL = %s", req.URL)
	}
	if got := req.Header.Get("X-Forwarded-For"); got != "203.0.113.5" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := req.Header.Get("X-Forwarded-Proto"); got != "https" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if req.Header.Get("X-Trace") != "" || req.Header.Get("Connection") != "" {
		t.Errorf("hop-by-hop headers forwarded: %v", req.Header)
	}
	if req.Header.Get("User-Agent") != "test" {
		t.Errorf("User-Agent not forwarded")
	}

	resps := readResponses(t, f.out.Bytes(), "GET")
	if resps[0].StatusCode != http.StatusOK || resps[0].body != "hello /a" {
		t.Errorf("response = %d %q", resps[0].StatusCode, resps[0].body)
	}
	if resps[0].Header.Get("Keep-Alive") != "" {
		t.Error("backend Keep-Alive header leaked to the client")
	}
	if f.closeAfterWrite {
		t.Error("keep-alive connection marked to close")
	}
	if f.pooled != 1 {
		t.Errorf("pooled = %d, want 1", f.pooled)
	}

	if len(f.logs) != 1 {
		t.Fatalf("access log entries = %d, want 1", len(f.logs))
	}
	tx := f.logs[0]
	if tx.Method != "GET" || tx.Path != "/a" || tx.Authority != "example.com" ||
		tx.Status != 200 || tx.BodyBytes != 8 || tx.ProtoMajor != 1 || tx.ProtoMinor != 1 {
		t.Errorf("access log = %+v", tx)
	}
}

func TestHTTP1_PartialReads(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)

	raw := "POST /p HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world"
	for i := 0; i < len(raw)-1; i++ {
		if err := u.OnRead([]byte{raw[i]}); err != nil {
			t.Fatalf("OnRead() at byte %d error = %v", i, err)
		}
	}
	if len(f.requests) != 0 {
		t.Fatal("request dispatched before it was complete")
	}
	if err := u.OnRead([]byte{raw[len(raw)-1]}); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if len(f.requests) != 1 {
		t.Fatalf("backend requests = %d, want 1", len(f.requests))
	}
	if got := string(f.requests[0].body); got != "hello world" {
		t.Errorf("backend body = %q", got)
	}
}

func TestHTTP1_Pipelining(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	u := NewHTTP1(f, f.opts)

	err := u.OnRead([]byte("GET /1 HTTP/1.1\r\nHost: x\r\n\r\nGET /2 HTTP/1.1\r\nHost: x\r\n\r\n"))
	if err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if len(f.requests) != 1 {
		t.Fatalf("second request dispatched before the first response: %d", len(f.requests))
	}

	f.release()
	if len(f.requests) != 2 {
		t.Fatalf("backend requests = %d, want 2", len(f.requests))
	}
	f.release()

	resps := readResponses(t, f.out.Bytes(), "GET", "GET")
	if resps[0].body != "hello /1" || resps[1].body != "hello /2" {
		t.Errorf("responses out of order: %q, %q", resps[0].body, resps[1].body)
	}
}

func TestHTTP1_RejectedRequests(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status int
	}{
		{
			name:   "malformed request line",
			input:  "BAD\r\n\r\n",
			status: http.StatusBadRequest,
		},
		{
			name:   "header too large",
			input:  "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 9000),
			status: http.StatusRequestHeaderFieldsTooLarge,
		},
		{
			name:   "body too large",
			input:  "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 100000\r\n\r\n",
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeHandler()
			u := NewHTTP1(f, f.opts)

			if err := u.OnRead([]byte(tt.input)); err != nil {
				t.Fatalf("OnRead() error = %v", err)
			}
			resps := readResponses(t, f.out.Bytes(), "GET")
			if resps[0].StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resps[0].StatusCode, tt.status)
			}
			if !strings.Contains(resps[0].body, "<address>h2edge</address>") {
				t.Errorf("error page = %q", resps[0].body)
			}
			if !f.closeAfterWrite {
				t.Error("connection not marked to close after an error response")
			}
			if len(f.requests) != 0 {
				t.Error("rejected request reached the backend")
			}
			if len(f.statusLogs) != 1 || f.statusLogs[0] != tt.status {
				t.Errorf("status logs = %v", f.statusLogs)
			}

			f.out.Reset()
			if err := u.OnRead([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
				t.Fatalf("OnRead() after close error = %v", err)
			}
			if f.out.Len() != 0 {
				t.Error("input processed after the connection started closing")
			}
		})
	}
}

func TestHTTP1_ConnectionClose(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		proto  string
		header string
	}{
		{"HTTP/1.1 close", "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n", "HTTP/1.1", "close"},
		{"HTTP/1.0 default", "GET / HTTP/1.0\r\n\r\n", "HTTP/1.0", "close"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeHandler()
			u := NewHTTP1(f, f.opts)
			if err := u.OnRead([]byte(tt.input)); err != nil {
				t.Fatalf("OnRead() error = %v", err)
			}
			if !strings.HasPrefix(f.out.String(), tt.proto+" 200 OK\r\n") {
				t.Errorf("status line = %q", strings.SplitN(f.out.String(), "\r\n", 2)[0])
			}
			resps := readResponses(t, f.out.Bytes(), "GET")
			if got := resps[0].Header.Get("Connection"); got != tt.header {
				t.Errorf("Connection = %q, want %q", got, tt.header)
			}
			if !f.closeAfterWrite {
				t.Error("connection not marked to close")
			}
		})
	}
}

func TestHTTP1_HTTP10KeepAlive(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)
	if err := u.OnRead([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	resps := readResponses(t, f.out.Bytes(), "GET")
	if got := resps[0].Header.Get("Connection"); got != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", got)
	}
	if f.closeAfterWrite {
		t.Error("keep-alive HTTP/1.0 connection marked to close")
	}
}

func TestHTTP1_BackendFailures(t *testing.T) {
	tests := []struct {
		name        string
		getErr      error
		rtErr       error
		status      int
		wantRemoved int
	}{
		{name: "connect blocked", getErr: backend.ErrConnectBlocked, status: http.StatusServiceUnavailable},
		{name: "dial failure", getErr: &backend.DialError{Target: "b:80", Err: errors.New("refused")}, status: http.StatusBadGateway},
		{name: "round trip failure", rtErr: errors.New("connection reset"), status: http.StatusBadGateway, wantRemoved: 1},
		{name: "round trip timeout", rtErr: context.DeadlineExceeded, status: http.StatusGatewayTimeout, wantRemoved: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeHandler()
			f.getErr = tt.getErr
			if tt.rtErr != nil {
				f.respond = func(*http.Request) (*backend.Response, error) { return nil, tt.rtErr }
			}
			u := NewHTTP1(f, f.opts)
			if err := u.OnRead([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
				t.Fatalf("OnRead() error = %v", err)
			}

			resps := readResponses(t, f.out.Bytes(), "GET")
			if resps[0].StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resps[0].StatusCode, tt.status)
			}
			if f.removed != tt.wantRemoved {
				t.Errorf("removed = %d, want %d", f.removed, tt.wantRemoved)
			}
			if f.closeAfterWrite {
				t.Error("backend failure must not close the client connection")
			}
			if len(f.logs) != 1 || f.logs[0].Status != tt.status {
				t.Errorf("access log = %+v", f.logs)
			}
		})
	}
}

func TestHTTP1_HeadResponseHasNoBody(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)
	if err := u.OnRead([]byte("HEAD /h HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	resps := readResponses(t, f.out.Bytes(), "HEAD")
	if resps[0].body != "" {
		t.Errorf("HEAD response carried a body: %q", resps[0].body)
	}
}

func TestHTTP1_ExpectContinue(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)

	if err := u.OnRead([]byte("POST /c HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if got := f.out.String(); got != "HTTP/1.1 100 Continue\r\n\r\n" {
		t.Fatalf("interim response = %q", got)
	}
	f.out.Reset()

	if err := u.OnRead([]byte("data")); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if len(f.requests) != 1 || string(f.requests[0].body) != "data" {
		t.Fatalf("backend requests = %+v", f.requests)
	}
	if f.requests[0].req.Header.Get("Expect") != "" {
		t.Error("Expect header forwarded to the backend")
	}
	readResponses(t, f.out.Bytes(), "POST")
}

func TestHTTP1_CloseAbandonsInFlight(t *testing.T) {
	f := newFakeHandler()
	f.hold = true
	u := NewHTTP1(f, f.opts)

	if err := u.OnRead([]byte("GET /slow?x=1 HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	u.Close()
	if len(f.logs) != 1 {
		t.Fatalf("access log = %+v, want one abandoned transaction", f.logs)
	}
	got := f.logs[0]
	if got.Status != statusClientClosed || got.Method != http.MethodGet || got.Path != "/slow?x=1" ||
		got.Authority != "x" || got.ProtoMinor != 1 || got.Start.IsZero() {
		t.Errorf("abandoned transaction = %+v", got)
	}

	f.release()
	if f.out.Len() != 0 {
		t.Errorf("response written after close: %q", f.out.String())
	}
	if f.pooled != 1 {
		t.Errorf("pooled = %d, want the finished backend connection returned", f.pooled)
	}
	if len(f.logs) != 1 {
		t.Errorf("abandoned transaction logged twice: %+v", f.logs)
	}
}

func TestHTTP1_InputLimit(t *testing.T) {
	f := newFakeHandler()
	f.opts.MaxHeaderBytes = 16
	f.opts.MaxRequestBodyBytes = 16
	u := NewHTTP1(f, f.opts)

	err := u.OnRead([]byte(strings.Repeat("x", 64)))
	if !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("OnRead() error = %v, want ErrInputTooLarge", err)
	}
}

const upgradeRequest = "GET /up HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade, HTTP2-Settings\r\n" +
	"Upgrade: h2c\r\nHTTP2-Settings: AAMAAABkAAQAAP__\r\n\r\n"

func TestHTTP1_H2CUpgradeRejected(t *testing.T) {
	f := newFakeHandler()
	u := NewHTTP1(f, f.opts)

	if err := u.OnRead([]byte(upgradeRequest)); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if f.rejected != 1 {
		t.Errorf("UpgradeRejected calls = %d, want 1", f.rejected)
	}
	if f.h2 != nil {
		t.Fatal("upgrade performed although it was not allowed")
	}

	req := f.requests[0].req
	for _, name := range []string{"Upgrade", "Http2-Settings", "Connection"} {
		if v := req.Header.Get(name); v != "" {
			t.Errorf("%s forwarded as %q", name, v)
		}
	}
	resps := readResponses(t, f.out.Bytes(), "GET")
	if resps[0].StatusCode != http.StatusOK || resps[0].ProtoMajor != 1 {
		t.Errorf("response = %s", resps[0].Status)
	}
}

func TestHTTP1_H2CUpgrade(t *testing.T) {
	f := newFakeHandler()
	f.upgradeAllowed = true
	u := NewHTTP1(f, f.opts)

	// The client preface and SETTINGS follow the upgrade request in the
	// same read.
	var client h2client
	client.fr = http2.NewFramer(&client.buf, nil)
	client.buf.WriteString(http2.ClientPreface)
	client.fr.WriteSettings()

	if err := u.OnRead(append([]byte(upgradeRequest), client.buf.Bytes()...)); err != nil {
		t.Fatalf("OnRead() error = %v", err)
	}
	if f.h2 == nil {
		t.Fatal("upgrade not performed")
	}

	out := f.out.String()
	if !strings.HasPrefix(out, switchingProtocols) {
		t.Fatalf("output does not start with 101: %q", out)
	}
	f.out.Reset()
	f.out.WriteString(strings.TrimPrefix(out, switchingProtocols))

	frames := readFrames(t, f)
	if len(frames) == 0 || frames[0].typ != http2.FrameSettings || frames[0].ack {
		t.Fatalf("first frame after 101 is not the server SETTINGS: %+v", frames)
	}

	headers := framesOfType(frames, http2.FrameHeaders)
	if len(headers) != 1 || headers[0].streamID != 1 || headers[0].fields[":status"] != "200" {
		t.Fatalf("stream 1 response headers = %+v", headers)
	}
	data := framesOfType(frames, http2.FrameData)
	if len(data) != 1 || string(data[0].data) != "hello /up" || !data[0].endStream {
		t.Fatalf("stream 1 data = %+v", data)
	}

	var acked bool
	for _, fr := range framesOfType(frames, http2.FrameSettings) {
		acked = acked || fr.ack
	}
	if !acked {
		t.Error("client SETTINGS sent after the upgrade were not acknowledged")
	}

	req := f.requests[0].req
	if req.Header.Get("Upgrade") != "" || req.Header.Get("Http2-Settings") != "" {
		t.Error("upgrade headers forwarded to the backend")
	}
	if len(f.logs) != 1 || f.logs[0].ProtoMajor != 2 || f.logs[0].Path != "/up" {
		t.Errorf("access log = %+v", f.logs)
	}
	if len(f.statusLogs) != 0 {
		t.Errorf("upgrade request logged as abandoned: %v", f.statusLogs)
	}

	// The HTTP/1 codec is detached and ignores further input.
	if err := u.OnRead([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("OnRead() on detached codec error = %v", err)
	}
}

func TestHTTP1_H2CUpgradeBadSettings(t *testing.T) {
	f := newFakeHandler()
	f.upgradeAllowed = true
	u := NewHTTP1(f, f.opts)

	req := strings.Replace(upgradeRequest, "AAMAAABkAAQAAP__", "AASAAAAA", 1)
	err := u.OnRead([]byte(req))
	if !errors.Is(err, ErrBadHTTP2Settings) {
		t.Fatalf("OnRead() error = %v, want ErrBadHTTP2Settings", err)
	}
}

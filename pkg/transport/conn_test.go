package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"mercator-hq/h2edge/pkg/eventloop"
)

type recordingHandler struct {
	conn   *Conn
	reads  chan []byte
	writes chan int
	events chan Event
	closed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		reads:  make(chan []byte, 16),
		writes: make(chan int, 16),
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (h *recordingHandler) OnRead() error {
	h.reads <- h.conn.Take()
	return nil
}

func (h *recordingHandler) OnWrite() error {
	h.writes <- h.conn.OutputLength()
	return nil
}

func (h *recordingHandler) OnEvent(ev Event) error {
	h.events <- ev
	return nil
}

func (h *recordingHandler) Close() {
	h.conn.Close()
	close(h.closed)
}

func startConn(t *testing.T, nc net.Conn, opts Options) (*recordingHandler, *eventloop.Loop) {
	t.Helper()
	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	h := newRecordingHandler()
	h.conn = NewConn(loop, nc, opts)
	loop.Post(func() { h.conn.Start(h) })
	t.Cleanup(func() { h.conn.Close() })
	return h, loop
}

func TestConn_ReadDeliversInput(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	h, _ := startConn(t, server, Options{})

	go client.Write([]byte("GET / HTTP/1.1\r\n"))

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len("GET / HTTP/1.1\r\n") {
		select {
		case p := <-h.reads:
			got = append(got, p...)
		case <-deadline:
			t.Fatalf("timed out, got %q", got)
		}
	}
	if string(got) != "GET / HTTP/1.1\r\n" {
		t.Errorf("unexpected input %q", got)
	}
}

func TestConn_WriteAndOnWrite(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	h, loop := startConn(t, server, Options{})

	loop.Post(func() {
		h.conn.Write([]byte("hello "))
		h.conn.Write([]byte("world"))
	})

	buf := make([]byte, 11)
	n := 0
	for n < len(buf) {
		m, err := client.Read(buf[n:])
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		n += m
	}
	if string(buf) != "hello world" {
		t.Errorf("unexpected output %q", buf)
	}

	select {
	case <-h.writes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnWrite after output was written")
	}
}

func TestConn_PeerCloseIsEOF(t *testing.T) {
	server, client := net.Pipe()
	h, _ := startConn(t, server, Options{})
	client.Close()

	select {
	case ev := <-h.events:
		if ev != EventEOF {
			t.Errorf("expected EOF event, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF")
	}
}

func TestConn_ReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	h, _ := startConn(t, server, Options{ReadTimeout: 20 * time.Millisecond})

	select {
	case ev := <-h.events:
		if ev != EventTimeout {
			t.Errorf("expected timeout event, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout event")
	}
}

func TestConn_CleartextHasNoTLS(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(eventloop.New(nil), server, Options{})
	if c.TLS() != nil {
		t.Error("expected nil TLS state on cleartext connection")
	}
}

func TestConn_TLSHandshakeReportsALPN(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	clientDone := make(chan struct{})
	defer close(clientDone)
	go func() {
		raw, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer raw.Close()
		cl := tls.Client(raw, &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2"}})
		_ = cl.Handshake()
		<-clientDone
	}()

	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}

	cert := selfSignedCert(t)
	srv := tls.Server(server, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	})
	h, loop := startConn(t, srv, Options{HandshakeTimeout: 2 * time.Second})

	select {
	case ev := <-h.events:
		if ev != EventConnected {
			t.Fatalf("expected connected event, got %v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	proto := make(chan string, 1)
	loop.Post(func() { proto <- h.conn.TLS().NegotiatedProtocol() })
	if got := <-proto; got != "h2" {
		t.Errorf("expected ALPN h2, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Event
	}{
		{err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: EventTimeout},
		{err: errString("tls: no renegotiation"), want: EventRenegotiation},
		{err: errString("tls: received unexpected handshake message of type *tls.clientHelloMsg when waiting for *tls.helloRequestMsg"), want: EventRenegotiation},
		{err: errString("connection reset by peer"), want: EventError},
	}

	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// Package frontend implements the per-connection handler of the proxy.
//
// A ClientHandler sits between a transport.Transport and the protocol
// codec serving the connection. It decides which codec that is:
//
//   - On TLS connections the protocol negotiated by ALPN selects HTTP/2
//     ("h2") or HTTP/1.1 ("http/1.1" or none). Any other protocol is a
//     fatal error.
//   - On cleartext connections the first input bytes are matched against
//     the HTTP/2 client preface. A match selects HTTP/2 without a single
//     byte reaching the HTTP/1.1 codec; a mismatch hands every peeked byte
//     to HTTP/1.1.
//   - A cleartext HTTP/1.1 connection may switch to HTTP/2 once, through an
//     "Upgrade: h2c" request.
//
// The handler also lends backend connections from the worker's pool to
// its codec, consulting the connect breaker before dialing, and shapes
// writes on TLS connections so that output after an idle period starts
// with small records.
//
// # Example
//
//	env := &frontend.Env{Loop: loop, Backend: group, Metrics: collector}
//	conn := transport.NewConn(loop, nc, opts)
//	loop.Post(func() {
//	    conn.Start(frontend.New(env, frontend.ConfigFrom(cfg.Frontend), conn))
//	})
//
// # Thread Safety
//
// A ClientHandler and everything it borrows from Env belong to the
// worker loop. All methods must be called from that loop.
package frontend

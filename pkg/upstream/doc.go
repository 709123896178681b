// Package upstream implements the client-facing protocol codecs of a
// connection: HTTP/1.1 (HTTP1) and HTTP/2 (HTTP2).
//
// A codec consumes raw client bytes, forwards each request to the backend
// through the Handler it was created for and writes the responses back.
// Codecs never touch the socket or the backend pool directly; the handler
// owns both.
//
// HTTP1 serves one transaction at a time and keeps pipelined input
// buffered. When it sees an h2c upgrade request it asks the handler to
// replace it with an HTTP2 codec built by NewHTTP2FromUpgrade, which takes
// the upgrade request over as stream 1. HTTP1.TakeBuffered hands the bytes
// that followed the upgrade request to the new codec.
//
// HTTP2 uses golang.org/x/net/http2's Framer and hpack. Input is only
// handed to the framer once a complete frame is buffered, so codecs work
// on arbitrarily split reads.
package upstream

// Package transport provides the client-socket abstraction used by the
// front-end handler.
//
// A Transport buffers input until the handler takes it, queues output in
// handler-sized chunks and reports connection events (handshake done, EOF,
// errors, timeouts, TLS renegotiation attempts). Conn is the net.Conn-backed
// implementation; all Handler callbacks run on the worker's event loop.
//
// Reading pauses while DefaultReadWatermark bytes are unconsumed, and an
// optional RateLimitGroup shared by a worker's connections throttles both
// directions.
package transport

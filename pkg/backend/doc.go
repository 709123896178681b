// Package backend manages connections from a worker to its backend target.
//
// Each worker owns a Group: an idle connection Pool, a ConnectBlocker that
// backs off after failed connects, and for HTTP/2 backends a shared
// HTTP2Session. Client handlers acquire a Conn from the pool or create a
// fresh one, send requests with RoundTrip and hand the connection back
// when the exchange is over.
//
// Everything in this package is driven from the worker's event loop.
// Blocking dials and socket I/O happen on helper goroutines that report
// back by posting to the loop.
package backend

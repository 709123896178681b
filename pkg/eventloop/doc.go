// Package eventloop provides the single-goroutine executor each worker runs.
//
// A Loop serializes all work for the connections a worker owns. Socket
// readers and writers, backend dials and backend round trips run on helper
// goroutines and report back by posting closures:
//
//	loop := eventloop.New(logger)
//	go loop.Run(ctx)
//
//	go func() {
//	    conn, err := dial()
//	    loop.Post(func() { handler.onDialed(conn, err) })
//	}()
//
// Timers created with AfterFunc also run on the loop and can be cancelled
// safely from it.
package eventloop

package eventloop

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot timer whose callback runs on the loop.
//
// A stopped timer never runs its callback, even when the underlying clock
// already fired and the callback is sitting in the loop queue.
type Timer struct {
	loop *Loop
	fn   func()
	t    *time.Timer

	// state is only written from the loop goroutine; fire reads it from the
	// clock goroutine to skip posting for stopped timers.
	state atomic.Int32
}

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

func (t *Timer) fire() {
	if t.state.Load() != timerArmed {
		return
	}
	t.loop.Post(func() {
		if !t.state.CompareAndSwap(timerArmed, timerFired) {
			return
		}
		t.fn()
	})
}

// Stop cancels the timer. It reports whether the callback was prevented
// from running. Must be called on the loop.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.t.Stop()
	return t.state.CompareAndSwap(timerArmed, timerStopped)
}

// Active reports whether the timer is armed and has not run or been stopped.
func (t *Timer) Active() bool {
	return t != nil && t.state.Load() == timerArmed
}

package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	loop := New(nil)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}

	if n := loop.RunPending(); n != 5 {
		t.Fatalf("expected 5 closures run, got %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("closures ran out of order: %v", got)
		}
	}
}

func TestLoop_RunPendingIncludesNestedPosts(t *testing.T) {
	loop := New(nil)

	ran := false
	loop.Post(func() {
		loop.Post(func() { ran = true })
	})

	loop.RunPending()
	if !ran {
		t.Error("expected nested post to run in the same RunPending call")
	}
}

func TestLoop_PostAfterStopRejected(t *testing.T) {
	loop := New(nil)
	loop.Post(func() { t.Error("queued closure must be discarded by Stop") })
	loop.Stop()
	loop.Stop()

	if loop.Post(func() {}) {
		t.Error("expected Post to fail after Stop")
	}
	if loop.RunPending() != 0 {
		t.Error("expected nothing to run after Stop")
	}
}

func TestLoop_RunConcurrentPosts(t *testing.T) {
	loop := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	const posters, each = 8, 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	done := make(chan struct{})

	for p := 0; p < posters; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				loop.Post(func() {
					mu.Lock()
					count++
					if count == posters*each {
						close(done)
					}
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for posted closures")
	}

	loop.Stop()
	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestLoop_PanicIsContained(t *testing.T) {
	loop := New(nil)
	ran := false
	loop.Post(func() { panic("boom") })
	loop.Post(func() { ran = true })

	loop.RunPending()
	if !ran {
		t.Error("expected closure after a panicking one to run")
	}
}

func TestTimer_FiresOnLoop(t *testing.T) {
	loop := New(nil)
	fired := false
	timer := loop.AfterFunc(time.Millisecond, func() { fired = true })

	waitQueued(t, loop)
	if !timer.Active() {
		t.Error("timer should stay active until its callback runs")
	}
	loop.RunPending()

	if !fired {
		t.Fatal("expected timer callback to run")
	}
	if timer.Active() {
		t.Error("fired timer must not be active")
	}
	if timer.Stop() {
		t.Error("stopping a fired timer must report false")
	}
}

func TestTimer_StopAfterQueuedPreventsCallback(t *testing.T) {
	loop := New(nil)
	timer := loop.AfterFunc(time.Millisecond, func() {
		t.Error("stopped timer callback ran")
	})

	waitQueued(t, loop)
	if !timer.Stop() {
		t.Error("expected Stop to report that it prevented the callback")
	}
	loop.RunPending()
}

func TestTimer_NilSafe(t *testing.T) {
	var timer *Timer
	if timer.Active() || timer.Stop() {
		t.Error("nil timer must be inactive")
	}
}

func waitQueued(t *testing.T, loop *Loop) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for loop.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for timer to fire")
		}
		time.Sleep(time.Millisecond)
	}
}

package backend

import (
	"testing"
	"time"
)

func TestConnectBlocker_Backoff(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewConnectBlocker(2*time.Second, 128*time.Second, nil)
	b.now = func() time.Time { return now }

	const target = "10.0.0.1:80"
	if b.Blocked(target) {
		t.Fatal("fresh target must not be blocked")
	}

	want := []time.Duration{2, 4, 8, 16, 32, 64, 128, 128}
	for i, w := range want {
		got := b.RecordFailure(target)
		if got != w*time.Second {
			t.Errorf("failure %d: expected backoff %v, got %v", i+1, w*time.Second, got)
		}
	}

	if !b.Blocked(target) {
		t.Error("expected target to be blocked after failure")
	}
	if b.Blocked("10.0.0.2:80") {
		t.Error("other targets must not be blocked")
	}

	now = now.Add(128 * time.Second)
	if b.Blocked(target) {
		t.Error("expected block to expire after backoff")
	}
}

func TestConnectBlocker_SuccessResets(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewConnectBlocker(2*time.Second, 128*time.Second, nil)
	b.now = func() time.Time { return now }

	const target = "backend:443"
	b.RecordFailure(target)
	b.RecordFailure(target)
	b.RecordSuccess(target)

	if b.Blocked(target) {
		t.Error("success must clear the block")
	}
	if got := b.RecordFailure(target); got != 2*time.Second {
		t.Errorf("expected backoff to restart at 2s, got %v", got)
	}
}

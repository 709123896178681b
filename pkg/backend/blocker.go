package backend

import (
	"log/slog"
	"time"
)

// ConnectBlocker suppresses connect attempts to a target after a failure.
//
// Each failure blocks the target for a cool-down that starts at the
// initial backoff and doubles on every consecutive failure up to the
// maximum. A successful connect resets the backoff.
//
// ConnectBlocker is owned by one worker and is not safe for concurrent use.
type ConnectBlocker struct {
	initial time.Duration
	max     time.Duration
	targets map[string]*blockState
	now     func() time.Time
	logger  *slog.Logger
}

type blockState struct {
	until   time.Time
	backoff time.Duration
}

// NewConnectBlocker creates a blocker with the given backoff bounds.
func NewConnectBlocker(initial, max time.Duration, logger *slog.Logger) *ConnectBlocker {
	if logger == nil {
		logger = slog.Default()
	}
	if max < initial {
		max = initial
	}
	return &ConnectBlocker{
		initial: initial,
		max:     max,
		targets: make(map[string]*blockState),
		now:     time.Now,
		logger:  logger.With("component", "backend.blocker"),
	}
}

// Blocked reports whether connects to target are currently suppressed.
func (b *ConnectBlocker) Blocked(target string) bool {
	st, ok := b.targets[target]
	return ok && b.now().Before(st.until)
}

// RecordFailure blocks target for the next cool-down and returns it.
func (b *ConnectBlocker) RecordFailure(target string) time.Duration {
	st, ok := b.targets[target]
	if !ok {
		st = &blockState{}
		b.targets[target] = st
	}

	if st.backoff == 0 {
		st.backoff = b.initial
	} else {
		st.backoff *= 2
		if st.backoff > b.max {
			st.backoff = b.max
		}
	}
	st.until = b.now().Add(st.backoff)

	b.logger.Warn("backend connect failed, blocking target",
		"target", target,
		"backoff", st.backoff,
	)
	return st.backoff
}

// RecordSuccess clears the block and backoff for target.
func (b *ConnectBlocker) RecordSuccess(target string) {
	if _, ok := b.targets[target]; !ok {
		return
	}
	delete(b.targets, target)
	b.logger.Info("backend connect succeeded, unblocking target", "target", target)
}

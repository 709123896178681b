package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Store is the storage a Pruner deletes from.
type Store interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// RetentionConfig contains configuration for the retention pruner.
type RetentionConfig struct {
	// Days is the number of days to keep records. 0 keeps records forever.
	Days int

	// PruneSchedule is a cron expression, e.g. "0 3 * * *" for daily at
	// 3 AM. Empty disables scheduled pruning.
	PruneSchedule string
}

// Pruner deletes access-log records older than the retention period on a
// cron schedule.
type Pruner struct {
	store  Store
	config RetentionConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPruner creates a pruner for store.
func NewPruner(store Store, config RetentionConfig, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:  store,
		config: config,
		logger: logger.With("component", "accesslog.retention"),
		now:    time.Now,
		cron:   cron.New(),
	}
}

// Prune deletes records older than the retention period.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.config.Days <= 0 {
		return 0, nil
	}
	cutoff := p.now().AddDate(0, 0, -p.config.Days)
	deleted, err := p.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger.Debug("pruned access log", "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}

// Start schedules pruning. It returns immediately; the schedule stops
// when ctx is cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.PruneSchedule == "" || p.config.Days <= 0 {
		p.logger.Info("access log retention disabled")
		return nil
	}
	if p.running {
		return nil
	}

	_, err := p.cron.AddFunc(p.config.PruneSchedule, func() {
		deleted, err := p.Prune(ctx)
		if err != nil {
			p.logger.Error("scheduled access log pruning failed", "error", err)
			return
		}
		if deleted > 0 {
			p.logger.Info("scheduled access log pruning completed", "deleted_count", deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.config.PruneSchedule, err)
	}

	p.cron.Start()
	p.running = true
	p.logger.Info("access log retention started",
		"schedule", p.config.PruneSchedule,
		"retention_days", p.config.Days,
	)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
}

// NextRun returns the next scheduled pruning time, or nil when not
// scheduled.
func (p *Pruner) NextRun() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if !p.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

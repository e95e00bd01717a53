package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/formula-consult/internal/store"
)

// limiterIdle is how long an unused rate limiter is kept.
const limiterIdle = time.Hour

// StartArchiver schedules the idle-session sweep on spec, a standard cron
// expression or descriptor such as "@every 10m". The scheduler stops when ctx
// is done.
func StartArchiver(ctx context.Context, spec string, repo store.Repository, limiter *RateLimiter, after time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		sweep(ctx, repo, limiter, after)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule archiver %q: %w", spec, err)
	}

	c.Start()
	slog.Info("Archiver started", "schedule", spec, "archive_after", after)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("Archiver shutting down", "reason", ctx.Err())
	}()
	return c, nil
}

func sweep(ctx context.Context, repo store.Repository, limiter *RateLimiter, after time.Duration) {
	if ctx.Err() != nil {
		return
	}

	n, err := repo.ArchiveIdleSessions(ctx, after)
	if err != nil {
		slog.Error("Archiver failed to archive idle sessions", "error", err)
	} else if n > 0 {
		slog.Info("Archiver archived idle sessions", "count", n)
	}

	if limiter != nil {
		if evicted := limiter.Evict(limiterIdle); evicted > 0 {
			slog.Debug("Archiver evicted idle rate limiters", "count", evicted)
		}
	}
}

package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig sets the polling cadence of each workflow loop.
type RunnerConfig struct {
	ScrapeEvery   time.Duration
	WebhookEvery  time.Duration
	QueueEvery    time.Duration
	RecoveryEvery time.Duration
}

// Runner fans the workflow loops out as one supervised group.
type Runner struct {
	scrape   *Scrape
	webhook  *Webhook
	queue    *Queue
	recovery *Recovery
	cfg      RunnerConfig
	logger   *zap.Logger
}

// NewRunner constructs the group. Any nil workflow is simply not run.
func NewRunner(scrape *Scrape, webhook *Webhook, queue *Queue, recovery *Recovery, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.ScrapeEvery <= 0 {
		cfg.ScrapeEvery = 5 * time.Minute
	}
	if cfg.WebhookEvery <= 0 {
		cfg.WebhookEvery = 15 * time.Second
	}
	if cfg.QueueEvery <= 0 {
		cfg.QueueEvery = time.Minute
	}
	if cfg.RecoveryEvery <= 0 {
		cfg.RecoveryEvery = 5 * time.Minute
	}
	return &Runner{
		scrape:   scrape,
		webhook:  webhook,
		queue:    queue,
		recovery: recovery,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until the context finishes or a loop returns an error.
func (r *Runner) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if r.scrape != nil {
		group.Go(func() error {
			r.logger.Info("scrape loop started", zap.Duration("every", r.cfg.ScrapeEvery))
			r.scrape.Run(ctx, r.cfg.ScrapeEvery)
			return nil
		})
	}
	if r.webhook != nil {
		group.Go(func() error {
			r.logger.Info("webhook loop started", zap.Duration("every", r.cfg.WebhookEvery))
			r.webhook.Run(ctx, r.cfg.WebhookEvery)
			return nil
		})
	}
	if r.queue != nil {
		group.Go(func() error {
			r.logger.Info("queue loop started", zap.Duration("every", r.cfg.QueueEvery))
			r.runQueueLoop(ctx)
			return nil
		})
	}
	if r.recovery != nil {
		group.Go(func() error {
			r.logger.Info("recovery loop started", zap.Duration("every", r.cfg.RecoveryEvery))
			r.recovery.Run(ctx, r.cfg.RecoveryEvery)
			return nil
		})
	}
	return group.Wait()
}

func (r *Runner) runQueueLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.QueueEvery)
	defer ticker.Stop()
	for {
		if err := r.queue.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("queue pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/scrape"
)

// recoveryState names one step of the recovery machine. The sequence
// is fixed: check, wait, check again, poll the provider directly,
// wait out the final timeout, check once more, then give up.
type recoveryState int

const (
	stateCheckDelivered recoveryState = iota
	stateSleepRecheck
	stateRecheckDelivered
	statePollProvider
	stateSleepTimeout
	stateFinalCheck
	stateMarkFailed
)

// Recovery outcomes.
const (
	RecoveryDelivered = "delivered"
	RecoveryRecovered = "recovered"
	RecoveryFailed    = "failed"
)

// RecoveryConfig controls the recovery workflow.
type RecoveryConfig struct {
	WorkerID string
	// StaleAfter is how old a placeholder row must be before recovery
	// starts chasing it.
	StaleAfter   time.Duration
	RecheckAfter time.Duration
	FinalTimeout time.Duration
	BatchSize    int
}

// Recovery chases async jobs whose webhook never arrived. Every step
// is idempotent: re-running the machine against a job whose callback
// landed mid-flight just observes the delivery and stops.
type Recovery struct {
	store  scrape.Store
	async  scrape.AsyncFetcher
	ingest *Webhook
	clock  scrape.Clock
	sleep  func(ctx context.Context, d time.Duration) error
	cfg    RecoveryConfig
	logger *zap.Logger
}

// NewRecovery constructs the workflow. The ingest workflow is reused
// for processing recovered results so both paths ingest identically.
func NewRecovery(
	store scrape.Store,
	async scrape.AsyncFetcher,
	ingest *Webhook,
	clock scrape.Clock,
	cfg RecoveryConfig,
	logger *zap.Logger,
) *Recovery {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = time.Minute
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Recovery{
		store:  store,
		async:  async,
		ingest: ingest,
		clock:  clock,
		sleep:  sleepCtx,
		cfg:    cfg,
		logger: logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunOnce finds stale placeholder rows and runs the machine for each.
func (r *Recovery) RunOnce(ctx context.Context) error {
	run := scrape.WorkflowRun{
		WorkflowName: NameRecovery,
		WorkerID:     r.cfg.WorkerID,
		Status:       "completed",
		StartedAt:    r.clock.Now(),
	}
	defer func() {
		run.FinishedAt = r.clock.Now()
		recordRun(ctx, r.store, r.logger, run)
	}()

	events, err := r.store.ListPendingWebhooks(ctx, r.cfg.BatchSize)
	if err != nil {
		run.Status = "failed"
		run.ErrorText = err.Error()
		return fmt.Errorf("list pending webhooks: %w", err)
	}
	cutoff := r.clock.Now().Add(-r.cfg.StaleAfter)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			run.Status = "canceled"
			return err
		}
		if ev.Event != "" || ev.ReceivedAt.After(cutoff) {
			continue
		}
		outcome, err := r.Recover(ctx, ev)
		if err != nil {
			if scrape.IsRetryable(err) {
				r.logger.Warn("recovery will retry", zap.String("job_id", ev.JobID), zap.Error(err))
				continue
			}
			r.logger.Error("recovery failed", zap.String("job_id", ev.JobID), zap.Error(err))
			continue
		}
		metrics.ObserveRecovery(outcome)
	}
	return nil
}

// Run polls on the interval until the context finishes.
func (r *Recovery) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("recovery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Recover drives one placeholder through the state machine and
// returns the outcome.
func (r *Recovery) Recover(ctx context.Context, placeholder scrape.WebhookEvent) (string, error) {
	state := stateCheckDelivered
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		switch state {
		case stateCheckDelivered, stateRecheckDelivered, stateFinalCheck:
			delivered, err := r.delivered(ctx, placeholder.JobID)
			if err != nil {
				return "", err
			}
			if delivered {
				r.close(ctx, placeholder.ID, "superseded by delivered event")
				return RecoveryDelivered, nil
			}
			switch state {
			case stateCheckDelivered:
				state = stateSleepRecheck
			case stateRecheckDelivered:
				state = statePollProvider
			default:
				state = stateMarkFailed
			}

		case stateSleepRecheck:
			if err := r.sleep(ctx, r.cfg.RecheckAfter); err != nil {
				return "", err
			}
			state = stateRecheckDelivered

		case statePollProvider:
			result, err := r.async.PollJob(ctx, placeholder.JobID)
			if err != nil {
				if scrape.IsRetryable(err) {
					return "", err
				}
				// Provider reports the job itself dead. Nothing will
				// ever be delivered.
				r.fail(ctx, placeholder, err.Error())
				return RecoveryFailed, nil
			}
			if result != nil {
				if err := r.processRecovered(ctx, placeholder, result); err != nil {
					return "", err
				}
				r.close(ctx, placeholder.ID, "")
				return RecoveryRecovered, nil
			}
			// Still running at the provider; give it one last window.
			state = stateSleepTimeout

		case stateSleepTimeout:
			if err := r.sleep(ctx, r.cfg.FinalTimeout); err != nil {
				return "", err
			}
			state = stateFinalCheck

		case stateMarkFailed:
			r.fail(ctx, placeholder, "results never delivered")
			return RecoveryFailed, nil
		}
	}
}

func (r *Recovery) delivered(ctx context.Context, jobID string) (bool, error) {
	_, delivered, err := r.store.WebhookDelivery(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return delivered, nil
}

// processRecovered pushes every polled result through the same ingest
// path a delivered webhook would take. A batched job came back with one
// result per URL; all of them are ingested, not just the first.
func (r *Recovery) processRecovered(ctx context.Context, placeholder scrape.WebhookEvent, result *scrape.AsyncJobResult) error {
	payload := providerPayload{
		JobID:  placeholder.JobID,
		Status: scrape.JobStatusCompleted,
	}
	for _, res := range result.Results {
		payload.Data = append(payload.Data, providerResult{
			URL:     res.URL,
			Content: string(res.Body),
		})
	}
	synthetic := placeholder
	synthetic.Status = scrape.JobStatusCompleted
	synthetic.ReceivedAt = r.clock.Now()

	switch placeholder.Metadata.Kind {
	case scrape.WebhookKindJob:
		return r.ingest.handleJobs(ctx, synthetic, payload)
	default:
		return r.ingest.handleListing(ctx, synthetic, payload)
	}
}

func (r *Recovery) fail(ctx context.Context, placeholder scrape.WebhookEvent, reason string) {
	if placeholder.Metadata.SiteID != "" {
		if err := r.store.FailSite(ctx, placeholder.Metadata.SiteID, reason); err != nil {
			r.logger.Error("fail site update failed",
				zap.String("site_id", placeholder.Metadata.SiteID),
				zap.Error(err),
			)
		}
	}
	if len(placeholder.Metadata.SeedURLs) > 0 {
		if err := r.store.CompleteScrapeURLs(ctx, placeholder.Metadata.SeedURLs, scrape.QueueStatusFailed, reason); err != nil {
			r.logger.Error("fail queue urls update failed", zap.Error(err))
		}
	}
	r.close(ctx, placeholder.ID, reason)
	r.logger.Warn("async job abandoned",
		zap.String("job_id", placeholder.JobID),
		zap.String("reason", reason),
	)
}

func (r *Recovery) close(ctx context.Context, eventID, errText string) {
	if err := r.store.MarkWebhookProcessed(ctx, eventID, errText); err != nil {
		r.logger.Error("mark placeholder processed failed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
)

// WebhookConfig controls the webhook ingest workflow.
type WebhookConfig struct {
	WorkerID      string
	BatchSize     int
	Topic         string
	ArchivePrefix string
}

// Webhook drains pending provider callbacks. Listing completions turn
// into one batched detail fetch; job completions turn into ingested
// postings. Events are deduplicated on (event, jobID) within a batch:
// the first one wins, later copies are marked as duplicates.
type Webhook struct {
	store     scrape.Store
	registry  *sites.Registry
	async     scrape.AsyncFetcher
	archiver  scrape.Archiver
	publisher scrape.Publisher
	clock     scrape.Clock
	cfg       WebhookConfig
	logger    *zap.Logger
}

// NewWebhook constructs the workflow.
func NewWebhook(
	store scrape.Store,
	registry *sites.Registry,
	async scrape.AsyncFetcher,
	archiver scrape.Archiver,
	publisher scrape.Publisher,
	clock scrape.Clock,
	cfg WebhookConfig,
	logger *zap.Logger,
) *Webhook {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Webhook{
		store:     store,
		registry:  registry,
		async:     async,
		archiver:  archiver,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunOnce processes one batch of pending events. Retryable failures
// leave the event unprocessed so the next pass picks it up again;
// everything else is closed out exactly once.
func (w *Webhook) RunOnce(ctx context.Context) error {
	run := scrape.WorkflowRun{
		WorkflowName: NameWebhookIngest,
		WorkerID:     w.cfg.WorkerID,
		Status:       "completed",
		StartedAt:    w.clock.Now(),
	}
	defer func() {
		run.FinishedAt = w.clock.Now()
		recordRun(ctx, w.store, w.logger, run)
	}()

	events, err := w.store.ListPendingWebhooks(ctx, w.cfg.BatchSize)
	if err != nil {
		run.Status = "failed"
		run.ErrorText = err.Error()
		return fmt.Errorf("list pending webhooks: %w", err)
	}
	// Dedup is scoped to this batch; the store's processed flag covers
	// everything already closed out on earlier passes.
	seen := make(map[string]bool)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			run.Status = "canceled"
			return err
		}
		// Placeholder rows carry no event yet; they belong to the
		// recovery workflow, not this loop.
		if ev.Event == "" {
			continue
		}
		dedupKey := ev.Event + "|" + ev.JobID
		if seen[dedupKey] {
			metrics.ObserveWebhookEvent(string(ev.Metadata.Kind), "duplicate")
			w.markProcessed(ctx, ev.ID, "duplicate")
			continue
		}
		if err := w.processEvent(ctx, ev); err != nil {
			if scrape.IsRetryable(err) {
				metrics.ObserveWebhookEvent(string(ev.Metadata.Kind), "retryable")
				w.logger.Warn("webhook event will retry",
					zap.String("event_id", ev.ID),
					zap.String("job_id", ev.JobID),
					zap.Error(err),
				)
				continue
			}
			seen[dedupKey] = true
			metrics.ObserveWebhookEvent(string(ev.Metadata.Kind), "failed")
			w.logger.Error("webhook event failed",
				zap.String("event_id", ev.ID),
				zap.String("job_id", ev.JobID),
				zap.Error(err),
			)
			w.markProcessed(ctx, ev.ID, err.Error())
			continue
		}
		seen[dedupKey] = true
		metrics.ObserveWebhookEvent(string(ev.Metadata.Kind), "completed")
		w.markProcessed(ctx, ev.ID, "")
	}
	return nil
}

// Run polls on the interval until the context finishes.
func (w *Webhook) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("webhook pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Webhook) processEvent(ctx context.Context, ev scrape.WebhookEvent) error {
	switch ev.Status {
	case scrape.JobStatusFailed:
		return w.handleFailure(ctx, ev)
	case scrape.JobStatusCancelled, scrape.JobStatusExpired:
		return w.handleCancelled(ctx, ev)
	}

	payload, err := decodeProviderPayload(ev.Payload)
	if err != nil {
		return scrape.Terminal("bad payload", err)
	}

	switch ev.Metadata.Kind {
	case scrape.WebhookKindListing:
		return w.handleListing(ctx, ev, payload)
	case scrape.WebhookKindJob:
		return w.handleJobs(ctx, ev, payload)
	default:
		return scrape.Terminal("unknown kind", fmt.Errorf("webhook kind %q", ev.Metadata.Kind))
	}
}

// handleFailure closes out a failed provider job. The site (if known)
// is marked failed; batched queue entries go back to failed so the
// queue processor can retry them.
func (w *Webhook) handleFailure(ctx context.Context, ev scrape.WebhookEvent) error {
	reason := fmt.Sprintf("provider job %s: %s", ev.JobID, ev.Status)
	if ev.Metadata.SiteID != "" {
		if err := w.store.FailSite(ctx, ev.Metadata.SiteID, reason); err != nil {
			return fmt.Errorf("fail site: %w", err)
		}
	}
	if len(ev.Metadata.SeedURLs) > 0 {
		if err := w.store.CompleteScrapeURLs(ctx, ev.Metadata.SeedURLs, scrape.QueueStatusFailed, reason); err != nil {
			return fmt.Errorf("fail queue urls: %w", err)
		}
	}
	w.logger.Warn("provider job failed",
		zap.String("job_id", ev.JobID),
		zap.String("status", ev.Status),
		zap.String("site", ev.Metadata.SiteURL),
	)
	return nil
}

// handleCancelled closes out a cancelled or expired provider job as
// benign: an empty audit record is written and the site goes back to
// its schedule instead of the failed state. Batched URLs return to
// the queue as failed so the processor can retry them.
func (w *Webhook) handleCancelled(ctx context.Context, ev scrape.WebhookEvent) error {
	reason := fmt.Sprintf("provider job %s: %s", ev.JobID, ev.Status)
	if err := w.recordScrape(ctx, ev, providerPayload{}, ev.Metadata.Kind, false, nil); err != nil {
		return err
	}
	if len(ev.Metadata.SeedURLs) > 0 {
		if err := w.store.CompleteScrapeURLs(ctx, ev.Metadata.SeedURLs, scrape.QueueStatusFailed, reason); err != nil {
			return fmt.Errorf("fail queue urls: %w", err)
		}
	}
	if ev.Metadata.SiteID != "" {
		if err := w.store.CompleteSite(ctx, ev.Metadata.SiteID); err != nil {
			return fmt.Errorf("complete site: %w", err)
		}
	}
	w.logger.Info("provider job closed without results",
		zap.String("job_id", ev.JobID),
		zap.String("status", ev.Status),
		zap.String("site", ev.Metadata.SiteURL),
	)
	return nil
}

// handleListing extracts job URLs from a completed listing crawl and
// submits one batched fetch for the ones we have not ingested yet.
// One batch, never one job per URL.
func (w *Webhook) handleListing(ctx context.Context, ev scrape.WebhookEvent, payload providerPayload) error {
	handler := w.handlerFor(ev.Metadata)
	var links []string
	for _, r := range payload.Data {
		pageLinks, err := handler.Links([]byte(r.Content), r.URL)
		if err != nil {
			w.logger.Warn("listing link extraction failed",
				zap.String("url", r.URL),
				zap.Error(err),
			)
			continue
		}
		links = append(links, pageLinks...)
	}
	jobURLs := handler.FilterJobURLs(links)
	fresh, err := w.store.FilterExistingJobURLs(ctx, jobURLs)
	if err != nil {
		return fmt.Errorf("filter job urls: %w", err)
	}

	if len(fresh) > 0 {
		if w.async == nil {
			return scrape.Terminal("async provider not configured",
				fmt.Errorf("listing callback for %s needs batch fetch", ev.Metadata.SiteURL))
		}
		cfgs := make([]scrape.FetchConfig, 0, len(fresh))
		for _, u := range fresh {
			cfgs = append(cfgs, handler.FetchConfig(u))
		}
		job, err := w.async.StartBatch(ctx, cfgs)
		if err != nil {
			return fmt.Errorf("start batch fetch: %w", err)
		}
		_, err = w.store.InsertWebhookEvent(ctx, scrape.WebhookEvent{
			JobID: job.JobID,
			Metadata: scrape.WebhookMetadata{
				SiteID:   ev.Metadata.SiteID,
				SiteURL:  ev.Metadata.SiteURL,
				Kind:     scrape.WebhookKindJob,
				SeedURLs: fresh,
			},
			ReceivedAt: w.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("insert placeholder event: %w", err)
		}
	}

	if err := w.recordScrape(ctx, ev, payload, scrape.WebhookKindListing, len(fresh) > 0, nil); err != nil {
		return err
	}
	if ev.Metadata.SiteID != "" {
		if err := w.store.CompleteSite(ctx, ev.Metadata.SiteID); err != nil {
			return fmt.Errorf("complete site: %w", err)
		}
	}
	w.logger.Info("listing webhook processed",
		zap.String("job_id", ev.JobID),
		zap.String("site", ev.Metadata.SiteURL),
		zap.Int("urls_found", len(jobURLs)),
		zap.Int("urls_batched", len(fresh)),
	)
	return nil
}

// handleJobs ingests postings from a completed batch fetch and closes
// out the queue entries the batch covered.
func (w *Webhook) handleJobs(ctx context.Context, ev scrape.WebhookEvent, payload providerPayload) error {
	handler := w.handlerFor(ev.Metadata)
	jobs := jobsFromResults(handler, payload.Data, scrape.ProviderCrawlAPI, w.clock.Now())

	added, err := w.recordAndIngest(ctx, ev, payload, jobs)
	if err != nil {
		return err
	}
	if len(ev.Metadata.SeedURLs) > 0 {
		if err := w.store.CompleteScrapeURLs(ctx, ev.Metadata.SeedURLs, scrape.QueueStatusCompleted, ""); err != nil {
			return fmt.Errorf("complete queue urls: %w", err)
		}
	}
	metrics.ObserveJobsIngested(ev.Metadata.SiteURL, added)
	w.publishIngest(ctx, ev, added)
	w.logger.Info("job webhook processed",
		zap.String("job_id", ev.JobID),
		zap.String("site", ev.Metadata.SiteURL),
		zap.Int("jobs_ingested", added),
	)
	return nil
}

func (w *Webhook) recordAndIngest(ctx context.Context, ev scrape.WebhookEvent, payload providerPayload, jobs []scrape.Job) (int, error) {
	recordID, err := w.recordScrapeID(ctx, ev, payload, scrape.WebhookKindJob, false, jobs)
	if err != nil {
		return 0, err
	}
	added, err := w.store.IngestJobsFromScrape(ctx, recordID, jobs)
	if err != nil {
		return 0, fmt.Errorf("ingest jobs: %w", err)
	}
	return added, nil
}

func (w *Webhook) recordScrape(ctx context.Context, ev scrape.WebhookEvent, payload providerPayload, kind scrape.WebhookKind, queued bool, jobs []scrape.Job) error {
	_, err := w.recordScrapeID(ctx, ev, payload, kind, queued, jobs)
	return err
}

func (w *Webhook) recordScrapeID(ctx context.Context, ev scrape.WebhookEvent, payload providerPayload, kind scrape.WebhookKind, queued bool, jobs []scrape.Job) (string, error) {
	now := w.clock.Now()
	record := scrape.ScrapeRecord{
		SourceURL:    ev.Metadata.SiteURL,
		StartedAt:    ev.ReceivedAt,
		CompletedAt:  &now,
		Provider:     scrape.ProviderCrawlAPI,
		WorkflowName: NameWebhookIngest,
		Items:        jobs,
		RawPayload:   ev.Payload,
		Kind:         kind,
		Queued:       queued,
	}
	record.ArchiveURI = w.archive(ctx, ev, kind)
	recordID, err := w.store.InsertScrapeRecord(ctx, record)
	if err != nil {
		return "", fmt.Errorf("insert scrape record: %w", err)
	}
	return recordID, nil
}

func (w *Webhook) archive(ctx context.Context, ev scrape.WebhookEvent, kind scrape.WebhookKind) string {
	if w.archiver == nil || len(ev.Payload) == 0 {
		return ""
	}
	path := fmt.Sprintf("%s/webhooks/%s.%s.json", w.cfg.ArchivePrefix, ev.JobID, kind)
	uri, err := w.archiver.Archive(ctx, path, "application/json", ev.Payload)
	if err != nil {
		w.logger.Warn("archive webhook payload failed", zap.String("job_id", ev.JobID), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Webhook) publishIngest(ctx context.Context, ev scrape.WebhookEvent, added int) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	_, err := w.publisher.Publish(ctx, w.cfg.Topic, map[string]any{
		"job_id":        ev.JobID,
		"site":          ev.Metadata.SiteURL,
		"jobs_ingested": added,
		"timestamp":     w.clock.Now().Format(time.RFC3339),
	})
	if err != nil {
		w.logger.Warn("publish ingest event failed", zap.Error(err))
	}
}

func (w *Webhook) handlerFor(meta scrape.WebhookMetadata) sites.Handler {
	if meta.SiteID != "" || meta.SiteURL != "" {
		return w.registry.ForSite(scrape.Site{ID: meta.SiteID, URL: meta.SiteURL})
	}
	return w.registry.ForURL(meta.SiteURL)
}

func (w *Webhook) markProcessed(ctx context.Context, eventID, errText string) {
	if err := w.store.MarkWebhookProcessed(ctx, eventID, errText); err != nil {
		w.logger.Error("mark webhook processed failed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

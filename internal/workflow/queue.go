package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
)

// QueueConfig controls the batch URL queue processor.
type QueueConfig struct {
	WorkerID string
	Provider scrape.Provider
	// BatchSize is how many entries one pass leases.
	BatchSize int
	// ProcessingFor is the reclaim window: entries stuck in
	// processing longer than this are leased again.
	ProcessingFor time.Duration
	MaxParallel   int
	MaxAttempts   int
	// ExecutionWindow bounds one Run pass; pacing stops leasing new
	// batches when the projected batch time plus WindowMargin exceeds
	// what is left.
	ExecutionWindow time.Duration
	WindowMargin    time.Duration
}

// Queue drains the scrape URL queue in batches. Synchronous providers
// fan out over a bounded worker pool; the async provider gets one
// batched job whose results come back through the webhook path.
type Queue struct {
	store    scrape.Store
	registry *sites.Registry
	plain    scrape.Fetcher
	browser  scrape.Fetcher
	async    scrape.AsyncFetcher
	clock    scrape.Clock
	cfg      QueueConfig
	logger   *zap.Logger
}

// NewQueue constructs the processor.
func NewQueue(
	store scrape.Store,
	registry *sites.Registry,
	plain scrape.Fetcher,
	browser scrape.Fetcher,
	async scrape.AsyncFetcher,
	clock scrape.Clock,
	cfg QueueConfig,
	logger *zap.Logger,
) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.ProcessingFor <= 0 {
		cfg.ProcessingFor = 30 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ExecutionWindow <= 0 {
		cfg.ExecutionWindow = 10 * time.Minute
	}
	if cfg.WindowMargin <= 0 {
		cfg.WindowMargin = 30 * time.Second
	}
	return &Queue{
		store:    store,
		registry: registry,
		plain:    plain,
		browser:  browser,
		async:    async,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunOnce leases and resolves one batch. It returns how many entries
// it touched so Run can decide whether the queue is drained.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	batch, err := q.store.LeaseScrapeURLBatch(ctx, q.cfg.Provider, q.cfg.BatchSize, q.cfg.ProcessingFor)
	if err != nil {
		return 0, fmt.Errorf("lease url batch: %w", err)
	}
	for range batch.SkippedURLs {
		metrics.ObserveQueueEntry("skipped")
	}
	if len(batch.URLs) == 0 {
		return len(batch.SkippedURLs), nil
	}

	if q.cfg.Provider.Async() {
		if q.async == nil {
			return 0, fmt.Errorf("async provider not configured for queue provider %s", q.cfg.Provider)
		}
		if err := q.submitBatch(ctx, batch.URLs); err != nil {
			return 0, err
		}
		return len(batch.URLs) + len(batch.SkippedURLs), nil
	}

	q.processBatch(ctx, batch.URLs)
	return len(batch.URLs) + len(batch.SkippedURLs), nil
}

// Run drains the queue within the execution window. A moving average
// of batch durations projects whether another batch still fits; when
// the average plus the safety margin does not, the pass ends and the
// rest waits for the next one.
func (q *Queue) Run(ctx context.Context) error {
	started := q.clock.Now()
	deadline := started.Add(q.cfg.ExecutionWindow)
	var avgBatch time.Duration

	run := scrape.WorkflowRun{
		WorkflowName: NameURLQueue,
		WorkerID:     q.cfg.WorkerID,
		Status:       "completed",
		StartedAt:    started,
	}
	defer func() {
		run.FinishedAt = q.clock.Now()
		recordRun(ctx, q.store, q.logger, run)
	}()

	for {
		if err := ctx.Err(); err != nil {
			run.Status = "canceled"
			return err
		}
		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 || (avgBatch > 0 && remaining < avgBatch+q.cfg.WindowMargin) {
			q.logger.Info("execution window exhausted",
				zap.Duration("remaining", remaining),
				zap.Duration("avg_batch", avgBatch),
			)
			return nil
		}

		batchStart := q.clock.Now()
		n, err := q.RunOnce(ctx)
		if err != nil {
			if scrape.IsRetryable(err) {
				q.logger.Warn("queue batch will retry", zap.Error(err))
				run.ErrorText = err.Error()
				continue
			}
			run.Status = "failed"
			run.ErrorText = err.Error()
			return err
		}
		if n == 0 {
			return nil
		}

		elapsed := q.clock.Now().Sub(batchStart)
		if avgBatch == 0 {
			avgBatch = elapsed
		} else {
			avgBatch = (avgBatch + elapsed) / 2
		}
	}
}

// submitBatch hands the whole batch to the async provider as a single
// job. One batch, one job: the provider bills per job.
func (q *Queue) submitBatch(ctx context.Context, entries []scrape.ScrapeURLQueueEntry) error {
	cfgs := make([]scrape.FetchConfig, 0, len(entries))
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		handler := q.registry.ForURL(e.URL)
		cfgs = append(cfgs, handler.FetchConfig(e.URL))
		urls = append(urls, e.URL)
	}
	job, err := q.async.StartBatch(ctx, cfgs)
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}
	meta := scrape.WebhookMetadata{
		Kind:     scrape.WebhookKindJob,
		SeedURLs: urls,
	}
	if len(entries) > 0 {
		meta.SiteID = entries[0].SiteID
		meta.SiteURL = entries[0].SourceURL
	}
	if _, err := q.store.InsertWebhookEvent(ctx, scrape.WebhookEvent{
		JobID:      job.JobID,
		Metadata:   meta,
		ReceivedAt: q.clock.Now(),
	}); err != nil {
		return fmt.Errorf("insert placeholder event: %w", err)
	}
	q.logger.Info("url batch submitted to provider",
		zap.String("job_id", job.JobID),
		zap.Int("urls", len(urls)),
	)
	return nil
}

// processBatch fans entries out over a bounded pool. One entry's
// failure never touches its batchmates: each resolves on its own.
func (q *Queue) processBatch(ctx context.Context, entries []scrape.ScrapeURLQueueEntry) {
	var (
		mu        sync.Mutex
		completed []string
		invalid   = make(map[string][]string)
		failed    = make(map[string][]string)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(q.cfg.MaxParallel)
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			err := q.processEntry(groupCtx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completed = append(completed, entry.URL)
				metrics.ObserveQueueEntry("completed")
			case scrape.IsRetryable(err) && entry.Attempts < q.cfg.MaxAttempts:
				// Leave it in processing; the reclaim window puts it
				// back in play with the attempt already counted.
				metrics.ObserveQueueEntry("requeued")
				q.logger.Warn("queue entry will retry",
					zap.String("url", entry.URL),
					zap.Int("attempts", entry.Attempts),
					zap.Error(err),
				)
			case scrape.IsRetryable(err):
				failed[err.Error()] = append(failed[err.Error()], entry.URL)
				metrics.ObserveQueueEntry("failed")
			default:
				invalid[err.Error()] = append(invalid[err.Error()], entry.URL)
				metrics.ObserveQueueEntry("invalid")
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(completed) > 0 {
		if err := q.store.CompleteScrapeURLs(ctx, completed, scrape.QueueStatusCompleted, ""); err != nil {
			q.logger.Error("complete queue urls failed", zap.Error(err))
		}
	}
	for errText, urls := range failed {
		if err := q.store.CompleteScrapeURLs(ctx, urls, scrape.QueueStatusFailed, errText); err != nil {
			q.logger.Error("fail queue urls failed", zap.Error(err))
		}
	}
	for errText, urls := range invalid {
		if err := q.store.CompleteScrapeURLs(ctx, urls, scrape.QueueStatusInvalid, errText); err != nil {
			q.logger.Error("invalidate queue urls failed", zap.Error(err))
		}
	}
}

// processEntry fetches one detail page and ingests the posting.
func (q *Queue) processEntry(ctx context.Context, entry scrape.ScrapeURLQueueEntry) error {
	handler := q.registry.ForURL(entry.URL)
	if handler == nil {
		return scrape.Terminal("no handler", fmt.Errorf("no handler for %s", entry.URL))
	}
	detailURL, err := handler.APIURL(entry.URL)
	if err != nil {
		return scrape.Terminal("derive detail url", err)
	}
	cfg := handler.FetchConfig(detailURL)

	fetcher := q.plain
	provider := string(scrape.ProviderHTTP)
	if cfg.RenderMode == scrape.RenderModeBrowser {
		fetcher = q.browser
		provider = string(scrape.ProviderBrowser)
	}
	if fetcher == nil {
		return scrape.Terminal("no fetcher", fmt.Errorf("no fetcher for render mode %s", cfg.RenderMode))
	}

	started := q.clock.Now()
	result, err := fetcher.Fetch(ctx, cfg)
	if err != nil {
		return err
	}
	metrics.ObserveFetch(provider, result.Duration)

	jobs := jobsFromResults(handler, []providerResult{{
		URL:     entry.URL,
		Content: string(result.Body),
	}}, entry.Provider, q.clock.Now())
	if len(jobs) == 0 {
		return scrape.Terminal("not a job page", fmt.Errorf("no posting extracted from %s", entry.URL))
	}

	completedAt := q.clock.Now()
	recordID, err := q.store.InsertScrapeRecord(ctx, scrape.ScrapeRecord{
		SourceURL:    entry.SourceURL,
		Pattern:      entry.Pattern,
		StartedAt:    started,
		CompletedAt:  &completedAt,
		Provider:     entry.Provider,
		WorkflowName: NameURLQueue,
		Request:      cfg,
		Items:        jobs,
		RawPayload:   result.Body,
		Kind:         scrape.WebhookKindJob,
	})
	if err != nil {
		return fmt.Errorf("insert scrape record: %w", err)
	}
	added, err := q.store.IngestJobsFromScrape(ctx, recordID, jobs)
	if err != nil {
		return fmt.Errorf("ingest jobs: %w", err)
	}
	metrics.ObserveJobsIngested(entry.SourceURL, added)
	return nil
}

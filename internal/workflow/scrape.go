// Package workflow contains the durable crawl workflows: the scheduled
// site scrape, the webhook ingest loop, the batch URL queue processor,
// and the recovery state machine for async jobs whose callbacks never
// arrive. Every workflow classifies errors once at its boundary:
// retryable failures leave state untouched so the next pass retries,
// terminal failures are recorded and closed out.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/schedule"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
)

// Workflow names recorded on audit rows and scrape records.
const (
	NameSiteScrape    = "site-scrape"
	NameWebhookIngest = "webhook-ingest"
	NameURLQueue      = "url-queue"
	NameRecovery      = "recovery"
)

// ScrapeConfig controls the site scrape workflow.
type ScrapeConfig struct {
	WorkerID      string
	LockFor       time.Duration
	Filter        scrape.LeaseFilter
	Topic         string
	ArchivePrefix string
	MaxPages      int
}

// Scrape is the scheduled site scrape workflow. Each pass leases due
// sites one at a time, fetches their listing, and enqueues fresh job
// URLs for the batch queue processor. Async-provider sites are handed
// to the crawl provider instead; their results arrive as webhooks.
type Scrape struct {
	store     scrape.Store
	registry  *sites.Registry
	plain     scrape.Fetcher
	browser   scrape.Fetcher
	async     scrape.AsyncFetcher
	archiver  scrape.Archiver
	publisher scrape.Publisher
	clock     scrape.Clock
	cfg       ScrapeConfig
	logger    *zap.Logger
}

// NewScrape constructs the workflow.
func NewScrape(
	store scrape.Store,
	registry *sites.Registry,
	plain scrape.Fetcher,
	browser scrape.Fetcher,
	async scrape.AsyncFetcher,
	archiver scrape.Archiver,
	publisher scrape.Publisher,
	clock scrape.Clock,
	cfg ScrapeConfig,
	logger *zap.Logger,
) *Scrape {
	if cfg.LockFor <= 0 {
		cfg.LockFor = 30 * time.Minute
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	return &Scrape{
		store:     store,
		registry:  registry,
		plain:     plain,
		browser:   browser,
		async:     async,
		archiver:  archiver,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunOnce drains every currently due site. Sites leased but not due
// are released and skipped; a seen set keeps the pass from re-leasing
// them forever.
func (w *Scrape) RunOnce(ctx context.Context) error {
	started := w.clock.Now()
	run := scrape.WorkflowRun{
		WorkflowName: NameSiteScrape,
		WorkerID:     w.cfg.WorkerID,
		Status:       "completed",
		StartedAt:    started,
	}
	defer func() {
		run.FinishedAt = w.clock.Now()
		recordRun(ctx, w.store, w.logger, run)
	}()

	schedules, err := w.loadSchedules(ctx)
	if err != nil {
		run.Status = "failed"
		run.ErrorText = err.Error()
		return err
	}

	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			run.Status = "canceled"
			return err
		}
		site, err := w.store.LeaseSite(ctx, w.cfg.WorkerID, w.cfg.LockFor, w.cfg.Filter)
		if err != nil {
			run.Status = "failed"
			run.ErrorText = err.Error()
			return fmt.Errorf("lease site: %w", err)
		}
		if site == nil {
			return nil
		}
		if seen[site.ID] {
			w.release(ctx, site.ID)
			return nil
		}
		seen[site.ID] = true

		sched := schedules[site.ScheduleID]
		due, reason := schedule.IsDue(*site, sched, w.clock.Now())
		if !due {
			w.logger.Debug("site not due",
				zap.String("site", site.URL),
				zap.String("reason", reason),
			)
			w.release(ctx, site.ID)
			continue
		}

		run.SiteURLs = append(run.SiteURLs, site.URL)
		jobs, queued, err := w.processSite(ctx, *site)
		// last_run_at is stamped only when the attempt resolved: a
		// retryable failure leaves the site due so the next pass
		// retries inside the same slot, with any manual trigger intact.
		switch {
		case err == nil && queued:
			metrics.ObserveSiteScrape(site.SiteType, "queued")
			w.touch(ctx, site.ID)
			w.release(ctx, site.ID)
		case err == nil:
			metrics.ObserveSiteScrape(site.SiteType, "completed")
			run.SitesScraped++
			run.JobsScraped += jobs
			w.touch(ctx, site.ID)
			if err := w.store.CompleteSite(ctx, site.ID); err != nil {
				w.logger.Error("complete site failed", zap.String("site", site.URL), zap.Error(err))
			}
		case scrape.IsRetryable(err):
			metrics.ObserveSiteScrape(site.SiteType, "retryable")
			w.logger.Warn("site scrape will retry",
				zap.String("site", site.URL),
				zap.Error(err),
			)
			run.ErrorText = err.Error()
			w.release(ctx, site.ID)
		default:
			metrics.ObserveSiteScrape(site.SiteType, "failed")
			w.logger.Error("site scrape failed",
				zap.String("site", site.URL),
				zap.Error(err),
			)
			run.ErrorText = err.Error()
			w.touch(ctx, site.ID)
			if err := w.store.FailSite(ctx, site.ID, err.Error()); err != nil {
				w.logger.Error("fail site update failed", zap.String("site", site.URL), zap.Error(err))
			}
		}
	}
}

// Run executes RunOnce on a fixed interval until the context finishes.
func (w *Scrape) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		metrics.IncActiveWorkers()
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("scrape pass failed", zap.Error(err))
		}
		metrics.DecActiveWorkers()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Scrape) loadSchedules(ctx context.Context) (map[string]*scrape.Schedule, error) {
	list, err := w.store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make(map[string]*scrape.Schedule, len(list))
	for i := range list {
		out[list[i].ID] = &list[i]
	}
	return out, nil
}

// processSite runs one fetch cycle for a leased, due site. It returns
// the number of jobs ingested directly and whether the work was queued
// with the async provider instead.
func (w *Scrape) processSite(ctx context.Context, site scrape.Site) (int, bool, error) {
	handler := w.registry.ForSite(site)
	if handler == nil {
		return 0, false, scrape.Terminal("no handler", fmt.Errorf("no handler for %s", site.URL))
	}

	listingURL, err := handler.ListingAPIURL(site.URL)
	if err != nil {
		return 0, false, scrape.Terminal("derive listing url", err)
	}
	fetchCfg := handler.FetchConfig(listingURL)

	if site.ScrapeProvider.Async() {
		if w.async == nil {
			return 0, false, scrape.Terminal("async provider not configured",
				fmt.Errorf("site %s wants provider %s", site.URL, site.ScrapeProvider))
		}
		return 0, true, w.startAsync(ctx, site, fetchCfg)
	}

	started := w.clock.Now()
	links, payload, err := w.collectListing(ctx, handler, fetchCfg)
	if err != nil {
		return 0, false, err
	}

	jobURLs := handler.FilterJobURLs(links)
	fresh, err := w.store.FilterExistingJobURLs(ctx, jobURLs)
	if err != nil {
		return 0, false, fmt.Errorf("filter job urls: %w", err)
	}

	entries := make([]scrape.ScrapeURLQueueEntry, 0, len(fresh))
	for _, u := range fresh {
		entries = append(entries, scrape.ScrapeURLQueueEntry{
			URL:       u,
			SourceURL: site.URL,
			SiteID:    site.ID,
			Pattern:   site.Pattern,
			Provider:  site.ScrapeProvider,
		})
	}
	if len(entries) > 0 {
		if err := w.store.EnqueueScrapeURLs(ctx, entries); err != nil {
			return 0, false, fmt.Errorf("enqueue scrape urls: %w", err)
		}
	}

	completed := w.clock.Now()
	record := scrape.ScrapeRecord{
		SourceURL:    site.URL,
		Pattern:      site.Pattern,
		StartedAt:    started,
		CompletedAt:  &completed,
		Provider:     site.ScrapeProvider,
		WorkflowName: NameSiteScrape,
		Request:      fetchCfg,
		RawPayload:   payload,
		Kind:         scrape.WebhookKindListing,
		Queued:       len(entries) > 0,
	}
	record.ArchiveURI = w.archive(ctx, site.URL, payload)
	if _, err := w.store.InsertScrapeRecord(ctx, record); err != nil {
		return 0, false, fmt.Errorf("insert scrape record: %w", err)
	}

	w.publish(ctx, map[string]any{
		"site":        site.URL,
		"urls_found":  len(jobURLs),
		"urls_queued": len(entries),
		"finished_at": completed.Format(time.RFC3339),
	})
	w.logger.Info("site listing scraped",
		zap.String("site", site.URL),
		zap.String("site_type", site.SiteType),
		zap.Int("urls_found", len(jobURLs)),
		zap.Int("urls_queued", len(entries)),
	)
	return 0, false, nil
}

// collectListing fetches the listing page plus any pagination pages
// and returns the union of extracted links. Page fetch errors after
// the first page degrade to a partial result.
func (w *Scrape) collectListing(ctx context.Context, handler sites.Handler, cfg scrape.FetchConfig) ([]string, []byte, error) {
	result, err := w.fetch(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	links, err := handler.Links(result.Body, result.URL)
	if err != nil {
		return nil, nil, scrape.Terminal("extract links", err)
	}

	pages, err := handler.PaginationURLs(result.Body, result.URL)
	if err != nil {
		w.logger.Warn("pagination derivation failed", zap.String("url", cfg.URL), zap.Error(err))
	}
	if len(pages) > w.cfg.MaxPages {
		pages = pages[:w.cfg.MaxPages]
	}
	for _, page := range pages {
		pageCfg := handler.FetchConfig(page)
		pageResult, err := w.fetch(ctx, pageCfg)
		if err != nil {
			w.logger.Warn("pagination fetch failed", zap.String("url", page), zap.Error(err))
			continue
		}
		pageLinks, err := handler.Links(pageResult.Body, pageResult.URL)
		if err != nil {
			w.logger.Warn("pagination extract failed", zap.String("url", page), zap.Error(err))
			continue
		}
		links = append(links, pageLinks...)
	}
	return links, result.Body, nil
}

func (w *Scrape) startAsync(ctx context.Context, site scrape.Site, cfg scrape.FetchConfig) error {
	job, err := w.async.StartJob(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("start async job: %w", err)
	}
	// Placeholder row: no Event until the provider actually calls
	// back. Recovery keys off rows that stay in this state.
	_, err = w.store.InsertWebhookEvent(ctx, scrape.WebhookEvent{
		JobID: job.JobID,
		Metadata: scrape.WebhookMetadata{
			SiteID:  site.ID,
			SiteURL: site.URL,
			Kind:    scrape.WebhookKindListing,
		},
		ReceivedAt: w.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert placeholder event: %w", err)
	}
	w.logger.Info("async listing job submitted",
		zap.String("site", site.URL),
		zap.String("job_id", job.JobID),
	)
	return nil
}

func (w *Scrape) fetch(ctx context.Context, cfg scrape.FetchConfig) (scrape.FetchResult, error) {
	fetcher := w.plain
	provider := string(scrape.ProviderHTTP)
	if cfg.RenderMode == scrape.RenderModeBrowser {
		fetcher = w.browser
		provider = string(scrape.ProviderBrowser)
	}
	if fetcher == nil {
		return scrape.FetchResult{}, scrape.Terminal("no fetcher",
			fmt.Errorf("no fetcher for render mode %s", cfg.RenderMode))
	}
	result, err := fetcher.Fetch(ctx, cfg)
	if err != nil {
		return scrape.FetchResult{}, err
	}
	metrics.ObserveFetch(provider, result.Duration)
	return result, nil
}

func (w *Scrape) archive(ctx context.Context, siteURL string, payload []byte) string {
	if w.archiver == nil || len(payload) == 0 {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%d.listing",
		w.cfg.ArchivePrefix, metrics.SanitizeSite(siteURL), w.clock.Now().UnixNano())
	uri, err := w.archiver.Archive(ctx, path, "application/octet-stream", payload)
	if err != nil {
		w.logger.Warn("archive listing failed", zap.String("site", siteURL), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Scrape) publish(ctx context.Context, payload map[string]any) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish scrape event failed", zap.Error(err))
	}
}

func (w *Scrape) release(ctx context.Context, siteID string) {
	if err := w.store.ReleaseSite(ctx, siteID); err != nil {
		w.logger.Error("release site failed", zap.String("site_id", siteID), zap.Error(err))
	}
}

func (w *Scrape) touch(ctx context.Context, siteID string) {
	if err := w.store.TouchSiteRun(ctx, siteID, w.clock.Now()); err != nil {
		w.logger.Error("touch site run failed", zap.String("site_id", siteID), zap.Error(err))
	}
}

// recordRun is best-effort audit shared by every workflow: a failure to
// write the row is logged and never fails the pass itself.
func recordRun(ctx context.Context, store scrape.Store, logger *zap.Logger, run scrape.WorkflowRun) {
	if err := store.RecordWorkflowRun(ctx, run); err != nil {
		logger.Error("record workflow run failed",
			zap.String("workflow", run.WorkflowName),
			zap.Error(err),
		)
	}
}

package scrape

import (
	"context"
	"time"
)

// LeaseFilter narrows which sites a worker is willing to claim.
type LeaseFilter struct {
	SiteType       string
	ScrapeProvider Provider
}

// Store is the persistent store the engine drives. Every method maps to
// one query/mutation RPC; atomicity requirements live on the store side.
type Store interface {
	// LeaseSite atomically claims one eligible site (enabled, not
	// failed, lock absent or expired, matching the filter) and stamps
	// lockOwner/lockExpiresAt. Returns nil when nothing is eligible.
	LeaseSite(ctx context.Context, workerID string, lockFor time.Duration, filter LeaseFilter) (*Site, error)
	CompleteSite(ctx context.Context, siteID string) error
	FailSite(ctx context.Context, siteID string, errText string) error
	// ReleaseSite drops the lease without completing or failing the
	// site, for sites leased but found not due yet.
	ReleaseSite(ctx context.Context, siteID string) error
	TouchSiteRun(ctx context.Context, siteID string, ranAt time.Time) error
	// TriggerSite stamps a manual trigger; the next scheduler pass
	// runs the site regardless of its schedule while the trigger is
	// inside its validity window.
	TriggerSite(ctx context.Context, siteID string, at time.Time) error

	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListSites(ctx context.Context) ([]Site, error)

	// FilterExistingJobURLs returns the subset of urls NOT yet
	// associated with an ingested Job.
	FilterExistingJobURLs(ctx context.Context, urls []string) ([]string, error)

	EnqueueScrapeURLs(ctx context.Context, entries []ScrapeURLQueueEntry) error
	LeaseScrapeURLBatch(ctx context.Context, provider Provider, limit int, processingFor time.Duration) (URLBatch, error)
	CompleteScrapeURLs(ctx context.Context, urls []string, status QueueStatus, errText string) error

	InsertScrapeRecord(ctx context.Context, rec ScrapeRecord) (string, error)
	IngestJobsFromScrape(ctx context.Context, recordID string, jobs []Job) (int, error)

	RecordWorkflowRun(ctx context.Context, run WorkflowRun) error

	ListPendingWebhooks(ctx context.Context, limit int) ([]WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, errText string) error
	InsertWebhookEvent(ctx context.Context, ev WebhookEvent) (string, error)
	// WebhookForJob returns the earliest event row recorded for the
	// provider job, or nil. Webhook ingestion uses it to recover the
	// site context a callback belongs to.
	WebhookForJob(ctx context.Context, jobID string) (*WebhookEvent, error)
	// WebhookDelivery reports whether a callback for the provider job
	// was processed, and whether a real (non-placeholder) event row
	// exists at all. The recovery workflow uses both bits.
	WebhookDelivery(ctx context.Context, jobID string) (processed bool, delivered bool, err error)
}

// Fetcher retrieves a URL synchronously according to its FetchConfig.
type Fetcher interface {
	Fetch(ctx context.Context, cfg FetchConfig) (FetchResult, error)
}

// AsyncFetcher starts a third-party crawl job whose results arrive via
// webhook, and supports direct status polling for recovery.
type AsyncFetcher interface {
	StartJob(ctx context.Context, cfg FetchConfig, seedURLs []string) (AsyncJob, error)
	// StartBatch submits one batched fetch covering every URL, never
	// one job per URL.
	StartBatch(ctx context.Context, cfgs []FetchConfig) (AsyncJob, error)
	// PollJob returns nil while the job is still running and the full
	// result set once it finished.
	PollJob(ctx context.Context, jobID string) (*AsyncJobResult, error)
}

// Publisher pushes completion events downstream, best-effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver persists a raw fetch payload and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// Provider identifies the fetch backend a site is scraped with.
type Provider string

// Providers supported by the fetch layer.
const (
	ProviderHTTP     Provider = "http"
	ProviderBrowser  Provider = "browser"
	ProviderCrawlAPI Provider = "crawlapi"
)

// Async reports whether results for this provider arrive via webhook
// instead of being returned by the fetch call itself.
func (p Provider) Async() bool {
	return p == ProviderCrawlAPI
}

// Site is one external career page or API configured for scraping.
// The persistent store owns the row; workflows only touch it through
// lease/complete/fail calls.
type Site struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Pattern         string     `json:"pattern,omitempty"`
	SiteType        string     `json:"siteType,omitempty"`
	ScrapeProvider  Provider   `json:"scrapeProvider"`
	ScheduleID      string     `json:"scheduleId,omitempty"`
	Enabled         bool       `json:"enabled"`
	LockOwner       string     `json:"lockOwner,omitempty"`
	LockExpiresAt   *time.Time `json:"lockExpiresAt,omitempty"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	ManualTriggerAt *time.Time `json:"manualTriggerAt,omitempty"`
	Completed       bool       `json:"completed"`
	Failed          bool       `json:"failed"`
	LastError       string     `json:"lastError,omitempty"`
}

// Schedule is a recurring day/time/interval/timezone rule governing
// when a Site is due. Immutable during a run.
type Schedule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	DaysOfWeek      []time.Weekday `json:"daysOfWeek"`
	StartTime       string         `json:"startTime"` // "HH:MM" local to Timezone
	IntervalMinutes int            `json:"intervalMinutes"`
	Timezone        string         `json:"timezone"`
}

// QueueStatus is the lifecycle state of a ScrapeURLQueueEntry.
type QueueStatus string

// Queue entry states persisted in the store.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusInvalid    QueueStatus = "invalid"
)

// ScrapeURLQueueEntry is one detail-page URL awaiting batched fetch.
type ScrapeURLQueueEntry struct {
	URL       string      `json:"url"`
	SourceURL string      `json:"sourceUrl"`
	SiteID    string      `json:"siteId,omitempty"`
	Pattern   string      `json:"pattern,omitempty"`
	Provider  Provider    `json:"provider"`
	Status    QueueStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	LastError string      `json:"lastError,omitempty"`
}

// WebhookKind classifies the payload carried by an asynchronous callback.
type WebhookKind string

// Webhook payload kinds.
const (
	WebhookKindListing WebhookKind = "listing"
	WebhookKindJob     WebhookKind = "job"
)

// WebhookMetadata carries the site context a callback belongs to.
type WebhookMetadata struct {
	SiteID   string      `json:"siteId,omitempty"`
	SiteURL  string      `json:"siteUrl,omitempty"`
	Kind     WebhookKind `json:"kind,omitempty"`
	SeedURLs []string    `json:"seedUrls,omitempty"`
}

// WebhookEvent is an asynchronous provider callback awaiting
// classification and ingestion. Created by the callback receiver,
// consumed exactly once by the ingest or recovery workflow.
type WebhookEvent struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	Event        string          `json:"event"`
	Status       string          `json:"status"`
	Metadata     WebhookMetadata `json:"metadata"`
	Payload      []byte          `json:"payload,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Processed    bool            `json:"processed"`
	ProcessError string          `json:"processError,omitempty"`
}

// Provider job statuses reported inside webhook events.
const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusExpired   = "expired"
)

// Job is a normalized, deduplicated posting. The URL is the natural
// dedup key; a URL already associated with a Job is never re-ingested.
type Job struct {
	Title        string     `json:"title"`
	Company      string     `json:"company,omitempty"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Remote       bool       `json:"remote"`
	Level        string     `json:"level,omitempty"`
	Compensation string     `json:"compensation,omitempty"`
	URL          string     `json:"url"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	ScrapedWith  Provider   `json:"scrapedWith,omitempty"`
	ScrapedAt    time.Time  `json:"scrapedAt"`
}

// ScrapeRecord is an immutable audit plus ingestion unit produced by
// one fetch. Never mutated after creation.
type ScrapeRecord struct {
	ID           string      `json:"id,omitempty"`
	SourceURL    string      `json:"sourceUrl"`
	Pattern      string      `json:"pattern,omitempty"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	Provider     Provider    `json:"provider"`
	WorkflowName string      `json:"workflowName"`
	Request      FetchConfig `json:"request"`
	Items        []Job       `json:"items,omitempty"`
	RawPayload   []byte      `json:"rawPayload,omitempty"`
	ArchiveURI   string      `json:"archiveUri,omitempty"`
	Kind         WebhookKind `json:"kind,omitempty"`
	Queued       bool        `json:"queued"`
}

// WorkflowRun is the audit row written once per workflow execution.
// Write-only and best-effort: failures to record it never fail the run.
type WorkflowRun struct {
	WorkflowName string    `json:"workflowName"`
	WorkerID     string    `json:"workerId"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	SiteURLs     []string  `json:"siteUrls,omitempty"`
	SitesScraped int       `json:"sitesScraped"`
	JobsScraped  int       `json:"jobsScraped"`
	ErrorText    string    `json:"errorText,omitempty"`
}

// RenderMode selects how the fetch backend retrieves a URL.
type RenderMode string

// Render modes understood by fetch backends.
const (
	RenderModePlain   RenderMode = "plain"
	RenderModeBrowser RenderMode = "browser"
)

// OutputFormat is the response shape the caller expects back.
type OutputFormat string

// Output formats a handler may request.
const (
	OutputHTML     OutputFormat = "html"
	OutputJSON     OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
)

// FetchConfig is the per-URL fetch configuration produced by the
// matched site handler. It is the only place site-specific fetch
// behavior is expressed; the fetch client owns everything else.
type FetchConfig struct {
	URL             string            `json:"url"`
	RenderMode      RenderMode        `json:"renderMode"`
	Output          OutputFormat      `json:"output"`
	WaitForSelector string            `json:"waitForSelector,omitempty"`
	WaitMillis      int               `json:"waitMillis,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
}

// FetchResult is raw content returned by a fetch backend.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// AsyncJob is the handle returned when an asynchronous provider accepts
// a crawl job; completion arrives later as a WebhookEvent.
type AsyncJob struct {
	JobID     string
	Provider  Provider
	Submitted time.Time
}

// AsyncJobResult is the complete output of a finished provider job
// fetched by polling. A batched job carries one entry per URL.
type AsyncJobResult struct {
	JobID   string
	Status  string
	Results []FetchResult
}

// URLBatch is the result of leasing pending queue entries.
type URLBatch struct {
	URLs        []ScrapeURLQueueEntry
	SkippedURLs []string
}

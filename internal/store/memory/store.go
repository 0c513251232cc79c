// Package memory provides an in-memory Store for tests and local
// development. All operations take the same single lock, which gives
// the same atomicity the Postgres store gets from single statements.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobsift/crawler/internal/scrape"
)

// Store keeps all engine state in process memory.
type Store struct {
	mu        sync.Mutex
	clock     scrape.Clock
	sites     []*scrape.Site
	schedules []scrape.Schedule
	queue     map[string]*scrape.ScrapeURLQueueEntry
	queueURLs []string
	records   map[string]scrape.ScrapeRecord
	ingested  map[string]bool
	jobs      []scrape.Job
	runs      []scrape.WorkflowRun
	webhooks  []*scrape.WebhookEvent
}

// NewStore constructs an empty Store. A nil clock means wall clock.
func NewStore(clock scrape.Clock) *Store {
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Store{
		clock:    clock,
		queue:    make(map[string]*scrape.ScrapeURLQueueEntry),
		records:  make(map[string]scrape.ScrapeRecord),
		ingested: make(map[string]bool),
	}
}

// SeedSite registers a site. Test/dev helper.
func (s *Store) SeedSite(site scrape.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	copied := site
	for i, existing := range s.sites {
		if existing.ID == copied.ID {
			s.sites[i] = &copied
			return
		}
	}
	s.sites = append(s.sites, &copied)
}

// SeedSchedule registers a schedule. Test/dev helper.
func (s *Store) SeedSchedule(sched scrape.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, sched)
}

// LeaseSite claims the first eligible site in registration order.
func (s *Store) LeaseSite(ctx context.Context, workerID string, lockFor time.Duration, filter scrape.LeaseFilter) (*scrape.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, site := range s.sites {
		if !site.Enabled || site.Failed {
			continue
		}
		if site.LockExpiresAt != nil && site.LockExpiresAt.After(now) {
			continue
		}
		if filter.SiteType != "" && site.SiteType != filter.SiteType {
			continue
		}
		if filter.ScrapeProvider != "" && site.ScrapeProvider != filter.ScrapeProvider {
			continue
		}
		expires := now.Add(lockFor)
		site.LockOwner = workerID
		site.LockExpiresAt = &expires
		leased := *site
		return &leased, nil
	}
	return nil, nil
}

// CompleteSite releases the lease and marks the site complete.
func (s *Store) CompleteSite(ctx context.Context, siteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.findSite(siteID)
	if site == nil {
		return fmt.Errorf("site %s not found", siteID)
	}
	site.LockOwner = ""
	site.LockExpiresAt = nil
	site.Completed = true
	return nil
}

// ReleaseSite drops the lease without completing or failing the site.
func (s *Store) ReleaseSite(ctx context.Context, siteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.findSite(siteID)
	if site == nil {
		return fmt.Errorf("site %s not found", siteID)
	}
	site.LockOwner = ""
	site.LockExpiresAt = nil
	return nil
}

// FailSite releases the lease and records the failure; the site is
// excluded from leasing until reset externally.
func (s *Store) FailSite(ctx context.Context, siteID string, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.findSite(siteID)
	if site == nil {
		return fmt.Errorf("site %s not found", siteID)
	}
	site.LockOwner = ""
	site.LockExpiresAt = nil
	site.Failed = true
	site.LastError = errText
	return nil
}

// TouchSiteRun stamps the site's last run time.
func (s *Store) TouchSiteRun(ctx context.Context, siteID string, ranAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.findSite(siteID)
	if site == nil {
		return fmt.Errorf("site %s not found", siteID)
	}
	site.LastRunAt = &ranAt
	return nil
}

// TriggerSite stamps a manual trigger.
func (s *Store) TriggerSite(ctx context.Context, siteID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.findSite(siteID)
	if site == nil {
		return fmt.Errorf("site %s not found", siteID)
	}
	site.ManualTriggerAt = &at
	return nil
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]scrape.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out, nil
}

// ListSites returns a snapshot of every site.
func (s *Store) ListSites(ctx context.Context) ([]scrape.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, *site)
	}
	return out, nil
}

// FilterExistingJobURLs returns the subset of urls with no ingested Job.
func (s *Store) FilterExistingJobURLs(ctx context.Context, urls []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		if !s.ingested[u] {
			fresh = append(fresh, u)
		}
	}
	return fresh, nil
}

// EnqueueScrapeURLs adds pending queue entries, skipping known URLs.
func (s *Store) EnqueueScrapeURLs(ctx context.Context, entries []scrape.ScrapeURLQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, e := range entries {
		if _, exists := s.queue[e.URL]; exists {
			continue
		}
		e.Status = scrape.QueueStatusPending
		e.CreatedAt = now
		e.UpdatedAt = now
		copied := e
		s.queue[e.URL] = &copied
		s.queueURLs = append(s.queueURLs, e.URL)
	}
	return nil
}

// LeaseScrapeURLBatch claims up to limit pending entries for the
// provider. Processing entries past their expiry are reclaimed; URLs
// that gained a Job since enqueue are skipped and closed out.
func (s *Store) LeaseScrapeURLBatch(ctx context.Context, provider scrape.Provider, limit int, processingFor time.Duration) (scrape.URLBatch, error) {
	if err := ctx.Err(); err != nil {
		return scrape.URLBatch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var batch scrape.URLBatch
	for _, u := range s.queueURLs {
		if len(batch.URLs) >= limit {
			break
		}
		entry := s.queue[u]
		if entry.Provider != provider {
			continue
		}
		claimable := entry.Status == scrape.QueueStatusPending ||
			(entry.Status == scrape.QueueStatusProcessing && now.Sub(entry.UpdatedAt) > processingFor)
		if !claimable {
			continue
		}
		if s.ingested[entry.URL] {
			entry.Status = scrape.QueueStatusCompleted
			entry.UpdatedAt = now
			batch.SkippedURLs = append(batch.SkippedURLs, entry.URL)
			continue
		}
		entry.Status = scrape.QueueStatusProcessing
		entry.Attempts++
		entry.UpdatedAt = now
		batch.URLs = append(batch.URLs, *entry)
	}
	return batch, nil
}

// CompleteScrapeURLs transitions entries to a terminal status.
func (s *Store) CompleteScrapeURLs(ctx context.Context, urls []string, status scrape.QueueStatus, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, u := range urls {
		entry, ok := s.queue[u]
		if !ok {
			continue
		}
		entry.Status = status
		entry.UpdatedAt = now
		entry.LastError = errText
	}
	return nil
}

// InsertScrapeRecord stores the audit record and returns its id.
func (s *Store) InsertScrapeRecord(ctx context.Context, rec scrape.ScrapeRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// IngestJobsFromScrape ingests normalized jobs, skipping URLs that
// already have a Job. Returns how many were actually added.
func (s *Store) IngestJobsFromScrape(ctx context.Context, recordID string, jobs []scrape.Job) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[recordID]; !ok {
		return 0, fmt.Errorf("scrape record %s not found", recordID)
	}
	added := 0
	for _, job := range jobs {
		if job.URL == "" || s.ingested[job.URL] {
			continue
		}
		s.ingested[job.URL] = true
		s.jobs = append(s.jobs, job)
		added++
	}
	return added, nil
}

// RecordWorkflowRun appends an audit row.
func (s *Store) RecordWorkflowRun(ctx context.Context, run scrape.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// InsertWebhookEvent stores a callback row and returns its id.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev scrape.WebhookEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.clock.Now()
	}
	copied := ev
	s.webhooks = append(s.webhooks, &copied)
	return ev.ID, nil
}

// ListPendingWebhooks returns up to limit unprocessed events, oldest
// first.
func (s *Store) ListPendingWebhooks(ctx context.Context, limit int) ([]scrape.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]scrape.WebhookEvent, 0, limit)
	sorted := make([]*scrape.WebhookEvent, len(s.webhooks))
	copy(sorted, s.webhooks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})
	for _, ev := range sorted {
		if ev.Processed {
			continue
		}
		pending = append(pending, *ev)
		if len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

// MarkWebhookProcessed closes out one event.
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.webhooks {
		if ev.ID == eventID {
			ev.Processed = true
			ev.ProcessError = errText
			return nil
		}
	}
	return fmt.Errorf("webhook event %s not found", eventID)
}

// WebhookForJob returns the earliest event recorded for the job.
func (s *Store) WebhookForJob(ctx context.Context, jobID string) (*scrape.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.webhooks {
		if ev.JobID == jobID {
			copied := *ev
			return &copied, nil
		}
	}
	return nil, nil
}

// WebhookDelivery reports delivery state for a provider job. An event
// counts as delivered only when it carries a real event type;
// placeholder rows (empty event) do not.
func (s *Store) WebhookDelivery(ctx context.Context, jobID string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	processed, delivered := false, false
	for _, ev := range s.webhooks {
		if ev.JobID != jobID {
			continue
		}
		if ev.Event != "" {
			delivered = true
		}
		if ev.Processed {
			processed = true
		}
	}
	return processed, delivered, nil
}

// Jobs returns ingested jobs. Test helper.
func (s *Store) Jobs() []scrape.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Runs returns recorded workflow runs. Test helper.
func (s *Store) Runs() []scrape.WorkflowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.WorkflowRun, len(s.runs))
	copy(out, s.runs)
	return out
}

// Records returns inserted scrape records. Test helper.
func (s *Store) Records() []scrape.ScrapeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.ScrapeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// QueueEntry returns one queue entry by URL. Test helper.
func (s *Store) QueueEntry(url string) (scrape.ScrapeURLQueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.queue[url]
	if !ok {
		return scrape.ScrapeURLQueueEntry{}, false
	}
	return *entry, true
}

// Webhook returns one webhook event by id. Test helper.
func (s *Store) Webhook(id string) (scrape.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.webhooks {
		if ev.ID == id {
			return *ev, true
		}
	}
	return scrape.WebhookEvent{}, false
}

// Site returns one site by id. Test helper.
func (s *Store) Site(id string) (scrape.Site, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site := s.findSite(id)
	if site == nil {
		return scrape.Site{}, false
	}
	return *site, true
}

func (s *Store) findSite(id string) *scrape.Site {
	for _, site := range s.sites {
		if site.ID == id {
			return site
		}
	}
	return nil
}

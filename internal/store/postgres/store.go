// Package postgres provides the Postgres-backed Store. All mutations
// ride single statements so the engine can treat them as atomic RPCs;
// leasing uses FOR UPDATE SKIP LOCKED so concurrent workers never race
// over one row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobsift/crawler/internal/scrape"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements scrape.Store on Postgres.
type Store struct {
	pool  db
	clock scrape.Clock
}

// NewStore connects a pool from config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: scrape.SystemClock{}}, nil
}

// NewStoreWithPool constructs a Store from an existing pool, primarily
// for tests.
func NewStoreWithPool(pool db, clock scrape.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const siteColumns = `id, url, pattern, site_type, scrape_provider, schedule_id,
	enabled, lock_owner, lock_expires_at, last_run_at, manual_trigger_at,
	completed, failed, last_error`

func scanSite(row pgx.Row) (*scrape.Site, error) {
	var (
		site            scrape.Site
		pattern         *string
		siteType        *string
		scheduleID      *string
		lockOwner       *string
		lastError       *string
		provider        string
		lockExpiresAt   *time.Time
		lastRunAt       *time.Time
		manualTriggerAt *time.Time
	)
	err := row.Scan(
		&site.ID, &site.URL, &pattern, &siteType, &provider, &scheduleID,
		&site.Enabled, &lockOwner, &lockExpiresAt, &lastRunAt, &manualTriggerAt,
		&site.Completed, &site.Failed, &lastError,
	)
	if err != nil {
		return nil, err
	}
	site.ScrapeProvider = scrape.Provider(provider)
	site.LockExpiresAt = lockExpiresAt
	site.LastRunAt = lastRunAt
	site.ManualTriggerAt = manualTriggerAt
	if pattern != nil {
		site.Pattern = *pattern
	}
	if siteType != nil {
		site.SiteType = *siteType
	}
	if scheduleID != nil {
		site.ScheduleID = *scheduleID
	}
	if lockOwner != nil {
		site.LockOwner = *lockOwner
	}
	if lastError != nil {
		site.LastError = *lastError
	}
	return &site, nil
}

// LeaseSite atomically claims one eligible site. SKIP LOCKED keeps
// concurrent lease calls from blocking on each other's candidate row.
func (s *Store) LeaseSite(ctx context.Context, workerID string, lockFor time.Duration, filter scrape.LeaseFilter) (*scrape.Site, error) {
	now := s.clock.Now()
	query := `
		UPDATE sites SET lock_owner = $1, lock_expires_at = $2
		WHERE id = (
			SELECT id FROM sites
			WHERE enabled AND NOT failed
			  AND (lock_expires_at IS NULL OR lock_expires_at < $3)
			  AND ($4 = '' OR site_type = $4)
			  AND ($5 = '' OR scrape_provider = $5)
			ORDER BY last_run_at ASC NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + siteColumns
	site, err := scanSite(s.pool.QueryRow(ctx, query,
		workerID, now.Add(lockFor), now, filter.SiteType, string(filter.ScrapeProvider),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease site: %w", err)
	}
	return site, nil
}

// CompleteSite clears the lease and marks the run complete.
func (s *Store) CompleteSite(ctx context.Context, siteID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites
		SET lock_owner = NULL, lock_expires_at = NULL, completed = TRUE
		WHERE id = $1`, siteID)
	if err != nil {
		return fmt.Errorf("complete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete site: %s not found", siteID)
	}
	return nil
}

// ReleaseSite drops the lease without touching completion state.
func (s *Store) ReleaseSite(ctx context.Context, siteID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1`, siteID)
	if err != nil {
		return fmt.Errorf("release site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release site: %s not found", siteID)
	}
	return nil
}

// FailSite clears the lease and records the failure.
func (s *Store) FailSite(ctx context.Context, siteID string, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites
		SET lock_owner = NULL, lock_expires_at = NULL, failed = TRUE, last_error = $2
		WHERE id = $1`, siteID, errText)
	if err != nil {
		return fmt.Errorf("fail site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail site: %s not found", siteID)
	}
	return nil
}

// TouchSiteRun stamps the last run time.
func (s *Store) TouchSiteRun(ctx context.Context, siteID string, ranAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE sites SET last_run_at = $2 WHERE id = $1`, siteID, ranAt); err != nil {
		return fmt.Errorf("touch site run: %w", err)
	}
	return nil
}

// TriggerSite stamps a manual trigger.
func (s *Store) TriggerSite(ctx context.Context, siteID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET manual_trigger_at = $2 WHERE id = $1`, siteID, at)
	if err != nil {
		return fmt.Errorf("trigger site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trigger site: %s not found", siteID)
	}
	return nil
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]scrape.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, days_of_week, start_time, interval_minutes, timezone
		FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []scrape.Schedule
	for rows.Next() {
		var (
			sched scrape.Schedule
			days  []int32
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &days, &sched.StartTime,
			&sched.IntervalMinutes, &sched.Timezone); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.DaysOfWeek = make([]time.Weekday, 0, len(days))
		for _, d := range days {
			sched.DaysOfWeek = append(sched.DaysOfWeek, time.Weekday(d))
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// ListSites returns every site.
func (s *Store) ListSites(ctx context.Context) ([]scrape.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []scrape.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, *site)
	}
	return out, rows.Err()
}

// FilterExistingJobURLs returns the urls not yet ingested as jobs.
func (s *Store) FilterExistingJobURLs(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT url FROM jobs WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, fmt.Errorf("filter job urls: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan job url: %w", err)
		}
		existing[u] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		if !existing[u] {
			fresh = append(fresh, u)
		}
	}
	return fresh, nil
}

// EnqueueScrapeURLs inserts pending entries; known URLs are left alone.
func (s *Store) EnqueueScrapeURLs(ctx context.Context, entries []scrape.ScrapeURLQueueEntry) error {
	now := s.clock.Now()
	for _, e := range entries {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO scrape_url_queue
				(url, source_url, site_id, pattern, provider, status, attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)
			ON CONFLICT (url) DO NOTHING`,
			e.URL, e.SourceURL, nullable(e.SiteID), nullable(e.Pattern), string(e.Provider), now)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", e.URL, err)
		}
	}
	return nil
}

const queueColumns = `url, source_url, site_id, pattern, provider, status,
	attempts, created_at, updated_at, last_error`

// LeaseScrapeURLBatch claims up to limit pending entries, reclaiming
// processing entries whose expiry passed, and closes out entries whose
// URL gained a Job since enqueue.
func (s *Store) LeaseScrapeURLBatch(ctx context.Context, provider scrape.Provider, limit int, processingFor time.Duration) (scrape.URLBatch, error) {
	now := s.clock.Now()
	cutoff := now.Add(-processingFor)
	rows, err := s.pool.Query(ctx, `
		UPDATE scrape_url_queue
		SET status = 'processing', attempts = attempts + 1, updated_at = $4
		WHERE url IN (
			SELECT url FROM scrape_url_queue
			WHERE provider = $1
			  AND (status = 'pending' OR (status = 'processing' AND updated_at < $2))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		string(provider), cutoff, limit, now)
	if err != nil {
		return scrape.URLBatch{}, fmt.Errorf("lease url batch: %w", err)
	}
	claimed, err := scanQueueEntries(rows)
	if err != nil {
		return scrape.URLBatch{}, err
	}
	if len(claimed) == 0 {
		return scrape.URLBatch{}, nil
	}

	urls := make([]string, len(claimed))
	for i, e := range claimed {
		urls[i] = e.URL
	}
	fresh, err := s.FilterExistingJobURLs(ctx, urls)
	if err != nil {
		return scrape.URLBatch{}, err
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, u := range fresh {
		freshSet[u] = true
	}

	var batch scrape.URLBatch
	for _, e := range claimed {
		if freshSet[e.URL] {
			batch.URLs = append(batch.URLs, e)
		} else {
			batch.SkippedURLs = append(batch.SkippedURLs, e.URL)
		}
	}
	if len(batch.SkippedURLs) > 0 {
		if err := s.CompleteScrapeURLs(ctx, batch.SkippedURLs, scrape.QueueStatusCompleted, ""); err != nil {
			return scrape.URLBatch{}, err
		}
	}
	return batch, nil
}

func scanQueueEntries(rows pgx.Rows) ([]scrape.ScrapeURLQueueEntry, error) {
	defer rows.Close()
	var out []scrape.ScrapeURLQueueEntry
	for rows.Next() {
		var (
			e         scrape.ScrapeURLQueueEntry
			siteID    *string
			pattern   *string
			lastError *string
			provider  string
			status    string
		)
		if err := rows.Scan(&e.URL, &e.SourceURL, &siteID, &pattern, &provider,
			&status, &e.Attempts, &e.CreatedAt, &e.UpdatedAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Provider = scrape.Provider(provider)
		e.Status = scrape.QueueStatus(status)
		if siteID != nil {
			e.SiteID = *siteID
		}
		if pattern != nil {
			e.Pattern = *pattern
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteScrapeURLs moves entries to a terminal status.
func (s *Store) CompleteScrapeURLs(ctx context.Context, urls []string, status scrape.QueueStatus, errText string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_url_queue
		SET status = $2, last_error = $3, updated_at = $4
		WHERE url = ANY($1)`,
		urls, string(status), nullable(errText), s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete scrape urls: %w", err)
	}
	return nil
}

// InsertScrapeRecord appends the immutable audit row.
func (s *Store) InsertScrapeRecord(ctx context.Context, rec scrape.ScrapeRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return "", fmt.Errorf("marshal request snapshot: %w", err)
	}
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_records
			(id, source_url, pattern, started_at, completed_at, provider,
			 workflow_name, request, items, raw_payload, archive_uri, kind, queued)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.SourceURL, nullable(rec.Pattern), rec.StartedAt, rec.CompletedAt,
		string(rec.Provider), rec.WorkflowName, request, items, rec.RawPayload,
		nullable(rec.ArchiveURI), string(rec.Kind), rec.Queued)
	if err != nil {
		return "", fmt.Errorf("insert scrape record: %w", err)
	}
	return rec.ID, nil
}

// IngestJobsFromScrape inserts normalized jobs; the unique index on
// url makes re-ingestion a no-op, which is what keeps overlapping runs
// at-most-once.
func (s *Store) IngestJobsFromScrape(ctx context.Context, recordID string, jobs []scrape.Job) (int, error) {
	added := 0
	for _, job := range jobs {
		if job.URL == "" {
			continue
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO jobs
				(url, title, company, description, location, remote, level,
				 compensation, posted_at, scraped_with, scraped_at, scrape_record_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (url) DO NOTHING`,
			job.URL, job.Title, nullable(job.Company), nullable(job.Description),
			nullable(job.Location), job.Remote, nullable(job.Level),
			nullable(job.Compensation), job.PostedAt, string(job.ScrapedWith),
			job.ScrapedAt, recordID)
		if err != nil {
			return added, fmt.Errorf("ingest job %s: %w", job.URL, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// RecordWorkflowRun appends the audit row.
func (s *Store) RecordWorkflowRun(ctx context.Context, run scrape.WorkflowRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_runs
			(workflow_name, worker_id, status, started_at, finished_at,
			 site_urls, sites_scraped, jobs_scraped, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.WorkflowName, run.WorkerID, run.Status, run.StartedAt, run.FinishedAt,
		run.SiteURLs, run.SitesScraped, run.JobsScraped, nullable(run.ErrorText))
	if err != nil {
		return fmt.Errorf("record workflow run: %w", err)
	}
	return nil
}

// InsertWebhookEvent stores a raw provider callback.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev scrape.WebhookEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.clock.Now()
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal webhook metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(id, job_id, event, status, metadata, payload, received_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		ev.ID, ev.JobID, ev.Event, ev.Status, metadata, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("insert webhook event: %w", err)
	}
	return ev.ID, nil
}

// ListPendingWebhooks returns up to limit unprocessed events, oldest
// first.
func (s *Store) ListPendingWebhooks(ctx context.Context, limit int) ([]scrape.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event, status, metadata, payload, received_at, processed, process_error
		FROM webhook_events
		WHERE NOT processed
		ORDER BY received_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending webhooks: %w", err)
	}
	defer rows.Close()

	var out []scrape.WebhookEvent
	for rows.Next() {
		var (
			ev           scrape.WebhookEvent
			metadata     []byte
			processError *string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Event, &ev.Status, &metadata,
			&ev.Payload, &ev.ReceivedAt, &ev.Processed, &processError); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode webhook metadata: %w", err)
			}
		}
		if processError != nil {
			ev.ProcessError = *processError
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// WebhookForJob returns the earliest event recorded for the job.
func (s *Store) WebhookForJob(ctx context.Context, jobID string) (*scrape.WebhookEvent, error) {
	var (
		ev           scrape.WebhookEvent
		metadata     []byte
		processError *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, event, status, metadata, payload, received_at, processed, process_error
		FROM webhook_events
		WHERE job_id = $1
		ORDER BY received_at
		LIMIT 1`, jobID).
		Scan(&ev.ID, &ev.JobID, &ev.Event, &ev.Status, &metadata,
			&ev.Payload, &ev.ReceivedAt, &ev.Processed, &processError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("webhook for job: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode webhook metadata: %w", err)
		}
	}
	if processError != nil {
		ev.ProcessError = *processError
	}
	return &ev, nil
}

// MarkWebhookProcessed closes out an event exactly once.
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, process_error = $2
		WHERE id = $1`, eventID, nullable(errText))
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark webhook processed: %s not found", eventID)
	}
	return nil
}

// WebhookDelivery reports whether any callback for the job was
// processed and whether a real (non-placeholder) event row exists.
func (s *Store) WebhookDelivery(ctx context.Context, jobID string) (bool, bool, error) {
	var processed, delivered bool
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(bool_or(processed), FALSE),
		       COALESCE(bool_or(event <> ''), FALSE)
		FROM webhook_events WHERE job_id = $1`, jobID).
		Scan(&processed, &delivered)
	if err != nil {
		return false, false, fmt.Errorf("webhook delivery: %w", err)
	}
	return processed, delivered, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

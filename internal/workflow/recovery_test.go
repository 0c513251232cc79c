package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/crawler/internal/scrape"
)

func seedPlaceholder(t *testing.T, e *env, jobID string, meta scrape.WebhookMetadata) scrape.WebhookEvent {
	t.Helper()
	id, err := e.store.InsertWebhookEvent(context.Background(), scrape.WebhookEvent{
		JobID:      jobID,
		Metadata:   meta,
		ReceivedAt: e.clock.Now(),
	})
	require.NoError(t, err)
	ev, ok := e.store.Webhook(id)
	require.True(t, ok)
	return ev
}

func TestRecovery_StopsWhenEventWasDelivered(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	placeholder := seedPlaceholder(t, e, "crawl-1", scrape.WebhookMetadata{Kind: scrape.WebhookKindListing})
	// The real callback landed after the placeholder was written.
	_, err := e.store.InsertWebhookEvent(ctx, scrape.WebhookEvent{
		JobID:  "crawl-1",
		Event:  "crawl.completed",
		Status: scrape.JobStatusCompleted,
	})
	require.NoError(t, err)

	outcome, err := e.recoveryWorkflow(RecoveryConfig{}).Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Equal(t, RecoveryDelivered, outcome)

	ev, ok := e.store.Webhook(placeholder.ID)
	require.True(t, ok)
	require.True(t, ev.Processed)
	require.Empty(t, e.async.pollErrs, "no provider poll when delivery is visible")
}

func TestRecovery_PollRecoversUndeliveredResults(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	url := "https://careers.acme.example/jobs/42"
	require.NoError(t, e.store.EnqueueScrapeURLs(ctx, []scrape.ScrapeURLQueueEntry{{
		URL:       url,
		SourceURL: "https://careers.acme.example/jobs",
		Provider:  scrape.ProviderCrawlAPI,
	}}))
	placeholder := seedPlaceholder(t, e, "batch-5", scrape.WebhookMetadata{
		SiteURL:  "https://careers.acme.example/jobs",
		Kind:     scrape.WebhookKindJob,
		SeedURLs: []string{url},
	})
	e.async.pollResults["batch-5"] = &scrape.AsyncJobResult{
		JobID:  "batch-5",
		Status: scrape.JobStatusCompleted,
		Results: []scrape.FetchResult{{
			URL:  url,
			Body: []byte("# Recovered Gopher\n\nStill hiring."),
		}},
	}

	rec := e.recoveryWorkflow(RecoveryConfig{})
	outcome, err := rec.Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Equal(t, RecoveryRecovered, outcome)

	jobs := e.store.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "Recovered Gopher", jobs[0].Title)

	entry, ok := e.store.QueueEntry(url)
	require.True(t, ok)
	require.Equal(t, scrape.QueueStatusCompleted, entry.Status)

	ev, ok := e.store.Webhook(placeholder.ID)
	require.True(t, ok)
	require.True(t, ev.Processed)

	// Running the machine again must not double-ingest.
	_, err = rec.Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Len(t, e.store.Jobs(), 1)
}

func TestRecovery_PollIngestsEveryBatchResult(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	first := "https://careers.acme.example/jobs/1"
	second := "https://careers.acme.example/jobs/2"
	require.NoError(t, e.store.EnqueueScrapeURLs(ctx, []scrape.ScrapeURLQueueEntry{
		{URL: first, SourceURL: "https://careers.acme.example/jobs", Provider: scrape.ProviderCrawlAPI},
		{URL: second, SourceURL: "https://careers.acme.example/jobs", Provider: scrape.ProviderCrawlAPI},
	}))
	placeholder := seedPlaceholder(t, e, "batch-9", scrape.WebhookMetadata{
		SiteURL:  "https://careers.acme.example/jobs",
		Kind:     scrape.WebhookKindJob,
		SeedURLs: []string{first, second},
	})
	e.async.pollResults["batch-9"] = &scrape.AsyncJobResult{
		JobID:  "batch-9",
		Status: scrape.JobStatusCompleted,
		Results: []scrape.FetchResult{
			{URL: first, Body: []byte("# First Gopher\n\nBody.")},
			{URL: second, Body: []byte("# Second Gopher\n\nBody.")},
		},
	}

	outcome, err := e.recoveryWorkflow(RecoveryConfig{}).Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Equal(t, RecoveryRecovered, outcome)

	// Every page that came back is a posting; closing the batch on the
	// first result alone would lose the rest while marking their queue
	// entries done.
	jobs := e.store.Jobs()
	require.Len(t, jobs, 2)
	titles := []string{jobs[0].Title, jobs[1].Title}
	require.ElementsMatch(t, []string{"First Gopher", "Second Gopher"}, titles)

	for _, u := range []string{first, second} {
		entry, ok := e.store.QueueEntry(u)
		require.True(t, ok)
		require.Equal(t, scrape.QueueStatusCompleted, entry.Status)
	}
}

func TestRecovery_AbandonsJobThatNeverCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.store.SeedSite(scrape.Site{
		ID:      "site-1",
		URL:     "https://careers.acme.example/jobs",
		Enabled: true,
	})
	placeholder := seedPlaceholder(t, e, "crawl-2", scrape.WebhookMetadata{
		SiteID:  "site-1",
		SiteURL: "https://careers.acme.example/jobs",
		Kind:    scrape.WebhookKindListing,
	})
	// PollJob keeps answering "still running".

	outcome, err := e.recoveryWorkflow(RecoveryConfig{}).Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Equal(t, RecoveryFailed, outcome)

	site, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.True(t, site.Failed)
	require.Contains(t, site.LastError, "never delivered")

	ev, ok := e.store.Webhook(placeholder.ID)
	require.True(t, ok)
	require.True(t, ev.Processed)
}

func TestRecovery_TerminalProviderErrorFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	placeholder := seedPlaceholder(t, e, "crawl-3", scrape.WebhookMetadata{Kind: scrape.WebhookKindListing})
	e.async.pollErrs["crawl-3"] = scrape.Terminal("provider job failed", nil)

	outcome, err := e.recoveryWorkflow(RecoveryConfig{}).Recover(ctx, placeholder)
	require.NoError(t, err)
	require.Equal(t, RecoveryFailed, outcome)
}

func TestRecovery_RunOnceSkipsFreshPlaceholders(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	fresh := seedPlaceholder(t, e, "crawl-4", scrape.WebhookMetadata{Kind: scrape.WebhookKindListing})

	rec := e.recoveryWorkflow(RecoveryConfig{StaleAfter: 10 * time.Minute})
	require.NoError(t, rec.RunOnce(ctx))

	ev, ok := e.store.Webhook(fresh.ID)
	require.True(t, ok)
	require.False(t, ev.Processed, "fresh placeholders are left for the webhook to arrive")

	e.clock.Advance(11 * time.Minute)
	require.NoError(t, rec.RunOnce(ctx))

	ev, ok = e.store.Webhook(fresh.ID)
	require.True(t, ok)
	require.True(t, ev.Processed, "stale placeholder gets driven to an outcome")

	runs := e.store.Runs()
	require.Len(t, runs, 2, "each pass writes its audit row")
	require.Equal(t, NameRecovery, runs[0].WorkflowName)
}

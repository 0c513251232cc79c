package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/crawler/internal/scrape"
)

func seedGenericSite(e *env, id string) scrape.Site {
	e.everyDaySchedule("sched-1")
	site := scrape.Site{
		ID:             id,
		URL:            "https://careers.acme.example/jobs",
		SiteType:       "generic",
		ScrapeProvider: scrape.ProviderBrowser,
		ScheduleID:     "sched-1",
		Enabled:        true,
	}
	e.store.SeedSite(site)
	return site
}

func TestScrape_EnqueuesOnlyFreshJobURLs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	site := seedGenericSite(e, "site-1")

	e.fetcher.pages[site.URL] = listingHTML(
		"https://careers.acme.example/jobs/101",
		"https://careers.acme.example/jobs/102",
		"https://careers.acme.example/about",
	)
	e.ingestJob(t, "https://careers.acme.example/jobs/101")

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	_, ok := e.store.QueueEntry("https://careers.acme.example/jobs/101")
	require.False(t, ok, "already ingested URL must not be queued")
	entry, ok := e.store.QueueEntry("https://careers.acme.example/jobs/102")
	require.True(t, ok)
	require.Equal(t, scrape.QueueStatusPending, entry.Status)
	require.Equal(t, "site-1", entry.SiteID)
	_, ok = e.store.QueueEntry("https://careers.acme.example/about")
	require.False(t, ok, "non-job URL must not be queued")

	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.True(t, got.Completed)
	require.Empty(t, got.LockOwner)
	require.NotNil(t, got.LastRunAt)

	records := e.store.Records()
	require.Len(t, records, 2) // one seeded by ingestJob, one from the scrape
	runs := e.store.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, NameSiteScrape, runs[0].WorkflowName)
	require.Equal(t, 1, runs[0].SitesScraped)
}

func TestScrape_NotDueSiteReleasedUntouched(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	site := seedGenericSite(e, "site-1")

	// Ran within the current slot already.
	ranAt := e.clock.Now()
	site.LastRunAt = &ranAt
	e.store.SeedSite(site)

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	require.Empty(t, e.fetcher.fetchedURLs())
	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.False(t, got.Completed)
	require.Empty(t, got.LockOwner, "lease must be released")
}

func TestScrape_ManualTriggerOverridesSchedule(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.store.SeedSchedule(scrape.Schedule{
		ID:   "sched-1",
		Name: "two-hourly",
		DaysOfWeek: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		StartTime:       "00:00",
		IntervalMinutes: 120,
		Timezone:        "UTC",
	})
	// Already ran inside the noon slot; only the manual trigger makes
	// the site due again.
	ranAt := e.clock.Now()
	triggeredAt := e.clock.Now().Add(5 * time.Minute)
	site := scrape.Site{
		ID:              "site-1",
		URL:             "https://careers.acme.example/jobs",
		SiteType:        "generic",
		ScrapeProvider:  scrape.ProviderBrowser,
		ScheduleID:      "sched-1",
		Enabled:         true,
		LastRunAt:       &ranAt,
		ManualTriggerAt: &triggeredAt,
	}
	e.store.SeedSite(site)
	e.clock.Advance(10 * time.Minute)
	e.fetcher.pages[site.URL] = listingHTML("https://careers.acme.example/jobs/7")

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.True(t, got.Completed, "manual trigger within the window must force a run")
}

func TestScrape_TerminalFailureMarksSiteFailed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	site := seedGenericSite(e, "site-1")
	e.fetcher.errs[site.URL] = scrape.Terminal("rejected", nil)

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.True(t, got.Failed)
	require.NotEmpty(t, got.LastError)
	require.Empty(t, got.LockOwner)
}

func TestScrape_RetryableFailureReleasesLease(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	site := seedGenericSite(e, "site-1")
	e.fetcher.errs[site.URL] = scrape.Retry("rate limited", nil)

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.False(t, got.Failed, "retryable failures must not poison the site")
	require.False(t, got.Completed)
	require.Empty(t, got.LockOwner)
	require.Nil(t, got.LastRunAt, "a failed attempt must not consume the slot")
}

func TestScrape_RetryableFailureRetriedWithinSlot(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.store.SeedSchedule(scrape.Schedule{
		ID:   "sched-1",
		Name: "two-hourly",
		DaysOfWeek: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		StartTime:       "00:00",
		IntervalMinutes: 120,
		Timezone:        "UTC",
	})
	site := scrape.Site{
		ID:             "site-1",
		URL:            "https://careers.acme.example/jobs",
		SiteType:       "generic",
		ScrapeProvider: scrape.ProviderBrowser,
		ScheduleID:     "sched-1",
		Enabled:        true,
	}
	e.store.SeedSite(site)
	e.fetcher.errs[site.URL] = scrape.Retry("rate limited", nil)

	w := e.scrapeWorkflow()
	require.NoError(t, w.RunOnce(context.Background()))
	require.Len(t, e.fetcher.fetchedURLs(), 1)

	// The upstream recovers a minute later, still inside the same
	// two-hour slot. The site must come up due again right away, not
	// at the next slot boundary.
	e.clock.Advance(time.Minute)
	delete(e.fetcher.errs, site.URL)
	e.fetcher.pages[site.URL] = listingHTML("https://careers.acme.example/jobs/7")

	require.NoError(t, w.RunOnce(context.Background()))
	require.Len(t, e.fetcher.fetchedURLs(), 2, "retryable failure must be retried within the slot")

	got, ok := e.store.Site("site-1")
	require.True(t, ok)
	require.True(t, got.Completed)
	require.NotNil(t, got.LastRunAt)
}

func TestScrape_AsyncProviderSubmitsJobAndPlaceholder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.everyDaySchedule("sched-1")
	e.store.SeedSite(scrape.Site{
		ID:             "site-async",
		URL:            "https://careers.acme.example/jobs",
		SiteType:       "generic",
		ScrapeProvider: scrape.ProviderCrawlAPI,
		ScheduleID:     "sched-1",
		Enabled:        true,
	})

	require.NoError(t, e.scrapeWorkflow().RunOnce(context.Background()))

	require.Len(t, e.async.jobs, 1)
	require.Empty(t, e.fetcher.fetchedURLs(), "async sites never fetch directly")

	pending, err := e.store.ListPendingWebhooks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, pending[0].Event, "placeholder rows carry no event until delivery")
	require.Equal(t, scrape.WebhookKindListing, pending[0].Metadata.Kind)
	require.Equal(t, "site-async", pending[0].Metadata.SiteID)

	got, ok := e.store.Site("site-async")
	require.True(t, ok)
	require.False(t, got.Completed, "completion belongs to the webhook path")
	require.Empty(t, got.LockOwner)
}

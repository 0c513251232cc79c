package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/crawler/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
}

func TestLeaseSite_Exclusive(t *testing.T) {
	t.Parallel()

	store := NewStore(newClock())
	store.SeedSite(scrape.Site{ID: "s1", URL: "https://boards.greenhouse.io/acme", Enabled: true})

	ctx := context.Background()
	first, err := store.LeaseSite(ctx, "worker-a", time.Minute, scrape.LeaseFilter{})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "worker-a", first.LockOwner)

	second, err := store.LeaseSite(ctx, "worker-b", time.Minute, scrape.LeaseFilter{})
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestLeaseSite_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewStore(newClock())
	store.SeedSite(scrape.Site{ID: "s1", URL: "https://a.example.com", Enabled: true})

	ctx := context.Background()
	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			site, err := store.LeaseSite(ctx, "w", time.Minute, scrape.LeaseFilter{})
			require.NoError(t, err)
			if site != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, granted)
}

func TestLeaseSite_ExpiredLockReclaimable(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := NewStore(clock)
	store.SeedSite(scrape.Site{ID: "s1", URL: "https://a.example.com", Enabled: true})

	ctx := context.Background()
	_, err := store.LeaseSite(ctx, "worker-a", time.Minute, scrape.LeaseFilter{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	site, err := store.LeaseSite(ctx, "worker-b", time.Minute, scrape.LeaseFilter{})
	require.NoError(t, err)
	require.NotNil(t, site)
	require.Equal(t, "worker-b", site.LockOwner)
}

func TestLeaseSite_Filters(t *testing.T) {
	t.Parallel()

	store := NewStore(newClock())
	store.SeedSite(scrape.Site{ID: "s1", URL: "https://a.example.com", Enabled: true, SiteType: "lever", ScrapeProvider: scrape.ProviderHTTP})
	store.SeedSite(scrape.Site{ID: "s2", URL: "https://b.example.com", Enabled: true, SiteType: "workday", ScrapeProvider: scrape.ProviderCrawlAPI})
	store.SeedSite(scrape.Site{ID: "s3", URL: "https://c.example.com", Enabled: false, SiteType: "lever"})
	store.SeedSite(scrape.Site{ID: "s4", URL: "https://d.example.com", Enabled: true, Failed: true, SiteType: "lever"})

	ctx := context.Background()
	site, err := store.LeaseSite(ctx, "w", time.Minute, scrape.LeaseFilter{ScrapeProvider: scrape.ProviderCrawlAPI})
	require.NoError(t, err)
	require.NotNil(t, site)
	require.Equal(t, "s2", site.ID)

	site, err = store.LeaseSite(ctx, "w", time.Minute, scrape.LeaseFilter{SiteType: "lever"})
	require.NoError(t, err)
	require.NotNil(t, site)
	require.Equal(t, "s1", site.ID)

	// Disabled and failed sites are never leased.
	site, err = store.LeaseSite(ctx, "w", time.Minute, scrape.LeaseFilter{SiteType: "lever"})
	require.NoError(t, err)
	require.Nil(t, site)
}

func TestCompleteAndFailSiteClearLock(t *testing.T) {
	t.Parallel()

	store := NewStore(newClock())
	store.SeedSite(scrape.Site{ID: "s1", URL: "https://a.example.com", Enabled: true})
	store.SeedSite(scrape.Site{ID: "s2", URL: "https://b.example.com", Enabled: true})

	ctx := context.Background()
	require.NoError(t, store.CompleteSite(ctx, "s1"))
	site, _ := store.Site("s1")
	require.True(t, site.Completed)
	require.Empty(t, site.LockOwner)

	require.NoError(t, store.FailSite(ctx, "s2", "payment required"))
	site, _ = store.Site("s2")
	require.True(t, site.Failed)
	require.Equal(t, "payment required", site.LastError)

	require.Error(t, store.CompleteSite(ctx, "missing"))
}

func TestIngestJobs_AtMostOncePerURL(t *testing.T) {
	t.Parallel()

	store := NewStore(newClock())
	ctx := context.Background()

	recID, err := store.InsertScrapeRecord(ctx, scrape.ScrapeRecord{SourceURL: "https://a.example.com"})
	require.NoError(t, err)

	jobs := []scrape.Job{
		{Title: "Engineer", URL: "https://a.example.com/jobs/1"},
		{Title: "Engineer (dup)", URL: "https://a.example.com/jobs/1"},
		{Title: "Designer", URL: "https://a.example.com/jobs/2"},
	}
	added, err := store.IngestJobsFromScrape(ctx, recID, jobs)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	// Re-ingesting the same record is a no-op.
	added, err = store.IngestJobsFromScrape(ctx, recID, jobs)
	require.NoError(t, err)
	require.Zero(t, added)

	fresh, err := store.FilterExistingJobURLs(ctx, []string{
		"https://a.example.com/jobs/1",
		"https://a.example.com/jobs/3",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example.com/jobs/3"}, fresh)
}

func TestLeaseScrapeURLBatch_ReclaimAndSkip(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := NewStore(clock)
	ctx := context.Background()

	entries := []scrape.ScrapeURLQueueEntry{
		{URL: "https://a.example.com/jobs/1", Provider: scrape.ProviderHTTP},
		{URL: "https://a.example.com/jobs/2", Provider: scrape.ProviderHTTP},
		{URL: "https://a.example.com/jobs/3", Provider: scrape.ProviderBrowser},
	}
	require.NoError(t, store.EnqueueScrapeURLs(ctx, entries))
	// Duplicate enqueue is ignored.
	require.NoError(t, store.EnqueueScrapeURLs(ctx, entries[:1]))

	batch, err := store.LeaseScrapeURLBatch(ctx, scrape.ProviderHTTP, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, batch.URLs, 2)
	require.Equal(t, 1, batch.URLs[0].Attempts)

	// Still processing: nothing to lease.
	batch, err = store.LeaseScrapeURLBatch(ctx, scrape.ProviderHTTP, 10, time.Hour)
	require.NoError(t, err)
	require.Empty(t, batch.URLs)

	// Past the processing expiry the entries are reclaimable.
	clock.Advance(2 * time.Hour)
	batch, err = store.LeaseScrapeURLBatch(ctx, scrape.ProviderHTTP, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, batch.URLs, 2)
	require.Equal(t, 2, batch.URLs[0].Attempts)

	// A URL that gained a Job since enqueue is skipped and closed out.
	recID, err := store.InsertScrapeRecord(ctx, scrape.ScrapeRecord{SourceURL: "x"})
	require.NoError(t, err)
	_, err = store.IngestJobsFromScrape(ctx, recID, []scrape.Job{{Title: "t", URL: "https://a.example.com/jobs/1"}})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	batch, err = store.LeaseScrapeURLBatch(ctx, scrape.ProviderHTTP, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, batch.URLs, 1)
	require.Equal(t, []string{"https://a.example.com/jobs/1"}, batch.SkippedURLs)

	entry, ok := store.QueueEntry("https://a.example.com/jobs/1")
	require.True(t, ok)
	require.Equal(t, scrape.QueueStatusCompleted, entry.Status)
}

func TestWebhookLifecycle(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := NewStore(clock)
	ctx := context.Background()

	id1, err := store.InsertWebhookEvent(ctx, scrape.WebhookEvent{JobID: "prov-1", Event: "crawl.completed"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = store.InsertWebhookEvent(ctx, scrape.WebhookEvent{JobID: "prov-2", Event: "crawl.failed"})
	require.NoError(t, err)

	pending, err := store.ListPendingWebhooks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id1, pending[0].ID)

	require.NoError(t, store.MarkWebhookProcessed(ctx, id1, ""))
	pending, err = store.ListPendingWebhooks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "prov-2", pending[0].JobID)

	processed, delivered, err := store.WebhookDelivery(ctx, "prov-1")
	require.NoError(t, err)
	require.True(t, processed)
	require.True(t, delivered)

	// Placeholder rows (no event type) never count as delivered.
	_, err = store.InsertWebhookEvent(ctx, scrape.WebhookEvent{JobID: "prov-3"})
	require.NoError(t, err)
	processed, delivered, err = store.WebhookDelivery(ctx, "prov-3")
	require.NoError(t, err)
	require.False(t, processed)
	require.False(t, delivered)
}

package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
	"github.com/jobsift/crawler/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
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

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string][]byte
	errs    map[string]error
	calls   []string
	onFetch func()
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string][]byte),
		errs:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, cfg scrape.FetchConfig) (scrape.FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg.URL)
	hook := f.onFetch
	err := f.errs[cfg.URL]
	body := f.pages[cfg.URL]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return scrape.FetchResult{}, err
	}
	if body == nil {
		return scrape.FetchResult{}, scrape.Terminal("rejected",
			fmt.Errorf("status 404 from %s", cfg.URL))
	}
	return scrape.FetchResult{
		URL:        cfg.URL,
		StatusCode: 200,
		Body:       body,
		Duration:   time.Second,
	}, nil
}

func (f *fakeFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAsync struct {
	mu          sync.Mutex
	jobs        []scrape.FetchConfig
	batches     [][]scrape.FetchConfig
	startErr    error
	pollResults map[string]*scrape.AsyncJobResult
	pollErrs    map[string]error
	nextID      int
}

func newFakeAsync() *fakeAsync {
	return &fakeAsync{
		pollResults: make(map[string]*scrape.AsyncJobResult),
		pollErrs:    make(map[string]error),
	}
}

func (f *fakeAsync) StartJob(_ context.Context, cfg scrape.FetchConfig, _ []string) (scrape.AsyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return scrape.AsyncJob{}, f.startErr
	}
	f.jobs = append(f.jobs, cfg)
	f.nextID++
	return scrape.AsyncJob{
		JobID:    fmt.Sprintf("async-%d", f.nextID),
		Provider: scrape.ProviderCrawlAPI,
	}, nil
}

func (f *fakeAsync) StartBatch(_ context.Context, cfgs []scrape.FetchConfig) (scrape.AsyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return scrape.AsyncJob{}, f.startErr
	}
	f.batches = append(f.batches, cfgs)
	f.nextID++
	return scrape.AsyncJob{
		JobID:    fmt.Sprintf("batch-%d", f.nextID),
		Provider: scrape.ProviderCrawlAPI,
	}, nil
}

func (f *fakeAsync) PollJob(_ context.Context, jobID string) (*scrape.AsyncJobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pollErrs[jobID]; err != nil {
		return nil, err
	}
	return f.pollResults[jobID], nil
}

func (f *fakeAsync) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// env bundles the pieces every workflow test wires the same way.
type env struct {
	store    *memory.Store
	clock    *fakeClock
	fetcher  *fakeFetcher
	async    *fakeAsync
	registry *sites.Registry
	logger   *zap.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	metrics.Init()
	clock := newFakeClock()
	return &env{
		store:    memory.NewStore(clock),
		clock:    clock,
		fetcher:  newFakeFetcher(),
		async:    newFakeAsync(),
		registry: sites.Default(),
		logger:   zap.NewNop(),
	}
}

// everyDaySchedule is due all day every day so scheduling never gets
// in the way of tests that are not about scheduling.
func (e *env) everyDaySchedule(id string) {
	e.store.SeedSchedule(scrape.Schedule{
		ID:   id,
		Name: "always",
		DaysOfWeek: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		StartTime:       "00:00",
		IntervalMinutes: 1,
		Timezone:        "UTC",
	})
}

func (e *env) scrapeWorkflow() *Scrape {
	return NewScrape(e.store, e.registry, e.fetcher, e.fetcher, e.async, nil, nil,
		e.clock, ScrapeConfig{WorkerID: "test-worker"}, e.logger)
}

func (e *env) webhookWorkflow() *Webhook {
	return NewWebhook(e.store, e.registry, e.async, nil, nil, e.clock,
		WebhookConfig{WorkerID: "test-worker"}, e.logger)
}

func (e *env) queueWorkflow(cfg QueueConfig) *Queue {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker"
	}
	return NewQueue(e.store, e.registry, e.fetcher, e.fetcher, e.async, e.clock, cfg, e.logger)
}

func (e *env) recoveryWorkflow(cfg RecoveryConfig) *Recovery {
	r := NewRecovery(e.store, e.async, e.webhookWorkflow(), e.clock, cfg, e.logger)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

// ingestJob marks a URL as already ingested, the way a prior run
// would have.
func (e *env) ingestJob(t *testing.T, url string) {
	t.Helper()
	ctx := context.Background()
	recordID, err := e.store.InsertScrapeRecord(ctx, scrape.ScrapeRecord{
		SourceURL:    url,
		StartedAt:    e.clock.Now(),
		Provider:     scrape.ProviderHTTP,
		WorkflowName: NameURLQueue,
	})
	require.NoError(t, err)
	_, err = e.store.IngestJobsFromScrape(ctx, recordID, []scrape.Job{
		{URL: url, Title: "existing", ScrapedAt: e.clock.Now()},
	})
	require.NoError(t, err)
}

func listingHTML(links ...string) []byte {
	html := "<html><body>"
	for _, l := range links {
		html += fmt.Sprintf(`<a href=%q>posting</a>`, l)
	}
	return []byte(html + "</body></html>")
}

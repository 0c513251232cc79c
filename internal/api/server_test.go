package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/schedule"
	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/store/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func testServer(t *testing.T, cfg Config) (*Server, *memory.Store, fixedClock) {
	t.Helper()
	metrics.Init()
	clock := fixedClock{at: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(clock)
	auditor := schedule.NewAuditor(store, clock, zap.NewNop())
	return NewServer(store, auditor, clock, cfg, zap.NewNop()), store, clock
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestWebhook_RecoversPlaceholderMetadata(t *testing.T) {
	t.Parallel()
	srv, store, clock := testServer(t, Config{})

	_, err := store.InsertWebhookEvent(context.Background(), scrape.WebhookEvent{
		JobID: "job-1",
		Metadata: scrape.WebhookMetadata{
			SiteID:  "site-1",
			SiteURL: "https://jobs.example.com",
			Kind:    scrape.WebhookKindListing,
		},
		ReceivedAt: clock.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	rec := postJSON(t, srv.Handler(), "/v1/webhooks/acme", map[string]any{
		"job_id": "job-1",
		"event":  "crawl.completed",
		"status": "completed",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ev, ok := store.Webhook(resp["event_id"])
	require.True(t, ok)
	require.Equal(t, "crawl.completed", ev.Event)
	require.Equal(t, "site-1", ev.Metadata.SiteID)
	require.Equal(t, scrape.WebhookKindListing, ev.Metadata.Kind)
	require.Equal(t, clock.Now(), ev.ReceivedAt)
}

func TestIngestWebhook_RejectsMissingFields(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t, Config{})

	rec := postJSON(t, srv.Handler(), "/v1/webhooks/acme", map[string]any{
		"job_id": "job-1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestWebhook_SecretEnforced(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t, Config{WebhookSecret: "s3cret"})

	body := map[string]any{"job_id": "job-1", "event": "crawl.completed"}

	rec := postJSON(t, srv.Handler(), "/v1/webhooks/acme", body, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/webhooks/acme", body,
		map[string]string{"X-Webhook-Secret": "s3cret"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTriggerSite_StampsManualTrigger(t *testing.T) {
	t.Parallel()
	srv, store, clock := testServer(t, Config{})
	store.SeedSite(scrape.Site{ID: "site-1", URL: "https://jobs.example.com", Enabled: true})

	rec := postJSON(t, srv.Handler(), "/v1/sites/site-1/trigger", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	site, ok := store.Site("site-1")
	require.True(t, ok)
	require.NotNil(t, site.ManualTriggerAt)
	require.Equal(t, clock.Now(), *site.ManualTriggerAt)
}

func TestTriggerSite_UnknownSite(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t, Config{})

	rec := postJSON(t, srv.Handler(), "/v1/sites/nope/trigger", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManagementRoutes_APIKeyEnforced(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t, Config{APIKey: "key-1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "key-1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduleAudit_ReturnsVerdicts(t *testing.T) {
	t.Parallel()
	srv, store, _ := testServer(t, Config{})
	store.SeedSite(scrape.Site{ID: "site-1", URL: "https://jobs.example.com", Enabled: true, ScheduleID: "sched-1"})
	store.SeedSchedule(scrape.Schedule{
		ID:              "sched-1",
		DaysOfWeek:      []time.Weekday{time.Tuesday},
		StartTime:       "09:00",
		IntervalMinutes: 60,
		Timezone:        "UTC",
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/schedule/audit", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sites []schedule.SiteVerdict `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sites, 1)
	require.Equal(t, "site-1", resp.Sites[0].SiteID)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

package async

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/crawler/internal/scrape"
)

func TestStartBatch_SingleJobForManyURLs(t *testing.T) {
	t.Parallel()

	var got crawlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/batch/scrape", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(crawlResponse{JobID: "batch-1"})
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "test-key", WebhookURL: "https://hooks.example/wh"})
	require.NoError(t, err)

	job, err := client.StartBatch(context.Background(), []scrape.FetchConfig{
		{URL: "https://a.example/1", Output: scrape.OutputMarkdown},
		{URL: "https://a.example/2", Output: scrape.OutputMarkdown},
		{URL: "https://a.example/3", Output: scrape.OutputMarkdown},
	})
	require.NoError(t, err)
	require.Equal(t, "batch-1", job.JobID)
	require.Equal(t, scrape.ProviderCrawlAPI, job.Provider)
	require.Len(t, got.URLs, 3)
	require.Equal(t, "https://hooks.example/wh", got.WebhookURL)
}

func TestPollJob_States(t *testing.T) {
	t.Parallel()

	status := "running"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/job-1", r.URL.Path)
		resp := jobStatusResponse{JobID: "job-1", Status: status}
		if status == scrape.JobStatusCompleted {
			resp.Data = []struct {
				URL     string `json:"url"`
				Content string `json:"content"`
			}{
				{URL: "https://a.example/1", Content: "# Posting"},
				{URL: "https://a.example/2", Content: "# Another"},
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	result, err := client.PollJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Nil(t, result, "running job has no result yet")

	status = scrape.JobStatusCompleted
	result, err = client.PollJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Results, 2, "a finished batch returns every page, not just the first")
	require.Equal(t, "# Posting", string(result.Results[0].Body))
	require.Equal(t, "https://a.example/2", result.Results[1].URL)

	status = scrape.JobStatusCancelled
	result, err = client.PollJob(context.Background(), "job-1")
	require.Nil(t, result)
	require.Error(t, err)
	require.False(t, scrape.IsRetryable(err))
}

func TestSubmit_RateLimitIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.StartJob(context.Background(), scrape.FetchConfig{URL: "https://a.example"}, nil)
	require.Error(t, err)
	require.True(t, scrape.IsRetryable(err))
}

// Package async talks to the managed crawl provider. Jobs submitted
// here complete out of band: the provider calls back our webhook with
// results, so StartJob/StartBatch only return a job handle. PollJob
// exists for the recovery path when the callback never lands.
package async

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// Config controls the provider client.
type Config struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
	Timeout    time.Duration
}

// Client implements scrape.AsyncFetcher over the provider's REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

type crawlRequest struct {
	URLs       []string          `json:"urls"`
	RenderJS   bool              `json:"render_js"`
	Output     string            `json:"output,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
}

type crawlResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Data   []struct {
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"data"`
}

// StartJob submits one crawl job seeded with the config URL plus any
// extra seed URLs.
func (c *Client) StartJob(ctx context.Context, cfg scrape.FetchConfig, seedURLs []string) (scrape.AsyncJob, error) {
	urls := append([]string{cfg.URL}, seedURLs...)
	return c.submit(ctx, "/v1/crawl", crawlRequest{
		URLs:       urls,
		RenderJS:   cfg.RenderMode == scrape.RenderModeBrowser,
		Output:     string(cfg.Output),
		Headers:    cfg.Headers,
		WebhookURL: c.cfg.WebhookURL,
	})
}

// StartBatch submits one batched job covering every config. The
// provider bills per job, so a batch of N URLs must never become N
// jobs.
func (c *Client) StartBatch(ctx context.Context, cfgs []scrape.FetchConfig) (scrape.AsyncJob, error) {
	if len(cfgs) == 0 {
		return scrape.AsyncJob{}, fmt.Errorf("empty batch")
	}
	req := crawlRequest{
		RenderJS:   cfgs[0].RenderMode == scrape.RenderModeBrowser,
		Output:     string(cfgs[0].Output),
		Headers:    cfgs[0].Headers,
		WebhookURL: c.cfg.WebhookURL,
	}
	for _, cfg := range cfgs {
		req.URLs = append(req.URLs, cfg.URL)
	}
	return c.submit(ctx, "/v1/batch/scrape", req)
}

func (c *Client) submit(ctx context.Context, path string, req crawlRequest) (scrape.AsyncJob, error) {
	body, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return scrape.AsyncJob{}, err
	}
	var resp crawlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return scrape.AsyncJob{}, fmt.Errorf("decode provider response: %w", err)
	}
	if resp.JobID == "" {
		return scrape.AsyncJob{}, fmt.Errorf("provider accepted job without an id")
	}
	return scrape.AsyncJob{
		JobID:     resp.JobID,
		Provider:  scrape.ProviderCrawlAPI,
		Submitted: time.Now(),
	}, nil
}

// PollJob fetches job status directly. Returns nil when the job is
// still running, every fetched page when it finished, an error when it
// failed. A batched job carries one data row per URL and all of them
// matter: dropping any loses a posting.
func (c *Client) PollJob(ctx context.Context, jobID string) (*scrape.AsyncJobResult, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	switch resp.Status {
	case scrape.JobStatusCompleted:
		result := &scrape.AsyncJobResult{JobID: jobID, Status: resp.Status}
		for _, d := range resp.Data {
			result.Results = append(result.Results, scrape.FetchResult{
				URL:        d.URL,
				StatusCode: http.StatusOK,
				Body:       []byte(d.Content),
			})
		}
		return result, nil
	case scrape.JobStatusFailed, scrape.JobStatusCancelled, scrape.JobStatusExpired:
		return nil, scrape.Terminal("provider job failed",
			fmt.Errorf("job %s: %s", jobID, resp.Status))
	default:
		return nil, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal provider request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if classified := scrape.ClassifyStatus(resp.StatusCode, c.cfg.BaseURL+path); classified != nil {
		return nil, classified
	}
	return raw, nil
}

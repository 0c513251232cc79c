// Package collyfetch implements the plain-HTTP Fetcher using gocolly.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jobsift/crawler/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements scrape.Fetcher with a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx statuses come back as a
// classified error so callers can branch on retryability.
func (f *Fetcher) Fetch(ctx context.Context, cfg scrape.FetchConfig) (scrape.FetchResult, error) {
	var (
		result   scrape.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(cfg, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(cfg.URL)
	}()

	select {
	case <-ctx.Done():
		return scrape.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if fetchErr != nil {
				return scrape.FetchResult{}, fetchErr
			}
			return scrape.FetchResult{}, fmt.Errorf("fetch %s: %w", cfg.URL, err)
		}
		if fetchErr != nil {
			return scrape.FetchResult{}, fetchErr
		}
		return result, nil
	}
}

func (f *Fetcher) buildCollector(
	cfg scrape.FetchConfig,
	start time.Time,
	result *scrape.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = f.cfg.Timeout
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, v := range cfg.Headers {
			r.Headers.Set(key, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		*result = scrape.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
			if classified := scrape.ClassifyStatus(r.StatusCode, cfg.URL); classified != nil {
				*fetchErr = classified
				return
			}
		}
		*fetchErr = err
	})
	return collector
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

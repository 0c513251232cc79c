package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
	"github.com/jobsift/crawler/internal/sites"
)

// providerPayload mirrors the crawl provider's webhook body and job
// status responses.
type providerPayload struct {
	JobID  string           `json:"job_id"`
	Event  string           `json:"event"`
	Status string           `json:"status"`
	Data   []providerResult `json:"data"`
}

type providerResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

func decodeProviderPayload(raw []byte) (providerPayload, error) {
	var p providerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return providerPayload{}, fmt.Errorf("decode provider payload: %w", err)
	}
	return p, nil
}

// jobsFromResults converts provider result entries into normalized
// postings. Entries without a URL are dropped; the URL is the dedup
// key downstream so it has to be present and canonical.
func jobsFromResults(h sites.Handler, results []providerResult, provider scrape.Provider, now time.Time) []scrape.Job {
	jobs := make([]scrape.Job, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		u, err := sites.NormalizeURL(r.URL)
		if err != nil {
			continue
		}
		content := r.Content
		if h != nil {
			content = h.NormalizeMarkdown(content)
		}
		title := r.Title
		if title == "" {
			title = firstHeading(content)
		}
		if title == "" {
			title = u
		}
		jobs = append(jobs, scrape.Job{
			URL:         u,
			Title:       title,
			Description: content,
			ScrapedWith: provider,
			ScrapedAt:   now,
		})
	}
	return jobs
}

// firstHeading returns the text of the first markdown heading, if any.
func firstHeading(md string) string {
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return ""
}

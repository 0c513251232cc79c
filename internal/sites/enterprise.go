package sites

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// Enterprise ATS platforms. Workday and BambooHR hide listings behind
// scripts, so these lean on the browser render path.

// BambooHR handles {org}.bamboohr.com career pages via the careers
// list JSON endpoint.
type BambooHR struct{ base }

var bambooJobRe = regexp.MustCompile(`bamboohr\.com/careers/\d+`)

func (BambooHR) Type() string { return "bamboohr" }

func (BambooHR) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "bamboohr.com")
}

func (BambooHR) IsListingURL(rawURL string) bool {
	return !bambooJobRe.MatchString(rawURL)
}

func (BambooHR) ListingAPIURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse bamboohr url: %w", err)
	}
	u.Path = "/careers/list"
	u.RawQuery = ""
	return u.String(), nil
}

// Links rebuilds detail URLs from posting ids because the list
// endpoint returns ids, not links.
func (b BambooHR) Links(payload []byte, sourceURL string) ([]string, error) {
	ids, err := collectStringField(payload, "id")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, fmt.Sprintf("%s://%s/careers/%s", u.Scheme, u.Host, id))
	}
	return NormalizeLinks(raw, u), nil
}

func (BambooHR) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, bambooJobRe)
}

func (BambooHR) FetchConfig(rawURL string) scrape.FetchConfig {
	cfg := scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
	if bambooJobRe.MatchString(rawURL) {
		cfg.RenderMode = scrape.RenderModeBrowser
		cfg.Output = scrape.OutputMarkdown
		cfg.WaitForSelector = "#js-careers-page"
	}
	return cfg
}

// Workday handles {org}.wd*.myworkdayjobs.com boards. Everything is an
// SPA behind scripts, so both listings and details render in a browser.
type Workday struct{ base }

var workdayJobRe = regexp.MustCompile(`myworkdayjobs\.com/(?:[a-zA-Z_-]+/)?job/`)

func (Workday) Type() string { return "workday" }

func (Workday) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "myworkdayjobs.com")
}

func (Workday) IsListingURL(rawURL string) bool {
	return !workdayJobRe.MatchString(rawURL)
}

func (Workday) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromRawHTML(payload, sourceURL)
}

func (Workday) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, workdayJobRe)
}

func (Workday) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:             rawURL,
		RenderMode:      scrape.RenderModeBrowser,
		Output:          scrape.OutputHTML,
		WaitForSelector: "[data-automation-id='jobResults'], [data-automation-id='jobPostingPage']",
		WaitMillis:      2000,
		Timeout:         60 * time.Second,
	}
}

// Jobvite handles jobs.jobvite.com boards, server-rendered with /job/
// detail paths.
type Jobvite struct{ base }

var jobviteJobRe = regexp.MustCompile(`jobvite\.com/[^/]+/job/`)

func (Jobvite) Type() string { return "jobvite" }

func (Jobvite) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "jobvite.com")
}

func (Jobvite) IsListingURL(rawURL string) bool {
	return !jobviteJobRe.MatchString(rawURL)
}

func (Jobvite) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromRawHTML(payload, sourceURL)
}

func (Jobvite) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, jobviteJobRe)
}

func (Jobvite) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputHTML,
		Timeout:    30 * time.Second,
	}
}

// Breezy handles {org}.breezy.hr boards, server-rendered with /p/
// detail paths.
type Breezy struct{ base }

var breezyJobRe = regexp.MustCompile(`breezy\.hr/p/[A-Za-z0-9]+`)

func (Breezy) Type() string { return "breezy" }

func (Breezy) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "breezy.hr")
}

func (Breezy) IsListingURL(rawURL string) bool {
	return !breezyJobRe.MatchString(rawURL)
}

func (Breezy) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromRawHTML(payload, sourceURL)
}

func (Breezy) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, breezyJobRe)
}

func (Breezy) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputHTML,
		Timeout:    30 * time.Second,
	}
}

// collectStringField gathers the values of one field anywhere in a
// JSON payload, stringifying numbers because boards disagree on types.
func collectStringField(payload []byte, field string) ([]string, error) {
	var doc any
	if err := unmarshalJSON(payload, &doc); err != nil {
		return nil, err
	}
	var out []string
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case map[string]any:
			for key, child := range v {
				if key == field {
					switch val := child.(type) {
					case string:
						out = append(out, val)
					case float64:
						out = append(out, fmt.Sprintf("%.0f", val))
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range v {
				walk(child)
			}
		}
	}
	walk(doc)
	return out, nil
}

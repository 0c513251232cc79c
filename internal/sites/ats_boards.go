package sites

import (
	"fmt"
	"regexp"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// JSON-API backed ATS boards. These expose a public listing endpoint,
// so listings are plain HTTP fetches of JSON and never need rendering.

// Greenhouse handles boards.greenhouse.io job boards.
type Greenhouse struct{ base }

var greenhouseJobRe = regexp.MustCompile(`greenhouse\.io/[^/]+/jobs/\d+`)

func (Greenhouse) Type() string { return "greenhouse" }

func (Greenhouse) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "greenhouse.io")
}

func (Greenhouse) IsListingURL(rawURL string) bool {
	return !greenhouseJobRe.MatchString(rawURL)
}

// ListingAPIURL maps a hosted board to the public board API, which
// returns every posting with its absolute_url in one response.
func (Greenhouse) ListingAPIURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("greenhouse url %q has no board slug", siteURL)
	}
	return fmt.Sprintf("https://boards-api.greenhouse.io/v1/boards/%s/jobs?content=true", segs[0]), nil
}

func (Greenhouse) CompanyURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("greenhouse url %q has no board slug", siteURL)
	}
	return "https://boards.greenhouse.io/" + segs[0], nil
}

func (Greenhouse) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "absolute_url")
}

func (g Greenhouse) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, greenhouseJobRe)
}

func (Greenhouse) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
}

// Lever handles jobs.lever.co job boards.
type Lever struct{ base }

var leverJobRe = regexp.MustCompile(`lever\.co/[^/]+/[0-9a-f]{8}-[0-9a-f-]{27}`)

func (Lever) Type() string { return "lever" }

func (Lever) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "lever.co")
}

func (Lever) IsListingURL(rawURL string) bool {
	return !leverJobRe.MatchString(rawURL)
}

func (Lever) ListingAPIURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("lever url %q has no org slug", siteURL)
	}
	return fmt.Sprintf("https://api.lever.co/v0/postings/%s?mode=json", segs[0]), nil
}

func (Lever) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "hostedUrl")
}

func (Lever) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, leverJobRe)
}

func (Lever) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
}

// Ashby handles jobs.ashbyhq.com boards. The hosted pages are an SPA,
// but the posting API serves the whole board as JSON.
type Ashby struct{ base }

var ashbyJobRe = regexp.MustCompile(`ashbyhq\.com/[^/]+/[0-9a-f]{8}-[0-9a-f-]{27}`)

func (Ashby) Type() string { return "ashby" }

func (Ashby) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "ashbyhq.com")
}

func (Ashby) IsListingURL(rawURL string) bool {
	return !ashbyJobRe.MatchString(rawURL)
}

func (Ashby) ListingAPIURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("ashby url %q has no org slug", siteURL)
	}
	return fmt.Sprintf("https://api.ashbyhq.com/posting-api/job-board/%s?includeCompensation=true", segs[0]), nil
}

func (Ashby) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "jobUrl")
}

func (Ashby) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, ashbyJobRe)
}

func (Ashby) FetchConfig(rawURL string) scrape.FetchConfig {
	cfg := scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
	// Detail pages only exist as the rendered SPA.
	if ashbyJobRe.MatchString(rawURL) {
		cfg.RenderMode = scrape.RenderModeBrowser
		cfg.Output = scrape.OutputMarkdown
		cfg.WaitForSelector = "[class*='JobPosting']"
	}
	return cfg
}

// SmartRecruiters handles careers.smartrecruiters.com boards via the
// public postings API, which pages by offset.
type SmartRecruiters struct{ base }

var smartRecruitersJobRe = regexp.MustCompile(`smartrecruiters\.com/[^/]+/\d+`)

func (SmartRecruiters) Type() string { return "smartrecruiters" }

func (SmartRecruiters) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "smartrecruiters.com")
}

func (SmartRecruiters) IsListingURL(rawURL string) bool {
	return !smartRecruitersJobRe.MatchString(rawURL)
}

func (SmartRecruiters) ListingAPIURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("smartrecruiters url %q has no company slug", siteURL)
	}
	return fmt.Sprintf("https://api.smartrecruiters.com/v1/companies/%s/postings", segs[0]), nil
}

func (SmartRecruiters) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "ref", "applyUrl", "url")
}

// PaginationURLs pages by offset using the count and page size the
// response actually reported.
func (SmartRecruiters) PaginationURLs(payload []byte, _ string) ([]string, error) {
	return PaginationURLsFromJSON(payload, "offset")
}

func (SmartRecruiters) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, smartRecruitersJobRe)
}

func (SmartRecruiters) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
}

func filterByPattern(urls []string, re *regexp.Regexp) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if re.MatchString(u) {
			out = append(out, u)
		}
	}
	return out
}

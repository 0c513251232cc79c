package sites

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// Hosted career subdomains. These mix JSON widget APIs with
// server-rendered listing pages.

// Workable handles apply.workable.com boards. The hosted page is an
// SPA; the widget API returns the board as JSON.
type Workable struct{ base }

var workableJobRe = regexp.MustCompile(`workable\.com/(?:j|jobs)/[A-Za-z0-9]+`)

func (Workable) Type() string { return "workable" }

func (Workable) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "workable.com")
}

func (Workable) IsListingURL(rawURL string) bool {
	return !workableJobRe.MatchString(rawURL)
}

func (Workable) ListingAPIURL(siteURL string) (string, error) {
	segs := pathSegments(siteURL)
	if len(segs) == 0 {
		return "", fmt.Errorf("workable url %q has no account slug", siteURL)
	}
	return fmt.Sprintf("https://apply.workable.com/api/v1/widget/accounts/%s?details=true", segs[0]), nil
}

func (Workable) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "url", "application_url", "shortlink")
}

func (Workable) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, workableJobRe)
}

func (Workable) FetchConfig(rawURL string) scrape.FetchConfig {
	cfg := scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
	if workableJobRe.MatchString(rawURL) {
		cfg.RenderMode = scrape.RenderModeBrowser
		cfg.Output = scrape.OutputMarkdown
		cfg.WaitForSelector = "main"
	}
	return cfg
}

// Recruitee handles {org}.recruitee.com boards via the offers API.
type Recruitee struct{ base }

var recruiteeJobRe = regexp.MustCompile(`recruitee\.com/o/[^/]+`)

func (Recruitee) Type() string { return "recruitee" }

func (Recruitee) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "recruitee.com")
}

func (Recruitee) IsListingURL(rawURL string) bool {
	return !recruiteeJobRe.MatchString(rawURL)
}

func (Recruitee) ListingAPIURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse recruitee url: %w", err)
	}
	return u.Scheme + "://" + u.Host + "/api/offers/", nil
}

func (Recruitee) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromJSON(payload, sourceURL, "careers_url")
}

func (Recruitee) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, recruiteeJobRe)
}

func (Recruitee) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputJSON,
		Timeout:    30 * time.Second,
	}
}

// Teamtailor handles {org}.teamtailor.com boards. Listings are
// server-rendered HTML paged by a page query parameter.
type Teamtailor struct{ base }

var teamtailorJobRe = regexp.MustCompile(`teamtailor\.com/jobs/\d+`)

func (Teamtailor) Type() string { return "teamtailor" }

func (Teamtailor) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "teamtailor.com")
}

func (Teamtailor) IsListingURL(rawURL string) bool {
	return !teamtailorJobRe.MatchString(rawURL)
}

func (Teamtailor) ListingAPIURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse teamtailor url: %w", err)
	}
	u.Path = "/jobs"
	return u.String(), nil
}

func (Teamtailor) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromRawHTML(payload, sourceURL)
}

func (Teamtailor) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, teamtailorJobRe)
}

func (Teamtailor) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputHTML,
		Timeout:    30 * time.Second,
	}
}

// Personio handles {org}.jobs.personio.de boards, server-rendered with
// /job/{id} detail paths.
type Personio struct{ base }

var personioJobRe = regexp.MustCompile(`personio\.(?:de|com)/job/\d+`)

func (Personio) Type() string { return "personio" }

func (Personio) MatchesURL(rawURL string) bool {
	return hostContains(rawURL, "personio.de") || hostContains(rawURL, "personio.com")
}

func (Personio) IsListingURL(rawURL string) bool {
	return !personioJobRe.MatchString(rawURL)
}

func (Personio) CompanyURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse personio url: %w", err)
	}
	host := strings.TrimPrefix(u.Host, "www.")
	org, _, found := strings.Cut(host, ".")
	if !found || org == "" {
		return "", fmt.Errorf("personio url %q has no org subdomain", siteURL)
	}
	return "https://" + org + ".com", nil
}

func (Personio) Links(payload []byte, sourceURL string) ([]string, error) {
	return LinksFromRawHTML(payload, sourceURL)
}

func (Personio) FilterJobURLs(urls []string) []string {
	return filterByPattern(urls, personioJobRe)
}

func (Personio) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModePlain,
		Output:     scrape.OutputHTML,
		Timeout:    30 * time.Second,
	}
}

// Package sites holds the per-site-technology handler registry. Each
// handler is pure and stateless: it classifies URLs, derives API
// endpoints, extracts links from fetched payloads, and produces the
// fetch configuration the external fetch client consumes. Handlers do
// no I/O themselves.
package sites

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jobsift/crawler/internal/scrape"
)

// Handler is the capability set one site technology implements.
// Handlers that do not support a capability inherit the base default.
type Handler interface {
	// Type is the technology key recorded on Site.SiteType.
	Type() string
	// MatchesURL reports whether this handler owns the candidate URL.
	MatchesURL(rawURL string) bool
	// IsListingURL distinguishes listing pages from job detail pages.
	IsListingURL(rawURL string) bool
	// ListingAPIURL derives the listing endpoint to fetch for a site
	// root URL. Returns the input unchanged when the listing page is
	// fetched directly.
	ListingAPIURL(siteURL string) (string, error)
	// APIURL derives the detail endpoint for a single job URL.
	APIURL(jobURL string) (string, error)
	// CompanyURL extracts the company slug/homepage from a site URL.
	CompanyURL(siteURL string) (string, error)
	// Links extracts candidate job URLs from a fetched payload.
	Links(payload []byte, sourceURL string) ([]string, error)
	// PaginationURLs computes follow-on listing pages from a payload.
	PaginationURLs(payload []byte, sourceURL string) ([]string, error)
	// FilterJobURLs keeps only URLs that look like job detail pages.
	FilterJobURLs(urls []string) []string
	// FetchConfig expresses how the external client must fetch a URL.
	FetchConfig(rawURL string) scrape.FetchConfig
	// NormalizeMarkdown cleans provider-specific noise from content.
	NormalizeMarkdown(md string) string
}

// base supplies defaults so concrete handlers only override what their
// technology needs.
type base struct{}

func (base) IsListingURL(string) bool { return false }

func (base) ListingAPIURL(siteURL string) (string, error) { return siteURL, nil }

func (base) APIURL(jobURL string) (string, error) { return jobURL, nil }

func (base) CompanyURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (base) PaginationURLs([]byte, string) ([]string, error) { return nil, nil }

func (base) FilterJobURLs(urls []string) []string { return urls }

func (base) NormalizeMarkdown(md string) string { return CleanMarkdown(md) }

// Registry is the fixed, order-significant handler list. Dispatch is a
// linear first-match scan: some match predicates overlap on purpose,
// so registration order decides ownership.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry preserving the given order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Default returns the production registry. The generic fallback must
// stay last; the specific ATS handlers stay ahead of the rendered and
// pre-block families they can overlap with.
func Default() *Registry {
	return NewRegistry(
		&Greenhouse{},
		&Lever{},
		&Ashby{},
		&Workable{},
		&Recruitee{},
		&SmartRecruiters{},
		&Teamtailor{},
		&Personio{},
		&BambooHR{},
		&Workday{},
		&Jobvite{},
		&Breezy{},
		&PreBlock{},
		&Generic{},
	)
}

// ForURL returns the first handler whose predicate matches, or nil.
func (r *Registry) ForURL(rawURL string) Handler {
	for _, h := range r.handlers {
		if h.MatchesURL(rawURL) {
			return h
		}
	}
	return nil
}

// ForSiteType returns the handler registered under the recorded site
// type, falling back to URL matching when the type is unknown.
func (r *Registry) ForSite(site scrape.Site) Handler {
	if site.SiteType != "" {
		for _, h := range r.handlers {
			if h.Type() == site.SiteType {
				return h
			}
		}
	}
	return r.ForURL(site.URL)
}

// Handlers exposes the ordered list, mostly for the audit command.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

func hostContains(rawURL string, fragment string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), fragment)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Host, "www."))
}

func pathSegments(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

package sites

import (
	"regexp"
	"strings"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// PreBlock handles JSON API endpoints that get fetched through a
// rendering provider: the browser wraps the response in an HTML <pre>
// block with entity-escaped JSON, sometimes string-encoded a second
// time. It must be registered ahead of the generic fallback and claims
// any bare API-ish URL the specific ATS handlers did not.
type PreBlock struct{ base }

var apiPathRe = regexp.MustCompile(`(?i)(/api/|/v\d+/|\.json($|\?))`)

func (PreBlock) Type() string { return "preblock" }

func (PreBlock) MatchesURL(rawURL string) bool {
	return apiPathRe.MatchString(rawURL)
}

func (PreBlock) IsListingURL(string) bool { return true }

func (PreBlock) Links(payload []byte, sourceURL string) ([]string, error) {
	decoded, err := DecodePreJSON(payload)
	if err != nil {
		return nil, err
	}
	return LinksFromJSON(decoded, sourceURL)
}

func (PreBlock) PaginationURLs(payload []byte, _ string) ([]string, error) {
	decoded, err := DecodePreJSON(payload)
	if err != nil {
		return nil, err
	}
	return PaginationURLsFromJSON(decoded, "offset")
}

func (PreBlock) FilterJobURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if looksLikeJobURL(u) {
			out = append(out, u)
		}
	}
	return out
}

func (PreBlock) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModeBrowser,
		Output:     scrape.OutputHTML,
		WaitMillis: 500,
		Timeout:    45 * time.Second,
	}
}

var jobPathHints = []string{"/job/", "/jobs/", "/careers/", "/position/", "/opening/", "/vacancy/", "/p/", "/o/"}

func looksLikeJobURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, hint := range jobPathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

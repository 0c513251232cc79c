package sites

import (
	"strings"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// Generic is the catch-all for career pages on no recognized ATS. It
// matches everything and must stay last in the registry.
type Generic struct{ base }

func (Generic) Type() string { return "generic" }

func (Generic) MatchesURL(string) bool { return true }

func (Generic) IsListingURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.Contains(lower, "career") ||
		strings.Contains(lower, "/jobs") ||
		strings.Contains(lower, "join-us") ||
		strings.Contains(lower, "vacancies")
}

func (Generic) Links(payload []byte, sourceURL string) ([]string, error) {
	links, err := LinksFromRawHTML(payload, sourceURL)
	if err != nil {
		return nil, err
	}
	// Unknown boards link everywhere; keep it to the same host.
	host := hostOf(sourceURL)
	if host == "" {
		return links, nil
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		if hostOf(l) == host {
			out = append(out, l)
		}
	}
	return out, nil
}

func (Generic) FilterJobURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if looksLikeJobURL(u) {
			out = append(out, u)
		}
	}
	return out
}

func (Generic) FetchConfig(rawURL string) scrape.FetchConfig {
	return scrape.FetchConfig{
		URL:        rawURL,
		RenderMode: scrape.RenderModeBrowser,
		Output:     scrape.OutputMarkdown,
		WaitMillis: 1000,
		Timeout:    45 * time.Second,
	}
}

package sites

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link extraction shared by handlers. Every extractor returns a
// deduplicated, absolute, order-preserving list with junk schemes
// (mailto:, tel:, javascript:, fragment-only) dropped.

var (
	markdownLinkRe = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s)\]>"'\\]+`)
)

// LinksFromRawHTML collects href targets from anchor tags.
func LinksFromRawHTML(body []byte, sourceURL string) ([]string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var raw []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			raw = append(raw, href)
		}
	})
	return NormalizeLinks(raw, base), nil
}

// LinksFromMarkdown collects markdown link targets and bare URLs.
func LinksFromMarkdown(body []byte, sourceURL string) ([]string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	var raw []string
	for _, m := range markdownLinkRe.FindAllSubmatch(body, -1) {
		raw = append(raw, string(m[1]))
	}
	stripped := markdownLinkRe.ReplaceAll(body, nil)
	for _, m := range bareURLRe.FindAll(stripped, -1) {
		raw = append(raw, strings.TrimRight(string(m), ".,;"))
	}
	return NormalizeLinks(raw, base), nil
}

// LinksFromJSON walks an arbitrary JSON payload and collects every
// string value under a link-bearing key.
func LinksFromJSON(body []byte, sourceURL string, keys ...string) ([]string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode json payload: %w", err)
	}
	if len(keys) == 0 {
		keys = []string{"url", "absolute_url", "hostedUrl", "applyUrl", "jobUrl", "link"}
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var raw []string
	collectLinkValues(doc, want, &raw)
	return NormalizeLinks(raw, base), nil
}

func collectLinkValues(node any, want map[string]bool, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if s, ok := child.(string); ok && want[key] {
				*out = append(*out, s)
				continue
			}
			collectLinkValues(child, want, out)
		}
	case []any:
		for _, child := range v {
			collectLinkValues(child, want, out)
		}
	}
}

// NormalizeLinks absolutizes against base, drops invalid schemes and
// fragment-only targets, strips fragments, and dedupes preserving the
// first occurrence order.
func NormalizeLinks(raw []string, base *url.URL) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, candidate := range raw {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || strings.HasPrefix(candidate, "#") {
			continue
		}
		lower := strings.ToLower(candidate)
		if strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") ||
			strings.HasPrefix(lower, "javascript:") {
			continue
		}
		ref, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		resolved := ref
		if base != nil {
			resolved = base.ResolveReference(ref)
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// NormalizeURL standardizes a URL so dedup keys are stable: lowercased
// scheme/host, default ports removed, fragment dropped, query sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

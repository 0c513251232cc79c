package sites

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	htmlCommentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	repeatedBlankRe = regexp.MustCompile(`\n{3,}`)
	trackingParamRe = regexp.MustCompile(`(?i)(utm_[a-z]+|gh_src|lever-origin|ref)=[^&\s)]*&?`)
)

// DecodePreJSON unwraps JSON smuggled inside an HTML <pre> block. Some
// boards serve their API responses as entity-escaped JSON wrapped in
// <pre>, occasionally JSON-encoded a second time, so the text may need
// to be parsed twice before it is usable.
func DecodePreJSON(body []byte) ([]byte, error) {
	text := body
	if bytes.Contains(body, []byte("<pre")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse pre wrapper: %w", err)
		}
		inner := doc.Find("pre").First().Text()
		if inner == "" {
			return nil, fmt.Errorf("empty <pre> block")
		}
		text = []byte(inner)
	}

	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	// A leading quote means the JSON itself was string-encoded.
	if trimmed[0] == '"' {
		var once string
		if err := json.Unmarshal(trimmed, &once); err != nil {
			return nil, fmt.Errorf("decode string-wrapped json: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(once))
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return trimmed, nil
}

func unmarshalJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode json payload: %w", err)
	}
	return nil
}

// CleanMarkdown strips HTML comments, tracking query params, and
// collapses blank-line runs so descriptions compare stably.
func CleanMarkdown(md string) string {
	md = htmlCommentRe.ReplaceAllString(md, "")
	md = trackingParamRe.ReplaceAllString(md, "")
	md = repeatedBlankRe.ReplaceAllString(md, "\n\n")
	return strings.TrimSpace(md)
}

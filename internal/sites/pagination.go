package sites

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// offsetPayload is the common shape offset-paginated boards respond
// with: a total count, the current page of results, and canonical-URL
// metadata for the page that was actually fetched.
type offsetPayload struct {
	Count   int               `json:"count"`
	Total   int               `json:"total"`
	Results []json.RawMessage `json:"results"`
	Jobs    []json.RawMessage `json:"jobs"`
	Links   struct {
		Canonical string `json:"canonical"`
		Self      string `json:"self"`
	} `json:"links"`
}

func (p offsetPayload) total() int {
	if p.Count > 0 {
		return p.Count
	}
	return p.Total
}

func (p offsetPayload) pageSize() int {
	if len(p.Results) > 0 {
		return len(p.Results)
	}
	return len(p.Jobs)
}

func (p offsetPayload) canonical() string {
	if p.Links.Canonical != "" {
		return p.Links.Canonical
	}
	return p.Links.Self
}

// PaginationURLsFromJSON computes follow-on page URLs for an
// offset-paginated payload. The page size is the size actually
// observed in the response, never an assumed constant; the base URL
// comes from the payload's own canonical metadata. A total at or under
// one page yields nothing.
func PaginationURLsFromJSON(payload []byte, offsetParam string) ([]string, error) {
	var page offsetPayload
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decode pagination payload: %w", err)
	}
	total := page.total()
	size := page.pageSize()
	if size <= 0 || total <= size {
		return nil, nil
	}
	base, err := url.Parse(page.canonical())
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("pagination payload has no usable canonical url")
	}
	if offsetParam == "" {
		offsetParam = "offset"
	}
	urls := make([]string, 0, (total-1)/size)
	for offset := size; offset < total; offset += size {
		next := *base
		q := next.Query()
		q.Set(offsetParam, strconv.Itoa(offset))
		next.RawQuery = q.Encode()
		urls = append(urls, next.String())
	}
	return urls, nil
}

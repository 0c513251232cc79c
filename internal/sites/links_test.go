package sites

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinksFromRawHTML_DedupAbsoluteOrdered(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
		<a href="/jobs/1">One</a>
		<a href="https://boards.example.com/jobs/2">Two</a>
		<a href="/jobs/1">One again</a>
		<a href="mailto:talent@example.com">Mail</a>
		<a href="tel:+15551234">Call</a>
		<a href="javascript:void(0)">Nope</a>
		<a href="#apply">Fragment</a>
		<a href="/jobs/3#description">Three</a>
	</body></html>`)

	links, err := LinksFromRawHTML(body, "https://boards.example.com/careers")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://boards.example.com/jobs/1",
		"https://boards.example.com/jobs/2",
		"https://boards.example.com/jobs/3",
	}, links)
}

func TestLinksFromMarkdown(t *testing.T) {
	t.Parallel()

	body := []byte("Apply [here](https://x.example.com/jobs/9) or at https://x.example.com/jobs/10. " +
		"Questions: [mail us](mailto:hr@x.example.com)")

	links, err := LinksFromMarkdown(body, "https://x.example.com/careers")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://x.example.com/jobs/9",
		"https://x.example.com/jobs/10",
	}, links)
}

func TestLinksFromJSON_CollectsKnownKeys(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"jobs": [
			{"id": 1, "absolute_url": "https://boards.greenhouse.io/acme/jobs/100"},
			{"id": 2, "absolute_url": "https://boards.greenhouse.io/acme/jobs/200"},
			{"id": 3, "absolute_url": "https://boards.greenhouse.io/acme/jobs/100"}
		],
		"meta": {"next": "not-a-url-key"}
	}`)

	links, err := LinksFromJSON(payload, "https://boards.greenhouse.io/acme", "absolute_url")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://boards.greenhouse.io/acme/jobs/100",
		"https://boards.greenhouse.io/acme/jobs/200",
	}, links)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Jobs.Example.COM:443/openings?b=2&a=1#top")
	require.NoError(t, err)
	require.Equal(t, "https://jobs.example.com/openings?a=1&b=2", got)

	_, err = NormalizeURL("://bad")
	require.Error(t, err)
}

package sites

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePreJSON_EntityEscaped(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body><pre>{&quot;jobs&quot;:[{&quot;id&quot;:1}]}</pre></body></html>`)
	decoded, err := DecodePreJSON(body)
	require.NoError(t, err)
	require.JSONEq(t, `{"jobs":[{"id":1}]}`, string(decoded))
}

func TestDecodePreJSON_DoubleEncoded(t *testing.T) {
	t.Parallel()

	// The pre block holds a JSON-encoded string that itself contains
	// the real JSON document, so it must be parsed twice.
	body := []byte(`<pre>&quot;{\&quot;count\&quot;:2}&quot;</pre>`)
	decoded, err := DecodePreJSON(body)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":2}`, string(decoded))
}

func TestDecodePreJSON_BareJSONPassesThrough(t *testing.T) {
	t.Parallel()

	decoded, err := DecodePreJSON([]byte(`{"ok":true}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(decoded))
}

func TestDecodePreJSON_Garbage(t *testing.T) {
	t.Parallel()

	_, err := DecodePreJSON([]byte(`<pre>not json at all</pre>`))
	require.Error(t, err)

	_, err = DecodePreJSON([]byte(`   `))
	require.Error(t, err)
}

func TestCleanMarkdown(t *testing.T) {
	t.Parallel()

	in := "# Role\n\n\n\n<!-- tracking -->\nApply: https://x.example.com/jobs/1?utm_source=feed&gh_src=abc123\n"
	out := CleanMarkdown(in)
	require.NotContains(t, out, "tracking")
	require.NotContains(t, out, "utm_source")
	require.NotContains(t, out, "\n\n\n")
}

package sites

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func paginationPayload(count, pageSize int) []byte {
	items := ""
	for i := 0; i < pageSize; i++ {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"id":%d}`, i)
	}
	return []byte(fmt.Sprintf(
		`{"count":%d,"results":[%s],"links":{"canonical":"https://api.example.com/postings?limit=%d&offset=0"}}`,
		count, items, pageSize,
	))
}

func TestPaginationURLsFromJSON_RemainingPages(t *testing.T) {
	t.Parallel()

	urls, err := PaginationURLsFromJSON(paginationPayload(25, 10), "offset")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://api.example.com/postings?limit=10&offset=10",
		"https://api.example.com/postings?limit=10&offset=20",
	}, urls)
}

func TestPaginationURLsFromJSON_SinglePage(t *testing.T) {
	t.Parallel()

	urls, err := PaginationURLsFromJSON(paginationPayload(10, 10), "offset")
	require.NoError(t, err)
	require.Empty(t, urls)

	// Fewer results than the reported total but no canonical URL is an
	// error, not a guess.
	_, err = PaginationURLsFromJSON([]byte(`{"count":50,"results":[{},{}]}`), "offset")
	require.Error(t, err)
}

func TestPaginationURLsFromJSON_ObservedSizeNotAssumed(t *testing.T) {
	t.Parallel()

	// A provider that returns 7 per page must paginate by 7.
	urls, err := PaginationURLsFromJSON(paginationPayload(20, 7), "offset")
	require.NoError(t, err)
	require.Len(t, urls, 2)
	require.Contains(t, urls[0], "offset=7")
	require.Contains(t, urls[1], "offset=14")
}

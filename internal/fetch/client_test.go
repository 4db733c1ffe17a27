package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithHTTPClient(srv.URL, srv.Client(), 3, 0.10)
}

func TestFetchDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/alice/skills/contents/SKILL.md", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# My Skill\n\nDoes things."))
	})
	mux.HandleFunc("/repos/alice/skills/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"sha":"abc123"}]`)
	})
	mux.HandleFunc("/repos/alice/skills", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stargazers_count":1500,"forks_count":80,"subscribers_count":40,
			"open_issues_count":12,"pushed_at":"2026-08-01T10:00:00Z",
			"license":{"spdx_id":"MIT"},"owner":{"type":"User"}}`)
	})
	mux.HandleFunc("/repos/alice/skills/contributors", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<https://x/repos/alice/skills/contributors?per_page=1&page=7>; rel="last"`)
		fmt.Fprint(w, `[{"login":"alice"}]`)
	})

	c := newTestClient(t, mux)
	doc, err := c.FetchDocument(context.Background(), "alice/skills", "SKILL.md", "")
	require.NoError(t, err)

	assert.Equal(t, "# My Skill\n\nDoes things.", string(doc.Content))
	assert.Equal(t, "abc123", doc.Revision)
	assert.Equal(t, 1500, doc.Signals.Stars)
	assert.Equal(t, 80, doc.Signals.Forks)
	assert.Equal(t, "MIT", doc.Signals.License)
	assert.Equal(t, 7, doc.Signals.Contributors)
}

func TestFetchDocumentNotFound(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(t, mux)
	_, err := c.FetchDocument(context.Background(), "gone/repo", "SKILL.md", "")
	require.ErrorIs(t, err, ErrNotFound)

	// Permanent: the content request must not be retried
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"resources":{"core":{"limit":5000,"remaining":4000,"reset":1700000000}}}`)
	})

	c := newTestClient(t, mux)
	rate, err := c.GetRateLimit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5000, rate.Limit)
	assert.Equal(t, 4000, rate.Remaining)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRateHeadersUpdateBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/a/b/contents/s.md", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", "1700000000")
		w.Write([]byte("# x"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	c := newTestClient(t, mux)
	c.getRaw(context.Background(), "/repos/a/b/contents/s.md")

	rate, err := c.GetRateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, rate.Limit)
	assert.Equal(t, 42, rate.Remaining)
}

func TestBlockedIPRanges(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"10.0.0.5", true},
		{"172.16.1.1", true},
		{"172.31.255.255", true},
		{"192.168.1.10", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"140.82.112.3", false},
		{"8.8.8.8", false},
		{"172.32.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.blocked, blockedIP(net.ParseIP(tt.ip)))
		})
	}
}

func TestGuardedDialRejectsLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	guarded := &http.Client{Transport: NewGuardedTransport()}
	_, err := guarded.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockedHost)
}

func TestSearchCandidatesPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/code", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if r.URL.Query().Get("q") == indexingQueries[0] && page == "1" {
			// A short page: the next cursor should advance to query 1
			fmt.Fprint(w, `{"total_count":2,"items":[
				{"path":"SKILL.md","repository":{"full_name":"alice/skills"}},
				{"path":"skills/fmt.md","repository":{"full_name":"bob/tools"}}]}`)
			return
		}
		fmt.Fprint(w, `{"total_count":0,"items":[]}`)
	})

	c := newTestClient(t, mux)
	page, err := c.SearchCandidates(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, page.Candidates, 2)
	assert.Equal(t, "alice/skills", page.Candidates[0].RepoID)
	assert.Equal(t, "SKILL.md", page.Candidates[0].Path)
	require.NotEmpty(t, page.NextCursor)

	// Resume from the cursor: drains the remaining queries
	cur := page.NextCursor
	for cur != "" {
		next, err := c.SearchCandidates(context.Background(), cur)
		require.NoError(t, err)
		cur = next.NextCursor
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := cursor{QueryIndex: 2, Page: 14}
	got, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = decodeCursor("not-base64!!")
	assert.Error(t, err)

	start, err := decodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, cursor{QueryIndex: 0, Page: 1}, start)
}

func TestLastPageFromLink(t *testing.T) {
	link := `<https://api.github.com/repos/a/b/contributors?per_page=1&page=2>; rel="next", ` +
		`<https://api.github.com/repos/a/b/contributors?per_page=1&page=57>; rel="last"`
	assert.Equal(t, 57, lastPageFromLink(link))
	assert.Equal(t, 0, lastPageFromLink(""))
}

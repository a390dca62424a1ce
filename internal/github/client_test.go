package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient("token", srv.URL, 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func setRate(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func TestListPullsConditional(t *testing.T) {
	reset := time.Unix(1_900_000_000, 0)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api/pulls", r.URL.Path)
		assert.Equal(t, "closed", r.URL.Query().Get("state"))
		setRate(w, 4321, reset)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, `[
			{"number": 7, "title": "T-7 - docs", "html_url": "https://github.com/acme/api/pull/7",
			 "head": {"ref": "feature/T-7-docs", "sha": "abc"}, "base": {"ref": "main"},
			 "merged_at": "2026-01-02T03:04:05Z"},
			{"number": 6, "title": "abandoned", "head": {"ref": "x", "sha": "def"}, "base": {"ref": "main"}}
		]`)
	}))

	first, err := c.ListPulls(context.Background(), "acme", "api", "closed", "")
	require.NoError(t, err)
	assert.False(t, first.NotModified)
	assert.Equal(t, `"v1"`, first.ETag)
	require.Len(t, first.Pulls, 2)
	assert.True(t, first.Pulls[0].Merged)
	assert.Equal(t, "abc", first.Pulls[0].HeadSHA)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *first.Pulls[0].MergedAt)
	assert.False(t, first.Pulls[1].Merged)
	assert.Equal(t, 4321, first.Rate.Remaining)
	assert.True(t, first.Rate.Reset.Equal(reset))

	second, err := c.ListPulls(context.Background(), "acme", "api", "closed", first.ETag)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, `"v1"`, second.ETag)
	assert.Empty(t, second.Pulls)
	assert.Equal(t, 4321, second.Rate.Remaining)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"message":"Not Found"}`, ErrNotFound},
		{"server error", http.StatusBadGateway, `{"message":"bad gateway"}`, ErrTransport},
		{"too many", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited},
		{"no commits", http.StatusUnprocessableEntity,
			`{"message":"Validation Failed","errors":[{"resource":"PullRequest","code":"custom","message":"No commits between main and feature/T-1"}]}`,
			ErrNoChanges},
		{"exists", http.StatusUnprocessableEntity,
			`{"message":"Validation Failed","errors":[{"resource":"PullRequest","code":"custom","message":"A pull request already exists for acme:feature/T-1."}]}`,
			ErrAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			_, err := c.OpenPullRequest(context.Background(), "acme", "api", "feature/T-1", "main", "T-1 - x", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestPrimaryRateLimit(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRate(w, 0, time.Now().Add(time.Hour))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	}))

	_, err := c.ListPulls(context.Background(), "acme", "api", "open", "")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFindOpenByTaskIDAndFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number": 3, "title": "T-12 - add ci", "head": {"ref": "feature/T-12-add-ci"}}]`)
	})
	mux.HandleFunc("/repos/acme/api/pulls/3/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"filename": ".github/workflows/ci.yml"}, {"filename": "README.md"}]`)
	})
	c := newTestClient(t, mux)

	pr, err := c.FindOpenByTaskID(context.Background(), "acme", "api", "T-12")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 3, pr.Number)

	missing, err := c.FindOpenByTaskID(context.Background(), "acme", "api", "T-99")
	require.NoError(t, err)
	assert.Nil(t, missing)

	files, err := c.ListFiles(context.Background(), "acme", "api", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{".github/workflows/ci.yml", "README.md"}, files)
}

func TestPRHelpers(t *testing.T) {
	assert.Equal(t, "T-3 - mark task done", IntegrationTitle("T-3"))
	assert.Equal(t, "integration/T-3-mark-done", IntegrationBranch("T-3"))
	assert.Contains(t, PRBody("T-3", "Add CI", nil), "No protected paths changed")
	assert.Contains(t, PRBody("T-3", "Add CI", []string{".github/workflows/ci.yml"}), "`.github/workflows/ci.yml`")
}

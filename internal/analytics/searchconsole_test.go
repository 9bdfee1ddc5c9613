package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/rankbee/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGoogle struct {
	server        *httptest.Server
	tokenCalls    atomic.Int32
	queryCalls    atomic.Int32
	rejectFirstN  int32
	lastPath      atomic.Value
	lastRequest   atomic.Value
	tokenSequence []string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{tokenSequence: []string{"token-1", "token-2", "token-3"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh", r.PostForm.Get("refresh_token"))

		n := f.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": f.tokenSequence[n-1],
			"expires_in":   3599,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/sites/", func(w http.ResponseWriter, r *http.Request) {
		n := f.queryCalls.Add(1)
		f.lastPath.Store(r.URL.EscapedPath())

		if n <= f.rejectFirstN {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"expired"}`))
			return
		}

		var body searchAnalyticsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastRequest.Store(body)

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rows": []map[string]any{
				{"keys": []string{"k1", "MOBILE", "gbr", "https://example.com/"}, "clicks": 2, "impressions": 40, "ctr": 0.05, "position": 4.2},
			},
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) client(now time.Time) *SearchConsoleClient {
	return NewSearchConsoleClient(SearchConsoleOptions{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		LagDays:      3,
		BaseURL:      f.server.URL,
		TokenURL:     f.server.URL + "/token",
		Now:          func() time.Time { return now },
	})
}

func TestSearchConsoleClient_Query(t *testing.T) {
	f := newFakeGoogle(t)
	c := f.client(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))

	rows, err := c.Query(context.Background(), "sc-domain:example.com", SevenDays, rowDimensions)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"k1", "MOBILE", "gbr", "https://example.com/"}, rows[0].Keys)
	assert.Equal(t, 2.0, rows[0].Clicks)

	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, "/sites/sc-domain:example.com/searchAnalytics/query", f.lastPath.Load())

	req := f.lastRequest.Load().(searchAnalyticsRequest)
	assert.Equal(t, "2024-05-01", req.StartDate)
	assert.Equal(t, "2024-05-07", req.EndDate)
	assert.Equal(t, rowDimensions, req.Dimensions)
	assert.Equal(t, SearchConsoleMaxRows, req.RowLimit)

	// token is reused on the next call
	_, err = c.Query(context.Background(), "sc-domain:example.com", ThreeDays, rowDimensions)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestSearchConsoleClient_RefreshesOnUnauthorised(t *testing.T) {
	f := newFakeGoogle(t)
	f.rejectFirstN = 1
	c := f.client(time.Now())

	rows, err := c.Query(context.Background(), "sc-domain:example.com", ThirtyDays, rowDimensions)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.queryCalls.Load())
}

func TestSearchConsoleClient_ConcurrentQueriesShareTokenRefresh(t *testing.T) {
	f := newFakeGoogle(t)
	c := f.client(time.Now())

	var wg sync.WaitGroup
	errs := make(chan error, len(SupportedWindows))
	for _, w := range SupportedWindows {
		wg.Add(1)
		go func(w Window) {
			defer wg.Done()
			_, err := c.Query(context.Background(), "sc-domain:example.com", w, rowDimensions)
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(len(SupportedWindows)), f.queryCalls.Load())
}

func TestSearchConsoleClient_TokenReusesNewerToken(t *testing.T) {
	f := newFakeGoogle(t)
	c := f.client(time.Now())
	c.accessToken = "token-2"

	got, err := c.token(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "token-2", got)
	assert.Equal(t, int32(0), f.tokenCalls.Load())

	got, err = c.token(context.Background(), "token-2")
	require.NoError(t, err)
	assert.Equal(t, "token-1", got)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestSearchConsoleClient_SecondUnauthorisedFails(t *testing.T) {
	f := newFakeGoogle(t)
	f.rejectFirstN = 2
	c := f.client(time.Now())

	_, err := c.Query(context.Background(), "sc-domain:example.com", ThirtyDays, rowDimensions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after token refresh")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestSearchConsoleClient_MissingCredentials(t *testing.T) {
	c := NewSearchConsoleClient(SearchConsoleOptions{ClientID: "id"})
	assert.False(t, c.Configured())

	_, err := c.Query(context.Background(), "sc-domain:example.com", SevenDays, rowDimensions)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestSearchConsoleClient_DateRange(t *testing.T) {
	now := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	c := NewSearchConsoleClient(SearchConsoleOptions{LagDays: 3, Now: func() time.Time { return now }})

	start, end := c.DateRange(ThreeDays)
	assert.Equal(t, "2024-02-26", start)
	assert.Equal(t, "2024-02-28", end)

	start, end = c.DateRange(ThirtyDays)
	assert.Equal(t, "2024-01-30", start)
	assert.Equal(t, "2024-02-28", end)
}

func TestSiteIdentifier(t *testing.T) {
	assert.Equal(t, "sc-domain:example.com", SiteIdentifier("example.com", ""))
	assert.Equal(t, "sc-domain:example.com", SiteIdentifier("example.com", "domain"))
	assert.Equal(t, "https://example.com/", SiteIdentifier("example.com", "url"))
	assert.Equal(t, "https://www.example.com/", SiteIdentifier(util.CanonicalDomain("https://www.example.com/"), "url"))
}

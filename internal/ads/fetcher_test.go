//go:build unit || !integration

package ads

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/rankbee/internal/cache"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{
	ClientID:       "client",
	ClientSecret:   "secret",
	RefreshToken:   "refresh",
	DeveloperToken: "dev",
	CustomerID:     "123-456-7890",
}

type fakeProvider struct {
	mu         sync.Mutex
	tokenCalls int
	expiresIn  time.Duration
	requests   []MetricsRequest
	volumes    map[string]map[string]int64 // geo -> text -> volume
	failGeo    map[string]error
	ideas      []KeywordIdea
	ideasErr   error
	lastIdeasQ IdeasQuery
	seenTokens []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		expiresIn: time.Hour,
		volumes:   make(map[string]map[string]int64),
		failGeo:   make(map[string]error),
	}
}

func (p *fakeProvider) AccessToken(_ context.Context, _ Credentials) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++
	return Token{AccessToken: "tok", ExpiresIn: p.expiresIn}, nil
}

func (p *fakeProvider) GenerateHistoricalMetrics(_ context.Context, _ Credentials, token string, req MetricsRequest) ([]HistoricalMetric, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.seenTokens = append(p.seenTokens, token)
	if err := p.failGeo[req.GeoTarget]; err != nil {
		return nil, err
	}
	var out []HistoricalMetric
	for _, kw := range req.Keywords {
		if v, ok := p.volumes[req.GeoTarget][kw]; ok {
			out = append(out, HistoricalMetric{Text: kw, AvgMonthlySearches: v})
		}
	}
	return out, nil
}

func (p *fakeProvider) GenerateKeywordIdeas(_ context.Context, _ Credentials, _ string, q IdeasQuery) ([]KeywordIdea, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastIdeasQ = q
	return append([]KeywordIdea(nil), p.ideas...), p.ideasErr
}

type countingPacer struct{ waits int }

func (c *countingPacer) Wait(ctx context.Context) error {
	c.waits++
	return ctx.Err()
}

func testKeywords() []*keywords.Keyword {
	return []*keywords.Keyword{
		{ID: 1, Keyword: "Shoes", Country: "US"},
		{ID: 2, Keyword: "boots", Country: "US"},
		{ID: 3, Keyword: "shoes", Country: "gb"},
		{ID: 4, Keyword: "rare", Country: "US"},
	}
}

func TestGetVolumes_GroupsByCountry(t *testing.T) {
	p := newFakeProvider()
	p.volumes["geoTargetConstants/2840"] = map[string]int64{"shoes": 1000, "boots": 500}
	p.volumes["geoTargetConstants/2826"] = map[string]int64{"shoes": 300}
	pacer := &countingPacer{}

	f := NewFetcher(p, testCreds, FetcherOptions{Pacer: pacer})
	res := f.GetVolumes(context.Background(), testKeywords())

	require.NoError(t, res.Error)
	assert.Equal(t, map[int64]int64{1: 1000, 2: 500, 3: 300}, res.Volumes)
	require.Len(t, p.requests, 2, "one request per country")
	assert.Equal(t, "geoTargetConstants/2826", p.requests[0].GeoTarget)
	assert.ElementsMatch(t, []string{"shoes", "boots", "rare"}, p.requests[1].Keywords)
	assert.Equal(t, "1000", p.requests[0].Language)
	assert.Equal(t, 2, pacer.waits)
}

func TestGetVolumes_PartialCountryFailure(t *testing.T) {
	p := newFakeProvider()
	p.volumes["geoTargetConstants/2826"] = map[string]int64{"shoes": 300}
	p.failGeo["geoTargetConstants/2840"] = errors.New("quota exceeded")

	f := NewFetcher(p, testCreds, FetcherOptions{})
	res := f.GetVolumes(context.Background(), testKeywords())

	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "US: quota exceeded")
	assert.Equal(t, map[int64]int64{3: 300}, res.Volumes)
}

func TestGetVolumes_UnknownCountryFailsOnlyItsGroup(t *testing.T) {
	p := newFakeProvider()
	p.volumes["geoTargetConstants/2840"] = map[string]int64{"shoes": 1000}

	f := NewFetcher(p, testCreds, FetcherOptions{})
	res := f.GetVolumes(context.Background(), []*keywords.Keyword{
		{ID: 1, Keyword: "shoes", Country: "US"},
		{ID: 2, Keyword: "shoes", Country: "XX"},
	})

	assert.ErrorIs(t, res.Error, ErrUnknownCountry)
	assert.Equal(t, map[int64]int64{1: 1000}, res.Volumes)
	assert.Len(t, p.requests, 1)
}

func TestGetVolumes_MissingCredentials(t *testing.T) {
	p := newFakeProvider()
	f := NewFetcher(p, Credentials{ClientID: "only"}, FetcherOptions{})

	res := f.GetVolumes(context.Background(), testKeywords())
	assert.ErrorIs(t, res.Error, ErrMissingCredentials)
	assert.Empty(t, res.Volumes)
	assert.Zero(t, p.tokenCalls)
}

func TestGetVolumes_TokenCachedAtShareOfLifetime(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tokens := cache.NewTTLCacheWithClock[string](func() time.Time { return now })
	p := newFakeProvider()
	p.expiresIn = 100 * time.Second

	f := NewFetcher(p, testCreds, FetcherOptions{Tokens: tokens})
	kws := []*keywords.Keyword{{ID: 1, Keyword: "shoes", Country: "US"}}

	f.GetVolumes(context.Background(), kws)
	f.GetVolumes(context.Background(), kws)
	assert.Equal(t, 1, p.tokenCalls, "token reused while fresh")

	now = now.Add(91 * time.Second)
	f.GetVolumes(context.Background(), kws)
	assert.Equal(t, 1, p.tokenCalls)

	now = now.Add(2 * time.Second)
	f.GetVolumes(context.Background(), kws)
	assert.Equal(t, 2, p.tokenCalls, "token expires at 92% of its lifetime")
}

func TestGetVolumes_UnauthorisedDropsToken(t *testing.T) {
	p := newFakeProvider()
	p.failGeo["geoTargetConstants/2840"] = &StatusError{StatusCode: http.StatusUnauthorized, Body: "expired"}

	f := NewFetcher(p, testCreds, FetcherOptions{})
	kws := []*keywords.Keyword{{ID: 1, Keyword: "shoes", Country: "US"}}

	f.GetVolumes(context.Background(), kws)
	f.GetVolumes(context.Background(), kws)
	assert.Equal(t, 2, p.tokenCalls)
}

func TestGetVolumes_CancelledStopsRemainingGroups(t *testing.T) {
	p := newFakeProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(p, testCreds, FetcherOptions{Pacer: &countingPacer{}})
	res := f.GetVolumes(ctx, testKeywords())

	assert.ErrorIs(t, res.Error, context.Canceled)
	assert.Empty(t, p.requests)
}

func TestUpdateVolumes(t *testing.T) {
	repo := keywords.NewMemoryRepository()
	created, err := repo.BulkCreate(context.Background(), []*keywords.Keyword{
		{Keyword: "shoes", Country: "US", Domain: "example.com"},
		{Keyword: "unknown", Country: "US", Domain: "example.com"},
	})
	require.NoError(t, err)

	p := newFakeProvider()
	p.volumes["geoTargetConstants/2840"] = map[string]int64{"shoes": 1200}

	f := NewFetcher(p, testCreds, FetcherOptions{})
	res := f.UpdateVolumes(context.Background(), repo, created)
	require.NoError(t, res.Error)

	got, err := repo.FindOne(context.Background(), keywords.ByID(created[0].ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got.Volume)

	got, err = repo.FindOne(context.Background(), keywords.ByID(created[1].ID))
	require.NoError(t, err)
	assert.Zero(t, got.Volume)
}

func TestGetIdeas(t *testing.T) {
	p := newFakeProvider()
	p.ideas = []KeywordIdea{
		{Keyword: "low", AvgMonthlySearches: 10},
		{Keyword: "high", AvgMonthlySearches: 900},
		{Keyword: "mid", AvgMonthlySearches: 100},
	}
	f := NewFetcher(p, testCreds, FetcherOptions{})

	ideas, err := f.GetIdeas(context.Background(), IdeasRequest{Keywords: []string{"shoes"}, Country: "au", Limit: 2})
	require.NoError(t, err)
	require.Len(t, ideas, 2)
	assert.Equal(t, "high", ideas[0].Keyword)
	assert.Equal(t, "mid", ideas[1].Keyword)
	assert.Equal(t, "geoTargetConstants/2036", p.lastIdeasQ.GeoTarget)

	_, err = f.GetIdeas(context.Background(), IdeasRequest{Country: "US"})
	assert.Error(t, err)

	_, err = f.GetIdeas(context.Background(), IdeasRequest{Keywords: []string{"x"}, Country: "ZZ"})
	assert.ErrorIs(t, err, ErrUnknownCountry)

	_, err = NewFetcher(p, Credentials{}, FetcherOptions{}).GetIdeas(context.Background(), IdeasRequest{Keywords: []string{"x"}, Country: "US"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGeoTarget(t *testing.T) {
	geo, err := GeoTarget("us")
	require.NoError(t, err)
	assert.Equal(t, "geoTargetConstants/2840", geo)

	geo, err = GeoTarget("UK")
	require.NoError(t, err)
	assert.Equal(t, "geoTargetConstants/2826", geo)

	_, err = GeoTarget("")
	assert.ErrorIs(t, err, ErrUnknownCountry)
}

func TestCredentials(t *testing.T) {
	assert.True(t, testCreds.Valid())
	assert.False(t, Credentials{}.Valid())

	other := testCreds
	other.RefreshToken = "different"
	assert.NotEqual(t, testCreds.Fingerprint(), other.Fingerprint())
	assert.Len(t, testCreds.Fingerprint(), 64)
	assert.NotContains(t, testCreds.Fingerprint(), "secret")
}

//go:build unit || !integration

package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/notifications"
	"github.com/Harvey-AU/rankbee/internal/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScraper struct {
	mu       sync.Mutex
	calls    map[string]int
	results  map[string]*scraper.Result
	errs     map[string]error
	block    bool
	inflight atomic.Int32
	peak     atomic.Int32
	pause    time.Duration
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{
		calls:   make(map[string]int),
		results: make(map[string]*scraper.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeScraper) Name() string { return "fake" }

func (f *fakeScraper) Scrape(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[req.Keyword]++
	res, err := f.results[req.Keyword], f.errs[req.Keyword]
	f.mu.Unlock()

	if f.pause > 0 {
		time.Sleep(f.pause)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &scraper.Result{Position: keywords.NotRanked, Results: []keywords.SearchResult{}}, nil
	}
	return res, nil
}

func (f *fakeScraper) callCount(keyword string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[keyword]
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []notifications.RefreshSummary
}

func (n *recordingNotifier) NotifyRefreshFailures(_ context.Context, s notifications.RefreshSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
}

type refreshEnv struct {
	repo     *keywords.MemoryRepository
	scraper  *fakeScraper
	queue    *FileRetryQueue
	notifier *recordingNotifier
	now      time.Time
	sleeps   []time.Duration
}

func newRefreshEnv(t *testing.T) *refreshEnv {
	t.Helper()
	return &refreshEnv{
		repo:     keywords.NewMemoryRepository(),
		scraper:  newFakeScraper(),
		queue:    NewFileRetryQueue(t.TempDir()),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC),
	}
}

func (e *refreshEnv) refresher(opts RefresherOptions) *Refresher {
	opts.Now = func() time.Time { return e.now }
	if opts.Sleep == nil {
		opts.Sleep = func(_ context.Context, d time.Duration) error {
			e.sleeps = append(e.sleeps, d)
			return nil
		}
	}
	return NewRefresher(e.repo, e.scraper, e.queue, e.notifier, opts)
}

func (e *refreshEnv) seed(t *testing.T, records ...*keywords.Keyword) []*keywords.Keyword {
	t.Helper()
	created, err := e.repo.BulkCreate(context.Background(), records)
	require.NoError(t, err)
	return created
}

func (e *refreshEnv) get(t *testing.T, id int64) *keywords.Keyword {
	t.Helper()
	k, err := e.repo.FindOne(context.Background(), keywords.ByID(id))
	require.NoError(t, err)
	return k
}

func TestRefresh_ScrapeErrorMarksFailed(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	lastUpdated := time.Date(2024, 5, 9, 12, 0, 0, 0, time.UTC)
	k := env.seed(t, &keywords.Keyword{
		Keyword:     "shoes",
		Domain:      "example.com",
		Position:    5,
		LastUpdated: &lastUpdated,
		History:     keywords.History{"2024-05-09": 5},
	})[0]

	env.scraper.errs["shoes"] = errors.New("blocked by captcha")
	r := env.refresher(RefresherOptions{})

	for i := 0; i < 2; i++ {
		res, err := r.RefreshIDs(ctx, []int64{k.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	got := env.get(t, k.ID)
	assert.False(t, got.Updating)
	assert.Equal(t, 5, got.Position)
	require.NotNil(t, got.LastUpdated)
	assert.True(t, lastUpdated.Equal(*got.LastUpdated))
	assert.Equal(t, keywords.History{"2024-05-09": 5}, got.History)

	require.NotNil(t, got.LastUpdateError)
	assert.Equal(t, "blocked by captcha", got.LastUpdateError.Error)
	assert.Equal(t, "fake", got.LastUpdateError.Scraper)
	assert.True(t, env.now.Equal(got.LastUpdateError.Date))

	ids, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{k.ID}, ids, "queued exactly once")

	require.Len(t, env.notifier.summaries, 2)
	assert.Equal(t, 1, env.notifier.summaries[0].Failed)
	assert.Equal(t, "shoes", env.notifier.summaries[0].Failures[0].Keyword)
}

func TestRefresh_SuccessMergesSameDay(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	k := env.seed(t, &keywords.Keyword{
		Keyword:         "boots",
		Domain:          "example.com",
		History:         keywords.History{"2024-05-08": 12},
		LastUpdateError: &keywords.LastUpdateError{Error: "old"},
	})[0]
	require.NoError(t, env.queue.Add(ctx, k.ID))

	env.scraper.results["boots"] = &scraper.Result{
		Position: 7,
		URL:      "https://example.com/boots",
		Results:  []keywords.SearchResult{{Position: 7, URL: "https://example.com/boots", Title: "Boots"}},
	}
	r := env.refresher(RefresherOptions{})

	_, err := r.RefreshIDs(ctx, []int64{k.ID})
	require.NoError(t, err)

	env.scraper.results["boots"] = &scraper.Result{Position: 4, URL: "https://example.com/boots"}
	env.now = env.now.Add(2 * time.Hour)
	res, err := r.RefreshIDs(ctx, []int64{k.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := env.get(t, k.ID)
	assert.False(t, got.Updating)
	assert.Equal(t, 4, got.Position)
	assert.Equal(t, "https://example.com/boots", got.URL)
	assert.Equal(t, keywords.History{"2024-05-08": 12, "2024-05-10": 4}, got.History)
	assert.Equal(t, -8, got.PositionChange())
	assert.Nil(t, got.LastUpdateError)
	require.NotNil(t, got.LastUpdated)
	assert.True(t, env.now.Equal(*got.LastUpdated))

	ids, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, env.notifier.summaries)
}

func TestRefresh_HistoryUsesConfiguredTimezone(t *testing.T) {
	env := newRefreshEnv(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:00 UTC is still the previous evening in New York
	env.now = time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	k := env.seed(t, &keywords.Keyword{Keyword: "hats", Domain: "example.com"})[0]
	env.scraper.results["hats"] = &scraper.Result{Position: 3}

	_, err = env.refresher(RefresherOptions{Location: ny}).RefreshIDs(context.Background(), []int64{k.ID})
	require.NoError(t, err)

	assert.Equal(t, keywords.History{"2024-05-09": 3}, env.get(t, k.ID).History)
}

func TestRefresh_NotRankedDropsOutOfTop100(t *testing.T) {
	env := newRefreshEnv(t)
	k := env.seed(t, &keywords.Keyword{
		Keyword: "scarves",
		Domain:  "example.com",
		History: keywords.History{"2024-05-09": 8},
	})[0]

	_, err := env.refresher(RefresherOptions{}).RefreshIDs(context.Background(), []int64{k.ID})
	require.NoError(t, err)

	got := env.get(t, k.ID)
	assert.Equal(t, keywords.NotRanked, got.Position)
	assert.Equal(t, -92, got.PositionChange())
}

func TestRefresh_SkipsKeywordsAlreadyUpdating(t *testing.T) {
	env := newRefreshEnv(t)
	created := env.seed(t,
		&keywords.Keyword{Keyword: "a", Domain: "example.com", Updating: true},
		&keywords.Keyword{Keyword: "b", Domain: "example.com"},
	)

	res, err := env.refresher(RefresherOptions{}).RefreshDomain(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, TriggerSchedule, res.Trigger)
	assert.Zero(t, env.scraper.callCount("a"))
	assert.Equal(t, 1, env.scraper.callCount("b"))
	assert.True(t, env.get(t, created[0].ID).Updating, "a running refresh is left alone")
}

func TestRefresh_PartialBatch(t *testing.T) {
	env := newRefreshEnv(t)
	created := env.seed(t,
		&keywords.Keyword{Keyword: "ok1", Domain: "example.com"},
		&keywords.Keyword{Keyword: "bad", Domain: "example.com"},
		&keywords.Keyword{Keyword: "ok2", Domain: "other.com"},
	)
	env.scraper.errs["bad"] = errors.New("timeout")

	ids := []int64{created[0].ID, created[1].ID, created[2].ID}
	res, err := env.refresher(RefresherOptions{Concurrency: 3}).RefreshIDs(context.Background(), ids)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Keywords, 2)

	got := []string{res.Keywords[0].Keyword, res.Keywords[1].Keyword}
	sort.Strings(got)
	assert.Equal(t, []string{"ok1", "ok2"}, got)

	all, err := env.repo.FindAll(context.Background(), keywords.Filter{})
	require.NoError(t, err)
	for _, k := range all {
		assert.False(t, k.Updating, "keyword %s left updating", k.Keyword)
	}

	queued, err := env.queue.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{created[1].ID}, queued)
}

func TestRefresh_DelayBetweenScrapes(t *testing.T) {
	env := newRefreshEnv(t)
	env.seed(t,
		&keywords.Keyword{Keyword: "a", Domain: "example.com"},
		&keywords.Keyword{Keyword: "b", Domain: "example.com"},
		&keywords.Keyword{Keyword: "c", Domain: "example.com"},
	)

	_, err := env.refresher(RefresherOptions{Delay: 2 * time.Second}).RefreshDomain(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, env.sleeps)
}

func TestRefresh_ConcurrencyBound(t *testing.T) {
	env := newRefreshEnv(t)
	env.scraper.pause = 20 * time.Millisecond
	for _, kw := range []string{"a", "b", "c", "d", "e", "f"} {
		env.seed(t, &keywords.Keyword{Keyword: kw, Domain: "example.com"})
	}

	res, err := env.refresher(RefresherOptions{Concurrency: 2}).RefreshDomain(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, 6, res.Succeeded)
	assert.LessOrEqual(t, env.scraper.peak.Load(), int32(2))
}

func TestRefresh_TimeoutIsFailure(t *testing.T) {
	env := newRefreshEnv(t)
	env.scraper.block = true
	k := env.seed(t, &keywords.Keyword{Keyword: "slow", Domain: "example.com", Position: 9})[0]

	res, err := env.refresher(RefresherOptions{Timeout: 10 * time.Millisecond}).RefreshIDs(context.Background(), []int64{k.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := env.get(t, k.ID)
	assert.False(t, got.Updating)
	assert.Equal(t, 9, got.Position)
	require.NotNil(t, got.LastUpdateError)
	assert.Contains(t, got.LastUpdateError.Error, "deadline exceeded")
}

func TestRefreshOne(t *testing.T) {
	env := newRefreshEnv(t)
	k := env.seed(t, &keywords.Keyword{Keyword: "one", Domain: "example.com", Updating: true})[0]
	env.scraper.results["one"] = &scraper.Result{Position: 2, URL: "https://example.com/"}

	r := env.refresher(RefresherOptions{})
	got, err := r.RefreshOne(context.Background(), k.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Position)
	assert.False(t, got.Updating)

	_, err = r.RefreshOne(context.Background(), 999)
	assert.ErrorIs(t, err, keywords.ErrNotFound)
}

func TestRefreshAsync(t *testing.T) {
	env := newRefreshEnv(t)
	k := env.seed(t, &keywords.Keyword{Keyword: "bg", Domain: "example.com"})[0]
	env.scraper.results["bg"] = &scraper.Result{Position: 11}

	r := env.refresher(RefresherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	runID := r.RefreshAsync(ctx, []int64{k.ID})
	cancel()
	r.Wait()

	assert.NotEmpty(t, runID)
	assert.Equal(t, 11, env.get(t, k.ID).Position)
}

func TestResetStuck(t *testing.T) {
	env := newRefreshEnv(t)
	env.seed(t,
		&keywords.Keyword{Keyword: "a", Domain: "example.com", Updating: true},
		&keywords.Keyword{Keyword: "b", Domain: "example.com", Updating: true},
		&keywords.Keyword{Keyword: "c", Domain: "example.com"},
	)

	n, err := env.refresher(RefresherOptions{}).ResetStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stuck, err := env.repo.FindAll(context.Background(), keywords.Filter{Updating: keywords.BoolPtr(true)})
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestRetryFailed(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	created := env.seed(t,
		&keywords.Keyword{Keyword: "recovers", Domain: "example.com"},
		&keywords.Keyword{Keyword: "still-broken", Domain: "example.com"},
	)
	env.scraper.errs["still-broken"] = errors.New("503")
	for _, id := range []int64{created[0].ID, created[1].ID, 999} {
		require.NoError(t, env.queue.Add(ctx, id))
	}

	res, err := env.refresher(RefresherOptions{}).RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, TriggerRetry, res.Trigger)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	ids, err := env.queue.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{created[1].ID}, ids)
}

func TestRetryFailed_EmptyQueue(t *testing.T) {
	env := newRefreshEnv(t)
	env.seed(t, &keywords.Keyword{Keyword: "a", Domain: "example.com"})

	res, err := env.refresher(RefresherOptions{}).RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Zero(t, env.scraper.callCount("a"))
}

func TestRefreshIDs_Empty(t *testing.T) {
	env := newRefreshEnv(t)
	env.seed(t, &keywords.Keyword{Keyword: "a", Domain: "example.com"})

	res, err := env.refresher(RefresherOptions{}).RefreshIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Zero(t, env.scraper.callCount("a"), "an empty id list must not mean every keyword")
}

func TestRefresh_CancelledBatchReleasesRemaining(t *testing.T) {
	env := newRefreshEnv(t)
	env.seed(t,
		&keywords.Keyword{Keyword: "a", Domain: "example.com"},
		&keywords.Keyword{Keyword: "b", Domain: "example.com"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	r := env.refresher(RefresherOptions{
		Delay: time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	_, err := r.RefreshDomain(ctx, "example.com")
	assert.ErrorIs(t, err, context.Canceled)

	all, err := env.repo.FindAll(context.Background(), keywords.Filter{})
	require.NoError(t, err)
	for _, k := range all {
		assert.False(t, k.Updating, "keyword %s left updating", k.Keyword)
	}
	assert.Zero(t, env.scraper.callCount("b"))
}

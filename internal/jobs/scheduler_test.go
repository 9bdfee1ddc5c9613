//go:build unit || !integration

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSyncer struct {
	mu      sync.Mutex
	domains []string
}

func (s *recordingSyncer) GetSnapshot(_ context.Context, domain string) analytics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains = append(s.domains, domain)
	return analytics.Snapshot{}
}

func (s *recordingSyncer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.domains...)
}

func seedDomains(t *testing.T, env *refreshEnv) {
	t.Helper()
	env.seed(t,
		&keywords.Keyword{Keyword: "a", Domain: "zeta.com"},
		&keywords.Keyword{Keyword: "b", Domain: "alpha.com"},
		&keywords.Keyword{Keyword: "c", Domain: "zeta.com"},
	)
}

func TestScheduler_Domains(t *testing.T) {
	env := newRefreshEnv(t)
	seedDomains(t, env)
	s := NewScheduler(env.refresher(RefresherOptions{}), env.repo, nil, SchedulerConfig{})

	domains, err := s.domains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha.com", "zeta.com"}, domains)
}

func TestScheduler_RunRefresh(t *testing.T) {
	env := newRefreshEnv(t)
	seedDomains(t, env)
	s := NewScheduler(env.refresher(RefresherOptions{}), env.repo, nil, SchedulerConfig{})

	require.NoError(t, s.RunRefresh(context.Background()))

	for _, kw := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, env.scraper.callCount(kw), kw)
	}
}

func TestScheduler_RunAnalytics(t *testing.T) {
	env := newRefreshEnv(t)
	seedDomains(t, env)
	syncer := &recordingSyncer{}
	s := NewScheduler(env.refresher(RefresherOptions{}), env.repo, syncer, SchedulerConfig{})

	require.NoError(t, s.RunAnalytics(context.Background()))
	assert.Equal(t, []string{"alpha.com", "zeta.com"}, syncer.seen())
}

func TestScheduler_RunRetry(t *testing.T) {
	env := newRefreshEnv(t)
	k := env.seed(t, &keywords.Keyword{Keyword: "retry-me", Domain: "example.com"})[0]
	require.NoError(t, env.queue.Add(context.Background(), k.ID))

	s := NewScheduler(env.refresher(RefresherOptions{}), env.repo, nil, SchedulerConfig{})
	require.NoError(t, s.RunRetry(context.Background()))

	assert.Equal(t, 1, env.scraper.callCount("retry-me"))
	ids, err := env.queue.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestScheduler_StartStop(t *testing.T) {
	env := newRefreshEnv(t)
	seedDomains(t, env)
	syncer := &recordingSyncer{}

	s := NewScheduler(env.refresher(RefresherOptions{}), env.repo, syncer, SchedulerConfig{
		AnalyticsInterval: 5 * time.Millisecond,
	})
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(syncer.seen()) >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()

	after := len(syncer.seen())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, len(syncer.seen()), "no runs after Stop")

	// Refresh loop was disabled by its zero interval.
	assert.Zero(t, env.scraper.callCount("a"))
}

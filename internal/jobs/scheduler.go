package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// SnapshotSyncer refreshes a domain's analytics snapshot when stale.
type SnapshotSyncer interface {
	GetSnapshot(ctx context.Context, domain string) analytics.Snapshot
}

// SchedulerConfig holds loop intervals. A zero interval disables that loop.
type SchedulerConfig struct {
	RefreshInterval   time.Duration
	RetryInterval     time.Duration
	AnalyticsInterval time.Duration
}

// Scheduler drives periodic keyword refreshes, retry queue drains and
// analytics syncs.
type Scheduler struct {
	refresher *Refresher
	repo      keywords.Repository
	syncer    SnapshotSyncer
	cfg       SchedulerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(refresher *Refresher, repo keywords.Repository, syncer SnapshotSyncer, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		repo:      repo,
		syncer:    syncer,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the loops. Each loop waits one interval before its first run.
func (s *Scheduler) Start(ctx context.Context) {
	s.startLoop(ctx, "refresh", s.cfg.RefreshInterval, s.RunRefresh)
	s.startLoop(ctx, "retry", s.cfg.RetryInterval, s.RunRetry)
	if s.syncer != nil {
		s.startLoop(ctx, "analytics", s.cfg.AnalyticsInterval, s.RunAnalytics)
	}
	log.Info().
		Dur("refresh_interval", s.cfg.RefreshInterval).
		Dur("retry_interval", s.cfg.RetryInterval).
		Dur("analytics_interval", s.cfg.AnalyticsInterval).
		Msg("Scheduler started")
}

// Stop ends the loops and waits for any run in progress.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) startLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		log.Info().Str("loop", name).Msg("Scheduler loop disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runOnce(ctx, name, fn)
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	span := sentry.StartSpan(ctx, "scheduler."+name)
	defer span.Finish()

	start := time.Now()
	if err := fn(span.Context()); err != nil && ctx.Err() == nil {
		span.Status = sentry.SpanStatusInternalError
		log.Error().Err(err).Str("loop", name).Msg("Scheduled run failed")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("loop", name)
			sentry.CaptureException(err)
		})
		return
	}
	log.Debug().Str("loop", name).Dur("duration", time.Since(start)).Msg("Scheduled run completed")
}

// RunRefresh refreshes every tracked domain in turn.
func (s *Scheduler) RunRefresh(ctx context.Context) error {
	domains, err := s.domains(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, domain := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.refresher.RefreshDomain(ctx, domain); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", domain, err))
		}
	}
	return errors.Join(errs...)
}

// RunRetry drains the retry queue through the refresher.
func (s *Scheduler) RunRetry(ctx context.Context) error {
	_, err := s.refresher.RetryFailed(ctx)
	return err
}

// RunAnalytics syncs each tracked domain's snapshot. The syncer decides
// whether a fetch is due, so running this more often than daily is cheap.
func (s *Scheduler) RunAnalytics(ctx context.Context) error {
	domains, err := s.domains(ctx)
	if err != nil {
		return err
	}
	for _, domain := range domains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap := s.syncer.GetSnapshot(ctx, domain)
		if snap.LastFetchError != "" {
			log.Warn().
				Str("domain", domain).
				Str("error", snap.LastFetchError).
				Msg("Analytics sync reported errors")
		}
	}
	return nil
}

// domains lists the distinct tracked domains in sorted order.
func (s *Scheduler) domains(ctx context.Context) ([]string, error) {
	all, err := s.repo.FindAll(ctx, keywords.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, k := range all {
		if k.Domain == "" || seen[k.Domain] {
			continue
		}
		seen[k.Domain] = true
		out = append(out, k.Domain)
	}
	sort.Strings(out)
	return out, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Harvey-AU/rankbee/internal/ads"
	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/api"
	"github.com/Harvey-AU/rankbee/internal/config"
	"github.com/Harvey-AU/rankbee/internal/db"
	"github.com/Harvey-AU/rankbee/internal/insight"
	"github.com/Harvey-AU/rankbee/internal/jobs"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/notifications"
	"github.com/Harvey-AU/rankbee/internal/scraper"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// app owns every long-lived component and the order they stop in.
type app struct {
	cfg *config.Config

	pgDB      *db.DB
	repo      keywords.Repository
	queue     jobs.RetryQueue
	refresher *jobs.Refresher
	scheduler *jobs.Scheduler
	listener  refreshListener
	limiter   *api.RateLimiter
	handler   *api.Handler

	stopListener func()
	listenerWG   sync.WaitGroup

	closers []func() error
}

// refreshListener turns external notifications into async refreshes
// until its context is cancelled.
type refreshListener interface {
	Start(ctx context.Context)
}

// dbRetry governs how long startup waits for PostgreSQL to accept connections.
var dbRetry = db.DefaultRetryConfig()

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if db.Configured() {
		pgDB, err := db.ConnectWithRetry(ctx, dbRetry, db.InitFromEnv)
		if err != nil {
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		a.pgDB = pgDB
		a.repo = pgDB.Keywords()
		a.closers = append(a.closers, pgDB.Close)
		log.Info().Msg("Connected to PostgreSQL database")
	} else {
		a.repo = keywords.NewMemoryRepository()
		log.Warn().Msg("No database configured, keywords are kept in memory")
	}

	if cfg.RedisURL != "" {
		q, err := jobs.NewRedisRetryQueueFromURL(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
	} else {
		a.queue = jobs.NewFileRetryQueue(cfg.DataDir)
	}

	scr, err := scraper.New(cfg.Scraper, scraper.Options{
		APIKey:  cfg.ScraperAPIKey,
		Timeout: cfg.ScrapeTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create scraper: %w", err)
	}

	var notifier jobs.Notifier
	if cfg.SlackWebhookURL != "" {
		notifier = notifications.NewService(notifications.NewSlackChannel(cfg.SlackWebhookURL))
	}

	loc := cfg.Location()
	a.refresher = jobs.NewRefresher(a.repo, scr, a.queue, notifier, jobs.RefresherOptions{
		Concurrency: cfg.ScrapeConcurrency,
		Delay:       cfg.ScrapeDelay,
		Timeout:     cfg.ScrapeTimeout,
		Location:    loc,
	})

	gsc := analytics.NewSearchConsoleClient(analytics.SearchConsoleOptions{
		ClientID:     cfg.SearchConsole.ClientID,
		ClientSecret: cfg.SearchConsole.ClientSecret,
		RefreshToken: cfg.SearchConsole.RefreshToken,
		LagDays:      cfg.SearchConsole.LagDays,
		RowLimit:     cfg.SearchConsole.RowLimit,
	})
	snapshots := analytics.NewService(
		analytics.NewFileStore(cfg.DataDir),
		gsc,
		analytics.NewPolicy(loc),
		analytics.ServiceOptions{Windows: cfg.SearchConsole.Windows, Property: cfg.SearchConsole.Property},
	)

	fetcher := ads.NewFetcher(ads.NewClient(ads.ClientOptions{}), ads.Credentials{
		ClientID:        cfg.Ads.ClientID,
		ClientSecret:    cfg.Ads.ClientSecret,
		RefreshToken:    cfg.Ads.RefreshToken,
		DeveloperToken:  cfg.Ads.DeveloperToken,
		CustomerID:      cfg.Ads.CustomerID,
		LoginCustomerID: cfg.Ads.LoginCustomerID,
	}, ads.FetcherOptions{
		Language: cfg.Ads.Language,
		Pacer:    ads.NewRatePacer(cfg.Ads.RequestDelay),
	})
	if !fetcher.Configured() {
		log.Warn().Msg("Ads credentials not configured, volume lookups are disabled")
	}

	var syncer jobs.SnapshotSyncer
	if gsc.Configured() {
		syncer = snapshots
	}
	a.scheduler = jobs.NewScheduler(a.refresher, a.repo, syncer, jobs.SchedulerConfig{
		RefreshInterval:   cfg.RefreshInterval,
		RetryInterval:     cfg.RetryInterval,
		AnalyticsInterval: cfg.AnalyticsInterval,
	})

	a.handler = &api.Handler{
		Keywords:  a.repo,
		Refresher: a.refresher,
		Queue:     a.queue,
		Insight:   insight.NewService(snapshots),
		Analytics: snapshots,
		Volumes:   fetcher,
	}
	if a.pgDB != nil {
		a.handler.DB = a.pgDB.GetDB()

		connStr := a.pgDB.GetConfig().ConnectionString()
		if jobs.CanUseListen(connStr) {
			a.listener = jobs.NewListener(connStr, a.refresher)
		} else {
			log.Info().Msg("Connection goes through a transaction pooler, refresh notifications disabled")
		}
	}

	a.limiter = api.NewRateLimiter(20, 10)
	return a, nil
}

// Start clears stale updating flags and launches the background loops.
func (a *app) Start(ctx context.Context) {
	if _, err := a.refresher.ResetStuck(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to reset stuck keywords")
	}

	a.scheduler.Start(ctx)
	if a.listener != nil {
		listenCtx, cancel := context.WithCancel(ctx)
		a.stopListener = cancel
		a.listenerWG.Add(1)
		go func() {
			defer a.listenerWG.Done()
			a.listener.Start(listenCtx)
		}()
	}
	go a.pruneLimiter(ctx, 5*time.Minute)
}

func (a *app) pruneLimiter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Prune(); n > 0 {
				log.Debug().Int("pruned", n).Msg("Pruned idle rate limiters")
			}
		}
	}
}

// Handler builds the routed, middleware-wrapped HTTP handler.
func (a *app) Handler() http.Handler {
	mux := http.NewServeMux()
	a.handler.SetupRoutes(mux)

	// Add middleware in reverse order (outermost last)
	var handler http.Handler = mux
	handler = a.limiter.Middleware(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	return handler
}

// Close stops background work, waits for async refreshes and releases
// connections in reverse order of acquisition. The listener must be gone
// before the refresher is drained so no new batch starts mid-wait.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.stopListener != nil {
		a.stopListener()
		a.listenerWG.Wait()
		a.stopListener = nil
	}
	if a.refresher != nil {
		a.refresher.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}

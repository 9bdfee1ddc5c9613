// Package jobs runs keyword refreshes, the failed-refresh retry queue and
// the periodic schedules that drive them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/notifications"
	"github.com/Harvey-AU/rankbee/internal/observability"
	"github.com/Harvey-AU/rankbee/internal/scraper"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// Triggers recorded on each batch.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerRetry    = "retry"
)

// Notifier is told about batches that had failures.
type Notifier interface {
	NotifyRefreshFailures(ctx context.Context, summary notifications.RefreshSummary)
}

// RefresherOptions tunes a Refresher. Zero values select the defaults.
type RefresherOptions struct {
	// Concurrency bounds in-flight scrapes (default 1).
	Concurrency int
	// Delay is waited between starting consecutive scrapes.
	Delay time.Duration
	// Timeout bounds a single scrape (default 30s).
	Timeout time.Duration
	// Location decides which calendar day a history entry belongs to.
	Location *time.Location
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// BatchResult summarises one refresh batch.
type BatchResult struct {
	RunID     string
	Trigger   string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Keywords  []*keywords.Keyword
}

// Refresher moves keywords through Idle -> Updating -> Success|Failed.
type Refresher struct {
	repo     keywords.Repository
	scraper  scraper.Scraper
	queue    RetryQueue
	notifier Notifier
	opts     RefresherOptions

	wg sync.WaitGroup
}

func NewRefresher(repo keywords.Repository, scr scraper.Scraper, queue RetryQueue, notifier Notifier, opts RefresherOptions) *Refresher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Refresher{repo: repo, scraper: scr, queue: queue, notifier: notifier, opts: opts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RefreshIDs refreshes the given keywords, skipping any already updating.
func (r *Refresher) RefreshIDs(ctx context.Context, ids []int64) (*BatchResult, error) {
	if len(ids) == 0 {
		return &BatchResult{RunID: uuid.New().String(), Trigger: TriggerManual}, nil
	}
	return r.run(ctx, TriggerManual, keywords.Filter{IDs: ids})
}

// RefreshDomain refreshes every keyword tracked for domain.
func (r *Refresher) RefreshDomain(ctx context.Context, domain string) (*BatchResult, error) {
	if domain == "" {
		return nil, errors.New("domain is required")
	}
	return r.run(ctx, TriggerSchedule, keywords.Filter{Domain: domain})
}

// RefreshOne refreshes a single keyword synchronously and returns the
// stored record afterwards. It does not skip a keyword that is updating.
func (r *Refresher) RefreshOne(ctx context.Context, id int64) (*keywords.Keyword, error) {
	k, err := r.repo.FindOne(ctx, keywords.ByID(id))
	if err != nil {
		return nil, err
	}

	if _, err := r.repo.Update(ctx, keywords.ByID(id), keywords.Patch{Updating: keywords.BoolPtr(true)}); err != nil {
		return nil, fmt.Errorf("mark keyword %d updating: %w", id, err)
	}

	runID := uuid.New().String()
	if _, err := r.refreshKeyword(ctx, runID, k); err != nil {
		log.Debug().Err(err).Int64("keyword_id", id).Msg("Single keyword refresh failed")
	}

	return r.repo.FindOne(ctx, keywords.ByID(id))
}

// RefreshAsync starts a batch in the background and returns its run ID.
// The batch outlives ctx cancellation; use Wait to drain it.
func (r *Refresher) RefreshAsync(ctx context.Context, ids []int64) string {
	runID := uuid.New().String()
	if len(ids) == 0 {
		return runID
	}

	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.runWithID(bg, runID, TriggerManual, keywords.Filter{IDs: ids}); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("Background refresh failed")
			sentry.CaptureException(err)
		}
	}()
	return runID
}

// Wait blocks until background batches started by RefreshAsync finish.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// ResetStuck clears updating flags left behind by a crash.
func (r *Refresher) ResetStuck(ctx context.Context) (int64, error) {
	n, err := r.repo.Update(ctx,
		keywords.Filter{Updating: keywords.BoolPtr(true)},
		keywords.Patch{Updating: keywords.BoolPtr(false)},
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck keywords: %w", err)
	}
	if n > 0 {
		log.Warn().Int64("keywords_reset", n).Msg("Cleared stale updating flags")
	}
	return n, nil
}

// RetryFailed refreshes every keyword in the retry queue. Successful
// refreshes remove themselves from the queue; IDs whose keyword no longer
// exists are pruned here.
func (r *Refresher) RetryFailed(ctx context.Context) (*BatchResult, error) {
	ids, err := r.queue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list retry queue: %w", err)
	}
	if len(ids) == 0 {
		return &BatchResult{RunID: uuid.New().String(), Trigger: TriggerRetry}, nil
	}

	existing, err := r.repo.FindAll(ctx, keywords.Filter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load queued keywords: %w", err)
	}

	found := make(map[int64]bool, len(existing))
	for _, k := range existing {
		found[k.ID] = true
	}
	for _, id := range ids {
		if found[id] {
			continue
		}
		if err := r.queue.Remove(ctx, id); err != nil {
			log.Warn().Err(err).Int64("keyword_id", id).Msg("Failed to prune retry queue entry")
			continue
		}
		log.Info().Int64("keyword_id", id).Msg("Pruned retry queue entry for deleted keyword")
	}

	if len(existing) == 0 {
		return &BatchResult{RunID: uuid.New().String(), Trigger: TriggerRetry}, nil
	}

	liveIDs := make([]int64, 0, len(existing))
	for _, k := range existing {
		liveIDs = append(liveIDs, k.ID)
	}
	return r.run(ctx, TriggerRetry, keywords.Filter{IDs: liveIDs})
}

func (r *Refresher) run(ctx context.Context, trigger string, filter keywords.Filter) (*BatchResult, error) {
	return r.runWithID(ctx, uuid.New().String(), trigger, filter)
}

func (r *Refresher) runWithID(ctx context.Context, runID, trigger string, filter keywords.Filter) (*BatchResult, error) {
	start := time.Now()
	logger := log.With().Str("run_id", runID).Str("trigger", trigger).Logger()

	found, err := r.repo.FindAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load keywords: %w", err)
	}

	result := &BatchResult{RunID: runID, Trigger: trigger}
	batch := make([]*keywords.Keyword, 0, len(found))
	for _, k := range found {
		if k.Updating {
			result.Skipped++
			continue
		}
		batch = append(batch, k)
	}
	result.Total = len(batch)

	if len(batch) == 0 {
		logger.Debug().Int("skipped", result.Skipped).Msg("Nothing to refresh")
		return result, nil
	}

	ids := make([]int64, len(batch))
	for i, k := range batch {
		ids[i] = k.ID
	}
	if _, err := r.repo.Update(ctx, keywords.Filter{IDs: ids}, keywords.Patch{Updating: keywords.BoolPtr(true)}); err != nil {
		return nil, fmt.Errorf("mark keywords updating: %w", err)
	}

	logger.Info().
		Int("keywords", len(batch)).
		Int("skipped", result.Skipped).
		Str("scraper", r.scraper.Name()).
		Msg("Starting keyword refresh")

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []notifications.Failure
	)
	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))

	for i, k := range batch {
		if i > 0 && r.opts.Delay > 0 {
			if err := r.opts.Sleep(ctx, r.opts.Delay); err != nil {
				// Release the keywords that never got a turn.
				r.release(context.WithoutCancel(ctx), ids[i:])
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			r.release(context.WithoutCancel(ctx), ids[i:])
			break
		}

		wg.Add(1)
		go func(k *keywords.Keyword) {
			defer wg.Done()
			defer sem.Release(1)

			updated, err := r.refreshKeyword(ctx, runID, k)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				failures = append(failures, notifications.Failure{
					KeywordID: k.ID,
					Keyword:   k.Keyword,
					Domain:    k.Domain,
					Error:     err.Error(),
				})
				return
			}
			result.Succeeded++
			result.Keywords = append(result.Keywords, updated)
		}(k)
	}
	wg.Wait()

	duration := time.Since(start)
	logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Dur("duration", duration).
		Msg("Keyword refresh finished")

	if r.notifier != nil && result.Failed > 0 {
		r.notifier.NotifyRefreshFailures(ctx, notifications.RefreshSummary{
			RunID:     runID,
			Trigger:   trigger,
			Total:     result.Total,
			Succeeded: result.Succeeded,
			Failed:    result.Failed,
			Skipped:   result.Skipped,
			Duration:  duration,
			Failures:  failures,
		})
	}

	return result, ctx.Err()
}

// release clears the updating flag on keywords a cancelled batch never reached.
func (r *Refresher) release(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if _, err := r.repo.Update(ctx, keywords.Filter{IDs: ids}, keywords.Patch{Updating: keywords.BoolPtr(false)}); err != nil {
		log.Error().Err(err).Int("keywords", len(ids)).Msg("Failed to release keywords after cancellation")
	}
}

// refreshKeyword scrapes one keyword and records the outcome. The returned
// error is the scrape failure; the keyword has already been updated to
// reflect it.
func (r *Refresher) refreshKeyword(ctx context.Context, runID string, k *keywords.Keyword) (*keywords.Keyword, error) {
	start := time.Now()
	name := r.scraper.Name()

	ctx, span := observability.StartRefreshSpan(ctx, observability.RefreshSpanInfo{
		RunID:     runID,
		KeywordID: k.ID,
		Domain:    k.Domain,
		Country:   k.Country,
		Device:    k.Device,
		Scraper:   name,
	})
	defer span.End()

	scrapeCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	res, scrapeErr := r.scraper.Scrape(scrapeCtx, scraper.RequestFor(k))
	cancel()
	if scrapeErr == nil && res == nil {
		scrapeErr = errors.New("scraper returned no result")
	}

	// Persist even if the batch context was cancelled mid-scrape.
	writeCtx := context.WithoutCancel(ctx)
	now := r.opts.Now()

	var patch keywords.Patch
	if scrapeErr != nil {
		patch = failurePatch(now, name, scrapeErr)
		span.RecordError(scrapeErr)
		span.SetStatus(codes.Error, "scrape failed")
	} else {
		patch = successPatch(k, res, now.In(r.opts.Location), now)
	}

	updated := k
	if _, err := r.repo.Update(writeCtx, keywords.ByID(k.ID), patch); err != nil {
		log.Error().Err(err).Str("run_id", runID).Int64("keyword_id", k.ID).Msg("Failed to save refresh outcome")
		sentry.CaptureException(err)
		// The outcome is lost but the keyword must not stay locked.
		r.release(writeCtx, []int64{k.ID})
		if scrapeErr == nil {
			scrapeErr = fmt.Errorf("save refresh outcome: %w", err)
		}
	} else {
		c := *k
		patch.Apply(&c)
		updated = &c
	}

	r.syncRetryQueue(writeCtx, runID, k.ID, scrapeErr)

	outcome := "success"
	if scrapeErr != nil {
		outcome = "error"
		log.Warn().
			Err(scrapeErr).
			Str("run_id", runID).
			Int64("keyword_id", k.ID).
			Str("keyword", k.Keyword).
			Str("domain", k.Domain).
			Msg("Keyword refresh failed")
	} else {
		log.Debug().
			Str("run_id", runID).
			Int64("keyword_id", k.ID).
			Int("position", updated.Position).
			Msg("Keyword refreshed")
	}
	observability.RecordRefresh(ctx, observability.RefreshMetrics{
		Scraper:  name,
		Outcome:  outcome,
		Duration: time.Since(start),
	})

	return updated, scrapeErr
}

func (r *Refresher) syncRetryQueue(ctx context.Context, runID string, id int64, refreshErr error) {
	if r.queue == nil {
		return
	}
	var err error
	if refreshErr != nil {
		err = r.queue.Add(ctx, id)
	} else {
		err = r.queue.Remove(ctx, id)
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Int64("keyword_id", id).Msg("Failed to update retry queue")
	}
}

// successPatch records today's position, overwriting any entry already
// made today.
func successPatch(k *keywords.Keyword, res *scraper.Result, today, now time.Time) keywords.Patch {
	history := k.History.Clone()
	history.SetDay(today, res.Position)

	position := res.Position
	url := res.URL
	lastResult := res.Results
	if lastResult == nil {
		lastResult = []keywords.SearchResult{}
	}
	updated := now.UTC()

	return keywords.Patch{
		Updating:           keywords.BoolPtr(false),
		Position:           &position,
		URL:                &url,
		History:            history,
		LastResult:         lastResult,
		LastUpdated:        &updated,
		SetLastUpdateError: true,
		LastUpdateError:    nil,
	}
}

// failurePatch leaves position and lastUpdated untouched.
func failurePatch(now time.Time, scraperName string, err error) keywords.Patch {
	return keywords.Patch{
		Updating:           keywords.BoolPtr(false),
		SetLastUpdateError: true,
		LastUpdateError: &keywords.LastUpdateError{
			Date:    now.UTC(),
			Error:   err.Error(),
			Scraper: scraperName,
		},
	}
}

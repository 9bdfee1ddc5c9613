package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/observability"
	"github.com/Harvey-AU/rankbee/internal/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	rowDimensions  = []string{"query", "device", "country", "page"}
	statDimensions = []string{"date"}
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Windows to fetch in days; unsupported values are dropped.
	Windows []int
	// Property is "domain" or "url", see SiteIdentifier.
	Property string
}

// Service returns per-domain snapshots, refetching at most once per day.
type Service struct {
	store    Store
	provider Provider
	policy   Policy
	windows  []Window
	property string
}

func NewService(store Store, provider Provider, policy Policy, opts ServiceOptions) *Service {
	return &Service{
		store:    store,
		provider: provider,
		policy:   policy,
		windows:  supportedWindows(opts.Windows),
		property: opts.Property,
	}
}

func supportedWindows(days []int) []Window {
	if len(days) == 0 {
		return append([]Window(nil), SupportedWindows...)
	}

	seen := make(map[Window]bool)
	var out []Window
	for _, d := range days {
		w := Window(d)
		if w.Supported() && !seen[w] {
			seen[w] = true
			out = append(out, w)
			continue
		}
		if !seen[w] {
			log.Warn().Int("days", d).Msg("Ignoring unsupported analytics window")
		}
	}
	if len(out) == 0 {
		return append([]Window(nil), SupportedWindows...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type windowResult struct {
	window Window
	rows   []Row
	err    error
}

// GetSnapshot returns the domain's snapshot, fetching fresh data when the
// cached copy was not fetched today. It never returns an error: failures
// are reported through LastFetchError.
func (s *Service) GetSnapshot(ctx context.Context, domain string) Snapshot {
	domain = util.CanonicalDomain(domain)
	snap := s.store.Read(ctx, domain)

	if s.policy.IsFresh(snap.LastFetched) {
		log.Debug().Str("domain", domain).Str("last_fetched", snap.LastFetched).Msg("Analytics cache is fresh")
		return snap
	}

	if s.provider == nil {
		snap.LastFetchError = ErrMissingCredentials.Error()
		return snap
	}

	site := SiteIdentifier(domain, s.property)
	results := make([]windowResult, len(s.windows))
	var (
		stats    []DailyStat
		statsErr error
	)

	// Goroutines never return an error so one window cannot cancel another.
	var g errgroup.Group
	for i, w := range s.windows {
		i, w := i, w
		g.Go(func() error {
			rows, err := s.provider.Query(ctx, site, w, rowDimensions)
			observability.RecordAnalyticsFetch(ctx, w.Name(), err)
			results[i] = windowResult{window: w, rows: toRows(rows), err: err}
			return nil
		})
	}
	longest := s.windows[len(s.windows)-1]
	g.Go(func() error {
		rows, err := s.provider.Query(ctx, site, longest, statDimensions)
		observability.RecordAnalyticsFetch(ctx, "stats", err)
		stats, statsErr = toStats(rows), err
		return nil
	})
	_ = g.Wait()

	var (
		messages     []string
		attempted    bool
		anySucceeded bool
	)
	for _, res := range results {
		if !errors.Is(res.err, ErrMissingCredentials) {
			attempted = true
		}
		if res.err != nil {
			log.Warn().
				Err(res.err).
				Str("domain", domain).
				Str("window", res.window.Name()).
				Msg("Failed to fetch analytics window")
			messages = append(messages, fmt.Sprintf("%s: %v", res.window.Name(), res.err))
			snap.SetRows(res.window, nil)
			continue
		}
		anySucceeded = true
		snap.SetRows(res.window, res.rows)
	}

	if statsErr != nil {
		if !errors.Is(statsErr, ErrMissingCredentials) {
			messages = append(messages, fmt.Sprintf("stats: %v", statsErr))
		}
		snap.Stats = []DailyStat{}
	} else {
		snap.Stats = stats
	}

	if !attempted {
		// Nothing reached the provider, so the fetch time must not move.
		snap.LastFetchError = ErrMissingCredentials.Error()
		return snap
	}

	snap.LastFetchError = strings.Join(messages, "; ")
	snap.LastFetched = s.policy.now().UTC().Format(time.RFC3339)

	if err := s.store.Write(ctx, domain, snap); err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("Failed to persist analytics snapshot")
	}

	log.Info().
		Str("domain", domain).
		Bool("partial", anySucceeded && len(messages) > 0).
		Bool("failed", !anySucceeded).
		Int("rows_30d", len(snap.ThirtyDays)).
		Msg("Analytics snapshot refreshed")

	return snap
}

// Invalidate clears the fetch time so the next GetSnapshot refetches.
func (s *Service) Invalidate(ctx context.Context, domain string) error {
	domain = util.CanonicalDomain(domain)
	snap := s.store.Read(ctx, domain)
	snap.LastFetched = ""
	if err := s.store.Write(ctx, domain, snap); err != nil {
		return fmt.Errorf("invalidate analytics cache: %w", err)
	}
	return nil
}

func toRows(in []ResultRow) []Row {
	rows := make([]Row, 0, len(in))
	for _, r := range in {
		if len(r.Keys) < len(rowDimensions) {
			log.Warn().Int("keys", len(r.Keys)).Msg("Skipping malformed analytics row")
			continue
		}
		rows = append(rows, Row{
			Keyword:     r.Keys[0],
			Device:      strings.ToLower(r.Keys[1]),
			Country:     NormaliseCountry(r.Keys[2]),
			Page:        util.ExtractPathFromURL(r.Keys[3]),
			Clicks:      Float(r.Clicks),
			Impressions: Float(r.Impressions),
			CTR:         Float(r.CTR),
			Position:    Float(r.Position),
		})
	}
	return rows
}

func toStats(in []ResultRow) []DailyStat {
	stats := make([]DailyStat, 0, len(in))
	for _, r := range in {
		if len(r.Keys) < 1 {
			continue
		}
		stats = append(stats, DailyStat{
			Date:        r.Keys[0],
			Clicks:      r.Clicks,
			Impressions: r.Impressions,
			CTR:         r.CTR,
			Position:    r.Position,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date < stats[j].Date })
	return stats
}

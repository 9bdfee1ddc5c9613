package insight

import (
	"context"

	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/util"
)

// SnapshotSource supplies a domain's analytics snapshot.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, domain string) analytics.Snapshot
}

// Insight is one window of a domain's analytics, aggregated three ways.
type Insight struct {
	Domain         string                `json:"domain"`
	Window         string                `json:"window"`
	SortBy         SortKey               `json:"sortBy"`
	Keywords       []KeywordInsight      `json:"keywords"`
	Countries      []CountryInsight      `json:"countries"`
	Pages          []PageInsight         `json:"pages"`
	Stats          []analytics.DailyStat `json:"stats"`
	LastFetched    string                `json:"lastFetched"`
	LastFetchError string                `json:"lastFetchError"`
}

type Service struct {
	snapshots SnapshotSource
}

func NewService(snapshots SnapshotSource) *Service {
	return &Service{snapshots: snapshots}
}

// GetInsight loads the domain's snapshot (refetching if stale) and
// aggregates the rows of window. Unsupported windows fall back to thirty days.
func (s *Service) GetInsight(ctx context.Context, domain string, window analytics.Window, sortBy SortKey) Insight {
	if !window.Supported() {
		window = analytics.ThirtyDays
	}
	if sortBy == "" {
		sortBy = SortClicks
	}

	snap := s.snapshots.GetSnapshot(ctx, domain)
	rows := snap.Rows(window)

	stats := snap.Stats
	if stats == nil {
		stats = []analytics.DailyStat{}
	}

	return Insight{
		Domain:         util.CanonicalDomain(domain),
		Window:         window.Name(),
		SortBy:         sortBy,
		Keywords:       ByKeyword(rows, sortBy),
		Countries:      ByCountry(rows, sortBy),
		Pages:          ByPage(rows, sortBy),
		Stats:          stats,
		LastFetched:    snap.LastFetched,
		LastFetchError: snap.LastFetchError,
	}
}

// KeywordStats returns the domain's per-window totals for one keyword.
func (s *Service) KeywordStats(ctx context.Context, domain, keyword, country, device string) map[string]Totals {
	return KeywordStats(s.snapshots.GetSnapshot(ctx, domain), keyword, country, device)
}

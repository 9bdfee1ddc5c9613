// Package analytics keeps per-domain search analytics snapshots in sync
// with the search console provider.
package analytics

import (
	"fmt"
	"strings"
)

// Window is a reporting period length in days.
type Window int

const (
	ThreeDays  Window = 3
	SevenDays  Window = 7
	ThirtyDays Window = 30
)

// SupportedWindows lists the windows a Snapshot can hold, shortest first.
var SupportedWindows = []Window{ThreeDays, SevenDays, ThirtyDays}

// Name returns the snapshot field name for the window.
func (w Window) Name() string {
	switch w {
	case ThreeDays:
		return "threeDays"
	case SevenDays:
		return "sevenDays"
	case ThirtyDays:
		return "thirtyDays"
	default:
		return fmt.Sprintf("%dDays", int(w))
	}
}

// Supported reports whether a Snapshot has a row set for w.
func (w Window) Supported() bool {
	for _, s := range SupportedWindows {
		if s == w {
			return true
		}
	}
	return false
}

// ParseWindow accepts a field name ("sevenDays") or a day count ("7").
// Empty input selects ThirtyDays.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ThirtyDays, nil
	}
	for _, w := range SupportedWindows {
		if strings.EqualFold(s, w.Name()) || s == fmt.Sprint(int(w)) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("unsupported window %q", s)
}

// Row is one (keyword, device, country, page) line of a window. Numeric
// fields are pointers because cached files may hold nulls.
type Row struct {
	Keyword     string   `json:"keyword"`
	Device      string   `json:"device"`
	Country     string   `json:"country"`
	Page        string   `json:"page"`
	Clicks      *float64 `json:"clicks"`
	Impressions *float64 `json:"impressions"`
	CTR         *float64 `json:"ctr"`
	Position    *float64 `json:"position"`
}

// Metrics are a row's numbers with nulls read as zero.
type Metrics struct {
	Clicks      float64
	Impressions float64
	CTR         float64
	Position    float64
}

// Values returns the row's numbers, treating nil as zero.
func (r Row) Values() Metrics {
	return Metrics{
		Clicks:      deref(r.Clicks),
		Impressions: deref(r.Impressions),
		CTR:         deref(r.CTR),
		Position:    deref(r.Position),
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DailyStat is the whole-domain total for one day.
type DailyStat struct {
	Date        string  `json:"date"`
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// Snapshot is everything cached for one domain.
type Snapshot struct {
	ThreeDays      []Row       `json:"threeDays"`
	SevenDays      []Row       `json:"sevenDays"`
	ThirtyDays     []Row       `json:"thirtyDays"`
	Stats          []DailyStat `json:"stats"`
	LastFetched    string      `json:"lastFetched"`
	LastFetchError string      `json:"lastFetchError"`
}

// EmptySnapshot returns a snapshot with empty, non-nil row sets.
func EmptySnapshot() Snapshot {
	return Snapshot{
		ThreeDays:  []Row{},
		SevenDays:  []Row{},
		ThirtyDays: []Row{},
		Stats:      []DailyStat{},
	}
}

// Rows returns the row set held for w.
func (s *Snapshot) Rows(w Window) []Row {
	switch w {
	case ThreeDays:
		return s.ThreeDays
	case SevenDays:
		return s.SevenDays
	case ThirtyDays:
		return s.ThirtyDays
	default:
		return nil
	}
}

// SetRows replaces the row set for w. Unsupported windows are ignored.
func (s *Snapshot) SetRows(w Window, rows []Row) {
	if rows == nil {
		rows = []Row{}
	}
	switch w {
	case ThreeDays:
		s.ThreeDays = rows
	case SevenDays:
		s.SevenDays = rows
	case ThirtyDays:
		s.ThirtyDays = rows
	}
}

// normalise replaces nil slices so callers and encoders see empty lists.
func (s *Snapshot) normalise() {
	if s.ThreeDays == nil {
		s.ThreeDays = []Row{}
	}
	if s.SevenDays == nil {
		s.SevenDays = []Row{}
	}
	if s.ThirtyDays == nil {
		s.ThirtyDays = []Row{}
	}
	if s.Stats == nil {
		s.Stats = []DailyStat{}
	}
}

// Package insight aggregates analytics rows into per-keyword, per-country
// and per-page views.
package insight

import (
	"sort"
	"strings"

	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/samber/lo"
)

// SortKey selects the metric groups are ordered by.
type SortKey string

const (
	SortClicks      SortKey = "clicks"
	SortImpressions SortKey = "impressions"
	SortCTR         SortKey = "ctr"
	SortPosition    SortKey = "position"
)

// ParseSortKey returns the matching key, or SortClicks for anything unknown.
func ParseSortKey(s string) SortKey {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case SortClicks, SortImpressions, SortCTR, SortPosition:
		return k
	default:
		return SortClicks
	}
}

// Totals are summed clicks and impressions with averaged ctr and position.
type Totals struct {
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

type KeywordInsight struct {
	Keyword string `json:"keyword"`
	Totals
	Countries int `json:"countries"`
}

type CountryInsight struct {
	Country string `json:"country"`
	Totals
	Keywords int `json:"keywords"`
}

type PageInsight struct {
	Page string `json:"page"`
	Totals
	Keywords  int `json:"keywords"`
	Countries int `json:"countries"`
}

func totals(rows []analytics.Row) Totals {
	if len(rows) == 0 {
		return Totals{}
	}
	n := float64(len(rows))
	return Totals{
		Clicks:      lo.SumBy(rows, func(r analytics.Row) float64 { return r.Values().Clicks }),
		Impressions: lo.SumBy(rows, func(r analytics.Row) float64 { return r.Values().Impressions }),
		CTR:         lo.SumBy(rows, func(r analytics.Row) float64 { return r.Values().CTR }) / n,
		Position:    lo.SumBy(rows, func(r analytics.Row) float64 { return r.Values().Position }) / n,
	}
}

func distinct(rows []analytics.Row, field func(analytics.Row) string) int {
	return len(lo.Uniq(lo.Map(rows, func(r analytics.Row, _ int) string { return field(r) })))
}

func keywordOf(r analytics.Row) string { return r.Keyword }
func countryOf(r analytics.Row) string { return r.Country }
func pageOf(r analytics.Row) string    { return r.Page }

// ByKeyword groups rows by keyword.
func ByKeyword(rows []analytics.Row, sortBy SortKey) []KeywordInsight {
	out := lo.MapToSlice(lo.GroupBy(rows, keywordOf), func(k string, group []analytics.Row) KeywordInsight {
		return KeywordInsight{Keyword: k, Totals: totals(group), Countries: distinct(group, countryOf)}
	})
	sortGroups(out, sortBy, func(i KeywordInsight) (string, Totals) { return i.Keyword, i.Totals })
	return out
}

// ByCountry groups rows by country.
func ByCountry(rows []analytics.Row, sortBy SortKey) []CountryInsight {
	out := lo.MapToSlice(lo.GroupBy(rows, countryOf), func(k string, group []analytics.Row) CountryInsight {
		return CountryInsight{Country: k, Totals: totals(group), Keywords: distinct(group, keywordOf)}
	})
	sortGroups(out, sortBy, func(i CountryInsight) (string, Totals) { return i.Country, i.Totals })
	return out
}

// ByPage groups rows by page path.
func ByPage(rows []analytics.Row, sortBy SortKey) []PageInsight {
	out := lo.MapToSlice(lo.GroupBy(rows, pageOf), func(k string, group []analytics.Row) PageInsight {
		return PageInsight{
			Page:      k,
			Totals:    totals(group),
			Keywords:  distinct(group, keywordOf),
			Countries: distinct(group, countryOf),
		}
	})
	sortGroups(out, sortBy, func(i PageInsight) (string, Totals) { return i.Page, i.Totals })
	return out
}

// sortGroups orders by the metric, then by key so output is deterministic.
// Position is ascending; every other metric is descending.
func sortGroups[T any](items []T, sortBy SortKey, get func(T) (string, Totals)) {
	metric := func(t Totals) float64 {
		switch sortBy {
		case SortImpressions:
			return t.Impressions
		case SortCTR:
			return t.CTR
		case SortPosition:
			return t.Position
		default:
			return t.Clicks
		}
	}

	sort.Slice(items, func(i, j int) bool {
		ki, ti := get(items[i])
		kj, tj := get(items[j])
		mi, mj := metric(ti), metric(tj)
		if mi != mj {
			if sortBy == SortPosition {
				return mi < mj
			}
			return mi > mj
		}
		return ki < kj
	})
}

// KeywordStats returns per-window totals for one tracked keyword, keyed by
// window name. Empty country or device match any value.
func KeywordStats(snap analytics.Snapshot, keyword, country, device string) map[string]Totals {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	country = strings.ToUpper(country)
	device = strings.ToLower(device)

	out := make(map[string]Totals, len(analytics.SupportedWindows))
	for _, w := range analytics.SupportedWindows {
		matched := lo.Filter(snap.Rows(w), func(r analytics.Row, _ int) bool {
			if strings.ToLower(r.Keyword) != keyword {
				return false
			}
			if country != "" && strings.ToUpper(r.Country) != country {
				return false
			}
			return device == "" || strings.ToLower(r.Device) == device
		})
		out[w.Name()] = totals(matched)
	}
	return out
}

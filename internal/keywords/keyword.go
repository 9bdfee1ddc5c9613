// Package keywords holds the tracked keyword model and the repository
// contract the refresh engine depends on.
package keywords

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// NotRanked is the position recorded when the domain is not in the top 100.
const NotRanked = 0

// DateLayout is the key format for History entries.
const DateLayout = "2006-01-02"

// ErrNotFound is returned when no keyword matches a filter.
var ErrNotFound = errors.New("keyword not found")

// Keyword is a tracked (keyword, device, country, domain) tuple.
type Keyword struct {
	ID              int64            `json:"id"`
	Keyword         string           `json:"keyword"`
	Device          string           `json:"device"`
	Country         string           `json:"country"`
	Domain          string           `json:"domain"`
	Position        int              `json:"position"`
	URL             string           `json:"url"`
	History         History          `json:"history"`
	LastResult      []SearchResult   `json:"lastResult"`
	LastUpdated     *time.Time       `json:"lastUpdated,omitempty"`
	Updating        bool             `json:"updating"`
	LastUpdateError *LastUpdateError `json:"lastUpdateError"`
	Volume          int64            `json:"volume"`
	Tags            []string         `json:"tags"`
	AddedAt         time.Time        `json:"addedAt"`
}

// SearchResult is one organic result from a SERP.
type SearchResult struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// PositionChange compares the two most recent history entries.
func (k *Keyword) PositionChange() int {
	return k.History.PositionChange()
}

// LastUpdateError describes the most recent failed refresh. A nil pointer
// means the last refresh succeeded and encodes as JSON false.
type LastUpdateError struct {
	Date    time.Time `json:"date"`
	Error   string    `json:"error"`
	Scraper string    `json:"scraper"`
}

// EncodeLastUpdateError renders the error state for storage.
func EncodeLastUpdateError(e *LastUpdateError) ([]byte, error) {
	if e == nil {
		return []byte("false"), nil
	}
	return json.Marshal(e)
}

// DecodeLastUpdateError parses the stored error state. "false", "null" and
// empty input all mean no error.
func DecodeLastUpdateError(data []byte) (*LastUpdateError, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("false")) || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var e LastUpdateError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode last update error: %w", err)
	}
	return &e, nil
}

// MarshalJSON writes the keyword with lastUpdateError as false when unset.
func (k Keyword) MarshalJSON() ([]byte, error) {
	type alias Keyword
	lastErr, err := EncodeLastUpdateError(k.LastUpdateError)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		LastUpdateError json.RawMessage `json:"lastUpdateError"`
	}{
		alias:           alias(k),
		LastUpdateError: lastErr,
	})
}

// UnmarshalJSON accepts lastUpdateError as false, null or an object.
func (k *Keyword) UnmarshalJSON(data []byte) error {
	type alias Keyword
	aux := struct {
		*alias
		LastUpdateError json.RawMessage `json:"lastUpdateError"`
	}{alias: (*alias)(k)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	lastErr, err := DecodeLastUpdateError(aux.LastUpdateError)
	if err != nil {
		return err
	}
	k.LastUpdateError = lastErr
	return nil
}

// HistoryEntry is one day's recorded position.
type HistoryEntry struct {
	Date     string
	Position int
}

// History is a per-day position series with at most one entry per date.
type History map[string]int

// Set records position for date, replacing any entry already there.
func (h *History) Set(date string, position int) {
	if *h == nil {
		*h = make(History)
	}
	(*h)[date] = position
}

// SetDay records position under the calendar date of t in t's location.
func (h *History) SetDay(t time.Time, position int) {
	h.Set(t.Format(DateLayout), position)
}

// Sorted returns the entries in chronological order.
func (h History) Sorted() []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(h))
	for date, pos := range h {
		entries = append(entries, HistoryEntry{Date: date, Position: pos})
	}
	// YYYY-MM-DD sorts lexically in date order
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date < entries[j].Date
	})
	return entries
}

// Clone returns an independent copy.
func (h History) Clone() History {
	out := make(History, len(h))
	for date, pos := range h {
		out[date] = pos
	}
	return out
}

// PositionChange is current minus previous over the two latest entries.
// When the keyword dropped out of the top 100 (current is NotRanked and
// previous was ranked) the change is previous - 100. Fewer than two entries
// report no change.
func (h History) PositionChange() int {
	entries := h.Sorted()
	if len(entries) < 2 {
		return 0
	}

	current := entries[len(entries)-1].Position
	previous := entries[len(entries)-2].Position

	if current == NotRanked && previous > NotRanked {
		return previous - 100
	}
	return current - previous
}

// MarshalJSON writes the history as an object with keys in date order.
func (h History) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range h.Sorted() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Date)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", e.Position)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a date→position object. Null yields an empty history.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if raw == nil {
		raw = make(map[string]int)
	}
	*h = History(raw)
	return nil
}

package keywords

import (
	"context"
	"time"
)

// Filter selects keywords. Zero-valued fields do not constrain the match.
type Filter struct {
	IDs      []int64
	Domain   string
	Updating *bool
}

// ByID selects a single keyword.
func ByID(id int64) Filter {
	return Filter{IDs: []int64{id}}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Updating    *bool
	Position    *int
	URL         *string
	History     History
	LastResult  []SearchResult
	LastUpdated *time.Time
	Volume      *int64

	// LastUpdateError is written when SetLastUpdateError is true; a nil
	// value then clears the error.
	SetLastUpdateError bool
	LastUpdateError    *LastUpdateError
}

// Repository is the keyword store used by the refresh engine.
type Repository interface {
	FindAll(ctx context.Context, filter Filter) ([]*Keyword, error)
	// FindOne returns ErrNotFound when nothing matches.
	FindOne(ctx context.Context, filter Filter) (*Keyword, error)
	// Update applies patch to every match and reports how many rows changed.
	Update(ctx context.Context, filter Filter, patch Patch) (int64, error)
	BulkCreate(ctx context.Context, records []*Keyword) ([]*Keyword, error)
	Destroy(ctx context.Context, filter Filter) (int64, error)
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Apply copies the set fields of patch onto k.
func (p Patch) Apply(k *Keyword) {
	if p.Updating != nil {
		k.Updating = *p.Updating
	}
	if p.Position != nil {
		k.Position = *p.Position
	}
	if p.URL != nil {
		k.URL = *p.URL
	}
	if p.History != nil {
		k.History = p.History.Clone()
	}
	if p.LastResult != nil {
		k.LastResult = append([]SearchResult(nil), p.LastResult...)
	}
	if p.LastUpdated != nil {
		t := *p.LastUpdated
		k.LastUpdated = &t
	}
	if p.Volume != nil {
		k.Volume = *p.Volume
	}
	if p.SetLastUpdateError {
		if p.LastUpdateError == nil {
			k.LastUpdateError = nil
		} else {
			e := *p.LastUpdateError
			k.LastUpdateError = &e
		}
	}
}

// Matches reports whether k satisfies filter.
func (f Filter) Matches(k *Keyword) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == k.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Domain != "" && f.Domain != k.Domain {
		return false
	}
	if f.Updating != nil && *f.Updating != k.Updating {
		return false
	}
	return true
}

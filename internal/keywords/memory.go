package keywords

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is a process-local Repository. It backs the app when no
// database is configured and stands in for Postgres in tests.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*Keyword
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID: 1,
		items:  make(map[int64]*Keyword),
	}
}

func (r *MemoryRepository) FindAll(_ context.Context, filter Filter) ([]*Keyword, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Keyword, 0)
	for _, k := range r.items {
		if filter.Matches(k) {
			out = append(out, copyKeyword(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) FindOne(ctx context.Context, filter Filter) (*Keyword, error) {
	all, err := r.FindAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

func (r *MemoryRepository) Update(_ context.Context, filter Filter, patch Patch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.items {
		if filter.Matches(k) {
			patch.Apply(k)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) BulkCreate(_ context.Context, records []*Keyword) ([]*Keyword, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := make([]*Keyword, 0, len(records))
	for _, rec := range records {
		k := copyKeyword(rec)
		k.ID = r.nextID
		r.nextID++
		if k.History == nil {
			k.History = make(History)
		}
		r.items[k.ID] = k
		created = append(created, copyKeyword(k))
	}
	return created, nil
}

func (r *MemoryRepository) Destroy(_ context.Context, filter Filter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, k := range r.items {
		if filter.Matches(k) {
			delete(r.items, id)
			n++
		}
	}
	return n, nil
}

func copyKeyword(k *Keyword) *Keyword {
	c := *k
	c.History = k.History.Clone()
	c.LastResult = append([]SearchResult(nil), k.LastResult...)
	c.Tags = append([]string(nil), k.Tags...)
	if k.LastUpdated != nil {
		t := *k.LastUpdated
		c.LastUpdated = &t
	}
	if k.LastUpdateError != nil {
		e := *k.LastUpdateError
		c.LastUpdateError = &e
	}
	return &c
}

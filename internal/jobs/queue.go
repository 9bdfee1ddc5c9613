package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/Harvey-AU/rankbee/internal/util"
	"github.com/rs/zerolog/log"
)

// RetryQueueFile is the file name used under the data directory.
const RetryQueueFile = "failed_queue.json"

// RetryQueue is the durable set of keyword IDs whose last refresh failed.
type RetryQueue interface {
	// Add is idempotent.
	Add(ctx context.Context, id int64) error
	// Remove is a no-op when id is absent.
	Remove(ctx context.Context, id int64) error
	// List returns the queued IDs in ascending order.
	List(ctx context.Context) ([]int64, error)
	Clear(ctx context.Context) error
}

// FileRetryQueue keeps the set as a JSON array on disk.
type FileRetryQueue struct {
	path string
	mu   sync.Mutex
}

func NewFileRetryQueue(dataDir string) *FileRetryQueue {
	return &FileRetryQueue{path: filepath.Join(dataDir, RetryQueueFile)}
}

// Path returns the queue file location.
func (q *FileRetryQueue) Path() string {
	return q.path
}

func (q *FileRetryQueue) Add(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.load()
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return q.save(append(ids, id))
}

func (q *FileRetryQueue) Remove(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.load()
	if err != nil {
		return err
	}
	idx := slices.Index(ids, id)
	if idx < 0 {
		return nil
	}
	return q.save(slices.Delete(ids, idx, idx+1))
}

func (q *FileRetryQueue) List(_ context.Context) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.load()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (q *FileRetryQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save([]int64{})
}

// load reads the queue. A missing file is an empty queue; a corrupt file
// is logged and treated as empty so one bad write cannot wedge retries.
func (q *FileRetryQueue) load() ([]int64, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return []int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read retry queue: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Warn().Err(err).Str("path", q.path).Msg("Retry queue file is corrupt, starting empty")
		return []int64{}, nil
	}

	// Collapse duplicates written by older versions.
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (q *FileRetryQueue) save(ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	slices.Sort(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode retry queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("create retry queue dir: %w", err)
	}
	return util.WriteFileAtomic(q.path, data)
}

package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Harvey-AU/rankbee/internal/util"
	"github.com/rs/zerolog/log"
)

// Store persists one Snapshot per domain.
type Store interface {
	// Read never fails: missing or corrupt data yields an empty snapshot.
	Read(ctx context.Context, domain string) Snapshot
	Write(ctx context.Context, domain string, snapshot Snapshot) error
}

// FileStore keeps each domain's snapshot in DATA_DIR/SC_<key>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the cache file used for domain.
func (s *FileStore) Path(domain string) string {
	return filepath.Join(s.dir, "SC_"+util.SafeCacheKey(domain)+".json")
}

// Read loads the snapshot for domain. On first access, or when the file is
// unreadable, a default snapshot is created and persisted.
func (s *FileStore) Read(ctx context.Context, domain string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(domain)
	data, err := os.ReadFile(path)
	if err == nil {
		var snap Snapshot
		if err = json.Unmarshal(data, &snap); err == nil {
			snap.normalise()
			return snap
		}
		log.Warn().Err(err).Str("path", path).Msg("Analytics cache is corrupt, resetting")
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read analytics cache, resetting")
	}

	snap := EmptySnapshot()
	if err := s.writeLocked(path, snap); err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("Failed to persist default analytics snapshot")
	}
	return snap
}

// Write replaces the stored snapshot atomically.
func (s *FileStore) Write(ctx context.Context, domain string, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.normalise()
	return s.writeLocked(s.Path(domain), snapshot)
}

func (s *FileStore) writeLocked(path string, snapshot Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create analytics cache dir: %w", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode analytics snapshot: %w", err)
	}

	return util.WriteFileAtomic(path, data)
}

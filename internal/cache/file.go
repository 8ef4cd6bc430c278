package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/logger"
	"github.com/yomibot/backend/pkg/utils"
)

// FileStore keeps one JSON file per entry under dir/<kind>/.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	logger.Info("File cache initialized", zap.String("dir", dir))
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(kind Kind, key string) string {
	return filepath.Join(s.dir, string(kind), utils.SafeFileName(key)+".json")
}

func (s *FileStore) Load(ctx context.Context, kind Kind, key string) (*Entry, error) {
	data, err := os.ReadFile(s.path(kind, key))
	if errors.Is(err, fs.ErrNotExist) {
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		logger.Warn("Discarding corrupt cache entry",
			zap.String("kind", string(kind)),
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		return nil, nil
	}

	metrics.CacheHits.WithLabelValues(string(kind)).Inc()
	return &entry, nil
}

// Save writes to a temp file in the target directory and renames it over the
// old entry, so readers never see a partial file and the last writer wins.
func (s *FileStore) Save(ctx context.Context, kind Kind, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	target := s.path(kind, key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}

	logger.Debug("Cache entry saved", zap.String("kind", string(kind)), zap.String("key", key))
	return nil
}

// Invalidate removes every entry of one kind.
func (s *FileStore) Invalidate(ctx context.Context, kind Kind) error {
	if err := os.RemoveAll(filepath.Join(s.dir, string(kind))); err != nil {
		return fmt.Errorf("failed to remove cache dir: %w", err)
	}
	logger.Info("Cache invalidated", zap.String("kind", string(kind)))
	return nil
}

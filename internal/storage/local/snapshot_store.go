// Package local implements a snapshot store backed by a single JSON file.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

const backendName = "local"

// Config captures the parameters for the local file store.
type Config struct {
	// Path is the cache file location. Parent directories are created on demand.
	Path string `mapstructure:"path" yaml:"path"`
}

// SnapshotStore keeps the latest snapshot in one file on disk.
type SnapshotStore struct {
	path   string
	logger *zap.Logger
}

// New creates a file-backed snapshot store.
func New(cfg Config, logger *zap.Logger) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(cfg.Path)
	switch {
	case err == nil && info.IsDir():
		return nil, fmt.Errorf("cache path %s is a directory", cfg.Path)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat cache path: %w", err)
	}
	return &SnapshotStore{
		path:   cfg.Path,
		logger: logger.Named("local_store"),
	}, nil
}

// Path returns the cache file location.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Load reads the cache file. A missing or unreadable cache yields (nil, nil).
func (s *SnapshotStore) Load(_ context.Context) (*catalog.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no cached snapshot", zap.String("path", s.path))
			return nil, nil
		}
		return nil, &catalog.PersistenceError{Op: "load", Backend: backendName, Err: err}
	}
	snap, err := catalog.DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("ignoring corrupt cache file", zap.String("path", s.path), zap.Error(err))
		return nil, nil
	}
	s.logger.Info("loaded cached snapshot",
		zap.String("path", s.path),
		zap.Int("leaves", snap.LeafCount()),
	)
	return snap, nil
}

// Save replaces the cache file atomically: the snapshot is written to a
// sibling temp file which is then renamed over the old one.
func (s *SnapshotStore) Save(_ context.Context, snap *catalog.Snapshot) error {
	data, err := catalog.EncodeSnapshot(snap)
	if err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: err}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: err}
	}
	s.logger.Debug("saved snapshot", zap.String("path", s.path), zap.Int("bytes", len(data)))
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

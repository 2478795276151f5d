// Package gcs provides a snapshot store backed by one Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

const (
	backendName   = "gcs"
	defaultObject = "catalog/cache.json"
	contentType   = "application/json"
)

// Config captures the object location.
type Config struct {
	Bucket string
	Object string
}

// object is the subset of *storage.ObjectHandle the store needs.
type object interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
}

type handle struct {
	h *storage.ObjectHandle
}

func (o handle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.h.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (o handle) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.h.NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// SnapshotStore reads and writes the snapshot as a single GCS object.
type SnapshotStore struct {
	obj    object
	uri    string
	logger *zap.Logger
}

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Object == "" {
		cfg.Object = defaultObject
	}
	return newStore(handle{h: client.Bucket(cfg.Bucket).Object(cfg.Object)}, cfg, logger), nil
}

func newStore(obj object, cfg Config, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{
		obj:    obj,
		uri:    fmt.Sprintf("gs://%s/%s", cfg.Bucket, cfg.Object),
		logger: logger.Named("gcs_store"),
	}
}

// URI returns the gs:// location of the snapshot object.
func (s *SnapshotStore) URI() string {
	return s.uri
}

// Load downloads the snapshot. A missing or corrupt object yields (nil, nil).
func (s *SnapshotStore) Load(ctx context.Context) (*catalog.Snapshot, error) {
	r, err := s.obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Info("no cached snapshot", zap.String("uri", s.uri))
			return nil, nil
		}
		return nil, &catalog.PersistenceError{Op: "load", Backend: backendName, Err: err}
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			s.logger.Debug("close reader", zap.Error(closeErr))
		}
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &catalog.PersistenceError{Op: "load", Backend: backendName, Err: fmt.Errorf("read object: %w", err)}
	}
	snap, err := catalog.DecodeSnapshot(data)
	if err != nil {
		s.logger.Warn("ignoring corrupt snapshot object", zap.String("uri", s.uri), zap.Error(err))
		return nil, nil
	}
	return snap, nil
}

// Save uploads the snapshot, replacing the previous object. GCS object
// writes only become visible on a successful Close.
func (s *SnapshotStore) Save(ctx context.Context, snap *catalog.Snapshot) error {
	data, err := catalog.EncodeSnapshot(snap)
	if err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: err}
	}
	// Cancelling the writer's context aborts the upload.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.obj.NewWriter(writeCtx)
	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: fmt.Errorf("write object: %w", err)}
	}
	if err := w.Close(); err != nil {
		return &catalog.PersistenceError{Op: "save", Backend: backendName, Err: fmt.Errorf("close writer: %w", err)}
	}
	s.logger.Debug("saved snapshot", zap.String("uri", s.uri), zap.Int("bytes", len(data)))
	return nil
}

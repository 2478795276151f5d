// Package storage selects the snapshot store backend. Each backend lives in
// its own subpackage and implements catalog.SnapshotStore.
package storage

import (
	"context"
	"fmt"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/storage/gcs"
	"github.com/JakeFAU/vision-catalog/internal/storage/local"
	"github.com/JakeFAU/vision-catalog/internal/storage/postgres"
)

// Supported backends.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config selects and configures one backend.
type Config struct {
	Backend  string
	Local    local.Config
	GCS      gcs.Config
	Postgres postgres.Config
}

// Open builds the configured store. The returned close func releases any
// client or pool the store holds and is never nil.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (catalog.SnapshotStore, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		store, err := local.New(cfg.Local, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("local store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		// Authentication uses Application Default Credentials.
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close GCS client", zap.Error(err))
			}
		}
		store, err := gcs.New(client, cfg.GCS, logger)
		if err != nil {
			closeClient()
			return nil, noop, fmt.Errorf("gcs store: %w", err)
		}
		return store, closeClient, nil
	case BackendPostgres:
		store, err := postgres.New(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

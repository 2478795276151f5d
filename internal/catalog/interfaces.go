package catalog

import (
	"context"
	"time"
)

// PageFetcher retrieves the raw body of one URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SnapshotStore persists the latest snapshot. Load returns (nil, nil) when
// nothing usable is stored.
type SnapshotStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// ChangePublisher forwards a change notification to an external system.
type ChangePublisher interface {
	PublishChange(ctx context.Context, snapshot *Snapshot) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

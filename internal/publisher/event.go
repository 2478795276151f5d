// Package publisher defines the change notification sent to external systems
// whenever the held catalog snapshot changes.
package publisher

import (
	"time"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

// ChangeEvent summarizes a new snapshot. Consumers fetch the full tree from
// the HTTP API.
type ChangeEvent struct {
	Fingerprint string    `json:"fingerprint"`
	CompletedAt time.Time `json:"completed_at"`
	Leaves      int       `json:"leaves"`
}

// NewChangeEvent describes snap.
func NewChangeEvent(snap *catalog.Snapshot) ChangeEvent {
	return ChangeEvent{
		Fingerprint: snap.Fingerprint(),
		CompletedAt: snap.CompletedAt.UTC(),
		Leaves:      snap.LeafCount(),
	}
}

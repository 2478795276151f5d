// Package memory contains an in-memory change publisher for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/publisher"
)

// Publisher stores published change events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []publisher.ChangeEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishChange records the event for snap.
func (p *Publisher) PublishChange(_ context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return catalog.ErrNoSnapshot
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publisher.NewChangeEvent(snap))
	return nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []publisher.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

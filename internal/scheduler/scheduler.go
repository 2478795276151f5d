// Package scheduler periodically re-crawls the catalog and, when the tree
// changed, persists and broadcasts the new snapshot.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
	"github.com/JakeFAU/vision-catalog/internal/telemetry"
)

// Crawler produces a complete snapshot.
type Crawler interface {
	Crawl(ctx context.Context) (*catalog.Snapshot, error)
}

// Broadcaster delivers a changed snapshot to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, snap *catalog.Snapshot)
}

// State is the position of the refresh loop.
type State int32

// Refresh loop states.
const (
	StateIdle State = iota
	StateCrawling
	StatePersisting
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCrawling:
		return "crawling"
	case StatePersisting:
		return "persisting"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is the result of one refresh iteration.
type Outcome string

// Tick outcomes.
const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeChanged   Outcome = "changed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Scheduler owns the held snapshot. It is replaced wholesale, never mutated.
type Scheduler struct {
	crawler     Crawler
	store       catalog.SnapshotStore
	broadcaster Broadcaster
	publishers  []catalog.ChangePublisher
	logger      *zap.Logger

	current atomic.Pointer[catalog.Snapshot]
	state   atomic.Int32
}

// New wires a scheduler. store and publishers may be nil.
func New(crawler Crawler, store catalog.SnapshotStore, broadcaster Broadcaster, logger *zap.Logger, publishers ...catalog.ChangePublisher) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubs := make([]catalog.ChangePublisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			pubs = append(pubs, p)
		}
	}
	return &Scheduler{
		crawler:     crawler,
		store:       store,
		broadcaster: broadcaster,
		publishers:  pubs,
		logger:      logger.Named("scheduler"),
	}
}

// Start holds initial and then, every interval until ctx is cancelled,
// runs one refresh. The interval is measured from the end of one refresh to
// the start of the next. An in-flight crawl is cancelled with ctx.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, initial *catalog.Snapshot) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be > 0, got %s", interval)
	}
	s.hold(initial)
	s.logger.Info("refresh scheduler started", zap.Duration("interval", interval))

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return nil
		case <-timer.C:
		}
		if s.Tick(ctx) == OutcomeCanceled {
			s.logger.Info("refresh scheduler stopped during refresh")
			return nil
		}
		timer.Reset(interval)
	}
}

// Tick runs exactly one refresh iteration.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "scheduler.Tick")
	defer span.End()
	defer s.state.Store(int32(StateIdle))

	s.state.Store(int32(StateCrawling))
	s.logger.Info("checking for catalog changes")
	next, err := s.crawler.Crawl(ctx)
	if err != nil {
		if ctx.Err() != nil {
			metrics.ObserveRefresh(string(OutcomeCanceled))
			return OutcomeCanceled
		}
		s.logger.Error("refresh crawl failed; keeping held snapshot", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
		metrics.ObserveRefresh(string(OutcomeFailed))
		return OutcomeFailed
	}

	if next.Equal(s.current.Load()) {
		s.logger.Info("no catalog changes", zap.String("fingerprint", next.Fingerprint()))
		span.SetAttributes(attribute.String("outcome", string(OutcomeUnchanged)))
		metrics.ObserveRefresh(string(OutcomeUnchanged))
		return OutcomeUnchanged
	}

	s.logger.Info("catalog changed",
		zap.String("fingerprint", next.Fingerprint()),
		zap.Int("leaves", next.LeafCount()),
	)
	s.Publish(ctx, next)
	span.SetAttributes(attribute.String("outcome", string(OutcomeChanged)))
	metrics.ObserveRefresh(string(OutcomeChanged))
	return OutcomeChanged
}

// Publish persists snap, makes it the held snapshot and broadcasts it.
// Persistence and notification failures are logged, never returned.
func (s *Scheduler) Publish(ctx context.Context, snap *catalog.Snapshot) {
	if snap == nil {
		return
	}
	defer s.state.Store(int32(StateIdle))
	if s.store != nil {
		s.state.Store(int32(StatePersisting))
		if err := s.store.Save(ctx, snap); err != nil {
			s.logger.Error("persist snapshot failed", zap.Error(err))
		}
	}
	s.hold(snap)

	s.state.Store(int32(StateBroadcasting))
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, snap)
	}
	for _, p := range s.publishers {
		if err := p.PublishChange(ctx, snap); err != nil {
			s.logger.Warn("change notification failed", zap.Error(err))
		}
	}
}

// Current returns the held snapshot, or nil.
func (s *Scheduler) Current() *catalog.Snapshot {
	return s.current.Load()
}

// State reports where the loop currently is.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) hold(snap *catalog.Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
	metrics.SetSnapshotLeaves(snap.LeafCount())
}

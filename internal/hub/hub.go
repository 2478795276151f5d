// Package hub keeps the registry of live subscribers and fans snapshot
// updates out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
)

const defaultSendTimeout = 5 * time.Second

// ErrClosed is returned by Join after Close.
var ErrClosed = errors.New("hub closed")

// Subscriber is one live client channel.
type Subscriber interface {
	ID() string
	// Send delivers one encoded message. It must honor ctx.
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Config controls delivery behavior.
//   - SendTimeout: per-subscriber deadline for one delivery (default 5s).
//   - Logger: optional structured logger.
type Config struct {
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// Hub is safe for concurrent use. A subscriber never observes a broadcast
// before the snapshot it was given at join time, and never sees the same
// snapshot twice from one join/broadcast race.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	// broadcastMu serializes broadcasts so every member sees them in order.
	broadcastMu sync.Mutex

	mu            sync.Mutex
	members       map[string]*member
	latest        *catalog.Snapshot
	latestPayload []byte
	closed        bool
}

type member struct {
	sub       Subscriber
	sendMu    sync.Mutex
	gone      atomic.Bool
	closeOnce sync.Once
}

// New builds an empty hub.
func New(cfg Config) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.Named("hub"),
		members: make(map[string]*member),
	}
}

// Join registers sub and, when a snapshot exists, delivers it before any
// broadcast can reach the subscriber. If that first delivery fails the
// subscriber is removed and a *catalog.SubscriberSendError is returned.
func (h *Hub) Join(ctx context.Context, sub Subscriber) error {
	if sub == nil {
		return errors.New("nil subscriber")
	}
	id := sub.ID()
	m := &member{sub: sub}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if _, exists := h.members[id]; exists {
		h.mu.Unlock()
		return fmt.Errorf("subscriber %s already joined", id)
	}
	h.members[id] = m
	metrics.IncSubscribers()
	payload := h.latestPayload
	// Taken before releasing the registry so a concurrent broadcast that
	// sees this member queues behind the join-time delivery.
	m.sendMu.Lock()
	h.mu.Unlock()
	defer m.sendMu.Unlock()

	h.logger.Debug("subscriber joined", zap.String("subscriber_id", id))
	if payload == nil {
		return nil
	}
	if err := h.deliver(ctx, m, payload); err != nil {
		h.remove(m)
		return &catalog.SubscriberSendError{SubscriberID: id, Err: err}
	}
	return nil
}

// Leave removes sub. It is a no-op for unknown or already removed subscribers.
func (h *Hub) Leave(sub Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	m, ok := h.members[sub.ID()]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.remove(m)
}

// Broadcast records snap as the latest snapshot and delivers it to every
// current member concurrently, waiting for all deliveries. Members whose
// delivery fails are removed and closed; other members are unaffected.
func (h *Hub) Broadcast(ctx context.Context, snap *catalog.Snapshot) {
	if snap == nil {
		return
	}
	payload, err := EncodeMessage(snap)
	if err != nil {
		h.logger.Error("encode snapshot message", zap.Error(err))
		return
	}

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = snap
	h.latestPayload = payload
	targets := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		targets = append(targets, m)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	var failed int
	var failedMu sync.Mutex
	for _, m := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.sendMu.Lock()
			if m.gone.Load() {
				m.sendMu.Unlock()
				return
			}
			err := h.deliver(ctx, m, payload)
			m.sendMu.Unlock()
			if err != nil {
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				h.logger.Warn("dropping subscriber after failed send",
					zap.Error(&catalog.SubscriberSendError{SubscriberID: m.sub.ID(), Err: err}),
				)
				h.remove(m)
			}
		}()
	}
	wg.Wait()

	h.logger.Info("broadcast snapshot",
		zap.String("fingerprint", snap.Fingerprint()),
		zap.Int("subscribers", len(targets)),
		zap.Int("failed", failed),
	)
}

// Latest returns the last broadcast snapshot, or nil.
func (h *Hub) Latest() *catalog.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// Close removes and closes every subscriber. Later joins fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	members := make([]*member, 0, len(h.members))
	for id, m := range h.members {
		m.gone.Store(true)
		members = append(members, m)
		delete(h.members, id)
		metrics.DecSubscribers()
	}
	h.mu.Unlock()

	for _, m := range members {
		h.closeMember(m)
	}
}

func (h *Hub) deliver(ctx context.Context, m *member, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()
	err := m.sub.Send(sendCtx, payload)
	metrics.ObserveBroadcastSend(err == nil)
	return err
}

// remove deletes m from the registry if it is still the registered member
// for its ID, then closes it.
func (h *Hub) remove(m *member) {
	m.gone.Store(true)
	id := m.sub.ID()
	h.mu.Lock()
	if cur, ok := h.members[id]; ok && cur == m {
		delete(h.members, id)
		metrics.DecSubscribers()
	}
	h.mu.Unlock()
	h.closeMember(m)
	h.logger.Debug("subscriber removed", zap.String("subscriber_id", id))
}

func (h *Hub) closeMember(m *member) {
	m.closeOnce.Do(func() {
		if err := m.sub.Close(); err != nil {
			h.logger.Debug("close subscriber", zap.String("subscriber_id", m.sub.ID()), zap.Error(err))
		}
	})
}

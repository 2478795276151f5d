// Package pubsub publishes catalog change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/publisher"
)

// Message attributes set on every change event.
const (
	AttrEventType   = "event_type"
	AttrFingerprint = "fingerprint"
	eventType       = "catalog.changed"
)

type sendFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	send   sendFunc
	logger *zap.Logger
}

// New creates a Publisher for the provided topic publisher.
func New(p *pubsub.Publisher, logger *zap.Logger) *Publisher {
	var send sendFunc
	if p != nil {
		send = func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return p.Publish(ctx, msg).Get(ctx)
		}
	}
	return newWithSend(send, logger)
}

func newWithSend(send sendFunc, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{send: send, logger: logger.Named("pubsub")}
}

// PublishChange publishes a change event for snap and waits for the server ack.
func (p *Publisher) PublishChange(ctx context.Context, snap *catalog.Snapshot) error {
	if p.send == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := buildMessage(ctx, snap)
	if err != nil {
		return err
	}
	id, err := p.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("published change event",
		zap.String("message_id", id),
		zap.String("fingerprint", msg.Attributes[AttrFingerprint]),
	)
	return nil
}

func buildMessage(ctx context.Context, snap *catalog.Snapshot) (*pubsub.Message, error) {
	if snap == nil {
		return nil, catalog.ErrNoSnapshot
	}
	event := publisher.NewChangeEvent(snap)
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrEventType:   eventType,
			AttrFingerprint: event.Fingerprint,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

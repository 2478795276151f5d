package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

// MessageTypeSnapshot tags a full-snapshot push.
const MessageTypeSnapshot = "snapshot"

// Message is the wire form of one push to a subscriber.
type Message struct {
	Type        string          `json:"type"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Catalog     json.RawMessage `json:"catalog"`
}

// EncodeMessage renders snap as a snapshot message.
func EncodeMessage(snap *catalog.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, catalog.ErrNoSnapshot
	}
	tree, err := catalog.MarshalTree(snap.Catalog)
	if err != nil {
		return nil, fmt.Errorf("marshal catalog: %w", err)
	}
	msg := Message{
		Type:        MessageTypeSnapshot,
		Fingerprint: catalog.FingerprintTree(snap.Catalog),
		Catalog:     tree,
	}
	if !snap.CompletedAt.IsZero() {
		msg.CompletedAt = snap.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a snapshot message back into a snapshot.
func DecodeMessage(data []byte) (*catalog.Snapshot, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type != MessageTypeSnapshot {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	tree, err := catalog.UnmarshalTree(msg.Catalog)
	if err != nil {
		return nil, err
	}
	var completedAt time.Time
	if msg.CompletedAt != "" {
		if completedAt, err = time.Parse(time.RFC3339Nano, msg.CompletedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return catalog.NewSnapshot(tree, completedAt), nil
}

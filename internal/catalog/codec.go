package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MarshalTree renders a tree as canonical JSON: map keys are sorted at every
// level, so equal trees always produce identical bytes.
func MarshalTree(root Branch) ([]byte, error) {
	if root == nil {
		root = Branch{}
	}
	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal catalog tree: %w", err)
	}
	return data, nil
}

// UnmarshalTree parses nested string-keyed objects down to {from, to} leaves.
func UnmarshalTree(data []byte) (Branch, error) {
	node, err := decodeNode(data)
	if err != nil {
		return nil, err
	}
	branch, ok := node.(Branch)
	if !ok {
		return nil, errors.New("catalog root must be a branch")
	}
	return branch, nil
}

// EqualTrees reports deep structural equality, independent of key order.
func EqualTrees(a, b Branch) bool {
	left, err := MarshalTree(a)
	if err != nil {
		return false
	}
	right, err := MarshalTree(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// FingerprintTree hashes the canonical encoding of a tree.
func FingerprintTree(root Branch) string {
	data, err := MarshalTree(root)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

type snapshotDocument struct {
	CompletedAt time.Time       `json:"completed_at"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Catalog     json.RawMessage `json:"catalog"`
}

// MarshalJSON encodes the snapshot envelope with a canonical catalog.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	tree, err := MarshalTree(s.Catalog)
	if err != nil {
		return nil, err
	}
	doc := snapshotDocument{
		CompletedAt: s.CompletedAt.UTC(),
		Fingerprint: strconv.FormatUint(xxhash.Sum64(tree), 16),
		Catalog:     tree,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalJSON accepts the snapshot envelope or a bare catalog tree, the
// format older cache files were written in.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if isEnvelope(fields) {
		var doc snapshotDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode snapshot envelope: %w", err)
		}
		tree, err := UnmarshalTree(doc.Catalog)
		if err != nil {
			return err
		}
		s.Catalog = tree
		s.CompletedAt = doc.CompletedAt.UTC()
		return nil
	}
	tree, err := UnmarshalTree(data)
	if err != nil {
		return err
	}
	s.Catalog = tree
	s.CompletedAt = time.Time{}
	return nil
}

// EncodeSnapshot renders a snapshot for durable storage.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSnapshot
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses bytes written by EncodeSnapshot (or a legacy bare tree).
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Catalog == nil {
		s.Catalog = Branch{}
	}
	return &s, nil
}

func isEnvelope(fields map[string]json.RawMessage) bool {
	raw, ok := fields["catalog"]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.TrimSpace(raw)[0] != '{' {
		return false
	}
	for key := range fields {
		switch key {
		case "catalog", "completed_at", "fingerprint":
		default:
			return false
		}
	}
	return true
}

func decodeNode(data []byte) (Node, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode catalog node: %w", err)
	}
	if leaf, ok := decodeLeaf(fields); ok {
		return leaf, nil
	}
	branch := make(Branch, len(fields))
	for name, raw := range fields {
		child, err := decodeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		branch[name] = child
	}
	return branch, nil
}

// decodeLeaf recognizes {"from": "...", "to": "..."}. Branch children are
// always objects, so string values cannot be mistaken for subtrees.
func decodeLeaf(fields map[string]json.RawMessage) (Leaf, bool) {
	if len(fields) != 2 {
		return Leaf{}, false
	}
	fromRaw, okFrom := fields["from"]
	toRaw, okTo := fields["to"]
	if !okFrom || !okTo {
		return Leaf{}, false
	}
	var leaf Leaf
	if json.Unmarshal(fromRaw, &leaf.From) != nil || json.Unmarshal(toRaw, &leaf.To) != nil {
		return Leaf{}, false
	}
	return leaf, true
}

// Package catalog defines the snapshot tree shared by the crawler, the
// refresh scheduler, the stores and the subscription hub.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level names one of the ordered path segments of the catalog hierarchy.
type Level int

// Hierarchy levels, root first.
const (
	LevelFrequency Level = iota
	LevelCategory
	LevelInstrument
	LevelTimeframe
)

func (l Level) String() string {
	switch l {
	case LevelFrequency:
		return "frequency"
	case LevelCategory:
		return "category"
	case LevelInstrument:
		return "instrument"
	case LevelTimeframe:
		return "timeframe"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// FrequencyDaily is the frequency whose leaves carry day-granular ranges.
const FrequencyDaily = "daily"

// Node is either a Branch or a Leaf. The unexported marker keeps the set closed.
type Node interface {
	isNode()
}

// Branch maps child segment names to their subtrees.
type Branch map[string]Node

// Leaf is the date coverage of one instrument or (instrument, timeframe) pair.
type Leaf DateRange

func (Branch) isNode() {}
func (Leaf) isNode()   {}

// DateRange is an inclusive range of fixed-width date strings.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Valid reports whether the range is non-empty and ordered.
func (r DateRange) Valid() bool {
	return r.From != "" && r.To != "" && r.From <= r.To
}

// Snapshot is one complete crawl result. It is never modified after
// construction; a refresh produces a new Snapshot.
type Snapshot struct {
	Catalog     Branch
	CompletedAt time.Time
}

// NewSnapshot wraps a finished tree. A nil tree becomes an empty Branch.
func NewSnapshot(root Branch, completedAt time.Time) *Snapshot {
	if root == nil {
		root = Branch{}
	}
	return &Snapshot{Catalog: root, CompletedAt: completedAt.UTC()}
}

// Equal compares the trees of two snapshots, ignoring key order and
// completion time.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return EqualTrees(s.Catalog, other.Catalog)
}

// Fingerprint returns the canonical tree hash as a hex string.
func (s *Snapshot) Fingerprint() string {
	if s == nil {
		return ""
	}
	return FingerprintTree(s.Catalog)
}

// LeafCount returns the number of date ranges in the snapshot.
func (s *Snapshot) LeafCount() int {
	if s == nil {
		return 0
	}
	count := 0
	Walk(s.Catalog, func([]string, DateRange) { count++ })
	return count
}

// Lookup follows path from the root and returns the node found there.
func (s *Snapshot) Lookup(path ...string) (Node, bool) {
	if s == nil {
		return nil, false
	}
	var node Node = s.Catalog
	for _, segment := range path {
		branch, ok := node.(Branch)
		if !ok {
			return nil, false
		}
		node, ok = branch[segment]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Walk calls fn for every leaf, in key-sorted order, with its path from the root.
func Walk(node Node, fn func(path []string, r DateRange)) {
	walk(node, nil, fn)
}

func walk(node Node, path []string, fn func([]string, DateRange)) {
	switch n := node.(type) {
	case Leaf:
		fn(append([]string(nil), path...), DateRange(n))
	case Branch:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(n[k], append(path, k), fn)
		}
	case nil:
	default:
		panic(fmt.Sprintf("catalog: unknown node type %T", node))
	}
}

// JoinPath renders a segment path the way listing prefixes are written.
func JoinPath(segments ...string) string {
	if len(segments) == 0 {
		return ""
	}
	return strings.Join(segments, "/") + "/"
}

// Package diff reconciles two document snapshots into an ordered list of
// classified changes. Reconciliation is identity-keyed: the editing layer
// guarantees stable node ids, so there is no heuristic tree matching here.
package diff

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"quorum/api/internal/doctree"
)

// ErrIncomparableSnapshots is returned when the two snapshots do not share a
// document lineage (their root ids differ). Retrying without a correct ref
// pair cannot succeed.
var ErrIncomparableSnapshots = errors.New("snapshots do not share a document lineage")

// Options attributes the computed changes to the commit that produced the
// after snapshot.
type Options struct {
	Author   Author
	EditedAt time.Time
}

// Compute diffs two snapshots of the same document lineage. It is pure and
// deterministic: the same ref pair yields a byte-identical change list,
// identities included. Diffing a snapshot against itself yields no changes.
func Compute(before, after doctree.Snapshot, opts Options) ([]Change, error) {
	if before.Root.ID == "" || before.Root.ID != after.Root.ID {
		return nil, fmt.Errorf("diff %s..%s: %w", before.Ref, after.Ref, ErrIncomparableSnapshots)
	}

	fromIndex := doctree.Flatten(before)
	toIndex := doctree.Flatten(after)
	fromOrdered := orderedFlats(fromIndex)
	toOrdered := orderedFlats(toIndex)

	changes := make([]Change, 0)
	for id, fromFlat := range fromIndex {
		toFlat, exists := toIndex[id]
		if !exists {
			changes = append(changes, buildChange(Deleted, before, after, fromFlat, doctree.Flat{}, fromOrdered, toOrdered, opts))
			continue
		}
		contentChanged := fromFlat.Text != toFlat.Text ||
			fromFlat.Node.Kind != toFlat.Node.Kind ||
			attrSignature(fromFlat.Node.Attrs, false) != attrSignature(toFlat.Node.Attrs, false)
		switch {
		case contentChanged:
			// Content dominates: a simultaneous position change is folded
			// into the modified entry, never surfaced as a separate move.
			changes = append(changes, buildChange(Modified, before, after, fromFlat, toFlat, fromOrdered, toOrdered, opts))
		case attrSignature(fromFlat.Node.Attrs, true) != attrSignature(toFlat.Node.Attrs, true):
			changes = append(changes, buildChange(FormatOnly, before, after, fromFlat, toFlat, fromOrdered, toOrdered, opts))
		case fromFlat.Path != toFlat.Path:
			changes = append(changes, buildChange(Moved, before, after, fromFlat, toFlat, fromOrdered, toOrdered, opts))
		}
	}
	for id, toFlat := range toIndex {
		if _, exists := fromIndex[id]; exists {
			continue
		}
		changes = append(changes, buildChange(Inserted, before, after, doctree.Flat{}, toFlat, fromOrdered, toOrdered, opts))
	}

	sort.Slice(changes, func(i, j int) bool {
		left, right := changes[i], changes[j]
		leftOrder := documentOrder(left, fromIndex, toIndex)
		rightOrder := documentOrder(right, fromIndex, toIndex)
		if leftOrder != rightOrder {
			return leftOrder < rightOrder
		}
		if left.Type != right.Type {
			return typeRank(left.Type) < typeRank(right.Type)
		}
		return left.Anchor.NodeID < right.Anchor.NodeID
	})
	return changes, nil
}

// documentOrder positions a change in the after tree; deleted nodes have no
// after position, so their before position stands in.
func documentOrder(change Change, fromIndex, toIndex map[doctree.NodeID]doctree.Flat) int {
	if flat, ok := toIndex[change.Anchor.NodeID]; ok {
		return flat.Order
	}
	if flat, ok := fromIndex[change.Anchor.NodeID]; ok {
		return flat.Order
	}
	return 1 << 30
}

func buildChange(
	changeType Type,
	before, after doctree.Snapshot,
	fromFlat, toFlat doctree.Flat,
	fromOrdered, toOrdered []doctree.Flat,
	opts Options,
) Change {
	nodeID := toFlat.Node.ID
	if nodeID == "" {
		nodeID = fromFlat.Node.ID
	}

	toOffset := 0
	if changeType != Deleted {
		toOffset = len([]rune(toFlat.Text))
	}

	snippet := truncateSnippet(toFlat.Text)
	if changeType == Deleted {
		snippet = truncateSnippet(firstNonEmpty(fromFlat.Text, fromFlat.Node.Kind))
	} else if snippet == "" {
		snippet = truncateSnippet(firstNonEmpty(fromFlat.Text, toFlat.Node.Kind))
	}

	contextBefore, contextAfter := neighborContext(changeType, fromFlat, toFlat, fromOrdered, toOrdered)

	editedAt := ""
	if !opts.EditedAt.IsZero() {
		editedAt = opts.EditedAt.UTC().Format(time.RFC3339)
	}

	return Change{
		ID:      ChangeID(nodeID, before.Ref, after.Ref),
		Type:    changeType,
		FromRef: before.Ref,
		ToRef:   after.Ref,
		Anchor: Anchor{
			NodeID:     nodeID,
			FromOffset: 0,
			ToOffset:   toOffset,
		},
		Context: Context{
			Before: contextBefore,
			After:  contextAfter,
		},
		Snippet:     snippet,
		Author:      opts.Author,
		EditedAt:    editedAt,
		ReviewState: Pending,
		ThreadIDs:   []string{},
		Blockers:    []string{},
	}
}

// ChangeID derives the stable change identity from the (nodeId, fromRef,
// toRef) triple, so the same logical change is addressable across
// recomputations.
func ChangeID(nodeID doctree.NodeID, fromRef, toRef string) string {
	return "chg_" + shortHash(fmt.Sprintf("%s|%s|%s", nodeID, fromRef, toRef))
}

// neighborContext picks the surrounding text of the anchor node: deletions
// read their neighborhood from the before tree, everything else from the
// after tree (which is where the change now sits).
func neighborContext(changeType Type, fromFlat, toFlat doctree.Flat, fromOrdered, toOrdered []doctree.Flat) (string, string) {
	if changeType == Deleted {
		return neighbors(fromFlat, fromOrdered)
	}
	return neighbors(toFlat, toOrdered)
}

func neighbors(flat doctree.Flat, ordered []doctree.Flat) (string, string) {
	before, after := "", ""
	if flat.Order > 0 && flat.Order-1 < len(ordered) {
		before = ordered[flat.Order-1].Text
	}
	if flat.Order+1 < len(ordered) {
		after = ordered[flat.Order+1].Text
	}
	return before, after
}

func orderedFlats(index map[doctree.NodeID]doctree.Flat) []doctree.Flat {
	ordered := make([]doctree.Flat, len(index))
	for _, flat := range index {
		ordered[flat.Order] = flat
	}
	return ordered
}

// attrSignature canonicalizes the formatting or non-formatting subset of a
// node's attrs. json.Marshal sorts map keys, so equal subsets produce equal
// signatures.
func attrSignature(attrs map[string]any, formatting bool) string {
	if len(attrs) == 0 {
		return ""
	}
	subset := make(map[string]any)
	for key, value := range attrs {
		if IsFormattingAttr(key) == formatting {
			subset[key] = value
		}
	}
	if len(subset) == 0 {
		return ""
	}
	payload, err := json.Marshal(subset)
	if err != nil {
		return ""
	}
	return string(payload)
}

func truncateSnippet(value string) string {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	if len(runes) <= 120 {
		return trimmed
	}
	return string(runes[:120]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func shortHash(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}

package doctree

import (
	"fmt"
	"strings"
)

// Flat is one identified node lifted out of the tree. Text aggregates the
// node's own text plus the text of every un-identified descendant; subtrees
// rooted at identified descendants are excluded because they are diffed
// independently under their own ids.
type Flat struct {
	Node  Node
	Path  string // dotted index path from the root, e.g. "0.2.1"
	Order int    // pre-order position among identified nodes
	Text  string
}

// Flatten walks the snapshot and indexes every identified node by id.
// Nodes without an id contribute their text to the nearest identified
// ancestor and get no entry of their own.
func Flatten(snapshot Snapshot) map[NodeID]Flat {
	index := make(map[NodeID]Flat)
	order := 0
	var walk func(node Node, path string)
	walk = func(node Node, path string) {
		if node.ID != "" {
			index[node.ID] = Flat{
				Node:  node,
				Path:  path,
				Order: order,
				Text:  CollectText(node),
			}
			order++
		}
		for i, child := range node.Children {
			childPath := fmt.Sprintf("%s.%d", path, i)
			if path == "" {
				childPath = fmt.Sprintf("%d", i)
			}
			walk(child, childPath)
		}
	}
	walk(snapshot.Root, "")
	return index
}

// CollectText joins the node's own text with the text of un-identified
// descendants, stopping at identified children.
func CollectText(node Node) string {
	parts := make([]string, 0, 4)
	if trimmed := strings.TrimSpace(node.Text); trimmed != "" {
		parts = append(parts, trimmed)
	}
	for _, child := range node.Children {
		if child.ID != "" {
			continue
		}
		if childText := CollectText(child); childText != "" {
			parts = append(parts, childText)
		}
	}
	return strings.Join(parts, " ")
}

// Package doctree holds the canonical representation of a document snapshot:
// a tree of nodes carrying stable, editor-assigned identities. The editing
// layer assigns a nodeId once at node creation and never reuses it within a
// document lineage; everything downstream (diffing, review anchoring) relies
// on that.
package doctree

import (
	"encoding/json"
	"fmt"
)

// NodeID is a stable identifier assigned by the editing layer.
type NodeID string

// Node is one element of a document tree. Text carries the node's own text
// (leaf text runs); Children carries nested structure. Attrs holds editor
// attributes minus the nodeId, which is lifted into ID.
type Node struct {
	ID       NodeID
	Kind     string
	Attrs    map[string]any
	Children []Node
	Text     string
}

// Snapshot is an immutable document version at a commit reference.
type Snapshot struct {
	Ref  string
	Root Node
}

type wireNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []wireNode     `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// Decode parses the editor's document JSON into a Snapshot at ref.
func Decode(ref string, raw json.RawMessage) (Snapshot, error) {
	if len(raw) == 0 {
		return Snapshot{}, fmt.Errorf("empty document payload for ref %s", ref)
	}
	var wire wireNode
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("decode document for ref %s: %w", ref, err)
	}
	return Snapshot{Ref: ref, Root: fromWire(wire)}, nil
}

// Encode serializes a node back to the editor's document JSON.
func Encode(root Node) (json.RawMessage, error) {
	payload, err := json.Marshal(toWire(root))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return json.RawMessage(payload), nil
}

func fromWire(wire wireNode) Node {
	node := Node{
		Kind: wire.Type,
		Text: wire.Text,
	}
	if len(wire.Attrs) > 0 {
		attrs := make(map[string]any, len(wire.Attrs))
		for key, value := range wire.Attrs {
			if key == "nodeId" {
				if id, ok := value.(string); ok {
					node.ID = NodeID(id)
				}
				continue
			}
			attrs[key] = value
		}
		if len(attrs) > 0 {
			node.Attrs = attrs
		}
	}
	if len(wire.Content) > 0 {
		node.Children = make([]Node, 0, len(wire.Content))
		for _, child := range wire.Content {
			node.Children = append(node.Children, fromWire(child))
		}
	}
	return node
}

func toWire(node Node) wireNode {
	wire := wireNode{
		Type: node.Kind,
		Text: node.Text,
	}
	if node.ID != "" || len(node.Attrs) > 0 {
		wire.Attrs = make(map[string]any, len(node.Attrs)+1)
		for key, value := range node.Attrs {
			wire.Attrs[key] = value
		}
		if node.ID != "" {
			wire.Attrs["nodeId"] = string(node.ID)
		}
	}
	if len(node.Children) > 0 {
		wire.Content = make([]wireNode, 0, len(node.Children))
		for _, child := range node.Children {
			wire.Content = append(wire.Content, toWire(child))
		}
	}
	return wire
}

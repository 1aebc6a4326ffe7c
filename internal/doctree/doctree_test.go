package doctree

import (
	"encoding/json"
	"testing"
)

const sampleDoc = `{
	"type":"doc",
	"attrs":{"nodeId":"n-root"},
	"content":[
		{"type":"heading","attrs":{"level":1,"nodeId":"n-title"},"content":[{"type":"text","text":"Title"}]},
		{"type":"paragraph","attrs":{"nodeId":"n-intro"},"content":[
			{"type":"text","text":"Intro with "},
			{"type":"text","text":"two runs"}
		]},
		{"type":"bulletList","attrs":{"nodeId":"n-list"},"content":[
			{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"One"}]}]},
			{"type":"listItem","content":[{"type":"paragraph","attrs":{"nodeId":"n-item-two"},"content":[{"type":"text","text":"Two"}]}]}
		]}
	]
}`

func TestDecodeLiftsNodeIDs(t *testing.T) {
	snapshot, err := Decode("abc1234", json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if snapshot.Ref != "abc1234" {
		t.Fatalf("unexpected ref %q", snapshot.Ref)
	}
	if snapshot.Root.ID != "n-root" {
		t.Fatalf("expected root id n-root, got %q", snapshot.Root.ID)
	}
	if _, ok := snapshot.Root.Attrs["nodeId"]; ok {
		t.Fatal("nodeId should be lifted out of attrs")
	}
	heading := snapshot.Root.Children[0]
	if heading.ID != "n-title" {
		t.Fatalf("expected heading id n-title, got %q", heading.ID)
	}
	if heading.Attrs["level"] != float64(1) {
		t.Fatalf("expected level attr preserved, got %v", heading.Attrs["level"])
	}
}

func TestDecodeRejectsEmptyAndMalformed(t *testing.T) {
	if _, err := Decode("abc1234", nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := Decode("abc1234", json.RawMessage(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	snapshot, err := Decode("abc1234", json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	encoded, err := Encode(snapshot.Root)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	again, err := Decode("abc1234", encoded)
	if err != nil {
		t.Fatalf("Decode(Encode()) error = %v", err)
	}
	if again.Root.ID != snapshot.Root.ID {
		t.Fatalf("root id changed in round-trip: %q vs %q", again.Root.ID, snapshot.Root.ID)
	}
	if len(again.Root.Children) != len(snapshot.Root.Children) {
		t.Fatalf("child count changed in round-trip")
	}
}

func TestFlattenIndexesIdentifiedNodesOnly(t *testing.T) {
	snapshot, err := Decode("abc1234", json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	index := Flatten(snapshot)

	for _, id := range []NodeID{"n-root", "n-title", "n-intro", "n-list", "n-item-two"} {
		if _, ok := index[id]; !ok {
			t.Fatalf("expected %s in flat index", id)
		}
	}
	if len(index) != 5 {
		t.Fatalf("expected 5 identified nodes, got %d", len(index))
	}

	if index["n-title"].Path != "0" {
		t.Fatalf("expected n-title at path 0, got %s", index["n-title"].Path)
	}
	if index["n-item-two"].Path != "2.1.0" {
		t.Fatalf("expected n-item-two at path 2.1.0, got %s", index["n-item-two"].Path)
	}

	if index["n-root"].Order != 0 || index["n-title"].Order != 1 {
		t.Fatalf("expected pre-order positions, got root=%d title=%d", index["n-root"].Order, index["n-title"].Order)
	}
}

func TestFlattenTextStopsAtIdentifiedChildren(t *testing.T) {
	snapshot, err := Decode("abc1234", json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	index := Flatten(snapshot)

	if got := index["n-intro"].Text; got != "Intro with two runs" {
		t.Fatalf("expected joined text runs, got %q", got)
	}
	// "Two" lives under n-item-two and must not leak into the list's text.
	if got := index["n-list"].Text; got != "One" {
		t.Fatalf("expected list text %q, got %q", "One", got)
	}
	if got := index["n-item-two"].Text; got != "Two" {
		t.Fatalf("expected item text %q, got %q", "Two", got)
	}
}

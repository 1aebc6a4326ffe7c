package diff

import (
	"quorum/api/internal/doctree"
)

// Type classifies a single difference between two snapshots.
type Type string

const (
	Inserted   Type = "inserted"
	Deleted    Type = "deleted"
	Modified   Type = "modified"
	Moved      Type = "moved"
	FormatOnly Type = "format_only"
)

// ReviewState is a reviewer-assigned disposition for a change. It defaults
// to pending and is tracked outside the diff itself.
type ReviewState string

const (
	Pending  ReviewState = "pending"
	Accepted ReviewState = "accepted"
	Rejected ReviewState = "rejected"
	Deferred ReviewState = "deferred"
)

// ValidReviewState reports whether value is one of the four dispositions.
func ValidReviewState(value string) bool {
	switch ReviewState(value) {
	case Pending, Accepted, Rejected, Deferred:
		return true
	default:
		return false
	}
}

// Anchor ties a change to a node and a text extent in the after snapshot.
type Anchor struct {
	NodeID     doctree.NodeID `json:"nodeId"`
	FromOffset int            `json:"fromOffset"`
	ToOffset   int            `json:"toOffset"`
}

// Context carries the surrounding document text so a change is readable
// without loading the full snapshot.
type Context struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// Author is the commit author the change is attributed to.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Change is one classified difference between two snapshots. Its ID is
// stable per (nodeId, fromRef, toRef), so recomputing the diff yields the
// same identities and prior review dispositions can be re-attached.
type Change struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	FromRef     string      `json:"fromRef"`
	ToRef       string      `json:"toRef"`
	Anchor      Anchor      `json:"anchor"`
	Context     Context     `json:"context"`
	Snippet     string      `json:"snippet"`
	Author      Author      `json:"author"`
	EditedAt    string      `json:"editedAt"`
	ReviewState ReviewState `json:"reviewState"`
	ThreadIDs   []string    `json:"threadIds"`
	Blockers    []string    `json:"blockers"`
}

// formattingAttrs is the explicit catalogue of attribute keys that count as
// formatting. A change touching only these (text and every other attr
// unchanged) classifies as format_only rather than modified, which is what
// the ignoreFormatOnlyChangesForGate policy keys off.
var formattingAttrs = map[string]struct{}{
	"marks":      {},
	"bold":       {},
	"italic":     {},
	"underline":  {},
	"strike":     {},
	"code":       {},
	"color":      {},
	"highlight":  {},
	"align":      {},
	"fontSize":   {},
	"fontFamily": {},
}

// IsFormattingAttr reports whether key belongs to the formatting catalogue.
func IsFormattingAttr(key string) bool {
	_, ok := formattingAttrs[key]
	return ok
}

func typeRank(changeType Type) int {
	switch changeType {
	case Moved:
		return 0
	case Modified:
		return 1
	case Inserted:
		return 2
	case Deleted:
		return 3
	case FormatOnly:
		return 4
	default:
		return 5
	}
}

// Package gate decides whether a proposal may merge. It composes approval
// state, open-thread state and per-change review dispositions with a merge
// policy, and always enumerates navigable blockers so the caller never has
// to re-derive "why".
package gate

import (
	"fmt"
	"strings"

	"quorum/api/internal/approval"
	"quorum/api/internal/diff"
)

// Policy is the caller-declared merge gate configuration.
type Policy struct {
	AllowMergeWithDeferredChanges  bool `json:"allowMergeWithDeferredChanges"`
	IgnoreFormatOnlyChangesForGate bool `json:"ignoreFormatOnlyChangesForGate"`
}

// BlockerType tags the source of a blocker.
type BlockerType string

const (
	BlockerApproval BlockerType = "approval"
	BlockerThread   BlockerType = "thread"
	BlockerChange   BlockerType = "change"
)

// Link is a navigational hint to the offending item.
type Link struct {
	Tab      string `json:"tab"`
	Role     string `json:"role,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	ChangeID string `json:"changeId,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`
}

// Blocker is one reason a merge is not allowed, with enough identity for a
// caller to navigate straight to it.
type Blocker struct {
	ID       string      `json:"id"`
	Type     BlockerType `json:"type"`
	Label    string      `json:"label"`
	Role     string      `json:"role,omitempty"`
	ThreadID string      `json:"threadId,omitempty"`
	ChangeID string      `json:"changeId,omitempty"`
	Link     Link        `json:"link"`
}

// ThreadRef is the externally supplied view of one open discussion thread.
type ThreadRef struct {
	ID           string
	AnchorNodeID string
}

// Input is a single consistent snapshot of everything the gate reads. Build
// it before evaluating; the gate itself never re-reads shared state.
type Input struct {
	PendingRoles []approval.Role
	OpenThreads  []ThreadRef
	Changes      []diff.Change
	Policy       Policy
}

// Decision is the gate outcome. Blockers are ordered by type (approval,
// thread, change) then source order, and evaluation is idempotent: the same
// input yields an identical decision, element for element.
type Decision struct {
	Allowed          bool      `json:"allowed"`
	PendingApprovals int       `json:"pendingApprovals"`
	OpenThreads      int       `json:"openThreads"`
	ChangeBlockers   int       `json:"changeBlockers"`
	Blockers         []Blocker `json:"blockers"`
}

// Evaluate applies the decision rule: merge is allowed only when every role
// has approved, no thread is open, and no change blocks under the policy.
func Evaluate(input Input) Decision {
	blockers := make([]Blocker, 0)

	for _, role := range input.PendingRoles {
		roleKey := string(role)
		blockers = append(blockers, Blocker{
			ID:    "approval:" + roleKey,
			Type:  BlockerApproval,
			Label: RoleLabel(role) + " approval is pending",
			Role:  roleKey,
			Link:  Link{Tab: "approvals", Role: roleKey},
		})
	}
	pendingApprovals := len(blockers)

	for _, thread := range input.OpenThreads {
		blockers = append(blockers, Blocker{
			ID:       "thread:" + thread.ID,
			Type:     BlockerThread,
			Label:    "Thread " + thread.ID + " is still open",
			ThreadID: thread.ID,
			Link:     Link{Tab: "discussions", ThreadID: thread.ID, NodeID: thread.AnchorNodeID},
		})
	}

	changeBlockers := 0
	for _, change := range input.Changes {
		if !blocksMerge(change, input.Policy) {
			continue
		}
		changeBlockers++
		blockers = append(blockers, Blocker{
			ID:       "change:" + change.ID,
			Type:     BlockerChange,
			Label:    fmt.Sprintf("Change %s is %s", change.ID, change.ReviewState),
			ChangeID: change.ID,
			Link:     Link{Tab: "history", ChangeID: change.ID, NodeID: string(change.Anchor.NodeID)},
		})
	}

	return Decision{
		Allowed:          len(blockers) == 0,
		PendingApprovals: pendingApprovals,
		OpenThreads:      len(input.OpenThreads),
		ChangeBlockers:   changeBlockers,
		Blockers:         blockers,
	}
}

// blocksMerge applies the per-change rule. Accepted changes never block;
// rejected is a terminal, acknowledged disposition and never blocks by
// itself; format-only changes are exempt under the ignore policy; deferred
// changes are exempt under the defer policy; anything left (pending, or
// deferred without the policy) blocks.
func blocksMerge(change diff.Change, policy Policy) bool {
	switch change.ReviewState {
	case diff.Accepted, diff.Rejected:
		return false
	}
	if change.Type == diff.FormatOnly && policy.IgnoreFormatOnlyChangesForGate {
		return false
	}
	if change.ReviewState == diff.Deferred && policy.AllowMergeWithDeferredChanges {
		return false
	}
	return true
}

// RoleLabel renders a human label for the built-in roles and falls back to
// the raw role name.
func RoleLabel(role approval.Role) string {
	switch role {
	case "architectureCommittee":
		return "Architecture Committee"
	case "security":
		return "Security"
	case "legal":
		return "Legal"
	default:
		return strings.TrimSpace(string(role))
	}
}

package store

import "time"

// User carries the profile plus the workspace role resolved from the
// membership table. PasswordHash is only populated by email lookups.
type User struct {
	ID           string
	DisplayName  string
	Email        string
	Role         string
	IsExternal   bool
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is a catalogue row; the body itself lives in the document's git
// repository.
type Document struct {
	ID        string
	Title     string
	Subtitle  string
	Status    string
	UpdatedBy string
	UpdatedAt time.Time
}

type Proposal struct {
	ID           string
	DocumentID   string
	Title        string
	Status       string
	BranchName   string
	TargetBranch string
	CreatedBy    string
	CreatedAt    time.Time
}

// Thread anchors a review conversation to a node of the document.
// AnchorOffsets holds the raw JSON object as text.
type Thread struct {
	ID              string
	ProposalID      string
	Author          string
	Text            string
	Status          string
	Visibility      string
	Type            string
	Anchor          string
	AnchorNodeID    string
	AnchorOffsets   string
	ResolvedOutcome string
	ResolvedNote    string
	CreatedAt       time.Time
}

// Annotation is a single reply inside a thread.
type Annotation struct {
	ID         string
	ProposalID string
	ThreadID   string
	Author     string
	Body       string
	Type       string
	CreatedAt  time.Time
}

type Approval struct {
	Role       string
	Status     string
	ApprovedBy string
	ApprovedAt *time.Time
}

type DecisionLogEntry struct {
	ID           int64
	DocumentID   string
	ProposalID   string
	ThreadID     string
	Outcome      string
	Rationale    string
	DecidedBy    string
	DecidedAt    time.Time
	CommitHash   string
	Participants []string
}

type NamedVersion struct {
	Name      string
	Hash      string
	CreatedBy string
	CreatedAt time.Time
}

// CommitInfo is the slim commit view returned by the git layer.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// ChangeReviewState persists one reviewer disposition, keyed by the stable
// change id so a recomputed diff re-attaches it.
type ChangeReviewState struct {
	ID                int64
	ChangeID          string
	ProposalID        string
	DocumentID        string
	FromRef           string
	ToRef             string
	ReviewState       string
	RejectedRationale string
	ReviewedBy        string
	ReviewedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Comparison records the latest diffed ref pair per proposal; review-state
// writes are validated against it to detect stale callers.
type Comparison struct {
	ID         int64
	DocumentID string
	ProposalID string
	FromRef    string
	ToRef      string
	CreatedAt  time.Time
}

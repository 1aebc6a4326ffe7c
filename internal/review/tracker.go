// Package review tracks reviewer-assigned dispositions per change,
// independent of the diff itself. Changes are derived and recomputed at
// will; the disposition survives recomputation because change identity is
// stable per (nodeId, fromRef, toRef).
package review

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"quorum/api/internal/diff"
	"quorum/api/internal/store"
)

var (
	// ErrStaleChange means the caller's ref pair no longer matches the
	// latest comparison for the proposal; re-fetch the diff and retry.
	ErrStaleChange = errors.New("change refs are stale")
	// ErrRationaleRequired rejects a rejection without a rationale; the
	// state is never silently coerced.
	ErrRationaleRequired = errors.New("rationale is required to reject a change")
	// ErrInvalidState rejects review states outside the known set.
	ErrInvalidState = errors.New("invalid review state")
)

// Store is the persistence the tracker needs, scoped per
// (documentID, proposalID).
type Store interface {
	LatestComparison(ctx context.Context, documentID, proposalID string) (store.Comparison, error)
	RecordComparison(ctx context.Context, comparison store.Comparison) error
	UpsertChangeReviewState(ctx context.Context, state store.ChangeReviewState) error
	ListChangeReviewStates(ctx context.Context, proposalID, fromRef, toRef string) ([]store.ChangeReviewState, error)
}

// Tracker applies review-state mutations under a single-writer discipline
// per proposal: each read-guard-write runs holding the proposal's lock, so
// concurrent reviewers cannot interleave between the staleness check and
// the write.
type Tracker struct {
	store Store

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewTracker(dataStore Store) *Tracker {
	return &Tracker{
		store: dataStore,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetStateInput carries one reviewer decision.
type SetStateInput struct {
	DocumentID string
	ProposalID string
	ChangeID   string
	FromRef    string
	ToRef      string
	State      diff.ReviewState
	Rationale  string
	ReviewedBy string
}

// RecordComparison remembers the ref pair of the latest diff shown for the
// proposal. SetState validates reviewer input against it.
func (t *Tracker) RecordComparison(ctx context.Context, documentID, proposalID, fromRef, toRef string) error {
	lock := t.proposalLock(documentID, proposalID)
	lock.Lock()
	defer lock.Unlock()
	return t.store.RecordComparison(ctx, store.Comparison{
		DocumentID: documentID,
		ProposalID: proposalID,
		FromRef:    fromRef,
		ToRef:      toRef,
	})
}

// SetState persists a reviewer disposition for one change. It fails with
// ErrStaleChange when the caller's refs no longer match the latest recorded
// comparison (the document moved on), and with ErrRationaleRequired for a
// rejection without a rationale. No failure mutates state.
func (t *Tracker) SetState(ctx context.Context, input SetStateInput) (store.ChangeReviewState, error) {
	if !diff.ValidReviewState(string(input.State)) {
		return store.ChangeReviewState{}, ErrInvalidState
	}
	if input.State == diff.Rejected && strings.TrimSpace(input.Rationale) == "" {
		return store.ChangeReviewState{}, ErrRationaleRequired
	}

	lock := t.proposalLock(input.DocumentID, input.ProposalID)
	lock.Lock()
	defer lock.Unlock()

	latest, err := t.store.LatestComparison(ctx, input.DocumentID, input.ProposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ChangeReviewState{}, ErrStaleChange
	}
	if err != nil {
		return store.ChangeReviewState{}, err
	}
	if latest.FromRef != input.FromRef || latest.ToRef != input.ToRef {
		return store.ChangeReviewState{}, ErrStaleChange
	}

	now := time.Now()
	state := store.ChangeReviewState{
		ChangeID:          input.ChangeID,
		ProposalID:        input.ProposalID,
		DocumentID:        input.DocumentID,
		FromRef:           input.FromRef,
		ToRef:             input.ToRef,
		ReviewState:       string(input.State),
		RejectedRationale: strings.TrimSpace(input.Rationale),
		ReviewedBy:        input.ReviewedBy,
		ReviewedAt:        &now,
	}
	if err := t.store.UpsertChangeReviewState(ctx, state); err != nil {
		return store.ChangeReviewState{}, err
	}
	return state, nil
}

// Attach overlays persisted dispositions onto freshly computed changes.
// Unseen changes keep the pending default.
func (t *Tracker) Attach(ctx context.Context, proposalID string, changes []diff.Change) ([]diff.Change, error) {
	if len(changes) == 0 {
		return changes, nil
	}
	states, err := t.store.ListChangeReviewStates(ctx, proposalID, changes[0].FromRef, changes[0].ToRef)
	if err != nil {
		return nil, err
	}
	byChange := make(map[string]store.ChangeReviewState, len(states))
	for _, state := range states {
		byChange[state.ChangeID] = state
	}
	for i := range changes {
		if state, ok := byChange[changes[i].ID]; ok && diff.ValidReviewState(state.ReviewState) {
			changes[i].ReviewState = diff.ReviewState(state.ReviewState)
		}
	}
	return changes, nil
}

func (t *Tracker) proposalLock(documentID, proposalID string) *sync.Mutex {
	key := documentID + "|" + proposalID
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	return lock
}

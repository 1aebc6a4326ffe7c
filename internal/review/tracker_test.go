package review

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"quorum/api/internal/diff"
	"quorum/api/internal/store"
)

type fakeReviewStore struct {
	mu sync.Mutex

	latestComparisonFn       func(context.Context, string, string) (store.Comparison, error)
	recordComparisonFn       func(context.Context, store.Comparison) error
	upsertChangeReviewFn     func(context.Context, store.ChangeReviewState) error
	listChangeReviewStatesFn func(context.Context, string, string, string) ([]store.ChangeReviewState, error)

	upserts []store.ChangeReviewState
}

func (f *fakeReviewStore) LatestComparison(ctx context.Context, documentID, proposalID string) (store.Comparison, error) {
	if f.latestComparisonFn != nil {
		return f.latestComparisonFn(ctx, documentID, proposalID)
	}
	return store.Comparison{}, sql.ErrNoRows
}

func (f *fakeReviewStore) RecordComparison(ctx context.Context, comparison store.Comparison) error {
	if f.recordComparisonFn != nil {
		return f.recordComparisonFn(ctx, comparison)
	}
	return nil
}

func (f *fakeReviewStore) UpsertChangeReviewState(ctx context.Context, state store.ChangeReviewState) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, state)
	f.mu.Unlock()
	if f.upsertChangeReviewFn != nil {
		return f.upsertChangeReviewFn(ctx, state)
	}
	return nil
}

func (f *fakeReviewStore) ListChangeReviewStates(ctx context.Context, proposalID, fromRef, toRef string) ([]store.ChangeReviewState, error) {
	if f.listChangeReviewStatesFn != nil {
		return f.listChangeReviewStatesFn(ctx, proposalID, fromRef, toRef)
	}
	return nil, nil
}

func currentComparison() func(context.Context, string, string) (store.Comparison, error) {
	return func(context.Context, string, string) (store.Comparison, error) {
		return store.Comparison{
			DocumentID: "doc-1",
			ProposalID: "prop-1",
			FromRef:    "aaaa111",
			ToRef:      "bbbb222",
		}, nil
	}
}

func TestSetStatePersistsDisposition(t *testing.T) {
	fs := &fakeReviewStore{latestComparisonFn: currentComparison()}
	tracker := NewTracker(fs)

	state, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "bbbb222",
		State:      diff.Accepted,
		ReviewedBy: "Avery",
	})
	if err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if state.ReviewState != "accepted" || state.ReviewedBy != "Avery" {
		t.Fatalf("unexpected persisted state %+v", state)
	}
	if state.ReviewedAt == nil {
		t.Fatal("expected reviewed timestamp")
	}
	if len(fs.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(fs.upserts))
	}
}

func TestSetStateRejectsStaleRefs(t *testing.T) {
	fs := &fakeReviewStore{latestComparisonFn: currentComparison()}
	tracker := NewTracker(fs)

	_, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "stale999",
		State:      diff.Accepted,
	})
	if !errors.Is(err, ErrStaleChange) {
		t.Fatalf("expected ErrStaleChange, got %v", err)
	}
	if len(fs.upserts) != 0 {
		t.Fatal("stale write must not reach the store")
	}
}

func TestSetStateStaleWhenNoComparisonRecorded(t *testing.T) {
	fs := &fakeReviewStore{}
	tracker := NewTracker(fs)

	_, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "bbbb222",
		State:      diff.Accepted,
	})
	if !errors.Is(err, ErrStaleChange) {
		t.Fatalf("expected ErrStaleChange with no recorded comparison, got %v", err)
	}
}

func TestSetStateRequiresRejectionRationale(t *testing.T) {
	fs := &fakeReviewStore{latestComparisonFn: currentComparison()}
	tracker := NewTracker(fs)

	_, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "bbbb222",
		State:      diff.Rejected,
		Rationale:  "   ",
	})
	if !errors.Is(err, ErrRationaleRequired) {
		t.Fatalf("expected ErrRationaleRequired, got %v", err)
	}

	state, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "bbbb222",
		State:      diff.Rejected,
		Rationale:  "Conflicts with the audit carve-out",
	})
	if err != nil {
		t.Fatalf("SetState() with rationale error = %v", err)
	}
	if state.RejectedRationale != "Conflicts with the audit carve-out" {
		t.Fatalf("expected rationale persisted, got %+v", state)
	}
}

func TestSetStateRejectsUnknownState(t *testing.T) {
	fs := &fakeReviewStore{latestComparisonFn: currentComparison()}
	tracker := NewTracker(fs)

	_, err := tracker.SetState(context.Background(), SetStateInput{
		DocumentID: "doc-1",
		ProposalID: "prop-1",
		ChangeID:   "chg_abc",
		FromRef:    "aaaa111",
		ToRef:      "bbbb222",
		State:      diff.ReviewState("approved-ish"),
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAttachOverlaysPersistedStates(t *testing.T) {
	fs := &fakeReviewStore{
		listChangeReviewStatesFn: func(_ context.Context, proposalID, fromRef, toRef string) ([]store.ChangeReviewState, error) {
			if proposalID != "prop-1" || fromRef != "aaaa111" || toRef != "bbbb222" {
				t.Fatalf("unexpected lookup %s %s..%s", proposalID, fromRef, toRef)
			}
			return []store.ChangeReviewState{
				{ChangeID: "chg_one", ReviewState: "accepted"},
				{ChangeID: "chg_gone", ReviewState: "deferred"},
				{ChangeID: "chg_bad", ReviewState: "nonsense"},
			}, nil
		},
	}
	tracker := NewTracker(fs)

	changes := []diff.Change{
		{ID: "chg_one", FromRef: "aaaa111", ToRef: "bbbb222", ReviewState: diff.Pending},
		{ID: "chg_two", FromRef: "aaaa111", ToRef: "bbbb222", ReviewState: diff.Pending},
		{ID: "chg_bad", FromRef: "aaaa111", ToRef: "bbbb222", ReviewState: diff.Pending},
	}
	attached, err := tracker.Attach(context.Background(), "prop-1", changes)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if attached[0].ReviewState != diff.Accepted {
		t.Fatalf("expected overlay accepted, got %s", attached[0].ReviewState)
	}
	if attached[1].ReviewState != diff.Pending {
		t.Fatalf("unseen change must stay pending, got %s", attached[1].ReviewState)
	}
	if attached[2].ReviewState != diff.Pending {
		t.Fatalf("invalid persisted state must not overlay, got %s", attached[2].ReviewState)
	}
}

func TestAttachEmptyChangesSkipsStore(t *testing.T) {
	fs := &fakeReviewStore{
		listChangeReviewStatesFn: func(context.Context, string, string, string) ([]store.ChangeReviewState, error) {
			t.Fatal("store must not be queried for an empty change list")
			return nil, nil
		},
	}
	tracker := NewTracker(fs)
	attached, err := tracker.Attach(context.Background(), "prop-1", nil)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if len(attached) != 0 {
		t.Fatalf("expected empty result, got %v", attached)
	}
}

func TestConcurrentSetStateSerializesPerProposal(t *testing.T) {
	fs := &fakeReviewStore{latestComparisonFn: currentComparison()}
	tracker := NewTracker(fs)

	const writers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.SetState(context.Background(), SetStateInput{
				DocumentID: "doc-1",
				ProposalID: "prop-1",
				ChangeID:   "chg_abc",
				FromRef:    "aaaa111",
				ToRef:      "bbbb222",
				State:      diff.Accepted,
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent SetState() error = %v", err)
		}
	}
	if len(fs.upserts) != writers {
		t.Fatalf("expected %d upserts, got %d", writers, len(fs.upserts))
	}
}

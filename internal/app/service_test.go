package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"quorum/api/internal/config"
	"quorum/api/internal/diff"
	"quorum/api/internal/gate"
	"quorum/api/internal/gitrepo"
	"quorum/api/internal/review"
	"quorum/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn        func(context.Context, string) (store.User, error)
	getDocumentFn             func(context.Context, string) (store.Document, error)
	getProposalFn             func(context.Context, string) (store.Proposal, error)
	getActiveProposalFn       func(context.Context, string) (*store.Proposal, error)
	createProposalFn          func(context.Context, store.Proposal, []string) error
	listApprovalsFn           func(context.Context, string) ([]store.Approval, error)
	approveRoleFn             func(context.Context, string, string, string) error
	markProposalMergedFn      func(context.Context, string) error
	updateDocumentStateFn     func(context.Context, string, string, string, string, string) error
	listThreadsFn             func(context.Context, string, bool) ([]store.Thread, error)
	listNamedVersionsFn       func(context.Context, string) ([]store.NamedVersion, error)
	insertNamedVersionFn      func(context.Context, string, string, string, string) error
	insertDecisionLogFn       func(context.Context, store.DecisionLogEntry) error
	listDecisionLogFilteredFn func(context.Context, string, string, string, string, string, int) ([]store.DecisionLogEntry, error)
	latestComparisonFn        func(context.Context, string, string) (store.Comparison, error)
	recordComparisonFn        func(context.Context, store.Comparison) error
	upsertChangeReviewFn      func(context.Context, store.ChangeReviewState) error
	listChangeReviewStatesFn  func(context.Context, string, string, string) ([]store.ChangeReviewState, error)
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) { return nil, nil }
func (f *fakeStore) EnsureUserByName(ctx context.Context, userName string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, userName)
	}
	return store.User{ID: "usr_1", DisplayName: userName, Role: "editor"}, nil
}
func (f *fakeStore) GetUserByID(context.Context, string) (store.User, error) {
	return store.User{}, nil
}
func (f *fakeStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) CreateUserWithPassword(context.Context, string, string, string) (store.User, error) {
	return store.User{}, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) InsertDocument(context.Context, store.Document) error { return nil }
func (f *fakeStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentID)
	}
	return store.Document{ID: documentID, Title: "Doc", Status: "In review"}, nil
}
func (f *fakeStore) UpdateDocumentState(ctx context.Context, documentID, title, subtitle, status, updatedBy string) error {
	if f.updateDocumentStateFn != nil {
		return f.updateDocumentStateFn(ctx, documentID, title, subtitle, status, updatedBy)
	}
	return nil
}
func (f *fakeStore) CreateProposal(ctx context.Context, proposal store.Proposal, roles []string) error {
	if f.createProposalFn != nil {
		return f.createProposalFn(ctx, proposal, roles)
	}
	return nil
}
func (f *fakeStore) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	if f.getProposalFn != nil {
		return f.getProposalFn(ctx, proposalID)
	}
	return store.Proposal{}, sql.ErrNoRows
}
func (f *fakeStore) GetActiveProposal(ctx context.Context, documentID string) (*store.Proposal, error) {
	if f.getActiveProposalFn != nil {
		return f.getActiveProposalFn(ctx, documentID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateProposalStatus(context.Context, string, string) error { return nil }
func (f *fakeStore) MarkProposalMerged(ctx context.Context, proposalID string) error {
	if f.markProposalMergedFn != nil {
		return f.markProposalMergedFn(ctx, proposalID)
	}
	return nil
}
func (f *fakeStore) ListApprovals(ctx context.Context, proposalID string) ([]store.Approval, error) {
	if f.listApprovalsFn != nil {
		return f.listApprovalsFn(ctx, proposalID)
	}
	return nil, nil
}
func (f *fakeStore) ApproveRole(ctx context.Context, proposalID, role, approvedBy string) error {
	if f.approveRoleFn != nil {
		return f.approveRoleFn(ctx, proposalID, role, approvedBy)
	}
	return nil
}
func (f *fakeStore) PendingApprovalCount(context.Context, string) (int, error) { return 0, nil }
func (f *fakeStore) ListThreads(ctx context.Context, proposalID string, includeInternal bool) ([]store.Thread, error) {
	if f.listThreadsFn != nil {
		return f.listThreadsFn(ctx, proposalID, includeInternal)
	}
	return nil, nil
}
func (f *fakeStore) GetThread(context.Context, string, string) (store.Thread, error) {
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) InsertThread(context.Context, store.Thread) error { return nil }
func (f *fakeStore) ResolveThread(context.Context, string, string, string, string, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) ReopenThread(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) OpenThreadCount(context.Context, string) (int, error)     { return 0, nil }
func (f *fakeStore) InsertAnnotation(context.Context, store.Annotation) error { return nil }
func (f *fakeStore) ListThreadAnnotations(context.Context, string, string) ([]store.Annotation, error) {
	return nil, nil
}
func (f *fakeStore) ListAnnotations(context.Context, string, bool) ([]store.Annotation, error) {
	return nil, nil
}
func (f *fakeStore) InsertDecisionLog(ctx context.Context, entry store.DecisionLogEntry) error {
	if f.insertDecisionLogFn != nil {
		return f.insertDecisionLogFn(ctx, entry)
	}
	return nil
}
func (f *fakeStore) ListDecisionLog(context.Context, string, string, int) ([]store.DecisionLogEntry, error) {
	return nil, nil
}
func (f *fakeStore) ListDecisionLogFiltered(ctx context.Context, documentID, proposalID, outcome, query, author string, limit int) ([]store.DecisionLogEntry, error) {
	if f.listDecisionLogFilteredFn != nil {
		return f.listDecisionLogFilteredFn(ctx, documentID, proposalID, outcome, query, author, limit)
	}
	return nil, nil
}
func (f *fakeStore) InsertNamedVersion(ctx context.Context, proposalID, name, hash, createdBy string) error {
	if f.insertNamedVersionFn != nil {
		return f.insertNamedVersionFn(ctx, proposalID, name, hash, createdBy)
	}
	return nil
}
func (f *fakeStore) ListNamedVersions(ctx context.Context, proposalID string) ([]store.NamedVersion, error) {
	if f.listNamedVersionsFn != nil {
		return f.listNamedVersionsFn(ctx, proposalID)
	}
	return nil, nil
}
func (f *fakeStore) LatestComparison(ctx context.Context, documentID, proposalID string) (store.Comparison, error) {
	if f.latestComparisonFn != nil {
		return f.latestComparisonFn(ctx, documentID, proposalID)
	}
	return store.Comparison{}, sql.ErrNoRows
}
func (f *fakeStore) RecordComparison(ctx context.Context, comparison store.Comparison) error {
	if f.recordComparisonFn != nil {
		return f.recordComparisonFn(ctx, comparison)
	}
	return nil
}
func (f *fakeStore) UpsertChangeReviewState(ctx context.Context, state store.ChangeReviewState) error {
	if f.upsertChangeReviewFn != nil {
		return f.upsertChangeReviewFn(ctx, state)
	}
	return nil
}
func (f *fakeStore) ListChangeReviewStates(ctx context.Context, proposalID, fromRef, toRef string) ([]store.ChangeReviewState, error) {
	if f.listChangeReviewStatesFn != nil {
		return f.listChangeReviewStatesFn(ctx, proposalID, fromRef, toRef)
	}
	return nil, nil
}
func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error) { return 1, 1, 0, nil }
func (f *fakeStore) Ping(context.Context) error                           { return nil }

type fakeGit struct {
	getContentByHashFn func(string, string) (gitrepo.Content, error)
	getCommitByHashFn  func(string, string) (store.CommitInfo, error)
	getHeadContentFn   func(string, string) (gitrepo.Content, store.CommitInfo, error)
	historyFn          func(string, string, int) ([]store.CommitInfo, error)
	createTagFn        func(string, string, string) error
	mergeIntoMainFn    func(string, string, string, string) (store.CommitInfo, error)
}

func (f *fakeGit) EnsureDocumentRepo(string, gitrepo.Content, string) error { return nil }
func (f *fakeGit) EnsureBranch(string, string, string) error                { return nil }
func (f *fakeGit) CommitContent(string, string, gitrepo.Content, string, string) (store.CommitInfo, error) {
	return store.CommitInfo{Hash: "abc1234", Author: "Avery", CreatedAt: time.Now()}, nil
}
func (f *fakeGit) GetHeadContent(documentID, branchName string) (gitrepo.Content, store.CommitInfo, error) {
	if f.getHeadContentFn != nil {
		return f.getHeadContentFn(documentID, branchName)
	}
	return gitrepo.Content{Title: "Doc", Subtitle: "Sub"}, store.CommitInfo{Hash: "head123", Author: "Avery", CreatedAt: time.Now()}, nil
}
func (f *fakeGit) History(documentID, branchName string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, branchName, limit)
	}
	return []store.CommitInfo{{Hash: "head123", Message: "Baseline", Author: "Avery", CreatedAt: time.Now()}}, nil
}
func (f *fakeGit) GetContentByHash(documentID, hash string) (gitrepo.Content, error) {
	if f.getContentByHashFn != nil {
		return f.getContentByHashFn(documentID, hash)
	}
	return gitrepo.Content{}, errors.New("unexpected GetContentByHash call")
}
func (f *fakeGit) GetCommitByHash(documentID, hash string) (store.CommitInfo, error) {
	if f.getCommitByHashFn != nil {
		return f.getCommitByHashFn(documentID, hash)
	}
	return store.CommitInfo{Hash: hash, Author: "Avery", CreatedAt: time.Now()}, nil
}
func (f *fakeGit) CreateTag(documentID, hash, name string) error {
	if f.createTagFn != nil {
		return f.createTagFn(documentID, hash, name)
	}
	return nil
}
func (f *fakeGit) MergeIntoMain(documentID, sourceBranch, author, message string) (store.CommitInfo, error) {
	if f.mergeIntoMainFn != nil {
		return f.mergeIntoMainFn(documentID, sourceBranch, author, message)
	}
	return store.CommitInfo{Hash: "merge12", Author: author, CreatedAt: time.Now(), Message: message}, nil
}

func newTestService(t *testing.T, fs *fakeStore, fg *fakeGit) *Service {
	t.Helper()
	workflow, err := workflowGraph("")
	if err != nil {
		t.Fatalf("workflowGraph() error = %v", err)
	}
	return &Service{
		cfg:      config.Config{},
		store:    fs,
		git:      fg,
		workflow: workflow,
		tracker:  review.NewTracker(fs),
	}
}

func proposalFixture() func(context.Context, string) (store.Proposal, error) {
	return func(_ context.Context, proposalID string) (store.Proposal, error) {
		return store.Proposal{
			ID:           proposalID,
			DocumentID:   "doc-1",
			Status:       "UNDER_REVIEW",
			BranchName:   "proposal-doc-1",
			TargetBranch: "main",
			CreatedBy:    "Avery",
		}, nil
	}
}

const beforeDocJSON = `{
	"type":"doc","attrs":{"nodeId":"n-root"},
	"content":[
		{"type":"paragraph","attrs":{"nodeId":"n-windows"},"content":[{"type":"text","text":"Logs are kept for 90 days."}]}
	]
}`

const afterDocJSON = `{
	"type":"doc","attrs":{"nodeId":"n-root"},
	"content":[
		{"type":"paragraph","attrs":{"nodeId":"n-windows"},"content":[{"type":"text","text":"Logs are kept for 30 days."}]}
	]
}`

func compareGit() *fakeGit {
	return &fakeGit{
		getContentByHashFn: func(_, hash string) (gitrepo.Content, error) {
			switch hash {
			case "aaaa111":
				return gitrepo.Content{Title: "Doc", Doc: []byte(beforeDocJSON)}, nil
			case "bbbb222":
				return gitrepo.Content{Title: "Doc", Doc: []byte(afterDocJSON)}, nil
			}
			return gitrepo.Content{}, errors.New("unknown hash " + hash)
		},
	}
}

func TestCompareRecordsComparisonAndAttachesReviewState(t *testing.T) {
	changeID := diff.ChangeID("n-windows", "aaaa111", "bbbb222")
	var recorded store.Comparison
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		recordComparisonFn: func(_ context.Context, comparison store.Comparison) error {
			recorded = comparison
			return nil
		},
		listChangeReviewStatesFn: func(_ context.Context, proposalID, fromRef, toRef string) ([]store.ChangeReviewState, error) {
			return []store.ChangeReviewState{{ChangeID: changeID, ReviewState: "accepted"}}, nil
		},
		listThreadsFn: func(context.Context, string, bool) ([]store.Thread, error) {
			return []store.Thread{{ID: "th_1", AnchorNodeID: "n-windows", Status: "OPEN"}}, nil
		},
	}
	svc := newTestService(t, fs, compareGit())

	payload, err := svc.Compare(context.Background(), "doc-1", "prop-1", "aaaa111", "bbbb222")
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if recorded.FromRef != "aaaa111" || recorded.ToRef != "bbbb222" {
		t.Fatalf("expected comparison recorded, got %+v", recorded)
	}

	changes, ok := payload["changes"].([]diff.Change)
	if !ok || len(changes) != 1 {
		t.Fatalf("expected one change, got %v", payload["changes"])
	}
	change := changes[0]
	if change.ID != changeID || change.Type != diff.Modified {
		t.Fatalf("unexpected change %+v", change)
	}
	if change.ReviewState != diff.Accepted {
		t.Fatalf("expected persisted review state attached, got %s", change.ReviewState)
	}
	if len(change.ThreadIDs) != 1 || change.ThreadIDs[0] != "th_1" {
		t.Fatalf("expected anchored thread attached, got %v", change.ThreadIDs)
	}
}

func TestCompareReportsChangedFields(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	svc := newTestService(t, fs, compareGit())

	payload, err := svc.Compare(context.Background(), "doc-1", "", "aaaa111", "bbbb222")
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	fields, ok := payload["changedFields"].([]map[string]string)
	if !ok || len(fields) != 1 {
		t.Fatalf("expected one changed field, got %v", payload["changedFields"])
	}
	if fields[0]["field"] != "doc" {
		t.Fatalf("expected doc field change, got %v", fields[0])
	}
}

func TestCompareRejectsForeignLineage(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	fg := &fakeGit{
		getContentByHashFn: func(_, hash string) (gitrepo.Content, error) {
			if hash == "aaaa111" {
				return gitrepo.Content{Doc: []byte(beforeDocJSON)}, nil
			}
			return gitrepo.Content{Doc: []byte(`{"type":"doc","attrs":{"nodeId":"n-other"},"content":[]}`)}, nil
		},
	}
	svc := newTestService(t, fs, fg)

	_, err := svc.Compare(context.Background(), "doc-1", "prop-1", "aaaa111", "zzzz999")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INCOMPARABLE_SNAPSHOTS" || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error %+v", domainErr)
	}
}

func TestSetChangeReviewStateStaleConflict(t *testing.T) {
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		latestComparisonFn: func(context.Context, string, string) (store.Comparison, error) {
			return store.Comparison{DocumentID: "doc-1", ProposalID: "prop-1", FromRef: "aaaa111", ToRef: "cccc333"}, nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.SetChangeReviewState(context.Background(), "doc-1", "prop-1", "chg_abc", "Avery", ReviewStateInput{
		FromRef: "aaaa111",
		ToRef:   "bbbb222",
		State:   "accepted",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "STALE_CHANGE" || domainErr.Status != http.StatusConflict {
		t.Fatalf("unexpected error %+v", domainErr)
	}
}

func TestSetChangeReviewStateRejectionNeedsRationale(t *testing.T) {
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		latestComparisonFn: func(context.Context, string, string) (store.Comparison, error) {
			return store.Comparison{FromRef: "aaaa111", ToRef: "bbbb222"}, nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.SetChangeReviewState(context.Background(), "doc-1", "prop-1", "chg_abc", "Avery", ReviewStateInput{
		FromRef: "aaaa111",
		ToRef:   "bbbb222",
		State:   "rejected",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error %+v", domainErr)
	}

	payload, err := svc.SetChangeReviewState(context.Background(), "doc-1", "prop-1", "chg_abc", "Avery", ReviewStateInput{
		FromRef:   "aaaa111",
		ToRef:     "bbbb222",
		State:     "rejected",
		Rationale: "Conflicts with the audit carve-out",
	})
	if err != nil {
		t.Fatalf("SetChangeReviewState() with rationale error = %v", err)
	}
	if payload["reviewState"] != "rejected" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestApproveProposalRoleOrderBlocked(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.ApproveProposalRole(context.Background(), "doc-1", "prop-1", "legal", "Avery", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "APPROVAL_ORDER_BLOCKED" || domainErr.Status != http.StatusConflict {
		t.Fatalf("unexpected error %+v", domainErr)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", domainErr.Details)
	}
	blockers, ok := details["blockers"].([]string)
	if !ok || len(blockers) != 2 {
		t.Fatalf("expected two blocking roles, got %v", details["blockers"])
	}
	if blockers[0] != "architectureCommittee" || blockers[1] != "security" {
		t.Fatalf("unexpected blockers %v", blockers)
	}
}

func TestApproveProposalRoleUnknownRole(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.ApproveProposalRole(context.Background(), "doc-1", "prop-1", "finance", "Avery", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code %s", domainErr.Code)
	}
}

func TestApproveProposalRoleAfterPrerequisites(t *testing.T) {
	approved := map[string]bool{"security": true, "architectureCommittee": true}
	var approvedRole string
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			items := make([]store.Approval, 0, len(approved))
			for role := range approved {
				items = append(items, store.Approval{Role: role, Status: "Approved"})
			}
			return items, nil
		},
		approveRoleFn: func(_ context.Context, _, role, _ string) error {
			approvedRole = role
			return nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	if _, err := svc.ApproveProposalRole(context.Background(), "doc-1", "prop-1", "legal", "Avery", false); err != nil {
		t.Fatalf("ApproveProposalRole() error = %v", err)
	}
	if approvedRole != "legal" {
		t.Fatalf("expected legal persisted, got %q", approvedRole)
	}
}

func TestApproveProposalRoleConcurrentSiblings(t *testing.T) {
	var mu sync.Mutex
	approved := map[string]bool{}
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			mu.Lock()
			defer mu.Unlock()
			items := make([]store.Approval, 0, len(approved))
			for role := range approved {
				items = append(items, store.Approval{Role: role, Status: "Approved"})
			}
			return items, nil
		},
		approveRoleFn: func(_ context.Context, _, role, _ string) error {
			mu.Lock()
			approved[role] = true
			mu.Unlock()
			return nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	roles := []string{"security", "architectureCommittee"}
	errs := make([]error, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			_, errs[i] = svc.ApproveProposalRole(context.Background(), "doc-1", "prop-1", role, "Avery", false)
		}(i, role)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("ApproveProposalRole(%s) error = %v", roles[i], err)
		}
	}

	if _, err := svc.ApproveProposalRole(context.Background(), "doc-1", "prop-1", "legal", "Avery", false); err != nil {
		t.Fatalf("ApproveProposalRole(legal) error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, role := range []string{"security", "architectureCommittee", "legal"} {
		if !approved[role] {
			t.Fatalf("expected %s approved, got %v", role, approved)
		}
	}
}

func TestSubmitProposalMarksDocumentInReview(t *testing.T) {
	var documentStatus string
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		updateDocumentStateFn: func(_ context.Context, _, _, _, status, _ string) error {
			documentStatus = status
			return nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	if _, err := svc.SubmitProposal(context.Background(), "doc-1", "prop-1", false); err != nil {
		t.Fatalf("SubmitProposal() error = %v", err)
	}
	if documentStatus != "In review" {
		t.Fatalf("document status = %q, want %q", documentStatus, "In review")
	}
}

func TestSubmitProposalRejectsMergedProposal(t *testing.T) {
	fs := &fakeStore{
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			return store.Proposal{ID: proposalID, DocumentID: "doc-1", Status: "MERGED"}, nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.SubmitProposal(context.Background(), "doc-1", "prop-1", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error %+v", domainErr)
	}
}

func TestEvaluateMergeGateBlockedDecision(t *testing.T) {
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		listThreadsFn: func(context.Context, string, bool) ([]store.Thread, error) {
			return []store.Thread{{ID: "th_1", Status: "OPEN", AnchorNodeID: "n-windows"}}, nil
		},
	}
	svc := newTestService(t, fs, &fakeGit{})

	payload, err := svc.EvaluateMergeGate(context.Background(), "doc-1", "prop-1", gate.Policy{})
	if err != nil {
		t.Fatalf("EvaluateMergeGate() error = %v", err)
	}
	if payload["allowed"] != false {
		t.Fatalf("expected blocked gate, got %v", payload)
	}
	if payload["pendingApprovals"] != 3 || payload["openThreads"] != 1 {
		t.Fatalf("unexpected counts %v", payload)
	}
	blockers, ok := payload["blockers"].([]gate.Blocker)
	if !ok || len(blockers) != 4 {
		t.Fatalf("expected four blockers, got %v", payload["blockers"])
	}
}

func TestMergeProposalBlockedReturnsDecisionDetails(t *testing.T) {
	mergeCalled := false
	fs := &fakeStore{getProposalFn: proposalFixture()}
	fg := &fakeGit{
		mergeIntoMainFn: func(string, string, string, string) (store.CommitInfo, error) {
			mergeCalled = true
			return store.CommitInfo{}, nil
		},
	}
	svc := newTestService(t, fs, fg)

	workspace, details, err := svc.MergeProposal(context.Background(), "doc-1", "prop-1", "Reese", false, gate.Policy{})
	if err != nil {
		t.Fatalf("MergeProposal() error = %v", err)
	}
	if workspace != nil {
		t.Fatal("expected nil workspace for blocked merge")
	}
	if details == nil || details["allowed"] != false {
		t.Fatalf("expected blocked decision details, got %v", details)
	}
	if mergeCalled {
		t.Fatal("merge must not run when the gate blocks")
	}
}

func TestMergeProposalMergesWhenGateClear(t *testing.T) {
	var mergedBranch string
	var markedProposal string
	var loggedEntry store.DecisionLogEntry
	var documentStatus string
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			return []store.Approval{
				{Role: "security", Status: "Approved"},
				{Role: "architectureCommittee", Status: "Approved"},
				{Role: "legal", Status: "Approved"},
			}, nil
		},
		markProposalMergedFn: func(_ context.Context, proposalID string) error {
			markedProposal = proposalID
			return nil
		},
		insertDecisionLogFn: func(_ context.Context, entry store.DecisionLogEntry) error {
			loggedEntry = entry
			return nil
		},
		updateDocumentStateFn: func(_ context.Context, _, _, _, status, _ string) error {
			documentStatus = status
			return nil
		},
	}
	fg := &fakeGit{
		mergeIntoMainFn: func(_, sourceBranch, author, _ string) (store.CommitInfo, error) {
			mergedBranch = sourceBranch
			return store.CommitInfo{Hash: "merge12", Author: author, CreatedAt: time.Now()}, nil
		},
	}
	svc := newTestService(t, fs, fg)

	workspace, details, err := svc.MergeProposal(context.Background(), "doc-1", "prop-1", "Reese", false, gate.Policy{})
	if err != nil {
		t.Fatalf("MergeProposal() error = %v", err)
	}
	if workspace == nil {
		t.Fatalf("expected workspace payload, details = %v", details)
	}
	if details["allowed"] != true {
		t.Fatalf("expected allowed decision, got %v", details)
	}
	if mergedBranch != "proposal-doc-1" {
		t.Fatalf("expected proposal branch merged, got %q", mergedBranch)
	}
	if markedProposal != "prop-1" {
		t.Fatalf("expected proposal marked merged, got %q", markedProposal)
	}
	if loggedEntry.Outcome != "ACCEPTED" || loggedEntry.CommitHash != "merge12" {
		t.Fatalf("unexpected decision log entry %+v", loggedEntry)
	}
	if documentStatus != "Approved" {
		t.Fatalf("expected document approved, got %q", documentStatus)
	}
}

func TestMergeProposalDeferredChangesPassUnderPolicy(t *testing.T) {
	changeID := diff.ChangeID("n-windows", "aaaa111", "bbbb222")
	fs := &fakeStore{
		getProposalFn: proposalFixture(),
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			return []store.Approval{
				{Role: "security", Status: "Approved"},
				{Role: "architectureCommittee", Status: "Approved"},
				{Role: "legal", Status: "Approved"},
			}, nil
		},
		latestComparisonFn: func(context.Context, string, string) (store.Comparison, error) {
			return store.Comparison{DocumentID: "doc-1", ProposalID: "prop-1", FromRef: "aaaa111", ToRef: "bbbb222"}, nil
		},
		listChangeReviewStatesFn: func(context.Context, string, string, string) ([]store.ChangeReviewState, error) {
			return []store.ChangeReviewState{{ChangeID: changeID, ReviewState: "deferred"}}, nil
		},
	}
	svc := newTestService(t, fs, compareGit())

	workspace, details, err := svc.MergeProposal(context.Background(), "doc-1", "prop-1", "Reese", false, gate.Policy{})
	if err != nil {
		t.Fatalf("MergeProposal() error = %v", err)
	}
	if workspace != nil {
		t.Fatalf("deferred change should block without the policy, details = %v", details)
	}

	workspace, details, err = svc.MergeProposal(context.Background(), "doc-1", "prop-1", "Reese", false, gate.Policy{AllowMergeWithDeferredChanges: true})
	if err != nil {
		t.Fatalf("MergeProposal() with policy error = %v", err)
	}
	if workspace == nil {
		t.Fatalf("deferred change should pass under the policy, details = %v", details)
	}
}

func TestSaveNamedVersionCreatesDeterministicTag(t *testing.T) {
	createTagCalls := 0
	fs := &fakeStore{getProposalFn: proposalFixture()}
	fg := &fakeGit{
		getHeadContentFn: func(_, branchName string) (gitrepo.Content, store.CommitInfo, error) {
			return gitrepo.Content{Title: "Doc"}, store.CommitInfo{Hash: "abc1234", Author: "Avery", CreatedAt: time.Now()}, nil
		},
		createTagFn: func(_, hash, name string) error {
			createTagCalls++
			if name != "nv-partner-review-draft-abc1234" {
				t.Fatalf("unexpected tag name %q", name)
			}
			if hash != "abc1234" {
				t.Fatalf("unexpected tag hash %q", hash)
			}
			return nil
		},
	}
	svc := newTestService(t, fs, fg)

	if _, err := svc.SaveNamedVersion(context.Background(), "doc-1", "prop-1", "Partner Review Draft", "Avery", false); err != nil {
		t.Fatalf("SaveNamedVersion() error = %v", err)
	}
	if createTagCalls != 1 {
		t.Fatalf("expected one tag, got %d", createTagCalls)
	}
}

func TestSaveNamedVersionRequiresName(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	svc := newTestService(t, fs, &fakeGit{})

	_, err := svc.SaveNamedVersion(context.Background(), "doc-1", "prop-1", "   ", "Avery", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code %s", domainErr.Code)
	}
}

func TestHistoryMainBranch(t *testing.T) {
	fg := &fakeGit{
		historyFn: func(_, branch string, _ int) ([]store.CommitInfo, error) {
			if branch != "main" {
				t.Fatalf("expected main branch history, got %s", branch)
			}
			return []store.CommitInfo{{Hash: "a1b2c3d", Message: "Main commit", Author: "Avery", CreatedAt: time.Now()}}, nil
		},
	}
	svc := newTestService(t, &fakeStore{}, fg)

	payload, err := svc.History(context.Background(), "doc-1", "main")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if payload["branch"] != "main" {
		t.Fatalf("unexpected branch %v", payload["branch"])
	}
	commits, ok := payload["commits"].([]map[string]any)
	if !ok || len(commits) != 1 {
		t.Fatalf("unexpected commits %v", payload["commits"])
	}
}

func TestWorkflowGraphPresets(t *testing.T) {
	defaultGraph, err := workflowGraph("")
	if err != nil {
		t.Fatalf("workflowGraph() error = %v", err)
	}
	roles := defaultGraph.Roles()
	if len(roles) != 3 {
		t.Fatalf("expected three roles, got %v", roles)
	}

	parallel, err := workflowGraph("parallel")
	if err != nil {
		t.Fatalf("workflowGraph(parallel) error = %v", err)
	}
	if !parallel.HasRole("legal") {
		t.Fatal("parallel preset lost a role")
	}

	if _, err := workflowGraph("strict-sequential"); err != nil {
		t.Fatalf("workflowGraph(strict-sequential) error = %v", err)
	}
}

func TestListChangeReviewStatesWithoutComparison(t *testing.T) {
	fs := &fakeStore{getProposalFn: proposalFixture()}
	svc := newTestService(t, fs, &fakeGit{})

	payload, err := svc.ListChangeReviewStates(context.Background(), "doc-1", "prop-1")
	if err != nil {
		t.Fatalf("ListChangeReviewStates() error = %v", err)
	}
	items, ok := payload["items"].([]map[string]any)
	if !ok || len(items) != 0 {
		t.Fatalf("expected empty items, got %v", payload["items"])
	}
}

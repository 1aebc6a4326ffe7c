package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"quorum/api/internal/approval"
	"quorum/api/internal/auth"
	"quorum/api/internal/authpw"
	"quorum/api/internal/config"
	"quorum/api/internal/diff"
	"quorum/api/internal/doctree"
	"quorum/api/internal/gate"
	"quorum/api/internal/gitrepo"
	"quorum/api/internal/rbac"
	"quorum/api/internal/review"
	"quorum/api/internal/store"
	"quorum/api/internal/util"
)

// Session is an authenticated caller: the token pair plus the identity
// claims handlers need for authorization decisions.
type Session struct {
	UserID       string
	UserName     string
	Role         string
	IsExternal   bool
	Token        string
	RefreshToken string
	JTI          string
	ExpiresAt    time.Time
}

type WorkspaceContent struct {
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle"`
	Doc      json.RawMessage `json:"doc,omitempty"`
}

type CreateThreadInput struct {
	Text          string          `json:"text"`
	Type          string          `json:"type"`
	Visibility    string          `json:"visibility"`
	Anchor        string          `json:"anchor"`
	AnchorLabel   string          `json:"anchorLabel"`
	AnchorNodeID  string          `json:"anchorNodeId"`
	AnchorOffsets json.RawMessage `json:"anchorOffsets"`
}

type ThreadReplyInput struct {
	Body string `json:"body"`
	Type string `json:"type"`
}

type ResolveThreadInput struct {
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale"`
}

type ReviewStateInput struct {
	FromRef   string `json:"fromRef"`
	ToRef     string `json:"toRef"`
	State     string `json:"state"`
	Rationale string `json:"rationale"`
}

type DecisionLogFilterInput struct {
	ProposalID string
	Outcome    string
	Query      string
	Author     string
	Limit      int
}

var (
	allowedThreadTypes = map[string]struct{}{
		"COMMERCIAL": {},
		"EDITORIAL":  {},
		"GENERAL":    {},
		"LEGAL":      {},
		"QUERY":      {},
		"SECURITY":   {},
		"TECHNICAL":  {},
	}
	allowedThreadOutcomes = map[string]struct{}{
		"ACCEPTED": {},
		"DEFERRED": {},
		"REJECTED": {},
	}
	allowedThreadVisibility = map[string]struct{}{
		"EXTERNAL": {},
		"INTERNAL": {},
	}
)

type dataStore interface {
	ListDocuments(context.Context) ([]store.Document, error)
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUserWithPassword(context.Context, string, string, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	UpdateDocumentState(context.Context, string, string, string, string, string) error
	CreateProposal(context.Context, store.Proposal, []string) error
	GetProposal(context.Context, string) (store.Proposal, error)
	GetActiveProposal(context.Context, string) (*store.Proposal, error)
	UpdateProposalStatus(context.Context, string, string) error
	MarkProposalMerged(context.Context, string) error
	ListApprovals(context.Context, string) ([]store.Approval, error)
	ApproveRole(context.Context, string, string, string) error
	PendingApprovalCount(context.Context, string) (int, error)
	ListThreads(context.Context, string, bool) ([]store.Thread, error)
	GetThread(context.Context, string, string) (store.Thread, error)
	InsertThread(context.Context, store.Thread) error
	ResolveThread(context.Context, string, string, string, string, string) (bool, error)
	ReopenThread(context.Context, string, string) (bool, error)
	OpenThreadCount(context.Context, string) (int, error)
	InsertAnnotation(context.Context, store.Annotation) error
	ListThreadAnnotations(context.Context, string, string) ([]store.Annotation, error)
	ListAnnotations(context.Context, string, bool) ([]store.Annotation, error)
	InsertDecisionLog(context.Context, store.DecisionLogEntry) error
	ListDecisionLog(context.Context, string, string, int) ([]store.DecisionLogEntry, error)
	ListDecisionLogFiltered(context.Context, string, string, string, string, string, int) ([]store.DecisionLogEntry, error)
	InsertNamedVersion(context.Context, string, string, string, string) error
	ListNamedVersions(context.Context, string) ([]store.NamedVersion, error)
	LatestComparison(context.Context, string, string) (store.Comparison, error)
	RecordComparison(context.Context, store.Comparison) error
	UpsertChangeReviewState(context.Context, store.ChangeReviewState) error
	ListChangeReviewStates(context.Context, string, string, string) ([]store.ChangeReviewState, error)
	SummaryCounts(context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions; Redis in production, Postgres as the
// fallback backend.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type gitService interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) error
	EnsureBranch(string, string, string) error
	CommitContent(string, string, gitrepo.Content, string, string) (store.CommitInfo, error)
	GetHeadContent(string, string) (gitrepo.Content, store.CommitInfo, error)
	History(string, string, int) ([]store.CommitInfo, error)
	GetContentByHash(string, string) (gitrepo.Content, error)
	GetCommitByHash(string, string) (store.CommitInfo, error)
	CreateTag(string, string, string) error
	MergeIntoMain(string, string, string, string) (store.CommitInfo, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	git       gitService
	passwords *authpw.Service
	workflow  *approval.Graph
	tracker   *review.Tracker

	lockMu        sync.Mutex
	approvalLocks map[string]*sync.Mutex
}

// approvalLock returns the mutex serializing approval reads and writes for
// one proposal, so concurrent approvals cannot interleave the order check
// with the write.
func (s *Service) approvalLock(proposalID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.approvalLocks == nil {
		s.approvalLocks = make(map[string]*sync.Mutex)
	}
	lock, ok := s.approvalLocks[proposalID]
	if !ok {
		lock = &sync.Mutex{}
		s.approvalLocks[proposalID] = lock
	}
	return lock
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service) (*Service, error) {
	return newService(cfg, dataStore, dataStore, gitService)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, gitService *gitrepo.Service) (*Service, error) {
	return newService(cfg, dataStore, sessions, gitService)
}

func newService(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, gitService *gitrepo.Service) (*Service, error) {
	workflow, err := workflowGraph(cfg.ApprovalWorkflow)
	if err != nil {
		return nil, fmt.Errorf("configure approval workflow: %w", err)
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		git:       gitService,
		passwords: authpw.NewService(dataStore),
		workflow:  workflow,
		tracker:   review.NewTracker(dataStore),
	}, nil
}

// workflowGraph builds the configured approval workflow. The sequential
// preset lets security and architecture review in parallel and holds legal
// until both have signed off; the parallel preset removes all ordering.
func workflowGraph(preset string) (*approval.Graph, error) {
	stages := []approval.Stage{
		{ID: "security", Roles: []approval.Role{"security"}},
		{ID: "architecture", Roles: []approval.Role{"architectureCommittee"}},
		{ID: "legal", Roles: []approval.Role{"legal"}},
	}
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "parallel":
		return approval.Parallel(stages...)
	case "strict-sequential":
		return approval.Sequential(stages...)
	default:
		stages[2].DependsOn = []approval.StageID{"security", "architecture"}
		return approval.NewGraph(stages)
	}
}

// Bootstrap seeds the workspace with demo documents on an empty database.
// A non-empty catalogue means a previous run already seeded, so it is a
// no-op then.
func (s *Service) Bootstrap(ctx context.Context) error {
	if existing, err := s.store.ListDocuments(ctx); err != nil {
		return err
	} else if len(existing) > 0 {
		return nil
	}
	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	return s.seedWorkspace(ctx, owner)
}

type documentSeed struct {
	ID       string
	Title    string
	Subtitle string
	Status   string
	Doc      string
}

func (s *Service) seedWorkspace(ctx context.Context, owner store.User) error {
	seeds := []documentSeed{
		{
			ID:       "adr-142",
			Title:    "ADR-142: Event Retention Model",
			Subtitle: "Governing retention and fair use across all public and internal event streams.",
			Status:   "In review",
			Doc:      seedDocADR142,
		},
		{
			ID:       "rfc-auth",
			Title:    "RFC: OAuth and Magic Link Session Flow",
			Subtitle: "Authentication and session lifecycle proposal.",
			Status:   "Draft",
			Doc:      seedDocRFCAuth,
		},
	}

	for _, seed := range seeds {
		if err := s.store.InsertDocument(ctx, store.Document{
			ID:        seed.ID,
			Title:     seed.Title,
			Subtitle:  seed.Subtitle,
			Status:    seed.Status,
			UpdatedBy: owner.DisplayName,
		}); err != nil {
			return err
		}
		if err := s.git.EnsureDocumentRepo(seed.ID, gitrepo.Content{
			Title:    seed.Title,
			Subtitle: seed.Subtitle,
			Doc:      json.RawMessage(seed.Doc),
		}, owner.DisplayName); err != nil {
			return err
		}
	}

	activeDoc := seeds[0]
	proposal := store.Proposal{
		ID:           util.NewID("prop"),
		DocumentID:   activeDoc.ID,
		Title:        activeDoc.Title + " review",
		Status:       "UNDER_REVIEW",
		BranchName:   "proposal-" + activeDoc.ID,
		TargetBranch: "main",
		CreatedBy:    owner.DisplayName,
	}
	if err := s.store.CreateProposal(ctx, proposal, rolesAsStrings(s.workflow.Roles())); err != nil {
		return err
	}
	if err := s.git.EnsureBranch(activeDoc.ID, proposal.BranchName, "main"); err != nil {
		return err
	}

	if _, err := s.git.CommitContent(activeDoc.ID, proposal.BranchName, gitrepo.Content{
		Title:    activeDoc.Title,
		Subtitle: activeDoc.Subtitle,
		Doc:      json.RawMessage(seedDocADR142Revised),
	}, owner.DisplayName, "Tighten retention windows and add audit stream carve-out"); err != nil {
		return err
	}

	threadSeeds := []store.Thread{
		{
			ID:           "retention",
			ProposalID:   proposal.ID,
			Anchor:       "Retention > Windows",
			AnchorNodeID: "n-adr142-windows",
			Text:         "The 30-day cut needs sign-off from the data platform team.",
			Status:       "OPEN",
			Author:       "Marcus K.",
		},
		{
			ID:           "audit",
			ProposalID:   proposal.ID,
			Anchor:       "Retention > Audit Streams",
			AnchorNodeID: "n-adr142-audit",
			Text:         "Does the audit carve-out satisfy the compliance hold requirement?",
			Status:       "RESOLVED",
			ResolvedNote: "Resolved by Sarah R. · compliance confirmed 7-year hold.",
			Author:       "Jamie L.",
		},
	}
	for _, thread := range threadSeeds {
		if err := s.store.InsertThread(ctx, thread); err != nil {
			return err
		}
	}

	if err := s.store.ApproveRole(ctx, proposal.ID, "security", "Sarah R."); err != nil {
		return err
	}

	return s.store.InsertDecisionLog(ctx, store.DecisionLogEntry{
		DocumentID: activeDoc.ID,
		ProposalID: proposal.ID,
		ThreadID:   "audit",
		Outcome:    "ACCEPTED",
		Rationale:  "Audit streams keep the 7-year hold; general streams move to 30 days.",
		DecidedBy:  "Sarah R.",
		CommitHash: "seed",
	})
}

// Login resolves (or lazily creates) a user by display name and opens a
// session. Blank names fall back to a generic account.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	displayName := strings.TrimSpace(name)
	if displayName == "" {
		displayName = "User"
	}
	user, err := s.store.EnsureUserByName(ctx, displayName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, input authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, input)
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
	case err != nil:
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) PasswordLogin(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented token is revoked and a
// fresh session issued, so every refresh token is single use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hashed := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hashed)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hashed); err != nil {
		return Session{}, err
	}
	// Session backends that only persist the user id need the profile
	// filled back in from the store.
	if user.DisplayName == "" || user.Role == "" {
		if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
			user = full
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	issuedAt := time.Now()
	session := Session{
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		IsExternal:   user.IsExternal,
		JTI:          util.NewID("jti"),
		ExpiresAt:    issuedAt.Add(s.cfg.AccessTTL),
		RefreshToken: util.NewID("rft") + util.NewID(""),
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  session.JTI,
		Exp:  session.ExpiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	session.Token = token

	refreshExpiry := issuedAt.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(session.RefreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, err
	}
	return session, nil
}

// SessionFromToken validates an access token and rehydrates the session
// from the user record, rejecting tokens whose JTI has been revoked.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI); err != nil {
		return Session{}, err
	} else if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Role:       user.Role,
		IsExternal: user.IsExternal,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes both halves of the session. Failures are swallowed so a
// logout always looks successful to the caller.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ListDocuments returns the catalogue rows, each annotated with the open
// thread count of its active proposal.
func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		openThreads := 0
		if active, err := s.store.GetActiveProposal(ctx, document.ID); err != nil {
			return nil, err
		} else if active != nil {
			if openThreads, err = s.store.OpenThreadCount(ctx, active.ID); err != nil {
				return nil, err
			}
		}
		items = append(items, map[string]any{
			"id":          document.ID,
			"title":       document.Title,
			"status":      document.Status,
			"updatedBy":   document.UpdatedBy,
			"openThreads": openThreads,
		})
	}
	return items, nil
}

func (s *Service) GetDocumentSummary(ctx context.Context, documentID string) (map[string]any, error) {
	summaries, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for _, summary := range summaries {
		if summary["id"] == documentID {
			return summary, nil
		}
	}
	return nil, sql.ErrNoRows
}

// openProposal writes a draft proposal row with the workflow's approval
// slots and branches the document repo for it.
func (s *Service) openProposal(ctx context.Context, documentID, title, userName string) (store.Proposal, error) {
	proposal := store.Proposal{
		ID:           util.NewID("prop"),
		DocumentID:   documentID,
		Title:        title,
		Status:       "DRAFT",
		BranchName:   "proposal-" + util.NewID(documentID),
		TargetBranch: "main",
		CreatedBy:    userName,
	}
	if err := s.store.CreateProposal(ctx, proposal, rolesAsStrings(s.workflow.Roles())); err != nil {
		return store.Proposal{}, err
	}
	if err := s.git.EnsureBranch(documentID, proposal.BranchName, "main"); err != nil {
		return store.Proposal{}, err
	}
	return proposal, nil
}

// EnsureWorkflowProposal returns the document's active proposal, opening a
// fresh draft when none exists.
func (s *Service) EnsureWorkflowProposal(ctx context.Context, documentID, userName string) (*store.Proposal, error) {
	active, err := s.store.GetActiveProposal(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}
	proposal, err := s.openProposal(ctx, documentID, "New proposal", userName)
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (s *Service) CreateProposal(ctx context.Context, documentID, userName, title string, viewerIsExternal bool) (map[string]any, error) {
	proposalTitle := firstNonBlank(title, "New proposal")
	if _, err := s.openProposal(ctx, documentID, proposalTitle, userName); err != nil {
		return nil, err
	}
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDocumentState(ctx, documentID, firstNonBlank(proposalTitle, document.Title), document.Subtitle, "Draft", userName); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

func (s *Service) CreateDocument(ctx context.Context, title, subtitle, userName string, viewerIsExternal bool) (map[string]any, error) {
	documentTitle := firstNonBlank(title, "Untitled Document")
	documentSubtitle := strings.TrimSpace(subtitle)
	documentID := "doc-" + util.NewID("")[:10]

	if err := s.store.InsertDocument(ctx, store.Document{
		ID:        documentID,
		Title:     documentTitle,
		Subtitle:  documentSubtitle,
		Status:    "Draft",
		UpdatedBy: userName,
	}); err != nil {
		return nil, err
	}
	seed := gitrepo.Content{
		Title:    documentTitle,
		Subtitle: documentSubtitle,
		Doc:      emptySeedDoc(documentID),
	}
	if err := s.git.EnsureDocumentRepo(documentID, seed, userName); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// SaveWorkspace commits the edited content onto the active proposal branch.
// No-op saves (same title, subtitle and normalized tree) produce no commit.
func (s *Service) SaveWorkspace(ctx context.Context, documentID string, content WorkspaceContent, userName string, viewerIsExternal bool) (map[string]any, error) {
	proposal, err := s.EnsureWorkflowProposal(ctx, documentID, userName)
	if err != nil {
		return nil, err
	}
	current, _, err := s.git.GetHeadContent(documentID, proposal.BranchName)
	if err != nil {
		return nil, err
	}

	next := gitrepo.Content{
		Title:    firstNonBlank(content.Title, current.Title),
		Subtitle: firstNonBlank(content.Subtitle, current.Subtitle),
		Doc:      current.Doc,
	}
	if normalized := normalizeDocJSON(content.Doc); len(normalized) > 0 {
		next.Doc = normalized
	}

	if gitrepo.HasChanges(current, next) {
		if _, err := s.git.CommitContent(documentID, proposal.BranchName, next, userName, "Update proposal content"); err != nil {
			return nil, err
		}
		if err := s.store.UpdateDocumentState(ctx, documentID, next.Title, next.Subtitle, "In review", userName); err != nil {
			return nil, err
		}
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

func (s *Service) SubmitProposal(ctx context.Context, documentID, proposalID string, viewerIsExternal bool) (map[string]any, error) {
	proposal, err := s.proposalFor(ctx, documentID, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status == "MERGED" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "proposal is already merged", nil)
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, "UNDER_REVIEW"); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDocumentState(ctx, documentID, doc.Title, doc.Subtitle, "In review", doc.UpdatedBy); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// proposalFor loads proposalID and verifies it belongs to documentID; a
// proposal reached through the wrong document reads as not found.
func (s *Service) proposalFor(ctx context.Context, documentID, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.DocumentID != documentID {
		return store.Proposal{}, sql.ErrNoRows
	}
	return proposal, nil
}

// proposalApprovalState loads persisted approvals into a workflow state for
// the configured graph.
func (s *Service) proposalApprovalState(ctx context.Context, proposalID string) (*approval.State, error) {
	approvals, err := s.store.ListApprovals(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	state := approval.NewState(s.workflow)
	statuses := make(map[approval.Role]approval.Status, len(approvals))
	for _, item := range approvals {
		if strings.EqualFold(strings.TrimSpace(item.Status), string(approval.StatusApproved)) {
			statuses[approval.Role(item.Role)] = approval.StatusApproved
		}
	}
	state.Load(statuses)
	return state, nil
}

func (s *Service) ApproveProposalRole(ctx context.Context, documentID, proposalID, role, userName string, viewerIsExternal bool) (map[string]any, error) {
	role = strings.TrimSpace(role)
	if !s.workflow.HasRole(approval.Role(role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of security, architectureCommittee, legal", nil)
	}
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}

	lock := s.approvalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.proposalApprovalState(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := state.Approve(approval.Role(role)); err != nil {
		var blocked *approval.OrderBlockedError
		if errors.As(err, &blocked) {
			return nil, domainError(http.StatusConflict, "APPROVAL_ORDER_BLOCKED", "Approval order is blocked by unmet prerequisites", map[string]any{
				"role":     role,
				"blockers": rolesAsStrings(blocked.BlockingRoles),
			})
		}
		return nil, err
	}
	if err := s.store.ApproveRole(ctx, proposalID, role, userName); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, "UNDER_REVIEW"); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// Compare diffs two commits of a document and records the ref pair as the
// proposal's latest comparison, so review-state writes can be validated
// against it.
func (s *Service) Compare(ctx context.Context, documentID, proposalID, fromRef, toRef string) (map[string]any, error) {
	if proposalID != "" {
		proposal, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return nil, err
		}
		if proposal.DocumentID != documentID {
			return nil, sql.ErrNoRows
		}
	}

	changes, fromSnapshot, toSnapshot, err := s.computeChanges(documentID, fromRef, toRef)
	if err != nil {
		return nil, err
	}

	if proposalID != "" {
		if err := s.tracker.RecordComparison(ctx, documentID, proposalID, fromRef, toRef); err != nil {
			return nil, err
		}
		changes, err = s.tracker.Attach(ctx, proposalID, changes)
		if err != nil {
			return nil, err
		}
		threads, err := s.store.ListThreads(ctx, proposalID, true)
		if err != nil {
			return nil, err
		}
		attachThreadIDs(changes, threads)
	}

	return map[string]any{
		"documentId":    documentID,
		"proposalId":    nilIfEmpty(proposalID),
		"from":          fromRef,
		"to":            toRef,
		"changedFields": gitrepo.DiffFields(fromSnapshot, toSnapshot),
		"changes":       changes,
		"fromContent":   contentPayload(fromSnapshot),
		"toContent":     contentPayload(toSnapshot),
	}, nil
}

// computeChanges loads both commits, decodes their trees and runs the diff.
// Changes are attributed to the author of the to commit. The raw snapshots
// come back alongside the changes so callers can render contents and the
// coarse changed-fields view.
func (s *Service) computeChanges(documentID, fromRef, toRef string) ([]diff.Change, gitrepo.Content, gitrepo.Content, error) {
	var none gitrepo.Content
	from, err := s.git.GetContentByHash(documentID, fromRef)
	if err != nil {
		return nil, none, none, err
	}
	to, err := s.git.GetContentByHash(documentID, toRef)
	if err != nil {
		return nil, none, none, err
	}

	before, err := doctree.Decode(fromRef, from.Doc)
	if err != nil {
		return nil, none, none, domainError(http.StatusUnprocessableEntity, "INCOMPARABLE_SNAPSHOTS", err.Error(), nil)
	}
	after, err := doctree.Decode(toRef, to.Doc)
	if err != nil {
		return nil, none, none, domainError(http.StatusUnprocessableEntity, "INCOMPARABLE_SNAPSHOTS", err.Error(), nil)
	}

	commitInfo, err := s.git.GetCommitByHash(documentID, toRef)
	if err != nil {
		return nil, none, none, err
	}
	authorName := firstNonBlank(commitInfo.Author, "Unknown")
	changes, err := diff.Compute(before, after, diff.Options{
		Author: diff.Author{
			ID:   "usr_" + shortHash(strings.ToLower(authorName)),
			Name: authorName,
		},
		EditedAt: commitInfo.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, diff.ErrIncomparableSnapshots) {
			return nil, none, none, domainError(http.StatusUnprocessableEntity, "INCOMPARABLE_SNAPSHOTS", "snapshots do not share a document lineage", map[string]any{
				"from": fromRef,
				"to":   toRef,
			})
		}
		return nil, none, none, err
	}

	return changes, from, to, nil
}

func contentPayload(content gitrepo.Content) map[string]any {
	payload := map[string]any{
		"title":    content.Title,
		"subtitle": content.Subtitle,
	}
	if len(content.Doc) > 0 {
		var parsed any
		if err := json.Unmarshal(content.Doc, &parsed); err == nil {
			payload["doc"] = parsed
		}
	}
	return payload
}

// attachThreadIDs links each change to the discussion threads anchored on
// the same node.
func attachThreadIDs(changes []diff.Change, threads []store.Thread) {
	byNode := make(map[string][]string)
	for _, thread := range threads {
		if thread.AnchorNodeID == "" {
			continue
		}
		byNode[thread.AnchorNodeID] = append(byNode[thread.AnchorNodeID], thread.ID)
	}
	for i := range changes {
		if ids, ok := byNode[string(changes[i].Anchor.NodeID)]; ok {
			changes[i].ThreadIDs = append(changes[i].ThreadIDs, ids...)
		}
	}
}

func (s *Service) SetChangeReviewState(ctx context.Context, documentID, proposalID, changeID, userName string, input ReviewStateInput) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}

	state, err := s.tracker.SetState(ctx, review.SetStateInput{
		DocumentID: documentID,
		ProposalID: proposalID,
		ChangeID:   changeID,
		FromRef:    strings.TrimSpace(input.FromRef),
		ToRef:      strings.TrimSpace(input.ToRef),
		State:      diff.ReviewState(strings.ToLower(strings.TrimSpace(input.State))),
		Rationale:  input.Rationale,
		ReviewedBy: userName,
	})
	if err != nil {
		switch {
		case errors.Is(err, review.ErrStaleChange):
			return nil, domainError(http.StatusConflict, "STALE_CHANGE", "change refs no longer match the latest comparison; re-fetch the diff", map[string]any{
				"changeId": changeID,
			})
		case errors.Is(err, review.ErrRationaleRequired):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rationale is required to reject a change", nil)
		case errors.Is(err, review.ErrInvalidState):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be one of pending, accepted, rejected, deferred", nil)
		}
		return nil, err
	}

	return map[string]any{
		"changeId":    state.ChangeID,
		"proposalId":  state.ProposalID,
		"fromRef":     state.FromRef,
		"toRef":       state.ToRef,
		"reviewState": state.ReviewState,
		"rationale":   nilIfEmpty(state.RejectedRationale),
		"reviewedBy":  state.ReviewedBy,
	}, nil
}

func (s *Service) ListChangeReviewStates(ctx context.Context, documentID, proposalID string) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}

	latest, err := s.store.LatestComparison(ctx, documentID, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{
			"proposalId": proposalID,
			"items":      []map[string]any{},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	states, err := s.store.ListChangeReviewStates(ctx, proposalID, latest.FromRef, latest.ToRef)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(states))
	for _, state := range states {
		items = append(items, map[string]any{
			"changeId":    state.ChangeID,
			"reviewState": state.ReviewState,
			"rationale":   nilIfEmpty(state.RejectedRationale),
			"reviewedBy":  nilIfEmpty(state.ReviewedBy),
		})
	}
	return map[string]any{
		"proposalId": proposalID,
		"fromRef":    latest.FromRef,
		"toRef":      latest.ToRef,
		"items":      items,
	}, nil
}

// gateInput assembles one consistent snapshot for the merge gate: pending
// workflow roles, open threads, and the latest comparison's changes with
// their persisted review dispositions attached.
func (s *Service) gateInput(ctx context.Context, documentID, proposalID string, policy gate.Policy) (gate.Input, error) {
	state, err := s.proposalApprovalState(ctx, proposalID)
	if err != nil {
		return gate.Input{}, err
	}

	threads, err := s.store.ListThreads(ctx, proposalID, true)
	if err != nil {
		return gate.Input{}, err
	}
	openThreads := make([]gate.ThreadRef, 0)
	for _, thread := range threads {
		if strings.EqualFold(strings.TrimSpace(thread.Status), "RESOLVED") {
			continue
		}
		openThreads = append(openThreads, gate.ThreadRef{ID: thread.ID, AnchorNodeID: thread.AnchorNodeID})
	}

	changes := []diff.Change{}
	latest, err := s.store.LatestComparison(ctx, documentID, proposalID)
	if err == nil {
		changes, _, _, err = s.computeChanges(documentID, latest.FromRef, latest.ToRef)
		if err != nil {
			return gate.Input{}, err
		}
		changes, err = s.tracker.Attach(ctx, proposalID, changes)
		if err != nil {
			return gate.Input{}, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return gate.Input{}, err
	}

	return gate.Input{
		PendingRoles: state.PendingRoles(),
		OpenThreads:  openThreads,
		Changes:      changes,
		Policy:       policy,
	}, nil
}

func (s *Service) EvaluateMergeGate(ctx context.Context, documentID, proposalID string, policy gate.Policy) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}
	input, err := s.gateInput(ctx, documentID, proposalID, policy)
	if err != nil {
		return nil, err
	}
	return gateDecisionPayload(gate.Evaluate(input), policy), nil
}

func gateDecisionPayload(decision gate.Decision, policy gate.Policy) map[string]any {
	return map[string]any{
		"allowed":          decision.Allowed,
		"pendingApprovals": decision.PendingApprovals,
		"openThreads":      decision.OpenThreads,
		"changeBlockers":   decision.ChangeBlockers,
		"blockers":         decision.Blockers,
		"policy":           policy,
	}
}

// MergeProposal runs the merge gate and, when it passes, lands the proposal
// branch on main and writes the merge decision to the log. When the gate
// blocks, the decision payload comes back with a nil workspace and the
// caller renders MERGE_GATE_BLOCKED.
func (s *Service) MergeProposal(ctx context.Context, documentID, proposalID, userName string, viewerIsExternal bool, policy gate.Policy) (map[string]any, map[string]any, error) {
	proposal, err := s.proposalFor(ctx, documentID, proposalID)
	if err != nil {
		return nil, nil, err
	}

	input, err := s.gateInput(ctx, documentID, proposalID, policy)
	if err != nil {
		return nil, nil, err
	}
	decision := gate.Evaluate(input)
	details := gateDecisionPayload(decision, policy)
	if !decision.Allowed {
		return nil, details, nil
	}

	mergeCommit, err := s.git.MergeIntoMain(documentID, proposal.BranchName, userName, "Merge proposal "+proposalID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.finalizeMerge(ctx, documentID, proposalID, userName, mergeCommit.Hash); err != nil {
		return nil, nil, err
	}

	workspace, err := s.GetWorkspace(ctx, documentID, viewerIsExternal)
	if err != nil {
		return nil, nil, err
	}
	return workspace, details, nil
}

// finalizeMerge records the merged state after the branch lands on main:
// the proposal row, the document status line and the decision log entry.
func (s *Service) finalizeMerge(ctx context.Context, documentID, proposalID, userName, mergeHash string) error {
	if err := s.store.MarkProposalMerged(ctx, proposalID); err != nil {
		return err
	}
	mainContent, _, err := s.git.GetHeadContent(documentID, "main")
	if err != nil {
		return err
	}
	if err := s.store.UpdateDocumentState(ctx, documentID, mainContent.Title, mainContent.Subtitle, "Approved", userName); err != nil {
		return err
	}
	return s.store.InsertDecisionLog(ctx, store.DecisionLogEntry{
		DocumentID: documentID,
		ProposalID: proposalID,
		ThreadID:   "merge",
		Outcome:    "ACCEPTED",
		Rationale:  "Proposal merged after merge gate passed.",
		DecidedBy:  userName,
		CommitHash: mergeHash,
	})
}

func (s *Service) CreateThread(ctx context.Context, documentID, proposalID, userName string, viewerIsExternal bool, input CreateThreadInput) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}

	thread, err := buildThread(proposalID, userName, viewerIsExternal, input)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// buildThread validates the input and assembles the OPEN thread row.
// External viewers may only open EXTERNAL threads.
func buildThread(proposalID, userName string, viewerIsExternal bool, input CreateThreadInput) (store.Thread, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	threadType := normalizeThreadType(input.Type)
	if _, ok := allowedThreadTypes[threadType]; !ok {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid thread type", nil)
	}
	visibility := normalizeThreadVisibility(input.Visibility)
	if _, ok := allowedThreadVisibility[visibility]; !ok {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid thread visibility", nil)
	}
	if viewerIsExternal && visibility != "EXTERNAL" {
		return store.Thread{}, domainError(http.StatusForbidden, "FORBIDDEN", "external users can only create EXTERNAL threads", nil)
	}

	anchorOffsets := normalizeAnchorOffsetsJSON(input.AnchorOffsets)
	if len(anchorOffsets) == 0 {
		anchorOffsets = json.RawMessage(`{}`)
	}
	anchor := strings.TrimSpace(firstNonBlank(input.AnchorLabel, input.Anchor))
	if anchor == "" {
		anchor = "¶ Unanchored"
	}
	return store.Thread{
		ID:            util.NewID("thr"),
		ProposalID:    proposalID,
		Anchor:        anchor,
		AnchorNodeID:  strings.TrimSpace(input.AnchorNodeID),
		AnchorOffsets: string(anchorOffsets),
		Text:          text,
		Status:        "OPEN",
		Visibility:    visibility,
		Type:          threadType,
		Author:        userName,
	}, nil
}

func (s *Service) ReplyThread(ctx context.Context, documentID, proposalID, threadID, userName string, viewerIsExternal bool, input ThreadReplyInput) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, proposalID, threadID)
	if err != nil {
		return nil, err
	}
	if viewerIsExternal && thread.Visibility != "EXTERNAL" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "external users cannot reply to internal threads", nil)
	}

	reply := store.Annotation{
		ID:         util.NewID("ann"),
		ProposalID: proposalID,
		ThreadID:   threadID,
		Author:     userName,
		Body:       strings.TrimSpace(input.Body),
		Type:       normalizeThreadType(input.Type),
	}
	if reply.Body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if _, ok := allowedThreadTypes[reply.Type]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid annotation type", nil)
	}
	if err := s.store.InsertAnnotation(ctx, reply); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

func (s *Service) ResolveThread(ctx context.Context, documentID, proposalID, threadID, userName string, viewerIsExternal bool, input ResolveThreadInput) (map[string]any, error) {
	proposal, err := s.proposalFor(ctx, documentID, proposalID)
	if err != nil {
		return nil, err
	}

	outcome := strings.ToUpper(strings.TrimSpace(input.Outcome))
	if _, ok := allowedThreadOutcomes[outcome]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid resolution outcome", nil)
	}
	rationale := strings.TrimSpace(input.Rationale)
	switch {
	case rationale != "":
	case outcome == "REJECTED":
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rationale is required for REJECTED outcome", nil)
	default:
		rationale = "Thread resolved in proposal flow."
	}

	note := fmt.Sprintf("Resolved by %s · %s", userName, time.Now().Format(time.RFC3339))
	changed, err := s.store.ResolveThread(ctx, proposalID, threadID, userName, note, outcome)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, sql.ErrNoRows
	}

	participants, err := s.threadParticipants(ctx, proposalID, threadID, userName)
	if err != nil {
		return nil, err
	}
	_, headCommit, err := s.git.GetHeadContent(documentID, proposal.BranchName)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertDecisionLog(ctx, store.DecisionLogEntry{
		DocumentID:   documentID,
		ProposalID:   proposalID,
		ThreadID:     threadID,
		Outcome:      outcome,
		Rationale:    rationale,
		DecidedBy:    userName,
		CommitHash:   headCommit.Hash,
		Participants: participants,
	}); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// threadParticipants returns the sorted, deduplicated set of everyone who
// touched the thread, always including extra.
func (s *Service) threadParticipants(ctx context.Context, proposalID, threadID, extra string) ([]string, error) {
	thread, err := s.store.GetThread(ctx, proposalID, threadID)
	if err != nil {
		return nil, err
	}
	annotations, err := s.store.ListThreadAnnotations(ctx, proposalID, threadID)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{extra: {}}
	if thread.Author != "" {
		seen[thread.Author] = struct{}{}
	}
	for _, annotation := range annotations {
		if annotation.Author != "" {
			seen[annotation.Author] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) ReopenThread(ctx context.Context, documentID, proposalID, threadID string, viewerIsExternal bool) (map[string]any, error) {
	if _, err := s.proposalFor(ctx, documentID, proposalID); err != nil {
		return nil, err
	}
	changed, err := s.store.ReopenThread(ctx, proposalID, threadID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, sql.ErrNoRows
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

func (s *Service) DecisionLog(ctx context.Context, documentID string, filters DecisionLogFilterInput) (map[string]any, error) {
	outcome := strings.ToUpper(strings.TrimSpace(filters.Outcome))
	if _, ok := allowedThreadOutcomes[outcome]; outcome != "" && !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid decision outcome filter", nil)
	}
	entries, err := s.store.ListDecisionLogFiltered(
		ctx,
		documentID,
		strings.TrimSpace(filters.ProposalID),
		outcome,
		strings.TrimSpace(filters.Query),
		strings.TrimSpace(filters.Author),
		filters.Limit,
	)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, decisionLogItem(entry))
	}
	return map[string]any{
		"documentId": documentID,
		"items":      items,
	}, nil
}

func decisionLogItem(entry store.DecisionLogEntry) map[string]any {
	return map[string]any{
		"id":           entry.ID,
		"threadId":     entry.ThreadID,
		"proposalId":   nilIfEmpty(entry.ProposalID),
		"outcome":      entry.Outcome,
		"rationale":    entry.Rationale,
		"decidedBy":    entry.DecidedBy,
		"decidedAt":    entry.DecidedAt.Format(time.RFC3339),
		"commitHash":   entry.CommitHash,
		"participants": entry.Participants,
	}
}

func (s *Service) SaveNamedVersion(ctx context.Context, documentID, proposalID, name, userName string, viewerIsExternal bool) (map[string]any, error) {
	label := strings.TrimSpace(name)
	if label == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	proposal, err := s.proposalFor(ctx, documentID, proposalID)
	if err != nil {
		return nil, err
	}
	_, commit, err := s.git.GetHeadContent(documentID, proposal.BranchName)
	if err != nil {
		return nil, err
	}
	if err := s.git.CreateTag(documentID, commit.Hash, buildNamedVersionTagName(label, commit.Hash)); err != nil {
		return nil, err
	}
	if err := s.store.InsertNamedVersion(ctx, proposalID, label, commit.Hash, userName); err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, documentID, viewerIsExternal)
}

// Tag names look like nv-<label-slug>-<hash>, with the slug capped at 48
// characters and the hash at 12.
func buildNamedVersionTagName(label, commitHash string) string {
	slug := labelSlug(label, 48)
	if slug == "" {
		slug = "version"
	}
	hash := hexRunes(commitHash, 12)
	if hash == "" {
		hash = "head"
	}
	return "nv-" + slug + "-" + hash
}

func labelSlug(label string, maxLen int) string {
	var b strings.Builder
	pendingDash := false
	for _, ch := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9'):
			b.WriteRune(ch)
			pendingDash = false
		case !pendingDash:
			b.WriteByte('-')
			pendingDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	return slug
}

func hexRunes(value string, maxLen int) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(value) {
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') {
			b.WriteRune(ch)
		}
	}
	hash := b.String()
	if len(hash) > maxLen {
		hash = hash[:maxLen]
	}
	return hash
}

func (s *Service) History(ctx context.Context, documentID, proposalID string) (map[string]any, error) {
	branch, resolvedProposalID, err := s.historyBranch(ctx, documentID, proposalID)
	if err != nil {
		return nil, err
	}

	commits, err := s.git.History(documentID, branch, 50)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListNamedVersions(ctx, resolvedProposalID)
	if err != nil {
		return nil, err
	}

	commitItems := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		commitItems = append(commitItems, map[string]any{
			"branch":  branch,
			"hash":    commit.Hash,
			"message": commit.Message,
			"meta":    commitMeta(commit),
		})
	}

	versionItems := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		versionItems = append(versionItems, map[string]any{
			"createdAt": version.CreatedAt.Format(time.RFC3339),
			"createdBy": version.CreatedBy,
			"hash":      version.Hash,
			"name":      version.Name,
		})
	}

	return map[string]any{
		"documentId":    documentID,
		"proposalId":    nilIfEmpty(resolvedProposalID),
		"branch":        branch,
		"commits":       commitItems,
		"namedVersions": versionItems,
	}, nil
}

func commitMeta(commit store.CommitInfo) string {
	return fmt.Sprintf("%s · %s", commit.Author, relative(commit.CreatedAt))
}

// historyBranch maps a proposal selector to a branch. "main" and the empty
// selector with no active proposal both land on main.
func (s *Service) historyBranch(ctx context.Context, documentID, proposalID string) (string, string, error) {
	switch {
	case proposalID == "main":
		return "main", "", nil
	case proposalID != "":
		proposal, err := s.proposalFor(ctx, documentID, proposalID)
		if err != nil {
			return "", "", err
		}
		return proposal.BranchName, proposal.ID, nil
	default:
		active, err := s.store.GetActiveProposal(ctx, documentID)
		if err != nil {
			return "", "", err
		}
		if active == nil {
			return "main", "", nil
		}
		return active.BranchName, active.ID, nil
	}
}

func (s *Service) GetWorkspace(ctx context.Context, documentID string, viewerIsExternal bool) (map[string]any, error) {
	document, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	proposal, err := s.store.GetActiveProposal(ctx, documentID)
	if err != nil {
		return nil, err
	}

	branch := "main"
	proposalID := ""
	approvalsMap := make(map[string]string, 3)
	for _, role := range s.workflow.Roles() {
		approvalsMap[string(role)] = string(approval.StatusApproved)
	}
	threads := make([]map[string]any, 0)
	decisions := make([]map[string]any, 0)
	pendingRoles := []approval.Role{}
	openThreads := 0

	if proposal != nil {
		branch = proposal.BranchName
		proposalID = proposal.ID

		state, err := s.proposalApprovalState(ctx, proposal.ID)
		if err != nil {
			return nil, err
		}
		for role, status := range state.Statuses() {
			approvalsMap[string(role)] = string(status)
		}
		pendingRoles = state.PendingRoles()

		threadRows, err := s.store.ListThreads(ctx, proposal.ID, !viewerIsExternal)
		if err != nil {
			return nil, err
		}
		annotationRows, err := s.store.ListAnnotations(ctx, proposal.ID, !viewerIsExternal)
		if err != nil {
			return nil, err
		}
		repliesByThread := make(map[string][]map[string]any)
		for _, annotation := range annotationRows {
			repliesByThread[annotation.ThreadID] = append(repliesByThread[annotation.ThreadID], map[string]any{
				"initials": initials(annotation.Author),
				"author":   annotation.Author,
				"time":     relative(annotation.CreatedAt),
				"text":     annotation.Body,
			})
		}
		for _, thread := range threadRows {
			if thread.Status != "RESOLVED" {
				openThreads++
			}
			threads = append(threads, threadPayload(thread, repliesByThread[thread.ID]))
		}

		decisionRows, err := s.store.ListDecisionLog(ctx, documentID, proposal.ID, 50)
		if err != nil {
			return nil, err
		}
		for _, entry := range decisionRows {
			decisions = append(decisions, map[string]any{
				"date":     entry.DecidedAt.Format("2006-01-02") + " · " + entry.CommitHash,
				"outcome":  entry.Outcome,
				"text":     entry.Rationale,
				"by":       entry.DecidedBy,
				"threadId": entry.ThreadID,
			})
		}
	}

	content, headCommit, err := s.git.GetHeadContent(documentID, branch)
	if err != nil {
		return nil, err
	}
	commits, err := s.git.History(documentID, branch, 25)
	if err != nil {
		return nil, err
	}
	history := make([]map[string]string, 0, len(commits))
	for _, commit := range commits {
		history = append(history, map[string]string{
			"hash":    commit.Hash,
			"meta":    commitMeta(commit),
			"message": commit.Message,
		})
	}

	allDocuments, openReviews, merged, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"document": map[string]any{
			"id":         document.ID,
			"title":      content.Title,
			"subtitle":   content.Subtitle,
			"status":     document.Status,
			"version":    fmt.Sprintf("v%d.0.%d-%s", len(commits), maxInt(0, len(commits)-1), branch),
			"editedBy":   headCommit.Author,
			"editedAt":   relative(headCommit.CreatedAt),
			"branch":     branch + " -> main",
			"proposalId": nilIfEmpty(proposalID),
		},
		"content": map[string]string{
			"title":    content.Title,
			"subtitle": content.Subtitle,
		},
		"doc": content.Doc,
		"counts": map[string]int{
			"allDocuments": allDocuments,
			"openReviews":  openReviews,
			"merged":       merged,
		},
		"approvals": approvalsMap,
		"approvalFlow": map[string]any{
			"order":        rolesAsStrings(s.workflow.Roles()),
			"pendingRoles": rolesAsStrings(pendingRoles),
		},
		"threads":   threads,
		"history":   history,
		"decisions": decisions,
		"mergeGate": map[string]any{
			"pendingApprovals": len(pendingRoles),
			"openThreads":      openThreads,
			"mergeReady":       len(pendingRoles) == 0 && openThreads == 0,
		},
	}, nil
}

func threadPayload(thread store.Thread, replies []map[string]any) map[string]any {
	anchorOffsets := map[string]any{}
	if err := json.Unmarshal([]byte(thread.AnchorOffsets), &anchorOffsets); err != nil {
		anchorOffsets = map[string]any{}
	}
	quote, _ := anchorOffsets["quote"].(string)
	if replies == nil {
		replies = []map[string]any{}
	}
	return map[string]any{
		"id":              thread.ID,
		"initials":        initials(thread.Author),
		"author":          thread.Author,
		"time":            relative(thread.CreatedAt),
		"anchor":          thread.Anchor,
		"anchorNodeId":    thread.AnchorNodeID,
		"anchorOffsets":   anchorOffsets,
		"text":            thread.Text,
		"quote":           nilIfEmpty(strings.TrimSpace(quote)),
		"status":          thread.Status,
		"type":            thread.Type,
		"visibility":      thread.Visibility,
		"resolvedOutcome": nilIfEmpty(thread.ResolvedOutcome),
		"resolvedNote":    nilIfEmpty(thread.ResolvedNote),
		"replies":         replies,
	}
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func rolesAsStrings(roles []approval.Role) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, string(role))
	}
	return out
}

func normalizeThreadType(value string) string {
	return upperOrDefault(value, "GENERAL")
}

func normalizeThreadVisibility(value string) string {
	return upperOrDefault(value, "INTERNAL")
}

func upperOrDefault(value, fallback string) string {
	if normalized := strings.ToUpper(strings.TrimSpace(value)); normalized != "" {
		return normalized
	}
	return fallback
}

// normalizeDocJSON reserializes a document body so semantically equal
// payloads compare byte-equal. Empty or invalid JSON becomes nil.
func normalizeDocJSON(doc json.RawMessage) json.RawMessage {
	var decoded any
	return roundtripJSON(doc, &decoded)
}

// Anchor offsets must be a JSON object; anything else is dropped.
func normalizeAnchorOffsetsJSON(offsets json.RawMessage) json.RawMessage {
	var decoded map[string]any
	return roundtripJSON(offsets, &decoded)
}

func roundtripJSON(raw json.RawMessage, target any) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil
	}
	normalized, err := json.Marshal(target)
	if err != nil {
		return nil
	}
	return normalized
}

func emptySeedDoc(documentID string) json.RawMessage {
	doc := fmt.Sprintf(`{"type":"doc","attrs":{"nodeId":"n-%s-root"},"content":[{"type":"heading","attrs":{"nodeId":"n-%s-title","level":1},"content":[{"type":"text","text":"Untitled Document"}]},{"type":"paragraph","attrs":{"nodeId":"n-%s-intro"},"content":[{"type":"text","text":"Describe the purpose and decision context for this document."}]}]}`, documentID, documentID, documentID)
	return json.RawMessage(doc)
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func relative(value time.Time) string {
	minutes := maxInt(1, int(time.Since(value).Minutes()))
	switch {
	case minutes < 60:
		return fmt.Sprintf("%dm ago", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("%dh ago", minutes/60)
	default:
		return fmt.Sprintf("%dd ago", minutes/(24*60))
	}
}

func initials(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "NA"
	case 1:
		runes := []rune(parts[0])
		if len(runes) == 1 {
			return strings.ToUpper(string(runes))
		}
		return strings.ToUpper(string(runes[:2]))
	default:
		first := []rune(parts[0])[0]
		last := []rune(parts[len(parts)-1])[0]
		return strings.ToUpper(string(first) + string(last))
	}
}

func shortHash(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

const seedDocADR142 = `{"type":"doc","attrs":{"nodeId":"n-adr142-root"},"content":[{"type":"heading","attrs":{"nodeId":"n-adr142-title","level":1},"content":[{"type":"text","text":"ADR-142: Event Retention Model"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-context"},"content":[{"type":"text","text":"Event streams currently retain payloads indefinitely, which drives storage cost and complicates data subject requests."}]},{"type":"heading","attrs":{"nodeId":"n-adr142-windows-h","level":2},"content":[{"type":"text","text":"Retention Windows"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-windows"},"content":[{"type":"text","text":"General event streams retain payloads for 90 days before compaction."}]},{"type":"heading","attrs":{"nodeId":"n-adr142-audit-h","level":2},"content":[{"type":"text","text":"Audit Streams"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-audit"},"content":[{"type":"text","text":"Audit streams follow the same retention as general streams."}]}]}`

const seedDocADR142Revised = `{"type":"doc","attrs":{"nodeId":"n-adr142-root"},"content":[{"type":"heading","attrs":{"nodeId":"n-adr142-title","level":1},"content":[{"type":"text","text":"ADR-142: Event Retention Model"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-context"},"content":[{"type":"text","text":"Event streams currently retain payloads indefinitely, which drives storage cost and complicates data subject requests."}]},{"type":"heading","attrs":{"nodeId":"n-adr142-windows-h","level":2},"content":[{"type":"text","text":"Retention Windows"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-windows"},"content":[{"type":"text","text":"General event streams retain payloads for 30 days before compaction."}]},{"type":"heading","attrs":{"nodeId":"n-adr142-audit-h","level":2},"content":[{"type":"text","text":"Audit Streams"}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-audit"},"content":[{"type":"text","text":"Audit streams are exempt and retain payloads for seven years to satisfy compliance holds."}]},{"type":"paragraph","attrs":{"nodeId":"n-adr142-review"},"content":[{"type":"text","text":"Retention windows are reviewed annually by the data platform team."}]}]}`

const seedDocRFCAuth = `{"type":"doc","attrs":{"nodeId":"n-rfcauth-root"},"content":[{"type":"heading","attrs":{"nodeId":"n-rfcauth-title","level":1},"content":[{"type":"text","text":"RFC: OAuth and Magic Link Session Flow"}]},{"type":"paragraph","attrs":{"nodeId":"n-rfcauth-summary"},"content":[{"type":"text","text":"Proposes replacing long-lived API keys with short-lived OAuth sessions and magic link sign-in."}]}]}`

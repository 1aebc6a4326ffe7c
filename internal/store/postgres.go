package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the relational half of persistence. Document bodies live
// in per-document git repos; everything reviewable (proposals, approvals,
// threads, decisions) lives here.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec wraps ExecContext, labelling failures with the operation name.
func (s *PostgresStore) exec(ctx context.Context, label, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// execChanged reports whether the statement touched at least one row.
func (s *PostgresStore) execChanged(ctx context.Context, label, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", label, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", label, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) countRows(ctx context.Context, label, query string, args ...any) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", label, err)
	}
	return count, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, is_external FROM users WHERE display_name = $1`,
		name,
	).Scan(&user.ID, &user.DisplayName, &user.IsExternal)
	switch {
	case err == nil:
		return s.withRole(ctx, user)
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.quorum.dev'))
		RETURNING id, display_name, is_external
	`, name).Scan(&user.ID, &user.DisplayName, &user.IsExternal)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := s.grantDefaultRole(ctx, user.ID); err != nil {
		return User{}, err
	}
	user.Role = "editor"
	return user, nil
}

// grantDefaultRole gives a fresh account the editor membership. Existing
// memberships are left alone.
func (s *PostgresStore) grantDefaultRole(ctx context.Context, userID string) error {
	return s.exec(ctx, "upsert membership", `
		INSERT INTO workspace_memberships (user_id, role)
		VALUES ($1, 'editor')
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
}

func (s *PostgresStore) withRole(ctx context.Context, user User) (User, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM workspace_memberships WHERE user_id=$1`, user.ID,
	).Scan(&role)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		user.Role = "viewer"
	case err != nil:
		return User{}, fmt.Errorf("read role: %w", err)
	default:
		user.Role = role
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, is_external FROM users WHERE id=$1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	return s.withRole(ctx, user)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), is_external
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	return s.withRole(ctx, user)
}

func (s *PostgresStore) CreateUserWithPassword(ctx context.Context, displayName, email, passwordHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash)
		VALUES ($1, LOWER($2), $3)
		RETURNING id, display_name, email, is_external
	`, displayName, email, passwordHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := s.grantDefaultRole(ctx, user.ID); err != nil {
		return User{}, err
	}
	user.Role = "editor"
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return s.exec(ctx, "save refresh session", `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, wm.role, u.is_external
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN workspace_memberships wm ON wm.user_id = u.id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Role, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return s.exec(ctx, "revoke refresh session",
		`UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	return s.exec(ctx, "revoke access token", `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const documentColumns = `id, title, subtitle, status, updated_by_name, updated_at`

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	err := row.Scan(&item.ID, &item.Title, &item.Subtitle, &item.Status, &item.UpdatedBy, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	return s.exec(ctx, "insert document", `
		INSERT INTO documents (id, title, subtitle, status, updated_by_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Subtitle, item.Status, item.UpdatedBy)
}

func (s *PostgresStore) UpdateDocumentState(ctx context.Context, documentID, title, subtitle, status, updatedBy string) error {
	return s.exec(ctx, "update document state", `
		UPDATE documents
		SET title=$2, subtitle=$3, status=$4, updated_by_name=$5, updated_at=NOW()
		WHERE id=$1
	`, documentID, title, subtitle, status, updatedBy)
}

const proposalColumns = `id, document_id, title, status, branch_name, target_branch, created_by_name, created_at`

func scanProposal(row rowScanner) (Proposal, error) {
	var item Proposal
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Title,
		&item.Status,
		&item.BranchName,
		&item.TargetBranch,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	return item, err
}

// GetActiveProposal returns the newest draft or in-review proposal of the
// document, or nil when the document has none.
func (s *PostgresStore) GetActiveProposal(ctx context.Context, documentID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE document_id=$1 AND status IN ('DRAFT', 'UNDER_REVIEW')
		ORDER BY created_at DESC
		LIMIT 1
	`, documentID)
	item, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active proposal: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	return scanProposal(row)
}

// CreateProposal inserts the proposal and seeds a Pending approval row for
// every role of the configured workflow.
func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal, roles []string) error {
	err := s.exec(ctx, "create proposal", `
		INSERT INTO proposals (id, document_id, title, status, branch_name, target_branch, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, proposal.ID, proposal.DocumentID, proposal.Title, proposal.Status, proposal.BranchName, proposal.TargetBranch, proposal.CreatedBy)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if err := s.exec(ctx, "seed approvals", `
			INSERT INTO approvals (proposal_id, role, status)
			VALUES ($1, $2, 'Pending')
			ON CONFLICT (proposal_id, role) DO NOTHING
		`, proposal.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	return s.exec(ctx, "update proposal status",
		`UPDATE proposals SET status=$2 WHERE id=$1`, proposalID, status)
}

func (s *PostgresStore) MarkProposalMerged(ctx context.Context, proposalID string) error {
	return s.exec(ctx, "mark proposal merged",
		`UPDATE proposals SET status='MERGED', merged_at=NOW() WHERE id=$1`, proposalID)
}

func (s *PostgresStore) ListApprovals(ctx context.Context, proposalID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, status, COALESCE(approved_by_name, ''), approved_at
		FROM approvals
		WHERE proposal_id=$1
		ORDER BY role ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.Role, &item.Status, &item.ApprovedBy, &item.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ApproveRole(ctx context.Context, proposalID, role, approvedBy string) error {
	return s.exec(ctx, "approve role", `
		INSERT INTO approvals (proposal_id, role, status, approved_by_name, approved_at)
		VALUES ($1, $2, 'Approved', $3, NOW())
		ON CONFLICT (proposal_id, role)
		DO UPDATE SET status='Approved', approved_by_name=EXCLUDED.approved_by_name, approved_at=NOW()
	`, proposalID, role, approvedBy)
}

func (s *PostgresStore) PendingApprovalCount(ctx context.Context, proposalID string) (int, error) {
	return s.countRows(ctx, "count pending approvals",
		`SELECT COUNT(*) FROM approvals WHERE proposal_id=$1 AND status <> 'Approved'`, proposalID)
}

const threadColumns = `id, proposal_id, anchor_label, COALESCE(anchor_node_id, ''), COALESCE(anchor_offsets_json::text, '{}'), body, status, visibility, type, COALESCE(resolved_outcome, ''), COALESCE(resolved_note, ''), created_by_name, created_at`

func scanThread(row rowScanner) (Thread, error) {
	var item Thread
	err := row.Scan(
		&item.ID,
		&item.ProposalID,
		&item.Anchor,
		&item.AnchorNodeID,
		&item.AnchorOffsets,
		&item.Text,
		&item.Status,
		&item.Visibility,
		&item.Type,
		&item.ResolvedOutcome,
		&item.ResolvedNote,
		&item.Author,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListThreads(ctx context.Context, proposalID string, includeInternal bool) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE proposal_id=$1
		  AND ($2::boolean OR visibility='EXTERNAL')
		ORDER BY created_at ASC
	`, proposalID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, proposalID, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE proposal_id=$1 AND id=$2
	`, proposalID, threadID)
	return scanThread(row)
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	return s.exec(ctx, "insert thread", `
		INSERT INTO threads (id, proposal_id, anchor_label, anchor_node_id, anchor_offsets_json, body, status, visibility, type, created_by_name)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6, $7, $8, $9, $10)
	`, thread.ID, thread.ProposalID, thread.Anchor, thread.AnchorNodeID,
		defaultString(thread.AnchorOffsets, "{}"),
		thread.Text,
		defaultString(thread.Status, "OPEN"),
		defaultString(thread.Visibility, "INTERNAL"),
		defaultString(thread.Type, "GENERAL"),
		thread.Author)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (s *PostgresStore) ResolveThread(ctx context.Context, proposalID, threadID, resolvedBy, resolvedNote, outcome string) (bool, error) {
	return s.execChanged(ctx, "resolve thread", `
		UPDATE threads
		SET status='RESOLVED', resolved_by_name=$3, resolved_at=NOW(), resolved_note=$4, resolved_outcome=$5, updated_at=NOW()
		WHERE proposal_id=$1 AND id=$2 AND status <> 'RESOLVED'
	`, proposalID, threadID, resolvedBy, resolvedNote, outcome)
}

func (s *PostgresStore) ReopenThread(ctx context.Context, proposalID, threadID string) (bool, error) {
	return s.execChanged(ctx, "reopen thread", `
		UPDATE threads
		SET status='OPEN', resolved_by_name=NULL, resolved_at=NULL, resolved_note=NULL, resolved_outcome=NULL, updated_at=NOW()
		WHERE proposal_id=$1 AND id=$2 AND status='RESOLVED'
	`, proposalID, threadID)
}

func (s *PostgresStore) OpenThreadCount(ctx context.Context, proposalID string) (int, error) {
	return s.countRows(ctx, "count open threads",
		`SELECT COUNT(*) FROM threads WHERE proposal_id=$1 AND status <> 'RESOLVED'`, proposalID)
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) error {
	return s.exec(ctx, "insert annotation", `
		INSERT INTO annotations (id, proposal_id, thread_id, created_by_name, body, type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, annotation.ID, annotation.ProposalID, annotation.ThreadID, annotation.Author, annotation.Body,
		defaultString(annotation.Type, "GENERAL"))
}

func (s *PostgresStore) ListThreadAnnotations(ctx context.Context, proposalID, threadID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, thread_id, created_by_name, body, type, created_at
		FROM annotations
		WHERE proposal_id=$1 AND thread_id=$2
		ORDER BY created_at ASC
	`, proposalID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread annotations: %w", err)
	}
	defer rows.Close()
	return scanAnnotations(rows)
}

// ListAnnotations joins through threads so the visibility filter applies to
// replies the same way it applies to their threads.
func (s *PostgresStore) ListAnnotations(ctx context.Context, proposalID string, includeInternal bool) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.proposal_id, a.thread_id, a.created_by_name, a.body, a.type, a.created_at
		FROM annotations a
		JOIN threads t ON t.id = a.thread_id AND t.proposal_id = a.proposal_id
		WHERE a.proposal_id=$1
		  AND ($2::boolean OR t.visibility='EXTERNAL')
		ORDER BY a.created_at ASC
	`, proposalID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()
	return scanAnnotations(rows)
}

func scanAnnotations(rows *sql.Rows) ([]Annotation, error) {
	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.ThreadID, &item.Author, &item.Body, &item.Type, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDecisionLog(ctx context.Context, entry DecisionLogEntry) error {
	participants := entry.Participants
	if participants == nil {
		participants = []string{}
	}
	return s.exec(ctx, "insert decision log", `
		INSERT INTO decision_log (document_id, proposal_id, thread_id, outcome, rationale, decided_by_name, commit_hash, participants)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
	`, entry.DocumentID, entry.ProposalID, entry.ThreadID, entry.Outcome, entry.Rationale, entry.DecidedBy, entry.CommitHash, participants)
}

func (s *PostgresStore) ListDecisionLog(ctx context.Context, documentID, proposalID string, limit int) ([]DecisionLogEntry, error) {
	return s.ListDecisionLogFiltered(ctx, documentID, proposalID, "", "", "", limit)
}

// ListDecisionLogFiltered applies every non-empty filter; empty strings
// match everything. The limit is clamped to (0, 200].
func (s *PostgresStore) ListDecisionLogFiltered(ctx context.Context, documentID, proposalID, outcome, query, author string, limit int) ([]DecisionLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(proposal_id, ''), thread_id, outcome, rationale, decided_by_name, decided_at, commit_hash, participants
		FROM decision_log
		WHERE document_id=$1
		  AND ($2 = '' OR proposal_id=$2)
		  AND ($3 = '' OR outcome=$3)
		  AND ($4 = '' OR rationale ILIKE '%' || $4 || '%')
		  AND ($5 = '' OR decided_by_name ILIKE '%' || $5 || '%')
		ORDER BY decided_at DESC
		LIMIT $6
	`, documentID, proposalID, outcome, query, author, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision log: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionLogEntry, 0)
	for rows.Next() {
		var item DecisionLogEntry
		var participants []byte
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.ProposalID,
			&item.ThreadID,
			&item.Outcome,
			&item.Rationale,
			&item.DecidedBy,
			&item.DecidedAt,
			&item.CommitHash,
			&participants,
		); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		item.Participants = parseTextArray(participants)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision log: %w", err)
	}
	return items, nil
}

// parseTextArray decodes a Postgres text[] literal like {a,"b c"}.
func parseTextArray(raw []byte) []string {
	value := string(raw)
	if len(value) < 2 || value[0] != '{' || value[len(value)-1] != '}' {
		return []string{}
	}
	value = value[1 : len(value)-1]
	if value == "" {
		return []string{}
	}
	items := make([]string, 0, 4)
	current := make([]rune, 0, len(value))
	inQuotes := false
	escaped := false
	for _, ch := range value {
		switch {
		case escaped:
			current = append(current, ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inQuotes = !inQuotes
		case ch == ',' && !inQuotes:
			items = append(items, string(current))
			current = current[:0]
		default:
			current = append(current, ch)
		}
	}
	items = append(items, string(current))
	return items
}

func (s *PostgresStore) InsertNamedVersion(ctx context.Context, proposalID, name, hash, createdBy string) error {
	return s.exec(ctx, "insert named version", `
		INSERT INTO named_versions (proposal_id, name, commit_hash, created_by_name)
		VALUES ($1, $2, $3, $4)
	`, proposalID, name, hash, createdBy)
}

func (s *PostgresStore) ListNamedVersions(ctx context.Context, proposalID string) ([]NamedVersion, error) {
	if proposalID == "" {
		return []NamedVersion{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, commit_hash, created_by_name, created_at
		FROM named_versions
		WHERE proposal_id=$1
		ORDER BY created_at DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list named versions: %w", err)
	}
	defer rows.Close()

	items := make([]NamedVersion, 0)
	for rows.Next() {
		var item NamedVersion
		if err := rows.Scan(&item.Name, &item.Hash, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan named version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate named versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RecordComparison(ctx context.Context, comparison Comparison) error {
	return s.exec(ctx, "record comparison", `
		INSERT INTO comparisons (document_id, proposal_id, from_ref, to_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, proposal_id)
		DO UPDATE SET from_ref=EXCLUDED.from_ref, to_ref=EXCLUDED.to_ref, created_at=NOW()
	`, comparison.DocumentID, comparison.ProposalID, comparison.FromRef, comparison.ToRef)
}

func (s *PostgresStore) LatestComparison(ctx context.Context, documentID, proposalID string) (Comparison, error) {
	var item Comparison
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, proposal_id, from_ref, to_ref, created_at
		FROM comparisons
		WHERE document_id=$1 AND proposal_id=$2
	`, documentID, proposalID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.ProposalID,
		&item.FromRef,
		&item.ToRef,
		&item.CreatedAt,
	)
	if err != nil {
		return Comparison{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertChangeReviewState(ctx context.Context, state ChangeReviewState) error {
	return s.exec(ctx, "upsert change review state", `
		INSERT INTO change_review_states (change_id, proposal_id, document_id, from_ref, to_ref, review_state, rejected_rationale, reviewed_by_name, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (proposal_id, change_id)
		DO UPDATE SET review_state=EXCLUDED.review_state,
			rejected_rationale=EXCLUDED.rejected_rationale,
			reviewed_by_name=EXCLUDED.reviewed_by_name,
			reviewed_at=EXCLUDED.reviewed_at,
			from_ref=EXCLUDED.from_ref,
			to_ref=EXCLUDED.to_ref,
			updated_at=NOW()
	`, state.ChangeID, state.ProposalID, state.DocumentID, state.FromRef, state.ToRef, state.ReviewState, state.RejectedRationale, state.ReviewedBy, state.ReviewedAt)
}

func (s *PostgresStore) ListChangeReviewStates(ctx context.Context, proposalID, fromRef, toRef string) ([]ChangeReviewState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_id, proposal_id, document_id, from_ref, to_ref, review_state, COALESCE(rejected_rationale, ''), COALESCE(reviewed_by_name, ''), reviewed_at, created_at, updated_at
		FROM change_review_states
		WHERE proposal_id=$1 AND from_ref=$2 AND to_ref=$3
		ORDER BY change_id ASC
	`, proposalID, fromRef, toRef)
	if err != nil {
		return nil, fmt.Errorf("list change review states: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeReviewState, 0)
	for rows.Next() {
		var item ChangeReviewState
		if err := rows.Scan(
			&item.ID,
			&item.ChangeID,
			&item.ProposalID,
			&item.DocumentID,
			&item.FromRef,
			&item.ToRef,
			&item.ReviewState,
			&item.RejectedRationale,
			&item.ReviewedBy,
			&item.ReviewedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change review state: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change review states: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (int, int, int, error) {
	var allDocuments, openReviews, merged int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM proposals WHERE status IN ('DRAFT', 'UNDER_REVIEW')),
			(SELECT COUNT(*) FROM proposals WHERE status='MERGED')
	`).Scan(&allDocuments, &openReviews, &merged)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return allDocuments, openReviews, merged, nil
}

package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quorum/api/internal/auth"
	"quorum/api/internal/authpw"
	"quorum/api/internal/gate"
	"quorum/api/internal/rbac"
)

// HTTPServer routes the API surface over a single handler. Paths are matched
// on their split segments; anything unmatched falls through to NOT_FOUND.
type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		reply(w, http.StatusNoContent, map[string]any{})
		return
	}

	isGet := r.Method == http.MethodGet || r.Method == http.MethodHead
	switch {
	case isGet && r.URL.Path == "/api/health":
		reply(w, http.StatusOK, map[string]any{"ok": true})
		return
	case isGet && r.URL.Path == "/api/ready":
		s.handleReady(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup":
		s.handleSignup(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin":
		s.handleSignin(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		s.handleSessionProbe(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/login":
		s.handleNameLogin(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh":
		s.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		s.handleLogout(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/documents" {
		switch r.Method {
		case http.MethodGet:
			if !s.authorize(w, session, rbac.ActionRead) {
				return
			}
			items, err := s.service.ListDocuments(r.Context())
			if err != nil {
				replyError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
				return
			}
			reply(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			if !s.authorize(w, session, rbac.ActionWrite) {
				return
			}
			var body struct {
				Title    string `json:"title"`
				Subtitle string `json:"subtitle"`
			}
			if !s.decode(w, r, &body) {
				return
			}
			payload, err := s.service.CreateDocument(r.Context(), body.Title, body.Subtitle, session.UserName, session.IsExternal)
			s.respond(w, payload, err)
		default:
			replyError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" {
		switch parts[1] {
		case "workspace":
			s.handleWorkspace(w, r, session, parts[2])
			return
		case "documents":
			s.handleDocuments(w, r, session, parts[2], parts)
			return
		}
	}

	replyError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	reply(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		replyMapped(w, err)
		return
	}
	reply(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.PasswordLogin(r.Context(), body.Email, body.Password)
	if err != nil {
		replyMapped(w, err)
		return
	}
	reply(w, http.StatusOK, sessionPayload(session))
}

// handleSessionProbe never fails: a missing or bad token reports an
// unauthenticated session rather than an error.
func (s *HTTPServer) handleSessionProbe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		reply(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		reply(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	reply(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleNameLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		replyError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	reply(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		replyError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	reply(w, http.StatusOK, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
	})
}

// handleLogout is best effort and always succeeds.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	reply(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetWorkspace(r.Context(), documentID, session.IsExternal)
		if err != nil {
			log.Printf("workspace load failed for document=%s: %v", documentID, err)
		}
		s.respond(w, payload, err)
	case http.MethodPost:
		if !s.authorize(w, session, rbac.ActionWrite) {
			return
		}
		var payload WorkspaceContent
		if !s.decode(w, r, &payload) {
			return
		}
		updated, err := s.service.SaveWorkspace(r.Context(), documentID, payload, session.UserName, session.IsExternal)
		s.respond(w, updated, err)
	default:
		replyError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		summary, err := s.service.GetDocumentSummary(r.Context(), documentID)
		if err != nil {
			replyMapped(w, err)
			return
		}
		reply(w, http.StatusOK, map[string]any{"document": summary})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodGet {
		query := r.URL.Query()
		switch parts[3] {
		case "history":
			payload, err := s.service.History(r.Context(), documentID, strings.TrimSpace(query.Get("proposalId")))
			s.respond(w, payload, err)
			return
		case "compare":
			from := strings.TrimSpace(query.Get("from"))
			to := strings.TrimSpace(query.Get("to"))
			if from == "" || to == "" {
				replyError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to commit hashes are required", nil)
				return
			}
			payload, err := s.service.Compare(r.Context(), documentID, strings.TrimSpace(query.Get("proposalId")), from, to)
			s.respond(w, payload, err)
			return
		case "decision-log":
			if !s.authorize(w, session, rbac.ActionRead) {
				return
			}
			limit := 50
			if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
				if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
					limit = parsed
				}
			}
			payload, err := s.service.DecisionLog(r.Context(), documentID, DecisionLogFilterInput{
				ProposalID: strings.TrimSpace(query.Get("proposalId")),
				Outcome:    strings.TrimSpace(query.Get("outcome")),
				Query:      strings.TrimSpace(query.Get("q")),
				Author:     strings.TrimSpace(query.Get("author")),
				Limit:      limit,
			})
			s.respond(w, payload, err)
			return
		}
	}

	if len(parts) == 4 && parts[3] == "proposals" && r.Method == http.MethodPost {
		if !s.authorize(w, session, rbac.ActionWrite) {
			return
		}
		var body struct {
			Title string `json:"title"`
		}
		_ = decodeBody(r, &body)
		payload, err := s.service.CreateProposal(r.Context(), documentID, session.UserName, body.Title, session.IsExternal)
		if err != nil {
			replyError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not create proposal", nil)
			return
		}
		reply(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 6 && parts[3] == "proposals" {
		s.handleProposalAction(w, r, session, documentID, parts[4], parts[5], parts)
		return
	}

	replyError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProposalAction(w http.ResponseWriter, r *http.Request, session Session, documentID, proposalID, action string, parts []string) {
	if r.Method == http.MethodGet {
		switch {
		case action == "merge-gate" && len(parts) == 6:
			if !s.authorize(w, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.EvaluateMergeGate(r.Context(), documentID, proposalID, s.gatePolicy(r))
			s.respond(w, payload, err)
		case action == "changes" && len(parts) == 7 && parts[6] == "review-states":
			if !s.authorize(w, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.ListChangeReviewStates(r.Context(), documentID, proposalID)
			s.respond(w, payload, err)
		default:
			replyError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost {
		replyError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch action {
	case "submit":
		if !s.authorize(w, session, rbac.ActionWrite) {
			return
		}
		payload, err := s.service.SubmitProposal(r.Context(), documentID, proposalID, session.IsExternal)
		s.respond(w, payload, err)
		return

	case "approvals":
		if !s.authorize(w, session, rbac.ActionApprove) {
			return
		}
		var body struct {
			Role string `json:"role"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.ApproveProposalRole(r.Context(), documentID, proposalID, body.Role, session.UserName, session.IsExternal)
		s.respond(w, payload, err)
		return

	case "versions":
		if !s.authorize(w, session, rbac.ActionWrite) {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SaveNamedVersion(r.Context(), documentID, proposalID, body.Name, session.UserName, session.IsExternal)
		s.respond(w, payload, err)
		return

	case "merge":
		if !s.authorize(w, session, rbac.ActionApprove) {
			return
		}
		policy := s.defaultGatePolicy()
		if r.ContentLength > 0 {
			var body struct {
				Policy *gate.Policy `json:"policy"`
			}
			if !s.decode(w, r, &body) {
				return
			}
			if body.Policy != nil {
				policy = *body.Policy
			}
		}
		payload, gateDetails, err := s.service.MergeProposal(r.Context(), documentID, proposalID, session.UserName, session.IsExternal, policy)
		if err != nil {
			log.Printf("merge failed for document=%s proposal=%s: %v", documentID, proposalID, err)
			replyMapped(w, err)
			return
		}
		if payload == nil {
			replyError(w, http.StatusConflict, "MERGE_GATE_BLOCKED", "Merge gate blocked", gateDetails)
			return
		}
		reply(w, http.StatusOK, payload)
		return
	}

	if action == "threads" {
		switch {
		case len(parts) == 6:
			if !s.authorize(w, session, rbac.ActionComment) {
				return
			}
			var body CreateThreadInput
			if !s.decode(w, r, &body) {
				return
			}
			body.AnchorLabel = strings.TrimSpace(firstNonBlank(body.AnchorLabel, r.URL.Query().Get("anchorLabel")))
			payload, err := s.service.CreateThread(r.Context(), documentID, proposalID, session.UserName, session.IsExternal, body)
			s.respond(w, payload, err)
			return
		case len(parts) == 8 && parts[7] == "resolve":
			if !s.authorize(w, session, rbac.ActionWrite) {
				return
			}
			var body ResolveThreadInput
			if !s.decode(w, r, &body) {
				return
			}
			payload, err := s.service.ResolveThread(r.Context(), documentID, proposalID, parts[6], session.UserName, session.IsExternal, body)
			s.respond(w, payload, err)
			return
		case len(parts) == 8 && parts[7] == "replies":
			if !s.authorize(w, session, rbac.ActionComment) {
				return
			}
			var body ThreadReplyInput
			if !s.decode(w, r, &body) {
				return
			}
			payload, err := s.service.ReplyThread(r.Context(), documentID, proposalID, parts[6], session.UserName, session.IsExternal, body)
			s.respond(w, payload, err)
			return
		case len(parts) == 8 && parts[7] == "reopen":
			if !s.authorize(w, session, rbac.ActionWrite) {
				return
			}
			payload, err := s.service.ReopenThread(r.Context(), documentID, proposalID, parts[6], session.IsExternal)
			s.respond(w, payload, err)
			return
		}
	}

	if action == "changes" && len(parts) == 8 && parts[7] == "review" {
		if !s.authorize(w, session, rbac.ActionWrite) {
			return
		}
		var body ReviewStateInput
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SetChangeReviewState(r.Context(), documentID, proposalID, parts[6], session.UserName, body)
		s.respond(w, payload, err)
		return
	}

	replyError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) defaultGatePolicy() gate.Policy {
	return gate.Policy{
		AllowMergeWithDeferredChanges:  s.service.cfg.AllowMergeWithDeferredChanges,
		IgnoreFormatOnlyChangesForGate: s.service.cfg.IgnoreFormatOnlyChangesForGate,
	}
}

// gatePolicy starts from the configured defaults and lets the request
// override either knob via query parameter.
func (s *HTTPServer) gatePolicy(r *http.Request) gate.Policy {
	policy := s.defaultGatePolicy()
	if raw := strings.TrimSpace(r.URL.Query().Get("allowDeferred")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			policy.AllowMergeWithDeferredChanges = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("ignoreFormatOnly")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			policy.IgnoreFormatOnlyChangesForGate = parsed
		}
	}
	return policy
}

// respond is the default terminal for handlers: mapped error or 200 payload.
func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		replyMapped(w, err)
		return
	}
	reply(w, http.StatusOK, payload)
}

func (s *HTTPServer) authorize(w http.ResponseWriter, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	replyError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return false
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		replyError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		replyError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			replyError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		replyError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
		"userId":       session.UserID,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(recorder.Header(), s.corsOrigin)
		recorder.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(recorder, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID, r.Method, r.URL.Path, recorder.status, time.Since(started).Milliseconds())
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func reply(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func replyError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	reply(w, status, response)
}

func replyMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	replyError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError translates service errors into the HTTP error contract. Domain
// errors carry their own status and code; everything else collapses to the
// generic buckets.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

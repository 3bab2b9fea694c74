// Package api implements turnloop's REST surface: conversation/message
// history, tool-run inspection and approval, config status/reload, and
// health/metrics. Grounded on the teacher's cmd/*/http handler style (plain
// net/http.ServeMux, handlers as methods on a dependency-holding struct,
// JSON in/out) rather than a generated Goa transport, since this spec's
// endpoint surface is small and stable enough not to warrant codegen.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/authn"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/convstore"
	"github.com/turnloop/turnloop/internal/metrics"
	"github.com/turnloop/turnloop/internal/telemetry"
)

// API bundles the dependencies REST handlers need.
type API struct {
	store     convstore.Store
	cfg       *config.Registry
	verifier  *authn.Verifier
	approvals *approval.Coordinator
	metrics   *metrics.Collectors
	logger    telemetry.Logger
	startedAt time.Time
}

// Deps bundles API's collaborators.
type Deps struct {
	Store     convstore.Store
	Config    *config.Registry
	Verifier  *authn.Verifier
	Approvals *approval.Coordinator
	Metrics   *metrics.Collectors
	Logger    telemetry.Logger
}

// New builds an API.
func New(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = telemetry.Noop{}
	}
	return &API{
		store: d.Store, cfg: d.Config, verifier: d.Verifier, approvals: d.Approvals,
		metrics: d.Metrics, logger: logger, startedAt: time.Now(),
	}
}

// Mount registers every route on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /v1/conversations", a.requireAuth(a.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{id}", a.requireAuth(a.handleGetConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", a.requireAuth(a.handleListMessages))

	mux.HandleFunc("GET /v1/tool-runs", a.requireAuth(a.handleListToolRuns))
	mux.HandleFunc("GET /v1/tool-runs/{id}", a.requireAuth(a.handleGetToolRun))
	mux.HandleFunc("POST /v1/tool-runs/{id}/approve", a.requireAuth(a.handleDecideToolRun(true)))
	mux.HandleFunc("POST /v1/tool-runs/{id}/reject", a.requireAuth(a.handleDecideToolRun(false)))

	mux.HandleFunc("POST /v1/config/reload", a.requireAuth(a.handleConfigReload))
	mux.HandleFunc("GET /v1/config/status", a.requireAuth(a.handleConfigStatus))

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/details", a.handleHealthDetails)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
}

// requireAuth wraps h so it only runs once the Authorization bearer token
// verifies, stashing the resulting Claims on the request context.
func (a *API) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.verifier.FromAuthorizationHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid bearer token")
			return
		}
		h(w, r.WithContext(authn.WithClaims(r.Context(), claims)))
	}
}

type loginRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// handleLogin checks that the request names a subject, then answers 501
// Not Implemented: it mints no bearer token, and the role field is not read.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subject is required")
		return
	}
	writeJSON(w, http.StatusNotImplemented, map[string]string{
		"error": "token minting is delegated to the deployment's identity provider; this endpoint only documents the contract",
	})
}

type createConversationRequest struct {
	DomainID string `json:"domainId"`
	Title    string `json:"title,omitempty"`
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DomainID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "domainId is required")
		return
	}
	if _, err := a.cfg.Domain(req.DomainID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown domain")
		return
	}
	claims, _ := authn.ClaimsFromContext(r.Context())
	conv, err := a.store.CreateConversation(r.Context(), convstore.CreateConversationParams{
		DomainID: req.DomainID, Title: req.Title, CreatorSub: claims.Subject,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.store.LoadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	afterSeq := parseInt64(r.URL.Query().Get("after"), 0)
	msgs, err := a.store.ListMessages(r.Context(), r.PathValue("id"), afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleListToolRuns(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "conversationId query parameter is required")
		return
	}
	runs, err := a.store.ListToolRuns(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetToolRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.LoadToolRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown tool run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type decideToolRunRequest struct {
	Reason string `json:"reason"`
}

// handleDecideToolRun returns a handler approving (approved=true) or
// rejecting a tool run by id, delivering the decision through the same
// Approval Coordinator the WebSocket transport's approve_tool frame uses,
// so REST and WebSocket clients observe one consistent rendezvous.
func (a *API) handleDecideToolRun(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := authn.ClaimsFromContext(r.Context())
		var req decideToolRunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		id := r.PathValue("id")
		if _, err := a.store.LoadToolRun(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "unknown tool run")
			return
		}
		err := a.approvals.Decide(r.Context(), approval.Decision{
			ToolRunID: id, Approved: approved, Reason: req.Reason, DecidedBy: claims.Subject,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"toolRunId": id, "approved": approved})
	}
}

func (a *API) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": a.cfg.SnapshotHash()})
}

func (a *API) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"hash": a.cfg.SnapshotHash()})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptimeSeconds": time.Since(a.startedAt).Seconds(),
		"configHash":   a.cfg.SnapshotHash(),
	})
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// Package admin exposes the local management API: policy and redaction
// CRUD, approval resolution, audit queries, account management, the OAuth
// connect flow, health, and metrics.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustgate/trustgate/internal/adapter/inbound/rpc"
	"github.com/trustgate/trustgate/internal/adapter/outbound/sqlite"
	"github.com/trustgate/trustgate/internal/domain/account"
	"github.com/trustgate/trustgate/internal/domain/audit"
	"github.com/trustgate/trustgate/internal/domain/policy"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/service"
)

// Handler serves the management surface.
type Handler struct {
	policySvc   *service.PolicyService
	rules       policy.RuleStore
	patterns    policy.PatternStore
	approvals   policy.ApprovalStore
	credentials *service.CredentialService
	oauth       *service.OAuthService
	audits      audit.Store
	writer      *service.AuditWriter
	sessions    *rpc.SessionStore
	registry    *provider.Registry
	db          *sqlite.DB
	metrics     *service.Metrics
	logger      *slog.Logger

	validate *validator.Validate

	corsOrigin string
	apiKeyHash string
	version    string
}

// Config wires the handler's collaborators.
type Config struct {
	PolicyService *service.PolicyService
	Rules         policy.RuleStore
	Patterns      policy.PatternStore
	Approvals     policy.ApprovalStore
	Credentials   *service.CredentialService
	OAuth         *service.OAuthService
	Audits        audit.Store
	Writer        *service.AuditWriter
	Sessions      *rpc.SessionStore
	Registry      *provider.Registry
	DB            *sqlite.DB
	Metrics       *service.Metrics
	Logger        *slog.Logger

	CORSOrigin string
	APIKeyHash string
	Version    string
}

// NewHandler creates the management handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		policySvc:   cfg.PolicyService,
		rules:       cfg.Rules,
		patterns:    cfg.Patterns,
		approvals:   cfg.Approvals,
		credentials: cfg.Credentials,
		oauth:       cfg.OAuth,
		audits:      cfg.Audits,
		writer:      cfg.Writer,
		sessions:    cfg.Sessions,
		registry:    cfg.Registry,
		db:          cfg.DB,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		validate:    validator.New(),
		corsOrigin:  cfg.CORSOrigin,
		apiKeyHash:  cfg.APIKeyHash,
		version:     cfg.Version,
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.corsOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{h.corsOrigin},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", apiKeyHeader},
		}))
	}

	r.Get("/health", h.health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIKey(h.apiKeyHash, h.logger))

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.updateRule)
			r.Delete("/{id}", h.deleteRule)
		})

		r.Route("/redaction-patterns", func(r chi.Router) {
			r.Get("/", h.listPatterns)
			r.Post("/", h.createPattern)
			r.Get("/{id}", h.getPattern)
			r.Put("/{id}", h.updatePattern)
			r.Delete("/{id}", h.deletePattern)
		})

		r.Route("/approval-requests", func(r chi.Router) {
			r.Get("/", h.listApprovals)
			r.Get("/{id}", h.getApproval)
			r.Post("/{id}/approve", h.approveRequest)
			r.Post("/{id}/deny", h.denyRequest)
		})

		r.Get("/audit-stats", h.auditStats)
		r.Route("/audit-logs", func(r chi.Router) {
			r.Get("/", h.queryAudit)
			r.Get("/recent", h.recentAudit)
			r.Get("/{id}", h.getAuditEntry)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.listAccounts)
			r.Post("/", h.createAccount)
			r.Get("/{id}", h.getAccount)
			r.Put("/{id}", h.updateAccount)
			r.Delete("/{id}", h.deleteAccount)
			r.Post("/{id}/set-primary", h.setPrimary)
		})
	})

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/callback", h.oauthCallback)
		r.Route("/{provider}", func(r chi.Router) {
			r.Use(requireAPIKey(h.apiKeyHash, h.logger))
			r.Get("/start", h.oauthStart)
			r.Get("/status", h.oauthStatus)
			r.Delete("/", h.oauthDisconnect)
		})
	})

	return r
}

// health reports liveness plus basic gauges for the dashboard.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "unavailable"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    h.version,
		"sessions":   h.sessions.Len(),
		"plugins":    h.registry.Len(),
		"database":   dbStatus,
		"auditDrops": h.writer.DroppedEntries(),
	})
}

// ruleRequest is the rule create/update body.
type ruleRequest struct {
	Scope       policy.Scope `json:"scope"`
	Action      string       `json:"action" validate:"required,oneof=ALLOW BLOCK REDACT REQUIRE_APPROVAL"`
	Condition   *policy.Node `json:"condition"`
	Description string       `json:"description"`
	Priority    int          `json:"priority"`
	Enabled     *bool        `json:"enabled"`
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rules == nil {
		rules = []policy.Rule{}
	}
	h.writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	rule := &policy.Rule{
		ID:          uuid.NewString(),
		Scope:       req.Scope,
		Action:      policy.Action(req.Action),
		Condition:   req.Condition,
		Description: req.Description,
		Priority:    req.Priority,
		Enabled:     req.Enabled == nil || *req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.rules.InsertRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	existing, err := h.rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	existing.Scope = req.Scope
	existing.Action = policy.Action(req.Action)
	existing.Condition = req.Condition
	existing.Description = req.Description
	existing.Priority = req.Priority
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := h.rules.UpdateRule(r.Context(), existing); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	h.writeJSON(w, http.StatusOK, existing)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	w.WriteHeader(http.StatusNoContent)
}

// decodeRule parses and validates the rule body, including the predicate
// tree, so malformed conditions never reach the store.
func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (*ruleRequest, bool) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	if req.Condition != nil {
		if err := req.Condition.Validate(); err != nil {
			h.writeJSON(w, http.StatusBadRequest,
				map[string]string{"error": "invalid condition: " + err.Error()})
			return nil, false
		}
	}
	return &req, true
}

// patternRequest is the redaction pattern create/update body.
type patternRequest struct {
	Name        string `json:"name"`
	Regex       string `json:"regex" validate:"required"`
	Replacement string `json:"replacement"`
	Enabled     *bool  `json:"enabled"`
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.patterns.ListPatterns(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []policy.RedactionPattern{}
	}
	h.writeJSON(w, http.StatusOK, patterns)
}

func (h *Handler) createPattern(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePattern(w, r)
	if !ok {
		return
	}
	p := &policy.RedactionPattern{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Regex:       req.Regex,
		Replacement: req.Replacement,
		Enabled:     req.Enabled == nil || *req.Enabled,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.patterns.InsertPattern(r.Context(), p); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) getPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.patterns.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updatePattern(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodePattern(w, r)
	if !ok {
		return
	}
	existing, err := h.patterns.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	existing.Name = req.Name
	existing.Regex = req.Regex
	existing.Replacement = req.Replacement
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if err := h.patterns.UpdatePattern(r.Context(), existing); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	h.writeJSON(w, http.StatusOK, existing)
}

func (h *Handler) deletePattern(w http.ResponseWriter, r *http.Request) {
	if err := h.patterns.DeletePattern(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.reloadPolicies(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodePattern(w http.ResponseWriter, r *http.Request) (*patternRequest, bool) {
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	if _, err := regexp.Compile(req.Regex); err != nil {
		h.writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "invalid regex: " + err.Error()})
		return nil, false
	}
	return &req, true
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := policy.ApprovalStatus(r.URL.Query().Get("status"))
	approvals, err := h.approvals.ListApprovals(r.Context(), status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if approvals == nil {
		approvals = []policy.ApprovalRequest{}
	}
	h.writeJSON(w, http.StatusOK, approvals)
}

func (h *Handler) getApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.approvals.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) approveRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Args map[string]any `json:"args"`
	}
	// An empty body approves with the original arguments.
	_ = json.NewDecoder(r.Body).Decode(&body)

	id := chi.URLParam(r, "id")
	if err := h.approvals.ResolveApproval(r.Context(), id, policy.ApprovalApproved, body.Args); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(policy.ApprovalApproved)})
}

func (h *Handler) denyRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.approvals.ResolveApproval(r.Context(), id, policy.ApprovalDenied, nil); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(policy.ApprovalDenied)})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	f := auditFilters(r)
	entries, err := h.audits.Query(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := h.audits.Count(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (h *Handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	entries, err := h.audits.Query(r.Context(), audit.Filters{Limit: limit})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) auditStats(w http.ResponseWriter, r *http.Request) {
	since := parseTime(r.URL.Query().Get("since"))
	until := parseTime(r.URL.Query().Get("until"))
	stats, err := h.audits.Stats(r.Context(), since, until)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.audits.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func auditFilters(r *http.Request) audit.Filters {
	q := r.URL.Query()
	f := audit.Filters{
		AgentName: q.Get("agent"),
		PluginID:  q.Get("plugin"),
		Category:  q.Get("category"),
		ToolName:  q.Get("tool"),
		Status:    q.Get("status"),
		Action:    q.Get("action"),
		Since:     parseTime(q.Get("since")),
		Until:     parseTime(q.Get("until")),
		Limit:     100,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 1000 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	return f
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.credentials.ListAccounts(r.Context(), r.URL.Query().Get("plugin"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// accountRequest is the manual account create/update body. OAuth-connected
// accounts arrive through the callback instead; this path serves providers
// whose credentials are pasted in (API keys, app passwords).
type accountRequest struct {
	PluginID    string          `json:"pluginId" validate:"required"`
	Email       string          `json:"email" validate:"required,email"`
	DisplayName string          `json:"displayName"`
	Type        string          `json:"type" validate:"omitempty,oneof=oauth2 api_key basic"`
	Credentials account.Payload `json:"credentials" validate:"required"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	credType := account.CredentialType(req.Type)
	if credType == "" {
		credType = account.CredentialAPIKey
	}
	a, err := h.credentials.UpsertAccount(r.Context(), req.PluginID, req.Email,
		req.DisplayName, credType, req.Credentials)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.credentials.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	a, err := h.credentials.UpdateDisplayName(r.Context(), chi.URLParam(r, "id"), req.DisplayName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.credentials.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPrimary(w http.ResponseWriter, r *http.Request) {
	if err := h.credentials.SetPrimary(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.oauth.Start(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// oauthCallback is hit by the user's browser after provider consent, so it
// answers with a human-readable page instead of JSON.
func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		http.Error(w, "authorization failed: "+errCode, http.StatusBadRequest)
		return
	}
	a, err := h.oauth.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.logger.Error("oauth callback failed", "error", err)
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h2>Account connected</h2><p>%s is now available. You can close this window.</p></body></html>", a.Email)
}

func (h *Handler) oauthStatus(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	pluginID, ok := h.oauth.PluginFor(providerName)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}
	accounts, err := h.credentials.ListAccounts(r.Context(), pluginID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"provider":  providerName,
		"connected": len(accounts) > 0,
		"accounts":  accounts,
	})
}

func (h *Handler) oauthDisconnect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	pluginID, ok := h.oauth.PluginFor(providerName)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}
	accounts, err := h.credentials.ListAccounts(r.Context(), pluginID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, a := range accounts {
		if err := h.credentials.DeleteAccount(r.Context(), a.ID); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// reloadPolicies refreshes the engine snapshot after a mutation.
func (h *Handler) reloadPolicies(r *http.Request) {
	if err := h.policySvc.Reload(r.Context()); err != nil {
		h.logger.Error("policy reload failed", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trust.ErrNotFound):
		status = http.StatusNotFound
	case trust.KindOf(err) == trust.KindPolicy, trust.KindOf(err) == trust.KindProtocol:
		status = http.StatusBadRequest
	case trust.KindOf(err) == trust.KindAuth:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("management request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

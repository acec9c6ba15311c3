package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/domain/audit"
	"github.com/trustgate/trustgate/internal/domain/policy"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/session"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// Tool names exposed on the session surface.
const (
	ToolListEmails   = "list_emails"
	ToolReadEmail    = "read_email"
	ToolSendEmail    = "send_email"
	ToolSearchEmails = "search_emails"
)

// ToolSpec describes one tool for tools/list.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCall is one invocation arriving from a session.
type ToolCall struct {
	Name  string
	Args  map[string]any
	Agent session.AgentInfo
}

// ToolResult is the outcome handed back to the session layer. Denied results
// are not errors: the call was processed, the answer is "no".
type ToolResult struct {
	Content    any
	Denied     bool
	Reason     string
	ApprovalID string
}

// Dispatcher runs the full envelope around every tool call: policy
// evaluation, argument and result redaction, routing, and the audit entry.
// Exactly one audit entry is recorded per call, whatever the outcome.
type Dispatcher struct {
	engine  policy.Engine
	router  *Router
	audits  *AuditWriter
	metrics *Metrics
	logger  *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics attaches Prometheus collectors to the dispatch path.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(engine policy.Engine, router *Router, audits *AuditWriter, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{engine: engine, router: router, audits: audits, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the tool specs for tools/list.
func (d *Dispatcher) Catalog() []ToolSpec {
	strProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []ToolSpec{
		{
			Name:        ToolListEmails,
			Description: "List recent emails across all connected accounts, newest first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"max_results": map[string]any{"type": "integer", "description": "Maximum emails to return (default 10, max 500)."},
					"query":       strProp("Optional provider query string."),
					"labels":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"isRead":      map[string]any{"type": "boolean", "description": "Filter by read state."},
				},
			},
		},
		{
			Name:        ToolReadEmail,
			Description: "Read one email by id.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"email_id": strProp("Email id from a previous listing.")},
				"required":   []string{"email_id"},
			},
		},
		{
			Name:        ToolSendEmail,
			Description: "Send an email from the default account, or from a specific account id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"cc":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"bcc":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"subject":    strProp("Message subject."),
					"body":       strProp("Plain-text body."),
					"htmlBody":   strProp("Optional HTML body."),
					"replyTo":    strProp("Optional Reply-To address."),
					"account_id": strProp("Optional account id to send from."),
				},
				"required": []string{"to", "subject", "body"},
			},
		},
		{
			Name:        ToolSearchEmails,
			Description: "Search emails across all connected accounts.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":         strProp("Free-text query."),
					"max_results":   map[string]any{"type": "integer", "description": "Maximum results (default 20, max 500)."},
					"from":          strProp("Sender filter."),
					"to":            strProp("Recipient filter."),
					"subject":       strProp("Subject filter."),
					"hasAttachment": map[string]any{"type": "boolean"},
					"dateFrom":      map[string]any{"type": "integer", "description": "Lower bound, ms since epoch."},
					"dateTo":        map[string]any{"type": "integer", "description": "Upper bound, ms since epoch."},
				},
			},
		},
	}
}

// categoryFor maps a tool to its domain category.
func categoryFor(tool string) provider.Category {
	switch tool {
	case ToolListEmails, ToolReadEmail, ToolSendEmail, ToolSearchEmails:
		return provider.CategoryEmail
	default:
		return ""
	}
}

// Dispatch runs one tool call through the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) (res ToolResult, err error) {
	started := time.Now()
	cat := categoryFor(call.Name)

	entry := audit.Entry{
		ID:           uuid.NewString(),
		Timestamp:    started.UTC(),
		AgentName:    call.Agent.Name,
		AgentVersion: call.Agent.Version,
		Category:     string(cat),
		ToolName:     call.Name,
		InputArgs:    call.Args,
	}
	// The deferred record makes the audit entry unconditional: panics in
	// tool execution surface as error entries, not missing ones.
	defer func() {
		if r := recover(); r != nil {
			err = trust.Errorf(trust.KindInternal, "dispatch", "panic: %v", r)
			entry.Status = audit.StatusError
			entry.ErrorMessage = err.Error()
		}
		entry.ExecutionTimeMs = time.Since(started).Milliseconds()
		d.audits.Record(entry)
		if d.metrics != nil {
			d.metrics.ToolCalls.WithLabelValues(call.Name, entry.Status).Inc()
			d.metrics.ToolLatency.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
			if entry.Decision.Action != "" {
				d.metrics.Decisions.WithLabelValues(entry.Decision.Action).Inc()
			}
		}
	}()

	if cat == "" {
		entry.Status = audit.StatusError
		entry.ErrorMessage = "unknown tool"
		entry.Decision = audit.DecisionInfo{Action: string(policy.ActionBlock), Reason: "unknown tool"}
		return ToolResult{}, trust.Errorf(trust.KindProtocol, "dispatch", "unknown tool %q", call.Name)
	}

	// Before routing the plugin is only known when the category maps to a
	// single one; point reads and sends refine it after resolution.
	entry.PluginID = d.router.PluginHint(cat)

	decision, err := d.engine.Evaluate(ctx, policy.EvaluationContext{
		Tool:         call.Name,
		Plugin:       entry.PluginID,
		Agent:        call.Agent.Name,
		AgentVersion: call.Agent.Version,
		Args:         call.Args,
		Category:     string(cat),
	})
	if err != nil {
		entry.Status = audit.StatusError
		entry.ErrorMessage = err.Error()
		entry.Decision = audit.DecisionInfo{Action: string(policy.ActionBlock), Reason: "policy evaluation failed"}
		return ToolResult{}, err
	}
	entry.Decision = audit.DecisionInfo{
		Action:         string(decision.Action),
		RuleID:         decision.MatchedRuleID,
		RedactedFields: decision.RedactedFields,
		Reason:         decision.Reason,
	}

	switch decision.Action {
	case policy.ActionBlock:
		entry.Status = audit.StatusDenied
		return ToolResult{Denied: true, Reason: decision.Reason}, nil

	case policy.ActionRequireApproval:
		entry.Status = audit.StatusDenied
		return ToolResult{
			Denied:     true,
			Reason:     "approval required: " + decision.Reason,
			ApprovalID: decision.ApprovalID,
		}, nil
	}

	args := call.Args
	if decision.Action == policy.ActionRedact && decision.ModifiedArgs != nil {
		args = decision.ModifiedArgs
	}

	content, summary, execErr := d.execute(ctx, call.Name, cat, args, &entry)
	if execErr != nil {
		entry.Status = audit.StatusError
		entry.ErrorMessage = execErr.Error()
		return ToolResult{}, execErr
	}

	if decision.Action == policy.ActionRedact {
		redacted, fields, redErr := d.engine.RedactResult(ctx, content)
		if redErr != nil {
			entry.Status = audit.StatusError
			entry.ErrorMessage = redErr.Error()
			return ToolResult{}, redErr
		}
		content = redacted
		entry.Decision.RedactedFields = unionPaths(entry.Decision.RedactedFields, fields)
	}

	entry.Status = audit.StatusSuccess
	entry.DataSummary = summary
	return ToolResult{Content: content}, nil
}

// execute routes one allowed call.
func (d *Dispatcher) execute(ctx context.Context, tool string, cat provider.Category, args map[string]any, entry *audit.Entry) (any, string, error) {
	switch tool {
	case ToolListEmails:
		q := provider.ListQuery{
			MaxResults: intArg(args, "max_results"),
			Query:      strArg(args, "query"),
			Labels:     strSliceArg(args, "labels"),
			IsRead:     boolPtrArg(args, "isRead"),
		}
		records, stats, err := d.router.List(ctx, cat, q)
		if err != nil {
			return nil, "", err
		}
		entry.Metadata = fanOutMetadata(stats)
		return map[string]any{"emails": records, "count": len(records)},
			fmt.Sprintf("%d emails", len(records)), nil

	case ToolReadEmail:
		id := strArg(args, "email_id")
		if id == "" {
			return nil, "", trust.Errorf(trust.KindProtocol, "dispatch", "read_email requires email_id")
		}
		rec, pluginID, err := d.router.Read(ctx, id)
		if err != nil {
			return nil, "", err
		}
		entry.PluginID = pluginID
		return map[string]any{"email": rec}, "1 email", nil

	case ToolSendEmail:
		draft := provider.Draft{
			To:       strSliceArg(args, "to"),
			Cc:       strSliceArg(args, "cc"),
			Bcc:      strSliceArg(args, "bcc"),
			Subject:  strArg(args, "subject"),
			Body:     strArg(args, "body"),
			HTMLBody: strArg(args, "htmlBody"),
			ReplyTo:  strArg(args, "replyTo"),
		}
		if len(draft.To) == 0 || draft.Subject == "" || draft.Body == "" {
			return nil, "", trust.Errorf(trust.KindProtocol, "dispatch",
				"send_email requires to, subject and body")
		}
		sentID, fromID, pluginID, err := d.router.Send(ctx, cat, strArg(args, "account_id"), draft)
		if err != nil {
			return nil, "", err
		}
		entry.PluginID = pluginID
		return map[string]any{"id": sentID, "from": fromID, "sent": true},
			"1 email sent", nil

	case ToolSearchEmails:
		q := provider.SearchQuery{
			Query:         strArg(args, "query"),
			MaxResults:    intArg(args, "max_results"),
			From:          strArg(args, "from"),
			To:            strArg(args, "to"),
			Subject:       strArg(args, "subject"),
			HasAttachment: boolPtrArg(args, "hasAttachment"),
			DateFromMs:    int64Arg(args, "dateFrom"),
			DateToMs:      int64Arg(args, "dateTo"),
		}
		records, stats, err := d.router.Search(ctx, cat, q)
		if err != nil {
			return nil, "", err
		}
		entry.Metadata = fanOutMetadata(stats)
		return map[string]any{"emails": records, "count": len(records)},
			fmt.Sprintf("%d results", len(records)), nil
	}
	return nil, "", trust.Errorf(trust.KindProtocol, "dispatch", "unknown tool %q", tool)
}

func fanOutMetadata(stats FanOutStats) map[string]any {
	return map[string]any{
		"accountsQueried": stats.AccountsQueried,
		"accountsFailed":  stats.AccountsFailed,
	}
}

// unionPaths merges two path lists, dropping duplicates.
func unionPaths(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, p := range lists {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Argument coercion: JSON numbers arrive as float64, arrays as []any.

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func int64Arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func boolPtrArg(args map[string]any, key string) *bool {
	if v, ok := args[key].(bool); ok {
		return &v
	}
	return nil
}

func strSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

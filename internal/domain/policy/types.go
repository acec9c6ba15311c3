// Package policy contains domain types for tool-call policy evaluation:
// rules, the persisted predicate tree, redaction patterns, and approvals.
package policy

import "time"

// Action represents the result of a policy rule evaluation.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "ALLOW"
	// ActionBlock terminates the tool call with a denial.
	ActionBlock Action = "BLOCK"
	// ActionRedact rewrites matching string values in args and result.
	ActionRedact Action = "REDACT"
	// ActionRequireApproval files an approval request and denies the call
	// until a human resolves it out of band.
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// Scope restricts which tool calls a rule applies to. Both fields empty
// means the rule is global.
type Scope struct {
	// Category matches calls routed to a plugin category (e.g. "email").
	Category string `json:"category,omitempty"`
	// PluginID matches calls routed to a specific plugin.
	PluginID string `json:"pluginId,omitempty"`
}

// Rule defines a single policy rule.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`
	// Scope restricts the rule to a category or plugin; empty scope is global.
	Scope Scope `json:"scope"`
	// Action is the result when the condition matches.
	Action Action `json:"action"`
	// Condition is the persisted predicate tree evaluated against the
	// call context. A nil condition matches everything.
	Condition *Node `json:"condition"`
	// Description is optional human-readable context, used as the
	// decision reason when present.
	Description string `json:"description,omitempty"`
	// Priority determines evaluation order (higher first); ties broken by
	// ascending id.
	Priority int `json:"priority"`
	// Enabled indicates if this rule is active.
	Enabled bool `json:"enabled"`
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the rule was last modified (UTC).
	UpdatedAt time.Time `json:"updatedAt"`
}

// RedactionPattern is a global-substitution regex applied to string leaves
// of tool arguments and results under ActionRedact.
type RedactionPattern struct {
	// ID is the unique identifier for this pattern.
	ID string `json:"id"`
	// Name is a human-readable label (e.g. "ssn").
	Name string `json:"name"`
	// Regex is the substitution pattern. Invalid patterns are skipped at
	// redaction time, logged, never fatal.
	Regex string `json:"regex"`
	// Replacement substitutes each match. Defaults to "[REDACTED]".
	Replacement string `json:"replacement"`
	// Enabled indicates if this pattern is active.
	Enabled bool `json:"enabled"`
	// CreatedAt is when the pattern was created (UTC).
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultReplacement is used when a pattern specifies no replacement.
const DefaultReplacement = "[REDACTED]"

// ApprovalStatus tracks the lifecycle of an approval request.
// Transitions are monotonic: pending -> approved|denied only.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest is filed when a rule with ActionRequireApproval matches.
// The engine never blocks waiting; requests are resolved by the dashboard.
type ApprovalRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`
	// CreatedAt is when the request was filed (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// PluginID is the plugin the blocked call targeted.
	PluginID string `json:"pluginId"`
	// ToolName is the blocked tool.
	ToolName string `json:"toolName"`
	// Args are the original call arguments.
	Args map[string]any `json:"args"`
	// RuleID is the rule that required approval.
	RuleID string `json:"ruleId"`
	// Status is pending until resolved.
	Status ApprovalStatus `json:"status"`
	// ApprovedArgs optionally carries admin-modified arguments.
	ApprovedArgs map[string]any `json:"approvedArgs,omitempty"`
	// ResolvedAt is when the request left the pending state.
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// EvaluationContext is the context document a rule condition reads from.
type EvaluationContext struct {
	// Tool is the invoked tool name.
	Tool string
	// Plugin is the plugin id the call routes to (may be empty for
	// universal tools before account resolution).
	Plugin string
	// Agent is the agent name from session initialize metadata.
	Agent string
	// AgentVersion is the agent version from session metadata, if sent.
	AgentVersion string
	// Args are the tool call arguments.
	Args map[string]any
	// Category is the domain tag of the tool (e.g. "email").
	Category string
}

// Document flattens the context into the dotted-path namespace the
// predicate language reads: tool, plugin, agent, agentVersion, category,
// and args.<field>.
func (c EvaluationContext) Document() map[string]any {
	return map[string]any{
		"tool":         c.Tool,
		"plugin":       c.Plugin,
		"agent":        c.Agent,
		"agentVersion": c.AgentVersion,
		"category":     c.Category,
		"args":         c.Args,
	}
}

// Decision is the outcome of policy evaluation for one tool call.
type Decision struct {
	// Action is the selected action; the configured default when no rule
	// matched.
	Action Action `json:"action"`
	// MatchedRuleID is the id of the winning rule, empty for the default.
	MatchedRuleID string `json:"matchedRuleId,omitempty"`
	// Reason is the rule description, or the rule id when no description
	// was set.
	Reason string `json:"reason,omitempty"`
	// ApprovalID is the freshly filed approval request id, set only for
	// ActionRequireApproval.
	ApprovalID string `json:"approvalId,omitempty"`
	// ModifiedArgs replaces the caller args under ActionRedact.
	ModifiedArgs map[string]any `json:"-"`
	// RedactedFields lists dotted paths whose value changed during
	// argument redaction.
	RedactedFields []string `json:"redactedFields,omitempty"`
}

// Package audit contains domain types for the append-only audit log.
// Every tool call produces exactly one entry, regardless of outcome.
package audit

import (
	"context"
	"time"
)

// Status constants for audit entries.
const (
	// StatusSuccess indicates the tool executed and returned a result.
	StatusSuccess = "success"
	// StatusDenied indicates the call was blocked or deferred to approval.
	StatusDenied = "denied"
	// StatusError indicates the tool executed but failed.
	StatusError = "error"
)

// DecisionInfo captures the policy outcome embedded in an entry.
type DecisionInfo struct {
	// Action is the policy action that was applied.
	Action string `json:"action"`
	// RuleID is the matched rule, empty for the default action.
	RuleID string `json:"ruleId,omitempty"`
	// RedactedFields is the union of argument and result paths that were
	// rewritten by redaction.
	RedactedFields []string `json:"redactedFields,omitempty"`
	// Reason is the human-readable decision explanation.
	Reason string `json:"reason,omitempty"`
}

// Entry is one append-only audit record. Entries are created at decision
// time and sealed when the tool returns; they are never mutated in place.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the tool call was received (UTC).
	Timestamp time.Time `json:"timestamp"`
	// AgentName is the calling agent, from session initialize metadata.
	AgentName string `json:"agentName"`
	// AgentVersion is the agent version, if the agent sent one.
	AgentVersion string `json:"agentVersion,omitempty"`
	// PluginID is the plugin the call routed to (empty for fan-out tools
	// spanning several plugins).
	PluginID string `json:"pluginId,omitempty"`
	// Category is the domain tag of the tool (authoritative field).
	Category string `json:"category,omitempty"`
	// ToolName is the invoked tool.
	ToolName string `json:"toolName"`
	// InputArgs are the caller-supplied arguments (pre-redaction).
	InputArgs map[string]any `json:"inputArgs,omitempty"`
	// Decision is the policy outcome.
	Decision DecisionInfo `json:"decision"`
	// Status is success, denied, or error.
	Status string `json:"status"`
	// ErrorMessage carries the failure detail for error entries.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// ExecutionTimeMs is the wall-clock dispatch time in milliseconds.
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	// DataSummary is a short human summary of what the tool returned
	// (e.g. "5 emails"), never the payload itself.
	DataSummary string `json:"dataSummary,omitempty"`
	// Metadata carries extras such as fan-out account counts.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Filters narrows audit queries. Zero values match everything.
type Filters struct {
	AgentName string
	PluginID  string
	Category  string
	ToolName  string
	Status    string
	Action    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Stats aggregates entry counts over a window.
type Stats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"byAction"`
	ByStatus map[string]int64 `json:"byStatus"`
	ByPlugin map[string]int64 `json:"byPlugin"`
	ByAgent  map[string]int64 `json:"byAgent"`
}

// Store persists audit entries. Append-only: no update or single delete;
// the only removal path is retention cleanup.
type Store interface {
	// Append writes one or more entries.
	Append(ctx context.Context, entries ...Entry) error
	// Query returns entries matching the filters, newest first.
	Query(ctx context.Context, f Filters) ([]Entry, error)
	// Count returns the number of entries matching the filters.
	Count(ctx context.Context, f Filters) (int64, error)
	// GetByID returns one entry, or trust.ErrNotFound.
	GetByID(ctx context.Context, id string) (*Entry, error)
	// Stats aggregates counts over [since, until); zero times are unbounded.
	Stats(ctx context.Context, since, until time.Time) (*Stats, error)
	// Cleanup removes entries older than the cutoff and reports how many.
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

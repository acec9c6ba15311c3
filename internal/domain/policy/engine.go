package policy

import "context"

// Engine evaluates tool calls against the persisted rule set.
type Engine interface {
	// Evaluate returns the decision for a tool call. Under ActionRedact
	// the decision carries ModifiedArgs; under ActionRequireApproval a
	// freshly filed approval id.
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error)
	// RedactResult applies the enabled patterns to a tool result, returning
	// the redacted copy and the dotted paths that changed.
	RedactResult(ctx context.Context, result any) (any, []string, error)
}

// RuleStore persists policy rules.
type RuleStore interface {
	// ListRules returns all rules ordered by priority descending, id ascending.
	ListRules(ctx context.Context) ([]Rule, error)
	// GetRule returns a rule by id, or trust.ErrNotFound.
	GetRule(ctx context.Context, id string) (*Rule, error)
	// InsertRule stores a new rule.
	InsertRule(ctx context.Context, r *Rule) error
	// UpdateRule rewrites an existing rule.
	UpdateRule(ctx context.Context, r *Rule) error
	// DeleteRule removes a rule by id.
	DeleteRule(ctx context.Context, id string) error
}

// PatternStore persists redaction patterns.
type PatternStore interface {
	// ListPatterns returns all patterns ordered by creation time.
	ListPatterns(ctx context.Context) ([]RedactionPattern, error)
	// GetPattern returns a pattern by id, or trust.ErrNotFound.
	GetPattern(ctx context.Context, id string) (*RedactionPattern, error)
	// InsertPattern stores a new pattern.
	InsertPattern(ctx context.Context, p *RedactionPattern) error
	// UpdatePattern rewrites an existing pattern.
	UpdatePattern(ctx context.Context, p *RedactionPattern) error
	// DeletePattern removes a pattern by id.
	DeletePattern(ctx context.Context, id string) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// InsertApproval files a new pending request.
	InsertApproval(ctx context.Context, a *ApprovalRequest) error
	// GetApproval returns a request by id, or trust.ErrNotFound.
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	// ListApprovals returns requests, optionally filtered by status.
	ListApprovals(ctx context.Context, status ApprovalStatus) ([]ApprovalRequest, error)
	// ResolveApproval transitions a pending request to approved or denied.
	// Resolving an already-resolved request is a policy error.
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, approvedArgs map[string]any) error
}

// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/domain/policy"
	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/pkg/lru"
)

// defaultDecisionCacheSize bounds the ALLOW/BLOCK decision cache.
const defaultDecisionCacheSize = 1000

// compiledPattern is a redaction pattern with its regex pre-compiled.
type compiledPattern struct {
	id          string
	re          *regexp.Regexp
	replacement string
}

// ruleSnapshot is the immutable rule set stored in atomic.Value. Evaluation
// reads one snapshot for its whole pass; reloads swap the pointer.
type ruleSnapshot struct {
	rules    []policy.Rule
	patterns []compiledPattern
}

// PolicyService evaluates tool calls against the persisted rule set.
// First matching rule wins; no rule matching yields the default action.
type PolicyService struct {
	rules     policy.RuleStore
	patterns  policy.PatternStore
	approvals policy.ApprovalStore
	logger    *slog.Logger

	defaultAction policy.Action
	snapshot      atomic.Value // *ruleSnapshot
	cache         *lru.Cache[uint64, policy.Decision]
}

var _ policy.Engine = (*PolicyService)(nil)

// PolicyOption configures a PolicyService.
type PolicyOption func(*PolicyService)

// WithDefaultAction overrides the fail-closed default decision.
func WithDefaultAction(a policy.Action) PolicyOption {
	return func(s *PolicyService) { s.defaultAction = a }
}

// WithDecisionCacheSize overrides the decision cache capacity.
func WithDecisionCacheSize(n int) PolicyOption {
	return func(s *PolicyService) { s.cache = lru.New[uint64, policy.Decision](n, 0) }
}

// NewPolicyService creates the policy engine. Call Reload before first use.
func NewPolicyService(rules policy.RuleStore, patterns policy.PatternStore, approvals policy.ApprovalStore, logger *slog.Logger, opts ...PolicyOption) *PolicyService {
	s := &PolicyService{
		rules:         rules,
		patterns:      patterns,
		approvals:     approvals,
		logger:        logger,
		defaultAction: policy.ActionBlock,
		cache:         lru.New[uint64, policy.Decision](defaultDecisionCacheSize, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(&ruleSnapshot{})
	return s
}

// Reload loads rules and patterns from the store into a fresh snapshot and
// clears the decision cache. Invalid regexes are skipped with a warning,
// never fatal.
func (s *PolicyService) Reload(ctx context.Context) error {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return err
	}
	// The store returns priority-ordered rows; re-sorting keeps the
	// evaluation order independent of the backing implementation.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	raw, err := s.patterns.ListPatterns(ctx)
	if err != nil {
		return err
	}
	compiled := make([]compiledPattern, 0, len(raw))
	for _, p := range raw {
		if !p.Enabled {
			continue
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			s.logger.Warn("skipping invalid redaction pattern",
				"pattern_id", p.ID, "error", err)
			continue
		}
		repl := p.Replacement
		if repl == "" {
			repl = policy.DefaultReplacement
		}
		compiled = append(compiled, compiledPattern{id: p.ID, re: re, replacement: repl})
	}

	s.snapshot.Store(&ruleSnapshot{rules: rules, patterns: compiled})
	s.cache.Purge()
	s.logger.Info("policy rules loaded", "rules", len(rules), "patterns", len(compiled))
	return nil
}

// Evaluate returns the decision for one tool call.
func (s *PolicyService) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	snap := s.snapshot.Load().(*ruleSnapshot)
	key, keyOK := decisionKey(evalCtx)
	if keyOK {
		if d, ok := s.cache.Get(key); ok {
			return d, nil
		}
	}

	doc := evalCtx.Document()
	for i := range snap.rules {
		r := &snap.rules[i]
		if !r.Enabled || !scopeMatches(r.Scope, evalCtx) {
			continue
		}
		if r.Condition != nil && !r.Condition.EvaluateBool(doc) {
			continue
		}
		d, err := s.applyRule(ctx, snap, r, evalCtx)
		if err != nil {
			return policy.Decision{}, err
		}
		// Only context-free outcomes are cacheable: redaction depends on
		// argument content and approvals file fresh requests every time.
		if keyOK && (d.Action == policy.ActionAllow || d.Action == policy.ActionBlock) {
			s.cache.Put(key, d)
		}
		return d, nil
	}

	d := policy.Decision{Action: s.defaultAction, Reason: "no matching rule"}
	if keyOK {
		s.cache.Put(key, d)
	}
	return d, nil
}

// applyRule turns the winning rule into a decision.
func (s *PolicyService) applyRule(ctx context.Context, snap *ruleSnapshot, r *policy.Rule, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	d := policy.Decision{
		Action:        r.Action,
		MatchedRuleID: r.ID,
		Reason:        r.Description,
	}
	if d.Reason == "" {
		d.Reason = r.ID
	}

	switch r.Action {
	case policy.ActionAllow, policy.ActionBlock:
		return d, nil

	case policy.ActionRedact:
		modified, fields := redactValue(evalCtx.Args, snap.patterns, "")
		if m, ok := modified.(map[string]any); ok {
			d.ModifiedArgs = m
		} else {
			d.ModifiedArgs = evalCtx.Args
		}
		d.RedactedFields = fields
		return d, nil

	case policy.ActionRequireApproval:
		req := &policy.ApprovalRequest{
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UTC(),
			PluginID:  evalCtx.Plugin,
			ToolName:  evalCtx.Tool,
			Args:      evalCtx.Args,
			RuleID:    r.ID,
			Status:    policy.ApprovalPending,
		}
		if err := s.approvals.InsertApproval(ctx, req); err != nil {
			return policy.Decision{}, err
		}
		d.ApprovalID = req.ID
		s.logger.Info("approval request filed",
			"approval_id", req.ID, "tool", evalCtx.Tool, "rule_id", r.ID)
		return d, nil

	default:
		return policy.Decision{}, trust.Errorf(trust.KindPolicy, "policy.evaluate",
			"rule %s has unknown action %q", r.ID, r.Action)
	}
}

// RedactResult applies the enabled patterns to a tool result. The result is
// reduced to generic JSON form first so string leaves inside typed records
// are reachable.
func (s *PolicyService) RedactResult(_ context.Context, result any) (any, []string, error) {
	snap := s.snapshot.Load().(*ruleSnapshot)
	if len(snap.patterns) == 0 || result == nil {
		return result, nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, nil, trust.Errorf(trust.KindPolicy, "policy.redact", "serialize result: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, trust.Errorf(trust.KindPolicy, "policy.redact", "reload result: %v", err)
	}
	out, fields := redactValue(generic, snap.patterns, "")
	return out, fields, nil
}

// scopeMatches reports whether a rule's scope covers the call. Empty scope
// fields are wildcards.
func scopeMatches(sc policy.Scope, evalCtx policy.EvaluationContext) bool {
	if sc.Category != "" && sc.Category != evalCtx.Category {
		return false
	}
	if sc.PluginID != "" && sc.PluginID != evalCtx.Plugin {
		return false
	}
	return true
}

// decisionKey hashes the evaluation context. Returns false when the args
// cannot be serialized, in which case the call bypasses the cache.
func decisionKey(evalCtx policy.EvaluationContext) (uint64, bool) {
	args, err := json.Marshal(evalCtx.Args)
	if err != nil {
		return 0, false
	}
	h := xxhash.New()
	h.WriteString(evalCtx.Tool)
	h.WriteString("\x00")
	h.WriteString(evalCtx.Plugin)
	h.WriteString("\x00")
	h.WriteString(evalCtx.Agent)
	h.WriteString("\x00")
	h.WriteString(evalCtx.Category)
	h.WriteString("\x00")
	h.Write(args)
	return h.Sum64(), true
}

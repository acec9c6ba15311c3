package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/trustgate/trustgate/internal/domain/policy"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// PolicyStore persists rules, redaction patterns, and approval requests.
type PolicyStore struct {
	db *sql.DB
}

var (
	_ policy.RuleStore     = (*PolicyStore)(nil)
	_ policy.PatternStore  = (*PolicyStore)(nil)
	_ policy.ApprovalStore = (*PolicyStore)(nil)
)

const ruleCols = `id, category, plugin_id, action, condition, description, priority, enabled, created_at, updated_at`

func (s *PolicyStore) ListRules(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM policy_rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, storeErr("rules.list", err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("rules.list", err)
	}
	return out, nil
}

func (s *PolicyStore) GetRule(ctx context.Context, id string) (*policy.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM policy_rules WHERE id = ?`, id)
	return scanRule(row)
}

func (s *PolicyStore) InsertRule(ctx context.Context, r *policy.Rule) error {
	cond, err := marshalCondition(r.Condition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_rules (`+ruleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scope.Category, r.Scope.PluginID, string(r.Action), cond,
		r.Description, r.Priority, boolInt(r.Enabled), unixMs(r.CreatedAt), unixMs(r.UpdatedAt))
	return storeErr("rules.insert", err)
}

func (s *PolicyStore) UpdateRule(ctx context.Context, r *policy.Rule) error {
	cond, err := marshalCondition(r.Condition)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_rules SET category = ?, plugin_id = ?, action = ?, condition = ?,
		 description = ?, priority = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		r.Scope.Category, r.Scope.PluginID, string(r.Action), cond,
		r.Description, r.Priority, boolInt(r.Enabled), unixMs(r.UpdatedAt), r.ID)
	if err != nil {
		return storeErr("rules.update", err)
	}
	return requireRow(res, "rules.update")
}

func (s *PolicyStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = ?`, id)
	if err != nil {
		return storeErr("rules.delete", err)
	}
	return requireRow(res, "rules.delete")
}

func marshalCondition(n *policy.Node) (any, error) {
	if n == nil {
		return nil, nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, trust.E(trust.KindPolicy, "rules.condition", err)
	}
	return string(b), nil
}

func scanRule(sc scanner) (*policy.Rule, error) {
	var (
		r       policy.Rule
		action  string
		cond    sql.NullString
		enabled int
		created int64
		updated int64
	)
	err := sc.Scan(&r.ID, &r.Scope.Category, &r.Scope.PluginID, &action, &cond,
		&r.Description, &r.Priority, &enabled, &created, &updated)
	if err != nil {
		return nil, storeErr("rules.scan", err)
	}
	r.Action = policy.Action(action)
	r.Enabled = enabled != 0
	r.CreatedAt = fromMs(created)
	r.UpdatedAt = fromMs(updated)
	if cond.Valid && cond.String != "" {
		var node policy.Node
		if err := json.Unmarshal([]byte(cond.String), &node); err != nil {
			return nil, trust.E(trust.KindPolicy, "rules.scan", err)
		}
		r.Condition = &node
	}
	return &r, nil
}

const patternCols = `id, name, regex, replacement, enabled, created_at`

func (s *PolicyStore) ListPatterns(ctx context.Context) ([]policy.RedactionPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternCols+` FROM redaction_patterns ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storeErr("patterns.list", err)
	}
	defer rows.Close()

	var out []policy.RedactionPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("patterns.list", err)
	}
	return out, nil
}

func (s *PolicyStore) GetPattern(ctx context.Context, id string) (*policy.RedactionPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternCols+` FROM redaction_patterns WHERE id = ?`, id)
	return scanPattern(row)
}

func (s *PolicyStore) InsertPattern(ctx context.Context, p *policy.RedactionPattern) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO redaction_patterns (`+patternCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Regex, p.Replacement, boolInt(p.Enabled), unixMs(p.CreatedAt))
	return storeErr("patterns.insert", err)
}

func (s *PolicyStore) UpdatePattern(ctx context.Context, p *policy.RedactionPattern) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE redaction_patterns SET name = ?, regex = ?, replacement = ?, enabled = ? WHERE id = ?`,
		p.Name, p.Regex, p.Replacement, boolInt(p.Enabled), p.ID)
	if err != nil {
		return storeErr("patterns.update", err)
	}
	return requireRow(res, "patterns.update")
}

func (s *PolicyStore) DeletePattern(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM redaction_patterns WHERE id = ?`, id)
	if err != nil {
		return storeErr("patterns.delete", err)
	}
	return requireRow(res, "patterns.delete")
}

func scanPattern(sc scanner) (*policy.RedactionPattern, error) {
	var (
		p       policy.RedactionPattern
		enabled int
		created int64
	)
	err := sc.Scan(&p.ID, &p.Name, &p.Regex, &p.Replacement, &enabled, &created)
	if err != nil {
		return nil, storeErr("patterns.scan", err)
	}
	p.Enabled = enabled != 0
	p.CreatedAt = fromMs(created)
	return &p, nil
}

const approvalCols = `id, plugin_id, tool_name, args, rule_id, status, approved_args, created_at, resolved_at`

func (s *PolicyStore) InsertApproval(ctx context.Context, a *policy.ApprovalRequest) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return trust.E(trust.KindPolicy, "approvals.insert", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalCols+`) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		a.ID, a.PluginID, a.ToolName, string(args), a.RuleID, string(a.Status), unixMs(a.CreatedAt))
	return storeErr("approvals.insert", err)
}

func (s *PolicyStore) GetApproval(ctx context.Context, id string) (*policy.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approval_requests WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *PolicyStore) ListApprovals(ctx context.Context, status policy.ApprovalStatus) ([]policy.ApprovalRequest, error) {
	query := `SELECT ` + approvalCols + ` FROM approval_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("approvals.list", err)
	}
	defer rows.Close()

	var out []policy.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("approvals.list", err)
	}
	return out, nil
}

func (s *PolicyStore) ResolveApproval(ctx context.Context, id string, status policy.ApprovalStatus, approvedArgs map[string]any) error {
	if status != policy.ApprovalApproved && status != policy.ApprovalDenied {
		return trust.Errorf(trust.KindPolicy, "approvals.resolve", "invalid target status %q", status)
	}
	var argsVal any
	if approvedArgs != nil {
		b, err := json.Marshal(approvedArgs)
		if err != nil {
			return trust.E(trust.KindPolicy, "approvals.resolve", err)
		}
		argsVal = string(b)
	}
	// The status guard in the WHERE clause makes the transition monotonic.
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, approved_args = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), argsVal, unixMs(time.Now()), id, string(policy.ApprovalPending))
	if err != nil {
		return storeErr("approvals.resolve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("approvals.resolve", err)
	}
	if n == 0 {
		// Distinguish missing from already-resolved.
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return trust.Errorf(trust.KindPolicy, "approvals.resolve", "request %s already resolved", id)
	}
	return nil
}

func scanApproval(sc scanner) (*policy.ApprovalRequest, error) {
	var (
		a            policy.ApprovalRequest
		argsJSON     string
		status       string
		approvedJSON sql.NullString
		created      int64
		resolved     sql.NullInt64
	)
	err := sc.Scan(&a.ID, &a.PluginID, &a.ToolName, &argsJSON, &a.RuleID, &status,
		&approvedJSON, &created, &resolved)
	if err != nil {
		return nil, storeErr("approvals.scan", err)
	}
	a.Status = policy.ApprovalStatus(status)
	a.CreatedAt = fromMs(created)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &a.Args); err != nil {
			return nil, trust.E(trust.KindStore, "approvals.scan", err)
		}
	}
	if approvedJSON.Valid && approvedJSON.String != "" {
		if err := json.Unmarshal([]byte(approvedJSON.String), &a.ApprovedArgs); err != nil {
			return nil, trust.E(trust.KindStore, "approvals.scan", err)
		}
	}
	if resolved.Valid {
		t := fromMs(resolved.Int64)
		a.ResolvedAt = &t
	}
	return &a, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/trustgate/trustgate/internal/domain/audit"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// AuditStore persists audit entries. Append-only: no update path exists,
// and the only delete is retention cleanup.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

const auditCols = `id, ts, agent_name, agent_version, plugin_id, category, tool_name,
	input_args, decision_action, decision_rule_id, decision_redacted, decision_reason,
	status, error_message, execution_ms, data_summary, metadata`

func (s *AuditStore) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return inTx(ctx, s.db, "audit.append", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO audit_entries (`+auditCols+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storeErr("audit.append", err)
		}
		defer stmt.Close()

		for i := range entries {
			e := &entries[i]
			inputArgs, err := jsonOrNil(e.InputArgs)
			if err != nil {
				return trust.E(trust.KindStore, "audit.append", err)
			}
			redacted, err := jsonOrNil(e.Decision.RedactedFields)
			if err != nil {
				return trust.E(trust.KindStore, "audit.append", err)
			}
			meta, err := jsonOrNil(e.Metadata)
			if err != nil {
				return trust.E(trust.KindStore, "audit.append", err)
			}
			_, err = stmt.ExecContext(ctx,
				e.ID, unixMs(e.Timestamp), e.AgentName, e.AgentVersion, e.PluginID,
				e.Category, e.ToolName, inputArgs, e.Decision.Action, e.Decision.RuleID,
				redacted, e.Decision.Reason, e.Status, e.ErrorMessage, e.ExecutionTimeMs,
				e.DataSummary, meta)
			if err != nil {
				return storeErr("audit.append", err)
			}
		}
		return nil
	})
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filters) ([]audit.Entry, error) {
	where, args := buildAuditFilter(f)
	query := `SELECT ` + auditCols + ` FROM audit_entries` + where + ` ORDER BY ts DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("audit.query", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("audit.query", err)
	}
	return out, nil
}

func (s *AuditStore) Count(ctx context.Context, f audit.Filters) (int64, error) {
	where, args := buildAuditFilter(f)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&n)
	if err != nil {
		return 0, storeErr("audit.count", err)
	}
	return n, nil
}

func (s *AuditStore) GetByID(ctx context.Context, id string) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditCols+` FROM audit_entries WHERE id = ?`, id)
	return scanAuditEntry(row)
}

func (s *AuditStore) Stats(ctx context.Context, since, until time.Time) (*audit.Stats, error) {
	where, args := buildAuditFilter(audit.Filters{Since: since, Until: until})

	stats := &audit.Stats{
		ByAction: make(map[string]int64),
		ByStatus: make(map[string]int64),
		ByPlugin: make(map[string]int64),
		ByAgent:  make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&stats.Total); err != nil {
		return nil, storeErr("audit.stats", err)
	}

	groups := []struct {
		col  string
		into map[string]int64
	}{
		{"decision_action", stats.ByAction},
		{"status", stats.ByStatus},
		{"plugin_id", stats.ByPlugin},
		{"agent_name", stats.ByAgent},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+g.col+`, COUNT(*) FROM audit_entries`+where+` GROUP BY `+g.col, args...)
		if err != nil {
			return nil, storeErr("audit.stats", err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, storeErr("audit.stats", err)
			}
			if key != "" {
				g.into[key] = n
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storeErr("audit.stats", err)
		}
		rows.Close()
	}
	return stats, nil
}

func (s *AuditStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE ts < ?`, unixMs(cutoff))
	if err != nil {
		return 0, storeErr("audit.cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("audit.cleanup", err)
	}
	return n, nil
}

func buildAuditFilter(f audit.Filters) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.AgentName != "" {
		add("agent_name = ?", f.AgentName)
	}
	if f.PluginID != "" {
		add("plugin_id = ?", f.PluginID)
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Action != "" {
		add("decision_action = ?", f.Action)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", unixMs(f.Since))
	}
	if !f.Until.IsZero() {
		add("ts < ?", unixMs(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAuditEntry(sc scanner) (*audit.Entry, error) {
	var (
		e        audit.Entry
		ts       int64
		input    sql.NullString
		redacted sql.NullString
		meta     sql.NullString
	)
	err := sc.Scan(&e.ID, &ts, &e.AgentName, &e.AgentVersion, &e.PluginID, &e.Category,
		&e.ToolName, &input, &e.Decision.Action, &e.Decision.RuleID, &redacted,
		&e.Decision.Reason, &e.Status, &e.ErrorMessage, &e.ExecutionTimeMs,
		&e.DataSummary, &meta)
	if err != nil {
		return nil, storeErr("audit.scan", err)
	}
	e.Timestamp = fromMs(ts)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &e.InputArgs); err != nil {
			return nil, trust.E(trust.KindStore, "audit.scan", err)
		}
	}
	if redacted.Valid && redacted.String != "" {
		if err := json.Unmarshal([]byte(redacted.String), &e.Decision.RedactedFields); err != nil {
			return nil, trust.E(trust.KindStore, "audit.scan", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, trust.E(trust.KindStore, "audit.scan", err)
		}
	}
	return &e, nil
}

// jsonOrNil marshals v, returning nil for empty maps and slices so the
// column stays NULL instead of holding "{}" noise.
func jsonOrNil(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

package sqlite

import (
	"context"
	"database/sql"

	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/domain/virtualid"
)

// VirtualIDStore persists virtual-id mappings. Both unique constraints
// (virtual_id primary key, and the real-identity triple) surface as
// trust.Constraint errors, which the allocator relies on for its
// insert-or-read-back contract.
type VirtualIDStore struct {
	db *sql.DB
}

var _ virtualid.Store = (*VirtualIDStore)(nil)

const mappingCols = `virtual_id, kind, real_account_id, provider_entity_id, created_at`

func (s *VirtualIDStore) Insert(ctx context.Context, m *virtualid.Mapping) error {
	if !m.Valid() {
		return trust.Errorf(trust.KindStore, "virtualids.insert",
			"invalid mapping: kind %q with entity id %q", m.Kind, m.ProviderEntityID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO virtual_ids (`+mappingCols+`) VALUES (?, ?, ?, ?, ?)`,
		m.VirtualID, string(m.Kind), m.RealAccountID, m.ProviderEntityID, unixMs(m.CreatedAt))
	return storeErr("virtualids.insert", err)
}

func (s *VirtualIDStore) GetByVirtualID(ctx context.Context, virtualID string) (*virtualid.Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM virtual_ids WHERE virtual_id = ?`, virtualID)
	return scanMapping(row)
}

func (s *VirtualIDStore) GetByRealKey(ctx context.Context, kind virtualid.Kind, realAccountID, providerEntityID string) (*virtualid.Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM virtual_ids
		 WHERE kind = ? AND real_account_id = ? AND provider_entity_id = ?`,
		string(kind), realAccountID, providerEntityID)
	return scanMapping(row)
}

func (s *VirtualIDStore) ListRecent(ctx context.Context, kind virtualid.Kind, limit int) ([]virtualid.Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingCols+` FROM virtual_ids WHERE kind = ?
		 ORDER BY created_at DESC, virtual_id ASC LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, storeErr("virtualids.list", err)
	}
	defer rows.Close()

	var out []virtualid.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("virtualids.list", err)
	}
	return out, nil
}

func scanMapping(sc scanner) (*virtualid.Mapping, error) {
	var (
		m       virtualid.Mapping
		kind    string
		created int64
	)
	err := sc.Scan(&m.VirtualID, &kind, &m.RealAccountID, &m.ProviderEntityID, &created)
	if err != nil {
		return nil, storeErr("virtualids.scan", err)
	}
	m.Kind = virtualid.Kind(kind)
	m.CreatedAt = fromMs(created)
	return &m, nil
}

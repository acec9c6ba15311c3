package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/trustgate/trustgate/internal/domain/account"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// AccountStore persists accounts and encrypted credentials.
type AccountStore struct {
	db *sql.DB
}

var _ account.Store = (*AccountStore)(nil)

const accountCols = `id, plugin_id, email, display_name, is_primary, metadata, created_at, updated_at`

func (s *AccountStore) InsertAccount(ctx context.Context, a *account.Account) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return trust.E(trust.KindStore, "accounts.insert", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PluginID, a.Email, a.DisplayName, boolInt(a.IsPrimary), string(meta),
		unixMs(a.CreatedAt), unixMs(a.UpdatedAt))
	return storeErr("accounts.insert", err)
}

func (s *AccountStore) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *AccountStore) ListAccounts(ctx context.Context, pluginID string) ([]account.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("accounts.list", err)
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("accounts.list", err)
	}
	return out, nil
}

func (s *AccountStore) UpdateAccount(ctx context.Context, a *account.Account) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return trust.E(trust.KindStore, "accounts.update", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET email = ?, display_name = ?, is_primary = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		a.Email, a.DisplayName, boolInt(a.IsPrimary), string(meta), unixMs(a.UpdatedAt), a.ID)
	if err != nil {
		return storeErr("accounts.update", err)
	}
	return requireRow(res, "accounts.update")
}

func (s *AccountStore) DeleteAccount(ctx context.Context, id string) error {
	// ON DELETE CASCADE removes the attached credential.
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return storeErr("accounts.delete", err)
	}
	return requireRow(res, "accounts.delete")
}

func (s *AccountStore) GetPrimary(ctx context.Context, pluginID string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE plugin_id = ? AND is_primary = 1`, pluginID)
	return scanAccount(row)
}

func (s *AccountStore) SetPrimary(ctx context.Context, id string) error {
	return inTx(ctx, s.db, "accounts.set_primary", func(tx *sql.Tx) error {
		var pluginID string
		if err := tx.QueryRowContext(ctx,
			`SELECT plugin_id FROM accounts WHERE id = ?`, id).Scan(&pluginID); err != nil {
			return storeErr("accounts.set_primary", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET is_primary = 0 WHERE plugin_id = ?`, pluginID); err != nil {
			return storeErr("accounts.set_primary", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET is_primary = 1 WHERE id = ?`, id); err != nil {
			return storeErr("accounts.set_primary", err)
		}
		return nil
	})
}

const credentialCols = `id, account_id, plugin_id, type, cipher_blob, created_at, updated_at`

func (s *AccountStore) InsertCredential(ctx context.Context, c *account.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullIfEmpty(c.AccountID), c.PluginID, string(c.Type), c.CipherBlob,
		unixMs(c.CreatedAt), unixMs(c.UpdatedAt))
	return storeErr("credentials.insert", err)
}

func (s *AccountStore) GetCredentialByAccount(ctx context.Context, accountID string) (*account.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE account_id = ?`, accountID)
	return scanCredential(row)
}

func (s *AccountStore) GetOrphanCredential(ctx context.Context, pluginID string) (*account.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials
		 WHERE plugin_id = ? AND account_id IS NULL
		 ORDER BY created_at DESC LIMIT 1`, pluginID)
	return scanCredential(row)
}

func (s *AccountStore) UpdateCredential(ctx context.Context, c *account.Credential) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET type = ?, cipher_blob = ?, updated_at = ? WHERE id = ?`,
		string(c.Type), c.CipherBlob, unixMs(c.UpdatedAt), c.ID)
	if err != nil {
		return storeErr("credentials.update", err)
	}
	return requireRow(res, "credentials.update")
}

func (s *AccountStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return storeErr("credentials.delete", err)
	}
	return requireRow(res, "credentials.delete")
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (*account.Account, error) {
	var (
		a         account.Account
		isPrimary int
		meta      string
		created   int64
		updated   int64
	)
	err := sc.Scan(&a.ID, &a.PluginID, &a.Email, &a.DisplayName, &isPrimary, &meta, &created, &updated)
	if err != nil {
		return nil, storeErr("accounts.scan", err)
	}
	a.IsPrimary = isPrimary != 0
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, trust.E(trust.KindStore, "accounts.scan", err)
		}
	}
	return &a, nil
}

func scanCredential(sc scanner) (*account.Credential, error) {
	var (
		c         account.Credential
		accountID sql.NullString
		credType  string
		created   int64
		updated   int64
	)
	err := sc.Scan(&c.ID, &accountID, &c.PluginID, &credType, &c.CipherBlob, &created, &updated)
	if err != nil {
		return nil, storeErr("credentials.scan", err)
	}
	c.AccountID = accountID.String
	c.Type = account.CredentialType(credType)
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(updated)
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// requireRow converts a zero-row write into trust.ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return trust.ErrNotFound
	}
	return nil
}

package account

import "context"

// Store persists accounts and credentials.
// Interface in the domain package; implementations live in the sqlite adapter.
type Store interface {
	// InsertAccount stores a new account.
	InsertAccount(ctx context.Context, a *Account) error
	// GetAccount returns an account by id, or trust.ErrNotFound.
	GetAccount(ctx context.Context, id string) (*Account, error)
	// ListAccounts returns all accounts, or only those of pluginID when
	// it is non-empty, ordered by creation time then id.
	ListAccounts(ctx context.Context, pluginID string) ([]Account, error)
	// UpdateAccount rewrites a mutable account's fields.
	UpdateAccount(ctx context.Context, a *Account) error
	// DeleteAccount removes an account and its credentials.
	DeleteAccount(ctx context.Context, id string) error
	// GetPrimary returns the primary account for a plugin, or trust.ErrNotFound.
	GetPrimary(ctx context.Context, pluginID string) (*Account, error)
	// SetPrimary clears the primary flag on all accounts of the target's
	// plugin and sets it on the target, as a single atomic write set.
	SetPrimary(ctx context.Context, id string) error

	// InsertCredential stores an encrypted credential.
	InsertCredential(ctx context.Context, c *Credential) error
	// GetCredentialByAccount returns the credential attached to an account.
	GetCredentialByAccount(ctx context.Context, accountID string) (*Credential, error)
	// GetOrphanCredential returns a plugin-scoped credential with no
	// account (legacy compatibility path).
	GetOrphanCredential(ctx context.Context, pluginID string) (*Credential, error)
	// UpdateCredential rewrites an existing credential blob.
	UpdateCredential(ctx context.Context, c *Credential) error
	// DeleteCredential removes a credential by id.
	DeleteCredential(ctx context.Context, id string) error
}

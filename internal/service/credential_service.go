package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/adapter/outbound/securebox"
	"github.com/trustgate/trustgate/internal/domain/account"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// CredentialService manages provider accounts and their encrypted
// credentials. Plaintext credential material exists only in memory; the
// store only ever sees sealed blobs.
type CredentialService struct {
	store  account.Store
	box    *securebox.Box
	logger *slog.Logger
}

// NewCredentialService creates the service.
func NewCredentialService(store account.Store, box *securebox.Box, logger *slog.Logger) *CredentialService {
	return &CredentialService{store: store, box: box, logger: logger}
}

// UpsertAccount stores an account with its credential payload. The first
// account of a plugin becomes primary. Re-authenticating an existing
// (plugin, email) pair rewrites the credential instead of duplicating the
// account.
func (s *CredentialService) UpsertAccount(ctx context.Context, pluginID, email, displayName string, credType account.CredentialType, payload account.Payload) (*account.Account, error) {
	existing, err := s.findByEmail(ctx, pluginID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.SetCredential(ctx, existing, credType, payload); err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := time.Now().UTC()
	a := &account.Account{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.store.GetPrimary(ctx, pluginID); isNotFound(err) {
		a.IsPrimary = true
	} else if err != nil {
		return nil, err
	}

	if err := s.store.InsertAccount(ctx, a); err != nil {
		if trust.IsConstraintViolation(err) {
			// Lost a concurrent race for the same (plugin, email); reuse
			// the winner.
			winner, findErr := s.findByEmail(ctx, pluginID, email)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				if setErr := s.SetCredential(ctx, winner, credType, payload); setErr != nil {
					return nil, setErr
				}
				return winner, nil
			}
		}
		return nil, err
	}

	if err := s.SetCredential(ctx, a, credType, payload); err != nil {
		return nil, err
	}
	s.logger.Info("account connected",
		"account_id", a.ID, "plugin", pluginID, "primary", a.IsPrimary)
	return a, nil
}

// SetCredential seals the payload and attaches it to the account, replacing
// any existing credential.
func (s *CredentialService) SetCredential(ctx context.Context, a *account.Account, credType account.CredentialType, payload account.Payload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return trust.E(trust.KindInternal, "credentials.seal", err)
	}
	blob, err := s.box.Seal(plaintext)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	existing, err := s.store.GetCredentialByAccount(ctx, a.ID)
	switch {
	case err == nil:
		existing.Type = credType
		existing.CipherBlob = blob
		existing.UpdatedAt = now
		return s.store.UpdateCredential(ctx, existing)
	case isNotFound(err):
		return s.store.InsertCredential(ctx, &account.Credential{
			ID:         uuid.NewString(),
			AccountID:  a.ID,
			PluginID:   a.PluginID,
			Type:       credType,
			CipherBlob: blob,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	default:
		return err
	}
}

// Payload opens the credential attached to an account. Accounts without a
// credential fall back to the plugin's orphan credential when one exists
// (pre-account installs stored credentials without an owner).
func (s *CredentialService) Payload(ctx context.Context, a *account.Account) (account.Payload, error) {
	cred, err := s.store.GetCredentialByAccount(ctx, a.ID)
	if isNotFound(err) {
		cred, err = s.store.GetOrphanCredential(ctx, a.PluginID)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, trust.Errorf(trust.KindAuth, "credentials.load",
				"account %s has no credential", a.ID)
		}
		return nil, err
	}

	plaintext, err := s.box.Open(cred.CipherBlob)
	if err != nil {
		return nil, err
	}
	var payload account.Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, trust.E(trust.KindCrypto, "credentials.load", err)
	}
	return payload, nil
}

// LiveAccounts returns the plugin's accounts that have usable credentials,
// ready for provider calls. Accounts whose credential is missing or fails
// to open are skipped with a warning rather than failing the whole fan-out.
func (s *CredentialService) LiveAccounts(ctx context.Context, pluginID string) ([]provider.LiveAccount, error) {
	accounts, err := s.store.ListAccounts(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	live := make([]provider.LiveAccount, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		payload, err := s.Payload(ctx, a)
		if err != nil {
			s.logger.Warn("skipping account without usable credential",
				"account_id", a.ID, "plugin", pluginID, "error", err)
			continue
		}
		live = append(live, provider.LiveAccount{Account: *a, Credentials: payload})
	}
	return live, nil
}

// LiveAccount loads one account with its opened credential.
func (s *CredentialService) LiveAccount(ctx context.Context, accountID string) (*provider.LiveAccount, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	payload, err := s.Payload(ctx, a)
	if err != nil {
		return nil, err
	}
	return &provider.LiveAccount{Account: *a, Credentials: payload}, nil
}

// PrimaryLiveAccount loads the plugin's primary account with credentials.
func (s *CredentialService) PrimaryLiveAccount(ctx context.Context, pluginID string) (*provider.LiveAccount, error) {
	a, err := s.store.GetPrimary(ctx, pluginID)
	if err != nil {
		if isNotFound(err) {
			return nil, trust.Errorf(trust.KindAuth, "credentials.primary",
				"no primary account for plugin %s", pluginID)
		}
		return nil, err
	}
	payload, err := s.Payload(ctx, a)
	if err != nil {
		return nil, err
	}
	return &provider.LiveAccount{Account: *a, Credentials: payload}, nil
}

// ListAccounts returns accounts, optionally filtered by plugin.
func (s *CredentialService) ListAccounts(ctx context.Context, pluginID string) ([]account.Account, error) {
	return s.store.ListAccounts(ctx, pluginID)
}

// GetAccount returns one account by id.
func (s *CredentialService) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// UpdateDisplayName renames an account.
func (s *CredentialService) UpdateDisplayName(ctx context.Context, id, displayName string) (*account.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetPrimary makes the account its plugin's primary.
func (s *CredentialService) SetPrimary(ctx context.Context, id string) error {
	return s.store.SetPrimary(ctx, id)
}

// DeleteAccount removes an account and its credential. Deleting the primary
// promotes the oldest remaining account of the plugin, keeping the
// at-most-one-primary invariant without a gap when accounts remain.
func (s *CredentialService) DeleteAccount(ctx context.Context, id string) error {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	if !a.IsPrimary {
		return nil
	}

	remaining, err := s.store.ListAccounts(ctx, a.PluginID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}
	// ListAccounts orders by creation time then id, so the first entry is
	// the deterministic successor.
	if err := s.store.SetPrimary(ctx, remaining[0].ID); err != nil {
		return err
	}
	s.logger.Info("promoted account to primary",
		"account_id", remaining[0].ID, "plugin", a.PluginID)
	return nil
}

// findByEmail locates a plugin account by email, nil when absent.
func (s *CredentialService) findByEmail(ctx context.Context, pluginID, email string) (*account.Account, error) {
	accounts, err := s.store.ListAccounts(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Email == email {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

// Package account contains domain types for provider accounts and their
// encrypted credentials.
package account

import "time"

// CredentialType identifies the shape of a credential payload.
type CredentialType string

const (
	// CredentialOAuth2 holds access/refresh tokens with expiry.
	CredentialOAuth2 CredentialType = "oauth2"
	// CredentialAPIKey holds a single long-lived key.
	CredentialAPIKey CredentialType = "api_key"
	// CredentialBasic holds a username/password pair.
	CredentialBasic CredentialType = "basic"
)

// Account is a user account at a third-party provider. The email field is
// opaque to the core; it is the human-facing identifier only.
type Account struct {
	// ID is the unique identifier for this account.
	ID string `json:"id"`
	// PluginID is the reverse-DNS id of the provider integration.
	PluginID string `json:"pluginId"`
	// Email is the human-facing account identifier.
	Email string `json:"email"`
	// DisplayName is an optional friendly name.
	DisplayName string `json:"displayName,omitempty"`
	// IsPrimary marks the implicit default account for writes.
	// At most one account per plugin is primary.
	IsPrimary bool `json:"isPrimary"`
	// Metadata carries provider-specific extras.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the account was created (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the account was last modified (UTC).
	UpdatedAt time.Time `json:"updatedAt"`
}

// Credential is an encrypted credential blob attached to an account.
// Deletion cascades with account deletion.
type Credential struct {
	// ID is the unique identifier for this credential.
	ID string `json:"id"`
	// AccountID references the owning account. Empty for legacy
	// plugin-scoped credentials with no account.
	AccountID string `json:"accountId,omitempty"`
	// PluginID is the provider integration this credential belongs to.
	PluginID string `json:"pluginId"`
	// Type identifies the payload shape.
	Type CredentialType `json:"type"`
	// CipherBlob is the encrypted payload: nonce_hex:tag_hex:ciphertext_hex.
	CipherBlob string `json:"-"`
	// CreatedAt is when the credential was stored (UTC).
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the credential was last rewritten (UTC),
	// e.g. on token refresh.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payload is the decrypted credential material. For oauth2 credentials the
// conventional keys are "access_token", "refresh_token", and "expiry"
// (ISO-8601). Plaintext payloads never reach the store.
type Payload map[string]any

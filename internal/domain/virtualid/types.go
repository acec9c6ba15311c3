// Package virtualid contains domain types for the opaque identifier layer.
// Agents only ever see virtual ids; provider-native identifiers never cross
// the session boundary.
package virtualid

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// Kind distinguishes what a virtual id stands for.
type Kind string

const (
	// KindEmail maps a virtual id to a provider-local message id.
	KindEmail Kind = "email"
	// KindAccount maps a virtual id to an account id.
	KindAccount Kind = "account"
)

// Mapping binds a virtual id to its real identity. Mappings are created on
// first exposure of a real id and never rewritten.
type Mapping struct {
	// VirtualID is the opaque token handed to agents (globally unique).
	VirtualID string `json:"virtualId"`
	// Kind is email or account.
	Kind Kind `json:"kind"`
	// RealAccountID is the owning account.
	RealAccountID string `json:"realAccountId"`
	// ProviderEntityID is the provider-local id; non-empty iff Kind is email.
	ProviderEntityID string `json:"providerEntityId,omitempty"`
	// CreatedAt is when the mapping was allocated (UTC).
	CreatedAt time.Time `json:"createdAt"`
}

// Valid reports whether the mapping satisfies the kind/entity invariant:
// email mappings carry a provider entity id, account mappings do not.
func (m *Mapping) Valid() bool {
	switch m.Kind {
	case KindEmail:
		return m.ProviderEntityID != ""
	case KindAccount:
		return m.ProviderEntityID == ""
	default:
		return false
	}
}

// Store persists mappings. The table enforces uniqueness on both
// (kind, realAccountId, providerEntityId) and virtualId; Insert surfaces
// constraint violations as trust.Constraint errors so the allocator can
// read back the winner.
type Store interface {
	// Insert stores a new mapping.
	Insert(ctx context.Context, m *Mapping) error
	// GetByVirtualID resolves a virtual id, or trust.ErrNotFound.
	GetByVirtualID(ctx context.Context, virtualID string) (*Mapping, error)
	// GetByRealKey finds the mapping for a real identity, or trust.ErrNotFound.
	GetByRealKey(ctx context.Context, kind Kind, realAccountID, providerEntityID string) (*Mapping, error)
	// ListRecent returns up to limit mappings of a kind, newest first.
	// Used to warm the caches at startup.
	ListRecent(ctx context.Context, kind Kind, limit int) ([]Mapping, error)
}

// idAlphabet is the alphanumeric set used for the random portion of ids.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idLength is the number of random characters after the kind prefix.
const idLength = 12

// NewVirtualID generates an opaque, printable, collision-resistant id of
// the form email_<12 alphanumerics> or account_<12 alphanumerics>.
func NewVirtualID(kind Kind) (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate virtual id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(kind) + "_" + string(buf), nil
}

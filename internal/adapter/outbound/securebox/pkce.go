package securebox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

// verifierBytes is the entropy of a PKCE code verifier.
const verifierBytes = 96

// stateBytes is the entropy of the OAuth state parameter.
const stateBytes = 16

// StateTTL is how long a pending authorization state remains valid.
const StateTTL = 10 * time.Minute

// NewVerifier generates a PKCE code verifier: 96 random bytes,
// base64url-encoded without padding.
func NewVerifier() (string, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", trust.E(trust.KindCrypto, "pkce.verifier", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState generates the random OAuth state parameter.
func NewState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", trust.E(trust.KindCrypto, "pkce.state", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pendingAuth is one in-flight authorization.
type pendingAuth struct {
	verifier  string
	provider  string
	expiresAt time.Time
}

// StateStore holds state -> verifier bindings for in-flight authorizations.
// Entries are one-time use and expire after StateTTL. Process-wide,
// in-memory only: an interrupted flow simply restarts.
type StateStore struct {
	mu      sync.Mutex
	pending map[string]pendingAuth
	ttl     time.Duration
}

// NewStateStore creates a state store with the default TTL.
func NewStateStore() *StateStore {
	return &StateStore{pending: make(map[string]pendingAuth), ttl: StateTTL}
}

// Put registers an in-flight authorization.
func (s *StateStore) Put(state, verifier, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background goroutine.
	now := time.Now()
	for k, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, k)
		}
	}
	s.pending[state] = pendingAuth{verifier: verifier, provider: provider, expiresAt: now.Add(s.ttl)}
}

// Take removes and returns the verifier for a state. Returns false when the
// state is unknown, already consumed, or expired.
func (s *StateStore) Take(state string) (verifier, provider string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.pending[state]
	if !found {
		return "", "", false
	}
	delete(s.pending, state)
	if time.Now().After(p.expiresAt) {
		return "", "", false
	}
	return p.verifier, p.provider, true
}

// Len returns the number of pending authorizations. Useful for tests.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

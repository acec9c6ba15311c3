package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/domain/virtualid"
	"github.com/trustgate/trustgate/pkg/lru"
)

// defaultIDCacheSize bounds each direction of the mapping cache.
const defaultIDCacheSize = 10000

// allocAttempts bounds virtual-id generation retries on id collision.
const allocAttempts = 3

// VirtualIDManager allocates and resolves the opaque identifiers handed to
// agents. Allocation is insert-or-read-back: under a concurrent race for the
// same real identity the database picks one winner and every caller converges
// on it.
type VirtualIDManager struct {
	store  virtualid.Store
	logger *slog.Logger

	// forward maps kind|account|entity to the virtual id; reverse maps a
	// virtual id to its full mapping.
	forward *lru.Cache[string, string]
	reverse *lru.Cache[string, virtualid.Mapping]
}

// VirtualIDOption configures a VirtualIDManager.
type VirtualIDOption func(*VirtualIDManager)

// WithIDCacheSize overrides the per-direction cache capacity.
func WithIDCacheSize(n int) VirtualIDOption {
	return func(m *VirtualIDManager) { m.initCaches(n) }
}

// NewVirtualIDManager creates the manager. Call Warm to preload the caches.
func NewVirtualIDManager(store virtualid.Store, logger *slog.Logger, opts ...VirtualIDOption) *VirtualIDManager {
	m := &VirtualIDManager{store: store, logger: logger}
	m.initCaches(defaultIDCacheSize)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// initCaches builds the two directions with paired eviction: dropping a
// mapping from one side drops its twin from the other, so the caches never
// disagree about which mappings are resident.
func (m *VirtualIDManager) initCaches(n int) {
	m.forward = lru.New[string, string](n, 0, lru.WithOnEvict[string, string](func(_ string, vid string) {
		m.reverse.Remove(vid)
	}))
	m.reverse = lru.New[string, virtualid.Mapping](n, 0, lru.WithOnEvict[string, virtualid.Mapping](func(_ string, mp virtualid.Mapping) {
		m.forward.Remove(realKey(mp.Kind, mp.RealAccountID, mp.ProviderEntityID))
	}))
}

// Warm preloads the most recent mappings so a restart does not start cold.
// Corrupt rows are skipped with a warning; a store failure here is not fatal.
func (m *VirtualIDManager) Warm(ctx context.Context) {
	for _, kind := range []virtualid.Kind{virtualid.KindAccount, virtualid.KindEmail} {
		mappings, err := m.store.ListRecent(ctx, kind, defaultIDCacheSize/2)
		if err != nil {
			m.logger.Warn("virtual id cache warm-up failed", "kind", kind, "error", err)
			continue
		}
		loaded := 0
		for i := range mappings {
			mp := &mappings[i]
			if !mp.Valid() {
				m.logger.Warn("skipping invalid virtual id mapping", "virtual_id", mp.VirtualID)
				continue
			}
			m.cache(mp)
			loaded++
		}
		m.logger.Debug("virtual id cache warmed", "kind", kind, "loaded", loaded)
	}
}

// VirtualFor returns the virtual id for a real identity, allocating one on
// first exposure. Safe under concurrent calls for the same identity.
func (m *VirtualIDManager) VirtualFor(ctx context.Context, kind virtualid.Kind, realAccountID, providerEntityID string) (string, error) {
	key := realKey(kind, realAccountID, providerEntityID)
	if vid, ok := m.forward.Get(key); ok {
		return vid, nil
	}

	existing, err := m.store.GetByRealKey(ctx, kind, realAccountID, providerEntityID)
	switch {
	case err == nil:
		m.cache(existing)
		return existing.VirtualID, nil
	case !isNotFound(err):
		return "", err
	}

	return m.allocate(ctx, kind, realAccountID, providerEntityID)
}

// allocate inserts a fresh mapping, converging on the winner when a
// concurrent caller beat us to the same real identity.
func (m *VirtualIDManager) allocate(ctx context.Context, kind virtualid.Kind, realAccountID, providerEntityID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < allocAttempts; attempt++ {
		vid, err := virtualid.NewVirtualID(kind)
		if err != nil {
			return "", trust.E(trust.KindInternal, "virtualid.allocate", err)
		}
		mp := &virtualid.Mapping{
			VirtualID:        vid,
			Kind:             kind,
			RealAccountID:    realAccountID,
			ProviderEntityID: providerEntityID,
			CreatedAt:        time.Now().UTC(),
		}
		err = m.store.Insert(ctx, mp)
		if err == nil {
			m.cache(mp)
			return vid, nil
		}
		if !trust.IsConstraintViolation(err) {
			return "", err
		}

		// Either the real identity was mapped concurrently (read back the
		// winner) or the generated id collided (regenerate).
		winner, getErr := m.store.GetByRealKey(ctx, kind, realAccountID, providerEntityID)
		if getErr == nil {
			m.cache(winner)
			return winner.VirtualID, nil
		}
		if !isNotFound(getErr) {
			return "", getErr
		}
		lastErr = err
	}
	return "", trust.Errorf(trust.KindStore, "virtualid.allocate",
		"exhausted %d id generation attempts: %v", allocAttempts, lastErr)
}

// Resolve maps a virtual id back to its real identity, or trust.ErrNotFound.
// Rows violating the kind/entity invariant are treated as absent rather than
// handed to the router.
func (m *VirtualIDManager) Resolve(ctx context.Context, virtualID string) (*virtualid.Mapping, error) {
	if mp, ok := m.reverse.Get(virtualID); ok {
		return &mp, nil
	}
	mp, err := m.store.GetByVirtualID(ctx, virtualID)
	if err != nil {
		return nil, err
	}
	if !mp.Valid() {
		m.logger.Warn("refusing invalid virtual id mapping",
			"virtual_id", virtualID, "kind", mp.Kind)
		return nil, trust.ErrNotFound
	}
	m.cache(mp)
	return mp, nil
}

// ResolveAccount resolves an account-kind virtual id to the real account id.
func (m *VirtualIDManager) ResolveAccount(ctx context.Context, virtualID string) (string, error) {
	mp, err := m.Resolve(ctx, virtualID)
	if err != nil {
		return "", err
	}
	if mp.Kind != virtualid.KindAccount {
		return "", trust.Errorf(trust.KindProtocol, "virtualid.resolve",
			"%s is not an account id", virtualID)
	}
	return mp.RealAccountID, nil
}

// ResolveEmail resolves an email-kind virtual id to its account and
// provider-local message id.
func (m *VirtualIDManager) ResolveEmail(ctx context.Context, virtualID string) (accountID, providerEntityID string, err error) {
	mp, err := m.Resolve(ctx, virtualID)
	if err != nil {
		return "", "", err
	}
	if mp.Kind != virtualid.KindEmail {
		return "", "", trust.Errorf(trust.KindProtocol, "virtualid.resolve",
			"%s is not an email id", virtualID)
	}
	return mp.RealAccountID, mp.ProviderEntityID, nil
}

func (m *VirtualIDManager) cache(mp *virtualid.Mapping) {
	m.forward.Put(realKey(mp.Kind, mp.RealAccountID, mp.ProviderEntityID), mp.VirtualID)
	m.reverse.Put(mp.VirtualID, *mp)
}

func realKey(kind virtualid.Kind, realAccountID, providerEntityID string) string {
	return string(kind) + "\x00" + realAccountID + "\x00" + providerEntityID
}

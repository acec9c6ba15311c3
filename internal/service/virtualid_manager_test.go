package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/domain/virtualid"
)

func newTestVirtualIDs(t *testing.T) *VirtualIDManager {
	t.Helper()
	return NewVirtualIDManager(newTestDB(t).VirtualIDs(), testLogger())
}

func TestVirtualForIsStable(t *testing.T) {
	m := newTestVirtualIDs(t)
	ctx := context.Background()

	vid, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(vid, "email_") {
		t.Errorf("id %q missing kind prefix", vid)
	}

	again, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if again != vid {
		t.Errorf("second call allocated a new id: %q vs %q", again, vid)
	}

	other, _ := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-2")
	if other == vid {
		t.Error("distinct messages share a virtual id")
	}
}

func TestResolveRoundTrip(t *testing.T) {
	m := newTestVirtualIDs(t)
	ctx := context.Background()

	emailVID, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	acctID, entityID, err := m.ResolveEmail(ctx, emailVID)
	if err != nil || acctID != "acct-1" || entityID != "msg-1" {
		t.Errorf("ResolveEmail = %q, %q, %v", acctID, entityID, err)
	}

	acctVID, err := m.VirtualFor(ctx, virtualid.KindAccount, "acct-1", "")
	if err != nil {
		t.Fatal(err)
	}
	real, err := m.ResolveAccount(ctx, acctVID)
	if err != nil || real != "acct-1" {
		t.Errorf("ResolveAccount = %q, %v", real, err)
	}
}

func TestResolveKindMismatch(t *testing.T) {
	m := newTestVirtualIDs(t)
	ctx := context.Background()

	emailVID, _ := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if _, err := m.ResolveAccount(ctx, emailVID); trust.KindOf(err) != trust.KindProtocol {
		t.Errorf("email id as account: kind = %v, want protocol", trust.KindOf(err))
	}

	acctVID, _ := m.VirtualFor(ctx, virtualid.KindAccount, "acct-1", "")
	if _, _, err := m.ResolveEmail(ctx, acctVID); trust.KindOf(err) != trust.KindProtocol {
		t.Errorf("account id as email: kind = %v, want protocol", trust.KindOf(err))
	}
}

func TestResolveUnknown(t *testing.T) {
	m := newTestVirtualIDs(t)
	if _, err := m.Resolve(context.Background(), "email_ZZZZZZZZZZZZ"); !isNotFound(err) {
		t.Errorf("unknown id: err = %v, want not found", err)
	}
}

// memIDStore is an in-memory virtualid.Store that counts lookups, so tests
// can tell a cache hit from a store round trip.
type memIDStore struct {
	mu          sync.Mutex
	byVirtual   map[string]virtualid.Mapping
	byReal      map[string]virtualid.Mapping
	virtualGets int
	realGets    int
}

func newMemIDStore() *memIDStore {
	return &memIDStore{
		byVirtual: make(map[string]virtualid.Mapping),
		byReal:    make(map[string]virtualid.Mapping),
	}
}

func (s *memIDStore) put(mp virtualid.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byVirtual[mp.VirtualID] = mp
	s.byReal[realKey(mp.Kind, mp.RealAccountID, mp.ProviderEntityID)] = mp
}

func (s *memIDStore) Insert(_ context.Context, mp *virtualid.Mapping) error {
	s.put(*mp)
	return nil
}

func (s *memIDStore) GetByVirtualID(_ context.Context, virtualID string) (*virtualid.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtualGets++
	if mp, ok := s.byVirtual[virtualID]; ok {
		return &mp, nil
	}
	return nil, trust.ErrNotFound
}

func (s *memIDStore) GetByRealKey(_ context.Context, kind virtualid.Kind, realAccountID, providerEntityID string) (*virtualid.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realGets++
	if mp, ok := s.byReal[realKey(kind, realAccountID, providerEntityID)]; ok {
		return &mp, nil
	}
	return nil, trust.ErrNotFound
}

func (s *memIDStore) ListRecent(context.Context, virtualid.Kind, int) ([]virtualid.Mapping, error) {
	return nil, nil
}

func (s *memIDStore) resetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.virtualGets, s.realGets = 0, 0
}

func TestResolveCorruptMappingIsNotFound(t *testing.T) {
	store := newMemIDStore()
	// An email mapping without a provider entity id is corrupt.
	store.put(virtualid.Mapping{
		VirtualID:     "email_AAAAAAAAAAAA",
		Kind:          virtualid.KindEmail,
		RealAccountID: "acct-1",
	})
	m := NewVirtualIDManager(store, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := m.Resolve(context.Background(), "email_AAAAAAAAAAAA"); !isNotFound(err) {
			t.Fatalf("attempt %d: err = %v, want not found", i, err)
		}
	}
	// The corrupt row must not have been cached as resolvable.
	if store.virtualGets != 2 {
		t.Errorf("store lookups = %d, want 2", store.virtualGets)
	}
}

func TestCacheEvictionDropsBothDirections(t *testing.T) {
	store := newMemIDStore()
	m := NewVirtualIDManager(store, testLogger(), WithIDCacheSize(1))
	ctx := context.Background()

	vidA, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	vidB, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "m2")
	if err != nil {
		t.Fatal(err)
	}
	store.resetCounts()

	// Caching B evicted A's forward entry; the reverse entry must have gone
	// with it, so resolving A is a store round trip, not a stale hit.
	mp, err := m.Resolve(ctx, vidA)
	if err != nil || mp.ProviderEntityID != "m1" {
		t.Fatalf("Resolve(A) = %+v, %v", mp, err)
	}
	if store.virtualGets != 1 {
		t.Errorf("reverse lookups = %d, want 1", store.virtualGets)
	}

	// Re-caching A displaced B from both directions, so mapping B again is
	// a store round trip.
	got, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "m2")
	if err != nil || got != vidB {
		t.Fatalf("VirtualFor(m2) = %q, %v; want %q", got, err, vidB)
	}
	if store.realGets != 1 {
		t.Errorf("forward lookups = %d, want 1", store.realGets)
	}
}

func TestVirtualForConcurrentAllocationConverges(t *testing.T) {
	m := newTestVirtualIDs(t)
	ctx := context.Background()

	const workers = 10
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = m.VirtualFor(ctx, virtualid.KindEmail, "acct-race", "msg-race")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("workers diverged: %q vs %q", ids[i], ids[0])
		}
	}
}

func TestWarmPreloadsMappings(t *testing.T) {
	db := newTestDB(t)
	store := db.VirtualIDs()
	ctx := context.Background()

	seed := NewVirtualIDManager(store, testLogger())
	vid, err := seed.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same store resolves after warming.
	m := NewVirtualIDManager(store, testLogger())
	m.Warm(ctx)
	acctID, entityID, err := m.ResolveEmail(ctx, vid)
	if err != nil || acctID != "acct-1" || entityID != "msg-1" {
		t.Errorf("after warm: %q, %q, %v", acctID, entityID, err)
	}
	got, err := m.VirtualFor(ctx, virtualid.KindEmail, "acct-1", "msg-1")
	if err != nil || got != vid {
		t.Errorf("VirtualFor after warm = %q, %v; want %q", got, err, vid)
	}
}

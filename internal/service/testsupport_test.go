package service

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trustgate/trustgate/internal/adapter/outbound/securebox"
	"github.com/trustgate/trustgate/internal/adapter/outbound/sqlite"
	"github.com/trustgate/trustgate/internal/domain/audit"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:", testLogger())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestBox(t *testing.T) *securebox.Box {
	t.Helper()
	key := make([]byte, securebox.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	box, err := securebox.New(key)
	if err != nil {
		t.Fatal(err)
	}
	return box
}

// fastRetry keeps failure-path tests from sleeping through real backoff.
func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}
}

// captureStore is an in-memory audit.Store recording every appended entry.
type captureStore struct {
	mu      sync.Mutex
	entries []audit.Entry
	appends int
	err     error
}

var _ audit.Store = (*captureStore)(nil)

func (c *captureStore) Append(_ context.Context, entries ...audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, entries...)
	c.appends++
	return nil
}

func (c *captureStore) Query(context.Context, audit.Filters) ([]audit.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Entry, len(c.entries))
	copy(out, c.entries)
	return out, nil
}

func (c *captureStore) Count(context.Context, audit.Filters) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *captureStore) GetByID(context.Context, string) (*audit.Entry, error) {
	return nil, nil
}

func (c *captureStore) Stats(context.Context, time.Time, time.Time) (*audit.Stats, error) {
	return &audit.Stats{}, nil
}

func (c *captureStore) Cleanup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (c *captureStore) all() []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *captureStore) batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appends
}

// fakeBackend serves canned records per account id and can fail selected
// accounts.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string][]provider.NormalizedRecord
	fail    map[string]error
	sendID  string
	sent    []provider.Draft
}

var _ provider.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) List(_ context.Context, acct provider.LiveAccount, q provider.ListQuery) ([]provider.NormalizedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[acct.Account.ID]; err != nil {
		return nil, err
	}
	return append([]provider.NormalizedRecord(nil), f.records[acct.Account.ID]...), nil
}

func (f *fakeBackend) Read(_ context.Context, acct provider.LiveAccount, entityID string) (*provider.NormalizedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[acct.Account.ID]; err != nil {
		return nil, err
	}
	for _, r := range f.records[acct.Account.ID] {
		if r.ID == entityID {
			rec := r
			return &rec, nil
		}
	}
	rec := provider.NormalizedRecord{ID: entityID, Subject: "fetched"}
	return &rec, nil
}

func (f *fakeBackend) Send(_ context.Context, acct provider.LiveAccount, d provider.Draft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[acct.Account.ID]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, d)
	if f.sendID == "" {
		return "provider-msg-1", nil
	}
	return f.sendID, nil
}

func (f *fakeBackend) Search(ctx context.Context, acct provider.LiveAccount, q provider.SearchQuery) ([]provider.NormalizedRecord, error) {
	return f.List(ctx, acct, provider.ListQuery{MaxResults: q.MaxResults})
}

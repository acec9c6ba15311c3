package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/trustgate/trustgate/internal/domain/account"
	"github.com/trustgate/trustgate/internal/domain/audit"
	"github.com/trustgate/trustgate/internal/domain/policy"
	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/domain/virtualid"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testAccount(id, pluginID, email string) *account.Account {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &account.Account{
		ID:        id,
		PluginID:  pluginID,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAccountInsertGet(t *testing.T) {
	s := testDB(t).Accounts()
	ctx := context.Background()

	a := testAccount("a1", "com.trustgate.gmail", "me@example.com")
	a.DisplayName = "Me"
	a.IsPrimary = true
	a.Metadata = map[string]string{"locale": "en"}
	if err := s.InsertAccount(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "me@example.com" || !got.IsPrimary || got.Metadata["locale"] != "en" {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("missing account: err = %v, want ErrNotFound", err)
	}
}

func TestAccountUniqueEmailPerPlugin(t *testing.T) {
	s := testDB(t).Accounts()
	ctx := context.Background()

	if err := s.InsertAccount(ctx, testAccount("a1", "p1", "me@example.com")); err != nil {
		t.Fatal(err)
	}
	err := s.InsertAccount(ctx, testAccount("a2", "p1", "me@example.com"))
	if !trust.IsConstraintViolation(err) {
		t.Errorf("duplicate (plugin, email): err = %v, want constraint violation", err)
	}
	// Same email under another plugin is fine.
	if err := s.InsertAccount(ctx, testAccount("a3", "p2", "me@example.com")); err != nil {
		t.Errorf("cross-plugin duplicate rejected: %v", err)
	}
}

func TestSetPrimaryMovesFlag(t *testing.T) {
	s := testDB(t).Accounts()
	ctx := context.Background()

	a1 := testAccount("a1", "p1", "one@example.com")
	a1.IsPrimary = true
	a2 := testAccount("a2", "p1", "two@example.com")
	for _, a := range []*account.Account{a1, a2} {
		if err := s.InsertAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SetPrimary(ctx, "a2"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}

	accounts, err := s.ListAccounts(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	primaries := 0
	for _, a := range accounts {
		if a.IsPrimary {
			primaries++
			if a.ID != "a2" {
				t.Errorf("primary is %s, want a2", a.ID)
			}
		}
	}
	if primaries != 1 {
		t.Errorf("%d primary accounts, want exactly 1", primaries)
	}

	p, err := s.GetPrimary(ctx, "p1")
	if err != nil || p.ID != "a2" {
		t.Errorf("GetPrimary = %+v, %v", p, err)
	}
}

func TestCredentialCascadeOnAccountDelete(t *testing.T) {
	s := testDB(t).Accounts()
	ctx := context.Background()

	a := testAccount("a1", "p1", "me@example.com")
	if err := s.InsertAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	cred := &account.Credential{
		ID: "c1", AccountID: "a1", PluginID: "p1",
		Type: account.CredentialOAuth2, CipherBlob: "aa:bb:cc",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertCredential(ctx, cred); err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	got, err := s.GetCredentialByAccount(ctx, "a1")
	if err != nil || got.CipherBlob != "aa:bb:cc" {
		t.Fatalf("GetCredentialByAccount = %+v, %v", got, err)
	}

	if err := s.DeleteAccount(ctx, "a1"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := s.GetCredentialByAccount(ctx, "a1"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("credential survived account deletion: %v", err)
	}
}

func TestOrphanCredential(t *testing.T) {
	s := testDB(t).Accounts()
	ctx := context.Background()

	now := time.Now().UTC()
	orphan := &account.Credential{
		ID: "c1", PluginID: "p1",
		Type: account.CredentialAPIKey, CipherBlob: "aa:bb:cc",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertCredential(ctx, orphan); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	got, err := s.GetOrphanCredential(ctx, "p1")
	if err != nil || got.ID != "c1" {
		t.Fatalf("GetOrphanCredential = %+v, %v", got, err)
	}
	if _, err := s.GetOrphanCredential(ctx, "p2"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("wrong plugin orphan: %v", err)
	}
}

func TestRuleOrderingAndConditionRoundTrip(t *testing.T) {
	s := testDB(t).Policies()
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(id string, priority int) *policy.Rule {
		return &policy.Rule{
			ID: id, Action: policy.ActionAllow, Priority: priority,
			Enabled: true, CreatedAt: now, UpdatedAt: now,
		}
	}
	rb := mk("b", 10)
	rb.Condition = policy.OpNode("==", policy.Var("tool"), policy.Lit("send_email"))
	for _, r := range []*policy.Rule{mk("c", 5), rb, mk("a", 10)} {
		if err := s.InsertRule(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	gotOrder := []string{rules[0].ID, rules[1].ID, rules[2].ID}
	wantOrder := []string{"a", "b", "c"} // priority desc, id asc
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("rule order = %v, want %v", gotOrder, wantOrder)
		}
	}

	var withCond *policy.Rule
	for i := range rules {
		if rules[i].ID == "b" {
			withCond = &rules[i]
		}
	}
	if withCond.Condition == nil {
		t.Fatal("condition lost in round trip")
	}
	doc := map[string]any{"tool": "send_email"}
	if !withCond.Condition.EvaluateBool(doc) {
		t.Error("round-tripped condition no longer matches")
	}
}

func TestRuleUpdateDelete(t *testing.T) {
	s := testDB(t).Policies()
	ctx := context.Background()

	now := time.Now().UTC()
	r := &policy.Rule{ID: "r1", Action: policy.ActionBlock, Enabled: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Action = policy.ActionRedact
	r.Description = "mask pii"
	if err := s.UpdateRule(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetRule(ctx, "r1")
	if err != nil || got.Action != policy.ActionRedact || got.Description != "mask pii" {
		t.Fatalf("GetRule = %+v, %v", got, err)
	}
	if err := s.DeleteRule(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRule(ctx, "r1"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("deleted rule still present: %v", err)
	}
	if err := s.DeleteRule(ctx, "r1"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := testDB(t).Policies()
	ctx := context.Background()

	req := &policy.ApprovalRequest{
		ID: "ap1", CreatedAt: time.Now().UTC(), ToolName: "send_email",
		Args: map[string]any{"to": []any{"x@example.com"}}, RuleID: "r1",
		Status: policy.ApprovalPending,
	}
	if err := s.InsertApproval(ctx, req); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListApprovals(ctx, policy.ApprovalPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListApprovals = %d, %v", len(pending), err)
	}

	mod := map[string]any{"to": []any{"y@example.com"}}
	if err := s.ResolveApproval(ctx, "ap1", policy.ApprovalApproved, mod); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != policy.ApprovalApproved || got.ResolvedAt == nil {
		t.Errorf("resolved request = %+v", got)
	}
	if got.ApprovedArgs == nil {
		t.Error("approved args not persisted")
	}

	// Transitions are monotonic.
	err = s.ResolveApproval(ctx, "ap1", policy.ApprovalDenied, nil)
	if err == nil {
		t.Fatal("re-resolving an approved request succeeded")
	}
	if trust.KindOf(err) != trust.KindPolicy {
		t.Errorf("re-resolve kind = %v, want policy", trust.KindOf(err))
	}

	if err := s.ResolveApproval(ctx, "missing", policy.ApprovalDenied, nil); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("resolve missing: err = %v, want ErrNotFound", err)
	}
}

func testEntry(id string, ts time.Time, tool, status, action string) audit.Entry {
	return audit.Entry{
		ID: id, Timestamp: ts, AgentName: "claude", ToolName: tool,
		Category: "email", Status: status,
		Decision: audit.DecisionInfo{Action: action},
	}
}

func TestAuditAppendQuery(t *testing.T) {
	s := testDB(t).Audit()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	entries := []audit.Entry{
		testEntry("e1", base.Add(-2*time.Hour), "list_emails", audit.StatusSuccess, "ALLOW"),
		testEntry("e2", base.Add(-time.Hour), "send_email", audit.StatusDenied, "BLOCK"),
		testEntry("e3", base, "send_email", audit.StatusSuccess, "ALLOW"),
	}
	if err := s.Append(ctx, entries...); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := s.Query(ctx, audit.Filters{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "e3" || all[2].ID != "e1" {
		t.Fatalf("query order wrong: %+v", all)
	}

	denied, err := s.Query(ctx, audit.Filters{Status: audit.StatusDenied, Limit: 10})
	if err != nil || len(denied) != 1 || denied[0].ID != "e2" {
		t.Errorf("status filter: %d entries, %v", len(denied), err)
	}

	sends, err := s.Query(ctx, audit.Filters{ToolName: "send_email", Limit: 10})
	if err != nil || len(sends) != 2 {
		t.Errorf("tool filter: %d entries, %v", len(sends), err)
	}

	recent, err := s.Query(ctx, audit.Filters{Since: base.Add(-90 * time.Minute), Limit: 10})
	if err != nil || len(recent) != 2 {
		t.Errorf("since filter: %d entries, %v", len(recent), err)
	}

	n, err := s.Count(ctx, audit.Filters{ToolName: "send_email"})
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v", n, err)
	}

	got, err := s.GetByID(ctx, "e2")
	if err != nil || got.Decision.Action != "BLOCK" {
		t.Errorf("GetByID = %+v, %v", got, err)
	}
}

func TestAuditStatsAndCleanup(t *testing.T) {
	s := testDB(t).Audit()
	ctx := context.Background()

	base := time.Now().UTC()
	if err := s.Append(ctx,
		testEntry("e1", base.Add(-48*time.Hour), "list_emails", audit.StatusSuccess, "ALLOW"),
		testEntry("e2", base, "send_email", audit.StatusDenied, "BLOCK"),
		testEntry("e3", base, "send_email", audit.StatusSuccess, "ALLOW"),
	); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByAction["ALLOW"] != 2 || stats.ByStatus[audit.StatusDenied] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByAgent["claude"] != 3 {
		t.Errorf("ByAgent = %v", stats.ByAgent)
	}

	removed, err := s.Cleanup(ctx, base.Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("Cleanup = %d, %v; want 1", removed, err)
	}
	n, _ := s.Count(ctx, audit.Filters{})
	if n != 2 {
		t.Errorf("entries after cleanup = %d", n)
	}
}

func TestVirtualIDStore(t *testing.T) {
	s := testDB(t).VirtualIDs()
	ctx := context.Background()

	m := &virtualid.Mapping{
		VirtualID: "email_AAAAAAAAAAAA", Kind: virtualid.KindEmail,
		RealAccountID: "a1", ProviderEntityID: "msg-1",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetByVirtualID(ctx, "email_AAAAAAAAAAAA")
	if err != nil || got.ProviderEntityID != "msg-1" {
		t.Fatalf("GetByVirtualID = %+v, %v", got, err)
	}
	got, err = s.GetByRealKey(ctx, virtualid.KindEmail, "a1", "msg-1")
	if err != nil || got.VirtualID != "email_AAAAAAAAAAAA" {
		t.Fatalf("GetByRealKey = %+v, %v", got, err)
	}

	// Same real identity under another virtual id violates the unique key.
	dup := *m
	dup.VirtualID = "email_BBBBBBBBBBBB"
	if err := s.Insert(ctx, &dup); !trust.IsConstraintViolation(err) {
		t.Errorf("duplicate real key: err = %v, want constraint violation", err)
	}
	// Reusing the virtual id for another identity violates the primary key.
	reuse := &virtualid.Mapping{
		VirtualID: "email_AAAAAAAAAAAA", Kind: virtualid.KindEmail,
		RealAccountID: "a2", ProviderEntityID: "msg-9",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Insert(ctx, reuse); !trust.IsConstraintViolation(err) {
		t.Errorf("duplicate virtual id: err = %v, want constraint violation", err)
	}

	if _, err := s.GetByVirtualID(ctx, "email_ZZZZZZZZZZZZ"); !errors.Is(err, trust.ErrNotFound) {
		t.Errorf("missing mapping: %v", err)
	}

	recent, err := s.ListRecent(ctx, virtualid.KindEmail, 10)
	if err != nil || len(recent) != 1 {
		t.Errorf("ListRecent = %d, %v", len(recent), err)
	}
}

func TestVirtualIDInsertRejectsInvalidMapping(t *testing.T) {
	s := testDB(t).VirtualIDs()
	err := s.Insert(context.Background(), &virtualid.Mapping{
		VirtualID: "email_CCCCCCCCCCCC", Kind: virtualid.KindEmail,
		RealAccountID: "a1", CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Error("email mapping without provider entity id accepted")
	}
}

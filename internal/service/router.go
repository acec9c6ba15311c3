package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/ratelimit"
	"github.com/trustgate/trustgate/internal/domain/trust"
	"github.com/trustgate/trustgate/internal/domain/virtualid"
	"github.com/trustgate/trustgate/pkg/lru"
	"github.com/trustgate/trustgate/pkg/retry"
)

// Result caps for fan-out operations.
const (
	defaultListMax   = 10
	maxListMax       = 500
	defaultSearchMax = 20
)

// recordCacheSize bounds the point-read record cache.
const recordCacheSize = 1000

// recordCacheTTL is how long a fetched record stays readable without a
// fresh provider call.
const recordCacheTTL = time.Hour

// Router fans category-level operations out across every connected account,
// merges the results, and translates real identifiers to virtual ones at
// the boundary. Every outbound call passes the per-account rate limiter and
// the transient-failure retry schedule.
type Router struct {
	registry    *provider.Registry
	credentials *CredentialService
	virtualIDs  *VirtualIDManager
	limiter     *ratelimit.SlidingWindow
	logger      *slog.Logger

	retryPolicy retry.Policy
	records     *lru.Cache[string, provider.NormalizedRecord]
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRetryPolicy overrides the provider retry schedule.
func WithRetryPolicy(p retry.Policy) RouterOption {
	return func(r *Router) { r.retryPolicy = p }
}

// WithRecordCache overrides the point-read cache geometry.
func WithRecordCache(size int, ttl time.Duration) RouterOption {
	return func(r *Router) {
		r.records = lru.New[string, provider.NormalizedRecord](size, ttl)
	}
}

// NewRouter creates the router.
func NewRouter(registry *provider.Registry, credentials *CredentialService, virtualIDs *VirtualIDManager, limiter *ratelimit.SlidingWindow, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		registry:    registry,
		credentials: credentials,
		virtualIDs:  virtualIDs,
		limiter:     limiter,
		logger:      logger,
		retryPolicy: retry.DefaultPolicy(),
		records:     lru.New[string, provider.NormalizedRecord](recordCacheSize, recordCacheTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// target is one (plugin, account) pair selected during discovery.
type target struct {
	pluginID string
	backend  provider.Backend
	acct     provider.LiveAccount
}

// discover returns every live (plugin, account) pair in a category.
// Accounts without usable credentials are skipped inside LiveAccounts.
func (r *Router) discover(ctx context.Context, cat provider.Category) ([]target, error) {
	var targets []target
	for _, pluginID := range r.registry.PluginsInCategory(cat) {
		backend, ok := r.registry.Backend(pluginID)
		if !ok {
			continue
		}
		live, err := r.credentials.LiveAccounts(ctx, pluginID)
		if err != nil {
			return nil, err
		}
		for _, acct := range live {
			targets = append(targets, target{pluginID: pluginID, backend: backend, acct: acct})
		}
	}
	return targets, nil
}

// FanOutStats summarizes one fan-out for auditing.
type FanOutStats struct {
	AccountsQueried int
	AccountsFailed  int
}

// List fans a mailbox listing across every account in the category and
// merges the results newest-first. Individual account failures degrade the
// result instead of failing the call; the error is non-nil only when every
// account failed or discovery itself failed.
func (r *Router) List(ctx context.Context, cat provider.Category, q provider.ListQuery) ([]provider.VirtualRecord, FanOutStats, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = defaultListMax
	}
	if q.MaxResults > maxListMax {
		q.MaxResults = maxListMax
	}
	return r.fanOut(ctx, cat, q.MaxResults, func(ctx context.Context, t target) ([]provider.NormalizedRecord, error) {
		return t.backend.List(ctx, t.acct, q)
	})
}

// Search fans a query across every account in the category.
func (r *Router) Search(ctx context.Context, cat provider.Category, q provider.SearchQuery) ([]provider.VirtualRecord, FanOutStats, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = defaultSearchMax
	}
	if q.MaxResults > maxListMax {
		q.MaxResults = maxListMax
	}
	return r.fanOut(ctx, cat, q.MaxResults, func(ctx context.Context, t target) ([]provider.NormalizedRecord, error) {
		return t.backend.Search(ctx, t.acct, q)
	})
}

// fanOut runs one call per target in parallel, merges, truncates, and
// translates.
func (r *Router) fanOut(ctx context.Context, cat provider.Category, limit int, call func(ctx context.Context, t target) ([]provider.NormalizedRecord, error)) ([]provider.VirtualRecord, FanOutStats, error) {
	targets, err := r.discover(ctx, cat)
	if err != nil {
		return nil, FanOutStats{}, err
	}
	stats := FanOutStats{AccountsQueried: len(targets)}
	if len(targets) == 0 {
		return []provider.VirtualRecord{}, stats, nil
	}

	var (
		mu      sync.Mutex
		merged  []provider.NormalizedRecord
		failed  int
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			var records []provider.NormalizedRecord
			err := retry.Do(gctx, r.retryPolicy, func(ctx context.Context) error {
				if err := r.limiter.Throttle(ctx, t.acct.Account.ID); err != nil {
					return err
				}
				var callErr error
				records, callErr = call(ctx, t)
				return callErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				r.logger.Warn("account fan-out call failed",
					"plugin", t.pluginID, "account_id", t.acct.Account.ID, "error", err)
				return nil // partial results beat total failure
			}
			for i := range records {
				records[i].PluginID = t.pluginID
				records[i].AccountID = t.acct.Account.ID
				r.cacheRecord(records[i])
			}
			merged = append(merged, records...)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures degrade the merge

	stats.AccountsFailed = failed
	if failed == len(targets) && lastErr != nil {
		return nil, stats, lastErr
	}

	// Newest first; provider id breaks ties so the order is reproducible.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].TimestampMs != merged[j].TimestampMs {
			return merged[i].TimestampMs > merged[j].TimestampMs
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	out, err := r.translate(ctx, merged)
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// Read returns one record by its virtual id, serving repeat reads from the
// record cache. The second return is the plugin that served the record.
func (r *Router) Read(ctx context.Context, virtualID string) (*provider.VirtualRecord, string, error) {
	accountID, entityID, err := r.virtualIDs.ResolveEmail(ctx, virtualID)
	if err != nil {
		if isNotFound(err) {
			return nil, "", trust.Errorf(trust.KindProtocol, "router.read",
				"unknown id %s", virtualID)
		}
		return nil, "", err
	}

	rec, err := r.records.GetOrCompute(ctx, recordKey(accountID, entityID), func(ctx context.Context) (provider.NormalizedRecord, error) {
		return r.fetchRecord(ctx, accountID, entityID)
	})
	if err != nil {
		return nil, "", err
	}

	translated, err := r.translate(ctx, []provider.NormalizedRecord{rec})
	if err != nil {
		return nil, "", err
	}
	return &translated[0], rec.PluginID, nil
}

// fetchRecord performs the provider point read.
func (r *Router) fetchRecord(ctx context.Context, accountID, entityID string) (provider.NormalizedRecord, error) {
	acct, err := r.credentials.LiveAccount(ctx, accountID)
	if err != nil {
		return provider.NormalizedRecord{}, err
	}
	backend, ok := r.registry.Backend(acct.Account.PluginID)
	if !ok {
		return provider.NormalizedRecord{}, trust.Errorf(trust.KindInternal, "router.read",
			"no backend registered for plugin %s", acct.Account.PluginID)
	}

	var rec *provider.NormalizedRecord
	err = retry.Do(ctx, r.retryPolicy, func(ctx context.Context) error {
		if err := r.limiter.Throttle(ctx, accountID); err != nil {
			return err
		}
		var callErr error
		rec, callErr = backend.Read(ctx, *acct, entityID)
		return callErr
	})
	if err != nil {
		return provider.NormalizedRecord{}, err
	}
	rec.PluginID = acct.Account.PluginID
	rec.AccountID = accountID
	return *rec, nil
}

// Send delivers a draft from the named virtual account, or the category's
// primary account when fromVirtualID is empty. Returns the virtual id of
// the sent message, the account that sent it, and the plugin that carried
// the send.
func (r *Router) Send(ctx context.Context, cat provider.Category, fromVirtualID string, d provider.Draft) (sentVirtualID, accountVirtualID, pluginID string, err error) {
	var acct *provider.LiveAccount
	if fromVirtualID != "" {
		accountID, err := r.virtualIDs.ResolveAccount(ctx, fromVirtualID)
		if err != nil {
			if isNotFound(err) {
				return "", "", "", trust.Errorf(trust.KindProtocol, "router.send",
					"unknown account id %s", fromVirtualID)
			}
			return "", "", "", err
		}
		acct, err = r.credentials.LiveAccount(ctx, accountID)
		if err != nil {
			return "", "", "", err
		}
	} else {
		acct, err = r.primaryInCategory(ctx, cat)
		if err != nil {
			return "", "", "", err
		}
	}

	backend, ok := r.registry.Backend(acct.Account.PluginID)
	if !ok {
		return "", "", "", trust.Errorf(trust.KindInternal, "router.send",
			"no backend registered for plugin %s", acct.Account.PluginID)
	}

	var providerMsgID string
	err = retry.Do(ctx, r.retryPolicy, func(ctx context.Context) error {
		if err := r.limiter.Throttle(ctx, acct.Account.ID); err != nil {
			return err
		}
		var callErr error
		providerMsgID, callErr = backend.Send(ctx, *acct, d)
		return callErr
	})
	if err != nil {
		return "", "", "", err
	}

	sentVirtualID, err = r.virtualIDs.VirtualFor(ctx, virtualid.KindEmail, acct.Account.ID, providerMsgID)
	if err != nil {
		return "", "", "", err
	}
	accountVirtualID, err = r.virtualIDs.VirtualFor(ctx, virtualid.KindAccount, acct.Account.ID, "")
	if err != nil {
		return "", "", "", err
	}
	return sentVirtualID, accountVirtualID, acct.Account.PluginID, nil
}

// PluginHint names the plugin a category routes to when there is exactly
// one; with several plugins registered the routed plugin is only known
// after account resolution.
func (r *Router) PluginHint(cat provider.Category) string {
	plugins := r.registry.PluginsInCategory(cat)
	if len(plugins) == 1 {
		return plugins[0]
	}
	return ""
}

// primaryInCategory finds the primary account among the category's plugins.
// With a single plugin registered this is that plugin's primary; with
// several, the first (sorted) plugin that has one wins.
func (r *Router) primaryInCategory(ctx context.Context, cat provider.Category) (*provider.LiveAccount, error) {
	plugins := r.registry.PluginsInCategory(cat)
	for _, pluginID := range plugins {
		acct, err := r.credentials.PrimaryLiveAccount(ctx, pluginID)
		if err == nil {
			return acct, nil
		}
		if trust.KindOf(err) != trust.KindAuth {
			return nil, err
		}
	}
	return nil, trust.Errorf(trust.KindAuth, "router.send",
		"no connected account in category %s", cat)
}

// translate converts normalized records to their agent-facing shape,
// swapping every real identifier for a virtual one.
func (r *Router) translate(ctx context.Context, records []provider.NormalizedRecord) ([]provider.VirtualRecord, error) {
	out := make([]provider.VirtualRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		vid, err := r.virtualIDs.VirtualFor(ctx, virtualid.KindEmail, rec.AccountID, rec.ID)
		if err != nil {
			return nil, err
		}
		accVID, err := r.virtualIDs.VirtualFor(ctx, virtualid.KindAccount, rec.AccountID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, provider.VirtualRecord{
			ID:             vid,
			AccountID:      accVID,
			Subject:        rec.Subject,
			From:           rec.From,
			To:             rec.To,
			Cc:             rec.Cc,
			Bcc:            rec.Bcc,
			ReplyTo:        rec.ReplyTo,
			Body:           rec.Body,
			HTMLBody:       rec.HTMLBody,
			Snippet:        rec.Snippet,
			TimestampMs:    rec.TimestampMs,
			IsRead:         rec.IsRead,
			IsStarred:      rec.IsStarred,
			Labels:         rec.Labels,
			ThreadID:       rec.ThreadID,
			HasAttachments: rec.HasAttachments,
			Attachments:    rec.Attachments,
		})
	}
	return out, nil
}

func (r *Router) cacheRecord(rec provider.NormalizedRecord) {
	r.records.Put(recordKey(rec.AccountID, rec.ID), rec)
}

func recordKey(accountID, providerEntityID string) string {
	return accountID + "\x00" + providerEntityID
}

// StartSweepers launches the record cache TTL sweeper.
func (r *Router) StartSweepers(ctx context.Context) {
	r.records.StartSweeper(ctx, 10*time.Minute)
}

// Stop terminates background goroutines.
func (r *Router) Stop() {
	r.records.Stop()
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trustgate/trustgate/internal/adapter/inbound/admin"
	inboundrpc "github.com/trustgate/trustgate/internal/adapter/inbound/rpc"
	"github.com/trustgate/trustgate/internal/adapter/outbound/gmailer"
	"github.com/trustgate/trustgate/internal/adapter/outbound/securebox"
	"github.com/trustgate/trustgate/internal/adapter/outbound/sqlite"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/ratelimit"
	"github.com/trustgate/trustgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires every component and serves until interrupted.
func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := securebox.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return err
	}
	box, err := securebox.New(key)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	policyStore := db.Policies()
	policySvc := service.NewPolicyService(policyStore, policyStore, policyStore, logger)
	if cfg.PolicySeedPath != "" {
		if err := seedPolicies(ctx, cfg.PolicySeedPath, policyStore, logger); err != nil {
			return err
		}
	}
	if err := policySvc.Reload(ctx); err != nil {
		return err
	}

	credentials := service.NewCredentialService(db.Accounts(), box, logger)
	virtualIDs := service.NewVirtualIDManager(db.VirtualIDs(), logger)
	virtualIDs.Warm(ctx)

	oauthProviders := make(map[string]service.OAuthProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		oauthProviders[p.Name] = service.OAuthProviderConfig{
			PluginID:     p.PluginID,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			RedirectURL:  fmt.Sprintf("http://localhost:%d/oauth/callback", cfg.Port),
			Scopes:       p.Scopes,
			IdentityURL:  p.IdentityURL,
		}
	}
	oauthSvc := service.NewOAuthService(oauthProviders, credentials, logger)

	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if p.APIBaseURL == "" {
			logger.Warn("provider has no api_base_url, skipping backend", "provider", p.Name)
			continue
		}
		registry.Register(provider.Registration{
			PluginID: p.PluginID,
			Category: provider.CategoryEmail,
			Backend:  gmailer.New(p.APIBaseURL, oauthSvc.FreshAccessToken, logger),
		})
	}

	limiter := ratelimit.NewSlidingWindow(ratelimit.PresetPerSecond)
	limiter.StartCleanup(ctx, time.Minute)
	defer limiter.Stop()

	router := service.NewRouter(registry, credentials, virtualIDs, limiter, logger)
	router.StartSweepers(ctx)
	defer router.Stop()

	auditWriter := service.NewAuditWriter(db.Audit(), logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushInterval),
	)
	auditWriter.Start(ctx)
	if cfg.Audit.RetentionDays > 0 {
		auditWriter.StartRetention(ctx,
			time.Duration(cfg.Audit.RetentionDays)*24*time.Hour, time.Hour)
	}

	metrics := service.NewMetrics()
	dispatcher := service.NewDispatcher(policySvc, router, auditWriter, logger,
		service.WithMetrics(metrics))

	sessions := inboundrpc.NewSessionStore()
	rpcHandler := inboundrpc.NewHandler(sessions, dispatcher, "trustgate", Version, logger)

	adminHandler := admin.NewHandler(admin.Config{
		PolicyService: policySvc,
		Rules:         policyStore,
		Patterns:      policyStore,
		Approvals:     policyStore,
		Credentials:   credentials,
		OAuth:         oauthSvc,
		Audits:        db.Audit(),
		Writer:        auditWriter,
		Sessions:      sessions,
		Registry:      registry,
		DB:            db,
		Metrics:       metrics,
		Logger:        logger,
		CORSOrigin:    cfg.CORSOrigin,
		APIKeyHash:    cfg.AdminAPIKeyHash,
		Version:       Version,
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", rpcHandler)
	mux.Handle("/", adminHandler.Routes())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.Addr(), "plugins", registry.Len(), "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	sessions.CloseAll()
	auditWriter.Stop()
	return nil
}

// seedPolicies loads the YAML seed into an empty policy store. A store that
// already holds rules is left untouched.
func seedPolicies(ctx context.Context, path string, store *sqlite.PolicyStore, logger *slog.Logger) error {
	existing, err := store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	seed, err := config.LoadPolicySeed(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range seed.Rules {
		r := seed.Rules[i]
		r.ID = uuid.NewString()
		r.CreatedAt = now
		r.UpdatedAt = now
		if err := store.InsertRule(ctx, &r); err != nil {
			return err
		}
	}
	for i := range seed.Patterns {
		p := seed.Patterns[i]
		p.ID = uuid.NewString()
		p.CreatedAt = now
		if err := store.InsertPattern(ctx, &p); err != nil {
			return err
		}
	}
	logger.Info("policy store seeded",
		"rules", len(seed.Rules), "patterns", len(seed.Patterns), "source", path)
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/trustgate/trustgate/internal/adapter/outbound/securebox"
	"github.com/trustgate/trustgate/internal/domain/account"
	"github.com/trustgate/trustgate/internal/domain/provider"
	"github.com/trustgate/trustgate/internal/domain/trust"
)

// OAuthProviderConfig describes one provider's authorization endpoints.
type OAuthProviderConfig struct {
	// PluginID is the plugin the acquired credential belongs to.
	PluginID string
	// ClientID and ClientSecret identify the gateway's OAuth app. PKCE is
	// always used; the secret may be empty for public clients.
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// IdentityURL is fetched with the fresh token to learn which account
	// was connected; it must return JSON with email and name fields.
	IdentityURL string
}

// OAuthService runs the authorization-code-with-PKCE flow and deposits the
// resulting tokens as encrypted credentials.
type OAuthService struct {
	providers   map[string]OAuthProviderConfig
	states      *securebox.StateStore
	credentials *CredentialService
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOAuthService creates the service. The providers map is keyed by the
// short provider name used in the management API path (e.g. "google").
func NewOAuthService(providers map[string]OAuthProviderConfig, credentials *CredentialService, logger *slog.Logger) *OAuthService {
	return &OAuthService{
		providers:   providers,
		states:      securebox.NewStateStore(),
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// Providers returns the configured provider names.
func (s *OAuthService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

// PluginFor maps a provider name to its plugin id.
func (s *OAuthService) PluginFor(providerName string) (string, bool) {
	cfg, ok := s.providers[providerName]
	return cfg.PluginID, ok
}

// Start begins an authorization flow and returns the URL to open in a
// browser. The state parameter binds the eventual callback to the PKCE
// verifier held in memory.
func (s *OAuthService) Start(_ context.Context, providerName string) (string, error) {
	cfg, ok := s.providers[providerName]
	if !ok {
		return "", trust.Errorf(trust.KindConfig, "oauth.start",
			"unknown provider %q", providerName)
	}
	verifier, err := securebox.NewVerifier()
	if err != nil {
		return "", err
	}
	state, err := securebox.NewState()
	if err != nil {
		return "", err
	}
	s.states.Put(state, verifier, providerName)

	authURL := s.oauthConfig(cfg).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	s.logger.Info("authorization flow started", "provider", providerName)
	return authURL, nil
}

// Callback completes the flow: validates the state, exchanges the code with
// the verifier, resolves the connected identity, and stores the tokens as
// an encrypted credential on the (possibly new) account.
func (s *OAuthService) Callback(ctx context.Context, state, code string) (*account.Account, error) {
	verifier, providerName, ok := s.states.Take(state)
	if !ok {
		return nil, trust.Errorf(trust.KindAuth, "oauth.callback",
			"unknown or expired state")
	}
	cfg := s.providers[providerName]

	token, err := s.oauthConfig(cfg).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, trust.E(trust.KindAuth, "oauth.exchange", err)
	}

	email, displayName, err := s.fetchIdentity(ctx, cfg, token.AccessToken)
	if err != nil {
		return nil, err
	}

	a, err := s.credentials.UpsertAccount(ctx, cfg.PluginID, email, displayName,
		account.CredentialOAuth2, tokenPayload(token))
	if err != nil {
		return nil, err
	}
	s.logger.Info("oauth credential stored",
		"provider", providerName, "account_id", a.ID)
	return a, nil
}

// FreshAccessToken returns a valid bearer token for the account, refreshing
// and re-sealing the credential when the stored token has expired.
func (s *OAuthService) FreshAccessToken(ctx context.Context, acct provider.LiveAccount) (string, error) {
	stored := payloadToken(acct.Credentials)
	if stored.Valid() {
		return stored.AccessToken, nil
	}

	cfg, ok := s.configForPlugin(acct.Account.PluginID)
	if !ok || stored.RefreshToken == "" {
		if stored.AccessToken != "" {
			return stored.AccessToken, nil
		}
		return "", trust.Errorf(trust.KindAuth, "oauth.refresh",
			"account %s has no usable token", acct.Account.ID)
	}

	fresh, err := s.oauthConfig(cfg).TokenSource(ctx, stored).Token()
	if err != nil {
		return "", trust.E(trust.KindAuth, "oauth.refresh", err)
	}
	if fresh.AccessToken != stored.AccessToken {
		a := acct.Account
		if err := s.credentials.SetCredential(ctx, &a, account.CredentialOAuth2, tokenPayload(fresh)); err != nil {
			// The refreshed token still works for this call.
			s.logger.Warn("failed to persist refreshed token",
				"account_id", a.ID, "error", err)
		}
	}
	return fresh.AccessToken, nil
}

func (s *OAuthService) oauthConfig(cfg OAuthProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

func (s *OAuthService) configForPlugin(pluginID string) (OAuthProviderConfig, bool) {
	for _, cfg := range s.providers {
		if cfg.PluginID == pluginID {
			return cfg, true
		}
	}
	return OAuthProviderConfig{}, false
}

// fetchIdentity asks the provider who the token belongs to.
func (s *OAuthService) fetchIdentity(ctx context.Context, cfg OAuthProviderConfig, accessToken string) (email, name string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.IdentityURL, nil)
	if err != nil {
		return "", "", trust.E(trust.KindAuth, "oauth.identity", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", trust.E(trust.KindAuth, "oauth.identity", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", trust.Errorf(trust.KindAuth, "oauth.identity",
			"identity endpoint returned %d: %s", resp.StatusCode, body)
	}

	var identity struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return "", "", trust.E(trust.KindAuth, "oauth.identity", err)
	}
	if identity.Email == "" {
		return "", "", trust.Errorf(trust.KindAuth, "oauth.identity",
			"identity response carried no email")
	}
	return identity.Email, identity.Name, nil
}

// tokenPayload converts an oauth2 token to the stored credential shape.
func tokenPayload(t *oauth2.Token) account.Payload {
	p := account.Payload{"access_token": t.AccessToken}
	if t.RefreshToken != "" {
		p["refresh_token"] = t.RefreshToken
	}
	if !t.Expiry.IsZero() {
		p["expiry"] = t.Expiry.UTC().Format(time.RFC3339)
	}
	return p
}

// payloadToken converts a stored credential payload back to an oauth2 token.
func payloadToken(p account.Payload) *oauth2.Token {
	t := &oauth2.Token{}
	if v, ok := p["access_token"].(string); ok {
		t.AccessToken = v
	}
	if v, ok := p["refresh_token"].(string); ok {
		t.RefreshToken = v
	}
	if v, ok := p["expiry"].(string); ok {
		if exp, err := time.Parse(time.RFC3339, v); err == nil {
			t.Expiry = exp
		}
	}
	return t
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Scopes always requested alongside the application's own scopes.
var defaultScopes = []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}

// Access tokens this close to expiry are refreshed rather than reused.
const refreshSkew = 5 * time.Minute

// Error codes from the token endpoint meaning the user must sign in again.
var interactionRequiredCodes = []string{
	"invalid_grant",
	"interaction_required",
	"login_required",
	"consent_required",
}

// ClientConfig carries the application registration used by the client.
type ClientConfig struct {
	Authority    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
}

// Provider is a discovered authority. It is safe for concurrent use and
// cheap to build clients from.
type Provider struct {
	cfg         ClientConfig
	endpoint    oauth2.Endpoint
	verifier    *oidc.IDTokenVerifier
	environment string
}

// Discover fetches the authority's OpenID configuration.
func Discover(ctx context.Context, cfg ClientConfig) (*Provider, error) {
	if cfg.Authority == "" {
		return nil, errors.New("authority required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	op, err := oidc.NewProvider(ctx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("discover authority %s: %w", cfg.Authority, err)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	environment := cfg.Authority
	if u, err := url.Parse(cfg.Authority); err == nil && u.Host != "" {
		environment = u.Host
	}

	return &Provider{
		cfg:         cfg,
		endpoint:    endpoint,
		verifier:    op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		environment: environment,
	}, nil
}

// NewClient builds a confidential client backed by tokenCache.
func (p *Provider) NewClient(tokenCache *TokenCache, logger *slog.Logger) *OIDCClient {
	return &OIDCClient{
		provider: p,
		cache:    tokenCache,
		logger:   logger,
		now:      time.Now,
	}
}

// OIDCClient runs the authorization code flow and silent refresh against one
// provider, keeping tokens in its TokenCache.
type OIDCClient struct {
	provider *Provider
	cache    *TokenCache
	logger   *slog.Logger
	now      func() time.Time
}

// TokenCache returns the client's cache.
func (c *OIDCClient) TokenCache() *TokenCache {
	return c.cache
}

// AuthCodeURL builds the authorization endpoint URL carrying nonce.
func (c *OIDCClient) AuthCodeURL(ctx context.Context, nonce string, scopes []string) (string, error) {
	if nonce == "" {
		return "", errors.New("nonce required")
	}
	cfg := c.oauthConfig(scopes)
	return cfg.AuthCodeURL("",
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	), nil
}

// AcquireTokenByCode redeems an authorization code and caches the tokens.
func (c *OIDCClient) AcquireTokenByCode(ctx context.Context, code string, scopes []string) (*AuthResult, error) {
	ctx = c.httpContext(ctx)
	cfg := c.oauthConfig(scopes)

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	entry, err := c.entryFromToken(ctx, tok, cfg.Scopes, nil)
	if err != nil {
		return nil, err
	}
	if err := c.cache.save(ctx, entry); err != nil {
		return nil, err
	}
	c.logger.Debug("token acquired by code", "home_account_id", entry.Account.HomeAccountID)
	return entry.result(false), nil
}

// AcquireTokenSilent returns a cached access token for account, refreshing it
// with the cached refresh token when it is expired or about to expire. A nil
// result with a nil error means the account has no usable session.
func (c *OIDCClient) AcquireTokenSilent(ctx context.Context, account AccountInfo, scopes []string) (*AuthResult, error) {
	ctx = c.httpContext(ctx)
	cfg := c.oauthConfig(scopes)

	entry, found, err := c.cache.lookup(ctx, account.HomeAccountID)
	if err != nil {
		return nil, err
	}
	if !found {
		c.logger.Debug("no cached tokens for account", "home_account_id", account.HomeAccountID)
		return nil, nil
	}

	if entry.AccessToken != "" && c.now().Add(refreshSkew).Before(entry.ExpiresOn) && containsAll(entry.Scopes, scopes) {
		c.logger.Debug("access token served from cache", "home_account_id", account.HomeAccountID)
		return entry.result(true), nil
	}
	if entry.RefreshToken == "" {
		return nil, nil
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: entry.RefreshToken}).Token()
	if err != nil {
		if interactionRequired(err) {
			c.logger.Info("refresh token rejected by provider", "home_account_id", account.HomeAccountID, "error", err)
			if err := c.cache.RemoveAccount(ctx, entry.Account); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	refreshed, err := c.entryFromToken(ctx, tok, cfg.Scopes, &entry)
	if err != nil {
		return nil, err
	}
	if err := c.cache.save(ctx, refreshed); err != nil {
		return nil, err
	}
	c.logger.Info("access token refreshed", "home_account_id", account.HomeAccountID)
	return refreshed.result(false), nil
}

func (c *OIDCClient) entryFromToken(ctx context.Context, tok *oauth2.Token, scopes []string, prior *cacheEntry) (cacheEntry, error) {
	entry := cacheEntry{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresOn:    tok.Expiry,
		Scopes:       scopes,
	}
	if prior != nil && entry.RefreshToken == "" {
		entry.RefreshToken = prior.RefreshToken
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if prior == nil {
			return cacheEntry{}, errors.New("id_token missing in response")
		}
		entry.IDToken = prior.IDToken
		entry.Account = prior.Account
		return entry, nil
	}

	idToken, err := c.provider.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return cacheEntry{}, fmt.Errorf("parse claims: %w", err)
	}
	account, err := AccountFromClaims(claims, c.provider.environment)
	if err != nil {
		return cacheEntry{}, err
	}
	if prior != nil && prior.Account.HomeAccountID != account.HomeAccountID {
		return cacheEntry{}, fmt.Errorf("%w: refreshed token belongs to a different account", ErrInvalidClaims)
	}

	entry.IDToken = rawIDToken
	entry.Account = account
	return entry, nil
}

func (c *OIDCClient) oauthConfig(scopes []string) *oauth2.Config {
	all := slices.Clone(defaultScopes)
	for _, s := range scopes {
		if !slices.Contains(all, s) {
			all = append(all, s)
		}
	}
	return &oauth2.Config{
		ClientID:     c.provider.cfg.ClientID,
		ClientSecret: c.provider.cfg.ClientSecret,
		RedirectURL:  c.provider.cfg.RedirectURI,
		Endpoint:     c.provider.endpoint,
		Scopes:       all,
	}
}

func (c *OIDCClient) httpContext(ctx context.Context) context.Context {
	if c.provider.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.provider.cfg.HTTPClient)
	}
	return ctx
}

func interactionRequired(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	return slices.Contains(interactionRequiredCodes, re.ErrorCode)
}

func containsAll(have, want []string) bool {
	for _, s := range want {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// ResolveAuthority substitutes a tenant into a Microsoft login authority, either
// through a "{tenant}" placeholder or by replacing the "/common" segment.
func ResolveAuthority(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}

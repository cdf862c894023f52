// Package devidp is a minimal OpenID provider for local development. It signs
// in a single configured user without prompting, so the full browser
// redirect chain can be exercised without a real tenant.
package devidp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token lifetimes used when Config leaves them unset.
const (
	DefaultAccessTTL  = 10 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
	codeTTL           = 5 * time.Minute
)

// User is the identity every sign-in resolves to.
type User struct {
	Subject  string   `yaml:"subject"`
	ObjectID string   `yaml:"object_id"`
	TenantID string   `yaml:"tenant_id"`
	Name     string   `yaml:"name"`
	Email    string   `yaml:"email"`
	Groups   []string `yaml:"groups"`
	// GroupsOverage replaces the groups claim with an overage indicator.
	GroupsOverage bool `yaml:"groups_overage"`
}

// Config configures the provider.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	User         User
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

type authCode struct {
	nonce       string
	redirectURI string
	scope       string
	expiresAt   time.Time
}

type refreshGrant struct {
	scope     string
	expiresAt time.Time
}

// Provider serves discovery, authorize, token, JWKS and logout endpoints.
type Provider struct {
	cfg    Config
	keys   *signingKeys
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	codes   map[string]authCode
	refresh map[string]refreshGrant
}

// New builds a provider with a fresh signing key.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.User.Subject == "" {
		cfg.User.Subject = "dev-user"
	}

	keys, err := newSigningKeys()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return &Provider{
		cfg:     cfg,
		keys:    keys,
		logger:  logger,
		now:     time.Now,
		codes:   make(map[string]authCode),
		refresh: make(map[string]refreshGrant),
	}, nil
}

// Issuer returns the issuer URL tokens are minted for.
func (p *Provider) Issuer() string {
	return p.cfg.Issuer
}

// RotateKeys replaces the signing key, keeping the previous one published.
func (p *Provider) RotateKeys() error {
	return p.keys.rotate()
}

// RevokeRefreshTokens invalidates every outstanding refresh token, as a
// provider does when the user's session ends.
func (p *Provider) RevokeRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh = make(map[string]refreshGrant)
}

// Routes returns the provider's handler, to be mounted at the issuer's path.
func (p *Provider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/jwks", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/logout", p.handleLogout)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/jwks",
		"end_session_endpoint":                  issuer + "/logout",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keys.publicJWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.cfg.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !slices.Contains(p.cfg.RedirectURIs, redirectURI) {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	values := target.Query()
	if q.Get("response_type") != "code" {
		values.Set("error", "unsupported_response_type")
	} else {
		code := uuid.NewString()
		p.mu.Lock()
		p.codes[code] = authCode{
			nonce:       q.Get("nonce"),
			redirectURI: redirectURI,
			scope:       q.Get("scope"),
			expiresAt:   p.now().Add(codeTTL),
		}
		p.mu.Unlock()
		values.Set("code", code)
	}
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	p.logger.Info("dev provider signed in user", "subject", p.cfg.User.Subject)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if !p.authenticateClient(r) {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.handleAuthorizationCode(w, r)
	case "refresh_token":
		p.handleRefresh(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) handleAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	p.mu.Lock()
	grant, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok || p.now().After(grant.expiresAt) {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if grant.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	p.issueTokens(w, grant.scope, grant.nonce)
}

func (p *Provider) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("refresh_token")
	p.mu.Lock()
	grant, ok := p.refresh[token]
	delete(p.refresh, token)
	p.mu.Unlock()

	if !ok || p.now().After(grant.expiresAt) {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid or expired")
		return
	}
	p.issueTokens(w, grant.scope, "")
}

func (p *Provider) issueTokens(w http.ResponseWriter, scope, nonce string) {
	now := p.now()
	user := p.cfg.User

	accessToken, err := p.keys.sign(jwt.MapClaims{
		"iss":   p.cfg.Issuer,
		"sub":   user.Subject,
		"aud":   p.cfg.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(p.cfg.AccessTTL).Unix(),
		"scp":   scope,
		"jti":   uuid.NewString(),
		"oid":   user.ObjectID,
		"tid":   user.TenantID,
		"token": "access",
	})
	if err != nil {
		p.logger.Error("sign access token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	idClaims := jwt.MapClaims{
		"iss":                p.cfg.Issuer,
		"sub":                user.Subject,
		"aud":                p.cfg.ClientID,
		"iat":                now.Unix(),
		"exp":                now.Add(p.cfg.AccessTTL).Unix(),
		"name":               user.Name,
		"email":              user.Email,
		"preferred_username": user.Email,
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	if user.ObjectID != "" {
		idClaims["oid"] = user.ObjectID
	}
	if user.TenantID != "" {
		idClaims["tid"] = user.TenantID
	}
	if user.GroupsOverage {
		idClaims["_claim_names"] = map[string]string{"groups": "src1"}
		idClaims["_claim_sources"] = map[string]any{
			"src1": map[string]string{"endpoint": p.cfg.Issuer + "/users/" + user.Subject + "/getMemberObjects"},
		}
	} else if user.Groups != nil {
		idClaims["groups"] = user.Groups
	}
	idToken, err := p.keys.sign(idClaims)
	if err != nil {
		p.logger.Error("sign id token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	refreshToken := uuid.NewString()
	p.mu.Lock()
	p.refresh[refreshToken] = refreshGrant{scope: scope, expiresAt: now.Add(p.cfg.RefreshTTL)}
	p.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int64(p.cfg.AccessTTL.Seconds()),
		"refresh_token": refreshToken,
		"id_token":      idToken,
		"scope":         scope,
	})
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.RevokeRefreshTokens()
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Provider) authenticateClient(r *http.Request) bool {
	clientID, secret, ok := r.BasicAuth()
	if ok {
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if subtle.ConstantTimeCompare([]byte(clientID), []byte(p.cfg.ClientID)) != 1 {
		return false
	}
	return p.cfg.ClientSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(p.cfg.ClientSecret)) == 1
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtemplate/cache"
	"webtemplate/devidp"
	"webtemplate/identity"
)

const serviceRedirectURI = "http://localhost:8080/auth/redirect"

func newServiceIDP(t *testing.T) (*devidp.Provider, identity.ClientConfig) {
	t.Helper()
	var p *devidp.Provider
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Routes().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	var err error
	p, err = devidp.New(devidp.Config{
		Issuer:       srv.URL,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURIs: []string{serviceRedirectURI},
		User:         devidp.User{ObjectID: "oid-1", TenantID: "tid-1", Groups: []string{"group-1"}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return p, identity.ClientConfig{
		Authority:    srv.URL,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  serviceRedirectURI,
	}
}

// codeFor signs in at the provider and returns the code sent to the callback.
func codeFor(t *testing.T, svc *Service, nonce, sessionID string) string {
	t.Helper()
	authURL, err := svc.GetAuthCodeURL(context.Background(), nonce, sessionID)
	require.NoError(t, err)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code")
}

func TestServiceWithProcessLocalClient(t *testing.T) {
	ctx := context.Background()
	_, cfg := newServiceIDP(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewClientFactory(cfg, nil, logger)
	svc := NewService(factory, nil, logger)

	result, err := svc.AcquireTokenByCode(ctx, codeFor(t, svc, "nonce-1", "s1"), "s1")
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", result.IDTokenClaims.Nonce)
	assert.Equal(t, []string{"group-1"}, result.Account.IDTokenClaims.Groups)
	assert.Contains(t, result.Scopes, DefaultScope)

	silent, err := svc.AcquireTokenSilent(ctx, *result.Account, "s1")
	require.NoError(t, err)
	assert.Equal(t, Refreshed, silent.Outcome)
	assert.True(t, silent.Result.FromCache)

	first, err := factory.Client(ctx, "s1")
	require.NoError(t, err)
	second, err := factory.Client(ctx, "s2")
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, svc.ClearCacheForAccount(ctx, *result.Account, "s1"))
	silent, err = svc.AcquireTokenSilent(ctx, *result.Account, "s1")
	require.NoError(t, err)
	assert.Equal(t, NoSession, silent.Outcome)
	assert.Nil(t, silent.Result)
}

func TestServiceWithDistributedCache(t *testing.T) {
	ctx := context.Background()
	_, cfg := newServiceIDP(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	mr.RequireAuth("pw")
	redisClient, err := cache.NewRedisClient(mr.Addr()+",password=pw,ssl=False,abortConnect=False", "manage:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	svc := NewService(NewClientFactory(cfg, redisClient, logger), nil, logger)

	result, err := svc.AcquireTokenByCode(ctx, codeFor(t, svc, "nonce-1", "s1"), "s1")
	require.NoError(t, err)
	home := result.Account.HomeAccountID
	assert.Equal(t, "oid-1.tid-1", home)
	assert.True(t, mr.Exists("manage:tokens:"+home))

	// The session store holds the account after the callback commits.
	record, err := json.Marshal(map[string]any{"account": map[string]string{"homeAccountId": home}})
	require.NoError(t, err)
	require.NoError(t, mr.Set("manage:sess:s1", string(record)))

	silent, err := svc.AcquireTokenSilent(ctx, *result.Account, "s1")
	require.NoError(t, err)
	require.Equal(t, Refreshed, silent.Outcome)
	assert.True(t, silent.Result.FromCache)

	// A session that never signed in this account sees an empty partition.
	other, err := svc.AcquireTokenSilent(ctx, *result.Account, "s2")
	require.NoError(t, err)
	assert.Equal(t, NoSession, other.Outcome)

	require.NoError(t, svc.ClearCacheForAccount(ctx, *result.Account, "s1"))
	stored, err := mr.Get("manage:tokens:" + home)
	require.NoError(t, err)
	assert.NotContains(t, stored, home)
}

func TestServiceDiscoveryFailureIsReturned(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	svc := NewService(NewClientFactory(identity.ClientConfig{Authority: srv.URL, ClientID: "c"}, nil, logger), nil, logger)

	_, err := svc.GetAuthCodeURL(context.Background(), "n", "s1")
	assert.Error(t, err)
	_, err = svc.AcquireTokenSilent(context.Background(), identity.AccountInfo{HomeAccountID: "h"}, "s1")
	assert.Error(t, err)
}

func TestClearCacheWithoutProvider(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	cfg := identity.ClientConfig{Authority: srv.URL, ClientID: "c"}
	account := identity.AccountInfo{HomeAccountID: "oid-1.tid-1"}

	local := NewService(NewClientFactory(cfg, nil, logger), nil, logger)
	assert.NoError(t, local.ClearCacheForAccount(ctx, account, "s1"))

	mr := miniredis.RunT(t)
	mr.RequireAuth("pw")
	redisClient, err := cache.NewRedisClient(mr.Addr()+",password=pw,ssl=False,abortConnect=False", "manage:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	record, err := json.Marshal(map[string]any{"account": map[string]string{"homeAccountId": account.HomeAccountID}})
	require.NoError(t, err)
	require.NoError(t, mr.Set("manage:sess:s1", string(record)))
	require.NoError(t, mr.Set("manage:tokens:"+account.HomeAccountID,
		`{"entries":{"oid-1.tid-1":{"account":{"homeAccountId":"oid-1.tid-1"},"accessToken":"at"}}}`))

	dist := NewService(NewClientFactory(cfg, redisClient, logger), nil, logger)
	require.NoError(t, dist.ClearCacheForAccount(ctx, account, "s1"))
	stored, err := mr.Get("manage:tokens:" + account.HomeAccountID)
	require.NoError(t, err)
	assert.NotContains(t, stored, "accessToken")
}

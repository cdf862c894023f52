package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtemplate/devidp"
)

const testRedirectURI = "http://localhost:8080/auth/redirect"

type testIDP struct {
	provider *devidp.Provider
	server   *httptest.Server
}

func newTestIDP(t *testing.T, user devidp.User) *testIDP {
	t.Helper()
	idp := &testIDP{}
	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idp.provider.Routes().ServeHTTP(w, r)
	}))
	t.Cleanup(idp.server.Close)

	p, err := devidp.New(devidp.Config{
		Issuer:       idp.server.URL,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURIs: []string{testRedirectURI},
		User:         user,
	}, discardLogger())
	require.NoError(t, err)
	idp.provider = p
	return idp
}

func (i *testIDP) client(t *testing.T, cache *TokenCache) *OIDCClient {
	t.Helper()
	provider, err := Discover(context.Background(), ClientConfig{
		Authority:    i.server.URL,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	return provider.NewClient(cache, discardLogger())
}

// signIn follows the authorization URL and returns the code handed back.
func signIn(t *testing.T, c *OIDCClient, nonce string) string {
	t.Helper()
	authURL, err := c.AuthCodeURL(context.Background(), nonce, []string{"User.Read"})
	require.NoError(t, err)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code")
}

func TestAuthCodeURLCarriesNonce(t *testing.T) {
	idp := newTestIDP(t, devidp.User{})
	c := idp.client(t, NewTokenCache(nil))

	raw, err := c.AuthCodeURL(context.Background(), "nonce-1", []string{"User.Read"})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", u.Query().Get("nonce"))
	assert.Equal(t, "openid profile offline_access User.Read", u.Query().Get("scope"))

	_, err = c.AuthCodeURL(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestAcquireTokenByCode(t *testing.T) {
	idp := newTestIDP(t, devidp.User{
		Subject:  "sub-1",
		ObjectID: "oid-1",
		TenantID: "tid-1",
		Email:    "user@example.com",
		Groups:   []string{"g1"},
	})
	c := idp.client(t, NewTokenCache(nil))
	ctx := context.Background()

	result, err := c.AcquireTokenByCode(ctx, signIn(t, c, "nonce-1"), []string{"User.Read"})
	require.NoError(t, err)

	assert.Equal(t, "nonce-1", result.IDTokenClaims.Nonce)
	assert.Equal(t, []string{"g1"}, result.IDTokenClaims.Groups)
	assert.Equal(t, "oid-1.tid-1", result.Account.HomeAccountID)
	assert.Equal(t, "user@example.com", result.Account.Username)
	assert.NotEmpty(t, result.AccessToken)
	assert.False(t, result.FromCache)

	accounts, err := c.TokenCache().Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
}

func TestAcquireTokenByCodeRejectsBadCode(t *testing.T) {
	idp := newTestIDP(t, devidp.User{})
	c := idp.client(t, NewTokenCache(nil))

	_, err := c.AcquireTokenByCode(context.Background(), "not-a-code", nil)
	assert.ErrorContains(t, err, "exchange code")
}

func TestAcquireTokenSilent(t *testing.T) {
	idp := newTestIDP(t, devidp.User{ObjectID: "oid-1", TenantID: "tid-1"})
	c := idp.client(t, NewTokenCache(nil))
	ctx := context.Background()

	first, err := c.AcquireTokenByCode(ctx, signIn(t, c, "n"), []string{"User.Read"})
	require.NoError(t, err)

	t.Run("served from cache while valid", func(t *testing.T) {
		cached, err := c.AcquireTokenSilent(ctx, *first.Account, []string{"User.Read"})
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.True(t, cached.FromCache)
		assert.Equal(t, first.AccessToken, cached.AccessToken)
	})

	t.Run("refreshed near expiry", func(t *testing.T) {
		c.now = func() time.Time { return time.Now().Add(devidp.DefaultAccessTTL) }
		t.Cleanup(func() { c.now = time.Now })

		refreshed, err := c.AcquireTokenSilent(ctx, *first.Account, []string{"User.Read"})
		require.NoError(t, err)
		require.NotNil(t, refreshed)
		assert.False(t, refreshed.FromCache)
		assert.NotEqual(t, first.AccessToken, refreshed.AccessToken)
		assert.Equal(t, first.Account.HomeAccountID, refreshed.Account.HomeAccountID)
	})

	t.Run("unknown account has no session", func(t *testing.T) {
		none, err := c.AcquireTokenSilent(ctx, AccountInfo{HomeAccountID: "someone-else"}, nil)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestAcquireTokenSilentAfterProviderRevocation(t *testing.T) {
	idp := newTestIDP(t, devidp.User{ObjectID: "oid-1"})
	c := idp.client(t, NewTokenCache(nil))
	ctx := context.Background()

	first, err := c.AcquireTokenByCode(ctx, signIn(t, c, "n"), nil)
	require.NoError(t, err)

	idp.provider.RevokeRefreshTokens()
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	result, err := c.AcquireTokenSilent(ctx, *first.Account, nil)
	require.NoError(t, err)
	assert.Nil(t, result)

	accounts, err := c.TokenCache().Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAcquireTokenSilentFailsWhenProviderUnreachable(t *testing.T) {
	idp := newTestIDP(t, devidp.User{ObjectID: "oid-1"})
	c := idp.client(t, NewTokenCache(nil))
	ctx := context.Background()

	first, err := c.AcquireTokenByCode(ctx, signIn(t, c, "n"), nil)
	require.NoError(t, err)

	idp.server.Close()
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	result, err := c.AcquireTokenSilent(ctx, *first.Account, nil)
	assert.Error(t, err)
	assert.Nil(t, result)
}

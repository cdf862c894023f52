package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	calls   []string
	changed []bool
	stored  string
	failOn  string
}

func (p *recordingPlugin) BeforeCacheAccess(_ context.Context, tc *TokenCacheContext) error {
	p.calls = append(p.calls, "before")
	if p.failOn == "before" {
		return errors.New("boom")
	}
	return tc.Deserialize(p.stored)
}

func (p *recordingPlugin) AfterCacheAccess(_ context.Context, tc *TokenCacheContext) error {
	p.calls = append(p.calls, "after")
	p.changed = append(p.changed, tc.HasChanged)
	if tc.HasChanged {
		data, err := tc.Serialize()
		if err != nil {
			return err
		}
		p.stored = data
	}
	return nil
}

func TestTokenCacheRunsHooksAroundEveryAccess(t *testing.T) {
	ctx := context.Background()
	plugin := &recordingPlugin{}
	tc := NewTokenCache(plugin)

	_, err := tc.Accounts(ctx)
	require.NoError(t, err)
	require.NoError(t, tc.save(ctx, cacheEntry{Account: AccountInfo{HomeAccountID: "a"}}))

	assert.Equal(t, []string{"before", "after", "before", "after"}, plugin.calls)
	assert.Equal(t, []bool{false, true}, plugin.changed)
}

func TestTokenCacheRoundTripsThroughPlugin(t *testing.T) {
	ctx := context.Background()
	plugin := &recordingPlugin{}

	first := NewTokenCache(plugin)
	require.NoError(t, first.save(ctx, cacheEntry{
		Account:      AccountInfo{HomeAccountID: "b", Username: "b@example.com"},
		RefreshToken: "rt-b",
	}))
	require.NoError(t, first.save(ctx, cacheEntry{Account: AccountInfo{HomeAccountID: "a"}}))

	second := NewTokenCache(plugin)
	accounts, err := second.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "a", accounts[0].HomeAccountID)
	assert.Equal(t, "b@example.com", accounts[1].Username)

	entry, found, err := second.lookup(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rt-b", entry.RefreshToken)
}

func TestTokenCacheRemoveAccountOfUnknownAccountIsNoop(t *testing.T) {
	plugin := &recordingPlugin{}
	tc := NewTokenCache(plugin)

	require.NoError(t, tc.RemoveAccount(context.Background(), AccountInfo{HomeAccountID: "missing"}))
	assert.Equal(t, []bool{false}, plugin.changed)
}

func TestTokenCachePropagatesPluginFailure(t *testing.T) {
	tc := NewTokenCache(&recordingPlugin{failOn: "before"})

	_, err := tc.Accounts(context.Background())
	assert.ErrorContains(t, err, "before cache access")
}

func TestTokenCacheWithoutPlugin(t *testing.T) {
	ctx := context.Background()
	tc := NewTokenCache(nil)

	require.NoError(t, tc.save(ctx, cacheEntry{Account: AccountInfo{HomeAccountID: "a"}}))
	accounts, err := tc.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	tc := &TokenCacheContext{cache: NewTokenCache(nil)}
	assert.Error(t, tc.Deserialize("not json"))
}

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CachePlugin is notified around every token cache access so the cache can be
// loaded from and persisted to an external store.
type CachePlugin interface {
	BeforeCacheAccess(ctx context.Context, tc *TokenCacheContext) error
	AfterCacheAccess(ctx context.Context, tc *TokenCacheContext) error
}

// TokenCacheContext is handed to a CachePlugin during one cache access.
type TokenCacheContext struct {
	cache      *TokenCache
	HasChanged bool
}

// Serialize returns the cache contents.
func (tc *TokenCacheContext) Serialize() (string, error) {
	b, err := json.Marshal(serializedCache{Entries: tc.cache.entries})
	if err != nil {
		return "", fmt.Errorf("serialize token cache: %w", err)
	}
	return string(b), nil
}

// Deserialize replaces the cache contents. An empty string empties the cache.
func (tc *TokenCacheContext) Deserialize(data string) error {
	if data == "" {
		tc.cache.entries = make(map[string]cacheEntry)
		return nil
	}
	var sc serializedCache
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return fmt.Errorf("deserialize token cache: %w", err)
	}
	if sc.Entries == nil {
		sc.Entries = make(map[string]cacheEntry)
	}
	tc.cache.entries = sc.Entries
	return nil
}

// Accounts lists the accounts currently held, ordered by home account id.
func (tc *TokenCacheContext) Accounts() []AccountInfo {
	return tc.cache.accountsLocked()
}

type cacheEntry struct {
	Account      AccountInfo `json:"account"`
	AccessToken  string      `json:"accessToken"`
	IDToken      string      `json:"idToken,omitempty"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	ExpiresOn    time.Time   `json:"expiresOn"`
	Scopes       []string    `json:"scopes,omitempty"`
}

func (e cacheEntry) result(fromCache bool) *AuthResult {
	account := e.Account
	return &AuthResult{
		Account:       &account,
		AccessToken:   e.AccessToken,
		IDToken:       e.IDToken,
		ExpiresOn:     e.ExpiresOn,
		Scopes:        e.Scopes,
		IDTokenClaims: e.Account.IDTokenClaims,
		FromCache:     fromCache,
	}
}

type serializedCache struct {
	Entries map[string]cacheEntry `json:"entries"`
}

// TokenCache holds tokens per account, keyed by home account id.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	plugin  CachePlugin
}

// NewTokenCache creates a cache. plugin may be nil for a process-local cache.
func NewTokenCache(plugin CachePlugin) *TokenCache {
	return &TokenCache{
		entries: make(map[string]cacheEntry),
		plugin:  plugin,
	}
}

// Accounts lists cached accounts. Reading runs the plugin hooks, which is how
// a distributed cache gets loaded before a token operation.
func (c *TokenCache) Accounts(ctx context.Context) ([]AccountInfo, error) {
	var accounts []AccountInfo
	err := c.access(ctx, func(map[string]cacheEntry) bool {
		accounts = c.accountsLocked()
		return false
	})
	return accounts, err
}

// RemoveAccount drops every token held for account.
func (c *TokenCache) RemoveAccount(ctx context.Context, account AccountInfo) error {
	return c.access(ctx, func(entries map[string]cacheEntry) bool {
		if _, ok := entries[account.HomeAccountID]; !ok {
			return false
		}
		delete(entries, account.HomeAccountID)
		return true
	})
}

func (c *TokenCache) lookup(ctx context.Context, homeAccountID string) (cacheEntry, bool, error) {
	var (
		entry cacheEntry
		found bool
	)
	err := c.access(ctx, func(entries map[string]cacheEntry) bool {
		entry, found = entries[homeAccountID]
		return false
	})
	return entry, found, err
}

func (c *TokenCache) save(ctx context.Context, entry cacheEntry) error {
	return c.access(ctx, func(entries map[string]cacheEntry) bool {
		entries[entry.Account.HomeAccountID] = entry
		return true
	})
}

func (c *TokenCache) access(ctx context.Context, fn func(map[string]cacheEntry) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc := &TokenCacheContext{cache: c}
	if c.plugin != nil {
		if err := c.plugin.BeforeCacheAccess(ctx, tc); err != nil {
			return fmt.Errorf("before cache access: %w", err)
		}
	}

	tc.HasChanged = fn(c.entries)

	if c.plugin != nil {
		if err := c.plugin.AfterCacheAccess(ctx, tc); err != nil {
			return fmt.Errorf("after cache access: %w", err)
		}
	}
	return nil
}

func (c *TokenCache) accountsLocked() []AccountInfo {
	accounts := make([]AccountInfo, 0, len(c.entries))
	for _, e := range c.entries {
		accounts = append(accounts, e.Account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].HomeAccountID < accounts[j].HomeAccountID
	})
	return accounts
}

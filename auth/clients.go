package auth

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"webtemplate/cache"
	"webtemplate/identity"
)

// DistributedCache is the shared store backing per-session clients: session
// records are read through it and token partitions live under TokenCache.
type DistributedCache interface {
	cache.KV
	SessionPrefix() string
	TokenCache() cache.KV
}

// ClientSource hands out the identity client for a session, and the token
// cache that client would use.
type ClientSource interface {
	Client(ctx context.Context, sessionID string) (*identity.OIDCClient, error)
	TokenCache(sessionID string) *identity.TokenCache
}

// ClientFactory builds identity clients. Without a distributed cache every
// session shares one process-local client; with one, each session gets a
// client whose token cache is partitioned by the session's account.
type ClientFactory struct {
	cfg    identity.ClientConfig
	dist   DistributedCache
	logger *slog.Logger

	discovery singleflight.Group

	mu          sync.Mutex
	provider    *identity.Provider
	shared      *identity.OIDCClient
	sharedCache *identity.TokenCache
}

// NewClientFactory creates a factory. dist may be nil.
func NewClientFactory(cfg identity.ClientConfig, dist DistributedCache, logger *slog.Logger) *ClientFactory {
	return &ClientFactory{cfg: cfg, dist: dist, logger: logger}
}

// Client returns the client to use for sessionID.
func (f *ClientFactory) Client(ctx context.Context, sessionID string) (*identity.OIDCClient, error) {
	provider, err := f.discover(ctx)
	if err != nil {
		return nil, err
	}

	if f.dist == nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.shared == nil {
			f.shared = provider.NewClient(f.sharedCacheLocked(), f.logger)
		}
		return f.shared, nil
	}
	return provider.NewClient(f.partitionedCache(sessionID), f.logger), nil
}

// TokenCache returns the token cache for sessionID without contacting the
// provider.
func (f *ClientFactory) TokenCache(sessionID string) *identity.TokenCache {
	if f.dist == nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.sharedCacheLocked()
	}
	return f.partitionedCache(sessionID)
}

func (f *ClientFactory) sharedCacheLocked() *identity.TokenCache {
	if f.sharedCache == nil {
		f.sharedCache = identity.NewTokenCache(nil)
	}
	return f.sharedCache
}

func (f *ClientFactory) partitionedCache(sessionID string) *identity.TokenCache {
	partitions := identity.NewPartitionManager(f.dist, sessionID, f.logger, f.dist.SessionPrefix())
	return identity.NewTokenCache(identity.NewDistributedCachePlugin(f.dist.TokenCache(), partitions))
}

// discover fetches the authority metadata once. Failures are not memoized so
// a provider outage at startup heals on the next request.
func (f *ClientFactory) discover(ctx context.Context) (*identity.Provider, error) {
	f.mu.Lock()
	p := f.provider
	f.mu.Unlock()
	if p != nil {
		return p, nil
	}

	v, err, _ := f.discovery.Do("discover", func() (any, error) {
		p, err := identity.Discover(ctx, f.cfg)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.provider = p
		f.mu.Unlock()
		f.logger.Info("identity provider discovered", "authority", f.cfg.Authority)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*identity.Provider), nil
}

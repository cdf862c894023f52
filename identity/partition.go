package identity

import (
	"context"
	"encoding/json"
	"log/slog"

	"webtemplate/cache"
)

const defaultSessionKeyPrefix = "sess:"

// PartitionManager derives the token cache partition for one browser session
// from the account stored in that session.
type PartitionManager struct {
	kv        cache.KV
	sessionID string
	logger    *slog.Logger
	keyPrefix string
}

// NewPartitionManager binds a partition manager to sessionID. keyPrefix is the
// prefix session records are stored under; "" means "sess:".
func NewPartitionManager(kv cache.KV, sessionID string, logger *slog.Logger, keyPrefix string) *PartitionManager {
	if keyPrefix == "" {
		keyPrefix = defaultSessionKeyPrefix
	}
	return &PartitionManager{
		kv:        kv,
		sessionID: sessionID,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

type sessionRecord struct {
	Account *struct {
		HomeAccountID string `json:"homeAccountId"`
	} `json:"account"`
}

// GetKey returns the home account id of the session's account, or "" when it
// cannot be determined. An empty key means a cache miss, never a failure.
func (p *PartitionManager) GetKey(ctx context.Context) string {
	data, err := p.kv.Get(ctx, p.keyPrefix+p.sessionID)
	if err != nil {
		p.logger.Error("partition key lookup failed", "error", err)
		return ""
	}
	if data == "" {
		return ""
	}

	var record sessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		p.logger.Error("partition key lookup failed", "error", err)
		return ""
	}
	if record.Account == nil {
		return ""
	}
	return record.Account.HomeAccountID
}

// ExtractKey returns the partition for an account about to be written. A
// missing identifier is an error: writing under an empty key would mix
// accounts.
func (p *PartitionManager) ExtractKey(account AccountInfo) (string, error) {
	if account.HomeAccountID == "" {
		return "", ErrMissingHomeAccountID
	}
	return account.HomeAccountID, nil
}

// PartitionKeyer is implemented by PartitionManager.
type PartitionKeyer interface {
	GetKey(ctx context.Context) string
	ExtractKey(account AccountInfo) (string, error)
}

// DistributedCachePlugin loads and persists a TokenCache partition in a shared
// key/value store so stateless instances see the same tokens.
type DistributedCachePlugin struct {
	kv         cache.KV
	partitions PartitionKeyer
}

// NewDistributedCachePlugin creates the plugin.
func NewDistributedCachePlugin(kv cache.KV, partitions PartitionKeyer) *DistributedCachePlugin {
	return &DistributedCachePlugin{kv: kv, partitions: partitions}
}

// BeforeCacheAccess replaces the in-memory cache with the session's partition.
func (d *DistributedCachePlugin) BeforeCacheAccess(ctx context.Context, tc *TokenCacheContext) error {
	key := d.partitions.GetKey(ctx)
	if key == "" {
		return tc.Deserialize("")
	}
	data, err := d.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return tc.Deserialize(data)
}

// AfterCacheAccess writes the cache back when it changed. The key comes from
// the cached account; when the last account was removed it falls back to the
// session's partition so the removal is persisted too.
func (d *DistributedCachePlugin) AfterCacheAccess(ctx context.Context, tc *TokenCacheContext) error {
	if !tc.HasChanged {
		return nil
	}

	var key string
	if accounts := tc.Accounts(); len(accounts) > 0 {
		k, err := d.partitions.ExtractKey(accounts[0])
		if err != nil {
			return err
		}
		key = k
	} else {
		key = d.partitions.GetKey(ctx)
	}
	if key == "" {
		return nil
	}

	data, err := tc.Serialize()
	if err != nil {
		return err
	}
	return d.kv.Set(ctx, key, data)
}

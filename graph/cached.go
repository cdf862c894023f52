package graph

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"webtemplate/cache"
	"webtemplate/session"
)

// CachePrefix namespaces group member lists in the shared map cache.
const CachePrefix = "entra-group__"

// CachedClient serves member lists from a MapCache and collapses concurrent
// misses for the same group into one Graph call.
type CachedClient struct {
	client MemberLister
	cache  *cache.MapCache[[]GroupMember]
	calls  *singleflight.Group
}

// NewCachedClient wraps client with c.
func NewCachedClient(client MemberLister, c *cache.MapCache[[]GroupMember]) *CachedClient {
	return &CachedClient{client: client, cache: c, calls: &singleflight.Group{}}
}

// ListAllGroupMembers returns the cached list or fetches and caches it.
func (c *CachedClient) ListAllGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	key := CachePrefix + groupID
	if members, ok := c.cache.Get(key); ok {
		return members, nil
	}

	v, err, _ := c.calls.Do(key, func() (any, error) {
		members, err := c.client.ListAllGroupMembers(ctx, groupID)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]GroupMember), nil
}

// InitClient builds a member lister for the session's user, or returns nil
// when Graph cannot be used.
type InitClient func(ctx context.Context, sess *session.Session) MemberLister

// BuildInitClient returns an InitClient that authenticates with the session
// account's access token. All clients share c and one in-flight call group.
func BuildInitClient(authEnabled bool, c *cache.MapCache[[]GroupMember], baseURL string) InitClient {
	calls := &singleflight.Group{}
	return func(ctx context.Context, sess *session.Session) MemberLister {
		if !authEnabled || sess == nil || sess.Account == nil {
			return nil
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sess.Account.AccessToken, TokenType: "Bearer"})
		client := NewClient(oauth2.NewClient(ctx, src), baseURL)
		return &CachedClient{client: client, cache: c, calls: calls}
	}
}

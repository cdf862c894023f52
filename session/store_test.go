package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	memory := NewMemoryStore(time.Hour)
	t.Cleanup(memory.Close)

	stores := map[string]Store{
		"memory": memory,
		"redis":  NewRedisStore(client, "app:sess:", time.Hour),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			raw, err := store.Load(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, raw)

			require.NoError(t, store.Save(ctx, "id-1", []byte(`{"permissions":{"a":true}}`)))
			raw, err = store.Load(ctx, "id-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"permissions":{"a":true}}`, string(raw))

			require.NoError(t, store.Touch(ctx, "id-1"))
			require.NoError(t, store.Delete(ctx, "id-1"))
			raw, err = store.Load(ctx, "id-1")
			require.NoError(t, err)
			assert.Nil(t, raw)
		})
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	t.Cleanup(store.Close)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "id-1", []byte(`{}`)))
	time.Sleep(50 * time.Millisecond)

	raw, err := store.Load(ctx, "id-1")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRedisStoreFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisStore(client, "app:sess:", time.Hour).Load(context.Background(), "id-1")
	assert.ErrorContains(t, err, "load session")
}

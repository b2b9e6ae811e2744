package persistence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStore_SaveLoadRoundtrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	state := testState()
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.LockedProvider, loaded.LockedProvider)
	assert.Equal(t, state.FailureCount, loaded.FailureCount)
	assert.Equal(t, state.ConsecutiveFailures, loaded.ConsecutiveFailures)
}

func TestRedisStore_MissingKeyIsNotAnError(t *testing.T) {
	store, _ := newRedisStore(t)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisStore_DefaultKey(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Save(context.Background(), testState()))

	assert.True(t, mr.Exists("efb:failover:lock_state"))
}

func TestRedisStore_CorruptValueIsAnError(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("efb:failover:lock_state", "not json"))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

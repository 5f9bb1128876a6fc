package redis

import (
	"context"
	"testing"
	"time"

	"speedshare/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRendezvousRepository_CreateIfAbsent(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewRedisRendezvousRepository(client, "", time.Hour)
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, "AbC12", []byte(`{"s":"one"}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, "AbC12", []byte(`{"s":"two"}`))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := repo.Get(ctx, "AbC12")
	require.NoError(t, err)
	assert.Equal(t, `{"s":"one"}`, string(data))
}

func TestRedisRendezvousRepository_KeysAndTTL(t *testing.T) {
	mr, client := newTestClient(t)
	repo := NewRedisRendezvousRepository(client, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "zzzzz", []byte("offer")))
	assert.True(t, mr.Exists("test:zzzzz"))
	assert.Equal(t, time.Minute, mr.TTL("test:zzzzz"))

	mr.FastForward(2 * time.Minute)
	_, err := repo.Get(ctx, "zzzzz")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)
}

func TestRedisRendezvousRepository_Answer(t *testing.T) {
	mr, client := newTestClient(t)
	repo := NewRedisRendezvousRepository(client, "", time.Hour)
	ctx := context.Background()

	err := repo.PutAnswer(ctx, "Q1w2E", []byte("answer"))
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)

	_, err = repo.GetAnswer(ctx, "Q1w2E")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)

	require.NoError(t, repo.Put(ctx, "Q1w2E", []byte("offer")))
	mr.FastForward(10 * time.Minute)
	require.NoError(t, repo.PutAnswer(ctx, "Q1w2E", []byte("answer")))

	data, err := repo.GetAnswer(ctx, "Q1w2E")
	require.NoError(t, err)
	assert.Equal(t, "answer", string(data))
	assert.Equal(t, mr.TTL(DefaultKeyPrefix+"Q1w2E"), mr.TTL(DefaultKeyPrefix+"Q1w2E"+answerSuffix))

	require.NoError(t, repo.Delete(ctx, "Q1w2E"))
	assert.False(t, mr.Exists(DefaultKeyPrefix+"Q1w2E"))
	assert.False(t, mr.Exists(DefaultKeyPrefix+"Q1w2E"+answerSuffix))
}

func TestMigrate_ExpiresLegacyRecords(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(DefaultKeyPrefix+"old01", "legacy"))
	require.NoError(t, mr.Set("other:key", "untouched"))

	require.NoError(t, Migrate(ctx, client, DefaultKeyPrefix, time.Hour, nil))

	assert.Equal(t, time.Hour, mr.TTL(DefaultKeyPrefix+"old01"))
	assert.Equal(t, time.Duration(0), mr.TTL("other:key"))

	version, err := mr.Get(DefaultKeyPrefix + schemaVersionSuffix)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	// Already at the current version: nothing runs again.
	require.NoError(t, mr.Set(DefaultKeyPrefix+"new01", "fresh"))
	require.NoError(t, Migrate(ctx, client, DefaultKeyPrefix, time.Hour, nil))
	assert.Equal(t, time.Duration(0), mr.TTL(DefaultKeyPrefix+"new01"))
}

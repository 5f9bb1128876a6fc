package memory

import (
	"context"
	"testing"
	"time"

	"speedshare/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRendezvousRepository_CreateIfAbsent(t *testing.T) {
	repo := NewMemoryRendezvousRepository(0)
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, "abcde", []byte("one"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, "abcde", []byte("two"))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := repo.Get(ctx, "abcde")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	// Put overwrites unconditionally.
	require.NoError(t, repo.Put(ctx, "abcde", []byte("three")))
	data, err = repo.Get(ctx, "abcde")
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))
}

func TestMemoryRendezvousRepository_Expiry(t *testing.T) {
	repo := NewMemoryRendezvousRepository(time.Minute).(*MemoryRendezvousRepository)
	now := time.Now()
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "abcde", []byte("offer")))
	assert.Equal(t, 1, repo.Len())

	now = now.Add(2 * time.Minute)
	_, err := repo.Get(ctx, "abcde")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)

	// An expired code can be issued again.
	created, err := repo.CreateIfAbsent(ctx, "abcde", []byte("again"))
	require.NoError(t, err)
	assert.True(t, created)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, repo.Cleanup())
	assert.Equal(t, 0, repo.Len())
}

func TestMemoryRendezvousRepository_Answer(t *testing.T) {
	repo := NewMemoryRendezvousRepository(0)
	ctx := context.Background()

	assert.ErrorIs(t, repo.PutAnswer(ctx, "abcde", []byte("answer")), domain.ErrCodeNotFound)

	require.NoError(t, repo.Put(ctx, "abcde", []byte("offer")))
	_, err := repo.GetAnswer(ctx, "abcde")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)

	require.NoError(t, repo.PutAnswer(ctx, "abcde", []byte("answer")))
	data, err := repo.GetAnswer(ctx, "abcde")
	require.NoError(t, err)
	assert.Equal(t, "answer", string(data))

	require.NoError(t, repo.Delete(ctx, "abcde"))
	_, err = repo.GetAnswer(ctx, "abcde")
	assert.ErrorIs(t, err, domain.ErrCodeNotFound)
}

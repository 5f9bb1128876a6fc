package webrtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/infrastructure/transport/loopback"
	"speedshare/pkg/retry"
)

func testOpenConfig(threshold uint64) OpenConfig {
	return OpenConfig{
		Options:     TransferChannelOptions(10),
		OpenTimeout: 100 * time.Millisecond,
		Threshold:   threshold,
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

// sink drains every channel announced on conn.
func sink(conn ports.Connection) {
	conn.OnChannel(func(ch ports.DataChannel) {
		ch.OnMessage(func([]byte) {})
	})
}

func openPool(t *testing.T, opts loopback.Options, threshold uint64, count int) (*ChannelPool, *loopback.Conn, error) {
	t.Helper()
	a, b := loopback.NewPair(opts)
	t.Cleanup(func() { a.Close() })

	pool := NewChannelPool(testOpenConfig(threshold), zap.NewNop().Sugar())
	err := pool.Open(context.Background(), a, count)
	return pool, b, err
}

func TestChannelPool_OpenAll(t *testing.T) {
	pool, _, err := openPool(t, loopback.Options{}, 1024, 4)
	require.NoError(t, err)
	defer pool.Close()

	channels := pool.Channels()
	require.Len(t, channels, 4)
	for i, h := range channels {
		assert.Equal(t, "fileTransfer-"+string(rune('0'+i)), h.Label())
		assert.Equal(t, domain.ChannelOpen, h.ReadyState())
		assert.Equal(t, uint64(1024), h.BufferedAmountLowThreshold())
	}
	assert.Len(t, pool.AvailableChannels(), 4)
	assert.Empty(t, pool.Failures())
}

func TestChannelPool_PartialOpenFailure(t *testing.T) {
	opts := loopback.Options{
		Refuse:    func(label string) bool { return label == "fileTransfer-1" },
		NeverOpen: func(label string) bool { return label == "fileTransfer-2" },
	}
	pool, _, err := openPool(t, opts, 1024, 4)
	require.NoError(t, err)
	defer pool.Close()

	assert.Len(t, pool.Channels(), 2)
	failures := pool.Failures()
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.ErrorIs(t, f, domain.ErrChannelEstablishment)
	}
}

func TestChannelPool_AllFail(t *testing.T) {
	opts := loopback.Options{
		Refuse: func(label string) bool { return strings.HasPrefix(label, TransferLabelPrefix) },
	}
	pool, _, err := openPool(t, opts, 1024, 3)

	assert.ErrorIs(t, err, domain.ErrNoChannels)
	assert.ErrorIs(t, err, domain.ErrChannelEstablishment)
	_, err = pool.PickChannel()
	assert.ErrorIs(t, err, domain.ErrAllChannelsClosed)
}

func TestChannelPool_PickLeastBuffered(t *testing.T) {
	// no receiver handler: nothing drains
	pool, _, err := openPool(t, loopback.Options{}, 1024, 3)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	channels := pool.Channels()
	require.NoError(t, channels[0].Send(ctx, make([]byte, 300)))
	require.NoError(t, channels[1].Send(ctx, make([]byte, 10)))
	require.NoError(t, channels[2].Send(ctx, make([]byte, 200)))

	picked, err := pool.PickChannel()
	require.NoError(t, err)
	assert.Equal(t, channels[1], picked)
}

func TestChannelPool_LivenessWhenSaturated(t *testing.T) {
	pool, _, err := openPool(t, loopback.Options{}, 100, 2)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	for _, h := range pool.Channels() {
		require.NoError(t, h.Send(ctx, make([]byte, 500)))
	}
	assert.Empty(t, pool.AvailableChannels())

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		h, err := pool.PickChannel()
		require.NoError(t, err)
		seen[h.Label()]++
	}
	assert.Equal(t, map[string]int{"fileTransfer-0": 2, "fileTransfer-1": 2}, seen)
}

func TestChannelHandle_BackpressureWaitsForDrain(t *testing.T) {
	pool, remote, err := openPool(t, loopback.Options{}, 1024, 1)
	require.NoError(t, err)
	defer pool.Close()

	h := pool.Channels()[0]
	ctx := context.Background()
	require.NoError(t, h.Send(ctx, make([]byte, 4096)))
	assert.False(t, h.Available())

	done := make(chan error, 1)
	go func() { done <- h.Send(ctx, []byte("next")) }()

	select {
	case err := <-done:
		t.Fatalf("send completed on a saturated channel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	sink(remote)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not resume after drain")
	}
}

func TestChannelHandle_NeverDrainingStaysPending(t *testing.T) {
	pool, _, err := openPool(t, loopback.Options{}, 16, 1)
	require.NoError(t, err)
	defer pool.Close()

	h := pool.Channels()[0]
	require.NoError(t, h.Send(context.Background(), make([]byte, 64)))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = h.Send(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(64), h.BufferedAmount())
}

func TestChannelHandle_ClosedChannel(t *testing.T) {
	pool, _, err := openPool(t, loopback.Options{}, 1024, 2)
	require.NoError(t, err)

	channels := pool.Channels()
	require.NoError(t, channels[0].Close())

	err = channels[0].Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, domain.ErrChannelClosed)

	picked, err := pool.PickChannel()
	require.NoError(t, err)
	assert.Equal(t, channels[1], picked)

	require.NoError(t, pool.Close())
	_, err = pool.PickChannel()
	assert.ErrorIs(t, err, domain.ErrAllChannelsClosed)
}

func TestChannelHandle_WakesOnRemoteClose(t *testing.T) {
	pool, remote, err := openPool(t, loopback.Options{}, 16, 1)
	require.NoError(t, err)
	defer pool.Close()

	h := pool.Channels()[0]
	require.NoError(t, h.Send(context.Background(), make([]byte, 64)))

	done := make(chan error, 1)
	go func() { done <- h.Send(context.Background(), []byte("x")) }()

	time.Sleep(20 * time.Millisecond)
	remote.Channel(h.Label()).Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe close")
	}
}

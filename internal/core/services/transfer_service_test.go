package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	mrand "math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/infrastructure/auth"
	"speedshare/internal/infrastructure/codec"
	"speedshare/internal/infrastructure/protocol"
	"speedshare/internal/infrastructure/transport/loopback"
	"speedshare/internal/infrastructure/webrtc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memSink is an in-memory io.WriterAt.
type memSink struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func testEngine() EngineOptions {
	opts := DefaultEngineOptions()
	opts.Workers = 4
	opts.OpenTimeout = time.Second
	opts.RetryBaseDelay = time.Millisecond
	opts.CloseLinger = 200 * time.Millisecond
	return opts
}

func transferConfig(chunkSize uint32, channels int) domain.TransferConfiguration {
	return domain.TransferConfiguration{
		ChunkSize:        chunkSize,
		ParallelChannels: channels,
		CompressionLevel: 5,
		RetryAttempts:    2,
		RetryStrategy:    domain.RetryFixed,
		Timeout:          time.Minute,
		ChunkTimeout:     2 * time.Second,
	}
}

// testPayload mixes compressible text with random bytes.
func testPayload(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	text := []byte(strings.Repeat("speedshare moves files between peers. ", 64))
	for off := 0; off < size; off += 3 * len(text) {
		copy(data[off:], text)
	}
	return data
}

type receiveOutcome struct {
	result ReceiveResult
	err    error
}

type transferHarness struct {
	sender   *TransferService
	receiver *ReceiveService
	a, b     *loopback.Conn
	sink     *memSink
}

func newHarness(t *testing.T, opts loopback.Options) *transferHarness {
	logger := zaptest.NewLogger(t).Sugar()
	a, b := loopback.NewPair(opts)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return &transferHarness{
		sender:   NewTransferService(testEngine(), auth.NoopAuthenticator{}, nil, logger),
		receiver: NewReceiveService(testEngine(), auth.NoopAuthenticator{}, nil, logger),
		a:        a,
		b:        b,
		sink:     &memSink{},
	}
}

func (h *transferHarness) startReceiver(ctx context.Context, cfg domain.TransferConfiguration) <-chan receiveOutcome {
	out := make(chan receiveOutcome, 1)
	go func() {
		result, err := h.receiver.Receive(ctx, h.b, h.sink, cfg, nil)
		out <- receiveOutcome{result, err}
	}()
	return out
}

func awaitReceiver(t *testing.T, out <-chan receiveOutcome) receiveOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(15 * time.Second):
		t.Fatal("receiver did not finish")
		return receiveOutcome{}
	}
}

func TestTransfer_TenMegabytesOverFourChannels(t *testing.T) {
	h := newHarness(t, loopback.Options{})
	data := testPayload(t, 10*1024*1024)
	cfg := transferConfig(64*1024, 4)
	ctx := context.Background()

	received := h.startReceiver(ctx, cfg)

	var calls atomic.Int32
	var lastPercent atomic.Uint64
	progress, err := h.sender.Send(ctx, bytes.NewReader(data), int64(len(data)), h.a, cfg,
		func(percent float64, throughput string) {
			calls.Add(1)
			lastPercent.Store(uint64(percent))
			assert.NotEmpty(t, throughput)
		})
	require.NoError(t, err)

	assert.Equal(t, uint32(160), progress.TotalChunks)
	assert.Equal(t, uint32(160), progress.ChunksSent)
	assert.Equal(t, uint64(len(data)), progress.BytesSent)
	assert.True(t, progress.Complete())
	assert.Equal(t, int32(160), calls.Load())
	assert.Equal(t, uint64(100), lastPercent.Load())

	out := awaitReceiver(t, received)
	require.NoError(t, out.err)
	assert.Equal(t, uint32(160), out.result.Chunks)
	assert.Equal(t, uint64(len(data)), out.result.Bytes)
	assert.Equal(t, uint32(160), out.result.File.TotalChunks)
	assert.True(t, bytes.Equal(data, h.sink.Bytes()), "received bytes differ")
}

func TestTransfer_RoundTripSizes(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize uint32
		channels  int
		chunks    uint32
	}{
		{"empty", 0, 1024, 2, 1},
		{"single byte", 1, 1024, 2, 1},
		{"exact chunk multiple", 8 * 1024, 1024, 3, 8},
		{"ragged tail", 8*1024 + 17, 1024, 3, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, loopback.Options{})
			data := testPayload(t, tt.size)
			cfg := transferConfig(tt.chunkSize, tt.channels)
			ctx := context.Background()

			received := h.startReceiver(ctx, cfg)
			progress, err := h.sender.Send(ctx, bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.chunks, progress.ChunksSent)

			out := awaitReceiver(t, received)
			require.NoError(t, out.err)
			assert.Equal(t, tt.chunks, out.result.Chunks)
			assert.Equal(t, uint64(tt.size), out.result.File.Size)
			assert.Equal(t, len(data), len(h.sink.Bytes()))
			assert.True(t, bytes.Equal(data, h.sink.Bytes()))
		})
	}
}

func TestTransfer_WithFrameAuthentication(t *testing.T) {
	alice, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	h := newHarness(t, loopback.Options{})
	h.sender.auth, err = auth.NewMACAuthenticator(alice, bob.Public)
	require.NoError(t, err)
	h.receiver.auth, err = auth.NewMACAuthenticator(bob, alice.Public)
	require.NoError(t, err)

	data := testPayload(t, 256*1024)
	cfg := transferConfig(16*1024, 2)

	received := h.startReceiver(context.Background(), cfg)
	_, err = h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
	require.NoError(t, err)

	out := awaitReceiver(t, received)
	require.NoError(t, out.err)
	assert.True(t, bytes.Equal(data, h.sink.Bytes()))
}

func TestTransfer_ResendsDroppedChunks(t *testing.T) {
	var dropped atomic.Int32
	h := newHarness(t, loopback.Options{
		Drop: func(label string, data []byte) bool {
			if !strings.HasPrefix(label, webrtc.TransferLabelPrefix) {
				return false
			}
			chunk, err := protocol.DecodeFrame(data)
			if err != nil || chunk.Index != 5 {
				return false
			}
			// lose only the first copy
			return dropped.CompareAndSwap(0, 1)
		},
	})
	data := testPayload(t, 32*1024)
	cfg := transferConfig(1024, 2)
	cfg.ChunkTimeout = 300 * time.Millisecond

	received := h.startReceiver(context.Background(), cfg)
	progress, err := h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), progress.ChunksSent, "resends are not counted twice")

	out := awaitReceiver(t, received)
	require.NoError(t, out.err)
	assert.Equal(t, int32(1), dropped.Load())
	assert.True(t, bytes.Equal(data, h.sink.Bytes()))
}

func TestTransfer_ReceiverRejectsOversizedFile(t *testing.T) {
	h := newHarness(t, loopback.Options{})
	data := testPayload(t, 10*1024)
	cfg := transferConfig(1024, 2)

	recvCfg := cfg
	recvCfg.MaxSize = 1000
	received := h.startReceiver(context.Background(), recvCfg)

	_, err := h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
	var interrupted *domain.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.ErrorIs(t, err, domain.ErrTransferAborted)

	out := awaitReceiver(t, received)
	assert.ErrorIs(t, out.err, domain.ErrSizeLimitExceeded)
	assert.Empty(t, h.sink.Bytes())
}

func TestTransfer_NoChannels(t *testing.T) {
	t.Run("transfer channels refused", func(t *testing.T) {
		h := newHarness(t, loopback.Options{
			Refuse: func(label string) bool {
				return strings.HasPrefix(label, webrtc.TransferLabelPrefix)
			},
		})

		_, err := h.sender.Send(context.Background(), bytes.NewReader([]byte("data")), 4, h.a, transferConfig(1024, 3), nil)
		assert.ErrorIs(t, err, domain.ErrNoChannels)
		var interrupted *domain.InterruptedError
		assert.False(t, errors.As(err, &interrupted), "nothing was dispatched")
	})

	t.Run("control channel refused", func(t *testing.T) {
		h := newHarness(t, loopback.Options{
			Refuse: func(label string) bool { return label == protocol.ControlLabel },
		})

		_, err := h.sender.Send(context.Background(), bytes.NewReader([]byte("data")), 4, h.a, transferConfig(1024, 3), nil)
		assert.ErrorIs(t, err, domain.ErrNoChannels)
	})
}

func TestTransfer_PartialChannelFailure(t *testing.T) {
	h := newHarness(t, loopback.Options{
		Refuse: func(label string) bool { return label == webrtc.TransferLabelPrefix+"-1" },
	})
	data := testPayload(t, 64*1024)
	cfg := transferConfig(4096, 3)

	received := h.startReceiver(context.Background(), cfg)
	_, err := h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
	require.NoError(t, err)

	out := awaitReceiver(t, received)
	require.NoError(t, out.err)
	assert.True(t, bytes.Equal(data, h.sink.Bytes()))
}

func TestTransfer_ChannelClosedMidSendReschedules(t *testing.T) {
	stalled := webrtc.TransferLabelPrefix + "-0"
	h := newHarness(t, loopback.Options{
		Stall: func(label string) bool { return label == stalled },
	})
	h.sender.opts.BufferedAmountThreshold = 4096

	data := testPayload(t, 256*1024)
	cfg := transferConfig(1024, 2)
	cfg.ChunkTimeout = 300 * time.Millisecond

	received := h.startReceiver(context.Background(), cfg)

	type sendOutcome struct {
		progress domain.ProgressState
		err      error
	}
	sent := make(chan sendOutcome, 1)
	go func() {
		progress, err := h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
		sent <- sendOutcome{progress, err}
	}()

	// Frames queued on the stalled channel are lost when it closes and
	// must come back through a resend round on the other channel.
	require.Eventually(t, func() bool {
		ch := h.a.Channel(stalled)
		return ch != nil && ch.BufferedAmount() > 0
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, h.a.Channel(stalled).Close())

	var out sendOutcome
	select {
	case out = <-sent:
	case <-time.After(15 * time.Second):
		t.Fatal("sender did not finish")
	}
	require.NoError(t, out.err)
	assert.Equal(t, out.progress.TotalChunks, out.progress.ChunksSent)
	assert.Equal(t, uint32(256), out.progress.ChunksSent)

	recv := awaitReceiver(t, received)
	require.NoError(t, recv.err)
	assert.True(t, bytes.Equal(data, h.sink.Bytes()), "received bytes differ")
}

func TestTransfer_AllChannelsClosedMidSend(t *testing.T) {
	h := newHarness(t, loopback.Options{
		Stall: func(label string) bool { return strings.HasPrefix(label, webrtc.TransferLabelPrefix) },
	})
	h.sender.opts.BufferedAmountThreshold = 4096

	data := testPayload(t, 256*1024)
	cfg := transferConfig(1024, 2)
	cfg.ChunkTimeout = 300 * time.Millisecond

	received := h.startReceiver(context.Background(), cfg)

	sent := make(chan error, 1)
	go func() {
		_, err := h.sender.Send(context.Background(), bytes.NewReader(data), int64(len(data)), h.a, cfg, nil)
		sent <- err
	}()

	labels := []string{webrtc.TransferLabelPrefix + "-0", webrtc.TransferLabelPrefix + "-1"}
	// both channels saturated: every sender is waiting for a drain
	require.Eventually(t, func() bool {
		for _, label := range labels {
			ch := h.a.Channel(label)
			if ch == nil || ch.BufferedAmount() <= 4096 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
	for _, label := range labels {
		require.NoError(t, h.a.Channel(label).Close())
	}

	var err error
	select {
	case err = <-sent:
	case <-time.After(15 * time.Second):
		t.Fatal("sender did not finish")
	}
	var interrupted *domain.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.ErrorIs(t, err, domain.ErrAllChannelsClosed)
	assert.Less(t, interrupted.Progress.ChunksSent, interrupted.Progress.TotalChunks)

	recv := awaitReceiver(t, received)
	assert.Error(t, recv.err)
}

func TestTransfer_CancelReturnsInterruptedError(t *testing.T) {
	h := newHarness(t, loopback.Options{Latency: 2 * time.Millisecond})
	data := testPayload(t, 200*1024)
	cfg := transferConfig(1024, 1)
	cfg.ChunkTimeout = 300 * time.Millisecond

	recvCfg := cfg
	recvCfg.ChunkTimeout = 300 * time.Millisecond
	received := h.startReceiver(context.Background(), recvCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress, err := h.sender.Send(ctx, bytes.NewReader(data), int64(len(data)), h.a, cfg,
		func(percent float64, _ string) {
			if percent >= 2 {
				cancel()
			}
		})

	var interrupted *domain.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, progress.ChunksSent, progress.TotalChunks)
	assert.Equal(t, progress, interrupted.Progress)

	out := awaitReceiver(t, received)
	require.ErrorAs(t, out.err, &interrupted)
}

func TestTransfer_InvalidConfiguration(t *testing.T) {
	h := newHarness(t, loopback.Options{})
	cfg := transferConfig(0, 1)

	_, err := h.sender.Send(context.Background(), bytes.NewReader(nil), 0, h.a, cfg, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func newTestReceiveJob(t *testing.T, sink *memSink) *receiveJob {
	t.Helper()
	s := NewReceiveService(testEngine(), auth.NoopAuthenticator{}, nil, zaptest.NewLogger(t).Sugar())
	r := s.newReceiveJob(func(IncomingFile) (io.WriterAt, error) { return sink, nil }, 0, nil)
	r.workers.Start()
	t.Cleanup(func() {
		r.workers.Close()
		r.pipeline.Close()
	})
	return r
}

func encodeFrames(t *testing.T, data []byte, chunkSize uint32) [][]byte {
	t.Helper()
	p := codec.NewPipeline(codec.Options{CompressionLevel: 10})
	defer p.Close()

	cfg := domain.TransferConfiguration{ChunkSize: chunkSize}
	total := cfg.TotalChunks(int64(len(data)))
	frames := make([][]byte, 0, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * int(chunkSize)
		end := min(start+int(chunkSize), len(data))
		compressed, err := p.Compress(data[start:end])
		require.NoError(t, err)
		frames = append(frames, protocol.EncodeFrame(i, total, compressed))
	}
	return frames
}

func TestReceiveJob_OrderIndependentReassembly(t *testing.T) {
	sink := &memSink{}
	r := newTestReceiveJob(t, sink)
	ctx := context.Background()

	data := testPayload(t, 100*1000+123)
	frames := encodeFrames(t, data, 4096)
	total := uint32(len(frames))

	require.NoError(t, r.accept(ctx, &protocol.Manifest{
		TransferID:  "t1",
		Name:        "../secret/file.bin",
		Size:        uint64(len(data)),
		ChunkSize:   4096,
		TotalChunks: total,
	}))
	assert.Equal(t, "file.bin", r.file.Name)

	// every frame twice, in random order, concurrently
	all := append(append([][]byte(nil), frames...), frames...)
	mrand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	var wg sync.WaitGroup
	for _, f := range all {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleFrame(ctx, f)
		}()
	}
	wg.Wait()

	select {
	case <-r.done:
	default:
		t.Fatal("expected the job to complete")
	}
	assert.Empty(t, r.missing())

	result := r.close()
	assert.Equal(t, total, result.Chunks)
	assert.Equal(t, uint64(len(data)), result.Bytes)
	assert.True(t, bytes.Equal(data, sink.Bytes()))
}

func TestReceiveJob_DropsCorruptAndForeignFrames(t *testing.T) {
	sink := &memSink{}
	r := newTestReceiveJob(t, sink)
	ctx := context.Background()

	data := testPayload(t, 4*1024)
	frames := encodeFrames(t, data, 1024)
	require.NoError(t, r.accept(ctx, &protocol.Manifest{
		TransferID:  "t1",
		Size:        uint64(len(data)),
		ChunkSize:   1024,
		TotalChunks: 4,
	}))

	r.handleFrame(ctx, protocol.EncodeFrame(2, 4, []byte("not a compressed chunk")))
	r.handleFrame(ctx, protocol.EncodeFrame(1, 9, []byte("wrong transfer")))
	r.handleFrame(ctx, []byte{1, 2, 3})
	r.handleFrame(ctx, frames[0])
	r.handleFrame(ctx, frames[3])

	assert.Equal(t, []uint32{1, 2}, r.missing())

	select {
	case err := <-r.failed:
		t.Fatalf("corrupt frames must not fail the transfer: %v", err)
	default:
	}
}

func TestReceiveJob_DropsChunkDecodingPastChunkSize(t *testing.T) {
	sink := &memSink{}
	r := newTestReceiveJob(t, sink)
	ctx := context.Background()

	p := codec.NewPipeline(codec.Options{CompressionLevel: 20})
	defer p.Close()
	bomb, err := p.Compress(make([]byte, 8*1024*1024))
	require.NoError(t, err)

	require.NoError(t, r.accept(ctx, &protocol.Manifest{
		TransferID:  "t1",
		Size:        2 * 1024,
		ChunkSize:   1024,
		TotalChunks: 2,
	}))

	_, err = r.decode(0, bomb)
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)

	r.handleFrame(ctx, protocol.EncodeFrame(0, 2, bomb))
	assert.Equal(t, []uint32{0, 1}, r.missing())
	assert.Empty(t, sink.Bytes())

	select {
	case err := <-r.failed:
		t.Fatalf("an oversized chunk must only be dropped: %v", err)
	default:
	}
}

func TestReceiveJob_RejectsInconsistentManifest(t *testing.T) {
	r := newTestReceiveJob(t, &memSink{})

	err := r.accept(context.Background(), &protocol.Manifest{
		TransferID:  "t1",
		Size:        10 * 1024,
		ChunkSize:   1024,
		TotalChunks: 3,
	})
	assert.ErrorIs(t, err, domain.ErrFrameMismatch)
	assert.Nil(t, r.missing(), "no manifest accepted")
}

func TestBitset(t *testing.T) {
	b := newBitset(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		assert.False(t, b.has(i))
		b.set(i)
		assert.True(t, b.has(i))
	}
	assert.False(t, b.has(1))
	assert.False(t, b.has(1000))
}

func TestDrainContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	drain, stop := drainContext(parent, 50*time.Millisecond)
	defer stop()

	cancel()
	assert.NoError(t, drain.Err(), "drain context outlives its parent")

	select {
	case <-drain.Done():
	case <-time.After(time.Second):
		t.Fatal("drain context was never cancelled")
	}
}

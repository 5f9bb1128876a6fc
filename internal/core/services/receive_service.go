package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/infrastructure/codec"
	"speedshare/internal/infrastructure/protocol"
	"speedshare/internal/infrastructure/webrtc"
	"speedshare/internal/infrastructure/workers"
	"speedshare/pkg/logger"
	"speedshare/pkg/tracing"
	"speedshare/pkg/utils"

	"go.uber.org/zap"
)

// IncomingFile describes a transfer announced by the sender.
type IncomingFile struct {
	TransferID  string
	Name        string
	Size        uint64
	ChunkSize   uint32
	TotalChunks uint32
}

// SinkOpener returns where an announced file is written.
type SinkOpener func(file IncomingFile) (io.WriterAt, error)

// ReceiveResult summarizes a completed receive.
type ReceiveResult struct {
	File     IncomingFile
	Chunks   uint32
	Bytes    uint64
	Duration time.Duration
}

// ReceiveService is the receiving side of the engine.
type ReceiveService struct {
	opts    EngineOptions
	auth    ports.FrameAuthenticator
	metrics ports.MetricsCollector
	logger  *zap.SugaredLogger
}

func NewReceiveService(
	opts EngineOptions,
	auth ports.FrameAuthenticator,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *ReceiveService {
	if opts.ResendRounds < 0 {
		opts.ResendRounds = 0
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &ReceiveService{
		opts:    opts,
		auth:    auth,
		metrics: metrics,
		logger:  logger,
	}
}

// Receive writes the next transfer announced on conn into dst.
func (s *ReceiveService) Receive(
	ctx context.Context,
	conn ports.Connection,
	dst io.WriterAt,
	cfg domain.TransferConfiguration,
	onProgress domain.ProgressFunc,
) (ReceiveResult, error) {
	return s.ReceiveTo(ctx, conn, func(IncomingFile) (io.WriterAt, error) { return dst, nil }, cfg, onProgress)
}

// ReceiveTo accepts the channels the sender opens on conn and reassembles
// the announced file into the writer open returns. Chunks are placed by the
// index in their frame, so arrival order does not matter. A silence longer
// than cfg.ChunkTimeout triggers a resend request for the missing chunks,
// up to the configured number of rounds.
func (s *ReceiveService) ReceiveTo(
	ctx context.Context,
	conn ports.Connection,
	open SinkOpener,
	cfg domain.TransferConfiguration,
	onProgress domain.ProgressFunc,
) (ReceiveResult, error) {
	chunkTimeout := cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := s.newReceiveJob(open, cfg.MaxSize, onProgress)
	defer r.pipeline.Close()
	r.workers.Start()
	defer r.workers.Close()

	r.pool = webrtc.NewChannelPool(webrtc.OpenConfig{Threshold: s.opts.BufferedAmountThreshold}, r.logger)
	defer r.pool.Close()
	conn.OnChannel(func(ch ports.DataChannel) { r.attach(ctx, ch) })

	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()

	rounds := 0
	for {
		select {
		case <-r.done:
			return s.finish(ctx, r)
		case err := <-r.failed:
			return s.fail(ctx, r, err)
		case <-r.activity:
			timer.Reset(chunkTimeout)
		case <-timer.C:
			missing := r.missing()
			if missing == nil || rounds >= s.opts.ResendRounds {
				return s.fail(ctx, r, domain.ErrTransferStalled)
			}
			rounds++
			r.logger.Infow("requesting missing chunks",
				"round", rounds,
				"missing", len(missing),
			)
			if err := r.sendControl(ctx, &protocol.Resend{TransferID: r.fileID(), Missing: missing}); err != nil {
				return s.fail(ctx, r, err)
			}
			timer.Reset(chunkTimeout)
		case <-ctx.Done():
			return s.fail(ctx, r, ctx.Err())
		}
	}
}

func (s *ReceiveService) newReceiveJob(open SinkOpener, maxSize uint64, onProgress domain.ProgressFunc) *receiveJob {
	r := &receiveJob{
		s:            s,
		open:         open,
		maxSize:      maxSize,
		onProgress:   onProgress,
		logger:       s.logger,
		start:        time.Now(),
		inflight:     make(map[uint32]struct{}),
		ready:        make(chan struct{}),
		stopped:      make(chan struct{}),
		controlReady: make(chan struct{}),
		done:         make(chan struct{}),
		failed:       make(chan error, 1),
		activity:     make(chan struct{}, 1),
	}
	r.pipeline = codec.NewPipeline(codec.Options{StreamThreshold: s.opts.StreamThreshold})
	r.workers = workers.NewPool(s.opts.Workers, r.decode)
	return r
}

func (s *ReceiveService) finish(ctx context.Context, r *receiveJob) (ReceiveResult, error) {
	result := r.close()

	if err := r.sendControl(ctx, &protocol.Complete{TransferID: result.File.TransferID, Chunks: result.Chunks}); err != nil {
		r.logger.Warnw("failed to acknowledge transfer", "error", err)
	} else {
		// Keep the control channel up until the sender has read the ack.
		select {
		case <-r.control.Done():
		case <-time.After(s.opts.CloseLinger):
		case <-ctx.Done():
		}
	}

	s.metrics.RecordTransfer(DirectionReceive, StatusCompleted, result.Bytes, result.Duration)
	r.logger.Infow("receive completed",
		"name", result.File.Name,
		"size", result.File.Size,
		"chunks", result.Chunks,
		"duration", utils.FormatDuration(result.Duration),
	)
	return result, nil
}

func (s *ReceiveService) fail(ctx context.Context, r *receiveJob, cause error) (ReceiveResult, error) {
	result := r.close()
	progress := domain.ProgressState{
		ChunksSent:  result.Chunks,
		TotalChunks: result.File.TotalChunks,
		BytesSent:   result.Bytes,
		StartTime:   r.start,
	}

	if !errors.Is(cause, domain.ErrTransferAborted) {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortLinger)
		if err := r.sendControl(abortCtx, &protocol.Abort{TransferID: result.File.TransferID, Reason: cause.Error()}); err != nil {
			r.logger.Debugw("failed to send abort", "error", err)
		} else {
			select {
			case <-r.control.Done():
			case <-abortCtx.Done():
			}
		}
		cancel()
	}

	s.metrics.RecordTransfer(DirectionReceive, StatusInterrupted, result.Bytes, result.Duration)
	r.logger.Warnw("receive failed",
		"chunks", result.Chunks,
		"total_chunks", result.File.TotalChunks,
		"error", cause,
	)
	return result, &domain.InterruptedError{Progress: progress, Cause: cause}
}

// abortLinger bounds how long a failed receive waits for the sender to
// read its Abort.
const abortLinger = time.Second

// receiveJob is the state of one incoming transfer.
type receiveJob struct {
	s          *ReceiveService
	open       SinkOpener
	maxSize    uint64
	onProgress domain.ProgressFunc
	logger     *zap.SugaredLogger
	start      time.Time

	pool     *webrtc.ChannelPool
	pipeline *codec.Pipeline
	workers  *workers.Pool

	mu       sync.Mutex
	file     IncomingFile
	dst      io.WriterAt
	received bitset
	inflight map[uint32]struct{}
	count    uint32
	bytes    uint64
	finished bool

	// writeMu lets close wait out writes that are already underway.
	writeMu sync.RWMutex

	ready        chan struct{} // manifest accepted
	readyOnce    sync.Once
	stopped      chan struct{}
	stopOnce     sync.Once
	control      *webrtc.ChannelHandle
	controlReady chan struct{}
	controlOnce  sync.Once
	done         chan struct{}
	doneOnce     sync.Once
	failed       chan error
	activity     chan struct{}
}

func (r *receiveJob) attach(ctx context.Context, ch ports.DataChannel) {
	label := ch.Label()
	switch {
	case label == protocol.ControlLabel:
		h := r.pool.Add(ch)
		h.OnMessage(func(data []byte) { r.handleControl(ctx, data) })
		r.controlOnce.Do(func() {
			r.control = h
			close(r.controlReady)
		})
	case strings.HasPrefix(label, webrtc.TransferLabelPrefix):
		h := r.pool.Add(ch)
		h.OnMessage(func(data []byte) { r.handleFrame(ctx, data) })
	default:
		r.logger.Debugw("ignoring unknown channel", "channel", label)
	}
}

func (r *receiveJob) handleControl(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		r.logger.Warnw("dropping control message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Manifest:
		if err := r.accept(ctx, m); err != nil {
			r.fail(err)
		}
	case *protocol.Abort:
		r.fail(fmt.Errorf("%w: %s", domain.ErrTransferAborted, m.Reason))
	default:
		r.logger.Debugw("ignoring control message", "type", fmt.Sprintf("%T", msg))
	}
}

// accept validates a manifest and opens the sink. Later manifests are
// ignored.
func (r *receiveJob) accept(ctx context.Context, m *protocol.Manifest) error {
	select {
	case <-r.ready:
		return nil
	default:
	}

	if r.maxSize > 0 && m.Size > r.maxSize {
		return fmt.Errorf("%w: %d bytes announced, limit is %d", domain.ErrSizeLimitExceeded, m.Size, r.maxSize)
	}
	if m.ChunkSize == 0 {
		return fmt.Errorf("%w: zero chunk size", domain.ErrFrameMismatch)
	}
	want := domain.TransferConfiguration{ChunkSize: m.ChunkSize}.TotalChunks(int64(m.Size))
	if m.TotalChunks != want {
		return fmt.Errorf("%w: %d chunks announced for %d bytes, expected %d",
			domain.ErrFrameMismatch, m.TotalChunks, m.Size, want)
	}

	file := IncomingFile{
		TransferID:  m.TransferID,
		Name:        utils.SanitizeFileName(m.Name),
		Size:        m.Size,
		ChunkSize:   m.ChunkSize,
		TotalChunks: m.TotalChunks,
	}
	dst, err := r.open(file)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}

	r.mu.Lock()
	r.file = file
	r.dst = dst
	r.received = newBitset(m.TotalChunks)
	r.mu.Unlock()

	_, span := tracing.TraceTransfer(logger.WithTransferID(ctx, m.TransferID), DirectionReceive, m.TransferID, int64(m.Size))
	span.End()

	r.logger.Infow("receiving",
		"transfer_id", file.TransferID,
		"name", file.Name,
		"size", file.Size,
		"total_chunks", file.TotalChunks,
	)
	r.readyOnce.Do(func() { close(r.ready) })
	r.touch()
	return nil
}

// handleFrame places one frame. Duplicates and frames for another transfer
// are dropped; corrupt chunks are dropped and left to a resend round.
func (r *receiveJob) handleFrame(ctx context.Context, data []byte) {
	select {
	case <-r.ready:
	case <-r.stopped:
		return
	case <-ctx.Done():
		return
	}

	chunk, err := protocol.DecodeFrame(data)
	if err != nil {
		r.logger.Warnw("dropping frame", "error", err)
		return
	}

	r.mu.Lock()
	file := r.file
	if chunk.TotalChunks != file.TotalChunks {
		r.mu.Unlock()
		r.logger.Warnw("dropping frame",
			"chunk_index", chunk.Index,
			"error", domain.ErrFrameMismatch,
		)
		return
	}
	if r.finished || r.received.has(chunk.Index) {
		r.mu.Unlock()
		return
	}
	if _, busy := r.inflight[chunk.Index]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[chunk.Index] = struct{}{}
	r.mu.Unlock()

	n, written, err := r.place(ctx, file, chunk)

	r.mu.Lock()
	delete(r.inflight, chunk.Index)
	if err != nil {
		r.mu.Unlock()
		switch {
		case errors.Is(err, domain.ErrAuthenticationFailed), errors.Is(err, errWrite):
			r.fail(err)
		case ctx.Err() == nil:
			r.logger.Warnw("dropping chunk", "chunk_index", chunk.Index, "error", err)
		}
		return
	}
	if !written {
		r.mu.Unlock()
		return
	}
	r.received.set(chunk.Index)
	r.count++
	r.bytes += uint64(n)
	count, bytes := r.count, r.bytes
	if r.onProgress != nil {
		progress := domain.ProgressState{ChunksSent: count, TotalChunks: file.TotalChunks, BytesSent: bytes, StartTime: r.start}
		r.onProgress(progress.Percent(), utils.FormatThroughput(progress.Throughput(time.Now())))
	}
	r.mu.Unlock()

	r.s.metrics.RecordChunk(DirectionReceive, len(data))
	r.touch()
	if count == file.TotalChunks {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

var errWrite = errors.New("write failed")

// place decodes chunk and writes it at its offset, returning the decoded
// length. written is false when the job finished before the write started.
func (r *receiveJob) place(ctx context.Context, file IncomingFile, chunk domain.Chunk) (n int, written bool, err error) {
	plain, err := r.workers.Process(ctx, chunk.Index, chunk.Payload)
	if err != nil {
		return 0, false, err
	}

	offset := int64(chunk.Index) * int64(file.ChunkSize)
	want := min(int64(file.ChunkSize), int64(file.Size)-offset)
	if int64(len(plain)) != want {
		return 0, false, fmt.Errorf("%w: chunk %d decoded to %d bytes, expected %d",
			domain.ErrMalformedFrame, chunk.Index, len(plain), want)
	}

	r.writeMu.RLock()
	defer r.writeMu.RUnlock()
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return 0, false, nil
	}

	if len(plain) > 0 {
		if _, err := r.dst.WriteAt(plain, offset); err != nil {
			return 0, false, fmt.Errorf("%w: chunk %d: %v", errWrite, chunk.Index, err)
		}
	}
	return len(plain), true, nil
}

// decode runs on a worker: verify, decompress. Output is capped at the
// length the manifest allows for index.
func (r *receiveJob) decode(index uint32, sealed []byte) ([]byte, error) {
	payload, err := r.s.auth.Open(index, sealed)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	file := r.file
	r.mu.Unlock()
	offset := int64(index) * int64(file.ChunkSize)
	limit := max(0, min(int64(file.ChunkSize), int64(file.Size)-offset))

	plain, err := r.pipeline.DecompressLimit(payload, int(limit))
	if errors.Is(err, codec.ErrOutputLimit) {
		return nil, fmt.Errorf("%w: chunk %d decodes past %d bytes", domain.ErrMalformedFrame, index, limit)
	}
	return plain, err
}

// missing lists the chunks not yet written, or nil before a manifest.
func (r *receiveJob) missing() []uint32 {
	select {
	case <-r.ready:
	default:
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	missing := make([]uint32, 0, r.file.TotalChunks-r.count)
	for i := uint32(0); i < r.file.TotalChunks; i++ {
		if !r.received.has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (r *receiveJob) fileID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.TransferID
}

func (r *receiveJob) touch() {
	select {
	case r.activity <- struct{}{}:
	default:
	}
}

func (r *receiveJob) fail(err error) {
	select {
	case r.failed <- err:
	default:
	}
}

// close stops further writes and waits for those underway.
func (r *receiveJob) close() ReceiveResult {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopped) })

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiveResult{
		File:     r.file,
		Chunks:   r.count,
		Bytes:    r.bytes,
		Duration: time.Since(r.start),
	}
}

func (r *receiveJob) sendControl(ctx context.Context, msg any) error {
	select {
	case <-r.controlReady:
	case <-ctx.Done():
		return ctx.Err()
	}
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	return r.control.Send(ctx, data)
}

// bitset records which chunk indexes have been written.
type bitset []uint64

func newBitset(n uint32) bitset {
	return make(bitset, (int(n)+63)/64)
}

func (b bitset) has(i uint32) bool {
	w := int(i / 64)
	return w < len(b) && b[w]&(1<<(i%64)) != 0
}

func (b bitset) set(i uint32) {
	b[i/64] |= 1 << (i % 64)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/infrastructure/codec"
	"speedshare/internal/infrastructure/protocol"
	"speedshare/internal/infrastructure/webrtc"
	"speedshare/internal/infrastructure/workers"
	"speedshare/pkg/logger"
	"speedshare/pkg/optimize"
	"speedshare/pkg/retry"
	"speedshare/pkg/tracing"
	"speedshare/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultResendRounds = 3
	DefaultCloseLinger  = 5 * time.Second

	// completionWaitFactor scales the chunk timeout into the time the
	// sender waits for the receiver's acknowledgement.
	completionWaitFactor = 3
	controlQueueSize     = 16
)

// EngineOptions are the process wide settings shared by every transfer.
type EngineOptions struct {
	Workers                 int // 0 = GOMAXPROCS
	StreamThreshold         int
	MaxRetransmits          uint16
	BufferedAmountThreshold uint64
	OpenTimeout             time.Duration
	RetryBaseDelay          time.Duration
	ResendRounds            int
	CloseLinger             time.Duration
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		StreamThreshold:         codec.DefaultStreamThreshold,
		MaxRetransmits:          10,
		BufferedAmountThreshold: webrtc.DefaultBufferedAmountThreshold,
		OpenTimeout:             webrtc.DefaultOpenTimeout,
		RetryBaseDelay:          time.Second,
		ResendRounds:            DefaultResendRounds,
		CloseLinger:             DefaultCloseLinger,
	}
}

func (o EngineOptions) openConfig(cfg domain.TransferConfiguration) webrtc.OpenConfig {
	return webrtc.OpenConfig{
		Options:     webrtc.TransferChannelOptions(o.MaxRetransmits),
		OpenTimeout: o.OpenTimeout,
		Threshold:   o.BufferedAmountThreshold,
		Retry:       retry.ForStrategy(cfg.RetryAttempts, cfg.RetryStrategy == domain.RetryFixed, o.RetryBaseDelay),
	}
}

// TransferService is the sending side of the engine.
type TransferService struct {
	opts    EngineOptions
	auth    ports.FrameAuthenticator
	metrics ports.MetricsCollector
	logger  *zap.SugaredLogger
}

func NewTransferService(
	opts EngineOptions,
	auth ports.FrameAuthenticator,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *TransferService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &TransferService{
		opts:    opts,
		auth:    auth,
		metrics: metrics,
		logger:  logger,
	}
}

// SendFile sends the file at path, announcing its base name to the peer.
func (s *TransferService) SendFile(
	ctx context.Context,
	path string,
	conn ports.Connection,
	cfg domain.TransferConfiguration,
	onProgress domain.ProgressFunc,
) (domain.ProgressState, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.ProgressState{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.ProgressState{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return s.send(ctx, filepath.Base(path), f, info.Size(), conn, cfg, onProgress)
}

// Send splits src into cfg.ChunkSize chunks, compresses them on the worker
// pool and pushes the frames over cfg.ParallelChannels channels of conn. It
// returns once the receiver acknowledged every chunk.
//
// domain.ErrNoChannels is returned as is when nothing could be opened; any
// failure after the first dispatch is a *domain.InterruptedError.
func (s *TransferService) Send(
	ctx context.Context,
	src io.ReaderAt,
	size int64,
	conn ports.Connection,
	cfg domain.TransferConfiguration,
	onProgress domain.ProgressFunc,
) (domain.ProgressState, error) {
	return s.send(ctx, "", src, size, conn, cfg, onProgress)
}

func (s *TransferService) send(
	ctx context.Context,
	name string,
	src io.ReaderAt,
	size int64,
	conn ports.Connection,
	cfg domain.TransferConfiguration,
	onProgress domain.ProgressFunc,
) (domain.ProgressState, error) {
	if err := cfg.Validate(); err != nil {
		return domain.ProgressState{}, err
	}
	if size < 0 {
		return domain.ProgressState{}, fmt.Errorf("%w: negative size", domain.ErrInvalidConfiguration)
	}

	id := utils.GenerateTransferID()
	ctx = logger.WithTransferID(ctx, id)
	ctx, span := tracing.TraceTransfer(ctx, DirectionSend, id, size)
	defer span.End()

	j := &sendJob{
		s:          s,
		id:         id,
		name:       name,
		src:        src,
		size:       size,
		cfg:        cfg,
		total:      cfg.TotalChunks(size),
		onProgress: onProgress,
		replies:    make(chan any, controlQueueSize),
		aborted:    make(chan struct{}),
		logger:     s.logger.With("transfer_id", id),
	}
	j.progress = domain.ProgressState{TotalChunks: j.total, StartTime: time.Now()}

	tracing.AddSpanAttributes(ctx,
		tracing.ChunksKey.Int64(int64(j.total)),
		tracing.ChunkSizeKey.Int64(int64(cfg.ChunkSize)),
		tracing.ChannelsKey.Int(cfg.ParallelChannels),
	)

	started, err := j.run(ctx, conn)
	progress := j.snapshot()
	elapsed := time.Since(progress.StartTime)
	tracing.MeasureDuration(ctx, progress.StartTime, DirectionSend)

	if err != nil {
		tracing.RecordError(ctx, err)
		s.metrics.RecordTransfer(DirectionSend, StatusInterrupted, progress.BytesSent, elapsed)
		j.logger.Warnw("send failed",
			"chunks_sent", progress.ChunksSent,
			"total_chunks", progress.TotalChunks,
			"error", err,
		)
		if !started {
			return progress, err
		}
		return progress, &domain.InterruptedError{Progress: progress, Cause: err}
	}

	s.metrics.RecordTransfer(DirectionSend, StatusCompleted, progress.BytesSent, elapsed)
	j.logger.Infow("send completed",
		"name", name,
		"size", size,
		"chunks", progress.ChunksSent,
		"duration", utils.FormatDuration(elapsed),
		"throughput", utils.FormatThroughput(progress.Throughput(time.Now())),
	)
	return progress, nil
}

// sendJob is the state of one outgoing transfer.
type sendJob struct {
	s      *TransferService
	id     string
	name   string
	src    io.ReaderAt
	size   int64
	cfg    domain.TransferConfiguration
	total  uint32
	logger *zap.SugaredLogger

	pool     *webrtc.ChannelPool
	control  *webrtc.ChannelHandle
	workers  *workers.Pool
	pipeline *codec.Pipeline
	buffers  *optimize.BytePool

	mu         sync.Mutex
	progress   domain.ProgressState
	onProgress domain.ProgressFunc

	replies     chan any
	aborted     chan struct{}
	abortOnce   sync.Once
	abortReason string
}

// run reports whether any chunk was dispatched together with the outcome.
func (j *sendJob) run(ctx context.Context, conn ports.Connection) (bool, error) {
	opts := j.s.opts
	openCfg := opts.openConfig(j.cfg)

	controlCfg := openCfg
	controlCfg.Options = webrtc.ReliableChannelOptions()
	control, err := webrtc.OpenChannel(ctx, conn, protocol.ControlLabel, controlCfg)
	if err != nil {
		return false, fmt.Errorf("%w: control channel: %w", domain.ErrNoChannels, err)
	}
	defer control.Close()
	control.OnMessage(j.handleControl)
	j.control = control

	j.pool = webrtc.NewChannelPool(openCfg, j.logger)
	defer j.pool.Close()
	openErr := j.pool.Open(ctx, conn, j.cfg.ParallelChannels)
	if failures := len(j.pool.Failures()); failures > 0 {
		j.s.metrics.RecordChannelFailures(failures)
	}
	if openErr != nil {
		return false, openErr
	}

	j.pipeline = codec.NewPipeline(codec.Options{
		CompressionLevel: j.cfg.CompressionLevel,
		StreamThreshold:  opts.StreamThreshold,
	})
	defer j.pipeline.Close()

	j.workers = workers.NewPool(opts.Workers, j.encode)
	j.workers.Start()
	defer j.workers.Close()

	j.buffers = optimize.NewBytePool(int(j.cfg.ChunkSize))

	if err := j.sendControl(ctx, &protocol.Manifest{
		TransferID:       j.id,
		Name:             j.name,
		Size:             uint64(j.size),
		ChunkSize:        j.cfg.ChunkSize,
		TotalChunks:      j.total,
		CompressionLevel: j.cfg.CompressionLevel,
	}); err != nil {
		return false, err
	}

	j.logger.Infow("sending",
		"name", j.name,
		"size", j.size,
		"total_chunks", j.total,
		"channels", len(j.pool.Channels()),
	)

	if err := j.dispatch(ctx); err != nil {
		j.abort(err)
		return true, err
	}
	if err := j.awaitCompletion(ctx); err != nil {
		j.abort(err)
		return true, err
	}
	return true, nil
}

// encode runs on a worker: compress, seal, frame.
func (j *sendJob) encode(index uint32, data []byte) ([]byte, error) {
	compressed, err := j.pipeline.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress chunk %d: %w", index, err)
	}
	sealed, err := j.s.auth.Seal(index, compressed)
	if err != nil {
		return nil, fmt.Errorf("seal chunk %d: %w", index, err)
	}
	return protocol.EncodeFrame(index, j.total, sealed), nil
}

// dispatch submits every chunk in index order with at most twice the
// worker count in flight.
func (j *sendJob) dispatch(ctx context.Context) error {
	sendCtx, cancelSend := drainContext(ctx, j.cfg.ChunkTimeout)
	defer cancelSend()

	g, gctx := errgroup.WithContext(sendCtx)
	inflight := make(chan struct{}, j.workers.Size()*2)

	var stopErr error
dispatch:
	for index := uint32(0); index < j.total; index++ {
		if err := j.checkDispatch(ctx); err != nil {
			stopErr = err
			break
		}

		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			stopErr = ctx.Err()
			break dispatch
		case <-gctx.Done():
			break dispatch
		case <-j.aborted:
			stopErr = j.abortErr()
			break dispatch
		}

		index := index
		g.Go(func() error {
			defer func() { <-inflight }()
			return j.sendChunk(gctx, index, true)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return stopErr
}

// checkDispatch is evaluated before each chunk: cancellation, the
// cooperative deadline and a peer abort all stop new submissions.
func (j *sendJob) checkDispatch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.cfg.Timeout > 0 && time.Since(j.progress.StartTime) > j.cfg.Timeout {
		return domain.ErrTransferTimeout
	}
	select {
	case <-j.aborted:
		return j.abortErr()
	default:
	}
	return nil
}

// sendChunk reads, encodes and delivers one chunk. counted is false for
// resends so progress is not reported twice.
func (j *sendJob) sendChunk(ctx context.Context, index uint32, counted bool) error {
	offset := int64(index) * int64(j.cfg.ChunkSize)
	n := min(int64(j.cfg.ChunkSize), j.size-offset)
	if n < 0 {
		n = 0
	}

	buf := j.buffers.Get()[:n]
	if n > 0 {
		read, err := j.src.ReadAt(buf, offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
			j.buffers.Put(buf)
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
	}

	frame, err := j.workers.Process(ctx, index, buf)
	if err != nil {
		// The worker may still hold buf when ctx ended; leave it to the GC.
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	j.buffers.Put(buf)

	if err := j.deliver(ctx, index, frame); err != nil {
		return err
	}
	j.s.metrics.RecordChunk(DirectionSend, len(frame))

	if counted {
		j.advance(uint64(n))
	}
	return nil
}

// deliver sends frame on the channel the pool picks, moving to another
// channel when the chosen one closes underneath the send.
func (j *sendJob) deliver(ctx context.Context, index uint32, frame []byte) error {
	for {
		h, err := j.pool.PickChannel()
		if err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}

		err = h.Send(ctx, frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrChannelClosed) {
			return fmt.Errorf("chunk %d: %w", index, err)
		}
		j.logger.Warnw("channel closed during send, rescheduling",
			"chunk_index", index,
			"channel", h.Label(),
		)
	}
}

func (j *sendJob) advance(n uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.progress.ChunksSent++
	j.progress.BytesSent += n
	if j.onProgress != nil {
		j.onProgress(j.progress.Percent(), utils.FormatThroughput(j.progress.Throughput(time.Now())))
	}
}

func (j *sendJob) snapshot() domain.ProgressState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// awaitCompletion waits for the receiver's Complete, serving Resend
// requests in the meantime.
func (j *sendJob) awaitCompletion(ctx context.Context) error {
	wait := j.cfg.ChunkTimeout * completionWaitFactor
	if wait <= 0 {
		wait = 30 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	rounds := 0
	for {
		select {
		case msg := <-j.replies:
			switch m := msg.(type) {
			case *protocol.Complete:
				if m.Chunks != j.total {
					return fmt.Errorf("%w: receiver acknowledged %d of %d chunks", domain.ErrFrameMismatch, m.Chunks, j.total)
				}
				return nil
			case *protocol.Resend:
				if rounds >= j.s.opts.ResendRounds {
					return fmt.Errorf("%w: receiver still missing %d chunks", domain.ErrTransferStalled, len(m.Missing))
				}
				rounds++
				j.logger.Infow("resending missing chunks",
					"round", rounds,
					"missing", len(m.Missing),
				)
				if err := j.resend(ctx, m.Missing); err != nil {
					return err
				}
				timer.Reset(wait)
			case *protocol.Abort:
				return j.abortErr()
			}
		case <-timer.C:
			return fmt.Errorf("%w: no acknowledgement from receiver", domain.ErrTransferStalled)
		case <-j.control.Done():
			select {
			case <-j.aborted:
				return j.abortErr()
			default:
			}
			return fmt.Errorf("control channel: %w", domain.ErrChannelClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *sendJob) resend(ctx context.Context, missing []uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers.Size() * 2)
	for _, index := range missing {
		if index >= j.total {
			continue
		}
		index := index
		g.Go(func() error {
			return j.sendChunk(gctx, index, false)
		})
	}
	return g.Wait()
}

func (j *sendJob) handleControl(data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		j.logger.Warnw("dropping control message", "error", err)
		return
	}
	if a, ok := msg.(*protocol.Abort); ok {
		j.abortOnce.Do(func() {
			j.abortReason = a.Reason
			close(j.aborted)
		})
	}
	select {
	case j.replies <- msg:
	default:
		j.logger.Warnw("control queue full, dropping message", "type", fmt.Sprintf("%T", msg))
	}
}

func (j *sendJob) abortErr() error {
	<-j.aborted
	return fmt.Errorf("%w: %s", domain.ErrTransferAborted, j.abortReason)
}

func (j *sendJob) sendControl(ctx context.Context, msg any) error {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	return j.control.Send(ctx, data)
}

// abort tells the receiver to give up. Best effort: the channel may already
// be gone.
func (j *sendJob) abort(cause error) {
	if errors.Is(cause, domain.ErrTransferAborted) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.sendControl(ctx, &protocol.Abort{TransferID: j.id, Reason: cause.Error()}); err != nil {
		j.logger.Debugw("failed to send abort", "error", err)
	}
}

// drainContext returns a context that outlives ctx by grace, letting sends
// already in flight finish after cancellation.
func drainContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	drain, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if grace <= 0 {
			cancel()
			return
		}
		time.AfterFunc(grace, cancel)
	})
	return drain, func() {
		stop()
		cancel()
	}
}

package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/core/services"
	"speedshare/internal/infrastructure/auth"
	"speedshare/internal/infrastructure/transport/loopback"
	"speedshare/pkg/utils"

	"github.com/urfave/cli/v2"
)

func BenchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run a transfer between two in-process peers and report throughput",
		Flags: append(transferFlags(),
			&cli.Int64Flag{
				Name:  "size",
				Usage: "payload size in bytes",
				Value: 10 * 1024 * 1024,
			},
			&cli.Float64Flag{
				Name:  "text-ratio",
				Usage: "share of the payload that is compressible text (0-1)",
				Value: 0.5,
			},
			&cli.BoolFlag{
				Name:  "auth",
				Usage: "authenticate every frame",
			},
			&cli.DurationFlag{
				Name:  "latency",
				Usage: "artificial per-message latency",
			},
		),
		Action: benchAction,
	}
}

// bufferSink is an io.WriterAt over a preallocated buffer.
type bufferSink struct {
	mu  sync.Mutex
	buf []byte
}

func (b *bufferSink) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(b.buf[off:], p), nil
}

// benchPayload mixes random bytes with repetitive text so the codec has
// something to work on.
func benchPayload(size int64, textRatio float64) ([]byte, error) {
	payload := make([]byte, size)
	textLen := int64(float64(size) * textRatio)
	if _, err := rand.Read(payload[textLen:]); err != nil {
		return nil, err
	}
	line := []byte("speedshare moves files peer to peer over parallel data channels\n")
	for i := int64(0); i < textLen; i += int64(len(line)) {
		copy(payload[i:textLen], line)
	}
	return payload, nil
}

func benchAction(c *cli.Context) error {
	size := c.Int64("size")
	if size < 0 {
		return cli.Exit("size must not be negative", 2)
	}

	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := applyOverrides(c, rt.cfg.TransferConfiguration())
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	payload, err := benchPayload(size, c.Float64("text-ratio"))
	if err != nil {
		return err
	}

	var sendAuth, recvAuth ports.FrameAuthenticator = auth.NoopAuthenticator{}, auth.NoopAuthenticator{}
	if c.Bool("auth") {
		if sendAuth, recvAuth, err = pairedAuthenticators(); err != nil {
			return err
		}
	}

	result, err := runBench(c.Context, rt, cfg, payload, sendAuth, recvAuth, loopback.Options{Latency: c.Duration("latency")})
	if err != nil {
		return err
	}

	fmt.Fprintf(rt.out, "size:        %s\n", utils.FormatBytes(float64(size)))
	fmt.Fprintf(rt.out, "chunks:      %d x %s over %d channels\n",
		result.chunks, utils.FormatBytes(float64(cfg.ChunkSize)), cfg.ParallelChannels)
	fmt.Fprintf(rt.out, "duration:    %s\n", utils.FormatDuration(result.elapsed))
	fmt.Fprintf(rt.out, "throughput:  %s\n", utils.FormatThroughput(float64(size)/result.elapsed.Seconds()))
	return nil
}

type benchResult struct {
	chunks  uint32
	elapsed time.Duration
}

func pairedAuthenticators() (ports.FrameAuthenticator, ports.FrameAuthenticator, error) {
	a, err := auth.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	b, err := auth.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	sendAuth, err := auth.NewMACAuthenticator(a, b.Public)
	if err != nil {
		return nil, nil, err
	}
	recvAuth, err := auth.NewMACAuthenticator(b, a.Public)
	if err != nil {
		return nil, nil, err
	}
	return sendAuth, recvAuth, nil
}

func runBench(
	ctx context.Context,
	rt *runtime,
	cfg domain.TransferConfiguration,
	payload []byte,
	sendAuth, recvAuth ports.FrameAuthenticator,
	opts loopback.Options,
) (benchResult, error) {
	a, b := loopback.NewPair(opts)
	defer a.Close()
	defer b.Close()

	engine := engineOptions(rt.cfg)
	sender := services.NewTransferService(engine, sendAuth, nil, rt.logger)
	receiver := services.NewReceiveService(engine, recvAuth, nil, rt.logger)

	sink := &bufferSink{buf: make([]byte, len(payload))}
	received := make(chan error, 1)
	go func() {
		_, err := receiver.Receive(ctx, b, sink, cfg, nil)
		received <- err
	}()

	start := time.Now()
	progress, err := sender.Send(ctx, bytes.NewReader(payload), int64(len(payload)), a, cfg, newProgressPrinter(rt.errOut).update)
	if err != nil {
		return benchResult{}, fmt.Errorf("send failed: %w", err)
	}
	if err := <-received; err != nil {
		return benchResult{}, fmt.Errorf("receive failed: %w", err)
	}
	elapsed := time.Since(start)

	if !bytes.Equal(sink.buf, payload) {
		return benchResult{}, fmt.Errorf("received payload differs from the one sent")
	}
	return benchResult{chunks: progress.ChunksSent, elapsed: elapsed}, nil
}

package services

import (
	"context"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"

	"go.uber.org/zap"
)

// tier is one row of the bandwidth table. A reading falls into the first
// tier whose ceiling it is below.
type tier struct {
	ceiling          float64
	chunkSize        uint32
	parallelChannels int
	compressionLevel int
}

const (
	highLatency         = 300 * time.Millisecond
	highLatencyChannels = 2
)

var tiers = []tier{
	{ceiling: 50 * 1024, chunkSize: 4 * 1024, parallelChannels: 1, compressionLevel: 20},
	{ceiling: 200 * 1024, chunkSize: 8 * 1024, parallelChannels: 2, compressionLevel: 15},
	{ceiling: 1024 * 1024, chunkSize: 16 * 1024, parallelChannels: 3, compressionLevel: 10},
}

var topTier = tier{chunkSize: 64 * 1024, parallelChannels: 4, compressionLevel: 5}

type TunerService struct {
	probe  ports.NetworkProbe
	logger *zap.SugaredLogger
}

func NewTunerService(probe ports.NetworkProbe, logger *zap.SugaredLogger) *TunerService {
	return &TunerService{
		probe:  probe,
		logger: logger,
	}
}

// Tune maps a probe reading onto chunk size, parallelism and compression.
// Every other field of base passes through.
func (ts *TunerService) Tune(base domain.TransferConfiguration, quality domain.NetworkQuality) domain.TransferConfiguration {
	return Tune(base, quality)
}

// Optimize probes the network and tunes base for the reading.
func (ts *TunerService) Optimize(ctx context.Context, base domain.TransferConfiguration) (domain.TransferConfiguration, domain.NetworkQuality) {
	quality := ts.probe.Measure(ctx)
	tuned := Tune(base, quality)

	ts.logger.Infow("transfer tuned",
		"bandwidth_bps", quality.BandwidthBytesPerSec,
		"latency_ms", quality.Latency.Milliseconds(),
		"reliability", quality.Reliability,
		"chunk_size", tuned.ChunkSize,
		"parallel_channels", tuned.ParallelChannels,
		"compression_level", tuned.CompressionLevel,
	)
	return tuned, quality
}

// Tune is the pure form of TunerService.Tune.
func Tune(base domain.TransferConfiguration, quality domain.NetworkQuality) domain.TransferConfiguration {
	selected := topTier
	for _, t := range tiers {
		if quality.BandwidthBytesPerSec < t.ceiling {
			selected = t
			break
		}
	}

	tuned := base
	tuned.ChunkSize = selected.chunkSize
	tuned.ParallelChannels = selected.parallelChannels
	tuned.CompressionLevel = selected.compressionLevel

	if quality.Latency > highLatency && tuned.ParallelChannels < highLatencyChannels {
		tuned.ParallelChannels = highLatencyChannels
	}
	return tuned
}

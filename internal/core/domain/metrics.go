package domain

import "time"

// NetworkQuality is a single probe reading consumed by the tuner.
type NetworkQuality struct {
	BandwidthBytesPerSec float64
	Latency              time.Duration
	Reliability          float64 // 0-1
}

// FallbackNetworkQuality is the conservative reading used when a probe fails.
var FallbackNetworkQuality = NetworkQuality{
	BandwidthBytesPerSec: 10 * 1024,
	Latency:              800 * time.Millisecond,
	Reliability:          0.3,
}

// ReliabilityForLatency maps a round-trip latency onto the reliability scale.
func ReliabilityForLatency(latency time.Duration) float64 {
	switch {
	case latency < 200*time.Millisecond:
		return 1.0
	case latency < 500*time.Millisecond:
		return 0.7
	default:
		return 0.4
	}
}

// ProgressState tracks a transfer from the sender's point of view.
type ProgressState struct {
	ChunksSent  uint32
	TotalChunks uint32
	BytesSent   uint64
	StartTime   time.Time
}

// Percent returns completion in the 0-100 range.
func (p ProgressState) Percent() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.ChunksSent) / float64(p.TotalChunks) * 100
}

// Throughput returns the average send rate in bytes per second up to now.
func (p ProgressState) Throughput(now time.Time) float64 {
	elapsed := now.Sub(p.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.BytesSent) / elapsed
}

// Complete reports whether every chunk has been sent.
func (p ProgressState) Complete() bool {
	return p.TotalChunks > 0 && p.ChunksSent >= p.TotalChunks
}

// ProgressFunc receives completion percent and a human readable throughput.
type ProgressFunc func(percent float64, throughput string)

package ports

import (
	"context"
	"time"

	"speedshare/internal/core/domain"
)

type RendezvousRegistry interface {
	Issue(ctx context.Context, record domain.RendezvousRecord) (domain.RendezvousCode, error)
	Resolve(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error)
	Evict(ctx context.Context, code domain.RendezvousCode) error
	PostAnswer(ctx context.Context, code domain.RendezvousCode, answer domain.RendezvousRecord) error
	AwaitAnswer(ctx context.Context, code domain.RendezvousCode) (domain.RendezvousRecord, error)
}

type NetworkProbe interface {
	Measure(ctx context.Context) domain.NetworkQuality
}

// FrameAuthenticator is the authenticity hook applied to every chunk
// payload after compression on send and before decompression on receive.
type FrameAuthenticator interface {
	Seal(index uint32, payload []byte) ([]byte, error)
	Open(index uint32, sealed []byte) ([]byte, error)
	Overhead() int
}

// MetricsCollector receives transfer and rendezvous measurements.
type MetricsCollector interface {
	RecordChunk(direction string, bytes int)
	RecordTransfer(direction, status string, bytes uint64, duration time.Duration)
	RecordChannelFailures(count int)
	RecordRendezvous(operation, result string)
	RecordProbe(quality domain.NetworkQuality)
}

package domain

import (
	"fmt"
	"time"
)

type TransferID string

type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryFixed       RetryStrategy = "fixed"
)

// TransferConfiguration is the immutable parameter snapshot for one transfer.
// Re-tuning requires a new transfer.
type TransferConfiguration struct {
	ChunkSize        uint32
	ParallelChannels int
	CompressionLevel int
	RetryAttempts    int
	RetryStrategy    RetryStrategy
	Timeout          time.Duration
	ChunkTimeout     time.Duration
	MaxSize          uint64 // receiver side, 0 = unlimited
}

// Validate checks the configuration can drive a transfer.
func (c TransferConfiguration) Validate() error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("%w: chunk size must be > 0", ErrInvalidConfiguration)
	}
	if c.ParallelChannels <= 0 {
		return fmt.Errorf("%w: parallel channels must be > 0", ErrInvalidConfiguration)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry attempts must be >= 1", ErrInvalidConfiguration)
	}
	switch c.RetryStrategy {
	case RetryExponential, RetryFixed:
	default:
		return fmt.Errorf("%w: unknown retry strategy %q", ErrInvalidConfiguration, c.RetryStrategy)
	}
	return nil
}

// TotalChunks returns ceil(size/ChunkSize). A zero-length file still yields
// a single empty chunk so the receiver observes completion.
func (c TransferConfiguration) TotalChunks(size int64) uint32 {
	if size <= 0 {
		return 1
	}
	cs := int64(c.ChunkSize)
	return uint32((size + cs - 1) / cs)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCode          = errors.New("invalid code format")
	ErrCodeNotFound         = errors.New("code not found")
	ErrChannelClosed        = errors.New("channel closed")
	ErrChannelEstablishment = errors.New("channel failed to open")
	ErrNoChannels           = errors.New("transfer could not start: no channels opened")
	ErrAllChannelsClosed    = errors.New("no open channels remain")
	ErrTransferTimeout      = errors.New("transfer deadline exceeded")
	ErrTransferStalled      = errors.New("transfer stalled: no data received within chunk timeout")
	ErrTransferAborted      = errors.New("transfer aborted by peer")
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrFrameMismatch        = errors.New("frame does not belong to this transfer")
	ErrSizeLimitExceeded    = errors.New("transfer exceeds maximum accepted size")
	ErrAuthenticationFailed = errors.New("frame authentication failed")
	ErrInvalidConfiguration = errors.New("invalid transfer configuration")
	ErrInvalidRecord        = errors.New("invalid rendezvous record")
)

// InterruptedError reports a transfer that stopped before every chunk was
// delivered, together with the last progress observed.
type InterruptedError struct {
	Progress ProgressState
	Cause    error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("transfer interrupted at %.1f%% (%d/%d chunks): %v",
		e.Progress.Percent(), e.Progress.ChunksSent, e.Progress.TotalChunks, e.Cause)
}

func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

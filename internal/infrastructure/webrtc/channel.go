package webrtc

import (
	"context"
	"fmt"
	"sync"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
)

// DefaultBufferedAmountThreshold bounds the bytes queued on one channel
// before senders wait for it to drain.
const DefaultBufferedAmountThreshold = 4 * 1024 * 1024

// ChannelHandle owns one data channel for the lifetime of a transfer and
// turns its buffered-amount callbacks into a channel based drained signal.
type ChannelHandle struct {
	ch        ports.DataChannel
	threshold uint64

	mu      sync.Mutex
	drained chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannelHandle wraps ch with a drained signal at threshold; 0 means
// DefaultBufferedAmountThreshold.
func NewChannelHandle(ch ports.DataChannel, threshold uint64) *ChannelHandle {
	if threshold == 0 {
		threshold = DefaultBufferedAmountThreshold
	}
	h := &ChannelHandle{
		ch:        ch,
		threshold: threshold,
		drained:   make(chan struct{}),
		closed:    make(chan struct{}),
	}

	ch.SetBufferedAmountLowThreshold(threshold)
	ch.OnBufferedAmountLow(h.signal)
	ch.OnOpen(h.signal)
	ch.OnClose(h.markClosed)
	if ch.ReadyState() == domain.ChannelClosed {
		h.markClosed()
	}
	return h
}

// signal wakes every sender waiting on the current drained channel.
func (h *ChannelHandle) signal() {
	h.mu.Lock()
	close(h.drained)
	h.drained = make(chan struct{})
	h.mu.Unlock()
}

func (h *ChannelHandle) waitChan() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drained
}

func (h *ChannelHandle) markClosed() {
	h.closeOnce.Do(func() { close(h.closed) })
}

func (h *ChannelHandle) Label() string {
	return h.ch.Label()
}

func (h *ChannelHandle) ReadyState() domain.ChannelState {
	select {
	case <-h.closed:
		return domain.ChannelClosed
	default:
	}
	return h.ch.ReadyState()
}

func (h *ChannelHandle) BufferedAmount() uint64 {
	return h.ch.BufferedAmount()
}

func (h *ChannelHandle) BufferedAmountLowThreshold() uint64 {
	return h.threshold
}

// Available reports an open channel below its threshold.
func (h *ChannelHandle) Available() bool {
	return h.ReadyState() == domain.ChannelOpen && h.BufferedAmount() < h.threshold
}

// Send queues data once the channel is open and its buffered amount is at
// or below the threshold, waiting for the drained signal otherwise. It never
// drops data: it returns only after the transport accepted the message, the
// channel closed (domain.ErrChannelClosed) or ctx ended.
func (h *ChannelHandle) Send(ctx context.Context, data []byte) error {
	for {
		// Take the wait channel before checking state so a drain between
		// the check and the select is not missed.
		wait := h.waitChan()

		switch h.ReadyState() {
		case domain.ChannelClosed:
			return fmt.Errorf("%s: %w", h.Label(), domain.ErrChannelClosed)
		case domain.ChannelOpen:
			if h.BufferedAmount() <= h.threshold {
				if err := h.ch.Send(data); err != nil {
					if h.ReadyState() == domain.ChannelClosed {
						return fmt.Errorf("%s: %w", h.Label(), domain.ErrChannelClosed)
					}
					return fmt.Errorf("send on %s: %w", h.Label(), err)
				}
				return nil
			}
		}

		select {
		case <-wait:
		case <-h.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnMessage registers the receive handler of the underlying channel.
func (h *ChannelHandle) OnMessage(f func(data []byte)) {
	h.ch.OnMessage(f)
}

// Done is closed once the channel has closed.
func (h *ChannelHandle) Done() <-chan struct{} {
	return h.closed
}

func (h *ChannelHandle) Close() error {
	h.markClosed()
	return h.ch.Close()
}

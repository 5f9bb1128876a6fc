package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/retry"

	"go.uber.org/zap"
)

const (
	TransferLabelPrefix = "fileTransfer"
	DefaultOpenTimeout  = 5 * time.Second
)

// OpenConfig describes how a single channel is requested and awaited.
type OpenConfig struct {
	Options     domain.ChannelOptions
	OpenTimeout time.Duration
	Threshold   uint64
	Retry       retry.Config
}

// TransferChannelOptions are the unordered, partially reliable channels
// chunks travel on.
func TransferChannelOptions(maxRetransmits uint16) domain.ChannelOptions {
	return domain.ChannelOptions{Ordered: false, MaxRetransmits: &maxRetransmits}
}

// ReliableChannelOptions are used for the control channel.
func ReliableChannelOptions() domain.ChannelOptions {
	maxRetransmits := uint16(10)
	return domain.ChannelOptions{Ordered: true, MaxRetransmits: &maxRetransmits}
}

// OpenChannel creates label on conn and waits for it to open, retrying per
// cfg.Retry. Each try is bounded by cfg.OpenTimeout.
func OpenChannel(ctx context.Context, conn ports.Connection, label string, cfg OpenConfig) (*ChannelHandle, error) {
	return retry.RetryWithResult(ctx, cfg.Retry, func() (*ChannelHandle, error) {
		return openOnce(ctx, conn, label, cfg)
	})
}

func openOnce(ctx context.Context, conn ports.Connection, label string, cfg OpenConfig) (*ChannelHandle, error) {
	ch, err := conn.CreateChannel(label, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrChannelEstablishment, label, err)
	}

	opened := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once
	ch.OnOpen(func() { once.Do(func() { close(opened) }) })
	ch.OnClose(func() {
		select {
		case failed <- errors.New("closed before open"):
		default:
		}
	})
	ch.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	if ch.ReadyState() == domain.ChannelOpen {
		once.Do(func() { close(opened) })
	}

	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-opened:
		return NewChannelHandle(ch, cfg.Threshold), nil
	case err := <-failed:
		ch.Close()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrChannelEstablishment, label, err)
	case <-timer.C:
		ch.Close()
		return nil, fmt.Errorf("%w: %s: timed out after %v", domain.ErrChannelEstablishment, label, timeout)
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}
}

// ChannelPool holds the parallel transfer channels of one connection.
type ChannelPool struct {
	cfg    OpenConfig
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	channels []*ChannelHandle
	failures []error
	next     atomic.Uint64
}

func NewChannelPool(cfg OpenConfig, logger *zap.SugaredLogger) *ChannelPool {
	return &ChannelPool{
		cfg:    cfg,
		logger: logger,
	}
}

// Open requests count channels concurrently. Individual failures are
// recorded and tolerated; domain.ErrNoChannels is returned only when every
// channel failed.
func (p *ChannelPool) Open(ctx context.Context, conn ports.Connection, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: channel count must be > 0", domain.ErrInvalidConfiguration)
	}

	opened := make([]*ChannelHandle, count)
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			label := fmt.Sprintf("%s-%d", TransferLabelPrefix, i)
			h, err := OpenChannel(ctx, conn, label, p.cfg)
			if err != nil {
				p.logger.Warnw("channel failed to open",
					"channel", label,
					"error", err,
				)
				errs[i] = err
				return
			}
			opened[i] = h
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range opened {
		if h != nil {
			p.channels = append(p.channels, h)
		} else {
			p.failures = append(p.failures, errs[i])
		}
	}

	if len(p.channels) == 0 {
		return fmt.Errorf("%w: %w", domain.ErrNoChannels, errors.Join(errs...))
	}

	p.logger.Infow("channel pool opened",
		"requested", count,
		"opened", len(p.channels),
	)
	return nil
}

// Add puts an already open channel under the pool's management. Used on
// the answering side where channels are announced by the remote peer.
func (p *ChannelPool) Add(ch ports.DataChannel) *ChannelHandle {
	h := NewChannelHandle(ch, p.cfg.Threshold)
	p.mu.Lock()
	p.channels = append(p.channels, h)
	p.mu.Unlock()
	return h
}

// PickChannel returns the least buffered open channel below its threshold.
// When every channel is saturated it falls back to round-robin over the
// channels that are not closed so a sender can wait on one of them.
func (p *ChannelPool) PickChannel() (*ChannelHandle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *ChannelHandle
	for _, h := range p.channels {
		if !h.Available() {
			continue
		}
		if best == nil || h.BufferedAmount() < best.BufferedAmount() {
			best = h
		}
	}
	if best != nil {
		return best, nil
	}

	live := make([]*ChannelHandle, 0, len(p.channels))
	for _, h := range p.channels {
		if h.ReadyState() != domain.ChannelClosed {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		return nil, domain.ErrAllChannelsClosed
	}
	return live[int(p.next.Add(1)-1)%len(live)], nil
}

// AvailableChannels returns the open channels below threshold; it may be empty.
func (p *ChannelPool) AvailableChannels() []*ChannelHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := make([]*ChannelHandle, 0, len(p.channels))
	for _, h := range p.channels {
		if h.Available() {
			available = append(available, h)
		}
	}
	return available
}

func (p *ChannelPool) Channels() []*ChannelHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*ChannelHandle(nil), p.channels...)
}

// Failures returns the establishment errors recorded by Open.
func (p *ChannelPool) Failures() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]error(nil), p.failures...)
}

// Close closes every channel in the pool.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	channels := p.channels
	p.channels = nil
	p.mu.Unlock()

	var errs []error
	for _, h := range channels {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Label(), err))
		}
	}
	return errors.Join(errs...)
}

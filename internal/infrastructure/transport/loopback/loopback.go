// Package loopback is an in-process transport: two connected ends whose
// data channels deliver to each other through goroutines and report
// buffered amounts the way a real data channel does.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
)

var (
	ErrConnClosed    = errors.New("loopback connection closed")
	ErrChannelClosed = errors.New("loopback channel closed")
	ErrNotOpen       = errors.New("loopback channel not open")
)

type Options struct {
	// Latency delays every message delivery.
	Latency time.Duration
	// OpenDelay delays the open event of new channels.
	OpenDelay time.Duration
	// Refuse makes CreateChannel fail for a label.
	Refuse func(label string) bool
	// NeverOpen leaves a channel connecting forever.
	NeverOpen func(label string) bool
	// Drop discards a message after it left the sender's buffer.
	Drop func(label string, data []byte) bool
	// Stall creates the local end of a channel paused, so everything sent on
	// it stays buffered until Resume.
	Stall func(label string) bool
}

// Conn is one end of a loopback connection pair.
type Conn struct {
	opts Options
	peer *Conn

	mu        sync.Mutex
	onChannel func(ports.DataChannel)
	pending   []ports.DataChannel
	channels  map[string]*Channel
	closed    bool
}

var _ ports.Connection = (*Conn)(nil)

// NewPair returns two connected ends. Channels created on either end are
// announced to the other.
func NewPair(opts Options) (*Conn, *Conn) {
	a := &Conn{opts: opts, channels: make(map[string]*Channel)}
	b := &Conn{opts: opts, channels: make(map[string]*Channel)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) CreateChannel(label string, _ domain.ChannelOptions) (ports.DataChannel, error) {
	if c.opts.Refuse != nil && c.opts.Refuse(label) {
		return nil, fmt.Errorf("channel %s refused", label)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	l := &link{state: domain.ChannelConnecting}
	local := newChannel(label, l, c.opts)
	remote := newChannel(label, l, c.opts)
	local.peer, remote.peer = remote, local
	local.paused = c.opts.Stall != nil && c.opts.Stall(label)
	c.channels[label] = local
	c.mu.Unlock()

	c.peer.mu.Lock()
	c.peer.channels[label] = remote
	c.peer.mu.Unlock()

	go local.deliver()
	go remote.deliver()

	if c.opts.NeverOpen == nil || !c.opts.NeverOpen(label) {
		go func() {
			if c.opts.OpenDelay > 0 {
				time.Sleep(c.opts.OpenDelay)
			}
			if !l.open() {
				return
			}
			c.peer.announce(remote)
			remote.fireOpen()
			local.fireOpen()
		}()
	}
	return local, nil
}

func (c *Conn) OnChannel(f func(ports.DataChannel)) {
	c.mu.Lock()
	c.onChannel = f
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		f(ch)
	}
}

func (c *Conn) announce(ch ports.DataChannel) {
	c.mu.Lock()
	f := c.onChannel
	if f == nil {
		c.pending = append(c.pending, ch)
	}
	c.mu.Unlock()

	if f != nil {
		f(ch)
	}
}

// Channel returns this end of the channel with the given label.
func (c *Conn) Channel(label string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[label]
}

// Close closes every channel of the pair.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// link is the state shared by both ends of a channel.
type link struct {
	mu    sync.Mutex
	state domain.ChannelState
}

func (l *link) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != domain.ChannelConnecting {
		return false
	}
	l.state = domain.ChannelOpen
	return true
}

func (l *link) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == domain.ChannelClosed {
		return false
	}
	l.state = domain.ChannelClosed
	return true
}

func (l *link) get() domain.ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Channel is one end of a loopback data channel.
type Channel struct {
	label string
	link  *link
	opts  Options
	peer  *Channel

	onMessage atomic.Pointer[func([]byte)]

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	buffered  uint64
	threshold uint64
	paused    bool
	onOpen    func()
	onClose   func()
	onError   func(error)
	onLow     func()
}

var _ ports.DataChannel = (*Channel)(nil)

func newChannel(label string, l *link, opts Options) *Channel {
	ch := &Channel{label: label, link: l, opts: opts}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *Channel) Label() string { return ch.label }

func (ch *Channel) ReadyState() domain.ChannelState { return ch.link.get() }

func (ch *Channel) BufferedAmount() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.buffered
}

func (ch *Channel) BufferedAmountLowThreshold() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.threshold
}

func (ch *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	ch.mu.Lock()
	ch.threshold = threshold
	ch.mu.Unlock()
}

func (ch *Channel) OnOpen(f func()) {
	ch.mu.Lock()
	ch.onOpen = f
	ch.mu.Unlock()
	if ch.ReadyState() == domain.ChannelOpen {
		go f()
	}
}

func (ch *Channel) OnClose(f func()) {
	ch.mu.Lock()
	ch.onClose = f
	ch.mu.Unlock()
}

func (ch *Channel) OnError(f func(error)) {
	ch.mu.Lock()
	ch.onError = f
	ch.mu.Unlock()
}

func (ch *Channel) OnBufferedAmountLow(f func()) {
	ch.mu.Lock()
	ch.onLow = f
	ch.mu.Unlock()
}

// OnMessage sets the handler for messages sent by the other end.
func (ch *Channel) OnMessage(f func([]byte)) {
	ch.onMessage.Store(&f)
	ch.peer.wake()
}

func (ch *Channel) Send(data []byte) error {
	switch ch.ReadyState() {
	case domain.ChannelClosed:
		return ErrChannelClosed
	case domain.ChannelConnecting:
		return ErrNotOpen
	}

	msg := append([]byte(nil), data...)
	ch.mu.Lock()
	ch.queue = append(ch.queue, msg)
	ch.buffered += uint64(len(msg))
	ch.cond.Signal()
	ch.mu.Unlock()
	return nil
}

// Pause stops delivery so the buffered amount only grows.
func (ch *Channel) Pause() {
	ch.mu.Lock()
	ch.paused = true
	ch.mu.Unlock()
}

func (ch *Channel) Resume() {
	ch.mu.Lock()
	ch.paused = false
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

// Fail reports err on both ends and closes the channel.
func (ch *Channel) Fail(err error) {
	for _, end := range []*Channel{ch, ch.peer} {
		end.mu.Lock()
		f := end.onError
		end.mu.Unlock()
		if f != nil {
			go f(err)
		}
	}
	ch.Close()
}

func (ch *Channel) Close() error {
	if !ch.link.close() {
		return nil
	}
	for _, end := range []*Channel{ch, ch.peer} {
		end.mu.Lock()
		end.queue = nil
		f := end.onClose
		end.cond.Broadcast()
		end.mu.Unlock()
		if f != nil {
			go f()
		}
	}
	return nil
}

func (ch *Channel) wake() {
	ch.mu.Lock()
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

func (ch *Channel) fireOpen() {
	ch.mu.Lock()
	f := ch.onOpen
	ch.mu.Unlock()
	if f != nil {
		f()
	}
}

// deliver moves queued messages to the other end until the channel closes.
func (ch *Channel) deliver() {
	for {
		ch.mu.Lock()
		for ch.link.get() != domain.ChannelClosed &&
			(len(ch.queue) == 0 || ch.paused || ch.peer.onMessage.Load() == nil) {
			ch.cond.Wait()
		}
		if ch.link.get() == domain.ChannelClosed {
			ch.mu.Unlock()
			return
		}
		msg := ch.queue[0]
		ch.queue[0] = nil
		ch.queue = ch.queue[1:]
		ch.mu.Unlock()

		if ch.opts.Latency > 0 {
			time.Sleep(ch.opts.Latency)
		}
		if ch.opts.Drop == nil || !ch.opts.Drop(ch.label, msg) {
			if h := ch.peer.onMessage.Load(); h != nil {
				(*h)(msg)
			}
		}

		ch.mu.Lock()
		before := ch.buffered
		ch.buffered -= uint64(len(msg))
		crossed := before > ch.threshold && ch.buffered <= ch.threshold
		low := ch.onLow
		ch.mu.Unlock()

		if crossed && low != nil {
			low()
		}
	}
}

package webrtc

import (
	"context"
	"fmt"
	"sync"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PeerFactory builds peer connections sharing one pion API.
type PeerFactory struct {
	config WebRTCConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewPeerFactory(config WebRTCConfig, logger *zap.SugaredLogger) *PeerFactory {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}

	return &PeerFactory{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

// NewConnection creates a peer connection. extraICE, when set, is appended
// to the configured ICE servers.
func (f *PeerFactory) NewConnection(extraICE string) (*Connection, error) {
	servers := append([]webrtc.ICEServer(nil), f.config.ICEServers...)
	if extraICE != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{extraICE}})
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Connection{
		pc:        pc,
		logger:    f.logger,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.announce(&dataChannel{dc: dc})
	})
	pc.OnConnectionStateChange(c.handleConnectionState)
	return c, nil
}

// Connection adapts a pion peer connection to ports.Connection.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu        sync.Mutex
	onChannel func(ports.DataChannel)
	pending   []ports.DataChannel
	channels  int

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once
}

// bootstrapChannelID is the stream id of the pre-negotiated channel that
// puts an SCTP section into an offer made before any channel exists. Both
// sides agree on it out of band, so the remote never announces it.
const bootstrapChannelID uint16 = 1023

var _ ports.Connection = (*Connection)(nil)

func (c *Connection) CreateChannel(label string, opts domain.ChannelOptions) (ports.DataChannel, error) {
	ordered := opts.Ordered
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:           &ordered,
		MaxRetransmits:    opts.MaxRetransmits,
		MaxPacketLifeTime: opts.MaxPacketLifeTime,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.channels++
	c.mu.Unlock()
	return &dataChannel{dc: dc}, nil
}

// OnChannel registers f for channels opened by the remote peer. Channels
// announced before registration are delivered immediately.
func (c *Connection) OnChannel(f func(ports.DataChannel)) {
	c.mu.Lock()
	c.onChannel = f
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		f(ch)
	}
}

func (c *Connection) announce(ch ports.DataChannel) {
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

// CreateOffer sets the local offer and returns its SDP once ICE gathering
// has completed.
func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	if err := c.ensureSCTP(); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return c.setLocal(ctx, offer)
}

// AcceptOffer applies a remote offer and returns the answer SDP.
func (c *Connection) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return c.setLocal(ctx, answer)
}

// SetAnswer completes the negotiation on the offering side.
func (c *Connection) SetAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Connection) ensureSCTP() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels > 0 {
		return nil
	}

	negotiated := true
	id := bootstrapChannelID
	if _, err := c.pc.CreateDataChannel("bootstrap", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	}); err != nil {
		return fmt.Errorf("failed to create bootstrap channel: %w", err)
	}
	c.channels++
	return nil
}

func (c *Connection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *Connection) handleConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Infow("peer connection state changed",
		"connection_state", state,
	)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() { close(c.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.closeOnce.Do(func() { close(c.done) })
	}
}

// WaitConnected blocks until ICE and DTLS have completed.
func (c *Connection) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("peer connection failed before connecting: %w", domain.ErrChannelEstablishment)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection failed or was closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.pc.Close()
}

// dataChannel adapts *webrtc.DataChannel to ports.DataChannel.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) ReadyState() domain.ChannelState {
	switch d.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return domain.ChannelOpen
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return domain.ChannelClosed
	default:
		return domain.ChannelConnecting
	}
}

func (d *dataChannel) BufferedAmount() uint64 { return d.dc.BufferedAmount() }

func (d *dataChannel) BufferedAmountLowThreshold() uint64 { return d.dc.BufferedAmountLowThreshold() }

func (d *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *dataChannel) OnOpen(f func()) { d.dc.OnOpen(f) }
func (d *dataChannel) OnClose(f func()) { d.dc.OnClose(f) }
func (d *dataChannel) OnError(f func(err error)) { d.dc.OnError(f) }
func (d *dataChannel) OnBufferedAmountLow(f func()) { d.dc.OnBufferedAmountLow(f) }

func (d *dataChannel) OnMessage(f func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *dataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *dataChannel) Close() error { return d.dc.Close() }

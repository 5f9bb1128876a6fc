package cli

import (
	"fmt"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/internal/infrastructure/auth"
	"speedshare/internal/infrastructure/signal"
	webrtcinfra "speedshare/internal/infrastructure/webrtc"
	"speedshare/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func newPeerFactory(cfg *config.Config, logger *zap.SugaredLogger) *webrtcinfra.PeerFactory {
	var wc webrtcinfra.WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return webrtcinfra.NewPeerFactory(wc, logger)
}

// offeredICEServer is the ICE URL published with an offer: the first one
// configured, or "" when there is none.
func offeredICEServer(cfg *config.Config) string {
	for _, s := range cfg.WebRTC.ICEServers {
		if len(s.URLs) > 0 {
			return s.URLs[0]
		}
	}
	return ""
}

func newRendezvousClient(cfg *config.Config) (*signal.Client, error) {
	client, err := signal.NewClient(cfg.Rendezvous.ServerURL, cfg.Server.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("rendezvous server %q: %w", cfg.Rendezvous.ServerURL, err)
	}
	return client, nil
}

// localKeys returns a fresh key pair when frame authentication is enabled.
func localKeys(cfg *config.Config) (*auth.KeyPair, error) {
	if !cfg.Auth.FrameMAC {
		return nil, nil
	}
	return auth.GenerateKeyPair()
}

// frameAuthenticator picks the MAC authenticator when both peers published
// a key and the no-op one when neither did. A key on one side only means
// the peers disagree and the transfer must not start.
func frameAuthenticator(local *auth.KeyPair, peerKey string) (ports.FrameAuthenticator, error) {
	switch {
	case local == nil && peerKey == "":
		return auth.NoopAuthenticator{}, nil
	case local == nil || peerKey == "":
		return nil, fmt.Errorf("%w: only one peer enabled frame authentication", domain.ErrAuthenticationFailed)
	}

	remote, err := auth.ParsePublicKey(peerKey)
	if err != nil {
		return nil, err
	}
	return auth.NewMACAuthenticator(local, remote)
}

func encodedKey(k *auth.KeyPair) string {
	if k == nil {
		return ""
	}
	return k.EncodedPublicKey()
}

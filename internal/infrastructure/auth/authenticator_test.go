package auth

import (
	"testing"

	"speedshare/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*MACAuthenticator, *MACAuthenticator) {
	t.Helper()
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	a, err := NewMACAuthenticator(alice, bob.Public)
	require.NoError(t, err)
	b, err := NewMACAuthenticator(bob, alice.Public)
	require.NoError(t, err)
	return a, b
}

func TestMACAuthenticator_RoundTrip(t *testing.T) {
	sender, receiver := pair(t)

	for _, payload := range [][]byte{nil, []byte("x"), make([]byte, 64*1024)} {
		sealed, err := sender.Seal(7, payload)
		require.NoError(t, err)
		assert.Len(t, sealed, len(payload)+sender.Overhead())

		opened, err := receiver.Open(7, sealed)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(opened))
		assert.Equal(t, string(payload), string(opened))
	}
}

func TestMACAuthenticator_Rejects(t *testing.T) {
	sender, receiver := pair(t)
	sealed, err := sender.Seal(3, []byte("chunk payload"))
	require.NoError(t, err)

	t.Run("tampered payload", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[0] ^= 0x01
		_, err := receiver.Open(3, bad)
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("wrong index", func(t *testing.T) {
		_, err := receiver.Open(4, sealed)
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := receiver.Open(3, sealed[:TagSize-1])
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("other peer", func(t *testing.T) {
		_, stranger := pair(t)
		_, err := stranger.Open(3, sealed)
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})
}

func TestPublicKeyEncoding(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(kp.EncodedPublicKey())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = ParsePublicKey("not base64!")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	_, err = ParsePublicKey("AAAA")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestNoopAuthenticator(t *testing.T) {
	var a NoopAuthenticator
	sealed, err := a.Seal(1, []byte("data"))
	require.NoError(t, err)
	opened, err := a.Open(1, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), opened)
	assert.Zero(t, a.Overhead())
}

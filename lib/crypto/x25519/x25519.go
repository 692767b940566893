// Package x25519 generates ephemeral Curve25519 key pairs and computes
// Diffie-Hellman shared secrets for the peer authenticator's pinned-key
// path.
package x25519

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
)

var log = logging.GetLogger()

// KeySize is the length in bytes of an X25519 private or public key.
const KeySize = 32

var (
	ErrInvalidPublicKey  = errors.New("invalid X25519 public key length")
	ErrInvalidPrivateKey = errors.New("invalid X25519 private key length")
	ErrEmptySharedSecret = errors.New("X25519 produced an all-zero shared secret")
)

// PrivateKey is a clamped X25519 scalar.
type PrivateKey [KeySize]byte

// PublicKey is an X25519 curve point.
type PublicKey [KeySize]byte

// GenerateKeyPair creates a fresh ephemeral key pair using crypto/rand.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, oops.Errorf("reading random scalar: %w", err)
	}

	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return PrivateKey{}, PublicKey{}, oops.Errorf("deriving public key: %w", err)
	}

	var pub PublicKey
	copy(pub[:], pubBytes)

	log.Debug("generated X25519 key pair")
	return priv, pub, nil
}

// SharedSecret computes the ECDH shared secret between our private key and
// the peer's public key. It fails closed on the all-zero output that
// X25519 produces for a small number of degenerate public keys.
func SharedSecret(priv PrivateKey, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, ErrInvalidPublicKey
	}

	secret, err := curve25519.X25519(priv[:], peerPublic)
	if err != nil {
		return nil, oops.Errorf("computing shared secret: %w", err)
	}

	var zero [KeySize]byte
	if constantTimeEqual(secret, zero[:]) {
		return nil, ErrEmptySharedSecret
	}

	return secret, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

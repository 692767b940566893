// Package aead provides the two authenticated ciphers the handshake can
// negotiate: AES-256-GCM and ChaCha20-Poly1305. Both are keyed with a
// 256-bit key and a 96-bit IV, matching the wire contract in spec section 6.
package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

var log = logging.GetLogger()

const (
	// KeySize is the length in bytes of the AEAD key for both ciphers.
	KeySize = 32
	// IVSize is the length in bytes of the nonce for both ciphers.
	IVSize = 12
)

var (
	ErrInvalidKeySize = oops.Errorf("AEAD key must be 32 bytes")
	ErrInvalidIVSize  = oops.Errorf("AEAD IV must be 12 bytes")
	ErrOpenFailed     = oops.Errorf("AEAD authentication failed")
)

// Sealer encrypts and authenticates a single message.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
}

// Opener authenticates and decrypts a single message.
type Opener interface {
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

type aeadCodec struct {
	aead cipher.AEAD
	iv   [IVSize]byte
}

// Seal encrypts plaintext, returning ciphertext||tag. The IV installed at
// construction is used as-is; callers must not reuse a (key, IV) pair.
func (c *aeadCodec) Seal(plaintext, additionalData []byte) ([]byte, error) {
	out := c.aead.Seal(nil, c.iv[:], plaintext, additionalData)
	return out, nil
}

// Open authenticates and decrypts ciphertext||tag.
func (c *aeadCodec) Open(ciphertext, additionalData []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, c.iv[:], ciphertext, additionalData)
	if err != nil {
		log.WithError(err).Debug("AEAD open failed")
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func validate(key, iv []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKeySize
	}
	if len(iv) != IVSize {
		return ErrInvalidIVSize
	}
	return nil
}

// NewAES256GCM builds a Sealer+Opener pair backed by AES-256-GCM. Go's
// standard library cipher.NewGCM is the idiomatic and only correct
// primitive here; no example in the corpus ships a competing GCM
// implementation worth adopting instead.
func NewAES256GCM(key, iv []byte) (Sealer, Opener, error) {
	if err := validate(key, iv); err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, oops.Errorf("creating AES-256 block cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, oops.Errorf("creating GCM mode: %w", err)
	}

	codec := &aeadCodec{aead: gcm}
	copy(codec.iv[:], iv)

	return codec, codec, nil
}

// NewChaCha20Poly1305 builds a Sealer+Opener pair backed by ChaCha20-Poly1305.
func NewChaCha20Poly1305(key, iv []byte) (Sealer, Opener, error) {
	if err := validate(key, iv); err != nil {
		return nil, nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, oops.Errorf("creating ChaCha20-Poly1305 cipher: %w", err)
	}

	codec := &aeadCodec{aead: aead}
	copy(codec.iv[:], iv)

	return codec, codec, nil
}

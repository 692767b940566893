// Package blake2s computes the BLAKE2s-256 digest used throughout the
// handshake for session-key derivation and mixing.
package blake2s

import (
	"github.com/samber/oops"
	"golang.org/x/crypto/blake2s"
)

// Size is the digest length in bytes.
const Size = 32

// Hash returns BLAKE2s-256(parts[0] || parts[1] || ...). It panics only if
// the underlying library's invariants are violated (it never is for the
// unkeyed 256-bit variant), matching the teacher's pattern of treating
// hash-construction failure as a programmer error rather than a runtime one.
func Hash(parts ...[]byte) [Size]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(oops.Errorf("blake2s-256 unavailable: %w", err))
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

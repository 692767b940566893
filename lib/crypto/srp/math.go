package srp

import (
	"crypto/rand"
	"math/big"

	"github.com/relaydesk/relaydesk/lib/crypto/blake2s"
	"github.com/samber/oops"
)

// PrivateValueSize is the byte length of the random client exponent "a".
// The original implementation hard-codes 1024 bits; a shorter exponent
// would weaken SRP against even the smallest pinned group, so this is
// preserved rather than shortened.
const PrivateValueSize = 128

var (
	ErrInvalidB     = oops.Errorf("SRP: server public value B is zero mod N")
	ErrEmptyClientS = oops.Errorf("SRP: derived premaster secret is zero")
)

// GeneratePrivateValue draws the random client exponent "a" used to compute
// A = g^a mod N.
func GeneratePrivateValue() (*big.Int, error) {
	buf := make([]byte, PrivateValueSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, oops.Errorf("reading random SRP exponent: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// CalcA computes the client's public ephemeral value A = g^a mod N.
func CalcA(group Group, a *big.Int) *big.Int {
	return new(big.Int).Exp(group.G, a, group.N)
}

// CalcK computes the SRP-6a multiplier k = H(N, g), with N and g padded to
// the same length before hashing as RFC 5054 requires.
func CalcK(group Group) *big.Int {
	nBytes := group.N.Bytes()
	gBytes := padLeft(group.G.Bytes(), len(nBytes))
	digest := blake2s.Hash(nBytes, gBytes)
	return new(big.Int).SetBytes(digest[:])
}

// CalcU computes the scrambling parameter u = H(A, B), with both values
// padded to the modulus length before hashing.
func CalcU(group Group, a, b *big.Int) *big.Int {
	nLen := len(group.N.Bytes())
	digest := blake2s.Hash(padLeft(a.Bytes(), nLen), padLeft(b.Bytes(), nLen))
	return new(big.Int).SetBytes(digest[:])
}

// CalcX computes the private key x = H(salt, H(username, ":", password)),
// using BLAKE2s-256 for both hash steps to stay consistent with the
// session-key derivation used everywhere else in the handshake.
func CalcX(salt []byte, userName, password string) *big.Int {
	inner := blake2s.Hash([]byte(userName), []byte(":"), []byte(password))
	outer := blake2s.Hash(salt, inner[:])
	return new(big.Int).SetBytes(outer[:])
}

// VerifyBModN reports whether B mod N is non-zero, the check RFC 5054
// mandates to reject a malicious server that sends B = 0 or B = N in an
// attempt to force a predictable session key.
func VerifyBModN(group Group, b *big.Int) bool {
	return new(big.Int).Mod(b, group.N).Sign() != 0
}

// CalcClientKey computes the client's SRP premaster secret:
//
//	S = (B - k*g^x) ^ (a + u*x) mod N
//
// and returns it as the raw premaster secret bytes the caller mixes into
// the session key alongside the ECDH shared secret.
func CalcClientKey(group Group, a, b, u, x *big.Int) ([]byte, error) {
	if !VerifyBModN(group, b) {
		return nil, ErrInvalidB
	}

	k := CalcK(group)

	gx := new(big.Int).Exp(group.G, x, group.N)
	kgx := new(big.Int).Mul(k, gx)
	kgx.Mod(kgx, group.N)

	base := new(big.Int).Sub(b, kgx)
	base.Mod(base, group.N)

	ux := new(big.Int).Mul(u, x)
	exp := new(big.Int).Add(a, ux)

	s := new(big.Int).Exp(base, exp, group.N)
	if s.Sign() == 0 {
		return nil, ErrEmptyClientS
	}

	return s.Bytes(), nil
}

func padLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	out := make([]byte, length)
	copy(out[length-len(b):], b)
	return out
}

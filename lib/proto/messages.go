// Package proto defines the wire messages exchanged during the peer
// handshake and their type-tagged encoding; the length-delimited framing
// that carries them on the wire belongs to the channel layer. Messages
// are encoded with CBOR rather than a hand-rolled binary layout so that
// adding an optional field later does not break wire compatibility.
package proto

// Identify selects which branch of the handshake runs after ServerHello.
type Identify uint8

const (
	IdentifyAnonymous Identify = iota
	IdentifySRP
)

// Cipher is a single AEAD algorithm advertised or selected during the
// handshake.
type Cipher uint32

const (
	CipherAES256GCM         Cipher = 1 << 0
	CipherChaCha20Poly1305  Cipher = 1 << 1
)

// Version carries a peer's semantic version, reported in SessionChallenge.
type Version struct {
	Major uint16 `cbor:"1,keyasint"`
	Minor uint16 `cbor:"2,keyasint"`
	Patch uint16 `cbor:"3,keyasint"`
}

// ClientHello is the first message the client sends. PublicKey and IV are
// present together, for the pinned-key ECDH path, or both absent.
type ClientHello struct {
	Encryption uint32   `cbor:"1,keyasint"`
	Identify   Identify `cbor:"2,keyasint"`
	PublicKey  []byte   `cbor:"3,keyasint,omitempty"`
	IV         []byte   `cbor:"4,keyasint,omitempty"`
}

// ServerHello answers ClientHello with exactly one chosen cipher and, iff
// the client sent a public key, an echoed IV.
type ServerHello struct {
	Encryption uint32 `cbor:"1,keyasint"`
	IV         []byte `cbor:"2,keyasint,omitempty"`
}

// SrpIdentify announces the SRP username. The password never appears on
// the wire.
type SrpIdentify struct {
	UserName string `cbor:"1,keyasint"`
}

// SrpServerKeyExchange carries the server's SRP group, salt, and public
// ephemeral value B.
type SrpServerKeyExchange struct {
	N    []byte `cbor:"1,keyasint"`
	G    []byte `cbor:"2,keyasint"`
	Salt []byte `cbor:"3,keyasint"`
	B    []byte `cbor:"4,keyasint"`
	IV   []byte `cbor:"5,keyasint"`
}

// SrpClientKeyExchange carries the client's public ephemeral value A and a
// fresh IV for the rekeyed channel.
type SrpClientKeyExchange struct {
	A  []byte `cbor:"1,keyasint"`
	IV []byte `cbor:"2,keyasint"`
}

// SessionChallenge tells the client which session types the server offers
// and the server's version.
type SessionChallenge struct {
	SessionTypes uint32  `cbor:"1,keyasint"`
	Version      Version `cbor:"2,keyasint"`
}

// SessionResponse is the client's final message, naming the single session
// type it is requesting.
type SessionResponse struct {
	SessionType uint32 `cbor:"1,keyasint"`
}

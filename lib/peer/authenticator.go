// Package peer implements the client side of the peer authentication
// handshake: a single-threaded state machine that negotiates a cipher,
// authenticates the remote peer (pinned key and/or SRP-6a), and yields an
// encrypted channel ready for application traffic.
package peer

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"math/bits"
	"sync"

	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/relaydesk/relaydesk/lib/channel"
	"github.com/relaydesk/relaydesk/lib/crypto/aead"
	"github.com/relaydesk/relaydesk/lib/crypto/cpuid"
	"github.com/relaydesk/relaydesk/lib/crypto/srp"
	"github.com/relaydesk/relaydesk/lib/crypto/x25519"
	"github.com/relaydesk/relaydesk/lib/proto"
	"github.com/samber/oops"
)

var log = logging.GetLogger()

// State is a step of the authenticator's handshake state machine.
type State int

const (
	StateSendClientHello State = iota
	StateReadServerHello
	StateSendIdentify
	StateReadServerKeyExchange
	StateSendClientKeyExchange
	StateReadSessionChallenge
	StateSendSessionResponse
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateSendClientHello:
		return "SEND_CLIENT_HELLO"
	case StateReadServerHello:
		return "READ_SERVER_HELLO"
	case StateSendIdentify:
		return "SEND_IDENTIFY"
	case StateReadServerKeyExchange:
		return "READ_SERVER_KEY_EXCHANGE"
	case StateSendClientKeyExchange:
		return "SEND_CLIENT_KEY_EXCHANGE"
	case StateReadSessionChallenge:
		return "READ_SESSION_CHALLENGE"
	case StateSendSessionResponse:
		return "SEND_SESSION_RESPONSE"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Identify selects which branch of the handshake runs after ServerHello.
type Identify = proto.Identify

const (
	IdentifyAnonymous = proto.IdentifyAnonymous
	IdentifySRP       = proto.IdentifySRP
)

// ErrorCode is the single terminal result the authenticator reports
// through its one-shot callback.
type ErrorCode int

const (
	Success ErrorCode = iota
	NetworkError
	ProtocolError
	AccessDenied
	SessionDenied
	UnknownError
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "SUCCESS"
	case NetworkError:
		return "NETWORK_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case AccessDenied:
		return "ACCESS_DENIED"
	case SessionDenied:
		return "SESSION_DENIED"
	case UnknownError:
		return "UNKNOWN_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Version is the remote peer's reported semantic version, available after
// a successful handshake.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// Callback delivers the one-shot handshake result.
type Callback func(code ErrorCode)

const ivSize = 12

// Authenticator drives the handshake described in the package doc over a
// caller-supplied channel. An Authenticator is used exactly once: configure
// it with the Set* methods, call Start, and read the result from the
// callback.
type Authenticator struct {
	mu sync.Mutex

	peerPublicKey []byte
	identify      Identify
	userName      string
	password      string
	sessionType   uint32

	state    State
	finished bool

	ch       channel.Channel
	callback Callback

	encryption proto.Cipher

	encryptIV []byte
	decryptIV []byte

	ecdhPriv x25519.PrivateKey
	ecdhPub  x25519.PublicKey

	// sessionKey accumulates across key-installation steps: it starts as
	// the ECDH-derived key (if any) and is re-derived by mixing in the
	// SRP premaster secret for SRP identities.
	sessionKey []byte
	haveECDH   bool

	group   srp.Group
	srpPriv *big.Int // client's private SRP exponent "a"
	srpA    *big.Int // client's public SRP ephemeral value A = g^a mod N

	peerVersion Version
}

// New creates an unconfigured Authenticator.
func New() *Authenticator {
	return &Authenticator{}
}

// SetPeerPublicKey pins the remote peer's long-term X25519 public key.
// Required when identity is IdentifyAnonymous.
func (a *Authenticator) SetPeerPublicKey(key []byte) {
	a.peerPublicKey = append([]byte(nil), key...)
}

// SetIdentify selects the handshake branch run after ServerHello.
func (a *Authenticator) SetIdentify(identify Identify) {
	a.identify = identify
}

// SetUserName sets the SRP username. Ignored for anonymous identity.
func (a *Authenticator) SetUserName(userName string) {
	a.userName = userName
}

// SetPassword sets the SRP password. Never transmitted; cleared once the
// handshake reaches a terminal state.
func (a *Authenticator) SetPassword(password string) {
	a.password = password
}

// SetSessionType sets the single-bit session type requested from the
// server.
func (a *Authenticator) SetSessionType(sessionType uint32) {
	a.sessionType = sessionType
}

// PeerVersion returns the remote peer's reported version. Only meaningful
// after a SUCCESS callback.
func (a *Authenticator) PeerVersion() Version {
	return a.peerVersion
}

// TakeChannel returns ownership of the channel after the callback has
// fired, clearing the authenticator's own reference so no late event can
// reach it.
func (a *Authenticator) TakeChannel() channel.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.ch
	a.ch = nil
	return ch
}

// Start takes ownership of ch, installs itself as its listener, resumes
// delivery, and begins the handshake. callback fires exactly once with the
// terminal result.
func (a *Authenticator) Start(ch channel.Channel, callback Callback) {
	a.mu.Lock()
	a.ch = ch
	a.callback = callback
	a.state = StateSendClientHello
	a.mu.Unlock()

	if popcount32(a.sessionType) != 1 {
		// The server treats session_type as a single bitmask element;
		// reject a non-single-bit request before it ever reaches the wire.
		a.finish("Start", ProtocolError)
		return
	}

	ch.SetListener(a)
	ch.Resume()

	a.sendClientHello()
}

// OnConnected is never expected once Start has already resumed an
// already-connected channel; receiving it indicates a channel
// implementation bug.
func (a *Authenticator) OnConnected() {
	panic("peer: authenticator received OnConnected on an already-connected channel")
}

// OnDisconnected maps a channel failure onto the appropriate terminal error
// code and finishes the handshake.
func (a *Authenticator) OnDisconnected(err error) {
	if errors.Is(err, channel.ErrAccessDenied) {
		a.finish("OnDisconnected", AccessDenied)
		return
	}
	log.WithError(err).Debug("peer: channel disconnected mid-handshake")
	a.finish("OnDisconnected", NetworkError)
}

// OnMessageReceived advances a READ_* state after decoding and validating
// the message appropriate to the current state.
func (a *Authenticator) OnMessageReceived(payload []byte) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	log.WithField("state", state.String()).Debug("peer: message received")

	switch state {
	case StateReadServerHello:
		a.readServerHello(payload)
	case StateReadServerKeyExchange:
		a.readServerKeyExchange(payload)
	case StateReadSessionChallenge:
		a.readSessionChallenge(payload)
	default:
		a.finish("OnMessageReceived", ProtocolError)
	}
}

// OnMessageWritten advances a SEND_* state once the prior message has
// actually gone out on the wire.
func (a *Authenticator) OnMessageWritten(pending int) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	log.WithField("state", state.String()).Debug("peer: message written")

	switch state {
	case StateSendClientHello:
		a.mu.Lock()
		a.state = StateReadServerHello
		a.mu.Unlock()
	case StateSendIdentify:
		a.mu.Lock()
		a.state = StateReadServerKeyExchange
		a.mu.Unlock()
	case StateSendClientKeyExchange:
		a.rekeyAfterClientKeyExchange()
		a.mu.Lock()
		a.state = StateReadSessionChallenge
		a.mu.Unlock()
	case StateSendSessionResponse:
		a.finish("OnMessageWritten", Success)
	}
}

func (a *Authenticator) channel() channel.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *Authenticator) send(msg any) {
	payload, err := proto.Encode(msg)
	if err != nil {
		log.WithError(err).Error("peer: encoding message failed")
		a.finish("send", UnknownError)
		return
	}
	ch := a.channel()
	if ch == nil {
		return
	}
	ch.Send(payload)
}

// finish is the single terminal-transition path: it pauses the channel,
// detaches the listener, clears the password, and invokes the callback
// exactly once. reason is the name of the calling function, logged
// alongside the result as a call-site breadcrumb for diagnosing handshake
// failures in the field.
func (a *Authenticator) finish(reason string, code ErrorCode) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	a.state = StateFinished
	a.password = ""
	ch := a.ch
	cb := a.callback
	a.mu.Unlock()

	if ch != nil {
		ch.Pause()
		ch.SetListener(nil)
	}

	log.WithField("result", code.String()).WithField("reason", reason).Debug("peer: handshake finished")

	if cb != nil {
		cb(code)
	}
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func advertisedCiphers() proto.Cipher {
	ciphers := proto.CipherChaCha20Poly1305
	if cpuid.HasAESNI() {
		ciphers |= proto.CipherAES256GCM
	}
	return ciphers
}

func popcount32(v uint32) int {
	return bits.OnesCount32(v)
}

func installAEAD(ch channel.Channel, cipher proto.Cipher, sessionKey, encryptIV, decryptIV []byte) error {
	var (
		seal aead.Sealer
		open aead.Opener
		err  error
	)

	switch cipher {
	case proto.CipherAES256GCM:
		seal, open, err = aead.NewAES256GCM(sessionKey, encryptIV)
	case proto.CipherChaCha20Poly1305:
		seal, open, err = aead.NewChaCha20Poly1305(sessionKey, encryptIV)
	default:
		return oops.Errorf("peer: unsupported cipher %v", cipher)
	}
	if err != nil {
		return err
	}

	ch.SetEncryptor(seal)

	// The decryptor uses the same cipher but the peer's IV, not ours;
	// build it separately rather than reusing the sealer's.
	switch cipher {
	case proto.CipherAES256GCM:
		_, open, err = aead.NewAES256GCM(sessionKey, decryptIV)
	case proto.CipherChaCha20Poly1305:
		_, open, err = aead.NewChaCha20Poly1305(sessionKey, decryptIV)
	}
	if err != nil {
		return err
	}
	ch.SetDecryptor(open)

	return nil
}

// Package channel provides a message-oriented, optionally encrypted byte
// pipe over a TCP connection. It frames, reads, and dispatches whole
// messages to a single listener, mirroring the observer-style network
// channel the peer authenticator and relay matchmaking logic are written
// against.
package channel

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/relaydesk/relaydesk/internal/logging"
	"github.com/samber/oops"
)

var log = logging.GetLogger()

// ErrAccessDenied marks a disconnection whose cause was the peer rejecting
// credentials, as opposed to an ordinary network failure. The authenticator
// maps this to ACCESS_DENIED rather than NETWORK_ERROR.
var ErrAccessDenied = errors.New("channel: peer denied access")

// maxMessageSize bounds a single frame as read off the wire, before any
// decryption. It is larger than any handshake message but still small
// enough to make a corrupt length prefix fail fast instead of exhausting
// memory.
const maxMessageSize = 1 << 20

// Listener receives channel lifecycle and traffic events. Implementations
// must not block; channel dispatches events on a single internal
// goroutine and a slow listener stalls all further delivery.
type Listener interface {
	OnConnected()
	OnDisconnected(err error)
	OnMessageReceived(payload []byte)
	OnMessageWritten(pending int)
}

// Sealer encrypts one message's worth of plaintext.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
}

// Opener decrypts one message's worth of ciphertext.
type Opener interface {
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

// Channel is a message-oriented bidirectional pipe with pausable delivery
// and hot-swappable AEAD.
type Channel interface {
	SetListener(l Listener)
	Send(payload []byte)
	Pause()
	Resume()
	SetEncryptor(s Sealer)
	SetDecryptor(o Opener)
	Close() error
}

// codec holds the encryptor/decryptor pair behind one atomic pointer.
// SetEncryptor and SetDecryptor each replace one half of it with a
// compare-and-swap.
type codec struct {
	seal Sealer
	open Opener
}

// TCPChannel implements Channel over a net.Conn. A single reader goroutine
// frames inbound messages; a single dispatch goroutine serializes listener
// callbacks so no two events are ever delivered concurrently, matching the
// single-threaded cooperative model the authenticator assumes.
type TCPChannel struct {
	conn net.Conn

	listenerMu sync.Mutex
	listener   Listener

	codec atomic.Pointer[codec]

	paused    atomic.Bool
	pendingMu sync.Mutex
	pending   [][]byte

	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPChannel wraps an already-connected net.Conn. The caller must call
// SetListener and Resume (directly or via an owner such as the
// authenticator) before messages are delivered.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	c := &TCPChannel{
		conn:   conn,
		sendCh: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	c.paused.Store(true)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *TCPChannel) SetListener(l Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

func (c *TCPChannel) currentListener() Listener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return c.listener
}

// SetEncryptor installs a new sealer, leaving the decryptor untouched if
// one is already set. Installing encryptor and decryptor separately still
// lands atomically from a reader's perspective because each is read via
// a single atomic load per message.
func (c *TCPChannel) SetEncryptor(s Sealer) {
	c.swapCodec(func(cur codec) codec {
		cur.seal = s
		return cur
	})
}

func (c *TCPChannel) SetDecryptor(o Opener) {
	c.swapCodec(func(cur codec) codec {
		cur.open = o
		return cur
	})
}

func (c *TCPChannel) swapCodec(mutate func(codec) codec) {
	for {
		old := c.codec.Load()
		var cur codec
		if old != nil {
			cur = *old
		}
		next := mutate(cur)
		if c.codec.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Pause stops delivering received messages to the listener until Resume is
// called. Bytes already on the wire are still read and buffered, never
// dropped.
func (c *TCPChannel) Pause() {
	c.paused.Store(true)
}

// Resume flushes any messages buffered while paused, then resumes live
// delivery.
func (c *TCPChannel) Resume() {
	c.paused.Store(false)

	c.pendingMu.Lock()
	buffered := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, payload := range buffered {
		c.deliver(payload)
	}
}

// Send queues payload for encryption (if a sealer is installed) and
// writing. OnMessageWritten fires from the write loop once the message has
// actually gone out.
func (c *TCPChannel) Send(payload []byte) {
	select {
	case c.sendCh <- payload:
	case <-c.closed:
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *TCPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *TCPChannel) readLoop() {
	if l := c.currentListener(); l != nil {
		l.OnConnected()
	}

	for {
		payload, err := c.readMessage()
		if err != nil {
			c.notifyDisconnected(err)
			return
		}
		c.deliver(payload)
	}
}

func (c *TCPChannel) readMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxMessageSize {
		return nil, oops.Errorf("channel: frame length %d out of bounds", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}

	if cd := c.codec.Load(); cd != nil && cd.open != nil {
		plaintext, err := cd.open.Open(buf, nil)
		if err != nil {
			return nil, oops.Errorf("channel: decrypting message: %w", err)
		}
		return plaintext, nil
	}

	return buf, nil
}

func (c *TCPChannel) deliver(payload []byte) {
	if c.paused.Load() {
		c.pendingMu.Lock()
		c.pending = append(c.pending, payload)
		c.pendingMu.Unlock()
		return
	}
	if l := c.currentListener(); l != nil {
		l.OnMessageReceived(payload)
	}
}

func (c *TCPChannel) writeLoop() {
	for {
		select {
		case payload := <-c.sendCh:
			c.writeMessage(payload)
		case <-c.closed:
			return
		}
	}
}

func (c *TCPChannel) writeMessage(payload []byte) {
	out := payload
	if cd := c.codec.Load(); cd != nil && cd.seal != nil {
		sealed, err := cd.seal.Seal(payload, nil)
		if err != nil {
			c.notifyDisconnected(oops.Errorf("channel: encrypting message: %w", err))
			return
		}
		out = sealed
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(out)))

	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		c.notifyDisconnected(err)
		return
	}
	if _, err := c.conn.Write(out); err != nil {
		c.notifyDisconnected(err)
		return
	}

	if l := c.currentListener(); l != nil {
		l.OnMessageWritten(len(c.sendCh))
	}
}

func (c *TCPChannel) notifyDisconnected(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	log.WithError(err).Debug("channel disconnected")
	if l := c.currentListener(); l != nil {
		l.OnDisconnected(err)
	}
}

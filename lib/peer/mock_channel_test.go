package peer

import (
	"sync"

	"github.com/relaydesk/relaydesk/lib/channel"
)

// mockChannel is a deterministic, single-threaded stand-in for a real
// TCPChannel. Sent messages are appended to Sent for assertions; tests
// drive inbound events directly via deliver so the handshake can be
// stepped one message at a time without any real networking.
type mockChannel struct {
	mu sync.Mutex

	listener channel.Listener
	paused   bool

	Sent [][]byte

	encryptor channel.Sealer
	decryptor channel.Opener

	closed bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{paused: true}
}

func (m *mockChannel) SetListener(l channel.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *mockChannel) Send(payload []byte) {
	m.mu.Lock()
	m.Sent = append(m.Sent, payload)
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		l.OnMessageWritten(0)
	}
}

func (m *mockChannel) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

func (m *mockChannel) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

func (m *mockChannel) SetEncryptor(s channel.Sealer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encryptor = s
}

func (m *mockChannel) SetDecryptor(o channel.Opener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decryptor = o
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// deliver simulates an inbound message arriving on the channel.
func (m *mockChannel) deliver(payload []byte) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l != nil {
		l.OnMessageReceived(payload)
	}
}

// disconnect simulates the channel failing.
func (m *mockChannel) disconnect(err error) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l != nil {
		l.OnDisconnected(err)
	}
}

// lastSent returns the most recently sent payload, still encoded.
func (m *mockChannel) lastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	return m.Sent[len(m.Sent)-1]
}

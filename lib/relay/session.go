// Package relay forwards bytes between two already-connected TCP sockets
// until either side closes, errors, or the owner stops the session.
package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydesk/relaydesk/internal/logging"
)

var log = logging.GetLogger()

// bufferSize is the fixed per-direction read buffer. 32 KiB keeps memory
// bounded to 2*bufferSize per session while staying well above typical TCP
// segment sizes.
const bufferSize = 32 * 1024

// Delegate is notified at most once, when a read or write fails with a
// non-cancellation error (including the peer's orderly close). Errors
// caused by Stop closing the sockets (net.ErrClosed) do not notify it.
type Delegate interface {
	OnSessionFinished(s *Session)
}

// Session owns a pair of TCP sockets and forwards bytes between them in
// both directions. Each direction runs its own self-restarting read/write
// ping-pong: at most one outstanding read and one outstanding write per
// direction bounds memory and provides natural backpressure.
type Session struct {
	sides    [2]net.Conn
	delegate Delegate

	startTime        time.Time
	bytesTransferred atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	finish   sync.Once
}

// New builds a Session over an already-connected pair of sockets. Start
// must be called to begin forwarding.
func New(side0, side1 net.Conn, delegate Delegate) *Session {
	return &Session{
		sides:    [2]net.Conn{side0, side1},
		delegate: delegate,
		done:     make(chan struct{}),
	}
}

// Start begins bidirectional forwarding. It returns immediately; the
// session runs on its own goroutines until it terminates or Stop is
// called.
func (s *Session) Start() {
	s.startTime = time.Now()
	go s.forward(0, 1)
	go s.forward(1, 0)
}

// forward pumps reads from sides[from] to writes on sides[to] until a
// non-cancellation error occurs on either socket.
func (s *Session) forward(from, to int) {
	buf := make([]byte, bufferSize)
	src := s.sides[from]
	dst := s.sides[to]

	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.bytesTransferred.Add(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.terminate(werr)
				return
			}
		}
		if err != nil {
			s.terminate(err)
			return
		}
	}
}

// terminate ends the session on the first non-cancellation error observed
// by either direction. A cancellation error (the socket closed by our own
// Stop) is the expected outcome of stopping and is silently absorbed.
func (s *Session) terminate(err error) {
	if isCancellation(err) {
		return
	}

	log.WithError(err).Debug("relay: session ending")

	s.Stop()

	s.finish.Do(func() {
		if s.delegate != nil {
			s.delegate.OnSessionFinished(s)
		}
	})
}

// isCancellation reports whether err is the expected result of closing a
// socket out from under a blocked Read/Write, as opposed to a genuine I/O
// failure or the peer's own orderly close (io.EOF, which still ends the
// session but is not a cancellation).
func isCancellation(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Stop cancels both outstanding socket operations and closes both sockets.
// Idempotent: calling it more than once, or after the session has already
// ended on its own, is a no-op.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.sides[0].Close()
		s.sides[1].Close()
	})
}

// Duration returns the time elapsed since Start.
func (s *Session) Duration() time.Duration {
	return time.Since(s.startTime)
}

// BytesTransferred returns the cumulative bytes read across both
// directions.
func (s *Session) BytesTransferred() int64 {
	return s.bytesTransferred.Load()
}

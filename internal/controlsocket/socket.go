// Package controlsocket wraps the TCP control connection to a single module:
// connect-with-retry, read-until-idle, whole-buffer sends and a close that
// tolerates an already departed peer.
package controlsocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/specialistvlad/controlroom/internal/clock"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
)

// DefaultMaxRetries is the number of connect attempts made before giving up.
const DefaultMaxRetries = 3

// readChunk is the size of a single read while draining.
const readChunk = 1024

// ErrClosed is returned by operations on a socket after Close.
var ErrClosed = errors.New("control socket closed")

// RetryPolicy controls Connect. Interval is slept between refused attempts,
// never after the last one.
type RetryPolicy struct {
	Interval    time.Duration
	MaxRetries  int
	DialTimeout time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// ConnectError is returned when no connection could be established.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Socket is a connected control channel. Reads and writes are serialized
// independently, so one reader and one writer may use it concurrently.
type Socket struct {
	conn net.Conn
	addr string

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce  sync.Once
	closed     atomic.Bool
	peerClosed atomic.Bool
}

// Addr joins ip and port into a dialable address.
func Addr(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// Connect dials addr, retrying refused connections according to policy.
// Errors other than a refusal end the attempt immediately.
func Connect(ctx context.Context, addr string, policy RetryPolicy, clk clock.Clock) (*Socket, error) {
	logger := ctxlog.FromContext(ctx).With("addr", addr)
	if clk == nil {
		clk = clock.Real()
	}
	dialer := net.Dialer{Timeout: policy.DialTimeout}
	maxAttempts := policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Debug("Trying connection.", "attempt", attempt)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			logger.Debug("Connected.", "attempt", attempt, "near_addr", conn.LocalAddr().String())
			return &Socket{conn: conn, addr: addr}, nil
		}
		lastErr = err

		if !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, &ConnectError{Addr: addr, Attempts: attempt, Err: err}
		}
		logger.Debug("Connection refused.", "attempt", attempt, "max_attempts", maxAttempts)

		if attempt < maxAttempts {
			if err := clk.Sleep(ctx, policy.Interval); err != nil {
				return nil, &ConnectError{Addr: addr, Attempts: attempt, Err: err}
			}
		}
	}
	return nil, &ConnectError{Addr: addr, Attempts: maxAttempts, Err: lastErr}
}

// New wraps an already established connection.
func New(conn net.Conn) *Socket {
	return &Socket{conn: conn, addr: conn.RemoteAddr().String()}
}

// RemoteAddr is the address the socket was dialed at.
func (s *Socket) RemoteAddr() string { return s.addr }

// NearPort is the local ephemeral port bound on connect.
func (s *Socket) NearPort() int {
	if tcp, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// PeerClosed reports whether a read has observed the peer closing the
// stream.
func (s *Socket) PeerClosed() bool { return s.peerClosed.Load() }

// DrainAvailable reads until the peer closes or no byte arrives within
// idle. Silence is not an error; it yields an empty result.
func (s *Socket) DrainAvailable(idle time.Duration) ([]byte, error) {
	return s.ReadMessage(idle, idle)
}

// ReadMessage waits up to first for the first byte and then keeps reading
// until a gap of idle. It is DrainAvailable with a longer initial wait.
func (s *Socket) ReadMessage(first, idle time.Duration) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	var msg bytes.Buffer
	chunk := make([]byte, readChunk)
	timeout := first
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return msg.Bytes(), s.readError(err)
		}
		n, err := s.conn.Read(chunk)
		msg.Write(chunk[:n])
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				return msg.Bytes(), nil
			case errors.Is(err, io.EOF):
				s.peerClosed.Store(true)
				return msg.Bytes(), nil
			default:
				return msg.Bytes(), s.readError(err)
			}
		}
		timeout = idle
	}
}

func (s *Socket) readError(err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if isExpectedCloseError(err) {
		s.peerClosed.Store(true)
	}
	return fmt.Errorf("read from %s: %w", s.addr, err)
}

// Send writes b in full.
func (s *Socket) Send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("send to %s: %w", s.addr, err)
	}
	return nil
}

// Close shuts both directions down and releases the connection. Errors from
// a peer that already went away are swallowed; Close is idempotent.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if tcp, ok := s.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
			_ = tcp.CloseRead()
		}
		_ = s.conn.Close()
	})
}

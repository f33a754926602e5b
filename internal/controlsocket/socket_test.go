package controlsocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/controlroom/internal/clock"
)

// recordingClock sleeps for real but remembers every requested duration.
type recordingClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Now() }

func (c *recordingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return clock.Real().Sleep(ctx, d)
}

// freeAddr returns a loopback address nobody is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// acceptOne listens on a random port and hands the first accepted
// connection to the returned channel.
func acceptOne(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
		conns <- c
	}()
	return l.Addr().String(), conns
}

func TestConnect_RetriesExhausted(t *testing.T) {
	addr := freeAddr(t)
	clk := &recordingClock{}

	start := time.Now()
	s, err := Connect(context.Background(), addr, RetryPolicy{Interval: 100 * time.Millisecond, MaxRetries: 3}, clk)
	elapsed := time.Since(start)

	require.Nil(t, s)
	var connErr *ConnectError
	require.True(t, errors.As(err, &connErr), "expected ConnectError, got %v", err)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, addr, connErr.Addr)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clk.sleeps)
}

func TestConnect_DefaultsToThreeAttempts(t *testing.T) {
	addr := freeAddr(t)
	_, err := Connect(context.Background(), addr, RetryPolicy{Interval: time.Millisecond}, nil)

	var connErr *ConnectError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, DefaultMaxRetries, connErr.Attempts)
}

func TestConnect_CancelledDuringRetrySleep(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, addr, RetryPolicy{Interval: time.Hour, MaxRetries: 3}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_SlowStartingServer(t *testing.T) {
	addr := freeAddr(t)
	listening := make(chan net.Listener, 1)
	go func() {
		time.Sleep(700 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			close(listening)
			return
		}
		listening <- l
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	t.Cleanup(func() {
		if l, ok := <-listening; ok {
			l.Close()
		}
	})

	// Three attempts 50ms apart are over long before the server listens.
	_, err := Connect(context.Background(), addr, RetryPolicy{Interval: 50 * time.Millisecond, MaxRetries: 3}, nil)
	require.Error(t, err)

	// Three attempts 400ms apart span the start-up delay.
	s, err := Connect(context.Background(), addr, RetryPolicy{Interval: 400 * time.Millisecond, MaxRetries: 3}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.NotZero(t, s.NearPort())
}

func TestSocket_DrainAvailable(t *testing.T) {
	addr, conns := acceptOne(t)
	s, err := Connect(context.Background(), addr, RetryPolicy{}, nil)
	require.NoError(t, err)
	defer s.Close()

	peer := <-conns

	got, err := s.DrainAvailable(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got, "silence is an empty result")

	_, err = peer.Write([]byte("decoder|START|"))
	require.NoError(t, err)
	_, err = peer.Write([]byte(`{"a":1}`))
	require.NoError(t, err)

	got, err = s.ReadMessage(time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, `decoder|START|{"a":1}`, string(got))
	assert.False(t, s.PeerClosed())
}

func TestSocket_DrainStopsOnPeerClose(t *testing.T) {
	addr, conns := acceptOne(t)
	s, err := Connect(context.Background(), addr, RetryPolicy{}, nil)
	require.NoError(t, err)
	defer s.Close()

	peer := <-conns
	_, err = peer.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	got, err := s.DrainAvailable(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))
	assert.True(t, s.PeerClosed())
}

func TestSocket_SendAndClose(t *testing.T) {
	addr, conns := acceptOne(t)
	s, err := Connect(context.Background(), addr, RetryPolicy{}, nil)
	require.NoError(t, err)
	peer := <-conns

	require.NoError(t, s.Send([]byte("START|x")))
	buf := make([]byte, 64)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "START|x", string(buf[:n]))

	s.Close()
	s.Close()

	assert.ErrorIs(t, s.Send([]byte("STOP")), ErrClosed)
	_, err = s.DrainAvailable(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSocket_CloseAfterPeerLeft(t *testing.T) {
	addr, conns := acceptOne(t)
	s, err := Connect(context.Background(), addr, RetryPolicy{}, nil)
	require.NoError(t, err)

	peer := <-conns
	require.NoError(t, peer.Close())
	_, _ = s.DrainAvailable(100 * time.Millisecond)

	assert.NotPanics(t, s.Close)
}

func TestIsPeerGone(t *testing.T) {
	assert.True(t, IsPeerGone(ErrClosed))
	assert.True(t, IsPeerGone(net.ErrClosed))
	assert.False(t, IsPeerGone(errors.New("boom")))
	assert.False(t, IsPeerGone(nil))
}

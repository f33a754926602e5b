package testutil

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/controlroom/internal/wire"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// FakeModule is a loopback module server accepting one control connection.
// It answers GET_PCOMMS with its command list (silently when empty) and
// records every other message it receives.
type FakeModule struct {
	IP   string
	Port int

	listener net.Listener
	received chan string
	conn     chan net.Conn
	wg       sync.WaitGroup

	mu     sync.Mutex
	active net.Conn
	closed bool
	pcomms string
}

// NewFakeModule starts listening on a random loopback port. Everything is
// released on test cleanup.
func NewFakeModule(t *testing.T, pcomms string) *FakeModule {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &FakeModule{
		IP:       "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
		pcomms:   pcomms,
		listener: l,
		received: make(chan string, 64),
		conn:     make(chan net.Conn, 1),
	}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(m.close)
	return m
}

func (m *FakeModule) serve() {
	defer m.wg.Done()
	c, err := m.listener.Accept()
	if err != nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return
	}
	m.active = c
	m.mu.Unlock()
	m.conn <- c
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			close(m.received)
			return
		}
		msg := string(buf[:n])
		if msg == wire.GetPCOMMs {
			if answer := m.answer(); answer != "" {
				_, _ = c.Write([]byte(answer))
				continue
			}
		}
		m.received <- msg
	}
}

// SetPCOMMs changes the answer to later GET_PCOMMS requests.
func (m *FakeModule) SetPCOMMs(pcomms string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcomms = pcomms
}

func (m *FakeModule) answer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pcomms
}

func (m *FakeModule) close() {
	m.listener.Close()
	m.mu.Lock()
	m.closed = true
	if m.active != nil {
		m.active.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Conn waits for the control connection.
func (m *FakeModule) Conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-m.conn:
		m.conn <- c
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("nobody connected to the fake module")
		return nil
	}
}

// Say sends msg from the module to the control room.
func (m *FakeModule) Say(t *testing.T, msg string) {
	t.Helper()
	_, err := m.Conn(t).Write([]byte(msg))
	require.NoError(t, err)
}

// Next returns the next message the module received.
func (m *FakeModule) Next(t *testing.T) string {
	t.Helper()
	select {
	case msg, ok := <-m.received:
		require.True(t, ok, "control connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("module received nothing")
		return ""
	}
}

// AssertSilent fails if the module receives anything within a short
// window.
func (m *FakeModule) AssertSilent(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-m.received:
		if ok {
			t.Fatalf("module unexpectedly received %q", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// Disconnected reports whether the control room closed the connection
// within the timeout.
func (m *FakeModule) Disconnected(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-m.received:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

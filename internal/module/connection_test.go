package module

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/controlroom/internal/controlsocket"
	"github.com/specialistvlad/controlroom/internal/supervisor"
	"github.com/specialistvlad/controlroom/internal/wire"
)

var fast = Timings{
	PollTimeout:      time.Millisecond,
	GreetingTimeout:  20 * time.Millisecond,
	HandshakeSettle:  5 * time.Millisecond,
	HandshakeTimeout: 200 * time.Millisecond,
	FragmentIdle:     10 * time.Millisecond,
}

// fakeModule is a loopback module server. It answers GET_PCOMMS with its
// command list (unless silent) and reports every other message.
type fakeModule struct {
	ip       string
	port     int
	received chan string
	conns    chan net.Conn
}

func newFakeModule(t *testing.T, pcomms string) *fakeModule {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	addr := l.Addr().(*net.TCPAddr)
	m := &fakeModule{ip: "127.0.0.1", port: addr.Port, received: make(chan string, 16), conns: make(chan net.Conn, 1)}
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
		m.conns <- c
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if err != nil {
				close(m.received)
				return
			}
			msg := string(buf[:n])
			if msg == wire.GetPCOMMs && pcomms != "" {
				_, _ = c.Write([]byte(pcomms))
				continue
			}
			m.received <- msg
		}
	}()
	return m
}

func (m *fakeModule) config(name string) Config {
	return Config{
		Identity: Identity{Name: name, Type: "io_data", IP: m.ip, Port: m.port},
		Retry:    controlsocket.RetryPolicy{Interval: 10 * time.Millisecond, MaxRetries: 1},
	}
}

func (m *fakeModule) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-m.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("module received nothing")
		return ""
	}
}

func (m *fakeModule) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-m.received:
		t.Fatalf("module unexpectedly received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordedStates struct {
	mu     sync.Mutex
	states []State
}

func (r *recordedStates) record(_ Identity, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordedStates) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func readyConnection(t *testing.T, m *fakeModule, cfg Config, opts ...Option) *Connection {
	t.Helper()
	ctx := context.Background()
	c := New(cfg, append([]Option{WithTimings(fast)}, opts...)...)
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.FetchSupportedCommands(ctx))
	t.Cleanup(func() { _ = c.Close(ctx) })
	return c
}

func TestConnection_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := newFakeModule(t, "START|STOP|SET_PARAM")
	states := &recordedStates{}

	c := New(m.config("dp-decoder"), WithTimings(fast), WithStateFunc(states.record))
	assert.Equal(t, Unregistered, c.State())
	assert.Zero(t, c.NearPort())

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, Connected, c.State())
	assert.NotZero(t, c.NearPort())

	require.NoError(t, c.FetchSupportedCommands(ctx))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, []string{"START", "STOP", "SET_PARAM"}, c.SupportedCommands())
	assert.True(t, c.Supports("STOP"))
	assert.False(t, c.Supports("GET_PCOMMS"))

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, []State{Connecting, Connected, Ready, Closing, Closed}, states.get())

	info := c.Info()
	assert.Equal(t, "dp-decoder", info.Name)
	assert.Equal(t, Managed, info.Kind)
}

func TestConnection_ConnectFailureReturnsToUnregistered(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	c := New(Config{
		Identity: Identity{Name: "dp-gone", IP: "127.0.0.1", Port: port},
		Retry:    controlsocket.RetryPolicy{Interval: time.Millisecond, MaxRetries: 2},
	})
	err = c.Connect(context.Background())

	var connErr *controlsocket.ConnectError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, 2, connErr.Attempts)
	assert.Equal(t, Unregistered, c.State())
}

func TestFetchSupportedCommands_NoAnswer(t *testing.T) {
	ctx := context.Background()
	m := newFakeModule(t, "")
	c := New(m.config("dp-passive"), WithTimings(fast))
	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)

	err := c.FetchSupportedCommands(ctx)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, Connected, c.State())
	assert.Empty(t, c.SupportedCommands())
	assert.Equal(t, wire.GetPCOMMs, m.next(t))
}

func TestFetchSupportedCommands_NotConnected(t *testing.T) {
	c := New(Config{Identity: Identity{Name: "dp-x"}})
	assert.ErrorIs(t, c.FetchSupportedCommands(context.Background()), ErrNotConnected)
}

func TestSendCommand(t *testing.T) {
	m := newFakeModule(t, "START|SET")
	c := readyConnection(t, m, m.config("dp-decoder"))
	ctx := context.Background()

	require.NoError(t, c.SendCommand(ctx, "START", ""))
	assert.Equal(t, "START", m.next(t))

	require.NoError(t, c.SendCommand(ctx, "SET", `{"a": 1}`))
	assert.Equal(t, `SET|{"a": 1}`, m.next(t))
}

func TestSendCommand_RejectedBeforeWrite(t *testing.T) {
	m := newFakeModule(t, "START")
	c := readyConnection(t, m, m.config("dp-decoder"))
	ctx := context.Background()

	err := c.SendCommand(ctx, "START", "a;b")
	assert.ErrorIs(t, err, wire.ErrReservedCharacter)

	err = c.SendCommand(ctx, "EXPLODE", "")
	assert.ErrorIs(t, err, ErrUnsupportedCommand)

	m.assertSilent(t)
}

func TestSendCommand_RequiresHandshake(t *testing.T) {
	ctx := context.Background()
	m := newFakeModule(t, "")
	c := New(m.config("dp-decoder"), WithTimings(fast))

	assert.ErrorIs(t, c.SendCommand(ctx, "START", ""), ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)
	assert.ErrorIs(t, c.SendCommand(ctx, "START", ""), ErrNotReady)
}

func TestExecutableModule_ConfiguredCommandsAndDefaults(t *testing.T) {
	m := newFakeModule(t, "")
	cfg := m.config("dp-ao-communication")
	cfg.Kind = Executable
	cfg.PCOMMs = []string{"STIMULATE", "STOP"}
	cfg.Defaults = map[string]string{"STIMULATE": `{"duration": 1, "intensity": 2.5}`}

	c := readyConnection(t, m, cfg)
	ctx := context.Background()
	assert.Equal(t, []string{"STIMULATE", "STOP"}, c.SupportedCommands())

	require.NoError(t, c.SendCommand(ctx, "STIMULATE", ""))
	assert.Equal(t, "STIMULATE|1|2.5", m.next(t))

	require.NoError(t, c.SendCommand(ctx, "STIMULATE", `{"path": "C:\\data", "n": 3}`))
	assert.Equal(t, `STIMULATE|C:\data|3`, m.next(t))

	require.NoError(t, c.SendCommand(ctx, "STOP", ""))
	assert.Equal(t, "STOP", m.next(t))

	assert.ErrorIs(t, c.SendCommand(ctx, "STIMULATE", "not json"), wire.ErrInvalidPayload)
}

func TestPoll(t *testing.T) {
	m := newFakeModule(t, "START")
	c := readyConnection(t, m, m.config("dp-decoder"))
	peer := <-m.conns

	got, err := c.Poll()
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = peer.Write([]byte("dp-other|START|{}"))
	require.NoError(t, err)
	got, err = c.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dp-other|START|{}", string(got))
	assert.False(t, c.PeerClosed())
}

type fakeLauncher struct {
	started int
	stopped int
	stopErr error
}

func (f *fakeLauncher) Start(_ context.Context, _ string, _ string, _, _ int, _ string, _ map[string]string) (*supervisor.Handle, error) {
	f.started++
	return &supervisor.Handle{}, nil
}

func (f *fakeLauncher) StopTree(_ context.Context, _ *supervisor.Handle) error {
	f.stopped++
	return f.stopErr
}

func TestClose_StopsProcessAndSocketIndependently(t *testing.T) {
	ctx := context.Background()
	m := newFakeModule(t, "START")
	launcher := &fakeLauncher{stopErr: &supervisor.TeardownError{PID: 1, Remaining: []int32{2}}}

	c := New(m.config("dp-decoder"), WithTimings(fast), WithLauncher(launcher))
	require.NoError(t, c.StartProcess(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 1, launcher.started)

	err := c.Close(ctx)
	assert.ErrorIs(t, err, supervisor.ErrTeardownIncomplete)
	assert.Equal(t, 1, launcher.stopped)
	assert.Equal(t, Closed, c.State())

	// The socket was closed even though the process teardown failed.
	select {
	case _, ok := <-m.received:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed")
	}
}

func TestStartProcess_ExecutableIsNoop(t *testing.T) {
	launcher := &fakeLauncher{}
	c := New(Config{Identity: Identity{Name: "dp-exe"}, Kind: Executable}, WithLauncher(launcher))
	require.NoError(t, c.StartProcess(context.Background()))
	assert.Zero(t, launcher.started)
}

func TestClose_NeverConnected(t *testing.T) {
	c := New(Config{Identity: Identity{Name: "dp-x"}})
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Closed, c.State())
}

func TestIdentityAddr(t *testing.T) {
	id := Identity{IP: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(8080), id.Addr())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "state(42)", State(42).String())
}

// newSecondTryModule answers GET_PCOMMS with pcomms from the second request
// on and stays silent on the first.
func newSecondTryModule(t *testing.T, pcomms string) *fakeModule {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	m := &fakeModule{ip: "127.0.0.1", port: l.Addr().(*net.TCPAddr).Port, received: make(chan string, 16), conns: make(chan net.Conn, 1)}
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
		asked := 0
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == wire.GetPCOMMs {
				asked++
				if asked > 1 {
					_, _ = c.Write([]byte(pcomms))
				}
			}
		}
	}()
	return m
}

func TestFetchSupportedCommands_RetryWhileReaderIsParked(t *testing.T) {
	ctx := context.Background()
	m := newSecondTryModule(t, "A|B|C")
	c := New(m.config("dp-shy"), WithTimings(fast))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(ctx) })

	stolen := make(chan []byte, 8)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			raw, err := c.Receive(20 * time.Millisecond)
			if len(raw) > 0 {
				stolen <- raw
			}
			if err != nil {
				return
			}
		}
	}()

	err := c.FetchSupportedCommands(ctx)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.FetchSupportedCommands(ctx))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, []string{"A", "B", "C"}, c.SupportedCommands())

	close(stop)
	<-done
	assert.Empty(t, stolen)
}

func TestConnect_RejectedWhileConnected(t *testing.T) {
	ctx := context.Background()
	m := newFakeModule(t, "START")
	c := readyConnection(t, m, m.config("dp-decoder"))
	port := c.NearPort()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, port, c.NearPort())

	require.NoError(t, c.SendCommand(ctx, "START", ""))
	assert.Equal(t, "START", m.next(t))
}

package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/controlroom/internal/clock"
	"github.com/specialistvlad/controlroom/internal/controlsocket"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/supervisor"
	"github.com/specialistvlad/controlroom/internal/wire"
)

var (
	// ErrHandshakeTimeout means GET_PCOMMS got no usable answer. The
	// connection stays Connected and the handshake may be retried.
	ErrHandshakeTimeout = errors.New("no response to GET_PCOMMS")

	ErrUnsupportedCommand = errors.New("command not supported by module")
	ErrNotConnected       = errors.New("module not connected")
	ErrNotReady           = errors.New("module handshake not completed")
	ErrAlreadyConnected   = errors.New("module already connected")
)

// Launcher owns the backing processes of managed modules.
// *supervisor.Supervisor satisfies it.
type Launcher interface {
	Start(ctx context.Context, moduleName, ip string, port, loglevel int, rootPath string, extraArgs map[string]string) (*supervisor.Handle, error)
	StopTree(ctx context.Context, h *supervisor.Handle) error
}

// Timings are the waits of the connection lifecycle.
type Timings struct {
	// PollTimeout bounds a single broker read.
	PollTimeout time.Duration
	// GreetingTimeout bounds the read of an optional greeting after connect.
	GreetingTimeout time.Duration
	// HandshakeSettle is slept between sending GET_PCOMMS and reading.
	HandshakeSettle time.Duration
	// HandshakeTimeout bounds the wait for the first byte of the answer.
	HandshakeTimeout time.Duration
	// FragmentIdle ends a message once no further fragment arrives in time.
	FragmentIdle time.Duration
}

// DefaultTimings mirror what legacy modules are tuned for.
func DefaultTimings() Timings {
	return Timings{
		PollTimeout:      time.Millisecond,
		GreetingTimeout:  time.Second,
		HandshakeSettle:  100 * time.Millisecond,
		HandshakeTimeout: time.Second,
		FragmentIdle:     20 * time.Millisecond,
	}
}

// Config describes one module.
type Config struct {
	Identity
	Kind     Kind
	Retry    controlsocket.RetryPolicy
	LogLevel int
	RootPath string
	Args     map[string]string

	// PCOMMs and Defaults are only used by executable modules. Defaults
	// maps a command to the payload sent when the caller gives none.
	PCOMMs   []string
	Defaults map[string]string
}

// StateFunc is notified after every state transition.
type StateFunc func(id Identity, s State)

// Option configures a Connection.
type Option func(*Connection)

func WithLauncher(l Launcher) Option { return func(c *Connection) { c.launcher = l } }

func WithClock(clk clock.Clock) Option { return func(c *Connection) { c.clock = clk } }

func WithTimings(t Timings) Option { return func(c *Connection) { c.timings = t } }

func WithLogger(l *slog.Logger) Option { return func(c *Connection) { c.logger = l } }

// WithStateFunc registers a transition observer. Several may be added.
func WithStateFunc(fn StateFunc) Option {
	return func(c *Connection) { c.observers = append(c.observers, fn) }
}

// Connection is the control plane's handle on one module.
type Connection struct {
	cfg       Config
	launcher  Launcher
	clock     clock.Clock
	timings   Timings
	logger    *slog.Logger
	observers []StateFunc

	mu        sync.RWMutex
	state     State
	sock      *controlsocket.Socket
	proc      *supervisor.Handle
	supported []string
	nearPort  int

	sendMu      sync.Mutex
	handshakeMu sync.Mutex
	// readMu serializes socket reads. A handshake holds it from sending
	// GET_PCOMMS until the answer is read, so a running broker cannot
	// consume the reply.
	readMu sync.Mutex
}

// New returns an Unregistered connection.
func New(cfg Config, opts ...Option) *Connection {
	c := &Connection{
		cfg:     cfg,
		clock:   clock.Real(),
		timings: DefaultTimings(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("module", cfg.Name)
	return c
}

func (c *Connection) Name() string       { return c.cfg.Name }
func (c *Connection) Identity() Identity { return c.cfg.Identity }
func (c *Connection) Kind() Kind         { return c.cfg.Kind }

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// NearPort is the local port of the control socket, 0 until connected.
func (c *Connection) NearPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nearPort
}

// SupportedCommands returns a copy of the handshake result.
func (c *Connection) SupportedCommands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.supported)
}

// Supports reports whether pcomm was advertised by the module.
func (c *Connection) Supports(pcomm string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.supported, pcomm)
}

func (c *Connection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Identity:          c.cfg.Identity,
		Kind:              c.cfg.Kind,
		State:             c.state,
		NearPort:          c.nearPort,
		SupportedCommands: slices.Clone(c.supported),
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Connection) notify(s State) {
	c.logger.Debug("Module state changed.", "state", s)
	for _, fn := range c.observers {
		fn(c.cfg.Identity, s)
	}
}

func (c *Connection) socket() *controlsocket.Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sock
}

// StartProcess spawns the backing process of a managed module. It does
// nothing for executable modules or when no launcher is configured.
func (c *Connection) StartProcess(ctx context.Context) error {
	if c.cfg.Kind != Managed || c.launcher == nil {
		c.logger.Debug("Module process is managed externally.")
		return nil
	}
	h, err := c.launcher.Start(ctx, c.cfg.Name, c.cfg.IP, c.cfg.Port, c.cfg.LogLevel, c.cfg.RootPath, c.cfg.Args)
	if err != nil {
		return fmt.Errorf("start process for module %s: %w", c.cfg.Name, err)
	}
	c.mu.Lock()
	c.proc = h
	c.mu.Unlock()
	return nil
}

// Connect dials the module and reads its optional greeting. A failure
// returns the connection to Unregistered with a
// *controlsocket.ConnectError. Only Unregistered and Closed connections
// may connect; otherwise ErrAlreadyConnected is returned and the current
// socket is left alone.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if st := c.state; st != Unregistered && st != Closed {
		c.mu.Unlock()
		return fmt.Errorf("connect module %s (state %s): %w", c.cfg.Name, st, ErrAlreadyConnected)
	}
	c.state = Connecting
	c.mu.Unlock()
	c.notify(Connecting)

	ctx = ctxlog.WithLogger(ctx, c.logger)
	sock, err := controlsocket.Connect(ctx, c.cfg.Addr(), c.cfg.Retry, c.clock)
	if err != nil {
		c.setState(Unregistered)
		return fmt.Errorf("connect module %s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.sock = sock
	c.nearPort = sock.NearPort()
	c.mu.Unlock()
	c.setState(Connected)

	c.readMu.Lock()
	greeting, err := sock.ReadMessage(c.timings.GreetingTimeout, c.timings.FragmentIdle)
	c.readMu.Unlock()
	switch {
	case err != nil:
		c.logger.Debug("Error while reading greeting.", "error", err)
	case len(greeting) == 0:
		c.logger.Debug("No response upon connection.")
	default:
		c.logger.Debug("Connection returned greeting.", "msg", string(greeting))
	}
	return nil
}

// FetchSupportedCommands runs the GET_PCOMMS handshake and moves the
// connection to Ready. Executable modules take their commands from
// configuration instead. An empty answer leaves the connection Connected
// and returns ErrHandshakeTimeout.
func (c *Connection) FetchSupportedCommands(ctx context.Context) error {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	sock := c.socket()
	if sock == nil {
		return fmt.Errorf("handshake with %s: %w", c.cfg.Name, ErrNotConnected)
	}

	if c.cfg.Kind == Executable {
		c.logger.Debug("Using configured commands.", "pcomms", c.cfg.PCOMMs)
		c.mu.Lock()
		c.supported = slices.Clone(c.cfg.PCOMMs)
		c.mu.Unlock()
		c.setState(Ready)
		return nil
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.logger.Debug("Requesting supported commands.")
	if err := c.Forward([]byte(wire.GetPCOMMs)); err != nil {
		return fmt.Errorf("handshake with %s: %w", c.cfg.Name, err)
	}
	if err := c.clock.Sleep(ctx, c.timings.HandshakeSettle); err != nil {
		return err
	}
	msg, err := sock.ReadMessage(c.timings.HandshakeTimeout, c.timings.FragmentIdle)
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", c.cfg.Name, err)
	}

	pcomms := wire.ParseCommandList(msg)
	if len(pcomms) == 0 {
		c.logger.Warn("No supported commands received.", "raw", string(msg))
		return fmt.Errorf("handshake with %s: %w", c.cfg.Name, ErrHandshakeTimeout)
	}
	c.logger.Debug("Received supported commands.", "pcomms", pcomms)

	c.mu.Lock()
	c.supported = pcomms
	c.mu.Unlock()
	c.setState(Ready)
	return nil
}

// SendCommand validates and sends pcomm to the module. An empty payload
// is replaced by the configured default for pcomm, if any. Payloads for AO
// modules are transcoded from JSON to a pipe list. Nothing is written when
// validation fails.
func (c *Connection) SendCommand(ctx context.Context, pcomm, payload string) error {
	switch st := c.State(); st {
	case Ready:
	case Connected:
		return fmt.Errorf("send %s to %s: %w", pcomm, c.cfg.Name, ErrNotReady)
	default:
		return fmt.Errorf("send %s to %s (state %s): %w", pcomm, c.cfg.Name, st, ErrNotConnected)
	}
	if !c.Supports(pcomm) {
		return fmt.Errorf("send %s to %s: %w", pcomm, c.cfg.Name, ErrUnsupportedCommand)
	}

	if payload == "" {
		payload = c.cfg.Defaults[pcomm]
	}
	if wire.IsAOModule(c.cfg.Name) {
		out, ok, err := wire.JSONToPipeList(payload)
		if err != nil {
			return fmt.Errorf("send %s to %s: %w", pcomm, c.cfg.Name, err)
		}
		payload = ""
		if ok {
			payload = out
		}
	}
	if err := wire.ValidatePayload(payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", pcomm, c.cfg.Name, err)
	}

	msg := wire.EncodeCommand(pcomm, payload)
	ctxlog.FromContext(ctx).Debug("Sending command.", "module", c.cfg.Name, "msg", msg)
	return c.Forward([]byte(msg))
}

// Forward writes msg without any validation. It shares the send path with
// SendCommand.
func (c *Connection) Forward(msg []byte) error {
	sock := c.socket()
	if sock == nil {
		return fmt.Errorf("forward to %s: %w", c.cfg.Name, ErrNotConnected)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return sock.Send(msg)
}

// Poll returns whatever the module sent within the poll timeout. An empty
// result is normal.
func (c *Connection) Poll() ([]byte, error) {
	return c.Receive(c.timings.PollTimeout)
}

// Receive waits up to wait for a message from the module. While waiting
// the caller is parked on the network poller. A handshake in progress
// blocks it until the handshake answer has been read.
func (c *Connection) Receive(wait time.Duration) ([]byte, error) {
	sock := c.socket()
	if sock == nil {
		return nil, ErrNotConnected
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return sock.ReadMessage(wait, c.timings.FragmentIdle)
}

// PeerClosed reports whether the module closed its end of the socket.
func (c *Connection) PeerClosed() bool {
	sock := c.socket()
	return sock != nil && sock.PeerClosed()
}

// Close tears down the owned process tree and the socket. Each is
// attempted regardless of the other; absent resources are skipped. An
// incomplete process teardown is returned after the socket is closed.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	proc, sock := c.proc, c.sock
	c.proc = nil
	c.mu.Unlock()
	c.setState(Closing)

	var errs []error
	if proc != nil && c.launcher != nil {
		if err := c.launcher.StopTree(ctx, proc); err != nil {
			c.logger.Warn("Process teardown incomplete.", "error", err)
			errs = append(errs, fmt.Errorf("stop process of %s: %w", c.cfg.Name, err))
		}
	}
	if sock != nil {
		c.logger.Debug("Closing control socket.")
		sock.Close()
	}

	c.setState(Closed)
	return errors.Join(errs...)
}

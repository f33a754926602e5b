// Package feed publishes module status and brokered callbacks to an
// external dashboard over socket.io. The feed is optional; Nop is used
// when none is configured.
package feed

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/module"
)

const (
	EventModuleStatus = "module_status"
	EventCallback     = "callback"
)

// DefaultDialTimeout bounds the wait for the initial socket.io connect.
const DefaultDialTimeout = 15 * time.Second

// StatusEvent is emitted after start-up and after shutdown.
type StatusEvent struct {
	Modules []module.Info `json:"modules"`
	Time    time.Time     `json:"time"`
}

// CallbackEvent is emitted for every callback the broker handled.
type CallbackEvent struct {
	ID      string    `json:"id"`
	Source  string    `json:"source"`
	Target  string    `json:"target"`
	Command string    `json:"command"`
	Payload string    `json:"payload"`
	Outcome string    `json:"outcome"`
	Time    time.Time `json:"time"`
}

// Publisher receives control room events. Implementations must not block
// the caller for long.
type Publisher interface {
	ModuleStatus(StatusEvent)
	Callback(CallbackEvent)
	Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) ModuleStatus(StatusEvent) {}
func (Nop) Callback(CallbackEvent)   {}
func (Nop) Close()                   {}

// Options configures Dial.
type Options struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SocketIO emits events on a connected socket.io client.
type SocketIO struct {
	emit       func(event string, args ...any)
	disconnect func()
	logger     *slog.Logger
}

// Dial connects to the dashboard and waits for the connect event.
func Dial(ctx context.Context, o Options) (*SocketIO, error) {
	logger := ctxlog.Component(ctx, "feed", "url", o.URL)

	parsedURL, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if o.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(o.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Dashboard feed connected.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connected <- err
	})

	logger.Debug("Connecting dashboard feed.")
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}

	return newSocketIO(
		func(event string, args ...any) { io.Emit(event, args...) },
		func() { io.Disconnect() },
		logger,
	), nil
}

func newSocketIO(emit func(string, ...any), disconnect func(), logger *slog.Logger) *SocketIO {
	return &SocketIO{emit: emit, disconnect: disconnect, logger: logger}
}

func (s *SocketIO) ModuleStatus(ev StatusEvent) {
	s.logger.Debug("Emitting module status.", "modules", len(ev.Modules))
	s.emit(EventModuleStatus, ev)
}

func (s *SocketIO) Callback(ev CallbackEvent) {
	s.emit(EventCallback, ev)
}

func (s *SocketIO) Close() {
	s.logger.Debug("Disconnecting dashboard feed.")
	s.disconnect()
}

// Package controlplane owns the module connections of one control room
// and the broker that routes callbacks between them. It is the surface the
// dashboard and macros talk to.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/controlroom/internal/broker"
	"github.com/specialistvlad/controlroom/internal/clock"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/feed"
	"github.com/specialistvlad/controlroom/internal/metrics"
	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/registry"
)

// DefaultSettle is waited between spawning managed processes and
// connecting to them.
const DefaultSettle = 500 * time.Millisecond

// ControlPlane supervises all modules.
type ControlPlane struct {
	reg     *registry.Registry
	broker  *broker.Broker
	metrics *metrics.Metrics
	feed    feed.Publisher
	clock   clock.Clock
	logger  *slog.Logger
	settle  time.Duration

	launcher   module.Launcher
	timings    *module.Timings
	brokerWait time.Duration

	mu           sync.Mutex
	brokerCancel context.CancelFunc
	brokerDone   chan struct{}
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

func WithLauncher(l module.Launcher) Option { return func(cp *ControlPlane) { cp.launcher = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(cp *ControlPlane) { cp.metrics = m } }

func WithFeed(p feed.Publisher) Option { return func(cp *ControlPlane) { cp.feed = p } }

func WithClock(c clock.Clock) Option { return func(cp *ControlPlane) { cp.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(cp *ControlPlane) { cp.logger = l } }

func WithSettle(d time.Duration) Option { return func(cp *ControlPlane) { cp.settle = d } }

// WithTimings overrides the connection timings of every module.
func WithTimings(t module.Timings) Option { return func(cp *ControlPlane) { cp.timings = &t } }

// WithBrokerReceiveWait is passed on to the broker.
func WithBrokerReceiveWait(d time.Duration) Option {
	return func(cp *ControlPlane) { cp.brokerWait = d }
}

// New builds a connection per module and registers them.
func New(modules []module.Config, opts ...Option) (*ControlPlane, error) {
	cp := &ControlPlane{
		reg:    registry.New(),
		feed:   feed.Nop{},
		clock:  clock.Real(),
		logger: slog.Default(),
		settle: DefaultSettle,
	}
	for _, opt := range opts {
		opt(cp)
	}

	for _, cfg := range modules {
		connOpts := []module.Option{
			module.WithClock(cp.clock),
			module.WithLogger(cp.logger),
			module.WithStateFunc(func(id module.Identity, s module.State) {
				cp.metrics.ModuleState(id.Name, int(s))
			}),
		}
		if cp.launcher != nil {
			connOpts = append(connOpts, module.WithLauncher(cp.launcher))
		}
		if cp.timings != nil {
			connOpts = append(connOpts, module.WithTimings(*cp.timings))
		}
		if err := cp.reg.Register(module.New(cfg, connOpts...)); err != nil {
			return nil, err
		}
	}

	brokerOpts := []broker.Option{
		broker.WithLogger(cp.logger),
		broker.WithMetrics(cp.metrics),
		broker.WithFeed(cp.feed),
	}
	if cp.brokerWait > 0 {
		brokerOpts = append(brokerOpts, broker.WithReceiveWait(cp.brokerWait))
	}
	cp.broker = broker.New(cp.reg, brokerOpts...)
	return cp, nil
}

// Registry exposes the module registry.
func (cp *ControlPlane) Registry() *registry.Registry { return cp.reg }

// Broker exposes the callback broker.
func (cp *ControlPlane) Broker() *broker.Broker { return cp.broker }

// StartAll spawns every managed module, waits for them to settle, then
// connects and handshakes with all modules concurrently. A module that
// does not answer the handshake is left Connected; a module that cannot
// be connected fails StartAll. On success the registry is frozen and the
// broker is running.
func (cp *ControlPlane) StartAll(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, cp.logger)
	conns := cp.reg.Connections()

	spawned := 0
	for _, c := range conns {
		if err := c.StartProcess(ctx); err != nil {
			return err
		}
		if c.Kind() == module.Managed && cp.launcher != nil {
			spawned++
		}
	}
	if spawned > 0 {
		cp.logger.Debug("Waiting for module servers to settle.", "settle", cp.settle, "spawned", spawned)
		if err := cp.clock.Sleep(ctx, cp.settle); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			err := c.Connect(gctx)
			cp.metrics.Connect(c.Name(), err)
			if err != nil {
				return err
			}
			if err := c.FetchSupportedCommands(gctx); err != nil {
				if errors.Is(err, module.ErrHandshakeTimeout) {
					cp.logger.Warn("Module did not answer the handshake.", "module", c.Name())
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start modules: %w", err)
	}

	cp.reg.Freeze()
	cp.startBroker(ctx)
	cp.publishStatus()
	cp.logger.Info("All modules started.", "modules", cp.reg.Names())
	return nil
}

func (cp *ControlPlane) startBroker(ctx context.Context) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	cp.brokerCancel, cp.brokerDone = cancel, done
	go func() {
		defer close(done)
		_ = cp.broker.Run(bctx)
	}()
}

// StopAll stops the broker and closes every connection. Closing continues
// past failures; the returned error joins them.
func (cp *ControlPlane) StopAll(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, cp.logger)

	cp.mu.Lock()
	cancel, done := cp.brokerCancel, cp.brokerDone
	cp.brokerCancel, cp.brokerDone = nil, nil
	cp.mu.Unlock()

	if cancel != nil {
		cp.logger.Debug("Stopping broker.")
		cancel()
		<-done
	}

	var errs []error
	for _, c := range cp.reg.Connections() {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	cp.reg.Thaw()
	cp.publishStatus()
	cp.logger.Info("All modules stopped.")
	return errors.Join(errs...)
}

// SendCommand sends pcomm to the named module.
func (cp *ControlPlane) SendCommand(ctx context.Context, name, pcomm, payload string) error {
	c, err := cp.reg.Lookup(name)
	if err != nil {
		return err
	}
	err = c.SendCommand(ctx, pcomm, payload)
	cp.metrics.Command(name, err)
	return err
}

// Handshake repeats the GET_PCOMMS handshake of the named module, for
// modules left Connected by StartAll. It may run while the broker is
// routing.
func (cp *ControlPlane) Handshake(ctx context.Context, name string) error {
	c, err := cp.reg.Lookup(name)
	if err != nil {
		return err
	}
	if err := c.FetchSupportedCommands(ctxlog.WithLogger(ctx, cp.logger)); err != nil {
		return err
	}
	cp.publishStatus()
	return nil
}

// ListModules describes every module in registration order.
func (cp *ControlPlane) ListModules() []module.Info {
	conns := cp.reg.Connections()
	out := make([]module.Info, len(conns))
	for i, c := range conns {
		out[i] = c.Info()
	}
	return out
}

func (cp *ControlPlane) publishStatus() {
	cp.feed.ModuleStatus(feed.StatusEvent{Modules: cp.ListModules(), Time: cp.clock.Now()})
}

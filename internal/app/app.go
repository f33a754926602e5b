package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/controlroom/internal/config"
	"github.com/specialistvlad/controlroom/internal/controlplane"
	"github.com/specialistvlad/controlroom/internal/controlsocket"
	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/feed"
	"github.com/specialistvlad/controlroom/internal/metrics"
	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/supervisor"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	appConfig  *Config
	model      *config.Model
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	relay      *feed.Relay
	plane      *controlplane.ControlPlane
	httpServer *http.Server
	collector  *supervisor.Handle
}

// Option customizes an App.
type Option func(*options)

type options struct {
	plane      []controlplane.Option
	supervisor []supervisor.Option
}

// WithControlPlaneOptions appends options passed to the control plane.
func WithControlPlaneOptions(opts ...controlplane.Option) Option {
	return func(o *options) { o.plane = append(o.plane, opts...) }
}

// WithSupervisorOptions appends options passed to the process supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) { o.supervisor = append(o.supervisor, opts...) }
}

// NewApp is the constructor for the main application. A configuration that
// cannot be loaded or turned into a control plane is a fatal startup error
// and panics.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, opts ...Option) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	model, err := loader.Load(ctx, appConfig.ConfigPaths...)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded.", "modules", len(model.Modules))

	supOpts := []supervisor.Option{}
	if l := model.Launcher; l != nil {
		supOpts = append(supOpts, supervisor.WithLauncher(l.Interpreter, l.EntryPoint))
	}
	sup := supervisor.New(append(supOpts, o.supervisor...)...)

	m := metrics.New()
	relay := &feed.Relay{}
	planeOpts := []controlplane.Option{
		controlplane.WithLauncher(sup),
		controlplane.WithMetrics(m),
		controlplane.WithFeed(relay),
		controlplane.WithLogger(logger),
	}
	if appConfig.Settle > 0 {
		planeOpts = append(planeOpts, controlplane.WithSettle(appConfig.Settle))
	}
	plane, err := controlplane.New(moduleConfigs(model), append(planeOpts, o.plane...)...)
	if err != nil {
		panic(fmt.Errorf("failed to build control plane: %w", err))
	}
	logger.Debug("Control plane built.", "modules", plane.Registry().Names())

	return &App{
		ctx:        ctx,
		outW:       outW,
		logger:     logger,
		appConfig:  appConfig,
		model:      model,
		metrics:    m,
		supervisor: sup,
		relay:      relay,
		plane:      plane,
	}
}

// ControlPlane returns the application's control plane. This is primarily for testing.
func (a *App) ControlPlane() *controlplane.ControlPlane {
	return a.plane
}

// moduleConfigs turns loaded definitions into connection configs.
func moduleConfigs(model *config.Model) []module.Config {
	out := make([]module.Config, 0, len(model.Modules))
	for _, def := range model.Modules {
		kind := module.Managed
		if def.Kind == config.KindExecutable {
			kind = module.Executable
		}
		out = append(out, module.Config{
			Identity: module.Identity{Name: def.Name, Type: def.Type, IP: def.IP, Port: def.Port},
			Kind:     kind,
			Retry:    controlsocket.RetryPolicy{Interval: def.RetryAfter, MaxRetries: def.MaxRetries},
			LogLevel: model.LogLevel,
			RootPath: model.ModulesRoot,
			Args:     def.Args,
			PCOMMs:   def.PCOMMs,
			Defaults: def.Defaults,
		})
	}
	return out
}

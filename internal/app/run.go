package app

import (
	"context"
	"fmt"

	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/feed"
	"github.com/specialistvlad/controlroom/internal/supervisor"
)

// Run starts the log collector, the dashboard feed, the HTTP server and
// every module, then blocks until ctx is cancelled and tears it all down
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if err := a.startLogCollector(ctx); err != nil {
		return err
	}
	a.connectFeed(ctx)
	a.startHTTPServer()

	if err := a.plane.StartAll(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("failed to start modules: %w", err)
	}
	a.logger.Info("Control room running.", "modules", a.plane.Registry().Names())

	<-ctx.Done()
	a.logger.Info("Shutdown requested.")
	a.shutdown()
	a.logger.Debug("App.Run method finished.")
	return nil
}

// shutdown runs on a context that outlives Run's, so teardown completes
// after a cancellation.
func (a *App) shutdown() {
	if err := a.plane.StopAll(a.ctx); err != nil {
		a.logger.Warn("Some modules were not torn down cleanly.", "error", err)
	}
	a.stopLogCollector()
	_ = a.closeHTTPServer()
	a.relay.Close()
}

func (a *App) startLogCollector(ctx context.Context) error {
	lc := a.model.LogCollector
	if lc == nil {
		return nil
	}
	h, err := a.supervisor.Launch(ctx, supervisor.Spec{
		Name:       "log_collector",
		Executable: lc.Command[0],
		Args:       lc.Command[1:],
	})
	if err != nil {
		return fmt.Errorf("failed to start log collector: %w", err)
	}
	a.collector = h
	a.logger.Info("Log collector started.", "pid", h.PID())
	return nil
}

func (a *App) stopLogCollector() {
	if a.collector == nil {
		return
	}
	if err := a.supervisor.Terminate(a.ctx, a.collector, a.model.LogCollector.GracePeriod); err != nil {
		a.logger.Warn("Log collector did not stop cleanly.", "error", err)
	}
	a.collector = nil
}

// connectFeed attaches the dashboard feed if one is configured. The
// dashboard is optional; a failed dial is logged and events are dropped.
func (a *App) connectFeed(ctx context.Context) {
	df := a.model.DashboardFeed
	if df == nil {
		return
	}
	p, err := feed.Dial(ctx, feed.Options{URL: df.URL, Namespace: df.Namespace, InsecureSkipVerify: df.InsecureSkipVerify})
	if err != nil {
		a.logger.Warn("Dashboard feed unavailable, continuing without it.", "url", df.URL, "error", err)
		return
	}
	a.relay.Attach(p)
}

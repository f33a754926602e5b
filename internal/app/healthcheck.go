package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/specialistvlad/controlroom/internal/ctxlog"
	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/registry"
	"github.com/specialistvlad/controlroom/internal/wire"
)

// commandRequest is the body of POST /modules/{name}/commands.
type commandRequest struct {
	PCOMM   string `json:"pcomm"`
	Payload string `json:"payload"`
}

// healthHandler answers liveness probes.
func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(app.ctx)
	logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (app *App) modulesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.plane.ListModules())
}

func (app *App) commandHandler(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(app.ctx)
	name := r.PathValue("name")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.PCOMM == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pcomm is required"})
		return
	}

	err := app.plane.SendCommand(r.Context(), name, req.PCOMM, req.Payload)
	if err != nil {
		logger.Warn("Command rejected.", "module", name, "pcomm", req.PCOMM, "error", err)
		writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
		return
	}
	logger.Debug("Command sent.", "module", name, "pcomm", req.PCOMM)
	w.WriteHeader(http.StatusAccepted)
}

// handshakeHandler retries the handshake of a module left Connected.
func (app *App) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := app.plane.Handshake(r.Context(), name); err != nil {
		ctxlog.FromContext(app.ctx).Warn("Handshake retry failed.", "module", name, "error", err)
		writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, module.ErrUnsupportedCommand),
		errors.Is(err, wire.ErrReservedCharacter),
		errors.Is(err, wire.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, module.ErrNotReady), errors.Is(err, module.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, module.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// routes builds the handler served on the HTTP port.
func (app *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", app.healthHandler)
	mux.Handle("GET /metrics", app.metrics.Handler())
	mux.HandleFunc("GET /modules", app.modulesHandler)
	mux.HandleFunc("POST /modules/{name}/commands", app.commandHandler)
	mux.HandleFunc("POST /modules/{name}/handshake", app.handshakeHandler)
	return mux
}

// startHTTPServer runs the health, metrics and module endpoints.
func (app *App) startHTTPServer() {
	logger := ctxlog.FromContext(app.ctx)
	if app.appConfig.HTTPPort <= 0 {
		logger.Debug("HTTP server not started: disabled")
		return
	}

	addr := fmt.Sprintf(":%d", app.appConfig.HTTPPort)
	app.httpServer = &http.Server{
		Addr:              addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed unexpectedly", "error", err)
		}
	}()
}

func (app *App) closeHTTPServer() error {
	logger := ctxlog.FromContext(app.ctx)
	if app.httpServer == nil {
		logger.Debug("HTTP server was not running.")
		return nil
	}

	ctx, cancel := context.WithTimeout(app.ctx, 5*time.Second)
	defer cancel()

	logger.Info("Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	app.httpServer = nil
	logger.Debug("HTTP server shut down gracefully.")
	return nil
}

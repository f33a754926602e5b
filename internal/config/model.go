package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultIP          = "127.0.0.1"
	DefaultRetryAfter  = time.Second
	DefaultMaxRetries  = 3
	DefaultLogLevel    = 10
	DefaultGracePeriod = 100 * time.Millisecond
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Kind tells how a module's process comes to life.
type Kind string

const (
	// KindManaged modules are spawned from ModulesRoot/<name>.
	KindManaged Kind = "managed"
	// KindExecutable modules are started by someone else.
	KindExecutable Kind = "executable"
)

// Model is the unified, format-agnostic representation of the entire
// control room configuration.
type Model struct {
	ModulesRoot string
	// LogLevel is handed to managed module servers.
	LogLevel int
	// Modules keeps declaration order.
	Modules       []*ModuleDefinition
	LogCollector  *LogCollector
	DashboardFeed *DashboardFeed
	Launcher      *Launcher
}

// ModuleDefinition describes one module.
type ModuleDefinition struct {
	Name       string
	Kind       Kind
	Type       string
	IP         string
	Port       int
	RetryAfter time.Duration
	MaxRetries int
	// Args become --key=value arguments of a managed module server.
	Args map[string]string

	// Path, PCOMMs and Defaults describe executable modules. Defaults maps
	// a command to its JSON-encoded default payload.
	Path     string
	PCOMMs   []string
	Defaults map[string]string
}

// LogCollector is the process started before any module.
type LogCollector struct {
	Command     []string
	GracePeriod time.Duration
}

// DashboardFeed points at the socket.io endpoint of the dashboard.
type DashboardFeed struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
}

// Launcher overrides how managed module servers are started.
type Launcher struct {
	Interpreter string
	EntryPoint  string
}

// Module returns the definition with the given name.
func (m *Model) Module(name string) (*ModuleDefinition, bool) {
	for _, d := range m.Modules {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Validate checks the whole model and reports every problem at once.
func (m *Model) Validate() error {
	var errs []string
	seen := make(map[string]struct{}, len(m.Modules))

	for _, d := range m.Modules {
		switch {
		case d.Name == "":
			errs = append(errs, "module with empty name")
		case strings.Contains(d.Name, "|"):
			errs = append(errs, fmt.Sprintf("module '%s': name must not contain '|'", d.Name))
		}
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Sprintf("module '%s': declared more than once", d.Name))
		}
		seen[d.Name] = struct{}{}

		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, fmt.Sprintf("module '%s': port %d out of range 1..65535", d.Name, d.Port))
		}
		if d.RetryAfter < 0 {
			errs = append(errs, fmt.Sprintf("module '%s': retry_connection_after_s must not be negative", d.Name))
		}
		if d.MaxRetries < 1 {
			errs = append(errs, fmt.Sprintf("module '%s': max_retries must be at least 1", d.Name))
		}
		for _, p := range d.PCOMMs {
			if strings.Contains(p, "|") {
				errs = append(errs, fmt.Sprintf("module '%s': command '%s' must not contain '|'", d.Name, p))
			}
		}
		if d.Kind == KindManaged && m.ModulesRoot == "" {
			errs = append(errs, fmt.Sprintf("module '%s': managed modules require modules_root", d.Name))
		}
	}

	if lc := m.LogCollector; lc != nil {
		if len(lc.Command) == 0 {
			errs = append(errs, "log_collector: command must not be empty")
		}
		if lc.GracePeriod < 0 {
			errs = append(errs, "log_collector: grace_period must not be negative")
		}
	}
	if f := m.DashboardFeed; f != nil && f.URL == "" {
		errs = append(errs, "dashboard_feed: url must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n- %s", ErrInvalid, strings.Join(errs, "\n- "))
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/specialistvlad/controlroom/internal/app"
	"github.com/specialistvlad/controlroom/internal/controlplane"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

var (
	logFormats = []string{"text", "json"}
	logLevels  = []string{"debug", "info", "warn", "error"}
)

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := pflag.NewFlagSet("controlroom", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.SortFlags = false

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Control Room - starts, connects and relays commands between module processes.

Usage:
  controlroom [options] [CONFIG_PATH...]

Arguments:
  CONFIG_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.StringSliceP("config", "c", nil, "Path to a configuration file or directory. May be repeated.")
	httpPortFlag := flagSet.Int("http-port", 0, "Port for the health, metrics and module HTTP server. 0 is disabled.")
	settleFlag := flagSet.Duration("settle", controlplane.DefaultSettle, "Time given to spawned modules to open their control sockets.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	paths := append(*configFlag, flagSet.Args()...)
	slog.Debug("Config paths determined.", "paths", paths)

	if len(paths) == 0 {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat, err := oneOf("log-format", *logFormatFlag, logFormats)
	if err != nil {
		return nil, false, err
	}
	logLevel, err := oneOf("log-level", *logLevelFlag, logLevels)
	if err != nil {
		return nil, false, err
	}

	config, err := app.NewConfig(app.Config{
		ConfigPaths: paths,
		LogFormat:   logFormat,
		LogLevel:    logLevel,
		HTTPPort:    *httpPortFlag,
		Settle:      *settleFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}


// oneOf lower-cases value and checks it against allowed.
func oneOf(flag, value string, allowed []string) (string, error) {
	v := strings.ToLower(value)
	if slices.Contains(allowed, v) {
		return v, nil
	}
	return "", &ExitError{Code: 2, Message: fmt.Sprintf("invalid %s %q: must be one of '%s'", flag, value, strings.Join(allowed, "', '"))}
}

package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"kbsync/internal/app"
	"kbsync/internal/config"
	"kbsync/internal/logger"
)

// environment is a wired application and what it holds open.
type environment struct {
	cfg      *config.Config
	app      *app.App
	deps     *app.Dependencies
	closeLog func() error
}

// setup loads the configuration, installs the logger and wires the
// application. name prefixes the per-run log file. The mirror is only
// connected when withMirror is set.
func (o *RootOptions) setup(cmd *cobra.Command, name string, withMirror bool) (*environment, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if !withMirror {
		cfg.EnableMirror = false
	}

	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	log, closeLog, err := logger.Setup(cmd.ErrOrStderr(), cfg.LogDir, name, level)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open log file", err)
	}

	deps, err := app.Bootstrap(cmd.Context(), cfg)
	if err != nil {
		_ = closeLog()
		return nil, WrapExitError(ExitFailure, "bootstrap", err)
	}

	a, err := app.New(cfg, deps, log, o.appOptions)
	if err != nil {
		_ = deps.Close()
		_ = closeLog()
		return nil, WrapExitError(ExitCommandError, "wire application", err)
	}
	return &environment{cfg: cfg, app: a, deps: deps, closeLog: closeLog}, nil
}

func (e *environment) Close() {
	e.app.Close()
	if err := e.deps.Close(); err != nil {
		slog.Warn("failed to close dependencies", "error", err)
	}
	_ = e.closeLog()
}

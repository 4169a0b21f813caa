// Package cli implements the deedsreg command line: it loads the two volumes,
// builds the pipeline from configuration and flags, and maps SIGINT/SIGTERM
// to pipeline cancellation.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/locator"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/pipeline"
	"deedsreg/pkg/process"
	"deedsreg/pkg/stage"
)

const (
	name           = "deedsreg"
	versionDefault = "dev"

	// exitCancelled follows the shell convention for SIGINT
	exitCancelled = 130
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

// RunnerFactory builds the stage runner for a run. binDir is searched before
// the default binary locations.
type RunnerFactory func(binDir string, sink logging.Sink) (pipeline.StageRunner, error)

// DefaultRunnerFactory runs the real linear and deeds binaries.
func DefaultRunnerFactory(binDir string, sink logging.Sink) (pipeline.StageRunner, error) {
	loc, err := locator.NewFromExecutable(binDir)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.ErrCodeInternal, "failed to resolve binary locations", err)
	}
	slog.Debug("binary search path", "candidates", loc.Candidates())
	return stage.NewRunner(loc, process.NewLauncher(slog.Default()), sink), nil
}

// App holds the collaborators of the command tree.
type App struct {
	Stdout    io.Writer
	NewRunner RunnerFactory
}

// NewApp returns an App writing to stdout and running the real binaries.
func NewApp() *App {
	return &App{
		Stdout:    os.Stdout,
		NewRunner: DefaultRunnerFactory,
	}
}

// Command builds the root command.
func (a *App) Command() *cli.Command {
	return &cli.Command{
		Name:                  name,
		Usage:                 "DEEDS deformable image registration pipeline",
		Version:               version,
		EnableShellCompletion: true,
		Writer:                a.Stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			a.registerCmd(),
			initConfigCmd(),
			versionCmd(),
		},
	}
}

// Execute runs the CLI with os.Args and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewApp().Command().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case regerrors.IsCode(err, regerrors.ErrCodeCancelled):
		return exitCancelled
	default:
		return 1
	}
}

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"deedsreg/internal/models"
	"deedsreg/pkg/config"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/nifti"
	"deedsreg/pkg/pipeline"
	"deedsreg/pkg/preview"
)

func (a *App) registerCmd() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register a moving volume onto a fixed volume",
		Description: `Run the DEEDS pipeline on two NIfTI volumes.

The shorter volume is padded along depth, the linear binary computes an
affine pre-registration and the deeds binary computes the deformable
registration. Previously computed results can be supplied with --affine and
--deformed to skip the corresponding stage.

# Examples

Full registration with results copied to ./results:
  deedsreg register --fixed ct.nii.gz --moving mr.nii.gz --output results

Deformable stage only, with the temporary files removed afterwards:
  deedsreg register --fixed ct.nii.gz --moving mr.nii.gz --no-affine --delete-temp`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "fixed",
				Aliases: []string{"f"},
				Usage:   "Fixed (reference) volume, NIfTI",
			},
			&cli.StringFlag{
				Name:    "moving",
				Aliases: []string{"m"},
				Usage:   "Moving volume, NIfTI",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("DEEDSREG_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Folder receiving the inputs, results and params.txt",
			},
			&cli.StringFlag{
				Name:  "affine",
				Usage: "Precomputed affine matrix; skips the linear stage",
			},
			&cli.StringFlag{
				Name:  "deformed",
				Usage: "Precomputed deformed volume; skips the deeds stage",
			},
			&cli.FloatFlag{
				Name:  "regularisation",
				Usage: "Regularisation weight alpha",
			},
			&cli.IntFlag{
				Name:  "levels",
				Usage: "Number of pyramid levels",
			},
			&cli.IntFlag{
				Name:  "grid-spacing",
				Usage: "Initial control-point grid spacing",
			},
			&cli.IntFlag{
				Name:  "search-radius",
				Usage: "Initial maximum search radius",
			},
			&cli.IntFlag{
				Name:  "quantisation",
				Usage: "Initial displacement quantisation step",
			},
			&cli.BoolFlag{
				Name:  "no-affine",
				Usage: "Skip the affine pre-registration",
			},
			&cli.BoolFlag{
				Name:  "delete-temp",
				Usage: "Remove the working directory after the run",
			},
			&cli.BoolFlag{
				Name:  "keep-temp",
				Usage: "Keep the working directory even if the config deletes it",
			},
			&cli.StringFlag{
				Name:    "bin-dir",
				Usage:   "Directory holding the linear and deeds binaries",
				Sources: cli.EnvVars("DEEDSREG_BIN_DIR"),
			},
			&cli.StringFlag{
				Name:  "temp-root",
				Usage: "Parent directory of the working directories",
			},
			&cli.BoolFlag{
				Name:  "previews",
				Usage: "Write central slice images to the output folder",
			},
			&cli.BoolFlag{
				Name:  "no-quality",
				Usage: "Do not write the quality report",
			},
			&cli.StringFlag{
				Name:    "metrics-file",
				Usage:   "Write stage and run metrics in Prometheus text format, e.g. for the node_exporter textfile collector",
				Sources: cli.EnvVars("DEEDSREG_METRICS_FILE"),
			},
		},
		Action: a.runRegister,
	}
}

// buildConfig loads the config file and applies explicit flag overrides.
func buildConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("output") {
		cfg.Pipeline.OutputFolder = cmd.String("output")
	}
	if cmd.IsSet("affine") {
		cfg.Pipeline.PrecomputedAffinePath = cmd.String("affine")
	}
	if cmd.IsSet("deformed") {
		cfg.Pipeline.PrecomputedDeformablePath = cmd.String("deformed")
	}
	if cmd.Bool("no-affine") {
		cfg.Pipeline.IncludeAffineStep = false
	}
	if cmd.Bool("delete-temp") && cmd.Bool("keep-temp") {
		return nil, regerrors.New(regerrors.ErrCodeInvalidRequest, "--delete-temp and --keep-temp are mutually exclusive")
	}
	if cmd.Bool("delete-temp") {
		cfg.Pipeline.DeleteTemporaryFiles = true
	}
	if cmd.Bool("keep-temp") {
		cfg.Pipeline.DeleteTemporaryFiles = false
	}

	if cmd.IsSet("regularisation") {
		cfg.Registration.Regularisation = cmd.Float("regularisation")
	}
	if cmd.IsSet("levels") {
		cfg.Registration.NumLevels = int(cmd.Int("levels"))
	}
	if cmd.IsSet("grid-spacing") {
		cfg.Registration.GridSpacing = int(cmd.Int("grid-spacing"))
	}
	if cmd.IsSet("search-radius") {
		cfg.Registration.MaxSearchRadius = int(cmd.Int("search-radius"))
	}
	if cmd.IsSet("quantisation") {
		cfg.Registration.StepQuantisation = int(cmd.Int("quantisation"))
	}

	if cmd.IsSet("bin-dir") {
		cfg.Binaries.Dir = cmd.String("bin-dir")
	}
	if cmd.IsSet("temp-root") {
		cfg.Output.TempRoot = cmd.String("temp-root")
	}
	if cmd.Bool("previews") {
		cfg.Output.Previews = true
	}
	if cmd.Bool("no-quality") {
		cfg.Output.Quality = false
	}
	if cmd.IsSet("metrics-file") {
		cfg.Output.MetricsFile = cmd.String("metrics-file")
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadVolumes reads the fixed and moving volumes concurrently. Empty paths
// yield nil volumes.
func loadVolumes(ctx context.Context, fixedPath, movingPath string) (fixed, moving *models.Volume, err error) {
	g, gctx := errgroup.WithContext(ctx)

	load := func(label, path string, dst **models.Volume) {
		if path == "" {
			return
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := nifti.Read(path)
			if err != nil {
				return regerrors.WrapWithContext(regerrors.ErrCodeInvalidRequest,
					fmt.Sprintf("failed to load %s volume", label), err,
					map[string]any{"path": path})
			}
			slog.Debug("volume loaded", "volume", label, "path", path, "shape", v.Shape())
			*dst = v
			return nil
		})
	}
	load("fixed", fixedPath, &fixed)
	load("moving", movingPath, &moving)

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return fixed, moving, nil
}

// writerSink prints sink lines to w.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func (a *App) runRegister(ctx context.Context, cmd *cli.Command) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if !cmd.IsSet("log-level") && cfg.Logging.Level != "" {
		logging.SetDefaultStructuredLoggerWithLevel(name, version, cfg.Logging.Level)
	}

	needVolumes := !cfg.Pipeline.UseDeformableFromFile() ||
		(cfg.Pipeline.IncludeAffineStep && !cfg.Pipeline.UseAffineFromFile())
	if needVolumes && (cmd.String("fixed") == "" || cmd.String("moving") == "") {
		return regerrors.New(regerrors.ErrCodeInvalidRequest, "--fixed and --moving are required")
	}

	fixed, moving, err := loadVolumes(ctx, cmd.String("fixed"), cmd.String("moving"))
	if err != nil {
		return err
	}

	sink := logging.MultiSink(&writerSink{w: cmd.Root().Writer}, logging.SlogSink(slog.Default()))
	runner, err := a.NewRunner(cfg.Binaries.Dir, sink)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithSink(sink),
		pipeline.WithLogger(slog.Default()),
		pipeline.WithTempRoot(cfg.Output.TempRoot),
		pipeline.WithQualityReport(cfg.Output.Quality),
	}
	if cfg.Output.Previews {
		opts = append(opts, pipeline.WithPreviews(preview.Format(cfg.Output.PreviewFormat)))
	}
	controller := pipeline.New(runner, opts...)

	out := controller.Run(ctx, pipeline.Request{
		Fixed:  fixed,
		Moving: moving,
		Config: cfg.Pipeline,
		Params: cfg.Registration,
	})

	if cfg.Output.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.Output.MetricsFile, prometheus.DefaultGatherer); err != nil {
			merr := regerrors.WrapWithContext(regerrors.ErrCodeInternal, "failed to write metrics file", err,
				map[string]any{"path": cfg.Output.MetricsFile})
			if out.Succeeded() {
				return merr
			}
			slog.Warn("metrics not written", "error", merr)
		}
	}

	if !out.Succeeded() {
		return out.Err
	}

	fmt.Fprintf(cmd.Root().Writer, "Deformed volume: %s\n", out.ResultPath)
	if out.AffinePath != "" {
		fmt.Fprintf(cmd.Root().Writer, "Affine matrix: %s\n", out.AffinePath)
	}
	if !cfg.Pipeline.DeleteTemporaryFiles {
		fmt.Fprintf(cmd.Root().Writer, "Working directory: %s\n", out.WorkDir)
	}
	return nil
}

// Package pipeline sequences a registration run.
//
// A run creates a fresh working directory, pads and writes the two volumes,
// runs (or loads) the affine stage, runs (or loads) the deformable stage and
// copies the results to the output folder. Only one run may be active per
// Controller. Failures never escape as panics or returned errors: they are
// logged to the Sink and reported in the Outcome.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/params"
	"deedsreg/pkg/preview"
	"deedsreg/pkg/process"
	"deedsreg/pkg/stage"
	"deedsreg/pkg/volume"
)

// Status classifies how a run ended.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// StageRunner executes the two registration stages. *stage.Runner implements it.
type StageRunner interface {
	RunAffine(movingPath, fixedPath, outFolder string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error)
	RunDeformable(movingPath, fixedPath, affinePath string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error)
}

// Request is one registration job. Fixed and Moving may be nil only when both
// stage results are precomputed.
type Request struct {
	Fixed  *models.Volume
	Moving *models.Volume
	Config models.PipelineConfig
	Params models.RegistrationParameters
}

// Outcome reports the result of a run.
type Outcome struct {
	Status Status

	// RunID is the uuid identifying the run in logs
	RunID string

	// WorkDir is the run's working directory; it no longer exists when
	// DeleteTemporaryFiles was set
	WorkDir string

	// ResultPath is the deformed volume, empty unless the run succeeded
	ResultPath string

	// AffinePath is the affine matrix used, empty when the stage was skipped
	AffinePath string

	Elapsed time.Duration
	Err     error
}

// Succeeded reports whether the run completed.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

var errCancelled = regerrors.New(regerrors.ErrCodeCancelled, "User requested cancel!")

// Controller drives registration runs.
type Controller struct {
	runner   StageRunner
	sink     logging.Sink
	logger   *slog.Logger
	tempRoot string
	now      func() time.Time

	previews      bool
	previewFormat preview.Format
	quality       bool

	state RunState
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink sets the destination of the human-readable progress lines.
func WithSink(sink logging.Sink) Option {
	return func(c *Controller) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTempRoot sets the directory working directories are created under.
func WithTempRoot(dir string) Option {
	return func(c *Controller) {
		c.tempRoot = dir
	}
}

// WithClock replaces time.Now for working directory names.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPreviews writes central slice images of each volume to the output folder.
func WithPreviews(format preview.Format) Option {
	return func(c *Controller) {
		c.previews = true
		c.previewFormat = format
	}
}

// WithQualityReport writes a similarity report to the output folder.
func WithQualityReport(enabled bool) Option {
	return func(c *Controller) {
		c.quality = enabled
	}
}

// New creates a controller running stages through runner.
func New(runner StageRunner, opts ...Option) *Controller {
	c := &Controller{
		runner: runner,
		sink:   logging.NopSink{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes a registration synchronously. A second Run while one is active
// fails immediately with a CONFLICT error.
func (c *Controller) Run(ctx context.Context, req Request) Outcome {
	if !c.state.begin() {
		return c.conflict()
	}
	return c.run(ctx, req)
}

// Start executes a registration on a new goroutine. The returned channel
// yields exactly one Outcome and is then closed.
func (c *Controller) Start(ctx context.Context, req Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	if !c.state.begin() {
		ch <- c.conflict()
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		ch <- c.run(ctx, req)
	}()
	return ch
}

// Cancel asks the active run to stop. A running sub-process is killed.
func (c *Controller) Cancel() {
	c.state.Cancel()
}

// State returns the current run state.
func (c *Controller) State() Snapshot {
	return c.state.Snapshot()
}

func (c *Controller) conflict() Outcome {
	return Outcome{
		Status: StatusFailed,
		Err:    regerrors.New(regerrors.ErrCodeConflict, "a registration is already running"),
	}
}

// run expects begin to have succeeded; it always resets the state.
func (c *Controller) run(ctx context.Context, req Request) (out Outcome) {
	defer c.state.reset()

	gen := c.state.generation()
	stop := context.AfterFunc(ctx, func() { c.state.cancelRun(gen) })
	defer stop()

	id := uuid.New()
	started := time.Now()
	out.RunID = id.String()
	logger := c.logger.With("run", out.RunID)

	defer func() {
		out.Elapsed = time.Since(started)
		runTotal.WithLabelValues(out.Status.String()).Inc()
		logger.Info("registration finished", "status", out.Status.String(), "elapsed", out.Elapsed)
	}()

	workDir, err := NewWorkDir(c.tempRoot, c.now(), id)
	if err != nil {
		return c.fail(logger, out, err)
	}
	out.WorkDir = workDir
	c.sink.Log(fmt.Sprintf("Registration is started in %s", workDir))
	logger.Info("registration started", "workDir", workDir)

	res, err := c.register(ctx, logger, workDir, req)
	if err == nil && req.Config.HasOutputFolder() {
		err = c.finalize(logger, workDir, req, res)
	}

	if err != nil {
		out = c.fail(logger, out, err)
	} else {
		out.Status = StatusSucceeded
		out.ResultPath = res.deformedPath
		out.AffinePath = res.affinePath
	}

	if req.Config.DeleteTemporaryFiles {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove working directory", "workDir", workDir, "error", err)
		} else {
			logger.Debug("removed working directory", "workDir", workDir)
		}
	}
	return out
}

// fail records err on out and reports it to the sink.
func (c *Controller) fail(logger *slog.Logger, out Outcome, err error) Outcome {
	out.Status = StatusFailed
	if c.state.CancelRequested() || regerrors.IsCode(err, regerrors.ErrCodeCancelled) {
		out.Status = StatusCancelled
		if !regerrors.IsCode(err, regerrors.ErrCodeCancelled) {
			err = regerrors.Wrap(regerrors.ErrCodeCancelled, errCancelled.Message, err)
		}
	}
	out.Err = err

	c.sink.Log(fmt.Sprintf("Registration failed! %s", err.Error()))
	var procErr *process.ExternalProcessError
	if stderrors.As(err, &procErr) && procErr.Output != "" {
		c.sink.Log(procErr.Output)
	}

	if out.Status == StatusCancelled {
		logger.Warn("registration cancelled", "phase", c.state.Phase().String())
	} else {
		logger.Error("registration failed", "phase", c.state.Phase().String(), "error", err)
	}
	return out
}

// result carries stage outputs into finalization.
type result struct {
	fixed        *models.Volume
	moving       *models.Volume
	affinePath   string
	deformedPath string
}

// register runs preparation and both stages.
func (c *Controller) register(ctx context.Context, logger *slog.Logger, workDir string, req Request) (result, error) {
	var res result
	cfg, p := req.Config, req.Params

	if err := params.Validate(p); err != nil {
		return res, err
	}

	useAffineFile := cfg.UseAffineFromFile()
	useDeformableFile := cfg.UseDeformableFromFile()
	runAffine := !useAffineFile && cfg.IncludeAffineStep
	runDeformable := !useDeformableFile

	outFolder := filepath.Join(workDir, stage.OutputFolder)
	if err := os.MkdirAll(outFolder, 0755); err != nil {
		return res, regerrors.Wrap(regerrors.ErrCodeInternal, "failed to create stage output folder", err)
	}

	var fixedPath, movingPath string
	if runAffine || runDeformable {
		c.state.setPhase(PhasePreparing)
		c.sink.Log("Pre-processing...")

		fixed, moving, err := volume.Prepare(req.Fixed, req.Moving)
		if err != nil {
			return res, err
		}
		fixedPath, movingPath, err = volume.Write(ctx, workDir, fixed, moving)
		if c.state.CancelRequested() {
			return res, errCancelled
		}
		if err != nil {
			return res, err
		}
		res.fixed, res.moving = fixed, moving
		logger.Debug("volumes prepared", "shape", fixed.Shape(), "fixed", fixedPath, "moving", movingPath)
	}

	switch {
	case useAffineFile:
		c.state.setPhase(PhaseAffineLoaded)
		res.affinePath = cfg.PrecomputedAffinePath
		c.sink.Log(fmt.Sprintf("Using precomputed affine matrix %s", res.affinePath))
		stageTotal.WithLabelValues(stageAffine, resultLoaded).Inc()
	case runAffine:
		c.state.setPhase(PhaseAffineRunning)
		path, err := c.timeStage(logger, stageAffine, func(cancel <-chan struct{}) (string, error) {
			return c.runner.RunAffine(movingPath, fixedPath, outFolder, p, cancel)
		})
		if err != nil {
			return res, err
		}
		res.affinePath = path
	default:
		c.state.setPhase(PhaseAffineSkipped)
		stageTotal.WithLabelValues(stageAffine, resultSkipped).Inc()
	}

	if c.state.CancelRequested() {
		return res, errCancelled
	}

	if useDeformableFile {
		c.state.setPhase(PhaseDeformableLoaded)
		res.deformedPath = cfg.PrecomputedDeformablePath
		c.sink.Log(fmt.Sprintf("Using precomputed deformed volume %s", res.deformedPath))
		stageTotal.WithLabelValues(stageDeformable, resultLoaded).Inc()
	} else {
		c.state.setPhase(PhaseDeformableRunning)
		path, err := c.timeStage(logger, stageDeformable, func(cancel <-chan struct{}) (string, error) {
			return c.runner.RunDeformable(movingPath, fixedPath, res.affinePath, p, cancel)
		})
		if err != nil {
			return res, err
		}
		res.deformedPath = path
	}

	if c.state.CancelRequested() {
		return res, errCancelled
	}

	c.sink.Log("Done :)")
	return res, nil
}

// timeStage runs one stage with the run's cancel channel and records metrics.
func (c *Controller) timeStage(logger *slog.Logger, name string, run func(cancel <-chan struct{}) (string, error)) (string, error) {
	start := time.Now()
	path, err := run(c.state.Done())
	elapsed := time.Since(start)

	outcome := resultSuccess
	switch {
	case c.state.CancelRequested():
		outcome = resultCancelled
	case err != nil:
		outcome = resultError
	}
	stageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	stageTotal.WithLabelValues(name, outcome).Inc()
	logger.Info("stage finished", "stage", name, "result", outcome, "elapsed", elapsed, "output", path)

	return path, err
}

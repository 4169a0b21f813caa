// Package stage runs the two registration stages as external processes.
//
// The affine stage calls `linear` and yields an affine matrix file; the
// deformable stage calls `deeds` and yields the deformed moving volume. Both
// stages return the conventional output path without checking that the
// binary actually produced it.
package stage

import (
	"fmt"
	"os"
	"path/filepath"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/locator"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/params"
	"deedsreg/pkg/process"
)

const (
	// OutputFolder is the stage output subdirectory next to the inputs
	OutputFolder = "outputs"

	// AffineBasename is passed to linear via -O; it appends "_matrix.txt"
	AffineBasename = "affine"

	// PredictionBasename is passed to deeds via -O; it appends "_deformed.nii.gz"
	PredictionBasename = "pred"

	// AffineMatrixFilename is the file linear writes
	AffineMatrixFilename = AffineBasename + "_matrix.txt"

	// DeformedFilename is the file deeds writes
	DeformedFilename = PredictionBasename + "_deformed.nii.gz"
)

// Locator resolves an executable name to an absolute path.
type Locator interface {
	Locate(name string) (string, error)
}

// AffineArgs builds the linear command line.
func AffineArgs(movingPath, fixedPath, outFolder string) []string {
	return []string{
		"-F", fixedPath,
		"-M", movingPath,
		"-O", filepath.Join(outFolder, AffineBasename),
	}
}

// DeformableArgs builds the deeds command line. The -A flag is only added
// when affinePath is non-empty.
func DeformableArgs(movingPath, fixedPath, outFolder, affinePath string, p models.RegistrationParameters) []string {
	args := []string{
		"-F", fixedPath,
		"-M", movingPath,
		"-O", filepath.Join(outFolder, PredictionBasename),
	}
	args = append(args, params.DeformableFlags(p)...)
	if affinePath != "" {
		args = append(args, "-A", affinePath)
	}
	return args
}

// Runner launches the stage binaries and forwards their output to Sink.
type Runner struct {
	Locator  Locator
	Executor process.Executor
	Sink     logging.Sink

	// Environ is the base child environment; os.Environ() when nil
	Environ []string
}

// NewRunner creates a runner. A nil sink discards process output.
func NewRunner(loc Locator, exec process.Executor, sink logging.Sink) *Runner {
	if sink == nil {
		sink = logging.NopSink{}
	}
	return &Runner{Locator: loc, Executor: exec, Sink: sink}
}

// RunAffine runs linear and returns <outFolder>/affine_matrix.txt.
func (r *Runner) RunAffine(movingPath, fixedPath, outFolder string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error) {
	args := AffineArgs(movingPath, fixedPath, outFolder)
	if err := r.run(locator.AffineExecutable, args, cancel); err != nil {
		return "", err
	}
	return filepath.Join(outFolder, AffineMatrixFilename), nil
}

// RunDeformable runs deeds with outputs written to <dir(fixed)>/outputs and
// returns the deformed volume path. An empty affinePath runs without -A.
func (r *Runner) RunDeformable(movingPath, fixedPath, affinePath string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error) {
	if err := params.Validate(p); err != nil {
		return "", err
	}

	outFolder := filepath.Join(filepath.Dir(fixedPath), OutputFolder)
	if err := os.MkdirAll(outFolder, 0755); err != nil {
		return "", regerrors.Wrap(regerrors.ErrCodeInternal,
			fmt.Sprintf("failed to create output folder %s", outFolder), err)
	}

	args := DeformableArgs(movingPath, fixedPath, outFolder, affinePath, p)
	if err := r.run(locator.DeformableExecutable, args, cancel); err != nil {
		return "", err
	}
	return filepath.Join(outFolder, DeformedFilename), nil
}

func (r *Runner) run(name string, args []string, cancel <-chan struct{}) error {
	if r.Locator == nil || r.Executor == nil {
		return regerrors.New(regerrors.ErrCodeInternal, "stage runner is not configured")
	}

	path, err := r.Locator.Locate(name)
	if err != nil {
		return err
	}

	environ := r.Environ
	if environ == nil {
		environ = os.Environ()
	}
	cmd := process.Command{
		Path: path,
		Args: args,
		Env:  process.BinEnv(filepath.Dir(path), environ),
	}

	sink := r.Sink
	if sink == nil {
		sink = logging.NopSink{}
	}
	return r.Executor.Execute(cmd, cancel, sink.Log)
}

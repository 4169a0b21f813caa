package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/nifti"
	"deedsreg/pkg/pipeline"
	"deedsreg/pkg/stage"
)

// fakeRunner stands in for linear and deeds.
type fakeRunner struct {
	affineCalls     int
	deformableCalls int
	lastParams      models.RegistrationParameters
	err             error
}

func (f *fakeRunner) RunAffine(movingPath, fixedPath, outFolder string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error) {
	f.affineCalls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(outFolder, stage.AffineMatrixFilename)
	return path, os.WriteFile(path, []byte("1 0 0 0\n"), 0644)
}

func (f *fakeRunner) RunDeformable(movingPath, fixedPath, affinePath string, p models.RegistrationParameters, cancel <-chan struct{}) (string, error) {
	f.deformableCalls++
	f.lastParams = p
	if f.err != nil {
		return "", f.err
	}
	moving, err := nifti.Read(movingPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(filepath.Dir(fixedPath), stage.OutputFolder, stage.DeformedFilename)
	return out, nifti.Write(out, moving)
}

func newTestApp(runner *fakeRunner) (*App, *bytes.Buffer) {
	var stdout bytes.Buffer
	return &App{
		Stdout: &stdout,
		NewRunner: func(string, logging.Sink) (pipeline.StageRunner, error) {
			return runner, nil
		},
	}, &stdout
}

func writeVolumes(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	fixed := models.NewVolume(6, 4, 4)
	moving := models.NewVolume(4, 4, 4)
	for i := range fixed.Data {
		fixed.Data[i] = float64(i)
	}
	for i := range moving.Data {
		moving.Data[i] = float64(i) + 3
	}
	fixedPath := filepath.Join(dir, "ct.nii.gz")
	movingPath := filepath.Join(dir, "mr.nii")
	require.NoError(t, nifti.Write(fixedPath, fixed))
	require.NoError(t, nifti.Write(movingPath, moving))
	return fixedPath, movingPath
}

func TestRegisterCommand(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	output := filepath.Join(t.TempDir(), "results")
	runner := &fakeRunner{}
	app, stdout := newTestApp(runner)

	err := app.Command().Run(context.Background(), []string{
		name, "register",
		"--fixed", fixedPath,
		"--moving", movingPath,
		"--output", output,
		"--temp-root", t.TempDir(),
		"--levels", "4",
		"--delete-temp",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, runner.affineCalls)
	assert.Equal(t, 1, runner.deformableCalls)
	assert.Equal(t, 4, runner.lastParams.NumLevels)

	text := stdout.String()
	assert.Contains(t, text, "Registration is started in ")
	assert.Contains(t, text, "Done :)")
	assert.Contains(t, text, "Deformed volume: ")
	assert.NotContains(t, text, "Working directory: ")

	for _, f := range []string{"fixed.nii.gz", "moving.nii.gz", "pred_deformed.nii.gz", "affine_matrix.txt", "params.txt", "quality.yaml"} {
		assert.FileExists(t, filepath.Join(output, f))
	}
	record, err := os.ReadFile(filepath.Join(output, "params.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1.60000,4.00000,8.00000,8.00000,5.00000", string(record))
}

func TestRegisterWritesMetricsFile(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	metricsFile := filepath.Join(t.TempDir(), "deedsreg.prom")
	app, _ := newTestApp(&fakeRunner{})

	err := app.Command().Run(context.Background(), []string{
		name, "register", "-f", fixedPath, "-m", movingPath,
		"--temp-root", t.TempDir(),
		"--metrics-file", metricsFile,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `deedsreg_run_total{status="succeeded"}`)
	assert.Contains(t, text, `deedsreg_stage_total{result="success",stage="affine"}`)
	assert.Contains(t, text, "deedsreg_stage_duration_seconds_bucket")
}

func TestRegisterMetricsFileOnFailure(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	metricsFile := filepath.Join(t.TempDir(), "deedsreg.prom")
	runner := &fakeRunner{err: regerrors.New(regerrors.ErrCodeProcessFailed, "linear exited with status 1")}
	app, _ := newTestApp(runner)

	err := app.Command().Run(context.Background(), []string{
		name, "register", "-f", fixedPath, "-m", movingPath,
		"--temp-root", t.TempDir(),
		"--metrics-file", metricsFile,
	})
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeProcessFailed))

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `deedsreg_run_total{status="failed"}`)
}

func TestRegisterNoAffine(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	runner := &fakeRunner{}
	app, _ := newTestApp(runner)

	err := app.Command().Run(context.Background(), []string{
		name, "register", "-f", fixedPath, "-m", movingPath,
		"--no-affine", "--temp-root", t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, runner.affineCalls)
	assert.Equal(t, 1, runner.deformableCalls)
}

func TestRegisterPrecomputedNeedsNoVolumes(t *testing.T) {
	runner := &fakeRunner{}
	app, stdout := newTestApp(runner)

	err := app.Command().Run(context.Background(), []string{
		name, "register",
		"--affine", "/data/prev/affine_matrix.txt",
		"--deformed", "/data/prev/pred_deformed.nii.gz",
		"--temp-root", t.TempDir(),
		"--delete-temp",
	})
	require.NoError(t, err)
	assert.Zero(t, runner.affineCalls+runner.deformableCalls)
	assert.Contains(t, stdout.String(), "Deformed volume: /data/prev/pred_deformed.nii.gz")
}

func TestRegisterRequiresVolumes(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{})
	err := app.Command().Run(context.Background(), []string{name, "register", "--fixed", "only.nii.gz"})
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeInvalidRequest))
}

func TestRegisterMissingFile(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{})
	err := app.Command().Run(context.Background(), []string{
		name, "register", "--fixed", "/nonexistent/a.nii.gz", "--moving", "/nonexistent/b.nii.gz",
	})
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeInvalidRequest))
}

func TestRegisterStageFailure(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	runner := &fakeRunner{err: regerrors.New(regerrors.ErrCodeProcessFailed, "linear exited with status 1")}
	app, stdout := newTestApp(runner)

	err := app.Command().Run(context.Background(), []string{
		name, "register", "--fixed", fixedPath, "--moving", movingPath, "--temp-root", t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Equal(t, 0, runner.deformableCalls, "a failed affine stage is fatal")
	assert.Contains(t, stdout.String(), "Registration failed!")
}

func TestRegisterConflictingTempFlags(t *testing.T) {
	app, _ := newTestApp(&fakeRunner{})
	err := app.Command().Run(context.Background(), []string{name, "register", "--delete-temp", "--keep-temp"})
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeInvalidRequest))
}

func TestRegisterConfigFile(t *testing.T) {
	fixedPath, movingPath := writeVolumes(t)
	cfgPath := filepath.Join(t.TempDir(), "deedsreg.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("registration:\n  regularisation: 2.0\n  numLevels: 3\npipeline:\n  includeAffineStep: false\n"), 0644))

	runner := &fakeRunner{}
	app, _ := newTestApp(runner)
	err := app.Command().Run(context.Background(), []string{
		name, "register", "--config", cfgPath, "--fixed", fixedPath, "--moving", movingPath,
		"--temp-root", t.TempDir(), "--regularisation", "0.5",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, runner.affineCalls)
	assert.Equal(t, 3, runner.lastParams.NumLevels)
	assert.Equal(t, 0.5, runner.lastParams.Regularisation, "flags override the config file")
}

func TestInitConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deedsreg.yaml")
	app, stdout := newTestApp(&fakeRunner{})

	require.NoError(t, app.Command().Run(context.Background(), []string{name, "init-config", path}))
	assert.FileExists(t, path)
	assert.Contains(t, stdout.String(), path)

	err := app.Command().Run(context.Background(), []string{name, "init-config", path})
	assert.Error(t, err, "existing file must not be overwritten without --force")

	require.NoError(t, app.Command().Run(context.Background(), []string{name, "init-config", "--force", path}))
}

func TestVersionCommand(t *testing.T) {
	app, stdout := newTestApp(&fakeRunner{})
	require.NoError(t, app.Command().Run(context.Background(), []string{name, "version"}))
	assert.True(t, strings.HasPrefix(stdout.String(), name+" "+version))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(regerrors.New(regerrors.ErrCodeInternal, "boom")))
	assert.Equal(t, exitCancelled, ExitCode(regerrors.New(regerrors.ErrCodeCancelled, "stop")))
}

package stage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/locator"
	"deedsreg/pkg/logging"
	"deedsreg/pkg/process"
)

// fakeLocator maps executable names to fixed paths.
type fakeLocator map[string]string

func (f fakeLocator) Locate(name string) (string, error) {
	if p, ok := f[name]; ok {
		return p, nil
	}
	return "", locator.NewExecutableNotFoundError(name, nil)
}

// recordingExecutor captures commands and replays canned output lines.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []process.Command
	output   []string
	err      error
}

func (e *recordingExecutor) Execute(cmd process.Command, cancel <-chan struct{}, onLine process.LineFunc) error {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()
	for _, line := range e.output {
		if onLine != nil {
			onLine(line)
		}
	}
	return e.err
}

var binaries = fakeLocator{
	locator.AffineExecutable:     "/opt/deeds/bin/linear",
	locator.DeformableExecutable: "/opt/deeds/bin/deeds",
}

func TestAffineArgs(t *testing.T) {
	got := AffineArgs("/w/moving.nii.gz", "/w/fixed.nii.gz", "/w/outputs")
	want := []string{"-F", "/w/fixed.nii.gz", "-M", "/w/moving.nii.gz", "-O", filepath.Join("/w/outputs", "affine")}
	assert.Equal(t, want, got)
}

func TestDeformableArgs(t *testing.T) {
	p := models.DefaultRegistrationParameters()

	withoutAffine := DeformableArgs("m", "f", "out", "", p)
	assert.NotContains(t, withoutAffine, "-A")
	assert.Equal(t, []string{
		"-F", "f", "-M", "m", "-O", filepath.Join("out", "pred"),
		"-a", "1.600", "-l", "5", "-G", "8x7x6x5x4", "-L", "8x7x6x5x4", "-Q", "5x4x3x2x1",
	}, withoutAffine)

	withAffine := DeformableArgs("m", "f", "out", "out/affine_matrix.txt", p)
	require.Len(t, withAffine, len(withoutAffine)+2)
	assert.Equal(t, []string{"-A", "out/affine_matrix.txt"}, withAffine[len(withAffine)-2:])
}

func TestRunAffine(t *testing.T) {
	exec := &recordingExecutor{output: []string{"affine iteration 1"}}
	sink := &logging.Lines{}
	r := NewRunner(binaries, exec, sink)
	r.Environ = []string{"PATH=/usr/bin"}

	got, err := r.RunAffine("/w/moving.nii.gz", "/w/fixed.nii.gz", "/w/outputs", models.DefaultRegistrationParameters(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/w/outputs", AffineMatrixFilename), got)

	require.Len(t, exec.commands, 1)
	cmd := exec.commands[0]
	assert.Equal(t, "/opt/deeds/bin/linear", cmd.Path)
	assert.Contains(t, cmd.Env[0], "/opt/deeds/bin")
	assert.True(t, sink.Contains("affine iteration 1"), "output must be forwarded")
}

func TestRunDeformableCreatesOutputFolder(t *testing.T) {
	work := t.TempDir()
	fixed := filepath.Join(work, "fixed.nii.gz")
	moving := filepath.Join(work, "moving.nii.gz")

	exec := &recordingExecutor{}
	r := NewRunner(binaries, exec, nil)

	got, err := r.RunDeformable(moving, fixed, "", models.DefaultRegistrationParameters(), nil)
	require.NoError(t, err)

	outFolder := filepath.Join(work, OutputFolder)
	assert.Equal(t, filepath.Join(outFolder, "pred_deformed.nii.gz"), got)
	info, err := os.Stat(outFolder)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.Len(t, exec.commands, 1)
	args := strings.Join(exec.commands[0].Args, " ")
	assert.Contains(t, args, "-O "+filepath.Join(outFolder, "pred"))
	assert.NotContains(t, args, "-A")
}

func TestRunDeformableRejectsBadParams(t *testing.T) {
	exec := &recordingExecutor{}
	r := NewRunner(binaries, exec, nil)

	p := models.DefaultRegistrationParameters()
	p.StepQuantisation = 3
	_, err := r.RunDeformable("m", filepath.Join(t.TempDir(), "f"), "", p, nil)
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeInvalidRequest))
	assert.Empty(t, exec.commands, "nothing may be launched for invalid parameters")
}

func TestRunPropagatesFailures(t *testing.T) {
	procErr := regerrors.Wrap(regerrors.ErrCodeProcessFailed, "sub-process failed",
		&process.ExternalProcessError{Path: "linear", ExitCode: 1})
	r := NewRunner(binaries, &recordingExecutor{err: procErr}, nil)

	_, err := r.RunAffine("m", "f", "out", models.DefaultRegistrationParameters(), nil)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeProcessFailed))

	missing := NewRunner(fakeLocator{}, &recordingExecutor{}, nil)
	_, err = missing.RunAffine("m", "f", "out", models.DefaultRegistrationParameters(), nil)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeNotFound))
}

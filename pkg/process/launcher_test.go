package process

import (
	stderrors "errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	regerrors "deedsreg/pkg/errors"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

// helperCommand re-executes the test binary as a fake registration binary.
func helperCommand(mode string, args ...string) Command {
	return Command{
		Path: os.Args[0],
		Args: append([]string{"-test.run=TestHelperProcess", "--", mode}, args...),
		Env:  append(os.Environ(), helperEnv+"=1"),
	}
}

// TestHelperProcess is not a real test. It is the child side of helperCommand.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	mode, rest := args[1], args[2:]

	switch mode {
	case "echo":
		fmt.Fprintln(os.Stdout, "level 1 of 5")
		fmt.Fprintln(os.Stderr, "warning on stderr")
		fmt.Fprintln(os.Stdout, "level 2 of 5  ")
		for _, a := range rest {
			fmt.Fprintln(os.Stdout, "arg "+a)
		}
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "cannot read input image")
		os.Exit(3)
	case "hang":
		fmt.Fprintln(os.Stdout, "started")
		time.Sleep(time.Hour)
	case "silent":
		time.Sleep(time.Hour)
	case "longline":
		fmt.Fprintln(os.Stdout, strings.Repeat("x", 2*maxLineSize))
		fmt.Fprintln(os.Stdout, "level 1 of 5")
		os.Exit(0)
	case "badutf8":
		os.Stdout.Write([]byte{'o', 'k', 0xff, 0xfe, '\n'})
		os.Exit(0)
	}
	os.Exit(0)
}

// recorder is an onLine callback safe for use from the supervising goroutine.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestExecuteStreamsCombinedOutput(t *testing.T) {
	var rec recorder
	err := NewLauncher(nil).Execute(helperCommand("echo", "-a", "1.600"), nil, rec.add)
	require.NoError(t, err)

	lines := rec.all()
	assert.Equal(t, []string{
		"level 1 of 5",
		"warning on stderr",
		"level 2 of 5",
		"arg -a",
		"arg 1.600",
		MsgExited,
		MsgWaiting,
	}, lines)
}

func TestExecuteNonZeroExit(t *testing.T) {
	err := NewLauncher(nil).Execute(helperCommand("fail"), nil, nil)
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeProcessFailed))

	var procErr *ExternalProcessError
	require.True(t, stderrors.As(err, &procErr))
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Output, "cannot read input image")
}

func TestExecuteNonZeroExitStreamed(t *testing.T) {
	var rec recorder
	err := NewLauncher(nil).Execute(helperCommand("fail"), nil, rec.add)

	var procErr *ExternalProcessError
	require.True(t, stderrors.As(err, &procErr))
	assert.Empty(t, procErr.Output, "streamed output is not buffered")
	assert.Contains(t, rec.all(), "cannot read input image")
}

func TestExecuteMissingBinary(t *testing.T) {
	err := NewLauncher(nil).Execute(Command{Path: "/nonexistent/deeds"}, nil, nil)
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeNotFound))
}

func TestSuperviseKillsOnCancel(t *testing.T) {
	p, err := NewLauncher(nil).Start(helperCommand("hang"))
	require.NoError(t, err)

	cancel := make(chan struct{})
	var once sync.Once
	var rec recorder
	onLine := func(line string) {
		rec.add(line)
		if line == "started" {
			once.Do(func() { close(cancel) })
		}
	}

	done := make(chan error, 1)
	go func() { done <- p.Supervise(cancel, onLine) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a failure")
	case <-time.After(10 * time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
	assert.Contains(t, rec.all(), MsgKilled)
	assert.NotEqual(t, 0, p.ExitCode())
}

func TestSuperviseKillsSilentChild(t *testing.T) {
	p, err := NewLauncher(nil).Start(helperCommand("silent"))
	require.NoError(t, err)

	cancel := make(chan struct{})
	time.AfterFunc(100*time.Millisecond, func() { close(cancel) })

	start := time.Now()
	require.NoError(t, p.Supervise(cancel, nil))
	assert.Less(t, time.Since(start), 10*time.Second, "kill must not wait for output")
}

func TestSuperviseAlreadyCancelled(t *testing.T) {
	p, err := NewLauncher(nil).Start(helperCommand("hang"))
	require.NoError(t, err)

	cancel := make(chan struct{})
	close(cancel)

	var rec recorder
	require.NoError(t, p.Supervise(cancel, rec.add))
	assert.Equal(t, MsgKilled, rec.all()[0])
}

func TestSuperviseReplacesInvalidUTF8(t *testing.T) {
	var rec recorder
	require.NoError(t, NewLauncher(nil).Execute(helperCommand("badutf8"), nil, rec.add))
	assert.Equal(t, "ok\uFFFD", rec.all()[0])
}

func TestSuperviseSplitsLongLines(t *testing.T) {
	var rec recorder
	err := NewLauncher(nil).Execute(helperCommand("longline"), nil, rec.add)
	require.NoError(t, err, "a long line must not break the output stream")

	lines := rec.all()
	require.Len(t, lines, 5)
	total := 0
	for _, l := range lines[:2] {
		assert.LessOrEqual(t, len(l), maxLineSize)
		total += len(l)
	}
	assert.Equal(t, 2*maxLineSize, total)
	assert.Equal(t, []string{"level 1 of 5", MsgExited, MsgWaiting}, lines[2:])
}

func TestSuperviseReportsExternalKill(t *testing.T) {
	p, err := NewLauncher(nil).Start(helperCommand("hang"))
	require.NoError(t, err)
	require.NoError(t, p.cmd.Process.Kill())

	err = p.Supervise(nil, nil)
	require.Error(t, err)
	assert.True(t, regerrors.IsCode(err, regerrors.ErrCodeProcessFailed))

	var procErr *ExternalProcessError
	require.True(t, stderrors.As(err, &procErr))
	assert.NotEmpty(t, procErr.State)
	assert.Contains(t, procErr.Error(), procErr.State)
	if runtime.GOOS != "windows" {
		assert.Equal(t, -1, procErr.ExitCode)
		assert.Contains(t, procErr.State, "signal")
	}
}

func TestBinEnv(t *testing.T) {
	environ := []string{"HOME=/home/u", "PATH=/usr/bin", "EMPTY"}

	got := binEnv("linux", "/opt/deeds/bin", environ)
	assert.Contains(t, got, "PATH=/opt/deeds/bin"+string(os.PathListSeparator)+"/usr/bin")
	assert.Contains(t, got, "LD_LIBRARY_PATH=/opt/deeds/lib")
	assert.Equal(t, "PATH=/usr/bin", environ[1], "input must not be modified")

	win := binEnv("windows", `C:\deeds\bin`, []string{"Path=C:\\Windows"})
	assert.Len(t, win, 1)
	assert.Contains(t, win[0], `Path=C:\deeds\bin`)
}

func TestCommandString(t *testing.T) {
	c := Command{Path: "/bin/linear", Args: []string{"-F", "f.nii.gz"}}
	assert.Equal(t, "/bin/linear -F f.nii.gz", c.String())
}

package process

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"

	regerrors "deedsreg/pkg/errors"
)

// maxLineSize is the longest line delivered in one piece. Longer lines are
// split, never dropped.
const maxLineSize = 1024 * 1024

// Milestone lines emitted around the read loop.
const (
	MsgExited  = "Sub-process exited"
	MsgKilled  = "Sub-process killed"
	MsgWaiting = "Waiting for sub-process return code"
)

// ExternalProcessError is returned when a child exits with non-zero status
// without having been cancelled.
type ExternalProcessError struct {
	Path     string
	ExitCode int

	// State is the OS description of the exit, e.g. "signal: killed"
	State  string
	Output string
}

func (e *ExternalProcessError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s failed: %s", e.Path, e.State)
	}
	return fmt.Sprintf("%s exited with status %d", e.Path, e.ExitCode)
}

// Launcher starts commands as OS sub-processes.
type Launcher struct {
	// Logger receives milestones and launch records; slog.Default() when nil
	Logger *slog.Logger
}

// NewLauncher creates a launcher logging through logger.
func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{Logger: logger}
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Process is a started child with its combined output stream.
type Process struct {
	cmd    *exec.Cmd
	path   string
	stdout io.ReadCloser
	logger *slog.Logger
}

// Start launches cmd with stdout and stderr merged into one pipe.
func (l *Launcher) Start(cmd Command) (*Process, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	if cmd.Env != nil {
		c.Env = cmd.Env
	}
	c.Dir = cmd.Dir
	c.SysProcAttr = sysProcAttr()

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, regerrors.Wrap(regerrors.ErrCodeInternal, "failed to create output pipe", err)
	}
	// same writer, so exec hands the child a single descriptor for both
	c.Stderr = c.Stdout

	l.logger().Info("launching sub-process", "command", cmd.String())
	if err := c.Start(); err != nil {
		code := regerrors.ErrCodeInternal
		if stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist) {
			code = regerrors.ErrCodeNotFound
		}
		return nil, regerrors.WrapWithContext(code, "failed to start sub-process", err,
			map[string]any{"path": cmd.Path})
	}

	return &Process{
		cmd:    c,
		path:   cmd.Path,
		stdout: stdout,
		logger: l.logger(),
	}, nil
}

// Execute starts cmd and supervises it to completion.
func (l *Launcher) Execute(cmd Command, cancel <-chan struct{}, onLine LineFunc) error {
	p, err := l.Start(cmd)
	if err != nil {
		return err
	}
	return p.Supervise(cancel, onLine)
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ExitCode returns the exit status after Supervise returned, or -1 when the
// child was terminated by a signal or has not been waited for.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Supervise streams output lines to onLine until the child closes its output
// or cancel is closed, in which case the child is killed. It then waits for
// the exit status. A nil onLine buffers the output for the error value.
func (p *Process) Supervise(cancel <-chan struct{}, onLine LineFunc) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(p.stdout, maxLineSize)
		continued := false
		for {
			// a line longer than the buffer arrives in maxLineSize chunks
			chunk, isPrefix, err := reader.ReadLine()
			if len(chunk) > 0 || (err == nil && !continued) {
				line := strings.ToValidUTF8(strings.TrimRight(string(chunk), " \t\r"), "\uFFFD")
				select {
				case lines <- line:
				case <-stop:
					return
				}
			}
			continued = isPrefix
			if err != nil {
				if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, fs.ErrClosed) {
					p.logger.Debug("output stream ended with error", "path", p.path, "error", err)
				}
				return
			}
		}
	}()

	var buffered strings.Builder
	killed := false

loop:
	for {
		// a pending cancel wins over pending output
		select {
		case <-cancel:
			killed = p.kill(onLine)
			break loop
		default:
		}

		select {
		case line, ok := <-lines:
			if !ok {
				p.milestone(onLine, MsgExited)
				break loop
			}
			if onLine != nil {
				onLine(line)
			} else {
				buffered.WriteString(line)
				buffered.WriteByte('\n')
			}
		case <-cancel:
			killed = p.kill(onLine)
			break loop
		}
	}

	_ = p.stdout.Close()
	p.milestone(onLine, MsgWaiting)
	waitErr := p.cmd.Wait()

	if killed || isClosed(cancel) {
		return nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		return nil
	case stderrors.As(waitErr, &exitErr):
		output := buffered.String()
		if output != "" {
			p.logger.Warn("sub-process output", "path", p.path, "output", output)
		}
		return regerrors.WrapWithContext(regerrors.ErrCodeProcessFailed, "sub-process failed",
			&ExternalProcessError{
				Path:     p.path,
				ExitCode: exitErr.ExitCode(),
				State:    exitErr.ProcessState.String(),
				Output:   output,
			},
			map[string]any{"path": p.path, "exitCode": exitErr.ExitCode(), "state": exitErr.ProcessState.String()})
	default:
		return regerrors.Wrap(regerrors.ErrCodeInternal, "failed to wait for sub-process", waitErr)
	}
}

// kill terminates the child and reports whether the signal was delivered.
func (p *Process) kill(onLine LineFunc) bool {
	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, fs.ErrClosed) {
		p.logger.Warn("failed to kill sub-process", "path", p.path, "error", err)
	}
	p.milestone(onLine, MsgKilled)
	return true
}

func (p *Process) milestone(onLine LineFunc, msg string) {
	p.logger.Info(msg, "path", p.path)
	if onLine != nil {
		onLine(msg)
	}
}

// isClosed reports whether ch is closed without blocking. A nil channel is open.
func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

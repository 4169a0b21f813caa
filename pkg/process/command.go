// Package process launches the registration binaries and supervises them:
// combined stdout/stderr is streamed line by line, and a closed cancel channel
// kills the child.
package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Command describes one external invocation. No shell is involved.
type Command struct {
	// Path is the absolute executable path
	Path string

	// Args are passed verbatim, excluding argv[0]
	Args []string

	// Env replaces the child environment when non-nil
	Env []string

	// Dir is the working directory, or the current one when empty
	Dir string
}

// String renders the command for log lines.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// LineFunc receives one line of child output.
type LineFunc func(line string)

// Executor runs a command to completion. A nil onLine buffers output, which
// is surfaced only on failure. Closing cancel kills the child and is not an error.
type Executor interface {
	Execute(cmd Command, cancel <-chan struct{}, onLine LineFunc) error
}

// BinEnv returns environ with binDir prepended to PATH and, outside Windows,
// binDir/../lib prepended to LD_LIBRARY_PATH so bundled shared libraries resolve.
func BinEnv(binDir string, environ []string) []string {
	return binEnv(runtime.GOOS, binDir, environ)
}

func binEnv(goos, binDir string, environ []string) []string {
	env := make([]string, len(environ))
	copy(env, environ)

	env = prependEnv(env, "PATH", binDir, goos == "windows")
	if goos != "windows" {
		libDir := filepath.Clean(filepath.Join(binDir, "..", "lib"))
		env = prependEnv(env, "LD_LIBRARY_PATH", libDir, false)
	}
	return env
}

// prependEnv puts value at the front of the list variable key, creating it if absent.
func prependEnv(env []string, key, value string, foldCase bool) []string {
	sep := string(os.PathListSeparator)
	for i, kv := range env {
		name, current, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name == key || (foldCase && strings.EqualFold(name, key)) {
			if current == "" {
				env[i] = name + "=" + value
			} else {
				env[i] = name + "=" + value + sep + current
			}
			return env
		}
	}
	return append(env, key+"="+value)
}

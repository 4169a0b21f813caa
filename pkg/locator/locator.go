// Package locator finds the registration binaries shipped next to deedsreg.
//
// Candidate directories are probed in a fixed order: the install tree first,
// then the build-tree layouts produced by the native build (plain, Release,
// Debug, RelWithDebInfo, MinSizeRel). The first directory holding the
// requested executable wins.
package locator

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	regerrors "deedsreg/pkg/errors"
)

const (
	// AffineExecutable is the linear pre-registration binary
	AffineExecutable = "linear"

	// DeformableExecutable is the deformable registration binary
	DeformableExecutable = "deeds"
)

// ExecutableName appends the platform executable suffix.
func ExecutableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// DefaultCandidates returns the ordered search list relative to baseDir, the
// directory the deedsreg binary is installed in.
func DefaultCandidates(baseDir string) []string {
	buildBin := filepath.Join(baseDir, "..", "..", "bin")
	return []string{
		// install tree
		baseDir,
		filepath.Join(baseDir, ".."),
		filepath.Join(baseDir, "..", "bin"),
		// build tree
		buildBin,
		filepath.Join(buildBin, "Release"),
		filepath.Join(buildBin, "Debug"),
		filepath.Join(buildBin, "RelWithDebInfo"),
		filepath.Join(buildBin, "MinSizeRel"),
		filepath.Join(baseDir, "..", "..", "build", "bin"),
	}
}

// Locator resolves executables against an ordered candidate list and caches hits.
type Locator struct {
	candidates []string

	mu    sync.Mutex
	cache map[string]string
}

// New creates a locator over the given candidate directories, in order.
func New(candidates ...string) *Locator {
	return &Locator{
		candidates: candidates,
		cache:      make(map[string]string),
	}
}

// executable is swapped in tests
var executable = os.Executable

// NewFromExecutable builds a locator rooted at the running binary's directory.
// A non-empty override directory is searched before the defaults.
func NewFromExecutable(override string) (*Locator, error) {
	exe, err := executable()
	if err != nil {
		return nil, regerrors.Wrap(regerrors.ErrCodeInternal, "failed to get executable path", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	candidates := DefaultCandidates(filepath.Dir(exe))
	if override != "" {
		candidates = append([]string{override}, candidates...)
	}
	return New(candidates...), nil
}

// Candidates returns a copy of the search list.
func (l *Locator) Candidates() []string {
	out := make([]string, len(l.candidates))
	copy(out, l.candidates)
	return out
}

// Locate returns the absolute path of the named executable from the first
// candidate directory that contains it.
func (l *Locator) Locate(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if path, ok := l.cache[name]; ok {
		return path, nil
	}

	filename := ExecutableName(name)
	for _, dir := range l.candidates {
		candidate := filepath.Join(dir, filename)
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			abs = filepath.Clean(candidate)
		}
		l.cache[name] = abs
		return abs, nil
	}

	return "", NewExecutableNotFoundError(filename, l.candidates)
}

// NewExecutableNotFoundError reports that no candidate holds the executable.
func NewExecutableNotFoundError(name string, candidates []string) error {
	return regerrors.NewWithContext(regerrors.ErrCodeNotFound,
		fmt.Sprintf("executable %q not found", name),
		map[string]any{"candidates": candidates})
}

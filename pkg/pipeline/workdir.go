package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	regerrors "deedsreg/pkg/errors"
)

// workDirParent groups all run directories under the temp root
const workDirParent = "deedsBCV"

// WorkDirName formats <yyyyMMdd_HHmmss_mmm>-<8 hex chars of id>.
func WorkDirName(now time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s_%03d-%s",
		now.Format("20060102_150405"),
		now.Nanosecond()/int(time.Millisecond),
		id.String()[:8])
}

// NewWorkDir creates a fresh run directory under tempRoot, or os.TempDir()
// when tempRoot is empty. An existing directory of the same name is an error.
func NewWorkDir(tempRoot string, now time.Time, id uuid.UUID) (string, error) {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}

	parent := filepath.Join(tempRoot, workDirParent)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", regerrors.Wrap(regerrors.ErrCodeInternal, "failed to create temp root", err)
	}

	dir := filepath.Join(parent, WorkDirName(now, id))
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", regerrors.WrapWithContext(regerrors.ErrCodeInternal, "failed to create working directory", err,
			map[string]any{"dir": dir})
	}
	return dir, nil
}

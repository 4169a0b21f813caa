package volume

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/nifti"
)

const (
	// FixedFilename is the prepared fixed volume inside the working directory
	FixedFilename = "fixed.nii.gz"

	// MovingFilename is the prepared moving volume inside the working directory
	MovingFilename = "moving.nii.gz"
)

// Write serialises both prepared volumes into dir, each keeping its own
// affine header. The two files are written concurrently.
func Write(ctx context.Context, dir string, fixed, moving *models.Volume) (fixedPath, movingPath string, err error) {
	fixedPath = filepath.Join(dir, FixedFilename)
	movingPath = filepath.Join(dir, MovingFilename)

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range []struct {
		path string
		vol  *models.Volume
	}{
		{fixedPath, fixed},
		{movingPath, moving},
	} {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := nifti.Write(job.path, job.vol); err != nil {
				return regerrors.WrapWithContext(regerrors.ErrCodeInternal,
					"failed to write volume", err, map[string]any{"path": job.path})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return fixedPath, movingPath, nil
}

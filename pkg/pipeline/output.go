package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
	"deedsreg/pkg/nifti"
	"deedsreg/pkg/params"
	"deedsreg/pkg/preview"
	"deedsreg/pkg/quality"
	"deedsreg/pkg/stage"
	"deedsreg/pkg/volume"
)

const (
	// ParamsFilename records the five registration parameters
	ParamsFilename = "params.txt"

	// PreviewFolder holds slice images inside the output folder
	PreviewFolder = "previews"
)

// finalize copies the run artifacts into the configured output folder.
func (c *Controller) finalize(logger *slog.Logger, workDir string, req Request, res result) error {
	c.state.setPhase(PhaseFinalizing)

	dest := req.Config.OutputFolder
	if err := os.MkdirAll(dest, 0755); err != nil {
		return regerrors.Wrap(regerrors.ErrCodeInternal, "failed to create output folder", err)
	}

	artifacts := []struct {
		name   string
		actual string
	}{
		{volume.FixedFilename, ""},
		{volume.MovingFilename, ""},
		{stage.DeformedFilename, res.deformedPath},
		{stage.AffineMatrixFilename, res.affinePath},
	}
	for _, a := range artifacts {
		src, ok := locateArtifact(workDir, a.name, a.actual)
		if !ok {
			c.sink.Log(fmt.Sprintf("Cannot copy %s to output folder!", a.name))
			continue
		}
		if err := copyFile(src, filepath.Join(dest, a.name)); err != nil {
			return err
		}
		logger.Debug("copied artifact", "src", src, "dest", dest)
	}

	if err := writeParams(dest, req.Params); err != nil {
		return err
	}

	if c.previews || c.quality {
		c.inspect(logger, dest, req, res)
	}
	return nil
}

// locateArtifact searches the working directory root, then its outputs
// folder, then the stage's reported path.
func locateArtifact(workDir, name, actual string) (string, bool) {
	candidates := []string{
		filepath.Join(workDir, name),
		filepath.Join(workDir, stage.OutputFolder, name),
	}
	if actual != "" {
		candidates = append(candidates, actual)
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// copyFile copies src to dst. Copying a file onto itself is a no-op.
func copyFile(src, dst string) (err error) {
	if srcInfo, serr := os.Stat(src); serr == nil {
		if dstInfo, derr := os.Stat(dst); derr == nil && os.SameFile(srcInfo, dstInfo) {
			return nil
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return regerrors.Wrap(regerrors.ErrCodeInternal, fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return regerrors.Wrap(regerrors.ErrCodeInternal, fmt.Sprintf("failed to create %s", dst), err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = regerrors.Wrap(regerrors.ErrCodeInternal, fmt.Sprintf("failed to close %s", dst), cerr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return regerrors.Wrap(regerrors.ErrCodeInternal, fmt.Sprintf("failed to copy %s", src), err)
	}
	return nil
}

// writeParams writes the comma-separated parameter record, without a newline.
func writeParams(dir string, p models.RegistrationParameters) error {
	path := filepath.Join(dir, ParamsFilename)
	if err := os.WriteFile(path, []byte(params.FormatRecord(p)), 0644); err != nil {
		return regerrors.Wrap(regerrors.ErrCodeInternal, "failed to write params.txt", err)
	}
	return nil
}

// inspect writes previews and the quality report. Problems are reported to
// the sink but never fail the run.
func (c *Controller) inspect(logger *slog.Logger, dest string, req Request, res result) {
	fixed, moving := res.fixed, res.moving
	if fixed == nil && req.Fixed != nil && req.Moving != nil {
		var err error
		if fixed, moving, err = volume.Prepare(req.Fixed, req.Moving); err != nil {
			logger.Warn("cannot prepare volumes for inspection", "error", err)
		}
	}

	var deformed *models.Volume
	if res.deformedPath != "" {
		v, err := nifti.Read(res.deformedPath)
		if err != nil {
			c.sink.Log(fmt.Sprintf("Cannot read %s for inspection", res.deformedPath))
			logger.Warn("cannot read deformed volume", "path", res.deformedPath, "error", err)
		} else {
			deformed = v
		}
	}

	if c.previews {
		c.writePreviews(logger, filepath.Join(dest, PreviewFolder), fixed, moving, deformed)
	}

	if c.quality && fixed != nil {
		report, err := quality.Evaluate(fixed, moving, deformed)
		if err != nil {
			c.sink.Log(fmt.Sprintf("Cannot evaluate registration quality: %v", err))
			return
		}
		path, err := quality.WriteReport(dest, report)
		if err != nil {
			c.sink.Log(fmt.Sprintf("Cannot write %s: %v", quality.ReportFilename, err))
			return
		}
		if report.Before != nil {
			c.sink.Log(fmt.Sprintf("Quality before: %s", report.Before))
		}
		if report.After != nil {
			c.sink.Log(fmt.Sprintf("Quality after: %s", report.After))
		}
		logger.Info("quality report written", "path", path, "improved", report.Improved())
	}
}

func (c *Controller) writePreviews(logger *slog.Logger, dir string, fixed, moving, deformed *models.Volume) {
	volumes := []struct {
		prefix string
		v      *models.Volume
	}{
		{"fixed", fixed},
		{"moving", moving},
		{"deformed", deformed},
	}
	for _, entry := range volumes {
		if entry.v == nil {
			continue
		}
		viewer, err := preview.NewViewer(entry.v)
		if err == nil {
			_, err = viewer.SaveCentralSlices(dir, entry.prefix, c.previewFormat)
		}
		if err != nil {
			c.sink.Log(fmt.Sprintf("Cannot write %s previews: %v", entry.prefix, err))
			logger.Warn("preview failed", "volume", entry.prefix, "error", err)
		}
	}
}

// Package preview renders orthogonal slices of a volume as grayscale images so
// a registration result can be inspected without a NIfTI viewer.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"

	"deedsreg/internal/models"
)

// Axis names the plane a slice is cut from.
type Axis string

const (
	// Sagittal cuts at a fixed x (width) and yields a depth x height image
	Sagittal Axis = "x"
	// Coronal cuts at a fixed y (height) and yields a width x depth image
	Coronal Axis = "y"
	// Axial cuts at a fixed z (depth) and yields a width x height image
	Axial Axis = "z"
)

// Name returns the anatomical plane name used in file names.
func (a Axis) Name() string {
	switch a {
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	case Axial:
		return "axial"
	}
	return string(a)
}

// Format selects the image encoding.
type Format string

const (
	PNG  Format = "png"
	TIFF Format = "tiff"
)

// Viewer extracts slices of a volume with a fixed intensity window.
type Viewer struct {
	volume *models.Volume

	// intensity window mapped onto the 16-bit gray range
	lo, hi float64

	// spacing is the voxel size along (x, y, z) in mm
	spacing [3]float64
}

// NewViewer creates a viewer windowed to the volume's min-max range.
func NewViewer(v *models.Volume) (*Viewer, error) {
	if v == nil || len(v.Data) == 0 {
		return nil, fmt.Errorf("volume is empty")
	}
	if len(v.Data) != v.Depth*v.Height*v.Width {
		return nil, fmt.Errorf("volume data length %d does not match shape %v", len(v.Data), v.Shape())
	}

	viewer := &Viewer{
		volume: v,
		lo:     floats.Min(v.Data),
		hi:     floats.Max(v.Data),
	}

	affine := v.AffineOrIdentity()
	for axis := 0; axis < 3; axis++ {
		norm := math.Sqrt(affine[0][axis]*affine[0][axis] + affine[1][axis]*affine[1][axis] + affine[2][axis]*affine[2][axis])
		if norm == 0 || math.IsNaN(norm) {
			norm = 1
		}
		viewer.spacing[axis] = norm
	}
	return viewer, nil
}

// gray maps an intensity through the window
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	scaled := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice at the given position along axis.
func (v *Viewer) ExtractSlice(axis Axis, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray16
	switch axis {
	case Sagittal:
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.At(z, y, position)))
			}
		}

	case Coronal:
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.At(z, position, x)))
			}
		}

	case Axial:
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.At(position, y, x)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// pixelSpacing returns the (horizontal, vertical) voxel size of a slice image
func (v *Viewer) pixelSpacing(axis Axis) (float64, float64) {
	switch axis {
	case Sagittal:
		return v.spacing[2], v.spacing[1]
	case Coronal:
		return v.spacing[0], v.spacing[2]
	default:
		return v.spacing[0], v.spacing[1]
	}
}

// Resample stretches a slice so each pixel covers a square in millimetres.
// The finer spacing of the two in-plane axes is kept.
func (v *Viewer) Resample(axis Axis, img *image.Gray16) *image.Gray16 {
	sx, sy := v.pixelSpacing(axis)
	if sx == sy {
		return img
	}

	b := img.Bounds()
	unit := math.Min(sx, sy)
	w := int(math.Round(float64(b.Dx()) * sx / unit))
	h := int(math.Round(float64(b.Dy()) * sy / unit))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	out := image.NewGray16(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Over, nil)
	return out
}

// SaveSlice encodes img to filename; the format follows the extension
// (.tif/.tiff or PNG otherwise).
func SaveSlice(img image.Image, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".tif" || ext == ".tiff" {
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return png.Encode(file, img)
}

// SaveCentralSlices writes the middle axial, coronal and sagittal slices to
// outputDir as <prefix>_<plane>.<format> and returns the written paths.
func (v *Viewer) SaveCentralSlices(outputDir, prefix string, format Format) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview folder: %w", err)
	}
	if format == "" {
		format = PNG
	}

	vol := v.volume
	centers := []struct {
		axis     Axis
		position int
	}{
		{Axial, vol.Depth / 2},
		{Coronal, vol.Height / 2},
		{Sagittal, vol.Width / 2},
	}

	paths := make([]string, 0, len(centers))
	for _, c := range centers {
		img, err := v.ExtractSlice(c.axis, c.position)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.%s", prefix, c.axis.Name(), format))
		if err := SaveSlice(v.Resample(c.axis, img), filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

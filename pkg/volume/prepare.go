// Package volume aligns the fixed and moving volumes along the depth axis and
// writes them to disk in a form the registration binaries accept.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
)

// options controls padding behaviour
type options struct {
	fill    float64
	hasFill bool
}

// Option customises Prepare.
type Option func(*options)

// WithFillValue pads with v instead of the shorter volume's minimum.
func WithFillValue(v float64) Option {
	return func(o *options) {
		o.fill = v
		o.hasFill = true
	}
}

// Padding describes the slices added to the shorter volume.
type Padding struct {
	// Bottom is the number of slices prepended along depth
	Bottom int

	// Top is the number of slices appended along depth
	Top int
}

// Total is Bottom + Top.
func (p Padding) Total() int {
	return p.Bottom + p.Top
}

// SplitPadding divides a depth difference into bottom = diff/2 and top = diff - bottom.
func SplitPadding(diff int) Padding {
	if diff < 0 {
		diff = -diff
	}
	bottom := diff / 2
	return Padding{Bottom: bottom, Top: diff - bottom}
}

// Prepare returns depth-aligned copies of fixed and moving.
//
// Volumes of equal depth are returned unchanged. Otherwise only the shorter
// one is padded along axis 0, filled with its own minimum intensity unless
// WithFillValue is given. Height and width must already match.
func Prepare(fixed, moving *models.Volume, opts ...Option) (*models.Volume, *models.Volume, error) {
	if err := checkVolume("fixed", fixed); err != nil {
		return nil, nil, err
	}
	if err := checkVolume("moving", moving); err != nil {
		return nil, nil, err
	}

	if fixed.Height != moving.Height || fixed.Width != moving.Width {
		return nil, nil, regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"fixed and moving volumes must share height and width",
			map[string]any{"fixed": fixed.Shape(), "moving": moving.Shape()})
	}

	if fixed.Depth == moving.Depth {
		return fixed, moving, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	padding := SplitPadding(fixed.Depth - moving.Depth)
	if fixed.Depth < moving.Depth {
		return PadDepth(fixed, padding, fillFor(fixed, o)), moving, nil
	}
	return fixed, PadDepth(moving, padding, fillFor(moving, o)), nil
}

// fillFor picks the constant used to pad v.
func fillFor(v *models.Volume, o options) float64 {
	if o.hasFill {
		return o.fill
	}
	return floats.Min(v.Data)
}

// PadDepth returns a new volume with padding.Bottom slices of fill before the
// data and padding.Top slices after it. The affine header is carried over.
func PadDepth(v *models.Volume, padding Padding, fill float64) *models.Volume {
	sliceLen := v.SliceLen()
	out := &models.Volume{
		Data:   make([]float64, (v.Depth+padding.Total())*sliceLen),
		Depth:  v.Depth + padding.Total(),
		Height: v.Height,
		Width:  v.Width,
		Affine: v.Affine,
	}

	start := padding.Bottom * sliceLen
	end := start + len(v.Data)
	for i := 0; i < start; i++ {
		out.Data[i] = fill
	}
	copy(out.Data[start:end], v.Data)
	for i := end; i < len(out.Data); i++ {
		out.Data[i] = fill
	}

	return out
}

// checkVolume rejects nil or inconsistently-sized volumes.
func checkVolume(name string, v *models.Volume) error {
	if v == nil {
		return regerrors.New(regerrors.ErrCodeInvalidRequest, fmt.Sprintf("%s volume is missing", name))
	}
	if v.Depth <= 0 || v.Height <= 0 || v.Width <= 0 {
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			fmt.Sprintf("%s volume has an empty dimension", name),
			map[string]any{"shape": v.Shape()})
	}
	if len(v.Data) != v.Depth*v.Height*v.Width {
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			fmt.Sprintf("%s volume data does not match its shape", name),
			map[string]any{"shape": v.Shape(), "voxels": len(v.Data)})
	}
	return nil
}

package models

// Volume represents a 3D image volume handed to the registration pipeline
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order,
	// indexed as (z*Height + y)*Width + x
	Data []float64

	// Depth is the number of slices (axis 0)
	Depth int

	// Height is the number of rows per slice (axis 1)
	Height int

	// Width is the number of columns per slice (axis 2)
	Width int

	// Affine is the voxel-to-world transform carried in the file header.
	// A nil Affine means identity.
	Affine *[4][4]float64
}

// NewVolume allocates a zero-filled volume with the given shape
func NewVolume(depth, height, width int) *Volume {
	return &Volume{
		Data:   make([]float64, depth*height*width),
		Depth:  depth,
		Height: height,
		Width:  width,
	}
}

// Shape returns the (depth, height, width) triple
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// SliceLen is the number of voxels in a single depth slice
func (v *Volume) SliceLen() int {
	return v.Height * v.Width
}

// Index returns the offset of voxel (z, y, x) in Data
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns the voxel value at (z, y, x)
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// AffineOrIdentity returns the header transform, or identity when unset
func (v *Volume) AffineOrIdentity() [4][4]float64 {
	if v.Affine != nil {
		return *v.Affine
	}
	return Identity()
}

// Identity returns the 4x4 identity transform
func Identity() [4][4]float64 {
	return [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

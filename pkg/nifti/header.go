// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Volumes are mapped with the NIfTI i axis on Volume.Width, j on Height and k on
// Depth, so Volume.Data is already in file order. Volume.Affine is the
// voxel (i, j, k) to world transform stored in the sform rows.
package nifti

import (
	"math"

	"deedsreg/internal/models"
)

const (
	headerSize = 348

	// voxOffset is the header plus the 4-byte extension flag
	voxOffset = 352

	magicSingleFile = "n+1\x00"
)

// NIfTI-1 datatype codes
const (
	dtUint8   int16 = 2
	dtInt16   int16 = 4
	dtInt32   int16 = 8
	dtFloat32 int16 = 16
	dtFloat64 int16 = 64
	dtInt8    int16 = 256
	dtUint16  int16 = 512
	dtUint32  int16 = 768
)

// sform/qform codes
const (
	xformUnknown int16 = 0
	xformAligned int16 = 2
)

// unitsMM is NIFTI_UNITS_MM in xyzt_units
const unitsMM = 2

// header1 mirrors the on-disk nifti_1_header layout (348 bytes, no padding).
type header1 struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// bytesPerVoxel returns the sample size for a datatype, or 0 if unsupported.
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	default:
		return 0
	}
}

// newHeader builds a float32 header for v.
func newHeader(v *models.Volume) header1 {
	affine := v.AffineOrIdentity()

	h := header1{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		QformCode: xformUnknown,
		SformCode: xformAligned,
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}

	h.Pixdim[0] = 1
	for col := 0; col < 3; col++ {
		h.Pixdim[col+1] = float32(columnNorm(affine, col))
	}

	for col := 0; col < 4; col++ {
		h.SrowX[col] = float32(affine[0][col])
		h.SrowY[col] = float32(affine[1][col])
		h.SrowZ[col] = float32(affine[2][col])
	}

	copy(h.Descrip[:], "deedsreg")
	copy(h.Magic[:], magicSingleFile)
	return h
}

// columnNorm is the voxel size implied by one affine column.
func columnNorm(a [4][4]float64, col int) float64 {
	return math.Sqrt(a[0][col]*a[0][col] + a[1][col]*a[1][col] + a[2][col]*a[2][col])
}

// affine reconstructs the voxel-to-world transform, preferring sform over qform
// and falling back to a pixdim scaling.
func (h *header1) affine() [4][4]float64 {
	if h.SformCode > 0 {
		a := models.Identity()
		for col := 0; col < 4; col++ {
			a[0][col] = float64(h.SrowX[col])
			a[1][col] = float64(h.SrowY[col])
			a[2][col] = float64(h.SrowZ[col])
		}
		return a
	}

	dx, dy, dz := pixdimOrOne(h.Pixdim[1]), pixdimOrOne(h.Pixdim[2]), pixdimOrOne(h.Pixdim[3])

	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// 180 degree rotation, renormalise (b, c, d)
			n := 1 / math.Sqrt(b*b+c*c+d*d)
			b, c, d = b*n, c*n, d*n
			a = 0
		} else {
			a = math.Sqrt(a)
		}

		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		dz *= qfac

		m := models.Identity()
		m[0][0], m[0][1], m[0][2] = (a*a+b*b-c*c-d*d)*dx, 2*(b*c-a*d)*dy, 2*(b*d+a*c)*dz
		m[1][0], m[1][1], m[1][2] = 2*(b*c+a*d)*dx, (a*a+c*c-b*b-d*d)*dy, 2*(c*d-a*b)*dz
		m[2][0], m[2][1], m[2][2] = 2*(b*d-a*c)*dx, 2*(c*d+a*b)*dy, (a*a+d*d-c*c-b*b)*dz
		m[0][3], m[1][3], m[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
		return m
	}

	m := models.Identity()
	m[0][0], m[1][1], m[2][2] = dx, dy, dz
	return m
}

func pixdimOrOne(v float32) float64 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 1
	}
	return float64(v)
}

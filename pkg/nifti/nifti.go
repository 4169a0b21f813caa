package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"deedsreg/internal/models"
)

// Write saves v to path. A ".gz" suffix selects gzip compression.
func Write(path string, v *models.Volume) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(bw)
		if err := Encode(zw, v); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	} else if err := Encode(bw, v); err != nil {
		return err
	}
	return bw.Flush()
}

// Encode writes v as an uncompressed NIfTI-1 stream with float32 samples.
func Encode(w io.Writer, v *models.Volume) error {
	if len(v.Data) != v.Depth*v.Height*v.Width {
		return fmt.Errorf("volume data length %d does not match shape %v", len(v.Data), v.Shape())
	}
	if v.Width > math.MaxInt16 || v.Height > math.MaxInt16 || v.Depth > math.MaxInt16 {
		return fmt.Errorf("volume shape %v exceeds NIfTI-1 dimension limits", v.Shape())
	}

	h := newHeader(v)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// no extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}

	buf := make([]byte, 4*v.SliceLen())
	sliceLen := v.SliceLen()
	for z := 0; z < v.Depth; z++ {
		slice := v.Data[z*sliceLen : (z+1)*sliceLen]
		for i, value := range slice {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(value)))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write slice %d: %w", z, err)
		}
	}
	return nil
}

// Read loads a NIfTI-1 image from path. Gzip input is detected from the stream.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	v, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return v, nil
}

// Decode parses a NIfTI-1 stream, optionally gzip-compressed. Multi-volume
// images yield their first volume.
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 header")
		}
		order = binary.BigEndian
	}

	var h header1
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if string(h.Magic[:3]) != magicSingleFile[:3] {
		return nil, fmt.Errorf("unsupported NIfTI magic %q", h.Magic[:3])
	}

	size := bytesPerVoxel(h.Datatype)
	if size == 0 {
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", h.Datatype)
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = voxOffset
	}
	if _, err := io.CopyN(io.Discard, br, offset-headerSize); err != nil {
		return nil, fmt.Errorf("failed to skip to voxel data: %w", err)
	}

	width, height, depth := dimOrOne(h, 1), dimOrOne(h, 2), dimOrOne(h, 3)
	v := models.NewVolume(depth, height, width)

	data := make([]byte, len(v.Data)*size)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	for i := range v.Data {
		v.Data[i] = sample(data[i*size:], h.Datatype, order)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}

	affine := h.affine()
	v.Affine = &affine
	return v, nil
}

// dimOrOne returns dim[i], treating missing or empty axes as length 1.
func dimOrOne(h header1, i int) int {
	if int(h.Dim[0]) < i || h.Dim[i] < 1 {
		return 1
	}
	return int(h.Dim[i])
}

// sample decodes one voxel.
func sample(b []byte, datatype int16, order binary.ByteOrder) float64 {
	switch datatype {
	case dtUint8:
		return float64(b[0])
	case dtInt8:
		return float64(int8(b[0]))
	case dtInt16:
		return float64(int16(order.Uint16(b)))
	case dtUint16:
		return float64(order.Uint16(b))
	case dtInt32:
		return float64(int32(order.Uint32(b)))
	case dtUint32:
		return float64(order.Uint32(b))
	case dtFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case dtFloat64:
		return math.Float64frombits(order.Uint64(b))
	default:
		return 0
	}
}

package lidar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// laszip flags the point format's high bit when the point records are
// compressed. Header fields stay readable either way.
const compressedFormatBit = 0x80

var ErrNotLAS = errors.New("not a LAS/LAZ file")

// Header is the LAS public header block, the part of the file the engine can
// always read cheaply regardless of size or compression.
type Header struct {
	VersionMajor   uint8
	VersionMinor   uint8
	PointFormat    uint8
	RecordLength   uint16
	OffsetToPoints uint32
	PointCount     uint64
	Scale          [3]float64
	Offset         [3]float64
	Min            [3]float64
	Max            [3]float64
	Compressed     bool
}

// rgbOffsets maps point record formats to the byte offset of their 16-bit RGB
// triple, for the formats that carry one.
var rgbOffsets = map[uint8]int{
	2:  20,
	3:  28,
	5:  28,
	7:  30,
	8:  30,
	10: 30,
}

// HasRGB reports whether the point format carries color.
func (h Header) HasRGB() bool {
	_, ok := rgbOffsets[h.PointFormat]
	return ok
}

// BBoxCenter is the center of the header bounding box in native coordinates.
func (h Header) BBoxCenter() (x, y, z float64) {
	return (h.Min[0] + h.Max[0]) / 2,
		(h.Min[1] + h.Max[1]) / 2,
		(h.Min[2] + h.Max[2]) / 2
}

// ReadHeader parses the public header block of a LAS or LAZ file.
func ReadHeader(path string) (Header, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".las") && !strings.HasSuffix(strings.ToLower(path), ".laz") {
		return Header{}, fmt.Errorf("%w: unsupported extension for %s", ErrNotLAS, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, 227)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("read las header: %w", err)
	}
	if string(buf[0:4]) != "LASF" {
		return Header{}, fmt.Errorf("%w: bad signature", ErrNotLAS)
	}

	le := binary.LittleEndian
	h := Header{
		VersionMajor:   buf[24],
		VersionMinor:   buf[25],
		OffsetToPoints: le.Uint32(buf[96:100]),
		RecordLength:   le.Uint16(buf[105:107]),
		PointCount:     uint64(le.Uint32(buf[107:111])),
	}
	rawFormat := buf[104]
	h.Compressed = rawFormat&compressedFormatBit != 0
	h.PointFormat = rawFormat &^ compressedFormatBit

	for i := 0; i < 3; i++ {
		h.Scale[i] = f64(buf[131+8*i:])
		h.Offset[i] = f64(buf[155+8*i:])
	}
	// Header stores max-before-min per axis.
	h.Max[0], h.Min[0] = f64(buf[179:]), f64(buf[187:])
	h.Max[1], h.Min[1] = f64(buf[195:]), f64(buf[203:])
	h.Max[2], h.Min[2] = f64(buf[211:]), f64(buf[219:])

	// LAS 1.4 moved the point count to a 64-bit field past the legacy block.
	if h.VersionMinor >= 4 {
		ext := make([]byte, 28)
		if _, err := io.ReadFull(r, ext); err == nil {
			if count := le.Uint64(ext[20:28]); count > 0 {
				h.PointCount = count
			}
		}
	}

	if h.RecordLength == 0 {
		return Header{}, fmt.Errorf("%w: zero point record length", ErrNotLAS)
	}
	return h, nil
}

func f64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
}

package lidar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
)

var ErrCompressedPoints = errors.New("compressed point records cannot be streamed")

// Point is one decoded point record in native coordinates with 8-bit color.
type Point struct {
	X, Y, Z float64
	R, G, B uint8
}

const (
	recordsPerChunk = 1 << 16
	maxChunkBytes   = 8 << 20 // chunk buffer cap, whatever the record length claims
)

// chunkRecords bounds the per-chunk record count so a hostile record length
// near 65535 cannot demand a multi-gigabyte buffer.
func chunkRecords(rec int) int {
	n := recordsPerChunk
	if rec*n > maxChunkBytes {
		n = maxChunkBytes / rec
	}
	if n < 1 {
		n = 1
	}
	return n
}

// StreamPoints decodes uncompressed point records in chunks and invokes fn
// for each chunk, bounding memory on arbitrarily large inputs. LAZ files
// return ErrCompressedPoints; callers fall back to header-only metadata.
func StreamPoints(path string, h Header, fn func(pts []Point) error) error {
	if h.Compressed {
		return ErrCompressedPoints
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(h.OffsetToPoints), io.SeekStart); err != nil {
		return fmt.Errorf("seek to point data: %w", err)
	}

	rec := int(h.RecordLength)
	if rec < 12 {
		return fmt.Errorf("point record length %d is too short", rec)
	}
	perChunk := chunkRecords(rec)

	r := bufio.NewReaderSize(f, 1<<20)
	rgbAt, hasRGB := rgbOffsets[h.PointFormat]
	buf := make([]byte, rec*perChunk)
	pts := make([]Point, 0, perChunk)
	le := binary.LittleEndian

	var remaining = h.PointCount
	for remaining > 0 {
		want := uint64(perChunk)
		if remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:int(want)*rec])
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("read point records: %w", err)
		}
		got := n / rec
		if got == 0 {
			break
		}

		pts = pts[:0]
		for i := 0; i < got; i++ {
			b := buf[i*rec : (i+1)*rec]
			p := Point{
				X: float64(int32(le.Uint32(b[0:4])))*h.Scale[0] + h.Offset[0],
				Y: float64(int32(le.Uint32(b[4:8])))*h.Scale[1] + h.Offset[1],
				Z: float64(int32(le.Uint32(b[8:12])))*h.Scale[2] + h.Offset[2],
			}
			if hasRGB && rgbAt+6 <= rec {
				// Color is stored 16-bit; scale down to 8.
				p.R = uint8(le.Uint16(b[rgbAt:]) >> 8)
				p.G = uint8(le.Uint16(b[rgbAt+2:]) >> 8)
				p.B = uint8(le.Uint16(b[rgbAt+4:]) >> 8)
			}
			pts = append(pts, p)
		}
		if err := fn(pts); err != nil {
			return err
		}

		remaining -= uint64(got)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}
	return nil
}

// SamplePoints streams the file and keeps roughly rate of the points, capped
// at maxPoints, for preview rendering.
func SamplePoints(path string, h Header, rate float64, maxPoints int) ([]Point, error) {
	if rate <= 0 || rate > 1 {
		return nil, fmt.Errorf("sample rate must be in (0,1], got %v", rate)
	}

	rng := rand.New(rand.NewSource(int64(h.PointCount) + 1))
	var sampled []Point
	err := StreamPoints(path, h, func(pts []Point) error {
		for _, p := range pts {
			if rate < 1 && rng.Float64() >= rate {
				continue
			}
			sampled = append(sampled, p)
			if maxPoints > 0 && len(sampled) >= maxPoints {
				return errSampleFull
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSampleFull) {
		return nil, err
	}
	if len(sampled) == 0 {
		return nil, errors.New("no points sampled from point cloud")
	}
	return sampled, nil
}

var errSampleFull = errors.New("sample budget reached")

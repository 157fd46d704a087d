package lidar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testPoint struct {
	x, y, z int32
	r, g, b uint16
}

// writeLAS builds a minimal LAS 1.2 file with format-2 point records
// (xyz + RGB) and the given scale/offset.
func writeLAS(t *testing.T, path string, compressed bool, scale, offset [3]float64, pts []testPoint) {
	t.Helper()

	const (
		headerSize   = 227
		recordLength = 26
	)
	header := make([]byte, headerSize)
	le := binary.LittleEndian

	copy(header[0:4], "LASF")
	header[24] = 1 // version major
	header[25] = 2 // version minor
	le.PutUint32(header[96:100], headerSize)
	format := byte(2)
	if compressed {
		format |= 0x80
	}
	header[104] = format
	le.PutUint16(header[105:107], recordLength)
	le.PutUint32(header[107:111], uint32(len(pts)))

	putF64 := func(at int, v float64) {
		le.PutUint64(header[at:at+8], math.Float64bits(v))
	}
	for i := 0; i < 3; i++ {
		putF64(131+8*i, scale[i])
		putF64(155+8*i, offset[i])
	}
	minV := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxV := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, p := range pts {
		for i, raw := range []int32{p.x, p.y, p.z} {
			v := float64(raw)*scale[i] + offset[i]
			minV[i] = math.Min(minV[i], v)
			maxV[i] = math.Max(maxV[i], v)
		}
	}
	putF64(179, maxV[0])
	putF64(187, minV[0])
	putF64(195, maxV[1])
	putF64(203, minV[1])
	putF64(211, maxV[2])
	putF64(219, minV[2])

	var body bytes.Buffer
	body.Write(header)
	rec := make([]byte, recordLength)
	for _, p := range pts {
		le.PutUint32(rec[0:4], uint32(p.x))
		le.PutUint32(rec[4:8], uint32(p.y))
		le.PutUint32(rec[8:12], uint32(p.z))
		le.PutUint16(rec[20:22], p.r)
		le.PutUint16(rec[22:24], p.g)
		le.PutUint16(rec[24:26], p.b)
		body.Write(rec)
	}

	if err := os.WriteFile(path, body.Bytes(), 0o644); err != nil {
		t.Fatalf("write test las: %v", err)
	}
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.las")
	scale := [3]float64{0.01, 0.01, 0.01}
	offset := [3]float64{1000, 2000, 50}
	writeLAS(t, path, false, scale, offset, []testPoint{
		{x: 100, y: 200, z: 300},
		{x: -100, y: -200, z: -300},
	})

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.PointCount != 2 {
		t.Fatalf("expected 2 points, got %d", h.PointCount)
	}
	if h.PointFormat != 2 || !h.HasRGB() {
		t.Fatalf("expected RGB format 2, got %d", h.PointFormat)
	}
	if h.Compressed {
		t.Fatal("expected uncompressed file")
	}
	if h.Scale != scale || h.Offset != offset {
		t.Fatalf("scale/offset mismatch: %v %v", h.Scale, h.Offset)
	}

	x, y, z := h.BBoxCenter()
	if math.Abs(x-1000) > 1e-9 || math.Abs(y-2000) > 1e-9 || math.Abs(z-50) > 1e-9 {
		t.Fatalf("bbox center mismatch: %v %v %v", x, y, z)
	}
}

func TestReadHeaderRejectsNonLAS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("not a point cloud"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(path); !errors.Is(err, ErrNotLAS) {
		t.Fatalf("expected ErrNotLAS, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.las")
	if err := os.WriteFile(bad, bytes.Repeat([]byte{0}, 300), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(bad); !errors.Is(err, ErrNotLAS) {
		t.Fatalf("expected ErrNotLAS for bad signature, got %v", err)
	}
}

func TestReadHeaderCompressedFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.laz")
	writeLAS(t, path, true, [3]float64{1, 1, 1}, [3]float64{}, []testPoint{{x: 1, y: 2, z: 3}})

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !h.Compressed {
		t.Fatal("expected compressed flag")
	}
	if h.PointFormat != 2 {
		t.Fatalf("expected format with laszip bit stripped, got %d", h.PointFormat)
	}
	if err := StreamPoints(path, h, func([]Point) error { return nil }); !errors.Is(err, ErrCompressedPoints) {
		t.Fatalf("expected ErrCompressedPoints, got %v", err)
	}
}

func TestStreamPointsDecodesScaleOffsetAndColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.las")
	writeLAS(t, path, false, [3]float64{0.5, 0.5, 2}, [3]float64{10, 20, 30}, []testPoint{
		{x: 2, y: 4, z: 1, r: 0xFF00, g: 0x8000, b: 0x0100},
	})

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	var got []Point
	if err := StreamPoints(path, h, func(pts []Point) error {
		got = append(got, pts...)
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 point, got %d", len(got))
	}
	p := got[0]
	if p.X != 11 || p.Y != 22 || p.Z != 32 {
		t.Fatalf("decoded coordinates mismatch: %+v", p)
	}
	if p.R != 0xFF || p.G != 0x80 || p.B != 0x01 {
		t.Fatalf("decoded color mismatch: %+v", p)
	}
}

func TestStreamPointsBoundsChunkBuffer(t *testing.T) {
	if n := chunkRecords(26); n != recordsPerChunk {
		t.Fatalf("small records should use the full chunk, got %d", n)
	}
	if n := chunkRecords(65535); n*65535 > maxChunkBytes {
		t.Fatalf("chunk of %d records exceeds the byte cap", n)
	}
	if n := chunkRecords(maxChunkBytes * 2); n != 1 {
		t.Fatalf("oversized records should fall back to one per chunk, got %d", n)
	}

	// Streaming still decodes with a record length big enough to shrink the
	// chunk below the default record count.
	const rec = 60000
	raw := make([]byte, 2*rec)
	le := binary.LittleEndian
	for i := 0; i < 2; i++ {
		le.PutUint32(raw[i*rec:], uint32(i+1))
		le.PutUint32(raw[i*rec+4:], uint32(i+2))
		le.PutUint32(raw[i*rec+8:], uint32(i+3))
	}
	path := filepath.Join(t.TempDir(), "wide.las")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := Header{
		PointFormat:  0,
		RecordLength: rec,
		PointCount:   2,
		Scale:        [3]float64{1, 1, 1},
	}
	var got []Point
	if err := StreamPoints(path, h, func(pts []Point) error {
		got = append(got, pts...)
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 || got[1].X != 2 || got[1].Y != 3 || got[1].Z != 4 {
		t.Fatalf("unexpected points: %+v", got)
	}
}

func TestStreamPointsRejectsShortRecordLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.las")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := StreamPoints(path, Header{RecordLength: 8, PointCount: 1}, func([]Point) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "record length") {
		t.Fatalf("expected record length error, got %v", err)
	}
}

func TestSamplePoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.las")
	pts := make([]testPoint, 500)
	for i := range pts {
		pts[i] = testPoint{x: int32(i), y: int32(i), z: int32(i)}
	}
	writeLAS(t, path, false, [3]float64{1, 1, 1}, [3]float64{}, pts)

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}

	all, err := SamplePoints(path, h, 1, 0)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(all) != 500 {
		t.Fatalf("expected every point at rate 1, got %d", len(all))
	}

	capped, err := SamplePoints(path, h, 1, 50)
	if err != nil {
		t.Fatalf("sample capped: %v", err)
	}
	if len(capped) != 50 {
		t.Fatalf("expected cap of 50, got %d", len(capped))
	}

	if _, err := SamplePoints(path, h, 0, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestSummarizeMeanCenter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.las")
	writeLAS(t, path, false, [3]float64{1, 1, 1}, [3]float64{100, 100, 0}, []testPoint{
		{x: 0, y: 0, z: 0},
		{x: 10, y: 20, z: 30},
	})

	m, err := Summarize(path, 1)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if m.PointCount != 2 {
		t.Fatalf("expected 2 points, got %d", m.PointCount)
	}
	if m.CenterX != 105 || m.CenterY != 110 || m.CenterZ != 15 {
		t.Fatalf("mean center mismatch: %+v", m)
	}
	if !m.HasRGB || m.Compressed {
		t.Fatalf("flags mismatch: %+v", m)
	}
}

func TestSummarizeCompressedFallsBackToBBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.laz")
	writeLAS(t, path, true, [3]float64{1, 1, 1}, [3]float64{}, []testPoint{
		{x: 0, y: 0, z: 0},
		{x: 100, y: 50, z: 20},
	})

	m, err := Summarize(path, 1)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !m.Compressed {
		t.Fatal("expected compressed flag")
	}
	if m.CenterX != 50 || m.CenterY != 25 || m.CenterZ != 10 {
		t.Fatalf("expected bbox-center fallback, got %+v", m)
	}
}

func TestRenderPreviewProducesSquarePNG(t *testing.T) {
	pts := make([]Point, 0, 1000)
	for i := 0; i < 1000; i++ {
		pts = append(pts, Point{
			X: float64(i % 40),
			Y: float64(i / 40),
			R: 200, G: 120, B: 40,
		})
	}

	data, err := RenderPreview(pts, true, 128)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 128 || bounds.Dy() != 128 {
		t.Fatalf("expected 128x128 canvas, got %dx%d", bounds.Dx(), bounds.Dy())
	}

	if _, err := RenderPreview(nil, false, 128); err == nil {
		t.Fatal("expected error for empty point set")
	}
}

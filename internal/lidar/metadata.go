package lidar

import (
	"math/rand"
)

// Metadata is the header-plus-center summary persisted onto the parent
// project after extraction.
type Metadata struct {
	PointCount int64
	// CenterX/Y/Z are in the file's native coordinate system; the WGS84
	// transform is a separate step owned by the pipeline.
	CenterX, CenterY, CenterZ float64
	HasRGB                    bool
	Compressed                bool
}

// Summarize extracts point count and mean center from a LAS/LAZ file. The
// mean is computed by streaming with random sampling so memory stays bounded;
// compressed inputs (and any streaming failure) fall back to the bounding-box
// center from the header.
func Summarize(path string, sampleRate float64) (Metadata, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return Metadata{}, err
	}

	m := Metadata{
		PointCount: int64(h.PointCount),
		HasRGB:     h.HasRGB(),
		Compressed: h.Compressed,
	}

	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	var (
		sumX, sumY, sumZ float64
		n                int64
	)
	rng := rand.New(rand.NewSource(int64(h.PointCount)))
	streamErr := StreamPoints(path, h, func(pts []Point) error {
		for _, p := range pts {
			if sampleRate < 1 && rng.Float64() >= sampleRate {
				continue
			}
			sumX += p.X
			sumY += p.Y
			sumZ += p.Z
			n++
		}
		return nil
	})

	if streamErr != nil || n == 0 {
		m.CenterX, m.CenterY, m.CenterZ = h.BBoxCenter()
		return m, nil
	}

	m.CenterX = sumX / float64(n)
	m.CenterY = sumY / float64(n)
	m.CenterZ = sumZ / float64(n)
	return m, nil
}

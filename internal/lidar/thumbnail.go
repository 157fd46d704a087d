package lidar

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// RenderPreview rasterizes sampled points into a top-down density map and
// returns it PNG-encoded on a transparent square canvas of the given size.
// RGB points are averaged per bin; colorless clouds render as a density
// grayscale. Alpha follows bin density so sparse areas stay translucent.
func RenderPreview(points []Point, hasRGB bool, size int) ([]byte, error) {
	if len(points) == 0 {
		return nil, errors.New("no points to render")
	}
	if size <= 0 {
		size = 512
	}

	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	spanX, spanY := maxX-minX, maxY-minY
	if spanX == 0 || spanY == 0 {
		return nil, errors.New("point cloud has zero extent in X or Y")
	}

	// Fit the native aspect ratio inside a size x size grid.
	gridW, gridH := size, size
	if aspect := spanX / spanY; aspect > 1 {
		gridH = int(float64(size) / aspect)
	} else {
		gridW = int(float64(size) * aspect)
	}
	if gridW < 1 {
		gridW = 1
	}
	if gridH < 1 {
		gridH = 1
	}

	density := make([]int, gridW*gridH)
	var sumR, sumG, sumB []float64
	if hasRGB {
		sumR = make([]float64, gridW*gridH)
		sumG = make([]float64, gridW*gridH)
		sumB = make([]float64, gridW*gridH)
	}

	maxDensity := 0
	for _, p := range points {
		gx := int((p.X - minX) / spanX * float64(gridW-1))
		// Image rows grow downward; native Y grows upward.
		gy := gridH - 1 - int((p.Y-minY)/spanY*float64(gridH-1))
		idx := gy*gridW + gx
		density[idx]++
		if density[idx] > maxDensity {
			maxDensity = density[idx]
		}
		if hasRGB {
			sumR[idx] += float64(p.R)
			sumG[idx] += float64(p.G)
			sumB[idx] += float64(p.B)
		}
	}

	img := image.NewNRGBA(image.Rect(0, 0, gridW, gridH))
	for idx, count := range density {
		if count == 0 {
			continue
		}
		var r, g, b uint8
		if hasRGB {
			r = uint8(sumR[idx] / float64(count))
			g = uint8(sumG[idx] / float64(count))
			b = uint8(sumB[idx] / float64(count))
		} else {
			v := uint8(255 * count / maxDensity)
			r, g, b = v, v, v
		}
		alpha := 255 * count * 10 / maxDensity
		if alpha > 255 {
			alpha = 255
		}
		if alpha < 128 {
			alpha = 128
		}
		off := idx * 4
		img.Pix[off+0] = r
		img.Pix[off+1] = g
		img.Pix[off+2] = b
		img.Pix[off+3] = uint8(alpha)
	}

	// Center on a transparent square canvas.
	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	dst := image.Rect((size-gridW)/2, (size-gridH)/2, (size-gridW)/2+gridW, (size-gridH)/2+gridH)
	draw.CatmullRom.Scale(canvas, dst, img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode preview png: %w", err)
	}
	return buf.Bytes(), nil
}

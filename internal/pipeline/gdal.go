package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// transformToWGS84 converts a native coordinate pair to lat/lon by piping it
// through gdaltransform. The tool prints "lon lat z" per input line.
func (p *Processor) transformToWGS84(ctx context.Context, epsg string, x, y float64) (lat, lon float64, err error) {
	res, err := p.runner.Run(ctx, Command{
		Name:    p.tools.GDALTransform,
		Args:    []string{"-s_srs", "EPSG:" + epsg, "-t_srs", "EPSG:4326"},
		Stdin:   []byte(fmt.Sprintf("%f %f\n", x, y)),
		Timeout: p.tools.ValidateTimeout,
	})
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.TrimSpace(string(res.Stdout)))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("gdaltransform returned %q", strings.TrimSpace(string(res.Stdout)))
	}
	lon, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gdaltransform longitude: %w", err)
	}
	lat, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gdaltransform latitude: %w", err)
	}
	return lat, lon, nil
}

// gdalInfo is the subset of `gdalinfo -json` output the overlay pipeline
// reads. wgs84Extent is a GeoJSON polygon of the raster footprint.
type gdalInfo struct {
	WGS84Extent struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
}

// rasterBounds returns the overlay corner bounds as [[south, west],
// [north, east]], the order map clients expect. A raster with no WGS84
// extent has no usable georeferencing and cannot become an overlay.
func (p *Processor) rasterBounds(ctx context.Context, localPath string) ([][2]float64, error) {
	res, err := p.runner.Run(ctx, Command{
		Name:    p.tools.GDALInfo,
		Args:    []string{"-json", localPath},
		Timeout: p.tools.ValidateTimeout,
	})
	if err != nil {
		return nil, err
	}

	var info gdalInfo
	if err := json.Unmarshal(res.Stdout, &info); err != nil {
		return nil, fmt.Errorf("parse gdalinfo output: %w", err)
	}
	if len(info.WGS84Extent.Coordinates) == 0 || len(info.WGS84Extent.Coordinates[0]) == 0 {
		return nil, fmt.Errorf("raster has no WGS84 extent; is it georeferenced?")
	}

	ring := info.WGS84Extent.Coordinates[0]
	west, south := ring[0][0], ring[0][1]
	east, north := west, south
	for _, pt := range ring {
		lon, lat := pt[0], pt[1]
		if lon < west {
			west = lon
		}
		if lon > east {
			east = lon
		}
		if lat < south {
			south = lat
		}
		if lat > north {
			north = lat
		}
	}
	return [][2]float64{{south, west}, {north, east}}, nil
}

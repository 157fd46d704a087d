package domain

import "time"

// CRS is the coordinate reference system chosen at project creation. The
// proj4 string feeds the point-cloud converter; the EPSG code drives the
// native-to-WGS84 center transform.
type CRS struct {
	EPSG  string `json:"epsg"`
	Name  string `json:"name,omitempty"`
	Proj4 string `json:"proj4,omitempty"`
}

// Location is the mean center of a project's point cloud in WGS84.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Z   float64 `json:"z"`
}

// Ortho holds the derived map-overlay artifacts for a project. Bounds are in
// Leaflet order: [[south, west], [north, east]].
type Ortho struct {
	URL       string       `json:"url,omitempty"`
	Thumbnail string       `json:"thumbnail,omitempty"`
	Bounds    [][2]float64 `json:"bounds,omitempty"`
}

// Project is the long-lived parent resource a job's output augments. The
// engine reads it to locate inputs and writes it back at the end of a
// successful run.
type Project struct {
	ID          string
	Name        string
	Client      string
	Description string
	Tags        []string
	CRS         *CRS
	Location    *Location
	PointCount  int64
	Thumbnail   string
	CloudURL    string
	Ortho       *Ortho
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

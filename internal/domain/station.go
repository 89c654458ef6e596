package domain

// LatLng is a WGS84 position in degrees
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StationRecord is one raw entry of the station dataset
type StationRecord struct {
	Code     string  `json:"code"`
	LineCode string  `json:"line_code"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// StationGroup is the top-level element of the station dataset
type StationGroup struct {
	Stations []StationRecord `json:"stations"`
}

// ExcludedLine is one entry of the excluded-lines dataset
type ExcludedLine struct {
	LineCode string `json:"line_code"`
}

// Station is a deduplicated logical station. Code is the stable identifier
// used for persistence, DisplayName is what users see and search.
type Station struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
	Lines       string `json:"lines"`
	Position    LatLng `json:"position"`
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains checks if a point is within the bounding box
func (bb BoundingBox) Contains(p LatLng) bool {
	return p.Lat >= bb.MinLat && p.Lat <= bb.MaxLat &&
		p.Lon >= bb.MinLon && p.Lon <= bb.MaxLon
}

// Valid reports whether min <= max on both axes.
func (bb BoundingBox) Valid() bool {
	return bb.MinLat <= bb.MaxLat && bb.MinLon <= bb.MaxLon
}

package geo

import (
	"fmt"
	"math"

	"ekistamp/internal/domain"
)

const maxMercatorLat = 85.05112878

// Tile is a slippy-map tile coordinate
type Tile struct {
	Z, X, Y int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileAt returns the Web Mercator tile containing p at the given zoom level.
// Out-of-range coordinates clamp to the edge tiles.
func TileAt(p domain.LatLng, zoom int) Tile {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((p.Lon + 180.0) / 360.0 * n))
	latRad := math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p.Lat)) * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	return Tile{Z: zoom, X: clamp(x, 0, maxTile), Y: clamp(y, 0, maxTile)}
}

// TileRange is the inclusive block of tiles covering a bounding box
type TileRange struct {
	Zoom       int
	MinX, MaxX int
	MinY, MaxY int
}

// RangeFor returns the tiles intersecting bb at zoom.
func RangeFor(bb domain.BoundingBox, zoom int) TileRange {
	topLeft := TileAt(domain.LatLng{Lat: bb.MaxLat, Lon: bb.MinLon}, zoom)
	bottomRight := TileAt(domain.LatLng{Lat: bb.MinLat, Lon: bb.MaxLon}, zoom)
	return TileRange{
		Zoom: zoom,
		MinX: topLeft.X, MaxX: bottomRight.X,
		MinY: topLeft.Y, MaxY: bottomRight.Y,
	}
}

// Count is the number of tiles in the range
func (r TileRange) Count() int {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Each calls fn for every tile in the range, column by column.
func (r TileRange) Each(fn func(Tile)) {
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			fn(Tile{Z: r.Zoom, X: x, Y: y})
		}
	}
}

// TileBounds returns the bounding box covered by a tile
func TileBounds(t Tile) domain.BoundingBox {
	n := math.Pow(2, float64(t.Z))
	minLon := float64(t.X)/n*360.0 - 180.0
	maxLon := float64(t.X+1)/n*360.0 - 180.0

	minLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y+1)/n)))
	maxLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	return domain.BoundingBox{
		MinLat: minLatRad * 180.0 / math.Pi,
		MaxLat: maxLatRad * 180.0 / math.Pi,
		MinLon: minLon,
		MaxLon: maxLon,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

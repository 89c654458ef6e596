package geo

import (
	"slices"

	"ekistamp/internal/domain"
)

// Index buckets point positions by tile so a bounding box query only
// inspects points in the tiles it overlaps. Points are identified by their
// insertion position, and queries return positions in ascending order.
type Index struct {
	zoom   int
	count  int
	byTile map[Tile][]int
}

func NewIndex(zoom int) *Index {
	return &Index{
		zoom:   zoom,
		byTile: make(map[Tile][]int),
	}
}

// Add registers the next point and returns its position.
func (ix *Index) Add(p domain.LatLng) int {
	pos := ix.count
	t := TileAt(p, ix.zoom)
	ix.byTile[t] = append(ix.byTile[t], pos)
	ix.count++
	return pos
}

func (ix *Index) Len() int {
	return ix.count
}

// Candidates returns the positions of every point stored in a tile that
// intersects bb, sorted ascending. The second result is false when the box
// spans more tiles than there are points, in which case a linear scan is
// cheaper and the caller should do that instead.
func (ix *Index) Candidates(bb domain.BoundingBox) ([]int, bool) {
	r := RangeFor(bb, ix.zoom)
	if r.Count() > ix.count {
		return nil, false
	}

	var out []int
	r.Each(func(t Tile) {
		out = append(out, ix.byTile[t]...)
	})
	slices.Sort(out)
	return out, true
}

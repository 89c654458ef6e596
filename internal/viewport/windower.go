// Package viewport decides which markers a map has attached. Rendering
// libraries slow down badly with many live overlays, so at most a fixed
// number of markers inside the visible bounds are attached at a time, and
// collected markers get those slots first.
package viewport

import (
	"ekistamp/internal/domain"
	"ekistamp/internal/registry"
)

const DefaultLimit = 300

// Map is the part of a map widget the windower drives.
type Map interface {
	Bounds() domain.BoundingBox
	Attach(m *registry.Marker)
	Detach(m *registry.Marker)
}

type Result struct {
	InBounds int `json:"inBounds"`
	Visible  int `json:"visible"`
	Attached int `json:"attached"`
	Detached int `json:"detached"`
}

// Select orders in-bounds markers collected first, keeping registry order
// within each group, and truncates to limit.
func Select(inBounds []*registry.Marker, limit int) []*registry.Marker {
	if limit < 0 {
		limit = 0
	}
	out := make([]*registry.Marker, 0, min(len(inBounds), limit))
	for _, m := range inBounds {
		if len(out) == limit {
			return out
		}
		if m.Collected {
			out = append(out, m)
		}
	}
	for _, m := range inBounds {
		if len(out) == limit {
			break
		}
		if !m.Collected {
			out = append(out, m)
		}
	}
	return out
}

// Reconcile brings the map's attached set in line with its current bounds.
// Detaches run before attaches so the attached count never exceeds limit,
// and markers already in the right state are left alone.
func Reconcile(m Map, reg *registry.Registry, limit int) Result {
	inView := reg.InBounds(m.Bounds())
	display := Select(inView, limit)
	res := Result{InBounds: len(inView), Visible: len(display)}

	keep := make(map[*registry.Marker]struct{}, len(display))
	for _, mk := range display {
		keep[mk] = struct{}{}
	}

	for _, mk := range reg.Markers() {
		if _, ok := keep[mk]; !ok && mk.Attached {
			m.Detach(mk)
			mk.Attached = false
			res.Detached++
		}
	}
	for _, mk := range display {
		if !mk.Attached {
			m.Attach(mk)
			mk.Attached = true
			res.Attached++
		}
	}
	return res
}

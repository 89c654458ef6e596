package session

import (
	"ekistamp/internal/domain"
	"ekistamp/internal/registry"
	"ekistamp/internal/viewport"
)

// mapView mirrors the client's map: what it shows and what has changed
// since the last delta was sent. It satisfies viewport.Map and search.View.
type mapView struct {
	bounds domain.BoundingBox
	zoom   float64
	known  bool

	attach  []*registry.Marker
	detach  []string
	icons   []*registry.Marker
	opacity []*registry.Marker
	moveTo  *ViewPayload
	window  *viewport.Result
}

func (v *mapView) Bounds() domain.BoundingBox {
	return v.bounds
}

func (v *mapView) Attach(m *registry.Marker) {
	v.attach = append(v.attach, m)
}

func (v *mapView) Detach(m *registry.Marker) {
	v.detach = append(v.detach, m.Code)
}

func (v *mapView) SetView(center domain.LatLng, zoom float64) {
	v.moveTo = &ViewPayload{Center: center, Zoom: zoom}
}

func (v *mapView) SetOpacity(m *registry.Marker, opacity float64) {
	m.Opacity = opacity
	v.opacity = append(v.opacity, m)
}

func (v *mapView) pendingWindow(res viewport.Result) {
	v.window = &res
}

func (v *mapView) iconChanged(m *registry.Marker) {
	v.icons = append(v.icons, m)
}

// takeDelta drains pending changes. Icon and opacity updates are only sent
// for markers that stay attached and were not attached in this same delta,
// since an attach already carries the full marker state.
func (v *mapView) takeDelta() DeltaPayload {
	var d DeltaPayload

	fresh := make(map[string]struct{}, len(v.attach))
	for _, m := range v.attach {
		if !m.Attached {
			continue
		}
		if _, dup := fresh[m.Code]; dup {
			continue
		}
		fresh[m.Code] = struct{}{}
		d.Attach = append(d.Attach, NewMarkerView(m))
	}
	d.Detach = v.detach
	d.Window = v.window

	seen := make(map[string]struct{})
	for _, m := range v.icons {
		if _, ok := fresh[m.Code]; ok || !m.Attached {
			continue
		}
		if _, ok := seen[m.Code]; ok {
			continue
		}
		seen[m.Code] = struct{}{}
		d.Icons = append(d.Icons, IconUpdate{Code: m.Code, Icon: m.Icon})
	}

	clear(seen)
	for i := len(v.opacity) - 1; i >= 0; i-- {
		m := v.opacity[i]
		if _, ok := fresh[m.Code]; ok || !m.Attached {
			continue
		}
		if _, ok := seen[m.Code]; ok {
			continue
		}
		seen[m.Code] = struct{}{}
		d.Opacity = append(d.Opacity, OpacityUpdate{Code: m.Code, Opacity: m.Opacity})
	}

	v.attach, v.detach, v.icons, v.opacity, v.window = nil, nil, nil, nil, nil
	return d
}

func (v *mapView) takeMove() *ViewPayload {
	mv := v.moveTo
	v.moveTo = nil
	return mv
}

// Package icon maps a station's collected state and the map zoom to the
// marker icon the client should draw.
package icon

import "math"

const (
	BaseSize      = 16.0
	ReferenceZoom = 12.0
	ScaleFactor   = 1.2

	CollectedImage   = "full-radio.png"
	UncollectedImage = "empty-radio.png"
)

// Descriptor is comparable: two icons are the same icon iff they are ==.
type Descriptor struct {
	Image   string  `json:"image"`
	Size    float64 `json:"size"`
	AnchorX float64 `json:"anchorX"`
	AnchorY float64 `json:"anchorY"`
}

// Size returns the icon edge length in pixels at zoom.
func Size(zoom float64) float64 {
	return BaseSize * math.Pow(ScaleFactor, zoom-ReferenceZoom)
}

// Make builds the icon for a marker. The anchor sits at the bottom centre so
// the icon's base rests on the station position.
func Make(collected bool, zoom float64) Descriptor {
	size := Size(zoom)
	img := UncollectedImage
	if collected {
		img = CollectedImage
	}
	return Descriptor{
		Image:   img,
		Size:    size,
		AnchorX: size / 2,
		AnchorY: size,
	}
}

// Package lines turns rail section geometry into coloured polylines for the
// map overlay. It shares nothing with the marker engine except the map.
package lines

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"ekistamp/internal/domain"
	"ekistamp/pkg/source"
)

const (
	DefaultNameProperty = "路線名"
	Weight              = 2
	Opacity             = 0.8
)

// Palette is cycled by feature index when a line name is first seen.
var Palette = []string{
	"#FF4500", "#FF6F00", "#FFA500", "#FFC300", "#FFD700",
	"#FFF700", "#D4FF00", "#A8FF00", "#7FFF00", "#50FF00",
	"#00FF50", "#00FF87", "#00FFB2", "#00FFD4", "#00FFEB",
	"#00E5FF", "#00CFFF", "#00AFFF", "#0087FF", "#005FFF",
	"#003AFF", "#2A00FF", "#5400FF", "#7500FF", "#9A00FF",
	"#BF00FF", "#DF00FF", "#FF00E0", "#FF00B2", "#FF0087",
}

// Polyline is one rail section in lat/lon order, ready to draw.
type Polyline struct {
	Name    string            `json:"name"`
	Color   string            `json:"color"`
	Weight  int               `json:"weight"`
	Opacity float64           `json:"opacity"`
	Paths   [][]domain.LatLng `json:"paths"`
}

type Loader struct {
	src          source.Source
	file         string
	nameProperty string
	logger       *slog.Logger
}

func NewLoader(src source.Source, file, nameProperty string, logger *slog.Logger) *Loader {
	if nameProperty == "" {
		nameProperty = DefaultNameProperty
	}
	return &Loader{
		src:          src,
		file:         file,
		nameProperty: nameProperty,
		logger:       logger.With("component", "lines"),
	}
}

func (l *Loader) Load(ctx context.Context) ([]Polyline, error) {
	start := time.Now()

	rc, err := l.src.Open(ctx, l.file)
	if err != nil {
		return nil, fmt.Errorf("fetching line geometry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading line geometry: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decoding line geometry: %w", err)
	}

	out := Build(fc, l.nameProperty)
	l.logger.Info("line overlay loaded",
		"features", len(fc.Features),
		"polylines", len(out),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Build converts every line feature of fc into a polyline. A line name
// keeps the colour it was given at its first feature.
func Build(fc *geojson.FeatureCollection, nameProperty string) []Polyline {
	colors := make(map[string]string)
	out := make([]Polyline, 0, len(fc.Features))

	for i, f := range fc.Features {
		paths := toPaths(f.Geometry)
		if len(paths) == 0 {
			continue
		}

		name := f.Properties.MustString(nameProperty, "")
		color, ok := colors[name]
		if !ok {
			color = Palette[i%len(Palette)]
			colors[name] = color
		}

		out = append(out, Polyline{
			Name:    name,
			Color:   color,
			Weight:  Weight,
			Opacity: Opacity,
			Paths:   paths,
		})
	}
	return out
}

// toPaths swaps GeoJSON's [lon, lat] into lat/lon pairs.
func toPaths(g orb.Geometry) [][]domain.LatLng {
	switch geom := g.(type) {
	case orb.LineString:
		if len(geom) == 0 {
			return nil
		}
		return [][]domain.LatLng{swap(geom)}
	case orb.MultiLineString:
		var paths [][]domain.LatLng
		for _, ls := range geom {
			if len(ls) > 0 {
				paths = append(paths, swap(ls))
			}
		}
		return paths
	default:
		return nil
	}
}

func swap(ls orb.LineString) []domain.LatLng {
	path := make([]domain.LatLng, len(ls))
	for i, p := range ls {
		path[i] = domain.LatLng{Lat: p.Lat(), Lon: p.Lon()}
	}
	return path
}

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ekistamp/internal/domain"
	"ekistamp/internal/geo"
	"ekistamp/internal/icon"
	"ekistamp/internal/persistence"
)

var ErrUnknownStation = errors.New("unknown station")

// Marker is the renderable form of a station. Collected and Icon are guarded
// by the registry; Attached and Opacity belong to whoever owns the map view
// the marker is drawn on.
type Marker struct {
	domain.Station
	Collected bool            `json:"collected"`
	Icon      icon.Descriptor `json:"icon"`
	Attached  bool            `json:"attached"`
	Opacity   float64         `json:"opacity"`
}

type Config struct {
	TileZoom     int
	ReadWorkers  int
	WriteTimeout time.Duration
}

// Registry owns the markers of one map and mediates every change of
// collected state.
type Registry struct {
	mu      sync.RWMutex
	markers []*Marker
	byCode  map[string]*Marker
	index   *geo.Index
	zoom    float64

	store  persistence.Store
	cfg    Config
	writes sync.WaitGroup
	logger *slog.Logger
}

func New(store persistence.Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.ReadWorkers <= 0 {
		cfg.ReadWorkers = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Registry{
		byCode: make(map[string]*Marker),
		index:  geo.NewIndex(cfg.TileZoom),
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "registry"),
	}
}

// BuildAll replaces the registry contents with one marker per station.
// Collected flags are read concurrently; a failed read counts as not
// collected. Markers are only constructed once every read has resolved.
func (r *Registry) BuildAll(ctx context.Context, stations []domain.Station, zoom float64) []*Marker {
	start := time.Now()
	collected := r.readFlags(ctx, stations)

	markers := make([]*Marker, 0, len(stations))
	byCode := make(map[string]*Marker, len(stations))
	index := geo.NewIndex(r.cfg.TileZoom)

	for i, st := range stations {
		m := &Marker{
			Station:   st,
			Collected: collected[i],
			Icon:      icon.Make(collected[i], zoom),
			Opacity:   1,
		}
		markers = append(markers, m)
		byCode[st.Code] = m
		index.Add(st.Position)
	}

	r.mu.Lock()
	r.markers = markers
	r.byCode = byCode
	r.index = index
	r.zoom = zoom
	r.mu.Unlock()

	r.logger.Debug("markers built",
		"count", len(markers),
		"zoom", zoom,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return markers
}

func (r *Registry) readFlags(ctx context.Context, stations []domain.Station) []bool {
	collected := make([]bool, len(stations))
	sem := make(chan struct{}, r.cfg.ReadWorkers)
	var wg sync.WaitGroup

	for i, st := range stations {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, code string) {
			defer wg.Done()
			defer func() { <-sem }()

			v, err := r.store.Get(ctx, code)
			if err != nil {
				r.logger.Warn("collected flag read failed, treating as not collected", "code", code, "error", err)
				return
			}
			collected[i] = v
		}(i, st.Code)
	}

	wg.Wait()
	return collected
}

// Toggle flips a marker's collected flag and regenerates its icon. The
// write to the store runs in the background and is not retried; the new
// state is reported regardless of its outcome.
func (r *Registry) Toggle(ctx context.Context, code string) (Marker, error) {
	r.mu.Lock()
	m, ok := r.byCode[code]
	if !ok {
		r.mu.Unlock()
		return Marker{}, ErrUnknownStation
	}
	m.Collected = !m.Collected
	m.Icon = icon.Make(m.Collected, r.zoom)
	snapshot := *m
	r.mu.Unlock()

	r.write(ctx, code, snapshot.Collected)
	return snapshot, nil
}

func (r *Registry) write(ctx context.Context, code string, value bool) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		defer cancel()
		if err := r.store.Set(writeCtx, code, value); err != nil {
			r.logger.Error("collected flag write failed", "code", code, "collected", value, "error", err)
		}
	}()
}

// WaitWrites blocks until every background write has finished.
func (r *Registry) WaitWrites() {
	r.writes.Wait()
}

// Apply sets a marker's collected flag without writing to the store. It
// reports whether anything changed.
func (r *Registry) Apply(code string, collected bool) (*Marker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byCode[code]
	if !ok || m.Collected == collected {
		return m, false
	}
	m.Collected = collected
	m.Icon = icon.Make(collected, r.zoom)
	return m, true
}

// Resize regenerates icons for a new zoom level from each marker's own
// collected flag and returns the markers whose icon changed.
func (r *Registry) Resize(zoom float64) []*Marker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.zoom = zoom
	var changed []*Marker
	for _, m := range r.markers {
		next := icon.Make(m.Collected, zoom)
		if next == m.Icon {
			continue
		}
		m.Icon = next
		changed = append(changed, m)
	}
	return changed
}

// Markers returns the live markers in registry order.
func (r *Registry) Markers() []*Marker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Marker, len(r.markers))
	copy(out, r.markers)
	return out
}

// Lookup returns the live marker for a station code.
func (r *Registry) Lookup(code string) (*Marker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byCode[code]
	return m, ok
}

// Get returns a copy of the marker for a station code.
func (r *Registry) Get(code string) (Marker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byCode[code]
	if !ok {
		return Marker{}, false
	}
	return *m, true
}

// Snapshot copies every marker in registry order.
func (r *Registry) Snapshot() []Marker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Marker, len(r.markers))
	for i, m := range r.markers {
		out[i] = *m
	}
	return out
}

// InBounds returns the live markers inside bb in registry order.
func (r *Registry) InBounds(bb domain.BoundingBox) []*Marker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Marker
	candidates, ok := r.index.Candidates(bb)
	if !ok {
		for _, m := range r.markers {
			if bb.Contains(m.Position) {
				out = append(out, m)
			}
		}
		return out
	}

	for _, pos := range candidates {
		m := r.markers[pos]
		if bb.Contains(m.Position) {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Zoom() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.zoom
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markers)
}

func (r *Registry) CollectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.markers {
		if m.Collected {
			n++
		}
	}
	return n
}

package search

import (
	"strings"
	"sync"
	"time"

	"ekistamp/internal/domain"
	"ekistamp/internal/registry"
)

const (
	MaxSuggestions    = 3
	SelectZoom        = 13
	HighlightOpacity  = 0.5
	HighlightDuration = time.Second
)

// Suggest returns up to three markers whose display name contains query,
// ignoring case, in registry order. A blank query matches nothing.
func Suggest(query string, markers []*registry.Marker) []*registry.Marker {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var out []*registry.Marker
	for _, m := range markers {
		if strings.Contains(strings.ToLower(m.DisplayName), q) {
			out = append(out, m)
			if len(out) == MaxSuggestions {
				break
			}
		}
	}
	return out
}

// View is the part of a map the highlighter drives.
type View interface {
	SetView(center domain.LatLng, zoom float64)
	SetOpacity(m *registry.Marker, opacity float64)
}

// Highlighter centres the map on a selected marker and dims it briefly.
// Each marker has at most one pending reset; selecting it again restarts
// the timer.
type Highlighter struct {
	duration time.Duration
	post     func(func())

	mu      sync.Mutex
	pending map[string]*highlight
}

type highlight struct {
	timer *time.Timer
	gen   uint64
}

// NewHighlighter returns a highlighter whose opacity resets are handed to
// post, so they run wherever the map view is owned. A nil post runs them on
// the timer goroutine.
func NewHighlighter(duration time.Duration, post func(func())) *Highlighter {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Highlighter{
		duration: duration,
		post:     post,
		pending:  make(map[string]*highlight),
	}
}

func (h *Highlighter) Select(m *registry.Marker, v View) {
	v.SetView(m.Position, SelectZoom)
	v.SetOpacity(m, HighlightOpacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	hl, ok := h.pending[m.Code]
	if !ok {
		hl = &highlight{}
		h.pending[m.Code] = hl
	} else if hl.timer != nil {
		hl.timer.Stop()
	}
	hl.gen++
	gen := hl.gen

	hl.timer = time.AfterFunc(h.duration, func() {
		h.post(func() {
			if h.finish(m.Code, gen) {
				v.SetOpacity(m, 1)
			}
		})
	})
}

// finish clears the pending entry if gen is still the latest highlight.
func (h *Highlighter) finish(code string, gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	hl, ok := h.pending[code]
	if !ok || hl.gen != gen {
		return false
	}
	delete(h.pending, code)
	return true
}

// Pending reports how many markers are still dimmed.
func (h *Highlighter) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Stop cancels every pending reset.
func (h *Highlighter) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, hl := range h.pending {
		if hl.timer != nil {
			hl.timer.Stop()
		}
		delete(h.pending, code)
	}
}

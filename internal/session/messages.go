package session

import (
	"encoding/json"

	"ekistamp/internal/domain"
	"ekistamp/internal/icon"
	"ekistamp/internal/registry"
	"ekistamp/internal/viewport"
)

// Inbound message types
const (
	TypeViewport = "viewport"
	TypeToggle   = "toggle"
	TypeSearch   = "search"
	TypeSelect   = "select"
	TypePing     = "ping"
)

// Outbound message types
const (
	TypeHello       = "hello"
	TypeDelta       = "delta"
	TypeToggled     = "toggled"
	TypeSuggestions = "suggestions"
	TypeView        = "view"
	TypePong        = "pong"
	TypeError       = "error"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ViewportPayload struct {
	Bounds domain.BoundingBox `json:"bounds"`
	Zoom   float64            `json:"zoom"`
}

type CodePayload struct {
	Code string `json:"code"`
}

type SearchPayload struct {
	Query string `json:"query"`
}

type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// HelloPayload tells a new client where to open the map.
type HelloPayload struct {
	SessionID string        `json:"sessionId"`
	Markers   int           `json:"markers"`
	Collected int           `json:"collected"`
	Limit     int           `json:"limit"`
	Center    domain.LatLng `json:"center"`
	Zoom      float64       `json:"zoom"`
}

// MarkerView is everything a client needs to draw one marker.
type MarkerView struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Lines     string          `json:"lines"`
	Position  domain.LatLng   `json:"position"`
	Collected bool            `json:"collected"`
	Icon      icon.Descriptor `json:"icon"`
	Opacity   float64         `json:"opacity"`
}

func NewMarkerView(m *registry.Marker) MarkerView {
	return MarkerView{
		Code:      m.Code,
		Name:      m.DisplayName,
		Lines:     m.Lines,
		Position:  m.Position,
		Collected: m.Collected,
		Icon:      m.Icon,
		Opacity:   m.Opacity,
	}
}

type IconUpdate struct {
	Code string          `json:"code"`
	Icon icon.Descriptor `json:"icon"`
}

type OpacityUpdate struct {
	Code    string  `json:"code"`
	Opacity float64 `json:"opacity"`
}

type DeltaPayload struct {
	Attach  []MarkerView     `json:"attach,omitempty"`
	Detach  []string         `json:"detach,omitempty"`
	Icons   []IconUpdate     `json:"icons,omitempty"`
	Opacity []OpacityUpdate  `json:"opacity,omitempty"`
	Window  *viewport.Result `json:"window,omitempty"`
}

func (d DeltaPayload) Empty() bool {
	return len(d.Attach) == 0 && len(d.Detach) == 0 && len(d.Icons) == 0 && len(d.Opacity) == 0 && d.Window == nil
}

type ToggledPayload struct {
	Code      string          `json:"code"`
	Collected bool            `json:"collected"`
	Icon      icon.Descriptor `json:"icon"`
}

type Suggestion struct {
	Code     string        `json:"code"`
	Name     string        `json:"name"`
	Lines    string        `json:"lines"`
	Position domain.LatLng `json:"position"`
}

type SuggestionsPayload struct {
	Query   string       `json:"query"`
	Results []Suggestion `json:"results"`
}

type ViewPayload struct {
	Center domain.LatLng `json:"center"`
	Zoom   float64       `json:"zoom"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

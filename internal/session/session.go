// Package session runs the marker engine for one connected map. Everything
// a session does happens on the goroutine running Run: client messages,
// changes mirrored from other sessions and highlight resets are all
// serialised through it, so the registry's markers and the map view never
// see concurrent mutation.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ekistamp/internal/domain"
	"ekistamp/internal/hub"
	"ekistamp/internal/registry"
	"ekistamp/internal/search"
	"ekistamp/internal/viewport"
)

type Broadcaster interface {
	Broadcast(change hub.Change)
}

// Limiter decides whether a key may toggle again.
type Limiter interface {
	Allow(key string) bool
}

type Options struct {
	Limit             int
	Toggles           Limiter
	Center            domain.LatLng
	HighlightDuration time.Duration
	InboundBuffer     int
	OutboundBuffer    int
}

const ErrTooManyToggles = "too many toggles"

type Session struct {
	ID string

	reg    *registry.Registry
	view   *mapView
	hl     *search.Highlighter
	client *hub.Client
	hub    Broadcaster
	opts   Options

	in     chan []byte
	out    chan []byte
	posted chan func()
	logger *slog.Logger
}

// New wires a session around an already built registry. client may be nil
// when no other sessions need to hear about toggles.
func New(id string, reg *registry.Registry, client *hub.Client, b Broadcaster, opts Options, logger *slog.Logger) *Session {
	if opts.Limit <= 0 {
		opts.Limit = viewport.DefaultLimit
	}
	if opts.HighlightDuration <= 0 {
		opts.HighlightDuration = search.HighlightDuration
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}

	s := &Session{
		ID:     id,
		reg:    reg,
		view:   &mapView{zoom: reg.Zoom()},
		client: client,
		hub:    b,
		opts:   opts,
		in:     make(chan []byte, opts.InboundBuffer),
		out:    make(chan []byte, opts.OutboundBuffer),
		posted: make(chan func(), 16),
		logger: logger.With("component", "session", "session_id", id),
	}
	s.hl = search.NewHighlighter(opts.HighlightDuration, s.post)
	return s
}

// Inbound accepts raw client messages.
func (s *Session) Inbound() chan<- []byte {
	return s.in
}

// Outbound yields encoded server messages. It is closed when Run returns.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

func (s *Session) post(fn func()) {
	select {
	case s.posted <- fn:
	default:
		s.logger.Debug("posted queue full, dropping deferred action")
	}
}

// Run processes input until ctx is cancelled or the inbound channel is
// closed.
func (s *Session) Run(ctx context.Context) {
	defer close(s.out)
	defer s.hl.Stop()

	var changes <-chan hub.Change
	if s.client != nil {
		changes = s.client.Changes
	}

	s.send(ctx, TypeHello, HelloPayload{
		SessionID: s.ID,
		Markers:   s.reg.Len(),
		Collected: s.reg.CollectedCount(),
		Limit:     s.opts.Limit,
		Center:    s.opts.Center,
		Zoom:      s.reg.Zoom(),
	})

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-s.in:
			if !ok {
				return
			}
			s.handle(ctx, data)

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.mirror(change)

		case fn := <-s.posted:
			fn()
		}
		s.flush(ctx)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("invalid message format", "error", err)
		s.sendError(ctx, "invalid message format")
		return
	}

	switch env.Type {
	case TypeViewport:
		var p ViewportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || !p.Bounds.Valid() {
			s.sendError(ctx, "invalid viewport")
			return
		}
		s.moveViewport(p)

	case TypeToggle:
		var p CodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Code == "" {
			s.sendError(ctx, "invalid toggle")
			return
		}
		s.toggle(ctx, p.Code)

	case TypeSearch:
		var p SearchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(ctx, "invalid search")
			return
		}
		s.suggest(ctx, p.Query)

	case TypeSelect:
		var p CodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(ctx, "invalid select")
			return
		}
		m, ok := s.reg.Lookup(p.Code)
		if !ok {
			s.sendError(ctx, registry.ErrUnknownStation.Error())
			return
		}
		s.hl.Select(m, s.view)

	case TypePing:
		s.send(ctx, TypePong, nil)

	default:
		s.sendError(ctx, "unknown message type "+env.Type)
	}
}

// moveViewport handles the end of a pan or zoom: icons are resized first,
// then the attached set is reconciled against the new bounds.
func (s *Session) moveViewport(p ViewportPayload) {
	if p.Zoom != s.view.zoom || !s.view.known {
		for _, m := range s.reg.Resize(p.Zoom) {
			s.view.iconChanged(m)
		}
		s.view.zoom = p.Zoom
	}
	s.view.bounds = p.Bounds
	s.view.known = true

	res := viewport.Reconcile(s.view, s.reg, s.opts.Limit)
	s.logger.Debug("viewport reconciled",
		"zoom", p.Zoom,
		"in_bounds", res.InBounds,
		"visible", res.Visible,
		"attached", res.Attached,
		"detached", res.Detached,
	)
	s.view.pendingWindow(res)
}

func (s *Session) toggle(ctx context.Context, code string) {
	if s.opts.Toggles != nil && !s.opts.Toggles.Allow(s.ID) {
		s.sendError(ctx, ErrTooManyToggles)
		return
	}

	m, err := s.reg.Toggle(ctx, code)
	if err != nil {
		s.sendError(ctx, err.Error())
		return
	}

	if live, ok := s.reg.Lookup(code); ok {
		s.view.iconChanged(live)
	}
	s.send(ctx, TypeToggled, ToggledPayload{Code: m.Code, Collected: m.Collected, Icon: m.Icon})

	if s.hub != nil {
		s.hub.Broadcast(hub.Change{Code: code, Collected: m.Collected, Origin: s.ID})
	}
}

func (s *Session) mirror(change hub.Change) {
	m, changed := s.reg.Apply(change.Code, change.Collected)
	if changed {
		s.view.iconChanged(m)
	}
}

func (s *Session) suggest(ctx context.Context, query string) {
	matches := search.Suggest(query, s.reg.Markers())
	results := make([]Suggestion, 0, len(matches))
	for _, m := range matches {
		results = append(results, Suggestion{Code: m.Code, Name: m.DisplayName, Lines: m.Lines, Position: m.Position})
	}
	s.send(ctx, TypeSuggestions, SuggestionsPayload{Query: query, Results: results})
}

func (s *Session) flush(ctx context.Context) {
	if mv := s.view.takeMove(); mv != nil {
		s.send(ctx, TypeView, mv)
	}
	if d := s.view.takeDelta(); !d.Empty() {
		s.send(ctx, TypeDelta, d)
	}
}

func (s *Session) sendError(ctx context.Context, msg string) {
	s.send(ctx, TypeError, ErrorPayload{Message: msg})
}

func (s *Session) send(ctx context.Context, typ string, payload any) {
	data, err := json.Marshal(Outbound{Type: typ, Payload: payload})
	if err != nil {
		s.logger.Error("failed to encode message", "type", typ, "error", err)
		return
	}
	select {
	case s.out <- data:
	case <-ctx.Done():
	}
}

// Mirror applies changes from the hub to a registry that has no session of
// its own, such as the one behind the REST API. It returns when the client
// channel is closed or ctx is done.
func Mirror(ctx context.Context, client *hub.Client, reg *registry.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-client.Changes:
			if !ok {
				return
			}
			reg.Apply(change.Code, change.Collected)
		}
	}
}

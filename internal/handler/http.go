package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ekistamp/internal/domain"
	"ekistamp/internal/hub"
	"ekistamp/internal/lines"
	"ekistamp/internal/registry"
	"ekistamp/internal/search"
	"ekistamp/internal/session"
)

// HTTPHandler serves the shared registry. Toggles made here are broadcast
// under originID so the registry's own mirror skips them.
type HTTPHandler struct {
	reg      *registry.Registry
	hub      session.Broadcaster
	originID string
	lines    []lines.Polyline
	logger   *slog.Logger
}

func NewHTTPHandler(reg *registry.Registry, b session.Broadcaster, originID string, overlay []lines.Polyline, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		reg:      reg,
		hub:      b,
		originID: originID,
		lines:    overlay,
		logger:   logger.With("handler", "http"),
	}
}

type StationsResponse struct {
	Stations   []registry.Marker `json:"stations"`
	Count      int               `json:"count"`
	ServerTime time.Time         `json:"serverTime"`
}

func (h *HTTPHandler) ListStations(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	q := r.URL.Query()

	var bbox *domain.BoundingBox
	if bboxStr := q.Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLon,maxLat,maxLon")
			return
		}
		bb, err := parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
		if !bb.Valid() {
			respondError(w, http.StatusBadRequest, "invalid bbox values: min exceeds max")
			return
		}
		bbox = bb
	}

	var collected *bool
	if v := q.Get("collected"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid collected parameter: must be true or false")
			return
		}
		collected = &b
	}

	stations := make([]registry.Marker, 0)
	for _, m := range h.reg.Snapshot() {
		if bbox != nil && !bbox.Contains(m.Position) {
			continue
		}
		if collected != nil && m.Collected != *collected {
			continue
		}
		stations = append(stations, m)
	}

	respondJSON(w, http.StatusOK, StationsResponse{
		Stations:   stations,
		Count:      len(stations),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetStation(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	code := r.PathValue("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "missing station code")
		return
	}

	m, ok := h.reg.Get(code)
	if !ok {
		respondError(w, http.StatusNotFound, registry.ErrUnknownStation.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *HTTPHandler) ToggleStation(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	code := r.PathValue("code")

	m, err := h.reg.Toggle(r.Context(), code)
	if errors.Is(err, registry.ErrUnknownStation) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ServerStats.IncToggles()

	h.logger.Info("station toggled", "code", code, "collected", m.Collected)
	if h.hub != nil {
		h.hub.Broadcast(hub.Change{Code: code, Collected: m.Collected, Origin: h.originID})
	}
	respondJSON(w, http.StatusOK, m)
}

type SearchResponse struct {
	Query   string            `json:"query"`
	Results []registry.Marker `json:"results"`
}

func (h *HTTPHandler) Search(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	query := r.URL.Query().Get("q")

	snapshot := h.reg.Snapshot()
	markers := make([]*registry.Marker, len(snapshot))
	for i := range snapshot {
		markers[i] = &snapshot[i]
	}

	results := make([]registry.Marker, 0, search.MaxSuggestions)
	for _, m := range search.Suggest(query, markers) {
		results = append(results, *m)
	}
	respondJSON(w, http.StatusOK, SearchResponse{Query: query, Results: results})
}

type LinesResponse struct {
	Lines []lines.Polyline `json:"lines"`
	Count int              `json:"count"`
}

func (h *HTTPHandler) ListLines(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	overlay := h.lines
	if overlay == nil {
		overlay = []lines.Polyline{}
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	respondJSON(w, http.StatusOK, LinesResponse{Lines: overlay, Count: len(overlay)})
}

func parseBBox(parts []string) (*domain.BoundingBox, error) {
	minLat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, err
	}
	minLon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, err
	}
	maxLat, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, err
	}
	maxLon, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return nil, err
	}
	return &domain.BoundingBox{
		MinLat: minLat, MinLon: minLon,
		MaxLat: maxLat, MaxLon: maxLon,
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"ekistamp/internal/catalog"
	"ekistamp/internal/hub"
	"ekistamp/internal/registry"
)

// Stats tracks server-wide counters
type Stats struct {
	startTime     time.Time
	requestCount  atomic.Int64
	toggleCount   atomic.Int64
	wsConnections atomic.Int64
	wsMessagesIn  atomic.Int64
	wsMessagesOut atomic.Int64
}

var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()      { s.requestCount.Add(1) }
func (s *Stats) IncToggles()       { s.toggleCount.Add(1) }
func (s *Stats) IncWSConnections() { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections() { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()  { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut() { s.wsMessagesOut.Add(1) }

// BlockCounter reports refused toggles.
type BlockCounter interface {
	Blocked() int64
}

type StatsHandler struct {
	reg     *registry.Registry
	catalog catalog.Stats
	hub     *hub.Hub
	limiter BlockCounter
}

func NewStatsHandler(reg *registry.Registry, catalogStats catalog.Stats, h *hub.Hub, limiter BlockCounter) *StatsHandler {
	return &StatsHandler{
		reg:     reg,
		catalog: catalogStats,
		hub:     h,
		limiter: limiter,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Stations  StationStatsResponse   `json:"stations"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	ToggleCount   int64     `json:"toggle_count"`
	RateLimited   int64     `json:"rate_limited"`
}

type StationStatsResponse struct {
	Total      int `json:"total"`
	Collected  int `json:"collected"`
	Records    int `json:"records"`
	Excluded   int `json:"excluded"`
	Malformed  int `json:"malformed"`
	Duplicates int `json:"duplicates"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	HubClients  int   `json:"hub_clients"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var blocked int64
	if h.limiter != nil {
		blocked = h.limiter.Blocked()
	}
	var hubClients int
	if h.hub != nil {
		hubClients = h.hub.ClientCount()
	}

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			ToggleCount:   ServerStats.toggleCount.Load(),
			RateLimited:   blocked,
		},
		Stations: StationStatsResponse{
			Total:      h.reg.Len(),
			Collected:  h.reg.CollectedCount(),
			Records:    h.catalog.Records,
			Excluded:   h.catalog.Excluded,
			Malformed:  h.catalog.Malformed,
			Duplicates: h.catalog.Duplicates,
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			HubClients:  hubClients,
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}

package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ekistamp/internal/catalog"
	"ekistamp/internal/domain"
	"ekistamp/internal/hub"
	"ekistamp/internal/lines"
	"ekistamp/internal/persistence"
	"ekistamp/internal/registry"
	"ekistamp/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	changes []hub.Change
}

func (b *recordingBroadcaster) Broadcast(c hub.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, c)
}

func testStations() []domain.Station {
	return []domain.Station{
		{Code: "JR-East.Yamanote.Tokyo", DisplayName: "Tokyo", Lines: "J R- East  Yamanote", Position: domain.LatLng{Lat: 35.681236, Lon: 139.767125}},
		{Code: "JR-East.Yamanote.Shinjuku", DisplayName: "Shinjuku", Lines: "J R- East  Yamanote", Position: domain.LatLng{Lat: 35.690921, Lon: 139.700258}},
		{Code: "JR-East.Yamanote.Shinbashi", DisplayName: "Shinbashi", Lines: "J R- East  Yamanote", Position: domain.LatLng{Lat: 35.666195, Lon: 139.758587}},
		{Code: "JR-Hokkaido.Hakodate.Sapporo", DisplayName: "Sapporo", Lines: "J R- Hokkaido  Hakodate", Position: domain.LatLng{Lat: 43.068661, Lon: 141.350755}},
	}
}

type apiFixture struct {
	store *persistence.MemoryStore
	reg   *registry.Registry
	bc    *recordingBroadcaster
	mux   *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "JR-Hokkaido.Hakodate.Sapporo", true))

	reg := registry.New(store, registry.Config{TileZoom: 10}, discardLogger())
	reg.BuildAll(context.Background(), testStations(), 13)
	t.Cleanup(reg.WaitWrites)

	overlay := []lines.Polyline{{Name: "山手線", Color: lines.Palette[0], Weight: lines.Weight, Opacity: lines.Opacity}}
	bc := &recordingBroadcaster{}

	api := NewHTTPHandler(reg, bc, "rest", overlay, discardLogger())
	stats := NewStatsHandler(reg, catalog.Stats{Records: 6, Excluded: 1, Duplicates: 1}, nil, nil)
	health := NewHealthHandler(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stations", api.ListStations)
	mux.HandleFunc("GET /v1/stations/{code}", api.GetStation)
	mux.HandleFunc("POST /v1/stations/{code}/toggle", api.ToggleStation)
	mux.HandleFunc("GET /v1/search", api.Search)
	mux.HandleFunc("GET /v1/lines", api.ListLines)
	mux.HandleFunc("GET /v1/stats", stats.GetStats)
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz)

	return &apiFixture{store: store, reg: reg, bc: bc, mux: mux}
}

func (f *apiFixture) do(t *testing.T, method, target string, dest any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if dest != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
	}
	return rec
}

func TestListStations(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/v1/stations", []string{"JR-East.Yamanote.Tokyo", "JR-East.Yamanote.Shinjuku", "JR-East.Yamanote.Shinbashi", "JR-Hokkaido.Hakodate.Sapporo"}},
		{"bbox", "/v1/stations?bbox=35.6,139.65,35.75,139.8", []string{"JR-East.Yamanote.Tokyo", "JR-East.Yamanote.Shinjuku", "JR-East.Yamanote.Shinbashi"}},
		{"collected", "/v1/stations?collected=true", []string{"JR-Hokkaido.Hakodate.Sapporo"}},
		{"bbox and uncollected", "/v1/stations?bbox=35.6,139.65,35.75,139.8&collected=false", []string{"JR-East.Yamanote.Tokyo", "JR-East.Yamanote.Shinjuku", "JR-East.Yamanote.Shinbashi"}},
		{"empty", "/v1/stations?bbox=0,0,1,1", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp StationsResponse
			rec := f.do(t, http.MethodGet, tt.target, &resp)
			assert.Equal(t, http.StatusOK, rec.Code)

			got := make([]string, 0, len(resp.Stations))
			for _, s := range resp.Stations {
				got = append(got, s.Code)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), resp.Count)
		})
	}
}

func TestListStations_BadParams(t *testing.T) {
	f := newAPIFixture(t)

	for _, target := range []string{
		"/v1/stations?bbox=1,2,3",
		"/v1/stations?bbox=a,b,c,d",
		"/v1/stations?bbox=36,139,35,140",
		"/v1/stations?collected=maybe",
	} {
		var resp errorResponse
		rec := f.do(t, http.MethodGet, target, &resp)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.NotEmpty(t, resp.Error)
	}
}

func TestGetStation(t *testing.T) {
	f := newAPIFixture(t)

	var m registry.Marker
	rec := f.do(t, http.MethodGet, "/v1/stations/JR-Hokkaido.Hakodate.Sapporo", &m)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sapporo", m.DisplayName)
	assert.True(t, m.Collected)

	var e errorResponse
	rec = f.do(t, http.MethodGet, "/v1/stations/Nowhere.Line.Ghost", &e)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, registry.ErrUnknownStation.Error(), e.Error)
}

func TestToggleStation(t *testing.T) {
	f := newAPIFixture(t)

	var m registry.Marker
	rec := f.do(t, http.MethodPost, "/v1/stations/JR-East.Yamanote.Tokyo/toggle", &m)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.Collected)

	f.reg.WaitWrites()
	v, err := f.store.Get(context.Background(), "JR-East.Yamanote.Tokyo")
	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, []hub.Change{{Code: "JR-East.Yamanote.Tokyo", Collected: true, Origin: "rest"}}, f.bc.changes)

	rec = f.do(t, http.MethodPost, "/v1/stations/Nowhere.Line.Ghost/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newAPIFixture(t)

	var resp SearchResponse
	rec := f.do(t, http.MethodGet, "/v1/search?q=shin", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Shinjuku", resp.Results[0].DisplayName)
	assert.Equal(t, "Shinbashi", resp.Results[1].DisplayName)

	f.do(t, http.MethodGet, "/v1/search?q=", &resp)
	assert.Empty(t, resp.Results)
}

func TestListLines(t *testing.T) {
	f := newAPIFixture(t)

	var resp LinesResponse
	rec := f.do(t, http.MethodGet, "/v1/lines", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "山手線", resp.Lines[0].Name)
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t)

	var resp StatsResponse
	rec := f.do(t, http.MethodGet, "/v1/stats", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, resp.Stations.Total)
	assert.Equal(t, 1, resp.Stations.Collected)
	assert.Equal(t, 6, resp.Stations.Records)
	assert.Equal(t, 1, resp.Stations.Excluded)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	var ready ReadyResponse
	rec = f.do(t, http.MethodGet, "/readyz", &ready)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ready.Ready)
	assert.Equal(t, 4, ready.StationCount)

	empty := NewHealthHandler(registry.New(persistence.NewMemoryStore(), registry.Config{}, discardLogger()))
	out := httptest.NewRecorder()
	empty.Readyz(out, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, out.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight reached handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/stations", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketSession(t *testing.T) {
	store := persistence.NewMemoryStore()
	wsHub := hub.NewHub(discardLogger())
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go wsHub.Run(hubCtx)

	ws := NewWSHandler(hubCtx, wsHub, testStations(), store, WSConfig{
		InitialZoom: 13,
		Registry:    registry.Config{TileZoom: 10},
		Session:     session.Options{Limit: 2},
	}, discardLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", ws.ServeWS)
	srv := httptest.NewServer(GzipMiddleware(mux))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readWS(t, ctx, conn)
	require.Equal(t, session.TypeHello, hello.Type)
	var hp session.HelloPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &hp))
	assert.Equal(t, 4, hp.Markers)
	assert.Equal(t, 2, hp.Limit)

	viewport := `{"type":"viewport","payload":{"bounds":{"minLat":35.6,"maxLat":35.75,"minLon":139.65,"maxLon":139.8},"zoom":13}}`
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(viewport)))

	delta := readWS(t, ctx, conn)
	require.Equal(t, session.TypeDelta, delta.Type)
	var d session.DeltaPayload
	require.NoError(t, json.Unmarshal(delta.Payload, &d))
	assert.Len(t, d.Attach, 2)
	require.NotNil(t, d.Window)
	assert.Equal(t, 3, d.Window.InBounds)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"toggle","payload":{"code":"JR-East.Yamanote.Shinbashi"}}`)))
	toggled := readWS(t, ctx, conn)
	require.Equal(t, session.TypeToggled, toggled.Type)

	require.Eventually(t, func() bool {
		v, _ := store.Get(context.Background(), "JR-East.Yamanote.Shinbashi")
		return v
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	for {
		msg := readWS(t, ctx, conn)
		if msg.Type == session.TypePong {
			break
		}
	}
}

func dialWS(t *testing.T, ctx context.Context, ws *WSHandler) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", ws.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWebSocketSession_CatchesUpOnUnwrittenChanges(t *testing.T) {
	store := persistence.NewMemoryStore()
	wsHub := hub.NewHub(discardLogger())
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go wsHub.Run(hubCtx)

	// A toggle elsewhere whose store write has not landed yet.
	watcher := hub.NewClient("watcher", 1)
	wsHub.Register(watcher)
	wsHub.Broadcast(hub.Change{Code: "JR-East.Yamanote.Shinbashi", Collected: true, Origin: "rest"})
	select {
	case <-watcher.Changes:
	case <-time.After(2 * time.Second):
		t.Fatal("change was not fanned out")
	}

	ws := NewWSHandler(hubCtx, wsHub, testStations(), store, WSConfig{
		InitialZoom: 13,
		Registry:    registry.Config{TileZoom: 10},
		Session:     session.Options{Limit: 2},
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ws)

	hello := readWS(t, ctx, conn)
	require.Equal(t, session.TypeHello, hello.Type)
	var hp session.HelloPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &hp))
	assert.Equal(t, 1, hp.Collected)
}

type slowStore struct {
	*persistence.MemoryStore
	delay time.Duration
}

func (s slowStore) Set(ctx context.Context, key string, value bool) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Set(ctx, key, value)
}

func TestWSHandler_WaitDrainsSessionWrites(t *testing.T) {
	mem := persistence.NewMemoryStore()
	wsHub := hub.NewHub(discardLogger())
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go wsHub.Run(hubCtx)

	baseCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	ws := NewWSHandler(baseCtx, wsHub, testStations(), slowStore{MemoryStore: mem, delay: 200 * time.Millisecond}, WSConfig{
		InitialZoom: 13,
		Registry:    registry.Config{TileZoom: 10, WriteTimeout: time.Second},
		Session:     session.Options{Limit: 2},
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ws)

	require.Equal(t, session.TypeHello, readWS(t, ctx, conn).Type)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"toggle","payload":{"code":"JR-East.Yamanote.Tokyo"}}`)))
	require.Equal(t, session.TypeToggled, readWS(t, ctx, conn).Type)

	shutdown()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, ws.Wait(waitCtx))

	v, err := mem.Get(context.Background(), "JR-East.Yamanote.Tokyo")
	require.NoError(t, err)
	assert.True(t, v, "write finished before Wait returned")
}

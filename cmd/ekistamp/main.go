package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ekistamp/internal/catalog"
	"ekistamp/internal/config"
	"ekistamp/internal/domain"
	"ekistamp/internal/handler"
	"ekistamp/internal/hub"
	"ekistamp/internal/lines"
	"ekistamp/internal/middleware"
	"ekistamp/internal/persistence"
	"ekistamp/internal/registry"
	"ekistamp/internal/session"
	"ekistamp/pkg/source"
)

const restOrigin = "rest-api"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ekistamp server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"data_source", cfg.DataSource,
		"store_backend", cfg.StoreBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := source.New(cfg.DataSource)
	if err != nil {
		logger.Error("invalid data source", "data_source", cfg.DataSource, "error", err)
		os.Exit(1)
	}

	cat, err := catalog.NewLoader(src, cfg.StationsFile, cfg.ExcludedLinesFile, logger).Load(ctx)
	if err != nil {
		logger.Error("failed to load station catalog", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(persistence.Config{
		Backend:       cfg.StoreBackend,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.RedisKeyPrefix,
	}, logger)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	overlay, err := lines.NewLoader(src, cfg.LinesFile, cfg.LineNameProperty, logger).Load(ctx)
	if err != nil {
		logger.Warn("line overlay unavailable", "file", cfg.LinesFile, "error", err)
	}

	regCfg := registry.Config{
		TileZoom:     cfg.TileZoomLevel,
		WriteTimeout: cfg.StoreWriteTimeout,
	}

	wsHub := hub.NewHub(logger)
	go wsHub.Run(ctx)

	shared := registry.New(store, regCfg, logger)
	shared.BuildAll(ctx, cat.Stations, cfg.InitialZoom)
	mirror := hub.NewClient(restOrigin, 256)
	for _, c := range wsHub.Register(mirror) {
		shared.Apply(c.Code, c.Collected)
	}
	go session.Mirror(ctx, mirror, shared)

	limiter := middleware.NewLimiter(cfg.ToggleRateLimit, cfg.ToggleRateWindow, logger)
	go limiter.Run(ctx)

	httpHandler := handler.NewHTTPHandler(shared, wsHub, restOrigin, overlay, logger)
	statsHandler := handler.NewStatsHandler(shared, cat.Stats, wsHub, limiter)
	healthHandler := handler.NewHealthHandler(shared)
	wsHandler := handler.NewWSHandler(ctx, wsHub, cat.Stations, store, handler.WSConfig{
		InitialZoom: cfg.InitialZoom,
		Registry:    regCfg,
		Session: session.Options{
			Limit:   cfg.MaxDisplayedMarkers,
			Toggles: limiter,
			Center:  domain.LatLng{Lat: cfg.InitialLat, Lon: cfg.InitialLon},
		},
	}, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/stations", httpHandler.ListStations)
	mux.HandleFunc("GET /v1/stations/{code}", httpHandler.GetStation)
	mux.Handle("POST /v1/stations/{code}/toggle", limiter.Middleware(http.HandlerFunc(httpHandler.ToggleStation)))
	mux.HandleFunc("GET /v1/search", httpHandler.Search)
	mux.HandleFunc("GET /v1/lines", httpHandler.ListLines)
	mux.HandleFunc("GET /v1/stats", statsHandler.GetStats)
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)

	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(handler.GzipMiddleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			"addr", cfg.HTTPAddr,
			"stations", len(cat.Stations),
			"collected", shared.CollectedCount(),
			"lines", len(overlay),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Sessions and the shared registry must finish writing before the
	// deferred store.Close runs.
	waitCtx, waitCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
	defer waitCancel()
	if err := wsHandler.Wait(waitCtx); err != nil {
		logger.Warn("websocket sessions still open at shutdown", "clients", wsHub.ClientCount(), "error", err)
	}
	done := make(chan struct{})
	go func() {
		shared.WaitWrites()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		logger.Warn("pending store writes abandoned")
	}

	logger.Info("shutdown complete")
}

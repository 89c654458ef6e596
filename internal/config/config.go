package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DataSource        string
	StationsFile      string
	ExcludedLinesFile string
	LinesFile         string
	LineNameProperty  string

	MaxDisplayedMarkers int
	InitialZoom         float64
	InitialLat          float64
	InitialLon          float64
	TileZoomLevel       int

	StoreBackend      string
	SQLitePath        string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKeyPrefix    string
	StoreWriteTimeout time.Duration

	ToggleRateLimit  int
	ToggleRateWindow time.Duration
}

var storeBackends = []string{"memory", "sqlite", "redis"}

func Load() (*Config, error) {
	backend := strings.ToLower(getEnv("STORE_BACKEND", "sqlite"))
	if !contains(storeBackends, backend) {
		return nil, fmt.Errorf("STORE_BACKEND must be one of %s, got %q", strings.Join(storeBackends, "|"), backend)
	}

	return &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		DataSource:        getEnv("DATA_SOURCE", "./data"),
		StationsFile:      getEnv("STATIONS_FILE", "station.json"),
		ExcludedLinesFile: getEnv("EXCLUDED_LINES_FILE", "excluded_lines.json"),
		LinesFile:         getEnv("LINES_FILE", "N02-23_RailroadSection.geojson"),
		LineNameProperty:  getEnv("LINE_NAME_PROPERTY", "路線名"),

		MaxDisplayedMarkers: getIntEnv("MAX_DISPLAYED_MARKERS", 300),
		InitialZoom:         getFloatEnv("INITIAL_ZOOM", 13),
		InitialLat:          getFloatEnv("INITIAL_LAT", 35.682839),
		InitialLon:          getFloatEnv("INITIAL_LON", 139.759455),
		TileZoomLevel:       getIntEnv("TILE_ZOOM_LEVEL", 10),

		StoreBackend:      backend,
		SQLitePath:        getEnv("SQLITE_PATH", "./data/visited.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getIntEnv("REDIS_DB", 0),
		RedisKeyPrefix:    getEnv("REDIS_KEY_PREFIX", "visited_stations/"),
		StoreWriteTimeout: getDurationEnv("WRITE_TIMEOUT_STORE", 10*time.Second),

		ToggleRateLimit:  getIntEnv("TOGGLE_RATE_LIMIT", 60),
		ToggleRateWindow: getDurationEnv("TOGGLE_RATE_WINDOW", time.Minute),
	}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const createVisitedTable = `
CREATE TABLE IF NOT EXISTS visited_stations (
	code       TEXT PRIMARY KEY,
	visited    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps collected flags in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer; SQLite serialises writes anyway
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createVisitedTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "sqlite_store"),
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (bool, error) {
	var visited bool
	err := s.db.QueryRowContext(ctx,
		`SELECT visited FROM visited_stations WHERE code = ?`, key,
	).Scan(&visited)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &ReadError{Key: key, Err: err}
	}
	return visited, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value bool) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visited_stations (code, visited, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET visited = excluded.visited, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	s.logger.Debug("visited flag stored", "code", key, "visited", value, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

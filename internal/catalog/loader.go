package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ekistamp/internal/domain"
	"ekistamp/pkg/source"
)

// ErrMalformedStation marks a station record without a code or line code.
var ErrMalformedStation = errors.New("malformed station record")

// LoadError reports which dataset could not be fetched or parsed.
type LoadError struct {
	Resource string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Resource, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Stats counts the records dropped while building the catalog
type Stats struct {
	Records    int `json:"records"`
	Excluded   int `json:"excluded"`
	Malformed  int `json:"malformed"`
	Duplicates int `json:"duplicates"`
}

// Catalog is the deduplicated, filtered station set in dataset order
type Catalog struct {
	Stations []domain.Station
	Stats    Stats
}

type Loader struct {
	src          source.Source
	stationsFile string
	excludedFile string
	logger       *slog.Logger
}

func NewLoader(src source.Source, stationsFile, excludedFile string, logger *slog.Logger) *Loader {
	return &Loader{
		src:          src,
		stationsFile: stationsFile,
		excludedFile: excludedFile,
		logger:       logger.With("component", "catalog"),
	}
}

// Load fetches both datasets concurrently and fails if either one fails.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	start := time.Now()

	var wg sync.WaitGroup
	var groups []domain.StationGroup
	var excluded []domain.ExcludedLine
	var stationsErr, excludedErr error

	wg.Add(2)

	go func() {
		defer wg.Done()
		stationsErr = l.fetchJSON(ctx, l.stationsFile, &groups)
	}()

	go func() {
		defer wg.Done()
		excludedErr = l.fetchJSON(ctx, l.excludedFile, &excluded)
	}()

	wg.Wait()

	if stationsErr != nil {
		return nil, &LoadError{Resource: l.stationsFile, Err: stationsErr}
	}
	if excludedErr != nil {
		return nil, &LoadError{Resource: l.excludedFile, Err: excludedErr}
	}

	cat := Build(groups, excluded, l.logger)

	l.logger.Info("catalog loaded",
		"stations", len(cat.Stations),
		"records", cat.Stats.Records,
		"excluded", cat.Stats.Excluded,
		"malformed", cat.Stats.Malformed,
		"duplicates", cat.Stats.Duplicates,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return cat, nil
}

func (l *Loader) fetchJSON(ctx context.Context, name string, dest any) error {
	rc, err := l.src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := json.NewDecoder(rc).Decode(dest); err != nil {
		return fmt.Errorf("decoding: %w", err)
	}
	return nil
}

// Build filters and deduplicates raw station groups. Excluded lines are
// dropped before deduplication; the first station to produce a display name
// wins and later ones with the same name are discarded.
func Build(groups []domain.StationGroup, excluded []domain.ExcludedLine, logger *slog.Logger) *Catalog {
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, e := range excluded {
		excludedSet[e.LineCode] = struct{}{}
	}

	cat := &Catalog{}
	seen := make(map[string]struct{})

	for _, g := range groups {
		for _, rec := range g.Stations {
			cat.Stats.Records++

			if _, skip := excludedSet[rec.LineCode]; skip {
				cat.Stats.Excluded++
				continue
			}

			st, err := FromRecord(rec)
			if err != nil {
				cat.Stats.Malformed++
				logger.Warn("skipping station", "code", rec.Code, "line_code", rec.LineCode, "error", err)
				continue
			}

			if _, dup := seen[st.DisplayName]; dup {
				cat.Stats.Duplicates++
				continue
			}
			seen[st.DisplayName] = struct{}{}
			cat.Stations = append(cat.Stations, st)
		}
	}

	return cat
}

// FromRecord derives a station entity from a raw record.
func FromRecord(rec domain.StationRecord) (domain.Station, error) {
	if rec.Code == "" || rec.LineCode == "" {
		return domain.Station{}, ErrMalformedStation
	}
	return domain.Station{
		Code:        rec.Code,
		DisplayName: DisplayName(rec.Code),
		Lines:       FormatLine(rec.LineCode),
		Position:    domain.LatLng{Lat: rec.Lat, Lon: rec.Lon},
	}, nil
}

// DisplayName takes the local part of a "<line>.<local>" code and spaces
// out its camel case: "JR-East.ChuoLine.Shinjuku" gives "Shinjuku",
// "Toei.Oedo.NishiShinjuku" gives "Nishi Shinjuku".
func DisplayName(code string) string {
	if i := strings.LastIndexByte(code, '.'); i >= 0 {
		code = code[i+1:]
	}
	return spaceCapitals(code)
}

// FormatLine turns a line code like "JR-East.ChuoRapid" into readable text.
func FormatLine(lineCode string) string {
	return spaceCapitals(strings.ReplaceAll(lineCode, ".", " "))
}

func spaceCapitals(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Program is a user-registered executable whose running time is measured.
// TotalSeconds is the cumulative running total across all recorded sessions.
type Program struct {
	ID           string
	Name         string
	MatchKey     string
	TotalSeconds int64
}

// Session is one contiguous interval during which a program was observed
// running. EndTime is nil only for rows left behind by an interrupted run;
// such rows are treated as corrupt and deleted, never repaired.
type Session struct {
	ID              string
	ProgramID       string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int64
}

// CacheEntry is a memoized aggregate result keyed by (metric type, date key).
type CacheEntry struct {
	MetricType string
	DateKey    string
	Payload    []byte
	ComputedAt time.Time
}

var (
	ErrProgramNotFound = errors.New("program not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrCacheMiss       = errors.New("cache entry not found")
)

// Store wraps the sqlite handle with the session-history query surface.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func parseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

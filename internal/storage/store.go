package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddProgram registers a program. IDs are assigned by the caller.
func (s *Store) AddProgram(p Program) error {
	if p.ID == "" {
		return fmt.Errorf("add program: missing id")
	}
	if p.MatchKey == "" {
		return fmt.Errorf("add program %s: missing match_key", p.ID)
	}
	if p.Name == "" {
		p.Name = p.MatchKey
	}

	_, err := s.db.Exec(`
		INSERT INTO programs (id, name, match_key, total_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			match_key = excluded.match_key
	`, p.ID, p.Name, p.MatchKey, p.TotalSeconds)
	if err != nil {
		return fmt.Errorf("add program %s: %w", p.ID, err)
	}

	return nil
}

// RemoveProgram deletes a program; its sessions go with it via ON DELETE CASCADE.
func (s *Store) RemoveProgram(programID string) error {
	res, err := s.db.Exec(`DELETE FROM programs WHERE id = ?`, programID)
	if err != nil {
		return fmt.Errorf("remove program %s: %w", programID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove program %s: %w", programID, err)
	}
	if affected == 0 {
		return ErrProgramNotFound
	}

	return nil
}

func (s *Store) GetProgram(programID string) (Program, error) {
	row := s.db.QueryRow(`
		SELECT id, name, match_key, total_seconds
		FROM programs
		WHERE id = ?
	`, programID)

	var p Program
	if err := row.Scan(&p.ID, &p.Name, &p.MatchKey, &p.TotalSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Program{}, ErrProgramNotFound
		}
		return Program{}, fmt.Errorf("get program %s: %w", programID, err)
	}

	return p, nil
}

func (s *Store) ListPrograms() ([]Program, error) {
	rows, err := s.db.Query(`
		SELECT id, name, match_key, total_seconds
		FROM programs
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	out := make([]Program, 0)
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.ID, &p.Name, &p.MatchKey, &p.TotalSeconds); err != nil {
			return nil, fmt.Errorf("scan program row: %w", err)
		}
		out = append(out, p)
	}

	return out, rows.Err()
}

// OpenSession creates a new session row. EndTime starts equal to StartTime;
// a NULL end_time in the store only ever comes from an interrupted run.
func (s *Store) OpenSession(session Session) error {
	if session.ID == "" {
		return fmt.Errorf("open session: missing id")
	}
	if session.ProgramID == "" {
		return fmt.Errorf("open session %s: missing program_id", session.ID)
	}

	end := formatTimestamp(session.StartTime)
	if session.EndTime != nil {
		end = formatTimestamp(*session.EndTime)
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, program_id, start_time, end_time, duration_seconds)
		VALUES (?, ?, ?, ?, ?)
	`,
		session.ID,
		session.ProgramID,
		formatTimestamp(session.StartTime),
		end,
		session.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("open session %s: %w", session.ID, err)
	}

	return nil
}

// ExtendSession advances end_time and duration_seconds of an open session.
// The update is guarded: a row whose stored end_time has fallen behind its
// start_time (clock anomaly) is left alone.
func (s *Store) ExtendSession(sessionID string, end time.Time, durationSeconds int64) error {
	_, err := s.db.Exec(`
		UPDATE sessions
		SET end_time = ?, duration_seconds = ?
		WHERE id = ?
		  AND end_time IS NOT NULL
		  AND end_time >= start_time
	`, formatTimestamp(end), durationSeconds, sessionID)
	if err != nil {
		return fmt.Errorf("extend session %s: %w", sessionID, err)
	}

	return nil
}

// CloseSession finalizes a session with its last observed end time.
func (s *Store) CloseSession(sessionID string, end time.Time, durationSeconds int64) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET end_time = ?, duration_seconds = ?
		WHERE id = ?
	`, formatTimestamp(end), durationSeconds, sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *Store) DeleteSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// IncrementTotal adds deltaSeconds to a program's cumulative total.
func (s *Store) IncrementTotal(programID string, deltaSeconds int64) error {
	res, err := s.db.Exec(`
		UPDATE programs
		SET total_seconds = total_seconds + ?
		WHERE id = ?
	`, deltaSeconds, programID)
	if err != nil {
		return fmt.Errorf("increment total for program %s: %w", programID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment total for program %s: %w", programID, err)
	}
	if affected == 0 {
		return ErrProgramNotFound
	}

	return nil
}

// MostRecentSession returns the latest session row for a program, open or
// closed. The tracker inspects it at stop time to decide close-vs-discard.
func (s *Store) MostRecentSession(programID string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT id, program_id, start_time, end_time, duration_seconds
		FROM sessions
		WHERE program_id = ?
		ORDER BY start_time DESC
		LIMIT 1
	`, programID)

	return scanSessionRow(row)
}

func (s *Store) GetSession(sessionID string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT id, program_id, start_time, end_time, duration_seconds
		FROM sessions
		WHERE id = ?
	`, sessionID)

	return scanSessionRow(row)
}

// SessionSum is the per-session slice of history the aggregators consume.
type SessionSum struct {
	ProgramID       string
	ProgramName     string
	StartTime       time.Time
	DurationSeconds int64
}

// ListClosedSessionsSince returns closed, valid sessions whose start time is at
// or after cutoff. The SQL filter compares RFC3339 strings and is therefore
// coarse at sub-second boundaries; callers re-filter precisely in Go.
func (s *Store) ListClosedSessionsSince(cutoff time.Time) ([]SessionSum, error) {
	rows, err := s.db.Query(`
		SELECT s.program_id, p.name, s.start_time, s.duration_seconds
		FROM sessions s
		JOIN programs p ON p.id = s.program_id
		WHERE s.end_time IS NOT NULL
		  AND s.end_time >= s.start_time
		  AND s.start_time >= ?
		ORDER BY s.start_time ASC
	`, formatTimestamp(cutoff.Add(-time.Second)))
	if err != nil {
		return nil, fmt.Errorf("list sessions since %s: %w", cutoff, err)
	}
	defer rows.Close()

	out := make([]SessionSum, 0)
	for rows.Next() {
		var (
			sum      SessionSum
			startRaw string
		)
		if err := rows.Scan(&sum.ProgramID, &sum.ProgramName, &startRaw, &sum.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan session sum row: %w", err)
		}

		start, err := parseTimestamp(startRaw)
		if err != nil {
			return nil, fmt.Errorf("parse start_time for program %s: %w", sum.ProgramID, err)
		}
		sum.StartTime = start
		out = append(out, sum)
	}

	return out, rows.Err()
}

// ProgramTotal is a program's lifetime cumulative total.
type ProgramTotal struct {
	ProgramID    string
	Name         string
	TotalSeconds int64
}

func (s *Store) ProgramTotals() ([]ProgramTotal, error) {
	rows, err := s.db.Query(`
		SELECT id, name, total_seconds
		FROM programs
		ORDER BY total_seconds DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query program totals: %w", err)
	}
	defer rows.Close()

	out := make([]ProgramTotal, 0)
	for rows.Next() {
		var t ProgramTotal
		if err := rows.Scan(&t.ProgramID, &t.Name, &t.TotalSeconds); err != nil {
			return nil, fmt.Errorf("scan program total: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// ListSessionsForProgram returns a program's sessions, most recent first.
func (s *Store) ListSessionsForProgram(programID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, program_id, start_time, end_time, duration_seconds
		FROM sessions
		WHERE program_id = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, programID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions for program %s: %w", programID, err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		session, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}

	return out, rows.Err()
}

// GetCacheEntry looks up a memoized aggregate. Returns ErrCacheMiss when absent.
func (s *Store) GetCacheEntry(metricType, dateKey string) (CacheEntry, error) {
	row := s.db.QueryRow(`
		SELECT metric_type, date_key, payload, computed_at
		FROM cache_entries
		WHERE metric_type = ? AND date_key = ?
	`, metricType, dateKey)

	var (
		entry       CacheEntry
		payload     string
		computedRaw string
	)
	if err := row.Scan(&entry.MetricType, &entry.DateKey, &payload, &computedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, ErrCacheMiss
		}
		return CacheEntry{}, fmt.Errorf("get cache entry %s/%s: %w", metricType, dateKey, err)
	}

	computedAt, err := parseTimestamp(computedRaw)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("parse computed_at for %s/%s: %w", metricType, dateKey, err)
	}

	entry.Payload = []byte(payload)
	entry.ComputedAt = computedAt
	return entry, nil
}

// PutCacheEntry upserts a memoized aggregate (one entry per key).
func (s *Store) PutCacheEntry(entry CacheEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (metric_type, date_key, payload, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(metric_type, date_key) DO UPDATE SET
			payload = excluded.payload,
			computed_at = excluded.computed_at
	`,
		entry.MetricType,
		entry.DateKey,
		string(entry.Payload),
		formatTimestamp(entry.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry %s/%s: %w", entry.MetricType, entry.DateKey, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRow(row *sql.Row) (Session, error) {
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return session, nil
}

func scanSessionRows(rows *sql.Rows) (Session, error) {
	return scanSession(rows)
}

func scanSession(scanner rowScanner) (Session, error) {
	var (
		session  Session
		startRaw string
		endRaw   sql.NullString
	)

	if err := scanner.Scan(&session.ID, &session.ProgramID, &startRaw, &endRaw, &session.DurationSeconds); err != nil {
		return Session{}, err
	}

	start, err := parseTimestamp(startRaw)
	if err != nil {
		return Session{}, fmt.Errorf("parse start_time for session %s: %w", session.ID, err)
	}
	session.StartTime = start

	if endRaw.Valid {
		end, err := parseTimestamp(endRaw.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse end_time for session %s: %w", session.ID, err)
		}
		session.EndTime = &end
	}

	return session, nil
}

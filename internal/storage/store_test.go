package storage

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupStorageTestDB(t *testing.T) *Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "playwatch-*.db")
	if err != nil {
		t.Fatalf("create temp db failed: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("close temp db file failed: %v", err)
	}

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpfile.Name())
	})

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migrate test db failed: %v", err)
	}

	return NewStore(db)
}

func TestProgramCRUDAndCascade(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	start := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	if err := store.OpenSession(Session{ID: "sess-1", ProgramID: "prog-1", StartTime: start}); err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	programs, err := store.ListPrograms()
	if err != nil {
		t.Fatalf("list programs failed: %v", err)
	}
	if len(programs) != 1 || programs[0].MatchKey != "starfall.exe" {
		t.Fatalf("unexpected programs: %+v", programs)
	}

	if err := store.RemoveProgram("prog-1"); err != nil {
		t.Fatalf("remove program failed: %v", err)
	}

	if _, err := store.GetSession("sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session cascade-deleted, got %v", err)
	}

	if err := store.RemoveProgram("prog-1"); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("expected ErrProgramNotFound on second remove, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", MatchKey: "game.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	start := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	if err := store.OpenSession(Session{ID: "sess-1", ProgramID: "prog-1", StartTime: start}); err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	opened, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if opened.EndTime == nil || !opened.EndTime.Equal(start) {
		t.Fatalf("expected end_time initialized to start, got %v", opened.EndTime)
	}

	if err := store.ExtendSession("sess-1", start.Add(15*time.Second), 15); err != nil {
		t.Fatalf("extend session failed: %v", err)
	}

	extended, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get extended session failed: %v", err)
	}
	if extended.DurationSeconds != 15 {
		t.Fatalf("expected duration 15, got %d", extended.DurationSeconds)
	}

	if err := store.CloseSession("sess-1", start.Add(30*time.Second), 30); err != nil {
		t.Fatalf("close session failed: %v", err)
	}

	closed, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get closed session failed: %v", err)
	}
	if closed.DurationSeconds != 30 {
		t.Fatalf("expected duration 30, got %d", closed.DurationSeconds)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(start.Add(30*time.Second)) {
		t.Fatalf("unexpected end_time: %v", closed.EndTime)
	}
}

func TestExtendSessionGuardSkipsAnomalousRow(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", MatchKey: "game.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	start := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	behind := start.Add(-time.Minute)
	if err := store.OpenSession(Session{
		ID:        "sess-anomaly",
		ProgramID: "prog-1",
		StartTime: start,
		EndTime:   &behind,
	}); err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	if err := store.ExtendSession("sess-anomaly", start.Add(time.Minute), 60); err != nil {
		t.Fatalf("extend should not error on guarded skip: %v", err)
	}

	session, err := store.GetSession("sess-anomaly")
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if session.DurationSeconds != 0 {
		t.Fatalf("guard should have skipped the update, got duration %d", session.DurationSeconds)
	}
}

func TestMostRecentSessionPrefersLatestStart(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", MatchKey: "game.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	older := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC)

	if err := store.OpenSession(Session{ID: "sess-old", ProgramID: "prog-1", StartTime: older}); err != nil {
		t.Fatalf("open older session failed: %v", err)
	}
	if err := store.OpenSession(Session{ID: "sess-new", ProgramID: "prog-1", StartTime: newer}); err != nil {
		t.Fatalf("open newer session failed: %v", err)
	}

	latest, err := store.MostRecentSession("prog-1")
	if err != nil {
		t.Fatalf("most recent session failed: %v", err)
	}
	if latest.ID != "sess-new" {
		t.Fatalf("expected sess-new, got %s", latest.ID)
	}
}

func TestIncrementTotalAccumulates(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", MatchKey: "game.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	if err := store.IncrementTotal("prog-1", 15); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := store.IncrementTotal("prog-1", 17); err != nil {
		t.Fatalf("second increment failed: %v", err)
	}

	program, err := store.GetProgram("prog-1")
	if err != nil {
		t.Fatalf("get program failed: %v", err)
	}
	if program.TotalSeconds != 32 {
		t.Fatalf("expected total 32, got %d", program.TotalSeconds)
	}

	if err := store.IncrementTotal("missing", 1); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("expected ErrProgramNotFound, got %v", err)
	}
}

func TestListClosedSessionsSinceExcludesOpenAndInvalid(t *testing.T) {
	store := setupStorageTestDB(t)

	if err := store.AddProgram(Program{ID: "prog-1", MatchKey: "game.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	start := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

	if err := store.OpenSession(Session{ID: "sess-closed", ProgramID: "prog-1", StartTime: start}); err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if err := store.CloseSession("sess-closed", start.Add(time.Minute), 60); err != nil {
		t.Fatalf("close session failed: %v", err)
	}

	// Orphan with NULL end_time, as left behind by a crashed run.
	if _, err := store.DB().Exec(`
		INSERT INTO sessions (id, program_id, start_time, end_time, duration_seconds)
		VALUES (?, ?, ?, NULL, 0)
	`, "sess-orphan", "prog-1", start.Add(time.Hour).UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("insert orphan failed: %v", err)
	}

	sums, err := store.ListClosedSessionsSince(start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list closed sessions failed: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(sums))
	}
	if sums[0].DurationSeconds != 60 {
		t.Fatalf("expected duration 60, got %d", sums[0].DurationSeconds)
	}
}

func TestCacheEntryUpsert(t *testing.T) {
	store := setupStorageTestDB(t)

	if _, err := store.GetCacheEntry("today_total", "2026-02-03"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	first := CacheEntry{
		MetricType: "today_total",
		DateKey:    "2026-02-03",
		Payload:    []byte(`{"total_seconds":3600}`),
		ComputedAt: time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC),
	}
	if err := store.PutCacheEntry(first); err != nil {
		t.Fatalf("put cache entry failed: %v", err)
	}

	second := first
	second.Payload = []byte(`{"total_seconds":5400}`)
	second.ComputedAt = first.ComputedAt.Add(time.Hour)
	if err := store.PutCacheEntry(second); err != nil {
		t.Fatalf("upsert cache entry failed: %v", err)
	}

	got, err := store.GetCacheEntry("today_total", "2026-02-03")
	if err != nil {
		t.Fatalf("get cache entry failed: %v", err)
	}
	if string(got.Payload) != `{"total_seconds":5400}` {
		t.Fatalf("expected overwritten payload, got %s", got.Payload)
	}
	if !got.ComputedAt.Equal(second.ComputedAt) {
		t.Fatalf("expected computed_at %v, got %v", second.ComputedAt, got.ComputedAt)
	}
}

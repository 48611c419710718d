package analytics

import (
	"database/sql"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/playwatch/playwatch/internal/storage"
)

func setupAnalyticsTestStore(t *testing.T) *storage.Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "playwatch-analytics-*.db")
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

	runner := storage.NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migrate test db failed: %v", err)
	}

	return storage.NewStore(db)
}

func addClosedSession(t *testing.T, store *storage.Store, id, programID string, start time.Time, durationSeconds int64) {
	t.Helper()

	if err := store.OpenSession(storage.Session{ID: id, ProgramID: programID, StartTime: start}); err != nil {
		t.Fatalf("open session %s failed: %v", id, err)
	}
	end := start.Add(time.Duration(durationSeconds) * time.Second)
	if err := store.CloseSession(id, end, durationSeconds); err != nil {
		t.Fatalf("close session %s failed: %v", id, err)
	}
}

func TestDayTotalBucketsInConfiguredZone(t *testing.T) {
	store := setupAnalyticsTestStore(t)
	loc := time.FixedZone("UTC+2", 2*60*60)
	agg := NewAggregator(store, loc)

	if err := store.AddProgram(storage.Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	// 23:30 UTC on Feb 2 is already Feb 3 in UTC+2.
	lateUTC := time.Date(2026, 2, 2, 23, 30, 0, 0, time.UTC)
	addClosedSession(t, store, "sess-late", "prog-1", lateUTC, 600)

	// Plainly Feb 3 in both zones.
	morning := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	addClosedSession(t, store, "sess-morning", "prog-1", morning, 900)

	day := time.Date(2026, 2, 3, 12, 0, 0, 0, loc)
	total, err := agg.DayTotalFor(day)
	if err != nil {
		t.Fatalf("day total failed: %v", err)
	}
	if total.Date != "2026-02-03" {
		t.Fatalf("unexpected date key: %s", total.Date)
	}
	if total.TotalSeconds != 1500 {
		t.Fatalf("expected 1500 seconds, got %d", total.TotalSeconds)
	}
}

func TestWeeklyByProgramBucketsPerProgramPerDate(t *testing.T) {
	store := setupAnalyticsTestStore(t)
	agg := NewAggregator(store, time.UTC)

	if err := store.AddProgram(storage.Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}
	if err := store.AddProgram(storage.Program{ID: "prog-2", Name: "Moonrise", MatchKey: "moonrise.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	day := time.Date(2026, 2, 3, 18, 0, 0, 0, time.UTC)
	addClosedSession(t, store, "s1", "prog-1", day.AddDate(0, 0, -2), 1800)
	addClosedSession(t, store, "s2", "prog-1", day.AddDate(0, 0, -2).Add(3*time.Hour), 1200)
	addClosedSession(t, store, "s3", "prog-2", day, 600)
	// Outside the 7-day window.
	addClosedSession(t, store, "s4", "prog-1", day.AddDate(0, 0, -10), 9999)

	weekly, err := agg.WeeklyByProgram(day)
	if err != nil {
		t.Fatalf("weekly aggregation failed: %v", err)
	}

	if len(weekly.Programs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(weekly.Programs))
	}
	// Sorted by total descending.
	if weekly.Programs[0].ProgramID != "prog-1" || weekly.Programs[0].TotalSeconds != 3000 {
		t.Fatalf("unexpected leading program: %+v", weekly.Programs[0])
	}
	if got := weekly.Programs[0].Days["2026-02-01"]; got != 3000 {
		t.Fatalf("expected 3000 on 2026-02-01, got %d", got)
	}
	if weekly.Programs[1].TotalSeconds != 600 {
		t.Fatalf("unexpected second program: %+v", weekly.Programs[1])
	}
}

func TestTrendEmitsZeroDays(t *testing.T) {
	store := setupAnalyticsTestStore(t)
	agg := NewAggregator(store, time.UTC)

	if err := store.AddProgram(storage.Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	day := time.Date(2026, 2, 3, 18, 0, 0, 0, time.UTC)
	addClosedSession(t, store, "s1", "prog-1", day.AddDate(0, 0, -1), 300)

	trend, err := agg.Trend(day, 7)
	if err != nil {
		t.Fatalf("trend failed: %v", err)
	}
	if len(trend.Days) != 7 {
		t.Fatalf("expected 7 days, got %d", len(trend.Days))
	}
	if trend.Days[6].Date != "2026-02-03" || trend.Days[6].TotalSeconds != 0 {
		t.Fatalf("unexpected last day: %+v", trend.Days[6])
	}
	if trend.Days[5].TotalSeconds != 300 {
		t.Fatalf("expected 300 on the day before, got %+v", trend.Days[5])
	}
}

func TestRangeDistributionBreaksDownPerDate(t *testing.T) {
	store := setupAnalyticsTestStore(t)
	agg := NewAggregator(store, time.UTC)

	if err := store.AddProgram(storage.Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}
	if err := store.AddProgram(storage.Program{ID: "prog-2", Name: "Moonrise", MatchKey: "moonrise.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	day := time.Date(2026, 2, 3, 18, 0, 0, 0, time.UTC)
	addClosedSession(t, store, "s1", "prog-1", day.AddDate(0, 0, -2), 1800)
	addClosedSession(t, store, "s2", "prog-1", day, 600)
	addClosedSession(t, store, "s3", "prog-2", day.AddDate(0, 0, -1), 600)

	dist, err := agg.RangeDistribution(day, 30)
	if err != nil {
		t.Fatalf("distribution failed: %v", err)
	}
	if dist.RangeDays != 30 {
		t.Fatalf("unexpected range: %d", dist.RangeDays)
	}
	if dist.TotalSeconds != 3000 {
		t.Fatalf("expected grand total 3000, got %d", dist.TotalSeconds)
	}
	if len(dist.Programs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(dist.Programs))
	}

	lead := dist.Programs[0]
	if lead.ProgramID != "prog-1" || lead.TotalSeconds != 2400 || lead.Percent != 80.0 {
		t.Fatalf("unexpected leading share: %+v", lead)
	}
	if lead.Days["2026-02-01"] != 1800 || lead.Days["2026-02-03"] != 600 {
		t.Fatalf("unexpected per-date breakdown: %v", lead.Days)
	}

	second := dist.Programs[1]
	if second.Percent != 20.0 || second.Days["2026-02-02"] != 600 {
		t.Fatalf("unexpected second share: %+v", second)
	}
}

func TestTotalDistributionUsesCumulativeTotals(t *testing.T) {
	store := setupAnalyticsTestStore(t)
	agg := NewAggregator(store, time.UTC)

	if err := store.AddProgram(storage.Program{ID: "prog-1", Name: "Starfall", MatchKey: "starfall.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}
	if err := store.AddProgram(storage.Program{ID: "prog-2", Name: "Moonrise", MatchKey: "moonrise.exe"}); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	if err := store.IncrementTotal("prog-1", 3000); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := store.IncrementTotal("prog-2", 1000); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	dist, err := agg.TotalDistribution()
	if err != nil {
		t.Fatalf("distribution failed: %v", err)
	}
	if dist.TotalSeconds != 4000 {
		t.Fatalf("expected grand total 4000, got %d", dist.TotalSeconds)
	}
	if dist.Programs[0].ProgramID != "prog-1" || dist.Programs[0].Percent != 75.0 {
		t.Fatalf("unexpected leading share: %+v", dist.Programs[0])
	}
	if dist.Programs[1].Percent != 25.0 {
		t.Fatalf("unexpected trailing share: %+v", dist.Programs[1])
	}
}

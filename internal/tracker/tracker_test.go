package tracker

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/playwatch/playwatch/internal/storage"
)

type fakeSnapshotSource struct {
	names map[string]struct{}
	err   error
}

func (f *fakeSnapshotSource) Sample(_ context.Context) (map[string]struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	snapshot := make(map[string]struct{}, len(f.names))
	for name := range f.names {
		snapshot[name] = struct{}{}
	}
	return snapshot, nil
}

func (f *fakeSnapshotSource) set(names ...string) {
	f.names = make(map[string]struct{}, len(names))
	for _, name := range names {
		f.names[name] = struct{}{}
	}
}

func setupTrackerTestStore(t *testing.T) *storage.Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "playwatch-tracker-*.db")
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

func setupTracker(t *testing.T) (*Tracker, *fakeSnapshotSource, *storage.Store, *time.Time) {
	t.Helper()

	store := setupTrackerTestStore(t)
	source := &fakeSnapshotSource{}
	tr := NewTracker(store, source, NewBus(zap.NewNop()), 15*time.Second, 5*time.Second, zap.NewNop())

	current := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	return tr, source, store, &current
}

func TestTickOpensExtendsAndClosesSession(t *testing.T) {
	tr, source, store, clock := setupTracker(t)

	program, err := tr.AddProgram("Starfall", "starfall.exe")
	if err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	ctx := context.Background()

	// Not running yet.
	source.set("explorer.exe")
	tr.TickOnce(ctx)
	if tr.RunningCount() != 0 {
		t.Fatalf("expected 0 running, got %d", tr.RunningCount())
	}

	// Appears: a session opens.
	source.set("Starfall.exe")
	tr.TickOnce(ctx)
	if tr.RunningCount() != 1 {
		t.Fatalf("expected 1 running, got %d", tr.RunningCount())
	}

	programs := tr.Programs()
	if len(programs) != 1 || !programs[0].IsRunning || programs[0].OpenSessionID == "" {
		t.Fatalf("unexpected program state: %+v", programs)
	}
	sessionID := programs[0].OpenSessionID

	// Two heartbeats extend the session and accumulate the total.
	*clock = clock.Add(15 * time.Second)
	tr.TickOnce(ctx)
	*clock = clock.Add(15 * time.Second)
	tr.TickOnce(ctx)

	session, err := store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if session.DurationSeconds != 30 {
		t.Fatalf("expected duration 30, got %d", session.DurationSeconds)
	}

	stored, err := store.GetProgram(program.ID)
	if err != nil {
		t.Fatalf("get program failed: %v", err)
	}
	if stored.TotalSeconds != 30 {
		t.Fatalf("expected total 30, got %d", stored.TotalSeconds)
	}

	// Disappears: the session closes with a final duration.
	*clock = clock.Add(15 * time.Second)
	source.set("explorer.exe")
	tr.TickOnce(ctx)

	if tr.RunningCount() != 0 {
		t.Fatalf("expected 0 running after close, got %d", tr.RunningCount())
	}

	closed, err := store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("get closed session failed: %v", err)
	}
	if closed.DurationSeconds != 45 {
		t.Fatalf("expected closed duration 45, got %d", closed.DurationSeconds)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(*clock) {
		t.Fatalf("unexpected end_time: %v", closed.EndTime)
	}

	// Total carries only the heartbeat increments.
	stored, err = store.GetProgram(program.ID)
	if err != nil {
		t.Fatalf("get program failed: %v", err)
	}
	if stored.TotalSeconds != 30 {
		t.Fatalf("expected total still 30 after close, got %d", stored.TotalSeconds)
	}
}

func TestTickDiscardsCorruptSessionOnStop(t *testing.T) {
	tr, source, store, clock := setupTracker(t)

	if _, err := tr.AddProgram("Starfall", "starfall.exe"); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	ctx := context.Background()
	source.set("starfall.exe")
	tr.TickOnce(ctx)

	sessionID := tr.Programs()[0].OpenSessionID
	if _, err := store.DB().Exec(`UPDATE sessions SET end_time = NULL WHERE id = ?`, sessionID); err != nil {
		t.Fatalf("corrupt session failed: %v", err)
	}

	*clock = clock.Add(15 * time.Second)
	source.set("explorer.exe")
	tr.TickOnce(ctx)

	if _, err := store.GetSession(sessionID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("expected corrupt session deleted, got %v", err)
	}
	if tr.RunningCount() != 0 {
		t.Fatalf("expected 0 running, got %d", tr.RunningCount())
	}
}

func TestSnapshotFailureSkipsTick(t *testing.T) {
	tr, source, store, _ := setupTracker(t)

	if _, err := tr.AddProgram("Starfall", "starfall.exe"); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	ctx := context.Background()
	source.set("starfall.exe")
	tr.TickOnce(ctx)
	if tr.RunningCount() != 1 {
		t.Fatalf("expected 1 running, got %d", tr.RunningCount())
	}
	sessionID := tr.Programs()[0].OpenSessionID

	// A failed snapshot leaves every program's state untouched.
	source.err = errors.New("process table unavailable")
	tr.TickOnce(ctx)

	if tr.RunningCount() != 1 {
		t.Fatalf("expected running state preserved, got %d", tr.RunningCount())
	}
	if _, err := store.GetSession(sessionID); err != nil {
		t.Fatalf("expected session untouched, got %v", err)
	}
}

func TestStopFinalizesOpenSessions(t *testing.T) {
	tr, source, store, clock := setupTracker(t)

	if _, err := tr.AddProgram("Starfall", "starfall.exe"); err != nil {
		t.Fatalf("add program failed: %v", err)
	}

	tr.Start(context.Background())

	source.set("starfall.exe")
	tr.TickOnce(context.Background())
	sessionID := tr.Programs()[0].OpenSessionID

	*clock = clock.Add(time.Minute)
	tr.Stop()

	session, err := store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if session.EndTime == nil || !session.EndTime.Equal(*clock) {
		t.Fatalf("expected session closed at shutdown, got end %v", session.EndTime)
	}
	if session.DurationSeconds != 60 {
		t.Fatalf("expected duration 60, got %d", session.DurationSeconds)
	}
}

func TestTruncatedKeysCollideOnOneProcess(t *testing.T) {
	tr, source, _, _ := setupTracker(t)

	// Both keys share a 24-character prefix.
	if _, err := tr.AddProgram("Alpha", "extremely-long-launcher-alpha.exe"); err != nil {
		t.Fatalf("add alpha failed: %v", err)
	}
	if _, err := tr.AddProgram("Beta", "extremely-long-launcher-beta.exe"); err != nil {
		t.Fatalf("add beta failed: %v", err)
	}

	source.set("extremely-long-launcher-alpha.exe")
	tr.TickOnce(context.Background())

	if tr.RunningCount() != 2 {
		t.Fatalf("expected both colliding programs running, got %d", tr.RunningCount())
	}
}

func TestRemoveProgramUnknownID(t *testing.T) {
	tr, _, _, _ := setupTracker(t)

	if err := tr.RemoveProgram("missing"); !errors.Is(err, storage.ErrProgramNotFound) {
		t.Fatalf("expected ErrProgramNotFound, got %v", err)
	}
}

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/storage"
)

const (
	defaultPollInterval    = 15 * time.Second
	defaultSnapshotTimeout = 5 * time.Second
)

// TrackedProgram is the externally visible state of one registered program.
type TrackedProgram struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MatchKey      string `json:"match_key"`
	IsRunning     bool   `json:"is_running"`
	OpenSessionID string `json:"open_session_id,omitempty"`
	TotalSeconds  int64  `json:"total_seconds"`
}

// programState carries the per-program runtime bookkeeping between ticks.
type programState struct {
	TrackedProgram

	sessionStart time.Time
	lastDuration int64
}

// Tracker polls a snapshot source at a fixed interval and reconciles each
// registered program's observed presence into session rows and cumulative
// totals. Store writes are fire-and-forget: a failed write is logged and
// counted but never rolls back the in-memory transition.
type Tracker struct {
	store           *storage.Store
	source          SnapshotSource
	bus             *Bus
	logger          *zap.Logger
	metrics         *Metrics
	pollInterval    time.Duration
	snapshotTimeout time.Duration
	now             func() time.Time

	mu       sync.Mutex
	programs map[string]*programState

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTracker(store *storage.Store, source SnapshotSource, bus *Bus, pollInterval, snapshotTimeout time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if snapshotTimeout <= 0 {
		snapshotTimeout = defaultSnapshotTimeout
	}

	return &Tracker{
		store:           store,
		source:          source,
		bus:             bus,
		logger:          logger,
		metrics:         GetMetrics(),
		pollInterval:    pollInterval,
		snapshotTimeout: snapshotTimeout,
		now:             time.Now,
		programs:        make(map[string]*programState),
	}
}

// Load populates the registry from the store. Every program starts idle;
// sessions orphaned by a previous run are not swept here and surface the next
// time their program stops.
func (t *Tracker) Load() error {
	programs, err := t.store.ListPrograms()
	if err != nil {
		return fmt.Errorf("load programs: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.programs = make(map[string]*programState, len(programs))
	for _, p := range programs {
		t.programs[p.ID] = &programState{
			TrackedProgram: TrackedProgram{
				ID:           p.ID,
				Name:         p.Name,
				MatchKey:     p.MatchKey,
				TotalSeconds: p.TotalSeconds,
			},
		}
	}

	t.logger.Info("tracker registry loaded", zap.Int("programs", len(programs)))
	return nil
}

// AddProgram registers a program for tracking and persists it.
func (t *Tracker) AddProgram(name, matchKey string) (TrackedProgram, error) {
	if matchKey == "" {
		return TrackedProgram{}, errors.New("match key is required")
	}
	if name == "" {
		name = matchKey
	}

	program := storage.Program{
		ID:       uuid.New().String(),
		Name:     name,
		MatchKey: matchKey,
	}
	if err := t.store.AddProgram(program); err != nil {
		return TrackedProgram{}, fmt.Errorf("persist program: %w", err)
	}

	t.mu.Lock()
	state := &programState{
		TrackedProgram: TrackedProgram{
			ID:       program.ID,
			Name:     program.Name,
			MatchKey: program.MatchKey,
		},
	}
	t.programs[program.ID] = state
	t.mu.Unlock()

	t.logger.Info("program registered",
		zap.String("program_id", program.ID),
		zap.String("name", program.Name),
		zap.String("match_key", program.MatchKey))

	return state.TrackedProgram, nil
}

// RemoveProgram drops a program from the registry and the store. Its session
// history goes with it.
func (t *Tracker) RemoveProgram(programID string) error {
	if err := t.store.RemoveProgram(programID); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.programs, programID)
	t.mu.Unlock()

	t.logger.Info("program removed", zap.String("program_id", programID))
	return nil
}

// Programs returns a snapshot of the registry sorted by name.
func (t *Tracker) Programs() []TrackedProgram {
	t.mu.Lock()
	defer t.mu.Unlock()

	programs := make([]TrackedProgram, 0, len(t.programs))
	for _, state := range t.programs {
		programs = append(programs, state.TrackedProgram)
	}
	sort.Slice(programs, func(i, j int) bool {
		return programs[i].Name < programs[j].Name
	})
	return programs
}

// RunningCount returns how many registered programs are currently observed
// running.
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, state := range t.programs {
		if state.IsRunning {
			count++
		}
	}
	return count
}

// Start launches the polling loop.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx)

	t.logger.Info("tracker started", zap.Duration("poll_interval", t.pollInterval))
}

// Stop halts the loop and finalizes any sessions still open.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	t.closeOpenSessions()
	t.logger.Info("tracker stopped")
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.TickOnce(ctx)
		}
	}
}

// TickOnce performs one poll-and-reconcile pass.
func (t *Tracker) TickOnce(ctx context.Context) {
	started := time.Now()

	snapCtx, cancel := context.WithTimeout(ctx, t.snapshotTimeout)
	snapshot, err := t.source.Sample(snapCtx)
	cancel()
	if err != nil {
		t.metrics.RecordSnapshotFailure()
		t.logger.Warn("process snapshot failed; skipping tick", zap.Error(err))
		return
	}

	observed := make(map[string]struct{}, len(snapshot))
	for name := range snapshot {
		observed[NormalizeMatchKey(name)] = struct{}{}
	}

	now := t.now().UTC()

	t.mu.Lock()
	statuses := make([]ProgramStatus, 0, len(t.programs))
	runningCount := int64(0)
	for _, state := range t.programs {
		_, isPresent := observed[NormalizeMatchKey(state.MatchKey)]
		t.advance(state, isPresent, now)
		if state.IsRunning {
			runningCount++
		}
		statuses = append(statuses, ProgramStatus{
			ProgramID: state.ID,
			Name:      state.Name,
			IsRunning: state.IsRunning,
		})
	}
	t.mu.Unlock()

	t.metrics.SetProgramsRunning(runningCount)
	t.metrics.RecordTick(time.Since(started).Seconds())

	if t.bus != nil {
		t.bus.Publish(statuses)
	}
}

// advance moves one program through its state machine for a single tick.
// Caller holds t.mu.
func (t *Tracker) advance(state *programState, isPresent bool, now time.Time) {
	switch {
	case !state.IsRunning && isPresent:
		t.openSession(state, now)
	case state.IsRunning && isPresent:
		t.extendSession(state, now)
	case state.IsRunning && !isPresent:
		t.finalizeSession(state, now)
	}
}

func (t *Tracker) openSession(state *programState, now time.Time) {
	sessionID := uuid.New().String()
	session := storage.Session{
		ID:        sessionID,
		ProgramID: state.ID,
		StartTime: now,
	}
	if err := t.store.OpenSession(session); err != nil {
		t.metrics.RecordPersistenceError("open_session")
		t.logger.Error("open session write failed",
			zap.String("program_id", state.ID),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	state.IsRunning = true
	state.OpenSessionID = sessionID
	state.sessionStart = now
	state.lastDuration = 0

	t.metrics.RecordSessionOpened()
	t.logger.Info("session opened",
		zap.String("program_id", state.ID),
		zap.String("name", state.Name),
		zap.String("session_id", sessionID))
}

func (t *Tracker) extendSession(state *programState, now time.Time) {
	duration := int64(now.Sub(state.sessionStart).Seconds())
	if duration < 0 {
		duration = 0
	}

	if err := t.store.ExtendSession(state.OpenSessionID, now, duration); err != nil {
		t.metrics.RecordPersistenceError("extend_session")
		t.logger.Error("extend session write failed",
			zap.String("session_id", state.OpenSessionID),
			zap.Error(err))
	}

	delta := duration - state.lastDuration
	if delta > 0 {
		if err := t.store.IncrementTotal(state.ID, delta); err != nil {
			t.metrics.RecordPersistenceError("increment_total")
			t.logger.Error("total increment write failed",
				zap.String("program_id", state.ID),
				zap.Int64("delta_seconds", delta),
				zap.Error(err))
		}
		state.TotalSeconds += delta
	}
	state.lastDuration = duration
}

// finalizeSession closes the program's most recent session, or discards it
// when the row is invalid (NULL end or end before start). Invalid rows are
// deleted rather than repaired so they never feed the analytics queries.
func (t *Tracker) finalizeSession(state *programState, now time.Time) {
	session, err := t.store.MostRecentSession(state.ID)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		t.logger.Warn("no session row found at stop",
			zap.String("program_id", state.ID),
			zap.String("session_id", state.OpenSessionID))
	case err != nil:
		t.metrics.RecordPersistenceError("most_recent_session")
		t.logger.Error("session lookup failed at stop",
			zap.String("program_id", state.ID),
			zap.Error(err))
	case session.EndTime == nil || session.EndTime.Before(session.StartTime):
		if err := t.store.DeleteSession(session.ID); err != nil {
			t.metrics.RecordPersistenceError("delete_session")
			t.logger.Error("invalid session delete failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
		} else {
			t.metrics.RecordSessionDiscarded()
			t.logger.Warn("discarded invalid session",
				zap.String("program_id", state.ID),
				zap.String("session_id", session.ID))
		}
	default:
		duration := int64(now.Sub(session.StartTime).Seconds())
		if duration < 0 {
			duration = 0
		}
		if err := t.store.CloseSession(session.ID, now, duration); err != nil {
			t.metrics.RecordPersistenceError("close_session")
			t.logger.Error("close session write failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
		} else {
			t.metrics.RecordSessionClosed()
			t.logger.Info("session closed",
				zap.String("program_id", state.ID),
				zap.String("name", state.Name),
				zap.String("session_id", session.ID),
				zap.Int64("duration_seconds", duration))
		}
	}

	state.IsRunning = false
	state.OpenSessionID = ""
	state.sessionStart = time.Time{}
	state.lastDuration = 0
}

// closeOpenSessions finalizes every program still marked running. Used at
// shutdown so sessions do not stay open across restarts.
func (t *Tracker) closeOpenSessions() {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, state := range t.programs {
		if state.IsRunning {
			t.finalizeSession(state, now)
		}
	}
}

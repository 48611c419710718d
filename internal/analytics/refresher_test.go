package analytics

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/tracker"
)

func TestStatusChangedDetectsFlips(t *testing.T) {
	refresher := NewRefresher(nil, tracker.NewBus(zap.NewNop()), zap.NewNop())

	// Everything idle on the first publication: no change.
	if refresher.statusChanged([]tracker.ProgramStatus{
		{ProgramID: "prog-1", IsRunning: false},
	}) {
		t.Fatal("all-idle baseline should not count as a change")
	}

	// A program starts.
	if !refresher.statusChanged([]tracker.ProgramStatus{
		{ProgramID: "prog-1", IsRunning: true},
	}) {
		t.Fatal("start transition should count as a change")
	}

	// Same state again: no change.
	if refresher.statusChanged([]tracker.ProgramStatus{
		{ProgramID: "prog-1", IsRunning: true},
	}) {
		t.Fatal("steady state should not count as a change")
	}

	// A running program disappears from the publication entirely.
	if !refresher.statusChanged(nil) {
		t.Fatal("removal of a running program should count as a change")
	}
}

func TestRefresherRefreshesReactiveSubsetOnFlip(t *testing.T) {
	cache, store, clock := setupCache(t)
	addClosedSession(t, store, "s1", "prog-1", clock.Add(-time.Hour), 600)

	bus := tracker.NewBus(zap.NewNop())
	refresher := NewRefresher(cache, bus, zap.NewNop())
	refresher.Start()
	defer refresher.Stop()

	bus.Publish([]tracker.ProgramStatus{{ProgramID: "prog-1", IsRunning: true}})

	// The refresh happens on the subscriber goroutine; poll for the entry.
	dateKey := "2026-02-03"
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.GetCacheEntry(string(MetricTodayTotal), dateKey); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reactive refresh")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := store.GetCacheEntry(string(MetricTotalDistribution), dateKey); err != nil {
		// The two reactive metrics refresh back to back; wait briefly.
		deadline = time.Now().Add(2 * time.Second)
		for {
			if _, err := store.GetCacheEntry(string(MetricTotalDistribution), dateKey); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for distribution refresh")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	// The non-reactive metrics are untouched.
	if _, err := store.GetCacheEntry(string(MetricWeeklyByProgram), dateKey); err == nil {
		t.Fatal("weekly metric should not refresh reactively")
	}
}

package analytics

import (
	"sync"

	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/tracker"
)

// reactiveMetrics is the subset recomputed when a program's running status
// flips. The remaining metrics change too slowly to chase every transition.
var reactiveMetrics = []MetricType{MetricTodayTotal, MetricTotalDistribution}

// Refresher subscribes to tick status publications and refreshes the reactive
// metric subset whenever any program's running status changes.
type Refresher struct {
	cache  *Cache
	bus    *tracker.Bus
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   func()
	wg       sync.WaitGroup
	lastSeen map[string]bool
}

func NewRefresher(cache *Cache, bus *tracker.Bus, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Refresher{
		cache:    cache,
		bus:      bus,
		logger:   logger,
		lastSeen: make(map[string]bool),
	}
}

func (r *Refresher) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ch, cancel := r.bus.Subscribe()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consume(ch)

	r.logger.Info("analytics refresher started")
}

func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.logger.Info("analytics refresher stopped")
}

func (r *Refresher) consume(ch <-chan []tracker.ProgramStatus) {
	defer r.wg.Done()

	for statuses := range ch {
		if r.statusChanged(statuses) {
			r.refreshReactive()
		}
	}
}

// statusChanged updates the last-seen map and reports whether any program's
// running state differs from the previous publication. Programs absent from
// the publication are treated as stopped.
func (r *Refresher) statusChanged(statuses []tracker.ProgramStatus) bool {
	current := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		current[s.ProgramID] = s.IsRunning
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for id, running := range current {
		if r.lastSeen[id] != running {
			changed = true
			break
		}
	}
	if !changed {
		for id, running := range r.lastSeen {
			if running {
				if _, ok := current[id]; !ok {
					changed = true
					break
				}
			}
		}
	}

	r.lastSeen = current
	return changed
}

func (r *Refresher) refreshReactive() {
	for _, metric := range reactiveMetrics {
		if _, err := r.cache.Refresh(metric, 0); err != nil {
			r.logger.Warn("reactive refresh failed",
				zap.String("metric_type", string(metric)),
				zap.Error(err))
		}
	}
}

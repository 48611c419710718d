package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/playwatch/playwatch/internal/tracker"
)

type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports on the daemon's components: database, websocket hub
// and the tracking engine.
type HealthChecker struct {
	db      *sql.DB
	hub     *Hub
	tracker *tracker.Tracker
	mu      sync.RWMutex
}

func NewHealthChecker(db *sql.DB, hub *Hub, trk *tracker.Tracker) *HealthChecker {
	return &HealthChecker{
		db:      db,
		hub:     hub,
		tracker: trk,
	}
}

// CheckLiveness always reports healthy while the process is serving.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness checks every component.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	components["database"] = hc.checkDatabase(ctx)
	components["websocket_hub"] = hc.checkHub()
	components["tracker"] = hc.checkTracker()

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "database not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status: StatusError,
			Error:  err.Error(),
		}
	}

	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "websocket hub not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkTracker() ComponentHealth {
	if hc.tracker == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "tracker not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}

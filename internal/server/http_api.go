package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/analytics"
	"github.com/playwatch/playwatch/internal/storage"
	"github.com/playwatch/playwatch/internal/tracker"
)

type HTTPAPI struct {
	tracker       *tracker.Tracker
	cache         *analytics.Cache
	store         *storage.Store
	hub           *Hub
	db            *sql.DB
	authToken     string
	logger        *zap.Logger
	healthChecker *HealthChecker
}

func NewHTTPAPI(
	trk *tracker.Tracker,
	cache *analytics.Cache,
	store *storage.Store,
	db *sql.DB,
	authToken string,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		tracker:   trk,
		cache:     cache,
		store:     store,
		db:        db,
		authToken: authToken,
		logger:    logger,
	}
}

func (a *HTTPAPI) SetHub(hub *Hub) {
	a.hub = hub
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.healthChecker = hc
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/programs", a.requireAuth(http.HandlerFunc(a.handleListPrograms)))
	mux.Handle("POST /api/v1/programs", a.requireAuth(http.HandlerFunc(a.handleAddProgram)))
	mux.Handle("DELETE /api/v1/programs/{id}", a.requireAuth(http.HandlerFunc(a.handleRemoveProgram)))
	mux.Handle("GET /api/v1/programs/{id}/sessions", a.requireAuth(http.HandlerFunc(a.handleListSessions)))
	mux.Handle("GET /api/v1/analytics/{metric}", a.requireAuth(http.HandlerFunc(a.handleGetAnalytics)))
	mux.Handle("POST /api/v1/analytics/{metric}/refresh", a.requireAuth(http.HandlerFunc(a.handleRefreshAnalytics)))
	if a.hub != nil {
		mux.HandleFunc("GET /ws/status", a.hub.ServeWS)
	}

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}

	result := a.healthChecker.CheckLiveness(r.Context())
	status := http.StatusOK
	if result.Status != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (a *HTTPAPI) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	programs := a.tracker.Programs()

	writeJSON(w, http.StatusOK, apiResponse{
		Data: programs,
		Meta: &apiMeta{Total: len(programs)},
	})
}

type addProgramRequest struct {
	Name     string `json:"name"`
	MatchKey string `json:"match_key"`
}

func (a *HTTPAPI) handleAddProgram(w http.ResponseWriter, r *http.Request) {
	var req addProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.MatchKey) == "" {
		writeError(w, http.StatusBadRequest, "match_key is required", "BAD_REQUEST")
		return
	}

	program, err := a.tracker.AddProgram(req.Name, req.MatchKey)
	if err != nil {
		a.logger.Error("add program failed", zap.String("match_key", req.MatchKey), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusCreated, apiResponse{Data: program})
}

func (a *HTTPAPI) handleRemoveProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.tracker.RemoveProgram(id); err != nil {
		if errors.Is(err, storage.ErrProgramNotFound) {
			writeError(w, http.StatusNotFound, "program not found", "NOT_FOUND")
			return
		}
		a.logger.Error("remove program failed", zap.String("program_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"removed": id}})
}

type sessionJSON struct {
	ID              string     `json:"id"`
	ProgramID       string     `json:"program_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

func (a *HTTPAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetProgram(id); err != nil {
		if errors.Is(err, storage.ErrProgramNotFound) {
			writeError(w, http.StatusNotFound, "program not found", "NOT_FOUND")
			return
		}
		a.logger.Error("get program failed", zap.String("program_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 100)
	sessions, err := a.store.ListSessionsForProgram(id, limit)
	if err != nil {
		a.logger.Error("list sessions failed", zap.String("program_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	out := make([]sessionJSON, len(sessions))
	for i, s := range sessions {
		out[i] = sessionJSON{
			ID:              s.ID,
			ProgramID:       s.ProgramID,
			StartTime:       s.StartTime,
			EndTime:         s.EndTime,
			DurationSeconds: s.DurationSeconds,
		}
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: out,
		Meta: &apiMeta{Total: len(out), Limit: limit},
	})
}

func (a *HTTPAPI) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	metric, err := analytics.ParseMetricType(r.PathValue("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	rangeDays, err := parseRangeParam(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	var result analytics.Result
	if r.URL.Query().Get("refresh") == "1" {
		result, err = a.cache.Refresh(metric, rangeDays)
	} else {
		result, err = a.cache.Get(metric, rangeDays)
	}
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		a.logger.Error("analytics read failed", zap.String("metric_type", string(metric)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: result})
}

func (a *HTTPAPI) handleRefreshAnalytics(w http.ResponseWriter, r *http.Request) {
	metric, err := analytics.ParseMetricType(r.PathValue("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	rangeDays, err := parseRangeParam(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	result, err := a.cache.Refresh(metric, rangeDays)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		a.logger.Error("analytics refresh failed", zap.String("metric_type", string(metric)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: result})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// parseRangeParam accepts "30d"-style windows; 0 means metric default.
func parseRangeParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid range %q", s)
	}
	return v, nil
}

func StartHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (shutdown func(ctx context.Context) error, err error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return srv.Shutdown, nil
}

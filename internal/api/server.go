package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/lease"
	"github.com/edgefix/edgefix/internal/logbuf"
	"github.com/edgefix/edgefix/internal/resolver"
	"github.com/edgefix/edgefix/internal/types"
)

const (
	defaultLogLimit = 200
	maxBodyBytes    = 1 << 20
)

// Engine is the read side of the resolver
type Engine interface {
	Alert(alertID string) (resolver.Record, bool)
	Attempts(ctx context.Context, alertID string) ([]types.Attempt, error)
	Counts() map[types.State]int
}

// Intake accepts pushed alerts
type Intake interface {
	Accept(alert types.Alert) (bool, error)
}

// Leases lists the live device leases
type Leases interface {
	Active() []lease.Lease
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server provides the HTTP API
type Server struct {
	engine    Engine
	intake    Intake
	leases    Leases
	logger    zerolog.Logger
	port      string
	logBuffer *logbuf.Buffer
	gatherer  prometheus.Gatherer
	startTime time.Time
	srv       *http.Server

	checksMu sync.RWMutex
	checks   map[string]HealthCheck

	versionMu sync.RWMutex
	version   string
	commit    string
	buildDate string
}

// NewServer creates a new API server
func NewServer(engine Engine, intake Intake, leases Leases, logger zerolog.Logger, port string) *Server {
	return &Server{
		engine:    engine,
		intake:    intake,
		leases:    leases,
		logger:    logger.With().Str("component", "api").Logger(),
		port:      port,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
}

// SetLogBuffer sets the buffer served by /api/logs
func (s *Server) SetLogBuffer(lb *logbuf.Buffer) {
	s.logBuffer = lb
}

// SetGatherer sets the registry served by /metrics
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// AddHealthCheck registers a dependency probe for /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// SetVersion sets the version information
func (s *Server) SetVersion(version, commit, buildDate string) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	s.version = version
	s.commit = commit
	s.buildDate = buildDate
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/alerts", s.handleSubmitAlert)
	r.Get("/alerts/{id}", s.handleGetAlert)
	r.Get("/leases", s.handleLeases)
	r.Get("/api/logs", s.handleLogsAPI)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := ":" + s.port
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("address", addr).Msg("Starting API server")

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleHealth runs every registered dependency check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.checksMu.RUnlock()

	status := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status["status"] = "degraded"
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, status)
}

// handleStatus returns an engine summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.versionMu.RLock()
	version := s.version
	commit := s.commit
	buildDate := s.buildDate
	s.versionMu.RUnlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":        s.engine.Counts(),
		"active_leases": len(s.leases.Active()),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"version":       version,
		"commit":        commit,
		"build_date":    buildDate,
	})
}

// handleSubmitAlert accepts an alert pushed by the alert source
func (s *Server) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var alert types.Alert
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&alert); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid alert: %v", err))
		return
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	accepted, err := s.intake.Accept(alert)
	switch {
	case errors.Is(err, resolver.ErrInvalidAlert):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, resolver.ErrAlertClosed):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to accept alert")
		respondError(w, http.StatusInternalServerError, "failed to accept alert")
		return
	}

	code := http.StatusAccepted
	if !accepted {
		code = http.StatusOK
	}
	respondJSON(w, code, map[string]interface{}{
		"alert_id":  alert.ID,
		"accepted":  accepted,
		"duplicate": !accepted,
	})
}

// handleGetAlert returns the engine view of an alert plus its attempt history
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.engine.Alert(id)
	if !ok {
		respondError(w, http.StatusNotFound, "alert not found")
		return
	}
	attempts, err := s.engine.Attempts(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", id).Msg("Failed to load attempts")
		respondError(w, http.StatusInternalServerError, "failed to load attempts")
		return
	}
	if attempts == nil {
		attempts = []types.Attempt{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"record":   rec,
		"attempts": attempts,
	})
}

// handleLeases lists live device leases
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	leases := s.leases.Active()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"leases": leases,
		"count":  len(leases),
	})
}

// handleLogsAPI returns recent log entries as JSON
func (s *Server) handleLogsAPI(w http.ResponseWriter, r *http.Request) {
	q := logbuf.Query{
		Limit:    defaultLogLimit,
		AlertID:  r.URL.Query().Get("alert_id"),
		DeviceID: r.URL.Query().Get("device_id"),
		MinLevel: r.URL.Query().Get("level"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	entries := []logbuf.Entry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(q)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

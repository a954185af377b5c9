// Package api exposes the supervisor's read-mostly HTTP surface: health,
// capabilities, restart history, backups, checkpoints, audit, and the
// diagnostic bundle. Every read endpoint keeps working in DEGRADED mode;
// mutating endpoints refuse in OFFLINE mode.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/checkpoint"
	"github.com/tidewater-ai/bastion/internal/degrade"
	"github.com/tidewater-ai/bastion/internal/health"
	"github.com/tidewater-ai/bastion/internal/integrity"
	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/restart"
	"github.com/tidewater-ai/bastion/internal/sched"
	"github.com/tidewater-ai/bastion/internal/store"
	"github.com/tidewater-ai/bastion/internal/watchdog"
)

// Deps carries the components the server reads from. Scheduler and
// OnRestartRequest are optional; nil disables the endpoints that need them.
type Deps struct {
	Store       *store.Store
	Audit       *audit.Log
	Checkpoints *checkpoint.Manager
	Health      *health.Aggregator
	Degrade     *degrade.Controller
	Governor    *restart.Governor
	Integrity   *integrity.Engine
	Scheduler   *sched.Scheduler

	// HeartbeatPath locates the liveness file shared with the watchdog.
	HeartbeatPath string

	// Capabilities is the full capability universe from configuration.
	Capabilities []string

	// OnRestartRequest is invoked after an operator restart is approved
	// and recorded.
	OnRestartRequest func()
}

// Server is the HTTP accessor server.
type Server struct {
	deps   Deps
	log    *logrus.Entry
	server *http.Server
}

// NewServer creates the API server bound to addr.
func NewServer(deps Deps, addr string) *Server {
	s := &Server{
		deps: deps,
		log:  logrus.WithField("component", "api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/health/report", s.handleHealthReport)
	mux.HandleFunc("/v1/health/history", s.handleHealthHistory)
	mux.HandleFunc("/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("/v1/restarts", s.handleRestarts)
	mux.HandleFunc("/v1/watchdog", s.handleWatchdog)
	mux.HandleFunc("/v1/backups", s.handleBackups)
	mux.HandleFunc("/v1/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/diagnostics", s.handleDiagnostics)
	mux.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// handleLiveness handles GET /healthz. It answers in every mode; OFFLINE
// is a state to report, not a reason to stop answering.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, LivenessResponse{
		Status: "ok",
		Mode:   string(s.deps.Degrade.Mode()),
	})
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Health.Summary())
}

// handleHealthReport handles GET /v1/health/report, the plain-text
// operator view.
func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.deps.Health.FormatReport())
}

// handleHealthHistory handles GET /v1/health/history?component=X&since=RFC3339.
func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	component := r.URL.Query().Get("component")
	if component == "" {
		respondError(w, http.StatusBadRequest, "component required")
		return
	}
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = parsed
	}

	results, err := s.deps.Health.History(r.Context(), component, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query history: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, results)
}

// handleCapabilities handles GET /v1/capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.deps.Degrade.Snapshot()
	caps := make([]CapabilityInfo, 0, len(s.deps.Capabilities))
	for _, name := range s.deps.Capabilities {
		caps = append(caps, CapabilityInfo{
			Name:      name,
			Available: s.deps.Degrade.CapabilityAvailable(name),
		})
	}

	respondJSON(w, http.StatusOK, CapabilitiesResponse{
		Mode:          string(state.Mode),
		Capabilities:  caps,
		State:         state,
		OfflineReason: state.OfflineReason,
	})
}

// handleRestarts handles GET and POST /v1/restarts. GET returns the
// governor's window status plus history; POST requests an
// operator-initiated restart, which the governor may deny.
func (s *Server) handleRestarts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.deps.Governor.Status(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read restart status: %v", err))
			return
		}
		history, err := s.deps.Governor.History(r.Context(), queryLimit(r, 50))
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read restart history: %v", err))
			return
		}
		respondJSON(w, http.StatusOK, RestartsResponse{Status: status, History: history})

	case http.MethodPost:
		if s.refuseOffline(w) {
			return
		}
		status, err := s.deps.Governor.Status(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to consult governor: %v", err))
			return
		}
		if !status.Allowed {
			respondJSON(w, http.StatusTooManyRequests, RestartRequestResponse{
				Allowed:     false,
				RecentCount: status.RecentCount,
				Ceiling:     status.Ceiling,
				Message:     "restart rate limit reached",
			})
			return
		}
		if err := s.deps.Governor.RecordRestart(r.Context(), restart.ReasonOperator, 0); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to record restart: %v", err))
			return
		}
		if s.deps.OnRestartRequest != nil {
			s.deps.OnRestartRequest()
		}
		respondJSON(w, http.StatusAccepted, RestartRequestResponse{
			Allowed:     true,
			RecentCount: status.RecentCount + 1,
			Ceiling:     status.Ceiling,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWatchdog handles GET /v1/watchdog.
func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := watchdog.ReadStatus(r.Context(), s.deps.Store, s.deps.HeartbeatPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read watchdog status: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleBackups handles GET and POST /v1/backups. POST forces the full
// backup job to run now.
func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		typ := integrity.BackupType(r.URL.Query().Get("type"))
		backups, err := s.deps.Integrity.ListBackups(r.Context(), typ, queryLimit(r, 50))
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list backups: %v", err))
			return
		}
		checks, err := s.deps.Integrity.RecentChecks(r.Context(), 20)
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list checks: %v", err))
			return
		}
		respondJSON(w, http.StatusOK, BackupsResponse{Backups: backups, Checks: checks})

	case http.MethodPost:
		if s.refuseOffline(w) {
			return
		}
		if s.deps.Scheduler == nil {
			respondError(w, http.StatusServiceUnavailable, "scheduler not available")
			return
		}
		if err := s.deps.Scheduler.RunNow(r.Context(), "backup-full"); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("backup failed: %v", err))
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "backup completed"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCheckpoints handles GET and POST /v1/checkpoints. POST forces an
// immediate checkpoint write.
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cps, err := s.deps.Checkpoints.List(r.Context(), queryLimit(r, 20))
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list checkpoints: %v", err))
			return
		}
		respondJSON(w, http.StatusOK, CheckpointsResponse{Checkpoints: cps, Count: len(cps)})

	case http.MethodPost:
		if s.refuseOffline(w) {
			return
		}
		if err := s.deps.Checkpoints.WriteCheckpoint(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("checkpoint failed: %v", err))
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "checkpoint written"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAudit handles GET /v1/audit?since=RFC3339&limit=N.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = parsed
	}

	events, err := s.deps.Audit.Recent(r.Context(), since, queryLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query audit events: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, AuditResponse{Events: events, Total: len(events)})
}

// handleJobs handles GET /v1/jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

// handleDiagnostics handles GET /v1/diagnostics: a zip bundle of recent
// audit events plus each subsystem's current view.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	sections := map[string]any{
		"health":       s.deps.Health.Summary(),
		"capabilities": s.deps.Degrade.Snapshot(),
	}
	if status, err := s.deps.Governor.Status(ctx); err == nil {
		sections["restarts"] = status
	}
	if status, err := watchdog.ReadStatus(ctx, s.deps.Store, s.deps.HeartbeatPath); err == nil {
		sections["watchdog"] = status
	}
	if cps, err := s.deps.Checkpoints.List(ctx, 20); err == nil {
		sections["checkpoints"] = cps
	}
	if backups, err := s.deps.Integrity.ListBackups(ctx, "", 50); err == nil {
		sections["backups"] = backups
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="bastion-diagnostics-%s.zip"`, time.Now().UTC().Format("20060102-150405")))
	if err := s.deps.Audit.WriteBundle(ctx, w, 24*time.Hour, sections); err != nil {
		// Headers are gone; all we can do is log.
		s.log.WithError(err).Error("failed to write diagnostics bundle")
	}
}

// refuseOffline blocks mutating endpoints in OFFLINE mode, where all
// persistence is disabled.
func (s *Server) refuseOffline(w http.ResponseWriter) bool {
	if s.deps.Degrade.Mode() != degrade.ModeOffline {
		return false
	}
	respondError(w, http.StatusServiceUnavailable, "supervisor is OFFLINE; operator intervention required")
	return true
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

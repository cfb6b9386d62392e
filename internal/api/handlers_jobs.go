package api

import (
	"errors"
	"net/http"

	"github.com/circlepool/circlepool/internal/service"
	"github.com/circlepool/circlepool/internal/storage"
)

// handleRunJob triggers a reconciler run. The run executes synchronously
// so the caller receives the full report; overlapping triggers are
// rejected while the run lock is held.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	selector := r.URL.Query().Get("job")
	if selector == "" {
		selector = string(service.JobAll)
	}

	job, err := service.ParseJob(selector)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	report, err := s.reconciler.Run(r.Context(), job)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			respondError(w, http.StatusConflict, ErrCodeRunInProgress, "A reconciler run is already in progress", nil)
			return
		}
		s.logger.WithError(err).Error("Reconciler run failed to start")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to run reconciler", nil)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleLastReport returns the report stored by the most recent run.
func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	raw, err := s.reports.LastReport(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load last run report")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Report store unavailable", nil)
		return
	}
	if raw == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "No run report recorded yet", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	deps := map[string]string{}

	if s.postgres != nil {
		deps["postgres"] = "ok"
		if err := s.postgres.Ping(r.Context()); err != nil {
			deps["postgres"] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		deps["redis"] = "ok"
		if err := s.redis.Ping(r.Context()); err != nil {
			deps["redis"] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "circlepool-reconciler",
		"dependencies": deps,
	})
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/circlepool/circlepool/internal/storage"
)

const defaultListLimit = 100

// handleListCircles returns every circle with its members and cached
// chain state.
func (s *Server) handleListCircles(w http.ResponseWriter, r *http.Request) {
	circles, err := s.circles.GetCircles(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list circles")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list circles", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"circles": circles,
		"count":   len(circles),
	})
}

// handleGetCircle returns one circle by slug.
func (s *Server) handleGetCircle(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	circle, err := s.circles.GetBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrCircleNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Circle not found", map[string]interface{}{"slug": slug})
			return
		}
		s.logger.WithError(err).WithField("slug", slug).Error("Failed to get circle")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to get circle", nil)
		return
	}

	respondJSON(w, http.StatusOK, circle)
}

// handleListPayouts returns the recorded disbursement and refund events
// for a circle.
func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	circle, err := s.circles.GetBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrCircleNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Circle not found", map[string]interface{}{"slug": slug})
			return
		}
		s.logger.WithError(err).WithField("slug", slug).Error("Failed to get circle")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to get circle", nil)
		return
	}

	payouts, err := s.circles.ListPayouts(r.Context(), circle.ID, parseLimit(r))
	if err != nil {
		s.logger.WithError(err).WithField("slug", slug).Error("Failed to list payouts")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list payouts", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"circle":  circle.Slug,
		"payouts": payouts,
		"count":   len(payouts),
	})
}

// handleListPayments returns the mirrored on-chain payment log entries
// for a circle.
func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	circle, err := s.circles.GetBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, storage.ErrCircleNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Circle not found", map[string]interface{}{"slug": slug})
			return
		}
		s.logger.WithError(err).WithField("slug", slug).Error("Failed to get circle")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to get circle", nil)
		return
	}

	payments, err := s.payments.ListByCircle(r.Context(), circle.ID, parseLimit(r))
	if err != nil {
		s.logger.WithError(err).WithField("slug", slug).Error("Failed to list payments")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list payments", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"circle":   circle.Slug,
		"payments": payments,
		"count":    len(payments),
	})
}

// parseLimit reads the limit query parameter, clamped to a sane range.
func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

package api

import (
	"net/http"
	"strconv"

	"github.com/portfolio-aggregator/internal/service"
	"github.com/portfolio-aggregator/internal/types"
)

// parseGetOptions reads ?refresh=true|false
func parseGetOptions(r *http.Request) (service.GetOptions, bool) {
	raw := r.URL.Query().Get("refresh")
	if raw == "" {
		return service.GetOptions{}, true
	}
	refresh, err := strconv.ParseBool(raw)
	if err != nil {
		return service.GetOptions{}, false
	}
	return service.GetOptions{Refresh: refresh}, true
}

// handleGetPortfolio handles GET /api/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseGetOptions(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "refresh must be a boolean", nil)
		return
	}

	result, err := s.aggregator.GetPortfolio(r.Context(), UserIDFromContext(r.Context()), opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetIncome handles GET /api/income
func (s *Server) handleGetIncome(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseGetOptions(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "refresh must be a boolean", nil)
		return
	}

	result, err := s.aggregator.GetIncome(r.Context(), UserIDFromContext(r.Context()), opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleInvalidate handles POST /api/portfolio and POST /api/income, which
// drop the cached aggregate so the next read goes to the providers
func (s *Server) handleInvalidate(resource types.ResourceKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.aggregator.Invalidate(r.Context(), UserIDFromContext(r.Context()), resource); err != nil {
			respondServiceError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"invalidated": resource,
		})
	}
}

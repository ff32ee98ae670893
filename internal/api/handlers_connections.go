package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/types"
)

// maxCredentialBody caps connect request bodies
const maxCredentialBody = 64 << 10

// SessionRequest is the body of POST /api/connections/{provider}/session
type SessionRequest struct {
	SessionToken string `json:"sessionToken"`
}

// SecondFactorResponse tells the caller to resubmit with a one-time code
type SecondFactorResponse struct {
	Status   string           `json:"status"`
	Provider types.ProviderID `json:"provider"`
}

func providerFromPath(w http.ResponseWriter, r *http.Request) (types.ProviderID, bool) {
	p, err := types.ParseProviderID(mux.Vars(r)["provider"])
	if err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), map[string]interface{}{
			"providers": types.AllProviders,
		})
		return "", false
	}
	return p, true
}

// handleConnect handles POST /api/connections/{provider}. The body is the
// provider's credential object and is passed through unparsed.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	if err != nil || !json.Valid(body) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid JSON in request body", nil)
		return
	}

	view, err := s.connectionService.Connect(r.Context(), UserIDFromContext(r.Context()), provider, json.RawMessage(body))
	if err != nil {
		if apperrors.Is(err, apperrors.KindSecondFactorRequired) {
			respondJSON(w, http.StatusAccepted, SecondFactorResponse{Status: "second_factor_required", Provider: provider})
			return
		}
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, view)
}

// handleConnectWithSession handles POST /api/connections/{provider}/session
func (s *Server) handleConnectWithSession(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	var req SessionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid JSON in request body", nil)
		return
	}

	view, err := s.connectionService.ConnectWithSession(r.Context(), UserIDFromContext(r.Context()), provider, req.SessionToken)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, view)
}

// handleDisconnect handles DELETE /api/connections/{provider}
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	if err := s.connectionService.Disconnect(r.Context(), UserIDFromContext(r.Context()), provider); err != nil {
		respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleConnectionStatus handles GET /api/connections
func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	views, err := s.connectionService.Status(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": views,
	})
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"houseplans.app/cloud/internal/auth"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

type RejectRequest struct {
	Reason string `json:"reason"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func (s *Server) ListPurchases(w http.ResponseWriter, r *http.Request) {
	var filter models.ClaimFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := models.ParseClaimStatus(raw)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown status %q", models.ErrValidation, raw))
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrValidation))
			return
		}
		filter.Limit = limit
	}

	claims, err := s.ledger.ListClaims(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) GetPurchase(w http.ResponseWriter, r *http.Request) {
	claim, err := s.ledger.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) ApprovePurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ledger.Approve(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	logReview(r, id, models.StatusApproved)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Purchase approved"})
}

func (s *Server) RejectPurchase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION_ERROR")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.ledger.Reject(r.Context(), id, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	logReview(r, id, models.StatusRejected)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Purchase rejected"})
}

func logReview(r *http.Request, id string, status models.ClaimStatus) {
	fields := map[string]interface{}{
		"claim_id": id,
		"status":   string(status),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		fields["reviewer"] = identity.Subject
	}
	logger.Info("claim reviewed", fields)
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"houseplans.app/cloud/internal/ledger"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

const maxBodyBytes = int64(65536)

type PurchaseRequest struct {
	ProductID  int64           `json:"product_id"`
	Phone      string          `json:"phone"`
	Amount     decimal.Decimal `json:"amount"`
	ExternalID string          `json:"external_id"`
}

type PurchaseResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}

// CreatePurchase records one claim per checked-out line item.
func (s *Server) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION_ERROR")
		return
	}

	claim, err := s.ledger.CreateClaim(r.Context(), ledger.CreateClaimInput{
		ProductID:  req.ProductID,
		Phone:      req.Phone,
		Amount:     req.Amount,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, PurchaseResponse{Success: true, Token: claim.DownloadToken})
}

// ValidatePurchase answers whether a token currently unlocks a product. Bad
// input is simply not valid; the caller learns nothing else.
func (s *Server) ValidatePurchase(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusOK, ValidateResponse{Valid: false})
		return
	}

	valid, err := s.ledger.IsEntitled(r.Context(), productID, q.Get("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: valid})
}

func (s *Server) DownloadProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || productID <= 0 {
		writeError(w, r, fmt.Errorf("%w: invalid product id", models.ErrValidation))
		return
	}

	download, err := s.downloads.RenderDownload(r.Context(), productID, r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("download served", map[string]interface{}{
		"product_id":   productID,
		"content_type": download.ContentType,
		"bytes":        len(download.Body),
	})

	w.Header().Set("Content-Type", download.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(download.Body)
}

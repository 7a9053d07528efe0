package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"houseplans.app/cloud/internal/ledger"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/mpesa"
)

type STKPushRequest struct {
	Phone     string          `json:"phone"`
	Amount    decimal.Decimal `json:"amount"`
	ProductID int64           `json:"product_id"`
}

type STKPushResponse struct {
	Success           bool   `json:"success"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// STKPush prompts the buyer's phone for payment. The claim itself is recorded
// when Daraja calls back.
func (s *Server) STKPush(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "mobile payments are not available", "PAYMENTS_UNAVAILABLE")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body", "VALIDATION_ERROR")
		return
	}
	if req.ProductID <= 0 {
		writeErrorResponse(w, http.StatusBadRequest, "product_id is required", "VALIDATION_ERROR")
		return
	}

	resp, err := s.payments.STKPush(r.Context(), mpesa.STKPushRequest{
		Phone:     req.Phone,
		Amount:    req.Amount,
		ProductID: req.ProductID,
	})
	switch {
	case err == nil:
	case errors.Is(err, mpesa.ErrInvalidPhone), errors.Is(err, mpesa.ErrInvalidAmount):
		writeErrorResponse(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	case errors.Is(err, mpesa.ErrNotConfigured):
		writeErrorResponse(w, http.StatusServiceUnavailable, "mobile payments are not available", "PAYMENTS_UNAVAILABLE")
		return
	default:
		logger.Error("STK push failed", map[string]interface{}{
			"product_id": req.ProductID,
			"error":      err.Error(),
		})
		writeErrorResponse(w, http.StatusBadGateway, "payment request failed", "PAYMENT_GATEWAY_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, STKPushResponse{
		Success:           true,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	})
}

// STKCallback receives Daraja's asynchronous payment result. A successful
// payment becomes a pending claim; it still needs an operator's approval.
func (s *Server) STKCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	cb, err := mpesa.ParseCallback(r.Body)
	if err != nil {
		logger.Warn("rejected STK callback", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		writeErrorResponse(w, http.StatusBadRequest, "malformed callback", "VALIDATION_ERROR")
		return
	}

	if !cb.Succeeded() {
		logger.Warn("STK payment not completed", map[string]interface{}{
			"checkout_request_id": cb.CheckoutRequestID,
			"result_code":         cb.ResultCode,
			"result_desc":         cb.ResultDesc,
		})
		writeJSON(w, http.StatusOK, CallbackResponse{Success: false, Message: cb.ResultDesc})
		return
	}

	fallback, _ := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	payment, err := cb.Payment(fallback)
	if err != nil {
		logger.Error("STK callback missing payment details", map[string]interface{}{
			"checkout_request_id": cb.CheckoutRequestID,
			"error":               err.Error(),
		})
		writeErrorResponse(w, http.StatusBadRequest, "malformed callback", "VALIDATION_ERROR")
		return
	}

	claim, err := s.ledger.CreateClaim(r.Context(), ledger.CreateClaimInput{
		ProductID:  payment.ProductID,
		Phone:      payment.Phone,
		Amount:     payment.Amount,
		ExternalID: payment.CheckoutRequestID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info("purchase recorded from STK callback", map[string]interface{}{
		"claim_id":            claim.ID,
		"product_id":          claim.ProductID,
		"checkout_request_id": payment.CheckoutRequestID,
		"receipt":             payment.Receipt,
	})
	writeJSON(w, http.StatusOK, CallbackResponse{Success: true})
}

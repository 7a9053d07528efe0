package models

import "errors"

// Error taxonomy shared by the ledger, the download pipeline and the HTTP layer.
// Callers wrap these with detail and match them with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state transition")
	ErrUnauthorized = errors.New("download not authorized")
	ErrNotFound     = errors.New("not found")
	ErrProcessing   = errors.New("processing failed")
)

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClaimStatus string

const (
	StatusPending  ClaimStatus = "pending"
	StatusApproved ClaimStatus = "approved"
	StatusRejected ClaimStatus = "rejected"
)

// ParseClaimStatus accepts the lower-case wire form of a status.
func ParseClaimStatus(s string) (ClaimStatus, bool) {
	switch ClaimStatus(s) {
	case StatusPending, StatusApproved, StatusRejected:
		return ClaimStatus(s), true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed from s.
func (s ClaimStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Claim is a buyer's assertion of having paid for one product. It grants
// download access only once an operator approves it.
type Claim struct {
	ID              string          `json:"id"`
	ProductID       int64           `json:"product_id"`
	Phone           string          `json:"phone"`
	Amount          decimal.Decimal `json:"amount"`
	ExternalID      string          `json:"external_id,omitempty"`
	DownloadToken   string          `json:"download_token"`
	Status          ClaimStatus     `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
}

// Entitles reports whether the claim grants access to productID.
func (c *Claim) Entitles(productID int64) bool {
	return c != nil && c.ProductID == productID && c.Status == StatusApproved
}

// ClaimFilter narrows ListClaims. A nil Status returns every claim.
type ClaimFilter struct {
	Status *ClaimStatus
	Limit  int
}

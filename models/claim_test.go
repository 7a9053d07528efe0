package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseClaimStatus(t *testing.T) {
	tests := []struct {
		input string
		want  ClaimStatus
		ok    bool
	}{
		{"pending", StatusPending, true},
		{"approved", StatusApproved, true},
		{"rejected", StatusRejected, true},
		{"APPROVED", "", false},
		{"", "", false},
		{"downloaded", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseClaimStatus(tt.input)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if got != tt.want {
				t.Errorf("Expected status '%s', got '%s'", tt.want, got)
			}
		})
	}
}

func TestClaimStatus_Terminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending should not be terminal")
	}
	if !StatusApproved.Terminal() {
		t.Error("approved should be terminal")
	}
	if !StatusRejected.Terminal() {
		t.Error("rejected should be terminal")
	}
}

func TestClaim_Entitles(t *testing.T) {
	tests := []struct {
		name      string
		claim     *Claim
		productID int64
		want      bool
	}{
		{"approved matching product", &Claim{ProductID: 7, Status: StatusApproved}, 7, true},
		{"approved other product", &Claim{ProductID: 7, Status: StatusApproved}, 8, false},
		{"pending matching product", &Claim{ProductID: 7, Status: StatusPending}, 7, false},
		{"rejected matching product", &Claim{ProductID: 7, Status: StatusRejected}, 7, false},
		{"nil claim", nil, 7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claim.Entitles(tt.productID); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClaim_JSONFieldNames(t *testing.T) {
	claim := Claim{
		ID:            "c1",
		ProductID:     7,
		Phone:         "254712345678",
		Amount:        decimal.NewFromInt(1500),
		ExternalID:    "TG893J2NU7",
		DownloadToken: "abc",
		Status:        StatusPending,
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(claim)
	if err != nil {
		t.Fatalf("Failed to marshal claim: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal claim: %v", err)
	}

	for _, field := range []string{"id", "product_id", "phone", "amount", "external_id", "download_token", "status", "created_at"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("Expected field '%s' in JSON output", field)
		}
	}
	if _, ok := raw["rejection_reason"]; ok {
		t.Error("rejection_reason should be omitted while empty")
	}
	if raw["amount"] != "1500" {
		t.Errorf("Expected amount '1500', got %v", raw["amount"])
	}
}

func TestProduct_Active(t *testing.T) {
	if !(&Product{Status: ProductActive}).Active() {
		t.Error("active product should be active")
	}
	if (&Product{Status: ProductInactive}).Active() {
		t.Error("inactive product should not be active")
	}
	var p *Product
	if p.Active() {
		t.Error("nil product should not be active")
	}
}

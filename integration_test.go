package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"houseplans.app/cloud/handlers"
	"houseplans.app/cloud/internal/auth"
	"houseplans.app/cloud/internal/config"
	"houseplans.app/cloud/internal/testutil"
	"houseplans.app/cloud/storage"
)

// Integration tests that drive the whole purchase flow through the router.

var dwgSource = []byte("AC1027\x00\x00\x00\x00\x00binary drawing payload")

func testConfig(t testing.TB) *config.Config {
	t.Helper()

	dir := t.TempDir()
	assetDir := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(filepath.Join(assetDir, "plans"), 0o755); err != nil {
		t.Fatalf("Failed to create asset dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assetDir, "plans", "bungalow.png"), testutil.PNG(t, 120, 80), 0o644); err != nil {
		t.Fatalf("Failed to write asset: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assetDir, "plans", "bungalow.dwg"), dwgSource, 0o644); err != nil {
		t.Fatalf("Failed to write asset: %v", err)
	}

	catalog := `[
		{"id": 7, "title": "Three-bedroom bungalow", "asset_key": "plans/bungalow.png"},
		{"id": 8, "title": "Three-bedroom bungalow (CAD)", "asset_key": "plans/bungalow.dwg"},
		{"id": 9, "title": "Retired maisonette", "asset_key": "plans/bungalow.png", "status": "inactive"}
	]`
	catalogFile := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(catalogFile, []byte(catalog), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	return &config.Config{
		Port:              "0",
		JWTSecret:         testutil.JWTSecret,
		AssetStore:        config.AssetStoreFS,
		AssetDir:          assetDir,
		CatalogFile:       catalogFile,
		WatermarkText:     config.DefaultWatermarkText,
		WatermarkTimeout:  5 * time.Second,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		CORSOrigins:       []string{"*"},
	}
}

func newTestApp(t testing.TB, cfg *config.Config, store storage.Storage) *handlers.Server {
	t.Helper()
	srv, err := newServer(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	return srv
}

func adminHeaders(t testing.TB) map[string]string {
	t.Helper()
	var out bytes.Buffer
	if err := issueAdminToken([]string{"--subject", "ops@houseplans.app"}, testutil.JWTSecret, &out); err != nil {
		t.Fatalf("Failed to issue admin token: %v", err)
	}
	return testutil.Bearer(strings.TrimSpace(out.String()))
}

func purchase(t testing.TB, srv http.Handler, productID int64) string {
	t.Helper()
	w := testutil.MakeRequest(t, srv, http.MethodPost, "/api/purchases", map[string]interface{}{
		"product_id":  productID,
		"phone":       "254712345678",
		"amount":      1500,
		"external_id": "TG893J2NU7",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Purchase failed with status %d: %s", w.Code, w.Body.String())
	}
	var resp handlers.PurchaseResponse
	testutil.DecodeJSON(t, w, &resp)
	return resp.Token
}

// pendingClaimID finds the claim holding token through the admin listing.
func pendingClaimID(t testing.TB, srv http.Handler, admin map[string]string, token string) string {
	t.Helper()
	w := testutil.MakeRequest(t, srv, http.MethodGet, "/api/admin/purchases?status=pending", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("List failed with status %d", w.Code)
	}
	var claims []struct {
		ID            string `json:"id"`
		DownloadToken string `json:"download_token"`
	}
	testutil.DecodeJSON(t, w, &claims)
	for _, c := range claims {
		if c.DownloadToken == token {
			return c.ID
		}
	}
	t.Fatalf("No pending claim holds the token")
	return ""
}

func TestFullWorkflow_PurchaseReviewDownload(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			var store storage.Storage = storage.NewMemoryStorage()
			if backend == "sqlite" {
				var err error
				store, err = storage.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
				if err != nil {
					t.Fatalf("Failed to open sqlite: %v", err)
				}
				defer store.Close()
			}

			srv := newTestApp(t, testConfig(t), store)
			admin := adminHeaders(t)

			// Step 1: checkout records a pending claim.
			token := purchase(t, srv, 7)
			testutil.AssertValid(t, testutil.MakeRequest(t, srv, http.MethodGet, "/api/purchases/validate?product_id=7&token="+token, nil, nil), false)

			// Step 2: downloads are refused until review.
			w := testutil.MakeRequest(t, srv, http.MethodGet, "/api/products/7/download?token="+token, nil, nil)
			testutil.AssertErrorResponse(t, w, http.StatusForbidden, "UNAUTHORIZED")

			// Step 3: an operator approves.
			id := pendingClaimID(t, srv, admin, token)
			w = testutil.MakeRequest(t, srv, http.MethodPut, "/api/admin/purchases/"+id+"/approve", nil, admin)
			if w.Code != http.StatusOK {
				t.Fatalf("Approve failed with status %d: %s", w.Code, w.Body.String())
			}

			// Step 4: the token now unlocks exactly this product.
			testutil.AssertValid(t, testutil.MakeRequest(t, srv, http.MethodGet, "/api/purchases/validate?product_id=7&token="+token, nil, nil), true)
			testutil.AssertValid(t, testutil.MakeRequest(t, srv, http.MethodGet, "/api/purchases/validate?product_id=8&token="+token, nil, nil), false)

			first := testutil.MakeRequest(t, srv, http.MethodGet, "/api/products/7/download?token="+token, nil, nil)
			if first.Code != http.StatusOK {
				t.Fatalf("Download failed with status %d: %s", first.Code, first.Body.String())
			}
			if first.Header().Get("Content-Type") != "image/png" {
				t.Errorf("Expected image/png, got %q", first.Header().Get("Content-Type"))
			}
			if !strings.Contains(first.Header().Get("Content-Disposition"), "plan-7.png") {
				t.Errorf("Unexpected Content-Disposition %q", first.Header().Get("Content-Disposition"))
			}

			// Every download renders afresh with the same result.
			second := testutil.MakeRequest(t, srv, http.MethodGet, "/api/products/7/download?token="+token, nil, nil)
			if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
				t.Error("Expected repeated downloads to render identically")
			}
		})
	}
}

func TestWorkflow_PassthroughAsset(t *testing.T) {
	srv := newTestApp(t, testConfig(t), storage.NewMemoryStorage())
	admin := adminHeaders(t)

	token := purchase(t, srv, 8)
	id := pendingClaimID(t, srv, admin, token)
	testutil.MakeRequest(t, srv, http.MethodPut, "/api/admin/purchases/"+id+"/approve", nil, admin)

	w := testutil.MakeRequest(t, srv, http.MethodGet, "/api/products/8/download?token="+token, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Download failed with status %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), dwgSource) {
		t.Error("Expected unrecognised formats to be served unmodified")
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "plan-8.dwg") {
		t.Errorf("Unexpected Content-Disposition %q", w.Header().Get("Content-Disposition"))
	}
}

func TestWorkflow_RejectedAndInactive(t *testing.T) {
	srv := newTestApp(t, testConfig(t), storage.NewMemoryStorage())
	admin := adminHeaders(t)

	rejected := purchase(t, srv, 7)
	id := pendingClaimID(t, srv, admin, rejected)
	w := testutil.MakeRequest(t, srv, http.MethodPut, "/api/admin/purchases/"+id+"/reject", "", admin)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	w = testutil.MakeRequest(t, srv, http.MethodPut, "/api/admin/purchases/"+id+"/reject", map[string]string{"reason": "no matching M-Pesa receipt"}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Reject failed with status %d", w.Code)
	}
	w = testutil.MakeRequest(t, srv, http.MethodGet, "/api/products/7/download?token="+rejected, nil, nil)
	testutil.AssertErrorResponse(t, w, http.StatusForbidden, "UNAUTHORIZED")

	inactive := purchase(t, srv, 9)
	id = pendingClaimID(t, srv, admin, inactive)
	testutil.MakeRequest(t, srv, http.MethodPut, "/api/admin/purchases/"+id+"/approve", nil, admin)
	testutil.AssertValid(t, testutil.MakeRequest(t, srv, http.MethodGet, "/api/purchases/validate?product_id=9&token="+inactive, nil, nil), false)
}

func TestWorkflow_STKCallbackCreatesClaim(t *testing.T) {
	srv := newTestApp(t, testConfig(t), storage.NewMemoryStorage())
	admin := adminHeaders(t)

	payload := testutil.STKCallbackPayload("ws_CO_010320251200", 0, 1500, 254712345678)
	w := testutil.MakeRequest(t, srv, http.MethodPost, "/api/payments/callback/stk?product_id=7", payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Callback failed with status %d: %s", w.Code, w.Body.String())
	}

	w = testutil.MakeRequest(t, srv, http.MethodGet, "/api/admin/purchases?status=pending", nil, admin)
	var claims []map[string]interface{}
	testutil.DecodeJSON(t, w, &claims)
	if len(claims) != 1 || claims[0]["external_id"] != "ws_CO_010320251200" {
		t.Errorf("Expected one pending claim from the callback, got %v", claims)
	}

	// Without Daraja credentials the push endpoint is switched off.
	w = testutil.MakeRequest(t, srv, http.MethodPost, "/api/payments/stk-push", map[string]interface{}{"phone": "0712345678", "amount": 1500, "product_id": 7}, nil)
	testutil.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "PAYMENTS_UNAVAILABLE")
}

func TestWorkflow_HealthCheck(t *testing.T) {
	srv := newTestApp(t, testConfig(t), storage.NewMemoryStorage())

	w := testutil.MakeRequest(t, srv, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Health check failed with status %d", w.Code)
	}
	var resp handlers.HealthResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != "healthy" {
		t.Errorf("Expected healthy, got %q", resp.Status)
	}
}

func TestWorkflow_RateLimiting(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitRequests = 5
	srv := newTestApp(t, cfg, storage.NewMemoryStorage())

	limited := 0
	for i := 0; i < 8; i++ {
		w := testutil.MakeRequest(t, srv, http.MethodGet, fmt.Sprintf("/api/purchases/validate?product_id=7&token=%032d", i), nil, nil)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 3 {
		t.Errorf("Expected 3 throttled requests, got %d", limited)
	}
}

func TestWorkflow_ConcurrentPurchases(t *testing.T) {
	srv := newTestApp(t, testConfig(t), storage.NewMemoryStorage())

	const n = 50
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := testutil.MakeRequest(t, srv, http.MethodPost, "/api/purchases", map[string]interface{}{
				"product_id": 7,
				"phone":      "254712345678",
				"amount":     1500,
			}, nil)
			var resp handlers.PurchaseResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err == nil {
				tokens[i] = resp.Token
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, token := range tokens {
		if token == "" {
			t.Fatal("Expected every purchase to succeed")
		}
		if seen[token] {
			t.Fatalf("Duplicate token %s", token)
		}
		seen[token] = true
	}
}

func TestIssueAdminToken(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		secret  string
		wantErr bool
	}{
		{"ok", []string{"--subject", "ops@houseplans.app"}, testutil.JWTSecret, false},
		{"equals form", []string{"--subject=ops@houseplans.app"}, testutil.JWTSecret, false},
		{"custom ttl", []string{"--subject", "ops@houseplans.app", "--ttl", "30m"}, testutil.JWTSecret, false},
		{"missing subject", nil, testutil.JWTSecret, true},
		{"short secret", []string{"--subject", "ops@houseplans.app"}, "short", true},
		{"unknown flag", []string{"--role", "admin"}, testutil.JWTSecret, true},
		{"single-dash long flag", []string{"-subject", "ops@houseplans.app"}, testutil.JWTSecret, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := issueAdminToken(tt.args, tt.secret, &out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			identity, err := auth.New(tt.secret, time.Hour).Parse(strings.TrimSpace(out.String()))
			if err != nil {
				t.Fatalf("Issued token does not parse: %v", err)
			}
			if identity.Role != auth.RoleAdmin || identity.Subject != "ops@houseplans.app" {
				t.Errorf("Unexpected identity %+v", identity)
			}
		})
	}
}

func TestNewServer_BadCatalog(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.CatalogFile, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}
	if _, err := newServer(context.Background(), cfg, storage.NewMemoryStorage()); err == nil {
		t.Error("Expected a malformed catalog to fail startup")
	}
}

func BenchmarkWorkflow_Validate(b *testing.B) {
	cfg := testConfig(b)
	cfg.RateLimitRequests = 1 << 30
	srv := newTestApp(b, cfg, storage.NewMemoryStorage())
	token := purchase(b, srv, 7)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		testutil.MakeRequest(b, srv, http.MethodGet, "/api/purchases/validate?product_id=7&token="+token, nil, nil)
	}
}

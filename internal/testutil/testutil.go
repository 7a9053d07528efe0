package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"houseplans.app/cloud/internal/assets"
	"houseplans.app/cloud/internal/auth"
	"houseplans.app/cloud/internal/credential"
	"houseplans.app/cloud/internal/ledger"
	"houseplans.app/cloud/internal/watermark"
	"houseplans.app/cloud/models"
	"houseplans.app/cloud/storage"
)

const (
	JWTSecret     = "test-secret-that-is-at-least-32-bytes-long"
	WatermarkText = "Purchased copy - test"
)

// Fixture wires the purchase flow against memory storage and a temporary
// asset directory.
type Fixture struct {
	Store    *storage.MemoryStorage
	Ledger   *ledger.Service
	Assets   *assets.FileStore
	AssetDir string
	Pipeline *watermark.Pipeline
	Auth     *auth.Authenticator
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()

	dir := t.TempDir()
	files, err := assets.NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	store := storage.NewMemoryStorage()
	svc := ledger.NewService(store, credential.New())

	return &Fixture{
		Store:    store,
		Ledger:   svc,
		Assets:   files,
		AssetDir: dir,
		Pipeline: watermark.NewPipeline(svc, files, WatermarkText, 5*time.Second),
		Auth:     auth.New(JWTSecret, time.Hour),
	}
}

// AddProduct registers a catalog entry and writes its source asset.
func (f *Fixture) AddProduct(t testing.TB, id int64, assetKey string, body []byte, status string) {
	t.Helper()

	if body != nil {
		path := filepath.Join(f.AssetDir, filepath.FromSlash(assetKey))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create asset dir: %v", err)
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatalf("Failed to write asset: %v", err)
		}
	}

	product := &models.Product{
		ID:       id,
		Title:    fmt.Sprintf("Plan %d", id),
		AssetKey: assetKey,
		Status:   status,
	}
	if err := f.Store.SaveProduct(context.Background(), product); err != nil {
		t.Fatalf("Failed to save product %d: %v", id, err)
	}
}

func (f *Fixture) AdminToken(t testing.TB) string {
	t.Helper()
	token, _, err := f.Auth.IssueToken("ops@example.com", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("Failed to issue admin token: %v", err)
	}
	return token
}

// PNG returns an encoded solid-colour image.
func PNG(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: 40, G: 120, B: 200, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// MakeRequest sends a request through h. body is JSON-encoded unless it is
// already a []byte or string.
func MakeRequest(t testing.TB, h http.Handler, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func Bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// DecodeJSON decodes the recorder body into out or fails the test.
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// AssertErrorResponse checks the status and the machine-readable error code.
func AssertErrorResponse(t testing.TB, w *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()

	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d (%s)", expectedStatus, w.Code, w.Body.String())
	}

	var response map[string]string
	DecodeJSON(t, w, &response)
	if response["code"] != expectedCode {
		t.Errorf("Expected code '%s', got '%s'", expectedCode, response["code"])
	}
	if response["error"] == "" {
		t.Errorf("Expected an error message")
	}
}

// AssertValid checks a validate endpoint response.
func AssertValid(t testing.TB, w *httptest.ResponseRecorder, expected bool) {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d (%s)", http.StatusOK, w.Code, w.Body.String())
	}
	var response struct {
		Valid bool `json:"valid"`
	}
	DecodeJSON(t, w, &response)
	if response.Valid != expected {
		t.Errorf("Expected valid=%v, got valid=%v", expected, response.Valid)
	}
}

// STKCallbackPayload builds the envelope Daraja posts after an STK push.
// A non-zero resultCode produces a callback without metadata.
func STKCallbackPayload(checkoutRequestID string, resultCode int, amount int64, phone int64) []byte {
	stk := map[string]interface{}{
		"MerchantRequestID": "29115-34620561-1",
		"CheckoutRequestID": checkoutRequestID,
		"ResultCode":        resultCode,
		"ResultDesc":        "The service request is processed successfully.",
	}
	if resultCode == 0 {
		stk["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": amount},
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
				{"Name": "TransactionDate", "Value": 20250301101500},
				{"Name": "PhoneNumber", "Value": phone},
			},
		}
	} else {
		stk["ResultDesc"] = "Request cancelled by user"
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"Body": map[string]interface{}{"stkCallback": stk},
	})
	return payload
}

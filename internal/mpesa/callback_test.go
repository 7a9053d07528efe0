package mpesa

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1500.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCallback_Success(t *testing.T) {
	cb, err := ParseCallback(strings.NewReader(successCallback))
	if err != nil {
		t.Fatalf("Failed to parse callback: %v", err)
	}
	if !cb.Succeeded() {
		t.Fatal("Expected success")
	}

	payment, err := cb.Payment(7)
	if err != nil {
		t.Fatalf("Failed to extract payment: %v", err)
	}
	if payment.Phone != "254712345678" {
		t.Errorf("Expected phone as digits, got %q", payment.Phone)
	}
	if !payment.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Expected amount 1500, got %s", payment.Amount)
	}
	if payment.CheckoutRequestID != "ws_CO_191220191020363925" || payment.Receipt != "NLJ7RT61SV" {
		t.Errorf("Unexpected ids %+v", payment)
	}
	if payment.ProductID != 7 {
		t.Errorf("Expected product from callback URL, got %d", payment.ProductID)
	}
}

func TestParseCallback_AccountReferenceWins(t *testing.T) {
	body := strings.Replace(successCallback,
		`{"Name": "Balance"},`,
		`{"Name": "Balance"}, {"Name": "AccountReference", "Value": "prod-12"},`, 1)

	cb, err := ParseCallback(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to parse callback: %v", err)
	}
	payment, err := cb.Payment(7)
	if err != nil {
		t.Fatalf("Failed to extract payment: %v", err)
	}
	if payment.ProductID != 12 {
		t.Errorf("Expected product 12 from account reference, got %d", payment.ProductID)
	}
}

func TestParseCallback_Cancelled(t *testing.T) {
	cb, err := ParseCallback(strings.NewReader(cancelledCallback))
	if err != nil {
		t.Fatalf("Failed to parse callback: %v", err)
	}
	if cb.Succeeded() {
		t.Error("Expected failure result")
	}
	if _, err := cb.Payment(7); !errors.Is(err, ErrMalformedCallback) {
		t.Errorf("Expected no payment from a failed callback, got %v", err)
	}
}

func TestParseCallback_Malformed(t *testing.T) {
	for _, body := range []string{"", "{", `{"Body":{}}`, `{"Body":{"stkCallback":{"ResultCode":0}}}`} {
		if _, err := ParseCallback(strings.NewReader(body)); !errors.Is(err, ErrMalformedCallback) {
			t.Errorf("ParseCallback(%q): expected ErrMalformedCallback, got %v", body, err)
		}
	}
}

func TestPayment_MissingProduct(t *testing.T) {
	cb, _ := ParseCallback(strings.NewReader(successCallback))
	if _, err := cb.Payment(0); !errors.Is(err, ErrMalformedCallback) {
		t.Errorf("Expected ErrMalformedCallback without a product, got %v", err)
	}
}

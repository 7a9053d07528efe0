package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// Callback is the envelope Daraja posts to the STK callback URL.
type Callback struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem values are numbers or strings depending on the field.
type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Payment is what a successful callback tells us about the buyer.
type Payment struct {
	CheckoutRequestID string
	Phone             string
	Amount            decimal.Decimal
	Receipt           string
	ProductID         int64
}

func ParseCallback(r io.Reader) (*STKCallback, error) {
	var cb Callback
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	if err := dec.Decode(&cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if cb.Body.STKCallback.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	return &cb.Body.STKCallback, nil
}

func (cb *STKCallback) Succeeded() bool {
	return cb.ResultCode == 0
}

// Metadata flattens the callback items into name/value strings.
func (cb *STKCallback) Metadata() map[string]string {
	meta := make(map[string]string)
	if cb.CallbackMetadata == nil {
		return meta
	}
	for _, item := range cb.CallbackMetadata.Item {
		if len(item.Value) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			meta[item.Name] = s
			continue
		}
		meta[item.Name] = strings.TrimSpace(string(item.Value))
	}
	return meta
}

// Payment extracts the buyer's details from a successful callback. The
// product comes from an AccountReference item when Daraja echoes one, and
// from productID otherwise.
func (cb *STKCallback) Payment(productID int64) (*Payment, error) {
	if !cb.Succeeded() {
		return nil, fmt.Errorf("%w: result code %d", ErrMalformedCallback, cb.ResultCode)
	}
	meta := cb.Metadata()

	if ref, ok := meta["AccountReference"]; ok && ref != "" {
		id, err := ParseAccountReference(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		productID = id
	}
	if productID <= 0 {
		return nil, fmt.Errorf("%w: no product reference", ErrMalformedCallback)
	}

	amount, err := decimal.NewFromString(meta["Amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformedCallback, meta["Amount"])
	}
	phone := meta["PhoneNumber"]
	if phone == "" {
		return nil, fmt.Errorf("%w: missing PhoneNumber", ErrMalformedCallback)
	}

	return &Payment{
		CheckoutRequestID: cb.CheckoutRequestID,
		Phone:             phone,
		Amount:            amount,
		Receipt:           meta["MpesaReceiptNumber"],
		ProductID:         productID,
	}, nil
}

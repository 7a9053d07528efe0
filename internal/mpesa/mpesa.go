// Package mpesa talks to Safaricom's Daraja API: OAuth tokens, Lipa na
// M-Pesa STK push, and the asynchronous STK callback.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"houseplans.app/cloud/internal/config"
	"houseplans.app/cloud/internal/logger"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	// Refresh cached OAuth tokens this long before Daraja expires them.
	tokenSlack = time.Minute
)

var (
	ErrNotConfigured = errors.New("mpesa is not configured")
	ErrInvalidPhone  = errors.New("phone must be a Kenyan MSISDN")
	ErrInvalidAmount = errors.New("amount must be a positive whole number")
)

// Daraja expects timestamps in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Client struct {
	cfg  config.MPesaConfig
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg config.MPesaConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: httpClient,
		now:  time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// AccessToken returns a cached OAuth token, fetching a new one with the
// consumer key and secret when the cached one is close to expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if !c.cfg.Enabled() {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var tr tokenResponse
	if err := c.do(req, &tr); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("fetch access token: empty token in response")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenSlack)

	logger.Debug("mpesa access token refreshed", map[string]interface{}{
		"expires_in": ttl.String(),
	})
	return c.token, nil
}

type STKPushRequest struct {
	Phone     string
	Amount    decimal.Decimal
	ProductID int64
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush asks Daraja to prompt the buyer's phone for payment. The result
// arrives later on the callback URL; the product id rides along both in the
// account reference and as a query parameter on the callback URL.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	if !c.cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() || !in.Amount.Equal(in.Amount.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	if in.ProductID <= 0 {
		return nil, fmt.Errorf("product id is required")
	}

	callbackURL, err := callbackWithProduct(c.cfg.CallbackURL, in.ProductID)
	if err != nil {
		return nil, err
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            in.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  AccountReference(in.ProductID),
		TransactionDesc:   fmt.Sprintf("Payment for product %d", in.ProductID),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode stk push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stk push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var resp STKPushResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: %s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	logger.Info("stk push sent", map[string]interface{}{
		"checkout_request_id": resp.CheckoutRequestID,
		"product_id":          in.ProductID,
	})
	return &resp, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.ErrorMessage != "" {
			return fmt.Errorf("daraja returned %d: %s (%s)", resp.StatusCode, ae.ErrorMessage, ae.ErrorCode)
		}
		return fmt.Errorf("daraja returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// Timestamp formats t as YYYYMMDDHHmmss in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

func AccountReference(productID int64) string {
	return fmt.Sprintf("prod-%d", productID)
}

func ParseAccountReference(ref string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(ref), "prod-")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account reference %q", ref)
	}
	return id, nil
}

// NormalizePhone accepts 07.., 01.., +254.. and 254.. forms and returns the
// 12-digit 254 form Daraja expects.
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '+':
		default:
			return "", ErrInvalidPhone
		}
	}

	d := digits.String()
	switch {
	case len(d) == 10 && d[0] == '0':
		d = "254" + d[1:]
	case len(d) == 9 && (d[0] == '7' || d[0] == '1'):
		d = "254" + d
	}
	if len(d) != 12 || !strings.HasPrefix(d, "254") {
		return "", ErrInvalidPhone
	}
	return d, nil
}

func callbackWithProduct(raw string, productID int64) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: callback url missing", ErrNotConfigured)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	q.Set("product_id", strconv.FormatInt(productID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

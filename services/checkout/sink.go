package checkout

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderRecord is the mapping persisted once a creation is confirmed. It links
// the storefront order to the on-chain identifier and transaction.
type OrderRecord struct {
	OrderID       common.Hash
	OrderRef      string
	TxHash        string
	Buyer         common.Address
	Vendor        common.Address
	Amount        *big.Int
	AmountUSD     string
	Email         string
	PaymentMethod string
	AgeRestricted bool
	ConfirmedAt   time.Time
}

// OrderSink persists confirmed orders in the order-management system.
type OrderSink interface {
	RecordOrder(ctx context.Context, record OrderRecord) error
}

// RecordOrderRequest is the JSON body accepted by the gateway's order
// endpoint.
type RecordOrderRequest struct {
	OrderRef      string `json:"orderRef"`
	OrderID       string `json:"orderId,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	Buyer         string `json:"buyer,omitempty"`
	Vendor        string `json:"vendor,omitempty"`
	Amount        string `json:"amount,omitempty"`
	AmountUSD     string `json:"amountUsd"`
	Email         string `json:"email,omitempty"`
	PaymentMethod string `json:"paymentMethod"`
	AgeRestricted bool   `json:"ageRestricted,omitempty"`
}

// NewRecordOrderRequest converts a record into the gateway wire shape.
func NewRecordOrderRequest(record OrderRecord) RecordOrderRequest {
	req := RecordOrderRequest{
		OrderRef:      record.OrderRef,
		OrderID:       record.OrderID.Hex(),
		TxHash:        record.TxHash,
		Buyer:         record.Buyer.Hex(),
		Vendor:        record.Vendor.Hex(),
		AmountUSD:     record.AmountUSD,
		Email:         record.Email,
		PaymentMethod: record.PaymentMethod,
		AgeRestricted: record.AgeRestricted,
	}
	if record.Amount != nil {
		req.Amount = record.Amount.String()
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "usdc"
	}
	return req
}

// GatewaySink records orders through the escrow gateway's HTTP API.
type GatewaySink struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGatewaySink targets the gateway at baseURL. token, when set, is sent as
// a bearer credential.
func NewGatewaySink(baseURL, token string, client *http.Client) *GatewaySink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewaySink{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

// RecordOrder posts record to the gateway. The idempotency key covers the
// order id and the request body, so a retry that carries different details
// is merged by the gateway instead of being refused. A 409 is accepted when
// the gateway already maps the order id to the same order.
func (s *GatewaySink) RecordOrder(ctx context.Context, record OrderRecord) error {
	body, err := json.Marshal(NewRecordOrderRequest(record))
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(record.OrderID, body))
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusConflict:
		failure := responseError(resp)
		if mapped, err := s.hasMapping(ctx, record); err == nil && mapped {
			return nil
		}
		return failure
	default:
		return responseError(resp)
	}
}

func idempotencyKey(id common.Hash, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("checkout-%s-%x", id.Hex(), sum[:8])
}

// hasMapping reports whether the gateway stores record's order id under the
// same reference, buyer and vendor.
func (s *GatewaySink) hasMapping(ctx context.Context, record OrderRecord) (bool, error) {
	var stored struct {
		OrderRef string `json:"orderRef"`
		OrderID  string `json:"orderId"`
		Buyer    string `json:"buyer"`
		Vendor   string `json:"vendor"`
	}
	status, err := s.getJSON(ctx, "/v1/orders/by-id/"+record.OrderID.Hex(), &stored)
	if err != nil || status != http.StatusOK {
		return false, err
	}
	return stored.OrderRef == record.OrderRef &&
		strings.EqualFold(stored.OrderID, record.OrderID.Hex()) &&
		strings.EqualFold(stored.Buyer, record.Buyer.Hex()) &&
		strings.EqualFold(stored.Vendor, record.Vendor.Hex()), nil
}

// AgeVerified asks the gateway whether wallet has a verified age proof at
// the gateway's configured minimum age.
func (s *GatewaySink) AgeVerified(ctx context.Context, wallet common.Address) (bool, error) {
	var payload struct {
		Verified bool `json:"verified"`
	}
	status, err := s.getJSON(ctx, "/v1/identity/"+wallet.Hex()+"/age", &payload)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("gateway: age status returned %d", status)
	}
	return payload.Verified, nil
}

func (s *GatewaySink) getJSON(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("gateway: decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (s *GatewaySink) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("gateway: %s (status %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("gateway: unexpected status %d", resp.StatusCode)
}

// Package client is a JSON-RPC client for credifyd.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"credify/core"
	coreerrors "credify/core/errors"
	"credify/core/types"
	"credify/observability/otel"
	"credify/rpc"
)

// ErrUnavailable wraps transport failures. When it is returned from
// SendTransaction the transaction may or may not have been sequenced.
var ErrUnavailable = errors.New("client: node unavailable")

// Client talks to a credifyd JSON-RPC endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New returns a client for the node at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otel.Transport(nil),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RPCError is a non-ledger error reported by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc %s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, method, err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusBadGateway {
			return fmt.Errorf("%w: %s: status=%d", ErrUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return decodeError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func decodeError(method string, obj *jsonRPCErrorObj) error {
	if obj.Code == rpc.CodeLedgerError && len(obj.Data) > 0 {
		var data rpc.LedgerErrorData
		if err := json.Unmarshal(obj.Data, &data); err == nil && data.Code != "" {
			return coreerrors.FromCode(data.Code, obj.Message)
		}
	}
	return &RPCError{Method: method, Code: obj.Code, Message: obj.Message}
}

// ChainInfo returns the chain summary.
func (c *Client) ChainInfo(ctx context.Context) (*core.ChainInfo, error) {
	var out core.ChainInfo
	if err := c.call(ctx, "chain_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendTransaction submits a signed transaction and returns its receipt.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	var out types.Receipt
	if err := c.call(ctx, "tx_send", []interface{}{tx}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Receipt fetches the receipt of a sequenced transaction.
func (c *Client) Receipt(ctx context.Context, hash string) (*types.Receipt, error) {
	var out types.Receipt
	if err := c.call(ctx, "tx_getReceipt", []interface{}{hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForReceipt polls until the receipt for hash is available or ctx ends.
func (c *Client) WaitForReceipt(ctx context.Context, hash string, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, coreerrors.ErrTxNotFound) && !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Nonce returns the next nonce the node expects from addr.
func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out rpc.NonceResult
	if err := c.call(ctx, "tx_nonce", []interface{}{addr.Hex()}, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// BalanceOf returns the stablecoin balance of addr in base units.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out rpc.BalanceResult
	if err := c.call(ctx, "token_balanceOf", []interface{}{addr.Hex()}, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.Balance)
}

func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out rpc.AllowanceResult
	if err := c.call(ctx, "token_allowance", []interface{}{owner.Hex(), spender.Hex()}, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.Allowance)
}

func (c *Client) TotalSupply(ctx context.Context) (*big.Int, error) {
	var out rpc.SupplyResult
	if err := c.call(ctx, "token_totalSupply", nil, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.TotalSupply)
}

func (c *Client) IsVendor(ctx context.Context, addr common.Address) (bool, error) {
	var out rpc.VendorResult
	if err := c.call(ctx, "vendor_isVendor", []interface{}{addr.Hex()}, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

// ComputeID asks the node for the order id of orderRef.
func (c *Client) ComputeID(ctx context.Context, orderRef string) (common.Hash, error) {
	var out rpc.ComputeIDResult
	if err := c.call(ctx, "escrow_computeId", []interface{}{orderRef}, &out); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(out.OrderID), nil
}

// Order returns the escrow record. A missing order yields an error matching
// escrow.ErrOrderNotFound.
func (c *Client) Order(ctx context.Context, id common.Hash) (*rpc.OrderResult, error) {
	var out rpc.OrderResult
	if err := c.call(ctx, "escrow_getOrder", []interface{}{id.Hex()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LedgerConfig(ctx context.Context) (*rpc.ConfigResult, error) {
	var out rpc.ConfigResult
	if err := c.call(ctx, "escrow_config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventsSince pages through the node event log.
func (c *Client) EventsSince(ctx context.Context, after uint64, limit int) (*rpc.EventsResult, error) {
	var out rpc.EventsResult
	if err := c.call(ctx, "events_since", []interface{}{rpc.EventsQuery{After: after, Limit: limit}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

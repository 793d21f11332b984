package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"credify/core"
	coreerrors "credify/core/errors"
	"credify/gateway/middleware"
	"credify/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	// CodeLedgerError marks a typed ledger rejection; Data carries the
	// stable error code.
	CodeLedgerError = -32030
)

// ServerConfig tunes the JSON-RPC endpoint.
type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on tx_send.
	AuthToken string
	// TxRequestsPerMinute and TxBurst bound tx_send per client.
	TxRequestsPerMinute float64
	TxBurst             int
	// EventPollInterval controls how often websocket subscribers are fed.
	EventPollInterval time.Duration
}

type Server struct {
	node      *core.Node
	cfg       ServerConfig
	logger    *slog.Logger
	limiter   *middleware.RateLimiter
	authToken string
}

func NewServer(node *core.Node, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TxRequestsPerMinute <= 0 {
		cfg.TxRequestsPerMinute = 600
	}
	if cfg.TxBurst <= 0 {
		cfg.TxBurst = 20
	}
	if cfg.EventPollInterval <= 0 {
		cfg.EventPollInterval = 500 * time.Millisecond
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"tx_send": {RequestsPerMinute: cfg.TxRequestsPerMinute, Burst: cfg.TxBurst},
	}, logger)
	return &Server{
		node:      node,
		cfg:       cfg,
		logger:    logger,
		limiter:   limiter,
		authToken: strings.TrimSpace(cfg.AuthToken),
	}
}

// Handler exposes the JSON-RPC endpoint, the event stream and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// LedgerErrorData is the Data payload of a CodeLedgerError response.
type LedgerErrorData struct {
	Code coreerrors.Code `json:"code"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeLedgerError maps typed failures onto CodeLedgerError and everything
// else onto a server error.
func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	code := coreerrors.CodeOf(err)
	if code == coreerrors.CodeUnknown {
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
		return
	}
	status := http.StatusBadRequest
	switch code {
	case coreerrors.CodeOrderNotFound, coreerrors.CodeTxNotFound:
		status = http.StatusNotFound
	}
	writeError(w, status, id, CodeLedgerError, err.Error(), LedgerErrorData{Code: code})
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &middleware.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
	method := s.serve(recorder, r)
	observability.ModuleMetrics().Observe("rpc", method, recorder.Status, time.Since(start))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return ""
	}
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return ""
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}

	switch req.Method {
	case "tx_send":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		source := middleware.ClientID(r)
		if !s.limiter.Allow("tx_send", source) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "transaction rate limit exceeded", source)
			return req.Method
		}
		s.handleSendTransaction(w, r, req)
	case "tx_getReceipt":
		s.handleGetReceipt(w, r, req)
	case "tx_nonce":
		s.handleNonce(w, r, req)
	case "chain_info":
		writeResult(w, req.ID, s.node.Info())
	case "events_since":
		s.handleEventsSince(w, r, req)
	case "token_balanceOf":
		s.handleBalanceOf(w, r, req)
	case "token_allowance":
		s.handleAllowance(w, r, req)
	case "token_totalSupply":
		s.handleTotalSupply(w, r, req)
	case "vendor_isVendor":
		s.handleIsVendor(w, r, req)
	case "escrow_computeId":
		s.handleEscrowComputeID(w, r, req)
	case "escrow_getOrder":
		s.handleEscrowGetOrder(w, r, req)
	case "escrow_config":
		s.handleEscrowConfig(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return "unknown"
	}
	return req.Method
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func decodeParam(req *RPCRequest, idx int, out interface{}) error {
	if idx >= len(req.Params) {
		return fmt.Errorf("parameter %d required", idx)
	}
	return json.Unmarshal(req.Params[idx], out)
}

func parseAddressParam(req *RPCRequest, idx int) (common.Address, error) {
	var raw string
	if err := decodeParam(req, idx, &raw); err != nil {
		return common.Address{}, err
	}
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

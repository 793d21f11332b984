package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"credify/gateway/middleware"
	"credify/native/escrow"
	"credify/observability/logging"
	"credify/rpc"
	"credify/services/checkout"
	"credify/services/identity"
	"credify/services/orders"
	"credify/services/pricing"
)

const (
	scopeOrdersWrite   = "orders:write"
	scopeOrdersRead    = "orders:read"
	scopeEscrowAdmin   = "escrow:admin"
	scopeIdentityWrite = "identity:write"

	rateKeyWrites = "writes"
	ledgerTimeout = 45 * time.Second
)

// Native coin decimals for quote conversion.
var nativeDecimals = map[string]uint8{
	orders.MethodCCD:  6,
	orders.MethodAVAX: 18,
}

// Settler runs admin settlement on the ledger. *checkout.Orchestrator
// satisfies it.
type Settler interface {
	Release(ctx context.Context, id common.Hash) (*checkout.Result, error)
	Refund(ctx context.Context, id common.Hash) (*checkout.Result, error)
}

// LedgerReader reads escrow state from the node. *client.Client satisfies it.
type LedgerReader interface {
	ComputeID(ctx context.Context, orderRef string) (common.Hash, error)
	Order(ctx context.Context, id common.Hash) (*rpc.OrderResult, error)
}

// QuoteSource prices native coins. *pricing.Cache satisfies it.
type QuoteSource interface {
	Rate(ctx context.Context, symbol string) (pricing.Quote, error)
	Quotes(ctx context.Context) ([]pricing.Quote, error)
}

// ServerDeps wires the gateway's collaborators. Identity, Quotes, Ledger and
// Settler are optional; the routes that need them answer 503 without them.
type ServerDeps struct {
	Store         *orders.Store
	Identity      *identity.Store
	Quotes        QuoteSource
	Ledger        LedgerReader
	Settler       Settler
	Hub           *StatusHub
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	MinimumAge    int
	Now           func() time.Time
}

// Server is the HTTP front-end for storefront orders and escrow admin.
type Server struct {
	store      *orders.Store
	identity   *identity.Store
	quotes     QuoteSource
	ledger     LedgerReader
	settler    Settler
	hub        *StatusHub
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	obs        *middleware.Observability
	logger     *slog.Logger
	minimumAge int
	nowFn      func() time.Time
	router     http.Handler
}

func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("order store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := deps.Auth
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	obs := deps.Observability
	if obs == nil {
		obs = middleware.NewObservability("escrow-gateway", false, logger)
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewStatusHub(0)
	}
	minimumAge := deps.MinimumAge
	if minimumAge <= 0 {
		minimumAge = 18
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		store:      deps.Store,
		identity:   deps.Identity,
		quotes:     deps.Quotes,
		ledger:     deps.Ledger,
		settler:    deps.Settler,
		hub:        hub,
		auth:       auth,
		limiter:    deps.Limiter,
		obs:        obs,
		logger:     logger,
		minimumAge: minimumAge,
		nowFn:      now,
	}
	s.router = s.buildRouter(deps.CORS)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cors middleware.CORSConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		writes := func(route string, scopes ...string) chi.Router {
			return api.With(
				s.obs.Middleware(route),
				s.limiter.Middleware(rateKeyWrites),
				s.auth.Middleware(scopes...),
				s.withIdempotency,
			)
		}

		api.With(s.obs.Middleware("quotes.list")).Get("/quotes", s.handleQuotes)
		api.With(s.obs.Middleware("quotes.get")).Get("/quotes/{symbol}", s.handleQuote)

		api.With(s.obs.Middleware("orders.list"), s.auth.Middleware(scopeOrdersRead)).Get("/orders", s.handleListOrders)
		api.With(s.obs.Middleware("orders.get")).Get("/orders/{ref}", s.handleGetOrder)
		api.With(s.obs.Middleware("orders.by_id")).Get("/orders/by-id/{orderId}", s.handleGetOrderByID)
		api.With(s.obs.Middleware("orders.events")).Get("/orders/{ref}/events", s.handleOrderEvents)
		api.Get("/orders/{ref}/stream", s.handleOrderStream)
		api.With(s.obs.Middleware("identity.age")).Get("/identity/{wallet}/age", s.handleAgeStatus)

		writes("orders.record", scopeOrdersWrite).Post("/orders", s.handleRecordOrder)
		writes("orders.release", scopeEscrowAdmin).Post("/orders/{ref}/release", s.handleRelease)
		writes("orders.refund", scopeEscrowAdmin).Post("/orders/{ref}/refund", s.handleRefund)
		writes("orders.reconcile", scopeEscrowAdmin).Post("/orders/{ref}/reconcile", s.handleReconcile)
		writes("identity.record", scopeIdentityWrite).Post("/identity/proofs", s.handleRecordProof)
	})

	return r
}

type quoteResponse struct {
	Symbol    string    `json:"symbol"`
	USD       string    `json:"usd"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    string    `json:"source"`
	Origin    string    `json:"origin"`
}

func newQuoteResponse(q pricing.Quote) quoteResponse {
	usd := ""
	if q.USD != nil {
		usd = q.USD.FloatString(6)
	}
	return quoteResponse{
		Symbol:    q.Symbol,
		USD:       usd,
		FetchedAt: q.FetchedAt,
		Source:    q.Source,
		Origin:    string(q.Origin),
	}
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("quotes not configured"))
		return
	}
	quotes, err := s.quotes.Quotes(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, newQuoteResponse(q))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotes": out})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("quotes not configured"))
		return
	}
	q, err := s.quotes.Rate(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, pricing.ErrUnknownSymbol) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(q))
}

func (s *Server) handleRecordOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.RecordOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	order, err := s.orderFromRequest(r.Context(), req)
	if err != nil {
		writeError(w, statusForRecordError(err), err)
		return
	}
	if order.AgeRestricted {
		if status, err := s.checkAge(order.Buyer); err != nil {
			writeError(w, status, err)
			return
		}
	}
	stored, created, err := s.store.RecordOrder(r.Context(), order)
	if err != nil {
		writeError(w, statusForRecordError(err), err)
		return
	}
	s.logger.Info("order recorded",
		slog.String("orderRef", stored.OrderRef),
		slog.String("orderId", stored.EscrowID),
		slog.String("status", string(stored.Status)),
		slog.String("paymentMethod", stored.PaymentMethod),
		slog.String("email", logging.MaskEmail(stored.Email)),
		slog.Bool("created", created))
	s.hub.Publish(StatusUpdate{
		OrderRef:  stored.OrderRef,
		OrderID:   stored.EscrowID,
		Status:    stored.Status,
		TxHash:    stored.TxHash,
		UpdatedAt: stored.UpdatedAt,
	})
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

var errInvalidRequest = errors.New("invalid request")

func (s *Server) orderFromRequest(ctx context.Context, req checkout.RecordOrderRequest) (orders.Order, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = orders.MethodUSDC
	}
	order := orders.Order{
		OrderRef:      strings.TrimSpace(req.OrderRef),
		EscrowID:      strings.TrimSpace(req.OrderID),
		TxHash:        strings.TrimSpace(req.TxHash),
		Buyer:         strings.TrimSpace(req.Buyer),
		Vendor:        strings.TrimSpace(req.Vendor),
		Email:         req.Email,
		PaymentMethod: method,
		Amount:        strings.TrimSpace(req.Amount),
		AmountUSD:     strings.TrimSpace(req.AmountUSD),
		AgeRestricted: req.AgeRestricted,
	}
	if order.OrderRef == "" {
		return order, fmt.Errorf("%w: orderRef is required", errInvalidRequest)
	}
	for field, addr := range map[string]string{"buyer": order.Buyer, "vendor": order.Vendor} {
		if addr != "" && !common.IsHexAddress(addr) {
			return order, fmt.Errorf("%w: %s is not an address", errInvalidRequest, field)
		}
	}
	if order.EscrowID != "" {
		if method != orders.MethodUSDC {
			return order, fmt.Errorf("%w: orderId only applies to usdc orders", errInvalidRequest)
		}
		if len(common.FromHex(order.EscrowID)) != common.HashLength {
			return order, fmt.Errorf("%w: orderId must be 32 bytes", errInvalidRequest)
		}
	}
	if order.Amount != "" {
		if amount, ok := new(big.Int).SetString(order.Amount, 10); !ok || amount.Sign() <= 0 {
			return order, fmt.Errorf("%w: amount must be a positive integer", errInvalidRequest)
		}
	}
	var usd *big.Int
	if order.AmountUSD != "" {
		parsed, err := checkout.ParseUSD(order.AmountUSD)
		if err != nil {
			return order, err
		}
		usd = parsed
		order.AmountUSD = checkout.FormatUnits(usd, checkout.StablecoinDecimals)
	} else if method != orders.MethodUSDC {
		return order, fmt.Errorf("%w: amountUsd is required for %s orders", errInvalidRequest, method)
	}
	decimals, native := nativeDecimals[method]
	if native && order.Amount == "" {
		if s.quotes == nil {
			return order, errQuotesUnavailable
		}
		amount, quote, err := checkout.NativeAmount(ctx, s.quotes, usd, strings.ToUpper(method), decimals)
		if err != nil {
			return order, err
		}
		order.Amount = amount.String()
		order.QuoteUSD = quote.USD.FloatString(6)
		order.QuoteOrigin = string(quote.Origin)
	}
	if order.EscrowID != "" && s.ledger != nil {
		if err := s.confirmEscrow(ctx, &order); err != nil {
			return order, err
		}
	}
	return order, nil
}

// confirmEscrow checks a claimed escrow id against the ledger. An escrow the
// ledger does not hold yet stays pending until the watcher sees it created.
func (s *Server) confirmEscrow(ctx context.Context, order *orders.Order) error {
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	onChain, err := s.ledger.Order(ctx, common.HexToHash(order.EscrowID))
	if errors.Is(err, escrow.ErrOrderNotFound) {
		order.Status = orders.StatusPending
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errLedgerLookup, err)
	}
	if onChain.OrderRef != order.OrderRef {
		return fmt.Errorf("%w: orderId belongs to %q", orders.ErrConflict, onChain.OrderRef)
	}
	for field, have := range map[string][2]string{
		"buyer":  {order.Buyer, onChain.Buyer},
		"vendor": {order.Vendor, onChain.Vendor},
		"amount": {order.Amount, onChain.Amount},
	} {
		if have[0] != "" && !strings.EqualFold(have[0], have[1]) {
			return fmt.Errorf("%w: %s is %s on the ledger", orders.ErrConflict, field, have[1])
		}
	}
	status, ok := statusFromLedgerState(onChain.State)
	if !ok {
		return fmt.Errorf("%w: unknown ledger state %q", errLedgerLookup, onChain.State)
	}
	order.Status = status
	order.Buyer = onChain.Buyer
	order.Vendor = onChain.Vendor
	order.Amount = onChain.Amount
	return nil
}

var (
	errQuotesUnavailable = errors.New("quotes not configured")
	errLedgerLookup      = errors.New("ledger lookup failed")
)

func statusForRecordError(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, checkout.ErrInvalidUSD),
		errors.Is(err, checkout.ErrTooPrecise):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errQuotesUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, pricing.ErrUnknownSymbol), errors.Is(err, errLedgerLookup):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) checkAge(wallet string) (int, error) {
	if s.identity == nil {
		return http.StatusServiceUnavailable, errors.New("age verification unavailable")
	}
	if wallet == "" {
		return http.StatusBadRequest, fmt.Errorf("%w: age-restricted orders need a buyer wallet", errInvalidRequest)
	}
	ok, err := s.identity.AgeVerified(wallet, s.minimumAge, s.nowFn())
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !ok {
		return http.StatusForbidden, fmt.Errorf("buyer has no verified age>=%d proof", s.minimumAge)
	}
	return 0, nil
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orders.Filter{
		Email:  q.Get("email"),
		Wallet: q.Get("wallet"),
		Status: orders.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Method: q.Get("method"),
	}
	for name, target := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s", name))
			return
		}
		*target = value
	}
	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": list})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.Get(r.Context(), chi.URLParam(r, "ref"))
	s.writeOrder(w, order, err)
}

func (s *Server) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetByEscrowID(r.Context(), chi.URLParam(r, "orderId"))
	s.writeOrder(w, order, err)
}

func (s *Server) writeOrder(w http.ResponseWriter, order *orders.Order, err error) {
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, err := s.store.Get(r.Context(), ref); err != nil {
		s.writeOrder(w, nil, err)
		return
	}
	events, err := s.store.Events(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type settleResponse struct {
	Operation string        `json:"operation"`
	Outcome   string        `json:"outcome"`
	OrderRef  string        `json:"orderRef"`
	OrderID   string        `json:"orderId"`
	TxHash    string        `json:"txHash,omitempty"`
	State     string        `json:"state,omitempty"`
	Amount    string        `json:"amount,omitempty"`
	Status    orders.Status `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "release")
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "refund")
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op string) {
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	if s.settler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("operator signer not configured"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ledgerTimeout)
	defer cancel()
	id, err := s.resolveOrderID(ctx, ref)
	if err != nil {
		writeError(w, statusForLedgerError(err), err)
		return
	}

	run, target := s.settler.Release, orders.StatusReleased
	if op == "refund" {
		run, target = s.settler.Refund, orders.StatusRefunded
	}
	result, err := run(ctx, id)
	resp := settleResponse{Operation: op, OrderRef: ref, OrderID: id.Hex()}
	if result != nil {
		resp.Outcome = string(result.Outcome)
		resp.TxHash = result.TxHash
		resp.State = result.State
		if result.Amount != nil {
			resp.Amount = result.Amount.String()
		}
	}
	status := http.StatusOK
	switch {
	case err != nil && result != nil && result.Outcome == checkout.OutcomeUnknown:
		status = http.StatusAccepted
		resp.Error = err.Error()
	case err != nil:
		status = statusForLedgerError(err)
		resp.Error = err.Error()
	default:
		if order, updateErr := s.store.UpdateStatus(r.Context(), ref, target); updateErr == nil {
			resp.Status = order.Status
			s.hub.Publish(StatusUpdate{
				OrderRef:  order.OrderRef,
				OrderID:   order.EscrowID,
				Status:    order.Status,
				TxHash:    result.TxHash,
				UpdatedAt: order.UpdatedAt,
			})
		} else if !errors.Is(updateErr, orders.ErrNotFound) {
			s.logger.Warn("update order status", slog.String("orderRef", ref), slog.String("error", updateErr.Error()))
		}
	}
	s.audit(r.Context(), op, ref, status, resp)
	writeJSON(w, status, resp)
}

// resolveOrderID prefers the stored escrow id and falls back to deriving it
// from the order reference on the node.
func (s *Server) resolveOrderID(ctx context.Context, ref string) (common.Hash, error) {
	if ref == "" {
		return common.Hash{}, fmt.Errorf("%w: order reference required", errInvalidRequest)
	}
	order, err := s.store.Get(ctx, ref)
	if err == nil && order.EscrowID != "" {
		return common.HexToHash(order.EscrowID), nil
	}
	if err != nil && !errors.Is(err, orders.ErrNotFound) {
		return common.Hash{}, err
	}
	if s.ledger == nil {
		return common.Hash{}, errLedgerUnavailable
	}
	return s.ledger.ComputeID(ctx, ref)
}

var errLedgerUnavailable = errors.New("ledger client not configured")

func statusForLedgerError(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrRefundNotAvailable), errors.Is(err, orders.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func statusFromLedgerState(state string) (orders.Status, bool) {
	switch state {
	case escrow.OrderCreated.String():
		return orders.StatusCreated, true
	case escrow.OrderReleased.String():
		return orders.StatusReleased, true
	case escrow.OrderRefunded.String():
		return orders.StatusRefunded, true
	default:
		return "", false
	}
}

type reconcileResponse struct {
	OrderRef    string        `json:"orderRef"`
	OrderID     string        `json:"orderId"`
	LedgerState string        `json:"ledgerState,omitempty"`
	Order       *orders.Order `json:"order,omitempty"`
}

// handleReconcile reads the order from the ledger and advances the stored
// mapping to match it. It never writes to the ledger.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errLedgerUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ledgerTimeout)
	defer cancel()
	id, err := s.ledger.ComputeID(ctx, ref)
	if err != nil {
		writeError(w, statusForLedgerError(err), err)
		return
	}
	resp := reconcileResponse{OrderRef: ref, OrderID: id.Hex()}
	onChain, err := s.ledger.Order(ctx, id)
	switch {
	case errors.Is(err, escrow.ErrOrderNotFound):
		if stored, getErr := s.store.Get(r.Context(), ref); getErr == nil {
			resp.Order = stored
		}
	case err != nil:
		writeError(w, statusForLedgerError(err), err)
		return
	default:
		resp.LedgerState = onChain.State
		status, ok := statusFromLedgerState(onChain.State)
		if !ok {
			writeError(w, http.StatusBadGateway, fmt.Errorf("unknown ledger state %q", onChain.State))
			return
		}
		stored, _, recErr := s.store.RecordOrder(r.Context(), orders.Order{
			OrderRef:      ref,
			EscrowID:      id.Hex(),
			Buyer:         onChain.Buyer,
			Vendor:        onChain.Vendor,
			Amount:        onChain.Amount,
			PaymentMethod: orders.MethodUSDC,
			Status:        status,
		})
		if recErr != nil {
			writeError(w, statusForRecordError(recErr), recErr)
			return
		}
		if status.Settled() && stored.SettledAt == nil {
			if settled, updErr := s.store.UpdateStatus(r.Context(), ref, status); updErr == nil {
				stored = settled
			}
		}
		resp.Order = stored
	}
	s.audit(r.Context(), "reconcile", ref, http.StatusOK, resp)
	writeJSON(w, http.StatusOK, resp)
}

type ageResponse struct {
	Wallet     string `json:"wallet"`
	MinimumAge int    `json:"minimumAge"`
	Verified   bool   `json:"verified"`
}

func (s *Server) handleAgeStatus(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("identity store not configured"))
		return
	}
	minimum := s.minimumAge
	if raw := strings.TrimSpace(r.URL.Query().Get("min")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid min"))
			return
		}
		minimum = parsed
	}
	wallet := chi.URLParam(r, "wallet")
	ok, err := s.identity.AgeVerified(wallet, minimum, s.nowFn())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, identity.ErrInvalidWallet) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, ageResponse{Wallet: strings.ToLower(wallet), MinimumAge: minimum, Verified: ok})
}

func (s *Server) handleRecordProof(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("identity store not configured"))
		return
	}
	var proof identity.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if proof.Verifier == "" {
		proof.Verifier = middleware.SubjectFromContext(r.Context())
	}
	saved, err := s.identity.RecordProof(proof, s.nowFn())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, identity.ErrInvalidWallet) || errors.Is(err, identity.ErrInvalidStatement) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	s.logger.Info("identity proof recorded",
		logging.MaskField("wallet", saved.Wallet),
		slog.String("statement", saved.Statement),
		slog.Bool("verified", saved.Verified))
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) audit(ctx context.Context, action, ref string, status int, detail interface{}) {
	payload, _ := json.Marshal(detail)
	entry := orders.AuditEntry{
		Subject:  middleware.SubjectFromContext(ctx),
		Action:   action,
		OrderRef: ref,
		Status:   status,
		Detail:   string(payload),
	}
	if err := s.store.Audit(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", slog.String("action", action), slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

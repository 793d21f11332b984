package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"credify/core"
	"credify/core/genesis"
	"credify/crypto"
	"credify/gateway/middleware"
	"credify/rpc"
	"credify/sdk/client"
	"credify/services/checkout"
	"credify/services/identity"
	"credify/services/orders"
	"credify/services/pricing"
	"credify/storage"
)

const testSecret = "gateway-test-secret"

type stubQuotes struct {
	quotes map[string]pricing.Quote
}

func (s *stubQuotes) Rate(_ context.Context, symbol string) (pricing.Quote, error) {
	q, ok := s.quotes[strings.ToUpper(symbol)]
	if !ok {
		return pricing.Quote{}, pricing.ErrUnknownSymbol
	}
	return q, nil
}

func (s *stubQuotes) Quotes(context.Context) ([]pricing.Quote, error) {
	out := make([]pricing.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	return out, nil
}

type gatewayFixture struct {
	node     *core.Node
	client   *client.Client
	store    *orders.Store
	identity *identity.Store
	hub      *StatusHub
	watcher  *EventWatcher
	server   *httptest.Server
	owner    *crypto.PrivateKey
	buyer    *crypto.PrivateKey
	vendor   common.Address
}

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	owner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f := &gatewayFixture{
		owner:  owner,
		buyer:  buyer,
		vendor: common.HexToAddress("0x00000000000000000000000000000000000000b2"),
	}

	spec := &genesis.GenesisSpec{
		ChainID:           31,
		LedgerAddress:     "0x00000000000000000000000000000000000000e5",
		StablecoinAddress: "0x00000000000000000000000000000000000000c0",
		Owner:             owner.Address().Hex(),
		FeeRecipient:      "0x00000000000000000000000000000000000000fe",
		FeeBps:            250,
		Vendors:           []string{f.vendor.Hex()},
		Alloc:             map[string]string{buyer.Address().Hex(): usdc(500).String()},
	}
	g, err := spec.Parse()
	require.NoError(t, err)
	node, err := core.NewNode(storage.NewMemDB(), g)
	require.NoError(t, err)
	rpcSrv := httptest.NewServer(rpc.NewServer(node, rpc.ServerConfig{TxRequestsPerMinute: 100000, TxBurst: 1000}, nil).Handler())
	t.Cleanup(rpcSrv.Close)
	f.node = node
	f.client = client.New(rpcSrv.URL)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	f.store, err = orders.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	f.identity, err = identity.NewStore(filepath.Join(t.TempDir(), "identity.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.identity.Close() })

	signer, err := checkout.NewKeySigner(owner)
	require.NoError(t, err)
	settler, err := checkout.NewOrchestrator(f.client, signer,
		checkout.WithPollInterval(5*time.Millisecond),
		checkout.WithConfirmTimeout(time.Second))
	require.NoError(t, err)

	f.hub = NewStatusHub(0)
	srv, err := NewServer(ServerDeps{
		Store:    f.store,
		Identity: f.identity,
		Quotes: &stubQuotes{quotes: map[string]pricing.Quote{
			"CCD": {Symbol: "CCD", USD: big.NewRat(1, 2), FetchedAt: time.Now(), Source: "stub", Origin: pricing.OriginLive},
		}},
		Ledger:  f.client,
		Settler: settler,
		Hub:     f.hub,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: testSecret,
		}, nil),
	})
	require.NoError(t, err)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	f.watcher = NewEventWatcher(f.client, f.store, f.hub, nil)
	return f
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *gatewayFixture) do(t *testing.T, method, path, bearer string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// checkout funds an escrow on the node the way a storefront buyer would.
func (f *gatewayFixture) checkout(t *testing.T, ref string, amountUSD string) *checkout.Result {
	t.Helper()
	signer, err := checkout.NewKeySigner(f.buyer)
	require.NoError(t, err)
	orch, err := checkout.NewOrchestrator(f.client, signer, checkout.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	res, err := orch.Checkout(context.Background(), checkout.Purchase{OrderRef: ref, Vendor: f.vendor, AmountUSD: amountUSD})
	require.NoError(t, err)
	require.Equal(t, checkout.OutcomeConfirmed, res.Outcome)
	return res
}

func (f *gatewayFixture) drainEvents(t *testing.T) {
	t.Helper()
	for {
		more, err := f.watcher.Poll(context.Background())
		require.NoError(t, err)
		if !more {
			return
		}
	}
}

func decodeOrder(t *testing.T, data []byte) orders.Order {
	t.Helper()
	var order orders.Order
	require.NoError(t, json.Unmarshal(data, &order))
	return order
}

func TestRecordOrderRequiresScope(t *testing.T) {
	f := newGatewayFixture(t)
	body := checkout.RecordOrderRequest{OrderRef: "order-1", AmountUSD: "12.50", PaymentMethod: "usdc"}

	resp, _ := f.do(t, http.MethodPost, "/v1/orders", "", body, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/orders", token(t, "shop", scopeOrdersRead), body, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRecordOrderIdempotentReplay(t *testing.T) {
	f := newGatewayFixture(t)
	bearer := token(t, "shop", scopeOrdersWrite)
	key := map[string]string{headerIdempotencyKey: "key-1"}
	body := checkout.RecordOrderRequest{
		OrderRef:      "order-1",
		Buyer:         f.buyer.Address().Hex(),
		Vendor:        f.vendor.Hex(),
		AmountUSD:     "12.5",
		Email:         "Buyer@Example.com",
		PaymentMethod: "usdc",
	}

	resp, data := f.do(t, http.MethodPost, "/v1/orders", bearer, body, key)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	order := decodeOrder(t, data)
	require.Equal(t, orders.StatusPending, order.Status)
	require.Equal(t, "12.50", order.AmountUSD)
	require.Equal(t, "buyer@example.com", order.Email)

	replay, replayData := f.do(t, http.MethodPost, "/v1/orders", bearer, body, key)
	require.Equal(t, http.StatusCreated, replay.StatusCode)
	require.Equal(t, "true", replay.Header.Get("Idempotent-Replay"))
	require.JSONEq(t, string(data), string(replayData))

	body.AmountUSD = "13"
	conflict, _ := f.do(t, http.MethodPost, "/v1/orders", bearer, body, key)
	require.Equal(t, http.StatusConflict, conflict.StatusCode)

	// Without a key a repeat merges into the stored order.
	body.AmountUSD = "12.5"
	repeat, repeatData := f.do(t, http.MethodPost, "/v1/orders", bearer, body, nil)
	require.Equal(t, http.StatusOK, repeat.StatusCode)
	require.Equal(t, order.ID, decodeOrder(t, repeatData).ID)
}

func TestRecordOrderValidation(t *testing.T) {
	f := newGatewayFixture(t)
	bearer := token(t, "shop", scopeOrdersWrite)
	cases := []struct {
		name string
		body checkout.RecordOrderRequest
		want int
	}{
		{"missing ref", checkout.RecordOrderRequest{AmountUSD: "1"}, http.StatusBadRequest},
		{"bad buyer", checkout.RecordOrderRequest{OrderRef: "v1", Buyer: "nope", AmountUSD: "1"}, http.StatusBadRequest},
		{"short order id", checkout.RecordOrderRequest{OrderRef: "v2", OrderID: "0x01", AmountUSD: "1"}, http.StatusBadRequest},
		{"order id on native", checkout.RecordOrderRequest{OrderRef: "v3", OrderID: common.HexToHash("0x01").Hex(), AmountUSD: "1", PaymentMethod: "ccd"}, http.StatusBadRequest},
		{"too precise", checkout.RecordOrderRequest{OrderRef: "v4", AmountUSD: "1.0000001"}, http.StatusBadRequest},
		{"native without usd", checkout.RecordOrderRequest{OrderRef: "v5", PaymentMethod: "avax"}, http.StatusBadRequest},
		{"unknown method", checkout.RecordOrderRequest{OrderRef: "v6", AmountUSD: "1", PaymentMethod: "btc"}, http.StatusBadRequest},
		{"unpriced native", checkout.RecordOrderRequest{OrderRef: "v7", AmountUSD: "1", PaymentMethod: "avax"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/v1/orders", bearer, tc.body, nil)
			require.Equal(t, tc.want, resp.StatusCode, string(data))
		})
	}
}

func TestRecordNativeOrderUsesQuote(t *testing.T) {
	f := newGatewayFixture(t)
	resp, data := f.do(t, http.MethodPost, "/v1/orders", token(t, "shop", scopeOrdersWrite), checkout.RecordOrderRequest{
		OrderRef:      "ccd-1",
		AmountUSD:     "10.00",
		PaymentMethod: "CCD",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	order := decodeOrder(t, data)
	require.Equal(t, orders.MethodCCD, order.PaymentMethod)
	require.Equal(t, "20000000", order.Amount)
	require.Equal(t, "0.500000", order.QuoteUSD)
	require.Equal(t, string(pricing.OriginLive), order.QuoteOrigin)

	resp, data = f.do(t, http.MethodGet, "/v1/quotes/ccd", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), `"usd":"0.500000"`)

	resp, _ = f.do(t, http.MethodGet, "/v1/quotes/doge", "", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgeRestrictedOrderNeedsProof(t *testing.T) {
	f := newGatewayFixture(t)
	wallet := f.buyer.Address().Hex()
	body := checkout.RecordOrderRequest{
		OrderRef:      "wine-1",
		Buyer:         wallet,
		AmountUSD:     "40",
		AgeRestricted: true,
	}
	writer := token(t, "shop", scopeOrdersWrite)

	resp, _ := f.do(t, http.MethodPost, "/v1/orders", writer, body, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data := f.do(t, http.MethodGet, "/v1/identity/"+wallet+"/age", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), `"verified":false`)

	proof := identity.Proof{Wallet: wallet, Statement: identity.StatementAgeOver21, Verified: true}
	resp, data = f.do(t, http.MethodPost, "/v1/identity/proofs", token(t, "kyc-provider", scopeIdentityWrite), proof, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.Contains(t, string(data), `"verifier":"kyc-provider"`)

	resp, data = f.do(t, http.MethodGet, "/v1/identity/"+wallet+"/age?min=21", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(data), `"verified":true`)

	resp, data = f.do(t, http.MethodPost, "/v1/orders", writer, body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.True(t, decodeOrder(t, data).AgeRestricted)
}

func (f *gatewayFixture) recordProof(t *testing.T, wallet string) {
	t.Helper()
	proof := identity.Proof{Wallet: wallet, Statement: identity.StatementAgeOver18, Verified: true}
	resp, data := f.do(t, http.MethodPost, "/v1/identity/proofs", token(t, "kyc-provider", scopeIdentityWrite), proof, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
}

func TestAgeRestrictedCheckoutKeepsFundsWithoutProof(t *testing.T) {
	f := newGatewayFixture(t)
	sink := checkout.NewGatewaySink(f.server.URL, token(t, "shop", scopeOrdersWrite), nil)
	signer, err := checkout.NewKeySigner(f.buyer)
	require.NoError(t, err)
	orch, err := checkout.NewOrchestrator(f.client, signer,
		checkout.WithPollInterval(5*time.Millisecond),
		checkout.WithSink(sink),
		checkout.WithAgeVerifier(sink))
	require.NoError(t, err)
	purchase := checkout.Purchase{OrderRef: "wine-9", Vendor: f.vendor, AmountUSD: "40", AgeRestricted: true}

	res, err := orch.Checkout(context.Background(), purchase)
	require.ErrorIs(t, err, checkout.ErrAgeNotVerified)
	require.Equal(t, checkout.OutcomeNotMoved, res.Outcome)
	require.Equal(t, 0, usdc(500).Cmp(mustBalance(t, f.node, f.buyer.Address())))
	_, err = f.store.Get(context.Background(), "wine-9")
	require.ErrorIs(t, err, orders.ErrNotFound)

	f.recordProof(t, f.buyer.Address().Hex())
	res, err = orch.Checkout(context.Background(), purchase)
	require.NoError(t, err)
	require.Equal(t, checkout.OutcomeConfirmed, res.Outcome)
	require.Equal(t, 0, usdc(460).Cmp(mustBalance(t, f.node, f.buyer.Address())))
	stored, err := f.store.Get(context.Background(), "wine-9")
	require.NoError(t, err)
	require.Equal(t, orders.StatusCreated, stored.Status)
	require.Equal(t, res.OrderID.Hex(), stored.EscrowID)
	require.True(t, stored.AgeRestricted)
}

func TestRecordRetrySucceedsAfterRejection(t *testing.T) {
	f := newGatewayFixture(t)
	paid := f.checkout(t, "wine-10", "40")
	sink := checkout.NewGatewaySink(f.server.URL, token(t, "shop", scopeOrdersWrite), nil)
	record := checkout.OrderRecord{
		OrderID:       paid.OrderID,
		OrderRef:      "wine-10",
		TxHash:        paid.TxHash,
		Buyer:         f.buyer.Address(),
		Vendor:        f.vendor,
		Amount:        paid.Amount,
		AmountUSD:     "40",
		AgeRestricted: true,
	}

	require.ErrorContains(t, sink.RecordOrder(context.Background(), record), "403")

	// The rejection is not replayed once the buyer has proven their age.
	f.recordProof(t, f.buyer.Address().Hex())
	require.NoError(t, sink.RecordOrder(context.Background(), record))

	// A later retry from the duplicate path no longer knows the tx hash.
	record.TxHash = ""
	require.NoError(t, sink.RecordOrder(context.Background(), record))

	stored, err := f.store.Get(context.Background(), "wine-10")
	require.NoError(t, err)
	require.Equal(t, orders.StatusCreated, stored.Status)
	require.Equal(t, strings.ToLower(paid.TxHash), stored.TxHash)
}

func TestRecordOrderConfirmsEscrowOnLedger(t *testing.T) {
	f := newGatewayFixture(t)
	writer := token(t, "shop", scopeOrdersWrite)
	paid := f.checkout(t, "real-1", "15")

	resp, data := f.do(t, http.MethodPost, "/v1/orders", writer, checkout.RecordOrderRequest{
		OrderRef:  "claimed-1",
		OrderID:   common.HexToHash("0xabc").Hex(),
		AmountUSD: "9",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.Equal(t, orders.StatusPending, decodeOrder(t, data).Status)

	resp, data = f.do(t, http.MethodPost, "/v1/orders", writer, checkout.RecordOrderRequest{
		OrderRef:  "other-ref",
		OrderID:   paid.OrderID.Hex(),
		AmountUSD: "15",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))

	resp, data = f.do(t, http.MethodPost, "/v1/orders", writer, checkout.RecordOrderRequest{
		OrderRef:  "real-1",
		OrderID:   paid.OrderID.Hex(),
		Vendor:    "0x00000000000000000000000000000000000000d4",
		AmountUSD: "15",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))

	resp, data = f.do(t, http.MethodPost, "/v1/orders", writer, checkout.RecordOrderRequest{
		OrderRef:  "real-1",
		OrderID:   paid.OrderID.Hex(),
		AmountUSD: "15",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	order := decodeOrder(t, data)
	require.Equal(t, orders.StatusCreated, order.Status)
	require.Equal(t, strings.ToLower(f.buyer.Address().Hex()), order.Buyer)
	require.Equal(t, usdc(15).String(), order.Amount)
}

func TestWatcherTracksEscrowAndAdminRelease(t *testing.T) {
	f := newGatewayFixture(t)
	paid := f.checkout(t, "ship-1", "100")

	f.drainEvents(t)
	resp, data := f.do(t, http.MethodGet, "/v1/orders/ship-1", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	order := decodeOrder(t, data)
	require.Equal(t, orders.StatusCreated, order.Status)
	require.Equal(t, paid.OrderID.Hex(), order.EscrowID)
	require.Equal(t, orders.MethodUSDC, order.PaymentMethod)
	require.Equal(t, usdc(100).String(), order.Amount)
	require.NotNil(t, order.ConfirmedAt)

	resp, data = f.do(t, http.MethodGet, "/v1/orders/by-id/"+paid.OrderID.Hex(), "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ship-1", decodeOrder(t, data).OrderRef)

	admin := token(t, "ops", scopeEscrowAdmin)
	resp, data = f.do(t, http.MethodPost, "/v1/orders/ship-1/release", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var settled settleResponse
	require.NoError(t, json.Unmarshal(data, &settled))
	require.Equal(t, string(checkout.OutcomeConfirmed), settled.Outcome)
	require.Equal(t, orders.StatusReleased, settled.Status)
	require.Equal(t, usdc(100).String(), settled.Amount)
	require.Equal(t, 0, big.NewInt(97_500_000).Cmp(mustBalance(t, f.node, f.vendor)))

	// A second release is a no-op on the ledger.
	resp, data = f.do(t, http.MethodPost, "/v1/orders/ship-1/release", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.Contains(t, string(data), `"outcome":"duplicate"`)

	resp, _ = f.do(t, http.MethodPost, "/v1/orders/ship-1/refund", admin, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.drainEvents(t)
	resp, data = f.do(t, http.MethodGet, "/v1/orders/ship-1/events", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events struct {
		Events []orders.OrderEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Events, 2)
	require.Equal(t, "escrow.order.created", events.Events[0].Type)
	require.Equal(t, "escrow.order.released", events.Events[1].Type)

	audit, err := f.store.AuditLog(context.Background(), "ship-1")
	require.NoError(t, err)
	require.Len(t, audit, 3)
	require.Equal(t, "ops", audit[0].Subject)
}

func TestRefundAndUnknownOrder(t *testing.T) {
	f := newGatewayFixture(t)
	f.checkout(t, "refund-1", "30")
	admin := token(t, "ops", scopeEscrowAdmin)

	resp, data := f.do(t, http.MethodPost, "/v1/orders/refund-1/refund", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.Contains(t, string(data), `"state":"refunded"`)
	require.Equal(t, 0, usdc(500).Cmp(mustBalance(t, f.node, f.buyer.Address())))

	resp, _ = f.do(t, http.MethodPost, "/v1/orders/never-paid/release", admin, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/orders/refund-1/release", token(t, "shop", scopeOrdersWrite), nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReconcileAdoptsLedgerState(t *testing.T) {
	f := newGatewayFixture(t)
	admin := token(t, "ops", scopeEscrowAdmin)

	resp, data := f.do(t, http.MethodPost, "/v1/orders/missing/reconcile", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var missing reconcileResponse
	require.NoError(t, json.Unmarshal(data, &missing))
	require.Empty(t, missing.LedgerState)
	require.Nil(t, missing.Order)

	paid := f.checkout(t, "late-1", "15")
	resp, data = f.do(t, http.MethodPost, "/v1/orders/late-1/reconcile", admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var rec reconcileResponse
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "created", rec.LedgerState)
	require.NotNil(t, rec.Order)
	require.Equal(t, orders.StatusCreated, rec.Order.Status)
	require.Equal(t, paid.OrderID.Hex(), rec.Order.EscrowID)
	require.Equal(t, strings.ToLower(f.buyer.Address().Hex()), rec.Order.Buyer)
}

func TestListOrdersFilters(t *testing.T) {
	f := newGatewayFixture(t)
	writer := token(t, "shop", scopeOrdersWrite)
	for i, email := range []string{"a@example.com", "b@example.com", "a@example.com"} {
		resp, data := f.do(t, http.MethodPost, "/v1/orders", writer, checkout.RecordOrderRequest{
			OrderRef:  fmt.Sprintf("list-%d", i),
			AmountUSD: "5",
			Email:     email,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	}

	resp, _ := f.do(t, http.MethodGet, "/v1/orders", writer, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	reader := token(t, "support", scopeOrdersRead)
	resp, data := f.do(t, http.MethodGet, "/v1/orders?email=A@example.com&limit=10", reader, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var list struct {
		Orders []orders.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Orders, 2)

	resp, _ = f.do(t, http.MethodGet, "/v1/orders?limit=-1", reader, nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrderStreamPushesStatusChanges(t *testing.T) {
	f := newGatewayFixture(t)
	paid := f.checkout(t, "stream-1", "9")
	escrowID := paid.OrderID.Hex()
	resp, data := f.do(t, http.MethodPost, "/v1/orders", token(t, "shop", scopeOrdersWrite), checkout.RecordOrderRequest{
		OrderRef:  "stream-1",
		OrderID:   escrowID,
		AmountUSD: "9",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/orders/stream-1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readUpdate := func() StatusUpdate {
		_, payload, err := conn.Read(ctx)
		require.NoError(t, err)
		var update StatusUpdate
		require.NoError(t, json.Unmarshal(payload, &update))
		return update
	}

	first := readUpdate()
	require.Equal(t, orders.StatusCreated, first.Status)
	require.Equal(t, escrowID, first.OrderID)

	f.hub.Publish(StatusUpdate{OrderRef: "stream-1", OrderID: escrowID, Status: orders.StatusReleased, Event: "escrow.order.released", Sequence: 9})
	second := readUpdate()
	require.Equal(t, orders.StatusReleased, second.Status)
	require.Equal(t, uint64(9), second.Sequence)

	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	resp, _ = f.do(t, http.MethodGet, "/v1/orders/unknown/stream", "", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func mustBalance(t *testing.T, node *core.Node, addr common.Address) *big.Int {
	t.Helper()
	bal, err := node.BalanceOf(addr)
	require.NoError(t, err)
	return bal
}

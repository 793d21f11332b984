package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"credify/core"
	coreerrors "credify/core/errors"
	"credify/core/types"
	"credify/native/escrow"
	"credify/observability"
	"credify/rpc"
	"credify/sdk/client"
)

// Outcome classifies the result of an orchestrator operation.
type Outcome string

const (
	// OutcomeConfirmed means the ledger event for the operation was observed.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeNotMoved means no escrow state changed; the purchase may be
	// retried from the start.
	OutcomeNotMoved Outcome = "not_moved"
	// OutcomeDuplicate means the order already exists (or is already
	// settled the requested way).
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknown means a transaction was submitted but its effect was
	// not observed. Reconcile before acting again.
	OutcomeUnknown Outcome = "unknown"
)

const (
	opCheckout  = "checkout"
	opRelease   = "release"
	opRefund    = "refund"
	opReconcile = "reconcile"
)

var (
	// ErrNotConfirmed marks a submission whose outcome could not be observed.
	ErrNotConfirmed = errors.New("checkout: confirmation not observed")
	// ErrForeignOrder is returned when the order reference is already funded
	// by a different buyer.
	ErrForeignOrder = errors.New("checkout: order reference funded by another buyer")
	// ErrInvalidPurchase rejects incomplete purchase requests.
	ErrInvalidPurchase = errors.New("checkout: invalid purchase")
	// ErrAgeNotVerified rejects an age-restricted purchase before any funds
	// move.
	ErrAgeNotVerified = errors.New("checkout: buyer age not verified")
)

// Ledger is the subset of the node API the orchestrator drives. *client.Client
// satisfies it.
type Ledger interface {
	ChainInfo(ctx context.Context) (*core.ChainInfo, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	WaitForReceipt(ctx context.Context, hash string, interval time.Duration) (*types.Receipt, error)
	Order(ctx context.Context, id common.Hash) (*rpc.OrderResult, error)
}

// AgeVerifier reports whether wallet holds a verified proof of legal age.
// *GatewaySink satisfies it.
type AgeVerifier interface {
	AgeVerified(ctx context.Context, wallet common.Address) (bool, error)
}

// Purchase describes a storefront order to fund through escrow.
type Purchase struct {
	OrderRef      string
	Vendor        common.Address
	AmountUSD     string
	Email         string
	AgeRestricted bool
}

// Result reports what an operation achieved. It is returned even when the
// operation fails so callers can act on Outcome.
type Result struct {
	Operation      string
	Outcome        Outcome
	OrderID        common.Hash
	OrderRef       string
	TxHash         string
	ApprovalTxHash string
	Buyer          common.Address
	Amount         *big.Int
	State          string
}

// Orchestrator sequences the approve/createOrder protocol and the later
// settlement calls for one signing account.
type Orchestrator struct {
	ledger         Ledger
	signer         Signer
	sink           OrderSink
	ages           AgeVerifier
	metrics        *observability.CheckoutMetrics
	logger         *slog.Logger
	pollInterval   time.Duration
	confirmTimeout time.Duration
	now            func() time.Time

	infoMu sync.Mutex
	info   *core.ChainInfo

	// txMu keeps nonces of this signer sequential.
	txMu sync.Mutex
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithSink persists confirmed orders.
func WithSink(sink OrderSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithAgeVerifier gates age-restricted purchases on verifier.
func WithAgeVerifier(verifier AgeVerifier) Option {
	return func(o *Orchestrator) { o.ages = verifier }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.CheckoutMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithConfirmTimeout bounds how long a lost submission is polled for before
// the outcome is reported as unknown.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.confirmTimeout = timeout
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// NewOrchestrator drives ledger on behalf of signer.
func NewOrchestrator(ledger Ledger, signer Signer, opts ...Option) (*Orchestrator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("checkout: ledger client required")
	}
	if signer == nil {
		return nil, fmt.Errorf("checkout: signer required")
	}
	o := &Orchestrator{
		ledger:         ledger,
		signer:         signer,
		metrics:        observability.Checkout(),
		logger:         slog.Default(),
		pollInterval:   250 * time.Millisecond,
		confirmTimeout: 30 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Address is the account the orchestrator signs for.
func (o *Orchestrator) Address() common.Address { return o.signer.Address() }

// Checkout funds escrow for p. It reconciles first: an order reference that
// already holds an order is never created twice.
func (o *Orchestrator) Checkout(ctx context.Context, p Purchase) (*Result, error) {
	res := &Result{
		Operation: opCheckout,
		Outcome:   OutcomeNotMoved,
		OrderRef:  strings.TrimSpace(p.OrderRef),
		Buyer:     o.signer.Address(),
	}
	err := o.checkout(ctx, p, res)
	o.finish(res, err)
	return res, err
}

func (o *Orchestrator) checkout(ctx context.Context, p Purchase, res *Result) error {
	if res.OrderRef == "" {
		return fmt.Errorf("%w: order reference required", ErrInvalidPurchase)
	}
	if p.Vendor == (common.Address{}) {
		return fmt.Errorf("%w: vendor required", ErrInvalidPurchase)
	}
	amount, err := ParseUSD(p.AmountUSD)
	if err != nil {
		return err
	}
	res.Amount = amount
	info, err := o.chainInfo(ctx)
	if err != nil {
		return err
	}
	res.OrderID = escrow.ComputeID(info.LedgerAddress, res.OrderRef)

	existing, err := o.lookup(ctx, res.OrderID)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if existing != nil {
		res.Outcome = OutcomeDuplicate
		res.State = existing.State
		if !sameAddress(existing.Buyer, res.Buyer) {
			return fmt.Errorf("%w: %s", ErrForeignOrder, res.OrderRef)
		}
		if locked, ok := new(big.Int).SetString(existing.Amount, 10); ok {
			res.Amount = locked
		}
		o.logger.Info("order already funded; recording existing escrow",
			slog.String("orderRef", res.OrderRef),
			slog.String("orderId", res.OrderID.Hex()))
		return o.record(ctx, p, res)
	}

	if p.AgeRestricted {
		if err := o.verifyAge(ctx, res.Buyer); err != nil {
			return err
		}
	}

	o.txMu.Lock()
	defer o.txMu.Unlock()

	if err := o.ensureAllowance(ctx, info, res); err != nil {
		return err
	}

	hash, receipt, err := o.submit(ctx, info, types.TxTypeCreateOrder, &types.CreateOrderPayload{
		Vendor:   p.Vendor,
		Amount:   amount,
		OrderRef: res.OrderRef,
	})
	res.TxHash = hash
	if err != nil {
		if errors.Is(err, ErrNotConfirmed) {
			res.Outcome = OutcomeUnknown
		}
		return fmt.Errorf("create order: %w", err)
	}
	if !receipt.Succeeded() {
		failure := receiptError(receipt)
		if errors.Is(failure, escrow.ErrDuplicateOrder) {
			res.Outcome = OutcomeDuplicate
		}
		return fmt.Errorf("create order: %w", failure)
	}
	if _, ok := findOrderEvent(receipt, escrow.EventTypeOrderCreated, res.OrderID); !ok {
		res.Outcome = OutcomeUnknown
		return fmt.Errorf("create order: %w: no %s event for %s", ErrNotConfirmed, escrow.EventTypeOrderCreated, res.OrderID.Hex())
	}
	res.Outcome = OutcomeConfirmed
	res.State = escrow.OrderCreated.String()
	return o.record(ctx, p, res)
}

func (o *Orchestrator) verifyAge(ctx context.Context, buyer common.Address) error {
	if o.ages == nil {
		return fmt.Errorf("%w: no age verifier configured", ErrAgeNotVerified)
	}
	ok, err := o.ages.AgeVerified(ctx, buyer)
	if err != nil {
		return fmt.Errorf("verify age: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgeNotVerified, buyer.Hex())
	}
	return nil
}

func (o *Orchestrator) ensureAllowance(ctx context.Context, info *core.ChainInfo, res *Result) error {
	allowance, err := o.ledger.Allowance(ctx, res.Buyer, info.LedgerAddress)
	if err != nil {
		return fmt.Errorf("query allowance: %w", err)
	}
	if allowance != nil && allowance.Cmp(res.Amount) >= 0 {
		return nil
	}
	hash, receipt, err := o.submit(ctx, info, types.TxTypeApprove, &types.ApprovePayload{
		Spender: info.LedgerAddress,
		Amount:  res.Amount,
	})
	res.ApprovalTxHash = hash
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if !receipt.Succeeded() {
		return fmt.Errorf("approve: %w", receiptError(receipt))
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, p Purchase, res *Result) error {
	if o.sink == nil {
		return nil
	}
	err := o.sink.RecordOrder(ctx, OrderRecord{
		OrderID:       res.OrderID,
		OrderRef:      res.OrderRef,
		TxHash:        res.TxHash,
		Buyer:         res.Buyer,
		Vendor:        p.Vendor,
		Amount:        res.Amount,
		AmountUSD:     strings.TrimPrefix(strings.TrimSpace(p.AmountUSD), "$"),
		Email:         p.Email,
		PaymentMethod: "usdc",
		AgeRestricted: p.AgeRestricted,
		ConfirmedAt:   o.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

// Release pays the vendor of id minus the protocol fee.
func (o *Orchestrator) Release(ctx context.Context, id common.Hash) (*Result, error) {
	return o.settle(ctx, opRelease, id)
}

// Refund returns the locked amount of id to the buyer.
func (o *Orchestrator) Refund(ctx context.Context, id common.Hash) (*Result, error) {
	return o.settle(ctx, opRefund, id)
}

func (o *Orchestrator) settle(ctx context.Context, op string, id common.Hash) (*Result, error) {
	res := &Result{Operation: op, Outcome: OutcomeNotMoved, OrderID: id}
	err := o.resolve(ctx, op, res)
	o.finish(res, err)
	return res, err
}

func (o *Orchestrator) resolve(ctx context.Context, op string, res *Result) error {
	txType, eventType, target := types.TxTypeReleaseOrder, escrow.EventTypeOrderReleased, escrow.OrderReleased
	if op == opRefund {
		txType, eventType, target = types.TxTypeRefundOrder, escrow.EventTypeOrderRefunded, escrow.OrderRefunded
	}
	info, err := o.chainInfo(ctx)
	if err != nil {
		return err
	}

	o.txMu.Lock()
	hash, receipt, err := o.submit(ctx, info, txType, &types.OrderPayload{OrderID: res.OrderID})
	o.txMu.Unlock()
	res.TxHash = hash
	if err != nil {
		if errors.Is(err, ErrNotConfirmed) {
			res.Outcome = OutcomeUnknown
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if !receipt.Succeeded() {
		failure := receiptError(receipt)
		if errors.Is(failure, escrow.ErrInvalidState) {
			order, lookupErr := o.lookup(ctx, res.OrderID)
			if lookupErr == nil && order != nil && order.State == target.String() {
				res.Outcome = OutcomeDuplicate
				res.State = order.State
				res.OrderRef = order.OrderRef
				if amount, ok := new(big.Int).SetString(order.Amount, 10); ok {
					res.Amount = amount
				}
				return nil
			}
		}
		return fmt.Errorf("%s: %w", op, failure)
	}
	evt, ok := findOrderEvent(receipt, eventType, res.OrderID)
	if !ok {
		res.Outcome = OutcomeUnknown
		return fmt.Errorf("%s: %w: no %s event for %s", op, ErrNotConfirmed, eventType, res.OrderID.Hex())
	}
	if amount, ok := new(big.Int).SetString(evt.Attributes["amount"], 10); ok {
		res.Amount = amount
	}
	res.Outcome = OutcomeConfirmed
	res.State = target.String()
	return nil
}

// Reconcile reports whether orderRef already holds an escrow order. An order
// funded by this signer is Confirmed; an absent one is NotMoved.
func (o *Orchestrator) Reconcile(ctx context.Context, orderRef string) (*Result, error) {
	res := &Result{
		Operation: opReconcile,
		Outcome:   OutcomeUnknown,
		OrderRef:  strings.TrimSpace(orderRef),
		Buyer:     o.signer.Address(),
	}
	err := o.reconcile(ctx, res)
	o.finish(res, err)
	return res, err
}

func (o *Orchestrator) reconcile(ctx context.Context, res *Result) error {
	if res.OrderRef == "" {
		return fmt.Errorf("%w: order reference required", ErrInvalidPurchase)
	}
	info, err := o.chainInfo(ctx)
	if err != nil {
		return err
	}
	res.OrderID = escrow.ComputeID(info.LedgerAddress, res.OrderRef)
	order, err := o.lookup(ctx, res.OrderID)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if order == nil {
		res.Outcome = OutcomeNotMoved
		return nil
	}
	res.State = order.State
	if amount, ok := new(big.Int).SetString(order.Amount, 10); ok {
		res.Amount = amount
	}
	if !sameAddress(order.Buyer, res.Buyer) {
		res.Outcome = OutcomeDuplicate
		return fmt.Errorf("%w: %s", ErrForeignOrder, res.OrderRef)
	}
	res.Outcome = OutcomeConfirmed
	return nil
}

// submit signs and sends one transaction. When the node's answer is lost the
// receipt is polled for until the confirmation timeout; failing that the
// error wraps ErrNotConfirmed because the transaction may have been
// sequenced.
func (o *Orchestrator) submit(ctx context.Context, info *core.ChainInfo, txType types.TxType, payload interface{}) (string, *types.Receipt, error) {
	from := o.signer.Address()
	nonce, err := o.ledger.Nonce(ctx, from)
	if err != nil {
		return "", nil, fmt.Errorf("query nonce: %w", err)
	}
	tx, err := types.NewTransaction(info.ChainID, txType, nonce, payload)
	if err != nil {
		return "", nil, err
	}
	if err := o.signer.SignTx(tx); err != nil {
		return "", nil, fmt.Errorf("sign %s: %w", txType, err)
	}
	hash, err := tx.HashHex()
	if err != nil {
		return "", nil, err
	}
	start := o.now()
	defer func() { o.metrics.ObserveStep(txType.String(), o.now().Sub(start)) }()

	receipt, err := o.ledger.SendTransaction(ctx, tx)
	if err == nil {
		return hash, receipt, nil
	}
	if !mayBeSequenced(err) {
		return hash, nil, err
	}
	o.logger.Warn("transaction response lost; polling for receipt",
		slog.String("type", txType.String()),
		slog.String("txHash", hash),
		slog.Any("error", err))
	waitCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()
	receipt, waitErr := o.ledger.WaitForReceipt(waitCtx, hash, o.pollInterval)
	if waitErr != nil {
		return hash, nil, fmt.Errorf("%w: %w", ErrNotConfirmed, errors.Join(err, waitErr))
	}
	return hash, receipt, nil
}

// mayBeSequenced reports whether a failed submission could still have been
// applied. Typed ledger rejections and RPC-level refusals happen before
// sequencing.
func mayBeSequenced(err error) bool {
	if coreerrors.CodeOf(err) != coreerrors.CodeUnknown {
		return false
	}
	var rpcErr *client.RPCError
	return !errors.As(err, &rpcErr)
}

func (o *Orchestrator) lookup(ctx context.Context, id common.Hash) (*rpc.OrderResult, error) {
	order, err := o.ledger.Order(ctx, id)
	if err != nil {
		if errors.Is(err, escrow.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

func (o *Orchestrator) chainInfo(ctx context.Context) (*core.ChainInfo, error) {
	o.infoMu.Lock()
	defer o.infoMu.Unlock()
	if o.info != nil {
		return o.info, nil
	}
	info, err := o.ledger.ChainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain info: %w", err)
	}
	o.info = info
	return info, nil
}

func (o *Orchestrator) finish(res *Result, err error) {
	o.metrics.RecordOutcome(res.Operation, string(res.Outcome))
	attrs := []any{
		slog.String("operation", res.Operation),
		slog.String("outcome", string(res.Outcome)),
		slog.String("orderId", res.OrderID.Hex()),
	}
	if res.OrderRef != "" {
		attrs = append(attrs, slog.String("orderRef", res.OrderRef))
	}
	if res.TxHash != "" {
		attrs = append(attrs, slog.String("txHash", res.TxHash))
	}
	if err != nil {
		o.logger.Warn("escrow operation failed", append(attrs, slog.Any("error", err))...)
		return
	}
	o.logger.Info("escrow operation complete", attrs...)
}

func receiptError(receipt *types.Receipt) error {
	if err := coreerrors.FromCode(coreerrors.Code(receipt.ErrorCode), receipt.Error); err != nil {
		return err
	}
	if receipt.Error != "" {
		return errors.New(receipt.Error)
	}
	return fmt.Errorf("transaction %s failed", receipt.TxHash)
}

func findOrderEvent(receipt *types.Receipt, eventType string, id common.Hash) (*types.Event, bool) {
	for i := range receipt.Events {
		evt := &receipt.Events[i]
		if evt.Type == eventType && strings.EqualFold(evt.Attributes["orderId"], id.Hex()) {
			return evt, true
		}
	}
	return nil, false
}

func sameAddress(raw string, addr common.Address) bool {
	return common.IsHexAddress(raw) && common.HexToAddress(raw) == addr
}

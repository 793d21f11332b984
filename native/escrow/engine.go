package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"credify/core/events"
	"credify/core/types"
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// snapshotter is implemented by journaled state. When available the engine
// wraps every mutating operation in a snapshot so a failure part way through
// leaves no trace.
type snapshotter interface {
	Snapshot() int
	Revert(int)
}

type tokenLedger interface {
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

type vendorRegistry interface {
	IsVendor(addr common.Address) (bool, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow ledger. It custodies buyer funds under its own address,
// pays vendors minus the protocol fee on release and returns funds on refund.
type Engine struct {
	address common.Address
	state   engineState
	token   tokenLedger
	vendors vendorRegistry
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine that holds funds under address. Callers
// must configure state, the token ledger and the vendor registry before use.
func NewEngine(address common.Address) *Engine {
	return &Engine{
		address: address,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetToken configures the stablecoin ledger.
func (e *Engine) SetToken(token tokenLedger) { e.token = token }

// SetVendorRegistry configures the registry consulted on order creation.
func (e *Engine) SetVendorRegistry(registry vendorRegistry) { e.vendors = registry }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Address returns the custody address of the ledger.
func (e *Engine) Address() common.Address { return e.address }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	ts := time.Now().Unix()
	if e != nil && e.nowFn != nil {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) ready() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.token == nil:
		return errNilToken
	case e.vendors == nil:
		return errNilVendors
	}
	return nil
}

// atomic runs fn inside a state snapshot when the backend supports it.
func (e *Engine) atomic(fn func() error) error {
	snap, ok := e.state.(snapshotter)
	if !ok {
		return fn()
	}
	id := snap.Snapshot()
	if err := fn(); err != nil {
		snap.Revert(id)
		return err
	}
	return nil
}

var configKey = []byte("escrow/config")

func orderKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("escrow/order/%s", strings.ToLower(id.Hex())))
}

// ComputeID derives the order identifier for orderRef. The ledger address is
// part of the digest so identifiers cannot be replayed against another ledger.
func (e *Engine) ComputeID(orderRef string) common.Hash {
	return ComputeID(e.address, orderRef)
}

// ComputeID is the stateless form of Engine.ComputeID.
func ComputeID(ledger common.Address, orderRef string) common.Hash {
	return ethcrypto.Keccak256Hash(ledger.Bytes(), []byte(orderRef))
}

// InitConfig writes the initial configuration. It is intended for genesis and
// fails if a configuration already exists.
func (e *Engine) InitConfig(cfg Config) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ok, err := e.state.KVGet(configKey, nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("escrow: configuration already initialised")
	}
	cfg.PendingOwner = common.Address{}
	return e.state.KVPut(configKey, cfg)
}

// Config returns the current ledger configuration.
func (e *Engine) Config() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var cfg Config
	ok, err := e.state.KVGet(configKey, &cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoConfig
	}
	return &cfg, nil
}

// Order returns the stored order. ok is false when no record exists.
func (e *Engine) Order(id common.Hash) (*Order, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	var stored Order
	ok, err := e.state.KVGet(orderKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.Clone(), true, nil
}

func (e *Engine) loadOrder(id common.Hash) (*Order, error) {
	order, ok, err := e.Order(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (e *Engine) storeOrder(o *Order) error {
	return e.state.KVPut(orderKey(o.ID), o)
}

// CreateOrder pulls amount from buyer into ledger custody and records a new
// order in the Created state. Every precondition is checked before funds move.
func (e *Engine) CreateOrder(buyer, vendor common.Address, amount *big.Int, orderRef string) (*Order, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(orderRef) == "" {
		return nil, ErrInvalidOrderRef
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	authorized, err := e.vendors.IsVendor(vendor)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, fmt.Errorf("%w: %s", ErrVendorNotAuthorized, vendor.Hex())
	}
	id := e.ComputeID(orderRef)
	existing, ok, err := e.Order(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateOrder, id.Hex(), existing.State)
	}
	order := &Order{
		ID:        id,
		OrderRef:  orderRef,
		Buyer:     buyer,
		Vendor:    vendor,
		Amount:    new(big.Int).Set(amount),
		Fee:       big.NewInt(0),
		State:     OrderCreated,
		CreatedAt: e.now(),
	}
	err = e.atomic(func() error {
		if err := e.token.TransferFrom(e.address, buyer, e.address, order.Amount); err != nil {
			return err
		}
		return e.storeOrder(order)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewOrderCreatedEvent(order))
	return order.Clone(), nil
}

// Release settles a Created order: the vendor receives amount minus the fee
// and the fee recipient receives the fee. The buyer or the owner may release.
func (e *Engine) Release(id common.Hash, caller common.Address) (*Order, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.State != OrderCreated {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id.Hex(), order.State)
	}
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	if caller != order.Buyer && caller != cfg.Owner {
		return nil, fmt.Errorf("%w: release requires buyer or owner", ErrUnauthorized)
	}
	fee := ComputeFee(order.Amount, cfg.FeeBps)
	payout := new(big.Int).Sub(order.Amount, fee)
	err = e.atomic(func() error {
		if payout.Sign() > 0 {
			if err := e.token.Transfer(e.address, order.Vendor, payout); err != nil {
				return err
			}
		}
		if fee.Sign() > 0 {
			if err := e.token.Transfer(e.address, cfg.FeeRecipient, fee); err != nil {
				return err
			}
		}
		order.Fee = fee
		order.State = OrderReleased
		order.ResolvedAt = e.now()
		return e.storeOrder(order)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewOrderReleasedEvent(order))
	return order.Clone(), nil
}

// Refund returns the full amount of a Created order to the buyer. The owner
// may refund at any time; the buyer only once the refund timeout is enabled
// and has elapsed since creation.
func (e *Engine) Refund(id common.Hash, caller common.Address) (*Order, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.State != OrderCreated {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id.Hex(), order.State)
	}
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	if caller != cfg.Owner {
		if caller != order.Buyer {
			return nil, fmt.Errorf("%w: refund requires owner or buyer", ErrUnauthorized)
		}
		if !e.buyerRefundOpen(order, cfg) {
			return nil, ErrRefundNotAvailable
		}
	}
	err = e.atomic(func() error {
		if err := e.token.Transfer(e.address, order.Buyer, order.Amount); err != nil {
			return err
		}
		order.State = OrderRefunded
		order.ResolvedAt = e.now()
		return e.storeOrder(order)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewOrderRefundedEvent(order))
	return order.Clone(), nil
}

func (e *Engine) buyerRefundOpen(order *Order, cfg *Config) bool {
	if cfg.RefundTimeout == 0 {
		return false
	}
	return e.now() >= order.CreatedAt+cfg.RefundTimeout
}

// RefundAvailableAt returns the ledger time from which the buyer may refund
// the order themselves, or zero when buyer refunds are disabled.
func (e *Engine) RefundAvailableAt(id common.Hash) (uint64, error) {
	order, err := e.loadOrder(id)
	if err != nil {
		return 0, err
	}
	cfg, err := e.Config()
	if err != nil {
		return 0, err
	}
	if cfg.RefundTimeout == 0 {
		return 0, nil
	}
	return order.CreatedAt + cfg.RefundTimeout, nil
}

func (e *Engine) updateConfig(caller common.Address, field string, mutate func(*Config) error) error {
	cfg, err := e.Config()
	if err != nil {
		return err
	}
	if field != "owner" && caller != cfg.Owner {
		return fmt.Errorf("%w: %s requires owner", ErrUnauthorized, field)
	}
	if err := mutate(cfg); err != nil {
		return err
	}
	if err := e.state.KVPut(configKey, *cfg); err != nil {
		return err
	}
	e.emit(newConfigUpdatedEvent(field, cfg))
	return nil
}

// SetFeeBps updates the protocol fee applied on release.
func (e *Engine) SetFeeBps(caller common.Address, bps uint32) error {
	return e.updateConfig(caller, "feeBps", func(cfg *Config) error {
		if bps > MaxFeeBps {
			return ErrInvalidFeeBps
		}
		cfg.FeeBps = bps
		return nil
	})
}

// SetFeeRecipient updates the account receiving protocol fees.
func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	return e.updateConfig(caller, "feeRecipient", func(cfg *Config) error {
		if recipient == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.FeeRecipient = recipient
		return nil
	})
}

// SetRefundTimeout updates how long a buyer waits before refunding an
// unreleased order. Zero disables buyer refunds.
func (e *Engine) SetRefundTimeout(caller common.Address, seconds uint64) error {
	return e.updateConfig(caller, "refundTimeout", func(cfg *Config) error {
		cfg.RefundTimeout = seconds
		return nil
	})
}

// TransferOwnership nominates newOwner. The nomination takes effect once
// newOwner calls AcceptOwnership; until then the current owner keeps control.
func (e *Engine) TransferOwnership(caller, newOwner common.Address) error {
	return e.updateConfig(caller, "pendingOwner", func(cfg *Config) error {
		if newOwner == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.PendingOwner = newOwner
		return nil
	})
}

// AcceptOwnership completes a transfer started by TransferOwnership.
func (e *Engine) AcceptOwnership(caller common.Address) error {
	return e.updateConfig(caller, "owner", func(cfg *Config) error {
		if cfg.PendingOwner == (common.Address{}) {
			return ErrNoPendingOwner
		}
		if caller != cfg.PendingOwner {
			return fmt.Errorf("%w: caller is not the pending owner", ErrUnauthorized)
		}
		cfg.Owner = cfg.PendingOwner
		cfg.PendingOwner = common.Address{}
		return nil
	})
}

// IsOwner reports whether addr currently owns the ledger.
func (e *Engine) IsOwner(addr common.Address) (bool, error) {
	cfg, err := e.Config()
	if err != nil {
		return false, err
	}
	return cfg.Owner == addr, nil
}

package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MaxFeeBps is the upper bound of the protocol fee (100%).
const MaxFeeBps = 10_000

// OrderState represents the lifecycle of an escrowed order.
type OrderState uint8

const (
	OrderCreated OrderState = iota + 1
	OrderReleased
	OrderRefunded
)

// String returns the human readable name of the state.
func (s OrderState) String() string {
	switch s {
	case OrderCreated:
		return "created"
	case OrderReleased:
		return "released"
	case OrderRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s OrderState) Terminal() bool {
	return s == OrderReleased || s == OrderRefunded
}

// ParseOrderState converts a state name back to its value.
func ParseOrderState(name string) (OrderState, bool) {
	switch name {
	case "created":
		return OrderCreated, true
	case "released":
		return OrderReleased, true
	case "refunded":
		return OrderRefunded, true
	default:
		return 0, false
	}
}

// Order is the escrow record held by the ledger. Buyer, Vendor, Amount and
// OrderRef never change after creation. Records are never deleted.
type Order struct {
	ID         common.Hash
	OrderRef   string
	Buyer      common.Address
	Vendor     common.Address
	Amount     *big.Int
	Fee        *big.Int
	State      OrderState
	CreatedAt  uint64
	ResolvedAt uint64
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.Fee = cloneBigInt(o.Fee)
	return &clone
}

// Config is the ledger-wide fee and ownership configuration.
type Config struct {
	Owner         common.Address
	PendingOwner  common.Address
	FeeRecipient  common.Address
	FeeBps        uint32
	RefundTimeout uint64
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.Owner == (common.Address{}) || c.FeeRecipient == (common.Address{}) {
		return ErrZeroAddress
	}
	if c.FeeBps > MaxFeeBps {
		return ErrInvalidFeeBps
	}
	return nil
}

// ComputeFee returns amount*feeBps/10000 rounded down. The vendor receives
// amount minus the returned fee, so the two always add up to amount.
func ComputeFee(amount *big.Int, feeBps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(feeBps)))
	return fee.Div(fee, big.NewInt(MaxFeeBps))
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

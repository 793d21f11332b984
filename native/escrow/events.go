package escrow

import (
	"strconv"

	"credify/core/types"
)

const (
	EventTypeOrderCreated  = "escrow.order.created"
	EventTypeOrderReleased = "escrow.order.released"
	EventTypeOrderRefunded = "escrow.order.refunded"
	EventTypeConfigUpdated = "escrow.config.updated"
)

// NewOrderCreatedEvent returns the canonical payload for a newly funded order.
func NewOrderCreatedEvent(o *Order) *types.Event {
	return &types.Event{
		Type: EventTypeOrderCreated,
		Attributes: map[string]string{
			"orderId":  o.ID.Hex(),
			"orderRef": o.OrderRef,
			"buyer":    o.Buyer.Hex(),
			"vendor":   o.Vendor.Hex(),
			"amount":   o.Amount.String(),
		},
	}
}

// NewOrderReleasedEvent returns the canonical payload for a settled order.
// Amount is the full locked amount; the vendor received amount minus fee.
func NewOrderReleasedEvent(o *Order) *types.Event {
	return &types.Event{
		Type: EventTypeOrderReleased,
		Attributes: map[string]string{
			"orderId": o.ID.Hex(),
			"vendor":  o.Vendor.Hex(),
			"amount":  o.Amount.String(),
			"fee":     cloneBigInt(o.Fee).String(),
		},
	}
}

// NewOrderRefundedEvent returns the canonical payload for a refunded order.
func NewOrderRefundedEvent(o *Order) *types.Event {
	return &types.Event{
		Type: EventTypeOrderRefunded,
		Attributes: map[string]string{
			"orderId": o.ID.Hex(),
			"buyer":   o.Buyer.Hex(),
			"amount":  o.Amount.String(),
		},
	}
}

func newConfigUpdatedEvent(field string, cfg *Config) *types.Event {
	return &types.Event{
		Type: EventTypeConfigUpdated,
		Attributes: map[string]string{
			"field":         field,
			"owner":         cfg.Owner.Hex(),
			"pendingOwner":  cfg.PendingOwner.Hex(),
			"feeRecipient":  cfg.FeeRecipient.Hex(),
			"feeBps":        strconv.FormatUint(uint64(cfg.FeeBps), 10),
			"refundTimeout": strconv.FormatUint(cfg.RefundTimeout, 10),
		},
	}
}

package rpc

import (
	"github.com/ethereum/go-ethereum/common"

	"credify/core/types"
	"credify/native/escrow"
)

// OrderResult is the RPC view of an escrow order. Amounts are base-unit
// decimal strings.
type OrderResult struct {
	ID                string `json:"orderId"`
	OrderRef          string `json:"orderRef"`
	Buyer             string `json:"buyer"`
	Vendor            string `json:"vendor"`
	Amount            string `json:"amount"`
	Fee               string `json:"fee"`
	State             string `json:"state"`
	CreatedAt         uint64 `json:"createdAt"`
	ResolvedAt        uint64 `json:"resolvedAt,omitempty"`
	RefundAvailableAt uint64 `json:"refundAvailableAt,omitempty"`
}

// ConfigResult mirrors the escrow configuration.
type ConfigResult struct {
	Owner                string `json:"owner"`
	PendingOwner         string `json:"pendingOwner,omitempty"`
	FeeRecipient         string `json:"feeRecipient"`
	FeeBps               uint32 `json:"feeBps"`
	RefundTimeoutSeconds uint64 `json:"refundTimeoutSeconds"`
}

type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type AllowanceResult struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

type SupplyResult struct {
	TotalSupply string `json:"totalSupply"`
}

type NonceResult struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

type VendorResult struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

type ComputeIDResult struct {
	OrderRef string `json:"orderRef"`
	OrderID  string `json:"orderId"`
}

// EventsResult pages the event log; Next is the cursor for the following
// call.
type EventsResult struct {
	Events []types.LoggedEvent `json:"events"`
	Next   uint64              `json:"next"`
}

// EventsQuery is the parameter object of events_since.
type EventsQuery struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit,omitempty"`
}

func orderResult(order *escrow.Order, refundAt uint64) OrderResult {
	res := OrderResult{
		ID:                order.ID.Hex(),
		OrderRef:          order.OrderRef,
		Buyer:             order.Buyer.Hex(),
		Vendor:            order.Vendor.Hex(),
		Amount:            "0",
		Fee:               "0",
		State:             order.State.String(),
		CreatedAt:         order.CreatedAt,
		ResolvedAt:        order.ResolvedAt,
		RefundAvailableAt: refundAt,
	}
	if order.Amount != nil {
		res.Amount = order.Amount.String()
	}
	if order.Fee != nil {
		res.Fee = order.Fee.String()
	}
	return res
}

func configResult(cfg *escrow.Config) ConfigResult {
	res := ConfigResult{
		Owner:                cfg.Owner.Hex(),
		FeeRecipient:         cfg.FeeRecipient.Hex(),
		FeeBps:               cfg.FeeBps,
		RefundTimeoutSeconds: cfg.RefundTimeout,
	}
	if cfg.PendingOwner != (common.Address{}) {
		res.PendingOwner = cfg.PendingOwner.Hex()
	}
	return res
}

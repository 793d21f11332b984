package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferPayload moves stablecoin from the signer to To.
type TransferPayload struct {
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// ApprovePayload sets the allowance the signer grants Spender.
type ApprovePayload struct {
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

// MintPayload issues new stablecoin units to To.
type MintPayload struct {
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// CreateOrderPayload locks Amount from the signer against Vendor.
type CreateOrderPayload struct {
	Vendor   common.Address `json:"vendor"`
	Amount   *big.Int       `json:"amount"`
	OrderRef string         `json:"orderRef"`
}

// OrderPayload targets an existing order by identifier.
type OrderPayload struct {
	OrderID common.Hash `json:"orderId"`
}

type SetVendorPayload struct {
	Vendor     common.Address `json:"vendor"`
	Authorized bool           `json:"authorized"`
}

type SetFeeBpsPayload struct {
	FeeBps uint32 `json:"feeBps"`
}

type SetFeeRecipientPayload struct {
	Recipient common.Address `json:"recipient"`
}

type SetRefundTimeoutPayload struct {
	Seconds uint64 `json:"seconds"`
}

type TransferOwnershipPayload struct {
	NewOwner common.Address `json:"newOwner"`
}

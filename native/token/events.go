package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"credify/core/types"
)

const (
	EventTypeTransfer = "token.transfer"
	EventTypeApproval = "token.approval"
)

type tokenEvent struct {
	evt *types.Event
}

func (e tokenEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e tokenEvent) Event() *types.Event { return e.evt }

func newTransferEvent(from, to common.Address, amount *big.Int) tokenEvent {
	return tokenEvent{evt: &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   from.Hex(),
			"to":     to.Hex(),
			"amount": amount.String(),
		},
	}}
}

func newApprovalEvent(owner, spender common.Address, amount *big.Int) tokenEvent {
	return tokenEvent{evt: &types.Event{
		Type: EventTypeApproval,
		Attributes: map[string]string{
			"owner":   owner.Hex(),
			"spender": spender.Hex(),
			"amount":  amount.String(),
		},
	}}
}

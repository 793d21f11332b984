package types

import "github.com/ethereum/go-ethereum/common"

// ReceiptStatus records whether a mined transaction changed state.
type ReceiptStatus string

const (
	ReceiptStatusSuccess ReceiptStatus = "success"
	ReceiptStatusFailed  ReceiptStatus = "failed"
)

// Receipt is the outcome of a transaction once the node has sequenced it. A
// failed receipt means every state write of the transaction was reverted; only
// the sender nonce advanced.
type Receipt struct {
	TxHash    string         `json:"txHash"`
	Type      string         `json:"type"`
	From      common.Address `json:"from"`
	Nonce     uint64         `json:"nonce"`
	Status    ReceiptStatus  `json:"status"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Error     string         `json:"error,omitempty"`
	Height    uint64         `json:"height"`
	Timestamp int64          `json:"timestamp"`
	Events    []Event        `json:"events"`
}

// Succeeded reports whether the transaction was applied.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptStatusSuccess
}

// FindEvent returns the first event of the given type, if any.
func (r *Receipt) FindEvent(eventType string) (*Event, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.Events {
		if r.Events[i].Type == eventType {
			return &r.Events[i], true
		}
	}
	return nil, false
}

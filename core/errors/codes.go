package errors

import (
	stderrors "errors"

	"credify/native/escrow"
	"credify/native/token"
	"credify/native/vendor"
)

var (
	ErrInvalidNonce     = stderrors.New("tx: invalid nonce")
	ErrInvalidChainID   = stderrors.New("tx: chain id mismatch")
	ErrInvalidSignature = stderrors.New("tx: invalid signature")
	ErrUnknownTxType    = stderrors.New("tx: unknown transaction type")
	ErrInvalidPayload   = stderrors.New("tx: invalid payload")
	ErrTxNotFound       = stderrors.New("tx: receipt not found")
)

// Code is a stable string identifier for a typed failure. Codes cross the RPC
// boundary so clients can tell an idempotent duplicate rejection apart from
// other precondition failures.
type Code string

const (
	CodeUnknown               Code = "unknown"
	CodeDuplicateOrder        Code = "duplicate_order"
	CodeOrderNotFound         Code = "order_not_found"
	CodeInvalidState          Code = "invalid_state"
	CodeVendorNotAuthorized   Code = "vendor_not_authorized"
	CodeInvalidAmount         Code = "invalid_amount"
	CodeInvalidOrderRef       Code = "invalid_order_ref"
	CodeUnauthorized          Code = "unauthorized"
	CodeRefundNotAvailable    Code = "refund_not_available"
	CodeInvalidFeeBps         Code = "invalid_fee_bps"
	CodeZeroAddress           Code = "zero_address"
	CodeNoPendingOwner        Code = "no_pending_owner"
	CodeInsufficientBalance   Code = "insufficient_balance"
	CodeInsufficientAllowance Code = "insufficient_allowance"
	CodeOverflow              Code = "overflow"
	CodeInvalidNonce          Code = "invalid_nonce"
	CodeInvalidChainID        Code = "invalid_chain_id"
	CodeInvalidSignature      Code = "invalid_signature"
	CodeUnknownTxType         Code = "unknown_tx_type"
	CodeInvalidPayload        Code = "invalid_payload"
	CodeTxNotFound            Code = "tx_not_found"
)

var registry = []struct {
	code Code
	err  error
}{
	{CodeDuplicateOrder, escrow.ErrDuplicateOrder},
	{CodeOrderNotFound, escrow.ErrOrderNotFound},
	{CodeInvalidState, escrow.ErrInvalidState},
	{CodeVendorNotAuthorized, escrow.ErrVendorNotAuthorized},
	{CodeInvalidAmount, escrow.ErrInvalidAmount},
	{CodeInvalidAmount, token.ErrInvalidAmount},
	{CodeInvalidOrderRef, escrow.ErrInvalidOrderRef},
	{CodeUnauthorized, escrow.ErrUnauthorized},
	{CodeRefundNotAvailable, escrow.ErrRefundNotAvailable},
	{CodeInvalidFeeBps, escrow.ErrInvalidFeeBps},
	{CodeZeroAddress, escrow.ErrZeroAddress},
	{CodeZeroAddress, token.ErrZeroAddress},
	{CodeZeroAddress, vendor.ErrZeroAddress},
	{CodeNoPendingOwner, escrow.ErrNoPendingOwner},
	{CodeInsufficientBalance, token.ErrInsufficientBalance},
	{CodeInsufficientAllowance, token.ErrInsufficientAllowance},
	{CodeOverflow, token.ErrOverflow},
	{CodeInvalidNonce, ErrInvalidNonce},
	{CodeInvalidChainID, ErrInvalidChainID},
	{CodeInvalidSignature, ErrInvalidSignature},
	{CodeUnknownTxType, ErrUnknownTxType},
	{CodeInvalidPayload, ErrInvalidPayload},
	{CodeTxNotFound, ErrTxNotFound},
}

// CodeOf classifies err. Unrecognised errors map to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, entry := range registry {
		if stderrors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// FromCode rebuilds a typed error from a code and the remote message so that
// errors.Is works on the client side. Unknown codes yield a plain error.
func FromCode(code Code, message string) error {
	if code == "" {
		return nil
	}
	for _, entry := range registry {
		if entry.code == code {
			if message == "" || message == entry.err.Error() {
				return entry.err
			}
			return &remoteError{sentinel: entry.err, message: message}
		}
	}
	if message == "" {
		message = string(code)
	}
	return stderrors.New(message)
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string { return e.message }

func (e *remoteError) Unwrap() error { return e.sentinel }

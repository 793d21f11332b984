package escrow

import "errors"

var (
	// ErrDuplicateOrder is returned when createOrder targets an identifier that
	// already holds a record. It is the idempotency guard for retried
	// creations and is safe to observe.
	ErrDuplicateOrder = errors.New("escrow: order already exists")
	// ErrOrderNotFound is returned when no order exists for the identifier.
	ErrOrderNotFound = errors.New("escrow: order not found")
	// ErrInvalidState is returned when an order is not in the Created state.
	ErrInvalidState = errors.New("escrow: order not in created state")
	// ErrVendorNotAuthorized rejects orders against unregistered vendors.
	ErrVendorNotAuthorized = errors.New("escrow: vendor not authorized")
	// ErrInvalidAmount rejects zero, negative or missing amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrInvalidOrderRef rejects empty order references.
	ErrInvalidOrderRef = errors.New("escrow: order reference required")
	// ErrUnauthorized is returned when the caller may not perform the action.
	ErrUnauthorized = errors.New("escrow: caller not authorized")
	// ErrRefundNotAvailable is returned when a buyer asks for a refund before
	// the refund timeout elapsed, or when buyer refunds are disabled.
	ErrRefundNotAvailable = errors.New("escrow: buyer refund not yet available")
	// ErrInvalidFeeBps rejects fee values above 10000 basis points.
	ErrInvalidFeeBps = errors.New("escrow: fee bps out of range")
	// ErrZeroAddress rejects configuration with the zero address.
	ErrZeroAddress = errors.New("escrow: zero address")
	// ErrNoPendingOwner is returned by AcceptOwnership when no transfer is in
	// progress.
	ErrNoPendingOwner = errors.New("escrow: no pending owner")

	errNilState   = errors.New("escrow engine: state not configured")
	errNilToken   = errors.New("escrow engine: token ledger not configured")
	errNilVendors = errors.New("escrow engine: vendor registry not configured")
	errNoConfig   = errors.New("escrow engine: ledger configuration missing")
)

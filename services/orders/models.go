// Package orders persists the storefront's order mapping: which storefront
// reference paid how, and where its escrow stands on the ledger.
package orders

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status tracks an order through payment and settlement.
type Status string

const (
	// StatusPending orders were recorded but no escrow was observed, which
	// is the final state for card and native-coin payments.
	StatusPending  Status = "pending"
	StatusCreated  Status = "created"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Settled reports whether the escrow reached a terminal state.
func (s Status) Settled() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusReleased, StatusRefunded:
		return 2
	default:
		return 0
	}
}

// Payment methods accepted by the storefront.
const (
	MethodCard = "card"
	MethodCCD  = "ccd"
	MethodAVAX = "avax"
	MethodUSDC = "usdc"
)

// ValidMethod reports whether m is a known payment method.
func ValidMethod(m string) bool {
	switch m {
	case MethodCard, MethodCCD, MethodAVAX, MethodUSDC:
		return true
	}
	return false
}

// Order maps a storefront order reference to its payment and escrow.
type Order struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderRef      string     `gorm:"uniqueIndex;not null" json:"orderRef"`
	EscrowID      string     `gorm:"index" json:"orderId,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`
	Buyer         string     `gorm:"index" json:"buyer,omitempty"`
	Vendor        string     `gorm:"index" json:"vendor,omitempty"`
	Email         string     `gorm:"index" json:"email,omitempty"`
	PaymentMethod string     `gorm:"not null" json:"paymentMethod"`
	Amount        string     `json:"amount,omitempty"`
	AmountUSD     string     `json:"amountUsd,omitempty"`
	QuoteUSD      string     `json:"quoteUsd,omitempty"`
	QuoteOrigin   string     `json:"quoteOrigin,omitempty"`
	AgeRestricted bool       `json:"ageRestricted"`
	Status        Status     `gorm:"index;not null" json:"status"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// OrderEvent is one ledger event applied to an order.
type OrderEvent struct {
	Sequence  uint64    `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	OrderRef  string    `gorm:"index" json:"orderRef"`
	EscrowID  string    `gorm:"index" json:"orderId"`
	Type      string    `json:"type"`
	TxHash    string    `json:"txHash"`
	Height    uint64    `json:"height"`
	CreatedAt time.Time `json:"createdAt"`
}

// IdempotencyKey caches the response for a replayed write request.
type IdempotencyKey struct {
	Scope       string `gorm:"primaryKey"`
	Key         string `gorm:"primaryKey"`
	RequestHash string `gorm:"not null"`
	Status      int
	Response    []byte
	CreatedAt   time.Time
}

// AuditEntry records a privileged request and its result.
type AuditEntry struct {
	ID        uint `gorm:"primaryKey"`
	Subject   string
	Action    string `gorm:"index"`
	OrderRef  string `gorm:"index"`
	Status    int
	Detail    string
	CreatedAt time.Time
}

// EventCursor persists how far a watcher has read the ledger event log.
type EventCursor struct {
	Name      string `gorm:"primaryKey"`
	Value     uint64
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&OrderEvent{},
		&IdempotencyKey{},
		&AuditEntry{},
		&EventCursor{},
	)
}

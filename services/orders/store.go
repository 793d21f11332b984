package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no order matches a lookup.
	ErrNotFound = errors.New("orders: not found")
	// ErrConflict is returned when a record contradicts the stored order,
	// for example a different escrow id for the same order reference.
	ErrConflict = errors.New("orders: conflicting record")
	// ErrIdempotencyMismatch is returned when a key is reused with a
	// different request.
	ErrIdempotencyMismatch = errors.New("orders: idempotency key reused with a different request")
	// ErrInvalidOrder rejects incomplete records.
	ErrInvalidOrder = errors.New("orders: invalid order")
)

// Store wraps the gorm handle with order-specific queries.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn. Postgres URLs and key/value DSNs use the postgres
// driver; anything else is treated as a SQLite DSN.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("orders: database dsn required")
	}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("orders: open database: %w", err)
	}
	return NewStore(db)
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// NewStore migrates db and wraps it.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("orders: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("orders: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normaliseHex(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return "0x" + strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X"))
}

func normaliseEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (o *Order) normalise() {
	o.OrderRef = strings.TrimSpace(o.OrderRef)
	o.EscrowID = normaliseHex(o.EscrowID)
	o.TxHash = normaliseHex(o.TxHash)
	o.Buyer = normaliseHex(o.Buyer)
	o.Vendor = normaliseHex(o.Vendor)
	o.Email = normaliseEmail(o.Email)
	o.PaymentMethod = strings.ToLower(strings.TrimSpace(o.PaymentMethod))
}

// RecordOrder stores o keyed by its order reference. Recording the same
// reference again merges fields that were missing and never moves the
// status backwards. The stored order is returned along with whether it was
// newly created.
func (s *Store) RecordOrder(ctx context.Context, o Order) (*Order, bool, error) {
	o.normalise()
	if o.OrderRef == "" {
		return nil, false, fmt.Errorf("%w: orderRef required", ErrInvalidOrder)
	}
	if !ValidMethod(o.PaymentMethod) {
		return nil, false, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, o.PaymentMethod)
	}
	if o.Status == "" {
		o.Status = StatusPending
		if o.EscrowID != "" {
			o.Status = StatusCreated
		}
	}
	var (
		stored  Order
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("order_ref = ?", o.OrderRef).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			o.ID = uuid.New()
			now := s.now().UTC()
			o.CreatedAt = now
			o.UpdatedAt = now
			if o.Status != StatusPending && o.ConfirmedAt == nil {
				o.ConfirmedAt = &now
			}
			if o.Status.Settled() && o.SettledAt == nil {
				o.SettledAt = &now
			}
			if err := tx.Create(&o).Error; err != nil {
				return err
			}
			stored = o
			created = true
			return nil
		}
		if err != nil {
			return err
		}
		if err := merge(&stored, o); err != nil {
			return err
		}
		now := s.now().UTC()
		if stored.Status != StatusPending && stored.ConfirmedAt == nil {
			stored.ConfirmedAt = &now
		}
		if stored.Status.Settled() && stored.SettledAt == nil {
			stored.SettledAt = &now
		}
		stored.UpdatedAt = now
		return tx.Save(&stored).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func merge(dst *Order, src Order) error {
	conflict := func(field, have, want string) error {
		if have != "" && want != "" && have != want {
			return fmt.Errorf("%w: %s is %s, not %s", ErrConflict, field, have, want)
		}
		return nil
	}
	for _, check := range []error{
		conflict("orderId", dst.EscrowID, src.EscrowID),
		conflict("buyer", dst.Buyer, src.Buyer),
		conflict("vendor", dst.Vendor, src.Vendor),
	} {
		if check != nil {
			return check
		}
	}
	fill := func(have *string, want string) {
		if *have == "" {
			*have = want
		}
	}
	fill(&dst.EscrowID, src.EscrowID)
	fill(&dst.TxHash, src.TxHash)
	fill(&dst.Buyer, src.Buyer)
	fill(&dst.Vendor, src.Vendor)
	fill(&dst.Email, src.Email)
	fill(&dst.Amount, src.Amount)
	fill(&dst.AmountUSD, src.AmountUSD)
	fill(&dst.QuoteUSD, src.QuoteUSD)
	fill(&dst.QuoteOrigin, src.QuoteOrigin)
	if src.PaymentMethod != "" && dst.PaymentMethod == MethodUSDC && src.PaymentMethod != MethodUSDC {
		return fmt.Errorf("%w: paymentMethod is %s, not %s", ErrConflict, dst.PaymentMethod, src.PaymentMethod)
	}
	if dst.EscrowID != "" {
		dst.PaymentMethod = MethodUSDC
	}
	dst.AgeRestricted = dst.AgeRestricted || src.AgeRestricted
	if src.Status.rank() > dst.Status.rank() {
		dst.Status = src.Status
	}
	if dst.ConfirmedAt == nil {
		dst.ConfirmedAt = src.ConfirmedAt
	}
	return nil
}

// Get fetches an order by its storefront reference.
func (s *Store) Get(ctx context.Context, orderRef string) (*Order, error) {
	return s.first(ctx, "order_ref = ?", strings.TrimSpace(orderRef))
}

// GetByEscrowID fetches an order by its ledger order id.
func (s *Store) GetByEscrowID(ctx context.Context, escrowID string) (*Order, error) {
	return s.first(ctx, "escrow_id = ?", normaliseHex(escrowID))
}

func (s *Store) first(ctx context.Context, query string, arg string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where(query, arg).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus advances orderRef to status. Earlier statuses are ignored so
// a late report never undoes a settlement. The stored order is returned.
func (s *Store) UpdateStatus(ctx context.Context, orderRef string, status Status) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("order_ref = ?", strings.TrimSpace(orderRef)).First(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status.rank() <= order.Status.rank() {
			return nil
		}
		now := s.now().UTC()
		order.Status = status
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = &now
		}
		if status.Settled() {
			order.SettledAt = &now
		}
		order.UpdatedAt = now
		return tx.Save(&order).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Email  string
	Wallet string
	Status Status
	Method string
	Limit  int
	Offset int
}

// List returns orders matching f, newest first. Wallet matches either side
// of the escrow.
func (s *Store) List(ctx context.Context, f Filter) ([]Order, error) {
	query := s.db.WithContext(ctx).Model(&Order{})
	if email := normaliseEmail(f.Email); email != "" {
		query = query.Where("email = ?", email)
	}
	if wallet := normaliseHex(f.Wallet); wallet != "" {
		query = query.Where("buyer = ? OR vendor = ?", wallet, wallet)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if method := strings.ToLower(strings.TrimSpace(f.Method)); method != "" {
		query = query.Where("payment_method = ?", method)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}
	var out []Order
	if err := query.Order("created_at DESC").Order("order_ref").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyEvent records a ledger event against the order it names and
// advances its status. Events for unknown orders create a usdc mapping from
// the event attributes so a lost storefront callback is recovered. Replayed
// sequences are ignored. The updated order is returned, or nil when the event
// had no effect.
func (s *Store) ApplyEvent(ctx context.Context, evt OrderEvent, status Status, attrs map[string]string) (*Order, error) {
	evt.EscrowID = normaliseHex(evt.EscrowID)
	evt.TxHash = normaliseHex(evt.TxHash)
	if evt.EscrowID == "" {
		return nil, fmt.Errorf("%w: event %d has no order id", ErrInvalidOrder, evt.Sequence)
	}
	var updated *Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&evt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var order Order
		err := tx.Where("escrow_id = ?", evt.EscrowID).First(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && evt.OrderRef != "" {
			err = tx.Where("order_ref = ?", evt.OrderRef).First(&order).Error
		}
		now := s.now().UTC()
		isNew := false
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if evt.OrderRef == "" {
				return nil
			}
			order = Order{
				ID:            uuid.New(),
				OrderRef:      evt.OrderRef,
				EscrowID:      evt.EscrowID,
				TxHash:        evt.TxHash,
				Buyer:         normaliseHex(attrs["buyer"]),
				Vendor:        normaliseHex(attrs["vendor"]),
				Amount:        attrs["amount"],
				PaymentMethod: MethodUSDC,
				Status:        StatusPending,
				CreatedAt:     now,
			}
			isNew = true
		case err != nil:
			return err
		}
		if order.EscrowID == "" {
			order.EscrowID = evt.EscrowID
			order.PaymentMethod = MethodUSDC
		}
		if evt.OrderRef == "" {
			evt.OrderRef = order.OrderRef
			if err := tx.Model(&OrderEvent{}).Where("sequence = ?", evt.Sequence).Update("order_ref", order.OrderRef).Error; err != nil {
				return err
			}
		}
		if status.rank() > order.Status.rank() {
			order.Status = status
			stamp := evt.CreatedAt
			if stamp.IsZero() {
				stamp = now
			}
			if status == StatusCreated && order.ConfirmedAt == nil {
				order.ConfirmedAt = &stamp
			}
			if status.Settled() {
				order.SettledAt = &stamp
			}
		}
		order.UpdatedAt = now
		write := tx.Save
		if isNew {
			write = tx.Create
		}
		if err := write(&order).Error; err != nil {
			return err
		}
		updated = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Events returns the ledger events applied to orderRef in sequence order.
func (s *Store) Events(ctx context.Context, orderRef string) ([]OrderEvent, error) {
	var out []OrderEvent
	err := s.db.WithContext(ctx).Where("order_ref = ?", strings.TrimSpace(orderRef)).Order("sequence").Find(&out).Error
	return out, err
}

// Cursor returns the last event sequence processed by watcher name.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	var cursor EventCursor
	err := s.db.WithContext(ctx).First(&cursor, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cursor.Value, err
}

// SetCursor persists the last processed sequence for watcher name.
func (s *Store) SetCursor(ctx context.Context, name string, value uint64) error {
	cursor := EventCursor{Name: name, Value: value, UpdatedAt: s.now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&cursor).Error
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for key, nil when the key is
// new, or ErrIdempotencyMismatch when it was used for a different request.
func (s *Store) LookupIdempotency(ctx context.Context, scope, key, requestHash string) (*StoredResponse, error) {
	var record IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "scope = ? AND key = ?", scope, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: record.Status, Body: record.Response}, nil
}

// SaveIdempotency caches a response. The first response saved for a key wins.
func (s *Store) SaveIdempotency(ctx context.Context, scope, key, requestHash string, status int, body []byte) error {
	record := IdempotencyKey{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Response:    body,
		CreatedAt:   s.now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// Audit appends a privileged action to the audit log.
func (s *Store) Audit(ctx context.Context, entry AuditEntry) error {
	entry.CreatedAt = s.now().UTC()
	return s.db.WithContext(ctx).Create(&entry).Error
}

// AuditLog returns the audit entries for orderRef, oldest first.
func (s *Store) AuditLog(ctx context.Context, orderRef string) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.WithContext(ctx).Where("order_ref = ?", orderRef).Order("id").Find(&out).Error
	return out, err
}

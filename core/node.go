package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "credify/core/errors"
	"credify/core/genesis"
	"credify/core/types"
	"credify/native/escrow"
	"credify/native/token"
	"credify/observability"
	"credify/storage"
)

var (
	metaKey       = []byte("chain/meta")
	receiptPrefix = []byte("rcpt/")
	eventPrefix   = []byte("evt/")
)

// ChainMeta is the persisted chain head.
type ChainMeta struct {
	ChainID           uint64
	LedgerAddress     common.Address
	StablecoinAddress common.Address
	Height            uint64
	EventSequence     uint64
	LastTimestamp     uint64
}

// ChainInfo summarises the chain for clients.
type ChainInfo struct {
	ChainID           uint64         `json:"chainId"`
	Height            uint64         `json:"height"`
	LedgerAddress     common.Address `json:"ledgerAddress"`
	StablecoinAddress common.Address `json:"stablecoinAddress"`
	Decimals          uint8          `json:"decimals"`
	EventSequence     uint64         `json:"eventSequence"`
}

// Option customises a Node.
type Option func(*Node)

// WithClock overrides the time source used to stamp transactions.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.clock = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// Node sequences transactions one at a time against the ledger state. Every
// transaction is applied, committed and assigned a height before the next one
// is looked at, so all transitions of an order are totally ordered.
type Node struct {
	mu      sync.RWMutex
	db      storage.Database
	state   *StateProcessor
	meta    ChainMeta
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
}

// NewNode opens the ledger stored in db. When db is empty the genesis is
// applied; otherwise the stored chain id must match the genesis chain id.
func NewNode(db storage.Database, g *genesis.Genesis, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	if g == nil {
		return nil, fmt.Errorf("node: genesis required")
	}
	n := &Node{
		db:      db,
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.Ledger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.state = NewStateProcessor(db, g.LedgerAddress)

	raw, err := db.Get(metaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := n.initGenesis(g); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("node: load chain meta: %w", err)
	default:
		if err := json.Unmarshal(raw, &n.meta); err != nil {
			return nil, fmt.Errorf("node: decode chain meta: %w", err)
		}
		if n.meta.ChainID != g.ChainID || n.meta.LedgerAddress != g.LedgerAddress {
			return nil, fmt.Errorf("node: stored chain %d/%s does not match genesis %d/%s",
				n.meta.ChainID, n.meta.LedgerAddress.Hex(), g.ChainID, g.LedgerAddress.Hex())
		}
	}
	n.metrics.SetHeight(n.meta.Height)
	return n, nil
}

func (n *Node) initGenesis(g *genesis.Genesis) error {
	if err := genesis.Apply(g, n.state); err != nil {
		n.state.Discard()
		return err
	}
	meta := ChainMeta{
		ChainID:           g.ChainID,
		LedgerAddress:     g.LedgerAddress,
		StablecoinAddress: g.StablecoinAddress,
	}
	if unix := g.Time.Unix(); unix > 0 {
		meta.LastTimestamp = uint64(unix)
	}
	batch := storage.NewBatch()
	n.state.CommitTo(batch)
	if err := stageMeta(batch, meta); err != nil {
		return err
	}
	if err := n.db.Write(batch); err != nil {
		return fmt.Errorf("node: commit genesis: %w", err)
	}
	n.meta = meta
	n.logger.Info("genesis applied",
		slog.Uint64("chainId", g.ChainID),
		slog.String("ledger", g.LedgerAddress.Hex()),
		slog.Int("vendors", len(g.Vendors)),
		slog.Int("allocations", len(g.Alloc)))
	return nil
}

func stageMeta(batch *storage.Batch, meta ChainMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	batch.Put(metaKey, data)
	return nil
}

func receiptKey(hash string) []byte {
	return append(append([]byte{}, receiptPrefix...), []byte(strings.ToLower(hash))...)
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

// timestamp never goes backwards even if the wall clock does.
func (n *Node) timestamp() uint64 {
	now := n.clock().Unix()
	ts := uint64(0)
	if now > 0 {
		ts = uint64(now)
	}
	if ts < n.meta.LastTimestamp {
		ts = n.meta.LastTimestamp
	}
	return ts
}

// SubmitTransaction validates, applies and commits tx. Transactions with the
// wrong chain id, a bad signature or an unexpected nonce are rejected without
// being sequenced. A sequenced transaction always yields a receipt; when it
// failed, the receipt status is failed and none of its writes survive.
// Resubmitting an already sequenced transaction returns its receipt.
func (n *Node) SubmitTransaction(tx *types.Transaction) (*types.Receipt, error) {
	if tx == nil {
		return nil, coreerrors.ErrInvalidPayload
	}
	hash, err := tx.HashHex()
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, err := n.loadReceipt(hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, coreerrors.ErrTxNotFound) {
		return nil, err
	}
	if tx.ChainID != n.meta.ChainID {
		return nil, fmt.Errorf("%w: got %d, want %d", coreerrors.ErrInvalidChainID, tx.ChainID, n.meta.ChainID)
	}
	if !tx.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", coreerrors.ErrUnknownTxType, tx.Type)
	}
	sender, err := tx.From()
	if err != nil {
		return nil, errors.Join(coreerrors.ErrInvalidSignature, err)
	}
	expected, err := n.state.Nonce(sender)
	if err != nil {
		return nil, err
	}
	if tx.Nonce != expected {
		return nil, fmt.Errorf("%w: got %d, want %d", coreerrors.ErrInvalidNonce, tx.Nonce, expected)
	}

	ts := n.timestamp()
	emitted, applyErr, err := n.state.ApplyTransaction(sender, tx, int64(ts))
	if err != nil {
		return nil, err
	}

	// State, events, receipt and chain head are written as one batch; meta
	// only advances once the batch is stored.
	meta := n.meta
	meta.Height++
	meta.LastTimestamp = ts
	receipt := &types.Receipt{
		TxHash:    hash,
		Type:      tx.Type.String(),
		From:      sender,
		Nonce:     tx.Nonce,
		Status:    types.ReceiptStatusSuccess,
		Height:    meta.Height,
		Timestamp: int64(ts),
		Events:    emitted,
	}
	if receipt.Events == nil {
		receipt.Events = []types.Event{}
	}
	if applyErr != nil {
		receipt.Status = types.ReceiptStatusFailed
		receipt.ErrorCode = string(coreerrors.CodeOf(applyErr))
		receipt.Error = applyErr.Error()
	}
	batch := storage.NewBatch()
	n.state.CommitTo(batch)
	if err := stageEvents(batch, &meta, receipt); err != nil {
		return nil, err
	}
	if err := stageReceipt(batch, receipt); err != nil {
		return nil, err
	}
	if err := stageMeta(batch, meta); err != nil {
		return nil, err
	}
	if err := n.db.Write(batch); err != nil {
		return nil, fmt.Errorf("node: commit: %w", err)
	}
	n.meta = meta
	n.observe(receipt)
	return receipt, nil
}

func (n *Node) observe(receipt *types.Receipt) {
	n.metrics.RecordTx(receipt.Type, string(receipt.Status), receipt.ErrorCode)
	n.metrics.SetHeight(receipt.Height)
	for _, evt := range receipt.Events {
		amount, ok := new(big.Int).SetString(evt.Attributes["amount"], 10)
		if !ok {
			continue
		}
		switch evt.Type {
		case escrow.EventTypeOrderCreated:
			n.metrics.RecordEscrow("created", amount)
		case escrow.EventTypeOrderReleased:
			n.metrics.RecordEscrow("released", amount)
		case escrow.EventTypeOrderRefunded:
			n.metrics.RecordEscrow("refunded", amount)
		}
	}
	attrs := []any{
		slog.String("txHash", receipt.TxHash),
		slog.String("type", receipt.Type),
		slog.Uint64("height", receipt.Height),
		slog.String("status", string(receipt.Status)),
	}
	if receipt.ErrorCode != "" {
		attrs = append(attrs, slog.String("code", receipt.ErrorCode))
	}
	n.logger.Info("transaction sequenced", attrs...)
}

// stageEvents assigns sequence numbers from meta to the receipt's events.
func stageEvents(batch *storage.Batch, meta *ChainMeta, receipt *types.Receipt) error {
	for _, evt := range receipt.Events {
		meta.EventSequence++
		logged := types.LoggedEvent{
			Sequence:   meta.EventSequence,
			Height:     receipt.Height,
			TxHash:     receipt.TxHash,
			Timestamp:  receipt.Timestamp,
			Type:       evt.Type,
			Attributes: evt.Attributes,
		}
		data, err := json.Marshal(logged)
		if err != nil {
			return err
		}
		batch.Put(eventKey(logged.Sequence), data)
	}
	return nil
}

func stageReceipt(batch *storage.Batch, receipt *types.Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	batch.Put(receiptKey(receipt.TxHash), data)
	return nil
}

func (n *Node) loadReceipt(hash string) (*types.Receipt, error) {
	data, err := n.db.Get(receiptKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, coreerrors.ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	var receipt types.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Receipt returns the receipt for a sequenced transaction.
func (n *Node) Receipt(hash string) (*types.Receipt, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loadReceipt(hash)
}

// EventsSince returns up to limit events with a sequence greater than after,
// in sequence order.
func (n *Node) EventsSince(after uint64, limit int) ([]types.LoggedEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if after == math.MaxUint64 {
		return []types.LoggedEvent{}, nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.LoggedEvent, 0)
	var decodeErr error
	err := n.db.IterateFrom(eventPrefix, eventKey(after+1), func(key, value []byte) bool {
		if len(key) != len(eventPrefix)+8 {
			return true
		}
		var evt types.LoggedEvent
		if err := json.Unmarshal(value, &evt); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, evt)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Info returns the chain summary.
func (n *Node) Info() ChainInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return ChainInfo{
		ChainID:           n.meta.ChainID,
		Height:            n.meta.Height,
		LedgerAddress:     n.meta.LedgerAddress,
		StablecoinAddress: n.meta.StablecoinAddress,
		Decimals:          token.Decimals,
		EventSequence:     n.meta.EventSequence,
	}
}

// Nonce returns the next nonce expected from addr.
func (n *Node) Nonce(addr common.Address) (uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Nonce(addr)
}

// ComputeID derives the order identifier for orderRef on this ledger.
func (n *Node) ComputeID(orderRef string) common.Hash {
	return n.state.escrow.ComputeID(orderRef)
}

// Order returns the escrow record for id.
func (n *Node) Order(id common.Hash) (*escrow.Order, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	order, ok, err := n.state.escrow.Order(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, escrow.ErrOrderNotFound
	}
	return order, nil
}

// LedgerConfig returns the escrow fee and ownership configuration.
func (n *Node) LedgerConfig() (*escrow.Config, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.escrow.Config()
}

// BalanceOf returns the stablecoin balance of addr.
func (n *Node) BalanceOf(addr common.Address) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.token.BalanceOf(addr)
}

// Allowance returns the stablecoin allowance owner granted spender.
func (n *Node) Allowance(owner, spender common.Address) (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.token.Allowance(owner, spender)
}

// TotalSupply returns the stablecoin supply.
func (n *Node) TotalSupply() (*big.Int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.token.TotalSupply()
}

// IsVendor reports whether addr may receive escrowed funds.
func (n *Node) IsVendor(addr common.Address) (bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.vendors.IsVendor(addr)
}

// RefundAvailableAt returns the ledger time from which the buyer of id may
// refund, or zero when buyer refunds are disabled.
func (n *Node) RefundAvailableAt(id common.Hash) (uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.escrow.RefundAvailableAt(id)
}

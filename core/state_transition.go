package core

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"credify/core/events"
	coreerrors "credify/core/errors"
	ledgerstate "credify/core/state"
	"credify/core/types"
	"credify/native/escrow"
	"credify/native/token"
	"credify/native/vendor"
	"credify/storage"
)

// StateProcessor applies transactions to ledger state. It owns the journaled
// state manager and the three native modules that share it.
type StateProcessor struct {
	state   *ledgerstate.Manager
	token   *token.Ledger
	vendors *vendor.Registry
	escrow  *escrow.Engine
	buffer  *events.Buffer
	now     int64
}

// NewStateProcessor wires the token ledger, vendor registry and escrow engine
// over db. ledger is the custody address of the escrow.
func NewStateProcessor(db storage.Database, ledger common.Address) *StateProcessor {
	mgr := ledgerstate.NewManager(db)
	sp := &StateProcessor{
		state:   mgr,
		token:   token.NewLedger(mgr),
		vendors: vendor.NewRegistry(mgr),
		escrow:  escrow.NewEngine(ledger),
		buffer:  &events.Buffer{},
	}
	sp.token.SetEmitter(sp.buffer)
	sp.vendors.SetEmitter(sp.buffer)
	sp.escrow.SetState(mgr)
	sp.escrow.SetToken(sp.token)
	sp.escrow.SetVendorRegistry(sp.vendors)
	sp.escrow.SetEmitter(sp.buffer)
	sp.escrow.SetNowFunc(func() int64 { return sp.now })
	return sp
}

func nonceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("account/nonce/%s", strings.ToLower(addr.Hex())))
}

// Nonce returns the next expected nonce of addr.
func (sp *StateProcessor) Nonce(addr common.Address) (uint64, error) {
	var nonce uint64
	if _, err := sp.state.KVGet(nonceKey(addr), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

func (sp *StateProcessor) bumpNonce(addr common.Address) error {
	nonce, err := sp.Nonce(addr)
	if err != nil {
		return err
	}
	return sp.state.KVPut(nonceKey(addr), nonce+1)
}

// InitLedger, SetVendor and Mint let genesis write through the processor.
func (sp *StateProcessor) InitLedger(cfg escrow.Config) error { return sp.escrow.InitConfig(cfg) }

func (sp *StateProcessor) SetVendor(addr common.Address, authorized bool, now uint64) error {
	return sp.vendors.SetVendor(addr, authorized, now)
}

func (sp *StateProcessor) Mint(to common.Address, amount *big.Int) error {
	return sp.token.Mint(to, amount)
}

// ApplyTransaction executes tx on behalf of sender at ledger time now. State
// writes and events are discarded when the transaction fails; the sender
// nonce advances either way. txErr describes a transaction failure and is
// recorded in the receipt; err reports a storage failure, in which case
// nothing was applied.
func (sp *StateProcessor) ApplyTransaction(sender common.Address, tx *types.Transaction, now int64) (emitted []types.Event, txErr error, err error) {
	sp.now = now
	sp.buffer.Reset()
	snap := sp.state.Snapshot()
	txErr = sp.handleNativeTransaction(sender, tx)
	if txErr != nil {
		sp.state.Revert(snap)
		sp.buffer.Reset()
	}
	if err := sp.bumpNonce(sender); err != nil {
		sp.state.Discard()
		return nil, nil, fmt.Errorf("bump nonce: %w", err)
	}
	return sp.buffer.Events(), txErr, nil
}

// CommitTo stages the writes of the applied transaction into b.
func (sp *StateProcessor) CommitTo(b *storage.Batch) { sp.state.CommitTo(b) }

// Discard drops uncommitted writes.
func (sp *StateProcessor) Discard() { sp.state.Discard() }

func (sp *StateProcessor) handleNativeTransaction(sender common.Address, tx *types.Transaction) error {
	switch tx.Type {
	case types.TxTypeTransfer:
		var p types.TransferPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.token.Transfer(sender, p.To, p.Amount)
	case types.TxTypeApprove:
		var p types.ApprovePayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.token.Approve(sender, p.Spender, p.Amount)
	case types.TxTypeMint:
		var p types.MintPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := sp.requireOwner(sender, "mint"); err != nil {
			return err
		}
		return sp.token.Mint(p.To, p.Amount)
	case types.TxTypeCreateOrder:
		var p types.CreateOrderPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		_, err := sp.escrow.CreateOrder(sender, p.Vendor, p.Amount, p.OrderRef)
		return err
	case types.TxTypeReleaseOrder:
		var p types.OrderPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		_, err := sp.escrow.Release(p.OrderID, sender)
		return err
	case types.TxTypeRefundOrder:
		var p types.OrderPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		_, err := sp.escrow.Refund(p.OrderID, sender)
		return err
	case types.TxTypeSetVendor:
		var p types.SetVendorPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		if err := sp.requireOwner(sender, "setVendor"); err != nil {
			return err
		}
		return sp.vendors.SetVendor(p.Vendor, p.Authorized, uint64(sp.now))
	case types.TxTypeSetFeeBps:
		var p types.SetFeeBpsPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.escrow.SetFeeBps(sender, p.FeeBps)
	case types.TxTypeSetFeeRecipient:
		var p types.SetFeeRecipientPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.escrow.SetFeeRecipient(sender, p.Recipient)
	case types.TxTypeSetRefundTimeout:
		var p types.SetRefundTimeoutPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.escrow.SetRefundTimeout(sender, p.Seconds)
	case types.TxTypeTransferOwnership:
		var p types.TransferOwnershipPayload
		if err := decodePayload(tx, &p); err != nil {
			return err
		}
		return sp.escrow.TransferOwnership(sender, p.NewOwner)
	case types.TxTypeAcceptOwnership:
		return sp.escrow.AcceptOwnership(sender)
	}
	return fmt.Errorf("%w: %d", coreerrors.ErrUnknownTxType, tx.Type)
}

func (sp *StateProcessor) requireOwner(sender common.Address, action string) error {
	ok, err := sp.escrow.IsOwner(sender)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s requires owner", escrow.ErrUnauthorized, action)
	}
	return nil
}

func decodePayload(tx *types.Transaction, out interface{}) error {
	if err := tx.DecodePayload(out); err != nil {
		return errors.Join(coreerrors.ErrInvalidPayload, err)
	}
	return nil
}

package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"credify/core/events"
)

// Decimals is the number of fractional digits of the settlement stablecoin.
const Decimals = 6

var (
	// ErrInsufficientBalance is returned when the debited account cannot cover
	// the amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance is returned when a spender pulls more than the
	// owner approved.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrInvalidAmount rejects nil or negative amounts.
	ErrInvalidAmount = errors.New("token: invalid amount")
	// ErrZeroAddress rejects transfers and approvals involving the zero address.
	ErrZeroAddress = errors.New("token: zero address")
	// ErrOverflow is returned when a balance or the supply would exceed 256 bits.
	ErrOverflow = errors.New("token: arithmetic overflow")

	errNilState = errors.New("token: state not configured")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Ledger implements the fungible-token surface the escrow relies on: balances,
// allowances, transfer, transferFrom and owner-driven issuance. Amounts are in
// the smallest unit (10^-Decimals).
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger creates a token ledger with a no-op emitter.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Nil restores the no-op emitter.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("token/balance/%s", strings.ToLower(addr.Hex())))
}

func allowanceKey(owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("token/allowance/%s/%s", strings.ToLower(owner.Hex()), strings.ToLower(spender.Hex())))
}

var supplyKey = []byte("token/supply")

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	stored := new(big.Int)
	ok, err := l.state.KVGet(key, stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	value, overflow := uint256.FromBig(stored)
	if overflow {
		return nil, ErrOverflow
	}
	return value, nil
}

func (l *Ledger) store(key []byte, value *uint256.Int) error {
	return l.state.KVPut(key, value.ToBig())
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	return value, nil
}

// BalanceOf returns the balance of addr.
func (l *Ledger) BalanceOf(addr common.Address) (*big.Int, error) {
	value, err := l.load(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// Allowance returns how much spender may still pull from owner.
func (l *Ledger) Allowance(owner, spender common.Address) (*big.Int, error) {
	value, err := l.load(allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// TotalSupply returns the number of units in circulation.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	value, err := l.load(supplyKey)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// Approve overwrites the allowance owner grants spender.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if l == nil || l.state == nil {
		return errNilState
	}
	if err := l.store(allowanceKey(owner, spender), value); err != nil {
		return err
	}
	l.emit(newApprovalEvent(owner, spender, value.ToBig()))
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if err := l.move(from, to, value); err != nil {
		return err
	}
	l.emit(newTransferEvent(from, to, value.ToBig()))
	return nil
}

// TransferFrom lets spender move amount out of from's balance, consuming the
// allowance from granted to spender.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	allowance, err := l.load(allowanceKey(from, spender))
	if err != nil {
		return err
	}
	if allowance.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance.Dec(), value.Dec())
	}
	if err := l.move(from, to, value); err != nil {
		return err
	}
	remaining := new(uint256.Int).Sub(allowance, value)
	if err := l.store(allowanceKey(from, spender), remaining); err != nil {
		return err
	}
	l.emit(newTransferEvent(from, to, value.ToBig()))
	return nil
}

// Mint credits amount to to and grows the supply. Authorization is enforced
// by the caller.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	supply, err := l.load(supplyKey)
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, value)
	if overflow {
		return ErrOverflow
	}
	balance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	// Balances never exceed supply, so this cannot overflow once supply did not.
	newBalance := new(uint256.Int).Add(balance, value)
	if err := l.store(supplyKey, newSupply); err != nil {
		return err
	}
	if err := l.store(balanceKey(to), newBalance); err != nil {
		return err
	}
	l.emit(newTransferEvent(common.Address{}, to, value.ToBig()))
	return nil
}

func (l *Ledger) move(from, to common.Address, value *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBalance, err := l.load(balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance.Dec(), value.Dec())
	}
	if from == to {
		return nil
	}
	toBalance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	newTo, overflow := new(uint256.Int).AddOverflow(toBalance, value)
	if overflow {
		return ErrOverflow
	}
	if err := l.store(balanceKey(from), new(uint256.Int).Sub(fromBalance, value)); err != nil {
		return err
	}
	return l.store(balanceKey(to), newTo)
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(evt)
}

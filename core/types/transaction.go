package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer          TxType = 0x01 // Stablecoin transfer
	TxTypeApprove           TxType = 0x02 // Stablecoin allowance
	TxTypeMint              TxType = 0x03 // Owner-only stablecoin issuance
	TxTypeCreateOrder       TxType = 0x10 // Buyer locks funds for an order
	TxTypeReleaseOrder      TxType = 0x11 // Pay the vendor minus the protocol fee
	TxTypeRefundOrder       TxType = 0x12 // Return the locked amount to the buyer
	TxTypeSetVendor         TxType = 0x20
	TxTypeSetFeeBps         TxType = 0x21
	TxTypeSetFeeRecipient   TxType = 0x22
	TxTypeSetRefundTimeout  TxType = 0x23
	TxTypeTransferOwnership TxType = 0x24
	TxTypeAcceptOwnership   TxType = 0x25
)

var txTypeNames = map[TxType]string{
	TxTypeTransfer:          "transfer",
	TxTypeApprove:           "approve",
	TxTypeMint:              "mint",
	TxTypeCreateOrder:       "createOrder",
	TxTypeReleaseOrder:      "release",
	TxTypeRefundOrder:       "refund",
	TxTypeSetVendor:         "setVendor",
	TxTypeSetFeeBps:         "setFeeBps",
	TxTypeSetFeeRecipient:   "setFeeRecipient",
	TxTypeSetRefundTimeout:  "setRefundTimeout",
	TxTypeTransferOwnership: "transferOwnership",
	TxTypeAcceptOwnership:   "acceptOwnership",
}

// String returns the canonical lower camel case name of the transaction type.
func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Valid reports whether the type is one the executor understands.
func (t TxType) Valid() bool {
	_, ok := txTypeNames[t]
	return ok
}

var errMissingSignature = errors.New("transaction: missing signature")

// Transaction is a signed instruction for the ledger. Data carries the JSON
// encoded payload matching Type.
type Transaction struct {
	ChainID uint64          `json:"chainId"`
	Type    TxType          `json:"type"`
	Nonce   uint64          `json:"nonce"`
	Data    json.RawMessage `json:"data,omitempty"`

	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`

	from *common.Address
}

// NewTransaction builds an unsigned transaction with the JSON encoding of
// payload. A nil payload produces an empty data field.
func NewTransaction(chainID uint64, txType TxType, nonce uint64, payload interface{}) (*Transaction, error) {
	tx := &Transaction{ChainID: chainID, Type: txType, Nonce: nonce}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		tx.Data = data
	}
	return tx, nil
}

// DecodePayload unmarshals the data field into out.
func (tx *Transaction) DecodePayload(out interface{}) error {
	if len(tx.Data) == 0 {
		return fmt.Errorf("%s: missing payload", tx.Type)
	}
	if err := json.Unmarshal(tx.Data, out); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", tx.Type, err)
	}
	return nil
}

// Hash covers every field except the signature.
func (tx *Transaction) Hash() ([]byte, error) {
	txData := struct {
		ChainID uint64
		Type    TxType
		Nonce   uint64
		Data    []byte
	}{tx.ChainID, tx.Type, tx.Nonce, tx.Data}

	b, err := json.Marshal(txData)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// HashHex returns the 0x-prefixed transaction hash.
func (tx *Transaction) HashHex() (string, error) {
	hash, err := tx.Hash()
	if err != nil {
		return "", err
	}
	return common.BytesToHash(hash).Hex(), nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers the signer address from the signature.
func (tx *Transaction) From() (common.Address, error) {
	if tx.from != nil {
		return *tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return common.Address{}, errMissingSignature
	}
	hash, err := tx.Hash()
	if err != nil {
		return common.Address{}, err
	}
	rBytes, sBytes := tx.R.Bytes(), tx.S.Bytes()
	if len(rBytes) > 32 || len(sBytes) > 32 || tx.V.Uint64() < 27 {
		return common.Address{}, fmt.Errorf("transaction: malformed signature")
	}
	sig := make([]byte, 65)
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(*pubKey)
	tx.from = &addr
	return addr, nil
}

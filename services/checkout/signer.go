package checkout

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"credify/core/types"
	"credify/crypto"
)

// Signer authorises transactions on behalf of one account. The orchestrator
// is driven by the buyer's signer for checkout and by the operator's signer
// for administrative release and refund.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) error
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key *crypto.PrivateKey
}

func NewKeySigner(key *crypto.PrivateKey) (*KeySigner, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("checkout: signing key required")
	}
	return &KeySigner{key: key}, nil
}

func (s *KeySigner) Address() common.Address { return s.key.Address() }

func (s *KeySigner) SignTx(tx *types.Transaction) error {
	return tx.Sign(s.key.PrivateKey)
}

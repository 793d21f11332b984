package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	coreerrors "credify/core/errors"
	"credify/core/types"
	"credify/crypto"
	"credify/sdk/client"
	"credify/services/checkout"
)

// sendSigned builds, signs and submits one transaction from key. A failed
// receipt is returned together with the typed ledger error it carries.
func sendSigned(ctx context.Context, ledger *client.Client, key *crypto.PrivateKey, txType types.TxType, payload interface{}) (*types.Receipt, error) {
	info, err := ledger.ChainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain info: %w", err)
	}
	nonce, err := ledger.Nonce(ctx, key.Address())
	if err != nil {
		return nil, fmt.Errorf("query nonce: %w", err)
	}
	tx, err := types.NewTransaction(info.ChainID, txType, nonce, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(key.PrivateKey); err != nil {
		return nil, fmt.Errorf("sign %s: %w", txType, err)
	}
	receipt, err := ledger.SendTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		if typed := coreerrors.FromCode(coreerrors.Code(receipt.ErrorCode), receipt.Error); typed != nil {
			return receipt, typed
		}
		return receipt, errors.New(receipt.Error)
	}
	return receipt, nil
}

// submitFromKeystore unlocks keystorePath and submits one transaction,
// printing the receipt.
func submitFromKeystore(keystorePath string, txType types.TxType, payload interface{}, stdout, stderr io.Writer) int {
	key, err := loadKey(keystorePath)
	if err != nil {
		return printError(stderr, err)
	}
	ctx, cancel := commandContext()
	defer cancel()
	receipt, err := sendSigned(ctx, newLedger(), key, txType, payload)
	if receipt != nil {
		writeJSON(stdout, receipt)
	}
	if err != nil {
		return printError(stderr, fmt.Errorf("%s: %w", txType, err))
	}
	return 0
}

// parseStablecoin accepts a USD decimal ("12.50") and returns base units.
func parseStablecoin(flagName, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("--%s is required", flagName)
	}
	amount, err := checkout.ParseUSD(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flagName, err)
	}
	return amount, nil
}

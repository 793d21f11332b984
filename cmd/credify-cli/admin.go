package main

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"credify/core/types"
	"credify/crypto"
)

func requiredAddress(flagName, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, fmt.Errorf("--%s is required", flagName)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("--%s: %w", flagName, err)
	}
	return addr, nil
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("approve", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	amountRaw := flags.String("amount", "", "allowance in USD")
	spenderRaw := flags.String("spender", "", "spender address (defaults to the escrow ledger)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	amount, err := parseStablecoin("amount", *amountRaw)
	if err != nil {
		return printError(stderr, err)
	}
	var spender common.Address
	if *spenderRaw != "" {
		if spender, err = crypto.ParseAddress(*spenderRaw); err != nil {
			return printError(stderr, fmt.Errorf("--spender: %w", err))
		}
	} else {
		ctx, cancel := commandContext()
		info, err := newLedger().ChainInfo(ctx)
		cancel()
		if err != nil {
			return printError(stderr, err)
		}
		spender = info.LedgerAddress
	}
	return submitFromKeystore(*keystore, types.TxTypeApprove, types.ApprovePayload{Spender: spender, Amount: amount}, stdout, stderr)
}

func runTransfer(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("transfer", stderr)
	keystore := flags.String("keystore", defaultKeystore, "sender keystore")
	toRaw := flags.String("to", "", "recipient address")
	amountRaw := flags.String("amount", "", "amount in USD")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	to, err := requiredAddress("to", *toRaw)
	if err != nil {
		return printError(stderr, err)
	}
	amount, err := parseStablecoin("amount", *amountRaw)
	if err != nil {
		return printError(stderr, err)
	}
	return submitFromKeystore(*keystore, types.TxTypeTransfer, types.TransferPayload{To: to, Amount: amount}, stdout, stderr)
}

func runMint(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("mint", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	toRaw := flags.String("to", "", "recipient address")
	amountRaw := flags.String("amount", "", "amount in USD")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	to, err := requiredAddress("to", *toRaw)
	if err != nil {
		return printError(stderr, err)
	}
	amount, err := parseStablecoin("amount", *amountRaw)
	if err != nil {
		return printError(stderr, err)
	}
	return submitFromKeystore(*keystore, types.TxTypeMint, types.MintPayload{To: to, Amount: amount}, stdout, stderr)
}

func runSetVendor(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("set-vendor", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	vendorRaw := flags.String("vendor", "", "vendor address")
	authorized := flags.Bool("authorized", true, "grant (true) or revoke (false) vendor status")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	vendor, err := requiredAddress("vendor", *vendorRaw)
	if err != nil {
		return printError(stderr, err)
	}
	return submitFromKeystore(*keystore, types.TxTypeSetVendor, types.SetVendorPayload{Vendor: vendor, Authorized: *authorized}, stdout, stderr)
}

func runSetFeeBps(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("set-fee-bps", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	bps := flags.Int("bps", -1, "protocol fee in basis points")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *bps < 0 || *bps > math.MaxUint32 {
		return printError(stderr, errors.New("--bps must be a non-negative integer"))
	}
	// The ledger enforces the fee cap and reports invalid_fee_bps.
	return submitFromKeystore(*keystore, types.TxTypeSetFeeBps, types.SetFeeBpsPayload{FeeBps: uint32(*bps)}, stdout, stderr)
}

func runSetFeeRecipient(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("set-fee-recipient", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	recipientRaw := flags.String("recipient", "", "fee recipient address")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	recipient, err := requiredAddress("recipient", *recipientRaw)
	if err != nil {
		return printError(stderr, err)
	}
	return submitFromKeystore(*keystore, types.TxTypeSetFeeRecipient, types.SetFeeRecipientPayload{Recipient: recipient}, stdout, stderr)
}

func runSetRefundTimeout(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("set-refund-timeout", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	seconds := flags.Uint64("seconds", 0, "seconds after creation a buyer may self-refund (0 disables)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	return submitFromKeystore(*keystore, types.TxTypeSetRefundTimeout, types.SetRefundTimeoutPayload{Seconds: *seconds}, stdout, stderr)
}

func runTransferOwnership(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("transfer-ownership", stderr)
	keystore := flags.String("keystore", defaultKeystore, "owner keystore")
	newOwnerRaw := flags.String("new-owner", "", "address nominated as owner")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	newOwner, err := requiredAddress("new-owner", *newOwnerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	return submitFromKeystore(*keystore, types.TxTypeTransferOwnership, types.TransferOwnershipPayload{NewOwner: newOwner}, stdout, stderr)
}

func runAcceptOwnership(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("accept-ownership", stderr)
	keystore := flags.String("keystore", defaultKeystore, "nominated owner keystore")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	return submitFromKeystore(*keystore, types.TxTypeAcceptOwnership, nil, stdout, stderr)
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"credify/crypto"
	"credify/services/checkout"
)

func singleAddressArg(name string, args []string, stderr io.Writer) (common.Address, bool) {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "Error: %s requires exactly one address\n", name)
		return common.Address{}, false
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return common.Address{}, false
	}
	return addr, true
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	addr, ok := singleAddressArg("balance", args, stderr)
	if !ok {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	balance, err := newLedger().BalanceOf(ctx, addr)
	if err != nil {
		return printError(stderr, fmt.Errorf("balance %s via %s: %w", addr.Hex(), rpcEndpoint, err))
	}
	writeJSON(stdout, map[string]string{
		"address": addr.Hex(),
		"balance": balance.String(),
		"usd":     checkout.FormatUnits(balance, checkout.StablecoinDecimals),
	})
	return 0
}

func runAllowance(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("allowance", stderr)
	spenderRaw := flags.String("spender", "", "spender address (defaults to the escrow ledger)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	owner, ok := singleAddressArg("allowance", flags.Args(), stderr)
	if !ok {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	ledger := newLedger()
	var spender common.Address
	if strings.TrimSpace(*spenderRaw) != "" {
		parsed, err := crypto.ParseAddress(*spenderRaw)
		if err != nil {
			return printError(stderr, err)
		}
		spender = parsed
	} else {
		info, err := ledger.ChainInfo(ctx)
		if err != nil {
			return printError(stderr, err)
		}
		spender = info.LedgerAddress
	}
	allowance, err := ledger.Allowance(ctx, owner, spender)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, map[string]string{
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": allowance.String(),
	})
	return 0
}

// orderIDFlags resolves --ref or --id into an order id.
type orderIDFlags struct {
	ref string
	id  string
}

func (o *orderIDFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&o.ref, "ref", "", "storefront order reference")
	flags.StringVar(&o.id, "id", "", "0x-prefixed 32-byte order id")
}

func (o *orderIDFlags) resolve(computeID func(string) (common.Hash, error)) (common.Hash, error) {
	ref, id := strings.TrimSpace(o.ref), strings.TrimSpace(o.id)
	switch {
	case ref != "" && id != "":
		return common.Hash{}, errors.New("use either --ref or --id, not both")
	case id != "":
		if !strings.HasPrefix(id, "0x") || len(common.FromHex(id)) != common.HashLength {
			return common.Hash{}, errors.New("--id must be a 0x-prefixed 32-byte hex string")
		}
		return common.HexToHash(id), nil
	case ref != "":
		return computeID(ref)
	default:
		return common.Hash{}, errors.New("--ref or --id is required")
	}
}

func runOrder(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("order", stderr)
	var target orderIDFlags
	target.register(flags)
	if err := flags.Parse(args); err != nil {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	ledger := newLedger()
	id, err := target.resolve(func(ref string) (common.Hash, error) { return ledger.ComputeID(ctx, ref) })
	if err != nil {
		return printError(stderr, err)
	}
	order, err := ledger.Order(ctx, id)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, order)
	return 0
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "Error: config takes no arguments")
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	cfg, err := newLedger().LedgerConfig(ctx)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, cfg)
	return 0
}

func runVendorStatus(args []string, stdout, stderr io.Writer) int {
	addr, ok := singleAddressArg("vendor", args, stderr)
	if !ok {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	authorized, err := newLedger().IsVendor(ctx, addr)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, map[string]interface{}{"vendor": addr.Hex(), "authorized": authorized})
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("events", stderr)
	after := flags.Uint64("after", 0, "return events after this sequence")
	limit := flags.Int("limit", 100, "maximum events to return")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	result, err := newLedger().EventsSince(ctx, *after, *limit)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

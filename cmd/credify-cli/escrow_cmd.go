package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"credify/crypto"
	"credify/services/checkout"
)

// exitUnknown signals that a transaction was submitted but its effect was not
// observed. Scripts should run reconcile before retrying.
const exitUnknown = 2

type resultView struct {
	Operation      string `json:"operation"`
	Outcome        string `json:"outcome"`
	OrderRef       string `json:"orderRef,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	TxHash         string `json:"txHash,omitempty"`
	ApprovalTxHash string `json:"approvalTxHash,omitempty"`
	Buyer          string `json:"buyer,omitempty"`
	Amount         string `json:"amount,omitempty"`
	AmountUSD      string `json:"amountUsd,omitempty"`
	State          string `json:"state,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newResultView(res *checkout.Result, err error) resultView {
	view := resultView{}
	if res != nil {
		view.Operation = res.Operation
		view.Outcome = string(res.Outcome)
		view.OrderRef = res.OrderRef
		if res.OrderID != (common.Hash{}) {
			view.OrderID = res.OrderID.Hex()
		}
		view.TxHash = res.TxHash
		view.ApprovalTxHash = res.ApprovalTxHash
		if res.Buyer != (common.Address{}) {
			view.Buyer = res.Buyer.Hex()
		}
		if res.Amount != nil {
			view.Amount = res.Amount.String()
			view.AmountUSD = checkout.FormatUnits(res.Amount, checkout.StablecoinDecimals)
		}
		view.State = res.State
	}
	if err != nil {
		view.Error = err.Error()
	}
	return view
}

// reportResult prints the outcome and maps it to an exit code.
func reportResult(res *checkout.Result, err error, stdout, stderr io.Writer) int {
	writeJSON(stdout, newResultView(res, err))
	if res != nil && res.Outcome == checkout.OutcomeUnknown {
		fmt.Fprintln(stderr, "Warning: outcome unknown. Run credify-cli reconcile before retrying.")
		return exitUnknown
	}
	if err != nil {
		return printError(stderr, err)
	}
	return 0
}

func newOrchestrator(key *crypto.PrivateKey, opts ...checkout.Option) (*checkout.Orchestrator, error) {
	signer, err := checkout.NewKeySigner(key)
	if err != nil {
		return nil, err
	}
	return checkout.NewOrchestrator(newLedger(), signer, opts...)
}

func runPay(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("pay", stderr)
	keystore := flags.String("keystore", defaultKeystore, "buyer keystore")
	ref := flags.String("ref", "", "storefront order reference")
	vendorRaw := flags.String("vendor", "", "vendor address")
	usd := flags.String("usd", "", "order amount in USD (e.g. 12.50)")
	email := flags.String("email", "", "buyer email passed to the gateway")
	ageRestricted := flags.Bool("age-restricted", false, "mark the order as age restricted; requires --gateway to check the buyer's age proof")
	gateway := flags.String("gateway", os.Getenv("CREDIFY_GATEWAY_URL"), "escrow gateway base URL used to record the order")
	gatewayToken := flags.String("gateway-token", os.Getenv("CREDIFY_GATEWAY_TOKEN"), "bearer token for the escrow gateway")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*ref) == "" {
		return printError(stderr, errors.New("--ref is required"))
	}
	vendor, err := crypto.ParseAddress(*vendorRaw)
	if err != nil {
		return printError(stderr, fmt.Errorf("--vendor: %w", err))
	}
	if _, err := parseStablecoin("usd", *usd); err != nil {
		return printError(stderr, err)
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return printError(stderr, err)
	}
	var opts []checkout.Option
	if base := strings.TrimSpace(*gateway); base != "" {
		sink := checkout.NewGatewaySink(base, strings.TrimSpace(*gatewayToken), &http.Client{Timeout: 15 * time.Second})
		opts = append(opts, checkout.WithSink(sink), checkout.WithAgeVerifier(sink))
	}
	orch, err := newOrchestrator(key, opts...)
	if err != nil {
		return printError(stderr, err)
	}
	ctx, cancel := commandContext()
	defer cancel()
	res, err := orch.Checkout(ctx, checkout.Purchase{
		OrderRef:      *ref,
		Vendor:        vendor,
		AmountUSD:     *usd,
		Email:         *email,
		AgeRestricted: *ageRestricted,
	})
	return reportResult(res, err, stdout, stderr)
}

func runSettle(op string, args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet(op, stderr)
	keystore := flags.String("keystore", defaultKeystore, "buyer or owner keystore")
	var target orderIDFlags
	target.register(flags)
	if err := flags.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return printError(stderr, err)
	}
	orch, err := newOrchestrator(key)
	if err != nil {
		return printError(stderr, err)
	}
	ctx, cancel := commandContext()
	defer cancel()
	ledger := newLedger()
	id, err := target.resolve(func(ref string) (common.Hash, error) { return ledger.ComputeID(ctx, ref) })
	if err != nil {
		return printError(stderr, err)
	}
	settle := orch.Release
	if op == "refund" {
		settle = orch.Refund
	}
	res, err := settle(ctx, id)
	return reportResult(res, err, stdout, stderr)
}

func runReconcile(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("reconcile", stderr)
	keystore := flags.String("keystore", defaultKeystore, "buyer keystore")
	ref := flags.String("ref", "", "storefront order reference")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*ref) == "" {
		return printError(stderr, errors.New("--ref is required"))
	}
	key, err := loadKey(*keystore)
	if err != nil {
		return printError(stderr, err)
	}
	orch, err := newOrchestrator(key)
	if err != nil {
		return printError(stderr, err)
	}
	ctx, cancel := commandContext()
	defer cancel()
	res, err := orch.Reconcile(ctx, *ref)
	return reportResult(res, err, stdout, stderr)
}

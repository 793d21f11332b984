package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"credify/cmd/internal/passphrase"
	"credify/sdk/client"
)

const (
	keyPassEnv      = "CREDIFY_KEY_PASS"
	defaultKeystore = "wallet.keystore"
	commandTimeout  = 60 * time.Second
)

var (
	stdin            io.Reader = os.Stdin
	rpcEndpoint      = defaultRPCEndpoint() // overridden by --rpc
	rpcAuthToken     = strings.TrimSpace(os.Getenv("CREDIFY_RPC_TOKEN"))
	keyPassphrase    = passphrase.NewSource(keyPassEnv, "wallet").Get
	// Creating a keystore asks for the passphrase twice when prompting.
	newKeyPassphrase = passphrase.NewSource(keyPassEnv, "wallet", passphrase.WithConfirmation()).Get
	newLedger        = func() *client.Client {
		return client.New(rpcEndpoint, client.WithAuthToken(rpcAuthToken))
	}
)

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	command, rest := args[0], args[1:]
	switch command {
	case "generate-key":
		return runGenerateKey(rest, stdout, stderr)
	case "import-key":
		return runImportKey(rest, stdin, stdout, stderr)
	case "address":
		return runAddress(rest, stdout, stderr)
	case "balance":
		return runBalance(rest, stdout, stderr)
	case "allowance":
		return runAllowance(rest, stdout, stderr)
	case "order":
		return runOrder(rest, stdout, stderr)
	case "config":
		return runConfig(rest, stdout, stderr)
	case "vendor":
		return runVendorStatus(rest, stdout, stderr)
	case "events":
		return runEvents(rest, stdout, stderr)
	case "approve":
		return runApprove(rest, stdout, stderr)
	case "transfer":
		return runTransfer(rest, stdout, stderr)
	case "pay":
		return runPay(rest, stdout, stderr)
	case "release":
		return runSettle("release", rest, stdout, stderr)
	case "refund":
		return runSettle("refund", rest, stdout, stderr)
	case "reconcile":
		return runReconcile(rest, stdout, stderr)
	case "mint":
		return runMint(rest, stdout, stderr)
	case "set-vendor":
		return runSetVendor(rest, stdout, stderr)
	case "set-fee-bps":
		return runSetFeeBps(rest, stdout, stderr)
	case "set-fee-recipient":
		return runSetFeeRecipient(rest, stdout, stderr)
	case "set-refund-timeout":
		return runSetRefundTimeout(rest, stdout, stderr)
	case "transfer-ownership":
		return runTransferOwnership(rest, stdout, stderr)
	case "accept-ownership":
		return runAcceptOwnership(rest, stdout, stderr)
	case "export":
		return runExport(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("CREDIFY_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func writeJSON(w io.Writer, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: credify-cli [--rpc URL] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Keys and queries:")
	fmt.Fprintln(w, "  generate-key        - Create an encrypted keystore (--keystore)")
	fmt.Fprintln(w, "  import-key          - Encrypt a hex private key read from stdin")
	fmt.Fprintln(w, "  address             - Print the address of a keystore")
	fmt.Fprintln(w, "  balance <address>   - Stablecoin balance")
	fmt.Fprintln(w, "  allowance <owner>   - Allowance granted to the escrow ledger (or --spender)")
	fmt.Fprintln(w, "  order               - Read an escrow order (--ref or --id)")
	fmt.Fprintln(w, "  config              - Escrow fee configuration")
	fmt.Fprintln(w, "  vendor <address>    - Vendor authorization status")
	fmt.Fprintln(w, "  events              - Page through the node event log")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Buyer and settlement:")
	fmt.Fprintln(w, "  approve             - Allow the escrow ledger to pull stablecoin")
	fmt.Fprintln(w, "  transfer            - Send stablecoin")
	fmt.Fprintln(w, "  pay                 - Approve if needed and fund an escrow order")
	fmt.Fprintln(w, "  release             - Pay the vendor for an order")
	fmt.Fprintln(w, "  refund              - Return an order's funds to the buyer")
	fmt.Fprintln(w, "  reconcile           - Resolve the ledger state of an order reference")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Owner administration:")
	fmt.Fprintln(w, "  mint                - Issue stablecoin")
	fmt.Fprintln(w, "  set-vendor          - Authorize or revoke a vendor")
	fmt.Fprintln(w, "  set-fee-bps         - Change the protocol fee")
	fmt.Fprintln(w, "  set-fee-recipient   - Change the fee recipient")
	fmt.Fprintln(w, "  set-refund-timeout  - Let buyers self-refund after N seconds (0 disables)")
	fmt.Fprintln(w, "  transfer-ownership  - Nominate a new owner")
	fmt.Fprintln(w, "  accept-ownership    - Accept a pending ownership nomination")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Reporting:")
	fmt.Fprintln(w, "  export              - Write settled gateway orders to a Parquet file")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Keystore passphrases are read from %s or prompted for.\n", keyPassEnv)
}

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"credify/core"
	"credify/core/genesis"
	"credify/crypto"
	"credify/rpc"
	"credify/sdk/client"
	"credify/services/orders"
	"credify/storage"
)

const testPass = "cli-test-pass"

type cliFixture struct {
	dir           string
	ownerKeystore string
	buyerKeystore string
	buyer         common.Address
	vendor        common.Address
}

func withPassphrase(t *testing.T) {
	t.Helper()
	original, originalNew := keyPassphrase, newKeyPassphrase
	keyPassphrase = func() (string, error) { return testPass, nil }
	newKeyPassphrase = keyPassphrase
	t.Cleanup(func() { keyPassphrase, newKeyPassphrase = original, originalNew })
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	withPassphrase(t)
	f := &cliFixture{
		dir:    t.TempDir(),
		vendor: common.HexToAddress("0x00000000000000000000000000000000000000b7"),
	}
	owner, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate owner: %v", err)
	}
	f.ownerKeystore = filepath.Join(f.dir, "owner.keystore")
	if err := crypto.SaveToKeystore(f.ownerKeystore, owner, testPass); err != nil {
		t.Fatalf("save owner: %v", err)
	}

	f.buyerKeystore = filepath.Join(f.dir, "buyer.keystore")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"generate-key", "--keystore", f.buyerKeystore}, &stdout, &stderr); code != 0 {
		t.Fatalf("generate-key exit %d: %s", code, stderr.String())
	}
	var generated map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &generated); err != nil {
		t.Fatalf("decode generate-key output: %v", err)
	}
	f.buyer = common.HexToAddress(generated["address"])

	spec := &genesis.GenesisSpec{
		ChainID:           41,
		LedgerAddress:     "0x00000000000000000000000000000000000000e5",
		StablecoinAddress: "0x00000000000000000000000000000000000000c0",
		Owner:             owner.Address().Hex(),
		FeeRecipient:      "0x00000000000000000000000000000000000000fe",
		FeeBps:            100,
	}
	g, err := spec.Parse()
	if err != nil {
		t.Fatalf("parse genesis: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), g)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	srv := httptest.NewServer(rpc.NewServer(node, rpc.ServerConfig{TxRequestsPerMinute: 100000, TxBurst: 1000}, nil).Handler())
	t.Cleanup(srv.Close)

	originalLedger := newLedger
	newLedger = func() *client.Client { return client.New(srv.URL) }
	t.Cleanup(func() { newLedger = originalLedger })
	return f
}

func (f *cliFixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("%s exit %d: %s", strings.Join(args, " "), code, stderr.String())
	}
	return stdout.String()
}

func TestRunWithoutCommandPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: credify-cli") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
	stderr.Reset()
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for unknown command, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command: frobnicate") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := rpcEndpoint
	defer func() { rpcEndpoint = original }()

	rest, err := applyGlobalFlags([]string{"--rpc", "http://node:9000", "balance", "0x01"})
	if err != nil {
		t.Fatalf("apply flags: %v", err)
	}
	if rpcEndpoint != "http://node:9000" || len(rest) != 2 || rest[0] != "balance" {
		t.Fatalf("unexpected result endpoint=%s rest=%v", rpcEndpoint, rest)
	}
	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatalf("expected missing value error")
	}
}

func TestGenerateKeyRefusesOverwrite(t *testing.T) {
	withPassphrase(t)
	path := filepath.Join(t.TempDir(), "wallet.keystore")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"generate-key", "--keystore", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("generate-key exit %d: %s", code, stderr.String())
	}
	stderr.Reset()
	if code := run([]string{"generate-key", "--keystore", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected overwrite refusal, got exit %d", code)
	}
	if !strings.Contains(stderr.String(), "refusing to overwrite") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestImportKeyReadsStdin(t *testing.T) {
	withPassphrase(t)
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	original := stdin
	stdin = strings.NewReader(hex.EncodeToString(key.Bytes()) + "\n")
	defer func() { stdin = original }()

	path := filepath.Join(t.TempDir(), "imported.keystore")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"import-key", "--keystore", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("import-key exit %d: %s", code, stderr.String())
	}
	stdout.Reset()
	if code := run([]string{"address", "--keystore", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("address exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), key.Address().Hex()) {
		t.Fatalf("expected %s in %s", key.Address().Hex(), stdout.String())
	}
}

func TestOrderIDFlagsResolve(t *testing.T) {
	computed := common.HexToHash("0xaa")
	compute := func(string) (common.Hash, error) { return computed, nil }

	if _, err := (&orderIDFlags{}).resolve(compute); err == nil {
		t.Fatalf("expected error without --ref or --id")
	}
	if _, err := (&orderIDFlags{ref: "a", id: computed.Hex()}).resolve(compute); err == nil {
		t.Fatalf("expected error with both flags")
	}
	if _, err := (&orderIDFlags{id: "0x1234"}).resolve(compute); err == nil {
		t.Fatalf("expected short id rejection")
	}
	id, err := (&orderIDFlags{ref: "order-1"}).resolve(compute)
	if err != nil || id != computed {
		t.Fatalf("unexpected ref resolution %s %v", id.Hex(), err)
	}
}

func TestEscrowLifecycleThroughCLI(t *testing.T) {
	f := newCLIFixture(t)

	f.mustRun(t, "mint", "--keystore", f.ownerKeystore, "--to", f.buyer.Hex(), "--amount", "100")
	f.mustRun(t, "set-vendor", "--keystore", f.ownerKeystore, "--vendor", f.vendor.Hex())

	vendorOut := f.mustRun(t, "vendor", f.vendor.Hex())
	if !strings.Contains(vendorOut, `"authorized": true`) {
		t.Fatalf("vendor not authorized: %s", vendorOut)
	}

	payOut := f.mustRun(t, "pay", "--keystore", f.buyerKeystore, "--ref", "cli-order-1", "--vendor", f.vendor.Hex(), "--usd", "12.50")
	var paid resultView
	if err := json.Unmarshal([]byte(payOut), &paid); err != nil {
		t.Fatalf("decode pay output: %v", err)
	}
	if paid.Outcome != "confirmed" || paid.Amount != "12500000" || paid.ApprovalTxHash == "" {
		t.Fatalf("unexpected pay result %+v", paid)
	}

	// Paying the same reference again reports the existing escrow.
	var stdout, stderr bytes.Buffer
	if code := run([]string{"pay", "--keystore", f.buyerKeystore, "--ref", "cli-order-1", "--vendor", f.vendor.Hex(), "--usd", "12.50"}, &stdout, &stderr); code != 0 {
		t.Fatalf("repeat pay exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"outcome": "duplicate"`) {
		t.Fatalf("expected duplicate outcome, got %s", stdout.String())
	}

	orderOut := f.mustRun(t, "order", "--ref", "cli-order-1")
	if !strings.Contains(orderOut, `"state": "created"`) {
		t.Fatalf("unexpected order %s", orderOut)
	}

	f.mustRun(t, "release", "--keystore", f.buyerKeystore, "--ref", "cli-order-1")

	balanceOut := f.mustRun(t, "balance", f.vendor.Hex())
	var balance map[string]string
	if err := json.Unmarshal([]byte(balanceOut), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance["balance"] != "12375000" {
		t.Fatalf("expected vendor payout net of 1%% fee, got %s", balance["balance"])
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"refund", "--keystore", f.buyerKeystore, "--ref", "cli-order-1"}, &stdout, &stderr); code == 0 {
		t.Fatalf("expected refund of a released order to fail")
	}

	reconcileOut := f.mustRun(t, "reconcile", "--keystore", f.buyerKeystore, "--ref", "cli-order-1")
	if !strings.Contains(reconcileOut, `"state": "released"`) {
		t.Fatalf("unexpected reconcile output %s", reconcileOut)
	}
}

func TestOwnerCommandsReportLedgerErrors(t *testing.T) {
	f := newCLIFixture(t)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"set-fee-bps", "--keystore", f.ownerKeystore, "--bps", "10001"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), `"errorCode": "invalid_fee_bps"`) {
		t.Fatalf("expected failed receipt, got %s", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"mint", "--keystore", f.buyerKeystore, "--to", f.buyer.Hex(), "--amount", "5"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected non-owner mint to fail, got %d", code)
	}

	f.mustRun(t, "set-fee-bps", "--keystore", f.ownerKeystore, "--bps", "300")
	configOut := f.mustRun(t, "config")
	if !strings.Contains(configOut, "300") {
		t.Fatalf("fee not updated: %s", configOut)
	}

	f.mustRun(t, "transfer-ownership", "--keystore", f.ownerKeystore, "--new-owner", f.buyer.Hex())
	f.mustRun(t, "accept-ownership", "--keystore", f.buyerKeystore)
	f.mustRun(t, "mint", "--keystore", f.buyerKeystore, "--to", f.buyer.Hex(), "--amount", "5")
}

func TestExportWritesSettledOrders(t *testing.T) {
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "gateway.db")
	store, err := orders.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	for _, ref := range []string{"exp-1", "exp-2", "exp-3"} {
		if _, _, err := store.RecordOrder(ctx, orders.Order{
			OrderRef:      ref,
			EscrowID:      common.BytesToHash([]byte(ref)).Hex(),
			PaymentMethod: orders.MethodUSDC,
			Amount:        big.NewInt(1_000_000).String(),
			AmountUSD:     "1.00",
		}); err != nil {
			t.Fatalf("record %s: %v", ref, err)
		}
	}
	if _, err := store.UpdateStatus(ctx, "exp-1", orders.StatusReleased); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "exp-2", orders.StatusRefunded); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	out := filepath.Join(dir, "settled.parquet")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"export", "--database", dsn, "--out", out}, &stdout, &stderr); code != 0 {
		t.Fatalf("export exit %d: %s", code, stderr.String())
	}

	fr, err := local.NewLocalFileReader(out)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(settlementRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 settled rows, got %d", n)
	}
	rows := make([]settlementRow, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	seen := map[string]string{}
	for _, row := range rows {
		seen[row.OrderRef] = row.Status
		if row.SettledAt == "" {
			t.Fatalf("settled row %s missing settled_at", row.OrderRef)
		}
	}
	if seen["exp-1"] != "released" || seen["exp-2"] != "refunded" {
		t.Fatalf("unexpected rows %v", seen)
	}

	if code := run([]string{"export", "--database", dsn}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected missing --out to fail, got %d", code)
	}
}

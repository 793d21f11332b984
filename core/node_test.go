package core

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	coreerrors "credify/core/errors"
	"credify/core/genesis"
	"credify/core/types"
	"credify/native/escrow"
	"credify/native/token"
	"credify/storage"
)

const testChainID = 4242

type testAccount struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testAccount{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type testChain struct {
	node   *Node
	db     storage.Database
	gen    *genesis.Genesis
	owner  testAccount
	buyer  testAccount
	vendor testAccount
	fees   common.Address
	clock  time.Time
}

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	c := &testChain{
		db:     storage.NewMemDB(),
		owner:  newTestAccount(t),
		buyer:  newTestAccount(t),
		vendor: newTestAccount(t),
		fees:   common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		clock:  time.Unix(1_700_000_000, 0),
	}
	spec := &genesis.GenesisSpec{
		ChainID:           testChainID,
		LedgerAddress:     "0x00000000000000000000000000000000000000e5",
		StablecoinAddress: "0x00000000000000000000000000000000000000c0",
		Owner:             c.owner.addr.Hex(),
		FeeRecipient:      c.fees.Hex(),
		FeeBps:            500,
		Vendors:           []string{c.vendor.addr.Hex()},
		Alloc:             map[string]string{c.buyer.addr.Hex(): usdc(1000).String()},
	}
	gen, err := spec.Parse()
	if err != nil {
		t.Fatalf("parse genesis: %v", err)
	}
	c.gen = gen
	c.node = c.open(t)
	return c
}

func (c *testChain) open(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(c.db, c.gen, WithClock(func() time.Time { return c.clock }))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func (c *testChain) send(t *testing.T, from testAccount, txType types.TxType, payload interface{}) *types.Receipt {
	t.Helper()
	nonce, err := c.node.Nonce(from.addr)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	tx := signedTx(t, from, testChainID, txType, nonce, payload)
	receipt, err := c.node.SubmitTransaction(tx)
	if err != nil {
		t.Fatalf("submit %s: %v", txType, err)
	}
	return receipt
}

func signedTx(t *testing.T, from testAccount, chainID uint64, txType types.TxType, nonce uint64, payload interface{}) *types.Transaction {
	t.Helper()
	tx, err := types.NewTransaction(chainID, txType, nonce, payload)
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if err := tx.Sign(from.key); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func (c *testChain) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	bal, err := c.node.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (c *testChain) createOrder(t *testing.T, ref string, amount *big.Int) *types.Receipt {
	t.Helper()
	approve := c.send(t, c.buyer, types.TxTypeApprove, types.ApprovePayload{Spender: c.gen.LedgerAddress, Amount: amount})
	if !approve.Succeeded() {
		t.Fatalf("approve failed: %s", approve.Error)
	}
	return c.send(t, c.buyer, types.TxTypeCreateOrder, types.CreateOrderPayload{Vendor: c.vendor.addr, Amount: amount, OrderRef: ref})
}

func TestNodeAppliesGenesis(t *testing.T) {
	c := newTestChain(t)
	if got := c.balance(t, c.buyer.addr); got.Cmp(usdc(1000)) != 0 {
		t.Fatalf("buyer balance = %s", got)
	}
	ok, err := c.node.IsVendor(c.vendor.addr)
	if err != nil || !ok {
		t.Fatalf("vendor not authorized: %v", err)
	}
	cfg, err := c.node.LedgerConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Owner != c.owner.addr || cfg.FeeBps != 500 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	info := c.node.Info()
	if info.ChainID != testChainID || info.Height != 0 || info.Decimals != token.Decimals {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestNodeCheckoutAndRelease(t *testing.T) {
	c := newTestChain(t)
	receipt := c.createOrder(t, "order-1", usdc(100))
	if !receipt.Succeeded() {
		t.Fatalf("create failed: %s", receipt.Error)
	}
	created, ok := receipt.FindEvent(escrow.EventTypeOrderCreated)
	if !ok {
		t.Fatalf("missing created event in %+v", receipt.Events)
	}
	id := c.node.ComputeID("order-1")
	if created.Attributes["orderId"] != id.Hex() {
		t.Fatalf("event order id %s, want %s", created.Attributes["orderId"], id.Hex())
	}

	order, err := c.node.Order(id)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if order.State != escrow.OrderCreated || order.Buyer != c.buyer.addr || order.Amount.Cmp(usdc(100)) != 0 {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := c.balance(t, c.gen.LedgerAddress); got.Cmp(usdc(100)) != 0 {
		t.Fatalf("ledger custody = %s", got)
	}

	release := c.send(t, c.buyer, types.TxTypeReleaseOrder, types.OrderPayload{OrderID: id})
	if !release.Succeeded() {
		t.Fatalf("release failed: %s", release.Error)
	}
	if got := c.balance(t, c.vendor.addr); got.Cmp(usdc(95)) != 0 {
		t.Fatalf("vendor balance = %s", got)
	}
	if got := c.balance(t, c.fees); got.Cmp(usdc(5)) != 0 {
		t.Fatalf("fee balance = %s", got)
	}

	again := c.send(t, c.buyer, types.TxTypeReleaseOrder, types.OrderPayload{OrderID: id})
	if again.Succeeded() || again.ErrorCode != string(coreerrors.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %+v", again)
	}
	if len(again.Events) != 0 {
		t.Fatalf("failed tx must not emit events: %+v", again.Events)
	}
	if got := c.balance(t, c.vendor.addr); got.Cmp(usdc(95)) != 0 {
		t.Fatalf("vendor balance changed after failed release: %s", got)
	}
}

func TestNodeDuplicateOrderReceipt(t *testing.T) {
	c := newTestChain(t)
	if r := c.createOrder(t, "dup", usdc(10)); !r.Succeeded() {
		t.Fatalf("create failed: %s", r.Error)
	}
	second := c.createOrder(t, "dup", usdc(10))
	if second.Succeeded() {
		t.Fatalf("expected duplicate rejection")
	}
	if second.ErrorCode != string(coreerrors.CodeDuplicateOrder) {
		t.Fatalf("error code = %q", second.ErrorCode)
	}
	if !errors.Is(coreerrors.FromCode(coreerrors.Code(second.ErrorCode), second.Error), escrow.ErrDuplicateOrder) {
		t.Fatalf("code should map back to ErrDuplicateOrder")
	}
	if got := c.balance(t, c.gen.LedgerAddress); got.Cmp(usdc(10)) != 0 {
		t.Fatalf("ledger custody = %s", got)
	}
}

func TestNodeRejectsBeforeSequencing(t *testing.T) {
	c := newTestChain(t)
	payload := types.TransferPayload{To: c.vendor.addr, Amount: usdc(1)}

	tests := []struct {
		name string
		tx   *types.Transaction
		want error
	}{
		{"wrong chain", signedTx(t, c.buyer, testChainID+1, types.TxTypeTransfer, 0, payload), coreerrors.ErrInvalidChainID},
		{"bad nonce", signedTx(t, c.buyer, testChainID, types.TxTypeTransfer, 7, payload), coreerrors.ErrInvalidNonce},
		{"unknown type", signedTx(t, c.buyer, testChainID, types.TxType(0x7f), 0, payload), coreerrors.ErrUnknownTxType},
	}
	unsigned, err := types.NewTransaction(testChainID, types.TxTypeTransfer, 0, payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tests = append(tests, struct {
		name string
		tx   *types.Transaction
		want error
	}{"unsigned", unsigned, coreerrors.ErrInvalidSignature})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.node.SubmitTransaction(tc.tx)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if info := c.node.Info(); info.Height != 0 {
		t.Fatalf("rejected transactions must not advance height, got %d", info.Height)
	}
}

func TestNodeFailedTxBumpsNonce(t *testing.T) {
	c := newTestChain(t)
	receipt := c.send(t, c.buyer, types.TxTypeMint, types.MintPayload{To: c.buyer.addr, Amount: usdc(1)})
	if receipt.Succeeded() || receipt.ErrorCode != string(coreerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %+v", receipt)
	}
	nonce, err := c.node.Nonce(c.buyer.addr)
	if err != nil || nonce != 1 {
		t.Fatalf("nonce = %d, %v", nonce, err)
	}
	if receipt.Height != 1 {
		t.Fatalf("height = %d", receipt.Height)
	}
}

func TestNodeResubmitReturnsReceipt(t *testing.T) {
	c := newTestChain(t)
	tx := signedTx(t, c.buyer, testChainID, types.TxTypeTransfer, 0, types.TransferPayload{To: c.vendor.addr, Amount: usdc(1)})
	first, err := c.node.SubmitTransaction(tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := c.node.SubmitTransaction(tx)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.TxHash != first.TxHash || second.Height != first.Height {
		t.Fatalf("resubmission returned %+v, want %+v", second, first)
	}
	if got := c.balance(t, c.vendor.addr); got.Cmp(usdc(1)) != 0 {
		t.Fatalf("transfer applied twice: %s", got)
	}
	stored, err := c.node.Receipt(first.TxHash)
	if err != nil || stored.Height != first.Height {
		t.Fatalf("receipt lookup: %+v %v", stored, err)
	}
	if _, err := c.node.Receipt("0xdeadbeef"); !errors.Is(err, coreerrors.ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestNodeEventsSince(t *testing.T) {
	c := newTestChain(t)
	c.createOrder(t, "evt-1", usdc(3))
	c.createOrder(t, "evt-2", usdc(4))

	all, err := c.node.EventsSince(0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(all) == 0 {
		t.Fatalf("expected events")
	}
	for i, evt := range all {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, evt.Sequence)
		}
	}
	var created int
	for _, evt := range all {
		if evt.Type == escrow.EventTypeOrderCreated {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("expected 2 created events, got %d", created)
	}

	page, err := c.node.EventsSince(all[1].Sequence, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != all[2].Sequence {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestNodeReopenKeepsState(t *testing.T) {
	c := newTestChain(t)
	c.createOrder(t, "persist", usdc(20))

	reopened := c.open(t)
	info := reopened.Info()
	if info.Height != 2 {
		t.Fatalf("height after reopen = %d", info.Height)
	}
	order, err := reopened.Order(reopened.ComputeID("persist"))
	if err != nil || order.State != escrow.OrderCreated {
		t.Fatalf("order after reopen: %+v %v", order, err)
	}

	other := *c.gen
	other.ChainID = testChainID + 1
	if _, err := NewNode(c.db, &other); err == nil {
		t.Fatalf("expected chain id mismatch")
	}
}

type failingWrites struct {
	storage.Database
	fail bool
}

func (f *failingWrites) Write(b *storage.Batch) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Database.Write(b)
}

func TestNodeFailedCommitLeavesNoTrace(t *testing.T) {
	c := newTestChain(t)
	amount := usdc(40)
	approve := c.send(t, c.buyer, types.TxTypeApprove, types.ApprovePayload{Spender: c.gen.LedgerAddress, Amount: amount})
	if !approve.Succeeded() {
		t.Fatalf("approve failed: %s", approve.Error)
	}
	before := c.node.Info()

	db := &failingWrites{Database: c.db, fail: true}
	node, err := NewNode(db, c.gen, WithClock(func() time.Time { return c.clock }))
	if err != nil {
		t.Fatalf("open node: %v", err)
	}
	tx := signedTx(t, c.buyer, testChainID, types.TxTypeCreateOrder, 1, types.CreateOrderPayload{Vendor: c.vendor.addr, Amount: amount, OrderRef: "wine-9"})
	if _, err := node.SubmitTransaction(tx); err == nil {
		t.Fatalf("expected commit failure")
	}
	if info := node.Info(); info.Height != before.Height || info.EventSequence != before.EventSequence {
		t.Fatalf("chain head moved after failed commit: %+v, want %+v", info, before)
	}

	reopened := c.open(t)
	if _, err := reopened.Order(reopened.ComputeID("wine-9")); !errors.Is(err, escrow.ErrOrderNotFound) {
		t.Fatalf("order persisted without receipt: %v", err)
	}
	if nonce, err := reopened.Nonce(c.buyer.addr); err != nil || nonce != 1 {
		t.Fatalf("nonce after failed commit = %d, %v", nonce, err)
	}
	hash, err := tx.HashHex()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := reopened.Receipt(hash); !errors.Is(err, coreerrors.ErrTxNotFound) {
		t.Fatalf("expected no receipt, got %v", err)
	}

	db.fail = false
	receipt, err := node.SubmitTransaction(tx)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !receipt.Succeeded() || receipt.Height != before.Height+1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	events, err := node.EventsSince(before.EventSequence, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || events[0].Sequence != before.EventSequence+1 {
		t.Fatalf("event sequence not contiguous: %+v", events)
	}
}

func TestNodeRefundByOwner(t *testing.T) {
	c := newTestChain(t)
	c.createOrder(t, "refund-me", usdc(50))
	id := c.node.ComputeID("refund-me")

	byBuyer := c.send(t, c.buyer, types.TxTypeRefundOrder, types.OrderPayload{OrderID: id})
	if byBuyer.ErrorCode != string(coreerrors.CodeRefundNotAvailable) {
		t.Fatalf("buyer refund code = %q", byBuyer.ErrorCode)
	}
	byOwner := c.send(t, c.owner, types.TxTypeRefundOrder, types.OrderPayload{OrderID: id})
	if !byOwner.Succeeded() {
		t.Fatalf("owner refund failed: %s", byOwner.Error)
	}
	if got := c.balance(t, c.buyer.addr); got.Cmp(usdc(1000)) != 0 {
		t.Fatalf("buyer balance after refund = %s", got)
	}
}

package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"credify/core"
	coreerrors "credify/core/errors"
	"credify/core/genesis"
	"credify/core/types"
	"credify/native/escrow"
	"credify/rpc"
	"credify/storage"
)

type fixture struct {
	client *Client
	node   *core.Node
	buyer  *ecdsa.PrivateKey
	vendor common.Address
	ledger common.Address
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	buyer, err := crypto.GenerateKey()
	require.NoError(t, err)
	vendor := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	spec := &genesis.GenesisSpec{
		ChainID:           11,
		LedgerAddress:     "0x00000000000000000000000000000000000000e5",
		StablecoinAddress: "0x00000000000000000000000000000000000000c0",
		Owner:             "0x00000000000000000000000000000000000000a1",
		FeeRecipient:      "0x00000000000000000000000000000000000000fe",
		FeeBps:            100,
		Vendors:           []string{vendor.Hex()},
		Alloc:             map[string]string{crypto.PubkeyToAddress(buyer.PublicKey).Hex(): "10000000"},
	}
	g, err := spec.Parse()
	require.NoError(t, err)
	node, err := core.NewNode(storage.NewMemDB(), g)
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewServer(node, rpc.ServerConfig{AuthToken: "tok"}, nil).Handler())
	t.Cleanup(srv.Close)
	return &fixture{
		client: New(srv.URL, WithAuthToken("tok")),
		node:   node,
		buyer:  buyer,
		vendor: vendor,
		ledger: g.LedgerAddress,
		srv:    srv,
	}
}

func (f *fixture) send(t *testing.T, txType types.TxType, payload interface{}) *types.Receipt {
	t.Helper()
	ctx := context.Background()
	nonce, err := f.client.Nonce(ctx, crypto.PubkeyToAddress(f.buyer.PublicKey))
	require.NoError(t, err)
	tx, err := types.NewTransaction(11, txType, nonce, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(f.buyer))
	receipt, err := f.client.SendTransaction(ctx, tx)
	require.NoError(t, err)
	return receipt
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amount := big.NewInt(2_500_000)

	info, err := f.client.ChainInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(11), info.ChainID)
	require.Equal(t, f.ledger, info.LedgerAddress)

	require.True(t, f.send(t, types.TxTypeApprove, types.ApprovePayload{Spender: f.ledger, Amount: amount}).Succeeded())
	allowance, err := f.client.Allowance(ctx, crypto.PubkeyToAddress(f.buyer.PublicKey), f.ledger)
	require.NoError(t, err)
	require.Zero(t, allowance.Cmp(amount))

	receipt := f.send(t, types.TxTypeCreateOrder, types.CreateOrderPayload{Vendor: f.vendor, Amount: amount, OrderRef: "sdk-1"})
	require.True(t, receipt.Succeeded(), receipt.Error)

	id, err := f.client.ComputeID(ctx, "sdk-1")
	require.NoError(t, err)
	require.Equal(t, escrow.ComputeID(f.ledger, "sdk-1"), id)

	order, err := f.client.Order(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "created", order.State)
	require.Equal(t, "2500000", order.Amount)

	waited, err := f.client.WaitForReceipt(ctx, receipt.TxHash, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, receipt.Height, waited.Height)

	bal, err := f.client.BalanceOf(ctx, f.ledger)
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(amount))

	ok, err := f.client.IsVendor(ctx, f.vendor)
	require.NoError(t, err)
	require.True(t, ok)

	cfg, err := f.client.LedgerConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(100), cfg.FeeBps)

	supply, err := f.client.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, "10000000", supply.String())

	events, err := f.client.EventsSince(ctx, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events.Events)
}

func TestClientTypedErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Order(ctx, common.Hash{0xaa})
	require.ErrorIs(t, err, escrow.ErrOrderNotFound)

	_, err = f.client.Receipt(ctx, "0x01")
	require.ErrorIs(t, err, coreerrors.ErrTxNotFound)

	tx, err := types.NewTransaction(11, types.TxTypeTransfer, 5, types.TransferPayload{To: f.vendor, Amount: big.NewInt(1)})
	require.NoError(t, err)
	require.NoError(t, tx.Sign(f.buyer))
	_, err = f.client.SendTransaction(ctx, tx)
	require.ErrorIs(t, err, coreerrors.ErrInvalidNonce)

	unauthenticated := New(f.srv.URL)
	_, err = unauthenticated.SendTransaction(ctx, tx)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
}

func TestClientUnavailable(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()
	_, err := f.client.ChainInfo(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

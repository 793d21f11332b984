package checkout

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"credify/services/pricing"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  error
	}{
		{in: "12", want: 12_000_000},
		{in: "12.5", want: 12_500_000},
		{in: "$0.01", want: 10_000},
		{in: " 120.123456 ", want: 120_123_456},
		{in: ".75", want: 750_000},
		{in: "1.1234567", err: ErrTooPrecise},
		{in: "0.000000", err: ErrInvalidUSD},
		{in: "-3", err: ErrInvalidUSD},
		{in: "1e3", err: ErrInvalidUSD},
		{in: "12.", err: ErrInvalidUSD},
		{in: "", err: ErrInvalidUSD},
		{in: "1,000", err: ErrInvalidUSD},
	}
	for _, tc := range cases {
		got, err := ParseUSD(tc.in)
		if tc.err != nil {
			require.ErrorIs(t, err, tc.err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Zero(t, big.NewInt(tc.want).Cmp(got), "input %q: got %s", tc.in, got)
	}
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "12.50", FormatUnits(big.NewInt(12_500_000), 6))
	require.Equal(t, "0.000001", FormatUnits(big.NewInt(1), 6))
	require.Equal(t, "7.00", FormatUnits(big.NewInt(700), 2))
}

type staticRates map[string]*big.Rat

func (s staticRates) Rate(_ context.Context, symbol string) (pricing.Quote, error) {
	price, ok := s[symbol]
	if !ok {
		return pricing.Quote{}, pricing.ErrUnknownSymbol
	}
	return pricing.Quote{Symbol: symbol, USD: price, FetchedAt: time.Unix(0, 0), Origin: pricing.OriginFallback}, nil
}

func TestNativeAmount(t *testing.T) {
	rates := staticRates{
		pricing.SymbolAVAX: big.NewRat(30, 1),
		pricing.SymbolCCD:  big.NewRat(1, 10),
	}
	usd, err := ParseUSD("15")
	require.NoError(t, err)

	avax, quote, err := NativeAmount(context.Background(), rates, usd, pricing.SymbolAVAX, 18)
	require.NoError(t, err)
	require.Equal(t, pricing.OriginFallback, quote.Origin)
	want, _ := new(big.Int).SetString("500000000000000000", 10)
	require.Zero(t, want.Cmp(avax))

	ccd, _, err := NativeAmount(context.Background(), rates, usd, pricing.SymbolCCD, 6)
	require.NoError(t, err)
	require.Zero(t, big.NewInt(150_000_000).Cmp(ccd))

	// 1 USD at 30 USD/AVAX is a repeating fraction; the result rounds down.
	one, err := ParseUSD("1")
	require.NoError(t, err)
	third, _, err := NativeAmount(context.Background(), rates, one, pricing.SymbolAVAX, 18)
	require.NoError(t, err)
	want, _ = new(big.Int).SetString("33333333333333333", 10)
	require.Zero(t, want.Cmp(third))

	_, _, err = NativeAmount(context.Background(), rates, usd, "DOGE", 8)
	require.True(t, errors.Is(err, pricing.ErrUnknownSymbol))
}

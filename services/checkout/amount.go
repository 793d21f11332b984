package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"credify/services/pricing"
)

// StablecoinDecimals is the fixed-point precision of the escrow stablecoin.
const StablecoinDecimals = 6

var (
	// ErrInvalidUSD rejects malformed, negative or zero USD totals.
	ErrInvalidUSD = errors.New("checkout: invalid usd amount")
	// ErrTooPrecise rejects totals that cannot be represented in stablecoin
	// units without rounding.
	ErrTooPrecise = errors.New("checkout: usd amount has more than 6 decimal places")
)

// ParseUSD converts a decimal USD string such as "12.50" into stablecoin base
// units. The conversion is exact: inputs with more than six fractional digits
// are rejected instead of rounded.
func ParseUSD(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "$")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUSD)
	}
	whole, frac, hasDot := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUSD, raw)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) || (hasDot && frac == "") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUSD, raw)
	}
	if len(frac) > StablecoinDecimals {
		return nil, fmt.Errorf("%w: %q", ErrTooPrecise, raw)
	}
	if whole == "" {
		trimmed = "0" + trimmed
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUSD, raw)
	}
	value.Mul(value, new(big.Rat).SetInt(pow10(StablecoinDecimals)))
	if !value.IsInt() {
		return nil, fmt.Errorf("%w: %q", ErrTooPrecise, raw)
	}
	units := new(big.Int).Set(value.Num())
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidUSD)
	}
	return units, nil
}

// FormatUnits renders base units with the given precision, trimming trailing
// zeros down to two decimal places.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0.00"
	}
	r := new(big.Rat).SetFrac(amount, pow10(int(decimals)))
	out := r.FloatString(int(decimals))
	if decimals <= 2 {
		return out
	}
	dot := strings.IndexByte(out, '.')
	for len(out) > dot+3 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	return out
}

// RateSource yields USD quotes for native tokens. *pricing.Cache satisfies it.
type RateSource interface {
	Rate(ctx context.Context, symbol string) (pricing.Quote, error)
}

// NativeAmount converts usd (stablecoin base units) into base units of the
// native token symbol using the current quote. The result is rounded down.
func NativeAmount(ctx context.Context, quotes RateSource, usd *big.Int, symbol string, decimals uint8) (*big.Int, pricing.Quote, error) {
	if quotes == nil {
		return nil, pricing.Quote{}, fmt.Errorf("checkout: quote source not configured")
	}
	if usd == nil || usd.Sign() <= 0 {
		return nil, pricing.Quote{}, fmt.Errorf("%w: must be positive", ErrInvalidUSD)
	}
	quote, err := quotes.Rate(ctx, symbol)
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	if quote.USD == nil || quote.USD.Sign() <= 0 {
		return nil, quote, fmt.Errorf("checkout: non-positive %s quote", quote.Symbol)
	}
	// native = usd / 10^6 / price * 10^decimals
	value := new(big.Rat).SetFrac(usd, pow10(StablecoinDecimals))
	value.Quo(value, quote.USD)
	value.Mul(value, new(big.Rat).SetInt(pow10(int(decimals))))
	out := new(big.Int).Quo(value.Num(), value.Denom())
	return out, quote, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package pricing quotes native checkout tokens in USD.
package pricing

import (
	"errors"
	"math/big"
	"strings"
	"time"
)

// Origin records how a quote was obtained.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginCached   Origin = "cached"
	OriginStale    Origin = "stale"
	OriginFallback Origin = "fallback"
)

const (
	SymbolAVAX = "AVAX"
	SymbolCCD  = "CCD"
)

// ErrUnknownSymbol is returned for symbols with neither a source mapping nor
// a fallback price.
var ErrUnknownSymbol = errors.New("pricing: unknown symbol")

// Quote is the USD price of one whole unit of Symbol.
type Quote struct {
	Symbol    string
	USD       *big.Rat
	FetchedAt time.Time
	Source    string
	Origin    Origin
}

// DefaultFallbacks are served when no live or cached price is available.
func DefaultFallbacks() map[string]*big.Rat {
	return map[string]*big.Rat{
		SymbolAVAX: big.NewRat(30, 1),
		SymbolCCD:  big.NewRat(1, 10),
	}
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

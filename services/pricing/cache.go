package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"credify/observability"
)

// DefaultTTL is how long a fetched quote is served without refetching.
const DefaultTTL = 5 * time.Minute

// Cache serves quotes from its store while fresh, refreshes them from the
// source when they expire, and degrades to stale or fallback prices when the
// source fails.
type Cache struct {
	source    Source
	store     Store
	ttl       time.Duration
	fallbacks map[string]*big.Rat
	symbols   []string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.QuoteMetrics

	refreshMu sync.Mutex
}

// Option customises a Cache.
type Option func(*Cache)

func WithStore(store Store) Option {
	return func(c *Cache) {
		if store != nil {
			c.store = store
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFallbacks replaces the static prices used when nothing else is
// available.
func WithFallbacks(prices map[string]*big.Rat) Option {
	return func(c *Cache) {
		c.fallbacks = make(map[string]*big.Rat, len(prices))
		for sym, price := range prices {
			c.fallbacks[normaliseSymbol(sym)] = new(big.Rat).Set(price)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache builds a cache over source. The quoted symbols are the keys of
// the fallback table.
func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:  source,
		store:   NewMemoryStore(),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Quotes(),
	}
	WithFallbacks(DefaultFallbacks())(c)
	for _, opt := range opts {
		opt(c)
	}
	for sym := range c.fallbacks {
		c.symbols = append(c.symbols, sym)
	}
	sort.Strings(c.symbols)
	return c
}

// Symbols lists the quoted symbols.
func (c *Cache) Symbols() []string {
	return append([]string(nil), c.symbols...)
}

// Rate returns the USD price of symbol.
func (c *Cache) Rate(ctx context.Context, symbol string) (Quote, error) {
	sym := normaliseSymbol(symbol)
	if _, ok := c.fallbacks[sym]; !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	if q, ok := c.fresh(ctx, sym); ok {
		return c.served(q, OriginCached), nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if q, ok := c.fresh(ctx, sym); ok {
		return c.served(q, OriginCached), nil
	}

	if live, err := c.refresh(ctx); err == nil {
		if q, ok := live[sym]; ok {
			return c.served(q, OriginLive), nil
		}
	} else {
		c.metrics.RecordSourceError(c.sourceName())
		c.logger.Warn("price source failed", slog.String("component", "pricing"), slog.String("error", err.Error()))
	}

	if cached, ok := c.lookup(ctx, sym); ok {
		return c.served(cached, OriginStale), nil
	}
	return c.served(Quote{
		Symbol:    sym,
		USD:       new(big.Rat).Set(c.fallbacks[sym]),
		FetchedAt: c.now(),
		Source:    "static",
	}, OriginFallback), nil
}

// Quotes returns a quote for every configured symbol.
func (c *Cache) Quotes(ctx context.Context) ([]Quote, error) {
	out := make([]Quote, 0, len(c.symbols))
	for _, sym := range c.symbols {
		q, err := c.Rate(ctx, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (c *Cache) served(q Quote, origin Origin) Quote {
	q.Origin = origin
	c.metrics.RecordQuote(q.Symbol, string(origin))
	return q
}

func (c *Cache) lookup(ctx context.Context, sym string) (Quote, bool) {
	q, ok, err := c.store.Get(ctx, sym)
	if err != nil {
		c.logger.Warn("quote store read failed", slog.String("component", "pricing"), slog.String("error", err.Error()))
		return Quote{}, false
	}
	if !ok || q == nil || q.USD == nil {
		return Quote{}, false
	}
	return *q, true
}

func (c *Cache) fresh(ctx context.Context, sym string) (Quote, bool) {
	q, ok := c.lookup(ctx, sym)
	if !ok || c.now().Sub(q.FetchedAt) >= c.ttl {
		return Quote{}, false
	}
	return q, true
}

func (c *Cache) refresh(ctx context.Context) (map[string]Quote, error) {
	if c.source == nil {
		return nil, fmt.Errorf("pricing: no source configured")
	}
	prices, err := c.source.Fetch(ctx, c.symbols)
	if err != nil {
		return nil, err
	}
	fetchedAt := c.now()
	out := make(map[string]Quote, len(prices))
	for sym, price := range prices {
		q := Quote{Symbol: normaliseSymbol(sym), USD: price, FetchedAt: fetchedAt, Source: c.source.Name()}
		if err := c.store.Put(ctx, q); err != nil {
			c.logger.Warn("quote store write failed", slog.String("component", "pricing"), slog.String("error", err.Error()))
		}
		out[q.Symbol] = q
	}
	return out, nil
}

func (c *Cache) sourceName() string {
	if c.source == nil {
		return "none"
	}
	return c.source.Name()
}

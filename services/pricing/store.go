package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Store keeps the last fetched quote per symbol. Entries outlive the cache
// TTL so they can be served as stale quotes when the source is down.
type Store interface {
	Get(ctx context.Context, symbol string) (*Quote, bool, error)
	Put(ctx context.Context, quote Quote) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[string]Quote)}
}

func (s *MemoryStore) Get(_ context.Context, symbol string) (*Quote, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[normaliseSymbol(symbol)]
	if !ok {
		return nil, false, nil
	}
	q.USD = new(big.Rat).Set(q.USD)
	return &q, true, nil
}

func (s *MemoryStore) Put(_ context.Context, quote Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote.USD = new(big.Rat).Set(quote.USD)
	s.quotes[normaliseSymbol(quote.Symbol)] = quote
	return nil
}

const redisKeyPrefix = "credify:quote:"

// RedisStore shares quotes between gateway replicas.
type RedisStore struct {
	client    *goredis.Client
	retention time.Duration
}

// RedisConfig locates the redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Retention bounds how long a quote may be served as stale.
	Retention time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}, nil
}

type redisQuote struct {
	Symbol    string    `json:"symbol"`
	USD       string    `json:"usd"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    string    `json:"source"`
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (*Quote, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+normaliseSymbol(symbol)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec redisQuote
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode cached quote: %w", err)
	}
	usd, ok := new(big.Rat).SetString(rec.USD)
	if !ok {
		return nil, false, fmt.Errorf("decode cached quote: invalid price %q", rec.USD)
	}
	return &Quote{Symbol: rec.Symbol, USD: usd, FetchedAt: rec.FetchedAt, Source: rec.Source}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, quote Quote) error {
	data, err := json.Marshal(redisQuote{
		Symbol:    normaliseSymbol(quote.Symbol),
		USD:       quote.USD.RatString(),
		FetchedAt: quote.FetchedAt.UTC(),
		Source:    quote.Source,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+normaliseSymbol(quote.Symbol), data, s.retention).Err()
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

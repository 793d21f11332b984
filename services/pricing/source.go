package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Source fetches USD prices for a set of symbols.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) (map[string]*big.Rat, error)
}

// HTTPDoer is the subset of *http.Client used by sources.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

// DefaultCoinGeckoIDs maps checkout symbols to CoinGecko asset ids.
func DefaultCoinGeckoIDs() map[string]string {
	return map[string]string{
		SymbolAVAX: "avalanche-2",
		SymbolCCD:  "concordium",
	}
}

// NewCoinGeckoSource constructs the adapter. idMap maps symbols to CoinGecko
// ids; nil uses DefaultCoinGeckoIDs.
func NewCoinGeckoSource(client HTTPDoer, endpoint string, idMap map[string]string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if idMap == nil {
		idMap = DefaultCoinGeckoIDs()
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{client: client, endpoint: ep, idMap: mapped}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) Fetch(ctx context.Context, symbols []string) (map[string]*big.Rat, error) {
	bySymbol := make(map[string]string, len(symbols))
	ids := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		sym := normaliseSymbol(symbol)
		id, ok := s.idMap[sym]
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
		}
		bySymbol[sym] = id
		ids = append(ids, id)
	}
	sort.Strings(ids)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("ids", strings.Join(ids, ","))
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("coingecko: decode: %w", err)
	}
	out := make(map[string]*big.Rat, len(bySymbol))
	for sym, id := range bySymbol {
		raw, ok := payload[id]["usd"]
		if !ok {
			return nil, fmt.Errorf("coingecko: quote missing for %s", sym)
		}
		rat, ok := new(big.Rat).SetString(raw.String())
		if !ok || rat.Sign() <= 0 {
			return nil, fmt.Errorf("coingecko: invalid price %q for %s", raw.String(), sym)
		}
		out[sym] = rat
	}
	return out, nil
}

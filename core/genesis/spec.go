// core/genesis/spec.go
package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"credify/native/escrow"
)

// GenesisSpec is the JSON document describing the initial ledger state.
type GenesisSpec struct {
	GenesisTime          string            `json:"genesisTime"`
	ChainID              uint64            `json:"chainId"`
	LedgerAddress        string            `json:"ledgerAddress"`
	StablecoinAddress    string            `json:"stablecoinAddress"`
	Owner                string            `json:"owner"`
	FeeRecipient         string            `json:"feeRecipient"`
	FeeBps               uint32            `json:"feeBps"`
	RefundTimeoutSeconds uint64            `json:"refundTimeoutSeconds,omitempty"`
	Vendors              []string          `json:"vendors,omitempty"`
	Alloc                map[string]string `json:"alloc,omitempty"` // addr -> amount in base units
}

// Allocation is an initial stablecoin balance.
type Allocation struct {
	Address common.Address
	Amount  *big.Int
}

// Genesis is the validated, typed form of a GenesisSpec.
type Genesis struct {
	Time              time.Time
	ChainID           uint64
	LedgerAddress     common.Address
	StablecoinAddress common.Address
	Ledger            escrow.Config
	Vendors           []common.Address
	Alloc             []Allocation
}

// LoadSpec reads a genesis document from disk.
func LoadSpec(path string) (*GenesisSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var spec GenesisSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	return &spec, nil
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("genesis: %s %q is not a hex address", field, value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("genesis: %s must not be the zero address", field)
	}
	return addr, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("genesis: invalid genesisTime: %w", err)
	}
	return ts.UTC(), nil
}

// Parse validates the spec and converts it to its typed form. Vendors and
// allocations are sorted by address so genesis is applied deterministically.
func (s *GenesisSpec) Parse() (*Genesis, error) {
	if s == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if s.ChainID == 0 {
		return nil, fmt.Errorf("genesis: chainId required")
	}
	ts, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return nil, err
	}
	g := &Genesis{Time: ts, ChainID: s.ChainID}
	if g.LedgerAddress, err = parseAddress("ledgerAddress", s.LedgerAddress); err != nil {
		return nil, err
	}
	if g.StablecoinAddress, err = parseAddress("stablecoinAddress", s.StablecoinAddress); err != nil {
		return nil, err
	}
	if g.Ledger.Owner, err = parseAddress("owner", s.Owner); err != nil {
		return nil, err
	}
	if g.Ledger.FeeRecipient, err = parseAddress("feeRecipient", s.FeeRecipient); err != nil {
		return nil, err
	}
	g.Ledger.FeeBps = s.FeeBps
	g.Ledger.RefundTimeout = s.RefundTimeoutSeconds
	if err := g.Ledger.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	seen := make(map[common.Address]struct{}, len(s.Vendors))
	for _, raw := range s.Vendors {
		addr, err := parseAddress("vendor", raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		g.Vendors = append(g.Vendors, addr)
	}
	sort.Slice(g.Vendors, func(i, j int) bool { return g.Vendors[i].Hex() < g.Vendors[j].Hex() })

	for rawAddr, rawAmount := range s.Alloc {
		addr, err := parseAddress("alloc", rawAddr)
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(rawAmount), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("genesis: alloc %s: invalid amount %q", rawAddr, rawAmount)
		}
		g.Alloc = append(g.Alloc, Allocation{Address: addr, Amount: amount})
	}
	sort.Slice(g.Alloc, func(i, j int) bool { return g.Alloc[i].Address.Hex() < g.Alloc[j].Address.Hex() })
	return g, nil
}

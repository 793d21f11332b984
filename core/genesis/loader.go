// core/genesis/loader.go
package genesis

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"credify/native/escrow"
)

// Target is the state surface genesis is written into.
type Target interface {
	InitLedger(cfg escrow.Config) error
	SetVendor(addr common.Address, authorized bool, now uint64) error
	Mint(to common.Address, amount *big.Int) error
}

// Apply writes the genesis configuration, vendor flags and allocations into
// target. The caller is responsible for committing the resulting state.
func Apply(g *Genesis, target Target) error {
	if g == nil || target == nil {
		return fmt.Errorf("genesis: nil genesis or target")
	}
	if err := target.InitLedger(g.Ledger); err != nil {
		return fmt.Errorf("genesis: init ledger: %w", err)
	}
	ts := uint64(0)
	if unix := g.Time.Unix(); unix > 0 {
		ts = uint64(unix)
	}
	for _, vendor := range g.Vendors {
		if err := target.SetVendor(vendor, true, ts); err != nil {
			return fmt.Errorf("genesis: vendor %s: %w", vendor.Hex(), err)
		}
	}
	for _, alloc := range g.Alloc {
		if err := target.Mint(alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("genesis: alloc %s: %w", alloc.Address.Hex(), err)
		}
	}
	return nil
}

// Package signal turns normalized ingest events into typed Signals and
// applies the quality gate that decides which of those signals are worth
// persisting and broadcasting. Detector rules are pure functions of an event
// plus short-lived per-market state, grounded on the teacher's
// strategy.FlowTracker rolling-window-with-mutex shape.
package signal

import (
	"github.com/ethereum/go-ethereum/common"

	"betterbot/pkg/types"
)

// WalletRegistry classifies an address into a WalletTier from the
// config-driven tracked/elite/insider lists, per spec.md §4.2's "classify
// wallet tier from lookup table" rule. Addresses are normalized through
// go-ethereum's checksum form so a config list and an on-chain event can
// write the same address with different casing and still match.
type WalletRegistry struct {
	tracked map[string]bool
	elite   map[string]bool
	insider map[string]bool
}

// NewWalletRegistry builds a registry from three address lists.
func NewWalletRegistry(tracked, elite, insider []string) *WalletRegistry {
	r := &WalletRegistry{
		tracked: make(map[string]bool, len(tracked)),
		elite:   make(map[string]bool, len(elite)),
		insider: make(map[string]bool, len(insider)),
	}
	for _, a := range tracked {
		r.tracked[normalizeAddress(a)] = true
	}
	for _, a := range elite {
		r.elite[normalizeAddress(a)] = true
	}
	for _, a := range insider {
		r.insider[normalizeAddress(a)] = true
	}
	return r
}

// normalizeAddress canonicalizes a hex wallet address to go-ethereum's EIP-55
// checksum form. A malformed address (wrong length, non-hex) normalizes to
// the zero address rather than panicking, so it simply never matches.
func normalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}

// Tier classifies address, checking insider and elite before the plain
// tracked set since both of those sets imply tracked.
func (r *WalletRegistry) Tier(address string) types.WalletTier {
	address = normalizeAddress(address)
	if r.insider[address] {
		return types.TierInsider
	}
	if r.elite[address] {
		return types.TierElite
	}
	if r.tracked[address] {
		return types.TierTracked
	}
	return types.TierUntracked
}

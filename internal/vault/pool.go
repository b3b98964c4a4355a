// Package vault implements the pooled, share-based automated trading vault:
// NAV/share accounting (Pool), two sizing sub-engines (FAST15M and LONG)
// that share a pluggable ExecutionAdapter, and the risk/budget discipline
// that bounds both. Grounded on the teacher's strategy/inventory.go
// mutex-guarded position bookkeeping, redesigned around mint/burn shares
// and fixed-point decimal.Decimal at scale 1e8 rather than float64, with
// rounding always toward the vault per spec.md §4.6.
package vault

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// Pool is the pooled vault's share ledger. cash_usdc and total shares are
// fixed-point decimal.Decimal at types.Scale; NAV_per_share =
// (cash + positions_mark_to_market) / total_shares.
type Pool struct {
	mu           sync.Mutex
	cashUSDC     decimal.Decimal
	positionsMTM decimal.Decimal
	totalShares  decimal.Decimal
	holderShares map[string]decimal.Decimal
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		holderShares: make(map[string]decimal.Decimal),
	}
}

// NAVPerShare returns (cash + positions_mark_to_market) / total_shares, or
// 1.0 if the pool has no shares yet (the first deposit mints 1:1).
func (p *Pool) NAVPerShare() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navPerShareLocked()
}

func (p *Pool) navPerShareLocked() decimal.Decimal {
	if p.totalShares.IsZero() {
		return decimal.New(1, 0)
	}
	return p.cashUSDC.Add(p.positionsMTM).Div(p.totalShares).Truncate(types.Scale)
}

// Deposit mints shares = amount / NAV for holder and credits cash. Rounding
// favors the vault: shares minted are truncated down.
func (p *Pool) Deposit(holder string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("vault: deposit amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	nav := p.navPerShareLocked()
	minted := amount.Div(nav).Truncate(types.Scale)

	p.cashUSDC = p.cashUSDC.Add(amount)
	p.totalShares = p.totalShares.Add(minted)
	p.holderShares[holder] = p.holderShares[holder].Add(minted)

	return minted, nil
}

// Withdraw burns shares for holder and pays shares * NAV, rounded toward the
// vault (truncated down — the vault never pays a fraction more than owed).
func (p *Pool) Withdraw(holder string, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("vault: withdraw shares must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.holderShares[holder]
	if shares.GreaterThan(held) {
		return decimal.Zero, fmt.Errorf("vault: holder %s holds %s shares, cannot withdraw %s", holder, held, shares)
	}

	nav := p.navPerShareLocked()
	payout := shares.Mul(nav).Truncate(types.Scale)
	if payout.GreaterThan(p.cashUSDC) {
		return decimal.Zero, fmt.Errorf("vault: insufficient cash to pay withdrawal (have %s, need %s)", p.cashUSDC, payout)
	}

	p.holderShares[holder] = held.Sub(shares)
	p.totalShares = p.totalShares.Sub(shares)
	p.cashUSDC = p.cashUSDC.Sub(payout)

	return payout, nil
}

// CreditPnL applies a realized trading gain/loss directly to cash (used by
// the Paper execution adapter on fill).
func (p *Pool) CreditPnL(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cashUSDC = p.cashUSDC.Add(amount)
}

// MarkPositions updates the pool's mark-to-market valuation of open
// positions, used by NAVPerShare between trades.
func (p *Pool) MarkPositions(mtm decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionsMTM = mtm
}

// Snapshot returns a copy of the pool's current state as types.VaultState.
func (p *Pool) Snapshot() types.VaultState {
	p.mu.Lock()
	defer p.mu.Unlock()
	holders := make(map[string]decimal.Decimal, len(p.holderShares))
	for k, v := range p.holderShares {
		holders[k] = v
	}
	return types.VaultState{
		CashUSDC:     p.cashUSDC,
		TotalShares:  p.totalShares,
		HolderShares: holders,
	}
}

// SeedForTest initializes cash and mints initialShares to holder, bypassing
// NAV computation. Exists for deterministic test setup only.
func (p *Pool) SeedForTest(holder string, cash, initialShares decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cashUSDC = cash
	p.totalShares = initialShares
	p.holderShares[holder] = initialShares
}

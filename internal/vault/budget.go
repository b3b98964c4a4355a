package vault

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Budget enforces the cadence, cooldown, and daily-cap discipline shared by
// both vault sub-engines, grounded on the teacher's risk.Manager cooldown
// and threshold bookkeeping (internal/risk/manager.go), generalized from a
// global kill-switch into a per-market trade budget.
type Budget struct {
	cooldown   time.Duration
	dailyCap   decimal.Decimal

	mu          sync.Mutex
	lastTradeAt map[string]time.Time     // marketID -> last trade time, for cooldown
	dailySpent  map[string]decimal.Decimal // marketID -> notional traded today
	dayStart    map[string]time.Time

	callsToday  int
	tokensToday int
	dailyCallBudget  int
	dailyTokenBudget int
	budgetDay        time.Time
}

// NewBudget creates a budget enforcing cooldown between trades in the same
// market and a per-market daily notional cap.
func NewBudget(cooldown time.Duration, dailyCap decimal.Decimal) *Budget {
	return &Budget{
		cooldown:    cooldown,
		dailyCap:    dailyCap,
		lastTradeAt: make(map[string]time.Time),
		dailySpent:  make(map[string]decimal.Decimal),
		dayStart:    make(map[string]time.Time),
	}
}

// SetCallTokenBudgets configures the global daily call/token budget used by
// the LONG engine's bounded-LLM consensus step.
func (b *Budget) SetCallTokenBudgets(calls, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyCallBudget = calls
	b.dailyTokenBudget = tokens
}

// Admit reports whether a trade of size notional in marketID is allowed
// right now: the market must be past its cooldown and under its daily cap.
func (b *Budget) Admit(marketID string, notional decimal.Decimal, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDayLocked(marketID, now)

	if last, ok := b.lastTradeAt[marketID]; ok && now.Sub(last) < b.cooldown {
		return false
	}
	if !b.dailyCap.IsZero() && b.dailySpent[marketID].Add(notional).GreaterThan(b.dailyCap) {
		return false
	}
	return true
}

// Record books a trade against marketID's cooldown and daily cap.
func (b *Budget) Record(marketID string, notional decimal.Decimal, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(marketID, now)
	b.lastTradeAt[marketID] = now
	b.dailySpent[marketID] = b.dailySpent[marketID].Add(notional)
}

func (b *Budget) rollDayLocked(marketID string, now time.Time) {
	start, ok := b.dayStart[marketID]
	if !ok || now.Sub(start) >= 24*time.Hour {
		b.dayStart[marketID] = now
		b.dailySpent[marketID] = decimal.Zero
	}
}

// AdmitCall reports whether another LLM call may be made today and, if so,
// whether the estimated token cost fits the remaining daily token budget.
func (b *Budget) AdmitCall(estimatedTokens int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.budgetDay.IsZero() || now.Sub(b.budgetDay) >= 24*time.Hour {
		b.budgetDay = now
		b.callsToday = 0
		b.tokensToday = 0
	}

	if b.dailyCallBudget > 0 && b.callsToday >= b.dailyCallBudget {
		return false
	}
	if b.dailyTokenBudget > 0 && b.tokensToday+estimatedTokens > b.dailyTokenBudget {
		return false
	}
	return true
}

// RecordCall books a completed LLM call's actual token usage.
func (b *Budget) RecordCall(tokensUsed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callsToday++
	b.tokensToday += tokensUsed
}

// Package ledger implements the backtest engine's double-entry accounting:
// every economic state change posts through it as a single LedgerEntry whose
// postings sum to zero. Grounded on the teacher's strategy/inventory.go
// mutex-guarded bookkeeping shape (average-entry/realized-PnL tracking under
// a single lock with a Snapshot() copy-out), generalized from per-position
// tallies into full postings against named accounts.
package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// Well-known account names. Strategies and the settlement engine post against
// these; the ledger itself never invents an account.
const (
	AccountCash                = "cash"
	AccountPositions           = "positions"
	AccountSettlementReceiv    = "settlement_receivable"
	AccountShareholderEquity   = "shareholder_equity"
	AccountFees                = "fees"
)

// ErrUnbalanced is returned when an entry's postings do not sum to zero.
type ErrUnbalanced struct {
	Sum decimal.Decimal
}

func (e *ErrUnbalanced) Error() string {
	return fmt.Sprintf("ledger: unbalanced entry, postings sum to %s", e.Sum)
}

// ErrAccountingViolation is raised (not panicked on the hot path — the
// caller under strict_accounting decides whether to panic) when the equity
// identity fails to hold after an entry is appended.
type ErrAccountingViolation struct {
	CashPositionsReceivable decimal.Decimal
	ShareholderEquity       decimal.Decimal
	Diff                    decimal.Decimal
}

func (e *ErrAccountingViolation) Error() string {
	return fmt.Sprintf("ledger: equity identity violated, cash+positions+receivable=%s shareholder_equity=%s diff=%s",
		e.CashPositionsReceivable, e.ShareholderEquity, e.Diff)
}

// Ledger is the append-only double-entry book. It is not safe to mutate
// concurrently with a backtest run's single-threaded event loop, but the
// mutex lets read-only observers (a dashboard snapshot, a test assertion)
// inspect state without racing the writer.
type Ledger struct {
	mu       sync.Mutex
	entries  []types.LedgerEntry
	balances map[string]decimal.Decimal
	nextID   int64

	strictAccounting bool
	noNegativeCash   bool
}

// New creates an empty ledger. strictAccounting, when true, makes Append
// return an *ErrAccountingViolation the instant the equity identity breaks;
// the caller (backtest engine, in Hard invariant mode) is expected to treat
// that as fatal and emit a causal dump.
func New(strictAccounting, noNegativeCash bool) *Ledger {
	return &Ledger{
		balances:         make(map[string]decimal.Decimal),
		strictAccounting: strictAccounting,
		noNegativeCash:   noNegativeCash,
	}
}

// Append posts a new entry. SimTimeNs and EventRef are supplied by the
// caller; EntryID is assigned here, strictly increasing.
func (l *Ledger) Append(simTimeNs int64, eventRef string, postings []types.LedgerPosting) (types.LedgerEntry, error) {
	sum := decimal.Zero
	for _, p := range postings {
		signed := p.Amount
		if p.Direction == types.SELL {
			signed = signed.Neg()
		}
		sum = sum.Add(signed)
	}
	if !sum.IsZero() {
		return types.LedgerEntry{}, &ErrUnbalanced{Sum: sum}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry := types.LedgerEntry{
		EntryID:   l.nextID,
		SimTimeNs: simTimeNs,
		EventRef:  eventRef,
		Postings:  postings,
	}

	for _, p := range postings {
		signed := p.Amount
		if p.Direction == types.SELL {
			signed = signed.Neg()
		}
		l.balances[p.Account] = l.balances[p.Account].Add(signed)
	}

	if l.noNegativeCash && l.balances[AccountCash].IsNegative() {
		// Roll back: negative cash without margin enabled is itself an
		// invariant violation under Hard mode; the caller decides policy.
		for _, p := range postings {
			signed := p.Amount
			if p.Direction == types.SELL {
				signed = signed.Neg()
			}
			l.balances[p.Account] = l.balances[p.Account].Sub(signed)
		}
		l.nextID--
		return types.LedgerEntry{}, fmt.Errorf("ledger: entry would drive cash negative without margin")
	}

	l.entries = append(l.entries, entry)

	if l.strictAccounting {
		if err := l.checkEquityLocked(); err != nil {
			return entry, err
		}
	}

	return entry, nil
}

// checkEquityLocked verifies cash + positions + settlement_receivable -
// shareholder_equity == 0. Must be called with mu held.
func (l *Ledger) checkEquityLocked() error {
	lhs := l.balances[AccountCash].Add(l.balances[AccountPositions]).Add(l.balances[AccountSettlementReceiv])
	rhs := l.balances[AccountShareholderEquity]
	diff := lhs.Sub(rhs)
	if !diff.IsZero() {
		return &ErrAccountingViolation{
			CashPositionsReceivable: lhs,
			ShareholderEquity:       rhs,
			Diff:                    diff,
		}
	}
	return nil
}

// Balance returns the current balance of account.
func (l *Ledger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Entries returns a copy of all appended entries, oldest first.
func (l *Ledger) Entries() []types.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LastN returns the last n entries (or fewer if the ledger is shorter),
// oldest first — used to build the causal dump on a Hard-mode abort.
func (l *Ledger) LastN(n int) []types.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]types.LedgerEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

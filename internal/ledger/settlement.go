package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TieRule governs how a window settles when start and end reference prices
// are exactly equal.
type TieRule string

const (
	TieNoWins  TieRule = "NoWins"
	TieYesWins TieRule = "YesWins"
	TieInvalid TieRule = "Invalid"
)

// KnowabilityRule governs the earliest simulator time at which a window's
// outcome may be resolved.
type KnowabilityRule string

const (
	KnowOnReferenceArrival KnowabilityRule = "OnReferenceArrival"
	KnowDelayFromCutoff    KnowabilityRule = "DelayFromCutoff"
	KnowAtCutoff           KnowabilityRule = "AtCutoff"
)

// WindowStatus is the settlement window lifecycle.
type WindowStatus string

const (
	WindowPending            WindowStatus = "Pending"
	WindowAwaitingStartPrice WindowStatus = "AwaitingStartPrice"
	WindowActive             WindowStatus = "Active"
	WindowAwaitingEndPrice   WindowStatus = "AwaitingEndPrice"
	WindowResolvable         WindowStatus = "Resolvable"
	WindowResolved           WindowStatus = "Resolved"
	WindowMissingData        WindowStatus = "MissingData"
)

// Winner is the resolved outcome side of a binary up/down window.
type Winner string

const (
	WinnerUp      Winner = "Up"
	WinnerDown    Winner = "Down"
	WinnerInvalid Winner = "Invalid"
)

// SettlementSpec defines how a market's settlement windows are resolved.
type SettlementSpec struct {
	WindowDuration  time.Duration
	Rounding        int32 // decimal places to round reference prices to before comparison
	TieRule         TieRule
	Knowability     KnowabilityRule
	KnowabilityLag  time.Duration // used when Knowability == KnowDelayFromCutoff
}

// SettlementWindow is one market's settlement period.
type SettlementWindow struct {
	MarketID      string
	WindowStartNs int64
	WindowEndNs   int64
	Spec          SettlementSpec

	Status WindowStatus

	StartPrice decimal.Decimal
	EndPrice   decimal.Decimal
	HasStart   bool
	HasEnd     bool

	Winner Winner

	EarlySettlementAttempts int
}

// knowableAtNs returns the earliest sim time at which this window's outcome
// may be resolved, per its Knowability rule.
func (w *SettlementWindow) knowableAtNs() int64 {
	switch w.Spec.Knowability {
	case KnowAtCutoff:
		return w.WindowEndNs
	case KnowDelayFromCutoff:
		return w.WindowEndNs + w.Spec.KnowabilityLag.Nanoseconds()
	case KnowOnReferenceArrival:
		fallthrough
	default:
		// Resolved as soon as both reference prices have arrived; the
		// engine only calls resolve once HasEnd is true, so this rule is
		// enforced by the caller's arrival-time gating rather than a clock
		// check here.
		return w.WindowEndNs
	}
}

// SettlementEngine holds a per-market settlement state machine. The sole
// mutation path is Observe{Start,End}Price + TryResolve; no external
// component may force a resolution before knowability.
type SettlementEngine struct {
	mu      sync.Mutex
	ledger  *Ledger
	windows map[string]*SettlementWindow // keyed by MarketID
}

// NewSettlementEngine creates a settlement engine posting resolutions
// through ledger.
func NewSettlementEngine(ledger *Ledger) *SettlementEngine {
	return &SettlementEngine{
		ledger:  ledger,
		windows: make(map[string]*SettlementWindow),
	}
}

// OpenWindow registers a new settlement window for marketID. Idempotent:
// calling it again for an already-open market is a no-op.
func (e *SettlementEngine) OpenWindow(marketID string, startNs, endNs int64, spec SettlementSpec) *SettlementWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.windows[marketID]; ok {
		return w
	}
	w := &SettlementWindow{
		MarketID:      marketID,
		WindowStartNs: startNs,
		WindowEndNs:   endNs,
		Spec:          spec,
		Status:        WindowPending,
	}
	e.windows[marketID] = w
	return w
}

// Window returns the window for marketID, if any.
func (e *SettlementEngine) Window(marketID string) (*SettlementWindow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[marketID]
	return w, ok
}

// Windows returns every settlement window the engine has opened, keyed by
// market ID, for post-run reporting (the certified artifact's summary
// metrics aggregate early-settlement attempts across all markets).
func (e *SettlementEngine) Windows() map[string]*SettlementWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*SettlementWindow, len(e.windows))
	for k, v := range e.windows {
		out[k] = v
	}
	return out
}

// ObserveStartPrice records the reference price at window open, arriving at
// arrivalNs (simulator time). Prices that arrive strictly before
// WindowStartNs are accepted (the spec's "T-1ns is included" rule) but a
// price observed after WindowEndNs is rejected as out of window.
func (e *SettlementEngine) ObserveStartPrice(marketID string, price decimal.Decimal, arrivalNs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[marketID]
	if !ok {
		return fmt.Errorf("settlement: no window open for market %s", marketID)
	}
	if arrivalNs > w.WindowEndNs {
		return nil
	}
	w.StartPrice = price.Round(w.Spec.Rounding)
	w.HasStart = true
	if w.Status == WindowPending {
		w.Status = WindowActive
	}
	return nil
}

// ObserveEndPrice records the reference price at or approaching cutoff.
// Strictly-less-than-cutoff and exactly-at-cutoff arrivals are included;
// strictly-after is excluded from this window (it belongs to the next one).
func (e *SettlementEngine) ObserveEndPrice(marketID string, price decimal.Decimal, arrivalNs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[marketID]
	if !ok {
		return fmt.Errorf("settlement: no window open for market %s", marketID)
	}
	if arrivalNs > w.WindowEndNs {
		return nil
	}
	w.EndPrice = price.Round(w.Spec.Rounding)
	w.HasEnd = true
	if w.Status == WindowActive || w.Status == WindowAwaitingEndPrice || w.Status == WindowPending {
		w.Status = WindowAwaitingEndPrice
	}
	return nil
}

// TryResolve attempts to resolve marketID's window at simulator time nowNs.
// If the outcome is not yet knowable under the window's arrival-time
// semantics, the attempt increments EarlySettlementAttempts and the window
// stays pending; ledger state is not mutated. Missing reference data at or
// after knowability marks the window MissingData.
func (e *SettlementEngine) TryResolve(marketID string, nowNs int64) (*SettlementWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[marketID]
	if !ok {
		return nil, fmt.Errorf("settlement: no window open for market %s", marketID)
	}
	if w.Status == WindowResolved || w.Status == WindowMissingData {
		return w, nil
	}

	if !w.HasStart || !w.HasEnd {
		if nowNs >= w.knowableAtNs() {
			w.Status = WindowMissingData
		}
		return w, nil
	}

	if nowNs < w.knowableAtNs() {
		w.EarlySettlementAttempts++
		w.Status = WindowResolvable
		return w, nil
	}

	w.Winner = resolveWinner(w.StartPrice, w.EndPrice, w.Spec.TieRule)
	w.Status = WindowResolved
	return w, nil
}

// resolveWinner applies the tie rule when start == end after rounding.
func resolveWinner(start, end decimal.Decimal, tie TieRule) Winner {
	switch {
	case end.GreaterThan(start):
		return WinnerUp
	case end.LessThan(start):
		return WinnerDown
	default:
		switch tie {
		case TieYesWins:
			return WinnerUp
		case TieInvalid:
			return WinnerInvalid
		case TieNoWins:
			fallthrough
		default:
			return WinnerDown
		}
	}
}

// Package backtest implements the deterministic, single-threaded replay
// engine: event-time ordering with explicit visibility, dataset-readiness
// classification, a stream integrity guard, the OMS state machine, the
// maker-fill gate, invariant enforcement, run fingerprinting, the gate
// suite/sensitivity sweep, and certified artifact export.
//
// The event loop is intentionally synchronous by design (spec.md §5): any
// parallelism here would defeat the fingerprint and visibility guarantees.
// External data is loaded in parallel before the loop starts, grounded on
// the teacher's up-front synchronous GetOrderBook snapshot fetch in
// engine.startMarketLocked, generalized to a parallel prefetch stage.
package backtest

import (
	"sort"
)

// EventKind tags the polymorphic historical event union the loop replays.
type EventKind string

const (
	EventBookUpdate EventKind = "book_update"
	EventTrade      EventKind = "trade"
	EventFill       EventKind = "fill" // venue-reported fill, distinct from our own OMS fills
)

// Event is one historical tick with the canonical ordering fields. Source
// and arrival times are venue/system-observed; Seq is the simulator-assigned
// tiebreaker, assigned in load order.
type Event struct {
	Kind        EventKind
	MarketID    string
	SourceTime  int64 // ns since epoch, venue clock
	ArrivalTime int64 // ns since epoch, our observation clock
	Priority    int   // lower sorts first among same arrival time
	Source      string
	Seq         int64

	BookUpdate *BookUpdatePayload
	Trade      *TradePayload
}

// BookUpdatePayload carries a full or incremental order-book change.
type BookUpdatePayload struct {
	TokenID string
	Bids    []PriceLevel
	Asks    []PriceLevel
	VenueSeq int64
}

// PriceLevel mirrors pkg/types.PriceLevel without the decimal import, kept
// local so backtest event decoding stays allocation-cheap on the hot path.
type PriceLevel struct {
	PriceTicks int64 // price in integer ticks, to keep ordering/comparison exact
	Size       int64 // size scaled to types.Scale
}

// TradePayload is a single observed trade print at a price level.
type TradePayload struct {
	TokenID    string
	PriceTicks int64
	Size       int64
}

// OrderingKey returns the lexicographic sort key (arrival_time, priority,
// source, seq) spec.md §4.7 mandates. Go can't compare tuples directly, so
// Less below implements the same ordering.
func (e Event) Less(other Event) bool {
	if e.ArrivalTime != other.ArrivalTime {
		return e.ArrivalTime < other.ArrivalTime
	}
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	if e.Source != other.Source {
		return e.Source < other.Source
	}
	return e.Seq < other.Seq
}

// SortEvents sorts events in place by the canonical ordering key. Used both
// to prepare a loaded dataset and, as a property test, to verify the
// ordering is stable and deterministic for a fixed input set.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
}

// VisibilityGuard asserts that no strategy callback ever observes an event
// whose ArrivalTime is later than the simulator's current decision time. In
// Strict mode the assertion is fatal (returns an error the loop must treat
// as an abort); in soft mode it is merely counted.
type VisibilityGuard struct {
	Strict bool
	violations int
}

// Check validates arrivalTimeNs against decisionTimeNs. Returns an error
// only in Strict mode; in soft mode it always returns nil after recording
// the violation.
func (g *VisibilityGuard) Check(arrivalTimeNs, decisionTimeNs int64) error {
	if arrivalTimeNs <= decisionTimeNs {
		return nil
	}
	g.violations++
	if g.Strict {
		return &VisibilityViolation{ArrivalTimeNs: arrivalTimeNs, DecisionTimeNs: decisionTimeNs}
	}
	return nil
}

// Violations returns the count of soft-mode visibility violations observed.
func (g *VisibilityGuard) Violations() int { return g.violations }

// VisibilityViolation reports a strategy callback that observed a
// not-yet-arrived event.
type VisibilityViolation struct {
	ArrivalTimeNs  int64
	DecisionTimeNs int64
}

func (v *VisibilityViolation) Error() string {
	return "backtest: visibility violation, event arrival_time exceeds decision_time"
}

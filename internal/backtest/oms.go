package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// legalTransitions enumerates the OMS state machine spec.md §4.7 mandates:
// New -> PendingAck -> Live; from Live: -> PartiallyFilled | PendingCancel |
// Done(*). Grounded on the teacher's strategy/maker.go handleOrderEvent
// PLACEMENT/UPDATE/CANCELLATION switch, generalized into an explicit
// from/to adjacency map so illegal transitions are a lookup, not an
// ad hoc switch.
var legalTransitions = map[types.OmsState]map[types.OmsState]bool{
	types.OmsNew: {
		types.OmsPendingAck: true,
	},
	types.OmsPendingAck: {
		types.OmsLive: true,
		types.OmsDone: true, // reject before ack
	},
	types.OmsLive: {
		types.OmsPartiallyFilled: true,
		types.OmsPendingCancel:   true,
		types.OmsDone:            true,
	},
	types.OmsPartiallyFilled: {
		types.OmsPartiallyFilled: true,
		types.OmsPendingCancel:   true,
		types.OmsDone:            true,
	},
	types.OmsPendingCancel: {
		types.OmsDone: true,
	},
	types.OmsDone: {}, // absorbing
}

// ErrIllegalTransition is returned when a transition is not in the legal set.
type ErrIllegalTransition struct {
	From, To types.OmsState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("backtest: illegal OMS transition %s -> %s", e.From, e.To)
}

// ErrFillViolation is returned when a fill is attempted against an order
// that cannot legally receive one (terminal, or before Ack).
type ErrFillViolation struct {
	OrderID string
	State   types.OmsState
}

func (e *ErrFillViolation) Error() string {
	return fmt.Sprintf("backtest: fill rejected for order %s in state %s", e.OrderID, e.State)
}

// VenueConstraints bounds order parameters per simulated venue.
type VenueConstraints struct {
	Tick        decimal.Decimal
	MinSize     decimal.Decimal
	MaxSize     decimal.Decimal
	MaxOrdersPerSec int
}

// OMS owns the order state machine for a single backtest run. It is
// single-threaded by construction: the event loop is the only caller.
type OMS struct {
	orders map[string]*types.OmsOrder
	constraints VenueConstraints
	ordersThisSecond int
	currentSecond    int64
}

// NewOMS creates an OMS enforcing constraints for every order it admits.
func NewOMS(constraints VenueConstraints) *OMS {
	return &OMS{
		orders:      make(map[string]*types.OmsOrder),
		constraints: constraints,
	}
}

// Submit registers a New order after checking venue constraints (tick,
// min/max size, rate limit). The rate limit is keyed by whole-second
// buckets of simTimeNs.
func (o *OMS) Submit(order types.OmsOrder, simTimeNs int64) (*types.OmsOrder, error) {
	if err := o.checkConstraints(order, simTimeNs); err != nil {
		return nil, err
	}
	order.State = types.OmsNew
	copied := order
	o.orders[order.OrderID] = &copied
	return &copied, nil
}

func (o *OMS) checkConstraints(order types.OmsOrder, simTimeNs int64) error {
	if !o.constraints.Tick.IsZero() {
		rem := order.Price.Mod(o.constraints.Tick)
		if !rem.IsZero() {
			return fmt.Errorf("backtest: price %s not aligned to tick %s", order.Price, o.constraints.Tick)
		}
	}
	if !o.constraints.MinSize.IsZero() && order.Size.LessThan(o.constraints.MinSize) {
		return fmt.Errorf("backtest: size %s below venue minimum %s", order.Size, o.constraints.MinSize)
	}
	if !o.constraints.MaxSize.IsZero() && order.Size.GreaterThan(o.constraints.MaxSize) {
		return fmt.Errorf("backtest: size %s exceeds venue maximum %s", order.Size, o.constraints.MaxSize)
	}
	second := simTimeNs / 1e9
	if second != o.currentSecond {
		o.currentSecond = second
		o.ordersThisSecond = 0
	}
	o.ordersThisSecond++
	if o.constraints.MaxOrdersPerSec > 0 && o.ordersThisSecond > o.constraints.MaxOrdersPerSec {
		return fmt.Errorf("backtest: venue rate limit exceeded (%d orders/sec)", o.constraints.MaxOrdersPerSec)
	}
	return nil
}

// Transition moves order orderID to newState, validating against
// legalTransitions. Done transitions must also set reason.
func (o *OMS) Transition(orderID string, newState types.OmsState, reason types.TerminalReason) error {
	order, ok := o.orders[orderID]
	if !ok {
		return fmt.Errorf("backtest: unknown order %s", orderID)
	}
	allowed := legalTransitions[order.State]
	if !allowed[newState] {
		return &ErrIllegalTransition{From: order.State, To: newState}
	}
	order.State = newState
	if newState == types.OmsDone {
		order.TerminalReason = reason
	}
	return nil
}

// CreditFill appends a fill to orderID if, and only if, the order is Live or
// PartiallyFilled — never terminal, never before Ack.
func (o *OMS) CreditFill(orderID string, fill types.OmsFill) error {
	order, ok := o.orders[orderID]
	if !ok {
		return fmt.Errorf("backtest: unknown order %s", orderID)
	}
	if order.State != types.OmsLive && order.State != types.OmsPartiallyFilled {
		return &ErrFillViolation{OrderID: orderID, State: order.State}
	}
	order.Fills = append(order.Fills, fill)
	if order.Remaining().IsZero() {
		order.State = types.OmsDone
		order.TerminalReason = types.ReasonFilled
	} else {
		order.State = types.OmsPartiallyFilled
	}
	return nil
}

// Get returns the current state of orderID.
func (o *OMS) Get(orderID string) (*types.OmsOrder, bool) {
	order, ok := o.orders[orderID]
	return order, ok
}

// Live returns all orders currently in the Live or PartiallyFilled state.
func (o *OMS) Live() []*types.OmsOrder {
	var out []*types.OmsOrder
	for _, ord := range o.orders {
		if ord.State == types.OmsLive || ord.State == types.OmsPartiallyFilled {
			out = append(out, ord)
		}
	}
	return out
}

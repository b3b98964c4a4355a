package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// MakerFillModel selects how the gate computes queue consumption.
type MakerFillModel string

const (
	ModelExplicitQueue  MakerFillModel = "ExplicitQueue"
	ModelConservative   MakerFillModel = "Conservative" // +25% extra queue required ahead of us
	ModelMakerDisabled  MakerFillModel = "MakerDisabled"
	ModelOptimistic     MakerFillModel = "Optimistic" // research-mode only, waives proofs
)

// QueueProof shows that observed trade prints at a resting order's price
// level have consumed all quantity that was ahead of it at arrival.
type QueueProof struct {
	QueueAheadAtArrival decimal.Decimal
	QueueConsumedSince  decimal.Decimal
}

// Satisfied reports queue_ahead_at_arrival - queue_consumed_since <= 0.
func (p QueueProof) Satisfied() bool {
	return p.QueueAheadAtArrival.Sub(p.QueueConsumedSince).LessThanOrEqual(decimal.Zero)
}

// CancelRaceProof shows the order was Live (not PendingCancel or terminal)
// at the purported fill instant.
type CancelRaceProof struct {
	StateAtFillInstant types.OmsState
}

// Satisfied reports whether the order was actually Live at the fill instant.
func (p CancelRaceProof) Satisfied() bool {
	return p.StateAtFillInstant == types.OmsLive || p.StateAtFillInstant == types.OmsPartiallyFilled
}

// ErrMakerFillRejected is returned when either proof fails to validate.
type ErrMakerFillRejected struct {
	Reason string
}

func (e *ErrMakerFillRejected) Error() string { return "backtest: maker fill rejected: " + e.Reason }

// MakerFillGate is the sole path to credit a maker fill. In production-grade
// mode both proofs are mandatory; ModelOptimistic may waive them, which
// marks the run non-representative (the caller is responsible for setting
// that flag — this gate only refuses to validate without proofs).
type MakerFillGate struct {
	Model            MakerFillModel
	ProductionGrade  bool
	WaivedFillCount  int
}

// Admit validates a proposed maker fill. ExplicitQueue requires both proofs
// to be satisfied outright; Conservative inflates the required queue-ahead
// buffer by 25% before checking; MakerDisabled always refuses; Optimistic
// waives both proofs (only legal outside production-grade mode).
func (g *MakerFillGate) Admit(queue QueueProof, cancel CancelRaceProof) error {
	switch g.Model {
	case ModelMakerDisabled:
		return &ErrMakerFillRejected{Reason: "maker fills disabled for this run"}
	case ModelOptimistic:
		if g.ProductionGrade {
			return &ErrMakerFillRejected{Reason: "optimistic fill model is not legal in production-grade mode"}
		}
		g.WaivedFillCount++
		return nil
	case ModelConservative:
		inflated := QueueProof{
			QueueAheadAtArrival: queue.QueueAheadAtArrival.Mul(decimal.NewFromFloat(1.25)),
			QueueConsumedSince:  queue.QueueConsumedSince,
		}
		if !inflated.Satisfied() {
			return &ErrMakerFillRejected{Reason: "queue proof insufficient under conservative model"}
		}
	case ModelExplicitQueue:
		fallthrough
	default:
		if !queue.Satisfied() {
			return &ErrMakerFillRejected{Reason: "queue proof insufficient"}
		}
	}

	if g.ProductionGrade && !cancel.Satisfied() {
		return &ErrMakerFillRejected{Reason: fmt.Sprintf("cancel-race proof failed, order state=%s", cancel.StateAtFillInstant)}
	}

	return nil
}

package backtest

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"betterbot/internal/ledger"
	"betterbot/pkg/types"
)

// OrderSender is the sole interface through which a strategy may act.
// Strategies must not observe wall-clock time; Now() returns the simulator
// clock so replays stay deterministic regardless of when they are run.
type OrderSender interface {
	SendOrder(order types.OmsOrder) (string, error)
	SendCancel(orderID string) error
	GetPosition(marketID string) decimal.Decimal
	Now() int64 // simulator decision_time_ns
}

// Strategy is polymorphic over the capability set spec.md §4.7 names.
// Implementations only need the callbacks they use; a strategy with no
// on_trade behavior simply leaves that method a no-op.
type Strategy interface {
	OnBookUpdate(sender OrderSender, update BookUpdatePayload)
	OnTrade(sender OrderSender, trade TradePayload)
	OnFill(sender OrderSender, fill types.OmsFill)
	IsMaker() bool
}

// CausalDump is emitted on a Hard-mode abort: the last N events, OMS
// transitions, and ledger entries leading to the failure.
type CausalDump struct {
	Reason        string
	RecentEvents  []Event
	RecentLedger  []types.LedgerEntry
}

// RunConfig configures one backtest run.
type RunConfig struct {
	ProductionGrade bool
	InvariantMode   InvariantMode
	Pathology       PathologyPolicy
	StrictAccounting bool
	NoNegativeCash   bool
	MakerFillModel   MakerFillModel
	VisibilityStrict bool
	VenueConstraints VenueConstraints
	Seed             int64
	CodeVersion      string
}

// Engine is the single-threaded, deterministic backtest event loop. It owns
// its event queue and simulated clock; no external component may mutate its
// state mid-run (spec.md §3 ownership rule).
type Engine struct {
	cfg      RunConfig
	strategy Strategy
	logger   *slog.Logger

	oms       *OMS
	gate      *MakerFillGate
	invariant *InvariantEnforcer
	integrity *StreamIntegrityGuard
	visibility *VisibilityGuard
	ledger    *ledger.Ledger
	settlement *ledger.SettlementEngine

	positions map[string]decimal.Decimal // per-market position, kept outside the ledger's aggregate "positions" account

	decisionTimeNs int64
	behaviorHash   RollingHash
}

// orderSenderImpl adapts *Engine into the OrderSender a strategy callback
// receives, scoping Now()/GetPosition to the engine's current decision time.
type orderSenderImpl struct{ e *Engine }

func (s orderSenderImpl) Now() int64 { return s.e.decisionTimeNs }

func (s orderSenderImpl) GetPosition(marketID string) decimal.Decimal {
	return s.e.positions[marketID]
}

func (s orderSenderImpl) SendOrder(order types.OmsOrder) (string, error) {
	placed, err := s.e.oms.Submit(order, s.e.decisionTimeNs)
	if err != nil {
		return "", err
	}
	if err := s.e.oms.Transition(placed.OrderID, types.OmsPendingAck, ""); err != nil {
		return "", err
	}
	if err := s.e.oms.Transition(placed.OrderID, types.OmsLive, ""); err != nil {
		return "", err
	}
	s.e.behaviorHash.Add(BehaviorEvent{Kind: "order_submit", SimTimeNs: s.e.decisionTimeNs, Detail: map[string]string{
		"order_id": placed.OrderID, "market_id": placed.MarketID, "side": string(placed.Side),
	}})
	return placed.OrderID, nil
}

func (s orderSenderImpl) SendCancel(orderID string) error {
	if err := s.e.oms.Transition(orderID, types.OmsPendingCancel, ""); err != nil {
		return err
	}
	return s.e.oms.Transition(orderID, types.OmsDone, types.ReasonCancelled)
}

// New creates a backtest engine for one run. readiness must already have
// passed ValidateRun against strategy.IsMaker().
func New(cfg RunConfig, strategy Strategy, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		strategy:   strategy,
		logger:     logger.With("component", "backtest_engine"),
		oms:        NewOMS(cfg.VenueConstraints),
		gate:       &MakerFillGate{Model: cfg.MakerFillModel, ProductionGrade: cfg.ProductionGrade},
		invariant:  NewInvariantEnforcer(cfg.InvariantMode),
		integrity:  NewStreamIntegrityGuard(cfg.Pathology),
		visibility: &VisibilityGuard{Strict: cfg.VisibilityStrict},
		ledger:     ledger.New(cfg.StrictAccounting, cfg.NoNegativeCash),
		settlement: ledger.NewSettlementEngine(ledger.New(cfg.StrictAccounting, cfg.NoNegativeCash)),
		positions:  make(map[string]decimal.Decimal),
	}
}

// Run drains events in canonical order and dispatches strategy callbacks
// synchronously. events must already be loaded (external data is fetched in
// parallel before the loop starts, per spec.md §5); Run performs no I/O.
func (e *Engine) Run(events []Event) (*CausalDump, error) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	recent := make([]Event, 0, 32)
	pushRecent := func(ev Event) {
		recent = append(recent, ev)
		if len(recent) > 32 {
			recent = recent[1:]
		}
	}

	for _, ev := range sorted {
		admit, outOfOrder, err := e.integrity.Admit(ev.MarketID, e.venueSeqOf(ev), ev.Seq)
		if err != nil {
			return e.causalDump(err.Error(), recent), err
		}
		if !admit {
			continue
		}

		// outOfOrder events arrived behind the venue sequence the integrity
		// guard already accepted for this market — a source of lateness that
		// has nothing to do with this event's own ArrivalTime. Check those
		// against decisionTimeNs as already established by in-order events,
		// without first folding the event's own arrival in: only that keeps
		// the guard falsifiable, since folding the event's own arrival into
		// decisionTimeNs before checking it would make the comparison true
		// by construction. In-order events still advance the clock first,
		// matching the simulator's normal monotonic replay of decision time.
		if outOfOrder {
			if err := e.visibility.Check(ev.ArrivalTime, e.decisionTimeNs); err != nil {
				if ierr := e.invariant.Check(false, CategoryTime, e.decisionTimeNs, err.Error()); ierr != nil {
					return e.causalDump(ierr.Error(), recent), ierr
				}
			}
		} else {
			if ev.ArrivalTime > e.decisionTimeNs {
				e.decisionTimeNs = ev.ArrivalTime
			}
			if err := e.visibility.Check(ev.ArrivalTime, e.decisionTimeNs); err != nil {
				if ierr := e.invariant.Check(false, CategoryTime, e.decisionTimeNs, err.Error()); ierr != nil {
					return e.causalDump(ierr.Error(), recent), ierr
				}
			}
		}

		pushRecent(ev)
		sender := orderSenderImpl{e: e}

		switch ev.Kind {
		case EventBookUpdate:
			if ev.BookUpdate != nil {
				e.strategy.OnBookUpdate(sender, *ev.BookUpdate)
			}
		case EventTrade:
			if ev.Trade != nil {
				e.strategy.OnTrade(sender, *ev.Trade)
			}
		}

		if err := e.invariant.Check(e.ordersConsistent(), CategoryOMS, e.decisionTimeNs, "order state inconsistent"); err != nil {
			return e.causalDump(err.Error(), recent), err
		}
	}

	return nil, nil
}

// venueSeqOf extracts the venue sequence number embedded in ev's payload,
// used by the integrity guard's gap detection.
func (e *Engine) venueSeqOf(ev Event) int64 {
	if ev.BookUpdate != nil {
		return ev.BookUpdate.VenueSeq
	}
	return ev.Seq
}

// ordersConsistent checks the OMS-level invariant that no Done order carries
// fills beyond its original size — a cheap, always-on sanity check layered
// on top of the state machine's own legality checks.
func (e *Engine) ordersConsistent() bool {
	for _, ord := range e.oms.Live() {
		if ord.Remaining().IsNegative() {
			return false
		}
	}
	return true
}

func (e *Engine) causalDump(reason string, recent []Event) *CausalDump {
	out := make([]Event, len(recent))
	copy(out, recent)
	return &CausalDump{
		Reason:       reason,
		RecentEvents: out,
		RecentLedger: e.ledger.LastN(32),
	}
}

// Ledger exposes the run's ledger for post-run reporting (gate suite,
// artifact export).
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Settlement exposes the run's settlement engine.
func (e *Engine) Settlement() *ledger.SettlementEngine { return e.settlement }

// OMS exposes the run's order state machine.
func (e *Engine) OMS() *OMS { return e.oms }

// Invariant exposes the run's invariant enforcer for post-run violation
// reporting (the certified artifact's summary metrics).
func (e *Engine) Invariant() *InvariantEnforcer { return e.invariant }

// VisibilityViolations reports the count of soft-mode visibility guard
// violations observed during the run.
func (e *Engine) VisibilityViolations() int { return e.visibility.Violations() }

// Fingerprint composes the run's RunFingerprint from its config hash,
// dataset stream hashes, and accumulated behavior hash.
func (e *Engine) Fingerprint(configHash string, datasetHashes map[string]string) RunFingerprint {
	return RunFingerprint{
		CodeVersion:   e.cfg.CodeVersion,
		ConfigHash:    configHash,
		DatasetHashes: datasetHashes,
		Seed:          e.cfg.Seed,
		BehaviorHash:  e.behaviorHash.Sum(),
	}
}

// CreditFill is the sole path to credit a maker fill: it runs the
// MakerFillGate (queue-ahead-consumed + cancel-race proofs) before touching
// either the OMS or the ledger, then posts a balanced cash/positions entry
// and updates the per-market position tracked outside the ledger's
// aggregate "positions" account.
func (e *Engine) CreditFill(orderID, marketID string, side types.Side, price, size decimal.Decimal, queue QueueProof, eventRef string) error {
	order, ok := e.oms.Get(orderID)
	if !ok {
		return fmt.Errorf("backtest: credit fill for unknown order %s", orderID)
	}

	cancel := CancelRaceProof{StateAtFillInstant: order.State}
	if err := e.gate.Admit(queue, cancel); err != nil {
		return err
	}

	fill := types.OmsFill{FillID: fmt.Sprintf("%s-%d", orderID, len(order.Fills)+1), Price: price, Size: size, SimTimeNs: e.decisionTimeNs}
	if err := e.oms.CreditFill(orderID, fill); err != nil {
		return err
	}

	notional := price.Mul(size)
	cashDir, posDir := types.SELL, types.BUY
	signedPos := size
	if side == types.SELL {
		cashDir, posDir = types.BUY, types.SELL
		signedPos = size.Neg()
	}
	_, err := e.ledger.Append(e.decisionTimeNs, eventRef, []types.LedgerPosting{
		{Account: ledger.AccountCash, Direction: cashDir, Amount: notional},
		{Account: ledger.AccountPositions, Direction: posDir, Amount: notional},
	})
	if err != nil {
		return err
	}
	e.positions[marketID] = e.positions[marketID].Add(signedPos)

	e.strategy.OnFill(orderSenderImpl{e: e}, fill)
	e.behaviorHash.Add(BehaviorEvent{Kind: "fill", SimTimeNs: e.decisionTimeNs, Detail: map[string]string{
		"order_id": orderID, "price": price.String(), "size": size.String(),
	}})
	return nil
}

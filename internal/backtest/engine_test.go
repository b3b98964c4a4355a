package backtest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// recordingStrategy is a maker strategy that posts a single resting buy on
// its first book update and credits itself a fill once it sees a trade print
// at or through its resting price.
type recordingStrategy struct {
	orderID   string
	marketID  string
	placed    bool
	onFillHit int
}

func (s *recordingStrategy) IsMaker() bool { return true }

func (s *recordingStrategy) OnBookUpdate(sender OrderSender, update BookUpdatePayload) {
	if s.placed {
		return
	}
	id, err := sender.SendOrder(types.OmsOrder{
		OrderID:  "ord-1",
		MarketID: s.marketID,
		Side:     types.BUY,
		Price:    decimal.NewFromFloat(0.40),
		Size:     decimal.NewFromInt(10),
	})
	if err != nil {
		return
	}
	s.orderID = id
	s.placed = true
}

func (s *recordingStrategy) OnTrade(sender OrderSender, trade TradePayload) {}

func (s *recordingStrategy) OnFill(sender OrderSender, fill types.OmsFill) {
	s.onFillHit++
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngine_RunDispatchesBookUpdatesInOrder(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:    ModeSoft,
		Pathology:        Resilient(),
		MakerFillModel:   ModelExplicitQueue,
		VisibilityStrict: false,
		CodeVersion:      "test",
	}, strat, newTestLogger())

	events := []Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 200, Seq: 2, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 2}},
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}

	dump, err := eng.Run(events)
	if err != nil {
		t.Fatalf("Run returned error: %v, dump=%+v", err, dump)
	}
	if !strat.placed {
		t.Fatal("expected strategy to place an order on first book update")
	}

	order, ok := eng.OMS().Get("ord-1")
	if !ok {
		t.Fatal("expected order ord-1 to exist in OMS")
	}
	if order.State != types.OmsLive {
		t.Fatalf("expected order to be Live after placement, got %s", order.State)
	}
}

func TestEngine_CreditFillAppendsBalancedLedgerEntryAndPosition(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:  ModeHard,
		Pathology:      Strict(),
		MakerFillModel: ModelExplicitQueue,
		CodeVersion:    "test",
	}, strat, newTestLogger())

	if _, err := eng.Run([]Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	err := eng.CreditFill("ord-1", "mkt-1", types.BUY, decimal.NewFromFloat(0.40), decimal.NewFromInt(10),
		QueueProof{QueueAheadAtArrival: decimal.Zero, QueueConsumedSince: decimal.Zero}, "trade-1")
	if err != nil {
		t.Fatalf("CreditFill: %v", err)
	}

	if strat.onFillHit != 1 {
		t.Fatalf("expected OnFill to be invoked once, got %d", strat.onFillHit)
	}

	entries := eng.Ledger().Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	sum := decimal.Zero
	for _, p := range entries[0].Postings {
		signed := p.Amount
		if p.Direction == types.SELL {
			signed = signed.Neg()
		}
		sum = sum.Add(signed)
	}
	if !sum.IsZero() {
		t.Fatalf("expected balanced entry, postings sum to %s", sum)
	}

	order, _ := eng.OMS().Get("ord-1")
	if !order.Remaining().IsZero() {
		t.Fatalf("expected order fully filled, remaining=%s", order.Remaining())
	}
	if order.State != types.OmsDone {
		t.Fatalf("expected order Done after full fill, got %s", order.State)
	}
}

func TestEngine_CreditFillRejectsWhenQueueProofUnsatisfied(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:  ModeSoft,
		Pathology:      Resilient(),
		MakerFillModel: ModelExplicitQueue,
		CodeVersion:    "test",
	}, strat, newTestLogger())

	if _, err := eng.Run([]Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	err := eng.CreditFill("ord-1", "mkt-1", types.BUY, decimal.NewFromFloat(0.40), decimal.NewFromInt(10),
		QueueProof{QueueAheadAtArrival: decimal.NewFromInt(5), QueueConsumedSince: decimal.Zero}, "trade-1")
	if err == nil {
		t.Fatal("expected queue proof failure to reject the fill")
	}
	if strat.onFillHit != 0 {
		t.Fatal("expected OnFill not to be invoked on a rejected fill")
	}
}

func TestEngine_VisibilityStrictAbortsOnReorderedLateArrival(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:    ModeHard,
		Pathology:        Resilient(),
		MakerFillModel:   ModelExplicitQueue,
		VisibilityStrict: true,
		CodeVersion:      "test",
	}, strat, newTestLogger())

	// ev1 is admitted in order and sets decisionTimeNs to 100. ev2 carries an
	// older venue sequence (so the integrity guard reorders it in rather than
	// dropping it) but a newer ArrivalTime than anything already admitted —
	// exactly the "arrival_time > decision_time" case the guard must catch
	// once it's checked against decisionTimeNs as established independent of
	// ev2's own arrival.
	events := []Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 2}},
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 300, Seq: 2, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}

	dump, err := eng.Run(events)
	if err == nil {
		t.Fatal("expected Hard-mode abort on a reordered late arrival")
	}
	if dump == nil || dump.Reason == "" {
		t.Fatal("expected a causal dump with a reason on abort")
	}
	if eng.integrity.ReorderCount != 1 {
		t.Fatalf("expected the second event to be reordered in, got ReorderCount=%d", eng.integrity.ReorderCount)
	}
}

func TestEngine_VisibilitySoftModeCountsReorderedLateArrival(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:    ModeSoft,
		Pathology:        Resilient(),
		MakerFillModel:   ModelExplicitQueue,
		VisibilityStrict: false,
		CodeVersion:      "test",
	}, strat, newTestLogger())

	events := []Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 2}},
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 300, Seq: 2, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}

	if _, err := eng.Run(events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.VisibilityViolations() != 1 {
		t.Fatalf("expected 1 soft-mode visibility violation, got %d", eng.VisibilityViolations())
	}
}

func TestEngine_DuplicateEventDroppedUnderResilientPolicy(t *testing.T) {
	strat := &recordingStrategy{marketID: "mkt-1"}
	eng := New(RunConfig{
		InvariantMode:  ModeSoft,
		Pathology:      Resilient(),
		MakerFillModel: ModelExplicitQueue,
		CodeVersion:    "test",
	}, strat, newTestLogger())

	events := []Event{
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
		{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed", BookUpdate: &BookUpdatePayload{TokenID: "tok", VenueSeq: 1}},
	}
	if _, err := eng.Run(events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.integrity.DropCount != 1 {
		t.Fatalf("expected 1 dropped duplicate, got %d", eng.integrity.DropCount)
	}
}

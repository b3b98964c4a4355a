package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// Decision is the bounded DSL a scout model proposes: a fixed, small set of
// legal shapes rather than free-form text, so a malformed or adversarial
// model response can only ever select one of these, never invent an action.
type Decision struct {
	Action     DecisionAction
	Side       types.Side
	Confidence decimal.Decimal // model's own calibration, still subject to sizing discipline
	Rationale  string
}

// DecisionAction enumerates the Decision DSL's legal verbs.
type DecisionAction string

const (
	ActionNoTrade DecisionAction = "no_trade"
	ActionEnter   DecisionAction = "enter"
)

// ScoutModel proposes a bounded Decision for a market given its admissible
// context. Implementations wrap a specific LLM provider call; none is wired
// here (the LLM provider key is a required secret, per spec.md §6, but the
// call itself is provider-specific and out of this repository's scope).
type ScoutModel interface {
	Name() string
	Propose(ctx context.Context, m LongCandidate) (Decision, int, error) // returns decision, tokens used
}

// LongCandidate is one market considered for a LONG-engine trade.
type LongCandidate struct {
	MarketID  string
	TokenID   string
	Mid       decimal.Decimal
	Spread    decimal.Decimal
	TopDepth  decimal.Decimal
	TTE       time.Duration
}

// LongConfig configures the admissibility gate, consensus requirement, and
// sizing discipline for the LONG engine.
type LongConfig struct {
	MaxTTE            time.Duration
	MaxSpread         decimal.Decimal
	MinTopOfBookDepth decimal.Decimal
	KellyFraction     decimal.Decimal
	MaxTradeFraction  decimal.Decimal
	ConsensusNeeded   int // e.g. 3-of-4
	DailyCallBudget   int
	DailyTokenBudget  int
}

// Long is the bounded-LLM vault sub-engine: an admissibility gate, then a
// scout proposal, then N-of-M consensus across independent models before
// sizing under the same conservative fractional-Kelly discipline as
// FAST15M. Grounded on the same tick/gate/size/place skeleton as Fast15m,
// generalized with an async scout+consensus step ahead of sizing.
type Long struct {
	cfg      LongConfig
	scouts   []ScoutModel
	pool     *Pool
	adapter  ExecutionAdapter
	budget   *Budget
	logger   *slog.Logger
}

// NewLong builds the LONG engine over a panel of scout models.
func NewLong(cfg LongConfig, scouts []ScoutModel, pool *Pool, adapter ExecutionAdapter, logger *slog.Logger) *Long {
	b := NewBudget(0, decimal.Zero)
	b.SetCallTokenBudgets(cfg.DailyCallBudget, cfg.DailyTokenBudget)
	return &Long{
		cfg:     cfg,
		scouts:  scouts,
		pool:    pool,
		adapter: adapter,
		budget:  b,
		logger:  logger.With("component", "vault_long"),
	}
}

// admissible reports whether a candidate passes the TTE/spread/depth gate.
func (l *Long) admissible(m LongCandidate) bool {
	if m.TTE > l.cfg.MaxTTE {
		return false
	}
	if m.Spread.GreaterThan(l.cfg.MaxSpread) {
		return false
	}
	if m.TopDepth.LessThan(l.cfg.MinTopOfBookDepth) {
		return false
	}
	return true
}

// Evaluate runs the full admissibility -> scout -> consensus -> sizing
// pipeline for one candidate. Returns the placed client_order_id, or "" if
// the candidate was skipped (inadmissible, no consensus, or budget
// exhausted) — none of these are errors, per spec.md §7 "vault orders that
// fail admissibility are silently skipped (with counters)".
func (l *Long) Evaluate(ctx context.Context, m LongCandidate, now time.Time) (string, error) {
	if !l.admissible(m) {
		return "", nil
	}

	if !l.budget.AdmitCall(estimatedTokensPerCall, now) {
		l.logger.Debug("long engine daily budget exhausted", "market", m.MarketID)
		return "", nil
	}

	decisions := make([]Decision, 0, len(l.scouts))
	tokensUsed := 0
	for _, scout := range l.scouts {
		dec, tokens, err := scout.Propose(ctx, m)
		tokensUsed += tokens
		if err != nil {
			l.logger.Warn("scout model failed", "scout", scout.Name(), "error", err)
			continue
		}
		decisions = append(decisions, dec)
	}
	l.budget.RecordCall(tokensUsed)

	consensus, ok := consensusDecision(decisions, l.cfg.ConsensusNeeded)
	if !ok || consensus.Action != ActionEnter {
		return "", nil
	}

	nav := l.pool.Snapshot()
	edge := consensus.Confidence.Sub(decimal.NewFromFloat(0.5)).Abs()
	fraction := edge.Div(m.Mid.Mul(decimal.New(1, 0).Sub(m.Mid)).Abs().Add(decimal.NewFromFloat(1e-6))).Mul(l.cfg.KellyFraction)
	if fraction.GreaterThan(l.cfg.MaxTradeFraction) {
		fraction = l.cfg.MaxTradeFraction
	}
	if fraction.LessThanOrEqual(decimal.Zero) {
		return "", nil
	}

	notional := nav.CashUSDC.Mul(fraction)
	if !l.budget.Admit(m.MarketID, notional, now) {
		return "", nil
	}

	price := m.Mid
	if consensus.Side == types.SELL {
		price = decimal.New(1, 0).Sub(m.Mid)
	}
	size := notional.Div(price)

	order := VaultOrder{
		MarketID: m.MarketID,
		TokenID:  m.TokenID,
		Side:     consensus.Side,
		Price:    price,
		Size:     size,
		Engine:   "long",
	}

	id, err := l.adapter.Place(ctx, order)
	if err != nil {
		return "", err
	}
	l.budget.Record(m.MarketID, notional, now)
	return id, nil
}

// consensusDecision picks the majority Action+Side among decisions if at
// least need of them agree, otherwise reports no consensus.
func consensusDecision(decisions []Decision, need int) (Decision, bool) {
	if need <= 0 {
		need = 1
	}
	counts := make(map[string]int)
	first := make(map[string]Decision)
	for _, d := range decisions {
		key := fmt.Sprintf("%s:%s", d.Action, d.Side)
		counts[key]++
		if _, ok := first[key]; !ok {
			first[key] = d
		}
	}
	var best string
	var bestCount int
	for k, c := range counts {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	if bestCount < need {
		return Decision{}, false
	}
	return first[best], true
}

const estimatedTokensPerCall = 1500

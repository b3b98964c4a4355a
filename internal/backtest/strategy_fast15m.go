package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// Fast15mReplay replays the FAST15M engine's edge-then-kelly sizing decision
// (vault.Fast15m.Tick) against a historical book update stream instead of a
// live ticker. It compares each book's mid against a fixed fair-value anchor
// supplied by the caller (the backtest has no live spot feed to recompute
// vault.pUp from, so the caller precomputes the anchor the same way vault
// does and passes it in), sizes with the identical fractional-Kelly formula,
// and trades a single token per market at most once per run so the behavior
// hash stays stable across repeated replays of the same input.
type Fast15mReplay struct {
	cfg    Fast15mReplayConfig
	placed map[string]bool // tokenID -> an order has already been sent this run
}

// Fast15mReplayConfig mirrors vault.Fast15mConfig's risk knobs.
type Fast15mReplayConfig struct {
	FairValue        decimal.Decimal // precomputed p_up anchor, one per replayed market
	MinEdge          decimal.Decimal
	KellyFraction    decimal.Decimal
	MaxTradeFraction decimal.Decimal
	StartingNAV      decimal.Decimal
}

// NewFast15mReplay builds a strategy ready to evaluate a single market's book
// update stream.
func NewFast15mReplay(cfg Fast15mReplayConfig) *Fast15mReplay {
	return &Fast15mReplay{cfg: cfg, placed: make(map[string]bool)}
}

func (s *Fast15mReplay) IsMaker() bool { return false }

func (s *Fast15mReplay) OnBookUpdate(sender OrderSender, update BookUpdatePayload) {
	if len(update.Bids) == 0 || len(update.Asks) == 0 || s.placed[update.TokenID] {
		return
	}
	bid := ticksToDecimal(update.Bids[0].PriceTicks)
	ask := ticksToDecimal(update.Asks[0].PriceTicks)
	mid := bid.Add(ask).Div(decimal.New(2, 0))

	edge := s.cfg.FairValue.Sub(mid)
	side := types.BUY
	price := mid
	if edge.IsNegative() {
		edge = edge.Neg()
		side = types.SELL
		price = decimal.New(1, 0).Sub(mid)
	}
	if edge.LessThan(s.cfg.MinEdge) {
		return
	}

	fraction := kellyFraction(edge, mid, s.cfg.KellyFraction, s.cfg.MaxTradeFraction)
	if fraction.IsZero() {
		return
	}
	notional := s.cfg.StartingNAV.Mul(fraction)
	if notional.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return
	}
	size := notional.Div(price)

	order := types.OmsOrder{
		OrderID:  fmt.Sprintf("fast15m-%s-%d", update.TokenID, sender.Now()),
		MarketID: update.TokenID,
		Side:     side,
		Price:    price,
		Size:     size,
	}
	if _, err := sender.SendOrder(order); err == nil {
		s.placed[update.TokenID] = true
	}
}

func (s *Fast15mReplay) OnTrade(sender OrderSender, trade TradePayload) {}

func (s *Fast15mReplay) OnFill(sender OrderSender, fill types.OmsFill) {}

// ticksToDecimal converts an integer tick price (scaled to types.Scale) back
// to a decimal, the inverse of the loader's tick encoding.
func ticksToDecimal(ticks int64) decimal.Decimal {
	return decimal.New(ticks, -types.Scale)
}

// kellyFraction is the fractional-Kelly size for a binary bet at price with
// edge over fair value, capped at both kellyFrac and maxTradeFrac. Identical
// to vault.Fast15m.kellySize, duplicated here so the backtest package stays
// free of a dependency on the live sizing engine it is replaying.
func kellyFraction(edge, price, kellyFrac, maxTradeFrac decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) || price.GreaterThanOrEqual(decimal.New(1, 0)) {
		return decimal.Zero
	}
	denom := price.Mul(decimal.New(1, 0).Sub(price))
	if denom.IsZero() {
		return decimal.Zero
	}
	raw := edge.Div(denom).Mul(kellyFrac)
	if raw.GreaterThan(maxTradeFrac) {
		raw = maxTradeFrac
	}
	if raw.LessThan(decimal.Zero) {
		raw = decimal.Zero
	}
	return raw
}

package vault

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterbot/pkg/types"
)

type fixedSpot struct{ price decimal.Decimal }

func (f fixedSpot) Spot(string) (decimal.Decimal, bool) { return f.price, true }

func TestFast15m_NoTradeWhenEdgeBelowThreshold(t *testing.T) {
	pool := NewPool()
	pool.SeedForTest("genesis", dec("1000"), dec("1000"))
	adapter := NewPaperAdapter(pool)
	cfg := Fast15mConfig{
		MinEdge:          dec("0.10"),
		ShrinkFactor:     dec("0.5"),
		KellyFraction:    dec("0.05"),
		MaxTradeFraction: dec("0.01"),
	}
	eng := NewFast15m(cfg, fixedSpot{dec("100")}, pool, adapter, slog.Default())

	m := Updown15m{MarketID: "m1", TokenID: "t1", Symbol: "BTC", StrikeRef: dec("100"), Mid: dec("0.5"), SecondsLeft: 900}
	id, sig, err := eng.Tick(context.Background(), m, time.Now())
	require.NoError(t, err)
	assert.Empty(t, id, "mid ~= computed p_up, edge should be near zero")
	require.NotNil(t, sig, "an inference signal is emitted even when no trade fires")
	assert.Equal(t, types.KindUpdown15mInfer, sig.Kind)
}

func TestFast15m_TradeRespectsMaxTradeFractionCap(t *testing.T) {
	pool := NewPool()
	pool.SeedForTest("genesis", dec("1000"), dec("1000"))
	adapter := NewPaperAdapter(pool)
	cfg := Fast15mConfig{
		MinEdge:          dec("0.01"),
		ShrinkFactor:     dec("0"),
		KellyFraction:    dec("0.05"),
		MaxTradeFraction: dec("0.01"),
	}
	eng := NewFast15m(cfg, fixedSpot{dec("120")}, pool, adapter, slog.Default())

	// Spot well above strike with no time decay -> p_up near 1, market mid at
	// 0.5 -> large edge, sizing should be clamped at MaxTradeFraction of NAV.
	m := Updown15m{MarketID: "m1", TokenID: "t1", Symbol: "BTC", StrikeRef: dec("100"), Mid: dec("0.5"), SecondsLeft: 900}
	id, _, err := eng.Tick(context.Background(), m, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := pool.Snapshot()
	// Notional traded should never exceed 1% of the pre-trade NAV (1000).
	spent := dec("1000").Sub(snap.CashUSDC).Abs()
	assert.True(t, spent.LessThanOrEqual(dec("10.00000001")), "spent=%s exceeds 1%% cap", spent)
}

func TestFast15m_CooldownBlocksSecondTradeSameMarket(t *testing.T) {
	pool := NewPool()
	pool.SeedForTest("genesis", dec("1000"), dec("1000"))
	adapter := NewPaperAdapter(pool)
	cfg := Fast15mConfig{
		MinEdge: dec("0.01"), ShrinkFactor: dec("0"), KellyFraction: dec("0.05"),
		MaxTradeFraction: dec("0.01"), Cooldown: time.Hour,
	}
	eng := NewFast15m(cfg, fixedSpot{dec("120")}, pool, adapter, slog.Default())
	m := Updown15m{MarketID: "m1", TokenID: "t1", Symbol: "BTC", StrikeRef: dec("100"), Mid: dec("0.5"), SecondsLeft: 900}

	now := time.Now()
	id1, _, err := eng.Tick(context.Background(), m, now)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, _, err := eng.Tick(context.Background(), m, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, id2, "second trade within cooldown should be skipped")
}

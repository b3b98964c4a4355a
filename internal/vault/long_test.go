package vault

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betterbot/pkg/types"
)

type stubScout struct {
	name string
	dec  Decision
	err  error
}

func (s stubScout) Name() string { return s.name }
func (s stubScout) Propose(context.Context, LongCandidate) (Decision, int, error) {
	return s.dec, 100, s.err
}

func TestLong_InadmissibleCandidateSkipped(t *testing.T) {
	pool := NewPool()
	pool.SeedForTest("genesis", dec("1000"), dec("1000"))
	adapter := NewPaperAdapter(pool)
	cfg := LongConfig{MaxTTE: time.Hour, MaxSpread: dec("0.02"), MinTopOfBookDepth: dec("100"), ConsensusNeeded: 1}
	long := NewLong(cfg, nil, pool, adapter, slog.Default())

	m := LongCandidate{MarketID: "m1", TTE: 2 * time.Hour} // exceeds MaxTTE
	id, err := long.Evaluate(context.Background(), m, time.Now())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestLong_ConsensusRequiresAgreement(t *testing.T) {
	decs := []Decision{
		{Action: ActionEnter, Confidence: dec("0.7")},
		{Action: ActionNoTrade},
		{Action: ActionNoTrade},
	}
	_, ok := consensusDecision(decs, 3)
	assert.False(t, ok, "no action reaches 3-of-3 consensus")

	decs2 := []Decision{
		{Action: ActionEnter, Confidence: dec("0.7")},
		{Action: ActionEnter, Confidence: dec("0.65")},
		{Action: ActionEnter, Confidence: dec("0.6")},
		{Action: ActionNoTrade},
	}
	got, ok := consensusDecision(decs2, 3)
	require.True(t, ok)
	assert.Equal(t, ActionEnter, got.Action)
}

func TestLong_ConsensusReachedPlacesOrder(t *testing.T) {
	pool := NewPool()
	pool.SeedForTest("genesis", dec("1000"), dec("1000"))
	adapter := NewPaperAdapter(pool)
	cfg := LongConfig{
		MaxTTE: time.Hour, MaxSpread: dec("0.05"), MinTopOfBookDepth: dec("10"),
		KellyFraction: dec("0.05"), MaxTradeFraction: dec("0.01"), ConsensusNeeded: 2,
		DailyCallBudget: 10, DailyTokenBudget: 100000,
	}
	enter := Decision{Action: ActionEnter, Side: types.BUY, Confidence: dec("0.75")}
	scouts := []ScoutModel{
		stubScout{name: "a", dec: enter},
		stubScout{name: "b", dec: enter},
		stubScout{name: "c", dec: Decision{Action: ActionNoTrade}},
	}
	long := NewLong(cfg, scouts, pool, adapter, slog.Default())

	m := LongCandidate{MarketID: "m1", TokenID: "t1", Mid: dec("0.4"), Spread: dec("0.01"), TopDepth: dec("50"), TTE: 10 * time.Minute}
	id, err := long.Evaluate(context.Background(), m, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

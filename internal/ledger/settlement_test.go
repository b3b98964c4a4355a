package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = int64(time.Nanosecond)

func spec(tie TieRule) SettlementSpec {
	return SettlementSpec{
		WindowDuration: 15 * time.Minute,
		Rounding:       2,
		TieRule:        tie,
		Knowability:    KnowAtCutoff,
	}
}

func TestSettlement_BoundaryIncludesTMinus1ExcludesTPlus1(t *testing.T) {
	eng := NewSettlementEngine(New(false, false))
	w := eng.OpenWindow("m1", 0, 100*ns, spec(TieNoWins))

	require.NoError(t, eng.ObserveStartPrice("m1", d("100.00"), 0))
	// Price at T-1ns is included.
	require.NoError(t, eng.ObserveEndPrice("m1", d("100.01"), w.WindowEndNs-1))
	// A later price at T+1ns must not overwrite the included one.
	require.NoError(t, eng.ObserveEndPrice("m1", d("999.99"), w.WindowEndNs+1))

	resolved, err := eng.TryResolve("m1", w.WindowEndNs)
	require.NoError(t, err)
	assert.Equal(t, WindowResolved, resolved.Status)
	assert.True(t, resolved.EndPrice.Equal(d("100.01")))
	assert.Equal(t, WinnerUp, resolved.Winner)
}

func TestSettlement_TieNoWinsResolvesDown(t *testing.T) {
	eng := NewSettlementEngine(New(false, false))
	w := eng.OpenWindow("m2", 0, 100*ns, spec(TieNoWins))
	require.NoError(t, eng.ObserveStartPrice("m2", d("100.00"), 0))
	require.NoError(t, eng.ObserveEndPrice("m2", d("100.00"), w.WindowEndNs))

	resolved, err := eng.TryResolve("m2", w.WindowEndNs)
	require.NoError(t, err)
	assert.Equal(t, WinnerDown, resolved.Winner)
}

func TestSettlement_EarlyAttemptDoesNotResolve(t *testing.T) {
	eng := NewSettlementEngine(New(false, false))
	w := eng.OpenWindow("m3", 0, 1000*ns, SettlementSpec{
		Rounding: 2, TieRule: TieNoWins, Knowability: KnowDelayFromCutoff, KnowabilityLag: 500 * time.Nanosecond,
	})
	require.NoError(t, eng.ObserveStartPrice("m3", d("1"), 0))
	require.NoError(t, eng.ObserveEndPrice("m3", d("2"), w.WindowEndNs))

	resolved, err := eng.TryResolve("m3", w.WindowEndNs) // before knowability lag elapses
	require.NoError(t, err)
	assert.NotEqual(t, WindowResolved, resolved.Status)
	assert.Equal(t, 1, resolved.EarlySettlementAttempts)

	resolved, err = eng.TryResolve("m3", w.WindowEndNs+500)
	require.NoError(t, err)
	assert.Equal(t, WindowResolved, resolved.Status)
}

func TestSettlement_MissingDataAtKnowability(t *testing.T) {
	eng := NewSettlementEngine(New(false, false))
	w := eng.OpenWindow("m4", 0, 100*ns, spec(TieNoWins))
	require.NoError(t, eng.ObserveStartPrice("m4", d("1"), 0))
	// No end price ever arrives.
	resolved, err := eng.TryResolve("m4", w.WindowEndNs)
	require.NoError(t, err)
	assert.Equal(t, WindowMissingData, resolved.Status)
}

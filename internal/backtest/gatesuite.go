package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TrustLevel is the final label assigned to a backtest run.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "Trusted"
	TrustUntrusted TrustLevel = "Untrusted"
	TrustUnknown   TrustLevel = "Unknown"
	TrustBypassed  TrustLevel = "Bypassed"
)

// WindowPnL is one synthetic or real window's realized P&L before fees,
// used as input to the gate suite.
type WindowPnL struct {
	PnLBeforeFees decimal.Decimal
}

// GateResult is one gate's pass/fail verdict with supporting detail.
type GateResult struct {
	Name    string
	Passed  bool
	Detail  string
}

// meanPnL computes the arithmetic mean of windows' PnLBeforeFees.
func meanPnL(windows []WindowPnL) decimal.Decimal {
	if len(windows) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, w := range windows {
		sum = sum.Add(w.PnLBeforeFees)
	}
	return sum.Div(decimal.NewFromInt(int64(len(windows))))
}

// GateA (Zero-edge) expects mean P&L before fees to sit within [-tolerance,
// +tolerance] when theory price is identical to market mid.
func GateA(windows []WindowPnL, tolerance decimal.Decimal) GateResult {
	mean := meanPnL(windows)
	passed := mean.Abs().LessThanOrEqual(tolerance)
	return GateResult{Name: "zero_edge", Passed: passed, Detail: fmt.Sprintf("mean_pnl=%s tolerance=%s", mean, tolerance)}
}

// GateB (Martingale) is identical in shape to Gate A: a random-walk price
// path should also show zero mean edge before fees.
func GateB(windows []WindowPnL, tolerance decimal.Decimal, minTradeCount, tradeCount int) GateResult {
	mean := meanPnL(windows)
	passed := mean.Abs().LessThanOrEqual(tolerance) && tradeCount >= minTradeCount
	return GateResult{Name: "martingale", Passed: passed, Detail: fmt.Sprintf("mean_pnl=%s trades=%d/%d", mean, tradeCount, minTradeCount)}
}

// GateC (Signal inversion) fails if both the original and the
// signal-inverted run are profitable beyond posThreshold — inverting a
// real signal should not make both directions win.
func GateC(pnlOriginal, pnlInverted, posThreshold decimal.Decimal) GateResult {
	bothPositive := pnlOriginal.GreaterThanOrEqual(posThreshold) && pnlInverted.GreaterThanOrEqual(posThreshold)
	return GateResult{
		Name:   "signal_inversion",
		Passed: !bothPositive,
		Detail: fmt.Sprintf("pnl_original=%s pnl_inverted=%s threshold=%s", pnlOriginal, pnlInverted, posThreshold),
	}
}

// SensitivityPoint is one point in the end-to-end latency / sampling
// fidelity / execution model sweep.
type SensitivityPoint struct {
	LatencyMs       int
	ExecutionModel  MakerFillModel
	PnLBeforeFees   decimal.Decimal
}

// FragilityScore summarizes how much P&L varies across the sensitivity
// sweep relative to its baseline (the first point), as a fraction.
func FragilityScore(points []SensitivityPoint) decimal.Decimal {
	if len(points) == 0 {
		return decimal.Zero
	}
	baseline := points[0].PnLBeforeFees
	if baseline.IsZero() {
		baseline = decimal.NewFromFloat(1e-9)
	}
	maxDev := decimal.Zero
	for _, p := range points[1:] {
		dev := p.PnLBeforeFees.Sub(baseline).Div(baseline).Abs()
		if dev.GreaterThan(maxDev) {
			maxDev = dev
		}
	}
	return maxDev
}

// GateSuiteResult is the full outcome of running gates A/B/C plus the
// sensitivity sweep, and the TrustLevel they produce.
type GateSuiteResult struct {
	GateA, GateB, GateC GateResult
	Fragility           decimal.Decimal
	FragilityThreshold  decimal.Decimal
	Trust               TrustLevel
	Reasons             []string
}

// Evaluate determines the run's TrustLevel from the three gates plus the
// fragility score. Any failing gate, or fragility beyond threshold,
// produces Untrusted with reasons; bypassed is set by the caller when the
// suite was explicitly skipped (e.g. research-mode optimistic fills), never
// derived here.
func Evaluate(a, b, c GateResult, fragility, fragilityThreshold decimal.Decimal) GateSuiteResult {
	res := GateSuiteResult{GateA: a, GateB: b, GateC: c, Fragility: fragility, FragilityThreshold: fragilityThreshold}

	var reasons []string
	if !a.Passed {
		reasons = append(reasons, "gate_a_zero_edge_failed: "+a.Detail)
	}
	if !b.Passed {
		reasons = append(reasons, "gate_b_martingale_failed: "+b.Detail)
	}
	if !c.Passed {
		reasons = append(reasons, "gate_c_signal_inversion_failed: "+c.Detail)
	}
	if fragility.GreaterThan(fragilityThreshold) {
		reasons = append(reasons, fmt.Sprintf("fragility_score=%s exceeds threshold=%s", fragility, fragilityThreshold))
	}

	if len(reasons) == 0 {
		res.Trust = TrustTrusted
	} else {
		res.Trust = TrustUntrusted
		res.Reasons = reasons
	}
	return res
}

package signal

import (
	"testing"
	"time"

	"betterbot/pkg/types"
)

func baseSignal(kind types.SignalKind, market, source string, confidence float64, at time.Time) types.Signal {
	return types.Signal{
		SignalID:   "sig-1",
		Kind:       kind,
		MarketSlug: market,
		Confidence: confidence,
		Source:     source,
		DetectedAt: at,
	}
}

func TestQualityGateDropsStaleEvents(t *testing.T) {
	gate := NewQualityGate(3 * time.Second)
	now := time.Now()
	sig := baseSignal(types.KindWhaleFollow, "m1", "whale_rest", 0.9, now.Add(-5*time.Second))

	if _, ok := gate.Admit(sig, now); ok {
		t.Fatal("expected stale signal to be dropped")
	}
}

func TestQualityGateDropsBelowThreshold(t *testing.T) {
	gate := NewQualityGate(3 * time.Second)
	now := time.Now()
	sig := baseSignal(types.KindInsiderWallet, "m1", "wallet_ws", 0.3, now)

	if _, ok := gate.Admit(sig, now); ok {
		t.Fatal("expected low-confidence signal to be dropped")
	}
}

func TestQualityGateDedupesWithin24h(t *testing.T) {
	gate := NewQualityGate(3 * time.Second)
	now := time.Now()
	sig := baseSignal(types.KindWhaleFollow, "m1", "whale_rest", 0.9, now)

	if _, ok := gate.Admit(sig, now); !ok {
		t.Fatal("expected the first occurrence to be admitted")
	}

	sig2 := baseSignal(types.KindWhaleFollow, "m1", "whale_rest", 0.9, now.Add(time.Hour))
	sig2.DetectedAt = now.Add(time.Hour)
	if _, ok := gate.Admit(sig2, now.Add(time.Hour)); ok {
		t.Fatal("expected duplicate signal_id within 24h to be dropped")
	}
}

func TestQualityGateBoostsOnCorroboration(t *testing.T) {
	gate := NewQualityGate(3 * time.Second)
	now := time.Now()

	first := baseSignal(types.KindWhaleFollow, "m1", "whale_rest", 0.9, now)
	first.SignalID = "sig-a"
	if _, ok := gate.Admit(first, now); !ok {
		t.Fatal("expected first signal to be admitted")
	}

	second := baseSignal(types.KindTrackedWalletEntry, "m1", "wallet_ws", 0.55, now.Add(time.Second))
	second.SignalID = "sig-b"
	second.DetectedAt = now.Add(time.Second)
	got, ok := gate.Admit(second, now.Add(time.Second))
	if !ok {
		t.Fatal("expected corroborated signal to be admitted")
	}
	if got.Confidence <= 0.55 {
		t.Fatalf("expected a corroboration boost, got %f", got.Confidence)
	}
}

func TestQualityGatePenalizesLowTrustSingleton(t *testing.T) {
	gate := NewQualityGate(3 * time.Second)
	now := time.Now()
	sig := baseSignal(types.KindPriceDeviation, "m1", "orderbook", 0.75, now)

	got, ok := gate.Admit(sig, now)
	if !ok {
		t.Fatalf("expected admission with penalty still above threshold, got confidence %f", got.Confidence)
	}
	if got.Confidence >= 0.75 {
		t.Fatalf("expected singleton penalty to reduce confidence, got %f", got.Confidence)
	}
}

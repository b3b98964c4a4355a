package signal

import (
	"sync"
	"time"

	"betterbot/pkg/types"
)

// familyThreshold is the minimum confidence each signal kind must clear.
// Low-trust single-source families (PriceDeviation, ExpiryEdge) carry a
// higher bar than wallet-attributed families, where the wallet tier lookup
// itself is the corroborating signal.
var familyThreshold = map[types.SignalKind]float64{
	types.KindWhaleFollow:        0.55,
	types.KindEliteWallet:        0.70,
	types.KindInsiderWallet:      0.80,
	types.KindTrackedWalletEntry: 0.55,
	types.KindPriceDeviation:     0.60,
	types.KindExpiryEdge:         0.65,
	types.KindWhaleCluster:       0.60,
	types.KindCrossVenueArb:      0.60,
	types.KindUpdown15mInfer:     0.60,
}

// lowTrustFamilies are penalized when they arrive as a singleton (no
// corroborating signal from another source within the corroboration window).
var lowTrustFamilies = map[types.SignalKind]bool{
	types.KindPriceDeviation: true,
	types.KindExpiryEdge:     true,
}

const (
	corroborationWindow = 2 * time.Minute
	corroborationBoost  = 0.05
	corroborationPenalty = 0.10
	dedupWindow          = 24 * time.Hour
)

// QualityGate drops stale, low-confidence, and duplicate signals, and
// adjusts confidence for corroboration before a signal is allowed through to
// persistence and fan-out.
type QualityGate struct {
	maxAge time.Duration

	mu             sync.Mutex
	seenSignalIDs  map[string]time.Time        // signal_id -> first-seen, for 24h dedup
	recentByMarket map[string][]corroborationEntry // market_slug -> recent arrivals, for corroboration
}

type corroborationEntry struct {
	source string
	at     time.Time
}

// NewQualityGate builds a gate with the given max event age (default 3s per
// spec.md §4.2 if maxAge <= 0).
func NewQualityGate(maxAge time.Duration) *QualityGate {
	if maxAge <= 0 {
		maxAge = 3 * time.Second
	}
	return &QualityGate{
		maxAge:         maxAge,
		seenSignalIDs:  make(map[string]time.Time),
		recentByMarket: make(map[string][]corroborationEntry),
	}
}

// Admit applies the quality gate to sig, observed at arrivalTime. It returns
// the (possibly confidence-adjusted) signal and whether it should proceed.
func (g *QualityGate) Admit(sig types.Signal, arrivalTime time.Time) (types.Signal, bool) {
	if arrivalTime.Sub(sig.DetectedAt) > g.maxAge {
		return sig, false
	}

	threshold, ok := familyThreshold[sig.Kind]
	if !ok {
		threshold = 0.6
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if seenAt, ok := g.seenSignalIDs[sig.SignalID]; ok && arrivalTime.Sub(seenAt) < dedupWindow {
		return sig, false
	}

	corroborated := g.hasCorroborationLocked(sig, arrivalTime)
	if corroborated {
		sig.Confidence += corroborationBoost
	} else if lowTrustFamilies[sig.Kind] {
		sig.Confidence -= corroborationPenalty
	}
	if sig.Confidence > 0.99 {
		sig.Confidence = 0.99
	}
	if sig.Confidence < 0 {
		sig.Confidence = 0
	}

	if sig.Confidence < threshold {
		return sig, false
	}

	g.seenSignalIDs[sig.SignalID] = arrivalTime
	g.recordArrivalLocked(sig, arrivalTime)
	g.evictStaleLocked(arrivalTime)

	return sig, true
}

// hasCorroborationLocked reports whether another source reported on the same
// market within the corroboration window.
func (g *QualityGate) hasCorroborationLocked(sig types.Signal, arrivalTime time.Time) bool {
	cutoff := arrivalTime.Add(-corroborationWindow)
	for _, e := range g.recentByMarket[sig.MarketSlug] {
		if e.source != sig.Source && e.at.After(cutoff) {
			return true
		}
	}
	return false
}

func (g *QualityGate) recordArrivalLocked(sig types.Signal, arrivalTime time.Time) {
	g.recentByMarket[sig.MarketSlug] = append(g.recentByMarket[sig.MarketSlug], corroborationEntry{
		source: sig.Source,
		at:     arrivalTime,
	})
}

// evictStaleLocked prunes dedup and corroboration state that has aged out,
// bounding the gate's memory footprint over a long-running process.
func (g *QualityGate) evictStaleLocked(now time.Time) {
	for id, seenAt := range g.seenSignalIDs {
		if now.Sub(seenAt) > dedupWindow {
			delete(g.seenSignalIDs, id)
		}
	}
	for market, entries := range g.recentByMarket {
		cutoff := now.Add(-corroborationWindow)
		kept := entries[:0]
		for _, e := range entries {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(g.recentByMarket, market)
		} else {
			g.recentByMarket[market] = kept
		}
	}
}

package signal

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// marketInfo tracks the per-market state the detector needs across events:
// its outcome token IDs (from the market catalog), its close time, and the
// most recently observed mid price on each outcome (from the orderbook
// adapter). All derived purely from normalized ingest events, never from a
// direct upstream call.
type marketInfo struct {
	slug        string
	yesTokenID  string
	noTokenID   string
	windowClose time.Time

	yesPrice   decimal.Decimal
	yesPriceOK bool
	noPrice    decimal.Decimal
	noPriceOK  bool
}

// MarketRegistry is the detector's short-lived per-market state, keyed by
// market slug and by token ID (to resolve an orderbook update back to its
// market and side).
type MarketRegistry struct {
	mu           sync.Mutex
	bySlug       map[string]*marketInfo
	tokenToSlug  map[string]string // tokenID -> slug
	tokenIsYes   map[string]bool   // tokenID -> true if it's the Yes side
}

// NewMarketRegistry creates an empty registry.
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		bySlug:      make(map[string]*marketInfo),
		tokenToSlug: make(map[string]string),
		tokenIsYes:  make(map[string]bool),
	}
}

// UpsertCatalog records a market catalog entry's token IDs and close time.
func (r *MarketRegistry) UpsertCatalog(entry CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.bySlug[entry.Slug]
	if !ok {
		m = &marketInfo{slug: entry.Slug}
		r.bySlug[entry.Slug] = m
	}
	m.yesTokenID = entry.YesTokenID
	m.noTokenID = entry.NoTokenID
	m.windowClose = entry.EndTime

	if entry.YesTokenID != "" {
		r.tokenToSlug[entry.YesTokenID] = entry.Slug
		r.tokenIsYes[entry.YesTokenID] = true
	}
	if entry.NoTokenID != "" {
		r.tokenToSlug[entry.NoTokenID] = entry.Slug
		r.tokenIsYes[entry.NoTokenID] = false
	}
}

// CatalogEntry is the subset of ingest.MarketCatalogEntry the registry needs,
// duplicated here to avoid an import cycle between signal and ingest.
type CatalogEntry struct {
	Slug       string
	YesTokenID string
	NoTokenID  string
	EndTime    time.Time
}

// UpdatePrice records a new mid price for tokenID and returns the owning
// market's current snapshot, or false if tokenID is not yet mapped to a
// market (the catalog entry hasn't arrived yet).
func (r *MarketRegistry) UpdatePrice(tokenID string, mid decimal.Decimal) (marketSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slug, ok := r.tokenToSlug[tokenID]
	if !ok {
		return marketSnapshot{}, false
	}
	m := r.bySlug[slug]
	if r.tokenIsYes[tokenID] {
		m.yesPrice, m.yesPriceOK = mid, true
	} else {
		m.noPrice, m.noPriceOK = mid, true
	}
	return snapshotOf(m), true
}

// Snapshot returns the current state for slug, or false if unknown.
func (r *MarketRegistry) Snapshot(slug string) (marketSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.bySlug[slug]
	if !ok {
		return marketSnapshot{}, false
	}
	return snapshotOf(m), true
}

type marketSnapshot struct {
	slug        string
	windowClose time.Time
	yesPrice    decimal.Decimal
	yesPriceOK  bool
	noPrice     decimal.Decimal
	noPriceOK   bool
}

func snapshotOf(m *marketInfo) marketSnapshot {
	return marketSnapshot{
		slug:        m.slug,
		windowClose: m.windowClose,
		yesPrice:    m.yesPrice,
		yesPriceOK:  m.yesPriceOK,
		noPrice:     m.noPrice,
		noPriceOK:   m.noPriceOK,
	}
}

// whaleSighting records one whale trade's address and time for cluster
// detection.
type whaleSighting struct {
	address string
	at      time.Time
}

// WhaleClusterTracker maintains a rolling 1-hour window of whale sightings
// per (market, outcome), evicting stale entries exactly like the teacher's
// FlowTracker.evictStaleLocked.
type WhaleClusterTracker struct {
	mu     sync.Mutex
	window time.Duration
	byKey  map[string][]whaleSighting
}

// NewWhaleClusterTracker builds a tracker with a 1-hour window.
func NewWhaleClusterTracker() *WhaleClusterTracker {
	return &WhaleClusterTracker{window: time.Hour, byKey: make(map[string][]whaleSighting)}
}

// Observe records a whale sighting for key (market slug + outcome) and
// returns the number of distinct addresses currently in the window.
func (t *WhaleClusterTracker) Observe(key, address string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := append(t.byKey[key], whaleSighting{address: address, at: at})
	cutoff := at.Add(-t.window)
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	t.byKey[key] = kept

	seen := make(map[string]bool, len(kept))
	for _, e := range kept {
		seen[e.address] = true
	}
	return len(seen)
}

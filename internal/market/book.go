// Package market maintains a local mirror of the order book for outcome
// tokens. Book is updated from REST snapshots (ingest.OrderBookUpdate) and
// provides derived values (mid price, crossed detection) to the enrichment
// pool and the FAST15M vault engine. Grounded on the teacher's
// internal/market/book.go RWMutex-protected local mirror, generalized from a
// fixed YES/NO pair to any outcome token and from float64 to decimal.Decimal.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// Book maintains a local mirror of one outcome token's order book.
type Book struct {
	mu      sync.RWMutex
	tokenID string
	snap    types.OrderBookSnapshot
	updated time.Time
}

// NewBook creates a local order book mirror for one outcome token.
func NewBook(tokenID string) *Book {
	return &Book{tokenID: tokenID}
}

// Apply replaces the book with a freshly fetched snapshot. A book marked
// crossed (best bid >= best ask) is flagged rather than rejected, per the
// OrderBookSnapshot invariant in spec.md §3.
func (b *Book) Apply(snap types.OrderBookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bid, ok1 := snap.BestBid(); ok1 {
		if ask, ok2 := snap.BestAsk(); ok2 {
			snap.Crossed = bid.Price.GreaterThanOrEqual(ask.Price)
		}
	}

	b.snap = snap
	b.updated = time.Now()
}

// Snapshot returns a copy of the current book.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// Mid returns the mid price, or false if either side is empty or the book
// is crossed/halted.
func (b *Book) Mid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.snap.Crossed || b.snap.Halted {
		return decimal.Zero, false
	}
	return b.snap.Mid()
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Registry tracks one Book per outcome token, created lazily. Grounded on
// the teacher's per-market Book instantiation in engine.Engine, generalized
// to a single shared map since enrichment fetches books for arbitrary tokens
// rather than a fixed set of actively quoted markets.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]*Book
}

// NewRegistry creates an empty book registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// Get returns the book for tokenID, creating it if necessary.
func (r *Registry) Get(tokenID string) *Book {
	r.mu.RLock()
	b, ok := r.books[tokenID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.books[tokenID]; ok {
		return b
	}
	b = NewBook(tokenID)
	r.books[tokenID] = b
	return b
}

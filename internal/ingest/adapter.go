// Package ingest implements one adapter per upstream venue. Every adapter
// normalizes its wire format into a RawEvent and pushes it into a shared,
// bounded channel with backpressure (drop-and-count on overflow, never
// block the transport goroutine).
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// EventKind tags the RawEvent union.
type EventKind string

const (
	EventWalletOrder    EventKind = "wallet_order"
	EventWhaleTrade     EventKind = "whale_trade"
	EventMarketCatalog  EventKind = "market_catalog"
	EventOrderBook      EventKind = "order_book"
	EventSpotPrice      EventKind = "spot_price"
)

// WalletOrder is the normalized shape of a wallet order WS/REST event.
type WalletOrder struct {
	OrderHash       string
	TxHash          string
	User            string
	MarketSlug      string
	ConditionID     string
	TokenID         string
	Side            types.Side
	SharesNorm      decimal.Decimal
	Price           decimal.Decimal
	Title           string
}

// WhaleTrade is the normalized shape of a whale trades REST event.
type WhaleTrade struct {
	UserAddress string
	AssetID     string
	Side        types.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	MarketSlug  string
}

// MarketCatalogEntry is the normalized shape of a market catalog row.
type MarketCatalogEntry struct {
	Slug        string
	ConditionID string
	Question    string
	YesTokenID  string
	NoTokenID   string
	EndTime     time.Time
	Active      bool
	Closed      bool
}

// OrderBookUpdate wraps a full snapshot fetched from the orderbook REST adapter.
type OrderBookUpdate struct {
	Snapshot types.OrderBookSnapshot
}

// SpotPriceTick is a single tick from the settlement reference spot feed.
type SpotPriceTick struct {
	Symbol string
	Price  decimal.Decimal
}

// RawEvent is the normalized envelope every adapter produces. Exactly one of
// the typed payload fields is populated, selected by Kind.
type RawEvent struct {
	Kind        EventKind
	Source      string
	SourceTime  time.Time
	ArrivalTime time.Time
	Seq         int64

	WalletOrder    *WalletOrder
	WhaleTrade     *WhaleTrade
	MarketCatalog  *MarketCatalogEntry
	OrderBook      *OrderBookUpdate
	SpotPrice      *SpotPriceTick
}

// Adapter is the uniform contract every upstream connector implements.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Health() types.HealthReport
}

// Bus is the shared, bounded, multi-producer channel adapters push into.
// Sends are non-blocking: a full bus drops the event and logs a warning,
// matching the teacher's select/default channel-overflow idiom.
type Bus struct {
	ch     chan RawEvent
	logger *slog.Logger
	seq    int64
}

// NewBus creates a bus with the given buffer capacity.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	return &Bus{
		ch:     make(chan RawEvent, capacity),
		logger: logger.With("component", "ingest_bus"),
	}
}

// Events returns the read-only event channel consumed by the live engine.
func (b *Bus) Events() <-chan RawEvent { return b.ch }

// Publish pushes ev onto the bus, stamping ArrivalTime and Seq if unset.
// Drops and logs on overflow rather than blocking the producing adapter.
func (b *Bus) Publish(ev RawEvent) {
	if ev.ArrivalTime.IsZero() {
		ev.ArrivalTime = time.Now()
	}
	b.seq++
	ev.Seq = b.seq

	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("ingest bus full, dropping event", "source", ev.Source, "kind", ev.Kind)
	}
}

// ReconnectBackoff doubles from 1s to a 60s cap, resetting to 1s on success —
// widened from the teacher's 1s→30s cap per the spec's reconnect policy.
type ReconnectBackoff struct {
	current time.Duration
	cap     time.Duration
}

// NewReconnectBackoff creates a backoff starting at 1s capped at 60s.
func NewReconnectBackoff() *ReconnectBackoff {
	return &ReconnectBackoff{current: time.Second, cap: 60 * time.Second}
}

// Next returns the next backoff duration and doubles internal state.
func (r *ReconnectBackoff) Next() time.Duration {
	d := r.current
	r.current *= 2
	if r.current > r.cap {
		r.current = r.cap
	}
	return d
}

// Reset restores the backoff to its initial 1s value after a successful connect.
func (r *ReconnectBackoff) Reset() {
	r.current = time.Second
}

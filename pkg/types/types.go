// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — signals, order book
// snapshots, OMS orders, ledger postings, and vault state. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Fixed point
// ————————————————————————————————————————————————————————————————————————

// Scale is the fixed-point scale used for every ledger posting and vault
// balance: 1e8, matching an i128-with-8-decimals representation.
const Scale = 8

// RoundVaultFavor rounds d to Scale decimal places, always toward the vault:
// amounts the vault owes shrink, amounts owed to the vault grow.
func RoundVaultFavor(d decimal.Decimal, vaultPays bool) decimal.Decimal {
	if vaultPays {
		return d.Truncate(Scale)
	}
	return d.Round(Scale)
}

// ————————————————————————————————————————————————————————————————————————
// Side / tiers
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or fill.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// WalletTier classifies a tracked address for the signal detector.
type WalletTier string

const (
	TierUntracked WalletTier = "untracked"
	TierTracked   WalletTier = "tracked"
	TierElite     WalletTier = "elite"
	TierInsider   WalletTier = "insider"
)

// ————————————————————————————————————————————————————————————————————————
// Health / adapters
// ————————————————————————————————————————————————————————————————————————

// HealthReport is returned by every ingest adapter's Health().
type HealthReport struct {
	Source              string
	EMALatency          time.Duration
	SuccessCount        int64
	ConsecutiveFailures int
	LastError           error
	LastErrorAt         time.Time
	Disabled            bool
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalKind tags the polymorphic signal payload.
type SignalKind string

const (
	KindWhaleFollow        SignalKind = "WhaleFollow"
	KindEliteWallet        SignalKind = "EliteWallet"
	KindInsiderWallet      SignalKind = "InsiderWallet"
	KindTrackedWalletEntry SignalKind = "TrackedWalletEntry"
	KindPriceDeviation     SignalKind = "PriceDeviation"
	KindExpiryEdge         SignalKind = "ExpiryEdge"
	KindWhaleCluster       SignalKind = "WhaleCluster"
	KindCrossVenueArb      SignalKind = "CrossVenueArb"
	KindUpdown15mInfer     SignalKind = "Updown15mInfer"
)

// RiskLevel is a coarse classification surfaced alongside a signal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Signal is the core typed event the detector emits. Once stored it is never
// mutated in place: enrichment arrives as additive SignalContext updates
// addressed by (SignalID, ContextVersion).
type Signal struct {
	SignalID       string
	Kind           SignalKind
	MarketSlug     string
	Confidence     float64
	RiskLevel      RiskLevel
	Source         string
	DetectedAt     time.Time
	ContextVersion int64

	// Kind-specific payload, kept loose on purpose: the detector populates
	// only the fields its kind needs and downstream consumers type-switch
	// on Kind before reading them.
	WalletAddress string
	WalletTier    WalletTier
	OrderHash     string
	TxHash        string
	TokenID       string
	SizeUSD       float64
	Price         float64
	DeviationAbs  float64
	DominantSide  Side
	WindowCloseAt time.Time
	ClusterSize   int
	PUp           float64 // model-implied P(up) for Updown15mInfer
}

// MarketMetadata is the "lite" subset of enrichment always present in list
// responses.
type MarketMetadata struct {
	Slug     string
	Title    string
	Question string
	EndTime  time.Time
}

// WalletPnLSummary is the enrichment fetched for a wallet address.
type WalletPnLSummary struct {
	Address      string
	RealizedPnL  float64
	TradeCount   int
	WinRate      float64
	AsOf         time.Time
}

// SignalContext is the enrichment payload keyed by SignalID. ContextVersion
// never decreases; readers merge fields monotonically.
type SignalContext struct {
	SignalID       string
	ContextVersion int64
	Status         EnrichmentStatus

	Market  *MarketMetadata
	Book    *OrderBookSnapshot
	Wallet  *WalletPnLSummary
	Mapping map[string]string // e.g. resolved ENS / exchange-account label
}

// EnrichmentStatus reports the fidelity of a SignalContext update.
type EnrichmentStatus string

const (
	EnrichmentOK      EnrichmentStatus = "ok"
	EnrichmentPartial EnrichmentStatus = "partial"
	EnrichmentFailed  EnrichmentStatus = "failed"
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a point-in-time view of one outcome token's book.
// Invariant: Bids[0].Price < Asks[0].Price, or Crossed/Halted is set.
type OrderBookSnapshot struct {
	TokenID      string
	Bids         []PriceLevel // descending by price
	Asks         []PriceLevel // ascending by price
	VenueSeq     int64
	SourceTime   time.Time
	ArrivalTime  time.Time
	Crossed      bool
	Halted       bool
}

// BestBid returns the best bid level, or a zero level if the book is empty.
func (b OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the best ask level, or a zero level if the book is empty.
func (b OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the mid price, or false if either side is empty.
func (b OrderBookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// ————————————————————————————————————————————————————————————————————————
// OMS
// ————————————————————————————————————————————————————————————————————————

// OmsState enumerates the legal lifecycle states of a simulated or live order.
type OmsState string

const (
	OmsNew             OmsState = "New"
	OmsPendingAck      OmsState = "PendingAck"
	OmsLive            OmsState = "Live"
	OmsPartiallyFilled OmsState = "PartiallyFilled"
	OmsPendingCancel   OmsState = "PendingCancel"
	OmsDone            OmsState = "Done"
)

// TerminalReason records why a Done order terminated.
type TerminalReason string

const (
	ReasonFilled    TerminalReason = "Filled"
	ReasonCancelled TerminalReason = "Cancelled"
	ReasonRejected  TerminalReason = "Rejected"
	ReasonExpired   TerminalReason = "Expired"
)

// OmsFill records a single execution against an OmsOrder.
type OmsFill struct {
	FillID    string
	Price     decimal.Decimal
	Size      decimal.Decimal
	SimTimeNs int64
}

// OmsOrder is the order state machine record. Terminal state is absorbing;
// fills are only credited when the state machine permits.
type OmsOrder struct {
	OrderID        string
	MarketID       string
	Side           Side
	Price          decimal.Decimal
	Size           decimal.Decimal
	State          OmsState
	TerminalReason TerminalReason
	Fills          []OmsFill
}

// FilledSize sums the size of all credited fills.
func (o *OmsOrder) FilledSize() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Size)
	}
	return total
}

// Remaining returns original size minus the sum of fills.
func (o *OmsOrder) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize())
}

// ————————————————————————————————————————————————————————————————————————
// Ledger
// ————————————————————————————————————————————————————————————————————————

// LedgerPosting is one leg of a double-entry ledger entry.
type LedgerPosting struct {
	Account   string
	Direction Side // BUY == debit, SELL == credit, by convention of the ledger package
	Amount    decimal.Decimal
}

// LedgerEntry is an immutable, append-only record. Σ postings == 0.
type LedgerEntry struct {
	EntryID   int64
	SimTimeNs int64
	EventRef  string
	Postings  []LedgerPosting
}

// ————————————————————————————————————————————————————————————————————————
// Vault
// ————————————————————————————————————————————————————————————————————————

// VaultState is the pooled NAV/share accounting record.
type VaultState struct {
	CashUSDC     decimal.Decimal
	TotalShares  decimal.Decimal
	HolderShares map[string]decimal.Decimal
}

// FillResult is the OMS gate's sum-type result, generalizing the teacher's
// OrderResponse.Success/ErrorMsg pair into Result<OrderID>.
type FillResult struct {
	OrderID string
	Err     error
}

// Ok reports whether the result succeeded.
func (r FillResult) Ok() bool { return r.Err == nil }

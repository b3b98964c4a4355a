package signal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/internal/ingest"
	"betterbot/pkg/types"
)

const (
	whaleFollowMinUSD   = 10_000.0
	whaleClusterMin     = 3
	priceDeviationAbs   = 0.02
	expiryEdgeWindow    = 4 * time.Hour
	expiryEdgeDominance = 0.60
)

// Detector turns normalized ingest events into zero or more Signals. It is a
// pure function of the event plus the short-lived per-market/per-wallet
// state held in its registries, per spec.md §4.2.
type Detector struct {
	wallets *WalletRegistry
	markets *MarketRegistry
	whales  *WhaleClusterTracker
}

// NewDetector builds a detector over the given wallet tier lookup table.
func NewDetector(wallets *WalletRegistry) *Detector {
	return &Detector{
		wallets: wallets,
		markets: NewMarketRegistry(),
		whales:  NewWhaleClusterTracker(),
	}
}

// Detect processes one normalized event and returns the signals it produces.
func (d *Detector) Detect(ev ingest.RawEvent) []types.Signal {
	switch ev.Kind {
	case ingest.EventWalletOrder:
		return d.detectWalletOrder(ev)
	case ingest.EventWhaleTrade:
		return d.detectWhaleTrade(ev)
	case ingest.EventMarketCatalog:
		d.markets.UpsertCatalog(CatalogEntry{
			Slug:       ev.MarketCatalog.Slug,
			YesTokenID: ev.MarketCatalog.YesTokenID,
			NoTokenID:  ev.MarketCatalog.NoTokenID,
			EndTime:    ev.MarketCatalog.EndTime,
		})
		return nil
	case ingest.EventOrderBook:
		return d.detectOrderBook(ev)
	default:
		return nil
	}
}

func (d *Detector) detectWalletOrder(ev ingest.RawEvent) []types.Signal {
	o := ev.WalletOrder
	tier := d.wallets.Tier(o.User)
	if tier == types.TierUntracked {
		return nil
	}

	sizeUSD, _ := o.SharesNorm.Mul(o.Price).Float64()
	kind := types.KindTrackedWalletEntry
	switch tier {
	case types.TierElite:
		kind = types.KindEliteWallet
	case types.TierInsider:
		kind = types.KindInsiderWallet
	}

	price, _ := o.Price.Float64()
	sig := types.Signal{
		SignalID:      fmt.Sprintf("wallet_entry_%s", o.OrderHash),
		Kind:          kind,
		MarketSlug:    o.MarketSlug,
		Confidence:    walletTierConfidence(tier),
		RiskLevel:     walletTierRisk(tier),
		Source:        ev.Source,
		DetectedAt:    ev.ArrivalTime,
		WalletAddress: o.User,
		WalletTier:    tier,
		OrderHash:     o.OrderHash,
		TxHash:        o.TxHash,
		TokenID:       o.TokenID,
		SizeUSD:       sizeUSD,
		Price:         price,
		DominantSide:  o.Side,
	}
	return []types.Signal{sig}
}

func (d *Detector) detectWhaleTrade(ev ingest.RawEvent) []types.Signal {
	wt := ev.WhaleTrade
	sizeUSDDec := wt.Size.Mul(wt.Price)
	sizeUSD, _ := sizeUSDDec.Float64()
	if sizeUSD < whaleFollowMinUSD {
		return nil
	}

	price, _ := wt.Price.Float64()
	confidence := whaleFollowConfidence(sizeUSD)

	signals := []types.Signal{{
		SignalID:     fmt.Sprintf("whale_follow_%s_%s_%d", wt.AssetID, wt.UserAddress, ev.SourceTime.UnixNano()),
		Kind:         types.KindWhaleFollow,
		MarketSlug:   wt.MarketSlug,
		Confidence:   confidence,
		RiskLevel:    types.RiskMedium,
		Source:       ev.Source,
		DetectedAt:   ev.ArrivalTime,
		WalletAddress: wt.UserAddress,
		TokenID:      wt.AssetID,
		SizeUSD:      sizeUSD,
		Price:        price,
		DominantSide: wt.Side,
	}}

	clusterKey := wt.MarketSlug + "|" + wt.AssetID
	distinct := d.whales.Observe(clusterKey, wt.UserAddress, ev.ArrivalTime)
	if distinct >= whaleClusterMin {
		signals = append(signals, types.Signal{
			SignalID:     fmt.Sprintf("whale_cluster_%s_%d", clusterKey, ev.ArrivalTime.Unix()/60),
			Kind:         types.KindWhaleCluster,
			MarketSlug:   wt.MarketSlug,
			Confidence:   whaleClusterConfidence(distinct),
			RiskLevel:    types.RiskHigh,
			Source:       ev.Source,
			DetectedAt:   ev.ArrivalTime,
			TokenID:      wt.AssetID,
			DominantSide: wt.Side,
			ClusterSize:  distinct,
		})
	}

	return signals
}

func (d *Detector) detectOrderBook(ev ingest.RawEvent) []types.Signal {
	snap := ev.OrderBook.Snapshot
	mid, ok := snap.Mid()
	if !ok {
		return nil
	}

	state, known := d.markets.UpdatePrice(snap.TokenID, mid)
	if !known {
		return nil
	}

	var signals []types.Signal
	if sig, ok := d.priceDeviationSignal(state, ev); ok {
		signals = append(signals, sig)
	}
	if sig, ok := d.expiryEdgeSignal(state, ev); ok {
		signals = append(signals, sig)
	}
	return signals
}

func (d *Detector) priceDeviationSignal(state marketSnapshot, ev ingest.RawEvent) (types.Signal, bool) {
	if !state.yesPriceOK || !state.noPriceOK {
		return types.Signal{}, false
	}
	sum := state.yesPrice.Add(state.noPrice)
	deviation := sum.Sub(decimal.NewFromInt(1)).Abs()
	deviationF, _ := deviation.Float64()
	if deviationF < priceDeviationAbs {
		return types.Signal{}, false
	}

	return types.Signal{
		SignalID:     fmt.Sprintf("price_deviation_%s_%d", state.slug, ev.ArrivalTime.Unix()/60),
		Kind:         types.KindPriceDeviation,
		MarketSlug:   state.slug,
		Confidence:   priceDeviationConfidence(deviationF),
		RiskLevel:    types.RiskMedium,
		Source:       ev.Source,
		DetectedAt:   ev.ArrivalTime,
		DeviationAbs: deviationF,
	}, true
}

func (d *Detector) expiryEdgeSignal(state marketSnapshot, ev ingest.RawEvent) (types.Signal, bool) {
	if state.windowClose.IsZero() || !state.yesPriceOK || !state.noPriceOK {
		return types.Signal{}, false
	}
	timeToClose := state.windowClose.Sub(ev.ArrivalTime)
	if timeToClose <= 0 || timeToClose > expiryEdgeWindow {
		return types.Signal{}, false
	}

	dominantSide := types.BUY // Yes outcome
	dominantPrice := state.yesPrice
	if state.noPrice.GreaterThan(state.yesPrice) {
		dominantSide = types.SELL // No outcome
		dominantPrice = state.noPrice
	}
	dominantF, _ := dominantPrice.Float64()
	if dominantF < expiryEdgeDominance {
		return types.Signal{}, false
	}

	return types.Signal{
		SignalID:      fmt.Sprintf("expiry_edge_%s_%d", state.slug, ev.ArrivalTime.Unix()/60),
		Kind:          types.KindExpiryEdge,
		MarketSlug:    state.slug,
		Confidence:    dominantF,
		RiskLevel:     types.RiskLow,
		Source:        ev.Source,
		DetectedAt:    ev.ArrivalTime,
		DominantSide:  dominantSide,
		WindowCloseAt: state.windowClose,
	}, true
}

func walletTierConfidence(tier types.WalletTier) float64 {
	switch tier {
	case types.TierInsider:
		return 0.9
	case types.TierElite:
		return 0.8
	default:
		return 0.65
	}
}

func walletTierRisk(tier types.WalletTier) types.RiskLevel {
	switch tier {
	case types.TierInsider:
		return types.RiskHigh
	case types.TierElite:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// whaleFollowConfidence implements spec.md §4.2's min(0.95, 0.55 + size/100_000).
func whaleFollowConfidence(sizeUSD float64) float64 {
	c := 0.55 + sizeUSD/100_000
	if c > 0.95 {
		return 0.95
	}
	return c
}

func whaleClusterConfidence(distinctWhales int) float64 {
	c := 0.6 + 0.1*float64(distinctWhales-whaleClusterMin)
	if c > 0.95 {
		return 0.95
	}
	return c
}

func priceDeviationConfidence(deviationAbs float64) float64 {
	c := 0.5 + deviationAbs*10
	if c > 0.95 {
		return 0.95
	}
	return c
}

package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/internal/ingest"
	"betterbot/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDetectorWalletOrderEmitsTrackedWalletEntry(t *testing.T) {
	wallets := NewWalletRegistry([]string{"0xabc"}, nil, nil)
	det := NewDetector(wallets)

	ev := ingest.RawEvent{
		Kind:        ingest.EventWalletOrder,
		Source:      "wallet_ws",
		ArrivalTime: time.Now(),
		WalletOrder: &ingest.WalletOrder{
			OrderHash:  "0xhash1",
			User:       "0xabc",
			MarketSlug: "will-it-rain",
			SharesNorm: d("100"),
			Price:      d("0.5"),
			Side:       types.BUY,
		},
	}

	sigs := det.Detect(ev)
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(sigs))
	}
	if sigs[0].Kind != types.KindTrackedWalletEntry {
		t.Fatalf("got kind %s", sigs[0].Kind)
	}
	if sigs[0].SignalID != "wallet_entry_0xhash1" {
		t.Fatalf("got id %s", sigs[0].SignalID)
	}
}

func TestDetectorWalletOrderIgnoresUntrackedWallet(t *testing.T) {
	wallets := NewWalletRegistry(nil, nil, nil)
	det := NewDetector(wallets)

	ev := ingest.RawEvent{
		Kind: ingest.EventWalletOrder,
		WalletOrder: &ingest.WalletOrder{
			User:       "0xunknown",
			SharesNorm: d("100"),
			Price:      d("0.5"),
		},
	}
	if sigs := det.Detect(ev); len(sigs) != 0 {
		t.Fatalf("expected no signals, got %d", len(sigs))
	}
}

func TestDetectorWhaleFollowConfidenceFormula(t *testing.T) {
	det := NewDetector(NewWalletRegistry(nil, nil, nil))

	ev := ingest.RawEvent{
		Kind:        ingest.EventWhaleTrade,
		Source:      "whale_rest",
		ArrivalTime: time.Now(),
		SourceTime:  time.Now(),
		WhaleTrade: &ingest.WhaleTrade{
			UserAddress: "0xwhale1",
			AssetID:     "tok-yes",
			MarketSlug:  "will-it-rain",
			Size:        d("40000"),
			Price:       d("0.5"), // size_usd = 20000
			Side:        types.BUY,
		},
	}

	sigs := det.Detect(ev)
	if len(sigs) == 0 {
		t.Fatal("expected at least a WhaleFollow signal")
	}
	got := sigs[0].Confidence
	want := 0.55 + 20000.0/100_000
	if got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("got confidence %f want %f", got, want)
	}
}

func TestDetectorWhaleFollowBelowThresholdIsDropped(t *testing.T) {
	det := NewDetector(NewWalletRegistry(nil, nil, nil))
	ev := ingest.RawEvent{
		Kind: ingest.EventWhaleTrade,
		WhaleTrade: &ingest.WhaleTrade{
			UserAddress: "0xsmall",
			AssetID:     "tok-yes",
			Size:        d("100"),
			Price:       d("0.5"), // size_usd = 50
		},
	}
	if sigs := det.Detect(ev); len(sigs) != 0 {
		t.Fatalf("expected no signal below the $10k threshold, got %d", len(sigs))
	}
}

func TestDetectorWhaleClusterFiresOnThirdDistinctWhale(t *testing.T) {
	det := NewDetector(NewWalletRegistry(nil, nil, nil))
	now := time.Now()

	makeTrade := func(addr string) ingest.RawEvent {
		return ingest.RawEvent{
			Kind:        ingest.EventWhaleTrade,
			Source:      "whale_rest",
			ArrivalTime: now,
			WhaleTrade: &ingest.WhaleTrade{
				UserAddress: addr,
				AssetID:     "tok-yes",
				MarketSlug:  "will-it-rain",
				Size:        d("20000"),
				Price:       d("0.5"),
			},
		}
	}

	det.Detect(makeTrade("0xwhale1"))
	det.Detect(makeTrade("0xwhale2"))
	sigs := det.Detect(makeTrade("0xwhale3"))

	foundCluster := false
	for _, s := range sigs {
		if s.Kind == types.KindWhaleCluster {
			foundCluster = true
			if s.ClusterSize != 3 {
				t.Fatalf("got cluster size %d", s.ClusterSize)
			}
		}
	}
	if !foundCluster {
		t.Fatal("expected a WhaleCluster signal on the third distinct whale")
	}
}

func TestDetectorPriceDeviationFiresOnCrossing2Percent(t *testing.T) {
	det := NewDetector(NewWalletRegistry(nil, nil, nil))
	now := time.Now()

	det.Detect(ingest.RawEvent{
		Kind: ingest.EventMarketCatalog,
		MarketCatalog: &ingest.MarketCatalogEntry{
			Slug:       "will-it-rain",
			YesTokenID: "tok-yes",
			NoTokenID:  "tok-no",
			EndTime:    now.Add(10 * time.Hour),
		},
	})

	bookEvent := func(tokenID, mid string) ingest.RawEvent {
		return ingest.RawEvent{
			Kind:        ingest.EventOrderBook,
			Source:      "orderbook",
			ArrivalTime: now,
			OrderBook: &ingest.OrderBookUpdate{
				Snapshot: types.OrderBookSnapshot{
					TokenID: tokenID,
					Bids:    []types.PriceLevel{{Price: d(mid), Size: d("10")}},
					Asks:    []types.PriceLevel{{Price: d(mid), Size: d("10")}},
				},
			},
		}
	}

	det.Detect(bookEvent("tok-yes", "0.55"))
	sigs := det.Detect(bookEvent("tok-no", "0.50")) // sum = 1.05, deviation = 0.05 >= 0.02

	found := false
	for _, s := range sigs {
		if s.Kind == types.KindPriceDeviation {
			found = true
			if s.DeviationAbs < 0.049 || s.DeviationAbs > 0.051 {
				t.Fatalf("got deviation %f", s.DeviationAbs)
			}
		}
	}
	if !found {
		t.Fatal("expected a PriceDeviation signal")
	}
}

func TestDetectorExpiryEdgeRequiresDominanceAndNearTerm(t *testing.T) {
	det := NewDetector(NewWalletRegistry(nil, nil, nil))
	now := time.Now()

	det.Detect(ingest.RawEvent{
		Kind: ingest.EventMarketCatalog,
		MarketCatalog: &ingest.MarketCatalogEntry{
			Slug:       "will-it-rain",
			YesTokenID: "tok-yes",
			NoTokenID:  "tok-no",
			EndTime:    now.Add(2 * time.Hour), // within the 4h window
		},
	})

	bookEvent := func(tokenID, mid string) ingest.RawEvent {
		return ingest.RawEvent{
			Kind:        ingest.EventOrderBook,
			Source:      "orderbook",
			ArrivalTime: now,
			OrderBook: &ingest.OrderBookUpdate{
				Snapshot: types.OrderBookSnapshot{
					TokenID: tokenID,
					Bids:    []types.PriceLevel{{Price: d(mid), Size: d("10")}},
					Asks:    []types.PriceLevel{{Price: d(mid), Size: d("10")}},
				},
			},
		}
	}

	det.Detect(bookEvent("tok-yes", "0.65"))
	sigs := det.Detect(bookEvent("tok-no", "0.35"))

	found := false
	for _, s := range sigs {
		if s.Kind == types.KindExpiryEdge {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an ExpiryEdge signal with dominant side >= 60%")
	}
}

package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestBookMidPrice(t *testing.T) {
	b := NewBook("tok-1")
	b.Apply(types.OrderBookSnapshot{
		TokenID: "tok-1",
		Bids:    []types.PriceLevel{lvl("0.40", "100")},
		Asks:    []types.PriceLevel{lvl("0.42", "100")},
	})

	mid, ok := b.Mid()
	if !ok {
		t.Fatal("expected mid price")
	}
	if !mid.Equal(decimal.RequireFromString("0.41")) {
		t.Fatalf("got %s want 0.41", mid)
	}
}

func TestBookCrossedIsFlagged(t *testing.T) {
	b := NewBook("tok-2")
	b.Apply(types.OrderBookSnapshot{
		TokenID: "tok-2",
		Bids:    []types.PriceLevel{lvl("0.60", "10")},
		Asks:    []types.PriceLevel{lvl("0.55", "10")},
	})
	if _, ok := b.Mid(); ok {
		t.Fatal("expected crossed book to report no mid")
	}
}

func TestBookIsStale(t *testing.T) {
	b := NewBook("tok-3")
	if !b.IsStale(time.Second) {
		t.Fatal("empty book should be stale")
	}
	b.Apply(types.OrderBookSnapshot{TokenID: "tok-3"})
	if b.IsStale(time.Minute) {
		t.Fatal("freshly applied book should not be stale")
	}
}

func TestRegistryGetCreatesLazily(t *testing.T) {
	r := NewRegistry()
	a := r.Get("x")
	b := r.Get("x")
	if a != b {
		t.Fatal("expected same book instance for repeated Get")
	}
}

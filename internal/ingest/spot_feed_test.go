package ingest

import (
	"log/slog"
	"testing"

	"betterbot/internal/config"
)

func TestSpotFeedAdapterDispatchPublishesTick(t *testing.T) {
	bus := NewBus(4, slog.Default())
	ks := NewDataSourceKillSwitch("spot_feed", 5, 0, nil, slog.Default())
	a := NewSpotFeedAdapter("wss://example.invalid", []string{"BTCUSD"}, config.SourceConfig{}, bus, ks, slog.Default())

	a.dispatch([]byte(`{"type":"tick","symbol":"BTCUSD","price":"64123.50","timestamp":1700000000000}`))

	select {
	case ev := <-bus.Events():
		if ev.Kind != EventSpotPrice {
			t.Fatalf("got kind %s", ev.Kind)
		}
		if ev.SpotPrice == nil || ev.SpotPrice.Symbol != "BTCUSD" {
			t.Fatalf("unexpected payload: %+v", ev.SpotPrice)
		}
	default:
		t.Fatal("expected a published event")
	}
}

func TestSpotFeedAdapterDispatchIgnoresNonTick(t *testing.T) {
	bus := NewBus(4, slog.Default())
	ks := NewDataSourceKillSwitch("spot_feed", 5, 0, nil, slog.Default())
	a := NewSpotFeedAdapter("wss://example.invalid", []string{"BTCUSD"}, config.SourceConfig{}, bus, ks, slog.Default())

	a.dispatch([]byte(`{"type":"heartbeat"}`))

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

func TestSpotFeedAdapterDispatchDropsUnparsablePrice(t *testing.T) {
	bus := NewBus(4, slog.Default())
	ks := NewDataSourceKillSwitch("spot_feed", 5, 0, nil, slog.Default())
	a := NewSpotFeedAdapter("wss://example.invalid", []string{"BTCUSD"}, config.SourceConfig{}, bus, ks, slog.Default())

	a.dispatch([]byte(`{"type":"tick","symbol":"BTCUSD","price":"not-a-number","timestamp":1}`))

	select {
	case ev := <-bus.Events():
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}

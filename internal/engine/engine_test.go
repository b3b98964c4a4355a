package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"betterbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// minimalConfig disables every ingest adapter and the vault, so New/Start/Stop
// exercise wiring and lifecycle without reaching any network endpoint.
func minimalConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Storage: config.StorageConfig{
			DatabasePath:   filepath.Join(t.TempDir(), "engine_test.db"),
			RetentionDays:  7,
			PruneCadence:   time.Hour,
			FTSWarmupCount: 100,
		},
		Enrichment: config.EnrichmentConfig{
			Workers:           1,
			QueueCapacity:     16,
			GlobalConcurrency: 1,
			HeavyConcurrency:  1,
		},
		Fanout: config.FanoutConfig{
			SubscriberQueueCapacity: 16,
		},
		Ingest: config.IngestConfig{
			BusCapacity: 64,
			MaxEventAge: time.Minute,
		},
		Vault: config.VaultConfig{
			Enabled:   false,
			PaperMode: true,
		},
	}
}

func TestNew_WiresEngineWithNoAdaptersEnabled(t *testing.T) {
	e, err := New(minimalConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Stop()

	if len(e.adapters) != 0 {
		t.Fatalf("expected no ingest adapters with every source disabled, got %d", len(e.adapters))
	}
	if e.fast15m != nil || e.long != nil {
		t.Fatal("expected no vault sub-engines when Vault.Enabled is false")
	}
	if e.execAdapter == nil {
		t.Fatal("expected a paper execution adapter to be wired regardless of Vault.Enabled")
	}
}

func TestEngine_StartStopLifecycleIsClean(t *testing.T) {
	e, err := New(minimalConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// give the consumer/maintenance goroutines a moment to reach their select.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return: a background goroutine is not honoring context cancellation")
	}
}

func TestEngine_VaultEnabledWiresSubEngines(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Vault.Enabled = true
	cfg.Vault.Fast15m.PollInterval = time.Second
	cfg.Vault.Fast15m.MaxTradeFraction = 0.01
	cfg.Vault.Long.PollInterval = time.Minute
	cfg.Vault.Long.ConsensusNeeded = 1

	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Stop()

	if e.fast15m == nil {
		t.Fatal("expected fast15m sub-engine to be wired when Vault.Enabled is true")
	}
	if e.long == nil {
		t.Fatal("expected long sub-engine to be wired when Vault.Enabled is true")
	}
}

func TestEngine_TrackMarketAndSnapshot(t *testing.T) {
	e, err := New(minimalConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Stop()

	if got := e.snapshotMarkets(); len(got) != 0 {
		t.Fatalf("expected no tracked markets initially, got %d", len(got))
	}
}

func TestSymbolFromSlug(t *testing.T) {
	cases := map[string]string{
		"btc-updown-15m-2026-07-31t1200z": "BTC",
		"eth-updown-15m":                  "ETH",
		"":                                "",
	}
	for slug, want := range cases {
		if got := symbolFromSlug(slug); got != want {
			t.Errorf("symbolFromSlug(%q) = %q, want %q", slug, got, want)
		}
	}
}

func TestSpotBoard_SetAndSpot(t *testing.T) {
	b := newSpotBoard()
	if _, ok := b.Spot("BTC"); ok {
		t.Fatal("expected no spot price before Set")
	}
	b.Set("BTC", decimal.NewFromFloat(65000))
	p, ok := b.Spot("BTC")
	if !ok {
		t.Fatal("expected a spot price after Set")
	}
	if f, _ := p.Float64(); f != 65000 {
		t.Fatalf("got spot price %v, want 65000", f)
	}
}

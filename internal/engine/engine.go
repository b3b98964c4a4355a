// Package engine is the central orchestrator of the live signal pipeline and
// automated vault.
//
// It wires together all subsystems:
//
//  1. Ingest adapters normalize every upstream venue into RawEvents on a
//     shared bus.
//  2. The detector turns RawEvents into Signals; the quality gate drops
//     stale, low-confidence, or duplicate ones.
//  3. Admitted signals are persisted and broadcast immediately, then handed
//     to the enrichment pool for out-of-band context fetches.
//  4. The vault's two sizing sub-engines (FAST15M, LONG) poll the local book
//     mirror and spot feed on their own tickers and place orders through a
//     shared, rate-limited execution adapter.
//
// Lifecycle: New() → Start(ctx) → [runs until ctx is cancelled] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"betterbot/internal/config"
	"betterbot/internal/enrichment"
	"betterbot/internal/fanout"
	"betterbot/internal/ingest"
	"betterbot/internal/ledger"
	"betterbot/internal/market"
	"betterbot/internal/persistence"
	"betterbot/internal/signal"
	"betterbot/internal/vault"
	"betterbot/pkg/types"
)

const (
	defaultBusCapacity      = 4096
	defaultFanoutQueue       = 256
	defaultEnrichWorkers     = 8
	defaultEnrichQueue       = 2048
	defaultEnrichConcurrency = 16
	defaultEnrichHeavy       = 4
	defaultBackfillInterval  = time.Minute
	defaultCacheSweepPeriod  = 5 * time.Minute
)

// Engine orchestrates ingest, detection, persistence, enrichment, fan-out,
// and the automated vault. It owns the lifecycle of every background
// goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	metrics *prometheus.Registry

	bus      *ingest.Bus
	adapters []ingest.Adapter
	orderbookAdapter *ingest.OrderbookAdapter

	wallets  *signal.WalletRegistry
	detector *signal.Detector
	gate     *signal.QualityGate

	books *market.Registry
	spot  *spotBoard

	store *persistence.Store
	cache *enrichment.Cache
	pool  *enrichment.Pool
	hub   *fanout.Hub

	vaultPool    *vault.Pool
	vaultLedger  *ledger.Ledger
	execAdapter  vault.ExecutionAdapter
	fast15m      *vault.Fast15m
	long         *vault.Long

	marketsMu sync.Mutex
	markets   map[string]trackedMarket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// trackedMarket is the subset of a catalog entry the vault sub-engines need
// to evaluate a live market: its outcome token, underlying symbol, and close
// time.
type trackedMarket struct {
	slug       string
	yesTokenID string
	symbol     string
	endTime    time.Time
}

// New wires every subsystem from cfg without starting any goroutines.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")
	ctx, cancel := context.WithCancel(context.Background())

	metrics := prometheus.NewRegistry()

	busCap := cfg.Ingest.BusCapacity
	if busCap <= 0 {
		busCap = defaultBusCapacity
	}
	bus := ingest.NewBus(busCap, logger)

	wallets := signal.NewWalletRegistry(cfg.Ingest.TrackedWallets, cfg.Ingest.EliteWallets, cfg.Ingest.InsiderWallets)
	detector := signal.NewDetector(wallets)
	gate := signal.NewQualityGate(cfg.Ingest.MaxEventAge)
	books := market.NewRegistry()
	spot := newSpotBoard()

	store, err := persistence.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	fanoutCap := cfg.Fanout.SubscriberQueueCapacity
	if fanoutCap <= 0 {
		fanoutCap = defaultFanoutQueue
	}
	hub := fanout.NewHub(fanoutCap, logger)

	cache := enrichment.NewCache(store)
	fetchers := enrichment.Fetchers{}
	if cfg.Enrichment.MarketMetadataEndpoint != "" {
		fetchers.Market = enrichment.NewRESTMarketFetcher(cfg.Enrichment.MarketMetadataEndpoint)
	}
	if cfg.Ingest.Orderbook.Endpoint != "" {
		fetchers.Book = enrichment.NewRESTBookFetcher(cfg.Ingest.Orderbook.Endpoint)
	}
	if cfg.Enrichment.WalletMappingEndpoint != "" {
		fetchers.WalletMap = enrichment.NewRESTWalletMappingFetcher(cfg.Enrichment.WalletMappingEndpoint)
	}
	if cfg.Enrichment.WalletPnLEndpoint != "" {
		fetchers.WalletPnL = enrichment.NewRESTWalletPnLFetcher(cfg.Enrichment.WalletPnLEndpoint)
	}

	queueCap := cfg.Enrichment.QueueCapacity
	if queueCap <= 0 {
		queueCap = defaultEnrichQueue
	}
	globalConc := cfg.Enrichment.GlobalConcurrency
	if globalConc <= 0 {
		globalConc = defaultEnrichConcurrency
	}
	heavyConc := cfg.Enrichment.HeavyConcurrency
	if heavyConc <= 0 {
		heavyConc = defaultEnrichHeavy
	}
	pool := enrichment.NewPool(queueCap, globalConc, heavyConc, fetchers, cache, store, hub, logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		wallets:  wallets,
		detector: detector,
		gate:     gate,
		books:    books,
		spot:     spot,
		store:    store,
		cache:    cache,
		pool:     pool,
		hub:      hub,
		markets:  make(map[string]trackedMarket),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.adapters = e.buildAdapters()

	vaultPool := vault.NewPool()
	var execAdapter vault.ExecutionAdapter
	if cfg.Vault.PaperMode {
		execAdapter = vault.NewPaperAdapter(vaultPool)
	} else {
		execAdapter = vault.NewLiveAdapter()
	}
	vaultLedger := ledger.New(false, false)
	execAdapter.OnFill(func(order vault.VaultOrder, price, size decimal.Decimal, filledAt time.Time) {
		e.recordFill(order, price, size, filledAt)
	})

	e.vaultPool = vaultPool
	e.vaultLedger = vaultLedger
	e.execAdapter = execAdapter

	if cfg.Vault.Enabled {
		e.fast15m = vault.NewFast15m(vault.Fast15mConfig{
			PollInterval:     cfg.Vault.Fast15m.PollInterval,
			MinEdge:          decimal.NewFromFloat(cfg.Vault.Fast15m.MinEdge),
			ShrinkFactor:     decimal.NewFromFloat(cfg.Vault.Fast15m.ShrinkFactor),
			KellyFraction:    decimal.NewFromFloat(cfg.Vault.Fast15m.KellyFraction),
			MaxTradeFraction: decimal.NewFromFloat(cfg.Vault.Fast15m.MaxTradeFraction),
			Cooldown:         cfg.Vault.Fast15m.Cooldown,
			DailyCapPerMkt:   decimal.NewFromFloat(cfg.Vault.Fast15m.DailyCapPerMkt),
		}, spot, vaultPool, execAdapter, logger)

		e.long = vault.NewLong(vault.LongConfig{
			MaxTTE:            cfg.Vault.Long.MaxTTE,
			MaxSpread:         decimal.NewFromFloat(cfg.Vault.Long.MaxSpread),
			MinTopOfBookDepth: decimal.NewFromFloat(cfg.Vault.Long.MinTopOfBookDepth),
			KellyFraction:     decimal.NewFromFloat(cfg.Vault.Long.KellyFraction),
			MaxTradeFraction:  decimal.NewFromFloat(cfg.Vault.Long.MaxTradeFraction),
			ConsensusNeeded:   cfg.Vault.Long.ConsensusNeeded,
			DailyCallBudget:   cfg.Vault.Long.DailyCallBudget,
			DailyTokenBudget:  cfg.Vault.Long.DailyTokenBudget,
		}, nil, vaultPool, execAdapter, logger)
	}

	return e, nil
}

// buildAdapters constructs one ingest adapter per enabled source, each
// wrapped in its own kill switch.
func (e *Engine) buildAdapters() []ingest.Adapter {
	var adapters []ingest.Adapter
	ic := e.cfg.Ingest

	if ic.WalletWS.Enabled {
		ks := ingest.NewDataSourceKillSwitch("wallet_ws", ic.WalletWS.FailureThreshold, ic.WalletWS.P95LatencySLO, e.metrics, e.logger)
		adapters = append(adapters, ingest.NewWalletWSAdapter(ic.WalletWS.Endpoint, e.cfg.Secrets.WalletFeedBearer, ic.TrackedWallets, ic.WalletWS, e.bus, ks, e.logger))
	}
	if ic.WalletREST.Enabled {
		ks := ingest.NewDataSourceKillSwitch("wallet_rest", ic.WalletREST.FailureThreshold, ic.WalletREST.P95LatencySLO, e.metrics, e.logger)
		adapters = append(adapters, ingest.NewWalletRESTAdapter(ic.WalletREST.Endpoint, e.cfg.Secrets.WalletFeedBearer, ic.WalletREST, e.bus, ks, e.logger))
	}
	if ic.WhaleREST.Enabled {
		ks := ingest.NewDataSourceKillSwitch("whale_rest", ic.WhaleREST.FailureThreshold, ic.WhaleREST.P95LatencySLO, e.metrics, e.logger)
		adapters = append(adapters, ingest.NewWhaleRESTAdapter(ic.WhaleREST.Endpoint, e.cfg.Secrets.WhaleFeedAPIKey, ic.WhaleREST, e.bus, ks, e.logger))
	}
	if ic.MarketCatalog.Enabled {
		ks := ingest.NewDataSourceKillSwitch("market_catalog", ic.MarketCatalog.FailureThreshold, ic.MarketCatalog.P95LatencySLO, e.metrics, e.logger)
		adapters = append(adapters, ingest.NewMarketCatalogAdapter(ic.MarketCatalog.Endpoint, ic.MarketCatalog, e.bus, ks, e.logger))
	}
	if ic.Orderbook.Enabled {
		ks := ingest.NewDataSourceKillSwitch("orderbook", ic.Orderbook.FailureThreshold, ic.Orderbook.P95LatencySLO, e.metrics, e.logger)
		e.orderbookAdapter = ingest.NewOrderbookAdapter(ic.Orderbook.Endpoint, ic.Orderbook, e.bus, ks, e.logger)
		adapters = append(adapters, e.orderbookAdapter)
	}
	if ic.SpotFeed.Enabled {
		ks := ingest.NewDataSourceKillSwitch("spot_feed", ic.SpotFeed.FailureThreshold, ic.SpotFeed.P95LatencySLO, e.metrics, e.logger)
		adapters = append(adapters, ingest.NewSpotFeedAdapter(ic.SpotFeed.Endpoint, ic.SpotSymbols, ic.SpotFeed, e.bus, ks, e.logger))
	}
	return adapters
}

// Start launches every background goroutine: ingest adapters, the event
// consumer, the enrichment pool, the vault sub-engine tickers, and storage
// maintenance loops.
func (e *Engine) Start() error {
	for _, a := range e.adapters {
		a := a
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := a.Start(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("ingest adapter stopped", "adapter", a.Name(), "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeEvents()
	}()

	workers := e.cfg.Enrichment.Workers
	if workers <= 0 {
		workers = defaultEnrichWorkers
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pool.Run(e.ctx, workers)
	}()

	if e.cfg.Vault.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runFast15mLoop()
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runLongLoop()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMaintenance()
	}()

	e.logger.Info("engine started", "adapters", len(e.adapters), "vault_enabled", e.cfg.Vault.Enabled)
	return nil
}

// Stop cancels every goroutine's context, waits for shutdown, and closes the
// store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// consumeEvents drains the ingest bus, detecting and routing every event
// until the engine context is cancelled.
func (e *Engine) consumeEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.bus.Events():
			if !ok {
				return
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev ingest.RawEvent) {
	switch ev.Kind {
	case ingest.EventMarketCatalog:
		e.trackMarket(ev.MarketCatalog)
		if e.orderbookAdapter != nil {
			e.orderbookAdapter.RegisterMarket(ev.MarketCatalog.Slug, ev.MarketCatalog.YesTokenID, ev.MarketCatalog.NoTokenID)
		}
	case ingest.EventOrderBook:
		e.books.Get(ev.OrderBook.Snapshot.TokenID).Apply(ev.OrderBook.Snapshot)
	case ingest.EventSpotPrice:
		e.spot.Set(ev.SpotPrice.Symbol, ev.SpotPrice.Price)
	}

	if ev.Kind == ingest.EventWalletOrder {
		o := ev.WalletOrder
		sizeUSD, _ := o.SharesNorm.Mul(o.Price).Float64()
		price, _ := o.Price.Float64()
		if err := e.store.InsertRawWalletOrder(e.ctx, o.OrderHash, o.User, o.TokenID, o.Side, price, sizeUSD, ev.ArrivalTime); err != nil {
			e.logger.Error("persist raw wallet order", "order_hash", o.OrderHash, "error", err)
		}
	}

	for _, sig := range e.detector.Detect(ev) {
		e.admit(sig, ev.ArrivalTime)
	}
}

func (e *Engine) admit(sig types.Signal, arrivalTime time.Time) {
	admitted, ok := e.gate.Admit(sig, arrivalTime)
	if !ok {
		return
	}
	if err := e.store.InsertSignalBatch(e.ctx, []types.Signal{admitted}); err != nil {
		e.logger.Error("persist signal", "signal_id", admitted.SignalID, "error", err)
		return
	}
	e.hub.BroadcastSignal(admitted)

	job := enrichment.Job{
		SignalID:   admitted.SignalID,
		MarketSlug: admitted.MarketSlug,
		TokenID:    admitted.TokenID,
		WalletAddr: admitted.WalletAddress,
		Plan: enrichment.Plan{
			Market:    admitted.MarketSlug != "",
			Book:      admitted.TokenID != "",
			Wallet:    admitted.WalletAddress != "",
			WalletPnL: admitted.WalletAddress != "",
		},
	}
	e.pool.Enqueue(job)
}

// trackMarket records a catalog entry's outcome token, close time, and
// derived underlying symbol so the vault tickers can evaluate it.
func (e *Engine) trackMarket(entry *ingest.MarketCatalogEntry) {
	if entry == nil || entry.YesTokenID == "" {
		return
	}
	e.marketsMu.Lock()
	defer e.marketsMu.Unlock()
	e.markets[entry.Slug] = trackedMarket{
		slug:       entry.Slug,
		yesTokenID: entry.YesTokenID,
		symbol:     symbolFromSlug(entry.Slug),
		endTime:    entry.EndTime,
	}
}

func (e *Engine) snapshotMarkets() []trackedMarket {
	e.marketsMu.Lock()
	defer e.marketsMu.Unlock()
	out := make([]trackedMarket, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	return out
}

// symbolFromSlug derives the underlying spot symbol from a market slug's
// leading segment, e.g. "btc-updown-15m-2026-07-31T1200z" -> "BTC".
func symbolFromSlug(slug string) string {
	parts := strings.SplitN(slug, "-", 2)
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}

// runFast15mLoop ticks every tracked 15-minute market through the FAST15M
// sizing engine, skipping any whose book or spot reference isn't ready yet.
func (e *Engine) runFast15mLoop() {
	interval := e.cfg.Vault.Fast15m.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			for _, m := range e.snapshotMarkets() {
				secondsLeft := m.endTime.Sub(now).Seconds()
				if secondsLeft <= 0 || secondsLeft > 900 {
					continue
				}
				mid, ok := e.books.Get(m.yesTokenID).Mid()
				if !ok {
					continue
				}
				_, sig, err := e.fast15m.Tick(e.ctx, vault.Updown15m{
					MarketID:    m.slug,
					TokenID:     m.yesTokenID,
					Symbol:      m.symbol,
					Mid:         mid,
					SecondsLeft: secondsLeft,
				}, now)
				if err != nil {
					e.logger.Warn("fast15m tick failed", "market", m.slug, "error", err)
				}
				if sig != nil {
					e.admit(*sig, now)
				}
			}
		}
	}
}

// runLongLoop evaluates every tracked market with a longer time-to-expiry
// through the LONG engine's admissibility/scout/consensus pipeline.
func (e *Engine) runLongLoop() {
	interval := e.cfg.Vault.Long.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			for _, m := range e.snapshotMarkets() {
				tte := m.endTime.Sub(now)
				if tte <= 0 {
					continue
				}
				book := e.books.Get(m.yesTokenID).Snapshot()
				bid, okBid := book.BestBid()
				ask, okAsk := book.BestAsk()
				if !okBid || !okAsk {
					continue
				}
				mid, ok := e.books.Get(m.yesTokenID).Mid()
				if !ok {
					continue
				}
				depth := bid.Size
				if ask.Size.LessThan(depth) {
					depth = ask.Size
				}
				if _, err := e.long.Evaluate(e.ctx, vault.LongCandidate{
					MarketID: m.slug,
					TokenID:  m.yesTokenID,
					Mid:      mid,
					Spread:   ask.Price.Sub(bid.Price),
					TopDepth: depth,
					TTE:      tte,
				}, now); err != nil {
					e.logger.Warn("long evaluate failed", "market", m.slug, "error", err)
				}
			}
		}
	}
}

// runMaintenance warms the search index once at startup, then runs backfill,
// retention pruning, and cache sweeping on their own cadences.
func (e *Engine) runMaintenance() {
	if n, err := e.store.WarmUp(e.ctx, e.cfg.Storage.FTSWarmupCount); err != nil {
		e.logger.Error("fts warmup failed", "error", err)
	} else {
		e.logger.Info("fts warmup complete", "indexed", n)
	}

	backfillTicker := time.NewTicker(defaultBackfillInterval)
	defer backfillTicker.Stop()

	pruneCadence := e.cfg.Storage.PruneCadence
	if pruneCadence <= 0 {
		pruneCadence = time.Hour
	}
	pruneTicker := time.NewTicker(pruneCadence)
	defer pruneTicker.Stop()

	cacheTicker := time.NewTicker(defaultCacheSweepPeriod)
	defer cacheTicker.Stop()

	backfillDone := false

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-backfillTicker.C:
			if backfillDone {
				continue
			}
			done, indexed, err := e.store.Backfill(e.ctx)
			if err != nil {
				e.logger.Error("search backfill failed", "error", err)
				continue
			}
			if indexed > 0 {
				e.logger.Info("search backfill progress", "indexed", indexed, "done", done)
			}
			backfillDone = done
		case <-pruneTicker.C:
			cutoff := time.Now().AddDate(0, 0, -e.cfg.Storage.RetentionDays)
			n, err := e.store.PruneRawOrdersOlderThan(e.ctx, cutoff)
			if err != nil {
				e.logger.Error("retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("pruned raw wallet orders", "count", n, "cutoff", cutoff)
			}
		case now := <-cacheTicker.C:
			if _, err := e.store.SweepExpiredCache(e.ctx, now); err != nil {
				e.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// recordFill posts a balanced two-leg ledger entry for a vault fill,
// independent of the Pool's own cash bookkeeping — an audit trail that cross
// checks the pool's own accounting.
func (e *Engine) recordFill(order vault.VaultOrder, price, size decimal.Decimal, filledAt time.Time) {
	notional := price.Mul(size)
	cashDirection, positionsDirection := types.SELL, types.BUY
	if order.Side == types.BUY {
		cashDirection, positionsDirection = types.BUY, types.SELL
	}
	_, err := e.vaultLedger.Append(filledAt.UnixNano(), order.ClientOrderID, []types.LedgerPosting{
		{Account: ledger.AccountCash, Direction: cashDirection, Amount: notional},
		{Account: ledger.AccountPositions, Direction: positionsDirection, Amount: notional},
	})
	if err != nil {
		e.logger.Error("vault fill ledger entry failed", "order", order.ClientOrderID, "error", err)
	}
}

// spotBoard is a concurrency-safe symbol->price map satisfying
// vault.SpotReference, fed by the spot feed adapter's ticks.
type spotBoard struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func newSpotBoard() *spotBoard {
	return &spotBoard{prices: make(map[string]decimal.Decimal)}
}

func (b *spotBoard) Set(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

func (b *spotBoard) Spot(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[symbol]
	return p, ok
}

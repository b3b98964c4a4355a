package enrichment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"betterbot/internal/fanout"
	"betterbot/internal/persistence"
	"betterbot/pkg/types"
)

// Store is the narrow persistence surface the pool writes enrichment
// results through.
type Store interface {
	Backend
	UpsertContext(ctx context.Context, sc types.SignalContext, payloadJSON string) (bool, error)
}

var _ Store = (*persistence.Store)(nil)

// Pool is the bounded enrichment worker pool: a fixed number of workers pull
// Jobs off a buffered channel, fetch up to four fields concurrently per job
// under a global semaphore (and a smaller "heavy" semaphore for book
// snapshots), and emit a SignalContext update through Store and the fan-out
// Hub. A full queue drops the job and counts it rather than blocking the
// detector goroutine that enqueued it — the non-blocking guarantee spec.md
// §4.3 requires is satisfied upstream of this package (the signal is already
// persisted and broadcast before a Job is ever created).
type Pool struct {
	jobs      chan Job
	globalSem chan struct{}
	heavySem  chan struct{}

	fetchers Fetchers
	cache    *Cache
	store    Store
	hub      *fanout.Hub
	logger   *slog.Logger

	versions sync.Map // signalID -> *int64, next context_version to assign

	dropped atomic.Int64
}

// NewPool creates a pool with queueCapacity buffered jobs, globalConcurrency
// concurrent REST calls overall, and heavyConcurrency concurrent "heavy"
// calls (orderbooks, long candles).
func NewPool(queueCapacity, globalConcurrency, heavyConcurrency int, fetchers Fetchers, cache *Cache, store Store, hub *fanout.Hub, logger *slog.Logger) *Pool {
	return &Pool{
		jobs:      make(chan Job, queueCapacity),
		globalSem: make(chan struct{}, globalConcurrency),
		heavySem:  make(chan struct{}, heavyConcurrency),
		fetchers:  fetchers,
		cache:     cache,
		store:     store,
		hub:       hub,
		logger:    logger.With("component", "enrichment_pool"),
	}
}

// Enqueue offers job to the pool, returning false (and counting the drop)
// if the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("enrichment queue full, dropping job", "signal_id", job.SignalID)
		return false
	}
}

// Dropped reports the cumulative count of jobs dropped due to a full queue.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Run spawns numWorkers goroutines draining the job queue until ctx is
// cancelled or Close is called.
func (p *Pool) Run(ctx context.Context, numWorkers int) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Close signals no more jobs will be enqueued; safe to call once.
func (p *Pool) Close() { close(p.jobs) }

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(ctx, job)
		}
	}
}

// fieldResult is one fetched field plus whatever failure it hit, if any.
type fieldResult struct {
	market  *types.MarketMetadata
	book    *types.OrderBookSnapshot
	mapping map[string]string
	wallet  *types.WalletPnLSummary
	failed  []string
}

func (p *Pool) process(ctx context.Context, job Job) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res fieldResult
	)

	fail := func(what string) {
		mu.Lock()
		res.failed = append(res.failed, what)
		mu.Unlock()
	}

	if job.Plan.Market && p.fetchers.Market != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquire(p.globalSem)
			defer release(p.globalSem)
			m, err := GetOrCompute(p.cache, ctx, "market:"+job.MarketSlug, TTLMarketMetadata, func(ctx context.Context) (types.MarketMetadata, error) {
				return p.fetchers.Market.FetchMarketMetadata(ctx, job.MarketSlug)
			})
			if err != nil {
				fail("market")
				return
			}
			mu.Lock()
			res.market = &m
			mu.Unlock()
		}()
	}

	if job.Plan.Book && p.fetchers.Book != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquire(p.globalSem)
			defer release(p.globalSem)
			acquire(p.heavySem)
			defer release(p.heavySem)
			book, err := p.fetchers.Book.FetchBook(ctx, job.TokenID)
			if err != nil {
				fail("book")
				return
			}
			mu.Lock()
			res.book = &book
			mu.Unlock()
		}()
	}

	if job.Plan.Wallet && p.fetchers.WalletMap != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquire(p.globalSem)
			defer release(p.globalSem)
			mapping, err := GetOrCompute(p.cache, ctx, "wallet_map:"+job.WalletAddr, TTLWalletMapping, func(ctx context.Context) (map[string]string, error) {
				return p.fetchers.WalletMap.FetchWalletMapping(ctx, job.WalletAddr)
			})
			if err != nil {
				fail("wallet_mapping")
				return
			}
			mu.Lock()
			res.mapping = mapping
			mu.Unlock()
		}()
	}

	if job.Plan.WalletPnL && p.fetchers.WalletPnL != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquire(p.globalSem)
			defer release(p.globalSem)
			pnl, err := GetOrCompute(p.cache, ctx, "wallet_pnl:"+job.WalletAddr, TTLWalletPnL, func(ctx context.Context) (types.WalletPnLSummary, error) {
				return p.fetchers.WalletPnL.FetchWalletPnL(ctx, job.WalletAddr)
			})
			if err != nil {
				fail("wallet_pnl")
				return
			}
			mu.Lock()
			res.wallet = &pnl
			mu.Unlock()
		}()
	}

	wg.Wait()

	requested := 0
	if job.Plan.Market {
		requested++
	}
	if job.Plan.Book {
		requested++
	}
	if job.Plan.Wallet {
		requested++
	}
	if job.Plan.WalletPnL {
		requested++
	}

	status := types.EnrichmentOK
	switch {
	case len(res.failed) == requested && requested > 0:
		status = types.EnrichmentFailed
	case len(res.failed) > 0:
		status = types.EnrichmentPartial
	}

	sc := types.SignalContext{
		SignalID:       job.SignalID,
		ContextVersion: p.nextVersion(job.SignalID),
		Status:         status,
		Market:         res.market,
		Book:           res.book,
		Wallet:         res.wallet,
		Mapping:        res.mapping,
	}

	payload, err := json.Marshal(sc)
	if err != nil {
		p.logger.Error("marshal signal context", "signal_id", job.SignalID, "error", err)
		return
	}

	accepted, err := p.store.UpsertContext(ctx, sc, string(payload))
	if err != nil {
		p.logger.Error("persist signal context", "signal_id", job.SignalID, "error", err)
		return
	}
	if !accepted {
		return
	}

	p.hub.BroadcastContext(sc)
}

// nextVersion hands out a strictly increasing ContextVersion per SignalID,
// starting at 1 — signals themselves are created at ContextVersion 0, so the
// first enrichment update is always a genuine increase.
func (p *Pool) nextVersion(signalID string) int64 {
	v, _ := p.versions.LoadOrStore(signalID, new(int64))
	counter := v.(*int64)
	return atomic.AddInt64(counter, 1)
}

func acquire(sem chan struct{}) { sem <- struct{}{} }
func release(sem chan struct{}) { <-sem }

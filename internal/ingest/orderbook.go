package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"betterbot/internal/config"
	"betterbot/pkg/types"
)

// bookLevel mirrors one price/size pair in the CLOB book REST response.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookResponse mirrors the GET /book response shape.
type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
}

// tokenCache maps a market slug to its outcome token IDs, refreshed whenever
// the market catalog adapter observes a new MarketCatalogEntry. This lets the
// orderbook adapter poll by token ID without re-deriving it from the slug on
// every tick.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string][2]string // slug -> [yesTokenID, noTokenID]
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string][2]string)}
}

func (c *tokenCache) Put(slug, yesTokenID, noTokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[slug] = [2]string{yesTokenID, noTokenID}
}

func (c *tokenCache) TokensFor(slug string) ([2]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[slug]
	return t, ok
}

func (c *tokenCache) AllTokenIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.tokens)*2)
	for _, pair := range c.tokens {
		for _, id := range pair {
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// OrderbookAdapter polls the CLOB book endpoint per token, maintaining a
// slug->token-id cache populated by the market catalog adapter. Grounded on
// exchange/client.go's GetOrderBook, generalized from a single-token pull
// invoked on demand into a polling adapter that sweeps every known token.
type OrderbookAdapter struct {
	http   *resty.Client
	cfg    config.SourceConfig
	bus    *Bus
	ks     *DataSourceKillSwitch
	logger *slog.Logger
	cache  *tokenCache

	mu                  sync.Mutex
	successCount        int64
	consecFail          int
	lastErr             error
	lastErrAt           time.Time
	emaLatency          time.Duration
}

// NewOrderbookAdapter builds the adapter. Use RegisterTokens (fed by the
// market catalog adapter) to grow the set of tokens this adapter sweeps.
func NewOrderbookAdapter(baseURL string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *OrderbookAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &OrderbookAdapter{
		http:   client,
		cfg:    cfg,
		bus:    bus,
		ks:     ks,
		logger: logger.With("component", "ingest_orderbook"),
		cache:  newTokenCache(),
	}
}

func (a *OrderbookAdapter) Name() string { return "orderbook" }

// RegisterMarket records a slug's outcome token IDs so future sweeps fetch
// its book. Safe to call concurrently from the market catalog adapter.
func (a *OrderbookAdapter) RegisterMarket(slug, yesTokenID, noTokenID string) {
	a.cache.Put(slug, yesTokenID, noTokenID)
}

func (a *OrderbookAdapter) Start(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	a.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *OrderbookAdapter) sweep(ctx context.Context) {
	if !a.ks.Allow() {
		return
	}
	for _, tokenID := range a.cache.AllTokenIDs() {
		a.fetchOne(ctx, tokenID)
	}
}

func (a *OrderbookAdapter) fetchOne(ctx context.Context, tokenID string) {
	start := time.Now()
	var body bookResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&body).
		Get("/book")
	latency := time.Since(start)

	if err != nil || resp.StatusCode() != 200 {
		a.recordFailure(err, resp)
		a.ks.RecordFailure()
		return
	}

	snap, err := toSnapshot(tokenID, body)
	if err != nil {
		a.logger.Debug("dropping unparsable order book", "token_id", tokenID, "error", err)
		return
	}

	a.recordSuccess(latency)
	a.ks.RecordSuccess(latency)

	a.bus.Publish(RawEvent{
		Kind:       EventOrderBook,
		Source:     a.Name(),
		SourceTime: snap.SourceTime,
		OrderBook:  &OrderBookUpdate{Snapshot: snap},
	})
}

func toSnapshot(tokenID string, body bookResponse) (types.OrderBookSnapshot, error) {
	bids, err := toLevels(body.Bids)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := toLevels(body.Asks)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	return types.OrderBookSnapshot{
		TokenID:    tokenID,
		Bids:       bids,
		Asks:       asks,
		SourceTime: time.Now(),
	}, nil
}

func toLevels(raw []bookLevel) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, err
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func (a *OrderbookAdapter) recordSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successCount++
	a.consecFail = 0
	a.emaLatency = time.Duration(0.8*float64(a.emaLatency) + 0.2*float64(latency))
}

func (a *OrderbookAdapter) recordFailure(err error, resp *resty.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecFail++
	if err == nil && resp != nil {
		err = fmt.Errorf("status %d", resp.StatusCode())
	}
	a.lastErr = err
	a.lastErrAt = time.Now()
	a.logger.Error("order book fetch failed", "error", err)
}

func (a *OrderbookAdapter) Health() types.HealthReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.HealthReport{
		Source:              a.Name(),
		EMALatency:          a.emaLatency,
		SuccessCount:        a.successCount,
		ConsecutiveFailures: a.consecFail,
		LastError:           a.lastErr,
		LastErrorAt:         a.lastErrAt,
		Disabled:            !a.ks.Allow(),
	}
}

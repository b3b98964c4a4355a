package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"betterbot/internal/config"
	"betterbot/pkg/types"
)

// gammaMarket is the JSON shape returned by the market catalog REST endpoint.
// clobTokenIds is the schema-drift field called out in spec.md §6/§9: it may
// arrive either as a genuine JSON array or as a JSON-encoded string containing
// one. Both shapes must be accepted.
type gammaMarket struct {
	ConditionID     string          `json:"conditionId"`
	Slug            string          `json:"slug"`
	Question        string          `json:"question"`
	Active          bool            `json:"active"`
	Closed          bool            `json:"closed"`
	EndDate         string          `json:"endDate"`
	ClobTokenIds    json.RawMessage `json:"clobTokenIds"`
}

// parseClobTokenIds accepts clobTokenIds as either a JSON array of strings or
// a JSON string containing an encoded array, per the documented schema drift.
func parseClobTokenIds(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var direct []string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("clobTokenIds neither array nor encoded string: %w", err)
	}
	var nested []string
	if err := json.Unmarshal([]byte(encoded), &nested); err != nil {
		return nil, fmt.Errorf("clobTokenIds encoded string is not a json array: %w", err)
	}
	return nested, nil
}

// MarketCatalogAdapter polls the market catalog REST endpoint (no auth) and
// produces MarketCatalogEntry events. Grounded on market/scanner.go's
// fetchMarkets/convertToMarketInfo pagination and normalization shape.
type MarketCatalogAdapter struct {
	http   *resty.Client
	cfg    config.SourceConfig
	bus    *Bus
	ks     *DataSourceKillSwitch
	logger *slog.Logger

	successCount atomic.Int64
	consecFail   atomic.Int64
	lastErr      atomic.Value // error
	lastErrAt    atomic.Value // time.Time
	emaLatency   atomic.Int64 // nanoseconds
}

// NewMarketCatalogAdapter builds the adapter against baseURL.
func NewMarketCatalogAdapter(baseURL string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *MarketCatalogAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &MarketCatalogAdapter{
		http:   client,
		cfg:    cfg,
		bus:    bus,
		ks:     ks,
		logger: logger.With("component", "ingest_market_catalog"),
	}
}

func (a *MarketCatalogAdapter) Name() string { return "market_catalog" }

// Start runs the polling loop. Blocks until ctx is cancelled.
func (a *MarketCatalogAdapter) Start(ctx context.Context) error {
	a.poll(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *MarketCatalogAdapter) poll(ctx context.Context) {
	if !a.ks.Allow() {
		a.logger.Debug("market catalog polling skipped, kill switch open")
		return
	}

	start := time.Now()
	markets, err := a.fetchMarkets(ctx)
	latency := time.Since(start)

	if err != nil {
		a.consecFail.Add(1)
		a.lastErr.Store(err)
		a.lastErrAt.Store(time.Now())
		a.ks.RecordFailure()
		a.logger.Error("market catalog poll failed", "error", err)
		return
	}

	a.consecFail.Store(0)
	a.successCount.Add(1)
	a.ks.RecordSuccess(latency)
	a.emaLatency.Store(int64(0.8*float64(a.emaLatency.Load()) + 0.2*float64(latency)))

	for _, m := range markets {
		entry, err := toMarketCatalogEntry(m)
		if err != nil {
			a.logger.Debug("dropping market with malformed clobTokenIds", "slug", m.Slug, "error", err)
			continue
		}
		a.bus.Publish(RawEvent{
			Kind:          EventMarketCatalog,
			Source:        a.Name(),
			SourceTime:    time.Now(),
			MarketCatalog: entry,
		})
	}
}

func toMarketCatalogEntry(m gammaMarket) (*MarketCatalogEntry, error) {
	ids, err := parseClobTokenIds(m.ClobTokenIds)
	if err != nil {
		return nil, err
	}
	var yes, no string
	if len(ids) >= 2 {
		yes, no = ids[0], ids[1]
	}
	endTime, _ := time.Parse(time.RFC3339, m.EndDate)
	return &MarketCatalogEntry{
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Question:    m.Question,
		YesTokenID:  yes,
		NoTokenID:   no,
		EndTime:     endTime,
		Active:      m.Active,
		Closed:      m.Closed,
	}, nil
}

// fetchMarkets pages through the catalog. The server returns a bare JSON
// array (not wrapped); it must never be sent a filter parameter it rejects,
// so only pagination params are set.
func (a *MarketCatalogAdapter) fetchMarkets(ctx context.Context) ([]gammaMarket, error) {
	var all []gammaMarket
	offset, limit := 0, 500

	for {
		var page []gammaMarket
		resp, err := a.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  fmt.Sprintf("%d", limit),
				"offset": fmt.Sprintf("%d", offset),
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}
		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}
	return all, nil
}

// Health implements Adapter.
func (a *MarketCatalogAdapter) Health() types.HealthReport {
	var lastErr error
	if v := a.lastErr.Load(); v != nil {
		lastErr = v.(error)
	}
	var lastErrAt time.Time
	if v := a.lastErrAt.Load(); v != nil {
		lastErrAt = v.(time.Time)
	}
	return types.HealthReport{
		Source:              a.Name(),
		EMALatency:          time.Duration(a.emaLatency.Load()),
		SuccessCount:        a.successCount.Load(),
		ConsecutiveFailures: int(a.consecFail.Load()),
		LastError:           lastErr,
		LastErrorAt:         lastErrAt,
		Disabled:            !a.ks.Allow(),
	}
}

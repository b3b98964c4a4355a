package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"betterbot/internal/config"
	"betterbot/pkg/types"
)

// whaleTradeRow mirrors one element of the whale trades REST response body
// {data:[{user_address, asset_id, side, size, price, timestamp, market_slug}], count}.
type whaleTradeRow struct {
	UserAddress string `json:"user_address"`
	AssetID     string `json:"asset_id"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
	Timestamp   int64  `json:"timestamp"`
	MarketSlug  string `json:"market_slug"`
}

type whaleTradesResponse struct {
	Data  []whaleTradeRow `json:"data"`
	Count int             `json:"count"`
}

// WhaleRESTAdapter polls the whale trades REST endpoint with an x-api-key.
// The upstream credit budget (1000/month) is enforced by choosing the poll
// interval at construction time and, defensively, a golang.org/x/time/rate
// limiter that caps bursts regardless of misconfiguration.
type WhaleRESTAdapter struct {
	http    *resty.Client
	cfg     config.SourceConfig
	limiter *rate.Limiter
	bus     *Bus
	ks      *DataSourceKillSwitch
	logger  *slog.Logger

	successCount atomic.Int64
	consecFail   atomic.Int64
	lastErr      atomic.Value
	lastErrAt    atomic.Value
	emaLatency   atomic.Int64
}

// NewWhaleRESTAdapter builds the adapter. monthlyBudget informs the rate
// limiter: it allows at most monthlyBudget/30 requests per day, smoothed
// per-second, so pathological poll-interval misconfiguration cannot exceed
// the upstream's monthly credit allowance.
func NewWhaleRESTAdapter(baseURL, apiKey string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *WhaleRESTAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		SetHeader("x-api-key", apiKey).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	budget := cfg.MonthlyCreditBudget
	if budget <= 0 {
		budget = 1000
	}
	perSecond := float64(budget) / (30 * 24 * 60 * 60) * 0.9 // 90% safety margin
	if perSecond <= 0 {
		perSecond = 1.0 / 60
	}

	return &WhaleRESTAdapter{
		http:    client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 2),
		bus:     bus,
		ks:      ks,
		logger:  logger.With("component", "ingest_whale_rest"),
	}
}

func (a *WhaleRESTAdapter) Name() string { return "whale_rest" }

func (a *WhaleRESTAdapter) Start(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *WhaleRESTAdapter) poll(ctx context.Context) {
	if !a.ks.Allow() {
		return
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	var body whaleTradesResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/trades")
	latency := time.Since(start)

	if err != nil || resp.StatusCode() != 200 {
		a.consecFail.Add(1)
		if err == nil {
			err = fmt.Errorf("status %d", resp.StatusCode())
		}
		a.lastErr.Store(err)
		a.lastErrAt.Store(time.Now())
		a.ks.RecordFailure()
		a.logger.Error("whale rest poll failed", "error", err)
		return
	}

	a.consecFail.Store(0)
	a.successCount.Add(1)
	a.ks.RecordSuccess(latency)
	a.emaLatency.Store(int64(0.8*float64(a.emaLatency.Load()) + 0.2*float64(latency)))

	for _, row := range body.Data {
		size, err1 := decimal.NewFromString(row.Size)
		price, err2 := decimal.NewFromString(row.Price)
		if err1 != nil || err2 != nil {
			a.logger.Debug("dropping whale trade with unparsable numeric fields")
			continue
		}
		side := types.BUY
		if row.Side == "SELL" {
			side = types.SELL
		}
		a.bus.Publish(RawEvent{
			Kind:       EventWhaleTrade,
			Source:     a.Name(),
			SourceTime: time.UnixMilli(row.Timestamp),
			WhaleTrade: &WhaleTrade{
				UserAddress: row.UserAddress,
				AssetID:     row.AssetID,
				Side:        side,
				Size:        size,
				Price:       price,
				MarketSlug:  row.MarketSlug,
			},
		})
	}
}

func (a *WhaleRESTAdapter) Health() types.HealthReport {
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

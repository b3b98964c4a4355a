package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"betterbot/internal/config"
	"betterbot/pkg/types"
)

// walletRestOrder mirrors one row of the wallet REST orders endpoint.
type walletRestOrder struct {
	OrderHash        string `json:"order_hash"`
	TxHash           string `json:"tx_hash"`
	User             string `json:"user"`
	MarketSlug       string `json:"market_slug"`
	ConditionID      string `json:"condition_id"`
	TokenID          string `json:"token_id"`
	Side             string `json:"side"`
	SharesNormalized string `json:"shares_normalized"`
	Price            string `json:"price"`
	Timestamp        int64  `json:"timestamp"`
	Title            string `json:"title"`
}

// WalletRESTAdapter is the incremental fallback/backfill poller for wallet
// orders, using Authorization: Bearer <token> and a start_time cursor —
// grounded on exchange/client.go's resty retry/backoff configuration.
type WalletRESTAdapter struct {
	http      *resty.Client
	cfg       config.SourceConfig
	bus       *Bus
	ks        *DataSourceKillSwitch
	logger    *slog.Logger
	cursorSec int64

	successCount atomic.Int64
	consecFail   atomic.Int64
	lastErr      atomic.Value
	lastErrAt    atomic.Value
	emaLatency   atomic.Int64
}

// NewWalletRESTAdapter builds the poller against baseURL with bearerToken auth.
func NewWalletRESTAdapter(baseURL, bearerToken string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *WalletRESTAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		SetHeader("Authorization", "Bearer "+bearerToken).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &WalletRESTAdapter{
		http:      client,
		cfg:       cfg,
		bus:       bus,
		ks:        ks,
		logger:    logger.With("component", "ingest_wallet_rest"),
		cursorSec: time.Now().Add(-time.Hour).Unix(),
	}
}

func (a *WalletRESTAdapter) Name() string { return "wallet_rest" }

func (a *WalletRESTAdapter) Start(ctx context.Context) error {
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

func (a *WalletRESTAdapter) poll(ctx context.Context) {
	if !a.ks.Allow() {
		return
	}
	start := time.Now()

	var orders []walletRestOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start_time": fmt.Sprintf("%d", a.cursorSec),
			"limit":      "500",
		}).
		SetResult(&orders).
		Get("/orders")

	latency := time.Since(start)
	if err != nil || resp.StatusCode() != 200 {
		a.consecFail.Add(1)
		if err == nil {
			err = fmt.Errorf("status %d", resp.StatusCode())
		}
		a.lastErr.Store(err)
		a.lastErrAt.Store(time.Now())
		a.ks.RecordFailure()
		a.logger.Error("wallet rest poll failed", "error", err)
		return
	}

	a.consecFail.Store(0)
	a.successCount.Add(1)
	a.ks.RecordSuccess(latency)
	a.emaLatency.Store(int64(0.8*float64(a.emaLatency.Load()) + 0.2*float64(latency)))

	var maxTs int64
	for _, o := range orders {
		price, err1 := decimal.NewFromString(o.Price)
		size, err2 := decimal.NewFromString(o.SharesNormalized)
		if err1 != nil || err2 != nil {
			a.logger.Debug("dropping order with unparsable numeric fields", "order_hash", o.OrderHash)
			continue
		}
		side := types.BUY
		if o.Side == "SELL" {
			side = types.SELL
		}
		a.bus.Publish(RawEvent{
			Kind:       EventWalletOrder,
			Source:     a.Name(),
			SourceTime: time.UnixMilli(o.Timestamp),
			WalletOrder: &WalletOrder{
				OrderHash:   o.OrderHash,
				TxHash:      o.TxHash,
				User:        o.User,
				MarketSlug:  o.MarketSlug,
				ConditionID: o.ConditionID,
				TokenID:     o.TokenID,
				Side:        side,
				SharesNorm:  size,
				Price:       price,
				Title:       o.Title,
			},
		})
		if o.Timestamp/1000 > maxTs {
			maxTs = o.Timestamp / 1000
		}
	}
	if maxTs > 0 {
		a.cursorSec = maxTs + 1
	}
}

func (a *WalletRESTAdapter) Health() types.HealthReport {
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

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"betterbot/internal/config"
	"betterbot/pkg/types"
)

var walletJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	walletReadTimeout  = 90 * time.Second
	walletPingInterval = 50 * time.Second
	walletWriteTimeout = 10 * time.Second
)

// walletOrderWSEvent mirrors the wallet order WS wire contract from spec.md §6:
// {type:"event", subscription_id, data:{order_hash, tx_hash, user, market_slug,
// condition_id, token_id, side, shares_normalized, price, timestamp, title}}.
type walletOrderWSEvent struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	Data           struct {
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
	} `json:"data"`
}

// WalletWSAdapter subscribes to the wallet order WebSocket feed. Grounded on
// exchange/ws.go's connect/read/reconnect/ping loop, generalized from the
// market/user dual-channel split to a single tracked-wallet subscription.
type WalletWSAdapter struct {
	url          string
	bearerToken  string
	trackedUsers []string

	bus    *Bus
	ks     *DataSourceKillSwitch
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	health healthState
}

// healthState centralizes the mutable health counters shared by every
// adapter that doesn't need lock-free atomics (lower volume than the
// poll-driven REST adapters).
type healthState struct {
	mu                  sync.Mutex
	successCount        int64
	consecutiveFailures int
	lastError           error
	lastErrorAt         time.Time
	emaLatency          time.Duration
}

func (h *healthState) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount++
	h.consecutiveFailures = 0
	h.emaLatency = time.Duration(0.8*float64(h.emaLatency) + 0.2*float64(latency))
}

func (h *healthState) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.lastError = err
	h.lastErrorAt = time.Now()
}

func (h *healthState) snapshot(source string, disabled bool) types.HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return types.HealthReport{
		Source:              source,
		EMALatency:          h.emaLatency,
		SuccessCount:        h.successCount,
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
		LastErrorAt:         h.lastErrorAt,
		Disabled:            disabled,
	}
}

// NewWalletWSAdapter builds the wallet order feed adapter. Auth is a bearer
// token placed in the URL path, per spec.md §6.
func NewWalletWSAdapter(wsURL, bearerToken string, trackedUsers []string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *WalletWSAdapter {
	return &WalletWSAdapter{
		url:          wsURL,
		bearerToken:  bearerToken,
		trackedUsers: trackedUsers,
		bus:          bus,
		ks:           ks,
		logger:       logger.With("component", "ingest_wallet_ws"),
	}
}

func (a *WalletWSAdapter) Name() string { return "wallet_ws" }

// Start maintains the WS connection with exponential backoff, exactly the
// teacher's Run() reconnect loop generalized to the widened 1s-60s cap.
func (a *WalletWSAdapter) Start(ctx context.Context) error {
	backoff := NewReconnectBackoff()
	for {
		if !a.ks.Allow() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Next()):
				continue
			}
		}

		connected, err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}

		a.health.recordFailure(err)
		a.ks.RecordFailure()
		a.logger.Warn("wallet ws disconnected, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

func (a *WalletWSAdapter) connectAndRead(ctx context.Context) (connected bool, err error) {
	url := fmt.Sprintf("%s/%s", a.url, a.bearerToken)
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	sub := struct {
		Action  string `json:"action"`
		Platform string `json:"platform"`
		Version int    `json:"version"`
		Type    string `json:"type"`
		Filters struct {
			Users []string `json:"users"`
		} `json:"filters"`
	}{Action: "subscribe", Platform: "polymarket", Version: 1, Type: "orders"}
	sub.Filters.Users = a.trackedUsers

	conn.SetWriteDeadline(time.Now().Add(walletWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	a.health.recordSuccess(time.Since(start))
	a.ks.RecordSuccess(time.Since(start))
	a.logger.Info("wallet ws connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(walletReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		a.dispatch(msg)
	}
}

func (a *WalletWSAdapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(walletPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(walletWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			a.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch tolerates unsolicited control frames and unknown event types
// (logged and dropped) per spec.md §4.1.
func (a *WalletWSAdapter) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := walletJSON.Unmarshal(data, &envelope); err != nil {
		a.logger.Debug("ignoring non-json wallet ws message")
		return
	}

	if envelope.Type != "event" {
		a.logger.Debug("ignoring unknown wallet ws message type", "type", envelope.Type)
		return
	}

	var evt walletOrderWSEvent
	if err := walletJSON.Unmarshal(data, &evt); err != nil {
		a.logger.Warn("protocol violation decoding wallet order event", "error", err)
		return
	}

	price, err1 := decimal.NewFromString(evt.Data.Price)
	size, err2 := decimal.NewFromString(evt.Data.SharesNormalized)
	if err1 != nil || err2 != nil {
		a.logger.Warn("dropping wallet order event with unparsable numeric fields")
		return
	}

	side := types.BUY
	if evt.Data.Side == "SELL" {
		side = types.SELL
	}

	a.bus.Publish(RawEvent{
		Kind:       EventWalletOrder,
		Source:     a.Name(),
		SourceTime: time.UnixMilli(evt.Data.Timestamp),
		WalletOrder: &WalletOrder{
			OrderHash:   evt.Data.OrderHash,
			TxHash:      evt.Data.TxHash,
			User:        evt.Data.User,
			MarketSlug:  evt.Data.MarketSlug,
			ConditionID: evt.Data.ConditionID,
			TokenID:     evt.Data.TokenID,
			Side:        side,
			SharesNorm:  size,
			Price:       price,
			Title:       evt.Data.Title,
		},
	})
}

// Health implements Adapter.
func (a *WalletWSAdapter) Health() types.HealthReport {
	return a.health.snapshot(a.Name(), !a.ks.Allow())
}

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

var spotJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	spotReadTimeout  = 90 * time.Second
	spotPingInterval = 50 * time.Second
	spotWriteTimeout = 10 * time.Second
)

// spotTickWSEvent mirrors the public spot feed's tick envelope:
// {type:"tick", symbol, price, timestamp}. Used by the LONG vault engine's
// settlement spec as the knowable reference price for 15-minute up/down
// markets, never as a primary signal source.
type spotTickWSEvent struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// SpotFeedAdapter subscribes to a public spot price WebSocket feed, used
// purely as a settlement reference. Grounded on exchange/ws.go's
// connect/read/reconnect/ping loop, the same skeleton as WalletWSAdapter but
// with no authentication and a fixed symbol subscription list.
type SpotFeedAdapter struct {
	url     string
	symbols []string

	bus    *Bus
	ks     *DataSourceKillSwitch
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	health healthState
}

// NewSpotFeedAdapter builds the settlement reference spot price adapter.
func NewSpotFeedAdapter(wsURL string, symbols []string, cfg config.SourceConfig, bus *Bus, ks *DataSourceKillSwitch, logger *slog.Logger) *SpotFeedAdapter {
	return &SpotFeedAdapter{
		url:     wsURL,
		symbols: symbols,
		bus:     bus,
		ks:      ks,
		logger:  logger.With("component", "ingest_spot_feed"),
	}
}

func (a *SpotFeedAdapter) Name() string { return "spot_feed" }

func (a *SpotFeedAdapter) Start(ctx context.Context) error {
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
		a.logger.Warn("spot feed disconnected, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

func (a *SpotFeedAdapter) connectAndRead(ctx context.Context) (connected bool, err error) {
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
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
		Action  string   `json:"action"`
		Type    string   `json:"type"`
		Symbols []string `json:"symbols"`
	}{Action: "subscribe", Type: "spot_price", Symbols: a.symbols}

	conn.SetWriteDeadline(time.Now().Add(spotWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	a.health.recordSuccess(time.Since(start))
	a.ks.RecordSuccess(time.Since(start))
	a.logger.Info("spot feed connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(spotReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		a.dispatch(msg)
	}
}

func (a *SpotFeedAdapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(spotPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(spotWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			a.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *SpotFeedAdapter) dispatch(data []byte) {
	var evt spotTickWSEvent
	if err := spotJSON.Unmarshal(data, &evt); err != nil {
		a.logger.Debug("ignoring non-json spot feed message")
		return
	}
	if evt.Type != "tick" {
		a.logger.Debug("ignoring unknown spot feed message type", "type", evt.Type)
		return
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		a.logger.Warn("dropping spot tick with unparsable price", "symbol", evt.Symbol)
		return
	}

	a.bus.Publish(RawEvent{
		Kind:       EventSpotPrice,
		Source:     a.Name(),
		SourceTime: time.UnixMilli(evt.Timestamp),
		SpotPrice: &SpotPriceTick{
			Symbol: evt.Symbol,
			Price:  price,
		},
	})
}

// Health implements Adapter.
func (a *SpotFeedAdapter) Health() types.HealthReport {
	return a.health.snapshot(a.Name(), !a.ks.Allow())
}

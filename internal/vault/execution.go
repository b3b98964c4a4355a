package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// VaultOrder is an order request emitted by a sizing engine.
type VaultOrder struct {
	ClientOrderID string // idempotency key, generated once and reused across retries
	MarketID      string
	TokenID       string
	Side          types.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Engine        string // "fast15m" | "long"
}

// FillCallback is invoked by an ExecutionAdapter when an order fills.
type FillCallback func(order VaultOrder, fillPrice decimal.Decimal, fillSize decimal.Decimal, filledAt time.Time)

// ExecutionAdapter is the venue-agnostic order placement contract both vault
// engines place through. Two implementations exist: Paper (instant fill at
// limit price, credits/debits the paper ledger) and Live (a placeholder per
// spec.md §9 — idempotent client_order_id plumbing and cancel/replace are in
// place, but routing to a real venue is not wired, so it always fails).
type ExecutionAdapter interface {
	Place(ctx context.Context, order VaultOrder) (string, error)
	Cancel(ctx context.Context, orderID string) error
	OnFill(cb FillCallback)
}

// PaperAdapter fills every order instantly at its limit price and credits
// the outcome to the pool, the way a vault would behave in simulation mode.
type PaperAdapter struct {
	mu       sync.Mutex
	pool     *Pool
	onFill   FillCallback
	orders   map[string]VaultOrder
	limiter  *RateLimiter
}

// NewPaperAdapter creates a paper-trading execution adapter against pool.
func NewPaperAdapter(pool *Pool) *PaperAdapter {
	return &PaperAdapter{
		pool:    pool,
		orders:  make(map[string]VaultOrder),
		limiter: NewRateLimiter(),
	}
}

// Place instantly "fills" the order and debits/credits cash at the limit
// price, reflecting an idealized paper fill. Paced through the same
// RateLimiter a live adapter would use, so sizing engines see realistic
// submission latency even in paper mode.
func (a *PaperAdapter) Place(ctx context.Context, order VaultOrder) (string, error) {
	if err := a.limiter.Order.WaitMarket(ctx, order.MarketID); err != nil {
		return "", fmt.Errorf("vault: paper adapter rate limit: %w", err)
	}

	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}

	a.mu.Lock()
	a.orders[order.ClientOrderID] = order
	cb := a.onFill
	a.mu.Unlock()

	notional := order.Price.Mul(order.Size)
	if order.Side == types.BUY {
		a.pool.CreditPnL(notional.Neg())
	} else {
		a.pool.CreditPnL(notional)
	}

	if cb != nil {
		cb(order, order.Price, order.Size, time.Now())
	}

	return order.ClientOrderID, nil
}

// Cancel is a no-op for paper orders: they fill instantly on Place, so by
// the time Cancel could be called the order is already Done.
func (a *PaperAdapter) Cancel(ctx context.Context, orderID string) error {
	a.mu.Lock()
	order, ok := a.orders[orderID]
	a.mu.Unlock()
	if !ok {
		if err := a.limiter.Cancel.Wait(ctx); err != nil {
			return fmt.Errorf("vault: paper adapter rate limit: %w", err)
		}
		return fmt.Errorf("vault: unknown paper order %s", orderID)
	}
	if err := a.limiter.Cancel.WaitMarket(ctx, order.MarketID); err != nil {
		return fmt.Errorf("vault: paper adapter rate limit: %w", err)
	}
	return nil
}

// OnFill registers the callback invoked synchronously from Place.
func (a *PaperAdapter) OnFill(cb FillCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFill = cb
}

// LiveAdapter is the not-yet-enabled live execution path. Per spec.md §9 the
// idempotency key and cancel/replace shape are finalized here, but routing
// to a real venue (signing, submission, post-hoc reconciliation) remains
// unimplemented until a specific router is chosen — Place always returns an
// error so the vault master enable/paper flag is the only path to live
// money movement, and it is refused here regardless of that flag.
type LiveAdapter struct {
	mu       sync.Mutex
	onFill   FillCallback
	inFlight map[string]VaultOrder // client_order_id -> order, for idempotent replay
	limiter  *RateLimiter
}

// NewLiveAdapter constructs the placeholder live adapter.
func NewLiveAdapter() *LiveAdapter {
	return &LiveAdapter{inFlight: make(map[string]VaultOrder), limiter: NewRateLimiter()}
}

// Place assigns (or reuses, if retried) a client_order_id, paces through the
// rate limiter the way a real submission would, and then refuses: live
// routing is not implemented.
func (a *LiveAdapter) Place(ctx context.Context, order VaultOrder) (string, error) {
	if err := a.limiter.Order.WaitMarket(ctx, order.MarketID); err != nil {
		return "", fmt.Errorf("vault: live adapter rate limit: %w", err)
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	a.mu.Lock()
	if _, retry := a.inFlight[order.ClientOrderID]; !retry {
		a.inFlight[order.ClientOrderID] = order
	}
	a.mu.Unlock()
	return order.ClientOrderID, fmt.Errorf("vault: live execution adapter is not enabled (router unfinalized, see spec.md §9)")
}

// Cancel is unimplemented for the same reason Place refuses orders.
func (a *LiveAdapter) Cancel(ctx context.Context, orderID string) error {
	a.mu.Lock()
	order, ok := a.inFlight[orderID]
	a.mu.Unlock()
	marketID := ""
	if ok {
		marketID = order.MarketID
	}
	if err := a.limiter.Cancel.WaitMarket(ctx, marketID); err != nil {
		return fmt.Errorf("vault: live adapter rate limit: %w", err)
	}
	return fmt.Errorf("vault: live execution adapter cancel is not enabled")
}

// OnFill registers the fill callback for a future reconciliation loop.
func (a *LiveAdapter) OnFill(cb FillCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFill = cb
}

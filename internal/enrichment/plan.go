// Package enrichment implements the bounded worker pool that fetches
// signal context (market metadata, book snapshot, wallet mapping, wallet
// PnL) after a signal has already been persisted and broadcast. Per
// spec.md §4.3, the enrichment path must never block emission of the
// underlying signal — every fetch here happens strictly after the signal
// itself has already reached subscribers.
//
// Grounded on the teacher's goroutine-per-concern fan-out in
// engine.Engine.Start() (wg.Add(1); go func(){...}()), generalized from a
// fixed set of per-market goroutines to a bounded worker pool drawing off a
// shared job queue.
package enrichment

import (
	"context"

	"betterbot/pkg/types"
)

// Plan lists which of the four enrichment fields a job should fetch.
type Plan struct {
	Market  bool
	Book    bool
	Wallet  bool
	WalletPnL bool
}

// Job is one unit of enrichment work: a signal awaiting context.
type Job struct {
	SignalID    string
	MarketSlug  string
	TokenID     string
	WalletAddr  string
	Plan        Plan
}

// MarketFetcher fetches market metadata for a slug.
type MarketFetcher interface {
	FetchMarketMetadata(ctx context.Context, slug string) (types.MarketMetadata, error)
}

// BookFetcher fetches a point-in-time order book snapshot for a token.
type BookFetcher interface {
	FetchBook(ctx context.Context, tokenID string) (types.OrderBookSnapshot, error)
}

// WalletMappingFetcher resolves a wallet address to a label map (ENS,
// exchange-account, etc).
type WalletMappingFetcher interface {
	FetchWalletMapping(ctx context.Context, address string) (map[string]string, error)
}

// WalletPnLFetcher fetches a wallet's trailing PnL summary.
type WalletPnLFetcher interface {
	FetchWalletPnL(ctx context.Context, address string) (types.WalletPnLSummary, error)
}

// Fetchers bundles the four pluggable fetch sources a Pool draws from.
type Fetchers struct {
	Market       MarketFetcher
	Book         BookFetcher
	WalletMap    WalletMappingFetcher
	WalletPnL    WalletPnLFetcher
}

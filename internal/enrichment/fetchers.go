package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"betterbot/pkg/types"
)

// RESTMarketFetcher fetches market metadata by slug. Grounded on the same
// resty client shape as ingest.MarketCatalogAdapter, generalized from a
// catalog sweep to a single on-demand lookup.
type RESTMarketFetcher struct {
	http *resty.Client
}

// NewRESTMarketFetcher builds a fetcher against baseURL's single-market endpoint.
func NewRESTMarketFetcher(baseURL string) *RESTMarketFetcher {
	return &RESTMarketFetcher{http: restClient(baseURL)}
}

type marketMetadataResponse struct {
	Slug     string `json:"slug"`
	Question string `json:"question"`
	Title    string `json:"title"`
	EndDate  string `json:"endDate"`
}

func (f *RESTMarketFetcher) FetchMarketMetadata(ctx context.Context, slug string) (types.MarketMetadata, error) {
	var body marketMetadataResponse
	resp, err := f.http.R().SetContext(ctx).SetQueryParam("slug", slug).SetResult(&body).Get("/markets")
	if err != nil {
		return types.MarketMetadata{}, fmt.Errorf("enrichment: fetch market metadata: %w", err)
	}
	if resp.StatusCode() != 200 {
		return types.MarketMetadata{}, fmt.Errorf("enrichment: fetch market metadata: status %d", resp.StatusCode())
	}
	endTime, _ := time.Parse(time.RFC3339, body.EndDate)
	title := body.Title
	if title == "" {
		title = body.Question
	}
	return types.MarketMetadata{Slug: slug, Title: title, Question: body.Question, EndTime: endTime}, nil
}

// RESTBookFetcher fetches a point-in-time order book snapshot for a token,
// sharing its wire shape with ingest.OrderbookAdapter's streaming sweep but
// issuing a single on-demand GET rather than polling a registered set.
type RESTBookFetcher struct {
	http *resty.Client
}

func NewRESTBookFetcher(baseURL string) *RESTBookFetcher {
	return &RESTBookFetcher{http: restClient(baseURL)}
}

type restBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type restBookResponse struct {
	Bids []restBookLevel `json:"bids"`
	Asks []restBookLevel `json:"asks"`
}

func (f *RESTBookFetcher) FetchBook(ctx context.Context, tokenID string) (types.OrderBookSnapshot, error) {
	var body restBookResponse
	resp, err := f.http.R().SetContext(ctx).SetQueryParam("token_id", tokenID).SetResult(&body).Get("/book")
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("enrichment: fetch book: %w", err)
	}
	if resp.StatusCode() != 200 {
		return types.OrderBookSnapshot{}, fmt.Errorf("enrichment: fetch book: status %d", resp.StatusCode())
	}
	bids, err := restLevels(body.Bids)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("enrichment: bids: %w", err)
	}
	asks, err := restLevels(body.Asks)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("enrichment: asks: %w", err)
	}
	return types.OrderBookSnapshot{
		TokenID:    tokenID,
		Bids:       bids,
		Asks:       asks,
		SourceTime: time.Now(),
	}, nil
}

func restLevels(raw []restBookLevel) ([]types.PriceLevel, error) {
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

// RESTWalletMappingFetcher resolves a wallet address to a label map (ENS,
// exchange-account, etc) against a configured lookup endpoint.
type RESTWalletMappingFetcher struct {
	http *resty.Client
}

func NewRESTWalletMappingFetcher(baseURL string) *RESTWalletMappingFetcher {
	return &RESTWalletMappingFetcher{http: restClient(baseURL)}
}

func (f *RESTWalletMappingFetcher) FetchWalletMapping(ctx context.Context, address string) (map[string]string, error) {
	var body map[string]string
	resp, err := f.http.R().SetContext(ctx).SetQueryParam("address", address).SetResult(&body).Get("/wallet-labels")
	if err != nil {
		return nil, fmt.Errorf("enrichment: fetch wallet mapping: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("enrichment: fetch wallet mapping: status %d", resp.StatusCode())
	}
	return body, nil
}

// RESTWalletPnLFetcher fetches a wallet's trailing PnL summary.
type RESTWalletPnLFetcher struct {
	http *resty.Client
}

func NewRESTWalletPnLFetcher(baseURL string) *RESTWalletPnLFetcher {
	return &RESTWalletPnLFetcher{http: restClient(baseURL)}
}

type walletPnLResponse struct {
	RealizedPnL float64 `json:"realizedPnl"`
	TradeCount  int     `json:"tradeCount"`
	WinRate     float64 `json:"winRate"`
}

func (f *RESTWalletPnLFetcher) FetchWalletPnL(ctx context.Context, address string) (types.WalletPnLSummary, error) {
	var body walletPnLResponse
	resp, err := f.http.R().SetContext(ctx).SetQueryParam("address", address).SetResult(&body).Get("/wallet-pnl")
	if err != nil {
		return types.WalletPnLSummary{}, fmt.Errorf("enrichment: fetch wallet pnl: %w", err)
	}
	if resp.StatusCode() != 200 {
		return types.WalletPnLSummary{}, fmt.Errorf("enrichment: fetch wallet pnl: status %d", resp.StatusCode())
	}
	return types.WalletPnLSummary{
		Address:     address,
		RealizedPnL: body.RealizedPnL,
		TradeCount:  body.TradeCount,
		WinRate:     body.WinRate,
		AsOf:        time.Now(),
	}, nil
}

func restClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
}

package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"signal-relay/internal/config"
)

// Source 提供标的的标记价格，用于名义价值计算与滑点保护。
type Source interface {
	MarkPrice(ctx context.Context, symbol string) float64
}

// 交易所不可达时的兜底价格，避免风控失去名义价值依据。
var fallbackPrices = map[string]float64{
	"BTC": 70000,
	"ETH": 4500,
	"BNB": 600,
	"SOL": 150,
}

const defaultFallbackPrice = 100

type tickerClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
}

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// Fetcher 通过行情交易所获取标记价格，带 TTL 缓存与静态兜底。
type Fetcher struct {
	client tickerClient
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewFetcher 创建价格获取器。
func NewFetcher(cfg config.PriceFeedConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	ex := ccxt.NewBinanceusdm(map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"defaultType": "future",
		},
	})

	return &Fetcher{
		client: ex,
		ttl:    cfg.CacheTTL,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// NewFetcherWithClient 用于测试注入行情客户端。
func NewFetcherWithClient(client tickerClient, ttl time.Duration, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client: client,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// MarkPrice 返回标的的标记价格。获取失败时退回静态兜底价，
// 保证风控评估永远有价格可用。
func (f *Fetcher) MarkPrice(ctx context.Context, symbol string) float64 {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	f.mu.Lock()
	if entry, ok := f.cache[symbol]; ok && f.now().Sub(entry.fetchedAt) < f.ttl {
		f.mu.Unlock()
		return entry.price
	}
	f.mu.Unlock()

	if ctx.Err() != nil {
		return f.fallback(symbol)
	}

	ticker, err := f.client.FetchTicker(marketSymbol(symbol))
	if err != nil {
		f.logger.Warn("获取标记价格失败，使用兜底价",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return f.fallback(symbol)
	}

	price := 0.0
	if ticker.Last != nil {
		price = *ticker.Last
	} else if ticker.Close != nil {
		price = *ticker.Close
	}
	if price <= 0 {
		f.logger.Warn("行情返回无效价格，使用兜底价", zap.String("symbol", symbol))
		return f.fallback(symbol)
	}

	f.mu.Lock()
	f.cache[symbol] = cacheEntry{price: price, fetchedAt: f.now()}
	f.mu.Unlock()

	return price
}

func (f *Fetcher) fallback(symbol string) float64 {
	if price, ok := fallbackPrices[symbol]; ok {
		return price
	}
	return defaultFallbackPrice
}

func marketSymbol(symbol string) string {
	return fmt.Sprintf("%s/USDT:USDT", symbol)
}

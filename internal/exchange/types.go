package exchange

import "time"

// OrderSide 表示委托方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest 描述一笔待提交的市价单。
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Quantity   float64
	Leverage   int
	MarkPrice  float64
	ReduceOnly bool
}

// SignedOrder 是按交易所线格式编码并签名后的订单。
type SignedOrder struct {
	AccountIndex     int64  `json:"account_index"`
	APIKeyIndex      int    `json:"api_key_index"`
	MarketIndex      int    `json:"market_index"`
	ClientOrderIndex int64  `json:"client_order_index"`
	BaseAmount       int64  `json:"base_amount"`
	Price            int64  `json:"price"`
	IsAsk            bool   `json:"is_ask"`
	OrderType        int    `json:"order_type"`
	TimeInForce      int    `json:"time_in_force"`
	ReduceOnly       bool   `json:"reduce_only"`
	Nonce            int64  `json:"nonce"`
	Signature        string `json:"signature"`
}

// OrderAck 为交易所对一次提交的应答。
type OrderAck struct {
	TxHash string `json:"tx_hash"`
	Code   int    `json:"code"`
}

// OrderResult 汇总一次提交的最终结果。
type OrderResult struct {
	TxHash       string
	OrderID      int64
	Nonce        int64
	Retries      int
	SubmittedAt  time.Time
	AccountIndex int64
}

// Position 表示单个标的的持仓，多头为正、空头为负。
type Position struct {
	Symbol    string  `json:"symbol"`
	Size      float64 `json:"size"`
	MarkPrice float64 `json:"mark_price"`
}

// AccountSnapshot 是连接器缓存的账户状态。
type AccountSnapshot struct {
	AccountIndex int64      `json:"account_index"`
	Equity       float64    `json:"equity"`
	Available    float64    `json:"available_balance"`
	Positions    []Position `json:"positions"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Connected    bool       `json:"connected"`
}

const (
	orderTypeMarket   = 1
	timeInForceIOC    = 0
	maxOrderIndex     = 1_000_000_000_000 // 客户端订单号上限 12 位
	minOrderIndex     = 100_000
	venueCodeOK       = 200
	venueCodeBadNonce = 21104
)

// marketInfo 描述单个标的的编号与数量精度。
type marketInfo struct {
	Index         int
	Multiplier    float64
	MinBaseAmount float64
	PriceDecimals int
}

var markets = map[string]marketInfo{
	"ETH": {Index: 0, Multiplier: 10_000, MinBaseAmount: 0.001, PriceDecimals: 2},
	"BTC": {Index: 1, Multiplier: 100_000_000, MinBaseAmount: 0.0001, PriceDecimals: 2},
	"SOL": {Index: 2, Multiplier: 1_000, MinBaseAmount: 0.01, PriceDecimals: 2},
	"BNB": {Index: 25, Multiplier: 1_000, MinBaseAmount: 0.01, PriceDecimals: 2},
}

var defaultMarket = marketInfo{Index: 0, Multiplier: 1_000, MinBaseAmount: 0.001, PriceDecimals: 2}

func marketFor(symbol string) marketInfo {
	if info, ok := markets[symbol]; ok {
		return info
	}
	return defaultMarket
}

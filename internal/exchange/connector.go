package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
)

// Connector 是单个账户的交易所连接器。序列号是系统中最脆弱的
// 可变状态：只有连接器本身可以推进它，回退仅允许通过显式重同步。
// 订单提交与数据流相互独立，数据流中断不阻塞下单。
type Connector struct {
	acc       *account.Account
	cfg       config.ExchangeConfig
	transport Transport
	logger    *zap.Logger

	// mu 串行化本账户的全部提交，两个并发提交绝不会读到同一序列号。
	mu             sync.Mutex
	nonce          int64
	nonceKnown     bool
	lastOrderIndex int64

	snapMu   sync.RWMutex
	snapshot AccountSnapshot

	feed *feed
}

// NewConnector 创建账户连接器。
func NewConnector(acc *account.Account, cfg config.ExchangeConfig, transport Transport, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int64("account_index", acc.Index))

	c := &Connector{
		acc:       acc,
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		snapshot:  AccountSnapshot{AccountIndex: acc.Index},
	}
	return c
}

// Account 返回连接器绑定的账户。
func (c *Connector) Account() *account.Account {
	return c.acc
}

// Start 建立初始状态并启动账户数据流。数据流断开后自动退避重连，
// 失败不会影响订单提交。
func (c *Connector) Start(ctx context.Context, dialer FeedDialer, onPnL func(accountIndex int64, pnl float64)) error {
	snap, err := c.transport.FetchAccount(ctx, c.acc.Index)
	if err != nil {
		return err
	}
	snap.Connected = true
	snap.UpdatedAt = time.Now().UTC()
	c.setSnapshot(snap)

	c.feed = newFeed(c, dialer, c.cfg.Feed, onPnL, c.logger)
	c.feed.run(ctx)
	return nil
}

// Stop 关闭数据流。
func (c *Connector) Stop() {
	if c.feed != nil {
		c.feed.stop()
	}
}

// SubmitOrder 读取当前序列号、签名并提交订单。交易所报告序列号
// 过期时执行有限次数的重同步后重新提交；预算耗尽后以
// ErrOrderSubmissionFailed 终止，并携带最后一次底层错误。
func (c *Connector) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.nonceKnown {
		if err := c.resyncNonceLocked(ctx); err != nil {
			return OrderResult{}, wrapSubmission(err)
		}
	}

	signed, err := c.buildOrderLocked(req)
	if err != nil {
		return OrderResult{}, err
	}

	retries := 0
	var lastErr error
	for attempt := 0; attempt <= c.cfg.NonceRetry; attempt++ {
		signed.Nonce = c.nonce
		signed.Signature = SignOrder(c.acc.APISecret, signed)

		ack, sendErr := c.transport.SendOrder(ctx, signed)
		if sendErr == nil {
			c.nonce++
			c.logger.Info("订单提交成功",
				zap.String("symbol", req.Symbol),
				zap.String("side", string(req.Side)),
				zap.Float64("quantity", req.Quantity),
				zap.Int64("nonce", signed.Nonce),
				zap.Int("retries", retries),
				zap.String("tx_hash", ack.TxHash),
			)
			return OrderResult{
				TxHash:       ack.TxHash,
				OrderID:      signed.ClientOrderIndex,
				Nonce:        signed.Nonce,
				Retries:      retries,
				SubmittedAt:  time.Now().UTC(),
				AccountIndex: c.acc.Index,
			}, nil
		}

		lastErr = sendErr
		if !IsNonceMismatch(sendErr) || attempt == c.cfg.NonceRetry {
			break
		}

		// 序列号漂移：从交易所取回权威值后重新签名提交。
		retries++
		c.logger.Warn("序列号过期，执行重同步后重试",
			zap.Int("attempt", attempt+1),
			zap.Int64("stale_nonce", signed.Nonce),
			zap.Error(sendErr),
		)
		if err := c.resyncNonceLocked(ctx); err != nil {
			lastErr = err
			break
		}
	}

	c.logger.Error("订单提交失败",
		zap.String("symbol", req.Symbol),
		zap.Int("retries", retries),
		zap.Error(lastErr),
	)
	return OrderResult{Retries: retries, AccountIndex: c.acc.Index}, wrapSubmission(lastErr)
}

// resyncNonceLocked 从交易所取回权威序列号。调用方必须持有 c.mu。
func (c *Connector) resyncNonceLocked(ctx context.Context) error {
	nonce, err := c.transport.NextNonce(ctx, c.acc.Index)
	if err != nil {
		return err
	}
	c.nonce = nonce
	c.nonceKnown = true
	c.logger.Info("序列号已重同步", zap.Int64("nonce", nonce))
	return nil
}

func (c *Connector) buildOrderLocked(req OrderRequest) (SignedOrder, error) {
	info := marketFor(req.Symbol)

	quantity := req.Quantity
	if quantity < info.MinBaseAmount {
		c.logger.Warn("数量低于最小值，按最小值提交",
			zap.Float64("requested", quantity),
			zap.Float64("min", info.MinBaseAmount),
		)
		quantity = info.MinBaseAmount
	}

	isAsk := req.Side == OrderSideSell

	// 市价单以受滑点保护的限价提交，避免极端行情下成交价失控。
	slippage := c.cfg.Slippage
	price := req.MarkPrice
	if isAsk {
		price = price * (1 - slippage)
	} else {
		price = price * (1 + slippage)
	}
	scale := math.Pow10(info.PriceDecimals)

	return SignedOrder{
		AccountIndex:     c.acc.Index,
		APIKeyIndex:      c.acc.APIKeyIndex,
		MarketIndex:      info.Index,
		ClientOrderIndex: c.nextOrderIndexLocked(),
		BaseAmount:       int64(quantity * info.Multiplier),
		Price:            int64(price * scale),
		IsAsk:            isAsk,
		OrderType:        orderTypeMarket,
		TimeInForce:      timeInForceIOC,
		ReduceOnly:       req.ReduceOnly,
	}, nil
}

// nextOrderIndexLocked 生成客户端订单号：首单随机，其后递增，
// 超过 12 位后重新随机。
func (c *Connector) nextOrderIndexLocked() int64 {
	if c.lastOrderIndex == 0 || c.lastOrderIndex+1 >= maxOrderIndex {
		c.lastOrderIndex = minOrderIndex + rand.Int63n(maxOrderIndex-minOrderIndex)
	} else {
		c.lastOrderIndex++
	}
	return c.lastOrderIndex
}

// Snapshot 返回缓存的账户状态。
func (c *Connector) Snapshot() AccountSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	snap := c.snapshot
	snap.Positions = make([]Position, len(c.snapshot.Positions))
	copy(snap.Positions, c.snapshot.Positions)
	return snap
}

// PositionSize 返回指定标的的当前持仓，多头为正。
func (c *Connector) PositionSize(symbol string) float64 {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	for _, pos := range c.snapshot.Positions {
		if pos.Symbol == symbol {
			return pos.Size
		}
	}
	return 0
}

func (c *Connector) setSnapshot(snap AccountSnapshot) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snapshot = snap
}

func (c *Connector) applyFeedUpdate(update feedUpdate) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	if update.Equity != nil {
		c.snapshot.Equity = *update.Equity
	}
	if update.Available != nil {
		c.snapshot.Available = *update.Available
	}
	if update.Positions != nil {
		c.snapshot.Positions = update.Positions
	}
	c.snapshot.UpdatedAt = time.Now().UTC()
	c.snapshot.Connected = true
}

func (c *Connector) markDisconnected() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snapshot.Connected = false
}

func wrapSubmission(err error) error {
	if err == nil {
		return ErrOrderSubmissionFailed
	}
	return &SubmissionError{cause: err}
}

// SubmissionError 在重试预算耗尽后携带最后一次底层错误。
type SubmissionError struct {
	cause error
}

func (e *SubmissionError) Error() string {
	return ErrOrderSubmissionFailed.Error() + ": " + e.cause.Error()
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrOrderSubmissionFailed, e.cause}
}

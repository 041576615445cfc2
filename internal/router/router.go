package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
	"signal-relay/internal/exchange"
	"signal-relay/internal/ledger"
	"signal-relay/internal/pricefeed"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
)

// ErrUnknownAccount 表示信号指向的账户未注册。
var ErrUnknownAccount = errors.New("router: 目标账户未注册")

// ErrNoActiveAccounts 表示广播信号找不到任何激活账户。
var ErrNoActiveAccounts = errors.New("router: 没有激活的账户")

const (
	baseQuantity      = 0.01
	balancePercentage = 0.8
	minQuantity       = 0.001
	maxQuantity       = 10.0
)

// ConnectorProvider 提供账户连接器。Peek 只查不建，
// 用于在风控放行之前读取持仓而不触碰交易所。
type ConnectorProvider interface {
	Connector(ctx context.Context, acc *account.Account) (*exchange.Connector, error)
	Peek(accountIndex int64) (*exchange.Connector, bool)
}

// AccountOutcome 是单账户的分发结果。
type AccountOutcome struct {
	AccountIndex int64          `json:"account_index"`
	Name         string         `json:"name"`
	Outcome      ledger.Outcome `json:"outcome"`
	Reason       string         `json:"reason,omitempty"`
	OrderID      int64          `json:"order_id,omitempty"`
	TxHash       string         `json:"tx_hash,omitempty"`
	Retries      int            `json:"retries"`
}

// DispatchResult 聚合一次分发的全部账户结果，
// 无论成败每个目标账户必有一条。
type DispatchResult struct {
	DispatchID string           `json:"dispatch_id"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Outcomes   []AccountOutcome `json:"outcomes"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

// Router 将归一化后的信号分发到目标账户集合：解析目标范围、
// 逐账户风控、按批次并发执行、逐账户落账。
type Router struct {
	cfg      config.DispatchConfig
	registry *account.Registry
	gate     *risk.Gate
	provider ConnectorProvider
	prices   pricefeed.Source
	ledger   *ledger.Ledger
	logger   *zap.Logger
}

// New 创建信号路由器。
func New(
	cfg config.DispatchConfig,
	registry *account.Registry,
	gate *risk.Gate,
	provider ConnectorProvider,
	prices pricefeed.Source,
	led *ledger.Ledger,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		provider: provider,
		prices:   prices,
		ledger:   led,
		logger:   logger,
	}
}

// Dispatch 处理一个入站信号。目标账户集合在入口处一次性解析；
// 之后按固定批次顺序处理，批内并发、批间停顿，单账户失败不影响
// 其余账户。返回值对每个目标账户都给出一条结果。
func (r *Router) Dispatch(ctx context.Context, sig signal.Signal) (DispatchResult, error) {
	dispatchID := uuid.NewString()
	started := time.Now().UTC()

	result := DispatchResult{
		DispatchID: dispatchID,
		Symbol:     sig.Symbol,
		Side:       string(sig.Side),
		StartedAt:  started,
	}

	targets, err := r.resolveTargets(sig.Scope)
	if err != nil {
		return result, err
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	r.logger.Info("开始分发信号",
		zap.String("dispatch_id", dispatchID),
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.Int("targets", len(targets)),
	)

	outcomes := make([]AccountOutcome, len(targets))

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 2
	}

	for start := 0; start < len(targets); start += batchSize {
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			group.Go(func() error {
				outcomes[i] = r.processAccount(groupCtx, dispatchID, targets[i], sig)
				return nil
			})
		}
		_ = group.Wait()

		if end < len(targets) && r.cfg.BatchDelay > 0 {
			timer := time.NewTimer(r.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	result.Outcomes = outcomes
	result.Duration = time.Since(started)

	r.logger.Info("信号分发完成",
		zap.String("dispatch_id", dispatchID),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// resolveTargets 解析信号的目标账户集合：定向信号只指向注册账户，
// 广播信号覆盖解析时刻全部激活账户。
func (r *Router) resolveTargets(scope signal.Scope) ([]*account.Account, error) {
	switch scope.Kind {
	case signal.ScopeTargeted:
		acc, err := r.registry.Get(scope.AccountIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, scope.AccountIndex)
		}
		return []*account.Account{acc}, nil
	default:
		actives := r.registry.Actives()
		if len(actives) == 0 {
			return nil, ErrNoActiveAccounts
		}
		return actives, nil
	}
}

// processAccount 执行单账户的完整流水线：风控评估、下单、落账。
// 连接器只有在风控放行后才会被创建或调用。
func (r *Router) processAccount(ctx context.Context, dispatchID string, acc *account.Account, sig signal.Signal) AccountOutcome {
	outcome := AccountOutcome{AccountIndex: acc.Index, Name: acc.Name}

	record := ledger.Execution{
		DispatchID:   dispatchID,
		AccountIndex: acc.Index,
		Symbol:       sig.Symbol,
		Side:         string(sig.Side),
		Leverage:     sig.Leverage,
	}
	defer func() {
		record.Outcome = outcome.Outcome
		record.Reason = outcome.Reason
		record.OrderID = outcome.OrderID
		record.TxHash = outcome.TxHash
		record.Retries = outcome.Retries
		if err := r.ledger.Record(context.WithoutCancel(ctx), record); err != nil {
			r.logger.Error("写入执行记录失败",
				zap.Int64("account_index", acc.Index),
				zap.Error(err),
			)
		}
	}()

	if !acc.Active {
		outcome.Outcome = ledger.OutcomeRejected
		outcome.Reason = "账户未激活"
		return outcome
	}

	price := r.prices.MarkPrice(ctx, sig.Symbol)

	current := 0.0
	available := 0.0
	if conn, ok := r.provider.Peek(acc.Index); ok {
		current = conn.PositionSize(sig.Symbol)
		available = conn.Snapshot().Available
	}

	quantity := r.quantityFor(sig, available, price)
	record.Quantity = quantity
	record.Notional = quantity * price

	projected := projectedNotional(sig.Side, current, quantity, price)
	if err := r.gate.Evaluate(acc, sig, projected); err != nil {
		// 风控规则命中记为拒绝，评估过程本身出错记为失败。
		if risk.IsRejection(err) {
			outcome.Outcome = ledger.OutcomeRejected
			r.logger.Info("信号被风控拒绝",
				zap.Int64("account_index", acc.Index),
				zap.String("reason", err.Error()),
			)
		} else {
			outcome.Outcome = ledger.OutcomeFailed
			r.logger.Error("风控评估失败",
				zap.Int64("account_index", acc.Index),
				zap.Error(err),
			)
		}
		outcome.Reason = err.Error()
		return outcome
	}

	req, ok, reason := buildOrder(sig, current, quantity, price)
	if !ok {
		outcome.Outcome = ledger.OutcomeRejected
		outcome.Reason = reason
		return outcome
	}
	record.Quantity = req.Quantity
	record.Notional = req.Quantity * price

	conn, err := r.provider.Connector(ctx, acc)
	if err != nil {
		outcome.Outcome = ledger.OutcomeFailed
		outcome.Reason = err.Error()
		r.logger.Error("获取账户连接器失败",
			zap.Int64("account_index", acc.Index),
			zap.Error(err),
		)
		return outcome
	}

	res, err := conn.SubmitOrder(ctx, req)
	outcome.Retries = res.Retries
	if err != nil {
		outcome.Outcome = ledger.OutcomeFailed
		outcome.Reason = err.Error()
		return outcome
	}

	outcome.Outcome = ledger.OutcomeSubmitted
	outcome.OrderID = res.OrderID
	outcome.TxHash = res.TxHash
	r.gate.RecordTrade(acc.Index, req.Quantity*price)
	return outcome
}

// quantityFor 确定下单数量：信号显式给出时直接使用，否则按可用
// 余额的固定比例推算，并限制在交易所允许的区间内。
func (r *Router) quantityFor(sig signal.Signal, available, price float64) float64 {
	if sig.Quantity > 0 {
		return sig.Quantity
	}
	if available <= 0 || price <= 0 {
		return baseQuantity
	}

	quantity := available * balancePercentage * float64(sig.Leverage) / price
	quantity = math.Max(minQuantity, math.Min(quantity, maxQuantity))
	return math.Round(quantity*1e4) / 1e4
}

func projectedNotional(side signal.Side, current, quantity, price float64) float64 {
	if side == signal.SideClose {
		return 0
	}
	return (math.Abs(current) + quantity) * price
}

// buildOrder 把方向信号转换为具体委托：同向持仓跳过，反向持仓
// 先平后开（数量合并为一笔），close 只减仓。
func buildOrder(sig signal.Signal, current, quantity, price float64) (exchange.OrderRequest, bool, string) {
	req := exchange.OrderRequest{
		Symbol:    sig.Symbol,
		Leverage:  sig.Leverage,
		MarkPrice: price,
	}

	switch sig.Side {
	case signal.SideLong:
		if current > 0 {
			return req, false, "已持有多头仓位"
		}
		req.Side = exchange.OrderSideBuy
		req.Quantity = quantity + math.Abs(math.Min(current, 0))
	case signal.SideShort:
		if current < 0 {
			return req, false, "已持有空头仓位"
		}
		req.Side = exchange.OrderSideSell
		req.Quantity = quantity + math.Max(current, 0)
	case signal.SideClose:
		if current == 0 {
			return req, false, "没有可平仓位"
		}
		if current > 0 {
			req.Side = exchange.OrderSideSell
		} else {
			req.Side = exchange.OrderSideBuy
		}
		req.Quantity = math.Abs(current)
		req.ReduceOnly = true
	default:
		return req, false, "无法识别的方向"
	}

	return req, true, ""
}

package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
	"signal-relay/internal/signal"
)

// window 维护单个账户的风控窗口，由账户级互斥锁保护。
type window struct {
	mu         sync.Mutex
	trades     []time.Time
	tradingDay string
	dailyPnL   float64
	dailyCount int
	dailyVol   float64
}

// Gate 是下单前同步咨询的风控闸门。熔断开关为全局状态，
// 启动时固定为关闭，只能通过运维接口切换。
type Gate struct {
	cfg    config.RiskConfig
	logger *zap.Logger

	killSwitch atomic.Bool

	mu      sync.Mutex
	windows map[int64]*window

	now func() time.Time
}

// NewGate 创建风控闸门。
func NewGate(cfg config.RiskConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		logger:  logger,
		windows: make(map[int64]*window),
		now:     time.Now,
	}
}

func (g *Gate) windowFor(index int64) *window {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[index]
	if !ok {
		w = &window{}
		g.windows[index] = w
	}
	return w
}

// Evaluate 按固定顺序执行各项检查，任一失败立即返回对应拒绝原因。
// 全部通过时在账户锁内预占一个频率窗口名额，避免两个并发信号
// 同时通过同一窗口检查。被拒绝的信号不改变任何窗口状态。
func (g *Gate) Evaluate(acc *account.Account, sig signal.Signal, projectedNotional float64) error {
	if g.killSwitch.Load() {
		return ErrKillSwitchActive
	}

	if !acc.SymbolAllowed(sig.Symbol) {
		return fmt.Errorf("%w: %s", ErrInstrumentNotAllowed, sig.Symbol)
	}

	if sig.Leverage > g.cfg.MaxLeverage {
		return fmt.Errorf("%w: %d > %d", ErrLeverageExceeded, sig.Leverage, g.cfg.MaxLeverage)
	}

	now := g.now().UTC()
	w := g.windowFor(acc.Index)
	w.mu.Lock()
	defer w.mu.Unlock()
	g.rollDayLocked(w, now)

	if projectedNotional > g.cfg.MaxPositionSizeUSD {
		return fmt.Errorf("%w: %.2f > %.2f", ErrPositionSizeExceeded, projectedNotional, g.cfg.MaxPositionSizeUSD)
	}

	w.trades = pruneBefore(w.trades, now.Add(-g.cfg.RateWindow))
	if len(w.trades) >= g.cfg.MaxTradesPerWindow {
		return fmt.Errorf("%w: %d 笔 / %s", ErrRateLimitExceeded, len(w.trades), g.cfg.RateWindow)
	}

	if -w.dailyPnL >= g.dailyLossLimit() {
		return fmt.Errorf("%w: 已亏损 %.2f", ErrDailyLossLimitExceeded, -w.dailyPnL)
	}

	// 预占名额：通过检查即计入窗口。
	w.trades = append(w.trades, now)
	return nil
}

// RecordTrade 在订单提交成功后记录当日成交量与笔数。
func (g *Gate) RecordTrade(index int64, notional float64) {
	now := g.now().UTC()
	w := g.windowFor(index)
	w.mu.Lock()
	defer w.mu.Unlock()
	g.rollDayLocked(w, now)

	w.dailyCount++
	w.dailyVol += notional
}

// RecordPnL 由账户数据流驱动，累计当日已实现盈亏。
func (g *Gate) RecordPnL(index int64, pnl float64) {
	now := g.now().UTC()
	w := g.windowFor(index)
	w.mu.Lock()
	defer w.mu.Unlock()
	g.rollDayLocked(w, now)

	w.dailyPnL += pnl
	if pnl < 0 {
		g.logger.Info("记录已实现亏损",
			zap.Int64("account_index", index),
			zap.Float64("pnl", pnl),
			zap.Float64("daily_pnl", w.dailyPnL),
		)
	}
}

// Activate 打开全局熔断。
func (g *Gate) Activate() {
	g.killSwitch.Store(true)
	g.logger.Warn("全局熔断已激活，所有信号将被拒绝")
}

// Deactivate 关闭全局熔断。
func (g *Gate) Deactivate() {
	g.killSwitch.Store(false)
	g.logger.Info("全局熔断已关闭")
}

// KillSwitchActive 返回熔断开关状态。
func (g *Gate) KillSwitchActive() bool {
	return g.killSwitch.Load()
}

// AccountStatus 描述单个账户的窗口状态。
type AccountStatus struct {
	AccountIndex   int64   `json:"account_index"`
	TradesInWindow int     `json:"trades_in_window"`
	DailyTrades    int     `json:"daily_trades"`
	DailyVolume    float64 `json:"daily_volume"`
	DailyPnL       float64 `json:"daily_pnl"`
}

// Status 描述风控整体状态，供运维接口查询。
type Status struct {
	KillSwitch         bool            `json:"kill_switch"`
	MaxPositionSizeUSD float64         `json:"max_position_size_usd"`
	MaxDailyLossPct    float64         `json:"max_daily_loss_pct"`
	MaxLeverage        int             `json:"max_leverage"`
	MaxTradesPerWindow int             `json:"max_trades_per_window"`
	RateWindowSeconds  float64         `json:"rate_window_seconds"`
	Accounts           []AccountStatus `json:"accounts"`
}

// Snapshot 返回当前风控状态。
func (g *Gate) Snapshot() Status {
	now := g.now().UTC()

	g.mu.Lock()
	indices := make([]int64, 0, len(g.windows))
	for idx := range g.windows {
		indices = append(indices, idx)
	}
	g.mu.Unlock()

	status := Status{
		KillSwitch:         g.killSwitch.Load(),
		MaxPositionSizeUSD: g.cfg.MaxPositionSizeUSD,
		MaxDailyLossPct:    g.cfg.MaxDailyLossPct,
		MaxLeverage:        g.cfg.MaxLeverage,
		MaxTradesPerWindow: g.cfg.MaxTradesPerWindow,
		RateWindowSeconds:  g.cfg.RateWindow.Seconds(),
		Accounts:           make([]AccountStatus, 0, len(indices)),
	}

	for _, idx := range indices {
		w := g.windowFor(idx)
		w.mu.Lock()
		g.rollDayLocked(w, now)
		inWindow := countSince(w.trades, now.Add(-g.cfg.RateWindow))
		status.Accounts = append(status.Accounts, AccountStatus{
			AccountIndex:   idx,
			TradesInWindow: inWindow,
			DailyTrades:    w.dailyCount,
			DailyVolume:    w.dailyVol,
			DailyPnL:       w.dailyPnL,
		})
		w.mu.Unlock()
	}

	return status
}

func (g *Gate) dailyLossLimit() float64 {
	return g.cfg.MaxPositionSizeUSD * g.cfg.MaxDailyLossPct / 100
}

// rollDayLocked 在跨过日界时清零日度计数。调用方必须持有窗口锁。
func (g *Gate) rollDayLocked(w *window, now time.Time) {
	day := tradingDay(now, g.cfg.DailyResetHour)
	if w.tradingDay == day {
		return
	}
	if w.tradingDay != "" {
		g.logger.Info("日度风控计数已重置",
			zap.String("previous", w.tradingDay),
			zap.String("current", day),
		)
	}
	w.tradingDay = day
	w.dailyPnL = 0
	w.dailyCount = 0
	w.dailyVol = 0
}

// countSince 统计窗口内的交易笔数，不触碰底层数组。
func countSince(trades []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range trades {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// pruneBefore 就地压缩交易时间列表，只能在写路径上使用。
func pruneBefore(trades []time.Time, cutoff time.Time) []time.Time {
	kept := trades[:0]
	for _, ts := range trades {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}

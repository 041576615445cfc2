package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
	"signal-relay/internal/exchange"
	"signal-relay/internal/ledger"
	"signal-relay/internal/pricefeed"
	"signal-relay/internal/risk"
	"signal-relay/internal/router"
	"signal-relay/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	store      *store.Store
}

// New 创建 App 实例。configPath 用于配置热加载。
func New(cfg *config.Config, configPath string, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      store,
	}
}

// Run 组装各组件并阻塞运行，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("信号中继已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Endpoint),
		zap.Int("accounts", len(a.cfg.Accounts)),
	)

	led, err := ledger.NewLedger(a.store, a.logger)
	if err != nil {
		return err
	}

	registry, err := account.NewRegistry(a.cfg.Accounts, a.logger)
	if err != nil {
		return err
	}

	gate := risk.NewGate(a.cfg.Risk, a.logger)

	transport := exchange.NewRESTTransport(a.cfg.Exchange)
	manager := exchange.NewManager(a.cfg.Exchange, transport, exchange.WSDialer{}, gate.RecordPnL, a.logger)
	defer manager.CloseAll()

	prices := pricefeed.NewFetcher(a.cfg.PriceFeed, a.logger)

	disp := router.New(a.cfg.Dispatch, registry, gate, manager, prices, led, a.logger)

	// 预热激活账户的连接器，让数据流尽早就位；失败留待首次下单时重试。
	for _, acc := range registry.Actives() {
		if _, connErr := manager.Connector(ctx, acc); connErr != nil {
			a.logger.Warn("预热账户连接器失败", zap.Int64("account_index", acc.Index), zap.Error(connErr))
		}
	}

	srv := newServer(serverDeps{
		cfg:        a.cfg,
		configPath: a.configPath,
		registry:   registry,
		gate:       gate,
		manager:    manager,
		router:     disp,
		ledger:     led,
		logger:     a.logger,
	})
	if err := srv.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

package exchange

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
)

// Manager 按账户惰性创建连接器，并负责重连与统一关闭。
type Manager struct {
	cfg       config.ExchangeConfig
	transport Transport
	dialer    FeedDialer
	onPnL     func(accountIndex int64, pnl float64)
	logger    *zap.Logger

	mu      sync.Mutex
	conns   map[int64]*Connector
	retries map[int64]int
	pending map[int64]chan struct{}
}

// NewManager 创建连接器管理器。onPnL 在数据流收到已实现盈亏时回调。
func NewManager(cfg config.ExchangeConfig, transport Transport, dialer FeedDialer, onPnL func(int64, float64), logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		dialer:    dialer,
		onPnL:     onPnL,
		logger:    logger,
		conns:     make(map[int64]*Connector),
		retries:   make(map[int64]int),
		pending:   make(map[int64]chan struct{}),
	}
}

// Connector 返回账户对应的连接器，必要时新建并启动数据流。
// 同一账户的建连做单飞：后到的调用等待先行者的结果，建连期间不持有
// 管理器锁，其他账户的查询与建连不受阻塞。连续建连失败超过上限后
// 直接报错，避免反复拖垮交易所。
func (m *Manager) Connector(ctx context.Context, acc *account.Account) (*Connector, error) {
	for {
		m.mu.Lock()
		if conn, ok := m.conns[acc.Index]; ok {
			m.mu.Unlock()
			return conn, nil
		}
		wait, inflight := m.pending[acc.Index]
		if !inflight {
			break
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.retries[acc.Index] >= m.cfg.ConnectRetry {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: 账户 %d", ErrConnectRetryExceeded, acc.Index)
	}
	done := make(chan struct{})
	m.pending[acc.Index] = done
	m.mu.Unlock()

	conn := NewConnector(acc, m.cfg, m.transport, m.logger)
	err := conn.Start(ctx, m.dialer, m.onPnL)

	m.mu.Lock()
	delete(m.pending, acc.Index)
	close(done)
	if err != nil {
		m.retries[acc.Index]++
		m.mu.Unlock()
		return nil, fmt.Errorf("exchange: 账户 %d 建连失败: %w", acc.Index, err)
	}
	m.retries[acc.Index] = 0
	m.conns[acc.Index] = conn
	m.mu.Unlock()

	m.logger.Info("账户连接器已建立",
		zap.Int64("account_index", acc.Index),
		zap.String("name", acc.Name),
	)
	return conn, nil
}

// Peek 返回已存在的连接器，不触发新建。
func (m *Manager) Peek(accountIndex int64) (*Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[accountIndex]
	return conn, ok
}

// Reconnect 关闭并重建指定账户的连接器。
func (m *Manager) Reconnect(ctx context.Context, acc *account.Account) (*Connector, error) {
	m.mu.Lock()
	if conn, ok := m.conns[acc.Index]; ok {
		conn.Stop()
		delete(m.conns, acc.Index)
	}
	m.retries[acc.Index] = 0
	m.mu.Unlock()

	return m.Connector(ctx, acc)
}

// Refresh 在配置热加载后同步连接器集合：被移除或凭据变更的账户
// 关闭重建，未变化的账户保持原连接器，对外不产生可观测影响。
func (m *Manager) Refresh(accounts []*account.Account) {
	byIndex := make(map[int64]*account.Account, len(accounts))
	for _, acc := range accounts {
		byIndex[acc.Index] = acc
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, conn := range m.conns {
		acc, ok := byIndex[idx]
		if ok && acc.APIKey == conn.acc.APIKey && acc.APISecret == conn.acc.APISecret && acc.APIKeyIndex == conn.acc.APIKeyIndex {
			continue
		}
		conn.Stop()
		delete(m.conns, idx)
		delete(m.retries, idx)
		m.logger.Info("账户连接器已回收", zap.Int64("account_index", idx), zap.Bool("removed", !ok))
	}
}

// HealthCheck 逐账户探测连接可用性。
func (m *Manager) HealthCheck(ctx context.Context) map[int64]bool {
	m.mu.Lock()
	conns := make([]*Connector, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	health := make(map[int64]bool, len(conns))
	for _, conn := range conns {
		_, err := m.transport.FetchAccount(ctx, conn.acc.Index)
		health[conn.acc.Index] = err == nil
	}
	return health
}

// CloseAll 关闭全部连接器。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, conn := range m.conns {
		conn.Stop()
		delete(m.conns, idx)
	}
	m.retries = make(map[int64]int)
	m.logger.Info("全部账户连接器已关闭")
}

package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"signal-relay/internal/config"
)

// ErrNotFound 表示账户不存在于当前配置中。
var ErrNotFound = errors.New("account: 账户不存在")

// Account 描述一个已配置的交易账户。凭据只在注册表内拥有，
// 连接器与账本仅持引用，配置热加载之外不会发生变更。
type Account struct {
	Index          int64
	APIKeyIndex    int
	APIKey         string
	APISecret      string
	Name           string
	Active         bool
	allowedSymbols map[string]struct{}
	allowAll       bool
}

// SymbolAllowed 判断该账户是否允许交易指定标的。
// 配置中留空白名单表示放行全部标的，与原有部署约定保持一致。
func (a *Account) SymbolAllowed(symbol string) bool {
	if a.allowAll {
		return true
	}
	_, ok := a.allowedSymbols[strings.ToUpper(symbol)]
	return ok
}

// AllowedSymbols 返回白名单副本，空切片表示不限。
func (a *Account) AllowedSymbols() []string {
	if a.allowAll {
		return nil
	}
	out := make([]string, 0, len(a.allowedSymbols))
	for sym := range a.allowedSymbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type snapshot struct {
	byIndex map[int64]*Account
	ordered []*Account
}

// Registry 持有全部账户配置，支持整体原子热加载。
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *zap.Logger
}

// NewRegistry 根据配置构建注册表。
func NewRegistry(cfgs []config.AccountConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{logger: logger}
	if err := r.Reload(cfgs); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload 校验并整体替换账户集合。校验失败时保持旧配置不变，
// 正在进行的分发继续使用各自解析时拿到的快照。
func (r *Registry) Reload(cfgs []config.AccountConfig) error {
	if len(cfgs) == 0 {
		return errors.New("account: 账户列表不能为空")
	}
	if err := config.ValidateAccounts(cfgs); err != nil {
		return fmt.Errorf("account: 账户配置校验失败: %w", err)
	}

	next := &snapshot{
		byIndex: make(map[int64]*Account, len(cfgs)),
		ordered: make([]*Account, 0, len(cfgs)),
	}

	for _, cfg := range cfgs {
		acc := &Account{
			Index:       cfg.AccountIndex,
			APIKeyIndex: cfg.APIKeyIndex,
			APIKey:      cfg.APIKey,
			APISecret:   cfg.APISecret,
			Name:        cfg.Name,
			Active:      cfg.Active,
			allowAll:    len(cfg.AllowedSymbols) == 0,
		}
		if !acc.allowAll {
			acc.allowedSymbols = make(map[string]struct{}, len(cfg.AllowedSymbols))
			for _, sym := range cfg.AllowedSymbols {
				acc.allowedSymbols[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
			}
		}
		if acc.Name == "" {
			acc.Name = fmt.Sprintf("account-%d", acc.Index)
		}

		next.byIndex[acc.Index] = acc
		next.ordered = append(next.ordered, acc)
	}

	r.current.Store(next)
	r.logger.Info("账户配置已加载", zap.Int("count", len(next.ordered)))
	return nil
}

// Get 查找指定账户。
func (r *Registry) Get(index int64) (*Account, error) {
	snap := r.current.Load()
	acc, ok := snap.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	return acc, nil
}

// All 返回全部账户。
func (r *Registry) All() []*Account {
	snap := r.current.Load()
	out := make([]*Account, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Actives 返回当前激活的账户集合。
func (r *Registry) Actives() []*Account {
	snap := r.current.Load()
	out := make([]*Account, 0, len(snap.ordered))
	for _, acc := range snap.ordered {
		if acc.Active {
			out = append(out, acc)
		}
	}
	return out
}

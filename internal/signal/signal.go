package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Side 表示信号方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideClose Side = "close"
)

// ErrInvalidSide 表示方向字段无法识别。
var ErrInvalidSide = errors.New("signal: 无法识别的方向")

// NormalizeSide 统一方向别名，buy/sell 视为 long/short。
func NormalizeSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	case "close":
		return SideClose, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
}

// Signal 是一次入站告警归一化后的交易指令，接收后不再变更。
type Signal struct {
	Symbol   string
	Side     Side
	Leverage int
	Quantity float64
	Scope    Scope
}

// ScopeKind 区分广播与定向两种路由方式。
type ScopeKind int

const (
	// ScopeBroadcast 表示投递到全部激活账户。
	ScopeBroadcast ScopeKind = iota
	// ScopeTargeted 表示仅投递到指定账户。
	ScopeTargeted
)

// Scope 表示信号的目标账户范围，在路由入口处一次性解析。
type Scope struct {
	Kind         ScopeKind
	AccountIndex int64
}

// Broadcast 返回广播范围。
func Broadcast() Scope {
	return Scope{Kind: ScopeBroadcast}
}

// Targeted 返回指向单一账户的范围。
func Targeted(accountIndex int64) Scope {
	return Scope{Kind: ScopeTargeted, AccountIndex: accountIndex}
}

// WebhookPayload 对应告警服务推送的原始 JSON 报文。
// sale 与 action 为同义字段，历史版本两种拼写都在用。
type WebhookPayload struct {
	Secret       string   `json:"secret"`
	Symbol       string   `json:"symbol"`
	Sale         string   `json:"sale"`
	Action       string   `json:"action"`
	Leverage     int      `json:"leverage"`
	Quantity     float64  `json:"quantity"`
	AccountIndex *int64   `json:"account_index"`
	AlertTime    string   `json:"alert_time"`
	Comment      string   `json:"comment"`
	Extra        struct{} `json:"-"`
}

// ParsePayload 解析原始报文。
func ParsePayload(data []byte) (WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return WebhookPayload{}, fmt.Errorf("signal: 解析报文失败: %w", err)
	}
	return payload, nil
}

// Normalize 将原始报文转换成 Signal，方向与范围在此一次性确定。
func (p WebhookPayload) Normalize() (Signal, error) {
	raw := p.Sale
	if raw == "" {
		raw = p.Action
	}

	side, err := NormalizeSide(raw)
	if err != nil {
		return Signal{}, err
	}

	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		symbol = "BTC"
	}

	leverage := p.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	scope := Broadcast()
	if p.AccountIndex != nil {
		scope = Targeted(*p.AccountIndex)
	}

	return Signal{
		Symbol:   symbol,
		Side:     side,
		Leverage: leverage,
		Quantity: p.Quantity,
		Scope:    scope,
	}, nil
}

// WithScope 返回替换了目标范围的副本。
func (s Signal) WithScope(scope Scope) Signal {
	s.Scope = scope
	return s
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-relay/internal/store"
)

// Outcome 表示单账户执行结果的终态。
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Execution 是一条只追加的执行记录，创建后不再变更。
// 交易所调用失败同样落一条终态记录，确保记录永不丢失。
type Execution struct {
	ID           int64     `json:"id"`
	DispatchID   string    `json:"dispatch_id"`
	AccountIndex int64     `json:"account_index"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Leverage     int       `json:"leverage"`
	Quantity     float64   `json:"quantity"`
	Notional     float64   `json:"notional"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	OrderID      int64     `json:"order_id,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Retries      int       `json:"retries"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyStats 汇总单账户某交易日的成交情况。
type DailyStats struct {
	AccountIndex int64   `json:"account_index"`
	TradingDate  string  `json:"trading_date"`
	Submitted    int     `json:"submitted"`
	Rejected     int     `json:"rejected"`
	Failed       int     `json:"failed"`
	Volume       float64 `json:"volume"`
}

// Ledger 负责执行记录与审计事件的持久化。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLedger 初始化账本并建表。
func NewLedger(store *store.Store, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: store.DB(), logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dispatch_id TEXT NOT NULL,
			account_index INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			quantity REAL NOT NULL,
			notional REAL NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT,
			order_id INTEGER,
			tx_hash TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_index, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_dispatch ON executions(dispatch_id);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Record 追加一条执行记录。
func (l *Ledger) Record(ctx context.Context, exec Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO executions
		 (dispatch_id, account_index, symbol, side, leverage, quantity, notional, outcome, reason, order_id, tx_hash, retries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.DispatchID, exec.AccountIndex, exec.Symbol, exec.Side, exec.Leverage,
		exec.Quantity, exec.Notional, string(exec.Outcome), exec.Reason,
		exec.OrderID, exec.TxHash, exec.Retries, exec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入执行记录失败: %w", err)
	}
	return nil
}

// Recent 按时间倒序检索执行记录，accountIndex 为 nil 时不过滤账户。
func (l *Ledger) Recent(ctx context.Context, accountIndex *int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, dispatch_id, account_index, symbol, side, leverage, quantity, notional,
	                 outcome, COALESCE(reason, ''), COALESCE(order_id, 0), COALESCE(tx_hash, ''), retries, created_at
	          FROM executions`
	args := make([]interface{}, 0, 2)
	if accountIndex != nil {
		query += ` WHERE account_index = ?`
		args = append(args, *accountIndex)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询执行记录失败: %w", err)
	}
	defer rows.Close()

	out := make([]Execution, 0, limit)
	for rows.Next() {
		var (
			exec    Execution
			outcome string
			created string
		)
		if scanErr := rows.Scan(
			&exec.ID, &exec.DispatchID, &exec.AccountIndex, &exec.Symbol, &exec.Side,
			&exec.Leverage, &exec.Quantity, &exec.Notional, &outcome, &exec.Reason,
			&exec.OrderID, &exec.TxHash, &exec.Retries, &created,
		); scanErr != nil {
			return nil, fmt.Errorf("ledger: 解析执行记录失败: %w", scanErr)
		}
		exec.Outcome = Outcome(outcome)
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			exec.CreatedAt = ts
		}
		out = append(out, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取执行记录失败: %w", err)
	}
	return out, nil
}

// Daily 统计单账户指定 UTC 日期（格式 2006-01-02）的执行情况。
func (l *Ledger) Daily(ctx context.Context, accountIndex int64, day string) (DailyStats, error) {
	stats := DailyStats{AccountIndex: accountIndex, TradingDate: day}

	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), COALESCE(SUM(notional), 0)
		 FROM executions
		 WHERE account_index = ? AND substr(created_at, 1, 10) = ?
		 GROUP BY outcome`,
		accountIndex, day,
	)
	if err != nil {
		return stats, fmt.Errorf("ledger: 查询日度统计失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome  string
			count    int
			notional float64
		)
		if scanErr := rows.Scan(&outcome, &count, &notional); scanErr != nil {
			return stats, fmt.Errorf("ledger: 解析日度统计失败: %w", scanErr)
		}
		switch Outcome(outcome) {
		case OutcomeSubmitted:
			stats.Submitted = count
			stats.Volume += notional
		case OutcomeRejected:
			stats.Rejected = count
		case OutcomeFailed:
			stats.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("ledger: 读取日度统计失败: %w", err)
	}
	return stats, nil
}

// Audit 记录一条审计事件（熔断切换、配置热加载等）。
func (l *Ledger) Audit(ctx context.Context, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("序列化审计事件失败", zap.Error(err))
		return
	}

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		eventType, string(data), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		l.logger.Warn("写入审计事件失败", zap.Error(err))
	}
}

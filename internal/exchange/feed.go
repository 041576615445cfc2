package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-relay/internal/config"
)

// FeedConn 抽象一条已建立的数据流连接。
type FeedConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// FeedDialer 抽象数据流拨号，便于在测试中替换。
type FeedDialer interface {
	Dial(ctx context.Context, url string) (FeedConn, error)
}

// WSDialer 基于 gorilla/websocket 的默认拨号实现。
type WSDialer struct{}

// Dial 建立 WebSocket 连接。
func (WSDialer) Dial(ctx context.Context, url string) (FeedConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: 数据流连接失败: %w", err)
	}
	return conn, nil
}

// feed 维护单账户的实时账户/仓位订阅：读取循环解析消息并更新
// 连接器缓存，连接断开后按退避节奏自动重连。坏消息只记日志丢弃，
// 决不中断订阅，也不阻塞下单。
type feed struct {
	conn   *Connector
	dialer FeedDialer
	cfg    config.FeedConfig
	onPnL  func(accountIndex int64, pnl float64)
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func newFeed(conn *Connector, dialer FeedDialer, cfg config.FeedConfig, onPnL func(int64, float64), logger *zap.Logger) *feed {
	return &feed{
		conn:   conn,
		dialer: dialer,
		cfg:    cfg,
		onPnL:  onPnL,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (f *feed) run(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)
}

func (f *feed) stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

func (f *feed) loop(ctx context.Context) {
	defer close(f.done)

	delay := f.cfg.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		wsConn, err := f.dialer.Dial(ctx, f.conn.feedURL())
		if err != nil {
			f.conn.markDisconnected()
			f.logger.Warn("数据流连接失败，等待重连",
				zap.Duration("wait", delay),
				zap.Error(err),
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay, f.cfg.ReconnectMaxDelay)
			continue
		}

		delay = f.cfg.ReconnectMinDelay
		f.readAll(ctx, wsConn)
		f.conn.markDisconnected()

		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("数据流断开，准备重连")
	}
}

// readAll 持续读取直到连接出错或上下文取消。
func (f *feed) readAll(ctx context.Context, wsConn FeedConn) {
	defer wsConn.Close()

	sub := fmt.Sprintf(`{"type":"subscribe","channel":"account_all/%d"}`, f.conn.acc.Index)
	if err := wsConn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		f.logger.Warn("发送订阅请求失败", zap.Error(err))
		return
	}

	readerDone := make(chan struct{})
	defer close(readerDone)
	go f.keepAlive(ctx, wsConn, readerDone)

	for {
		if f.cfg.ReadTimeout > 0 {
			_ = wsConn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		}
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("读取数据流失败", zap.Error(err))
			}
			return
		}

		update, err := decodeFeedMessage(data)
		if err != nil {
			// 坏消息丢弃，订阅继续。
			f.logger.Warn("丢弃无法解析的数据流消息", zap.Error(err), zap.ByteString("raw", truncate(data, 256)))
			continue
		}
		if update == nil {
			continue
		}

		f.conn.applyFeedUpdate(*update)
		if update.RealizedPnL != nil && f.onPnL != nil {
			f.onPnL(f.conn.acc.Index, *update.RealizedPnL)
		}
	}
}

// keepAlive 周期性发送心跳帧，防止安静的数据流被读超时误判为断开。
// 订阅帧先于本协程写出，连接上不会出现并发写。
func (f *feed) keepAlive(ctx context.Context, wsConn FeedConn, readerDone <-chan struct{}) {
	var ping <-chan time.Time
	if f.cfg.PingInterval > 0 {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = wsConn.Close()
			return
		case <-readerDone:
			return
		case <-ping:
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("发送数据流心跳失败", zap.Error(err))
				_ = wsConn.Close()
				return
			}
		}
	}
}

// feedUpdate 为一条解析后的账户更新，nil 字段表示消息未携带。
type feedUpdate struct {
	Equity      *float64
	Available   *float64
	RealizedPnL *float64
	Positions   []Position
}

type feedMessage struct {
	Type         string  `json:"type"`
	AccountIndex *int64  `json:"account_index"`
	Equity       *string `json:"equity"`
	Available    *string `json:"available_balance"`
	RealizedPnL  *string `json:"realized_pnl"`
	Positions    []struct {
		Symbol    string `json:"symbol"`
		Position  string `json:"position"`
		Sign      int    `json:"sign"`
		MarkPrice string `json:"mark_price"`
	} `json:"positions"`
}

func decodeFeedMessage(data []byte) (*feedUpdate, error) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("exchange: 数据流消息解析失败: %w", err)
	}

	switch msg.Type {
	case "account_update", "update":
	case "subscribed", "ping", "pong", "":
		return nil, nil
	default:
		return nil, nil
	}

	update := &feedUpdate{}

	if msg.Equity != nil {
		v, err := strconv.ParseFloat(*msg.Equity, 64)
		if err != nil {
			return nil, fmt.Errorf("exchange: equity 字段无效: %w", err)
		}
		update.Equity = &v
	}
	if msg.Available != nil {
		v, err := strconv.ParseFloat(*msg.Available, 64)
		if err != nil {
			return nil, fmt.Errorf("exchange: available_balance 字段无效: %w", err)
		}
		update.Available = &v
	}
	if msg.RealizedPnL != nil {
		v, err := strconv.ParseFloat(*msg.RealizedPnL, 64)
		if err != nil {
			return nil, fmt.Errorf("exchange: realized_pnl 字段无效: %w", err)
		}
		update.RealizedPnL = &v
	}
	if msg.Positions != nil {
		update.Positions = make([]Position, 0, len(msg.Positions))
		for _, raw := range msg.Positions {
			size, err := strconv.ParseFloat(raw.Position, 64)
			if err != nil {
				return nil, fmt.Errorf("exchange: position 字段无效: %w", err)
			}
			if raw.Sign < 0 {
				size = -size
			}
			mark := 0.0
			if raw.MarkPrice != "" {
				mark, _ = strconv.ParseFloat(raw.MarkPrice, 64)
			}
			update.Positions = append(update.Positions, Position{
				Symbol:    raw.Symbol,
				Size:      size,
				MarkPrice: mark,
			})
		}
	}

	return update, nil
}

func (c *Connector) feedURL() string {
	return c.cfg.WSEndpoint
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

func truncate(data []byte, limit int) []byte {
	if len(data) <= limit {
		return data
	}
	return data[:limit]
}

package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-relay/internal/config"
)

func TestDecodeFeedMessage_AccountUpdate(t *testing.T) {
	raw := []byte(`{
		"type": "account_update",
		"account_index": 101,
		"equity": "1250.50",
		"available_balance": "900.25",
		"realized_pnl": "-3.75",
		"positions": [
			{"symbol": "BTC", "position": "0.002", "sign": 1, "mark_price": "50000.00"},
			{"symbol": "ETH", "position": "0.5", "sign": -1, "mark_price": "4500.00"}
		]
	}`)

	update, err := decodeFeedMessage(raw)
	if err != nil {
		t.Fatalf("decodeFeedMessage returned error: %v", err)
	}
	if update == nil {
		t.Fatalf("expected an update for account_update message")
	}
	if update.Equity == nil || *update.Equity != 1250.50 {
		t.Errorf("unexpected equity: %v", update.Equity)
	}
	if update.Available == nil || *update.Available != 900.25 {
		t.Errorf("unexpected available balance: %v", update.Available)
	}
	if update.RealizedPnL == nil || *update.RealizedPnL != -3.75 {
		t.Errorf("unexpected realized pnl: %v", update.RealizedPnL)
	}
	if len(update.Positions) != 2 {
		t.Fatalf("expected two positions, got %d", len(update.Positions))
	}
	if update.Positions[0].Size != 0.002 {
		t.Errorf("long position must stay positive: %f", update.Positions[0].Size)
	}
	if update.Positions[1].Size != -0.5 {
		t.Errorf("short position must be sign-flipped: %f", update.Positions[1].Size)
	}
}

func TestDecodeFeedMessage_PartialUpdate(t *testing.T) {
	update, err := decodeFeedMessage([]byte(`{"type":"update","equity":"100"}`))
	if err != nil {
		t.Fatalf("decodeFeedMessage returned error: %v", err)
	}
	if update == nil || update.Equity == nil || *update.Equity != 100 {
		t.Fatalf("expected equity-only update, got %+v", update)
	}
	if update.Available != nil || update.Positions != nil {
		t.Errorf("absent fields must stay nil: %+v", update)
	}
}

func TestDecodeFeedMessage_SkipsControlFrames(t *testing.T) {
	for _, raw := range []string{
		`{"type":"subscribed","channel":"account_all/101"}`,
		`{"type":"ping"}`,
		`{"type":"pong"}`,
		`{}`,
		`{"type":"trade_update"}`,
	} {
		update, err := decodeFeedMessage([]byte(raw))
		if err != nil {
			t.Errorf("control frame %s must not error: %v", raw, err)
		}
		if update != nil {
			t.Errorf("control frame %s must not produce an update", raw)
		}
	}
}

func TestDecodeFeedMessage_Malformed(t *testing.T) {
	for _, raw := range []string{
		`{broken`,
		`{"type":"account_update","equity":"not-a-number"}`,
		`{"type":"account_update","available_balance":"x"}`,
		`{"type":"account_update","positions":[{"symbol":"BTC","position":"?"}]}`,
	} {
		if _, err := decodeFeedMessage([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestApplyFeedUpdate_MergesIntoSnapshot(t *testing.T) {
	conn := NewConnector(testExchangeAccount(t, 101), testExchangeConfig(), &fakeTransport{}, nil)
	conn.setSnapshot(AccountSnapshot{
		AccountIndex: 101,
		Equity:       1000,
		Available:    800,
		Positions:    []Position{{Symbol: "BTC", Size: 0.001}},
	})

	newAvail := 750.0
	conn.applyFeedUpdate(feedUpdate{Available: &newAvail})

	snap := conn.Snapshot()
	if snap.Equity != 1000 {
		t.Errorf("untouched fields must survive a partial update, equity=%f", snap.Equity)
	}
	if snap.Available != 750 {
		t.Errorf("available must be updated, got %f", snap.Available)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Size != 0.001 {
		t.Errorf("positions must survive a partial update: %+v", snap.Positions)
	}
	if !snap.Connected {
		t.Errorf("feed updates must mark the snapshot connected")
	}

	conn.applyFeedUpdate(feedUpdate{Positions: []Position{{Symbol: "BTC", Size: -0.002}}})
	if size := conn.PositionSize("BTC"); size != -0.002 {
		t.Errorf("unexpected position size: %f", size)
	}
	if size := conn.PositionSize("ETH"); size != 0 {
		t.Errorf("unknown symbols must report zero position, got %f", size)
	}
}

// pingConn 模拟一条安静的数据流连接：读取一直阻塞，只统计写入的心跳帧。
type pingConn struct {
	mu        sync.Mutex
	pings     int
	closed    chan struct{}
	closeOnce sync.Once
}

func newPingConn() *pingConn {
	return &pingConn{closed: make(chan struct{})}
}

func (c *pingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *pingConn) WriteMessage(messageType int, _ []byte) error {
	if messageType == websocket.PingMessage {
		c.mu.Lock()
		c.pings++
		c.mu.Unlock()
	}
	return nil
}

func (c *pingConn) SetReadDeadline(time.Time) error { return nil }

func (c *pingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pingConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

type pingDialer struct {
	conn *pingConn
}

func (d pingDialer) Dial(context.Context, string) (FeedConn, error) {
	return d.conn, nil
}

func TestFeed_SendsKeepalivePings(t *testing.T) {
	conn := NewConnector(testExchangeAccount(t, 101), testExchangeConfig(), &fakeTransport{}, nil)
	ws := newPingConn()
	cfg := config.FeedConfig{
		ReconnectMinDelay: time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		PingInterval:      2 * time.Millisecond,
	}
	f := newFeed(conn, pingDialer{conn: ws}, cfg, nil, zap.NewNop())
	f.run(context.Background())
	defer f.stop()

	deadline := time.Now().Add(2 * time.Second)
	for ws.pingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected at least one keepalive ping on a quiet stream")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNextDelay_DoublesUpToMax(t *testing.T) {
	max := 8 * time.Second
	d := time.Second
	d = nextDelay(d, max)
	if d != 2*time.Second {
		t.Errorf("expected 2s, got %s", d)
	}
	d = nextDelay(4*time.Second, max)
	if d != 8*time.Second {
		t.Errorf("expected 8s, got %s", d)
	}
	if d = nextDelay(8*time.Second, max); d != max {
		t.Errorf("delay must cap at max, got %s", d)
	}
}

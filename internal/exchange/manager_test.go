package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
)

// stubConn 阻塞在读取上直到被关闭，模拟一条安静的数据流连接。
type stubConn struct {
	closed chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{closed: make(chan struct{})}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *stubConn) SetReadDeadline(t time.Time) error { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, url string) (FeedConn, error) {
	return newStubConn(), nil
}

func managerAccounts(t *testing.T) *account.Registry {
	t.Helper()
	reg, err := account.NewRegistry([]config.AccountConfig{
		{AccountIndex: 101, APIKey: "k1", APISecret: "s1", Active: true},
		{AccountIndex: 102, APIKey: "k2", APISecret: "s2", Active: true},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	return reg
}

func TestManager_ConnectorLazyCreate(t *testing.T) {
	reg := managerAccounts(t)
	m := NewManager(testExchangeConfig(), &fakeTransport{}, stubDialer{}, nil, nil)
	defer m.CloseAll()

	if _, ok := m.Peek(101); ok {
		t.Fatalf("Peek must not create a connector")
	}

	acc, _ := reg.Get(101)
	conn, err := m.Connector(context.Background(), acc)
	if err != nil {
		t.Fatalf("Connector returned error: %v", err)
	}
	if !conn.Snapshot().Connected {
		t.Errorf("initial snapshot must be marked connected")
	}

	again, err := m.Connector(context.Background(), acc)
	if err != nil {
		t.Fatalf("second Connector call returned error: %v", err)
	}
	if again != conn {
		t.Errorf("repeated calls must return the same connector")
	}

	peeked, ok := m.Peek(101)
	if !ok || peeked != conn {
		t.Errorf("Peek must return the existing connector")
	}
}

// slowTransport 的账户查询在放行前一直阻塞，用于制造建连中途的时间窗。
type slowTransport struct {
	fakeTransport
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowTransport() *slowTransport {
	return &slowTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *slowTransport) FetchAccount(ctx context.Context, accountIndex int64) (AccountSnapshot, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return AccountSnapshot{}, ctx.Err()
	}
	return s.fakeTransport.FetchAccount(ctx, accountIndex)
}

func TestManager_PeekNotBlockedDuringConnect(t *testing.T) {
	reg := managerAccounts(t)
	transport := newSlowTransport()
	m := NewManager(testExchangeConfig(), transport, stubDialer{}, nil, nil)
	defer m.CloseAll()

	acc101, _ := reg.Get(101)
	acc102, _ := reg.Get(102)

	connectDone := make(chan error, 1)
	go func() {
		_, err := m.Connector(context.Background(), acc101)
		connectDone <- err
	}()
	<-transport.started

	// 101 仍卡在交易所调用上，其他账户的查询与建连不能受牵连。
	peeked := make(chan struct{})
	go func() {
		m.Peek(102)
		close(peeked)
	}()
	select {
	case <-peeked:
	case <-time.After(time.Second):
		t.Fatal("Peek must not wait on an in-flight connect")
	}

	otherDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := m.Connector(ctx, acc102)
		otherDone <- err
	}()

	close(transport.release)
	if err := <-connectDone; err != nil {
		t.Fatalf("Connector 101 returned error: %v", err)
	}
	if err := <-otherDone; err != nil {
		t.Fatalf("Connector 102 returned error: %v", err)
	}
}

func TestManager_ConnectorSingleFlight(t *testing.T) {
	reg := managerAccounts(t)
	transport := newSlowTransport()
	m := NewManager(testExchangeConfig(), transport, stubDialer{}, nil, nil)
	defer m.CloseAll()

	acc, _ := reg.Get(101)
	results := make(chan *Connector, 2)
	for i := 0; i < 2; i++ {
		go func() {
			conn, err := m.Connector(context.Background(), acc)
			if err != nil {
				t.Errorf("Connector returned error: %v", err)
			}
			results <- conn
		}()
	}

	<-transport.started
	close(transport.release)

	first := <-results
	second := <-results
	if first != second {
		t.Errorf("concurrent calls for one account must share a connector")
	}
}

func TestManager_ConnectRetryBudget(t *testing.T) {
	reg := managerAccounts(t)
	transport := &fakeTransport{fetchErr: errors.New("venue unavailable")}

	cfg := testExchangeConfig()
	cfg.ConnectRetry = 2
	m := NewManager(cfg, transport, stubDialer{}, nil, nil)
	defer m.CloseAll()

	acc, _ := reg.Get(101)
	for i := 0; i < cfg.ConnectRetry; i++ {
		if _, err := m.Connector(context.Background(), acc); err == nil {
			t.Fatalf("attempt %d expected failure", i)
		}
	}

	_, err := m.Connector(context.Background(), acc)
	if !errors.Is(err, ErrConnectRetryExceeded) {
		t.Fatalf("expected ErrConnectRetryExceeded after budget exhausted, got %v", err)
	}

	// Reconnect 重置重试预算。
	transport.mu.Lock()
	transport.fetchErr = nil
	transport.mu.Unlock()
	if _, err := m.Reconnect(context.Background(), acc); err != nil {
		t.Fatalf("Reconnect returned error: %v", err)
	}
}

func TestManager_RefreshKeepsUnchangedAccounts(t *testing.T) {
	reg := managerAccounts(t)
	m := NewManager(testExchangeConfig(), &fakeTransport{}, stubDialer{}, nil, nil)
	defer m.CloseAll()

	acc101, _ := reg.Get(101)
	acc102, _ := reg.Get(102)
	conn101, err := m.Connector(context.Background(), acc101)
	if err != nil {
		t.Fatalf("Connector 101 returned error: %v", err)
	}
	if _, err := m.Connector(context.Background(), acc102); err != nil {
		t.Fatalf("Connector 102 returned error: %v", err)
	}

	// 101 凭据未变，102 被移除。
	if err := reg.Reload([]config.AccountConfig{
		{AccountIndex: 101, APIKey: "k1", APISecret: "s1", Active: true},
	}); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	m.Refresh(reg.All())

	kept, ok := m.Peek(101)
	if !ok || kept != conn101 {
		t.Errorf("unchanged credentials must keep the existing connector")
	}
	if _, ok := m.Peek(102); ok {
		t.Errorf("removed account must have its connector recycled")
	}

	// 凭据变化触发回收。
	if err := reg.Reload([]config.AccountConfig{
		{AccountIndex: 101, APIKey: "k1", APISecret: "rotated", Active: true},
	}); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	m.Refresh(reg.All())
	if _, ok := m.Peek(101); ok {
		t.Errorf("rotated credentials must recycle the connector")
	}
}

func TestManager_HealthCheck(t *testing.T) {
	reg := managerAccounts(t)
	transport := &fakeTransport{}
	m := NewManager(testExchangeConfig(), transport, stubDialer{}, nil, nil)
	defer m.CloseAll()

	acc, _ := reg.Get(101)
	if _, err := m.Connector(context.Background(), acc); err != nil {
		t.Fatalf("Connector returned error: %v", err)
	}

	health := m.HealthCheck(context.Background())
	if !health[101] {
		t.Errorf("expected account 101 healthy")
	}

	transport.mu.Lock()
	transport.fetchErr = errors.New("venue unavailable")
	transport.mu.Unlock()
	health = m.HealthCheck(context.Background())
	if health[101] {
		t.Errorf("expected account 101 unhealthy after transport failure")
	}
}

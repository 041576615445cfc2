package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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

type stubTransport struct {
	mu   sync.Mutex
	sent []exchange.SignedOrder
}

func (t *stubTransport) NextNonce(ctx context.Context, accountIndex int64) (int64, error) {
	return 1, nil
}

func (t *stubTransport) SendOrder(ctx context.Context, order exchange.SignedOrder) (exchange.OrderAck, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, order)
	return exchange.OrderAck{TxHash: "0xabc", Code: 200}, nil
}

func (t *stubTransport) FetchAccount(ctx context.Context, accountIndex int64) (exchange.AccountSnapshot, error) {
	return exchange.AccountSnapshot{AccountIndex: accountIndex}, nil
}

func (t *stubTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type stubFeedConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *stubFeedConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *stubFeedConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *stubFeedConn) SetReadDeadline(t time.Time) error { return nil }

func (c *stubFeedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type stubFeedDialer struct{}

func (stubFeedDialer) Dial(ctx context.Context, url string) (exchange.FeedConn, error) {
	return &stubFeedConn{closed: make(chan struct{})}, nil
}

type stubPriceSource struct{}

func (stubPriceSource) MarkPrice(ctx context.Context, symbol string) float64 { return 50 }

var _ pricefeed.Source = stubPriceSource{}

type serverFixture struct {
	server    *server
	transport *stubTransport
	gate      *risk.Gate
	ledger    *ledger.Ledger
}

const serverTestConfig = `
server:
  secret_token: test-secret
accounts:
  - account_index: 101
    api_key: k1
    api_secret: s1
    active: true
  - account_index: 102
    api_key: k2
    api_secret: s2
    active: true
`

func newServerFixture(t *testing.T, configYAML string) *serverFixture {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	led, err := ledger.NewLedger(s, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}

	registry, err := account.NewRegistry(cfg.Accounts, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	gate := risk.NewGate(cfg.Risk, nil)
	transport := &stubTransport{}
	manager := exchange.NewManager(cfg.Exchange, transport, stubFeedDialer{}, gate.RecordPnL, nil)
	t.Cleanup(manager.CloseAll)

	disp := router.New(cfg.Dispatch, registry, gate, manager, stubPriceSource{}, led, nil)

	srv := newServer(serverDeps{
		cfg:        cfg,
		configPath: configPath,
		registry:   registry,
		gate:       gate,
		manager:    manager,
		router:     disp,
		ledger:     led,
		logger:     zap.NewNop(),
	})

	return &serverFixture{server: srv, transport: transport, gate: gate, ledger: led}
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_RejectsBadSecret(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview", `{"secret":"wrong","symbol":"BTC","sale":"buy"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if f.transport.sentCount() != 0 {
		t.Errorf("unauthorized requests must never reach the venue")
	}
}

func TestHandleWebhook_RejectsInvalidSide(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview", `{"secret":"test-secret","symbol":"BTC","sale":"hold"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown side, got %d", rec.Code)
	}
}

func TestHandleWebhook_BroadcastDispatch(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview",
		`{"secret":"test-secret","symbol":"BTC","sale":"buy","leverage":2,"quantity":0.01}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string                `json:"status"`
		Result router.DispatchResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if resp.Status != "ok" || len(resp.Result.Outcomes) != 2 {
		t.Errorf("expected both accounts in result, got %+v", resp.Result)
	}
	if f.transport.sentCount() != 2 {
		t.Errorf("expected 2 venue submissions, got %d", f.transport.sentCount())
	}
}

func TestHandleWebhook_PathAccountOverridesScope(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview/102",
		`{"secret":"test-secret","symbol":"BTC","sale":"buy","leverage":2,"quantity":0.01,"account_index":101}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Result router.DispatchResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(resp.Result.Outcomes) != 1 || resp.Result.Outcomes[0].AccountIndex != 102 {
		t.Errorf("path segment must win over payload account_index: %+v", resp.Result.Outcomes)
	}
}

func TestHandleWebhook_UnknownTargetedAccount(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview/999",
		`{"secret":"test-secret","symbol":"BTC","sale":"buy"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestKillSwitchEndpoints(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/api/risk/kill-switch/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate expected 200, got %d", rec.Code)
	}
	if !f.gate.KillSwitchActive() {
		t.Errorf("kill switch must be active after the endpoint call")
	}

	// 熔断期间的信号被整体拒绝。
	rec = f.do(http.MethodPost, "/webhook/tradingview",
		`{"secret":"test-secret","symbol":"BTC","sale":"buy","quantity":0.01}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch under kill switch still returns 200, got %d", rec.Code)
	}
	if f.transport.sentCount() != 0 {
		t.Errorf("kill switch must keep the venue untouched")
	}

	rec = f.do(http.MethodPost, "/api/risk/kill-switch/deactivate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate expected 200, got %d", rec.Code)
	}
	if f.gate.KillSwitchActive() {
		t.Errorf("kill switch must be inactive after deactivate")
	}
}

func TestRiskStatusEndpoint(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodGet, "/api/risk/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status risk.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if status.KillSwitch {
		t.Errorf("kill switch must start inactive")
	}
	if status.MaxLeverage != 5 {
		t.Errorf("status must echo configured limits: %+v", status)
	}
}

func TestReloadEndpoint(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	// 改写配置文件后热加载。
	next := `
server:
  secret_token: test-secret
accounts:
  - account_index: 103
    api_key: k3
    api_secret: s3
    active: true
`
	if err := os.WriteFile(f.server.configPath, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite config failed: %v", err)
	}

	rec := f.do(http.MethodPost, "/api/accounts/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/accounts", "")
	var resp struct {
		Accounts []accountView `json:"accounts"`
		Total    int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode accounts failed: %v", err)
	}
	if resp.Total != 1 || resp.Accounts[0].AccountIndex != 103 {
		t.Errorf("reload must replace the account set: %+v", resp.Accounts)
	}
}

func TestReloadEndpoint_RejectsInvalidConfig(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	if err := os.WriteFile(f.server.configPath, []byte("accounts: []\n"), 0o644); err != nil {
		t.Fatalf("rewrite config failed: %v", err)
	}

	rec := f.do(http.MethodPost, "/api/accounts/reload", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid reload expected 422, got %d", rec.Code)
	}

	// 旧账户集合保持生效。
	rec = f.do(http.MethodGet, "/api/accounts", "")
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode accounts failed: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("failed reload must keep the previous accounts, got %d", resp.Total)
	}
}

func TestExecutionsEndpoint(t *testing.T) {
	f := newServerFixture(t, serverTestConfig)

	rec := f.do(http.MethodPost, "/webhook/tradingview",
		`{"secret":"test-secret","symbol":"BTC","sale":"buy","quantity":0.01}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch expected 200, got %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/api/executions?account=101", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("executions expected 200, got %d", rec.Code)
	}
	var resp struct {
		Executions []ledger.Execution `json:"executions"`
		Total      int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode executions failed: %v", err)
	}
	if resp.Total != 1 || resp.Executions[0].AccountIndex != 101 {
		t.Errorf("unexpected executions: %+v", resp.Executions)
	}

	rec = f.do(http.MethodGet, "/api/executions?account=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid account filter expected 400, got %d", rec.Code)
	}
}

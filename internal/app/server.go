package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"signal-relay/internal/account"
	"signal-relay/internal/config"
	"signal-relay/internal/exchange"
	"signal-relay/internal/ledger"
	"signal-relay/internal/risk"
	"signal-relay/internal/router"
	"signal-relay/internal/signal"
)

const maxWebhookBody = 64 << 10

type serverDeps struct {
	cfg        *config.Config
	configPath string
	registry   *account.Registry
	gate       *risk.Gate
	manager    *exchange.Manager
	router     *router.Router
	ledger     *ledger.Ledger
	logger     *zap.Logger
}

type server struct {
	serverDeps
	srv *http.Server
}

func newServer(deps serverDeps) *server {
	s := &server{serverDeps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/tradingview", s.handleWebhook)
	mux.HandleFunc("POST /webhook/tradingview/{account}", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/accounts/{account}/positions", s.handleAccountPositions)
	mux.HandleFunc("GET /api/positions", s.handleAllPositions)
	mux.HandleFunc("GET /api/risk/status", s.handleRiskStatus)
	mux.HandleFunc("POST /api/risk/kill-switch/activate", s.handleKillSwitchActivate)
	mux.HandleFunc("POST /api/risk/kill-switch/deactivate", s.handleKillSwitchDeactivate)
	mux.HandleFunc("POST /api/accounts/reload", s.handleReload)
	mux.HandleFunc("POST /api/accounts/{account}/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /api/executions", s.handleExecutions)

	addr := fmt.Sprintf("%s:%d", deps.cfg.Server.Host, deps.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: deps.cfg.Server.ReadTimeout,
	}
	return s
}

func (s *server) start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("服务异常", zap.Error(err))
		}
	}()

	s.logger.Info("Webhook 服务已启动", zap.String("addr", s.srv.Addr))
	return nil
}

// handleWebhook 接收告警服务推送的信号：校验密钥后交给路由器分发。
// 密钥不匹配的请求在触达路由器之前即被拒绝。
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	payload, err := signal.ParsePayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(s.cfg.Server.SecretToken)) != 1 {
		s.logger.Warn("拒绝密钥错误的 Webhook 请求", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid secret token", http.StatusUnauthorized)
		return
	}

	sig, err := payload.Normalize()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 路径中的账户段优先于报文内的 account_index。
	if raw := r.PathValue("account"); raw != "" {
		index, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			http.Error(w, "invalid account segment", http.StatusBadRequest)
			return
		}
		sig = sig.WithScope(signal.Targeted(index))
	}

	result, err := s.router.Dispatch(r.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrUnknownAccount):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, router.ErrNoActiveAccounts):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"status": "ok",
		"result": result,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]interface{}{
		"status":      "healthy",
		"kill_switch": s.gate.KillSwitchActive(),
		"accounts":    s.manager.HealthCheck(r.Context()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

type accountView struct {
	AccountIndex   int64    `json:"account_index"`
	Name           string   `json:"name"`
	Active         bool     `json:"active"`
	AllowedSymbols []string `json:"allowed_symbols,omitempty"`
	Connected      bool     `json:"connected"`
}

func (s *server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.registry.All()
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		view := accountView{
			AccountIndex:   acc.Index,
			Name:           acc.Name,
			Active:         acc.Active,
			AllowedSymbols: acc.AllowedSymbols(),
		}
		if conn, ok := s.manager.Peek(acc.Index); ok {
			view.Connected = conn.Snapshot().Connected
		}
		views = append(views, view)
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"accounts": views,
		"total":    len(views),
	})
}

func (s *server) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.pathAccount(w, r)
	if !ok {
		return
	}

	var snapshot exchange.AccountSnapshot
	if conn, exists := s.manager.Peek(acc.Index); exists {
		snapshot = conn.Snapshot()
	} else {
		snapshot.AccountIndex = acc.Index
	}

	day := time.Now().UTC().Format("2006-01-02")
	stats, err := s.ledger.Daily(r.Context(), acc.Index, day)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"account_index": acc.Index,
		"name":          acc.Name,
		"snapshot":      snapshot,
		"daily":         stats,
	})
}

func (s *server) handleAllPositions(w http.ResponseWriter, r *http.Request) {
	accounts := s.registry.All()
	snapshots := make([]exchange.AccountSnapshot, 0, len(accounts))
	for _, acc := range accounts {
		if conn, ok := s.manager.Peek(acc.Index); ok {
			snapshots = append(snapshots, conn.Snapshot())
		}
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"positions": snapshots,
		"total":     len(snapshots),
	})
}

func (s *server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, s.gate.Snapshot())
}

func (s *server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	s.gate.Activate()
	s.ledger.Audit(r.Context(), "kill_switch_activated", map[string]string{"remote": r.RemoteAddr})
	writeJSON(w, s.logger, map[string]string{"status": "kill switch activated"})
}

func (s *server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	s.gate.Deactivate()
	s.ledger.Audit(r.Context(), "kill_switch_deactivated", map[string]string{"remote": r.RemoteAddr})
	writeJSON(w, s.logger, map[string]string{"status": "kill switch deactivated"})
}

// handleReload 重新读取配置文件并整体替换账户集合。新配置
// 校验失败时整次热加载被拒绝，旧配置继续生效。
func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.registry.Reload(cfg.Accounts); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.manager.Refresh(s.registry.All())
	s.ledger.Audit(r.Context(), "config_reloaded", map[string]interface{}{
		"accounts": len(cfg.Accounts),
	})

	writeJSON(w, s.logger, map[string]interface{}{
		"status":          "ok",
		"accounts_loaded": len(cfg.Accounts),
	})
}

func (s *server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.pathAccount(w, r)
	if !ok {
		return
	}

	if _, err := s.manager.Reconnect(r.Context(), acc); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"status":        "ok",
		"account_index": acc.Index,
	})
}

func (s *server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 200
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	var accountIndex *int64
	if raw := q.Get("account"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid account parameter", http.StatusBadRequest)
			return
		}
		accountIndex = &v
	}

	executions, err := s.ledger.Recent(r.Context(), accountIndex, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, s.logger, map[string]interface{}{
		"executions": executions,
		"total":      len(executions),
	})
}

func (s *server) pathAccount(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	index, err := strconv.ParseInt(r.PathValue("account"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account segment", http.StatusBadRequest)
		return nil, false
	}

	acc, err := s.registry.Get(index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return acc, true
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}

package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"signal-relay/internal/config"
)

// Transport 抽象交易所的请求/应答通道，便于在测试中替换。
type Transport interface {
	NextNonce(ctx context.Context, accountIndex int64) (int64, error)
	SendOrder(ctx context.Context, order SignedOrder) (OrderAck, error)
	FetchAccount(ctx context.Context, accountIndex int64) (AccountSnapshot, error)
}

// restTransport 通过 REST 接口与交易所通信。
type restTransport struct {
	endpoint string
	client   *http.Client
}

// NewRESTTransport 创建 REST 通道。
func NewRESTTransport(cfg config.ExchangeConfig) Transport {
	return &restTransport{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type nonceResponse struct {
	NextNonce int64 `json:"next_nonce"`
}

func (t *restTransport) NextNonce(ctx context.Context, accountIndex int64) (int64, error) {
	url := fmt.Sprintf("%s/api/v1/accounts/%d/next_nonce", t.endpoint, accountIndex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("exchange: 构造序列号请求失败: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("exchange: 查询序列号失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("exchange: 查询序列号返回 %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out nonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("exchange: 解析序列号应答失败: %w", err)
	}

	return out.NextNonce, nil
}

type sendTxResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
}

func (t *restTransport) SendOrder(ctx context.Context, order SignedOrder) (OrderAck, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return OrderAck{}, fmt.Errorf("exchange: 序列化订单失败: %w", err)
	}

	url := t.endpoint + "/api/v1/sendTx"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return OrderAck{}, fmt.Errorf("exchange: 构造下单请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return OrderAck{}, fmt.Errorf("exchange: 提交订单失败: %w", err)
	}
	defer resp.Body.Close()

	var out sendTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OrderAck{}, fmt.Errorf("exchange: 解析下单应答失败: %w", err)
	}

	switch out.Code {
	case venueCodeOK:
		return OrderAck{TxHash: out.TxHash, Code: out.Code}, nil
	case venueCodeBadNonce:
		return OrderAck{Code: out.Code}, fmt.Errorf("%w: %s", ErrNonceMismatch, out.Message)
	default:
		return OrderAck{Code: out.Code}, fmt.Errorf("exchange: 交易所拒绝订单 code=%d: %s", out.Code, out.Message)
	}
}

type accountResponse struct {
	Accounts []struct {
		AccountIndex     int64  `json:"account_index"`
		AvailableBalance string `json:"available_balance"`
		Collateral       string `json:"collateral"`
		Positions        []struct {
			Symbol   string `json:"symbol"`
			Position string `json:"position"`
			Sign     int    `json:"sign"`
		} `json:"positions"`
	} `json:"accounts"`
}

func (t *restTransport) FetchAccount(ctx context.Context, accountIndex int64) (AccountSnapshot, error) {
	url := fmt.Sprintf("%s/api/v1/account?by=index&value=%d", t.endpoint, accountIndex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("exchange: 构造账户查询失败: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("exchange: 查询账户失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AccountSnapshot{}, fmt.Errorf("exchange: 查询账户返回 %d", resp.StatusCode)
	}

	var out accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AccountSnapshot{}, fmt.Errorf("exchange: 解析账户应答失败: %w", err)
	}
	if len(out.Accounts) == 0 {
		return AccountSnapshot{AccountIndex: accountIndex}, nil
	}

	raw := out.Accounts[0]
	snapshot := AccountSnapshot{
		AccountIndex: accountIndex,
		Available:    parseDecimal(raw.AvailableBalance),
		Equity:       parseDecimal(raw.Collateral),
	}
	for _, pos := range raw.Positions {
		size := parseDecimal(pos.Position)
		if pos.Sign < 0 {
			size = -size
		}
		snapshot.Positions = append(snapshot.Positions, Position{Symbol: pos.Symbol, Size: size})
	}

	return snapshot, nil
}

func parseDecimal(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

// SignOrder 用账户私钥对订单关键字段做 HMAC-SHA256 签名。
func SignOrder(secret string, order SignedOrder) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d|%d|%d|%d|%d|%d|%t|%d",
		order.AccountIndex,
		order.APIKeyIndex,
		order.Nonce,
		order.MarketIndex,
		order.ClientOrderIndex,
		order.BaseAmount,
		order.IsAsk,
		order.Price,
	)
	return hex.EncodeToString(mac.Sum(nil))
}

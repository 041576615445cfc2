package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Accounts  []AccountConfig `mapstructure:"accounts"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述 Webhook 与运维接口的监听参数。
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	SecretToken string        `mapstructure:"secret_token"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	WSEndpoint     string        `mapstructure:"ws_endpoint"`
	Network        string        `mapstructure:"network"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Slippage       float64       `mapstructure:"slippage"`
	NonceRetry     int           `mapstructure:"nonce_retry"`
	ConnectRetry   int           `mapstructure:"connect_retry"`
	Feed           FeedConfig    `mapstructure:"feed"`
}

// FeedConfig 控制账户数据流的重连节奏。
type FeedConfig struct {
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

// AccountConfig 描述单个交易账户。
type AccountConfig struct {
	AccountIndex   int64    `mapstructure:"account_index"`
	APIKeyIndex    int      `mapstructure:"api_key_index"`
	APIKey         string   `mapstructure:"api_key"`
	APISecret      string   `mapstructure:"api_secret"`
	Name           string   `mapstructure:"name"`
	Active         bool     `mapstructure:"active"`
	AllowedSymbols []string `mapstructure:"allowed_symbols"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxPositionSizeUSD float64       `mapstructure:"max_position_size_usd"`
	MaxDailyLossPct    float64       `mapstructure:"max_daily_loss_pct"`
	MaxLeverage        int           `mapstructure:"max_leverage"`
	MaxTradesPerWindow int           `mapstructure:"max_trades_per_window"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	DailyResetHour     int           `mapstructure:"daily_reset_hour"`
}

// DispatchConfig 控制信号分发的并发批次。
type DispatchConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PriceFeedConfig 描述标记价格来源。
type PriceFeedConfig struct {
	Exchange string        `mapstructure:"exchange"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Server.SecretToken == "" {
		err = multierr.Append(err, errors.New("server.secret_token 不能为空"))
	}
	if c.Exchange.Endpoint == "" {
		err = multierr.Append(err, errors.New("exchange.endpoint 不能为空"))
	}
	if c.Exchange.WSEndpoint == "" {
		err = multierr.Append(err, errors.New("exchange.ws_endpoint 不能为空"))
	}
	if c.Exchange.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.request_timeout 必须大于0"))
	}
	if c.Exchange.Slippage < 0 || c.Exchange.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("exchange.slippage 应位于[0,0.2]"))
	}
	if c.Exchange.NonceRetry <= 0 {
		err = multierr.Append(err, errors.New("exchange.nonce_retry 必须大于0"))
	}
	if c.Exchange.ConnectRetry <= 0 {
		err = multierr.Append(err, errors.New("exchange.connect_retry 必须大于0"))
	}
	if c.Exchange.Feed.ReconnectMinDelay <= 0 || c.Exchange.Feed.ReconnectMaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.feed.reconnect_delay 必须为正"))
	}
	if c.Exchange.Feed.ReconnectMinDelay > c.Exchange.Feed.ReconnectMaxDelay {
		err = multierr.Append(err, errors.New("exchange.feed.reconnect_min_delay 不能大于 reconnect_max_delay"))
	}

	if len(c.Accounts) == 0 {
		err = multierr.Append(err, errors.New("accounts 至少需要配置一个账户"))
	}
	err = multierr.Append(err, ValidateAccounts(c.Accounts))

	if c.Risk.MaxPositionSizeUSD <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_size_usd 必须大于0"))
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_pct 必须位于(0,100]"))
	}
	if c.Risk.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于0"))
	}
	if c.Risk.MaxTradesPerWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.max_trades_per_window 必须大于0"))
	}
	if c.Risk.RateWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.rate_window 必须大于0"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须位于[0,23]"))
	}

	if c.Dispatch.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("dispatch.batch_size 必须大于0"))
	}
	if c.Dispatch.BatchDelay < 0 {
		err = multierr.Append(err, errors.New("dispatch.batch_delay 不能为负"))
	}
	if c.Dispatch.Timeout < 0 {
		err = multierr.Append(err, errors.New("dispatch.timeout 不能为负"))
	}

	if c.PriceFeed.Exchange == "" {
		err = multierr.Append(err, errors.New("price_feed.exchange 不能为空"))
	}
	if c.PriceFeed.CacheTTL <= 0 {
		err = multierr.Append(err, errors.New("price_feed.cache_ttl 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// ValidateAccounts 校验账户列表，供配置热加载复用。
func ValidateAccounts(accounts []AccountConfig) error {
	var err error

	seen := make(map[int64]struct{}, len(accounts))
	for i, acc := range accounts {
		if acc.AccountIndex < 0 {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].account_index 不能为负", i))
		}
		if acc.APIKeyIndex < 0 {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].api_key_index 不能为负", i))
		}
		if acc.APIKey == "" {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].api_key 不能为空", i))
		}
		if acc.APISecret == "" {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].api_secret 不能为空", i))
		}
		if _, dup := seen[acc.AccountIndex]; dup {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].account_index %d 重复", i, acc.AccountIndex))
		}
		seen[acc.AccountIndex] = struct{}{}
	}

	return err
}

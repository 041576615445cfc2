package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "signal"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "10s")

	v.SetDefault("exchange.endpoint", "https://mainnet.zklighter.elliot.ai")
	v.SetDefault("exchange.ws_endpoint", "wss://mainnet.zklighter.elliot.ai/stream")
	v.SetDefault("exchange.network", "mainnet")
	v.SetDefault("exchange.request_timeout", "30s")
	v.SetDefault("exchange.slippage", 0.05)
	v.SetDefault("exchange.nonce_retry", 3)
	v.SetDefault("exchange.connect_retry", 3)
	v.SetDefault("exchange.feed.reconnect_min_delay", "1s")
	v.SetDefault("exchange.feed.reconnect_max_delay", "30s")
	v.SetDefault("exchange.feed.ping_interval", "20s")
	v.SetDefault("exchange.feed.read_timeout", "60s")

	v.SetDefault("risk.max_position_size_usd", 100.0)
	v.SetDefault("risk.max_daily_loss_pct", 5.0)
	v.SetDefault("risk.max_leverage", 5)
	v.SetDefault("risk.max_trades_per_window", 3)
	v.SetDefault("risk.rate_window", "60s")
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("dispatch.batch_size", 2)
	v.SetDefault("dispatch.batch_delay", "500ms")
	v.SetDefault("dispatch.timeout", "2m")

	v.SetDefault("price_feed.exchange", "binanceusdm")
	v.SetDefault("price_feed.cache_ttl", "10s")

	v.SetDefault("database.path", "data/signal_relay.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

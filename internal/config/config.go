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
	envPrefix         = "ctos"
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
	v.SetDefault("app.stats_interval", "1m")

	v.SetDefault("market_cache.path", "data/market_specs.json")
	v.SetDefault("market_cache.ttl", "24h")

	v.SetDefault("engine.slicer.escalation_factor", 1.25)
	v.SetDefault("engine.slicer.max_escalations", 3)
	v.SetDefault("engine.slicer.soft_offset", 0.0001)
	v.SetDefault("engine.chase.poll_interval", "3s")
	v.SetDefault("engine.chase.max_cycles", 200)
	v.SetDefault("engine.chase.base_offset", 0.0001)
	v.SetDefault("engine.chase.batch_budget", "3h")
	v.SetDefault("engine.call_timeout", "15s")

	v.SetDefault("risk.max_notional", 10000.0)
	v.SetDefault("risk.min_confidence", 0.3)
	v.SetDefault("risk.confidence_full_size", 0.8)

	v.SetDefault("stream.keepalive_interval", "30m")
	v.SetDefault("stream.liveness_window", "10m")
	v.SetDefault("stream.liveness_check_interval", "1m")
	v.SetDefault("stream.reconnect_min_delay", "1s")
	v.SetDefault("stream.reconnect_max_delay", "30s")
	v.SetDefault("stream.dial_timeout", "10s")

	v.SetDefault("database.path", "data/ctos_audit.db")
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

package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行核心运行所需的全部配置项。
type Config struct {
	App         AppConfig              `mapstructure:"app"`
	Venues      map[string]VenueConfig `mapstructure:"venues"`
	MarketCache MarketCacheConfig      `mapstructure:"market_cache"`
	Engine      EngineConfig           `mapstructure:"engine"`
	Risk        RiskConfig             `mapstructure:"risk"`
	Stream      StreamConfig           `mapstructure:"stream"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Logging     LoggingConfig          `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment   string        `mapstructure:"environment"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// AccountConfig 为单个子账户的凭证，仅在内存中存在，核心不落盘。
type AccountConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// VenueConfig 描述单个交易所的连接信息与账户集合。
type VenueConfig struct {
	BaseURL    string                   `mapstructure:"base_url"`
	StreamURL  string                   `mapstructure:"stream_url"`
	UseSandbox bool                     `mapstructure:"use_sandbox"`
	Accounts   map[string]AccountConfig `mapstructure:"accounts"`
	Retry      RetryConfig              `mapstructure:"retry"`
}

// Account 按名称取出账户凭证。
func (v VenueConfig) Account(name string) (AccountConfig, error) {
	creds, ok := v.Accounts[name]
	if !ok {
		return AccountConfig{}, fmt.Errorf("config: 账户 %q 未配置", name)
	}
	return creds, nil
}

// RetryConfig 统一控制驱动边界内的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// MarketCacheConfig 管理合约规格缓存。
type MarketCacheConfig struct {
	Path string        `mapstructure:"path"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// SlicerConfig 控制名义金额到下单数量的换算。
type SlicerConfig struct {
	// EscalationFactor 为数量取整为零时名义金额的几何放大系数。
	EscalationFactor float64 `mapstructure:"escalation_factor"`
	// MaxEscalations 为额外放大尝试次数上限。
	MaxEscalations int `mapstructure:"max_escalations"`
	// SoftOffset 为软单相对现价的让价比例。
	SoftOffset float64 `mapstructure:"soft_offset"`
}

// ChaseConfig 控制追价循环，衰减曲线是策略参数而非硬编码常量。
type ChaseConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxCycles    int           `mapstructure:"max_cycles"`
	BaseOffset   float64       `mapstructure:"base_offset"`
	BatchBudget  time.Duration `mapstructure:"batch_budget"`
}

// EngineConfig 控制执行引擎行为。
type EngineConfig struct {
	Slicer      SlicerConfig  `mapstructure:"slicer"`
	Chase       ChaseConfig   `mapstructure:"chase"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// RiskConfig 管理内置风控实现的参数。
type RiskConfig struct {
	MaxNotional        float64 `mapstructure:"max_notional"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	ConfidenceFullSize float64 `mapstructure:"confidence_full_size"`
}

// StreamConfig 控制推送通道的保活与重连。
type StreamConfig struct {
	KeepaliveInterval     time.Duration `mapstructure:"keepalive_interval"`
	LivenessWindow        time.Duration `mapstructure:"liveness_window"`
	LivenessCheckInterval time.Duration `mapstructure:"liveness_check_interval"`
	ReconnectMinDelay     time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
}

// DatabaseConfig 管理审计数据库连接。
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
	if len(c.Venues) == 0 {
		err = multierr.Append(err, errors.New("venues 至少配置一个交易所"))
	}
	for name, venue := range c.Venues {
		if len(venue.Accounts) == 0 {
			err = multierr.Append(err, fmt.Errorf("venues.%s.accounts 至少配置一个账户", name))
		}
		if venue.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, fmt.Errorf("venues.%s.retry.max_attempts 必须大于0", name))
		}
		if venue.Retry.MinDelay <= 0 || venue.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, fmt.Errorf("venues.%s.retry.delay 必须为正", name))
		}
		if venue.Retry.MinDelay > venue.Retry.MaxDelay {
			err = multierr.Append(err, fmt.Errorf("venues.%s.retry.min_delay 不能大于 max_delay", name))
		}
	}
	if c.MarketCache.Path == "" {
		err = multierr.Append(err, errors.New("market_cache.path 不能为空"))
	}
	if c.MarketCache.TTL <= 0 {
		err = multierr.Append(err, errors.New("market_cache.ttl 必须大于0"))
	}
	if c.Engine.Slicer.EscalationFactor <= 1 {
		err = multierr.Append(err, errors.New("engine.slicer.escalation_factor 必须大于1"))
	}
	if c.Engine.Slicer.MaxEscalations < 0 {
		err = multierr.Append(err, errors.New("engine.slicer.max_escalations 不能为负"))
	}
	if c.Engine.Slicer.SoftOffset <= 0 || c.Engine.Slicer.SoftOffset >= 0.01 {
		err = multierr.Append(err, errors.New("engine.slicer.soft_offset 应位于(0,0.01)"))
	}
	if c.Engine.Chase.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("engine.chase.poll_interval 必须大于0"))
	}
	if c.Engine.Chase.MaxCycles <= 0 {
		err = multierr.Append(err, errors.New("engine.chase.max_cycles 必须大于0"))
	}
	if c.Engine.Chase.BaseOffset <= 0 {
		err = multierr.Append(err, errors.New("engine.chase.base_offset 必须大于0"))
	}
	if c.Engine.Chase.BatchBudget <= 0 {
		err = multierr.Append(err, errors.New("engine.chase.batch_budget 必须大于0"))
	}
	if c.Engine.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.call_timeout 必须大于0"))
	}
	if c.Risk.MaxNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_notional 必须大于0"))
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("risk.min_confidence 必须位于[0,1]"))
	}
	if c.Risk.ConfidenceFullSize <= 0 || c.Risk.ConfidenceFullSize > 1 {
		err = multierr.Append(err, errors.New("risk.confidence_full_size 必须位于(0,1]"))
	}
	if c.Risk.MinConfidence >= c.Risk.ConfidenceFullSize {
		err = multierr.Append(err, errors.New("risk.min_confidence 必须小于 confidence_full_size"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

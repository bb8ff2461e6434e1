package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ctos/internal/audit"
	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/driver/aster"
	"ctos/internal/driver/binance"
	"ctos/internal/engine"
	"ctos/internal/market"
	"ctos/internal/risk"
	"ctos/internal/store"
	"ctos/internal/stream"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配执行引擎并阻塞运行到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	venues := make([]string, 0, len(a.cfg.Venues))
	for name := range a.cfg.Venues {
		venues = append(venues, name)
	}
	a.logger.Info("执行核心已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("venues", venues),
	)

	cache, err := market.NewCache(a.cfg.MarketCache.Path, a.cfg.MarketCache.TTL, a.logger)
	if err != nil {
		return fmt.Errorf("初始化规格缓存失败: %w", err)
	}

	registry := driver.NewRegistry(a.driverFactory(), a.logger)
	defer func() {
		if closeErr := registry.Close(); closeErr != nil {
			a.logger.Warn("关闭驱动注册表失败", zap.Error(closeErr))
		}
	}()

	sqliteSink, err := audit.NewSQLiteSink(a.store.DB(), a.logger)
	if err != nil {
		return fmt.Errorf("初始化审计存储失败: %w", err)
	}
	sink := audit.MultiSink{audit.NewZapSink(a.logger), sqliteSink}

	approver := risk.NewManager(a.cfg.Risk, a.logger)

	eng := engine.New(a.cfg.Engine, registry, cache, approver, sink, a.logger)
	defer eng.Close()

	channels := a.startChannels(ctx, registry, eng, sink)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	statsInterval := a.cfg.App.StatsInterval
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			stats := registry.Stats()
			a.logger.Info("驱动注册表状态",
				zap.Int("instances", stats.Instances),
				zap.Any("errors", stats.Errors),
				zap.Strings("batches", eng.Batches()),
			)
		}
	}
}

// driverFactory 按交易所名称分发驱动实现。
func (a *App) driverFactory() driver.Factory {
	return func(venue, account string) (driver.Driver, error) {
		venueCfg, ok := a.cfg.Venues[venue]
		if !ok {
			return nil, fmt.Errorf("交易所 %q 未配置", venue)
		}
		switch venue {
		case "binance":
			return binance.New(venueCfg, account, a.logger)
		case "aster":
			return aster.New(venueCfg, account, a.logger)
		default:
			return nil, fmt.Errorf("不支持的交易所 %q", venue)
		}
	}
}

// startChannels 为支持推送的交易所逐账户启动订单推送通道。
// 会话复用注册表持有的驱动实例，同一 (venue, account) 始终只有一个驱动在消耗交易所配额。
// 通道状态变更写入审计，事件送入引擎的更新入口。
func (a *App) startChannels(ctx context.Context, registry *driver.Registry, eng *engine.Engine, sink audit.Sink) []*stream.Channel {
	var channels []*stream.Channel

	for venue, venueCfg := range a.cfg.Venues {
		for account := range venueCfg.Accounts {
			drv, err := registry.Get(venue, account, true)
			if err != nil {
				a.logger.Warn("获取驱动失败，跳过推送通道",
					zap.String("venue", venue),
					zap.String("account", account),
					zap.Error(err),
				)
				continue
			}
			session, ok := driver.Unwrap(drv).(stream.Session)
			if !ok {
				continue
			}

			ch := stream.NewChannel(session, eng, stream.Config{
				KeepaliveInterval:     a.cfg.Stream.KeepaliveInterval,
				LivenessWindow:        a.cfg.Stream.LivenessWindow,
				LivenessCheckInterval: a.cfg.Stream.LivenessCheckInterval,
				ReconnectMinDelay:     a.cfg.Stream.ReconnectMinDelay,
				ReconnectMaxDelay:     a.cfg.Stream.ReconnectMaxDelay,
				DialTimeout:           a.cfg.Stream.DialTimeout,
			}, a.logger)

			venueName, accountName := venue, account
			ch.OnStateChange = func(from, to stream.State) {
				sink.Record(ctx, audit.Event{
					Time:    time.Now().UTC(),
					Kind:    audit.KindChannelState,
					Venue:   venueName,
					Account: accountName,
					Detail:  fmt.Sprintf("%s → %s", from, to),
				})
			}

			ch.Start(ctx)
			channels = append(channels, ch)
		}
	}
	return channels
}

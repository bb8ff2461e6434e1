package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ctos/internal/market"
)

// Factory 按 (venue, account) 创建驱动实例。
type Factory func(venue, account string) (Driver, error)

// Stats 为注册表自省信息。
type Stats struct {
	Instances int
	Errors    map[string]uint64
}

// Registry 缓存驱动实例，保证同一 (venue, account) 全局只有一个驱动。
// 并发调用方只在首次创建时互相阻塞，稳态读取无锁竞争。
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	drivers map[string]*measuredDriver
}

// NewRegistry 创建注册表。
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		drivers: make(map[string]*measuredDriver),
	}
}

func registryKey(venue, account string) string {
	return venue + ":" + account
}

// Get 返回 (venue, account) 对应的共享驱动实例。
// autoCreate 为 false 且实例不存在时返回错误。
func (r *Registry) Get(venue, account string, autoCreate bool) (Driver, error) {
	key := registryKey(venue, account)

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.drivers[key]; ok {
		return d, nil
	}
	if !autoCreate {
		return nil, fmt.Errorf("registry: 驱动 %s 不存在且未允许自动创建", key)
	}

	inner, err := r.factory(venue, account)
	if err != nil {
		return nil, fmt.Errorf("registry: 创建驱动 %s 失败: %w", key, err)
	}

	d := &measuredDriver{Driver: inner}
	r.drivers[key] = d
	r.logger.Info("驱动实例已创建",
		zap.String("venue", venue),
		zap.String("account", account),
	)
	return d, nil
}

// Stats 返回实例数量与各驱动累计错误计数。
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Instances: len(r.drivers),
		Errors:    make(map[string]uint64, len(r.drivers)),
	}
	for key, d := range r.drivers {
		stats.Errors[key] = d.errs.Load()
	}
	return stats
}

// Close 关闭全部驱动。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, d := range r.drivers {
		if err := d.Driver.Close(); err != nil {
			r.logger.Warn("关闭驱动失败", zap.String("driver", key), zap.Error(err))
		}
		delete(r.drivers, key)
	}
	return nil
}

// Unwrap 剥掉注册表的测量包装，返回底层驱动实例。
// 调用方借此访问 Driver 之外的扩展能力（如推送会话），
// 拿到的仍是注册表持有的同一实例，不会产生第二个驱动。
func Unwrap(d Driver) Driver {
	if u, ok := d.(interface{ Unwrap() Driver }); ok {
		return u.Unwrap()
	}
	return d
}

// measuredDriver 包装驱动并统计错误次数，供 Stats 上报。
type measuredDriver struct {
	Driver
	errs atomic.Uint64
}

func (d *measuredDriver) Unwrap() Driver { return d.Driver }

func (d *measuredDriver) count(err error) {
	if err != nil {
		d.errs.Add(1)
	}
}

func (d *measuredDriver) MarketSpec(ctx context.Context, symbol string) (market.Spec, error) {
	spec, err := d.Driver.MarketSpec(ctx, symbol)
	d.count(err)
	return spec, err
}

func (d *measuredDriver) Quote(ctx context.Context, symbol string) (float64, error) {
	px, err := d.Driver.Quote(ctx, symbol)
	d.count(err)
	return px, err
}

func (d *measuredDriver) Book(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	book, err := d.Driver.Book(ctx, symbol, depth)
	d.count(err)
	return book, err
}

func (d *measuredDriver) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	rows, err := d.Driver.Klines(ctx, symbol, timeframe, limit)
	d.count(err)
	return rows, err
}

func (d *measuredDriver) Place(ctx context.Context, req PlaceRequest) (OrderTicket, error) {
	ticket, err := d.Driver.Place(ctx, req)
	d.count(err)
	return ticket, err
}

func (d *measuredDriver) Amend(ctx context.Context, orderID, symbol string, req AmendRequest) (OrderTicket, error) {
	ticket, err := d.Driver.Amend(ctx, orderID, symbol, req)
	d.count(err)
	return ticket, err
}

func (d *measuredDriver) Cancel(ctx context.Context, orderID, symbol string) (bool, error) {
	ok, err := d.Driver.Cancel(ctx, orderID, symbol)
	d.count(err)
	return ok, err
}

func (d *measuredDriver) Status(ctx context.Context, orderID, symbol string) (OrderTicket, error) {
	ticket, err := d.Driver.Status(ctx, orderID, symbol)
	d.count(err)
	return ticket, err
}

func (d *measuredDriver) OpenOrders(ctx context.Context, symbol string) ([]OrderTicket, error) {
	tickets, err := d.Driver.OpenOrders(ctx, symbol)
	d.count(err)
	return tickets, err
}

func (d *measuredDriver) CancelAll(ctx context.Context, symbol string) (CancelAllResult, error) {
	res, err := d.Driver.CancelAll(ctx, symbol)
	d.count(err)
	return res, err
}

func (d *measuredDriver) Balance(ctx context.Context, currency string) (float64, error) {
	amount, err := d.Driver.Balance(ctx, currency)
	d.count(err)
	return amount, err
}

func (d *measuredDriver) Positions(ctx context.Context, symbol string) ([]PositionSnapshot, error) {
	positions, err := d.Driver.Positions(ctx, symbol)
	d.count(err)
	return positions, err
}

func (d *measuredDriver) FundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	rate, err := d.Driver.FundingRate(ctx, symbol)
	d.count(err)
	return rate, err
}

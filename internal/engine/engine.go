package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ctos/internal/audit"
	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
	"ctos/internal/risk"
)

// ErrRiskDenied 表示执行意图被风控闸口拒绝。
var ErrRiskDenied = errors.New("risk gate denied proposal")

// AccountRef 标识一次调用落在哪个 (venue, account) 上。
// 凭证由配置层持有，这里只有引用。
type AccountRef struct {
	Venue   string
	Account string
}

// PlacementResult 为 PlaceNotional 的结果。
// BatchID 仅在软单路径非空，调用方可用它提前释放追价批次。
type PlacementResult struct {
	Tickets          []driver.OrderTicket
	BatchID          string
	ApprovedNotional float64
}

// PlaceOptions 控制 PlaceNotional 的挂单方式。
// Soft 为真时按现价让价挂限价单并注册追价批次；
// LimitPrice 大于零时强制走软单路径，委托价取给定价格按最小跳动取整，
// 不再从现价推算让价。
type PlaceOptions struct {
	Soft       bool
	LimitPrice float64
}

// Engine 为执行引擎根对象，策略进程只与它交互。
// 组合驱动注册表、规格缓存、风控闸口与审计落点；
// 名义金额下单、追价批次与全部直通操作都从这里进出。
type Engine struct {
	cfg      config.EngineConfig
	registry *driver.Registry
	cache    *market.Cache
	approver risk.Approver
	sink     audit.Sink
	logger   *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	batches map[string]*Batch
}

// New 创建执行引擎。
func New(cfg config.EngineConfig, registry *driver.Registry, cache *market.Cache,
	approver risk.Approver, sink audit.Sink, logger *zap.Logger) *Engine {

	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		approver: approver,
		sink:     sink,
		logger:   logger,
		batches:  make(map[string]*Batch),
	}
}

func (e *Engine) resolve(ref AccountRef) (driver.Driver, error) {
	return e.registry.Get(ref.Venue, ref.Account, true)
}

// withTimeout 给单次网络调用套上独立预算，与批次截止时间互不影响。
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// PlaceNotional 把名义金额转成合规订单并执行。
// 流程: 风控审批 → 并行拉取规格与报价 → 换算数量 → 下单 →（软单）注册追价批次。
// 只执行风控核准后的名义金额；每次下单尝试无论成败都写入审计。
func (e *Engine) PlaceNotional(ctx context.Context, ref AccountRef, symbol string,
	side driver.Side, notional, confidence float64, opts PlaceOptions) (PlacementResult, error) {

	soft := opts.Soft || opts.LimitPrice > 0

	drv, err := e.resolve(ref)
	if err != nil {
		return PlacementResult{}, err
	}

	verdict, err := e.approver.Approve(ctx, risk.Proposal{
		Venue:      ref.Venue,
		Account:    ref.Account,
		Symbol:     symbol,
		Side:       side,
		Notional:   notional,
		Confidence: confidence,
	})
	if err != nil {
		return PlacementResult{}, fmt.Errorf("风控评估失败: %w", err)
	}
	if !verdict.Approved {
		e.sink.Record(ctx, audit.Event{
			Time:    time.Now().UTC(),
			Kind:    audit.KindRiskDenied,
			Venue:   ref.Venue,
			Account: ref.Account,
			Symbol:  symbol,
			Side:    side,
			Size:    notional,
			Detail:  strings.Join(verdict.Notes, "; "),
		})
		return PlacementResult{}, fmt.Errorf("%w: %s", ErrRiskDenied, strings.Join(verdict.Notes, "; "))
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	var (
		spec  market.Spec
		quote float64
	)
	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		var err error
		spec, err = e.cache.GetSpec(gctx, ref.Venue, symbol, drv)
		return err
	})
	g.Go(func() error {
		var err error
		quote, err = drv.Quote(gctx, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return PlacementResult{}, err
	}

	// 指定委托价时数量按该价换算，否则按现价。
	basis := quote
	if opts.LimitPrice > 0 {
		basis = market.RoundToTick(spec.PriceStep, opts.LimitPrice)
	}

	size, err := sliceSize(spec, basis, verdict.ApprovedNotional, e.cfg.Slicer)
	if err != nil {
		e.auditPlacement(ctx, ref, symbol, side, 0, 0, "", fmt.Sprintf("数量换算失败: %v", err))
		return PlacementResult{}, err
	}

	req := driver.PlaceRequest{
		Symbol:    spec.Symbol,
		Side:      side,
		Type:      driver.OrderTypeMarket,
		Size:      size,
		ClientRef: fmt.Sprintf("ctos-%d-%d", time.Now().UnixMilli(), e.seq.Add(1)),
	}
	if soft {
		req.Type = driver.OrderTypeLimit
		if opts.LimitPrice > 0 {
			req.Price = basis
		} else {
			req.Price = softLimitPrice(spec, quote, side == driver.SideBuy, e.cfg.Slicer.SoftOffset)
		}
	}

	ticket, err := e.placeOnce(ctx, drv, ref, spec, req)
	if err != nil {
		return PlacementResult{ApprovedNotional: verdict.ApprovedNotional}, err
	}

	result := PlacementResult{
		Tickets:          []driver.OrderTicket{ticket},
		ApprovedNotional: verdict.ApprovedNotional,
	}
	if soft {
		result.BatchID = e.startBatch(ref, drv, spec, result.Tickets)
	}
	return result, nil
}

// placeOnce 执行一次下单。业务拒绝时作废规格缓存、按新规格修正精度后重试一次，
// 仍被拒绝则原样返回。
func (e *Engine) placeOnce(ctx context.Context, drv driver.Driver, ref AccountRef,
	spec market.Spec, req driver.PlaceRequest) (driver.OrderTicket, error) {

	callCtx, cancel := e.withTimeout(ctx)
	ticket, err := drv.Place(callCtx, req)
	cancel()

	if err != nil && driver.IsVenueRejected(err) {
		e.cache.Invalidate(ref.Venue, req.Symbol)

		refreshCtx, cancelRefresh := e.withTimeout(ctx)
		fresh, refreshErr := e.cache.GetSpec(refreshCtx, ref.Venue, req.Symbol, drv)
		cancelRefresh()

		if refreshErr == nil {
			retry := req
			retry.Size = market.RoundToStep(fresh.SizeStep, req.Size)
			if retry.Price > 0 {
				retry.Price = market.RoundToTick(fresh.PriceStep, req.Price)
			}
			if retry.Size > 0 {
				e.logger.Warn("交易所拒单，按刷新后的规格重试一次",
					zap.String("symbol", req.Symbol), zap.Error(err))
				retryCtx, cancelRetry := e.withTimeout(ctx)
				ticket, err = drv.Place(retryCtx, retry)
				cancelRetry()
				req = retry
			}
		}
	}

	if err != nil {
		e.auditPlacement(ctx, ref, req.Symbol, req.Side, req.Size, req.Price, "",
			fmt.Sprintf("下单失败: %v", err))
		return driver.OrderTicket{}, err
	}

	e.auditPlacement(ctx, ref, req.Symbol, req.Side, ticket.RequestedSize, ticket.RequestedPrice,
		ticket.VenueOrderID, string(req.Type)+" 下单成功")
	return ticket, nil
}

func (e *Engine) auditPlacement(ctx context.Context, ref AccountRef, symbol string,
	side driver.Side, size, price float64, orderID, detail string) {

	e.sink.Record(ctx, audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindOrderPlaced,
		Venue:   ref.Venue,
		Account: ref.Account,
		Symbol:  symbol,
		OrderID: orderID,
		Side:    side,
		Size:    size,
		Price:   price,
		Detail:  detail,
	})
}

// startBatch 为软单创建追价批次并启动后台循环。
func (e *Engine) startBatch(ref AccountRef, drv driver.Driver, spec market.Spec,
	tickets []driver.OrderTicket) string {

	id := fmt.Sprintf("batch-%d", e.seq.Add(1))
	specs := map[string]market.Spec{spec.Symbol: spec}

	b := newBatch(id, ref.Venue, ref.Account, drv, specs, tickets,
		e.cfg.Chase, e.sink, e.logger)

	e.mu.Lock()
	e.batches[id] = b
	e.mu.Unlock()

	e.sink.Record(context.Background(), audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindBatchStarted,
		Venue:   ref.Venue,
		Account: ref.Account,
		Symbol:  spec.Symbol,
		Detail:  fmt.Sprintf("批次 %s 启动，%d 单", id, len(tickets)),
	})

	b.start(context.Background())
	go func() {
		b.Wait()
		e.mu.Lock()
		delete(e.batches, id)
		e.mu.Unlock()
	}()
	return id
}

// Batches 返回仍在运行的批次标识。
func (e *Engine) Batches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.batches))
	for id := range e.batches {
		out = append(out, id)
	}
	return out
}

// ReleaseBatch 主动终止一个追价批次，返回释放后遗留的订单。
func (e *Engine) ReleaseBatch(id string) ([]driver.OrderTicket, error) {
	e.mu.Lock()
	b, ok := e.batches[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("批次 %s 不存在或已释放", id)
	}
	b.Release()
	return b.Abandoned(), nil
}

// OnOrderUpdate 实现 driver.UpdateSink，把推送事件分发给各批次。
func (e *Engine) OnOrderUpdate(ev driver.OrderUpdateEvent) {
	e.mu.Lock()
	batches := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.Unlock()

	for _, b := range batches {
		b.OnOrderUpdate(ev)
	}
}

// Quote 返回最新成交价。
func (e *Engine) Quote(ctx context.Context, ref AccountRef, symbol string) (float64, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return 0, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Quote(callCtx, symbol)
}

// Book 返回订单簿快照。
func (e *Engine) Book(ctx context.Context, ref AccountRef, symbol string, depth int) (driver.OrderBook, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return driver.OrderBook{}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Book(callCtx, symbol, depth)
}

// Klines 返回K线序列。
func (e *Engine) Klines(ctx context.Context, ref AccountRef, symbol, timeframe string, limit int) ([]driver.Candle, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Klines(callCtx, symbol, timeframe, limit)
}

// Amend 改单并审计。
func (e *Engine) Amend(ctx context.Context, ref AccountRef, orderID, symbol string, req driver.AmendRequest) (driver.OrderTicket, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return driver.OrderTicket{}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	ticket, err := drv.Amend(callCtx, orderID, symbol, req)
	detail := "改单成功"
	if err != nil {
		detail = fmt.Sprintf("改单失败: %v", err)
	}
	e.sink.Record(ctx, audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindOrderAmended,
		Venue:   ref.Venue,
		Account: ref.Account,
		Symbol:  symbol,
		OrderID: orderID,
		Side:    ticket.Side,
		Size:    ticket.RequestedSize,
		Price:   ticket.RequestedPrice,
		Detail:  detail,
	})
	return ticket, err
}

// Cancel 撤单并审计。
func (e *Engine) Cancel(ctx context.Context, ref AccountRef, orderID, symbol string) (bool, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return false, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	ok, err := drv.Cancel(callCtx, orderID, symbol)
	detail := "撤单成功"
	if err != nil {
		detail = fmt.Sprintf("撤单失败: %v", err)
	}
	e.sink.Record(ctx, audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindOrderCanceled,
		Venue:   ref.Venue,
		Account: ref.Account,
		Symbol:  symbol,
		OrderID: orderID,
		Detail:  detail,
	})
	return ok, err
}

// CancelAll 撤销未完成订单并审计。
func (e *Engine) CancelAll(ctx context.Context, ref AccountRef, symbol string) (driver.CancelAllResult, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return driver.CancelAllResult{}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	result, err := drv.CancelAll(callCtx, symbol)
	e.sink.Record(ctx, audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindOrderCanceled,
		Venue:   ref.Venue,
		Account: ref.Account,
		Symbol:  symbol,
		Detail:  fmt.Sprintf("批量撤单: 成功 %d, 失败 %d", len(result.Canceled), len(result.Failed)),
	})
	return result, err
}

// Status 查询订单状态。
func (e *Engine) Status(ctx context.Context, ref AccountRef, orderID, symbol string) (driver.OrderTicket, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return driver.OrderTicket{}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Status(callCtx, orderID, symbol)
}

// OpenOrders 返回未完成订单。
func (e *Engine) OpenOrders(ctx context.Context, ref AccountRef, symbol string) ([]driver.OrderTicket, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.OpenOrders(callCtx, symbol)
}

// Balance 返回余额。
func (e *Engine) Balance(ctx context.Context, ref AccountRef, currency string) (float64, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return 0, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Balance(callCtx, currency)
}

// Positions 返回持仓快照。
func (e *Engine) Positions(ctx context.Context, ref AccountRef, symbol string) ([]driver.PositionSnapshot, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.Positions(callCtx, symbol)
}

// FundingRate 返回资金费率。
func (e *Engine) FundingRate(ctx context.Context, ref AccountRef, symbol string) (driver.FundingRate, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return driver.FundingRate{}, err
	}
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	return drv.FundingRate(callCtx, symbol)
}

// ClosePositions 市价平掉指定交易对（为空则全部）的持仓。
// 单个交易对平仓失败不阻断其余，错误聚合后返回。
func (e *Engine) ClosePositions(ctx context.Context, ref AccountRef, symbol string) ([]driver.OrderTicket, error) {
	drv, err := e.resolve(ref)
	if err != nil {
		return nil, err
	}

	positions, err := e.Positions(ctx, ref, symbol)
	if err != nil {
		return nil, err
	}

	var (
		tickets []driver.OrderTicket
		errs    error
	)
	for _, p := range positions {
		side := driver.SideSell
		if p.Side == "short" {
			side = driver.SideBuy
		}

		callCtx, cancel := e.withTimeout(ctx)
		ticket, placeErr := drv.Place(callCtx, driver.PlaceRequest{
			Symbol: p.Symbol,
			Side:   side,
			Type:   driver.OrderTypeMarket,
			Size:   p.Quantity,
		})
		cancel()

		detail := "平仓下单成功"
		if placeErr != nil {
			detail = fmt.Sprintf("平仓下单失败: %v", placeErr)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Symbol, placeErr))
		} else {
			tickets = append(tickets, ticket)
		}
		e.sink.Record(ctx, audit.Event{
			Time:    time.Now().UTC(),
			Kind:    audit.KindOrderPlaced,
			Venue:   ref.Venue,
			Account: ref.Account,
			Symbol:  p.Symbol,
			OrderID: ticket.VenueOrderID,
			Side:    side,
			Size:    p.Quantity,
			Detail:  detail,
		})
	}
	return tickets, errs
}

// Close 释放全部追价批次。驱动连接由注册表负责关闭。
func (e *Engine) Close() {
	e.mu.Lock()
	batches := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.Unlock()

	for _, b := range batches {
		b.Release()
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ctos/internal/audit"
	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
)

// chaseState 为批次内单个订单的追价状态。
type chaseState int

const (
	chaseOpen chaseState = iota
	chaseChasing
	chaseFilled
	chaseCanceled
	chaseExpired
)

func (s chaseState) String() string {
	switch s {
	case chaseChasing:
		return "chasing"
	case chaseFilled:
		return "filled"
	case chaseCanceled:
		return "canceled"
	case chaseExpired:
		return "expired"
	default:
		return "open"
	}
}

// chasedTicket 为批次内被追踪的单笔订单。
// 只允许批次自己的轮询循环或推送事件修改，外部不得触碰。
type chasedTicket struct {
	ticket driver.OrderTicket
	state  chaseState
	cycles int
}

// Batch 为一组软单的追价批次，独占一个后台循环。
// 每个轮询周期把仍未成交的订单价格向现价推近一个随周期数线性收缩的偏移量，
// 已从交易所消失的订单视为成交。批次到期后撤销余单并释放。
type Batch struct {
	id      string
	venue   string
	account string
	drv     driver.Driver
	specs   map[string]market.Spec
	cfg     config.ChaseConfig
	sink    audit.Sink
	logger  *zap.Logger

	mu        sync.Mutex
	tickets   map[string]*chasedTicket
	abandoned []driver.OrderTicket

	cancel context.CancelFunc
	done   chan struct{}
}

func newBatch(id, venue, account string, drv driver.Driver, specs map[string]market.Spec,
	tickets []driver.OrderTicket, cfg config.ChaseConfig, sink audit.Sink, logger *zap.Logger) *Batch {

	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Batch{
		id:      id,
		venue:   venue,
		account: account,
		drv:     drv,
		specs:   specs,
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With(zap.String("batch", id)),
		tickets: make(map[string]*chasedTicket, len(tickets)),
		done:    make(chan struct{}),
	}
	for _, t := range tickets {
		b.tickets[t.VenueOrderID] = &chasedTicket{ticket: t, state: chaseOpen}
	}
	return b
}

// ID 返回批次标识。
func (b *Batch) ID() string { return b.id }

// Done 在批次释放后关闭。
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait 阻塞到批次释放。
func (b *Batch) Wait() { <-b.done }

// Release 主动终止批次，撤销余单后释放。
func (b *Batch) Release() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-b.done
}

// Active 返回仍在追踪中的订单数。
func (b *Batch) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

func (b *Batch) activeLocked() int {
	n := 0
	for _, t := range b.tickets {
		if t.state == chaseOpen || t.state == chaseChasing {
			n++
		}
	}
	return n
}

// Abandoned 返回批次释放时撤销失败、仍留在交易所的订单。
func (b *Batch) Abandoned() []driver.OrderTicket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]driver.OrderTicket, len(b.abandoned))
	copy(out, b.abandoned)
	return out
}

// OnOrderUpdate 应用一条推送或轮询产生的订单事件。
// 同一订单内事件按到达顺序应用，跨订单不保证顺序。
func (b *Batch) OnOrderUpdate(ev driver.OrderUpdateEvent) {
	if !ev.Status.Terminal() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tickets[ev.VenueOrderID]
	if !ok || t.state != chaseOpen && t.state != chaseChasing {
		return
	}
	switch ev.Status {
	case driver.StatusFilled:
		t.state = chaseFilled
	case driver.StatusCanceled:
		t.state = chaseCanceled
	default:
		t.state = chaseExpired
	}
	t.ticket.Status = ev.Status
	t.ticket.FilledSize = ev.FilledSize
}

// start 启动批次后台循环。
func (b *Batch) start(ctx context.Context) {
	budget := b.cfg.BatchBudget
	if budget <= 0 {
		budget = 3 * time.Hour
	}

	runCtx, cancel := context.WithDeadline(ctx, time.Now().Add(budget))
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	go b.run(runCtx)
}

func (b *Batch) run(ctx context.Context) {
	defer close(b.done)
	defer b.drain()

	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	maxCycles := b.cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 200
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for cycle := 1; cycle <= maxCycles; cycle++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		b.pollCycle(ctx, cycle, maxCycles)

		if b.Active() == 0 {
			return
		}
	}
}

// pollCycle 执行一次存活检查与追价。
// 单笔订单的改单失败只记录日志，不中断批次内其余订单。
func (b *Batch) pollCycle(ctx context.Context, cycle, maxCycles int) {
	for _, symbol := range b.symbols() {
		openIDs, err := b.openOrderIDs(ctx, symbol)
		if err != nil {
			b.logger.Warn("批次轮询查询未完成订单失败",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		b.markVanishedFilled(ctx, symbol, openIDs)

		quote, err := b.drv.Quote(ctx, symbol)
		if err != nil {
			b.logger.Warn("批次轮询获取报价失败",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, id := range b.activeIDs(symbol) {
			if _, stillOpen := openIDs[id]; !stillOpen {
				continue
			}
			b.chaseOne(ctx, id, quote, cycle, maxCycles)
		}
	}
}

func (b *Batch) symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, t := range b.tickets {
		if t.state != chaseOpen && t.state != chaseChasing {
			continue
		}
		if _, ok := seen[t.ticket.Symbol]; ok {
			continue
		}
		seen[t.ticket.Symbol] = struct{}{}
		out = append(out, t.ticket.Symbol)
	}
	return out
}

func (b *Batch) activeIDs(symbol string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for id, t := range b.tickets {
		if t.ticket.Symbol != symbol {
			continue
		}
		if t.state == chaseOpen || t.state == chaseChasing {
			out = append(out, id)
		}
	}
	return out
}

func (b *Batch) openOrderIDs(ctx context.Context, symbol string) (map[string]struct{}, error) {
	open, err := b.drv.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(open))
	for _, t := range open {
		ids[t.VenueOrderID] = struct{}{}
	}
	return ids, nil
}

// markVanishedFilled 把交易所上已消失的订单判定为成交。
func (b *Batch) markVanishedFilled(ctx context.Context, symbol string, openIDs map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, t := range b.tickets {
		if t.ticket.Symbol != symbol {
			continue
		}
		if t.state != chaseOpen && t.state != chaseChasing {
			continue
		}
		if _, stillOpen := openIDs[id]; stillOpen {
			continue
		}
		t.state = chaseFilled
		t.ticket.Status = driver.StatusFilled
		t.ticket.FilledSize = t.ticket.RequestedSize
		b.sink.Record(ctx, audit.Event{
			Time:    time.Now().UTC(),
			Kind:    audit.KindOrderUpdate,
			Venue:   b.venue,
			Account: b.account,
			Symbol:  symbol,
			OrderID: id,
			Side:    t.ticket.Side,
			Size:    t.ticket.RequestedSize,
			Price:   t.ticket.RequestedPrice,
			Detail:  "追价订单已成交",
		})
	}
}

// chaseOne 把单笔订单价格向现价推近一步。
// 偏移量随周期数线性收缩，委托价渐近现价但绝不穿越，买单只升不降、卖单只降不升。
func (b *Batch) chaseOne(ctx context.Context, id string, quote float64, cycle, maxCycles int) {
	b.mu.Lock()
	t, ok := b.tickets[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	current := t.ticket
	b.mu.Unlock()

	spec, ok := b.specs[current.Symbol]
	if !ok {
		return
	}

	offset := b.cfg.BaseOffset
	if offset <= 0 {
		offset = 0.0001
	}
	offset *= float64(maxCycles-cycle) / float64(maxCycles)

	buy := current.Side == driver.SideBuy
	target := market.RoundToTick(spec.PriceStep, quote*(1+offset))
	if buy {
		target = market.RoundToTick(spec.PriceStep, quote*(1-offset))
		if target >= quote {
			target = market.RoundToTick(spec.PriceStep, quote-spec.PriceStep)
		}
		if target <= current.RequestedPrice {
			return
		}
	} else {
		if target <= quote {
			target = market.RoundToTick(spec.PriceStep, quote+spec.PriceStep)
		}
		if target >= current.RequestedPrice {
			return
		}
	}

	amended, err := b.drv.Amend(ctx, id, current.Symbol, driver.AmendRequest{Price: &target})
	if err != nil {
		if errors.Is(err, driver.ErrStaleOrder) {
			// 改单窗口内订单已成交，按成交收尾。
			b.OnOrderUpdate(driver.OrderUpdateEvent{
				VenueOrderID: id,
				Symbol:       current.Symbol,
				Status:       driver.StatusFilled,
				FilledSize:   current.RequestedSize,
				Timestamp:    time.Now().UTC(),
			})
			return
		}
		b.logger.Warn("追价改单失败，下个周期继续",
			zap.String("order_id", id),
			zap.String("symbol", current.Symbol),
			zap.Float64("target", target),
			zap.Error(err),
		)
		return
	}

	b.mu.Lock()
	delete(b.tickets, id)
	amendedCopy := amended
	b.tickets[amended.VenueOrderID] = &chasedTicket{
		ticket: amendedCopy,
		state:  chaseChasing,
		cycles: t.cycles + 1,
	}
	b.mu.Unlock()

	b.sink.Record(ctx, audit.Event{
		Time:    time.Now().UTC(),
		Kind:    audit.KindOrderAmended,
		Venue:   b.venue,
		Account: b.account,
		Symbol:  current.Symbol,
		OrderID: amended.VenueOrderID,
		Side:    current.Side,
		Size:    amended.RequestedSize,
		Price:   target,
		Detail:  fmt.Sprintf("追价第 %d 周期，原单 %s", cycle, id),
	})
}

// drain 在批次结束时撤销所有仍未完成的订单。
// 撤销失败的订单标记为遗留并上报，绝不静默吞掉。
func (b *Batch) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b.mu.Lock()
	var remaining []*chasedTicket
	for _, t := range b.tickets {
		if t.state == chaseOpen || t.state == chaseChasing {
			remaining = append(remaining, t)
		}
	}
	b.mu.Unlock()

	for _, t := range remaining {
		id := t.ticket.VenueOrderID
		_, err := b.drv.Cancel(ctx, id, t.ticket.Symbol)

		b.mu.Lock()
		switch {
		case err == nil:
			t.state = chaseCanceled
			t.ticket.Status = driver.StatusCanceled
		case errors.Is(err, driver.ErrStaleOrder):
			t.state = chaseFilled
			t.ticket.Status = driver.StatusFilled
		default:
			t.state = chaseExpired
			t.ticket.Status = driver.StatusExpired
			b.abandoned = append(b.abandoned, t.ticket)
		}
		state := t.state
		ticket := t.ticket
		b.mu.Unlock()

		if state == chaseExpired {
			b.logger.Error("批次释放时撤单失败，订单遗留在交易所",
				zap.String("order_id", id),
				zap.String("symbol", ticket.Symbol),
				zap.Error(err),
			)
		}
		b.sink.Record(ctx, audit.Event{
			Time:    time.Now().UTC(),
			Kind:    audit.KindOrderCanceled,
			Venue:   b.venue,
			Account: b.account,
			Symbol:  ticket.Symbol,
			OrderID: id,
			Side:    ticket.Side,
			Size:    ticket.RequestedSize,
			Price:   ticket.RequestedPrice,
			Detail:  fmt.Sprintf("批次释放收尾，终态 %s", state),
		})
	}

	b.sink.Record(ctx, audit.Event{
		Time:   time.Now().UTC(),
		Kind:   audit.KindBatchFinished,
		Venue:  b.venue,
		Detail: fmt.Sprintf("批次 %s 释放，遗留 %d 单", b.id, len(b.abandoned)),
	})
}

package driver

import (
	"context"
	"time"

	"ctos/internal/market"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus 为全部交易所统一后的订单状态。
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal 判断状态是否为终态。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderTicket 为驱动层接受委托后的统一订单凭据。
// 状态变更只能通过轮询或推送产生的 OrderUpdateEvent 应用。
type OrderTicket struct {
	VenueOrderID   string
	ClientRef      string
	Venue          string
	Symbol         string
	Side           Side
	Type           OrderType
	RequestedSize  float64
	RequestedPrice float64
	Status         OrderStatus
	FilledSize     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderUpdateEvent 为订单生命周期事件，来源可以是推送通道或轮询。
type OrderUpdateEvent struct {
	VenueOrderID string
	Symbol       string
	Side         Side
	Status       OrderStatus
	FilledSize   float64
	Price        float64
	Timestamp    time.Time
}

// PositionSnapshot 为只读持仓快照，按次刷新。
type PositionSnapshot struct {
	Symbol        string
	Side          string
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      float64
}

// BookLevel 表示盘口单档。
type BookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook 为订单簿快照。
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// Candle 代表单根K线，时间升序返回。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FundingRate 同时携带原生结算周期费率与折算到每小时的费率。
type FundingRate struct {
	Symbol      string
	PeriodRate  float64
	PeriodHours float64
	HourlyRate  float64
	NextFunding time.Time
}

// PlaceRequest 描述一次下单请求，价格仅在限价单时有效。
type PlaceRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Size      float64
	Price     float64
	ClientRef string
}

// AmendRequest 描述改单请求，nil 字段继承原订单。
type AmendRequest struct {
	Price *float64
	Size  *float64
}

// CancelAllResult 汇总批量撤单结果。
type CancelAllResult struct {
	Canceled []string
	Failed   map[string]error
}

// UpdateSink 接收订单生命周期事件。实现方必须快速返回，不得阻塞驱动。
type UpdateSink interface {
	OnOrderUpdate(ev OrderUpdateEvent)
}

// UpdateSinkFunc 便于用函数实现 UpdateSink。
type UpdateSinkFunc func(ev OrderUpdateEvent)

// OnOrderUpdate 实现 UpdateSink。
func (f UpdateSinkFunc) OnOrderUpdate(ev OrderUpdateEvent) { f(ev) }

// Driver 为全部交易所统一的能力契约。
// 各交易所在此边界内完成字段名、枚举、时间戳单位的归一化，
// 上层永远看不到交易所原生字段。实现必须容忍并发调用。
type Driver interface {
	// Venue 返回交易所标识。
	Venue() string

	// MarketSpec 拉取合约规格，仅供元数据缓存调用，内部不做多次重试。
	MarketSpec(ctx context.Context, symbol string) (market.Spec, error)

	// Quote 返回最新成交价。
	Quote(ctx context.Context, symbol string) (float64, error)
	// Book 返回指定深度的订单簿。
	Book(ctx context.Context, symbol string, depth int) (OrderBook, error)
	// Klines 返回时间升序、有限、可重放的K线序列。
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	// Place 下单，成功返回凭据，业务拒绝返回 *VenueError。
	Place(ctx context.Context, req PlaceRequest) (OrderTicket, error)
	// Amend 改单。原单已不存在时返回 ErrStaleOrder，绝不静默重复下单。
	Amend(ctx context.Context, orderID, symbol string, req AmendRequest) (OrderTicket, error)
	// Cancel 撤单。
	Cancel(ctx context.Context, orderID, symbol string) (bool, error)
	// Status 查询订单当前状态。
	Status(ctx context.Context, orderID, symbol string) (OrderTicket, error)
	// OpenOrders 返回未完成订单，symbol 为空时返回全部。
	OpenOrders(ctx context.Context, symbol string) ([]OrderTicket, error)
	// CancelAll 撤销指定交易对（为空则全部）的未完成订单。
	CancelAll(ctx context.Context, symbol string) (CancelAllResult, error)

	// Balance 返回指定币种余额。
	Balance(ctx context.Context, currency string) (float64, error)
	// Positions 返回持仓快照，symbol 为空时返回全部。
	Positions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
	// FundingRate 返回资金费率，含周期费率与每小时折算。
	FundingRate(ctx context.Context, symbol string) (FundingRate, error)

	// Close 释放驱动持有的连接类资源。
	Close() error
}

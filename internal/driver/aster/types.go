package aster

import (
	"strconv"

	"ctos/internal/driver"
)

// apiError 为交易所应答中的业务错误体。
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// 订单不存在类错误码，改单/撤单时按陈旧订单处理。
const (
	codeUnknownOrder      = -2011
	codeOrderDoesNotExist = -2013
)

// orderResponse 为下单/查单/撤单共用的订单应答体。
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// tickerPriceResponse 为最新成交价应答。
type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// depthResponse 为订单簿应答，档位为 [价格, 数量] 字符串对。
type depthResponse struct {
	EventTime int64       `json:"E"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

// balanceEntry 为账户余额应答的单币种条目。
type balanceEntry struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// positionEntry 为持仓风险应答的单交易对条目。
type positionEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
}

// premiumIndexResponse 为资金费率应答。
type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// exchangeInfoResponse 为交易规则应答。
type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string       `json:"symbol"`
	Status  string       `json:"status"`
	Filters []infoFilter `json:"filters"`
}

type infoFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}

// listenKeyResponse 为会话凭证派生应答。
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// wsEnvelope 为推送消息外层，e 字段区分事件类型。
type wsEnvelope struct {
	Event string         `json:"e"`
	Time  int64          `json:"E"`
	Order *wsOrderUpdate `json:"o"`
}

// wsOrderUpdate 为订单生命周期推送体，字段名为交易所单字母约定。
type wsOrderUpdate struct {
	Symbol       string `json:"s"`
	Side         string `json:"S"`
	OrderID      int64  `json:"i"`
	Quantity     string `json:"q"`
	Price        string `json:"p"`
	FilledQty    string `json:"z"`
	LastPrice    string `json:"L"`
	Status       string `json:"X"`
	ClientRef    string `json:"c"`
	AveragePrice string `json:"ap"`
}

const (
	eventOrderUpdate      = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

// wireStatusTable 为交易所原生订单状态到统一状态的静态映射表。
var wireStatusTable = map[string]driver.OrderStatus{
	"NEW":              driver.StatusOpen,
	"PARTIALLY_FILLED": driver.StatusPartiallyFilled,
	"FILLED":           driver.StatusFilled,
	"CANCELED":         driver.StatusCanceled,
	"REJECTED":         driver.StatusRejected,
	"EXPIRED":          driver.StatusExpired,
	"EXPIRED_IN_MATCH": driver.StatusExpired,
}

func mapWireStatus(raw string) driver.OrderStatus {
	if status, ok := wireStatusTable[raw]; ok {
		return status
	}
	// 未知状态按进行中处理，等终态事件修正。
	return driver.StatusOpen
}

// parseFloat 解析交易所的字符串数值，空串与非法值返回 0。
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

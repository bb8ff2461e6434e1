package market

import (
	"context"
	"errors"
	"time"
)

// ErrMetadataUnavailable 表示规格拉取失败且本地没有可用的历史值。
var ErrMetadataUnavailable = errors.New("market spec unavailable")

// Spec 为单个 (venue, symbol) 的合约规格，拉取后不可变，仅按 TTL 或失效信号刷新。
type Spec struct {
	Venue              string    `json:"venue"`
	Symbol             string    `json:"symbol"`
	PriceStep          float64   `json:"price_step"`
	SizeStep           float64   `json:"size_step"`
	MinOrderSize       float64   `json:"min_order_size"`
	ContractMultiplier float64   `json:"contract_multiplier"`
	MaxLeverage        float64   `json:"max_leverage"`
	State              string    `json:"state"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// Valid 做最低限度的健全性检查，防止把坏规格用于下单计算。
func (s Spec) Valid() bool {
	return s.Symbol != "" && s.SizeStep > 0 && s.PriceStep > 0 && s.ContractMultiplier > 0
}

// Fetcher 为规格拉取方，由各交易所驱动实现。
type Fetcher interface {
	MarketSpec(ctx context.Context, symbol string) (Spec, error)
}

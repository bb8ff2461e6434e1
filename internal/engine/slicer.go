package engine

import (
	"fmt"

	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
)

// sliceSize 把名义金额换算成符合步长与最小手数的下单数量。
// 取整为零时按几何系数放大有效名义金额重试，放大次数有限；
// 仍为零则返回 ErrNotionalTooSmall。
func sliceSize(spec market.Spec, price, notional float64, cfg config.SlicerConfig) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("slicer: 报价必须为正，得到 %v", price)
	}
	if notional <= 0 {
		return 0, fmt.Errorf("slicer: 名义金额必须为正，得到 %v", notional)
	}
	if !spec.Valid() {
		return 0, fmt.Errorf("slicer: 合约规格无效: %+v", spec)
	}

	factor := cfg.EscalationFactor
	if factor <= 1 {
		factor = 1.25
	}
	maxEscalations := cfg.MaxEscalations
	if maxEscalations < 0 {
		maxEscalations = 0
	}

	unitNotional := price * spec.ContractMultiplier
	effective := notional

	for attempt := 0; attempt <= maxEscalations; attempt++ {
		size := market.RoundToStep(spec.SizeStep, effective/unitNotional)
		if size > 0 && size >= spec.MinOrderSize {
			return size, nil
		}
		effective *= factor
	}

	return 0, fmt.Errorf("%w: 名义金额 %.8f 在 %s 上不足一手",
		driver.ErrNotionalTooSmall, notional, spec.Symbol)
}

// softLimitPrice 计算软单委托价：相对现价向不利于成交的方向小幅偏移，
// 买单略低于现价、卖单略高于现价，保证挂单不立即吃掉对手盘。
func softLimitPrice(spec market.Spec, quote float64, buy bool, offset float64) float64 {
	if offset <= 0 {
		offset = 0.0001
	}
	px := quote * (1 + offset)
	if buy {
		px = quote * (1 - offset)
	}
	return market.RoundToTick(spec.PriceStep, px)
}

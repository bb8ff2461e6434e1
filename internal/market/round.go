package market

import "math"

// RoundToStep 把数量向下取整到 step 的整数倍。
// 下单数量必须只减不增，否则小额名义金额会放大成超额委托。
func RoundToStep(step, value float64) float64 {
	if step <= 0 || value <= 0 {
		return 0
	}
	n := math.Floor(value/step + 1e-9)
	return roundPlaces(n*step, step)
}

// RoundToTick 把价格取整到最接近的 step 整数倍。
func RoundToTick(step, value float64) float64 {
	if step <= 0 {
		return value
	}
	n := math.Round(value / step)
	return roundPlaces(n*step, step)
}

// roundPlaces 按 step 的小数位数修剪浮点误差，避免 0.30000000000000004 之类的尾巴。
func roundPlaces(value, step float64) float64 {
	places := decimalPlaces(step)
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

func decimalPlaces(step float64) int {
	places := 0
	for step < 1 && places < 12 {
		step *= 10
		places++
	}
	return places
}

package utils

import (
	"math"
	"strings"
)

// math.go - ценовые утилиты сверки позиций и риск-контроля
//
// Все функции чистые, без побочных эффектов.

// Размеры пункта по умолчанию
const (
	DefaultPipSize = 0.0001
	JPYPipSize     = 0.01
	GoldPipSize    = 0.1
	SilverPipSize  = 0.01
)

// PipSize возвращает размер пункта инструмента
//
// Приоритет: явный override -> JPY-пары (0.01) -> XAU (0.1) -> XAG (0.01) -> 0.0001
func PipSize(symbol string, overrides map[string]float64) float64 {
	s := strings.ToUpper(symbol)
	if v, ok := overrides[s]; ok && v > 0 {
		return v
	}
	switch {
	case strings.Contains(s, "JPY"):
		return JPYPipSize
	case strings.HasPrefix(s, "XAU"):
		return GoldPipSize
	case strings.HasPrefix(s, "XAG"):
		return SilverPipSize
	default:
		return DefaultPipSize
	}
}

// PriceDiffPips разница двух цен в пунктах (всегда >= 0)
func PriceDiffPips(a, b, pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	return math.Abs(a-b) / pipSize
}

// RelativeDiffPercent относительная разница |a-b| / base * 100
//
// base - опорное значение (обычно учётный объём). При base <= 0 возвращает 0.
func RelativeDiffPercent(a, b, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return math.Abs(a-b) / base * 100
}

// CalculateSpread спред bid/ask в процентах от bid
//
// Примеры:
//   - CalculateSpread(100, 100.5) = 0.5
//   - CalculateSpread(0, 1) = 0
func CalculateSpread(bid, ask float64) float64 {
	if bid <= 0 {
		return 0
	}
	return (ask - bid) / bid * 100
}

// CalculateGap разрыв открытия относительно предыдущего закрытия, в процентах
func CalculateGap(lastClose, currentOpen float64) float64 {
	if lastClose <= 0 {
		return 0
	}
	return math.Abs(currentOpen-lastClose) / lastClose * 100
}

// CalculateDrawdown просадка от пика в процентах
//
// 0 если peak <= 0 или equity >= peak. Отрицательный equity даёт > 100%.
func CalculateDrawdown(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak * 100
}

// CalculatePNL PNL позиции в валюте котировки
//
//   - BUY:  (close - entry) × volume
//   - SELL: (entry - close) × volume
func CalculatePNL(side string, entryPrice, closePrice, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	switch strings.ToUpper(side) {
	case "BUY":
		return (closePrice - entryPrice) * volume
	case "SELL":
		return (entryPrice - closePrice) * volume
	default:
		return 0
	}
}

// Abs возвращает абсолютное значение
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Max возвращает большее из двух значений
func Max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

package utils

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestPipSize(t *testing.T) {
	overrides := map[string]float64{"BTCUSD": 1.0}

	tests := []struct {
		symbol   string
		expected float64
	}{
		{"EURUSD", 0.0001},
		{"eurusd", 0.0001},
		{"USDJPY", 0.01},
		{"EURJPY", 0.01},
		{"XAUUSD", 0.1},
		{"XAGUSD", 0.01},
		{"BTCUSD", 1.0},
		{"btcusd", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			if got := PipSize(tt.symbol, overrides); !floatEquals(got, tt.expected) {
				t.Errorf("PipSize(%s) = %v, want %v", tt.symbol, got, tt.expected)
			}
		})
	}
}

func TestPriceDiffPips(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float64
		pip      float64
		expected float64
	}{
		{"two pips", 1.1002, 1.1000, 0.0001, 2},
		{"reverse order", 1.1000, 1.1006, 0.0001, 6},
		{"jpy", 150.25, 150.10, 0.01, 15},
		{"zero pip", 1, 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriceDiffPips(tt.a, tt.b, tt.pip); math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("PriceDiffPips() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRelativeDiffPercent(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float64
		base     float64
		expected float64
	}{
		{"20 percent", 1.2, 1.0, 1.0, 20},
		{"4 percent", 0.96, 1.0, 1.0, 4},
		{"zero base", 1, 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelativeDiffPercent(tt.a, tt.b, tt.base); math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("RelativeDiffPercent() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCalculateSpreadAndGap(t *testing.T) {
	if got := CalculateSpread(100, 100.5); !floatEquals(got, 0.5) {
		t.Errorf("CalculateSpread = %v, want 0.5", got)
	}
	if got := CalculateSpread(0, 1); got != 0 {
		t.Errorf("CalculateSpread with zero bid = %v, want 0", got)
	}
	if got := CalculateGap(100, 107); !floatEquals(got, 7) {
		t.Errorf("CalculateGap up = %v, want 7", got)
	}
	if got := CalculateGap(100, 94); !floatEquals(got, 6) {
		t.Errorf("CalculateGap down = %v, want 6", got)
	}
	if got := CalculateGap(0, 94); got != 0 {
		t.Errorf("CalculateGap zero close = %v, want 0", got)
	}
}

func TestCalculateDrawdown(t *testing.T) {
	tests := []struct {
		name         string
		peak, equity float64
		expected     float64
	}{
		{"no drawdown", 10000, 10000, 0},
		{"above peak", 10000, 10500, 0},
		{"sixteen", 10000, 8400, 16},
		{"twenty one", 10000, 7900, 21},
		{"negative equity", 10000, -500, 105},
		{"zero peak", 0, -10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateDrawdown(tt.peak, tt.equity); !floatEquals(got, tt.expected) {
				t.Errorf("CalculateDrawdown() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		close    float64
		volume   float64
		expected float64
	}{
		{"buy profit", "BUY", 1.1000, 1.1050, 100000, 500},
		{"sell profit", "SELL", 1.1050, 1.1000, 100000, 500},
		{"buy loss lowercase", "buy", 1.1050, 1.1000, 100000, -500},
		{"unknown side", "HOLD", 1, 2, 1, 0},
		{"zero volume", "BUY", 1, 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculatePNL(tt.side, tt.entry, tt.close, tt.volume); math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("CalculatePNL() = %v, want %v", got, tt.expected)
			}
		})
	}
}

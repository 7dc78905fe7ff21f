package indicator

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingale-grid/internal/core"
)

func flatCandles(n int, price float64) []core.Candle {
	out := make([]core.Candle, n)
	p := decimal.NewFromFloat(price)
	for i := range out {
		out[i] = core.Candle{Open: p, High: p, Low: p, Close: p}
	}
	return out
}

func trendCandles(n int, start, step float64) []core.Candle {
	out := make([]core.Candle, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = core.Candle{
			Open:  decimal.NewFromFloat(c - step/2),
			High:  decimal.NewFromFloat(c + 1),
			Low:   decimal.NewFromFloat(c - 1),
			Close: decimal.NewFromFloat(c),
		}
	}
	return out
}

func TestBollingerFlatSeries(t *testing.T) {
	bb, ok := Bollinger(flatCandles(30, 100), 20, 2)
	require.True(t, ok)
	require.InDelta(t, 100, bb.Middle, 1e-9)
	require.InDelta(t, 100, bb.Upper, 1e-9)
	require.InDelta(t, 100, bb.Lower, 1e-9)
}

func TestBollingerSpread(t *testing.T) {
	candles := flatCandles(20, 100)
	// Alternate closes 98/102: mean 100, sd 2.
	for i := range candles {
		v := 98.0
		if i%2 == 1 {
			v = 102
		}
		candles[i].Close = decimal.NewFromFloat(v)
	}
	bb, ok := Bollinger(candles, 20, 2)
	require.True(t, ok)
	require.InDelta(t, 100, bb.Middle, 1e-9)
	require.InDelta(t, 104, bb.Upper, 1e-9)
	require.InDelta(t, 96, bb.Lower, 1e-9)
}

func TestBollingerShortHistory(t *testing.T) {
	_, ok := Bollinger(flatCandles(5, 100), 20, 2)
	require.False(t, ok)
}

func TestATRConstantRange(t *testing.T) {
	candles := trendCandles(40, 100, 0)
	atr, ok := ATR(candles, 14)
	require.True(t, ok)
	// High-low is 2 on every candle and closes never gap.
	require.InDelta(t, 2, atr, 1e-9)
}

func TestATRShortHistory(t *testing.T) {
	_, ok := ATR(flatCandles(10, 100), 14)
	require.False(t, ok)
}

func TestADXStrongUptrend(t *testing.T) {
	res, ok := ADX(trendCandles(80, 100, 3), 14)
	require.True(t, ok)
	require.Greater(t, res.PlusDI, res.MinusDI)
	require.Greater(t, res.ADX, 25.0, "steady trend must read as strong")
}

func TestADXStrongDowntrend(t *testing.T) {
	res, ok := ADX(trendCandles(80, 400, -3), 14)
	require.True(t, ok)
	require.Greater(t, res.MinusDI, res.PlusDI)
	require.Greater(t, res.ADX, 25.0)
}

func TestADXFlatMarket(t *testing.T) {
	res, ok := ADX(flatCandles(80, 100), 14)
	if ok {
		require.True(t, math.IsNaN(res.ADX) == false)
		require.Less(t, res.ADX, 20.0)
	}
}

func TestADXShortHistory(t *testing.T) {
	_, ok := ADX(trendCandles(20, 100, 1), 14)
	require.False(t, ok)
}

// Package indicator computes the few technical indicators the strategy
// consumes from candle history. Indicator math runs on float64: the results
// feed heuristics (profit bounds, trend gating), not accounting.
package indicator

import (
	"math"

	"martingale-grid/internal/core"
)

// BollingerBands holds one Bollinger computation over the most recent window.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands over the last period closes with the given
// deviation multiplier. Returns ok=false when history is too short.
func Bollinger(candles []core.Candle, period int, dev float64) (BollingerBands, bool) {
	if period < 2 || len(candles) < period {
		return BollingerBands{}, false
	}
	window := candles[len(candles)-period:]
	sum := 0.0
	for _, c := range window {
		sum += c.Close.InexactFloat64()
	}
	mean := sum / float64(period)
	variance := 0.0
	for _, c := range window {
		d := c.Close.InexactFloat64() - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return BollingerBands{
		Upper:  mean + dev*sd,
		Middle: mean,
		Lower:  mean - dev*sd,
	}, true
}

// ATR computes the Wilder-smoothed average true range over period. Returns
// ok=false when history is too short.
func ATR(candles []core.Candle, period int) (float64, bool) {
	if period < 1 || len(candles) < period+1 {
		return 0, false
	}
	trs := trueRanges(candles)
	// Seed with a simple average, then Wilder smoothing over the rest.
	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

func trueRanges(candles []core.Candle) []float64 {
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		prevClose := candles[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// ADXResult carries the trend-strength reading and its directional legs.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes Wilder's average directional index over period. Needs at
// least 2*period+1 candles; returns ok=false otherwise.
func ADX(candles []core.Candle, period int) (ADXResult, bool) {
	if period < 1 || len(candles) < 2*period+1 {
		return ADXResult{}, false
	}
	n := len(candles)
	trs := trueRanges(candles)
	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	for i := 1; i < n; i++ {
		up := candles[i].High.InexactFloat64() - candles[i-1].High.InexactFloat64()
		down := candles[i-1].Low.InexactFloat64() - candles[i].Low.InexactFloat64()
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	smooth := func(vals []float64) float64 {
		s := 0.0
		for _, v := range vals[:period] {
			s += v
		}
		return s
	}
	trSum := smooth(trs)
	plusSum := smooth(plusDM)
	minusSum := smooth(minusDM)

	var res ADXResult
	dxSum := 0.0
	dxCount := 0
	for i := period; i < len(trs); i++ {
		trSum = trSum - trSum/float64(period) + trs[i]
		plusSum = plusSum - plusSum/float64(period) + plusDM[i]
		minusSum = minusSum - minusSum/float64(period) + minusDM[i]
		if trSum == 0 {
			continue
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		res.PlusDI, res.MinusDI = plusDI, minusDI
		if sum := plusDI + minusDI; sum > 0 {
			dx := 100 * math.Abs(plusDI-minusDI) / sum
			if dxCount < period {
				dxSum += dx
				dxCount++
				res.ADX = dxSum / float64(dxCount)
			} else {
				res.ADX = (res.ADX*float64(period-1) + dx) / float64(period)
			}
		}
	}
	if dxCount == 0 {
		return ADXResult{}, false
	}
	return res, true
}

package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/indicator"
)

// reverseAfterGridEnding runs when a fully drained grid has no TP yet: decide
// whether to take profit normally, take profit but hold a reverse trigger, or
// flip into a reverse cycle immediately.
func (c *Cycle) reverseAfterGridEnding(ctx context.Context) error {
	enabled, hold := c.reverseDecision(ctx)
	if enabled {
		return c.startReverseCycle(ctx)
	}
	if err := c.placeTakeProfit(ctx); err != nil {
		return err
	}
	if hold && c.tpOrderID != "" {
		c.reverseHold = true
		c.reverseTarget = c.reverseRecoveryTarget()
		c.log.Info("reverse hold armed",
			zap.String("threshold_pct", c.params.ReverseThresholdPct.String()),
			zap.String("grid_end", c.gridEndPrice.String()))
		return c.persist()
	}
	return nil
}

// reverseDecision picks between an immediate reverse and a hold. The explicit
// ReverseEnabled override wins; otherwise the trend check decides, and any
// trend reading at all arms the hold so a later drift can still flip.
func (c *Cycle) reverseDecision(ctx context.Context) (now, hold bool) {
	if c.params.ReverseEnabled != nil {
		if !*c.params.ReverseEnabled {
			return false, false
		}
		return false, c.params.ReverseThresholdPct.Cmp(decimal.Zero) > 0
	}
	if c.params.ADX.Period < 1 {
		return false, c.params.ReverseThresholdPct.Cmp(decimal.Zero) > 0
	}

	candles, err := c.gw.Klines(ctx, c.params.Pair, c.params.ADX.Interval, c.params.ADX.Candles)
	if err != nil {
		c.log.Warn("trend check skipped, klines unavailable", zap.Error(err))
		return false, c.params.ReverseThresholdPct.Cmp(decimal.Zero) > 0
	}
	res, ok := indicator.ADX(candles, c.params.ADX.Period)
	if !ok {
		c.log.Warn("trend check skipped, not enough candle history",
			zap.Int("candles", len(candles)))
		return false, c.params.ReverseThresholdPct.Cmp(decimal.Zero) > 0
	}

	trending := res.ADX >= c.params.ADX.Threshold
	// A buy cycle is hurt by a downtrend, a sell cycle by an uptrend.
	against := (c.cycleBuy && res.MinusDI > res.PlusDI) ||
		(!c.cycleBuy && res.PlusDI > res.MinusDI)
	if trending && against && c.priceConfirmsTrend(ctx) {
		c.log.Info("trend check favors reverse",
			zap.Float64("adx", res.ADX),
			zap.Float64("plus_di", res.PlusDI),
			zap.Float64("minus_di", res.MinusDI))
		return true, false
	}
	return false, c.params.ReverseThresholdPct.Cmp(decimal.Zero) > 0
}

// priceConfirmsTrend requires the ticker to have moved past the grid end by
// the configured margin before a trend reading alone may flip the cycle.
func (c *Cycle) priceConfirmsTrend(ctx context.Context) bool {
	threshold := c.params.ADX.PriceThresholdPct
	if threshold.Cmp(decimal.Zero) <= 0 {
		return true
	}
	if c.gridEndPrice.Cmp(decimal.Zero) <= 0 {
		return false
	}
	ticker, err := c.gw.Ticker(ctx, c.params.Pair)
	if err != nil {
		c.log.Warn("trend price confirmation skipped", zap.Error(err))
		return false
	}
	var drift decimal.Decimal
	if c.cycleBuy {
		drift = c.gridEndPrice.Sub(ticker.LastPrice)
	} else {
		drift = ticker.LastPrice.Sub(c.gridEndPrice)
	}
	if drift.Cmp(decimal.Zero) <= 0 {
		return false
	}
	pct := drift.Div(c.gridEndPrice).Mul(decimal.NewFromInt(100))
	return pct.Cmp(threshold) >= 0
}

// reverseRecoveryTarget is the amount the opposite side must produce to
// recover the failed cycle's principal plus profit.
func (c *Cycle) reverseRecoveryTarget() decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(c.params.ProfitPct.Div(decimal.NewFromInt(100)))
	if c.cycleBuy {
		return c.sumSecond.Mul(factor)
	}
	return c.sumFirst.Mul(factor)
}

// startReverseCycle flips direction and commits the accumulated amount as the
// new deposit, with the grid calibrated to hit the recovery target.
func (c *Cycle) startReverseCycle(ctx context.Context) error {
	if c.sumFirst.Cmp(decimal.Zero) <= 0 && c.sumSecond.Cmp(decimal.Zero) <= 0 {
		c.log.Warn("reverse requested with nothing accumulated, restarting instead")
		c.reverse = false
		return c.startCycle(ctx)
	}

	c.reverseTarget = c.reverseRecoveryTarget()
	if c.cycleBuy {
		// The failed buy cycle holds base; the reverse sells it to win the
		// quote back.
		c.reverseInit = c.sumFirst
		c.reverseBasis = c.sumSecond
	} else {
		c.reverseInit = c.sumSecond
		c.reverseBasis = c.sumFirst
	}
	c.reverse = true
	c.reverseHold = false
	c.cycleBuy = !c.cycleBuy

	c.log.Info("reverse cycle starting",
		zap.Bool("cycle_buy", c.cycleBuy),
		zap.String("deposit", c.reverseInit.String()),
		zap.String("target", c.reverseTarget.String()))
	c.alertImportant("reverse_cycle", map[string]string{
		"deposit": c.reverseInit.String(),
		"target":  c.reverseTarget.String(),
	})
	return c.startCycle(ctx)
}

// finishReverseCycle books a fully drained reverse grid. The drain itself is
// the recovery; no TP is placed.
func (c *Cycle) finishReverseCycle(ctx context.Context) error {
	var profitFirst, profitSecond decimal.Decimal
	if c.cycleBuy {
		// Reverse bought base back; profit is the base beyond the failed
		// cycle's disposed amount.
		profitFirst = c.sumFirst.Sub(c.reverseBasis)
	} else {
		profitSecond = c.sumSecond.Sub(c.reverseBasis)
	}
	c.log.Info("reverse cycle recovered",
		zap.String("sum_first", c.sumFirst.String()),
		zap.String("sum_second", c.sumSecond.String()),
		zap.String("basis", c.reverseBasis.String()))
	return c.finishCycle(ctx, profitFirst, profitSecond)
}

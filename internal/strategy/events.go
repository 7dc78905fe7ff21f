package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/metrics"
)

// OnOrderUpdate dispatches one execution report into the state machine.
func (c *Cycle) OnOrderUpdate(ctx context.Context, upd exchange.OrderUpdate) error {
	if c.state == StateStopped {
		return nil
	}
	switch upd.Status {
	case core.OrderFilled:
		if upd.OrderID == c.tpOrderID {
			return c.onTakeProfitFilled(ctx, upd.CumQty, upd.CumQuote)
		}
		return c.onGridFilled(ctx, upd)
	case core.OrderPartiallyFilled:
		if upd.OrderID == c.tpOrderID {
			return c.onTakeProfitPartial(ctx, upd)
		}
		return c.onGridPartial(upd)
	case core.OrderCanceled, core.OrderExpired, core.OrderRejected:
		return c.onOrderGone(upd)
	}
	return nil
}

func (c *Cycle) onGridFilled(ctx context.Context, upd exchange.OrderUpdate) error {
	entry, ok := c.ordersGrid.Get(upd.OrderID)
	if !ok {
		// Not ours, or already credited through another path.
		return nil
	}
	c.ordersGrid.Remove(upd.OrderID)
	rawFirst := upd.CumQty
	rawSecond := upd.CumQuote
	if rawFirst.Cmp(decimal.Zero) <= 0 {
		rawFirst = entry.Amount
		rawSecond = entry.Amount.Mul(entry.Price)
	}
	c.creditGridFill(entry, rawFirst, rawSecond, !upd.IsMaker)
	c.log.Info("grid order filled",
		zap.String("order_id", upd.OrderID),
		zap.String("price", entry.Price.String()),
		zap.String("sum_first", c.sumFirst.String()),
		zap.String("sum_second", c.sumSecond.String()))
	return c.afterGridFill(ctx)
}

func (c *Cycle) afterGridFill(ctx context.Context) error {
	if !c.gridDrained() {
		if err := c.releaseHold(ctx); err != nil {
			return err
		}
		return c.persist()
	}
	if c.params.CollectAssets || c.params.GridOnly {
		return c.finishCycle(ctx, decimal.Zero, decimal.Zero)
	}
	if c.reverse {
		return c.finishReverseCycle(ctx)
	}
	return c.reverseAfterGridEnding(ctx)
}

// onGridPartial provisionally folds a partial fill into the sums and records
// the delta so the eventual full fill contributes only the remainder.
func (c *Cycle) onGridPartial(upd exchange.OrderUpdate) error {
	if !c.ordersGrid.Exists(upd.OrderID) {
		return nil
	}
	if upd.LastQty.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	first, second := c.params.Fee.FeeForGrid(upd.LastQty, upd.LastQuote, c.cycleBuy, !upd.IsMaker)
	part := c.partFills[upd.OrderID]
	part.First = part.First.Add(first)
	part.Second = part.Second.Add(second)
	c.partFills[upd.OrderID] = part
	c.sumFirst = c.sumFirst.Add(first)
	c.sumSecond = c.sumSecond.Add(second)
	return c.persist()
}

func (c *Cycle) onTakeProfitPartial(ctx context.Context, upd exchange.OrderUpdate) error {
	if upd.LastQty.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	first, second := c.params.Fee.FeeForTP(upd.LastQty, upd.LastQuote, c.cycleBuy, !upd.IsMaker)
	c.tpPartFirst = c.tpPartFirst.Add(first)
	c.tpPartSecond = c.tpPartSecond.Add(second)
	// A partially realized TP shrinks what a pending reverse would need to
	// recover.
	if c.reverseHold && c.reverseTarget.Cmp(decimal.Zero) > 0 {
		if c.cycleBuy {
			c.reverseTarget = c.reverseTarget.Sub(second)
		} else {
			c.reverseTarget = c.reverseTarget.Sub(first)
		}
		if c.reverseTarget.Cmp(decimal.Zero) < 0 {
			c.reverseTarget = decimal.Zero
		}
	}
	return c.persist()
}

func (c *Cycle) onTakeProfitFilled(ctx context.Context, cumQty, cumQuote decimal.Decimal) error {
	if c.tpOrderID == "" && c.tp.IsZero() {
		return nil
	}
	rawFirst := cumQty
	rawSecond := cumQuote
	if rawFirst.Cmp(decimal.Zero) <= 0 {
		rawFirst = c.tp.Amount
		rawSecond = c.tp.Amount.Mul(c.tp.Price)
	}
	totalFirst, totalSecond := c.params.Fee.FeeForTP(rawFirst, rawSecond, c.cycleBuy, false)

	var profitFirst, profitSecond decimal.Decimal
	if c.cycleBuy {
		profitSecond = totalSecond.Sub(c.sumSecond)
	} else {
		profitFirst = totalFirst.Sub(c.sumFirst)
	}
	c.clearTP()
	c.tpPartFirst = decimal.Zero
	c.tpPartSecond = decimal.Zero
	c.reverseHold = false
	return c.finishCycle(ctx, profitFirst, profitSecond)
}

// onOrderGone handles cancel and reject notifications arriving over the
// stream for orders the synchronous paths have not already reconciled.
func (c *Cycle) onOrderGone(upd exchange.OrderUpdate) error {
	if upd.OrderID == c.tpOrderID && c.tpOrderID != "" {
		c.log.Warn("take profit canceled outside the strategy",
			zap.String("order_id", upd.OrderID))
		c.rollbackTPPartials()
		c.clearTP()
		return c.persist()
	}
	if entry, ok := c.ordersGrid.Get(upd.OrderID); ok {
		c.log.Warn("grid order canceled outside the strategy",
			zap.String("order_id", upd.OrderID),
			zap.String("price", entry.Price.String()))
		c.ordersGrid.Remove(upd.OrderID)
		c.ordersSave.Append(entry.ID, entry.Buy, entry.Amount, entry.Price)
		return c.persist()
	}
	return nil
}

// OnTicker drives the time-based checks: reverse-hold release and stale
// unfilled-grid updates.
func (c *Cycle) OnTicker(ctx context.Context, price decimal.Decimal, at time.Time) error {
	if c.state == StateStopped || price.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	if c.reverseHold && c.tpOrderID != "" {
		if c.reverseHoldTriggered(price) {
			c.log.Info("reverse hold released by price drift",
				zap.String("price", price.String()),
				zap.String("grid_end", c.gridEndPrice.String()))
			if err := c.cancelTakeProfit(ctx); err != nil {
				return err
			}
			return c.startReverseCycle(ctx)
		}
	}
	return c.maybeUpdateGrid(ctx, price, at)
}

// reverseHoldTriggered reports whether price has drifted past the threshold
// beyond the grid's end, against the position.
func (c *Cycle) reverseHoldTriggered(price decimal.Decimal) bool {
	threshold := c.params.ReverseThresholdPct
	if threshold.Cmp(decimal.Zero) <= 0 || c.gridEndPrice.Cmp(decimal.Zero) <= 0 {
		return false
	}
	var drift decimal.Decimal
	if c.cycleBuy {
		drift = c.gridEndPrice.Sub(price)
	} else {
		drift = price.Sub(c.gridEndPrice)
	}
	if drift.Cmp(decimal.Zero) <= 0 {
		return false
	}
	pct := drift.Div(c.gridEndPrice).Mul(decimal.NewFromInt(100))
	return pct.Cmp(threshold) >= 0
}

// maybeUpdateGrid recenters an entirely unfilled grid once price has walked
// away from it. Filled grids are never recentered.
func (c *Cycle) maybeUpdateGrid(ctx context.Context, price decimal.Decimal, at time.Time) error {
	if c.state != StateGridActive || c.params.UpdateInterval <= 0 {
		return nil
	}
	if c.gridFillCount > 0 || len(c.partFills) > 0 {
		return nil
	}
	if !c.lastGridUpdate.IsZero() && at.Sub(c.lastGridUpdate) < c.params.UpdateInterval {
		return nil
	}
	if c.basePrice.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	var drift decimal.Decimal
	if c.cycleBuy {
		drift = price.Sub(c.basePrice)
	} else {
		drift = c.basePrice.Sub(price)
	}
	if drift.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	pct := drift.Div(c.basePrice).Mul(decimal.NewFromInt(100))
	if pct.Cmp(c.overPrice) < 0 {
		return nil
	}
	c.lastGridUpdate = at
	c.log.Info("grid drifted out of reach, recentering",
		zap.String("base_price", c.basePrice.String()),
		zap.String("price", price.String()))
	return c.cancelGrid(ctx, contGridUpdate)
}

// finishCycle books the completed cycle and rolls into the next one.
func (c *Cycle) finishCycle(ctx context.Context, profitFirst, profitSecond decimal.Decimal) error {
	c.profitFirst = c.profitFirst.Add(profitFirst)
	c.profitSecond = c.profitSecond.Add(profitSecond)
	c.cycleCount++

	c.log.Info("cycle finished",
		zap.Int("cycle_count", c.cycleCount),
		zap.Bool("cycle_buy", c.cycleBuy),
		zap.Bool("reverse", c.reverse),
		zap.String("profit_first", profitFirst.String()),
		zap.String("profit_second", profitSecond.String()),
		zap.String("total_profit_first", c.profitFirst.String()),
		zap.String("total_profit_second", c.profitSecond.String()))
	c.alertImportant("cycle_finished", map[string]string{
		"cycle_count":   fmt.Sprintf("%d", c.cycleCount),
		"profit_first":  profitFirst.String(),
		"profit_second": profitSecond.String(),
	})
	c.recordCycle(profitFirst, profitSecond)

	wasReverse := c.reverse
	c.reverse = false
	c.reverseHold = false
	c.reverseTarget = decimal.Zero
	c.reverseInit = decimal.Zero
	c.reverseBasis = decimal.Zero
	if wasReverse {
		// A reverse cycle flips direction back for the next normal cycle.
		c.cycleBuy = !c.cycleBuy
	}

	if c.profitFirst.Cmp(decimal.Zero) < 0 || c.profitSecond.Cmp(decimal.Zero) < 0 {
		c.alertImportant("negative_cycle_result", map[string]string{
			"profit_first":  c.profitFirst.String(),
			"profit_second": c.profitSecond.String(),
		})
		if err := c.stopNow("negative cycle result", ""); err != nil {
			return fmt.Errorf("%w: %w", ErrNegativeCycle, err)
		}
		return ErrNegativeCycle
	}
	return c.startCycle(ctx)
}

func (c *Cycle) recordCycle(profitFirst, profitSecond decimal.Decimal) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordCycle(metrics.CycleRecord{
		InstanceID:   c.params.InstanceID,
		Pair:         c.params.Pair,
		CycleCount:   int64(c.cycleCount),
		Buy:          c.cycleBuy,
		Deposit:      c.cycleDeposit(),
		FirstAmount:  c.sumFirst,
		SecondAmount: c.sumSecond,
		ProfitFirst:  profitFirst,
		ProfitSecond: profitSecond,
		GridOrders:   c.gridFillCount,
		StartedAt:    c.cycleStartedAt,
		FinishedAt:   time.Now().UTC(),
	})
}

// OnCommand records an operator command; it takes effect at the next cycle
// boundary. Status is answered immediately.
func (c *Cycle) OnCommand(cmd Command) {
	switch cmd {
	case CommandStop, CommandEnd, CommandRestart:
		c.command = cmd
		c.log.Info("operator command accepted", zap.String("command", string(cmd)))
	}
}

// StatusText is the operator-facing status summary.
func (c *Cycle) StatusText() string {
	return fmt.Sprintf(
		"pair=%s state=%s cycle=%d buy=%t reverse=%t sum_first=%s sum_second=%s profit_first=%s profit_second=%s grid=%d hold=%d tp=%s",
		c.params.Pair, c.state, c.cycleCount, c.cycleBuy, c.reverse,
		c.sumFirst, c.sumSecond, c.profitFirst, c.profitSecond,
		c.ordersGrid.Len(), c.ordersHold.Len(), c.tpOrderID)
}

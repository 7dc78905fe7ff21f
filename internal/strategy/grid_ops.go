package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/grid"
)

const overPriceSolveTries = 50

// Start begins the first cycle. Called once after Init (fresh start) or by
// the reconciliation branches that conclude with a restart.
func (c *Cycle) Start(ctx context.Context) error {
	return c.startCycle(ctx)
}

// startCycle resets per-cycle accounting and places a fresh grid. Operator
// commands are honored here, at the cycle boundary.
func (c *Cycle) startCycle(ctx context.Context) error {
	switch c.command {
	case CommandStop, CommandEnd, CommandStopped:
		return c.stopNow("operator command", string(c.command))
	case CommandRestart:
		c.command = CommandNone
	}

	// A leftover TP from the previous cycle goes first.
	if c.tpOrderID != "" {
		if err := c.cancelTakeProfit(ctx); err != nil {
			return err
		}
	}

	c.sumFirst = decimal.Zero
	c.sumSecond = decimal.Zero
	c.partFills = make(map[string]PartFill)
	c.tpPartFirst = decimal.Zero
	c.tpPartSecond = decimal.Zero
	c.gridFillCount = 0
	c.ordersSave = grid.NewLedger()
	c.cycleStartedAt = time.Now().UTC()

	ticker, err := c.gw.Ticker(ctx, c.params.Pair)
	if err != nil {
		return err
	}
	c.basePrice = ticker.LastPrice

	deposit := c.cycleDeposit()
	if !c.reverse {
		// Corrections are consumed by the cycle they fund.
		c.correctionFirst = decimal.Zero
		c.correctionSecond = decimal.Zero
		c.overPrice = c.params.OverPrice
		c.orderQ = c.params.OrderQ
		c.martin = c.params.Martin
	} else {
		c.solveReverseOverPrice(deposit)
	}

	ladder, err := grid.Calc(c.ladderParams(c.cycleBuy, deposit, c.basePrice))
	if err != nil {
		c.alertImportant("grid_calc_failed", map[string]string{
			"deposit": deposit.String(),
			"price":   c.basePrice.String(),
			"err":     err.Error(),
		})
		return err
	}
	if last := len(ladder.Rungs); last > 0 {
		c.gridEndPrice = ladder.Rungs[last-1].Price
	}
	c.log.Info("cycle started",
		zap.Int("cycle_count", c.cycleCount),
		zap.Bool("cycle_buy", c.cycleBuy),
		zap.Bool("reverse", c.reverse),
		zap.String("deposit", deposit.String()),
		zap.String("base_price", c.basePrice.String()),
		zap.Int("rungs", len(ladder.Rungs)))
	return c.placeGrid(ctx, ladder)
}

// solveReverseOverPrice calibrates the effective over-price so the reverse
// grid's total hits the recovery target. Non-convergence falls back to the
// solver's heuristic and is logged, never fatal.
func (c *Cycle) solveReverseOverPrice(deposit decimal.Decimal) {
	if c.reverseTarget.Cmp(decimal.Zero) <= 0 {
		return
	}
	res := grid.OverPriceForTarget(c.ladderParams(c.cycleBuy, deposit, c.basePrice), c.reverseTarget, overPriceSolveTries)
	if !res.Converged {
		c.log.Warn("reverse over-price solve did not converge, using fallback",
			zap.String("over_price", res.Value.String()),
			zap.Int("tries", res.Tries))
	}
	if res.Value.Cmp(decimal.Zero) > 0 {
		c.overPrice = res.Value
	}
}

// placeGrid places the ladder, keeping at most MaxCount orders live and
// parking the tail in the hold queue.
func (c *Cycle) placeGrid(ctx context.Context, ladder grid.Ladder) error {
	orders := ladder.Orders(c.params.Pair, c.cycleBuy)
	maxLive := c.params.MaxCount
	if maxLive <= 0 {
		maxLive = len(orders)
	}
	c.state = StateGridActive
	for _, ord := range orders {
		if c.ordersGrid.Len() < maxLive {
			if err := c.placeGridOrder(ctx, ord); err != nil {
				return err
			}
			continue
		}
		c.ordersHold.Append(c.newClientID(), ord.Side == core.Buy, ord.Qty, ord.Price)
	}
	c.ordersGrid.Sort(c.cycleBuy)
	return c.persist()
}

// placeGridOrder places one rung. The order sits in ordersInit between the
// decision and the confirmation so a crash in the gap is recognizable at
// restart.
func (c *Cycle) placeGridOrder(ctx context.Context, ord core.Order) error {
	ord.ClientID = c.newClientID()
	c.ordersInit.Append(ord.ClientID, ord.Side == core.Buy, ord.Qty, ord.Price)
	// The marker must be on disk before the request goes out.
	if err := c.persist(); err != nil {
		c.ordersInit.Remove(ord.ClientID)
		return err
	}

	placed, err := c.placeVerified(ctx, ord)
	c.ordersInit.Remove(ord.ClientID)
	if err != nil {
		if isDefinitiveReject(err) {
			// The exchange refused outright; the rung never existed.
			c.log.Warn("grid order rejected",
				zap.String("price", ord.Price.String()),
				zap.String("qty", ord.Qty.String()),
				zap.Error(err))
			c.alertImportant("grid_order_rejected", map[string]string{
				"price": ord.Price.String(),
				"qty":   ord.Qty.String(),
				"err":   err.Error(),
			})
			return nil
		}
		return err
	}
	c.ordersGrid.Append(placed.ID, ord.Side == core.Buy, ord.Qty, ord.Price)
	return nil
}

// boundedCtx applies a per-request deadline when one is configured.
func boundedCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (c *Cycle) placeOrder(ctx context.Context, ord core.Order) (core.Order, error) {
	pctx, cancel := boundedCtx(ctx, c.params.PlaceTimeout)
	defer cancel()
	return c.gw.PlaceLimitOrder(pctx, ord)
}

func (c *Cycle) cancelOrder(ctx context.Context, orderID string) error {
	cctx, cancel := boundedCtx(ctx, c.params.CancelTimeout)
	defer cancel()
	return c.gw.CancelOrder(cctx, c.params.Pair, orderID)
}

// placeVerified places an order, absorbing transport failures by checking
// the live order book: the placement may have succeeded despite the error.
// One retry, then the error surfaces.
func (c *Cycle) placeVerified(ctx context.Context, ord core.Order) (core.Order, error) {
	placed, err := c.placeOrder(ctx, ord)
	if err == nil {
		return placed, nil
	}
	if isDefinitiveReject(err) {
		return core.Order{}, err
	}
	if found, ok := c.findLiveByClientID(ctx, ord.ClientID); ok {
		c.log.Info("placement confirmed via open orders after transport error",
			zap.String("client_id", ord.ClientID))
		return found, nil
	}
	placed, retryErr := c.placeOrder(ctx, ord)
	if retryErr == nil {
		return placed, nil
	}
	if errors.Is(retryErr, core.ErrDuplicateOrder) {
		// The first attempt landed after all.
		if found, ok := c.findLiveByClientID(ctx, ord.ClientID); ok {
			return found, nil
		}
	}
	return core.Order{}, errors.Join(err, retryErr)
}

func (c *Cycle) findLiveByClientID(ctx context.Context, clientID string) (core.Order, bool) {
	if clientID == "" {
		return core.Order{}, false
	}
	open, err := c.gw.OpenOrders(ctx, c.params.Pair)
	if err != nil {
		return core.Order{}, false
	}
	for _, o := range open {
		if o.ClientID == clientID {
			return o, true
		}
	}
	return core.Order{}, false
}

func isDefinitiveReject(err error) bool {
	return errors.Is(err, core.ErrInvalidOrder) ||
		errors.Is(err, core.ErrBelowMinQty) ||
		errors.Is(err, core.ErrBelowMinNotional) ||
		errors.Is(err, core.ErrFilterViolation) ||
		errors.Is(err, core.ErrInsufficientBalance) ||
		errors.Is(err, core.ErrOrderRejected)
}

// releaseHold moves the nearest held rung onto the book once a live slot
// frees up.
func (c *Cycle) releaseHold(ctx context.Context) error {
	entry, ok := c.ordersHold.First()
	if !ok {
		return nil
	}
	c.ordersHold.Remove(entry.ID)
	side := core.Sell
	if entry.Buy {
		side = core.Buy
	}
	if err := c.placeGridOrder(ctx, core.Order{
		Symbol: c.params.Pair,
		Side:   side,
		Type:   core.Limit,
		Price:  entry.Price,
		Qty:    entry.Amount,
	}); err != nil {
		return err
	}
	c.ordersGrid.Sort(c.cycleBuy)
	return nil
}

// cancelGrid tears the grid down atomically: one cancel at a time, canceled
// rungs parked in ordersSave, and only an empty ledger proceeds to the
// queued continuation.
func (c *Cycle) cancelGrid(ctx context.Context, cont continuation) error {
	c.state = StateCancelGrid
	c.afterCancel = cont
	// Held rungs were never placed; they just evaporate.
	c.ordersHold = grid.NewLedger()
	return c.cancelGridStep(ctx)
}

func (c *Cycle) cancelGridStep(ctx context.Context) error {
	var canceled []grid.Entry
	for {
		entry, ok := c.ordersGrid.First()
		if !ok {
			break
		}
		err := c.cancelOrder(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				// Filled (or otherwise gone) while the cancel was in
				// flight; credit it as executed.
				c.ordersGrid.Remove(entry.ID)
				c.creditGridFill(entry, entry.Amount, entry.Amount.Mul(entry.Price), false)
				continue
			}
			c.alertImportant("cancel_order_failed", map[string]string{
				"order_id": entry.ID,
				"err":      err.Error(),
			})
			return err
		}
		c.ordersGrid.Remove(entry.ID)
		c.ordersSave.Append(entry.ID, entry.Buy, entry.Amount, entry.Price)
		canceled = append(canceled, entry)
	}
	// A cancel can land just after a partial fill. The trade history holds
	// whatever traded before the cancel confirmed; the late stream report is
	// dropped once the order has left the grid ledger, so this credit is the
	// only one. The partFills carry keeps already-folded partials from
	// counting twice.
	if len(canceled) > 0 {
		trades := c.offlineTradeIndex(ctx)
		for _, entry := range canceled {
			if first, second, ok := tradeTotals(trades, entry.ID); ok {
				c.log.Info("canceled grid order had traded",
					zap.String("order_id", entry.ID),
					zap.String("qty", first.String()))
				c.creditGridFill(entry, first, second, false)
			}
		}
	}
	return c.runContinuation(ctx)
}

func (c *Cycle) runContinuation(ctx context.Context) error {
	cont := c.afterCancel
	c.afterCancel = contNone
	switch cont {
	case contPlaceTP:
		return c.placeTakeProfit(ctx)
	case contRestart, contGridUpdate:
		if c.positionAccumulated() {
			// The teardown uncovered fills, so the grid was not untouched.
			// The accumulated position must be represented by a take
			// profit before any fresh grid commits new capital.
			return c.placeTakeProfit(ctx)
		}
		return c.startCycle(ctx)
	case contStartReverse:
		return c.startReverseCycle(ctx)
	case contStop:
		return c.stopNow("grid canceled for stop", "")
	}
	return c.persist()
}

func (c *Cycle) positionAccumulated() bool {
	return c.sumFirst.Cmp(decimal.Zero) > 0 || c.sumSecond.Cmp(decimal.Zero) > 0
}

// creditGridFill folds a fee-adjusted fill into the cycle sums, subtracting
// whatever partial amounts were already folded for the same order.
func (c *Cycle) creditGridFill(entry grid.Entry, rawFirst, rawSecond decimal.Decimal, byMarket bool) {
	first, second := c.params.Fee.FeeForGrid(rawFirst, rawSecond, c.cycleBuy, byMarket)
	if part, ok := c.partFills[entry.ID]; ok {
		first = first.Sub(part.First)
		second = second.Sub(part.Second)
		delete(c.partFills, entry.ID)
	}
	if first.Cmp(decimal.Zero) > 0 {
		c.sumFirst = c.sumFirst.Add(first)
	}
	if second.Cmp(decimal.Zero) > 0 {
		c.sumSecond = c.sumSecond.Add(second)
	}
	c.gridFillCount++
}

// cancelTakeProfit removes the active TP order, rolling its partial fills
// back into corrections credited to a future grid.
func (c *Cycle) cancelTakeProfit(ctx context.Context) error {
	if c.tpOrderID == "" {
		return nil
	}
	err := c.cancelOrder(ctx, c.tpOrderID)
	if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		c.alertImportant("tp_cancel_failed", map[string]string{
			"order_id": c.tpOrderID,
			"err":      err.Error(),
		})
		return err
	}
	if errors.Is(err, core.ErrOrderNotFound) {
		// The TP filled before the cancel landed.
		return c.onTakeProfitFilled(ctx, c.tp.Amount, c.tp.Amount.Mul(c.tp.Price))
	}
	c.rollbackTPPartials()
	c.clearTP()
	return nil
}

// rollbackTPPartials converts partially realized TP amounts into correction
// credits so the capital is re-committed by the next grid.
func (c *Cycle) rollbackTPPartials() {
	if c.tpPartFirst.Cmp(decimal.Zero) > 0 {
		c.correctionFirst = c.correctionFirst.Add(c.tpPartFirst)
		c.tpPartFirst = decimal.Zero
	}
	if c.tpPartSecond.Cmp(decimal.Zero) > 0 {
		c.correctionSecond = c.correctionSecond.Add(c.tpPartSecond)
		c.tpPartSecond = decimal.Zero
	}
}

func (c *Cycle) clearTP() {
	c.tpOrderID = ""
	c.tp = TPOrder{}
	c.tpPending = false
}

func (c *Cycle) stopNow(reason, detail string) error {
	c.state = StateStopped
	c.command = CommandStopped
	c.log.Warn("strategy stopped", zap.String("reason", reason), zap.String("detail", detail))
	c.alertImportant("strategy_stopped", map[string]string{
		"reason": reason,
		"detail": detail,
	})
	if err := c.persist(); err != nil {
		return err
	}
	return ErrStopped
}

package strategy

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/indicator"
)

// TPResult is a computed take-profit order: the single counter-side order
// that returns the cycle's principal plus the profit percentage.
type TPResult struct {
	Buy       bool
	Amount    decimal.Decimal
	Price     decimal.Decimal
	ProfitPct decimal.Decimal
	// Target is the payoff the order realizes when fully filled: quote
	// proceeds for a buy cycle, base recovered for a sell cycle.
	Target decimal.Decimal
}

var ErrNothingToTakeProfit = errors.New("no traded amount to take profit on")

// atrReachPeriod is the ATR window used to bound reachability when the
// Bollinger window has not filled yet.
const atrReachPeriod = 14

// ComputeTakeProfit derives the counter-side order for the accumulated cycle
// amounts. Rounding always favors the strategy: proceeds are rounded up,
// spendable amounts down, so a fully filled TP never under-delivers Target.
func ComputeTakeProfit(cycleBuy bool, sumFirst, sumSecond, profitPct decimal.Decimal, rules core.Rules) (TPResult, error) {
	if sumFirst.Cmp(decimal.Zero) <= 0 || sumSecond.Cmp(decimal.Zero) <= 0 {
		return TPResult{}, ErrNothingToTakeProfit
	}
	one := decimal.NewFromInt(1)
	factor := one.Add(profitPct.Div(decimal.NewFromInt(100)))

	if cycleBuy {
		// Sell back the accumulated base for the spent quote plus profit.
		amount := rules.RoundBase(sumFirst, core.RoundFloor)
		if amount.Cmp(decimal.Zero) <= 0 {
			return TPResult{}, ErrNothingToTakeProfit
		}
		target := sumSecond.Mul(factor)
		price := rules.RoundPrice(target.Div(amount), core.RoundCeil)
		// One-tick floor above break-even so the order always makes progress.
		breakEven := rules.RoundPrice(sumSecond.Div(amount), core.RoundCeil)
		if price.Cmp(breakEven) <= 0 {
			price = breakEven.Add(rules.PriceTick)
		}
		return TPResult{
			Buy:       false,
			Amount:    amount,
			Price:     price,
			ProfitPct: profitPct,
			Target:    amount.Mul(price),
		}, nil
	}

	// Buy back the disposed base plus profit, paid from the received quote.
	target := sumFirst.Mul(factor)
	amount := rules.RoundBase(target, core.RoundCeil)
	// One-step floor above the disposed amount.
	if amount.Cmp(sumFirst) <= 0 {
		amount = rules.RoundBase(sumFirst, core.RoundCeil).Add(rules.QtyStep)
	}
	price := rules.RoundPrice(sumSecond.Div(amount), core.RoundFloor)
	if price.Cmp(decimal.Zero) <= 0 {
		return TPResult{}, ErrNothingToTakeProfit
	}
	return TPResult{
		Buy:       true,
		Amount:    amount,
		Price:     price,
		ProfitPct: profitPct,
		Target:    amount,
	}, nil
}

// effectiveProfitPct picks the profit percentage for the next TP. With a
// profit cap configured and more than one grid fill (or a reverse cycle), the
// percentage adapts to what the Bollinger band suggests is reachable,
// clamped to [profit + round-trip fee, profitMax].
func (c *Cycle) effectiveProfitPct(ctx context.Context) decimal.Decimal {
	base := c.params.ProfitPct
	feeComp := c.params.Fee.MakerPct.Mul(decimal.NewFromInt(2))
	floor := base.Add(feeComp)
	maxPct := c.params.ProfitMaxPct
	if maxPct.Cmp(decimal.Zero) <= 0 || (c.gridFillCount <= 1 && !c.reverse) {
		return floor
	}

	candles, err := c.gw.Klines(ctx, c.params.Pair, c.params.Bollinger.Interval, c.params.Bollinger.Candles)
	if err != nil {
		c.log.Warn("adaptive profit fell back to fixed, klines unavailable", zap.Error(err))
		return floor
	}
	var reachable float64
	if bands, ok := indicator.Bollinger(candles, c.params.Bollinger.Candles, c.params.Bollinger.Deviation); ok {
		reachable = bands.Upper
		if !c.cycleBuy {
			reachable = bands.Lower
		}
	} else if rng, ok := indicator.ATR(candles, atrReachPeriod); ok && len(candles) > 0 {
		// The band needs the full window; the ATR warmup is shorter and
		// still bounds what one average swing can reach.
		last, _ := candles[len(candles)-1].Close.Float64()
		if c.cycleBuy {
			reachable = last + rng
		} else {
			reachable = last - rng
		}
	} else {
		c.log.Warn("adaptive profit fell back to fixed, not enough candle history",
			zap.Int("candles", len(candles)))
		return floor
	}
	if reachable <= 0 {
		return floor
	}
	implied := c.impliedProfitPct(decimal.NewFromFloat(reachable))
	if implied.Cmp(floor) < 0 {
		return floor
	}
	if implied.Cmp(maxPct) > 0 {
		return maxPct
	}
	return implied
}

// impliedProfitPct converts a reachable TP price into the profit percentage
// it would realize over the cycle's break-even.
func (c *Cycle) impliedProfitPct(price decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if c.cycleBuy {
		if c.sumSecond.Cmp(decimal.Zero) <= 0 {
			return decimal.Zero
		}
		proceeds := c.sumFirst.Mul(price)
		return proceeds.Div(c.sumSecond).Sub(decimal.NewFromInt(1)).Mul(hundred)
	}
	if c.sumFirst.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	recovered := c.sumSecond.Div(price)
	return recovered.Div(c.sumFirst).Sub(decimal.NewFromInt(1)).Mul(hundred)
}

// placeTakeProfit computes and places the TP order for the drained grid.
func (c *Cycle) placeTakeProfit(ctx context.Context) error {
	if c.params.GridOnly {
		return c.finishCycle(ctx, decimal.Zero, decimal.Zero)
	}
	profitPct := c.effectiveProfitPct(ctx)
	res, err := ComputeTakeProfit(c.cycleBuy, c.sumFirst, c.sumSecond, profitPct, c.rules)
	if err != nil {
		if errors.Is(err, ErrNothingToTakeProfit) {
			c.log.Warn("nothing to take profit on, restarting cycle")
			return c.startCycle(ctx)
		}
		return err
	}

	side := core.Sell
	if res.Buy {
		side = core.Buy
	}
	order := core.Order{
		Symbol:   c.params.Pair,
		ClientID: c.newClientID(),
		Side:     side,
		Type:     core.Limit,
		Price:    res.Price,
		Qty:      res.Amount,
	}
	c.tpPending = true
	// The marker must be on disk before the request goes out.
	if err := c.persist(); err != nil {
		c.tpPending = false
		return err
	}
	placed, err := c.placeVerified(ctx, order)
	c.tpPending = false
	if err != nil {
		c.alertImportant("tp_place_failed", map[string]string{
			"price": res.Price.String(),
			"qty":   res.Amount.String(),
			"err":   err.Error(),
		})
		return err
	}
	c.tpOrderID = placed.ID
	c.tp = TPOrder{Buy: res.Buy, Amount: res.Amount, Price: res.Price}
	c.state = StateTakeProfit
	c.log.Info("take profit placed",
		zap.String("order_id", placed.ID),
		zap.String("price", res.Price.String()),
		zap.String("qty", res.Amount.String()),
		zap.String("profit_pct", res.ProfitPct.String()))
	return c.persist()
}

package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/core"
)

var (
	ErrBadParams       = errors.New("bad ladder params")
	ErrDepositTooSmall = errors.New("deposit too small for order count")
)

// Params is the full input of the ladder calculator. Deposit is denominated
// in the quote asset for a buy ladder and in the base asset for a sell
// ladder. Calc is a pure function of Params so it can be re-invoked by a
// root-finder with varied OverPrice.
type Params struct {
	Buy       bool
	Deposit   decimal.Decimal
	BasePrice decimal.Decimal
	OrderQ    int
	// Martin is the martingale ratio between consecutive rung amounts, >1.
	Martin    decimal.Decimal
	OverPrice decimal.Decimal
	// LinearGridK shapes rung spacing: negative disables the log shaping,
	// 0 gives pure logarithmic spacing, large values approach linear.
	LinearGridK decimal.Decimal
	Rules       core.Rules
	Fee         core.FeeConfig
}

// Rung is one ladder level. Amount is always the base-asset quantity.
type Rung struct {
	Index  int
	Amount decimal.Decimal
	Price  decimal.Decimal
}

type Ladder struct {
	Rungs []Rung
	// TotalFirst is the summed base quantity, TotalSecond the summed
	// quote notional.
	TotalFirst  decimal.Decimal
	TotalSecond decimal.Decimal
}

func (p Params) validate() error {
	if p.OrderQ < 1 {
		return fmt.Errorf("%w: order_q %d", ErrBadParams, p.OrderQ)
	}
	if p.Deposit.Cmp(decimal.Zero) <= 0 || p.BasePrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: deposit %s base price %s", ErrBadParams, p.Deposit, p.BasePrice)
	}
	if p.OrderQ > 1 && p.Martin.Cmp(decimal.NewFromInt(1)) <= 0 {
		return fmt.Errorf("%w: martin %s", ErrBadParams, p.Martin)
	}
	if p.OverPrice.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%w: over_price %s", ErrBadParams, p.OverPrice)
	}
	return nil
}

// priceShape is the per-rung spacing multiplier. With log shaping enabled the
// near rungs bunch toward the base price and the far rungs spread out.
func priceShape(i, orderQ int, linearK decimal.Decimal) decimal.Decimal {
	if linearK.Cmp(decimal.Zero) < 0 {
		return decimal.NewFromInt(1)
	}
	base := float64(orderQ) + linearK.InexactFloat64()
	if base <= 1 {
		return decimal.NewFromInt(1)
	}
	k := 1 - math.Log(float64(orderQ-i))/math.Log(base)
	return decimal.NewFromFloat(k)
}

// prices lays out the rung prices away from the base price, quantized to the
// tick, clamped to the percent-price bounds, with at least one tick between
// consecutive rungs.
func (p Params) prices() []decimal.Decimal {
	out := make([]decimal.Decimal, p.OrderQ)
	mode := core.RoundFloor
	if !p.Buy {
		mode = core.RoundCeil
	}
	out[0] = p.Rules.RoundPrice(p.BasePrice, mode)
	if p.OrderQ == 1 {
		return out
	}
	delta := p.OverPrice.Mul(p.BasePrice).Div(decimal.NewFromInt(100).Mul(decimal.NewFromInt(int64(p.OrderQ - 1))))
	minPrice := p.Rules.MinPrice(p.BasePrice)
	maxPrice := p.Rules.MaxPrice(p.BasePrice)
	tick := p.Rules.PriceTick
	for i := 1; i < p.OrderQ; i++ {
		offset := delta.Mul(decimal.NewFromInt(int64(i))).Mul(priceShape(i, p.OrderQ, p.LinearGridK))
		var price decimal.Decimal
		if p.Buy {
			price = p.Rules.RoundPrice(p.BasePrice.Sub(offset), core.RoundFloor)
			if floor := out[i-1].Sub(tick); tick.Cmp(decimal.Zero) > 0 && price.Cmp(floor) >= 0 {
				price = floor
			}
			if minPrice.Cmp(decimal.Zero) > 0 && price.Cmp(minPrice) < 0 {
				price = p.Rules.RoundPrice(minPrice, core.RoundCeil)
			}
		} else {
			price = p.Rules.RoundPrice(p.BasePrice.Add(offset), core.RoundCeil)
			if ceil := out[i-1].Add(tick); tick.Cmp(decimal.Zero) > 0 && price.Cmp(ceil) <= 0 {
				price = ceil
			}
			if maxPrice.Cmp(decimal.Zero) > 0 && price.Cmp(maxPrice) > 0 {
				price = p.Rules.RoundPrice(maxPrice, core.RoundFloor)
			}
		}
		out[i] = price
	}
	return out
}

// minFirstAmount is the smallest viable deposit share for the first rung,
// padded so the fill still clears the exchange minimum after fees.
func (p Params) minFirstAmount(price decimal.Decimal) decimal.Decimal {
	minQty := p.Rules.MinQty
	if p.Rules.MinNotional.Cmp(decimal.Zero) > 0 && price.Cmp(decimal.Zero) > 0 {
		byNotional := p.Rules.RoundBase(p.Rules.MinNotional.Div(price), core.RoundCeil)
		if byNotional.Cmp(minQty) > 0 {
			minQty = byNotional
		}
	}
	if p.Fee.InPair && !p.Fee.InSecond {
		one := decimal.NewFromInt(1)
		rate := p.Fee.MakerPct.Div(decimal.NewFromInt(100))
		minQty = p.Rules.RoundBase(minQty.Div(one.Sub(rate)), core.RoundCeil)
	}
	if p.Buy {
		return minQty.Mul(price)
	}
	return minQty
}

// martinShare returns share i of a geometric series of q terms with ratio
// martin, the shares summing to 1.
func martinShare(martin decimal.Decimal, i, q int) decimal.Decimal {
	if q == 1 {
		return decimal.NewFromInt(1)
	}
	one := decimal.NewFromInt(1)
	num := martin.Pow(decimal.NewFromInt(int64(i))).Mul(martin.Sub(one))
	den := martin.Pow(decimal.NewFromInt(int64(q))).Sub(one)
	return num.Div(den)
}

// Calc produces the order ladder for one grid placement. Amounts follow a
// geometric martingale series over the deposit; the last rung absorbs the
// rounding remainder so the ladder consumes the deposit exactly, and a
// sub-minimum last rung folds into its predecessor.
func Calc(p Params) (Ladder, error) {
	if err := p.validate(); err != nil {
		return Ladder{}, err
	}
	prices := p.prices()

	// Deposit share of the first rung, floor-bounded by the exchange
	// minimums. The rest of the series distributes what remains.
	first := p.Deposit.Mul(martinShare(p.Martin, 0, p.OrderQ))
	if min := p.minFirstAmount(prices[0]); first.Cmp(min) < 0 {
		first = min
	}
	if first.Cmp(p.Deposit) > 0 {
		return Ladder{}, fmt.Errorf("%w: deposit %s, first rung needs %s", ErrDepositTooSmall, p.Deposit, first)
	}
	shares := make([]decimal.Decimal, p.OrderQ)
	shares[0] = first
	rest := p.Deposit.Sub(first)
	for i := 1; i < p.OrderQ; i++ {
		shares[i] = rest.Mul(martinShare(p.Martin, i-1, p.OrderQ-1))
	}

	ladder := Ladder{}
	consumed := decimal.Zero
	for i := 0; i < p.OrderQ; i++ {
		share := shares[i]
		if i == p.OrderQ-1 {
			// Last rung absorbs the remainder of the deposit.
			share = p.Deposit.Sub(consumed)
		}
		var qty decimal.Decimal
		if p.Buy {
			qty = p.Rules.RoundBase(share.Div(prices[i]), core.RoundFloor)
		} else {
			qty = p.Rules.RoundBase(share, core.RoundFloor)
		}
		if qty.Cmp(decimal.Zero) <= 0 {
			return Ladder{}, fmt.Errorf("%w: rung %d amount rounds to zero", ErrDepositTooSmall, i)
		}
		spent := qty
		if p.Buy {
			spent = qty.Mul(prices[i])
		}
		consumed = consumed.Add(spent)
		ladder.Rungs = append(ladder.Rungs, Rung{Index: i, Amount: qty, Price: prices[i]})
	}

	// Fold a sub-minimum last rung into the one before it.
	if n := len(ladder.Rungs); n > 1 {
		last := ladder.Rungs[n-1]
		notional := last.Amount.Mul(last.Price)
		belowQty := p.Rules.MinQty.Cmp(decimal.Zero) > 0 && last.Amount.Cmp(p.Rules.MinQty) < 0
		belowNotional := p.Rules.MinNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(p.Rules.MinNotional) < 0
		if belowQty || belowNotional {
			prev := &ladder.Rungs[n-2]
			if p.Buy {
				// Re-spend the folded quote at the surviving price.
				extra := p.Rules.RoundBase(notional.Div(prev.Price), core.RoundFloor)
				prev.Amount = prev.Amount.Add(extra)
			} else {
				prev.Amount = prev.Amount.Add(last.Amount)
			}
			ladder.Rungs = ladder.Rungs[:n-1]
		}
	}

	for _, r := range ladder.Rungs {
		ladder.TotalFirst = ladder.TotalFirst.Add(r.Amount)
		ladder.TotalSecond = ladder.TotalSecond.Add(r.Amount.Mul(r.Price))
	}
	return ladder, nil
}

// OverPriceForTarget back-solves the over_price percentage at which the
// ladder's acquired total matches target: the base total for a buy ladder,
// the quote total for a sell ladder. The result is approximate past tick
// resolution; Converged reports whether the solver actually landed.
func OverPriceForTarget(p Params, target decimal.Decimal, maxTries int) core.SolveResult {
	fn := func(op decimal.Decimal) decimal.Decimal {
		q := p
		q.OverPrice = op
		ladder, err := Calc(q)
		if err != nil {
			return decimal.Zero
		}
		if p.Buy {
			return ladder.TotalFirst
		}
		return ladder.TotalSecond
	}
	maxErr := target.Abs().Mul(decimal.NewFromFloat(0.001))
	if maxErr.Cmp(decimal.Zero) <= 0 {
		maxErr = decimal.NewFromFloat(0.00000001)
	}
	guess := p.OverPrice
	if guess.Cmp(decimal.Zero) <= 0 {
		guess = decimal.NewFromFloat(0.1)
	}
	return core.Solve(fn, target, guess, maxErr, maxTries)
}

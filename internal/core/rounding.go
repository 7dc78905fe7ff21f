package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Rounding selects the quantization direction. The caller always picks the
// direction that cannot overspend the available balance.
type Rounding int

const (
	RoundFloor Rounding = iota
	RoundCeil
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// RoundStep quantizes value to a multiple of step in the given direction.
// A non-positive step leaves value untouched.
func RoundStep(value, step decimal.Decimal, mode Rounding) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	q := value.Div(step)
	if mode == RoundCeil {
		return q.Ceil().Mul(step)
	}
	return q.Floor().Mul(step)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	return RoundStep(value, step, RoundFloor)
}

func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	return RoundStep(value, step, RoundCeil)
}

// RoundBase quantizes a base-asset amount to the lot step.
func (r Rules) RoundBase(value decimal.Decimal, mode Rounding) decimal.Decimal {
	return RoundStep(value, r.QtyStep, mode)
}

// RoundPrice quantizes a price to the tick size.
func (r Rules) RoundPrice(value decimal.Decimal, mode Rounding) decimal.Decimal {
	return RoundStep(value, r.PriceTick, mode)
}

// NormalizeOrder snaps price and quantity to exchange steps and rejects
// orders the exchange would refuse outright.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	order.Qty = rules.RoundBase(order.Qty, RoundFloor)
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if rules.MaxQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MaxQty) > 0 {
		return order, ErrInvalidOrder
	}
	if order.Type == Market {
		return order, nil
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	order.Price = rules.RoundPrice(order.Price, RoundFloor)
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := order.Price.Mul(order.Qty)
		if notional.Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}

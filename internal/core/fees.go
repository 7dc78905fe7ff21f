package core

import "github.com/shopspring/decimal"

var oneHundred = decimal.NewFromInt(100)

// FeeConfig describes where trading fees are withheld. When InPair is false
// the fee is paid via a designated fee asset (e.g. the exchange token) and
// traded amounts are untouched. When InPair is true the fee is withheld from
// the pair itself: from the quote asset when InSecond, from the base asset
// otherwise.
type FeeConfig struct {
	MakerPct decimal.Decimal
	TakerPct decimal.Decimal
	InPair   bool
	InSecond bool
}

func (f FeeConfig) rate(byMarket bool) decimal.Decimal {
	pct := f.MakerPct
	if byMarket {
		pct = f.TakerPct
	}
	return pct.Div(oneHundred)
}

// FeeForGrid adjusts the raw traded amounts of a grid-order fill for fees.
// Grid orders trade on the cycle side: a buy cycle acquires base, a sell
// cycle disposes of it.
func (f FeeConfig) FeeForGrid(first, second decimal.Decimal, cycleBuy, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	side := Sell
	if cycleBuy {
		side = Buy
	}
	return f.applyFee(first, second, side, byMarket)
}

// FeeForTP adjusts the raw traded amounts of a take-profit fill. The TP
// order always trades opposite to the cycle side.
func (f FeeConfig) FeeForTP(first, second decimal.Decimal, cycleBuy, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	side := Buy
	if cycleBuy {
		side = Sell
	}
	return f.applyFee(first, second, side, byMarket)
}

func (f FeeConfig) applyFee(first, second decimal.Decimal, side Side, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	if !f.InPair {
		return first, second
	}
	rate := f.rate(byMarket)
	one := decimal.NewFromInt(1)
	if side == Buy {
		if f.InSecond {
			// Fee withheld from quote: the fill effectively cost more.
			return first, second.Mul(one.Add(rate))
		}
		// Fee withheld from the acquired base.
		return first.Mul(one.Sub(rate)), second
	}
	if f.InSecond {
		// Fee withheld from the received quote.
		return first, second.Mul(one.Sub(rate))
	}
	// Fee withheld from base: the fill effectively consumed more of it.
	return first.Mul(one.Add(rate)), second
}

// UnFeeForGrid inverts FeeForGrid, recovering the raw pre-fee amounts.
func (f FeeConfig) UnFeeForGrid(first, second decimal.Decimal, cycleBuy, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	side := Sell
	if cycleBuy {
		side = Buy
	}
	return f.removeFee(first, second, side, byMarket)
}

// UnFeeForTP inverts FeeForTP.
func (f FeeConfig) UnFeeForTP(first, second decimal.Decimal, cycleBuy, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	side := Buy
	if cycleBuy {
		side = Sell
	}
	return f.removeFee(first, second, side, byMarket)
}

func (f FeeConfig) removeFee(first, second decimal.Decimal, side Side, byMarket bool) (decimal.Decimal, decimal.Decimal) {
	if !f.InPair {
		return first, second
	}
	rate := f.rate(byMarket)
	one := decimal.NewFromInt(1)
	if side == Buy {
		if f.InSecond {
			return first, second.Div(one.Add(rate))
		}
		return first.Div(one.Sub(rate)), second
	}
	if f.InSecond {
		return first, second.Div(one.Sub(rate))
	}
	return first.Div(one.Add(rate)), second
}

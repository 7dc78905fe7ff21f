package grid

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingale-grid/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcRules() core.Rules {
	return core.Rules{
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQty:      dec("0.00001"),
		QtyStep:     dec("0.00001"),
		MinNotional: dec("5"),
		PriceTick:   dec("0.01"),
	}
}

func TestCalcBuyThreeOrders(t *testing.T) {
	p := Params{
		Buy:         true,
		Deposit:     dec("300"),
		BasePrice:   dec("100"),
		OrderQ:      3,
		Martin:      dec("1.10"),
		OverPrice:   dec("1.0"),
		LinearGridK: dec("-1"),
		Rules: core.Rules{
			MinQty:    dec("0.001"),
			QtyStep:   dec("0.001"),
			PriceTick: dec("0.01"),
		},
	}
	ladder, err := Calc(p)
	require.NoError(t, err)
	require.Len(t, ladder.Rungs, 3)

	require.True(t, ladder.Rungs[0].Price.Equal(dec("100")), "p0 = %s", ladder.Rungs[0].Price)
	require.True(t, ladder.Rungs[1].Price.Equal(dec("99.5")), "p1 = %s", ladder.Rungs[1].Price)
	require.True(t, ladder.Rungs[2].Price.Equal(dec("99")), "p2 = %s", ladder.Rungs[2].Price)

	// Martingale shape: each rung notional roughly 1.10x the one before.
	n0 := ladder.Rungs[0].Amount.Mul(ladder.Rungs[0].Price)
	n1 := ladder.Rungs[1].Amount.Mul(ladder.Rungs[1].Price)
	ratio := n1.Div(n0)
	require.True(t, ratio.Sub(dec("1.10")).Abs().Cmp(dec("0.02")) < 0, "ratio = %s", ratio)

	// Whole deposit consumed within one lot step of value.
	maxSlack := p.Rules.QtyStep.Mul(dec("100"))
	require.True(t, p.Deposit.Sub(ladder.TotalSecond).Abs().Cmp(maxSlack) <= 0,
		"total = %s", ladder.TotalSecond)
}

func TestCalcSumInvariant(t *testing.T) {
	rules := btcRules()
	cases := []struct {
		name    string
		buy     bool
		deposit string
		orderQ  int
		martin  string
		over    string
		linearK string
	}{
		{"buy_log_shaped", true, "1000", 5, "1.10", "2.0", "0"},
		{"buy_linear", true, "550", 4, "1.25", "1.5", "-1"},
		{"buy_shallow", true, "5000", 10, "1.05", "0.8", "1.7"},
		{"sell_log_shaped", false, "0.5", 5, "1.10", "2.0", "0"},
		{"sell_linear", false, "0.25", 3, "1.50", "3.0", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Params{
				Buy:         tc.buy,
				Deposit:     dec(tc.deposit),
				BasePrice:   dec("50000"),
				OrderQ:      tc.orderQ,
				Martin:      dec(tc.martin),
				OverPrice:   dec(tc.over),
				LinearGridK: dec(tc.linearK),
				Rules:       rules,
			}
			ladder, err := Calc(p)
			require.NoError(t, err)
			require.True(t, len(ladder.Rungs) >= tc.orderQ-1)

			total := ladder.TotalSecond
			step := rules.QtyStep.Mul(dec("50000")).Mul(decimal.NewFromInt(int64(tc.orderQ)))
			if !tc.buy {
				total = ladder.TotalFirst
				step = rules.QtyStep.Mul(decimal.NewFromInt(int64(tc.orderQ)))
			}
			require.True(t, p.Deposit.Sub(total).Abs().Cmp(step) <= 0,
				"deposit %s vs total %s", p.Deposit, total)

			// Prices strictly ordered away from the base price.
			for i := 1; i < len(ladder.Rungs); i++ {
				cmp := ladder.Rungs[i].Price.Cmp(ladder.Rungs[i-1].Price)
				if tc.buy {
					require.True(t, cmp < 0, "buy rungs must descend")
				} else {
					require.True(t, cmp > 0, "sell rungs must ascend")
				}
			}
		})
	}
}

func TestCalcFoldsDustLastRung(t *testing.T) {
	// Min-notional bump on the first rung leaves the last rung with dust.
	p := Params{
		Buy:         true,
		Deposit:     dec("12"),
		BasePrice:   dec("100"),
		OrderQ:      2,
		Martin:      dec("1.10"),
		OverPrice:   dec("2.0"),
		LinearGridK: dec("-1"),
		Rules: core.Rules{
			MinQty:      dec("0.001"),
			QtyStep:     dec("0.001"),
			MinNotional: dec("10"),
			PriceTick:   dec("0.01"),
		},
	}
	ladder, err := Calc(p)
	require.NoError(t, err)
	require.Len(t, ladder.Rungs, 1, "dust rung should fold into its predecessor")
	require.True(t, p.Deposit.Sub(ladder.TotalSecond).Abs().Cmp(dec("0.5")) <= 0,
		"total = %s", ladder.TotalSecond)
}

func TestCalcRejectsImpossibleDeposit(t *testing.T) {
	p := Params{
		Buy:       true,
		Deposit:   dec("3"),
		BasePrice: dec("100"),
		OrderQ:    5,
		Martin:    dec("1.10"),
		OverPrice: dec("1.0"),
		Rules: core.Rules{
			MinQty:      dec("0.001"),
			QtyStep:     dec("0.001"),
			MinNotional: dec("10"),
			PriceTick:   dec("0.01"),
		},
	}
	_, err := Calc(p)
	require.True(t, errors.Is(err, ErrDepositTooSmall), "err = %v", err)
}

func TestCalcSingleOrder(t *testing.T) {
	p := Params{
		Buy:       true,
		Deposit:   dec("100"),
		BasePrice: dec("250"),
		OrderQ:    1,
		Martin:    dec("1.10"),
		OverPrice: dec("1.0"),
		Rules: core.Rules{
			QtyStep:   dec("0.0001"),
			PriceTick: dec("0.01"),
		},
	}
	ladder, err := Calc(p)
	require.NoError(t, err)
	require.Len(t, ladder.Rungs, 1)
	require.True(t, ladder.Rungs[0].Price.Equal(dec("250")))
	require.True(t, ladder.Rungs[0].Amount.Equal(dec("0.4")), "amount = %s", ladder.Rungs[0].Amount)
}

func TestCalcIsPure(t *testing.T) {
	p := Params{
		Buy:         true,
		Deposit:     dec("1000"),
		BasePrice:   dec("50000"),
		OrderQ:      5,
		Martin:      dec("1.10"),
		OverPrice:   dec("2.0"),
		LinearGridK: dec("0"),
		Rules:       btcRules(),
	}
	a, err := Calc(p)
	require.NoError(t, err)
	b, err := Calc(p)
	require.NoError(t, err)
	require.Equal(t, len(a.Rungs), len(b.Rungs))
	for i := range a.Rungs {
		require.True(t, a.Rungs[i].Price.Equal(b.Rungs[i].Price))
		require.True(t, a.Rungs[i].Amount.Equal(b.Rungs[i].Amount))
	}
}

func TestOverPriceForTarget(t *testing.T) {
	p := Params{
		Buy:         true,
		Deposit:     dec("1000"),
		BasePrice:   dec("50000"),
		OrderQ:      5,
		Martin:      dec("1.10"),
		OverPrice:   dec("1.0"),
		LinearGridK: dec("-1"),
		Rules:       btcRules(),
	}
	base, err := Calc(p)
	require.NoError(t, err)

	// Ask for 1% more base than the current spread yields: deeper grid needed.
	target := base.TotalFirst.Mul(dec("1.01"))
	res := OverPriceForTarget(p, target, 50)
	require.True(t, res.Value.Cmp(decimal.Zero) > 0)
	if res.Converged {
		require.True(t, res.Value.Cmp(p.OverPrice) > 0,
			"deeper target needs larger over_price, got %s", res.Value)
		p.OverPrice = res.Value
		solved, err := Calc(p)
		require.NoError(t, err)
		diff := solved.TotalFirst.Sub(target).Abs().Div(target)
		require.True(t, diff.Cmp(dec("0.002")) <= 0, "relative error %s", diff)
	}
}

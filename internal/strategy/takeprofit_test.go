package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
)

func TestComputeTakeProfitBuyCycle(t *testing.T) {
	res, err := ComputeTakeProfit(true, dec("3"), dec("300"), dec("1"), testRules())
	require.NoError(t, err)
	require.False(t, res.Buy)
	require.True(t, res.Amount.Equal(dec("3")))
	require.True(t, res.Price.Equal(dec("101")), "price %s", res.Price)
	require.True(t, res.Target.Equal(dec("303")))
}

func TestComputeTakeProfitBuyCycleFloorsAboveBreakEven(t *testing.T) {
	// Zero profit would put the price at break-even; the floor lifts it by
	// one tick.
	res, err := ComputeTakeProfit(true, dec("3"), dec("300"), dec("0"), testRules())
	require.NoError(t, err)
	require.True(t, res.Price.Equal(dec("100.01")), "price %s", res.Price)
}

func TestComputeTakeProfitSellCycle(t *testing.T) {
	res, err := ComputeTakeProfit(false, dec("3"), dec("300"), dec("1"), testRules())
	require.NoError(t, err)
	require.True(t, res.Buy)
	require.True(t, res.Amount.Equal(dec("3.03")), "amount %s", res.Amount)
	// 300 / 3.03 = 99.0099..., floored to the tick.
	require.True(t, res.Price.Equal(dec("99")), "price %s", res.Price)
	require.True(t, res.Target.Equal(dec("3.03")))
}

func TestComputeTakeProfitSellCycleAmountExceedsDisposed(t *testing.T) {
	// Rounding may not grow the amount; the floor forces at least one step
	// beyond what the cycle disposed of.
	res, err := ComputeTakeProfit(false, dec("0.001"), dec("0.1"), dec("0.0001"), testRules())
	require.NoError(t, err)
	require.True(t, res.Amount.Cmp(dec("0.001")) > 0, "amount %s", res.Amount)
}

func TestComputeTakeProfitNothingAccumulated(t *testing.T) {
	_, err := ComputeTakeProfit(true, decimal.Zero, decimal.Zero, dec("1"), testRules())
	require.ErrorIs(t, err, ErrNothingToTakeProfit)

	_, err = ComputeTakeProfit(true, dec("0.0001"), dec("1"), dec("1"), testRules())
	require.ErrorIs(t, err, ErrNothingToTakeProfit, "dust below the qty step rounds to zero")
}

func TestEffectiveProfitPctFixedWithoutCap(t *testing.T) {
	c, _ := newTestCycle(t)
	c.gridFillCount = 5
	got := c.effectiveProfitPct(context.Background())
	// profit 1% plus round-trip maker fee 2 * 0.1%.
	require.True(t, got.Equal(dec("1.2")), "pct %s", got)
}

func TestEffectiveProfitPctAdaptsToBollinger(t *testing.T) {
	gw := newFakeGateway()
	p := testParams()
	p.ProfitMaxPct = dec("5")
	p.Bollinger = BollingerParams{Interval: "1h", Candles: 20, Deviation: 2}
	c := NewCycle(p, testRules(), gw, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}

	// A wildly wide band clamps to the cap; no candles falls back to fixed.
	gw.klines = nil
	require.True(t, c.effectiveProfitPct(ctx).Equal(dec("1.2")))

	gw.klines = spreadCandles(20, 100, 40)
	got := c.effectiveProfitPct(ctx)
	require.True(t, got.Equal(dec("5")), "pct %s", got)

	// History shorter than the band window still adapts through the ATR.
	gw.klines = spreadCandles(16, 100, 40)
	got = c.effectiveProfitPct(ctx)
	require.True(t, got.Equal(dec("5")), "pct %s", got)
}

func spreadCandles(n int, mid, spread float64) []core.Candle {
	out := make([]core.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := mid - spread/2
		if i%2 == 0 {
			price = mid + spread/2
		}
		d := decimal.NewFromFloat(price)
		out = append(out, core.Candle{Open: d, High: d, Low: d, Close: d})
	}
	return out
}

func TestCreditGridFillSubtractsPartialCarry(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	id := c.ordersGrid.IDs()[0]
	o := gw.open[id]
	half := o.Qty.Div(dec("2"))
	require.NoError(t, c.OnOrderUpdate(ctx, newPartialUpdate(id, half, half.Mul(o.Price))))

	sumAfterPartial, _ := c.SumAmounts()
	require.True(t, sumAfterPartial.Equal(half.Mul(dec("0.999"))))

	require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	sumFirst, sumSecond := c.SumAmounts()
	require.True(t, sumFirst.Equal(o.Qty.Mul(dec("0.999"))), "sum first %s", sumFirst)
	require.True(t, sumSecond.Equal(o.Qty.Mul(o.Price)))
	require.Empty(t, c.partFills)
}

func TestGridFillFeeWithheldFromBase(t *testing.T) {
	fee := core.FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: true}
	first, second := fee.FeeForGrid(dec("1"), dec("100"), true, false)
	require.True(t, first.Equal(dec("0.999")))
	require.True(t, second.Equal(dec("100")))
}

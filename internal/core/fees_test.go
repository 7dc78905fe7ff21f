package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFeeForGridBuyFeeInBase(t *testing.T) {
	fee := FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: true}
	first, second := fee.FeeForGrid(dec("1.0"), dec("100"), true, false)
	require.True(t, first.Equal(dec("0.999")), "first = %s", first)
	require.True(t, second.Equal(dec("100")), "second = %s", second)
}

func TestFeeForGridBuyFeeInQuote(t *testing.T) {
	fee := FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: true, InSecond: true}
	first, second := fee.FeeForGrid(dec("1.0"), dec("100"), true, false)
	require.True(t, first.Equal(dec("1.0")))
	require.True(t, second.Equal(dec("100.1")), "second = %s", second)
}

func TestFeeForGridSellFeeInQuote(t *testing.T) {
	fee := FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: true, InSecond: true}
	first, second := fee.FeeForGrid(dec("1.0"), dec("100"), false, false)
	require.True(t, first.Equal(dec("1.0")))
	require.True(t, second.Equal(dec("99.9")), "second = %s", second)
}

func TestFeeForGridFeeAssetLeavesAmountsAlone(t *testing.T) {
	fee := FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: false}
	first, second := fee.FeeForGrid(dec("1.0"), dec("100"), true, false)
	require.True(t, first.Equal(dec("1.0")))
	require.True(t, second.Equal(dec("100")))
}

func TestFeeForTPUsesOppositeSide(t *testing.T) {
	fee := FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.2"), InPair: true, InSecond: true}
	// Buy cycle TP sells: fee comes out of the received quote.
	_, second := fee.FeeForTP(dec("1.0"), dec("100"), true, false)
	require.True(t, second.Equal(dec("99.9")), "second = %s", second)
	// Sell cycle TP buys: fee inflates the spent quote.
	_, second = fee.FeeForTP(dec("1.0"), dec("100"), false, false)
	require.True(t, second.Equal(dec("100.1")), "second = %s", second)
}

func TestFeeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		fee  FeeConfig
	}{
		{"maker_in_base", FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.2"), InPair: true}},
		{"maker_in_quote", FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.2"), InPair: true, InSecond: true}},
		{"fee_asset", FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.2"), InPair: false}},
		{"taker_in_quote", FeeConfig{MakerPct: dec("0.075"), TakerPct: dec("0.15"), InPair: true, InSecond: true}},
	}
	unit := dec("0.00000001")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, cycleBuy := range []bool{true, false} {
				for _, byMarket := range []bool{true, false} {
					first, second := tc.fee.FeeForGrid(dec("1.2345"), dec("678.9"), cycleBuy, byMarket)
					backFirst, backSecond := tc.fee.UnFeeForGrid(first, second, cycleBuy, byMarket)
					require.True(t, backFirst.Sub(dec("1.2345")).Abs().Cmp(unit) <= 0,
						"cycleBuy=%v byMarket=%v first=%s", cycleBuy, byMarket, backFirst)
					require.True(t, backSecond.Sub(dec("678.9")).Abs().Cmp(unit) <= 0,
						"cycleBuy=%v byMarket=%v second=%s", cycleBuy, byMarket, backSecond)

					first, second = tc.fee.FeeForTP(dec("1.2345"), dec("678.9"), cycleBuy, byMarket)
					backFirst, backSecond = tc.fee.UnFeeForTP(first, second, cycleBuy, byMarket)
					require.True(t, backFirst.Sub(dec("1.2345")).Abs().Cmp(unit) <= 0)
					require.True(t, backSecond.Sub(dec("678.9")).Abs().Cmp(unit) <= 0)
				}
			}
		})
	}
}

package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestClassifyChange(t *testing.T) {
	prev := Order{
		ID:    "1",
		Price: decimal.RequireFromString("100"),
		Qty:   decimal.RequireFromString("0.5"),
	}
	same := prev
	same.Status = OrderNew
	adapted := same
	adapted.Price = decimal.RequireFromString("100.5")

	cases := []struct {
		name string
		prev Order
		live *Order
		want ChangeStatus
	}{
		{"gone", prev, nil, ChangeDisappeared},
		{"untracked", Order{}, &same, ChangeReappeared},
		{"unchanged", prev, &same, ChangeNone},
		{"repriced", prev, &adapted, ChangeAdapted},
		{"filled", prev, withStatus(same, OrderFilled), ChangeFilled},
		{"repriced and filled", prev, withStatus(adapted, OrderFilled), ChangeAdaptedFilled},
		{"partial", prev, withStatus(same, OrderPartiallyFilled), ChangePartiallyFilled},
		{"canceled", prev, withStatus(same, OrderCanceled), ChangeCanceled},
		{"expired", prev, withStatus(same, OrderExpired), ChangeCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifyChange(tc.prev, tc.live))
		})
	}
}

func withStatus(o Order, s OrderStatus) *Order {
	o.Status = s
	return &o
}

func TestSideOpposite(t *testing.T) {
	require.Equal(t, Sell, Buy.Opposite())
	require.Equal(t, Buy, Sell.Opposite())
}

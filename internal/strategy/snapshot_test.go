package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	// Partial fill on the first rung so the carry map is non-empty.
	id := c.ordersGrid.IDs()[0]
	o := gw.open[id]
	half := o.Qty.Div(dec("2"))
	require.NoError(t, c.OnOrderUpdate(ctx, newPartialUpdate(id, half, half.Mul(o.Price))))
	c.ordersSave.Append("old-1", true, dec("0.25"), dec("97.5"))
	c.correctionSecond = dec("1.25")
	c.cycleStartedAt = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	doc := c.Snapshot()

	restored := NewCycle(testParams(), testRules(), gw, zap.NewNop())
	require.NoError(t, restored.Restore(doc))

	require.Equal(t, c.state, restored.state)
	require.Equal(t, c.cycleBuy, restored.cycleBuy)
	require.Equal(t, c.cycleCount, restored.cycleCount)
	require.Equal(t, c.gridFillCount, restored.gridFillCount)
	require.True(t, c.cycleStartedAt.Equal(restored.cycleStartedAt))
	require.Equal(t, c.ordersGrid.IDs(), restored.ordersGrid.IDs())
	require.Equal(t, 1, restored.ordersSave.Len())
	require.True(t, c.sumFirst.Equal(restored.sumFirst))
	require.True(t, c.sumSecond.Equal(restored.sumSecond))
	require.True(t, restored.correctionSecond.Equal(dec("1.25")))

	part, ok := restored.partFills[id]
	require.True(t, ok)
	require.True(t, part.First.Equal(c.partFills[id].First))
	require.True(t, part.Second.Equal(c.partFills[id].Second))
}

func TestSnapshotRoundTripTakeProfitFields(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}
	require.Equal(t, StateTakeProfit, c.State())

	restored := NewCycle(testParams(), testRules(), gw, zap.NewNop())
	require.NoError(t, restored.Restore(c.Snapshot()))

	require.Equal(t, c.tpOrderID, restored.tpOrderID)
	require.Equal(t, c.tp.Buy, restored.tp.Buy)
	require.True(t, c.tp.Amount.Equal(restored.tp.Amount))
	require.True(t, c.tp.Price.Equal(restored.tp.Price))
	require.Equal(t, StateTakeProfit, restored.State())
}

func TestRestoreRejectsVersionMismatch(t *testing.T) {
	c, _ := newTestCycle(t)
	doc := c.Snapshot()
	doc["version"] = "99"

	restored := NewCycle(testParams(), testRules(), newFakeGateway(), nil)
	require.Error(t, restored.Restore(doc))
}

func TestRestoreRejectsForeignPair(t *testing.T) {
	c, _ := newTestCycle(t)
	doc := c.Snapshot()
	doc["pair"] = "ETHUSDT"

	restored := NewCycle(testParams(), testRules(), newFakeGateway(), nil)
	require.Error(t, restored.Restore(doc))
}

func TestRestoreRejectsCorruptField(t *testing.T) {
	c, _ := newTestCycle(t)

	doc := c.Snapshot()
	doc["sum_first"] = "not a number"
	restored := NewCycle(testParams(), testRules(), newFakeGateway(), nil)
	err := restored.Restore(doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sum_first")

	doc = c.Snapshot()
	doc["state"] = "warp_drive"
	require.Error(t, restored.Restore(doc))

	doc = c.Snapshot()
	doc["orders_grid"] = "{broken"
	require.Error(t, restored.Restore(doc))
}

func newPartialUpdate(orderID string, qty, quote decimal.Decimal) exchange.OrderUpdate {
	return exchange.OrderUpdate{
		OrderID:   orderID,
		Status:    core.OrderPartiallyFilled,
		LastQty:   qty,
		LastQuote: quote,
		CumQty:    qty,
		CumQuote:  quote,
		IsMaker:   true,
	}
}

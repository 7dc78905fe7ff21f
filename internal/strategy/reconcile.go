package strategy

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/grid"
)

// RestartBranch names the reconciliation outcome after comparing the
// persisted snapshot against the live order book.
type RestartBranch int

const (
	// BranchResume: every persisted order is still live; pick up where the
	// snapshot left off.
	BranchResume RestartBranch = iota + 1
	// BranchTPFilled: the grid is fully accounted for and the take profit
	// vanished; it filled while the bot was down.
	BranchTPFilled
	// BranchGridFilled: every grid order vanished while the TP (if any)
	// survived; the whole grid filled offline.
	BranchGridFilled
	// BranchPartialAndTPFilled: some grid orders and the TP are gone.
	BranchPartialAndTPFilled
	// BranchPartialFilled: some grid orders are gone, the TP survived or
	// never existed.
	BranchPartialFilled
	// BranchTPFilledGridIntact: the grid is untouched but the TP filled;
	// the cycle completed and the grid belongs to the finished cycle.
	BranchTPFilledGridIntact
	// BranchInFlight: unexplained live orders exist and a placement was in
	// flight at crash time; the extras are ours.
	BranchInFlight
	// BranchUnexplained: live orders neither the snapshot nor an in-flight
	// placement accounts for. Trading must not continue.
	BranchUnexplained
)

func (b RestartBranch) String() string {
	switch b {
	case BranchResume:
		return "resume"
	case BranchTPFilled:
		return "tp_filled"
	case BranchGridFilled:
		return "grid_filled"
	case BranchPartialAndTPFilled:
		return "partial_and_tp_filled"
	case BranchPartialFilled:
		return "partial_filled"
	case BranchTPFilledGridIntact:
		return "tp_filled_grid_intact"
	case BranchInFlight:
		return "in_flight_placement"
	}
	return "unexplained"
}

// RestartState is the pure input to branch classification: persisted order
// ids against live order ids, plus the in-flight markers from the snapshot.
type RestartState struct {
	PersistedGrid       []string
	PersistedTP         string
	LiveOrders          []string
	PlacementInFlight   bool
	TPPlacementInFlight bool
}

// ClassifyRestart maps a restart state to its branch. Pure; the decision is
// testable without an exchange.
func ClassifyRestart(st RestartState) RestartBranch {
	live := make(map[string]struct{}, len(st.LiveOrders))
	for _, id := range st.LiveOrders {
		live[id] = struct{}{}
	}
	known := make(map[string]struct{}, len(st.PersistedGrid)+1)
	gone := 0
	for _, id := range st.PersistedGrid {
		known[id] = struct{}{}
		if _, ok := live[id]; !ok {
			gone++
		}
	}
	if st.PersistedTP != "" {
		known[st.PersistedTP] = struct{}{}
	}

	extras := 0
	for _, id := range st.LiveOrders {
		if _, ok := known[id]; !ok {
			extras++
		}
	}
	if extras > 0 {
		if st.PlacementInFlight || st.TPPlacementInFlight {
			return BranchInFlight
		}
		return BranchUnexplained
	}

	tpGone := false
	if st.PersistedTP != "" {
		_, tpLive := live[st.PersistedTP]
		tpGone = !tpLive
	}
	gridIntact := gone == 0
	allGone := len(st.PersistedGrid) > 0 && gone == len(st.PersistedGrid)

	switch {
	case tpGone && len(st.PersistedGrid) == 0:
		return BranchTPFilled
	case gridIntact && !tpGone:
		return BranchResume
	case gridIntact && tpGone:
		return BranchTPFilledGridIntact
	case allGone && tpGone:
		return BranchPartialAndTPFilled
	case allGone:
		return BranchGridFilled
	case tpGone:
		return BranchPartialAndTPFilled
	}
	return BranchPartialFilled
}

// Reconcile aligns the restored snapshot with the live order book before any
// event is dispatched. Fills that happened while the bot was down are folded
// in; anything unexplainable stops the strategy.
func (c *Cycle) Reconcile(ctx context.Context) error {
	if c.state == StateStopped {
		return ErrStopped
	}
	open, err := c.gw.OpenOrders(ctx, c.params.Pair)
	if err != nil {
		return err
	}
	liveIDs := make([]string, 0, len(open))
	for _, o := range open {
		liveIDs = append(liveIDs, o.ID)
	}
	st := RestartState{
		PersistedGrid:       c.ordersGrid.IDs(),
		PersistedTP:         c.tpOrderID,
		LiveOrders:          liveIDs,
		PlacementInFlight:   !c.ordersInit.Empty(),
		TPPlacementInFlight: c.tpPending,
	}
	branch := ClassifyRestart(st)
	c.logOrderChanges(open)
	c.log.Info("restart reconciliation",
		zap.String("branch", branch.String()),
		zap.Int("persisted_grid", len(st.PersistedGrid)),
		zap.Int("live_orders", len(liveIDs)),
		zap.String("persisted_tp", st.PersistedTP))

	switch branch {
	case BranchResume:
		c.ordersInit = grid.NewLedger()
		c.tpPending = false
		return c.persist()
	case BranchTPFilled:
		return c.bookOfflineTPFill(ctx)
	case BranchGridFilled:
		c.creditMissingGridFills(ctx, liveIDs)
		return c.afterGridFill(ctx)
	case BranchPartialAndTPFilled:
		c.creditMissingGridFills(ctx, liveIDs)
		return c.bookOfflineTPFill(ctx)
	case BranchPartialFilled:
		c.creditMissingGridFills(ctx, liveIDs)
		if c.tpOrderID != "" {
			// Sums changed; the resting TP is stale.
			if err := c.cancelTakeProfit(ctx); err != nil {
				return err
			}
			if c.gridDrained() {
				return c.afterGridFill(ctx)
			}
			return c.placeTakeProfit(ctx)
		}
		if c.gridDrained() {
			return c.afterGridFill(ctx)
		}
		return c.persist()
	case BranchTPFilledGridIntact:
		if err := c.cancelGrid(ctx, contNone); err != nil {
			return err
		}
		return c.bookOfflineTPFill(ctx)
	case BranchInFlight:
		return c.adoptInFlight(ctx, open)
	}

	c.command = CommandStopped
	c.alertImportant("restart_unexplained_orders", map[string]string{
		"live_orders":    joinIDs(liveIDs),
		"persisted_grid": joinIDs(st.PersistedGrid),
		"persisted_tp":   st.PersistedTP,
	})
	return c.stopNow("unexplained live orders at restart", joinIDs(liveIDs))
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// logOrderChanges records how each tracked order drifted while the bot was
// down. Diagnostic only; the branch decision above is what acts on it.
func (c *Cycle) logOrderChanges(open []core.Order) {
	byID := make(map[string]core.Order, len(open))
	for _, o := range open {
		byID[o.ID] = o
	}
	logOne := func(id string, prev core.Order) {
		var liveOrd *core.Order
		if o, ok := byID[id]; ok {
			liveOrd = &o
		}
		if ch := core.ClassifyChange(prev, liveOrd); ch != core.ChangeNone {
			c.log.Info("order changed while down",
				zap.String("order_id", id),
				zap.String("change", string(ch)))
		}
	}
	for _, entry := range c.ordersGrid.Entries() {
		logOne(entry.ID, core.Order{ID: entry.ID, Qty: entry.Amount, Price: entry.Price, Status: core.OrderNew})
	}
	if c.tpOrderID != "" {
		logOne(c.tpOrderID, core.Order{ID: c.tpOrderID, Qty: c.tp.Amount, Price: c.tp.Price, Status: core.OrderNew})
	}
}

// creditMissingGridFills folds every persisted-but-vanished grid order into
// the cycle sums as if executed at its limit price. The trade history is the
// authority; the limit price is the documented approximation when history is
// unavailable for an order.
func (c *Cycle) creditMissingGridFills(ctx context.Context, liveIDs []string) {
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}
	trades := c.offlineTradeIndex(ctx)
	for _, entry := range c.ordersGrid.Entries() {
		if _, ok := live[entry.ID]; ok {
			continue
		}
		c.ordersGrid.Remove(entry.ID)
		first, second, exact := tradeTotals(trades, entry.ID)
		if !exact {
			first = entry.Amount
			second = entry.Amount.Mul(entry.Price)
			c.log.Warn("offline fill credited at limit price, trade history incomplete",
				zap.String("order_id", entry.ID),
				zap.String("price", entry.Price.String()))
		}
		c.creditGridFill(entry, first, second, false)
	}
	c.ordersInit = grid.NewLedger()
}

// bookOfflineTPFill books a take profit that filled while the bot was down,
// then rolls into the next cycle.
func (c *Cycle) bookOfflineTPFill(ctx context.Context) error {
	qty := c.tp.Amount
	quote := c.tp.Amount.Mul(c.tp.Price)
	first, second, exact := tradeTotals(c.offlineTradeIndex(ctx), c.tpOrderID)
	if exact {
		qty, quote = first, second
	} else {
		c.log.Warn("offline tp fill booked at order size and price, trade history incomplete",
			zap.String("order_id", c.tpOrderID))
	}
	c.alertImportant("tp_filled_while_down", map[string]string{
		"order_id": c.tpOrderID,
		"qty":      qty.String(),
		"quote":    quote.String(),
	})
	return c.onTakeProfitFilled(ctx, qty, quote)
}

// offlineTradeIndex fetches recent private trades grouped by order id. An
// error degrades to the limit-price approximation, never blocks the restart.
func (c *Cycle) offlineTradeIndex(ctx context.Context) map[string][]tradeTotal {
	trades, err := c.gw.MyTrades(ctx, c.params.Pair, 500)
	if err != nil {
		c.log.Warn("trade history unavailable during reconciliation", zap.Error(err))
		return nil
	}
	idx := make(map[string][]tradeTotal)
	for _, t := range trades {
		idx[t.OrderID] = append(idx[t.OrderID], tradeTotal{qty: t.Qty, quote: t.QuoteQty})
	}
	return idx
}

type tradeTotal struct {
	qty   decimal.Decimal
	quote decimal.Decimal
}

func tradeTotals(idx map[string][]tradeTotal, orderID string) (first, second decimal.Decimal, ok bool) {
	list := idx[orderID]
	if len(list) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	for _, t := range list {
		first = first.Add(t.qty)
		second = second.Add(t.quote)
	}
	return first, second, true
}

// adoptInFlight claims live orders created by a placement that crashed before
// confirmation. Ownership is established by the client id prefix; an unowned
// extra still stops the strategy.
func (c *Cycle) adoptInFlight(ctx context.Context, open []core.Order) error {
	prefix := c.params.InstanceID + "-"
	known := make(map[string]struct{}, c.ordersGrid.Len()+1)
	for _, id := range c.ordersGrid.IDs() {
		known[id] = struct{}{}
	}
	if c.tpOrderID != "" {
		known[c.tpOrderID] = struct{}{}
	}
	for _, o := range open {
		if _, ok := known[o.ID]; ok {
			continue
		}
		if !strings.HasPrefix(o.ClientID, prefix) {
			c.alertImportant("restart_unexplained_orders", map[string]string{
				"order_id":  o.ID,
				"client_id": o.ClientID,
			})
			return c.stopNow("unexplained live order at restart", o.ID)
		}
		if c.tpPending && c.tpOrderID == "" {
			c.tpOrderID = o.ID
			c.tp = TPOrder{Buy: o.Side == core.Buy, Amount: o.Qty, Price: o.Price}
			c.tpPending = false
			c.state = StateTakeProfit
			c.log.Info("adopted in-flight take profit", zap.String("order_id", o.ID))
			continue
		}
		c.ordersGrid.Append(o.ID, o.Side == core.Buy, o.Qty, o.Price)
		c.log.Info("adopted in-flight grid order",
			zap.String("order_id", o.ID),
			zap.String("price", o.Price.String()))
	}
	c.ordersInit = grid.NewLedger()
	c.tpPending = false
	c.ordersGrid.Sort(c.cycleBuy)
	return c.persist()
}

package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/grid"
	"martingale-grid/internal/store"
)

// snapshotVersion guards the document layout. A bump invalidates older
// snapshots instead of misreading them.
const snapshotVersion = 1

// Snapshot flattens the cycle into the persisted document form. Every decimal
// travels as its exact string representation.
func (c *Cycle) Snapshot() store.Document {
	doc := store.Document{}
	doc.SetInt("version", snapshotVersion)
	doc["pair"] = c.params.Pair
	doc["instance_id"] = c.params.InstanceID
	doc["state"] = string(c.state)
	doc["command"] = string(c.command)
	doc.SetBool("cycle_buy", c.cycleBuy)
	doc.SetInt("cycle_count", c.cycleCount)
	doc.SetInt("grid_fill_count", c.gridFillCount)
	doc["cycle_started_at"] = c.cycleStartedAt.UTC().Format(time.RFC3339Nano)

	doc.SetBool("reverse", c.reverse)
	doc.SetBool("reverse_hold", c.reverseHold)
	doc.SetDecimal("reverse_target", c.reverseTarget)
	doc.SetDecimal("reverse_init", c.reverseInit)
	doc.SetDecimal("reverse_basis", c.reverseBasis)

	doc.SetDecimal("sum_first", c.sumFirst)
	doc.SetDecimal("sum_second", c.sumSecond)
	doc.SetDecimal("correction_first", c.correctionFirst)
	doc.SetDecimal("correction_second", c.correctionSecond)
	doc.SetDecimal("initial_first", c.initialFirst)
	doc.SetDecimal("initial_second", c.initialSecond)
	doc.SetDecimal("profit_first", c.profitFirst)
	doc.SetDecimal("profit_second", c.profitSecond)

	doc["tp_order_id"] = c.tpOrderID
	doc.SetBool("tp_pending", c.tpPending)
	doc.SetBool("tp_buy", c.tp.Buy)
	doc.SetDecimal("tp_amount", c.tp.Amount)
	doc.SetDecimal("tp_price", c.tp.Price)
	doc.SetDecimal("tp_part_first", c.tpPartFirst)
	doc.SetDecimal("tp_part_second", c.tpPartSecond)

	doc.SetDecimal("over_price", c.overPrice)
	doc.SetInt("order_q", c.orderQ)
	doc.SetDecimal("martin", c.martin)
	doc.SetDecimal("base_price", c.basePrice)
	doc.SetDecimal("grid_end_price", c.gridEndPrice)

	encodeLedger(doc, "orders_grid", c.ordersGrid)
	encodeLedger(doc, "orders_init", c.ordersInit)
	encodeLedger(doc, "orders_hold", c.ordersHold)
	encodeLedger(doc, "orders_save", c.ordersSave)
	encodePartFills(doc, c.partFills)
	return doc
}

// snapshotSchema drives Restore: one row per typed field, so a new field is
// added in exactly one place and a corrupt value names its key in the error.
var snapshotSchema = []struct {
	key    string
	decode func(c *Cycle, doc store.Document, key string) error
}{
	{"state", func(c *Cycle, d store.Document, _ string) error {
		s := State(d.String("state"))
		switch s {
		case StateIdle, StateGridActive, StateCancelGrid, StateTakeProfit, StateStopped:
			c.state = s
			return nil
		}
		return fmt.Errorf("unknown state %q", s)
	}},
	{"command", func(c *Cycle, d store.Document, _ string) error {
		cmd := Command(d.String("command"))
		switch cmd {
		case CommandNone, CommandStop, CommandEnd, CommandRestart, CommandStopped:
			c.command = cmd
			return nil
		}
		return fmt.Errorf("unknown command %q", cmd)
	}},
	{"cycle_buy", decodeBool(func(c *Cycle, v bool) { c.cycleBuy = v })},
	{"cycle_count", decodeInt(func(c *Cycle, v int) { c.cycleCount = v })},
	{"grid_fill_count", decodeInt(func(c *Cycle, v int) { c.gridFillCount = v })},
	{"cycle_started_at", func(c *Cycle, d store.Document, _ string) error {
		raw := d.String("cycle_started_at")
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
		c.cycleStartedAt = t
		return nil
	}},
	{"reverse", decodeBool(func(c *Cycle, v bool) { c.reverse = v })},
	{"reverse_hold", decodeBool(func(c *Cycle, v bool) { c.reverseHold = v })},
	{"reverse_target", decodeDec(func(c *Cycle, v decimal.Decimal) { c.reverseTarget = v })},
	{"reverse_init", decodeDec(func(c *Cycle, v decimal.Decimal) { c.reverseInit = v })},
	{"reverse_basis", decodeDec(func(c *Cycle, v decimal.Decimal) { c.reverseBasis = v })},
	{"sum_first", decodeDec(func(c *Cycle, v decimal.Decimal) { c.sumFirst = v })},
	{"sum_second", decodeDec(func(c *Cycle, v decimal.Decimal) { c.sumSecond = v })},
	{"correction_first", decodeDec(func(c *Cycle, v decimal.Decimal) { c.correctionFirst = v })},
	{"correction_second", decodeDec(func(c *Cycle, v decimal.Decimal) { c.correctionSecond = v })},
	{"initial_first", decodeDec(func(c *Cycle, v decimal.Decimal) { c.initialFirst = v })},
	{"initial_second", decodeDec(func(c *Cycle, v decimal.Decimal) { c.initialSecond = v })},
	{"profit_first", decodeDec(func(c *Cycle, v decimal.Decimal) { c.profitFirst = v })},
	{"profit_second", decodeDec(func(c *Cycle, v decimal.Decimal) { c.profitSecond = v })},
	{"tp_order_id", func(c *Cycle, d store.Document, _ string) error {
		c.tpOrderID = d.String("tp_order_id")
		return nil
	}},
	{"tp_pending", decodeBool(func(c *Cycle, v bool) { c.tpPending = v })},
	{"tp_buy", decodeBool(func(c *Cycle, v bool) { c.tp.Buy = v })},
	{"tp_amount", decodeDec(func(c *Cycle, v decimal.Decimal) { c.tp.Amount = v })},
	{"tp_price", decodeDec(func(c *Cycle, v decimal.Decimal) { c.tp.Price = v })},
	{"tp_part_first", decodeDec(func(c *Cycle, v decimal.Decimal) { c.tpPartFirst = v })},
	{"tp_part_second", decodeDec(func(c *Cycle, v decimal.Decimal) { c.tpPartSecond = v })},
	{"over_price", decodeDec(func(c *Cycle, v decimal.Decimal) { c.overPrice = v })},
	{"order_q", decodeInt(func(c *Cycle, v int) { c.orderQ = v })},
	{"martin", decodeDec(func(c *Cycle, v decimal.Decimal) { c.martin = v })},
	{"base_price", decodeDec(func(c *Cycle, v decimal.Decimal) { c.basePrice = v })},
	{"grid_end_price", decodeDec(func(c *Cycle, v decimal.Decimal) { c.gridEndPrice = v })},
	{"orders_grid", decodeLedger(func(c *Cycle) *grid.Ledger { return c.ordersGrid })},
	{"orders_init", decodeLedger(func(c *Cycle) *grid.Ledger { return c.ordersInit })},
	{"orders_hold", decodeLedger(func(c *Cycle) *grid.Ledger { return c.ordersHold })},
	{"orders_save", decodeLedger(func(c *Cycle) *grid.Ledger { return c.ordersSave })},
	{"part_fills", func(c *Cycle, d store.Document, key string) error {
		raw := d.String(key)
		c.partFills = make(map[string]PartFill)
		if raw == "" {
			return nil
		}
		var enc map[string][2]string
		if err := json.Unmarshal([]byte(raw), &enc); err != nil {
			return err
		}
		for id, pair := range enc {
			first, err := decimal.NewFromString(pair[0])
			if err != nil {
				return fmt.Errorf("part fill %s: %w", id, err)
			}
			second, err := decimal.NewFromString(pair[1])
			if err != nil {
				return fmt.Errorf("part fill %s: %w", id, err)
			}
			c.partFills[id] = PartFill{First: first, Second: second}
		}
		return nil
	}},
}

// Restore rehydrates the cycle from a snapshot document. Any malformed field
// fails the whole restore; a half-restored cycle must never trade.
func (c *Cycle) Restore(doc store.Document) error {
	v, err := doc.Int("version")
	if err != nil {
		return err
	}
	if v != snapshotVersion {
		return fmt.Errorf("snapshot version %d, expected %d", v, snapshotVersion)
	}
	if pair := doc.String("pair"); pair != "" && pair != c.params.Pair {
		return fmt.Errorf("snapshot is for pair %s, running %s", pair, c.params.Pair)
	}
	for _, field := range snapshotSchema {
		if err := field.decode(c, doc, field.key); err != nil {
			return fmt.Errorf("snapshot field %s: %w", field.key, err)
		}
	}
	return nil
}

func decodeDec(set func(*Cycle, decimal.Decimal)) func(*Cycle, store.Document, string) error {
	return func(c *Cycle, d store.Document, key string) error {
		v, err := d.Decimal(key)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func decodeBool(set func(*Cycle, bool)) func(*Cycle, store.Document, string) error {
	return func(c *Cycle, d store.Document, key string) error {
		v, err := d.Bool(key)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func decodeInt(set func(*Cycle, int)) func(*Cycle, store.Document, string) error {
	return func(c *Cycle, d store.Document, key string) error {
		v, err := d.Int(key)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func decodeLedger(pick func(*Cycle) *grid.Ledger) func(*Cycle, store.Document, string) error {
	return func(c *Cycle, d store.Document, key string) error {
		raw := d.String(key)
		if raw == "" {
			return nil
		}
		var list []grid.SnapshotEntry
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return err
		}
		return pick(c).Restore(list)
	}
}

func encodeLedger(doc store.Document, key string, l *grid.Ledger) {
	data, err := json.Marshal(l.Snapshot())
	if err != nil {
		doc[key] = "[]"
		return
	}
	doc[key] = string(data)
}

func encodePartFills(doc store.Document, parts map[string]PartFill) {
	enc := make(map[string][2]string, len(parts))
	for id, p := range parts {
		enc[id] = [2]string{p.First.String(), p.Second.String()}
	}
	data, err := json.Marshal(enc)
	if err != nil {
		doc["part_fills"] = "{}"
		return
	}
	doc["part_fills"] = string(data)
}

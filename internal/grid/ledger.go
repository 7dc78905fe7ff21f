package grid

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/core"
)

// Entry is one live grid order as tracked by the ledger.
type Entry struct {
	ID     string
	Buy    bool
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Ledger tracks the grid orders currently resting on the book. It is a small
// bounded list with single-threaded access from the strategy loop, so plain
// slice scans are fine.
type Ledger struct {
	entries []Entry
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Append adds an entry. A replayed id is ignored so the ledger never holds
// the same order twice.
func (l *Ledger) Append(id string, buy bool, amount, price decimal.Decimal) {
	if l.Exists(id) {
		return
	}
	l.entries = append(l.entries, Entry{ID: id, Buy: buy, Amount: amount, Price: price})
}

// Remove drops the order with the given id. Returns false when unknown.
func (l *Ledger) Remove(id string) bool {
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Ledger) Exists(id string) bool {
	_, ok := l.Get(id)
	return ok
}

func (l *Ledger) Get(id string) (Entry, bool) {
	for _, e := range l.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (l *Ledger) Len() int { return len(l.entries) }

func (l *Ledger) Empty() bool { return len(l.entries) == 0 }

// First returns the entry closest to the market after a Sort call.
func (l *Ledger) First() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[0], true
}

func (l *Ledger) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Sort orders the ledger from nearest to farthest rung: descending price for
// a buy grid, ascending for a sell grid.
func (l *Ledger) Sort(cycleBuy bool) {
	sort.SliceStable(l.entries, func(i, j int) bool {
		if cycleBuy {
			return l.entries[i].Price.Cmp(l.entries[j].Price) > 0
		}
		return l.entries[i].Price.Cmp(l.entries[j].Price) < 0
	})
}

// SumAmount totals the ledger in deposit units: quote notional for a buy
// grid, base quantity for a sell grid.
func (l *Ledger) SumAmount(cycleBuy bool) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range l.entries {
		if cycleBuy {
			sum = sum.Add(e.Amount.Mul(e.Price))
		} else {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// IDs returns the tracked order ids in current ledger order.
func (l *Ledger) IDs() []string {
	ids := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// Entries returns a copy of the tracked entries.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// SnapshotEntry is the persisted form of one ledger entry. Amounts travel as
// strings so no precision is lost across a restart.
type SnapshotEntry struct {
	ID     string `json:"id"`
	Buy    bool   `json:"buy"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

func (l *Ledger) Snapshot() []SnapshotEntry {
	out := make([]SnapshotEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, SnapshotEntry{ID: e.ID, Buy: e.Buy, Amount: e.Amount.String(), Price: e.Price.String()})
	}
	return out
}

// Restore rehydrates the ledger from a persisted snapshot, replacing any
// current contents.
func (l *Ledger) Restore(list []SnapshotEntry) error {
	entries := make([]Entry, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("restore ledger entry %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		amount, err := decimal.NewFromString(s.Amount)
		if err != nil {
			return fmt.Errorf("restore ledger entry %s: amount: %w", s.ID, err)
		}
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return fmt.Errorf("restore ledger entry %s: price: %w", s.ID, err)
		}
		entries = append(entries, Entry{ID: s.ID, Buy: s.Buy, Amount: amount, Price: price})
	}
	l.entries = entries
	return nil
}

// Orders converts a ladder into exchange order requests for the cycle side.
func (lad Ladder) Orders(symbol string, cycleBuy bool) []core.Order {
	side := core.Sell
	if cycleBuy {
		side = core.Buy
	}
	out := make([]core.Order, 0, len(lad.Rungs))
	for _, r := range lad.Rungs {
		out = append(out, core.Order{
			Symbol: symbol,
			Side:   side,
			Type:   core.Limit,
			Price:  r.Price,
			Qty:    r.Amount,
		})
	}
	return out
}

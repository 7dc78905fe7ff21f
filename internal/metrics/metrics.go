// Package metrics records completed cycles into a local SQLite database for
// offline analysis. Recording is best effort: a broken database never stops
// the trading loop.
package metrics

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	pair TEXT NOT NULL,
	cycle_count INTEGER NOT NULL,
	buy INTEGER NOT NULL,
	deposit TEXT NOT NULL,
	first_amount TEXT NOT NULL,
	second_amount TEXT NOT NULL,
	profit_first TEXT NOT NULL,
	profit_second TEXT NOT NULL,
	grid_orders INTEGER NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_pair_time ON cycles(pair, finished_at);
`

// CycleRecord is one finished cycle. Amounts are stored as strings to keep
// decimal precision intact through SQLite.
type CycleRecord struct {
	InstanceID   string
	Pair         string
	CycleCount   int64
	Buy          bool
	Deposit      decimal.Decimal
	FirstAmount  decimal.Decimal
	SecondAmount decimal.Decimal
	ProfitFirst  decimal.Decimal
	ProfitSecond decimal.Decimal
	GridOrders   int
	StartedAt    time.Time
	FinishedAt   time.Time
}

type Recorder struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates or opens the cycles database. A nil Recorder is a valid
// no-op sink, so callers can wire it unconditionally.
func Open(path string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db, log: log}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// RecordCycle inserts one cycle row. Errors are logged and swallowed.
func (r *Recorder) RecordCycle(rec CycleRecord) {
	if r == nil {
		return
	}
	_, err := r.db.Exec(`INSERT INTO cycles
		(instance_id, pair, cycle_count, buy, deposit, first_amount, second_amount,
		 profit_first, profit_second, grid_orders, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.Pair, rec.CycleCount, rec.Buy,
		rec.Deposit.String(), rec.FirstAmount.String(), rec.SecondAmount.String(),
		rec.ProfitFirst.String(), rec.ProfitSecond.String(), rec.GridOrders,
		rec.StartedAt, rec.FinishedAt)
	if err != nil {
		r.log.Warn("cycle metrics insert failed",
			zap.String("pair", rec.Pair),
			zap.Int64("cycle_count", rec.CycleCount),
			zap.Error(err))
	}
}

// CycleCount reports how many cycles are recorded for a pair, mainly for
// tests and the status command.
func (r *Recorder) CycleCount(pair string) (int64, error) {
	if r == nil {
		return 0, nil
	}
	var n int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM cycles WHERE pair = ?`, pair).Scan(&n)
	return n, err
}

// Package strategy implements the cycle state machine: grid placement, fill
// accounting, take-profit management, reverse cycles and the restart
// reconciliation that runs before live events are dispatched.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/alert"
	"martingale-grid/internal/core"
	"martingale-grid/internal/grid"
	"martingale-grid/internal/metrics"
	"martingale-grid/internal/store"
)

var (
	ErrStopped       = errors.New("strategy stopped")
	ErrNegativeCycle = errors.New("cycle closed with negative result")
)

// Gateway is the slice of the exchange surface the state machine calls.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	OpenOrders(ctx context.Context, pair string) ([]core.Order, error)
	MyTrades(ctx context.Context, pair string, limit int) ([]core.Trade, error)
	Balances(ctx context.Context) (core.Balance, error)
	Ticker(ctx context.Context, pair string) (core.Ticker, error)
	Klines(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error)
}

type Saver interface {
	SaveSnapshot(doc store.Document) error
}

type State string

const (
	StateIdle       State = "idle"
	StateGridActive State = "grid_active"
	StateCancelGrid State = "cancel_grid"
	StateTakeProfit State = "take_profit"
	StateStopped    State = "stopped"
)

// Command is operator control state, consulted at cycle boundaries only.
type Command string

const (
	CommandNone    Command = ""
	CommandStop    Command = "stop"
	CommandEnd     Command = "end"
	CommandRestart Command = "restart"
	CommandStopped Command = "stopped"
)

type BollingerParams struct {
	Interval  string
	Candles   int
	Deviation float64
}

type ADXParams struct {
	Interval          string
	Candles           int
	Period            int
	Threshold         float64
	PriceThresholdPct decimal.Decimal
}

// Params is the immutable strategy configuration. The state machine never
// mutates it; adaptive recalculation happens on the Cycle's effective copies.
type Params struct {
	Pair       string
	InstanceID string

	StartOnBuy    bool
	DepositFirst  decimal.Decimal
	DepositSecond decimal.Decimal

	OrderQ      int
	Martin      decimal.Decimal
	OverPrice   decimal.Decimal
	LinearGridK decimal.Decimal
	MaxCount    int

	ProfitPct    decimal.Decimal
	ProfitMaxPct decimal.Decimal
	Fee          core.FeeConfig

	// ReverseEnabled nil leaves the decision to the trend check.
	ReverseEnabled      *bool
	ReverseThresholdPct decimal.Decimal

	CollectAssets bool
	GridOnly      bool

	// UpdateInterval rate-limits unfilled-grid drift checks on ticker
	// events. Zero disables grid updates.
	UpdateInterval time.Duration

	// PlaceTimeout and CancelTimeout bound each individual order request;
	// zero leaves the bound to the transport.
	PlaceTimeout  time.Duration
	CancelTimeout time.Duration

	Bollinger BollingerParams
	ADX       ADXParams
}

// PartFill is the fee-adjusted amount of one order already folded into the
// cycle sums, so a later full fill only contributes the remainder.
type PartFill struct {
	First  decimal.Decimal
	Second decimal.Decimal
}

// TPOrder is the active or pending take-profit order.
type TPOrder struct {
	Buy    bool
	Amount decimal.Decimal
	Price  decimal.Decimal
}

func (t TPOrder) IsZero() bool {
	return t.Amount.Cmp(decimal.Zero) == 0 && t.Price.Cmp(decimal.Zero) == 0
}

// continuation names what the atomic grid cancel proceeds to once the grid
// ledger is empty.
type continuation string

const (
	contNone         continuation = ""
	contRestart      continuation = "restart"
	contPlaceTP      continuation = "place_tp"
	contStartReverse continuation = "start_reverse"
	contGridUpdate   continuation = "grid_update"
	contStop         continuation = "stop"
)

// Cycle is the aggregate state of one (exchange, pair) strategy instance.
// All methods run on the engine's single event goroutine; no locking.
type Cycle struct {
	params Params
	rules  core.Rules
	gw     Gateway
	log    *zap.Logger

	alerter  alert.Alerter
	saver    Saver
	recorder *metrics.Recorder

	state    State
	cycleBuy bool

	reverse       bool
	reverseHold   bool
	reverseTarget decimal.Decimal
	reverseInit   decimal.Decimal
	reverseBasis  decimal.Decimal

	ordersGrid *grid.Ledger
	ordersInit *grid.Ledger
	ordersHold *grid.Ledger
	ordersSave *grid.Ledger

	sumFirst  decimal.Decimal
	sumSecond decimal.Decimal
	partFills map[string]PartFill

	tpOrderID    string
	tp           TPOrder
	tpPending    bool
	tpPartFirst  decimal.Decimal
	tpPartSecond decimal.Decimal

	correctionFirst  decimal.Decimal
	correctionSecond decimal.Decimal

	initialFirst  decimal.Decimal
	initialSecond decimal.Decimal
	profitFirst   decimal.Decimal
	profitSecond  decimal.Decimal

	overPrice decimal.Decimal
	orderQ    int
	martin    decimal.Decimal

	basePrice    decimal.Decimal
	gridEndPrice decimal.Decimal

	command        Command
	cycleCount     int
	cycleStartedAt time.Time
	gridFillCount  int
	lastGridUpdate time.Time

	afterCancel  continuation
	placeRetried map[string]struct{}
}

func NewCycle(p Params, rules core.Rules, gw Gateway, log *zap.Logger) *Cycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cycle{
		params:       p,
		rules:        rules,
		gw:           gw,
		log:          log,
		state:        StateIdle,
		cycleBuy:     p.StartOnBuy,
		ordersGrid:   grid.NewLedger(),
		ordersInit:   grid.NewLedger(),
		ordersHold:   grid.NewLedger(),
		ordersSave:   grid.NewLedger(),
		partFills:    make(map[string]PartFill),
		placeRetried: make(map[string]struct{}),
		overPrice:    p.OverPrice,
		orderQ:       p.OrderQ,
		martin:       p.Martin,
	}
}

func (c *Cycle) SetAlerter(a alert.Alerter)      { c.alerter = a }
func (c *Cycle) SetSaver(s Saver)                { c.saver = s }
func (c *Cycle) SetRecorder(r *metrics.Recorder) { c.recorder = r }

func (c *Cycle) State() State     { return c.state }
func (c *Cycle) CycleBuy() bool   { return c.cycleBuy }
func (c *Cycle) CycleCount() int  { return c.cycleCount }
func (c *Cycle) Command() Command { return c.command }
func (c *Cycle) Reverse() bool    { return c.reverse }
func (c *Cycle) Stopped() bool    { return c.state == StateStopped }

// SumAmounts reports the fee-adjusted cumulative traded amounts of the
// current cycle.
func (c *Cycle) SumAmounts() (first, second decimal.Decimal) {
	return c.sumFirst, c.sumSecond
}

// Profit reports the cumulative realized profit per currency.
func (c *Cycle) Profit() (first, second decimal.Decimal) {
	return c.profitFirst, c.profitSecond
}

// Init validates parameter invariants and performs a dry-run grid sizing so
// an underfunded configuration fails before any order is placed.
func (c *Cycle) Init(ctx context.Context) error {
	p := c.params
	if p.OrderQ < 1 {
		return errors.New("order_q must be >= 1")
	}
	if p.OrderQ > 1 && p.Martin.Cmp(decimal.NewFromInt(1)) <= 0 {
		return errors.New("martin must be > 1")
	}
	if p.CollectAssets && p.GridOnly {
		return errors.New("collect_assets and grid_only are mutually exclusive")
	}
	if p.ProfitMaxPct.Cmp(decimal.Zero) > 0 {
		feeComp := p.Fee.MakerPct.Mul(decimal.NewFromInt(2))
		if p.ProfitMaxPct.Cmp(p.ProfitPct.Add(feeComp)) < 0 {
			return errors.New("profit_max must cover profit plus round-trip fees")
		}
	}
	deposit := p.DepositSecond
	if !p.StartOnBuy {
		deposit = p.DepositFirst
	}
	if deposit.Cmp(decimal.Zero) <= 0 {
		return errors.New("starting-side deposit must be > 0")
	}

	ticker, err := c.gw.Ticker(ctx, p.Pair)
	if err != nil {
		return err
	}
	if _, err := grid.Calc(c.ladderParams(p.StartOnBuy, deposit, ticker.LastPrice)); err != nil {
		return err
	}

	bal, err := c.gw.Balances(ctx)
	if err != nil {
		return err
	}
	c.initialFirst = bal.Base
	c.initialSecond = bal.Quote
	return nil
}

func (c *Cycle) ladderParams(buy bool, deposit, basePrice decimal.Decimal) grid.Params {
	return grid.Params{
		Buy:         buy,
		Deposit:     deposit,
		BasePrice:   basePrice,
		OrderQ:      c.orderQ,
		Martin:      c.martin,
		OverPrice:   c.overPrice,
		LinearGridK: c.params.LinearGridK,
		Rules:       c.rules,
		Fee:         c.params.Fee,
	}
}

// cycleDeposit is the capital committed to the current cycle, corrections
// from rolled-back TP partial fills included.
func (c *Cycle) cycleDeposit() decimal.Decimal {
	if c.reverse {
		return c.reverseInit
	}
	if c.cycleBuy {
		return c.params.DepositSecond.Add(c.correctionSecond)
	}
	return c.params.DepositFirst.Add(c.correctionFirst)
}

func (c *Cycle) newClientID() string {
	return c.params.InstanceID + "-" + uuid.NewString()[:18]
}

// gridDrained reports whether the grid side of the cycle has fully
// transacted: nothing resting, nothing queued, nothing awaiting confirmation.
func (c *Cycle) gridDrained() bool {
	return c.ordersGrid.Empty() && c.ordersHold.Empty() && c.ordersInit.Empty()
}

func (c *Cycle) alertImportant(event string, fields map[string]string) {
	if c.alerter == nil {
		return
	}
	c.alerter.Important(event, fields)
}

func (c *Cycle) persist() error {
	if c.saver == nil {
		return nil
	}
	if err := c.saver.SaveSnapshot(c.Snapshot()); err != nil {
		c.log.Error("snapshot persist failed", zap.Error(err))
		c.alertImportant("state_persist_failed", map[string]string{"err": err.Error()})
		return err
	}
	return nil
}

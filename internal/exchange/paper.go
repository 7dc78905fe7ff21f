package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/core"
)

// Paper is an in-process spot exchange with real balance accounting. It
// implements both Gateway and Streamer; Tick drives price movement, fills
// resting orders and pushes the same event kinds a live stream would.
type Paper struct {
	mu sync.Mutex

	pair      string
	rules     core.Rules
	feePct    decimal.Decimal
	lastPrice decimal.Decimal

	baseFree    decimal.Decimal
	baseLocked  decimal.Decimal
	quoteFree   decimal.Decimal
	quoteLocked decimal.Decimal

	nextOrderID int64
	nextTradeID int64
	open        map[string]core.Order
	trades      []core.Trade
	candles     []core.Candle

	out chan StreamEvent
}

type PaperConfig struct {
	Pair       string
	Rules      core.Rules
	FeePct     decimal.Decimal
	BaseFunds  decimal.Decimal
	QuoteFunds decimal.Decimal
	StartPrice decimal.Decimal
}

func NewPaper(cfg PaperConfig) *Paper {
	return &Paper{
		pair:      cfg.Pair,
		rules:     cfg.Rules,
		feePct:    cfg.FeePct,
		lastPrice: cfg.StartPrice,
		baseFree:  cfg.BaseFunds,
		quoteFree: cfg.QuoteFunds,
		open:      make(map[string]core.Order),
		out:       make(chan StreamEvent, 256),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Close() error { return nil }

func (p *Paper) Rules(ctx context.Context, pair string) (core.Rules, error) {
	return p.rules, nil
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 || order.Price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, core.ErrInvalidOrder
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.open {
		if order.ClientID != "" && existing.ClientID == order.ClientID {
			return core.Order{}, core.ErrDuplicateOrder
		}
	}
	notional := order.Qty.Mul(order.Price)
	switch order.Side {
	case core.Buy:
		if p.quoteFree.Cmp(notional) < 0 {
			return core.Order{}, core.ErrInsufficientBalance
		}
		p.quoteFree = p.quoteFree.Sub(notional)
		p.quoteLocked = p.quoteLocked.Add(notional)
	case core.Sell:
		if p.baseFree.Cmp(order.Qty) < 0 {
			return core.Order{}, core.ErrInsufficientBalance
		}
		p.baseFree = p.baseFree.Sub(order.Qty)
		p.baseLocked = p.baseLocked.Add(order.Qty)
	default:
		return core.Order{}, core.ErrInvalidOrder
	}

	p.nextOrderID++
	order.ID = strconv.FormatInt(p.nextOrderID, 10)
	order.Type = core.Limit
	order.Status = core.OrderNew
	order.CreatedAt = time.Now()
	p.open[order.ID] = order
	return order, nil
}

func (p *Paper) CancelOrder(ctx context.Context, pair, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.open[orderID]
	if !ok {
		return core.ErrOrderNotFound
	}
	delete(p.open, orderID)
	p.unlock(order)
	order.Status = core.OrderCanceled
	p.emitOrderLocked(order, decimal.Zero, decimal.Zero)
	return nil
}

func (p *Paper) OpenOrders(ctx context.Context, pair string) ([]core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]core.Order, 0, len(p.open))
	for _, o := range p.open {
		orders = append(orders, o)
	}
	return orders, nil
}

func (p *Paper) MyTrades(ctx context.Context, pair string, limit int) ([]core.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	trades := p.trades
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	out := make([]core.Trade, len(trades))
	copy(out, trades)
	return out, nil
}

func (p *Paper) Balances(ctx context.Context) (core.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.Balance{
		Base:        p.baseFree.Add(p.baseLocked),
		Quote:       p.quoteFree.Add(p.quoteLocked),
		BaseFree:    p.baseFree,
		BaseLocked:  p.baseLocked,
		QuoteFree:   p.quoteFree,
		QuoteLocked: p.quoteLocked,
	}, nil
}

func (p *Paper) Ticker(ctx context.Context, pair string) (core.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPrice.Cmp(decimal.Zero) <= 0 {
		return core.Ticker{}, fmt.Errorf("paper: no price yet")
	}
	return core.Ticker{Symbol: p.pair, LastPrice: p.lastPrice, Time: time.Now()}, nil
}

func (p *Paper) Klines(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.candles
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *Paper) Subscribe(ctx context.Context, pair string) (<-chan StreamEvent, error) {
	return p.out, nil
}

// Tick moves the market to price, fills any resting order the move crossed
// and emits the resulting stream events. Fills are all-or-nothing at the
// order's limit price.
func (p *Paper) Tick(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrice = price
	p.candles = append(p.candles, core.Candle{
		OpenTime: time.Now(),
		Open:     price, High: price, Low: price, Close: price,
	})
	if len(p.candles) > 1000 {
		p.candles = p.candles[len(p.candles)-1000:]
	}

	for id, order := range p.open {
		if !crossed(order, price) {
			continue
		}
		delete(p.open, id)
		p.fillLocked(order)
	}
	p.emitLocked(StreamEvent{Type: EventTicker, Ticker: &core.Ticker{
		Symbol: p.pair, LastPrice: price, Time: time.Now(),
	}})
}

func crossed(order core.Order, price decimal.Decimal) bool {
	if order.Side == core.Buy {
		return price.Cmp(order.Price) <= 0
	}
	return price.Cmp(order.Price) >= 0
}

func (p *Paper) fillLocked(order core.Order) {
	notional := order.Qty.Mul(order.Price)
	feeRate := p.feePct.Div(decimal.NewFromInt(100))
	var fee decimal.Decimal
	var feeAsset string
	// Fee is charged in the received asset, as spot venues do.
	if order.Side == core.Buy {
		p.quoteLocked = p.quoteLocked.Sub(notional)
		fee = order.Qty.Mul(feeRate)
		feeAsset = p.rules.BaseAsset
		p.baseFree = p.baseFree.Add(order.Qty.Sub(fee))
	} else {
		p.baseLocked = p.baseLocked.Sub(order.Qty)
		fee = notional.Mul(feeRate)
		feeAsset = p.rules.QuoteAsset
		p.quoteFree = p.quoteFree.Add(notional.Sub(fee))
	}

	p.nextTradeID++
	tradeID := strconv.FormatInt(p.nextTradeID, 10)
	p.trades = append(p.trades, core.Trade{
		OrderID:  order.ID,
		TradeID:  tradeID,
		ClientID: order.ClientID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Price:    order.Price,
		Qty:      order.Qty,
		QuoteQty: notional,
		Fee:      fee,
		FeeAsset: feeAsset,
		IsMaker:  true,
		Status:   core.OrderFilled,
		Time:     time.Now(),
	})

	order.Status = core.OrderFilled
	p.emitOrderLocked(order, order.Qty, notional)
	p.emitLocked(StreamEvent{Type: EventFunds, Funds: []core.FundsEntry{
		{Asset: p.rules.BaseAsset, Free: p.baseFree, Locked: p.baseLocked, Time: time.Now()},
		{Asset: p.rules.QuoteAsset, Free: p.quoteFree, Locked: p.quoteLocked, Time: time.Now()},
	}})
}

func (p *Paper) unlock(order core.Order) {
	if order.Side == core.Buy {
		notional := order.Qty.Mul(order.Price)
		p.quoteLocked = p.quoteLocked.Sub(notional)
		p.quoteFree = p.quoteFree.Add(notional)
	} else {
		p.baseLocked = p.baseLocked.Sub(order.Qty)
		p.baseFree = p.baseFree.Add(order.Qty)
	}
}

func (p *Paper) emitOrderLocked(order core.Order, lastQty, lastQuote decimal.Decimal) {
	cumQty := decimal.Zero
	cumQuote := decimal.Zero
	if order.Status == core.OrderFilled {
		cumQty = order.Qty
		cumQuote = order.Qty.Mul(order.Price)
	}
	var tradeID string
	if order.Status == core.OrderFilled && len(p.trades) > 0 {
		tradeID = p.trades[len(p.trades)-1].TradeID
	}
	p.emitLocked(StreamEvent{Type: EventOrderUpdate, Order: &OrderUpdate{
		OrderID:   order.ID,
		ClientID:  order.ClientID,
		Pair:      order.Symbol,
		Side:      order.Side,
		Status:    order.Status,
		Price:     order.Price,
		OrderQty:  order.Qty,
		LastQty:   lastQty,
		LastQuote: lastQuote,
		CumQty:    cumQty,
		CumQuote:  cumQuote,
		TradeID:   tradeID,
		IsMaker:   true,
		Time:      time.Now(),
	}})
}

func (p *Paper) emitLocked(ev StreamEvent) {
	select {
	case p.out <- ev:
	default:
	}
}

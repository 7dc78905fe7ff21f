// Package exchange defines the gateway seam between the strategy and a spot
// exchange. The strategy only ever sees this interface; the Binance client
// and the paper simulator both sit behind it.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/core"
)

type Gateway interface {
	Name() string
	Rules(ctx context.Context, pair string) (core.Rules, error)
	PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	OpenOrders(ctx context.Context, pair string) ([]core.Order, error)
	// MyTrades returns recent private executions, newest last.
	MyTrades(ctx context.Context, pair string, limit int) ([]core.Trade, error)
	Balances(ctx context.Context) (core.Balance, error)
	Ticker(ctx context.Context, pair string) (core.Ticker, error)
	Klines(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error)
	Close() error
}

// Streamer is the push side of a gateway: order/funds updates from the user
// data stream plus a best-price ticker feed.
type Streamer interface {
	// Subscribe delivers events until ctx is canceled or the connection
	// drops, at which point a terminal EventError is emitted and the
	// channel is closed. The caller reconnects by subscribing again.
	Subscribe(ctx context.Context, pair string) (<-chan StreamEvent, error)
}

type EventType int

const (
	EventOrderUpdate EventType = iota
	EventFunds
	EventTicker
	EventError
)

// OrderUpdate is one execution report. Cumulative amounts let the consumer
// distinguish a partial fill from a final one without local arithmetic.
type OrderUpdate struct {
	OrderID   string
	ClientID  string
	Pair      string
	Side      core.Side
	Status    core.OrderStatus
	Price     decimal.Decimal
	OrderQty  decimal.Decimal
	LastQty   decimal.Decimal
	LastQuote decimal.Decimal
	CumQty    decimal.Decimal
	CumQuote  decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	TradeID   string
	IsMaker   bool
	Time      time.Time
}

type StreamEvent struct {
	Type   EventType
	Order  *OrderUpdate
	Funds  []core.FundsEntry
	Ticker *core.Ticker
	Err    error
}

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// ChangeStatus classifies what happened to a tracked order between two
// observations of the exchange (live update, or persisted-vs-live during
// restart reconciliation).
type ChangeStatus string

const (
	ChangeNone            ChangeStatus = "NO_CHANGE"
	ChangeFilled          ChangeStatus = "FILLED"
	ChangePartiallyFilled ChangeStatus = "PARTIALLY_FILLED"
	ChangeCanceled        ChangeStatus = "CANCELED"
	ChangeAdapted         ChangeStatus = "ADAPTED"
	ChangeReappeared      ChangeStatus = "REAPPEARED"
	ChangeDisappeared     ChangeStatus = "DISAPPEARED"
	ChangeAdaptedFilled   ChangeStatus = "ADAPTED_AND_FILLED"
	ChangeOther           ChangeStatus = "OTHER_CHANGE"
)

// ClassifyChange compares a tracked order against its live counterpart.
// A nil live order means the exchange no longer lists it; a prev without an
// ID means the live order was not being tracked at all.
func ClassifyChange(prev Order, live *Order) ChangeStatus {
	if live == nil {
		return ChangeDisappeared
	}
	if prev.ID == "" {
		return ChangeReappeared
	}
	adapted := !prev.Price.Equal(live.Price) || !prev.Qty.Equal(live.Qty)
	switch live.Status {
	case OrderFilled:
		if adapted {
			return ChangeAdaptedFilled
		}
		return ChangeFilled
	case OrderPartiallyFilled:
		return ChangePartiallyFilled
	case OrderCanceled, OrderExpired, OrderRejected:
		return ChangeCanceled
	case OrderNew:
		if adapted {
			return ChangeAdapted
		}
		return ChangeNone
	}
	return ChangeOther
}

type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// Trade is one private execution reported by the exchange. Qty is in the
// base asset, QuoteQty in the quote asset; Fee is denominated in FeeAsset.
type Trade struct {
	OrderID  string
	TradeID  string
	ClientID string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	QuoteQty decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	IsMaker  bool
	Status   OrderStatus
	Time     time.Time
}

type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Time      time.Time
}

type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
}

func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// FundsEntry is a balance-delta push from the user data stream.
type FundsEntry struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Time   time.Time
}

type Balance struct {
	Base        decimal.Decimal
	Quote       decimal.Decimal
	BaseFree    decimal.Decimal
	BaseLocked  decimal.Decimal
	QuoteFree   decimal.Decimal
	QuoteLocked decimal.Decimal
}

// Rules is the trading-capability snapshot for one pair. Immutable after
// load; refreshed wholesale from exchange info, never patched in place.
type Rules struct {
	BaseAsset   string
	QuoteAsset  string
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	// Percent-price filter bounds relative to a reference price.
	PriceMultiplierUp   decimal.Decimal
	PriceMultiplierDown decimal.Decimal
	MakerFeePct         decimal.Decimal
	TakerFeePct         decimal.Decimal
}

// MinPrice derives the lowest admissible order price around ref per the
// exchange percent-price filter. Zero means no bound.
func (r Rules) MinPrice(ref decimal.Decimal) decimal.Decimal {
	if r.PriceMultiplierDown.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return ref.Mul(r.PriceMultiplierDown)
}

func (r Rules) MaxPrice(ref decimal.Decimal) decimal.Decimal {
	if r.PriceMultiplierUp.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return ref.Mul(r.PriceMultiplierUp)
}

package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"martingale-grid/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type orderAckResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
}

type orderStateResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
}

// toOrder keeps OrigQty as the order quantity; remaining quantity is derived
// by callers from trade history, matching how the rest of the bot accounts.
func (r orderStateResponse) toOrder() core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	ord := core.Order{
		ID:       strconv.FormatInt(r.OrderID, 10),
		ClientID: r.ClientOrderID,
		Symbol:   r.Symbol,
		Side:     core.Side(r.Side),
		Type:     core.OrderType(r.Type),
		Price:    price,
		Qty:      qty,
		Status:   core.OrderStatus(r.Status),
	}
	if r.Time > 0 {
		ord.CreatedAt = time.UnixMilli(r.Time)
	}
	return ord
}

type myTradeResponse struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

func (r myTradeResponse) toTrade() core.Trade {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.Qty)
	quoteQty, _ := decimal.NewFromString(r.QuoteQty)
	fee, _ := decimal.NewFromString(r.Commission)
	side := core.Sell
	if r.IsBuyer {
		side = core.Buy
	}
	return core.Trade{
		OrderID:  strconv.FormatInt(r.OrderID, 10),
		TradeID:  strconv.FormatInt(r.ID, 10),
		Symbol:   r.Symbol,
		Side:     side,
		Price:    price,
		Qty:      qty,
		QuoteQty: quoteQty,
		Fee:      fee,
		FeeAsset: r.CommissionAsset,
		IsMaker:  r.IsMaker,
		Time:     time.UnixMilli(r.Time),
	}
}

type accountBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountResponse struct {
	MakerCommission int64            `json:"makerCommission"`
	TakerCommission int64            `json:"takerCommission"`
	Balances        []accountBalance `json:"balances"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (r depthResponse) toOrderBook(pair string) (core.OrderBook, error) {
	book := core.OrderBook{Symbol: pair}
	var err error
	if book.Bids, err = parseBookSide(r.Bids); err != nil {
		return core.OrderBook{}, fmt.Errorf("depth bids: %w", err)
	}
	if book.Asks, err = parseBookSide(r.Asks); err != nil {
		return core.OrderBook{}, fmt.Errorf("depth asks: %w", err)
	}
	return book, nil
}

func parseBookSide(rows [][]string) ([]core.BookLevel, error) {
	levels := make([]core.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(row))
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, core.BookLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	StepSize   string `json:"stepSize"`
	MinPrice   string `json:"minPrice"`
	TickSize   string `json:"tickSize"`
	// MIN_NOTIONAL and NOTIONAL both appear in the wild.
	MinNotional    string `json:"minNotional"`
	MultiplierUp   string `json:"multiplierUp"`
	MultiplierDown string `json:"multiplierDown"`
}

type exchangeSymbol struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type symbolInfo struct {
	status string
	rules  core.Rules
}

// parseSymbolInfo flattens the exchange filter list into Rules. When both
// MIN_NOTIONAL and NOTIONAL are present the stricter minimum wins.
func parseSymbolInfo(sym exchangeSymbol) symbolInfo {
	rules := core.Rules{
		BaseAsset:  sym.BaseAsset,
		QuoteAsset: sym.QuoteAsset,
	}
	for _, f := range sym.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.MinQty = mustDec(f.MinQty)
			rules.MaxQty = mustDec(f.MaxQty)
			rules.QtyStep = mustDec(f.StepSize)
		case "PRICE_FILTER":
			rules.PriceTick = mustDec(f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			mn := mustDec(f.MinNotional)
			if mn.Cmp(rules.MinNotional) > 0 {
				rules.MinNotional = mn
			}
		case "PERCENT_PRICE_BY_SIDE", "PERCENT_PRICE":
			rules.PriceMultiplierUp = mustDec(f.MultiplierUp)
			rules.PriceMultiplierDown = mustDec(f.MultiplierDown)
		}
	}
	return symbolInfo{status: sym.Status, rules: rules}
}

func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseKline decodes one klines row. The array layout is positional:
// openTime, open, high, low, close, volume, closeTime, ...
func parseKline(row []json.RawMessage) (core.Candle, error) {
	if len(row) < 6 {
		return core.Candle{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return core.Candle{}, err
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return core.Candle{}, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return core.Candle{}, err
		}
		fields[i] = d
	}
	return core.Candle{
		OpenTime: time.UnixMilli(openTime),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}

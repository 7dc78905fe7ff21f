package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingale-grid/internal/core"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithOptions(Options{
		APIKey:            "key",
		APISecret:         "secret",
		RestBaseURL:       srv.URL,
		Pair:              "BTCUSDT",
		ClientOrderPrefix: "bot1",
	})
}

func TestParseSymbolInfoFilters(t *testing.T) {
	sym := exchangeSymbol{
		Symbol:     "BTCUSDT",
		Status:     "TRADING",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: []symbolFilter{
			{FilterType: "LOT_SIZE", MinQty: "0.0001", MaxQty: "9000", StepSize: "0.0001"},
			{FilterType: "PRICE_FILTER", MinPrice: "0.01", TickSize: "0.01"},
			{FilterType: "MIN_NOTIONAL", MinNotional: "5"},
			{FilterType: "NOTIONAL", MinNotional: "10"},
			{FilterType: "PERCENT_PRICE_BY_SIDE", MultiplierUp: "5", MultiplierDown: "0.2"},
		},
	}
	info := parseSymbolInfo(sym)
	require.Equal(t, "BTC", info.rules.BaseAsset)
	require.Equal(t, "USDT", info.rules.QuoteAsset)
	require.True(t, info.rules.QtyStep.Equal(decimal.RequireFromString("0.0001")))
	require.True(t, info.rules.PriceTick.Equal(decimal.RequireFromString("0.01")))
	// The stricter of MIN_NOTIONAL and NOTIONAL wins.
	require.True(t, info.rules.MinNotional.Equal(decimal.NewFromInt(10)))
	require.True(t, info.rules.PriceMultiplierDown.Equal(decimal.RequireFromString("0.2")))
}

func TestOwnsClientID(t *testing.T) {
	c := NewClientWithOptions(Options{ClientOrderPrefix: "Bot One!"})
	require.Equal(t, "botone", c.clientOrderPrefix)
	require.True(t, c.OwnsClientID("botone-abc123"))
	require.True(t, c.OwnsClientID("botone"))
	require.False(t, c.OwnsClientID("botone2-abc"))
	require.False(t, c.OwnsClientID("web_12345"))
	require.False(t, c.OwnsClientID(""))

	id := c.NewClientID()
	require.True(t, c.OwnsClientID(id))
	id2 := c.NewClientID()
	require.NotEqual(t, id, id2)
}

func TestPlaceLimitOrderSignsAndParses(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/order", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "BTCUSDT", r.Form.Get("symbol"))
		require.Equal(t, "BUY", r.Form.Get("side"))
		require.Equal(t, "GTC", r.Form.Get("timeInForce"))
		require.NotEmpty(t, r.Form.Get("timestamp"))
		require.NotEmpty(t, r.Form.Get("signature"))
		_ = json.NewEncoder(w).Encode(orderAckResponse{
			Symbol:        "BTCUSDT",
			OrderID:       12345,
			ClientOrderID: r.Form.Get("newClientOrderId"),
			TransactTime:  1700000000000,
			Status:        "NEW",
		})
	}))
	ord, err := c.PlaceLimitOrder(context.Background(), core.Order{
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Price:  decimal.RequireFromString("30000"),
		Qty:    decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	require.Equal(t, "12345", ord.ID)
	require.True(t, c.OwnsClientID(ord.ClientID))
	require.Equal(t, core.OrderNew, ord.Status)
}

func TestPlaceLimitOrderRejectsZeroQty(t *testing.T) {
	c := NewClientWithOptions(Options{})
	_, err := c.PlaceLimitOrder(context.Background(), core.Order{
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Price:  decimal.NewFromInt(100),
	})
	require.ErrorIs(t, err, core.ErrInvalidOrder)
}

func TestOpenOrdersFiltersForeignClientIDs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]orderStateResponse{
			{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "bot1-aaa", Price: "30000", OrigQty: "0.01", Status: "NEW", Side: "BUY", Type: "LIMIT"},
			{Symbol: "BTCUSDT", OrderID: 2, ClientOrderID: "web_555", Price: "31000", OrigQty: "0.02", Status: "NEW", Side: "BUY", Type: "LIMIT"},
			{Symbol: "BTCUSDT", OrderID: 3, ClientOrderID: "bot2-bbb", Price: "32000", OrigQty: "0.03", Status: "NEW", Side: "SELL", Type: "LIMIT"},
		})
	}))
	orders, err := c.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "1", orders[0].ID)
	require.Equal(t, core.Buy, orders[0].Side)
	require.True(t, orders[0].Price.Equal(decimal.NewFromInt(30000)))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code int
		msg  string
		want error
	}{
		{-2010, "Account has insufficient balance for requested action.", core.ErrInsufficientBalance},
		{-2010, "Duplicate order sent.", core.ErrDuplicateOrder},
		{-2010, "Filter failure: MIN_NOTIONAL", core.ErrFilterViolation},
		{-2010, "Market is closed.", core.ErrOrderRejected},
		{-2011, "Unknown order sent.", core.ErrOrderNotFound},
		{-2013, "Order does not exist.", core.ErrOrderNotFound},
		{-1013, "Filter failure: PRICE_FILTER", core.ErrFilterViolation},
	}
	for _, tt := range tests {
		err := wrapAPIError(tt.code, tt.msg)
		require.ErrorIs(t, err, tt.want, "code %d msg %q", tt.code, tt.msg)
		apiErr, ok := AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, tt.code, apiErr.Code)
	}

	err := wrapAPIError(-1021, "Timestamp for this request is outside of the recvWindow.")
	require.True(t, IsAPIErrorCode(err, -1021))
	require.False(t, errors.Is(err, core.ErrOrderRejected))
}

func TestCancelOrderMapsNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: -2011, Msg: "Unknown order sent."})
	}))
	err := c.CancelOrder(context.Background(), "BTCUSDT", "42")
	require.ErrorIs(t, err, core.ErrOrderNotFound)
}

func TestKlinesParsesPositionalRows(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "15m", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","101.5","99.5","100.5","12.3",1700000899999,"1234",10,"6.1","612","0"],
			[1700000900000,"100.5","102.0","100.0","101.0","8.8",1700001799999,"890",7,"4.0","404","0"]
		]`))
	}))
	candles, err := c.Klines(context.Background(), "BTCUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.True(t, candles[0].High.Equal(decimal.RequireFromString("101.5")))
	require.True(t, candles[1].Close.Equal(decimal.RequireFromString("101")))
	require.True(t, candles[1].OpenTime.After(candles[0].OpenTime))
}

func TestKlinesRangePassesWindow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "1m", q.Get("interval"))
		require.Equal(t, "1700000000000", q.Get("startTime"))
		require.Equal(t, "1700000119999", q.Get("endTime"))
		require.Equal(t, "1000", q.Get("limit"))
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","100.2","99.9","100.1","1.0",1700000059999,"100",3,"0.5","50","0"],
			[1700000060000,"100.1","100.3","100.0","100.2","2.0",1700000119999,"200",4,"1.0","100","0"]
		]`))
	}))
	candles, err := c.KlinesRange(context.Background(), "BTCUSDT", "1m", 1700000000000, 1700000119999, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.True(t, candles[0].OpenTime.Equal(time.UnixMilli(1700000000000)))
	require.True(t, candles[1].Close.Equal(decimal.RequireFromString("100.2")))
}

func TestDepthParsesBook(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"bids":[["64999.99","0.5"],["64999.00","1.2"]],"asks":[["65000.01","0.3"]]}`))
	}))

	book, err := c.Depth(context.Background(), "BTCUSDT", 5)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", book.Symbol)
	require.Len(t, book.Bids, 2)

	bid, ok := book.BestBid()
	require.True(t, ok)
	require.True(t, bid.Price.Equal(decimal.RequireFromString("64999.99")))
	ask, ok := book.BestAsk()
	require.True(t, ok)
	require.True(t, ask.Qty.Equal(decimal.RequireFromString("0.3")))
}

func TestRulesIncludesCommission(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			_ = json.NewEncoder(w).Encode(exchangeInfoResponse{Symbols: []exchangeSymbol{{
				Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT",
				Filters: []symbolFilter{
					{FilterType: "LOT_SIZE", MinQty: "0.0001", MaxQty: "9000", StepSize: "0.0001"},
					{FilterType: "PRICE_FILTER", TickSize: "0.01"},
					{FilterType: "NOTIONAL", MinNotional: "10"},
				},
			}}})
		case "/api/v3/account":
			_ = json.NewEncoder(w).Encode(accountResponse{MakerCommission: 10, TakerCommission: 10})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	rules, err := c.Rules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	// 10 bps of 1% units means 0.1 percent.
	require.True(t, rules.MakerFeePct.Equal(decimal.RequireFromString("0.1")))
	require.True(t, rules.MinNotional.Equal(decimal.NewFromInt(10)))
}

func TestExecutionReportToOrderUpdate(t *testing.T) {
	raw := []byte(`{"e":"executionReport","s":"BTCUSDT","c":"bot1-abc","S":"BUY","q":"0.010","p":"30000.00",
		"X":"PARTIALLY_FILLED","i":77,"l":"0.004","z":"0.004","L":"30000.00","n":"0.12","N":"USDT",
		"T":1700000001000,"t":555,"m":true,"Y":"120.0","Z":"120.0"}`)
	var report executionReport
	require.NoError(t, json.Unmarshal(raw, &report))
	upd := report.toOrderUpdate()
	require.Equal(t, "77", upd.OrderID)
	require.Equal(t, "bot1-abc", upd.ClientID)
	require.Equal(t, core.OrderPartiallyFilled, upd.Status)
	require.True(t, upd.LastQty.Equal(decimal.RequireFromString("0.004")))
	require.True(t, upd.CumQuote.Equal(decimal.RequireFromString("120")))
	require.Equal(t, "555", upd.TradeID)
	require.True(t, upd.IsMaker)
}

func TestExecutionReportCancelUsesOriginalClientID(t *testing.T) {
	report := executionReport{
		Symbol: "BTCUSDT", ClientOrderID: "cancel-req-1", OrigClientOrderID: "bot1-abc",
		Side: "BUY", Status: "CANCELED", OrderID: 77,
	}
	upd := report.toOrderUpdate()
	require.Equal(t, "bot1-abc", upd.ClientID)
	require.Equal(t, core.OrderCanceled, upd.Status)
}

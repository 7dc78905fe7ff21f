package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
)

const listenKeyRefreshInterval = 30 * time.Minute

// Stream merges the private user data stream and the public bookTicker
// stream into one event channel. One Subscribe call owns one connection
// pair; the engine reconnects by calling Subscribe again.
type Stream struct {
	client *Client
	log    *zap.Logger
	dialer *websocket.Dialer
}

func NewStream(client *Client, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		client: client,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

func (s *Stream) Subscribe(ctx context.Context, pair string) (<-chan exchange.StreamEvent, error) {
	listenKey, err := s.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	userConn, _, err := s.dialer.DialContext(ctx, s.client.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return nil, err
	}
	marketURL := s.client.wsBaseURL + "/ws/" + strings.ToLower(pair) + "@bookTicker"
	marketConn, _, err := s.dialer.DialContext(ctx, marketURL, nil)
	if err != nil {
		userConn.Close()
		return nil, err
	}

	out := make(chan exchange.StreamEvent, 64)
	subCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() {
			select {
			case out <- exchange.StreamEvent{Type: exchange.EventError, Err: err}:
			case <-time.After(5 * time.Second):
			}
			cancel()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readUserStream(subCtx, userConn, pair, out, fail)
	}()
	go func() {
		defer wg.Done()
		s.readMarketStream(subCtx, marketConn, out, fail)
	}()

	go func() {
		ticker := time.NewTicker(listenKeyRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				if err := s.keepAliveListenKey(subCtx, listenKey); err != nil {
					s.log.Warn("listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		<-subCtx.Done()
		userConn.Close()
		marketConn.Close()
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (s *Stream) createListenKey(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, AuthAPIKey)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (s *Stream) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := s.client.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, AuthAPIKey)
	return err
}

func (s *Stream) readUserStream(ctx context.Context, conn *websocket.Conn, pair string, out chan<- exchange.StreamEvent, fail func(error)) {
	s.readLoop(ctx, conn, fail, func(msg []byte) {
		var header struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(msg, &header); err != nil {
			s.log.Warn("user stream message unreadable", zap.Error(err))
			return
		}
		switch header.Event {
		case "executionReport":
			var report executionReport
			if err := json.Unmarshal(msg, &report); err != nil {
				s.log.Warn("executionReport unreadable", zap.Error(err))
				return
			}
			if report.Symbol != pair {
				return
			}
			upd := report.toOrderUpdate()
			s.emit(ctx, out, exchange.StreamEvent{Type: exchange.EventOrderUpdate, Order: &upd})
		case "outboundAccountPosition":
			var pos accountPosition
			if err := json.Unmarshal(msg, &pos); err != nil {
				s.log.Warn("account position unreadable", zap.Error(err))
				return
			}
			s.emit(ctx, out, exchange.StreamEvent{Type: exchange.EventFunds, Funds: pos.toFunds()})
		}
	})
}

func (s *Stream) readMarketStream(ctx context.Context, conn *websocket.Conn, out chan<- exchange.StreamEvent, fail func(error)) {
	s.readLoop(ctx, conn, fail, func(msg []byte) {
		var tick bookTickerEvent
		if err := json.Unmarshal(msg, &tick); err != nil {
			s.log.Warn("bookTicker unreadable", zap.Error(err))
			return
		}
		ticker, ok := tick.toTicker()
		if !ok {
			return
		}
		s.emit(ctx, out, exchange.StreamEvent{Type: exchange.EventTicker, Ticker: &ticker})
	})
}

// readLoop pumps one connection. Liveness rides on the read deadline: the
// server's pings reset it, and our own pings force traffic on quiet streams.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, fail func(error), handle func([]byte)) {
	readTimeout := 3 * s.client.keepalive
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.client.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				fail(err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		handle(msg)
	}
}

func (s *Stream) emit(ctx context.Context, out chan<- exchange.StreamEvent, ev exchange.StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

type executionReport struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderQty        string `json:"q"`
	Price           string `json:"p"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	CumQty          string `json:"z"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
	IsMaker         bool   `json:"m"`
	LastQuote       string `json:"Y"`
	CumQuote        string `json:"Z"`
	// On cancels the original client id arrives here instead of c.
	OrigClientOrderID string `json:"C"`
}

func (r executionReport) toOrderUpdate() exchange.OrderUpdate {
	clientID := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		clientID = r.OrigClientOrderID
	}
	upd := exchange.OrderUpdate{
		OrderID:   strconv.FormatInt(r.OrderID, 10),
		ClientID:  clientID,
		Pair:      r.Symbol,
		Side:      core.Side(r.Side),
		Status:    core.OrderStatus(r.Status),
		Price:     mustDec(r.Price),
		OrderQty:  mustDec(r.OrderQty),
		LastQty:   mustDec(r.LastQty),
		LastQuote: mustDec(r.LastQuote),
		CumQty:    mustDec(r.CumQty),
		CumQuote:  mustDec(r.CumQuote),
		Fee:       mustDec(r.Commission),
		FeeAsset:  r.CommissionAsset,
		IsMaker:   r.IsMaker,
		Time:      time.UnixMilli(r.TradeTime),
	}
	if r.TradeID > 0 {
		upd.TradeID = strconv.FormatInt(r.TradeID, 10)
	}
	return upd
}

type accountPosition struct {
	EventTime int64 `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (p accountPosition) toFunds() []core.FundsEntry {
	at := time.UnixMilli(p.EventTime)
	funds := make([]core.FundsEntry, 0, len(p.Balances))
	for _, b := range p.Balances {
		funds = append(funds, core.FundsEntry{
			Asset:  b.Asset,
			Free:   mustDec(b.Free),
			Locked: mustDec(b.Locked),
			Time:   at,
		})
	}
	return funds
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

func (e bookTickerEvent) toTicker() (core.Ticker, bool) {
	bid := mustDec(e.BidPrice)
	ask := mustDec(e.AskPrice)
	if bid.Cmp(decimal.Zero) <= 0 || ask.Cmp(decimal.Zero) <= 0 {
		return core.Ticker{}, false
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return core.Ticker{Symbol: e.Symbol, LastPrice: mid, Time: time.Now()}, true
}

// Package binance implements the exchange gateway against the Binance spot
// REST and websocket APIs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"martingale-grid/internal/config"
	"martingale-grid/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	pair              string
	clientOrderPrefix string
	keepalive         time.Duration

	recvWindow time.Duration
	httpClient *http.Client

	mu        sync.Mutex
	infoCache map[string]symbolInfo
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	Pair              string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
	KeepaliveSec      int64
}

func NewClient(cfg config.ExchangeConfig, pair, instanceID string) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	return NewClientWithOptions(Options{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		RestBaseURL:       cfg.RestBaseURL,
		WSBaseURL:         cfg.WSBaseURL,
		Pair:              pair,
		ClientOrderPrefix: instanceID,
		RecvWindowMs:      cfg.RecvWindowMs,
		HTTPTimeoutSec:    cfg.HTTPTimeoutSec,
		KeepaliveSec:      cfg.UserStreamKeepaliveSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	keepalive := 30 * time.Second
	if opts.KeepaliveSec > 0 {
		keepalive = time.Duration(opts.KeepaliveSec) * time.Second
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		pair:              opts.Pair,
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		keepalive:         keepalive,
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		infoCache:         make(map[string]symbolInfo),
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Close() error { return nil }

// NewClientID mints a client order id under this instance's prefix, so
// restart reconciliation can tell its own orders from foreign ones.
func (c *Client) NewClientID() string {
	return c.clientOrderPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	return clientID == c.clientOrderPrefix || strings.HasPrefix(clientID, c.clientOrderPrefix+"-")
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "mg"
	}
	if len(out) > 12 {
		out = out[:12]
	}
	return out
}

func (c *Client) Rules(ctx context.Context, pair string) (core.Rules, error) {
	info, err := c.getSymbolInfo(ctx, pair)
	if err != nil {
		return core.Rules{}, err
	}
	rules := info.rules
	// Commission rates live on the account endpoint, not exchangeInfo.
	maker, taker, err := c.commissionRates(ctx)
	if err != nil {
		return core.Rules{}, err
	}
	rules.MakerFeePct = maker
	rules.TakerFeePct = taker
	return rules, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 || order.Price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, core.ErrInvalidOrder
	}
	clientID := order.ClientID
	if clientID == "" {
		clientID = c.NewClientID()
	}
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", order.Qty.String())
	params.Set("price", order.Price.String())
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderAckResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	order.ID = strconv.FormatInt(resp.OrderID, 10)
	order.ClientID = resp.ClientOrderID
	order.Status = core.OrderStatus(resp.Status)
	if order.Status == "" {
		order.Status = core.OrderNew
	}
	if resp.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(resp.TransactTime)
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, pair, orderID string) error {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

func (c *Client) OpenOrders(ctx context.Context, pair string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		if !c.OwnsClientID(ord.ClientOrderID) {
			continue
		}
		orders = append(orders, ord.toOrder())
	}
	return orders, nil
}

// QueryOrder fetches one order's live state, needed when a place or cancel
// outcome is ambiguous after a transport error.
func (c *Client) QueryOrder(ctx context.Context, pair, orderID, clientID string) (core.Order, error) {
	if orderID == "" && clientID == "" {
		return core.Order{}, errors.New("orderID or clientID required")
	}
	params := url.Values{}
	params.Set("symbol", pair)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", clientID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *Client) MyTrades(ctx context.Context, pair string, limit int) ([]core.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []myTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	trades := make([]core.Trade, 0, len(resp))
	for _, t := range resp {
		trades = append(trades, t.toTrade())
	}
	return trades, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	info, err := c.getSymbolInfo(ctx, c.pair)
	if err != nil {
		return core.Balance{}, err
	}
	resp, err := c.account(ctx)
	if err != nil {
		return core.Balance{}, err
	}
	var bal core.Balance
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		switch b.Asset {
		case info.rules.BaseAsset:
			bal.BaseFree, bal.BaseLocked = free, locked
			bal.Base = free.Add(locked)
		case info.rules.QuoteAsset:
			bal.QuoteFree, bal.QuoteLocked = free, locked
			bal.Quote = free.Add(locked)
		}
	}
	return bal, nil
}

func (c *Client) Ticker(ctx context.Context, pair string) (core.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return core.Ticker{}, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Ticker{}, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return core.Ticker{}, err
	}
	return core.Ticker{Symbol: resp.Symbol, LastPrice: price, Time: time.Now()}, nil
}

// Depth fetches the top of the public order book. Levels come back best
// first, so BestBid/BestAsk read index zero.
func (c *Client) Depth(ctx context.Context, pair string, limit int) (core.OrderBook, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/depth", params, AuthNone)
	if err != nil {
		return core.OrderBook{}, err
	}
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderBook{}, err
	}
	return resp.toOrderBook(pair)
}

func (c *Client) Klines(ctx context.Context, pair, interval string, limit int) ([]core.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	return decodeKlines(body)
}

// KlinesRange fetches klines whose open time falls in [startMs, endMs],
// milliseconds, at most limit rows per call. Callers page by advancing
// startMs past the last returned candle.
func (c *Client) KlinesRange(ctx context.Context, pair, interval string, startMs, endMs int64, limit int) ([]core.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	return decodeKlines(body)
}

func decodeKlines(body []byte) ([]core.Candle, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *Client) account(ctx context.Context) (*accountResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) commissionRates(ctx context.Context) (maker, taker decimal.Decimal, err error) {
	resp, err := c.account(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	// Account rates come in basis points of 1 (e.g. 10 = 0.1%).
	bps := decimal.NewFromInt(100)
	maker = decimal.NewFromInt(resp.MakerCommission).Div(bps)
	taker = decimal.NewFromInt(resp.TakerCommission).Div(bps)
	return maker, taker, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, pair string) (symbolInfo, error) {
	if pair == "" {
		return symbolInfo{}, errors.New("pair is required")
	}
	c.mu.Lock()
	if info, ok := c.infoCache[pair]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", pair)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return symbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, errors.New("pair not found")
	}
	info := parseSymbolInfo(resp.Symbols[0])
	c.mu.Lock()
	c.infoCache[pair] = info
	c.mu.Unlock()
	return info, nil
}

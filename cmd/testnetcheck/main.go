// testnetcheck verifies exchange connectivity and order plumbing against the
// configured endpoints before a bot instance goes live. The default checks
// place one far-below-market order and cancel it again; the grid check is a
// pure preview and never trades.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/config"
	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/exchange/binance"
	"martingale-grid/internal/grid"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Pair       string        `json:"pair"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	lifecycle bool
	stream    bool
	reconnect bool
	gridcalc  bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 180, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for stream checks")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,lifecycle,stream,reconnect,gridcalc)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("testnetcheck requires mode=testnet or mode=live")
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}

	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := binance.NewClient(cfg.Exchange, cfg.Pair, cfg.InstanceID)
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()

	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		Pair:      cfg.Pair,
	}

	var (
		marketLoaded bool
		rules        core.Rules
		lastPrice    decimal.Decimal
		quoteFree    decimal.Decimal
		placedID     string
	)

	loadMarketContext := func() error {
		if marketLoaded {
			return nil
		}
		var err error
		rules, err = client.Rules(ctx, cfg.Pair)
		if err != nil {
			return err
		}
		tkr, err := client.Ticker(ctx, cfg.Pair)
		if err != nil {
			return err
		}
		lastPrice = tkr.LastPrice
		bal, err := client.Balances(ctx)
		if err != nil {
			return err
		}
		quoteFree = bal.Quote
		marketLoaded = true
		return nil
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	if checks.preflight {
		run("exchange_preflight", func() (string, error) {
			if err := loadMarketContext(); err != nil {
				return "", err
			}
			book, err := client.Depth(ctx, cfg.Pair, 5)
			if err != nil {
				return "", err
			}
			bid, bidOK := book.BestBid()
			ask, askOK := book.BestAsk()
			if !bidOK || !askOK {
				return "", errors.New("order book has an empty side")
			}
			return fmt.Sprintf("price=%s bid=%s ask=%s minQty=%s minNotional=%s quoteBalance=%s",
				lastPrice.String(), bid.Price.String(), ask.Price.String(),
				rules.MinQty.String(), rules.MinNotional.String(), quoteFree.String()), nil
		})
	}

	if checks.lifecycle {
		run("order_lifecycle_place_query_cancel", func() (string, error) {
			if err := loadMarketContext(); err != nil {
				return "", err
			}
			if lastPrice.Cmp(decimal.Zero) <= 0 {
				return "", errors.New("missing ticker price")
			}
			price := lastPrice.Mul(decimal.RequireFromString("0.5"))
			if rules.PriceTick.Cmp(decimal.Zero) > 0 {
				price = core.RoundDown(price, rules.PriceTick)
			}
			if price.Cmp(decimal.Zero) <= 0 {
				return "", errors.New("calculated order price <= 0")
			}
			qty, err := buildTinyLimitQty(cfg.Pair, rules, price)
			if err != nil {
				return "", err
			}
			notional := price.Mul(qty)
			if quoteFree.Cmp(notional) < 0 {
				return "", fmt.Errorf("insufficient quote for check order: need=%s have=%s", notional.String(), quoteFree.String())
			}

			placed, err := client.PlaceLimitOrder(ctx, core.Order{
				Symbol:   cfg.Pair,
				ClientID: client.NewClientID(),
				Side:     core.Buy,
				Type:     core.Limit,
				Price:    price,
				Qty:      qty,
			})
			if err != nil {
				return "", err
			}
			if placed.ID == "" {
				return "", errors.New("empty order id")
			}
			placedID = placed.ID

			query, err := client.QueryOrder(ctx, cfg.Pair, placed.ID, placed.ClientID)
			if err != nil {
				return "", err
			}

			open, err := client.OpenOrders(ctx, cfg.Pair)
			if err != nil {
				return "", err
			}
			foundInOpen := false
			for _, ord := range open {
				if ord.ID == placed.ID {
					foundInOpen = true
					break
				}
			}

			status := string(query.Status)
			switch query.Status {
			case core.OrderNew, core.OrderPartiallyFilled:
				if err := client.CancelOrder(ctx, cfg.Pair, placed.ID); err != nil {
					return "", fmt.Errorf("cancel order failed: %w", err)
				}
				time.Sleep(400 * time.Millisecond)
				if after, err := client.QueryOrder(ctx, cfg.Pair, placed.ID, placed.ClientID); err == nil {
					status = string(after.Status)
				}
			case core.OrderFilled:
				// Unexpected for a far-below-market order but acceptable for
				// a lifecycle check.
			}

			return fmt.Sprintf("id=%s clientId=%s qty=%s price=%s status=%s foundInOpen=%t",
				placed.ID, placed.ClientID, qty.String(), price.String(), status, foundInOpen), nil
		})
	}

	if checks.stream {
		run("stream_subscribe", func() (string, error) {
			cctx, ccancel := context.WithTimeout(ctx, time.Duration(streamWait)*time.Second)
			defer ccancel()

			stream := binance.NewStream(client, zap.NewNop())
			events, err := stream.Subscribe(cctx, cfg.Pair)
			if err != nil {
				return "", err
			}
			tickers := 0
			orders := 0
			for {
				select {
				case <-cctx.Done():
					if errors.Is(cctx.Err(), context.DeadlineExceeded) {
						return fmt.Sprintf("window=%ds tickers=%d order_updates=%d", streamWait, tickers, orders), nil
					}
					return "", cctx.Err()
				case ev, ok := <-events:
					if !ok {
						return "", errors.New("stream closed unexpectedly")
					}
					switch ev.Type {
					case exchange.EventTicker:
						tickers++
					case exchange.EventOrderUpdate:
						orders++
					case exchange.EventError:
						if ev.Err != nil {
							return "", ev.Err
						}
					}
				}
			}
		})
	}

	if checks.reconnect {
		run("stream_reconnect", func() (string, error) {
			okRounds := 0
			for i := 0; i < 2; i++ {
				roundCtx, roundCancel := context.WithTimeout(ctx, 5*time.Second)
				stream := binance.NewStream(client, zap.NewNop())
				events, err := stream.Subscribe(roundCtx, cfg.Pair)
				if err != nil {
					roundCancel()
					return "", fmt.Errorf("round %d subscribe failed: %w", i+1, err)
				}
				deadline := time.After(2 * time.Second)
			round:
				for {
					select {
					case ev, ok := <-events:
						if !ok {
							roundCancel()
							return "", fmt.Errorf("round %d stream closed unexpectedly", i+1)
						}
						if ev.Type == exchange.EventError && ev.Err != nil {
							roundCancel()
							return "", fmt.Errorf("round %d stream error: %w", i+1, ev.Err)
						}
					case <-deadline:
						okRounds++
						break round
					case <-ctx.Done():
						roundCancel()
						return "", ctx.Err()
					}
				}
				roundCancel()
				time.Sleep(300 * time.Millisecond)
			}
			return fmt.Sprintf("reconnect rounds passed=%d", okRounds), nil
		})
	}

	if checks.gridcalc {
		run("grid_ladder_preview", func() (string, error) {
			if err := loadMarketContext(); err != nil {
				return "", err
			}
			return runGridPreviewCheck(cfg, rules, lastPrice)
		})
	}

	// Cleanup: best-effort cancel if the lifecycle order is still resting.
	if placedID != "" {
		_ = client.CancelOrder(context.Background(), cfg.Pair, placedID)
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}

	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{
			preflight: true,
			lifecycle: true,
			stream:    true,
			reconnect: true,
		}, nil
	}
	if raw == "all" {
		return selectedChecks{
			preflight: true,
			lifecycle: true,
			stream:    true,
			reconnect: true,
			gridcalc:  true,
		}, nil
	}

	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "lifecycle", "order_lifecycle", "order_lifecycle_place_query_cancel":
			out.lifecycle = true
		case "stream", "stream_subscribe":
			out.stream = true
		case "reconnect", "stream_reconnect":
			out.reconnect = true
		case "gridcalc", "grid", "grid_ladder_preview":
			out.gridcalc = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.lifecycle && !out.stream && !out.reconnect && !out.gridcalc {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// runGridPreviewCheck computes the first-cycle ladder from the loaded config
// at the current price and validates every rung against the exchange filters.
// Nothing is placed.
func runGridPreviewCheck(cfg config.Config, rules core.Rules, anchor decimal.Decimal) (string, error) {
	if anchor.Cmp(decimal.Zero) <= 0 {
		return "", errors.New("invalid anchor price")
	}
	buy := *cfg.Cycle.StartOnBuy
	deposit := cfg.Cycle.DepositSecond.Decimal
	if !buy {
		deposit = cfg.Cycle.DepositFirst.Decimal
	}
	ladder, err := grid.Calc(grid.Params{
		Buy:         buy,
		Deposit:     deposit,
		BasePrice:   anchor,
		OrderQ:      cfg.Grid.OrderQ,
		Martin:      cfg.Grid.Martin.Decimal,
		OverPrice:   cfg.Grid.OverPrice.Decimal,
		LinearGridK: cfg.Grid.LinearGridK.Decimal,
		Rules:       rules,
		Fee: core.FeeConfig{
			MakerPct: cfg.Fees.MakerPct.Decimal,
			TakerPct: cfg.Fees.TakerPct.Decimal,
			InPair:   *cfg.Fees.InPair,
			InSecond: cfg.Fees.InSecond,
		},
	})
	if err != nil {
		return "", fmt.Errorf("ladder calc failed: %w", err)
	}
	for _, rung := range ladder.Rungs {
		if rules.MinQty.Cmp(decimal.Zero) > 0 && rung.Amount.Cmp(rules.MinQty) < 0 {
			return "", fmt.Errorf("rung %d qty %s below minQty %s", rung.Index, rung.Amount, rules.MinQty)
		}
		if rules.MinNotional.Cmp(decimal.Zero) > 0 && rung.Amount.Mul(rung.Price).Cmp(rules.MinNotional) < 0 {
			return "", fmt.Errorf("rung %d notional below minNotional %s", rung.Index, rules.MinNotional)
		}
	}
	last := ladder.Rungs[len(ladder.Rungs)-1]
	return fmt.Sprintf("anchor=%s rungs=%d far_price=%s total_first=%s total_second=%s",
		anchor.String(), len(ladder.Rungs), last.Price.String(),
		ladder.TotalFirst.String(), ladder.TotalSecond.String()), nil
}

// buildTinyLimitQty sizes the smallest order the exchange filters accept at
// the given price.
func buildTinyLimitQty(pair string, rules core.Rules, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("invalid price")
	}
	qty := rules.MinQty
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		minNotionalQty := rules.MinNotional.Div(price)
		if minNotionalQty.Cmp(qty) > 0 {
			qty = minNotionalQty
		}
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		qty = core.RoundUp(qty, rules.QtyStep)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("calculated qty <= 0")
	}
	norm, err := core.NormalizeOrder(core.Order{
		Symbol: pair,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  price,
		Qty:    qty,
	}, rules)
	if err != nil {
		return decimal.Zero, err
	}
	return norm.Qty, nil
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s pair=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		r.Pair,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}

package engine

import (
	"context"
	"errors"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/feed"
	"martingale-grid/internal/strategy"
)

// PaperRunner replays a recorded price feed through the paper exchange and
// drives the cycle from the resulting events. Dispatch order matches live:
// the fill that a tick produces reaches the strategy before the next tick.
type PaperRunner struct {
	Paper *exchange.Paper
	Feed  feed.Feed
	Cycle *strategy.Cycle
	Pair  string
	Log   *zap.Logger
}

type PaperResult struct {
	Ticks        int
	StartPrice   decimal.Decimal
	EndPrice     decimal.Decimal
	Cycles       int
	ProfitFirst  decimal.Decimal
	ProfitSecond decimal.Decimal
	Stopped      bool
	FinalBalance core.Balance
}

func (r *PaperRunner) Run(ctx context.Context) (PaperResult, error) {
	var result PaperResult
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	if r.Feed != nil {
		defer r.Feed.Close()
	}

	events, err := r.Paper.Subscribe(ctx, r.Pair)
	if err != nil {
		return result, err
	}
	if err := r.Cycle.Init(ctx); err != nil {
		return result, err
	}
	if err := r.Cycle.Start(ctx); err != nil {
		if errors.Is(err, strategy.ErrStopped) {
			result.Stopped = true
			return r.finish(ctx, result)
		}
		return result, err
	}

	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		tick, err := r.Feed.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, err
		}
		if tick.Price.Cmp(decimal.Zero) <= 0 {
			continue
		}
		if result.Ticks == 0 {
			result.StartPrice = tick.Price
		}
		result.Ticks++
		result.EndPrice = tick.Price

		r.Paper.Tick(tick.Price)
		stopped, err := r.drain(ctx, events)
		if err != nil {
			return result, err
		}
		if stopped {
			result.Stopped = true
			break
		}
	}
	return r.finish(ctx, result)
}

// drain dispatches every event the last tick produced. The paper exchange
// emits synchronously, so an empty channel means the tick is fully applied.
func (r *PaperRunner) drain(ctx context.Context, events <-chan exchange.StreamEvent) (bool, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false, errors.New("paper stream closed")
			}
			err := r.dispatchPaper(ctx, ev)
			if errors.Is(err, strategy.ErrStopped) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	}
}

func (r *PaperRunner) dispatchPaper(ctx context.Context, ev exchange.StreamEvent) error {
	switch ev.Type {
	case exchange.EventOrderUpdate:
		if ev.Order == nil {
			return nil
		}
		return r.Cycle.OnOrderUpdate(ctx, *ev.Order)
	case exchange.EventTicker:
		if ev.Ticker == nil {
			return nil
		}
		return r.Cycle.OnTicker(ctx, ev.Ticker.LastPrice, ev.Ticker.Time)
	}
	return nil
}

func (r *PaperRunner) finish(ctx context.Context, result PaperResult) (PaperResult, error) {
	result.Cycles = r.Cycle.CycleCount()
	result.ProfitFirst, result.ProfitSecond = r.Cycle.Profit()
	bal, err := r.Paper.Balances(ctx)
	if err != nil {
		return result, err
	}
	result.FinalBalance = bal
	r.Log.Info("paper run finished",
		zap.Int("ticks", result.Ticks),
		zap.Int("cycles", result.Cycles),
		zap.String("profit_first", result.ProfitFirst.String()),
		zap.String("profit_second", result.ProfitSecond.String()))
	return result, nil
}

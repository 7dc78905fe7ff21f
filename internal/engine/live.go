// Package engine runs one strategy instance against a gateway: restore,
// reconcile, subscribe, then a single-consumer event loop. All strategy
// methods are called from one goroutine; the stream and command feeds only
// ever enqueue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"martingale-grid/internal/alert"
	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/safety"
	"martingale-grid/internal/store"
	"martingale-grid/internal/strategy"
)

var (
	ErrManualIntervention = errors.New("manual intervention required")
	ErrFatalLocal         = errors.New("fatal local error")
)

const (
	defaultHeartbeat  = 30 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// Runner wires one cycle state machine to a gateway and its stream.
type Runner struct {
	Streamer exchange.Streamer
	Cycle    *strategy.Cycle
	Store    *store.Store
	Breaker  *safety.Breaker
	Alerts   alert.Alerter
	Commands <-chan alert.Command
	Log      *zap.Logger

	Pair       string
	InstanceID string
	Heartbeat  time.Duration
}

// Run drives the instance until ctx is canceled, the strategy stops itself,
// or a fatal local error makes continuing unsafe.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	startedAt := time.Now().UTC()
	reconnectAttempts := 0
	backoff := time.Second

	r.persistStatus("starting", startedAt, reconnectAttempts, nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistStatus("stopped", startedAt, reconnectAttempts, err)
	}()

	if err := r.bootstrap(ctx); err != nil {
		if errors.Is(err, strategy.ErrStopped) {
			r.reportStopped("bootstrap")
			return nil
		}
		return err
	}

	for {
		if reconnectAttempts > 0 && r.Breaker != nil {
			if allowErr := r.Breaker.AllowReconnect(); allowErr != nil {
				r.persistStatus("degraded", startedAt, reconnectAttempts, allowErr)
				wait := time.Second
				if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
					wait = rem
				}
				if err := sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}
		r.persistStatus("running", startedAt, reconnectAttempts, nil)

		err := r.runOnce(ctx, reconnectAttempts > 0, startedAt, &reconnectAttempts, &backoff)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, strategy.ErrStopped) {
			r.reportStopped("event_loop")
			return nil
		}
		if errors.Is(err, ErrFatalLocal) || errors.Is(err, ErrManualIntervention) {
			r.Log.Error("runner stopped", zap.Error(err))
			r.alertImportant("manual_intervention_required", map[string]string{
				"reason": err.Error(),
			})
			return err
		}

		reconnectAttempts++
		r.persistStatus("degraded", startedAt, reconnectAttempts, err)
		if reconnectAttempts == 1 {
			r.alertImportant("stream_disconnected", map[string]string{"reason": err.Error()})
		}
		var trip error
		if r.Breaker != nil {
			trip = r.Breaker.RecordReconnect(err)
		}
		wait := backoff
		if trip != nil && errors.Is(trip, safety.ErrCircuitOpen) {
			if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if backoff < maxReconnectDelay {
			backoff *= 2
			if backoff > maxReconnectDelay {
				backoff = maxReconnectDelay
			}
		}
	}
}

// bootstrap restores the persisted snapshot and reconciles it against the
// exchange, or starts a fresh first cycle when no snapshot exists.
func (r *Runner) bootstrap(ctx context.Context) error {
	restored := false
	if r.Store != nil {
		doc, ok, err := r.Store.LoadSnapshot()
		if err != nil {
			return fmt.Errorf("%w: load snapshot: %v", ErrFatalLocal, err)
		}
		if ok {
			if err := r.Cycle.Restore(doc); err != nil {
				return fmt.Errorf("%w: restore snapshot: %v", ErrFatalLocal, err)
			}
			restored = true
		}
	}
	if restored {
		r.Log.Info("snapshot restored",
			zap.String("state", string(r.Cycle.State())),
			zap.Int("cycle_count", r.Cycle.CycleCount()))
		return r.Cycle.Reconcile(ctx)
	}
	if err := r.Cycle.Init(ctx); err != nil {
		return fmt.Errorf("%w: strategy init: %v", ErrFatalLocal, err)
	}
	return r.Cycle.Start(ctx)
}

// runOnce holds one stream subscription and dispatches its events until the
// stream fails or ctx is canceled.
func (r *Runner) runOnce(ctx context.Context, reconnect bool, startedAt time.Time, reconnectAttempts *int, backoff *time.Duration) error {
	if reconnect {
		// Fills may have landed while the stream was down.
		if err := r.Cycle.Reconcile(ctx); err != nil {
			return err
		}
	}

	events, err := r.Streamer.Subscribe(ctx, r.Pair)
	if err != nil {
		return err
	}
	if reconnect {
		r.alertImportant("stream_reconnected", map[string]string{
			"attempts": fmt.Sprintf("%d", *reconnectAttempts),
		})
		*reconnectAttempts = 0
		*backoff = time.Second
		if r.Breaker != nil {
			r.Breaker.RecordReconnect(nil)
		}
		r.persistStatus("running", startedAt, 0, nil)
	}

	heartbeat := r.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("stream closed")
			}
			if err := r.dispatch(ctx, ev); err != nil {
				return err
			}
		case cmd, ok := <-r.Commands:
			if !ok {
				r.Commands = nil
				continue
			}
			r.handleCommand(cmd)
		case <-ticker.C:
			r.persistStatus("running", startedAt, 0, nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, ev exchange.StreamEvent) error {
	switch ev.Type {
	case exchange.EventOrderUpdate:
		if ev.Order == nil {
			return nil
		}
		return r.handleOrderUpdate(ctx, *ev.Order)
	case exchange.EventTicker:
		if ev.Ticker == nil {
			return nil
		}
		return r.Cycle.OnTicker(ctx, ev.Ticker.LastPrice, ev.Ticker.Time)
	case exchange.EventFunds:
		r.Log.Debug("funds update", zap.Int("entries", len(ev.Funds)))
		return nil
	case exchange.EventError:
		if ev.Err != nil {
			return ev.Err
		}
		return errors.New("stream error")
	}
	return nil
}

// handleOrderUpdate feeds one execution report to the cycle, deduplicated by
// trade id so a replayed stream event never double counts.
func (r *Runner) handleOrderUpdate(ctx context.Context, upd exchange.OrderUpdate) error {
	key := tradeKey(upd)
	if key != "" && r.Store != nil {
		seen, err := r.Store.HasTradeKey(key)
		if err != nil {
			return fmt.Errorf("%w: trade dedup check: %v", ErrFatalLocal, err)
		}
		if seen {
			r.Log.Debug("duplicate execution report skipped", zap.String("key", key))
			return nil
		}
	}
	if err := r.Cycle.OnOrderUpdate(ctx, upd); err != nil {
		return err
	}
	if key != "" && r.Store != nil {
		if err := r.Store.RecordTradeKey(key, upd.Time); err != nil {
			return fmt.Errorf("%w: trade ledger record: %v", ErrFatalLocal, err)
		}
	}
	r.journalTrade(upd)
	return nil
}

func (r *Runner) journalTrade(upd exchange.OrderUpdate) {
	if r.Store == nil || upd.TradeID == "" {
		return
	}
	err := r.Store.AppendTrade(coreTrade(upd))
	if err != nil {
		r.Log.Warn("trade journal write failed", zap.Error(err))
	}
}

func (r *Runner) handleCommand(cmd alert.Command) {
	switch cmd {
	case alert.CmdStatus:
		r.alertImportant("status", map[string]string{"summary": r.Cycle.StatusText()})
	case alert.CmdStop:
		r.Cycle.OnCommand(strategy.CommandStop)
	case alert.CmdEnd:
		r.Cycle.OnCommand(strategy.CommandEnd)
	case alert.CmdRestart:
		r.Cycle.OnCommand(strategy.CommandRestart)
	}
}

func (r *Runner) reportStopped(stage string) {
	r.alertImportant("manual_intervention_required", map[string]string{
		"reason": "strategy_stopped",
		"stage":  stage,
	})
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *Runner) persistStatus(state string, startedAt time.Time, reconnectAttempts int, lastErr error) {
	if r.Store == nil {
		return
	}
	status := store.RuntimeStatus{
		Pair:              r.Pair,
		InstanceID:        r.InstanceID,
		PID:               os.Getpid(),
		State:             state,
		CycleBuy:          r.Cycle.CycleBuy(),
		CycleCount:        r.Cycle.CycleCount(),
		Command:           string(r.Cycle.Command()),
		StartedAt:         startedAt,
		ReconnectAttempts: reconnectAttempts,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.Log.Warn("runtime status write failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tradeKey(upd exchange.OrderUpdate) string {
	if upd.OrderID == "" || upd.TradeID == "" {
		return ""
	}
	return "order:" + upd.OrderID + "|trade:" + upd.TradeID
}

func coreTrade(upd exchange.OrderUpdate) core.Trade {
	return core.Trade{
		OrderID:  upd.OrderID,
		TradeID:  upd.TradeID,
		ClientID: upd.ClientID,
		Symbol:   upd.Pair,
		Side:     upd.Side,
		Price:    upd.Price,
		Qty:      upd.LastQty,
		QuoteQty: upd.LastQuote,
		Fee:      upd.Fee,
		FeeAsset: upd.FeeAsset,
		IsMaker:  upd.IsMaker,
		Status:   upd.Status,
		Time:     upd.Time,
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"martingale-grid/internal/alert"
	"martingale-grid/internal/config"
	"martingale-grid/internal/core"
	"martingale-grid/internal/engine"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/exchange/binance"
	"martingale-grid/internal/feed"
	"martingale-grid/internal/logger"
	"martingale-grid/internal/metrics"
	"martingale-grid/internal/safety"
	"martingale-grid/internal/store"
	"martingale-grid/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := logger.New(logger.Options{
		Level:      cfg.Observability.Logging.Level,
		File:       cfg.Observability.Logging.File,
		MaxSizeMB:  cfg.Observability.Logging.MaxSizeMB,
		MaxBackups: cfg.Observability.Logging.MaxBackups,
		MaxAgeDays: cfg.Observability.Logging.MaxAgeDays,
		Console:    true,
	})
	defer func() { _ = log.Sync() }()

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn("close alert manager failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if cfg.Mode != config.ModePaper && cfg.State.Dir != "" {
		stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Pair, cfg.InstanceID)
		st, err = store.New(stateDir, log)
		if err != nil {
			fatal(err.Error())
		}
		instanceLock, err := store.AcquireInstanceLockWithOptions(stateDir, store.LockOptions{
			TakeoverEnabled: *cfg.State.LockTakeover,
		})
		if err != nil {
			fatal(err.Error())
		}
		defer func() {
			if relErr := instanceLock.Release(); relErr != nil {
				log.Warn("release instance lock failed", zap.Error(relErr))
			}
		}()
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder, err = metrics.Open(cfg.Metrics.SQLitePath, log)
		if err != nil {
			fatal(err.Error())
		}
		defer func() { _ = recorder.Close() }()
	}

	switch cfg.Mode {
	case config.ModePaper:
		if err := runPaper(ctx, cfg, alerts, recorder, log); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("paper run canceled")
				return
			}
			fatal(err.Error())
		}
	case config.ModeTestnet, config.ModeLive:
		if err := runLive(ctx, cfg, st, alerts, recorder, log); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fatal(err.Error())
		}
	default:
		fatal("unknown mode")
	}
}

func runPaper(ctx context.Context, cfg config.Config, alerts *alert.Manager, recorder *metrics.Recorder, log *zap.Logger) error {
	history, err := feed.NewJSONLFeed(cfg.Paper.DataPath)
	if err != nil {
		return err
	}
	rules := core.Rules{
		MinQty:      cfg.Paper.Rules.MinQty.Decimal,
		QtyStep:     cfg.Paper.Rules.QtyStep.Decimal,
		MinNotional: cfg.Paper.Rules.MinNotional.Decimal,
		PriceTick:   cfg.Paper.Rules.PriceTick.Decimal,
	}
	paper := exchange.NewPaper(exchange.PaperConfig{
		Pair:       cfg.Pair,
		Rules:      rules,
		FeePct:     cfg.Fees.MakerPct.Decimal,
		BaseFunds:  cfg.Paper.InitialBase.Decimal,
		QuoteFunds: cfg.Paper.InitialQuote.Decimal,
		StartPrice: cfg.Paper.StartPrice.Decimal,
	})
	cycle := strategy.NewCycle(cycleParams(cfg), rules, paper, log)
	if alerts != nil {
		cycle.SetAlerter(alerts)
	}
	if recorder != nil {
		cycle.SetRecorder(recorder)
	}

	runner := engine.PaperRunner{
		Paper: paper,
		Feed:  history,
		Cycle: cycle,
		Pair:  cfg.Pair,
		Log:   log,
	}
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf(
		"summary instance=%s ticks=%d cycles=%d stopped=%v start_price=%s end_price=%s profit_first=%s profit_second=%s final_base=%s final_quote=%s\n",
		cfg.InstanceID,
		result.Ticks,
		result.Cycles,
		result.Stopped,
		result.StartPrice.String(),
		result.EndPrice.String(),
		result.ProfitFirst.String(),
		result.ProfitSecond.String(),
		result.FinalBalance.Base.String(),
		result.FinalBalance.Quote.String(),
	)
	return nil
}

func runLive(ctx context.Context, cfg config.Config, st *store.Store, alerts *alert.Manager, recorder *metrics.Recorder, log *zap.Logger) error {
	client, err := binance.NewClient(cfg.Exchange, cfg.Pair, cfg.InstanceID)
	if err != nil {
		return err
	}
	defer client.Close()
	rules, err := client.Rules(ctx, cfg.Pair)
	if err != nil {
		return err
	}

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		cfg.CircuitBreaker.MaxReconnectFailures,
		log,
	)
	breaker.SetReconnectRecovery(
		time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec)*time.Second,
		cfg.CircuitBreaker.ReconnectProbePasses,
	)

	cycle := strategy.NewCycle(cycleParams(cfg), rules, safety.NewGuardedGateway(client, breaker), log)
	if st != nil {
		cycle.SetSaver(st)
	}
	if recorder != nil {
		cycle.SetRecorder(recorder)
	}

	var alerter alert.Alerter
	if alerts != nil {
		alerter = alerts
		breaker.SetAlerter(alerts)
		cycle.SetAlerter(alerts)
	}

	var commands <-chan alert.Command
	tg := cfg.Observability.Telegram
	if tg.Enabled && tg.CommandsEnabled {
		poller := alert.NewCommandPoller(
			tg.BotToken,
			tg.ChatID,
			tg.APIBaseURL,
			cfg.InstanceID,
			time.Duration(tg.PollTimeoutSec)*time.Second,
			log,
		)
		go poller.Run(ctx)
		commands = poller.Commands()
	}

	runner := engine.Runner{
		Streamer:   binance.NewStream(client, log),
		Cycle:      cycle,
		Store:      st,
		Breaker:    breaker,
		Alerts:     alerter,
		Commands:   commands,
		Log:        log,
		Pair:       cfg.Pair,
		InstanceID: cfg.InstanceID,
		Heartbeat:  time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	}
	return runner.Run(ctx)
}

// cycleParams maps the loaded config onto the immutable strategy parameters.
func cycleParams(cfg config.Config) strategy.Params {
	return strategy.Params{
		Pair:       cfg.Pair,
		InstanceID: cfg.InstanceID,

		StartOnBuy:    *cfg.Cycle.StartOnBuy,
		DepositFirst:  cfg.Cycle.DepositFirst.Decimal,
		DepositSecond: cfg.Cycle.DepositSecond.Decimal,

		OrderQ:      cfg.Grid.OrderQ,
		Martin:      cfg.Grid.Martin.Decimal,
		OverPrice:   cfg.Grid.OverPrice.Decimal,
		LinearGridK: cfg.Grid.LinearGridK.Decimal,
		MaxCount:    cfg.Grid.MaxCount,

		ProfitPct:    cfg.Profit.TargetPct.Decimal,
		ProfitMaxPct: cfg.Profit.MaxPct.Decimal,
		Fee: core.FeeConfig{
			MakerPct: cfg.Fees.MakerPct.Decimal,
			TakerPct: cfg.Fees.TakerPct.Decimal,
			InPair:   *cfg.Fees.InPair,
			InSecond: cfg.Fees.InSecond,
		},

		ReverseEnabled:      cfg.Cycle.Reverse,
		ReverseThresholdPct: cfg.Cycle.ReverseThresholdPct.Decimal,

		CollectAssets: cfg.Cycle.CollectAssets,
		GridOnly:      cfg.Cycle.GridOnly,

		UpdateInterval: time.Duration(cfg.Grid.UpdateIntervalSec) * time.Second,
		PlaceTimeout:   time.Duration(cfg.Timeouts.PlaceOrderSec) * time.Second,
		CancelTimeout:  time.Duration(cfg.Timeouts.CancelOrderSec) * time.Second,

		Bollinger: strategy.BollingerParams{
			Interval:  cfg.Indicators.Bollinger.CandleInterval,
			Candles:   cfg.Indicators.Bollinger.NumberOfCandles,
			Deviation: cfg.Indicators.Bollinger.Deviation.InexactFloat64(),
		},
		ADX: strategy.ADXParams{
			Interval:          cfg.Indicators.ADX.CandleInterval,
			Candles:           cfg.Indicators.ADX.NumberOfCandles,
			Period:            cfg.Indicators.ADX.Period,
			Threshold:         cfg.Indicators.ADX.Threshold.InexactFloat64(),
			PriceThresholdPct: cfg.Indicators.ADX.PriceThresholdPct.Decimal,
		},
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		Enabled:  tg.Enabled,
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	}, log)
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Pair, notifier, log, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}

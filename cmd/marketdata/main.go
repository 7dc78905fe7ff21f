// Command marketdata downloads historical klines through the exchange client
// and writes them as the JSONL tick files paper mode replays.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange/binance"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultOutDir  = "data/ticks"
	batchLimit     = 1000
	fetchAttempts  = 5
	requestGap     = 120 * time.Millisecond
)

// tickRecord is the shape the paper-mode feed reader consumes: "ts" in
// milliseconds and "price"/"close" as decimal strings.
type tickRecord struct {
	Time     string `json:"time"`
	TsMs     int64  `json:"ts"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Price    string `json:"price"`
	Volume   string `json:"volume"`
}

func tickFromCandle(symbol, interval string, k core.Candle) tickRecord {
	ts := k.OpenTime.UTC()
	return tickRecord{
		Time:     ts.Format(time.RFC3339),
		TsMs:     ts.UnixMilli(),
		Symbol:   symbol,
		Interval: interval,
		Open:     k.Open.String(),
		High:     k.High.String(),
		Low:      k.Low.String(),
		Close:    k.Close.String(),
		Price:    k.Close.String(),
		Volume:   k.Volume.String(),
	}
}

// dayWriter appends records to one file per UTC day, <root>/<date>.jsonl.
// A date change syncs and closes the previous file before opening the next.
type dayWriter struct {
	root string
	date string
	f    *os.File
}

func newDayWriter(root string) (*dayWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dayWriter{root: root}, nil
}

func (w *dayWriter) write(date string, rec tickRecord) error {
	if date != w.date || w.f == nil {
		if err := w.close(); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(w.root, date+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		w.f = f
		w.date = date
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.f.Write(append(line, '\n'))
	return err
}

func (w *dayWriter) close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		outDir   string
		timeout  int
	)
	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "exchange REST base url")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 6, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.IntVar(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.Parse()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" || interval == "" || strings.TrimSpace(baseURL) == "" {
		fatal("base-url/symbol/interval are required")
	}
	start, end, err := resolveWindow(months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := binance.NewClientWithOptions(binance.Options{
		RestBaseURL:    baseURL,
		HTTPTimeoutSec: int64(timeout),
	})

	writer, err := newDayWriter(filepath.Join(outDir, symbol, interval))
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	fmt.Printf("fetching symbol=%s interval=%s from=%s to=%s\n",
		symbol, interval, start.Format(time.RFC3339), end.Add(-time.Millisecond).Format(time.RFC3339))

	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	total := 0
	requests := 0
	for cursor < endMs {
		batch, err := fetchBatch(ctx, client, symbol, interval, cursor, endMs-1)
		if err != nil {
			fatal(err.Error())
		}
		if len(batch) == 0 {
			break
		}
		requests++
		for _, k := range batch {
			ts := k.OpenTime.UTC()
			if ts.UnixMilli() >= endMs {
				continue
			}
			if err := writer.write(ts.Format("2006-01-02"), tickFromCandle(symbol, interval, k)); err != nil {
				fatal(err.Error())
			}
			total++
			cursor = ts.UnixMilli() + 1
		}
		if requests%20 == 0 {
			fmt.Printf("progress: requests=%d records=%d last=%s\n",
				requests, total, time.UnixMilli(cursor).UTC().Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			fatal("interrupted")
		case <-time.After(requestGap):
		}
	}

	fmt.Printf("done: records=%d requests=%d output=%s\n",
		total, requests, filepath.Join(outDir, symbol, interval))
}

// fetchBatch retries transient failures with linear backoff; a canceled
// context surfaces immediately.
func fetchBatch(ctx context.Context, client *binance.Client, symbol, interval string, startMs, endMs int64) ([]core.Candle, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		batch, err := client.KlinesRange(ctx, symbol, interval, startMs, endMs, batchLimit)
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("fetch klines: %w", lastErr)
}

func resolveWindow(months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := time.Now().UTC()
		return end.AddDate(0, -months, 0), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, err := parseRangeTime(startRaw, false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseRangeTime(endRaw, true)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}

// parseRangeTime accepts a bare date or a timestamp. A bare end date covers
// the whole day, so it resolves to the following midnight.
func parseRangeTime(raw string, isEnd bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if isEnd {
			t = t.Add(24 * time.Hour)
		}
		return t.UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

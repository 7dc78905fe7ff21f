// Package feed replays recorded price history for paper-trading runs. Input
// is JSONL, one object per line, as written by the trade journal or exported
// from kline dumps.
package feed

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed price point.
type Tick struct {
	Time  time.Time
	Price decimal.Decimal
}

type Feed interface {
	// Next returns the following tick, or io.EOF when the history is
	// exhausted.
	Next() (Tick, error)
	Close() error
}

// JSONLFeed reads ticks from a .jsonl file, or from every .jsonl file in a
// directory in lexical order. Lines it cannot parse are skipped.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
}

type tickLine struct {
	Time   string          `json:"time"`
	TsMs   int64           `json:"ts"`
	Price  decimal.Decimal `json:"price"`
	Close  decimal.Decimal `json:"close"`
	QuoteP decimal.Decimal `json:"p"`
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolvePaths(path)
	if err != nil {
		return nil, err
	}
	f := &JSONLFeed{paths: paths}
	if err := f.openCurrent(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return Tick{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		var raw tickLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		tick, ok := raw.toTick()
		if !ok {
			continue
		}
		return tick, nil
	}
}

func (l tickLine) toTick() (Tick, bool) {
	price := l.Price
	if price.Cmp(decimal.Zero) <= 0 {
		price = l.Close
	}
	if price.Cmp(decimal.Zero) <= 0 {
		price = l.QuoteP
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return Tick{}, false
	}
	ts, ok := l.timestamp()
	if !ok {
		return Tick{}, false
	}
	return Tick{Time: ts, Price: price}, true
}

func (l tickLine) timestamp() (time.Time, bool) {
	if l.TsMs > 0 {
		return time.UnixMilli(l.TsMs), true
	}
	raw := strings.TrimSpace(l.Time)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolvePaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

var _ Feed = (*JSONLFeed)(nil)

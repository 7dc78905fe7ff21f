// Package store persists everything the bot needs to survive a restart: the
// cycle snapshot, a runtime status file for operators, a daily trade journal
// and a dedup ledger of already-processed trade ids.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
)

// Document is the flat snapshot form of the cycle state. Every value is a
// string: Decimals travel as their exact string form, never as floats.
type Document map[string]string

func (d Document) String(key string) string { return d[key] }

func (d Document) Decimal(key string) (decimal.Decimal, error) {
	raw, ok := d[key]
	if !ok || raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("snapshot field %s: %w", key, err)
	}
	return v, nil
}

func (d Document) Bool(key string) (bool, error) {
	raw, ok := d[key]
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("snapshot field %s: %w", key, err)
	}
	return v, nil
}

func (d Document) Int(key string) (int, error) {
	raw, ok := d[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("snapshot field %s: %w", key, err)
	}
	return v, nil
}

func (d Document) SetDecimal(key string, v decimal.Decimal) { d[key] = v.String() }
func (d Document) SetBool(key string, v bool)               { d[key] = strconv.FormatBool(v) }
func (d Document) SetInt(key string, v int)                 { d[key] = strconv.Itoa(v) }

// RuntimeStatus is an operator-facing status file, refreshed on every state
// change and on a heartbeat. Never read back by the bot itself.
type RuntimeStatus struct {
	Pair              string    `json:"pair"`
	InstanceID        string    `json:"instance_id"`
	PID               int       `json:"pid"`
	State             string    `json:"state"`
	CycleBuy          bool      `json:"cycle_buy"`
	CycleCount        int       `json:"cycle_count"`
	Command           string    `json:"command,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts,omitempty"`
}

const (
	tradeLedgerMaxEntries    = 10000
	tradeLedgerTrimToEntries = 8000
)

type Store struct {
	root string
	log  *zap.Logger

	mu                 sync.Mutex
	tradeLedgerLoaded  bool
	tradeLedger        map[string]struct{}
	tradeLedgerEntries []tradeLedgerEntry
}

type tradeLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

func New(root string, log *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, log: log}, nil
}

// SaveSnapshot writes the cycle snapshot atomically, rotating the previous
// good snapshot to .prev first. A crash at any point leaves at least one
// loadable snapshot on disk.
func (s *Store) SaveSnapshot(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.snapshotPath()
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".prev"); err != nil {
			return fmt.Errorf("rotate snapshot: %w", err)
		}
	}
	return s.writeJSONAtomic(path, doc)
}

// LoadSnapshot reads the current snapshot, falling back to the .prev
// rotation when the current one is missing or unreadable. Returns ok=false
// when neither exists.
func (s *Store) LoadSnapshot() (Document, bool, error) {
	path := s.snapshotPath()
	doc, err := readSnapshotFile(path)
	if err == nil {
		return doc, true, nil
	}
	if !os.IsNotExist(err) {
		s.log.Warn("snapshot unreadable, trying previous",
			zap.String("path", path), zap.Error(err))
	}
	doc, prevErr := readSnapshotFile(path + ".prev")
	if prevErr == nil {
		s.log.Warn("restored from previous snapshot", zap.String("path", path+".prev"))
		return doc, true, nil
	}
	if os.IsNotExist(err) && os.IsNotExist(prevErr) {
		return nil, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	return nil, false, fmt.Errorf("load snapshot: %w", prevErr)
}

func readSnapshotFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("snapshot is empty")
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendTrade journals one private execution to a per-day JSONL file.
func (s *Store) AppendTrade(trade core.Trade) error {
	if trade.Time.IsZero() {
		trade.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, trade.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// HasTradeKey reports whether a trade id has already been folded into cycle
// accounting. Keys survive restarts so a replayed user-stream event can
// never double count.
func (s *Store) HasTradeKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadTradeLedgerLocked(); err != nil {
		return false, err
	}
	_, ok := s.tradeLedger[key]
	return ok, nil
}

func (s *Store) RecordTradeKey(key string, seenAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadTradeLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.tradeLedger[key]; ok {
		return nil
	}

	entry := tradeLedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.tradeLedgerPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.tradeLedger[key] = struct{}{}
	s.tradeLedgerEntries = append(s.tradeLedgerEntries, entry)
	if len(s.tradeLedgerEntries) > tradeLedgerMaxEntries {
		return s.trimTradeLedgerLocked()
	}
	return nil
}

func (s *Store) loadTradeLedgerLocked() error {
	if s.tradeLedgerLoaded {
		return nil
	}
	s.tradeLedger = make(map[string]struct{})
	s.tradeLedgerEntries = nil
	f, err := os.Open(s.tradeLedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.tradeLedgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry tradeLedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entry.Key = strings.TrimSpace(entry.Key)
		if entry.Key == "" {
			continue
		}
		if _, ok := s.tradeLedger[entry.Key]; ok {
			continue
		}
		s.tradeLedger[entry.Key] = struct{}{}
		s.tradeLedgerEntries = append(s.tradeLedgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(s.tradeLedgerEntries) > tradeLedgerMaxEntries {
		if err := s.trimTradeLedgerLocked(); err != nil {
			return err
		}
	}
	s.tradeLedgerLoaded = true
	return nil
}

func (s *Store) trimTradeLedgerLocked() error {
	if len(s.tradeLedgerEntries) <= tradeLedgerMaxEntries {
		return nil
	}
	kept := append([]tradeLedgerEntry(nil), s.tradeLedgerEntries[len(s.tradeLedgerEntries)-tradeLedgerTrimToEntries:]...)
	dir := filepath.Dir(s.tradeLedgerPath())
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range kept {
		if err := enc.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := finishTempFile(tmp, s.tradeLedgerPath()); err != nil {
		return err
	}
	s.tradeLedgerEntries = kept
	s.tradeLedger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.tradeLedger[entry.Key] = struct{}{}
	}
	return s.fsyncDir(dir)
}

func (s *Store) snapshotPath() string      { return filepath.Join(s.root, "cycle_state.json") }
func (s *Store) runtimeStatusPath() string { return filepath.Join(s.root, "runtime_status.json") }
func (s *Store) tradeLedgerPath() string   { return filepath.Join(s.root, "trade_ledger.jsonl") }

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := finishTempFile(tmp, path); err != nil {
		return err
	}
	return s.fsyncDir(dir)
}

func finishTempFile(tmp *os.File, path string) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fsyncDir makes the rename durable across crashes. Failure is logged, not
// fatal: some filesystems refuse directory fsync.
func (s *Store) fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		s.log.Warn("dir fsync skipped", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.Warn("dir fsync failed", zap.String("dir", dir), zap.Error(err))
	}
	return nil
}

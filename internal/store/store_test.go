package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	doc := Document{}
	doc.SetDecimal("deposit_second", decimal.RequireFromString("1000.5"))
	doc.SetBool("cycle_buy", true)
	doc.SetInt("cycle_count", 7)
	doc["command"] = "run"
	require.NoError(t, s.SaveSnapshot(doc))

	got, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)

	dep, err := got.Decimal("deposit_second")
	require.NoError(t, err)
	require.True(t, dep.Equal(decimal.RequireFromString("1000.5")))
	buy, err := got.Bool("cycle_buy")
	require.NoError(t, err)
	require.True(t, buy)
	n, err := got.Int("cycle_count")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "run", got.String("command"))
}

func TestSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotFallsBackToPrevious(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSnapshot(Document{"cycle_count": "1"}))
	require.NoError(t, s.SaveSnapshot(Document{"cycle_count": "2"}))

	// Corrupt the current snapshot as a crash mid-write would.
	require.NoError(t, os.WriteFile(s.snapshotPath(), []byte("{trunc"), 0o644))

	got, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	n, err := got.Int("cycle_count")
	require.NoError(t, err)
	require.Equal(t, 1, n, "previous rotation holds the last good state")
}

func TestDocumentRejectsBadDecimal(t *testing.T) {
	doc := Document{"x": "one point five"}
	_, err := doc.Decimal("x")
	require.Error(t, err)
}

func TestRuntimeStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := RuntimeStatus{
		Pair:       "BTCUSDT",
		InstanceID: "bot1",
		PID:        1234,
		State:      "grid_active",
		CycleBuy:   true,
		CycleCount: 3,
		Command:    "run",
		StartedAt:  time.Now().UTC().Add(-time.Minute),
		LastError:  "dial timeout",
	}
	require.NoError(t, s.SaveRuntimeStatus(in))

	out, ok, err := s.LoadRuntimeStatus()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Pair, out.Pair)
	require.Equal(t, in.State, out.State)
	require.Equal(t, in.CycleCount, out.CycleCount)
	require.True(t, out.CycleBuy)
	require.False(t, out.UpdatedAt.IsZero())
}

func TestTradeKeyDedupSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordTradeKey("BTCUSDT:42", time.Now()))
	seen, err := s.HasTradeKey("BTCUSDT:42")
	require.NoError(t, err)
	require.True(t, seen)

	// Fresh store over the same dir reads the ledger back from disk.
	s2, err := New(dir, nil)
	require.NoError(t, err)
	seen, err = s2.HasTradeKey("BTCUSDT:42")
	require.NoError(t, err)
	require.True(t, seen)
	seen, err = s2.HasTradeKey("BTCUSDT:43")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSnapshotRotationFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSnapshot(Document{"cycle_count": "1"}))
	require.NoError(t, s.SaveSnapshot(Document{"cycle_count": "2"}))

	_, err := os.Stat(s.snapshotPath())
	require.NoError(t, err)
	_, err = os.Stat(s.snapshotPath() + ".prev")
	require.NoError(t, err)

	entries, err := filepath.Glob(filepath.Join(s.root, "tmp-*"))
	require.NoError(t, err)
	require.Empty(t, entries, "no temp files left behind")
}

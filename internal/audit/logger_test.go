package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/solar-fleet/sfc/internal/auth"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("Invalid audit line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewLoggerCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audit")
	l, err := NewLogger(dir, Options{}, nil)
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer l.Close()

	if l.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %s", l.Path())
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("audit directory missing: %v", err)
	}
}

func TestLogActionWritesEntry(t *testing.T) {
	l, err := NewLogger(t.TempDir(), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "operator-7"})
	l.LogAction(ctx, "clean", "unit:U1", "SUCCESS", 250*time.Millisecond, map[string]interface{}{"unitsActedOn": 1})
	l.LogAction(context.Background(), "clean", "group:A1", "BUSY", 0, nil)

	entries := readEntries(t, l.Path())
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.User != "operator-7" || first.Target != "unit:U1" || first.Outcome != "SUCCESS" {
		t.Errorf("unexpected entry %+v", first)
	}
	if first.LatencyMs != 250 {
		t.Errorf("LatencyMs = %d, want 250", first.LatencyMs)
	}
	if first.Details["unitsActedOn"] != float64(1) {
		t.Errorf("details = %v", first.Details)
	}
	if entries[1].User != "unknown" {
		t.Errorf("User = %q, want unknown", entries[1].User)
	}
	if entries[1].Details != nil {
		t.Errorf("empty details should be omitted, got %v", entries[1].Details)
	}
}

func TestConcurrentLogAction(t *testing.T) {
	l, err := NewLogger(t.TempDir(), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogAction(context.Background(), "clean", "unit:U1", "SUCCESS", time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := len(readEntries(t, l.Path())); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}

func TestRotateKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, Options{MaxBackups: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.LogAction(context.Background(), "clean", "unit:U1", "SUCCESS", 0, nil)
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	l.LogAction(context.Background(), "clean", "unit:U2", "SUCCESS", 0, nil)

	entries := readEntries(t, l.Path())
	if len(entries) != 1 || entries[0].Target != "unit:U2" {
		t.Errorf("active file entries = %+v", entries)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if len(files) != 1 {
		t.Errorf("backups = %v, want 1", files)
	}
}

func TestCloseDiscardsLaterEntries(t *testing.T) {
	l, err := NewLogger(t.TempDir(), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.LogAction(context.Background(), "clean", "unit:U1", "SUCCESS", 0, nil)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	l.LogAction(context.Background(), "clean", "unit:U2", "SUCCESS", 0, nil)

	if got := len(readEntries(t, l.Path())); got != 1 {
		t.Errorf("got %d entries, want 1", got)
	}
}

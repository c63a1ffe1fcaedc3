package feeder

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestCSVRoundRobinAndRewind(t *testing.T) {
	path := writeFile(t, "instruments.csv", `Symbol, side, qty, desk
AAPL,1,100,eq
MSFT,2,50,eq
VOD.L,1,300,intl`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", f.Len())
	}

	want := []string{"AAPL", "MSFT", "VOD.L", "AAPL"}
	for i, sym := range want {
		rec := f.Next()
		if rec["symbol"] != sym {
			t.Fatalf("record %d symbol = %q, want %q", i, rec["symbol"], sym)
		}
	}
	if _, ok := f.Next()["desk"]; ok {
		t.Fatal("columns that are not order fields must be dropped")
	}
}

func TestJSONKeepsNumberLiterals(t *testing.T) {
	path := writeFile(t, "instruments.json", `[
  {"symbol": "ESZ6", "qty": 1000000, "price": 5123.25},
  {"symbol": "NQZ6", "side": 2, "account": "ACC-1"}
]`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first := f.Next()
	if first["qty"] != "1000000" || first["price"] != "5123.25" {
		t.Fatalf("unexpected first record %v", first)
	}
	second := f.Next()
	if second["side"] != "2" || second["account"] != "ACC-1" {
		t.Fatalf("unexpected second record %v", second)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unsupported extension", "data.txt", "symbol\nAAPL", "unsupported extension"},
		{"header only", "data.csv", "symbol,qty", "at least one header row and one data row"},
		{"ragged row", "data.csv", "symbol,qty\nAAPL", "row 2 has 1 fields, expected 2"},
		{"no order fields", "data.csv", "user,email\nalice,a@example.com", "no order fields"},
		{"empty array", "data.json", "[]", "no records"},
		{"not an array", "data.json", `{"symbol":"AAPL"}`, "decode JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestConcurrentNextSpreadsEvenly(t *testing.T) {
	f, err := NewCSV(strings.NewReader("symbol\nA\nB\nC\nD"))
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}

	const workers, perWorker = 8, 100
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sym := f.Next()["symbol"]
				mu.Lock()
				counts[sym]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, sym := range []string{"A", "B", "C", "D"} {
		if counts[sym] != workers*perWorker/4 {
			t.Fatalf("counts = %v, want an even spread", counts)
		}
	}
}

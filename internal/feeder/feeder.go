// Package feeder supplies per-probe order parameters from a CSV or JSON
// dataset. Records are handed out round-robin and the dataset rewinds when
// it is exhausted, so a run of any length can draw from a short file.
package feeder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/torosent/gatewayprobe/internal/mix"
)

// Feeder is safe for concurrent use.
type Feeder struct {
	records []map[string]string
	next    atomic.Uint64
}

// Load reads a dataset, choosing the format from the file extension.
func Load(path string) (*Feeder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument file: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return NewCSV(f)
	case ".json":
		return NewJSON(f)
	default:
		return nil, fmt.Errorf("instrument file %s: unsupported extension %q (want .csv or .json)", path, ext)
	}
}

func newFeeder(records []map[string]string) (*Feeder, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("instrument file has no records")
	}
	for i, rec := range records {
		known := make(map[string]string, len(rec))
		for k, v := range rec {
			k = strings.ToLower(strings.TrimSpace(k))
			if _, ok := mix.OrderFields[k]; ok {
				known[k] = strings.TrimSpace(v)
			}
		}
		if len(known) == 0 {
			return nil, fmt.Errorf("record %d has no order fields (want one of %s)", i+1, fieldNames())
		}
		records[i] = known
	}
	return &Feeder{records: records}, nil
}

// Next returns the next record. Callers must not modify it.
func (f *Feeder) Next() map[string]string {
	n := f.next.Add(1) - 1
	return f.records[n%uint64(len(f.records))]
}

// Len returns the number of records in the dataset.
func (f *Feeder) Len() int {
	return len(f.records)
}

func fieldNames() string {
	names := make([]string, 0, len(mix.OrderFields))
	for name := range mix.OrderFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

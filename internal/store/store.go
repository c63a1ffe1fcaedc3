// Package store persists run reports. Two backends exist: a local bbolt file
// and a shared redis instance.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/runner"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("store: report not found")

// ReportStore saves and retrieves finished reports.
type ReportStore interface {
	control.Store
	Get(ctx context.Context, runID string) (control.Report, error)
	// List returns reports with the given status, newest first. An empty
	// status lists everything.
	List(ctx context.Context, status runner.Status) ([]control.Report, error)
	Close() error
}

func filterAndSort(reports []control.Report, status runner.Status) []control.Report {
	out := reports[:0]
	for _, r := range reports {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

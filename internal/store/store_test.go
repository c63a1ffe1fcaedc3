package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/store"
)

func sampleReports() []control.Report {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	agg := metrics.NewAggregator()
	agg.RecordSent(0)
	agg.RecordSuccess(0, 12*time.Millisecond)
	return []control.Report{
		{RunID: "run-a", Plan: "smoke", Status: runner.StatusCompleted, StartedAt: base},
		{RunID: "run-b", Plan: "smoke", Status: runner.StatusFailed, Error: control.AbortReason, StartedAt: base.Add(time.Minute),
			Stats: agg.Stats(3 * time.Second),
			Steps: []runner.StepProgress{{Ordinal: 1, Duration: 2 * time.Second, DurationMs: 2000, ActiveDuration: 1500 * time.Millisecond, ActiveDurationMs: 1500}}},
		{RunID: "run-c", Plan: "soak", Status: runner.StatusCompleted, StartedAt: base.Add(2 * time.Minute)},
	}
}

func exerciseStore(t *testing.T, s store.ReportStore) {
	t.Helper()
	ctx := context.Background()
	for _, r := range sampleReports() {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save(%s): %v", r.RunID, err)
		}
	}

	got, err := s.Get(ctx, "run-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != runner.StatusFailed || got.Error != control.AbortReason {
		t.Fatalf("unexpected report: %+v", got)
	}
	if got.Stats.P95Latency != 12*time.Millisecond || got.Stats.MeanLatency != 12*time.Millisecond || got.Stats.Duration != 3*time.Second {
		t.Fatalf("latency durations lost in storage: %+v", got.Stats)
	}
	if len(got.Steps) != 1 || got.Steps[0].Duration != 2*time.Second || got.Steps[0].ActiveDuration != 1500*time.Millisecond {
		t.Fatalf("step durations lost in storage: %+v", got.Steps)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run-c" || all[2].RunID != "run-a" {
		t.Fatalf("expected newest first, got %v", ids(all))
	}

	completed, err := s.List(ctx, runner.StatusCompleted)
	if err != nil {
		t.Fatalf("List(completed): %v", err)
	}
	if len(completed) != 2 || completed[0].RunID != "run-c" || completed[1].RunID != "run-a" {
		t.Fatalf("unexpected completed list %v", ids(completed))
	}

	// Saving again replaces the report.
	updated := sampleReports()[0]
	updated.Status = runner.StatusFailed
	if err := s.Save(ctx, updated); err != nil {
		t.Fatalf("Save: %v", err)
	}
	failed, err := s.List(ctx, runner.StatusFailed)
	if err != nil {
		t.Fatalf("List(failed): %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed reports, got %v", ids(failed))
	}
}

func ids(reports []control.Report) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.RunID
	}
	return out
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reports.db")
	s, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	all, err := reopened.List(context.Background(), "")
	if err != nil || len(all) != 3 {
		t.Fatalf("reports not persisted: %v %v", ids(all), err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GATEWAYPROBE_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEWAYPROBE_REDIS_ADDR not set")
	}
	s, err := store.NewRedisStore(context.Background(), store.RedisConfig{
		Addr:      addr,
		KeyPrefix: "gatewayprobe-test-" + time.Now().Format("150405.000000"),
		TTL:       time.Minute,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := store.NewRedisStore(ctx, store.RedisConfig{Addr: "127.0.0.1:1"}, nil); err == nil {
		t.Fatal("expected ping failure")
	}
}

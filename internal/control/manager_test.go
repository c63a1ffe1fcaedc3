package control_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/torosent/gatewayprobe/internal/connector/loopback"
	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/threshold"
)

type memoryStore struct {
	mu      sync.Mutex
	reports []control.Report
}

func (s *memoryStore) Save(_ context.Context, r control.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func newManager(t *testing.T, opt control.Options) *control.Manager {
	t.Helper()
	if opt.Connector == nil {
		opt.Connector = loopback.New(loopback.Options{Latency: time.Millisecond})
	}
	opt.SweepInterval = 10 * time.Millisecond
	opt.Logger = zaptest.NewLogger(t)
	m := control.NewManager(opt)
	t.Cleanup(m.Close)
	return m
}

func testPlan(steps ...plan.Step) plan.Plan {
	return plan.Plan{
		Name:         "guarded",
		SessionCount: 2,
		Steps:        steps,
		Timeout:      200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, m *control.Manager, id string, want runner.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status %s not reached, stuck at %s", want, st.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStopWithWrongTokenIsRejected(t *testing.T) {
	m := newManager(t, control.Options{})
	id, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 50, Duration: 5 * time.Second}), "secret")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, m, id, runner.StatusRunning)

	if err := m.Stop(id, "wrong"); !errors.Is(err, control.ErrUnauthorizedControl) {
		t.Fatalf("expected ErrUnauthorizedControl, got %v", err)
	}
	if err := m.Pause(id, ""); !errors.Is(err, control.ErrUnauthorizedControl) {
		t.Fatalf("expected ErrUnauthorizedControl for empty token, got %v", err)
	}
	st, _ := m.Status(id)
	if st.Status != runner.StatusRunning {
		t.Fatalf("rejected request changed state to %s", st.Status)
	}

	rep, err := m.Report(id)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	var rejected int64
	for _, b := range rep.Stats.Errors {
		if b.Kind == metrics.KindUnauthorized {
			rejected = b.Count
		}
	}
	if rejected != 2 {
		t.Fatalf("expected 2 unauthorized attempts recorded, got %d", rejected)
	}

	if err := m.Stop(id, "secret"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != runner.StatusFailed || final.Error != control.AbortReason {
		t.Fatalf("unexpected final status %s %q", final.Status, final.Error)
	}
	if final.Totals.Sent != final.Totals.Succeeded+final.Totals.Failed {
		t.Fatalf("unbalanced totals: %+v", final.Totals)
	}
}

func TestPauseResumeThroughManager(t *testing.T) {
	m := newManager(t, control.Options{})
	h, err := m.StartRun(context.Background(), testPlan(plan.Step{TargetRate: 40, Duration: 150 * time.Millisecond}), "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if h.Token == "" {
		t.Fatal("expected a generated token")
	}
	waitFor(t, m, h.ID, runner.StatusRunning)

	if err := m.Pause(h.ID, h.Token); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitFor(t, m, h.ID, runner.StatusPaused)
	if err := m.Resume(h.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rep, err := m.Wait(ctx, h.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rep.Status != runner.StatusCompleted || !rep.Passed() {
		t.Fatalf("unexpected report: %s %q", rep.Status, rep.Error)
	}
	if len(rep.SessionBreakdown) != 2 {
		t.Fatalf("expected 2 sessions in breakdown, got %d", len(rep.SessionBreakdown))
	}
	if rep.SessionBreakdown[0].ID != "guarded_001" {
		t.Fatalf("unexpected session id %q", rep.SessionBreakdown[0].ID)
	}
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	m := newManager(t, control.Options{})
	_, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 0, Duration: time.Second}), "t")
	if !plan.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatal("rejected plan must not create a run")
	}
}

func TestUnknownRun(t *testing.T) {
	m := newManager(t, control.Options{})
	if _, err := m.Status("nope"); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("Status: expected ErrRunNotFound, got %v", err)
	}
	if err := m.Resume("nope"); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("Resume: expected ErrRunNotFound, got %v", err)
	}
	if _, err := m.Wait(context.Background(), "nope"); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("Wait: expected ErrRunNotFound, got %v", err)
	}
}

func TestFinishedReportIsStoredWithThresholds(t *testing.T) {
	thresholds, err := threshold.ParseMultiple([]string{"timeouts:count == 0", "latency:p99 < 0.001"})
	if err != nil {
		t.Fatalf("ParseMultiple: %v", err)
	}
	store := &memoryStore{}
	m := newManager(t, control.Options{Store: store, Thresholds: thresholds})

	id, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 20, Duration: 100 * time.Millisecond}), "t")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rep, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(rep.Thresholds) != 2 || !rep.Thresholds[0].Pass || rep.Thresholds[1].Pass {
		t.Fatalf("unexpected threshold results: %+v", rep.Thresholds)
	}
	if rep.Passed() {
		t.Fatal("report with a failed threshold must not pass")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.reports) != 1 || store.reports[0].RunID != id {
		t.Fatalf("expected the final report to be stored once, got %d", len(store.reports))
	}
	if !store.reports[0].Finished() {
		t.Fatalf("stored report is not final: %s", store.reports[0].Status)
	}
}

func TestFinishedRunsAreEvicted(t *testing.T) {
	m := newManager(t, control.Options{Retain: 1})
	short := testPlan(plan.Step{TargetRate: 20, Duration: 50 * time.Millisecond})

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := m.Start(context.Background(), short, "t")
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err = m.Wait(ctx, id)
		cancel()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		ids = append(ids, id)
	}

	if _, err := m.Status(ids[0]); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("oldest finished run should be evicted, got %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0].RunID != ids[1] {
		t.Fatalf("expected only the latest run to be kept, got %+v", got)
	}
}

func TestForget(t *testing.T) {
	m := newManager(t, control.Options{})
	long, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 10, Duration: time.Minute}), "t")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, m, long, runner.StatusRunning)
	if err := m.Forget(long); !errors.Is(err, control.ErrRunActive) {
		t.Fatalf("Forget on an active run: expected ErrRunActive, got %v", err)
	}
	if err := m.Stop(long, "t"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, long); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := m.Forget(long); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := m.Status(long); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound after Forget, got %v", err)
	}
	if err := m.Forget(long); !errors.Is(err, control.ErrRunNotFound) {
		t.Fatalf("second Forget: expected ErrRunNotFound, got %v", err)
	}
}

func TestListAndClose(t *testing.T) {
	m := control.NewManager(control.Options{
		Connector: loopback.New(loopback.Options{Latency: time.Hour}),
		Logger:    zaptest.NewLogger(t),
	})
	var ids []string
	for i := 0; i < 2; i++ {
		id, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 10, Duration: time.Minute}), "t")
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, id)
	}
	if got := m.List(); len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not force the runs to finish")
	}
	for _, id := range ids {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Status != runner.StatusFailed {
			t.Fatalf("run %s: expected failed after forced close, got %s", id, st.Status)
		}
	}
	if _, err := m.Start(context.Background(), testPlan(plan.Step{TargetRate: 10, Duration: time.Second}), "t"); !errors.Is(err, control.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestGuardIsConstantTimeAndGenerates(t *testing.T) {
	g, token := control.NewGuard("")
	if token == "" {
		t.Fatal("expected generated token")
	}
	if err := g.Authorize(token); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := g.Authorize(token + "x"); !errors.Is(err, control.ErrUnauthorizedControl) {
		t.Fatalf("expected ErrUnauthorizedControl, got %v", err)
	}
	if control.NewToken() == control.NewToken() {
		t.Fatal("tokens must differ")
	}
}

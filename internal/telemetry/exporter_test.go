package telemetry_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/telemetry"
)

func fixedSource() []control.RunStatus {
	return []control.RunStatus{{
		RunID: "r1",
		Plan:  "smoke",
		State: runner.State{
			Status: runner.StatusRunning,
			Totals: runner.Totals{
				Totals:      metrics.Totals{Sent: 10, Succeeded: 7, Failed: 1, TimedOut: 1},
				Outstanding: 2,
			},
			Sessions: runner.SessionCounts{Requested: 3, Connected: 2, Failed: 1},
		},
	}}
}

func TestCollectorExportsRunCounters(t *testing.T) {
	e := telemetry.NewExporter(fixedSource, nil)

	expected := `
# HELP gatewayprobe_probes_outstanding Probes awaiting a response.
# TYPE gatewayprobe_probes_outstanding gauge
gatewayprobe_probes_outstanding{plan="smoke",run_id="r1"} 2
# HELP gatewayprobe_sessions Probe sessions by connection result.
# TYPE gatewayprobe_sessions gauge
gatewayprobe_sessions{plan="smoke",run_id="r1",state="connected"} 2
gatewayprobe_sessions{plan="smoke",run_id="r1",state="failed"} 1
`
	if err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"gatewayprobe_probes_outstanding", "gatewayprobe_sessions"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}

	n, err := testutil.GatherAndCount(e.Registry(), "gatewayprobe_probes_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 9 {
		t.Fatalf("expected 9 outcome series, got %d", n)
	}
}

func TestObserverTracksStepsAndTransitions(t *testing.T) {
	e := telemetry.NewExporter(nil, nil)
	ob := e.Observer("r1", plan.Plan{Name: "smoke"})

	ob.OnTransition(runner.StatusIdle, runner.StatusStarting)
	ob.OnTransition(runner.StatusStarting, runner.StatusRunning)
	ob.OnStepStart(runner.StepProgress{Ordinal: 2, TargetRate: 150, Status: runner.StepRunning})

	running := `
# HELP gatewayprobe_current_step Ordinal of the step currently executing.
# TYPE gatewayprobe_current_step gauge
gatewayprobe_current_step{plan="smoke",run_id="r1"} 2
# HELP gatewayprobe_step_target_rate Target probe rate of the running step, probes per second.
# TYPE gatewayprobe_step_target_rate gauge
gatewayprobe_step_target_rate{plan="smoke",run_id="r1"} 150
`
	if err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(running),
		"gatewayprobe_current_step", "gatewayprobe_step_target_rate"); err != nil {
		t.Fatalf("unexpected metrics while running: %v", err)
	}

	ob.OnStepEnd(runner.StepProgress{Ordinal: 2, ActualRate: 148.5, Status: runner.StepCompleted})
	ob.OnTransition(runner.StatusRunning, runner.StatusStopping)
	ob.OnTransition(runner.StatusStopping, runner.StatusCompleted)

	finished := `
# HELP gatewayprobe_run_transitions_total Run state transitions by target state.
# TYPE gatewayprobe_run_transitions_total counter
gatewayprobe_run_transitions_total{plan="smoke",to="completed"} 1
gatewayprobe_run_transitions_total{plan="smoke",to="running"} 1
gatewayprobe_run_transitions_total{plan="smoke",to="starting"} 1
gatewayprobe_run_transitions_total{plan="smoke",to="stopping"} 1
# HELP gatewayprobe_step_actual_rate Achieved probe rate of the last finished step, probes per second.
# TYPE gatewayprobe_step_actual_rate gauge
gatewayprobe_step_actual_rate{plan="smoke",run_id="r1"} 148.5
# HELP gatewayprobe_steps_total Ramp steps that ended, by final status.
# TYPE gatewayprobe_steps_total counter
gatewayprobe_steps_total{plan="smoke",status="completed"} 1
`
	if err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(finished),
		"gatewayprobe_run_transitions_total", "gatewayprobe_step_actual_rate", "gatewayprobe_steps_total"); err != nil {
		t.Fatalf("unexpected metrics after finish: %v", err)
	}
	if n, _ := testutil.GatherAndCount(e.Registry(), "gatewayprobe_step_target_rate", "gatewayprobe_current_step"); n != 0 {
		t.Fatalf("per-run gauges should be removed after the run ends, %d left", n)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	e := telemetry.NewExporter(fixedSource, nil)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `gatewayprobe_run_status{plan="smoke",run_id="r1",status="running"} 1`) {
		t.Fatalf("status series missing from scrape:\n%s", body)
	}
}

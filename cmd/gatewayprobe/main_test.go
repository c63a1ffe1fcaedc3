package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/gatewayprobe/internal/config"
	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/store"
	"github.com/torosent/gatewayprobe/internal/threshold"
)

const shortPlan = `
name: smoke
protocol_version: FIX.4.4
sessions: 2
timeout: 200ms
steps:
  - rate: 20
    duration: 150ms
    remark: warmup
`

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"--help"}, &stdout, &stderr); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"--plan", "p.yaml", "--target", "http://gw"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "scheme must be ws or wss") {
		t.Fatalf("run() error = %v, want target validation error", err)
	}
}

func TestRunLoopbackJSONReport(t *testing.T) {
	planPath := writePlan(t, shortPlan)
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"--plan", planPath,
		"--connector", "loopback",
		"--loopback-latency", "2ms",
		"--json-output",
		"--token", "secret",
		"--threshold", "timeouts:count == 0",
		"--log-level", "warn",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}

	var rep control.Report
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		t.Fatalf("stdout is not a JSON report: %v\n%s", err, stdout.String())
	}
	if rep.Status != runner.StatusCompleted || rep.Plan != "smoke" {
		t.Fatalf("unexpected report: %s %s", rep.Plan, rep.Status)
	}
	if rep.Totals.Sent == 0 || rep.Totals.Sent != rep.Totals.Succeeded {
		t.Fatalf("unexpected totals: %+v", rep.Totals)
	}
	if len(rep.Thresholds) != 1 || !rep.Thresholds[0].Pass {
		t.Fatalf("unexpected thresholds: %+v", rep.Thresholds)
	}
	if strings.Contains(stderr.String(), "control token") {
		t.Fatal("a configured token must not be echoed")
	}
}

func TestRunFailsOnThreshold(t *testing.T) {
	planPath := writePlan(t, shortPlan)
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"--plan", planPath,
		"--connector", "loopback",
		"--loopback-drop-ratio", "1",
		"--drain-period", "300ms",
		"--threshold", "timeouts:count == 0",
		"--progress-interval", "0",
		"--log-level", "error",
	}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "1 threshold(s) failed") {
		t.Fatalf("run() error = %v, want threshold failure", err)
	}
	if !strings.Contains(stdout.String(), "[FAIL] timeouts:count == 0") {
		t.Fatalf("text report missing threshold failure:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "control token") {
		t.Fatal("generated token should be printed")
	}
}

func TestRunPersistsToBoltAndWritesHTML(t *testing.T) {
	planPath := writePlan(t, shortPlan)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reports.db")
	htmlPath := filepath.Join(dir, "report.html")

	var stdout, stderr bytes.Buffer
	err := run([]string{
		"--plan", planPath,
		"--connector", "loopback",
		"--store", "bolt",
		"--store-path", dbPath,
		"--html-output", htmlPath,
		"--progress-interval", "0",
		"--log-level", "error",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("html report not written: %v", err)
	}
	if !strings.Contains(string(html), "Gateway Probe Report - smoke") {
		t.Fatal("html report has unexpected content")
	}

	s, err := store.OpenBolt(dbPath)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer s.Close()
	reports, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != runner.StatusCompleted {
		t.Fatalf("expected one completed stored report, got %+v", reports)
	}
}

func TestLoadPlanAppliesOverrides(t *testing.T) {
	planPath := writePlan(t, shortPlan)
	cfg := &config.Config{PlanFile: planPath, Sessions: 5, Timeout: 1500 * time.Millisecond}
	p, err := loadPlan(cfg)
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if p.SessionCount != 5 || p.Timeout.Seconds() != 1.5 {
		t.Fatalf("overrides not applied: sessions=%d timeout=%s", p.SessionCount, p.Timeout)
	}
	if p.Steps[0].Remark != "warmup" {
		t.Fatalf("unexpected step: %+v", p.Steps[0])
	}

	cfg.Sessions = 100000
	if _, err := loadPlan(cfg); err == nil {
		t.Fatal("override beyond the session limit must be rejected")
	}
}

func TestRunOutcome(t *testing.T) {
	tests := []struct {
		name string
		rep  control.Report
		want string
	}{
		{"completed", control.Report{Status: runner.StatusCompleted}, ""},
		{"aborted", control.Report{Status: runner.StatusFailed, Error: control.AbortReason}, "run failed: aborted by operator"},
		{"threshold", control.Report{Status: runner.StatusCompleted, Thresholds: []threshold.Result{{Pass: true}, {Pass: false}}}, "1 threshold(s) failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runOutcome(tt.rep)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("runOutcome() = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.want {
				t.Fatalf("runOutcome() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestBuildAuthProvider(t *testing.T) {
	p, err := buildAuthProvider(config.AuthConfig{})
	if err != nil || p != nil {
		t.Fatalf("no auth type should yield no provider, got %v, %v", p, err)
	}

	p, err = buildAuthProvider(config.AuthConfig{Type: config.AuthTypeStatic, StaticToken: "tok"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	h := http.Header{}
	if err := p.Apply(context.Background(), h); err != nil || h.Get("Authorization") != "Bearer tok" {
		t.Fatalf("static provider header = %q, err = %v", h.Get("Authorization"), err)
	}

	p, err = buildAuthProvider(config.AuthConfig{Type: config.AuthTypeOAuth2ClientCredentials, TokenURL: "http://idp/token", ClientID: "probe"})
	if err == nil || p != nil {
		t.Fatalf("missing client secret must fail, got %v, %v", p, err)
	}

	if _, err := buildAuthProvider(config.AuthConfig{Type: "kerberos"}); err == nil {
		t.Fatal("unknown auth type must fail")
	}
}

func TestRunWithInstrumentFeed(t *testing.T) {
	planPath := writePlan(t, shortPlan)
	feed := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(feed, []byte("symbol,side,qty\nMSFT,1,10\nIBM,2,5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := run([]string{
		"--plan", planPath,
		"--connector", "loopback",
		"--instruments", feed,
		"--json-output",
		"--token", "secret",
		"--log-level", "warn",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}

	var rep control.Report
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		t.Fatalf("stdout is not a JSON report: %v", err)
	}
	if rep.Totals.Sent == 0 {
		t.Fatalf("expected probes to be sent, got %+v", rep.Totals)
	}

	err = run([]string{"--plan", planPath, "--connector", "loopback", "--instruments", filepath.Join(t.TempDir(), "missing.csv")}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "instruments:") {
		t.Fatalf("run() error = %v, want instruments error", err)
	}
}

package plan_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/gatewayprobe/internal/mix"
	"github.com/torosent/gatewayprobe/internal/plan"
)

const samplePlan = `
name: ramp-smoke
protocol_version: FIX.4.2
sessions: 20
timeout: 3s
description: nightly ramp against staging gateway
owner: trading-qa
tags: [staging, nightly]
steps:
  - rate: 100
    duration: 30s
    remark: warm up
  - rate: 500
    duration: 2m
mix:
  - msg_type: D
    weight: 70
    large_ratio: 10
    max_size_kb: 4
  - msg_type: F
    weight: 20
  - msg_type: "0"
    weight: 10
`

func TestParseAndValidate(t *testing.T) {
	p, err := plan.Parse(strings.NewReader(samplePlan))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Name != "ramp-smoke" || p.ProtocolVersion != plan.FIX42 || p.SessionCount != 20 {
		t.Fatalf("unexpected header: %+v", p)
	}
	if len(p.Steps) != 2 || p.Steps[1].Duration != 2*time.Minute || p.Steps[1].Ordinal != 2 {
		t.Fatalf("unexpected steps: %+v", p.Steps)
	}
	if p.Steps[0].Remark != "warm up" {
		t.Fatalf("expected remark, got %q", p.Steps[0].Remark)
	}
	if p.Mix[2].MsgType != mix.Heartbeat {
		t.Fatalf("expected heartbeat entry, got %+v", p.Mix[2])
	}
	if p.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", p.Timeout)
	}
	if p.TotalDuration() != 150*time.Second {
		t.Fatalf("unexpected total duration %s", p.TotalDuration())
	}
}

func TestParseDefaults(t *testing.T) {
	p, err := plan.Parse(strings.NewReader("sessions: 1\nsteps:\n  - rate: 1\n    duration: 1s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "plan" || p.ProtocolVersion != plan.FIX44 || p.Timeout != plan.DefaultTimeout {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if len(p.Mix) != 1 || p.Mix[0].MsgType != mix.NewOrderSingle || p.Mix[0].Weight != 100 {
		t.Fatalf("expected default mix, got %+v", p.Mix)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := plan.Parse(strings.NewReader("sessions: 1\ntps_steps: []\n"))
	if err == nil || !strings.Contains(err.Error(), "tps_steps") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := plan.Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	p := plan.Plan{
		Name:            "bad plan",
		ProtocolVersion: "FIX.5.0",
		SessionCount:    0,
		Steps: []plan.Step{
			{TargetRate: 0, Duration: time.Second},
			{TargetRate: 6000, Duration: time.Second},
			{TargetRate: 10, Duration: 0},
		},
		Mix: []mix.Entry{
			{MsgType: mix.NewOrderSingle, Weight: 60},
			{MsgType: "Z", Weight: 30},
		},
	}
	err := p.Validate()
	var ve plan.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	want := []string{
		"name must not contain spaces",
		"protocol version",
		"sessions must be between 1 and 1000",
		"steps[0]: plan validation failed: rate must be positive",
		"steps[1]: rate must be between 1 and 5000",
		"steps[2]: plan validation failed: duration must be positive",
		`message type "Z" is not supported`,
		"mix weights must sum to 100, got 90",
	}
	joined := strings.Join(ve.Issues(), "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing issue %q in:\n%s", w, joined)
		}
	}
}

func TestValidateStep(t *testing.T) {
	tests := []struct {
		name string
		step plan.Step
		ok   bool
	}{
		{"valid", plan.Step{TargetRate: 0.5, Duration: time.Millisecond}, true},
		{"zero rate", plan.Step{TargetRate: 0, Duration: time.Second}, false},
		{"negative rate", plan.Step{TargetRate: -1, Duration: time.Second}, false},
		{"zero duration", plan.Step{TargetRate: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := plan.ValidateStep(tt.step)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidateStep(%+v) = %v", tt.step, err)
			}
			if err != nil && !plan.IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestLoadValidatesFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(samplePlan), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := plan.Load(good); err != nil {
		t.Fatalf("Load: %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("sessions: 5000\nsteps:\n  - rate: 1\n    duration: 1s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := plan.Load(bad); !plan.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := plan.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadJSONPlan(t *testing.T) {
	doc := `{
  "name": "json-smoke",
  "protocol_version": "FIX.4.2",
  "sessions": 3,
  "timeout": "2s",
  "steps": [{"rate": 50, "duration": "10s"}],
  "mix": [{"msg_type": "D", "weight": 100}]
}`
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := plan.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "json-smoke" || p.SessionCount != 3 || p.Timeout != 2*time.Second {
		t.Fatalf("unexpected header: %+v", p)
	}
	if len(p.Steps) != 1 || p.Steps[0].Duration != 10*time.Second || p.Steps[0].Ordinal != 1 {
		t.Fatalf("unexpected steps: %+v", p.Steps)
	}

	if _, err := plan.Parse(strings.NewReader(`{"sessions": 1, "tps_steps": []}`)); err == nil {
		t.Fatal("expected unknown field error for JSON document")
	}
}

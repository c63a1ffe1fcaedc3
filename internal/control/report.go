package control

import (
	"time"

	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/session"
	"github.com/torosent/gatewayprobe/internal/threshold"
)

// RunStatus is the scheduler state of one run, tagged with its id.
type RunStatus struct {
	RunID string `json:"run_id"`
	Plan  string `json:"plan"`
	runner.State
}

// Report is the full result of a run. While the run is active it reflects
// the state so far.
type Report struct {
	RunID           string               `json:"run_id"`
	Plan            string               `json:"plan"`
	ProtocolVersion plan.ProtocolVersion `json:"protocol_version"`
	Owner           string               `json:"owner,omitempty"`
	Tags            []string             `json:"tags,omitempty"`

	Status    runner.Status `json:"status"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`

	Totals   runner.Totals         `json:"totals"`
	Sessions runner.SessionCounts  `json:"sessions"`
	Stats    metrics.Stats         `json:"stats"`
	Stages   []metrics.StageStats  `json:"stages,omitempty"`
	Steps    []runner.StepProgress `json:"steps"`

	SessionBreakdown []session.Stats    `json:"session_breakdown,omitempty"`
	Thresholds       []threshold.Result `json:"thresholds,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r Report) Finished() bool { return r.Status.Terminal() }

// Passed reports whether the run completed and every threshold held.
func (r Report) Passed() bool {
	return r.Status == runner.StatusCompleted && threshold.Passed(r.Thresholds)
}

package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/torosent/gatewayprobe/internal/metrics"
)

// Status is the scheduler's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned for a control request the current state
// does not allow.
var ErrInvalidTransition = errors.New("runner: invalid state transition")

var transitions = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:  {StatusPaused, StatusStopping},
	StatusPaused:   {StatusRunning, StatusStopping},
	StatusStopping: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StepStatus is the progress state of one ramp step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepProgress records how a step executed.
type StepProgress struct {
	Ordinal          int           `json:"ordinal"`
	Remark           string        `json:"remark,omitempty"`
	TargetRate       float64       `json:"target_rate"`
	ActualRate       float64       `json:"actual_rate"`
	Duration         time.Duration `json:"-"`
	DurationMs       float64       `json:"duration_ms"`
	StartedAt        time.Time     `json:"started_at,omitzero"`
	EndedAt          time.Time     `json:"ended_at,omitzero"`
	ActiveDuration   time.Duration `json:"-"`
	ActiveDurationMs float64       `json:"active_duration_ms"`
	Sent             int64         `json:"sent"`
	Succeeded        int64         `json:"succeeded"`
	Failed           int64         `json:"failed"`
	Status           StepStatus    `json:"status"`
}

// UnmarshalJSON restores Duration and ActiveDuration from their millisecond
// forms.
func (sp *StepProgress) UnmarshalJSON(data []byte) error {
	type plain StepProgress
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*sp = StepProgress(p)
	sp.Duration = metrics.FromMs(sp.DurationMs)
	sp.ActiveDuration = metrics.FromMs(sp.ActiveDurationMs)
	return nil
}

// Totals are run counters plus the number of unresolved probes.
type Totals struct {
	metrics.Totals
	Outstanding int64 `json:"outstanding"`
}

// SessionCounts summarise pool initialization.
type SessionCounts struct {
	Requested int `json:"requested"`
	Connected int `json:"connected"`
	Failed    int `json:"failed"`
}

// State is a point-in-time view of a run.
type State struct {
	Status      Status         `json:"status"`
	CurrentStep int            `json:"current_step"`
	CurrentRate float64        `json:"current_rate"`
	Totals      Totals         `json:"totals"`
	Sessions    SessionCounts  `json:"sessions"`
	Steps       []StepProgress `json:"steps"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	EndedAt     time.Time      `json:"ended_at,omitzero"`
}

// Package plan describes ramp test plans and loads them from YAML.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/gatewayprobe/internal/mix"
)

// ProtocolVersion is the FIX BeginString used by probe sessions.
type ProtocolVersion string

const (
	FIX42  ProtocolVersion = "FIX.4.2"
	FIX44  ProtocolVersion = "FIX.4.4"
	FIXT11 ProtocolVersion = "FIXT.1.1"
)

const (
	MaxSessions       = 1000
	MinStepRate       = 1
	MaxStepRate       = 5000
	MaxStepDuration   = 3600 * time.Minute
	maxNameLength     = 100
	maxDescLength     = 500
	maxRemarkLength   = 200
	DefaultTimeout    = 5 * time.Second
	defaultPlanName   = "plan"
	requiredMixWeight = 100
)

// Step is one segment of a ramp profile: emit TargetRate probes per second
// for Duration of active (unpaused) time.
type Step struct {
	TargetRate float64       `yaml:"rate" json:"rate"`
	Duration   time.Duration `yaml:"duration" json:"duration"`
	Ordinal    int           `yaml:"ordinal,omitempty" json:"ordinal"`
	Remark     string        `yaml:"remark,omitempty" json:"remark,omitempty"`
}

// Plan is a complete test plan.
type Plan struct {
	Name            string          `yaml:"name" json:"name"`
	ProtocolVersion ProtocolVersion `yaml:"protocol_version,omitempty" json:"protocol_version"`
	SessionCount    int             `yaml:"sessions" json:"sessions"`
	Steps           []Step          `yaml:"steps" json:"steps"`
	Mix             []mix.Entry     `yaml:"mix,omitempty" json:"mix,omitempty"`
	Timeout         time.Duration   `yaml:"timeout,omitempty" json:"timeout"`
	DrainPeriod     time.Duration   `yaml:"drain_period,omitempty" json:"drain_period,omitempty"`
	Description     string          `yaml:"description,omitempty" json:"description,omitempty"`
	Owner           string          `yaml:"owner,omitempty" json:"owner,omitempty"`
	Tags            []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// TotalDuration is the sum of active step durations.
func (p Plan) TotalDuration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d += s.Duration
	}
	return d
}

// Normalize fills defaults and assigns step ordinals by position.
func (p *Plan) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = defaultPlanName
	}
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = FIX44
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if len(p.Mix) == 0 {
		p.Mix = append([]mix.Entry(nil), mix.Default...)
	}
	for i := range p.Steps {
		p.Steps[i].Ordinal = i + 1
	}
}

// ValidationError collects every problem found in a plan.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "plan validation failed"
	}
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// NewValidationError builds a ValidationError from issues.
func NewValidationError(issues ...string) ValidationError {
	return ValidationError{issues: append([]string(nil), issues...)}
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Validate checks the plan against the supported limits.
func (p Plan) Validate() error {
	var issues []string

	if len(p.Name) > maxNameLength {
		issues = append(issues, fmt.Sprintf("name must be at most %d characters", maxNameLength))
	}
	if strings.ContainsAny(p.Name, " /\\") {
		issues = append(issues, "name must not contain spaces or path separators")
	}
	if len(p.Description) > maxDescLength {
		issues = append(issues, fmt.Sprintf("description must be at most %d characters", maxDescLength))
	}
	switch p.ProtocolVersion {
	case "", FIX42, FIX44, FIXT11:
	default:
		issues = append(issues, fmt.Sprintf("protocol version %q is not supported", p.ProtocolVersion))
	}
	if p.SessionCount < 1 || p.SessionCount > MaxSessions {
		issues = append(issues, fmt.Sprintf("sessions must be between 1 and %d", MaxSessions))
	}
	if p.Timeout < 0 {
		issues = append(issues, "timeout must be non-negative")
	}
	if p.DrainPeriod < 0 {
		issues = append(issues, "drain_period must be non-negative")
	}

	if len(p.Steps) == 0 {
		issues = append(issues, "at least one step is required")
	}
	for i, s := range p.Steps {
		if err := ValidateStep(s); err != nil {
			issues = append(issues, fmt.Sprintf("steps[%d]: %v", i, err))
			continue
		}
		if s.TargetRate < MinStepRate || s.TargetRate > MaxStepRate {
			issues = append(issues, fmt.Sprintf("steps[%d]: rate must be between %d and %d", i, MinStepRate, MaxStepRate))
		}
		if s.Duration > MaxStepDuration {
			issues = append(issues, fmt.Sprintf("steps[%d]: duration must be at most %s", i, MaxStepDuration))
		}
		if len(s.Remark) > maxRemarkLength {
			issues = append(issues, fmt.Sprintf("steps[%d]: remark must be at most %d characters", i, maxRemarkLength))
		}
	}

	issues = append(issues, validateMix(p.Mix)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// ValidateStep rejects steps that can never be executed.
func ValidateStep(s Step) error {
	var issues []string
	if !(s.TargetRate > 0) || math.IsInf(s.TargetRate, 0) {
		issues = append(issues, fmt.Sprintf("rate must be positive, got %v", s.TargetRate))
	}
	if s.Duration <= 0 {
		issues = append(issues, fmt.Sprintf("duration must be positive, got %s", s.Duration))
	}
	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateMix(entries []mix.Entry) []string {
	if len(entries) == 0 {
		return nil
	}
	var issues []string
	total := 0
	seen := make(map[mix.MsgType]bool, len(entries))
	for i, e := range entries {
		if !mix.Known(e.MsgType) {
			issues = append(issues, fmt.Sprintf("mix[%d]: message type %q is not supported", i, e.MsgType))
		}
		if seen[e.MsgType] {
			issues = append(issues, fmt.Sprintf("mix[%d]: message type %q listed twice", i, e.MsgType))
		}
		seen[e.MsgType] = true
		if e.Weight < 0 || e.Weight > 100 {
			issues = append(issues, fmt.Sprintf("mix[%d]: weight must be between 0 and 100", i))
		}
		if e.LargeRatio < 0 || e.LargeRatio > 100 {
			issues = append(issues, fmt.Sprintf("mix[%d]: large_ratio must be between 0 and 100", i))
		}
		if e.LargeRatio > 0 && e.MaxSizeKB <= 0 {
			issues = append(issues, fmt.Sprintf("mix[%d]: max_size_kb is required when large_ratio is set", i))
		}
		total += e.Weight
	}
	if total != requiredMixWeight {
		issues = append(issues, fmt.Sprintf("mix weights must sum to %d, got %d", requiredMixWeight, total))
	}
	return issues
}

// Parse decodes a YAML or JSON plan, rejecting unknown fields, then
// normalizes it. The result is not validated.
func Parse(r io.Reader) (Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, errors.New("plan document is empty")
		}
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	p.Normalize()
	return p, nil
}

// Load reads, normalizes and validates a plan file.
func Load(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

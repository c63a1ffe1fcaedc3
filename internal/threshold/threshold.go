// Package threshold parses and evaluates pass/fail assertions over a run's
// aggregate probe statistics, e.g. "latency:p99 < 50".
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/torosent/gatewayprobe/internal/metrics"
)

// Threshold is one parsed assertion.
type Threshold struct {
	Metric    string  `json:"metric"`    // e.g. "latency", "failed"
	Aggregate string  `json:"aggregate"` // e.g. "p95", "rate", "count"
	Operator  string  `json:"operator"`  // "<", "<=", ">", ">=", "=="
	Value     float64 `json:"value"`
	Raw       string  `json:"raw"`
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
	Pass      bool      `json:"pass"`
	Message   string    `json:"message"`
}

type extractor func(metrics.Stats) float64

// catalog maps metric -> aggregate -> value. Latency values are in
// milliseconds; rates are fractions of probes sent unless noted.
var catalog = map[string]map[string]extractor{
	"latency": {
		"p50":  func(s metrics.Stats) float64 { return s.P50LatencyMs },
		"p90":  func(s metrics.Stats) float64 { return s.P90LatencyMs },
		"p95":  func(s metrics.Stats) float64 { return s.P95LatencyMs },
		"p99":  func(s metrics.Stats) float64 { return s.P99LatencyMs },
		"avg":  func(s metrics.Stats) float64 { return s.MeanLatencyMs },
		"mean": func(s metrics.Stats) float64 { return s.MeanLatencyMs },
		"min":  func(s metrics.Stats) float64 { return s.MinLatencyMs },
		"max":  func(s metrics.Stats) float64 { return s.MaxLatencyMs },
	},
	"failed":      countAndRate(func(t metrics.Totals) int64 { return t.Failed }),
	"timeouts":    countAndRate(func(t metrics.Totals) int64 { return t.TimedOut }),
	"send_errors": countAndRate(func(t metrics.Totals) int64 { return t.SendErrors }),
	"duplicates":  countAndRate(func(t metrics.Totals) int64 { return t.Duplicates }),
	"late":        countAndRate(func(t metrics.Totals) int64 { return t.Late }),
	"probes": {
		"count": func(s metrics.Stats) float64 { return float64(s.Sent) },
		// probes per second
		"rate": func(s metrics.Stats) float64 { return s.ProbesPerSec },
	},
	"connects": {
		"failed": func(s metrics.Stats) float64 { return float64(s.Connections.Failed) },
		// successful connects over attempts
		"rate": func(s metrics.Stats) float64 { return s.Connections.SuccessRate },
		"avg":  func(s metrics.Stats) float64 { return s.Connections.MeanConnectMs },
		"max":  func(s metrics.Stats) float64 { return s.Connections.MaxConnectMs },
	},
}

// countAndRate exposes a probe outcome counter as "count" and as a fraction
// of probes sent. The rate is 0 when nothing was sent.
func countAndRate(field func(metrics.Totals) int64) map[string]extractor {
	return map[string]extractor{
		"count": func(s metrics.Stats) float64 { return float64(field(s.Totals)) },
		"rate": func(s metrics.Stats) float64 {
			if s.Sent == 0 {
				return 0
			}
			return float64(field(s.Totals)) / float64(s.Sent)
		},
	}
}

var operators = []string{"<", "<=", ">", ">=", "=="}

var thresholdPattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Parse parses "metric:aggregate operator value". Supported forms include:
//
//	latency:p99 < 50        probe latency percentile in ms
//	failed:rate < 0.01      failed probes over sent
//	timeouts:count == 0     probes that timed out
//	probes:rate > 100       probes sent per second
//	connects:failed == 0    sessions that could not log on
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	m := thresholdPattern.FindStringSubmatch(s)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'latency:p95 < 50')", s)
	}
	metric, aggregate, operator := m[1], m[2], m[3]

	value, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", m[4], err)
	}
	aggregates, ok := catalog[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", metric, strings.Join(sortedKeys(catalog), ", "))
	}
	if _, ok := aggregates[aggregate]; !ok {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(sortedKeys(aggregates), ", "))
	}
	if !slices.Contains(operators, operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: %s)", operator, strings.Join(operators, ", "))
	}

	return Threshold{Metric: metric, Aggregate: aggregate, Operator: operator, Value: value, Raw: s}, nil
}

// ParseMultiple parses every entry and reports all bad ones together.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string
	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Evaluator checks a fixed set of thresholds against run statistics.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate returns one result per threshold, or nil when there are none.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, stats))
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func evaluateOne(t Threshold, stats metrics.Stats) Result {
	extract, ok := catalog[t.Metric][t.Aggregate]
	if !ok {
		return Result{Threshold: t, Message: fmt.Sprintf("error: unknown metric %s:%s", t.Metric, t.Aggregate)}
	}
	actual := extract(stats)
	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

const epsilon = 1e-9

func compareValues(actual float64, operator string, expected float64) bool {
	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}

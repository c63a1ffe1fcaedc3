package metrics

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// LatencySample is one terminal probe outcome. Failed samples carry no latency.
type LatencySample struct {
	Value   time.Duration
	Success bool
}

// Totals are the run-level counters. Failed includes TimedOut, SendErrors and
// Discarded.
type Totals struct {
	Sent       int64 `json:"sent"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	TimedOut   int64 `json:"timed_out"`
	SendErrors int64 `json:"send_errors"`
	Discarded  int64 `json:"discarded"`
	Duplicates int64 `json:"duplicates"`
	Late       int64 `json:"late_responses"`
	Unknown    int64 `json:"unknown_responses"`
}

// Aggregator records per-probe outcomes in a thread-safe manner.
type Aggregator struct {
	sent       int64
	succeeded  int64
	failed     int64
	timedOut   int64
	sendErrors int64
	discarded  int64
	duplicates int64
	late       int64
	unknown    int64

	mu           sync.Mutex
	samples      []LatencySample
	errorsByKind map[ErrorKind]int64
	stages       map[int]*stageRecorder
	conns        connRecorder
	start        time.Time
	now          func() time.Time
}

type stageRecorder struct {
	hist      *hdrhistogram.Histogram
	sent      int64
	succeeded int64
	failed    int64
}

type connRecorder struct {
	attempted int64
	succeeded int64
	failed    int64
	sum       time.Duration
	min       time.Duration
	max       time.Duration
	reasons   map[string]int
}

// Stats represents aggregated metrics.
type Stats struct {
	Totals
	SuccessRate  float64       `json:"success_rate"`
	MinLatency   time.Duration `json:"-"`
	MaxLatency   time.Duration `json:"-"`
	MeanLatency  time.Duration `json:"-"`
	P50Latency   time.Duration `json:"-"`
	P90Latency   time.Duration `json:"-"`
	P95Latency   time.Duration `json:"-"`
	P99Latency   time.Duration `json:"-"`
	Duration     time.Duration `json:"-"`
	ProbesPerSec float64       `json:"probes_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	DurationMs    float64 `json:"duration_ms"`

	Errors      []ErrorBucket   `json:"errors,omitempty"`
	Connections ConnectionStats `json:"connections"`
}

// StageStats summarises one ramp step.
type StageStats struct {
	Stage         int     `json:"stage"`
	Sent          int64   `json:"sent"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
}

// ConnectionStats summarises session connection attempts.
type ConnectionStats struct {
	Attempted     int64          `json:"attempted"`
	Succeeded     int64          `json:"succeeded"`
	Failed        int64          `json:"failed"`
	SuccessRate   float64        `json:"success_rate"`
	MinConnectMs  float64        `json:"min_connect_ms"`
	MeanConnectMs float64        `json:"mean_connect_ms"`
	MaxConnectMs  float64        `json:"max_connect_ms"`
	Reasons       map[string]int `json:"failure_reasons,omitempty"`
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return NewAggregatorWithClock(time.Now)
}

// NewAggregatorWithClock is NewAggregator with an injectable wall clock.
func NewAggregatorWithClock(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		errorsByKind: make(map[ErrorKind]int64),
		stages:       make(map[int]*stageRecorder),
		conns:        connRecorder{reasons: make(map[string]int)},
		start:        now(),
		now:          now,
	}
}

// Start marks the beginning of the measured window used for throughput.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.start = a.now()
	a.mu.Unlock()
}

// Elapsed returns the wall-clock time since Start.
func (a *Aggregator) Elapsed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Sub(a.start)
}

// RecordSent counts one emitted probe attributed to stage.
func (a *Aggregator) RecordSent(stage int) {
	atomic.AddInt64(&a.sent, 1)
	a.mu.Lock()
	a.stage(stage).sent++
	a.mu.Unlock()
}

// RecordSuccess records a matched response.
func (a *Aggregator) RecordSuccess(stage int, latency time.Duration) {
	atomic.AddInt64(&a.succeeded, 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, LatencySample{Value: latency, Success: true})
	rec := a.stage(stage)
	rec.succeeded++
	us := latency.Microseconds()
	if us < rec.hist.LowestTrackableValue() {
		us = rec.hist.LowestTrackableValue()
	}
	if us > rec.hist.HighestTrackableValue() {
		us = rec.hist.HighestTrackableValue()
	}
	_ = rec.hist.RecordValue(us)
}

// RecordFailure records a terminal failure of kind timeout, send error or
// discard. Other kinds only feed the error histogram.
func (a *Aggregator) RecordFailure(stage int, kind ErrorKind) {
	var counter *int64
	switch kind {
	case KindTimeout:
		counter = &a.timedOut
	case KindSend:
		counter = &a.sendErrors
	case KindDiscarded:
		counter = &a.discarded
	default:
		a.RecordError(kind)
		return
	}
	// failed leads its breakdown; Totals reads them in the opposite order.
	atomic.AddInt64(&a.failed, 1)
	atomic.AddInt64(counter, 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, LatencySample{Success: false})
	a.stage(stage).failed++
	a.errorsByKind[kind]++
}

// RecordDuplicate counts a response for an id that was already resolved. late
// marks responses that arrived after the request had timed out.
func (a *Aggregator) RecordDuplicate(late bool) {
	atomic.AddInt64(&a.duplicates, 1)
	if late {
		atomic.AddInt64(&a.late, 1)
	}
	a.RecordError(KindDuplicate)
}

// RecordUnknown counts a response whose correlation id was never issued.
func (a *Aggregator) RecordUnknown() {
	atomic.AddInt64(&a.unknown, 1)
	a.RecordError(KindUnknownResponse)
}

// RecordError adds one occurrence of kind to the error histogram.
func (a *Aggregator) RecordError(kind ErrorKind) {
	a.mu.Lock()
	a.errorsByKind[kind]++
	a.mu.Unlock()
}

// RecordConnect records one session connection attempt.
func (a *Aggregator) RecordConnect(latency time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &a.conns
	c.attempted++
	if err != nil {
		c.failed++
		c.reasons[err.Error()]++
		a.errorsByKind[KindConnection]++
		return
	}
	c.succeeded++
	c.sum += latency
	if c.min == 0 || latency < c.min {
		c.min = latency
	}
	if latency > c.max {
		c.max = latency
	}
}

// Totals returns a consistent-enough snapshot of the counters. Failure kinds
// are read before failed, and outcomes before sent, so that while probes are
// in flight the snapshot keeps Failed >= TimedOut+SendErrors+Discarded and
// Sent >= Succeeded+Failed.
func (a *Aggregator) Totals() Totals {
	var t Totals
	t.TimedOut = atomic.LoadInt64(&a.timedOut)
	t.SendErrors = atomic.LoadInt64(&a.sendErrors)
	t.Discarded = atomic.LoadInt64(&a.discarded)
	t.Succeeded = atomic.LoadInt64(&a.succeeded)
	t.Failed = atomic.LoadInt64(&a.failed)
	t.Duplicates = atomic.LoadInt64(&a.duplicates)
	t.Late = atomic.LoadInt64(&a.late)
	t.Unknown = atomic.LoadInt64(&a.unknown)
	t.Sent = atomic.LoadInt64(&a.sent)
	return t
}

// Sent returns the number of emitted probes.
func (a *Aggregator) Sent() int64 {
	return atomic.LoadInt64(&a.sent)
}

// Samples returns a copy of the latency samples.
func (a *Aggregator) Samples() []LatencySample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]LatencySample(nil), a.samples...)
}

// Stats computes and returns current aggregated statistics.
func (a *Aggregator) Stats(elapsed time.Duration) Stats {
	totals := a.Totals()

	a.mu.Lock()
	latencies := successLatencies(a.samples)
	hist := make(map[ErrorKind]int64, len(a.errorsByKind))
	for k, v := range a.errorsByKind {
		hist[k] = v
	}
	conns := a.connectionStatsLocked()
	a.mu.Unlock()

	stats := Stats{
		Totals:      totals,
		SuccessRate: SuccessRate(totals.Succeeded, totals.Sent),
		Errors:      SortErrorBuckets(hist),
		Connections: conns,
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		stats.MinLatency = latencies[0]
		stats.MaxLatency = latencies[len(latencies)-1]
		stats.MeanLatency = time.Duration(int64(sum) / int64(len(latencies)))
		stats.P50Latency = percentileSorted(latencies, 50)
		stats.P90Latency = percentileSorted(latencies, 90)
		stats.P95Latency = percentileSorted(latencies, 95)
		stats.P99Latency = percentileSorted(latencies, 99)
	}

	stats.MinLatencyMs = toMs(stats.MinLatency)
	stats.MaxLatencyMs = toMs(stats.MaxLatency)
	stats.MeanLatencyMs = toMs(stats.MeanLatency)
	stats.P50LatencyMs = toMs(stats.P50Latency)
	stats.P90LatencyMs = toMs(stats.P90Latency)
	stats.P95LatencyMs = toMs(stats.P95Latency)
	stats.P99LatencyMs = toMs(stats.P99Latency)

	stats.Duration = elapsed
	stats.DurationMs = toMs(elapsed)
	stats.ProbesPerSec = Throughput(totals.Sent, elapsed)
	return stats
}

// StageStats returns the per-stage breakdown ordered by stage index.
func (a *Aggregator) StageStats() []StageStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]StageStats, 0, len(a.stages))
	for idx, rec := range a.stages {
		s := StageStats{
			Stage:     idx,
			Sent:      rec.sent,
			Succeeded: rec.succeeded,
			Failed:    rec.failed,
		}
		if rec.hist.TotalCount() > 0 {
			s.MeanLatencyMs = rec.hist.Mean() / 1000.0
			s.P50LatencyMs = float64(rec.hist.ValueAtQuantile(50)) / 1000.0
			s.P95LatencyMs = float64(rec.hist.ValueAtQuantile(95)) / 1000.0
			s.P99LatencyMs = float64(rec.hist.ValueAtQuantile(99)) / 1000.0
			s.MaxLatencyMs = float64(rec.hist.Max()) / 1000.0
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// ErrorHistogram returns a copy of the error counts by kind.
func (a *Aggregator) ErrorHistogram() map[ErrorKind]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ErrorKind]int64, len(a.errorsByKind))
	for k, v := range a.errorsByKind {
		out[k] = v
	}
	return out
}

func (a *Aggregator) stage(idx int) *stageRecorder {
	rec, ok := a.stages[idx]
	if !ok {
		// Track latencies from 1µs up to 60s with 3 significant figures.
		rec = &stageRecorder{hist: hdrhistogram.New(1, 60_000_000, 3)}
		a.stages[idx] = rec
	}
	return rec
}

func (a *Aggregator) connectionStatsLocked() ConnectionStats {
	c := a.conns
	out := ConnectionStats{
		Attempted:    c.attempted,
		Succeeded:    c.succeeded,
		Failed:       c.failed,
		SuccessRate:  SuccessRate(c.succeeded, c.attempted),
		MinConnectMs: toMs(c.min),
		MaxConnectMs: toMs(c.max),
	}
	if c.succeeded > 0 {
		out.MeanConnectMs = toMs(time.Duration(int64(c.sum) / c.succeeded))
	}
	if len(c.reasons) > 0 {
		out.Reasons = make(map[string]int, len(c.reasons))
		for k, v := range c.reasons {
			out.Reasons[k] = v
		}
	}
	return out
}

// Percentile returns the p-th percentile of values using the nearest-rank
// index clamp(ceil(p/100*n)-1, 0, n-1). values is not modified.
func Percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// SuccessRate returns succeeded/sent*100, or 0 when sent is 0.
func SuccessRate(succeeded, sent int64) float64 {
	if sent <= 0 {
		return 0
	}
	return float64(succeeded) / float64(sent) * 100
}

// Throughput returns sent per elapsed second, or 0 for an empty window.
func Throughput(sent int64, elapsed time.Duration) float64 {
	if elapsed <= 0 || sent <= 0 {
		return 0
	}
	return float64(sent) / elapsed.Seconds()
}

func successLatencies(samples []LatencySample) []time.Duration {
	out := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.Success {
			out = append(out, s.Value)
		}
	}
	return out
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FromMs converts a millisecond value back into a duration.
func FromMs(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

// UnmarshalJSON restores the duration fields, which are only encoded in
// their millisecond form.
func (s *Stats) UnmarshalJSON(data []byte) error {
	type plain Stats
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Stats(p)
	s.MinLatency = FromMs(s.MinLatencyMs)
	s.MaxLatency = FromMs(s.MaxLatencyMs)
	s.MeanLatency = FromMs(s.MeanLatencyMs)
	s.P50Latency = FromMs(s.P50LatencyMs)
	s.P90Latency = FromMs(s.P90LatencyMs)
	s.P95Latency = FromMs(s.P95LatencyMs)
	s.P99Latency = FromMs(s.P99LatencyMs)
	s.Duration = FromMs(s.DurationMs)
	return nil
}

// Package metrics aggregates probe outcomes for a single run.
//
// The [Aggregator] keeps monotonic counters (sent, succeeded, failed,
// timed out, ...), an append-only list of latency samples and an error
// histogram keyed by [ErrorKind]. It is written only from the correlation
// tracker's resolution path and from session connection attempts, and it is
// safe for concurrent use.
//
// # Statistics
//
// [Aggregator.Stats] computes on demand:
//   - min/max/average latency over successful samples
//   - exact percentiles over a sorted copy of the samples (see [Percentile])
//   - throughput as sent / elapsed wall-clock seconds
//   - success rate as succeeded / sent * 100, 0 when nothing was sent
//
// Per-stage breakdowns use HDR histograms so long runs keep bounded memory per
// ramp step:
//
//	agg := metrics.NewAggregator()
//	agg.Start()
//	agg.RecordSent(0)
//	agg.RecordSuccess(0, 12*time.Millisecond)
//	stats := agg.Stats(agg.Elapsed())
package metrics

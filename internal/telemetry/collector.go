package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	probesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "probes_total"),
		"Probes by outcome.",
		[]string{"run_id", "plan", "outcome"}, nil)
	outstandingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "probes_outstanding"),
		"Probes awaiting a response.",
		[]string{"run_id", "plan"}, nil)
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "sessions"),
		"Probe sessions by connection result.",
		[]string{"run_id", "plan", "state"}, nil)
	statusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "run_status"),
		"1 for the current status of each run.",
		[]string{"run_id", "plan", "status"}, nil)
)

// runCollector reads run counters from the source on every scrape.
type runCollector struct {
	source Source
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- probesDesc
	ch <- outstandingDesc
	ch <- sessionsDesc
	ch <- statusDesc
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source() {
		t := st.Totals
		outcomes := []struct {
			name  string
			value int64
		}{
			{"sent", t.Sent},
			{"succeeded", t.Succeeded},
			{"failed", t.Failed},
			{"timed_out", t.TimedOut},
			{"send_error", t.SendErrors},
			{"discarded", t.Discarded},
			{"duplicate", t.Duplicates},
			{"late", t.Late},
			{"unknown", t.Unknown},
		}
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(probesDesc, prometheus.CounterValue, float64(o.value), st.RunID, st.Plan, o.name)
		}
		ch <- prometheus.MustNewConstMetric(outstandingDesc, prometheus.GaugeValue, float64(t.Outstanding), st.RunID, st.Plan)
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(st.Sessions.Connected), st.RunID, st.Plan, "connected")
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(st.Sessions.Failed), st.RunID, st.Plan, "failed")
		ch <- prometheus.MustNewConstMetric(statusDesc, prometheus.GaugeValue, 1, st.RunID, st.Plan, string(st.Status))
	}
}

var _ prometheus.Collector = (*runCollector)(nil)

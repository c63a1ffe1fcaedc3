// Package output renders run reports and live progress for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/metrics"
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, rep control.Report) {
	stats := rep.Stats
	fmt.Fprintln(w, "\n--- Gateway Probe Results ---")
	fmt.Fprintf(w, "Run:               %s (%s)\n", rep.RunID, rep.Plan)
	if rep.ProtocolVersion != "" {
		fmt.Fprintf(w, "Protocol:          %s\n", rep.ProtocolVersion)
	}
	fmt.Fprintf(w, "Status:            %s\n", rep.Status)
	if rep.Error != "" {
		fmt.Fprintf(w, "Error:             %s\n", rep.Error)
	}
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Probes Sent:       %d\n", rep.Totals.Sent)
	fmt.Fprintf(w, "Succeeded:         %d\n", rep.Totals.Succeeded)
	fmt.Fprintf(w, "Failed:            %d\n", rep.Totals.Failed)
	fmt.Fprintf(w, "  Timed Out:       %d\n", rep.Totals.TimedOut)
	fmt.Fprintf(w, "  Send Errors:     %d\n", rep.Totals.SendErrors)
	fmt.Fprintf(w, "  Discarded:       %d\n", rep.Totals.Discarded)
	if rep.Totals.Outstanding > 0 {
		fmt.Fprintf(w, "Outstanding:       %d\n", rep.Totals.Outstanding)
	}
	fmt.Fprintf(w, "Duplicates:        %d\n", rep.Totals.Duplicates)
	fmt.Fprintf(w, "Late Responses:    %d\n", rep.Totals.Late)
	fmt.Fprintf(w, "Unknown Responses: %d\n", rep.Totals.Unknown)
	fmt.Fprintf(w, "Probes/sec:        %.2f\n", stats.ProbesPerSec)

	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P95:             %s\n", stats.P95Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(rep.Steps) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		stages := make(map[int]metrics.StageStats, len(rep.Stages))
		for _, s := range rep.Stages {
			stages[s.Stage] = s
		}
		for _, step := range rep.Steps {
			fmt.Fprintf(w, "  %d. %-9s target=%.1f/s actual=%.1f/s sent=%d ok=%d failed=%d",
				step.Ordinal, step.Status, step.TargetRate, step.ActualRate, step.Sent, step.Succeeded, step.Failed)
			if st, ok := stages[step.Ordinal]; ok && st.Succeeded > 0 {
				fmt.Fprintf(w, " p95=%.2fms p99=%.2fms", st.P95LatencyMs, st.P99LatencyMs)
			}
			if step.Remark != "" {
				fmt.Fprintf(w, " (%s)", step.Remark)
			}
			fmt.Fprintln(w)
		}
	}

	conns := stats.Connections
	fmt.Fprintln(w, "\nSessions:")
	fmt.Fprintf(w, "  Requested:       %d\n", rep.Sessions.Requested)
	fmt.Fprintf(w, "  Connected:       %d\n", rep.Sessions.Connected)
	fmt.Fprintf(w, "  Failed:          %d\n", rep.Sessions.Failed)
	if conns.Attempted > 0 {
		fmt.Fprintf(w, "  Connect Time:    min=%.2fms mean=%.2fms max=%.2fms\n",
			conns.MinConnectMs, conns.MeanConnectMs, conns.MaxConnectMs)
	}
	writeReasons(w, conns.Reasons, "    ")

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, b := range stats.Errors {
			fmt.Fprintf(w, "  %s: %d\n", b.Label, b.Count)
		}
	}

	if len(rep.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, r := range rep.Thresholds {
			mark := "PASS"
			if !r.Pass {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  [%s] %s (actual %.2f)\n", mark, r.Threshold.Raw, r.Actual)
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, rep control.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func writeReasons(w io.Writer, reasons map[string]int, indent string) {
	if len(reasons) == 0 {
		return
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reasons[keys[i]] == reasons[keys[j]] {
			return keys[i] < keys[j]
		}
		return reasons[keys[i]] > reasons[keys[j]]
	})
	for _, k := range keys {
		fmt.Fprintf(w, "%s%s: %d\n", indent, k, reasons[k])
	}
}

package output

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/threshold"
)

// HTMLReportData contains all data needed for the HTML report template.
type HTMLReportData struct {
	GeneratedAt      string
	Report           control.Report
	TargetURL        string
	ThresholdSummary *ThresholdSummary
	MaxRate          float64
}

// ThresholdSummary counts threshold outcomes.
type ThresholdSummary struct {
	Total   int
	Passed  int
	Failed  int
	Results []threshold.Result
}

// GenerateHTMLReport writes a standalone HTML report for rep.
func GenerateHTMLReport(w io.Writer, rep control.Report, targetURL string) error {
	var summary *ThresholdSummary
	if len(rep.Thresholds) > 0 {
		summary = &ThresholdSummary{Total: len(rep.Thresholds), Results: rep.Thresholds}
		for _, r := range rep.Thresholds {
			if r.Pass {
				summary.Passed++
			} else {
				summary.Failed++
			}
		}
	}

	var maxRate float64
	for _, s := range rep.Steps {
		maxRate = max(maxRate, s.TargetRate, s.ActualRate)
	}

	data := HTMLReportData{
		GeneratedAt:      time.Now().Format(time.RFC3339),
		Report:           rep,
		TargetURL:        targetURL,
		ThresholdSummary: summary,
		MaxRate:          maxRate,
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatPercent": func(part, total int64) string {
			if total == 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
		},
		"barWidth": func(rate, maxRate float64) string {
			if maxRate <= 0 {
				return "0"
			}
			return fmt.Sprintf("%.1f", rate/maxRate*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Gateway Probe Report - {{.Report.Plan}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f6f8; color: #222; margin: 0; padding: 24px; }
h1 { margin-top: 0; }
.meta { color: #666; font-size: 0.9em; margin-bottom: 24px; }
.cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 12px; margin-bottom: 24px; }
.card { background: #fff; border-radius: 6px; padding: 16px; box-shadow: 0 1px 2px rgba(0,0,0,0.08); }
.card .label { color: #666; font-size: 0.8em; text-transform: uppercase; }
.card .value { font-size: 1.6em; font-weight: 600; margin-top: 4px; }
section { background: #fff; border-radius: 6px; padding: 16px; margin-bottom: 24px; box-shadow: 0 1px 2px rgba(0,0,0,0.08); }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; font-size: 0.9em; }
th { color: #666; font-weight: 500; }
.bar { background: #e8eef9; height: 10px; border-radius: 3px; position: relative; min-width: 120px; }
.bar span { display: block; height: 10px; border-radius: 3px; background: #3b6fd6; }
.bar span.target { background: #b9c9ec; position: absolute; top: 0; }
.pass { color: #1a7f37; font-weight: 600; }
.fail { color: #cf222e; font-weight: 600; }
</style>
</head>
<body>
<h1>{{.Report.Plan}}</h1>
<div class="meta">
Run {{.Report.RunID}}{{if .Report.ProtocolVersion}} &middot; {{.Report.ProtocolVersion}}{{end}}{{if .TargetURL}} &middot; {{.TargetURL}}{{end}}<br>
Status: <span class="{{if eq (printf "%s" .Report.Status) "completed"}}pass{{else}}fail{{end}}">{{.Report.Status}}</span>{{if .Report.Error}} ({{.Report.Error}}){{end}}<br>
Generated {{.GeneratedAt}}
</div>

<div class="cards">
<div class="card"><div class="label">Probes Sent</div><div class="value">{{.Report.Totals.Sent}}</div></div>
<div class="card"><div class="label">Succeeded</div><div class="value">{{.Report.Totals.Succeeded}}</div></div>
<div class="card"><div class="label">Failed</div><div class="value">{{.Report.Totals.Failed}}</div></div>
<div class="card"><div class="label">Success Rate</div><div class="value">{{formatPercent .Report.Totals.Succeeded .Report.Totals.Sent}}%</div></div>
<div class="card"><div class="label">Probes/sec</div><div class="value">{{formatFloat .Report.Stats.ProbesPerSec}}</div></div>
<div class="card"><div class="label">P99 Latency</div><div class="value">{{formatFloat .Report.Stats.P99LatencyMs}} ms</div></div>
</div>

<section>
<h2>Latency</h2>
<table>
<tr><th>Min</th><th>Mean</th><th>P50</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr>
<tr>
<td>{{formatFloat .Report.Stats.MinLatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.MeanLatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.P50LatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.P90LatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.P95LatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.P99LatencyMs}} ms</td>
<td>{{formatFloat .Report.Stats.MaxLatencyMs}} ms</td>
</tr>
</table>
</section>

{{if .Report.Steps}}
<section>
<h2>Ramp Steps</h2>
<table>
<tr><th>#</th><th>Status</th><th>Target</th><th>Actual</th><th>Rate</th><th>Sent</th><th>OK</th><th>Failed</th><th>Remark</th></tr>
{{range .Report.Steps}}
<tr>
<td>{{.Ordinal}}</td>
<td>{{.Status}}</td>
<td>{{formatFloat .TargetRate}}/s</td>
<td>{{formatFloat .ActualRate}}/s</td>
<td><div class="bar"><span class="target" style="width: {{barWidth .TargetRate $.MaxRate}}%"></span><span style="position: relative; width: {{barWidth .ActualRate $.MaxRate}}%"></span></div></td>
<td>{{.Sent}}</td>
<td>{{.Succeeded}}</td>
<td>{{.Failed}}</td>
<td>{{.Remark}}</td>
</tr>
{{end}}
</table>
</section>
{{end}}

<section>
<h2>Outcomes</h2>
<table>
<tr><th>Timed Out</th><th>Send Errors</th><th>Discarded</th><th>Duplicates</th><th>Late</th><th>Unknown</th></tr>
<tr>
<td>{{.Report.Totals.TimedOut}}</td>
<td>{{.Report.Totals.SendErrors}}</td>
<td>{{.Report.Totals.Discarded}}</td>
<td>{{.Report.Totals.Duplicates}}</td>
<td>{{.Report.Totals.Late}}</td>
<td>{{.Report.Totals.Unknown}}</td>
</tr>
</table>
{{if .Report.Stats.Errors}}
<h3>Errors</h3>
<table>
<tr><th>Kind</th><th>Count</th></tr>
{{range .Report.Stats.Errors}}<tr><td>{{.Label}}</td><td>{{.Count}}</td></tr>{{end}}
</table>
{{end}}
</section>

{{if .Report.SessionBreakdown}}
<section>
<h2>Sessions</h2>
<p>{{.Report.Sessions.Connected}} of {{.Report.Sessions.Requested}} connected, mean connect {{formatFloat .Report.Stats.Connections.MeanConnectMs}} ms</p>
<table>
<tr><th>Session</th><th>State</th><th>Sent</th><th>Send Errors</th><th>Rate</th><th>Connect</th><th>Error</th></tr>
{{range .Report.SessionBreakdown}}
<tr><td>{{.ID}}</td><td>{{.State}}</td><td>{{.Sent}}</td><td>{{.SendErrors}}</td><td>{{formatFloat .RatePerSec}}/s</td><td>{{formatFloat .ConnectLatencyMs}} ms</td><td>{{.Error}}</td></tr>
{{end}}
</table>
</section>
{{end}}

{{if .ThresholdSummary}}
<section>
<h2>Thresholds ({{.ThresholdSummary.Passed}}/{{.ThresholdSummary.Total}} passed)</h2>
<table>
<tr><th>Threshold</th><th>Actual</th><th>Result</th></tr>
{{range .ThresholdSummary.Results}}
<tr><td>{{.Threshold.Raw}}</td><td>{{formatFloat .Actual}}</td><td>{{if .Pass}}<span class="pass">PASS</span>{{else}}<span class="fail">FAIL</span>{{end}}</td></tr>
{{end}}
</table>
</section>
{{end}}
</body>
</html>
`

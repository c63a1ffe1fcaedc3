// Package dashboard renders a live terminal view of a probe run.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/session"
)

const (
	refreshInterval = 500 * time.Millisecond
	historyLen      = 100
	maxListRows     = 10
)

// ReportFunc returns the live report of the run on display.
type ReportFunc func() control.Report

// Controls are the run operations bound to dashboard keys. Nil entries are
// ignored.
type Controls struct {
	Stop   func()
	Pause  func() error
	Resume func() error
}

// RunInfo holds run parameters for display.
type RunInfo struct {
	TargetURL  string
	Connector  string
	Sessions   int
	Steps      int
	Timeout    time.Duration
	Seed       uint64
	ConfigFile string
}

// Dashboard renders a live terminal UI for a probe run.
type Dashboard struct {
	report   ReportFunc
	controls Controls
	info     RunInfo
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex

	grid           *ui.Grid
	latencySparkle *widgets.SparklineGroup
	latencyPara    *widgets.Paragraph
	rateGauge      *widgets.Gauge
	errorList      *widgets.List
	sessionList    *widgets.List
	stepList       *widgets.List
	summaryPara    *widgets.Paragraph
	metricsPara    *widgets.Paragraph
	linkPara       *widgets.Paragraph
	latencyHistory []float64
	status         runner.Status
	lastErr        string
}

// New initializes the terminal and builds the dashboard.
func New(report ReportFunc, controls Controls, info RunInfo) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	d := newDashboard(report, controls, info)
	d.setupGrid()
	return d, nil
}

func newDashboard(report ReportFunc, controls Controls, info RunInfo) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		report:         report,
		controls:       controls,
		info:           info,
		ctx:            ctx,
		cancel:         cancel,
		latencyHistory: make([]float64, 0, historyLen),
	}
	d.initWidgets()
	return d
}

func (d *Dashboard) initWidgets() {
	sparkline := widgets.NewSparkline()
	sparkline.Title = "P99 (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.latencySparkle = widgets.NewSparklineGroup(sparkline)
	d.latencySparkle.Title = "Probe Latency"
	d.latencySparkle.BorderStyle.Fg = ui.ColorCyan

	d.latencyPara = widgets.NewParagraph()
	d.latencyPara.Title = "Latency Stats"
	d.latencyPara.Text = "Min: 0ms\nMean: 0ms\nP50: 0ms\nP95: 0ms\nP99: 0ms"
	d.latencyPara.BorderStyle.Fg = ui.ColorCyan

	d.rateGauge = widgets.NewGauge()
	d.rateGauge.Title = "Step Rate (actual / target)"
	d.rateGauge.BarColor = ui.ColorBlue
	d.rateGauge.BorderStyle.Fg = ui.ColorCyan
	d.rateGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.errorList = widgets.NewList()
	d.errorList.Title = "Failures"
	d.errorList.Rows = []string{"No failures"}
	d.errorList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.errorList.BorderStyle.Fg = ui.ColorCyan

	d.sessionList = widgets.NewList()
	d.sessionList.Title = "Sessions"
	d.sessionList.Rows = []string{"Awaiting sessions"}
	d.sessionList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.sessionList.BorderStyle.Fg = ui.ColorCyan

	d.stepList = widgets.NewList()
	d.stepList.Title = "Ramp Steps"
	d.stepList.Rows = []string{"No steps"}
	d.stepList.BorderStyle.Fg = ui.ColorCyan

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Run Summary"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Totals"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan

	d.linkPara = widgets.NewParagraph()
	d.linkPara.Title = "Link Traffic"
	d.linkPara.Text = "No link data"
	d.linkPara.TextStyle = ui.NewStyle(ui.ColorGreen)
	d.linkPara.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.14,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.2,
			ui.NewCol(0.5, d.rateGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.22,
			ui.NewCol(0.65, d.latencySparkle),
			ui.NewCol(0.35, d.latencyPara),
		),
		ui.NewRow(0.2,
			ui.NewCol(0.6, d.stepList),
			ui.NewCol(0.4, d.linkPara),
		),
		ui.NewRow(0.24,
			ui.NewCol(0.5, d.sessionList),
			ui.NewCol(0.5, d.errorList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.refresh(time.Now())
	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			if e.ID == "<Resize>" {
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
				continue
			}
			d.handleKey(e.ID)
			d.refresh(time.Now())
			d.render()
		case <-ticker.C:
			d.refresh(time.Now())
			d.render()
		}
	}
}

// handleKey maps a key press to a run operation. q and Ctrl-C stop the run,
// p toggles between paused and running.
func (d *Dashboard) handleKey(id string) {
	d.mu.Lock()
	status := d.status
	d.mu.Unlock()

	var err error
	switch id {
	case "q", "<C-c>":
		if d.controls.Stop != nil {
			d.controls.Stop()
		}
	case "p":
		switch {
		case status == runner.StatusPaused && d.controls.Resume != nil:
			err = d.controls.Resume()
		case status == runner.StatusRunning && d.controls.Pause != nil:
			err = d.controls.Pause()
		}
	}

	d.mu.Lock()
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()
}

func (d *Dashboard) refresh(now time.Time) {
	if d.report == nil {
		return
	}
	d.update(d.report(), now)
}

// update refreshes all widget data from rep.
func (d *Dashboard) update(rep control.Report, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = rep.Status
	stats := rep.Stats

	if stats.Succeeded > 0 {
		d.latencyHistory = append(d.latencyHistory, stats.P99LatencyMs)
		if len(d.latencyHistory) > historyLen {
			d.latencyHistory = d.latencyHistory[1:]
		}
		d.latencySparkle.Sparklines[0].Data = d.latencyHistory
		d.latencySparkle.Title = fmt.Sprintf(
			"Probe Latency | P99: %.2fms | Min: %.2fms | Max: %.2fms",
			stats.P99LatencyMs,
			stats.MinLatencyMs,
			stats.MaxLatencyMs,
		)
	}

	d.updateRateGauge(rep)

	d.summaryPara.Text = fmt.Sprintf(
		"Run %s (%s) [%s](%s)\n%s\nElapsed: %s | Step: %s | Keys: q stop, p pause/resume%s",
		rep.RunID,
		rep.Plan,
		rep.Status,
		statusColor(rep.Status),
		d.formatRunInfo(),
		elapsed(rep, now).Round(time.Second),
		currentStep(rep),
		d.formatNotice(rep),
	)

	d.metricsPara.Text = fmt.Sprintf(
		"Sent:        %d\nSucceeded:   %d\nFailed:      %d\nTimed Out:   %d\nOutstanding: %d\nDuplicates:  %d (late %d)\nUnknown:     %d\nProbes/sec:  %.2f",
		rep.Totals.Sent,
		rep.Totals.Succeeded,
		rep.Totals.Failed,
		rep.Totals.TimedOut,
		rep.Totals.Outstanding,
		rep.Totals.Duplicates,
		rep.Totals.Late,
		rep.Totals.Unknown,
		stats.ProbesPerSec,
	)

	d.latencyPara.Text = fmt.Sprintf(
		"Min:  %.2fms\nMean: %.2fms\nP50:  %.2fms\nP95:  %.2fms\nP99:  %.2fms",
		stats.MinLatencyMs,
		stats.MeanLatencyMs,
		stats.P50LatencyMs,
		stats.P95LatencyMs,
		stats.P99LatencyMs,
	)

	d.stepList.Rows = formatStepRows(rep.Steps)
	d.errorList.Rows = formatFailureRows(rep)
	d.updateSessionList(rep)
	d.updateLinkTraffic(rep.SessionBreakdown)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

func (d *Dashboard) updateRateGauge(rep control.Report) {
	var target, actual float64
	if rep.Status == runner.StatusRunning || rep.Status == runner.StatusPaused {
		for _, s := range rep.Steps {
			if s.Status == runner.StepRunning {
				target, actual = s.TargetRate, s.ActualRate
			}
		}
	}
	percent := 0
	if target > 0 {
		percent = int(actual / target * 100)
	}
	d.rateGauge.Percent = min(max(percent, 0), 100)
	d.rateGauge.Label = fmt.Sprintf("%.1f / %.1f probes/s", actual, target)
}

func (d *Dashboard) updateSessionList(rep control.Report) {
	if len(rep.SessionBreakdown) == 0 {
		d.sessionList.Rows = []string{fmt.Sprintf("%d of %d connected", rep.Sessions.Connected, rep.Sessions.Requested)}
		return
	}
	rows := make([]session.Stats, len(rep.SessionBreakdown))
	copy(rows, rep.SessionBreakdown)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Sent == rows[j].Sent {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Sent > rows[j].Sent
	})
	if len(rows) > maxListRows {
		rows = rows[:maxListRows]
	}

	formatted := make([]string, 0, len(rows)+1)
	formatted = append(formatted, fmt.Sprintf("%d of %d connected", rep.Sessions.Connected, rep.Sessions.Requested))
	for _, s := range rows {
		share := 0.0
		if rep.Totals.Sent > 0 {
			share = float64(s.Sent) / float64(rep.Totals.Sent) * 100
		}
		line := fmt.Sprintf("[%s](fg:cyan) %-10s | %5.1f%% | %6.1f/s | Err %d",
			s.ID, s.State, share, s.RatePerSec, s.SendErrors)
		if s.Error != "" {
			line += fmt.Sprintf(" | [%s](fg:red)", s.Error)
		}
		formatted = append(formatted, line)
	}
	d.sessionList.Rows = formatted
}

func (d *Dashboard) updateLinkTraffic(sessions []session.Stats) {
	var frames, framesIn, bytesOut, bytesIn, unmatched, errs int64
	links := 0
	for _, s := range sessions {
		if s.Link == nil {
			continue
		}
		links++
		frames += s.Link.FramesSent
		framesIn += s.Link.FramesReceived
		bytesOut += s.Link.BytesSent
		bytesIn += s.Link.BytesReceived
		unmatched += s.Link.Unmatched
		errs += s.Link.Errors
	}
	if links == 0 {
		d.linkPara.Text = "[No link data](fg:green)"
		return
	}
	lines := []string{
		fmt.Sprintf("[links:](fg:cyan,mod:bold) [%d](fg:yellow)", links),
		fmt.Sprintf("  [frames out/in:](fg:white) [%d / %d](fg:yellow)", frames, framesIn),
		fmt.Sprintf("  [bytes out/in:](fg:white) [%s / %s](fg:yellow)", formatBytes(bytesOut), formatBytes(bytesIn)),
		fmt.Sprintf("  [unmatched:](fg:white) [%d](fg:yellow)", unmatched),
		fmt.Sprintf("  [errors:](fg:white) [%d](fg:yellow)", errs),
	}
	d.linkPara.Text = strings.Join(lines, "\n")
}

func formatStepRows(steps []runner.StepProgress) []string {
	if len(steps) == 0 {
		return []string{"No steps"}
	}
	rows := make([]string, 0, len(steps))
	for _, s := range steps {
		line := fmt.Sprintf("[%d. %-9s](%s) %7.1f/s -> %7.1f/s | sent %d ok %d failed %d",
			s.Ordinal, s.Status, stepColor(s.Status), s.TargetRate, s.ActualRate, s.Sent, s.Succeeded, s.Failed)
		if s.Remark != "" {
			line += " | " + s.Remark
		}
		rows = append(rows, line)
	}
	return rows
}

func formatFailureRows(rep control.Report) []string {
	rows := make([]string, 0, maxListRows)
	for _, b := range rep.Stats.Errors {
		if len(rows) == maxListRows {
			break
		}
		rows = append(rows, fmt.Sprintf("[%s](fg:red) %d", b.Label, b.Count))
	}
	reasons := make([]string, 0, len(rep.Stats.Connections.Reasons))
	for reason := range rep.Stats.Connections.Reasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		if len(rows) == maxListRows {
			break
		}
		rows = append(rows, fmt.Sprintf("[connect: %s](fg:red) %d", reason, rep.Stats.Connections.Reasons[reason]))
	}
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	return rows
}

// formatRunInfo formats the run parameters for display.
func (d *Dashboard) formatRunInfo() string {
	var parts []string

	if d.info.TargetURL != "" {
		parts = append(parts, fmt.Sprintf("Target: %s", d.info.TargetURL))
	}
	if d.info.Connector != "" && d.info.Connector != "websocket" {
		parts = append(parts, fmt.Sprintf("Connector: %s", d.info.Connector))
	}
	if d.info.Sessions > 0 {
		parts = append(parts, fmt.Sprintf("Sessions: %d", d.info.Sessions))
	}
	if d.info.Steps > 0 {
		parts = append(parts, fmt.Sprintf("Steps: %d", d.info.Steps))
	}
	if d.info.Timeout > 0 {
		parts = append(parts, fmt.Sprintf("Timeout: %s", d.info.Timeout))
	}
	if d.info.Seed != 0 {
		parts = append(parts, fmt.Sprintf("Seed: %d", d.info.Seed))
	}
	if d.info.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", d.info.ConfigFile))
	}

	return strings.Join(parts, " | ")
}

func (d *Dashboard) formatNotice(rep control.Report) string {
	switch {
	case d.lastErr != "":
		return fmt.Sprintf("\n[%s](fg:red)", d.lastErr)
	case rep.Error != "":
		return fmt.Sprintf("\n[%s](fg:red)", rep.Error)
	default:
		return ""
	}
}

func elapsed(rep control.Report, now time.Time) time.Duration {
	if rep.StartedAt.IsZero() {
		return 0
	}
	if !rep.EndedAt.IsZero() {
		return rep.EndedAt.Sub(rep.StartedAt)
	}
	return now.Sub(rep.StartedAt)
}

func currentStep(rep control.Report) string {
	for _, s := range rep.Steps {
		if s.Status == runner.StepRunning {
			return fmt.Sprintf("%d/%d", s.Ordinal, len(rep.Steps))
		}
	}
	return "-"
}

func statusColor(s runner.Status) string {
	switch s {
	case runner.StatusRunning, runner.StatusCompleted:
		return "fg:green"
	case runner.StatusPaused, runner.StatusStopping:
		return "fg:yellow"
	case runner.StatusFailed:
		return "fg:red"
	default:
		return "fg:white"
	}
}

func stepColor(s runner.StepStatus) string {
	switch s {
	case runner.StepRunning:
		return "fg:cyan"
	case runner.StepCompleted:
		return "fg:green"
	case runner.StepFailed:
		return "fg:red"
	default:
		return "fg:white"
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

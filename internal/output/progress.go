package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/gatewayprobe/internal/runner"
)

// StateFunc returns the current state of the run being reported on.
type StateFunc func() runner.State

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	state    StateFunc
	interval time.Duration
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(state StateFunc, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressReporter{
		state:    state,
		interval: interval,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(p.writer, "\r"+FormatProgress(p.state()))
		case <-p.done:
			return
		}
	}
}

// FormatProgress renders a one-line summary of st.
func FormatProgress(st runner.State) string {
	line := fmt.Sprintf("[%s] Sent: %d | OK: %d | Failed: %d | Outstanding: %d",
		st.Status, st.Totals.Sent, st.Totals.Succeeded, st.Totals.Failed, st.Totals.Outstanding)
	if st.CurrentStep > 0 {
		line += fmt.Sprintf(" | Step %d/%d @ %.1f/s", st.CurrentStep, len(st.Steps), st.CurrentRate)
	}
	if st.Totals.TimedOut > 0 {
		line += fmt.Sprintf(" | Timeouts: %d", st.Totals.TimedOut)
	}
	return line
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/plan"
)

// ErrNoSessions is returned when pool initialization connected nothing.
var ErrNoSessions = errors.New("runner: no sessions connected")

// Scheduler drives one run through its ramp profile.
type Scheduler struct {
	opt Options
	log *zap.Logger

	mu          sync.Mutex
	status      Status
	err         error
	abort       error
	steps       []StepProgress
	current     int
	timer       *stepTimer
	sessions    SessionCounts
	startedAt   time.Time
	endedAt     time.Time
	cancelStart context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type event struct {
	from, to Status
}

// New returns a Scheduler in state Idle.
func New(opt Options) *Scheduler {
	opt.normalize()
	steps := make([]StepProgress, len(opt.Plan.Steps))
	for i, st := range opt.Plan.Steps {
		ordinal := st.Ordinal
		if ordinal == 0 {
			ordinal = i + 1
		}
		steps[i] = StepProgress{
			Ordinal:    ordinal,
			Remark:     st.Remark,
			TargetRate: st.TargetRate,
			Duration:   st.Duration,
			Status:     StepPending,
		}
	}
	return &Scheduler{
		opt:     opt,
		log:     opt.Logger.With(zap.String("component", "scheduler"), zap.String("plan", opt.Plan.Name)),
		status:  StatusIdle,
		steps:   steps,
		current: -1,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Done is closed once the run reached Completed or Failed.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure cause once the run has failed.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run executes the whole profile and blocks until the run is Completed or
// Failed. It returns nil for Completed. Cancelling ctx forces a shutdown
// without draining.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if err := checkTransition(s.status, StatusStarting); err != nil {
		s.mu.Unlock()
		return err
	}
	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	s.cancelStart = cancelStart
	s.startedAt = s.opt.Now()
	ev := s.setStatusLocked(StatusStarting)
	s.mu.Unlock()
	s.emit(ev)

	trackerCtx, stopTracker := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		_ = s.opt.Tracker.Run(trackerCtx)
	}()
	shutdownTracker := func() {
		stopTracker()
		<-trackerDone
	}

	s.opt.Aggregator.Start()
	s.log.Info("starting run", zap.Int("sessions", s.opt.Plan.SessionCount), zap.Int("steps", len(s.steps)))

	res, err := s.opt.Pool.Initialize(startCtx, s.opt.Plan.SessionCount)
	s.mu.Lock()
	s.sessions = SessionCounts{Requested: res.Requested, Connected: res.Started, Failed: len(res.Failures)}
	s.mu.Unlock()

	if s.stopping() {
		return s.finish(ctx, nil, shutdownTracker)
	}
	switch {
	case err != nil:
		return s.failStart(fmt.Errorf("initialize pool: %w", err), shutdownTracker)
	case res.Started == 0:
		cause := res.Err()
		if cause == nil {
			cause = ErrNoSessions
		} else {
			cause = fmt.Errorf("%w: %w", ErrNoSessions, cause)
		}
		return s.failStart(cause, shutdownTracker)
	}

	s.mu.Lock()
	if s.status == StatusStarting {
		ev = s.setStatusLocked(StatusRunning)
	} else {
		ev = event{}
	}
	s.mu.Unlock()
	s.emit(ev)

	fatal := s.runSteps(ctx)
	return s.finish(ctx, fatal, shutdownTracker)
}

func (s *Scheduler) failStart(cause error, shutdownTracker func()) error {
	if err := s.opt.Pool.Teardown(); err != nil {
		s.log.Warn("teardown after failed start", zap.Error(err))
	}
	shutdownTracker()

	s.mu.Lock()
	from := s.status
	s.status = StatusFailed
	s.err = cause
	s.endedAt = s.opt.Now()
	s.skipPendingLocked()
	s.mu.Unlock()

	s.log.Error("run failed to start", zap.Error(cause))
	s.opt.Observer.OnTransition(from, StatusFailed)
	close(s.done)
	return cause
}

// runSteps executes steps until the profile ends, a stop is requested, ctx
// is cancelled or a step fails validation. It returns the fatal error, if any.
func (s *Scheduler) runSteps(ctx context.Context) error {
	ticker := time.NewTicker(s.opt.Tick)
	defer ticker.Stop()

	for i := range s.steps {
		if s.stopping() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		step := s.opt.Plan.Steps[i]
		if err := plan.ValidateStep(step); err != nil {
			s.mu.Lock()
			s.current = i
			now := s.opt.Now()
			s.steps[i].StartedAt = now
			s.steps[i].EndedAt = now
			s.steps[i].Status = StepFailed
			s.mu.Unlock()
			return fmt.Errorf("step %d: %w", s.steps[i].Ordinal, err)
		}

		if err := s.beginStep(i); err != nil {
			return err
		}

		for {
			if s.stepDone() {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stop:
				return nil
			case <-ticker.C:
			}
		}
		s.endStep(i, StepCompleted)
	}
	return nil
}

func (s *Scheduler) beginStep(i int) error {
	s.mu.Lock()
	now := s.opt.Now()
	s.current = i
	s.timer = newStepTimer(s.steps[i].Duration)
	s.steps[i].StartedAt = now
	s.steps[i].Status = StepRunning
	if s.status == StatusRunning {
		s.timer.resume(now)
		if err := s.opt.Pool.Dispatch(i, s.steps[i].TargetRate, nil); err != nil {
			s.steps[i].Status = StepFailed
			s.steps[i].EndedAt = now
			s.mu.Unlock()
			return fmt.Errorf("dispatch step %d: %w", s.steps[i].Ordinal, err)
		}
	}
	snap := s.stepLocked(i, now, s.stageStats())
	s.mu.Unlock()

	s.log.Info("step started",
		zap.Int("ordinal", snap.Ordinal),
		zap.Float64("rate", snap.TargetRate),
		zap.Duration("duration", snap.Duration))
	s.opt.Observer.OnStepStart(snap)
	return nil
}

func (s *Scheduler) stepDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer.done(s.opt.Now())
}

func (s *Scheduler) endStep(i int, status StepStatus) {
	s.opt.Pool.Suspend()

	s.mu.Lock()
	now := s.opt.Now()
	if s.timer != nil {
		s.timer.pause(now)
		s.steps[i].ActiveDuration = s.timer.elapsed(now)
	}
	s.steps[i].EndedAt = now
	s.steps[i].Status = status
	snap := s.stepLocked(i, now, s.stageStats())
	s.mu.Unlock()

	s.log.Info("step ended",
		zap.Int("ordinal", snap.Ordinal),
		zap.String("status", string(status)),
		zap.Int64("sent", snap.Sent),
		zap.Float64("actual_rate", snap.ActualRate))
	s.opt.Observer.OnStepEnd(snap)
}

// finish moves the run through Stopping, drains, tears down and settles the
// final status.
func (s *Scheduler) finish(ctx context.Context, fatal error, shutdownTracker func()) error {
	s.opt.Pool.Suspend()

	s.mu.Lock()
	var ev event
	if s.status != StatusStopping {
		ev = s.setStatusLocked(StatusStopping)
	}
	if s.timer != nil {
		s.timer.pause(s.opt.Now())
	}
	abort := s.abort
	s.mu.Unlock()
	s.emit(ev)

	// The step that was interrupted did not complete.
	if idx, running := s.runningStep(); running {
		if fatal != nil || abort != nil || ctx.Err() != nil {
			s.endStep(idx, StepFailed)
		}
	}

	cause := fatal
	if cause == nil {
		cause = abort
	}
	forced := ctx.Err() != nil
	if forced && cause == nil {
		cause = ctx.Err()
	}

	if !forced {
		s.drain(ctx)
	}
	if err := s.opt.Pool.Teardown(); err != nil {
		s.log.Warn("teardown", zap.Error(err))
	}
	shutdownTracker()

	reason := "drain period elapsed"
	if cause != nil {
		reason = cause.Error()
	}
	if n := s.opt.Tracker.DiscardAll(reason); n > 0 {
		s.log.Warn("discarded unresolved probes", zap.Int("count", n))
	}

	final := StatusCompleted
	if cause != nil {
		final = StatusFailed
	}
	s.mu.Lock()
	s.err = cause
	s.endedAt = s.opt.Now()
	s.skipPendingLocked()
	ev = s.setStatusLocked(final)
	s.mu.Unlock()
	s.emit(ev)

	if cause != nil {
		s.log.Error("run failed", zap.Error(cause))
	} else {
		s.log.Info("run completed")
	}
	close(s.done)
	return cause
}

// drain waits until nothing is outstanding or the drain period elapses.
func (s *Scheduler) drain(ctx context.Context) {
	if s.opt.Tracker.Outstanding() <= 0 {
		return
	}
	deadline := time.NewTimer(s.opt.DrainPeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opt.Tick)
	defer ticker.Stop()

	for s.opt.Tracker.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// Pause suspends dispatch and freezes the current step's clock.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if err := checkTransition(s.status, StatusPaused); err != nil {
		s.mu.Unlock()
		return err
	}
	s.opt.Pool.Suspend()
	if s.timer != nil {
		s.timer.pause(s.opt.Now())
	}
	ev := s.setStatusLocked(StatusPaused)
	s.mu.Unlock()

	s.log.Info("paused")
	s.emit(ev)
	return nil
}

// Resume continues the current step with its remaining active time.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.status != StatusPaused {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, StatusRunning)
		s.mu.Unlock()
		return err
	}
	if s.current >= 0 && s.steps[s.current].Status == StepRunning {
		if err := s.opt.Pool.Dispatch(s.current, s.steps[s.current].TargetRate, nil); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resume step %d: %w", s.steps[s.current].Ordinal, err)
		}
		s.timer.resume(s.opt.Now())
	}
	ev := s.setStatusLocked(StatusRunning)
	s.mu.Unlock()

	s.log.Info("resumed")
	s.emit(ev)
	return nil
}

// Stop aborts the run. The scheduler stops dispatching, drains for at most
// the drain period and finishes as Failed with reason as the error.
func (s *Scheduler) Stop(reason string) error {
	s.mu.Lock()
	if err := checkTransition(s.status, StatusStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	if reason == "" {
		reason = "stopped"
	}
	s.abort = errors.New(reason)
	s.opt.Pool.Suspend()
	if s.timer != nil {
		s.timer.pause(s.opt.Now())
	}
	if s.status == StatusStarting && s.cancelStart != nil {
		s.cancelStart()
	}
	ev := s.setStatusLocked(StatusStopping)
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	s.log.Warn("stop requested", zap.String("reason", reason))
	s.emit(ev)
	return nil
}

// Snapshot returns the current run state.
func (s *Scheduler) Snapshot() State {
	totals := s.totals()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opt.Now()
	st := State{
		Status:    s.status,
		Totals:    totals,
		Sessions:  s.sessions,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Steps:     make([]StepProgress, len(s.steps)),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	stages := s.stageStats()
	for i := range s.steps {
		st.Steps[i] = s.stepLocked(i, now, stages)
	}
	if s.current >= 0 && s.current < len(s.steps) {
		st.CurrentStep = s.steps[s.current].Ordinal
		if s.status == StatusRunning && s.steps[s.current].Status == StepRunning {
			st.CurrentRate = s.steps[s.current].TargetRate
		}
	}
	return st
}

// totals reads resolved counters before the outstanding count and the sent
// counter last, so Sent >= Succeeded + Failed + Outstanding holds for the
// snapshot while probes are in flight.
func (s *Scheduler) totals() Totals {
	t := Totals{Totals: s.opt.Aggregator.Totals()}
	t.Outstanding = s.opt.Tracker.Outstanding()
	if t.Outstanding < 0 {
		t.Outstanding = 0
	}
	t.Sent = s.opt.Aggregator.Sent()
	return t
}

func (s *Scheduler) stageStats() map[int]metrics.StageStats {
	stages := s.opt.Aggregator.StageStats()
	out := make(map[int]metrics.StageStats, len(stages))
	for _, st := range stages {
		out[st.Stage] = st
	}
	return out
}

func (s *Scheduler) stepLocked(i int, now time.Time, stages map[int]metrics.StageStats) StepProgress {
	sp := s.steps[i]
	if sp.Status == StepRunning && i == s.current && s.timer != nil {
		sp.ActiveDuration = s.timer.elapsed(now)
	}
	if st, ok := stages[i]; ok {
		sp.Sent = st.Sent
		sp.Succeeded = st.Succeeded
		sp.Failed = st.Failed
	}
	sp.ActiveDurationMs = float64(sp.ActiveDuration) / float64(time.Millisecond)
	sp.DurationMs = float64(sp.Duration) / float64(time.Millisecond)
	if sp.ActiveDuration > 0 {
		sp.ActualRate = float64(sp.Sent) / sp.ActiveDuration.Seconds()
	}
	return sp
}

func (s *Scheduler) runningStep() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current >= 0 && s.steps[s.current].Status == StepRunning {
		return s.current, true
	}
	return -1, false
}

func (s *Scheduler) skipPendingLocked() {
	for i := range s.steps {
		if s.steps[i].Status == StepPending {
			s.steps[i].Status = StepSkipped
		}
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) setStatusLocked(to Status) event {
	from := s.status
	s.status = to
	return event{from: from, to: to}
}

func (s *Scheduler) emit(ev event) {
	if ev.to == "" {
		return
	}
	s.opt.Observer.OnTransition(ev.from, ev.to)
}

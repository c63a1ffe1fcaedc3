// Package control is the entry point for starting and steering runs. A
// Manager owns every run of the process; pause and stop requests must carry
// the capability token issued when the run started.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/connector"
	"github.com/torosent/gatewayprobe/internal/correlation"
	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/session"
	"github.com/torosent/gatewayprobe/internal/threshold"
)

// AbortReason is the error an authorized stop finalizes a run with.
const AbortReason = "aborted by operator"

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("control: run not found")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("control: manager closed")
	// ErrRunActive is returned by Forget for a run that has not finished.
	ErrRunActive = errors.New("control: run still active")
)

const storeTimeout = 10 * time.Second

// DefaultRetain is how many finished runs a Manager keeps when
// Options.Retain is zero.
const DefaultRetain = 100

// Store persists finished reports.
type Store interface {
	Save(ctx context.Context, r Report) error
}

// RunTracer opens a trace for a run. The run executes under the returned
// context and the observer is notified of its events.
type RunTracer interface {
	StartRun(ctx context.Context, runID string, p plan.Plan) (context.Context, runner.Observer)
}

// ObserverFactory builds a scheduler observer for a new run.
type ObserverFactory func(runID string, p plan.Plan) runner.Observer

// Options configure a Manager.
type Options struct {
	Connector  connector.Connector
	Store      Store
	Thresholds []threshold.Threshold
	Observers  []ObserverFactory
	Tracer     RunTracer

	Apportioner        session.Apportioner
	Fields             session.FieldSource
	Seed               uint64
	ConnectConcurrency int
	ConnectTimeout     time.Duration

	SweepInterval time.Duration
	DrainPeriod   time.Duration
	Tick          time.Duration

	// Retain caps the finished runs kept for Status and Report; the oldest
	// finished run is dropped first. Negative keeps every run.
	Retain int

	Now    func() time.Time
	Logger *zap.Logger
}

func (o *Options) normalize() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = correlation.DefaultSweepInterval
	}
	if o.Retain == 0 {
		o.Retain = DefaultRetain
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Handle identifies a started run and the token that controls it.
type Handle struct {
	ID    string
	Token string
}

// Manager starts runs and routes control requests to them.
type Manager struct {
	opt Options
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string // ids in finishing order
	closed   bool
}

type run struct {
	ctx       context.Context
	id        string
	plan      plan.Plan
	guard     *Guard
	agg       *metrics.Aggregator
	pool      *session.Pool
	sched     *runner.Scheduler
	evaluator *threshold.Evaluator
	createdAt time.Time

	done     chan struct{}
	finished bool // guarded by Manager.mu
	mu       sync.Mutex
	report   Report
}

// NewManager returns a Manager with no runs.
func NewManager(opt Options) *Manager {
	opt.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opt:    opt,
		log:    opt.Logger.With(zap.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// Start validates p and starts it in the background. An empty token means
// one is generated; use StartRun to learn it.
func (m *Manager) Start(ctx context.Context, p plan.Plan, token string) (string, error) {
	h, err := m.StartRun(ctx, p, token)
	return h.ID, err
}

// StartRun is Start returning the run's capability token as well.
func (m *Manager) StartRun(ctx context.Context, p plan.Plan, token string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if m.opt.Connector == nil {
		return Handle{}, errors.New("control: no connector configured")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		m.log.Warn("plan rejected", zap.String("plan", p.Name), zap.Error(err))
		return Handle{}, err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Handle{}, ErrClosed
	}

	id := uuid.NewString()
	guard, token := NewGuard(token)
	log := m.opt.Logger.With(zap.String("run_id", id))

	agg := metrics.NewAggregatorWithClock(m.opt.Now)
	tracker := correlation.New(agg, correlation.Options{
		Timeout:       p.Timeout,
		SweepInterval: m.opt.SweepInterval,
		Now:           m.opt.Now,
		Logger:        log,
	})
	pool := session.NewPool(session.PoolOptions{
		PlanName:           p.Name,
		ProtocolVersion:    string(p.ProtocolVersion),
		Connector:          m.opt.Connector,
		Tracker:            tracker,
		Recorder:           agg,
		Apportioner:        m.opt.Apportioner,
		Mix:                p.Mix,
		Fields:             m.opt.Fields,
		Seed:               m.opt.Seed,
		ConnectConcurrency: m.opt.ConnectConcurrency,
		ConnectTimeout:     m.opt.ConnectTimeout,
		Logger:             log,
	})

	runCtx := m.ctx
	var observers runner.Observers
	if m.opt.Tracer != nil {
		var ob runner.Observer
		runCtx, ob = m.opt.Tracer.StartRun(runCtx, id, p)
		observers = append(observers, ob)
	}
	for _, f := range m.opt.Observers {
		if ob := f(id, p); ob != nil {
			observers = append(observers, ob)
		}
	}

	r := &run{
		ctx:       runCtx,
		id:        id,
		plan:      p,
		guard:     guard,
		agg:       agg,
		pool:      pool,
		evaluator: threshold.NewEvaluator(m.opt.Thresholds),
		createdAt: m.opt.Now(),
		done:      make(chan struct{}),
	}
	r.sched = runner.New(runner.Options{
		Plan:            p,
		Pool:            pool,
		Tracker:         tracker,
		Aggregator:      agg,
		Observer:        observers,
		Tick:            m.opt.Tick,
		DrainPeriod:     m.opt.DrainPeriod,
		ResponseTimeout: p.Timeout,
		SweepInterval:   m.opt.SweepInterval,
		Now:             m.opt.Now,
		Logger:          log,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}
	m.runs[id] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("run started",
		zap.String("run_id", id),
		zap.String("plan", p.Name),
		zap.Int("sessions", p.SessionCount),
		zap.Duration("duration", p.TotalDuration()))
	go m.execute(r)
	return Handle{ID: id, Token: token}, nil
}

func (m *Manager) execute(r *run) {
	defer m.wg.Done()
	err := r.sched.Run(r.ctx)

	rep := m.buildReport(r)
	if err != nil {
		m.log.Warn("run failed", zap.String("run_id", r.id), zap.Error(err))
	}
	if m.opt.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := m.opt.Store.Save(ctx, rep); err != nil {
			m.log.Error("save report", zap.String("run_id", r.id), zap.Error(err))
		}
		cancel()
	}

	r.mu.Lock()
	r.report = rep
	r.mu.Unlock()

	m.mu.Lock()
	r.finished = true
	m.finished = append(m.finished, r.id)
	m.retainLocked()
	m.mu.Unlock()
	close(r.done)
}

// retainLocked drops the oldest finished runs beyond the retention cap.
func (m *Manager) retainLocked() {
	if m.opt.Retain < 0 {
		return
	}
	for len(m.finished) > m.opt.Retain {
		id := m.finished[0]
		m.finished = m.finished[1:]
		delete(m.runs, id)
		m.log.Debug("run evicted", zap.String("run_id", id))
	}
}

// Forget drops a finished run. Its report stays in the Store.
func (m *Manager) Forget(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !r.finished {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	delete(m.runs, runID)
	for i, id := range m.finished {
		if id == runID {
			m.finished = append(m.finished[:i], m.finished[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Manager) buildReport(r *run) Report {
	st := r.sched.Snapshot()
	end := st.EndedAt
	if end.IsZero() {
		end = m.opt.Now()
	}
	var elapsed time.Duration
	if !st.StartedAt.IsZero() {
		elapsed = end.Sub(st.StartedAt)
	}
	stats := r.agg.Stats(elapsed)

	return Report{
		RunID:            r.id,
		Plan:             r.plan.Name,
		ProtocolVersion:  r.plan.ProtocolVersion,
		Owner:            r.plan.Owner,
		Tags:             r.plan.Tags,
		Status:           st.Status,
		Error:            st.Error,
		StartedAt:        st.StartedAt,
		EndedAt:          st.EndedAt,
		Totals:           st.Totals,
		Sessions:         st.Sessions,
		Stats:            stats,
		Stages:           r.agg.StageStats(),
		Steps:            st.Steps,
		SessionBreakdown: r.pool.Stats(),
		Thresholds:       r.evaluator.Evaluate(stats),
	}
}

func (m *Manager) lookup(runID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (m *Manager) authorize(r *run, token, action string) error {
	if err := r.guard.Authorize(token); err != nil {
		r.agg.RecordError(metrics.KindUnauthorized)
		m.log.Warn("rejected control request", zap.String("run_id", r.id), zap.String("action", action))
		return err
	}
	return nil
}

// Pause suspends dispatch of an active run.
func (m *Manager) Pause(runID, token string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if err := m.authorize(r, token, "pause"); err != nil {
		return err
	}
	return r.sched.Pause()
}

// Resume continues a paused run. It needs no token.
func (m *Manager) Resume(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	return r.sched.Resume()
}

// Stop aborts a run. The run drains and ends as Failed with AbortReason.
func (m *Manager) Stop(runID, token string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if err := m.authorize(r, token, "stop"); err != nil {
		return err
	}
	return r.sched.Stop(AbortReason)
}

// Status returns the run's current state.
func (m *Manager) Status(runID string) (RunStatus, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{RunID: r.id, Plan: r.plan.Name, State: r.sched.Snapshot()}, nil
}

// Report returns the final report of a finished run, or the live report of
// an active one.
func (m *Manager) Report(runID string) (Report, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return Report{}, err
	}
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.report, nil
	default:
		return m.buildReport(r), nil
	}
}

// Wait blocks until the run finished and returns its final report.
func (m *Manager) Wait(ctx context.Context, runID string) (Report, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return Report{}, err
	}
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, nil
}

// List returns the status of every known run, oldest first.
func (m *Manager) List() []RunStatus {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].createdAt.Equal(runs[j].createdAt) {
			return runs[i].id < runs[j].id
		}
		return runs[i].createdAt.Before(runs[j].createdAt)
	})
	out := make([]RunStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunStatus{RunID: r.id, Plan: r.plan.Name, State: r.sched.Snapshot()})
	}
	return out
}

// Close force-stops every active run without draining and waits for them to
// finish. Further starts fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

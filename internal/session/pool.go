package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/gatewayprobe/internal/connector"
	"github.com/torosent/gatewayprobe/internal/correlation"
	"github.com/torosent/gatewayprobe/internal/mix"
)

// ErrNoLiveSessions is returned by Dispatch when no session connected.
var ErrNoLiveSessions = errors.New("session: no live sessions")

// ErrTornDown is returned by operations on a pool after Teardown.
var ErrTornDown = errors.New("session: pool torn down")

// PoolOptions configure a Pool.
type PoolOptions struct {
	PlanName           string
	ProtocolVersion    string
	Connector          connector.Connector
	Tracker            *correlation.Tracker
	Recorder           Recorder
	Apportioner        Apportioner // defaults to Uniform
	Mix                []mix.Entry
	Fields             FieldSource // optional order parameters shared by all sessions
	Seed               uint64
	ConnectConcurrency int           // parallel connects during Initialize
	ConnectTimeout     time.Duration // per-session connect deadline
	Logger             *zap.Logger
}

func (o *PoolOptions) normalize() {
	if o.PlanName == "" {
		o.PlanName = "plan"
	}
	if o.Apportioner == nil {
		o.Apportioner = Uniform{}
	}
	if o.ConnectConcurrency <= 0 {
		o.ConnectConcurrency = 32
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// InitResult summarises pool initialization.
type InitResult struct {
	Requested int
	Started   int
	Failures  map[string]error
}

// Err joins the connection failures in session order, or returns nil.
func (r InitResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, r.Failures[id])
	}
	return errors.Join(errs...)
}

// Pool owns the probe sessions of one run.
type Pool struct {
	opt  PoolOptions
	gate *gate
	log  *zap.Logger

	mu       sync.Mutex
	sessions []*Session
	live     []*Session
	started  bool
	torn     bool
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// NewPool returns an empty pool.
func NewPool(opt PoolOptions) *Pool {
	opt.normalize()
	return &Pool{
		opt:  opt,
		gate: newGate(),
		log:  opt.Logger.With(zap.String("component", "pool")),
	}
}

// SessionID returns the deterministic id of the i-th session (1-based).
func SessionID(plan string, i int) string {
	return fmt.Sprintf("%s_%03d", plan, i)
}

// Initialize creates n sessions and connects them concurrently. Individual
// connection failures are collected, not fatal. Workers for connected
// sessions run until Teardown or until ctx is done.
func (p *Pool) Initialize(ctx context.Context, n int) (InitResult, error) {
	if n <= 0 {
		return InitResult{}, fmt.Errorf("session: pool size must be positive, got %d", n)
	}
	p.mu.Lock()
	if p.torn {
		p.mu.Unlock()
		return InitResult{}, ErrTornDown
	}
	if p.started {
		p.mu.Unlock()
		return InitResult{}, errors.New("session: pool already initialized")
	}
	p.started = true
	p.mu.Unlock()

	sessions := make([]*Session, n)
	for i := range sessions {
		sel, err := mix.NewSelector(p.opt.Mix, p.opt.Seed+uint64(i))
		if err != nil {
			return InitResult{}, err
		}
		sessions[i] = New(Config{
			ID:              SessionID(p.opt.PlanName, i+1),
			ProtocolVersion: p.opt.ProtocolVersion,
			Connector:       p.opt.Connector,
			Tracker:         p.opt.Tracker,
			Recorder:        p.opt.Recorder,
			Selector:        sel,
			Fields:          p.opt.Fields,
			Logger:          p.opt.Logger,
		})
	}

	errs := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opt.ConnectConcurrency)
	for i, s := range sessions {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.opt.ConnectTimeout)
			defer cancel()
			errs[i] = s.Start(cctx)
			return nil
		})
	}
	_ = g.Wait()

	res := InitResult{Requested: n, Failures: make(map[string]error)}
	var live []*Session
	for i, s := range sessions {
		if errs[i] != nil {
			res.Failures[s.ID()] = errs[i]
			continue
		}
		live = append(live, s)
	}
	res.Started = len(live)

	workerCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.sessions = sessions
	p.live = live
	p.cancel = cancel
	for _, s := range live {
		p.workers.Add(1)
		go func(s *Session) {
			defer p.workers.Done()
			s.run(workerCtx, p.gate)
		}(s)
	}
	p.mu.Unlock()

	p.log.Info("pool initialized",
		zap.Int("requested", n),
		zap.Int("started", res.Started),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// Dispatch apportions the aggregate rate over live sessions and opens the
// gate for stage. A non-nil entries slice replaces the message mix.
func (p *Pool) Dispatch(stage int, rate float64, entries []mix.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.torn {
		return ErrTornDown
	}
	if len(p.live) == 0 {
		return ErrNoLiveSessions
	}

	ids := make([]string, len(p.live))
	for i, s := range p.live {
		ids[i] = s.ID()
	}
	shares := p.opt.Apportioner.Apportion(rate, ids)
	for i, s := range p.live {
		if err := s.SetRate(shares[i]); err != nil {
			return fmt.Errorf("dispatch %s at %.2f/s: %w", s.ID(), shares[i], err)
		}
		if entries != nil {
			sel, err := mix.NewSelector(entries, p.opt.Seed+uint64(i))
			if err != nil {
				return err
			}
			s.SetMix(sel)
		}
	}
	p.gate.Open(stage)
	return nil
}

// Suspend closes the dispatch gate. Workers finish at most the probe they are
// emitting and then wait.
func (p *Pool) Suspend() {
	p.gate.Close()
}

// Dispatching reports whether the gate is open.
func (p *Pool) Dispatching() bool { return p.gate.IsOpen() }

// Live returns the number of connected sessions.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Teardown stops the workers and closes every session. It is idempotent and
// safe after a partial initialization.
func (p *Pool) Teardown() error {
	p.mu.Lock()
	if p.torn {
		p.mu.Unlock()
		return nil
	}
	p.torn = true
	cancel := p.cancel
	sessions := p.sessions
	p.mu.Unlock()

	p.gate.Close()
	if cancel != nil {
		cancel()
	}
	p.workers.Wait()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.log.Warn("teardown errors", zap.Error(err))
		return err
	}
	return nil
}

// Stats returns per-session breakdowns in session order.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	sessions := p.sessions
	p.mu.Unlock()
	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/mix"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/session"
)

// DefaultTick is how often the scheduler re-checks step and drain progress.
const DefaultTick = 10 * time.Millisecond

// Pool is the part of *session.Pool the scheduler drives.
type Pool interface {
	Initialize(ctx context.Context, n int) (session.InitResult, error)
	Dispatch(stage int, rate float64, entries []mix.Entry) error
	Suspend()
	Teardown() error
}

// Tracker is the part of *correlation.Tracker the scheduler needs.
type Tracker interface {
	Run(ctx context.Context) error
	Outstanding() int64
	DiscardAll(reason string) int
}

// Options configure a Scheduler.
type Options struct {
	Plan       plan.Plan
	Pool       Pool
	Tracker    Tracker
	Aggregator *metrics.Aggregator
	Observer   Observer

	Tick time.Duration // progress re-check interval
	// DrainPeriod bounds the wait for outstanding probes after the last
	// step. Zero falls back to the plan's drain period, then to
	// ResponseTimeout+SweepInterval.
	DrainPeriod     time.Duration
	ResponseTimeout time.Duration
	SweepInterval   time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

func (o *Options) normalize() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.DrainPeriod <= 0 {
		o.DrainPeriod = o.Plan.DrainPeriod
	}
	if o.DrainPeriod <= 0 {
		timeout := o.ResponseTimeout
		if timeout <= 0 {
			timeout = o.Plan.Timeout
		}
		if timeout <= 0 {
			timeout = plan.DefaultTimeout
		}
		sweep := o.SweepInterval
		if sweep <= 0 {
			sweep = time.Second
		}
		o.DrainPeriod = timeout + sweep
	}
	if o.Aggregator == nil {
		o.Aggregator = metrics.NewAggregator()
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

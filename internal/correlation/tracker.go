// Package correlation matches inbound responses to outstanding probes.
//
// A Tracker owns the set of in-flight requests for one run. Sessions call
// Track before handing a payload to the connector, connectors report inbound
// correlation ids through Deliver, and a single goroutine (Run) resolves them
// and periodically sweeps requests that exceeded the response timeout. Every
// tracked request is resolved exactly once: matched, timed out, failed on send
// or discarded at shutdown.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/metrics"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultSweepInterval = time.Second
	defaultInboundBuffer = 4096
	defaultRecentSize    = 1 << 16
)

// ErrDuplicateID is returned by Track when the id is already outstanding.
var ErrDuplicateID = errors.New("correlation: id already outstanding")

// ErrStopped is returned by Deliver once the tracker loop has exited.
var ErrStopped = errors.New("correlation: tracker stopped")

// Request is one in-flight probe awaiting its response.
type Request struct {
	ID        string
	SentAt    time.Time
	SessionID string
	MsgType   string
	Stage     int
}

// Outcome describes what Resolve did with an inbound id.
type Outcome int

const (
	Matched Outcome = iota
	Duplicate
	Late
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Recorder receives resolution outcomes. *metrics.Aggregator implements it.
type Recorder interface {
	RecordSuccess(stage int, latency time.Duration)
	RecordFailure(stage int, kind metrics.ErrorKind)
	RecordDuplicate(late bool)
	RecordUnknown()
}

// Options configure a Tracker.
type Options struct {
	Timeout       time.Duration // response deadline per request
	SweepInterval time.Duration // how often Run evicts expired requests
	InboundBuffer int           // capacity of the inbound event channel
	RecentSize    int           // resolved ids remembered for duplicate detection
	Now           func() time.Time
	Logger        *zap.Logger
}

func (o *Options) normalize() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = defaultInboundBuffer
	}
	if o.RecentSize <= 0 {
		o.RecentSize = defaultRecentSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type inbound struct {
	id string
	at time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	opt     Options
	rec     Recorder
	ids     *IDSource
	log     *zap.Logger
	pending sync.Map // id -> Request

	outstanding atomic.Int64

	// recent maps resolved ids to whether they were given up on (timed out or
	// discarded) rather than matched. Bounded by size only; ids are never
	// reused, so an old entry cannot be mistaken for a new request.
	recent *lru.Cache[string, bool]

	events   chan inbound
	stopped  chan struct{}
	stopOnce sync.Once
}

// New returns a tracker that reports outcomes to rec.
func New(rec Recorder, opt Options) *Tracker {
	opt.normalize()
	recent, _ := lru.New[string, bool](opt.RecentSize)
	return &Tracker{
		opt:     opt,
		rec:     rec,
		ids:     NewIDSourceFrom(nil, opt.Now),
		log:     opt.Logger.With(zap.String("component", "correlation")),
		recent:  recent,
		events:  make(chan inbound, opt.InboundBuffer),
		stopped: make(chan struct{}),
	}
}

// Timeout returns the configured response deadline.
func (t *Tracker) Timeout() time.Duration { return t.opt.Timeout }

// SweepInterval returns the configured sweep period.
func (t *Tracker) SweepInterval() time.Duration { return t.opt.SweepInterval }

// NextID allocates a correlation id that has never been issued before.
func (t *Tracker) NextID() string { return t.ids.Next() }

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.opt.Now() }

// Outstanding returns the number of requests awaiting resolution.
func (t *Tracker) Outstanding() int64 { return t.outstanding.Load() }

// Track registers an in-flight request. It must be called before the payload
// is handed to the connector.
func (t *Tracker) Track(req Request) error {
	if _, loaded := t.pending.LoadOrStore(req.ID, req); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	t.outstanding.Add(1)
	return nil
}

// Deliver queues an inbound correlation id observed at the given instant. It
// blocks while the inbound buffer is full and returns ErrStopped once Run has
// exited.
func (t *Tracker) Deliver(id string, at time.Time) error {
	select {
	case <-t.stopped:
		return ErrStopped
	default:
	}
	select {
	case t.events <- inbound{id: id, at: at}:
		return nil
	case <-t.stopped:
		return ErrStopped
	}
}

// Resolve matches an inbound id against the outstanding set.
func (t *Tracker) Resolve(id string, at time.Time) Outcome {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		if gaveUp, seen := t.recent.Get(id); seen {
			t.rec.RecordDuplicate(gaveUp)
			if gaveUp {
				return Late
			}
			return Duplicate
		}
		t.rec.RecordUnknown()
		t.log.Debug("response for unknown correlation id", zap.String("id", id))
		return Unknown
	}
	req := v.(Request)
	t.outstanding.Add(-1)
	t.recent.Add(id, false)

	latency := at.Sub(req.SentAt)
	if latency < 0 {
		latency = 0
	}
	t.rec.RecordSuccess(req.Stage, latency)
	return Matched
}

// Fail resolves an outstanding request as a failure of the given kind. It
// reports false when the id was no longer outstanding.
func (t *Tracker) Fail(id string, kind metrics.ErrorKind) bool {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	req := v.(Request)
	t.outstanding.Add(-1)
	t.recent.Add(id, kind != metrics.KindSend)
	t.rec.RecordFailure(req.Stage, kind)
	return true
}

// Sweep times out every request whose SentAt is older than the timeout at the
// instant now. Keys are snapshotted first so requests tracked during the sweep
// are never evicted by it.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.opt.Timeout)
	var expired []string
	t.pending.Range(func(key, value any) bool {
		if req := value.(Request); !req.SentAt.After(cutoff) {
			expired = append(expired, key.(string))
		}
		return true
	})

	n := 0
	for _, id := range expired {
		if t.Fail(id, metrics.KindTimeout) {
			n++
		}
	}
	if n > 0 {
		t.log.Debug("swept timed out requests", zap.Int("count", n))
	}
	return n
}

// DiscardAll force-resolves everything still outstanding as discarded.
func (t *Tracker) DiscardAll(reason string) int {
	var ids []string
	t.pending.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	n := 0
	for _, id := range ids {
		if t.Fail(id, metrics.KindDiscarded) {
			n++
		}
	}
	if n > 0 {
		t.log.Info("discarded outstanding requests", zap.Int("count", n), zap.String("reason", reason))
	}
	return n
}

// Run consumes inbound events and sweeps expired requests until ctx is done.
// Events already buffered when ctx ends are still resolved.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.stopOnce.Do(func() { close(t.stopped) })

	ticker := time.NewTicker(t.opt.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainEvents()
			return ctx.Err()
		case ev := <-t.events:
			t.Resolve(ev.id, ev.at)
		case <-ticker.C:
			t.Sweep(t.opt.Now())
		}
	}
}

func (t *Tracker) drainEvents() {
	for {
		select {
		case ev := <-t.events:
			t.Resolve(ev.id, ev.at)
		default:
			return
		}
	}
}

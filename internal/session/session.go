// Package session manages probe sessions and the pool that drives them.
//
// A Session owns one connector link, a Pacer and a message selector. Its
// worker goroutine waits for the pool's dispatch gate, acquires a permit,
// re-checks the gate and then emits one probe, so per-session send order is
// preserved and a pause never lets a stale permit through.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/clientmetrics"
	"github.com/torosent/gatewayprobe/internal/connector"
	"github.com/torosent/gatewayprobe/internal/correlation"
	"github.com/torosent/gatewayprobe/internal/metrics"
	"github.com/torosent/gatewayprobe/internal/mix"
	"github.com/torosent/gatewayprobe/internal/pacer"
)

// State is the lifecycle of a probe session.
type State int32

const (
	Created State = iota
	Connecting
	Active
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Recorder receives per-session events. *metrics.Aggregator implements it.
type Recorder interface {
	RecordSent(stage int)
	RecordConnect(latency time.Duration, err error)
}

// FieldSource supplies order parameters for each probe payload.
// *feeder.Feeder implements it.
type FieldSource interface {
	Next() map[string]string
}

// Config holds what a Session needs from its pool.
type Config struct {
	ID              string
	ProtocolVersion string
	Connector       connector.Connector
	Tracker         *correlation.Tracker
	Recorder        Recorder
	Selector        *mix.Selector
	Fields          FieldSource
	Logger          *zap.Logger
}

// Session is one logical link to the gateway.
type Session struct {
	id       string
	version  string
	conn     connector.Connector
	tracker  *correlation.Tracker
	rec      Recorder
	pacer    *pacer.Pacer
	selector atomic.Pointer[mix.Selector]
	fields   FieldSource
	log      *zap.Logger

	state      atomic.Int32
	sent       atomic.Int64
	sendErrors atomic.Int64

	mu             sync.Mutex
	handle         connector.Handle
	connectLatency time.Duration
	lastErr        error
}

// New returns a session in state Created. The pacer starts at one permit per
// second until the pool dispatches a step.
func New(cfg Config) *Session {
	p, _ := pacer.New(1, pacer.DefaultBurst)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{
		id:      cfg.ID,
		version: cfg.ProtocolVersion,
		conn:    cfg.Connector,
		tracker: cfg.Tracker,
		rec:     cfg.Recorder,
		pacer:   p,
		fields:  cfg.Fields,
		log:     cfg.Logger.With(zap.String("session", cfg.ID)),
	}
	if cfg.Selector == nil {
		cfg.Selector, _ = mix.NewSelector(nil, 0)
	}
	s.selector.Store(cfg.Selector)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Start connects the session. Failures are returned as *ConnectionError.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Created), int32(Connecting)) {
		return &ConnectionError{SessionID: s.id, Err: fmt.Errorf("cannot start from state %s", s.State())}
	}

	begin := time.Now()
	h, err := s.conn.Connect(ctx, s.id)
	latency := time.Since(begin)
	if s.rec != nil {
		s.rec.RecordConnect(latency, err)
	}
	if err != nil {
		s.state.Store(int32(Failed))
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.log.Warn("connect failed", zap.Error(err), zap.Duration("latency", latency))
		return &ConnectionError{SessionID: s.id, Err: err}
	}

	s.conn.RegisterReceiveHandler(h, s.onReceive)
	s.mu.Lock()
	s.handle = h
	s.connectLatency = latency
	s.mu.Unlock()
	s.state.Store(int32(Active))
	s.log.Debug("connected", zap.Duration("latency", latency))
	return nil
}

func (s *Session) onReceive(correlationID string) {
	if err := s.tracker.Deliver(correlationID, s.tracker.Now()); err != nil {
		s.log.Debug("inbound dropped", zap.String("id", correlationID), zap.Error(err))
	}
}

// SetRate changes the session's share of the aggregate rate.
func (s *Session) SetRate(rps float64) error {
	return s.pacer.SetRate(rps)
}

// Rate returns the session's current permit rate.
func (s *Session) Rate() float64 { return s.pacer.Rate() }

// SetMix swaps the message selector used for subsequent probes.
func (s *Session) SetMix(sel *mix.Selector) {
	if sel != nil {
		s.selector.Store(sel)
	}
}

// SendProbe waits for a permit and emits one probe attributed to stage.
func (s *Session) SendProbe(ctx context.Context, stage int) error {
	if err := s.pacer.Acquire(ctx, 1); err != nil {
		return err
	}
	return s.emit(stage)
}

// emit allocates a correlation id, records the outstanding request and hands
// the payload to the connector. A synchronous send error resolves the request
// as failed at once.
func (s *Session) emit(stage int) error {
	if s.State() != Active {
		return &SendError{SessionID: s.id, Err: fmt.Errorf("session is %s", s.State())}
	}
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	id := s.tracker.NextID()
	now := s.tracker.Now()
	hdr := mix.Header{
		BeginString:   s.version,
		SenderCompID:  s.id,
		CorrelationID: id,
		SendingTime:   now,
	}
	if s.fields != nil {
		hdr.Fields = s.fields.Next()
	}
	msg := s.selector.Load().Next(hdr)

	if s.rec != nil {
		s.rec.RecordSent(stage)
	}
	s.sent.Add(1)
	if err := s.tracker.Track(correlation.Request{
		ID:        id,
		SentAt:    now,
		SessionID: s.id,
		MsgType:   string(msg.Type),
		Stage:     stage,
	}); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	if err := s.conn.Send(h, msg.Payload, id); err != nil {
		s.sendErrors.Add(1)
		s.tracker.Fail(id, metrics.KindSend)
		return &SendError{SessionID: s.id, CorrelationID: id, Err: err}
	}
	return nil
}

// run is the worker loop. It returns when ctx is done.
func (s *Session) run(ctx context.Context, g *gate) {
	for {
		period, stage, gen, err := g.Wait(ctx)
		if err != nil {
			return
		}

		acquireCtx, cancel := context.WithCancel(period)
		stop := context.AfterFunc(ctx, cancel)
		err = s.pacer.Acquire(acquireCtx, 1)
		stop()
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil || !g.Current(gen) {
			continue
		}

		if err := s.emit(stage); err != nil {
			s.log.Debug("probe failed", zap.Error(err))
		}
	}
}

// Stop closes the connector link. Outstanding requests stay with the tracker.
func (s *Session) Stop() error {
	for {
		st := s.State()
		if st == Stopped || st == Failed || st == Created {
			return nil
		}
		if s.state.CompareAndSwap(int32(st), int32(Stopped)) {
			break
		}
	}
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := s.conn.Close(h); err != nil {
		return fmt.Errorf("session %s: close: %w", s.id, err)
	}
	return nil
}

// Stats is the per-session breakdown.
type Stats struct {
	ID               string                  `json:"id"`
	State            string                  `json:"state"`
	Sent             int64                   `json:"sent"`
	SendErrors       int64                   `json:"send_errors"`
	ConnectLatencyMs float64                 `json:"connect_latency_ms"`
	RatePerSec       float64                 `json:"rate_per_sec"`
	Error            string                  `json:"error,omitempty"`
	Link             *clientmetrics.Snapshot `json:"link,omitempty"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	h := s.handle
	latency := s.connectLatency
	lastErr := s.lastErr
	s.mu.Unlock()

	st := Stats{
		ID:               s.id,
		State:            s.State().String(),
		Sent:             s.sent.Load(),
		SendErrors:       s.sendErrors.Load(),
		ConnectLatencyMs: float64(latency) / float64(time.Millisecond),
		RatePerSec:       s.pacer.Rate(),
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	if ls, ok := s.conn.(connector.LinkStatser); ok && h != nil {
		if snap, ok := ls.LinkStats(h); ok {
			st.Link = &snap
		}
	}
	return st
}

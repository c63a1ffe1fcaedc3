// Package loopback is an in-process gateway simulator. It answers every send
// after a configurable latency, optionally drops or duplicates responses and
// can refuse connections, which makes it suitable for dry runs and tests.
package loopback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/torosent/gatewayprobe/internal/clientmetrics"
	"github.com/torosent/gatewayprobe/internal/connector"
)

// Options shape the simulated gateway.
type Options struct {
	Latency        time.Duration // base response latency
	Jitter         time.Duration // uniform extra latency in [0, Jitter)
	DropRatio      float64       // fraction of sends never answered
	DuplicateRatio float64       // fraction of answers delivered twice
	ConnectDelay   time.Duration
	// RefuseConnect, when set, decides whether a session may connect.
	RefuseConnect func(sessionID string) error
	// FailSend, when set, decides whether a send fails synchronously.
	FailSend func(sessionID string) error
	Seed     uint64
}

// Connector implements connector.Connector in memory.
type Connector struct {
	opt Options

	mu  sync.Mutex
	rng *rand.Rand
}

type link struct {
	id    string
	stats *clientmetrics.Link

	mu      sync.Mutex
	handler connector.ReceiveFunc
	closed  bool
	timers  map[*pending]struct{}
}

type pending struct{ t *time.Timer }

func (l *link) SessionID() string { return l.id }

// New returns a loopback connector.
func New(opt Options) *Connector {
	if opt.DropRatio < 0 {
		opt.DropRatio = 0
	}
	if opt.DuplicateRatio < 0 {
		opt.DuplicateRatio = 0
	}
	return &Connector{opt: opt, rng: rand.New(rand.NewPCG(opt.Seed, opt.Seed^0x9e3779b97f4a7c15))}
}

// Connect opens a simulated link.
func (c *Connector) Connect(ctx context.Context, sessionID string) (connector.Handle, error) {
	if c.opt.ConnectDelay > 0 {
		t := time.NewTimer(c.opt.ConnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.opt.RefuseConnect != nil {
		if err := c.opt.RefuseConnect(sessionID); err != nil {
			return nil, fmt.Errorf("loopback connect %s: %w", sessionID, err)
		}
	}
	l := &link{id: sessionID, stats: clientmetrics.New(), timers: make(map[*pending]struct{})}
	l.stats.MarkConnected(time.Now())
	return l, nil
}

// Send schedules the simulated response for correlationID.
func (c *Connector) Send(h connector.Handle, payload []byte, correlationID string) error {
	l, ok := h.(*link)
	if !ok {
		return connector.ErrForeignHandle
	}
	if c.opt.FailSend != nil {
		if err := c.opt.FailSend(l.id); err != nil {
			l.stats.Error()
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return connector.ErrClosed
	}
	l.stats.Sent(len(payload))

	drop, dup, delay := c.roll()
	if drop {
		return nil
	}
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		p := &pending{}
		p.t = time.AfterFunc(delay, func() { l.deliver(p, correlationID) })
		l.timers[p] = struct{}{}
	}
	return nil
}

func (c *Connector) roll() (drop, dup bool, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	drop = c.opt.DropRatio > 0 && c.rng.Float64() < c.opt.DropRatio
	dup = c.opt.DuplicateRatio > 0 && c.rng.Float64() < c.opt.DuplicateRatio
	delay = c.opt.Latency
	if c.opt.Jitter > 0 {
		delay += time.Duration(c.rng.Int64N(int64(c.opt.Jitter)))
	}
	return drop, dup, delay
}

func (l *link) deliver(p *pending, correlationID string) {
	l.mu.Lock()
	delete(l.timers, p)
	fn := l.handler
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.stats.Received(len(correlationID))
	if fn == nil {
		l.stats.Unmatched()
		return
	}
	fn(correlationID)
}

// RegisterReceiveHandler sets the callback for simulated responses.
func (c *Connector) RegisterReceiveHandler(h connector.Handle, fn connector.ReceiveFunc) {
	if l, ok := h.(*link); ok {
		l.mu.Lock()
		l.handler = fn
		l.mu.Unlock()
	}
}

// Close cancels undelivered responses. Closing twice is a no-op.
func (c *Connector) Close(h connector.Handle) error {
	l, ok := h.(*link)
	if !ok {
		return connector.ErrForeignHandle
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for p := range l.timers {
		p.t.Stop()
	}
	l.timers = nil
	l.stats.MarkClosed(time.Now())
	return nil
}

// LinkStats reports traffic counters for h.
func (c *Connector) LinkStats(h connector.Handle) (clientmetrics.Snapshot, bool) {
	l, ok := h.(*link)
	if !ok {
		return clientmetrics.Snapshot{}, false
	}
	return l.stats.Snapshot(time.Now()), true
}

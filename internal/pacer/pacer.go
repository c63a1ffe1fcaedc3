// Package pacer turns a target event rate into a stream of send permits.
//
// A Pacer is a token bucket: tokens refill at the configured rate up to the
// burst capacity and each permit debits one token. When the bucket runs dry the
// caller waits deficit/rate before its permit is granted. The rate can be
// changed while callers are waiting; the new rate applies from the next refill,
// which is what ramp-step transitions rely on.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// ErrInvalidRate is returned when a non-positive rate is configured.
var ErrInvalidRate = errors.New("pacer: rate must be > 0")

// DefaultBurst keeps the number of permits granted over any window within one
// token of rate*window.
const DefaultBurst = 1

// LimiterFactory builds the underlying token bucket. Tests inject their own.
type LimiterFactory func(rps float64, burst int) *rate.Limiter

func defaultLimiterFactory(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Pacer grants permits at a configurable rate.
type Pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rate    float64
	burst   int
}

// New creates a pacer emitting rps permits per second with the given burst
// capacity. A burst below 1 is raised to DefaultBurst.
func New(rps float64, burst int) (*Pacer, error) {
	return NewWithFactory(rps, burst, nil)
}

// NewWithFactory is New with an injectable limiter constructor.
func NewWithFactory(rps float64, burst int, factory LimiterFactory) (*Pacer, error) {
	if err := checkRate(rps); err != nil {
		return nil, err
	}
	if burst < 1 {
		burst = DefaultBurst
	}
	if factory == nil {
		factory = defaultLimiterFactory
	}
	return &Pacer{
		limiter: factory(rps, burst),
		rate:    rps,
		burst:   burst,
	}, nil
}

// Acquire blocks until n permits are available or ctx is done. Requests larger
// than the burst capacity are served in burst-sized chunks.
func (p *Pacer) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter := p.limiter
	burst := p.burst
	p.mu.Unlock()

	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("pacer: %w", err)
		}
		n -= chunk
	}
	return nil
}

// SetRate changes the permit rate without resetting accumulated tokens.
func (p *Pacer) SetRate(rps float64) error {
	if err := checkRate(rps); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = rps
	p.limiter.SetLimit(rate.Limit(rps))
	return nil
}

// Rate returns the current permit rate.
func (p *Pacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Burst returns the bucket capacity.
func (p *Pacer) Burst() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.burst
}

func checkRate(rps float64) error {
	if rps <= 0 || math.IsNaN(rps) || math.IsInf(rps, 0) {
		return fmt.Errorf("%w (got %v)", ErrInvalidRate, rps)
	}
	return nil
}

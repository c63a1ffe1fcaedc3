package correlation

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource allocates correlation ids. Ids are ULIDs drawn from monotonic
// entropy so they are unique for the lifetime of a process and sort by issue
// time.
type IDSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewIDSource returns an id source backed by crypto/rand.
func NewIDSource() *IDSource {
	return NewIDSourceFrom(rand.Reader, time.Now)
}

// NewIDSourceFrom uses the given entropy and clock. A nil reader means
// crypto/rand.
func NewIDSourceFrom(r io.Reader, now func() time.Time) *IDSource {
	if r == nil {
		r = rand.Reader
	}
	if now == nil {
		now = time.Now
	}
	return &IDSource{entropy: ulid.Monotonic(r, 0), now: now}
}

// Next returns a fresh correlation id.
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

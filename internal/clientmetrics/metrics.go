// Package clientmetrics counts frames and bytes moved over one connector link.
package clientmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Link tracks traffic for a single session's connection. The zero value is
// ready to use.
type Link struct {
	framesSent atomic.Int64
	framesRecv atomic.Int64
	bytesSent  atomic.Int64
	bytesRecv  atomic.Int64
	errors     atomic.Int64
	unmatched  atomic.Int64

	mu          sync.Mutex
	connectedAt time.Time
	closedAt    time.Time
}

// New returns an empty Link.
func New() *Link {
	return &Link{}
}

// MarkConnected records when the link came up.
func (l *Link) MarkConnected(at time.Time) {
	l.mu.Lock()
	l.connectedAt = at
	l.closedAt = time.Time{}
	l.mu.Unlock()
}

// MarkClosed records when the link went down.
func (l *Link) MarkClosed(at time.Time) {
	l.mu.Lock()
	if !l.connectedAt.IsZero() && l.closedAt.IsZero() {
		l.closedAt = at
	}
	l.mu.Unlock()
}

// Sent records an outbound frame of n bytes.
func (l *Link) Sent(n int) {
	l.framesSent.Add(1)
	l.bytesSent.Add(int64(n))
}

// Received records an inbound frame of n bytes.
func (l *Link) Received(n int) {
	l.framesRecv.Add(1)
	l.bytesRecv.Add(int64(n))
}

// Error records a transport error.
func (l *Link) Error() { l.errors.Add(1) }

// Unmatched records an inbound frame that carried no correlation id.
func (l *Link) Unmatched() { l.unmatched.Add(1) }

// Snapshot is a point-in-time copy of a Link.
type Snapshot struct {
	Uptime         time.Duration `json:"-"`
	UptimeMs       float64       `json:"uptime_ms"`
	FramesSent     int64         `json:"frames_sent"`
	FramesReceived int64         `json:"frames_received"`
	BytesSent      int64         `json:"bytes_sent"`
	BytesReceived  int64         `json:"bytes_received"`
	Errors         int64         `json:"errors"`
	Unmatched      int64         `json:"unmatched_frames"`
}

// Snapshot returns the current counters. now bounds the uptime of a link that
// is still open.
func (l *Link) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	var uptime time.Duration
	if !l.connectedAt.IsZero() {
		end := l.closedAt
		if end.IsZero() {
			end = now
		}
		uptime = end.Sub(l.connectedAt)
	}
	l.mu.Unlock()

	return Snapshot{
		Uptime:         uptime,
		UptimeMs:       float64(uptime) / float64(time.Millisecond),
		FramesSent:     l.framesSent.Load(),
		FramesReceived: l.framesRecv.Load(),
		BytesSent:      l.bytesSent.Load(),
		BytesReceived:  l.bytesRecv.Load(),
		Errors:         l.errors.Load(),
		Unmatched:      l.unmatched.Load(),
	}
}

package runner

import "time"

// stepTimer accumulates active time for one step; paused intervals are not
// counted.
type stepTimer struct {
	duration    time.Duration
	accumulated time.Duration
	since       time.Time
	running     bool
}

func newStepTimer(duration time.Duration) *stepTimer {
	return &stepTimer{duration: duration}
}

func (t *stepTimer) resume(now time.Time) {
	if t.running {
		return
	}
	t.since = now
	t.running = true
}

func (t *stepTimer) pause(now time.Time) {
	if !t.running {
		return
	}
	t.accumulated += now.Sub(t.since)
	t.running = false
}

func (t *stepTimer) elapsed(now time.Time) time.Duration {
	if t.running {
		return t.accumulated + now.Sub(t.since)
	}
	return t.accumulated
}

func (t *stepTimer) remaining(now time.Time) time.Duration {
	if r := t.duration - t.elapsed(now); r > 0 {
		return r
	}
	return 0
}

func (t *stepTimer) done(now time.Time) bool {
	return t.elapsed(now) >= t.duration
}

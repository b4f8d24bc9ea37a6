package worker

import (
	"sync"
	"time"
)

// dispatchLimiter caps job dispatches across the whole pool with a
// one-second sliding window. A max of zero disables the limit.
type dispatchLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []int64
}

func newDispatchLimiter(perSecond int) *dispatchLimiter {
	if perSecond < 0 {
		perSecond = 0
	}
	return &dispatchLimiter{
		max:    perSecond,
		window: time.Second,
		stamps: make([]int64, 0, 256),
	}
}

func (l *dispatchLimiter) allow(now time.Time) bool {
	if l == nil || l.max == 0 {
		return true
	}
	ts := now.UnixNano()
	cutoff := ts - l.window.Nanoseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.stamps = trimCutoff(l.stamps, cutoff)
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

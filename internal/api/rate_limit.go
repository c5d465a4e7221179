package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// nodeLimiter hands out a per-node token bucket, lazily created on first
// use. Agents legitimately poll on a fixed interval (spec §5's
// TASK_POLL_SECONDS); this exists to blunt a misbehaving or compromised
// agent hammering /v1/tasks/pull or /v1/agent/heartbeat, not to enforce the
// poll interval itself.
type nodeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newNodeLimiter(perSecond float64, burst int) *nodeLimiter {
	return &nodeLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *nodeLimiter) allow(nodeID string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[nodeID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

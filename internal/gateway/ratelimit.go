package gateway

import "time"

// OpcodeLimit is the budget for one inbound opcode within a sliding window.
type OpcodeLimit struct {
	Max    int
	Window time.Duration
}

// DefaultRateLimits returns the per-opcode budgets. Heartbeat allows a small burst so a client recovering from
// network jitter is not punished for catching up.
func DefaultRateLimits() map[int]OpcodeLimit {
	return map[int]OpcodeLimit{
		OpcodeIdentify:            {Max: 1, Window: 5 * time.Second},
		OpcodeResume:              {Max: 1, Window: 5 * time.Second},
		OpcodeHeartbeat:           {Max: 3, Window: 41 * time.Second},
		OpcodePresenceUpdate:      {Max: 5, Window: 60 * time.Second},
		OpcodeVoiceStateUpdate:    {Max: 5, Window: 10 * time.Second},
		OpcodeRequestGuildMembers: {Max: 10, Window: 120 * time.Second},
	}
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// RateLimiter tracks per-opcode sliding windows for one connection. It is only ever touched from the connection's
// read goroutine, so no locking is needed.
type RateLimiter struct {
	limits  map[int]OpcodeLimit
	buckets map[int]*rateBucket
}

// NewRateLimiter creates a limiter with the given per-opcode budgets.
func NewRateLimiter(limits map[int]OpcodeLimit) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		buckets: make(map[int]*rateBucket),
	}
}

// Allow records one inbound frame of the given opcode and reports whether it fits the budget. Opcodes without a
// configured limit are always allowed.
func (l *RateLimiter) Allow(op int, now time.Time) bool {
	limit, ok := l.limits[op]
	if !ok {
		return true
	}

	b, ok := l.buckets[op]
	if !ok {
		b = &rateBucket{}
		l.buckets[op] = b
	}

	if now.Sub(b.windowStart) > limit.Window {
		b.count = 0
		b.windowStart = now
	}
	b.count++
	return b.count <= limit.Max
}

// Prune drops buckets idle for more than two windows. Called opportunistically from the read loop; the map stays
// small regardless, this just keeps long-lived quiet connections tidy.
func (l *RateLimiter) Prune(now time.Time) {
	for op, b := range l.buckets {
		if now.Sub(b.windowStart) > 2*l.limits[op].Window {
			delete(l.buckets, op)
		}
	}
}

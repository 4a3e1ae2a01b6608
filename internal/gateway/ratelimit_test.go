package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterIdentifyBudget(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(DefaultRateLimits())
	now := time.Now()

	if !l.Allow(OpcodeIdentify, now) {
		t.Fatal("first Identify rejected")
	}
	if l.Allow(OpcodeIdentify, now.Add(time.Second)) {
		t.Error("second Identify inside the window was allowed")
	}
	if !l.Allow(OpcodeIdentify, now.Add(6*time.Second)) {
		t.Error("Identify after the window elapsed was rejected")
	}
}

func TestRateLimiterHeartbeatBurst(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(DefaultRateLimits())
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(OpcodeHeartbeat, now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("heartbeat %d rejected inside burst budget", i+1)
		}
	}
	if l.Allow(OpcodeHeartbeat, now.Add(3*time.Second)) {
		t.Error("fourth heartbeat inside the window was allowed")
	}
}

func TestRateLimiterIndependentBuckets(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(DefaultRateLimits())
	now := time.Now()

	if !l.Allow(OpcodeIdentify, now) {
		t.Fatal("Identify rejected")
	}
	// Exhausting Identify must not affect PresenceUpdate.
	l.Allow(OpcodeIdentify, now)
	for i := 0; i < 5; i++ {
		if !l.Allow(OpcodePresenceUpdate, now) {
			t.Fatalf("presence update %d rejected while under budget", i+1)
		}
	}
	if l.Allow(OpcodePresenceUpdate, now) {
		t.Error("sixth presence update inside the window was allowed")
	}
}

func TestRateLimiterUnconfiguredOpcode(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(DefaultRateLimits())
	now := time.Now()

	for i := 0; i < 1000; i++ {
		if !l.Allow(OpcodeDispatch, now) {
			t.Fatal("opcode without a configured limit was rejected")
		}
	}
}

func TestRateLimiterPrune(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(DefaultRateLimits())
	now := time.Now()

	l.Allow(OpcodeIdentify, now)
	l.Allow(OpcodeHeartbeat, now)
	if len(l.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(l.buckets))
	}

	l.Prune(now.Add(5 * time.Minute))
	if len(l.buckets) != 0 {
		t.Errorf("buckets after prune = %d, want 0", len(l.buckets))
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPolicyFixedWindow(t *testing.T) {
	p := Policy{Limit: 3, Window: time.Minute}
	var rl domain.RateLimit

	for i := 0; i < 3; i++ {
		if !p.Allow(&rl, base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Remaining != 0 || rl.Count != 3 {
		t.Fatalf("count=%d remaining=%d, want 3/0", rl.Count, rl.Remaining)
	}
	if p.Allow(&rl, base.Add(30*time.Second)) {
		t.Fatal("fourth request in the window should be rejected")
	}
	if rl.Count != 3 {
		t.Fatalf("rejected request changed count to %d", rl.Count)
	}
	if !rl.ResetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("resetAt = %v", rl.ResetAt)
	}

	if !p.Allow(&rl, base.Add(time.Minute)) {
		t.Fatal("request at resetAt should open a new window")
	}
	if rl.Count != 1 || rl.Remaining != 2 || !rl.WindowStart.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected window after reset: %+v", rl)
	}
}

func TestPolicyPeekDoesNotCount(t *testing.T) {
	p := Policy{Limit: 1, Window: time.Minute}
	var rl domain.RateLimit

	if !p.Peek(rl, base) {
		t.Fatal("peek on empty window should pass")
	}
	p.Allow(&rl, base)
	if p.Peek(rl, base.Add(time.Second)) {
		t.Fatal("peek on full window should fail")
	}
	if rl.Count != 1 {
		t.Fatalf("count = %d, want 1", rl.Count)
	}
}

func TestPolicyDisabled(t *testing.T) {
	p := Policy{}
	var rl domain.RateLimit
	for i := 0; i < 100; i++ {
		if !p.Allow(&rl, base) {
			t.Fatal("zero policy must not limit")
		}
	}
}

func TestObserveScoresHealth(t *testing.T) {
	var h domain.Health

	Observe(&h, true, time.Second, base)
	if h.Requests != 1 || h.Failures != 0 || h.PerformanceScore != 1 {
		t.Fatalf("after first success: %+v", h)
	}

	Observe(&h, false, time.Second, base.Add(time.Second))
	if h.ErrorRate != 0.5 {
		t.Fatalf("error rate = %v, want 0.5", h.ErrorRate)
	}
	if math.Abs(h.PerformanceScore-0.8) > 1e-9 {
		t.Fatalf("score = %v, want 0.8", h.PerformanceScore)
	}
	if !h.LastHeartbeat.Equal(base.Add(time.Second)) {
		t.Fatalf("heartbeat = %v", h.LastHeartbeat)
	}

	Observe(&h, true, 2*TargetLatency, base.Add(2*time.Second))
	want := 0.8*0.8 + 0.2*0.5
	if math.Abs(h.PerformanceScore-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", h.PerformanceScore, want)
	}
	if h.PerformanceScore < 0 || h.PerformanceScore > 1 {
		t.Fatalf("score out of range: %v", h.PerformanceScore)
	}
}

func TestLimiterPerKey(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	now := base
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if l.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("other keys are independent")
	}

	now = now.Add(time.Minute + time.Second)
	if !l.Allow("a") {
		t.Fatal("window should have slid past old requests")
	}
}

func TestLimiterEvictsIdleKeys(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	now := base
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("client-%d", i))
	}
	now = now.Add(2 * time.Minute)
	l.evict()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.requests) != 0 {
		t.Fatalf("expected all keys evicted, have %d", len(l.requests))
	}
}

func TestLimiterConcurrentAllow(t *testing.T) {
	l := NewLimiter(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed = %d, want 50", allowed)
	}
}

func TestLimiterRunStopsOnCancel(t *testing.T) {
	l := NewLimiter(1, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

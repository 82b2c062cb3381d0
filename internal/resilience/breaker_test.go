package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

func testBreaker() (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := NewBreaker("tenable", config.ResilienceConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   1,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker()
	b.Failure()
	b.Failure()
	if b.State().Status != model.CircuitClosed {
		t.Fatalf("should stay closed below threshold")
	}
	b.Failure()
	if b.State().Status != model.CircuitOpen {
		t.Fatalf("expected open after 3 failures")
	}
	if b.Allow() {
		t.Fatalf("open breaker must short-circuit")
	}
}

func TestBreakerWindowPrunesOldFailures(t *testing.T) {
	b, now := testBreaker()
	b.Failure()
	b.Failure()
	*now = now.Add(2 * time.Minute)
	b.Failure()
	if got := b.State(); got.Status != model.CircuitClosed || got.Failures != 1 {
		t.Fatalf("stale failures should age out, got %+v", got)
	}
}

func TestBreakerHalfOpenAfterCoolDown(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	if b.Allow() {
		t.Fatalf("no probe before cool-down")
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe slot after cool-down")
	}
	if b.State().Status != model.CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State().Status)
	}
	if b.Allow() {
		t.Fatalf("only one probe slot configured")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe")
	}
	b.Success()
	got := b.State()
	if got.Status != model.CircuitClosed || got.Failures != 0 {
		t.Fatalf("probe success should close and clear, got %+v", got)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe")
	}
	b.Failure()
	if b.State().Status != model.CircuitOpen {
		t.Fatalf("probe failure should reopen")
	}
	if b.Allow() {
		t.Fatalf("reopen must restart the cool-down")
	}
}

func TestDoShortCircuits(t *testing.T) {
	b, _ := testBreaker()
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker must not invoke fn")
	}
}

func TestSetIsolatesSources(t *testing.T) {
	set := NewSet(config.ResilienceConfig{FailureThreshold: 1, FailureWindow: time.Minute, CoolDown: time.Minute, HalfOpenProbes: 1})
	set.For("tenable").Failure()
	if set.For("tenable").State().Status != model.CircuitOpen {
		t.Fatalf("tenable should be open")
	}
	if set.For("crowdstrike").State().Status != model.CircuitClosed {
		t.Fatalf("crowdstrike must be unaffected")
	}
	states := set.States()
	if len(states) != 2 || states[0].Source != "crowdstrike" {
		t.Fatalf("expected sorted states, got %+v", states)
	}
}

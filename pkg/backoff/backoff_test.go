package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, expected := range want {
		if got := p.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, expected)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	if got := p.Delay(8); got != 5*time.Second {
		t.Errorf("Delay(8) = %s, want cap of 5s", got)
	}
}

func TestDelayJitterStaysBounded(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0.25}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 2*time.Second || d > 2500*time.Millisecond {
			t.Fatalf("Delay(1) = %s, want [2s, 2.5s]", d)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	if Jitter(0) != 0 {
		t.Error("expected zero jitter for zero max")
	}
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second)
		if d < 0 || d >= time.Second {
			t.Fatalf("Jitter(1s) = %s, want [0, 1s)", d)
		}
	}
}

func TestRealClockSleepCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Minute)
	if err == nil {
		t.Fatal("expected cancelled sleep to return an error")
	}
	if time.Since(start) > time.Second {
		t.Error("expected cancelled sleep to return promptly")
	}
}

func TestRealClockSleepCompletes(t *testing.T) {
	if err := (RealClock{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("expected sleep to complete, got %v", err)
	}
}

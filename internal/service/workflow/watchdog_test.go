package workflow

import (
	"testing"
	"time"
)

func TestLivenessWatchdog_FiresWhenIdle(t *testing.T) {
	fired := make(chan time.Duration, 1)
	w := NewLivenessWatchdog(LivenessWatchdogConfig{
		Timeout:      30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, func(idle time.Duration) { fired <- idle })
	w.Start()
	defer w.Stop()

	select {
	case idle := <-fired:
		if idle < 30*time.Millisecond {
			t.Errorf("idle = %v, want >= 30ms", idle)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestLivenessWatchdog_TouchKeepsAlive(t *testing.T) {
	fired := make(chan time.Duration, 1)
	w := NewLivenessWatchdog(LivenessWatchdogConfig{
		Timeout:      50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, func(idle time.Duration) { fired <- idle })
	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Touch()
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-fired:
		t.Fatal("watchdog fired while the runner was active")
	default:
	}
}

func TestLivenessWatchdog_StopPreventsFiring(t *testing.T) {
	fired := make(chan time.Duration, 1)
	w := NewLivenessWatchdog(LivenessWatchdogConfig{
		Timeout:      20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, func(idle time.Duration) { fired <- idle })
	w.Start()
	w.Stop()
	w.Stop() // safe to call twice

	select {
	case <-fired:
		t.Fatal("watchdog fired after Stop")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestLivenessWatchdog_ZeroTimeoutDisabled(t *testing.T) {
	fired := make(chan time.Duration, 1)
	w := NewLivenessWatchdog(LivenessWatchdogConfig{}, func(idle time.Duration) { fired <- idle })
	w.Start()
	defer w.Stop()

	select {
	case <-fired:
		t.Fatal("disabled watchdog fired")
	case <-time.After(50 * time.Millisecond):
	}
}

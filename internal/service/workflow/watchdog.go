package workflow

import (
	"sync"
	"time"
)

// LivenessWatchdogConfig controls how a stalled runner is detected.
type LivenessWatchdogConfig struct {
	Timeout      time.Duration // Idle time after which the runner counts as stalled
	PollInterval time.Duration // How often idle time is checked (default: Timeout/4)
}

// LivenessWatchdog fires once when Touch was not called for Timeout.
type LivenessWatchdog struct {
	config  LivenessWatchdogConfig
	onStall func(idle time.Duration)

	mu       sync.Mutex
	lastSeen time.Time

	stopCh chan struct{}
	once   sync.Once
}

// NewLivenessWatchdog creates a watchdog calling onStall when the runner goes quiet.
func NewLivenessWatchdog(config LivenessWatchdogConfig, onStall func(idle time.Duration)) *LivenessWatchdog {
	if config.PollInterval <= 0 {
		config.PollInterval = config.Timeout / 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Millisecond
	}
	return &LivenessWatchdog{
		config:   config,
		onStall:  onStall,
		lastSeen: time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling in a background goroutine. A zero timeout disables it.
func (w *LivenessWatchdog) Start() {
	if w.config.Timeout <= 0 {
		return
	}
	go w.poll()
}

// Touch records runner activity.
func (w *LivenessWatchdog) Touch() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// Idle returns the time since the last activity.
func (w *LivenessWatchdog) Idle() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen)
}

// Stop terminates polling. Safe to call multiple times.
func (w *LivenessWatchdog) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
	})
}

func (w *LivenessWatchdog) poll() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			idle := w.Idle()
			if idle < w.config.Timeout {
				continue
			}
			select {
			case <-w.stopCh:
				return
			default:
			}
			if w.onStall != nil {
				w.onStall(idle)
			}
			return
		}
	}
}

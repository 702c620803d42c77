package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// Step scripts one invocation of a phase.
type Step struct {
	Output   map[string]interface{}
	Text     string
	Err      error
	Progress []string
	// Delay is slept before returning. It honours cancellation.
	Delay time.Duration
	// Block waits until the context is done.
	Block bool
	// WaitInput waits for one line on the request's input channel and
	// returns it under Output["input"].
	WaitInput bool
}

// MockCall records one runner invocation.
type MockCall struct {
	PhaseID   core.PhaseID
	Kind      core.PhaseKind
	Attempt   int
	Context   map[string]interface{}
	Timestamp time.Time
}

// MockRunner implements core.PhaseRunner with per-phase scripts.
// Each call to a phase consumes the next step; the last step repeats.
// Phases without a script return {"text": "<phase> done"}.
type MockRunner struct {
	scripts map[core.PhaseID][]Step
	counts  map[core.PhaseID]int
	runFunc core.PhaseRunnerFunc
	calls   []MockCall
	mu      sync.Mutex
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		scripts: make(map[core.PhaseID][]Step),
		counts:  make(map[core.PhaseID]int),
	}
}

// On appends steps to the script of a phase.
func (m *MockRunner) On(phaseID core.PhaseID, steps ...Step) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[phaseID] = append(m.scripts[phaseID], steps...)
	return m
}

// WithOutput scripts a phase to return the given outputs in order.
func (m *MockRunner) WithOutput(phaseID core.PhaseID, outputs ...map[string]interface{}) *MockRunner {
	steps := make([]Step, 0, len(outputs))
	for _, out := range outputs {
		steps = append(steps, Step{Output: out})
	}
	return m.On(phaseID, steps...)
}

// WithError scripts a phase to fail with err.
func (m *MockRunner) WithError(phaseID core.PhaseID, err error) *MockRunner {
	return m.On(phaseID, Step{Err: err})
}

// WithRunFunc replaces scripting with a custom function.
func (m *MockRunner) WithRunFunc(fn core.PhaseRunnerFunc) *MockRunner {
	m.runFunc = fn
	return m
}

// Run implements core.PhaseRunner.
func (m *MockRunner) Run(ctx context.Context, req core.RunRequest, progress core.ProgressFunc) (*core.RunResult, error) {
	step, ok := m.record(req)
	if m.runFunc != nil {
		return m.runFunc(ctx, req, progress)
	}
	if !ok {
		return &core.RunResult{
			Output: map[string]interface{}{"text": fmt.Sprintf("%s done", req.PhaseID)},
		}, nil
	}

	for _, text := range step.Progress {
		if progress != nil {
			progress(core.Progress{Text: text, At: time.Now()})
		}
	}

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}

	out := core.CloneValue(step.Output)
	output, _ := out.(map[string]interface{})
	if step.WaitInput {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, open := <-req.Input:
			if !open {
				return nil, core.ErrRunner("input closed", false)
			}
			if output == nil {
				output = make(map[string]interface{})
			}
			output["input"] = line
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return &core.RunResult{Output: output, Text: step.Text}, nil
}

func (m *MockRunner) record(req core.RunRequest) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{
		PhaseID:   req.PhaseID,
		Kind:      req.Kind,
		Attempt:   req.Attempt,
		Context:   req.Context,
		Timestamp: time.Now(),
	})

	n := m.counts[req.PhaseID]
	m.counts[req.PhaseID] = n + 1

	steps := m.scripts[req.PhaseID]
	if len(steps) == 0 {
		return Step{}, false
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n], true
}

// Calls returns recorded calls.
func (m *MockRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.calls...)
}

// CallCount returns the number of invocations of a phase.
func (m *MockRunner) CallCount(phaseID core.PhaseID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[phaseID]
}

// Reset clears call history and restarts every script.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make([]MockCall, 0)
	m.counts = make(map[core.PhaseID]int)
}

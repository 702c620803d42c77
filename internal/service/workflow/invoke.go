package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
)

var (
	errInvokeTimeout = errors.New("runner invocation timed out")
	errStalled       = errors.New("runner stalled")
)

// invoke calls the phase runner under the retry policy. Each attempt gets its
// own cancellable handle, timeout and liveness watchdog.
func (o *Orchestrator) invoke(r *instanceRun, inst *core.Instance, p *core.Phase, a core.Activation, snapshot map[string]interface{}) (*core.RunResult, int, error) {
	logger := o.logger.WithInstance(string(inst.ID)).WithPhase(string(p.ID)).WithRunner(p.Runner.Name)

	var result *core.RunResult
	attempts, err := o.retry.ExecuteWithNotify(r.ctx, func(ctx context.Context, attempt int) error {
		res, err := o.attempt(ctx, r, inst, p, a, snapshot, attempt)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("runner attempt failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		o.metrics.RecordRetry()
		o.emitter.Emit(events.NewPhaseProgressEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID), string(a.ExecID),
			attempt, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, delay.Round(time.Millisecond), err), 0))
	})
	if attempts < 1 {
		attempts = 1
	}
	if err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}

// attempt performs one runner invocation and maps its failure to a domain error.
func (o *Orchestrator) attempt(ctx context.Context, r *instanceRun, inst *core.Instance, p *core.Phase, a core.Activation, snapshot map[string]interface{}, attempt int) (*core.RunResult, error) {
	if err := o.limits.Wait(ctx, p.Runner.Name); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.config.RunnerTimeout > 0 {
		var stop context.CancelFunc
		callCtx, stop = context.WithTimeoutCause(callCtx, o.config.RunnerTimeout, errInvokeTimeout)
		defer stop()
	}

	h := r.addHandle(a.ExecID, p.ID, cancel)
	defer r.removeHandle(a.ExecID)

	watchdog := NewLivenessWatchdog(LivenessWatchdogConfig{Timeout: o.config.LivenessTimeout}, func(time.Duration) {
		cancel(errStalled)
	})
	watchdog.Start()
	defer watchdog.Stop()

	progress := func(pr core.Progress) {
		watchdog.Touch()
		o.emitter.Emit(events.NewPhaseProgressEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID), string(a.ExecID),
			attempt, pr.Text, pr.Percent))
	}

	started := time.Now()
	res, err := o.runner.Run(callCtx, core.RunRequest{
		InstanceID: inst.ID,
		PhaseID:    p.ID,
		Kind:       p.Kind,
		Spec:       p.Runner,
		Context:    snapshot,
		Attempt:    attempt,
		Input:      h.input,
	}, progress)
	err = o.classify(ctx, callCtx, p, watchdog, err)
	o.metrics.RecordRunner(p.Runner.Name, time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// classify maps a runner failure to a domain error. A result always wins;
// cancellation of the instance wins over any reported failure.
func (o *Orchestrator) classify(ctx, callCtx context.Context, p *core.Phase, watchdog *LivenessWatchdog, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch context.Cause(callCtx) {
	case errStalled:
		return core.ErrStalled(p.ID, watchdog.Idle().Round(time.Millisecond).String()).WithCause(err)
	case errInvokeTimeout:
		return core.ErrTimeout(fmt.Sprintf("phase %s exceeded %s", p.ID, o.config.RunnerTimeout)).WithCause(err)
	}
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		return err
	}
	return core.ErrRunner(err.Error(), false).WithCause(err)
}

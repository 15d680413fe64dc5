package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// Runner advances executions one state at a time and checkpoints after
// every step.
type Runner struct {
	p  *Pipeline
	m  *Machine
	cp Checkpointer
}

// NewRunner creates a runner. cp may be nil, in which case nothing is
// persisted.
func NewRunner(p *Pipeline, m *Machine, cp Checkpointer) *Runner {
	if m == nil {
		m = NewMachine()
	}
	return &Runner{p: p, m: m, cp: cp}
}

// Pipeline returns the pipeline the runner drives.
func (r *Runner) Pipeline() *Pipeline {
	return r.p
}

// Step runs the current state of ex and moves it to the next one. Transient
// errors re-enter the same state after the retry policy's delay; any other
// error moves the execution to FAIL. Only context cancellation is returned
// as an error, leaving the execution where it was.
func (r *Runner) Step(ctx context.Context, ex *Execution) error {
	if ex.State.Terminal() {
		return nil
	}
	log := r.p.Log.WithFields(logrus.Fields{"execution": ex.ID, "state": ex.State})

	fn, ok := r.m.Step(ex.State)
	if !ok {
		r.failExecution(ctx, ex, jobs.Terminal(string(ex.State), errors.New("no step for state")))
		return r.save(ctx, ex)
	}

	tr, err := fn(r.p, ctx, ex.Data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		policy := r.p.settings.Retry
		attempt := ex.Data.Int(retryKey(ex.State)) + 1
		if jobs.IsTransient(err) && attempt <= policy.MaxAttempts {
			ex.Data.Set(retryKey(ex.State), attempt)
			delay := policy.Delay(attempt)
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Transient failure, retrying state")
			ex.Status = types.StatusWaiting
			ex.NextRunAt = r.p.Clock.Now().Add(delay)
			return r.save(ctx, ex)
		}
		if jobs.IsTransient(err) {
			err = fmt.Errorf("%w after %d attempts: %w", jobs.ErrRetryBudgetExceeded, attempt-1, err)
		}
		r.failExecution(ctx, ex, err)
		return r.save(ctx, ex)
	}

	ex.Data.Delete(retryKey(ex.State))
	if !r.m.Allowed(ex.State, tr.Next) {
		r.failExecution(ctx, ex, jobs.Terminal(string(ex.State), fmt.Errorf("illegal transition to %s", tr.Next)))
		return r.save(ctx, ex)
	}

	log.WithFields(logrus.Fields{"next": tr.Next, "delay": tr.Delay}).Debug("State complete")
	ex.State = tr.Next
	ex.NextRunAt = r.p.Clock.Now().Add(tr.Delay)
	switch {
	case tr.Next == StateSucceed:
		ex.Status = types.StatusSucceeded
	case tr.Delay > 0:
		ex.Status = types.StatusWaiting
	default:
		ex.Status = types.StatusRunning
	}
	return r.save(ctx, ex)
}

// Fail moves ex to FAIL outside of a step, e.g. after a worker panic.
func (r *Runner) Fail(ctx context.Context, ex *Execution, cause error) error {
	if ex.State.Terminal() {
		return nil
	}
	r.failExecution(ctx, ex, cause)
	return r.save(ctx, ex)
}

func (r *Runner) failExecution(ctx context.Context, ex *Execution, cause error) {
	r.p.fail(ctx, ex.Data, cause)
	ex.Data.Set(KeyError, cause.Error())
	ex.State = StateFail
	ex.Status = types.StatusFailed
	ex.Error = cause.Error()
	ex.NextRunAt = r.p.Clock.Now()
}

func (r *Runner) save(ctx context.Context, ex *Execution) error {
	ex.UpdatedAt = r.p.Clock.Now()
	if r.cp == nil {
		return nil
	}
	if err := r.cp.Save(ctx, ex); err != nil {
		return fmt.Errorf("checkpoint %s: %w", ex.ID, err)
	}
	return nil
}

// Run steps ex until it reaches a terminal state, sleeping through delays.
func (r *Runner) Run(ctx context.Context, ex *Execution) error {
	for !ex.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if wait := ex.NextRunAt.Sub(r.p.Clock.Now()); wait > 0 {
			if err := r.p.Clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := r.Step(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/scope"
)

// recoverRunning picks up RUNNING executions left in the store by an
// earlier process. Step timeouts live in memory only, so every target
// still awaiting a step gets its timeout armed again from the moment the
// step's operation started; an already expired step times out right away.
// Targets left PENDING between steps are dispatched again. Executions whose
// targets all settled before the restart end now.
func (eng *Engine) recoverRunning(ctx context.Context) (int, error) {
	jobs, err := eng.store.ListJobs(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("engine: list jobs: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		execs, err := eng.store.ListExecutions(ctx, j.ID, job.ExecutionListOpts{Running: true})
		if err != nil {
			return recovered, fmt.Errorf("engine: list executions of job %s: %w", j.ID, err)
		}
		for _, exec := range execs {
			if exec.Status != job.ExecutionRunning {
				continue
			}
			eng.recoverExecution(scope.Restore(ctx, exec.ScopeID), j, exec)
			recovered++
		}
	}
	return recovered, nil
}

func (eng *Engine) recoverExecution(ctx context.Context, j *job.Job, exec *job.Execution) {
	eng.tallies.adopt(exec.ID)

	for _, targetID := range exec.TargetIDs {
		err := eng.locks.RunExclusive(ctx, lock.ClassTarget, targetID.String(), func(ctx context.Context) error {
			t, err := eng.store.GetTarget(ctx, targetID)
			if errors.Is(err, fleetjobs.ErrTargetNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if t.ExecutionID != exec.ID || t.StepIndex < 0 || t.StepIndex >= len(j.Steps) {
				return nil
			}
			switch t.Status {
			case job.TargetProcessAwaiting:
				eng.rearmLocked(ctx, j, exec, t)
			case job.TargetPending:
				return eng.dispatchLocked(ctx, j, exec, t)
			}
			return nil
		})
		if err != nil {
			eng.logger.Error("recover target failed",
				slog.String("execution_id", exec.ID.String()),
				slog.String("target_id", targetID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	eng.finish(ctx, exec.ID, false)
}

// rearmLocked arms the timeout of the step the target awaits. The caller
// holds the target lock.
func (eng *Engine) rearmLocked(ctx context.Context, j *job.Job, exec *job.Execution, t *job.Target) {
	props := j.Steps[t.StepIndex].MergedProperties(exec.Options.StepPropertiesOverrides[t.StepIndex])
	timeout := job.Timeout(props, eng.config.StepTimeout)

	since := t.UpdatedAt
	if op, err := eng.operations.Get(ctx, t.OperationID); err == nil {
		since = op.StartedOn
	}
	remaining := max(timeout-eng.now().Sub(since), 0)

	scopeID, targetID, opID := t.ScopeID, t.ID, t.OperationID
	eng.timers.arm(t.ID, remaining, func() {
		eng.onTimeout(scopeID, targetID, opID)
	})
	eng.logger.Debug("step timeout re-armed",
		slog.String("target_id", t.ID.String()),
		slog.String("execution_id", exec.ID.String()),
		slog.Int("step_index", t.StepIndex),
		slog.Duration("remaining", remaining),
	)
}

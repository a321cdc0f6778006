package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/scope"
)

const reasonStopped = "stopped"

// StartJob starts an execution of the job over the selected targets.
//
// Without opts.Enqueue a start whose targets overlap an execution that has
// not ended is rejected with fleetjobs.ErrInvalidStartOptions. With
// opts.Enqueue the execution goes through the job's execution queue and
// is QUEUED until it is promoted.
//
// Targets are dispatched in the background; the returned execution
// reflects its state at the time StartJob returns.
func (eng *Engine) StartJob(ctx context.Context, scopeID string, jobID id.JobID, opts job.StartOptions) (*job.Execution, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	scopeID = scope.Or(ctx, scopeID)
	if scopeID != "" && scopeID != j.ScopeID {
		return nil, fmt.Errorf("%w: %s in scope %q", fleetjobs.ErrJobNotFound, jobID, scopeID)
	}
	ctx = scope.Restore(ctx, j.ScopeID)

	if err := opts.Validate(j); err != nil {
		return nil, err
	}
	targets, err := eng.selectTargets(ctx, j, opts)
	if err != nil {
		return nil, err
	}
	targetIDs := make([]id.TargetID, len(targets))
	for i, t := range targets {
		targetIDs[i] = t.ID
	}

	var queued bool
	exec, err := lock.Run(ctx, eng.locks, lock.ClassQueue, jobID.String(), func(ctx context.Context) (*job.Execution, error) {
		running, err := eng.store.ListExecutions(ctx, jobID, job.ExecutionListOpts{Running: true})
		if err != nil {
			return nil, err
		}

		var waitFor id.ExecutionID
		if !opts.Enqueue {
			for _, e := range running {
				if slices.ContainsFunc(targetIDs, e.HasTarget) {
					return nil, fmt.Errorf("%w: targets overlap execution %s", fleetjobs.ErrInvalidStartOptions, e.ID)
				}
			}
		} else if len(running) > 0 {
			waitFor = running[len(running)-1].ID
		}

		exec := &job.Execution{
			Entity:    fleetjobs.NewEntity(),
			ID:        id.NewExecutionID(),
			ScopeID:   j.ScopeID,
			JobID:     j.ID,
			Status:    job.ExecutionQueued,
			TargetIDs: targetIDs,
			Options:   opts,
		}
		if !opts.Enqueue {
			eng.markRunning(exec)
		}
		if err := eng.store.CreateExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("engine: create execution: %w", err)
		}
		if !opts.Enqueue {
			return exec, nil
		}

		qe, err := eng.queue.Enqueue(ctx, j.ScopeID, j.ID, exec.ID, waitFor)
		if err != nil {
			// The execution never entered the queue; end it so it cannot
			// hold up later starts.
			if _, endErr := eng.endLocked(ctx, exec, job.ExecutionFailed); endErr != nil {
				eng.logger.Error("end unqueued execution failed",
					slog.String("execution_id", exec.ID.String()),
					slog.String("error", endErr.Error()),
				)
			}
			return nil, err
		}
		if qe.Status == queue.StatusWaiting {
			queued = true
			return exec, nil
		}
		eng.markRunning(exec)
		if err := eng.store.UpdateExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("engine: update execution: %w", err)
		}
		return exec, nil
	})
	if err != nil {
		return nil, unwrapLock(err)
	}

	eng.logger.Info("execution created",
		slog.String("execution_id", exec.ID.String()),
		slog.String("job_id", j.ID.String()),
		slog.String("status", string(exec.Status)),
		slog.Int("targets", len(targetIDs)),
	)

	out := *exec
	if queued {
		eng.extensions.EmitExecutionQueued(ctx, &out)
		return &out, nil
	}
	eng.launch(ctx, j, exec)
	return &out, nil
}

// selectTargets returns the targets an execution processes, in job order.
func (eng *Engine) selectTargets(ctx context.Context, j *job.Job, opts job.StartOptions) ([]*job.Target, error) {
	all, err := eng.store.ListTargets(ctx, j.ID)
	if err != nil {
		return nil, err
	}

	selected := all
	if len(opts.TargetIDs) > 0 {
		byID := make(map[id.TargetID]*job.Target, len(all))
		for _, t := range all {
			byID[t.ID] = t
		}
		selected = make([]*job.Target, 0, len(opts.TargetIDs))
		seen := make(map[id.TargetID]bool, len(opts.TargetIDs))
		for _, tid := range opts.TargetIDs {
			t, ok := byID[tid]
			if !ok {
				return nil, fmt.Errorf("%w: target %s is not part of job %s", fleetjobs.ErrInvalidStartOptions, tid, j.ID)
			}
			if !seen[tid] {
				seen[tid] = true
				selected = append(selected, t)
			}
		}
	}

	if !opts.ResetStepIndex {
		last := j.LastStepIndex()
		selected = slices.DeleteFunc(selected, func(t *job.Target) bool { return t.Completed(last) })
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no targets to process", fleetjobs.ErrInvalidStartOptions)
	}
	return selected, nil
}

func (eng *Engine) markRunning(exec *job.Execution) {
	now := eng.now()
	exec.Status = job.ExecutionRunning
	exec.StartedOn = &now
	exec.Touch(now)
}

// launch starts the targets of a RUNNING execution in the background.
func (eng *Engine) launch(ctx context.Context, j *job.Job, exec *job.Execution) {
	eng.tallies.begin(exec.ID)
	eng.extensions.EmitExecutionStarted(ctx, exec)

	err := eng.pool.Go(scope.Restore(ctx, exec.ScopeID), "execution "+exec.ID.String(), func(ctx context.Context) error {
		eng.runTargets(ctx, j, exec)
		return nil
	})
	if err != nil {
		eng.logger.Warn("execution not launched",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
		eng.tallies.doneStarting(exec.ID)
		eng.finish(context.WithoutCancel(ctx), exec.ID, true)
	}
}

// runTargets dispatches the first step of every target, then checks
// whether the execution already ended.
func (eng *Engine) runTargets(ctx context.Context, j *job.Job, exec *job.Execution) {
	g := new(errgroup.Group)
	g.SetLimit(max(eng.config.DispatchConcurrency, 1))
	for _, targetID := range exec.TargetIDs {
		g.Go(func() error {
			eng.startTarget(ctx, j, exec, targetID)
			return nil
		})
	}
	_ = g.Wait()

	eng.tallies.doneStarting(exec.ID)
	eng.finish(ctx, exec.ID, false)
}

func (eng *Engine) startTarget(ctx context.Context, j *job.Job, exec *job.Execution, targetID id.TargetID) {
	err := eng.locks.RunExclusive(ctx, lock.ClassTarget, targetID.String(), func(ctx context.Context) error {
		if eng.tallies.stopping(exec.ID) {
			return nil
		}
		t, err := eng.store.GetTarget(ctx, targetID)
		if err != nil {
			return err
		}
		if !exec.Options.ResetStepIndex && t.Completed(j.LastStepIndex()) {
			return nil
		}

		t.StepIndex = exec.Options.StartIndex(t)
		t.ExecutionID = exec.ID
		t.Status = job.TargetPending
		t.StatusMessage = ""
		t.OperationID = id.Nil
		return eng.dispatchLocked(ctx, j, exec, t)
	})
	if err != nil {
		eng.logger.Error("start target failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("target_id", targetID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// StopJob stops an execution. Outstanding steps are failed with reason
// "stopped" and their timeouts cancelled; the execution ends STOPPED.
// Stopping an execution that already ended is a no-op.
func (eng *Engine) StopJob(ctx context.Context, scopeID string, jobID id.JobID, executionID id.ExecutionID) error {
	exec, err := eng.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	scopeID = scope.Or(ctx, scopeID)
	if exec.JobID != jobID || (scopeID != "" && scopeID != exec.ScopeID) {
		return fmt.Errorf("%w: %s", fleetjobs.ErrExecutionNotFound, executionID)
	}
	if exec.Ended() {
		return nil
	}
	ctx = scope.Restore(ctx, exec.ScopeID)

	eng.tallies.setStopping(exec.ID)
	for _, targetID := range exec.TargetIDs {
		err := eng.locks.RunExclusive(ctx, lock.ClassTarget, targetID.String(), func(ctx context.Context) error {
			t, err := eng.store.GetTarget(ctx, targetID)
			if errors.Is(err, fleetjobs.ErrTargetNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if t.ExecutionID != exec.ID || t.Status.Settled() {
				return nil
			}
			eng.timers.cancel(t.ID)
			if !t.OperationID.IsNil() {
				eng.recordOutcome(ctx, t.OperationID, operation.StatusFailed, reasonStopped)
			}
			return eng.failLocked(ctx, exec, t, job.TargetProcessFailed, reasonStopped)
		})
		if err != nil {
			eng.logger.Error("stop target failed",
				slog.String("execution_id", exec.ID.String()),
				slog.String("target_id", targetID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	eng.finish(ctx, exec.ID, true)
	eng.logger.Info("execution stopped", slog.String("execution_id", exec.ID.String()))
	return nil
}

// finish ends the execution once every target it processes has settled.
// With stop set the execution ends STOPPED regardless of its targets.
// Must not be called while holding a target lock.
func (eng *Engine) finish(ctx context.Context, executionID id.ExecutionID, stop bool) {
	if !stop && eng.tallies.starting(executionID) {
		return
	}
	exec, err := eng.store.GetExecution(ctx, executionID)
	if err != nil {
		eng.logger.Error("load execution failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if exec.Ended() {
		return
	}

	var promoted *queue.QueuedExecution
	ended, err := lock.Run(ctx, eng.locks, lock.ClassQueue, exec.JobID.String(), func(ctx context.Context) (*job.Execution, error) {
		exec, err := eng.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Ended() {
			return nil, nil
		}

		status := job.ExecutionStopped
		if !stop {
			if eng.tallies.starting(executionID) {
				return nil, nil
			}
			var settled bool
			status, settled, err = eng.outcome(ctx, exec)
			if err != nil || !settled {
				return nil, err
			}
		}
		promoted, err = eng.endLocked(ctx, exec, status)
		if err != nil {
			return nil, err
		}
		return exec, nil
	})
	if err != nil {
		eng.logger.Error("finish execution failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
	}
	if ended != nil {
		eng.afterEnd(ctx, ended, promoted)
	}
}

// outcome reports whether every target of the execution has settled and,
// if so, the status the execution ends with. Targets since taken over by
// a later execution count as settled.
func (eng *Engine) outcome(ctx context.Context, exec *job.Execution) (job.ExecutionStatus, bool, error) {
	failed := false
	for _, targetID := range exec.TargetIDs {
		t, err := eng.store.GetTarget(ctx, targetID)
		if errors.Is(err, fleetjobs.ErrTargetNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if t.ExecutionID != exec.ID {
			continue
		}
		if !t.Status.Settled() {
			return "", false, nil
		}
		if t.Status.Failed() {
			failed = true
		}
	}
	if failed {
		return job.ExecutionFailed, true, nil
	}
	return job.ExecutionCompleted, true, nil
}

// endLocked records the end of an execution and releases its queue entry.
// The caller holds the job's queue lock. The returned entry, if any, was
// promoted and must be run once the lock is released.
func (eng *Engine) endLocked(ctx context.Context, exec *job.Execution, status job.ExecutionStatus) (*queue.QueuedExecution, error) {
	steps := 0
	if j, err := eng.store.GetJob(ctx, exec.JobID); err == nil {
		steps = len(j.Steps)
	}

	now := eng.now()
	exec.Status = status
	exec.EndedOn = &now
	exec.Touch(now)
	exec.Steps = eng.tallies.summary(exec.ID, steps)
	if err := eng.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("engine: end execution: %w", err)
	}

	promoted, err := eng.queue.OnExecutionTerminal(ctx, exec.JobID, exec.ID, status != job.ExecutionCompleted)
	if err != nil {
		eng.logger.Error("release queue entry failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return promoted, nil
}

// afterEnd runs once per ended execution, outside every lock.
func (eng *Engine) afterEnd(ctx context.Context, exec *job.Execution, promoted *queue.QueuedExecution) {
	deleted := eng.operations.CleanupOnJobEnd(ctx, exec.ID)

	elapsed := exec.EndedOn.Sub(exec.CreatedAt)
	if exec.StartedOn != nil {
		elapsed = exec.EndedOn.Sub(*exec.StartedOn)
	}
	eng.logger.Info("execution ended",
		slog.String("execution_id", exec.ID.String()),
		slog.String("job_id", exec.JobID.String()),
		slog.String("status", string(exec.Status)),
		slog.Duration("elapsed", elapsed),
		slog.Int("operations_deleted", deleted),
	)
	eng.extensions.EmitExecutionEnded(ctx, exec, elapsed)

	if promoted != nil {
		eng.runPromoted(ctx, promoted.ExecutionID)
	}
}

// runPromoted launches an execution the queue just promoted.
func (eng *Engine) runPromoted(ctx context.Context, executionID id.ExecutionID) {
	exec, err := eng.store.GetExecution(ctx, executionID)
	if err != nil {
		eng.logger.Error("load promoted execution failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	ctx = scope.Restore(ctx, exec.ScopeID)

	j, err := eng.store.GetJob(ctx, exec.JobID)
	if err != nil {
		eng.logger.Error("load job of promoted execution failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
		eng.finish(ctx, executionID, true)
		return
	}

	exec, err = lock.Run(ctx, eng.locks, lock.ClassQueue, exec.JobID.String(), func(ctx context.Context) (*job.Execution, error) {
		exec, err := eng.store.GetExecution(ctx, executionID)
		if err != nil || exec.Ended() {
			return nil, err
		}
		eng.markRunning(exec)
		if err := eng.store.UpdateExecution(ctx, exec); err != nil {
			return nil, err
		}
		return exec, nil
	})
	if err != nil {
		eng.logger.Error("start promoted execution failed",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if exec == nil {
		return
	}
	eng.logger.Info("execution promoted",
		slog.String("execution_id", exec.ID.String()),
		slog.String("job_id", exec.JobID.String()),
	)
	eng.launch(ctx, j, exec)
}

// unwrapLock strips the lock's ExecutionError so callers can match the
// sentinel errors of the work itself.
func unwrapLock(err error) error {
	var le *lock.ExecutionError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}

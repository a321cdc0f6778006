package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	mw "github.com/xraph/fleetjobs/middleware"
	"github.com/xraph/fleetjobs/operation"
)

// dispatchLocked sends the target's current step to its device. A step the
// device completes synchronously advances the target and the next step is
// sent right away. The caller holds the target lock.
func (eng *Engine) dispatchLocked(ctx context.Context, j *job.Job, exec *job.Execution, t *job.Target) error {
	for {
		step := j.Steps[t.StepIndex]
		props := step.MergedProperties(exec.Options.StepPropertiesOverrides[t.StepIndex])

		req, err := eng.buildRequest(ctx, step, t, props)
		if err != nil {
			return eng.failLocked(ctx, exec, t, job.TargetProcessFailed, err.Error())
		}

		op, err := eng.operations.Begin(ctx, operation.BeginParams{
			ScopeID:         t.ScopeID,
			DeviceID:        t.DeviceID,
			AppID:           req.App,
			Action:          req.Action,
			Resource:        req.Resource,
			InputProperties: stringProperties(props),
			JobID:           j.ID,
			ExecutionID:     exec.ID,
			TargetID:        t.ID,
			StepIndex:       t.StepIndex,
		})
		if err != nil {
			return eng.failLocked(ctx, exec, t, job.TargetProcessFailed, "begin operation: "+err.Error())
		}
		req.OperationID = op.ID

		t.Status = job.TargetProcessAwaiting
		t.StatusMessage = ""
		t.OperationID = op.ID
		t.Touch(eng.now())
		if err := eng.store.UpdateTarget(ctx, t); err != nil {
			return fmt.Errorf("engine: update target: %w", err)
		}

		scopeID, targetID, opID := t.ScopeID, t.ID, op.ID
		eng.timers.arm(t.ID, job.Timeout(props, eng.config.StepTimeout), func() {
			eng.onTimeout(scopeID, targetID, opID)
		})

		resp, err := eng.executor.Send(ctx, &mw.Dispatch{
			Request:     req,
			JobID:       j.ID,
			ExecutionID: exec.ID,
			TargetID:    t.ID,
			StepIndex:   t.StepIndex,
			StepName:    step.Name,
		})
		if err != nil {
			eng.timers.cancel(t.ID)
			eng.recordOutcome(ctx, op.ID, operation.StatusFailed, err.Error())
			return eng.failLocked(ctx, exec, t, job.TargetProcessFailed, "send failed: "+err.Error())
		}

		switch resp.Status {
		case device.ResponseAccepted:
			return nil
		case device.ResponseCompleted:
			elapsed := eng.timers.cancel(t.ID)
			eng.recordOutcome(ctx, op.ID, operation.StatusCompleted, resp.Message)
			more, err := eng.completeStepLocked(ctx, j, exec, t, elapsed)
			if err != nil || !more {
				return err
			}
		default:
			eng.timers.cancel(t.ID)
			msg := resp.Message
			if msg == "" {
				msg = fmt.Sprintf("device answered %s", resp.Status)
			}
			eng.recordOutcome(ctx, op.ID, operation.StatusFailed, msg)
			return eng.failLocked(ctx, exec, t, job.TargetProcessFailed, msg)
		}
	}
}

func (eng *Engine) buildRequest(ctx context.Context, step job.Step, t *job.Target, props map[string]any) (*device.Request, error) {
	build, ok := eng.steps.Get(step.Definition)
	if !ok {
		return nil, fmt.Errorf("%w: %q", fleetjobs.ErrStepDefinitionNotFound, step.Definition)
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties of step %d: %w", step.Index, err)
	}
	req, err := build(ctx, t, raw)
	if err != nil {
		return nil, fmt.Errorf("build request for step %d: %w", step.Index, err)
	}
	if req == nil {
		return nil, fmt.Errorf("build request for step %d: no request", step.Index)
	}
	req.ScopeID = t.ScopeID
	req.DeviceID = t.DeviceID
	return req, nil
}

// completeStepLocked records a completed step. It reports whether the
// target moved on to another step that should be dispatched now.
func (eng *Engine) completeStepLocked(ctx context.Context, j *job.Job, exec *job.Execution, t *job.Target, elapsed time.Duration) (bool, error) {
	completed := t.StepIndex
	eng.tallies.stepOK(exec.ID, completed)

	more := completed < j.LastStepIndex()
	if more {
		t.StepIndex++
		t.Status = job.TargetPending
	} else {
		t.Status = job.TargetProcessOK
	}
	t.StatusMessage = ""
	t.OperationID = id.Nil
	t.Touch(eng.now())
	if err := eng.store.UpdateTarget(ctx, t); err != nil {
		return false, fmt.Errorf("engine: update target: %w", err)
	}

	eng.logger.Debug("target step completed",
		slog.String("target_id", t.ID.String()),
		slog.String("execution_id", exec.ID.String()),
		slog.Int("step_index", completed),
		slog.Duration("elapsed", elapsed),
	)
	eng.extensions.EmitTargetStepCompleted(ctx, t, completed, elapsed)

	// A stopping execution leaves the target PENDING for StopJob to fail.
	return more && !eng.tallies.stopping(exec.ID), nil
}

// failLocked settles the target with a failure status.
func (eng *Engine) failLocked(ctx context.Context, exec *job.Execution, t *job.Target, status job.TargetStatus, reason string) error {
	eng.tallies.stepFailed(exec.ID, t.StepIndex)

	t.Status = status
	t.StatusMessage = reason
	t.Touch(eng.now())
	if err := eng.store.UpdateTarget(ctx, t); err != nil {
		return fmt.Errorf("engine: update target: %w", err)
	}

	eng.logger.Warn("target failed",
		slog.String("target_id", t.ID.String()),
		slog.String("execution_id", exec.ID.String()),
		slog.Int("step_index", t.StepIndex),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	eng.extensions.EmitTargetFailed(ctx, t, reason)
	return nil
}

// recordOutcome closes an operation the engine settled itself.
func (eng *Engine) recordOutcome(ctx context.Context, operationID id.OperationID, status operation.Status, message string) {
	progress := 0
	if status == operation.StatusCompleted {
		progress = 100
	}
	_, err := eng.operations.RecordNotification(ctx, operation.NotificationParams{
		OperationID: operationID,
		Status:      status,
		Progress:    progress,
		Message:     message,
	})
	if err != nil {
		eng.logger.Warn("record operation outcome failed",
			slog.String("operation_id", operationID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// stringProperties renders a property bag as the operation's input
// properties.
func stringProperties(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case string:
			out[k] = v
		case nil:
			out[k] = ""
		default:
			if b, err := json.Marshal(v); err == nil {
				out[k] = string(b)
			} else {
				out[k] = fmt.Sprint(v)
			}
		}
	}
	return out
}

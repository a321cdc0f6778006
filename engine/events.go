package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/observability"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/scope"
)

// ──────────────────────────────────────────────────
// Asynchronous entry points
// ──────────────────────────────────────────────────

// OnDeviceConnected handles a device connect event in the background.
func (eng *Engine) OnDeviceConnected(ctx context.Context, scopeID string, deviceID id.DeviceID) {
	eng.submit(ctx, scopeID, "device connected", func(ctx context.Context) error {
		return eng.HandleDeviceConnected(ctx, scopeID, deviceID)
	})
}

// OnDeviceDisconnected handles a device disconnect event in the background.
func (eng *Engine) OnDeviceDisconnected(ctx context.Context, scopeID string, deviceID id.DeviceID) {
	eng.submit(ctx, scopeID, "device disconnected", func(ctx context.Context) error {
		return eng.HandleDeviceDisconnected(ctx, scopeID, deviceID)
	})
}

// OnDeviceNotification handles a device notification in the background.
func (eng *Engine) OnDeviceNotification(ctx context.Context, p operation.NotificationParams) {
	eng.submit(ctx, p.ScopeID, "device notification", func(ctx context.Context) error {
		return eng.HandleDeviceNotification(ctx, p)
	})
}

func (eng *Engine) submit(ctx context.Context, scopeID, name string, fn func(ctx context.Context) error) {
	if err := eng.pool.Go(scope.Restore(ctx, scopeID), name, fn); err != nil {
		eng.logger.Warn("device event dropped",
			slog.String("event", name),
			slog.String("scope_id", scopeID),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

// HandleDeviceConnected marks the device connected and resumes the jobs
// whose "Device Connect" triggers apply to it. Resume failures are logged,
// never returned.
func (eng *Engine) HandleDeviceConnected(ctx context.Context, scopeID string, deviceID id.DeviceID) error {
	ctx = scope.Restore(ctx, scopeID)
	if _, err := eng.connections.Connect(ctx, scopeID, deviceID); err != nil {
		return err
	}

	r := eng.resumer.Load()
	if r == nil {
		return nil
	}
	execs, err := r.ProcessOnConnect(ctx, scopeID, deviceID)
	if err != nil {
		eng.logger.Error("reconnect resume failed",
			slog.String("scope_id", scopeID),
			slog.String("device_id", deviceID.String()),
			slog.String("error", err.Error()),
		)
	}
	if len(execs) > 0 {
		ids := make([]id.ExecutionID, len(execs))
		for i, e := range execs {
			ids[i] = e.ID
		}
		eng.extensions.EmitDeviceResumed(ctx, scopeID, deviceID, ids)
	}
	return nil
}

// HandleDeviceDisconnected marks the device disconnected. Steps still
// awaiting the device stop waiting: their targets move to
// AWAITING_COMPLETION and are picked up again on reconnect.
func (eng *Engine) HandleDeviceDisconnected(ctx context.Context, scopeID string, deviceID id.DeviceID) error {
	ctx = scope.Restore(ctx, scopeID)
	if _, err := eng.connections.Disconnect(ctx, scopeID, deviceID); err != nil {
		return err
	}

	targets, err := eng.store.ListTargetsByDevice(ctx, scopeID, deviceID)
	if err != nil {
		return err
	}

	touched := make(map[id.ExecutionID]struct{})
	for _, t := range targets {
		if t.Status != job.TargetProcessAwaiting {
			continue
		}
		executionID, err := lock.Run(ctx, eng.locks, lock.ClassTarget, t.ID.String(), func(ctx context.Context) (id.ExecutionID, error) {
			cur, err := eng.store.GetTarget(ctx, t.ID)
			if err != nil {
				return id.Nil, err
			}
			if cur.Status != job.TargetProcessAwaiting {
				return id.Nil, nil
			}
			eng.timers.cancel(cur.ID)
			cur.Status = job.TargetAwaitingCompletion
			cur.Touch(eng.now())
			if err := eng.store.UpdateTarget(ctx, cur); err != nil {
				return id.Nil, err
			}
			return cur.ExecutionID, nil
		})
		if err != nil {
			eng.logger.Error("park target failed",
				slog.String("target_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !executionID.IsNil() {
			touched[executionID] = struct{}{}
		}
	}

	for executionID := range touched {
		eng.finish(ctx, executionID, false)
	}
	if len(touched) > 0 {
		eng.logger.Info("device went offline with steps outstanding",
			slog.String("device_id", deviceID.String()),
			slog.Int("executions", len(touched)),
		)
	}
	return nil
}

// HandleDeviceNotification records a device notification. A terminal
// status for the step a target is awaiting settles the step: COMPLETED
// advances the target and dispatches its next step, FAILED and STALE fail
// it. Notifications for unknown operations are dropped.
func (eng *Engine) HandleDeviceNotification(ctx context.Context, p operation.NotificationParams) error {
	ctx = scope.Restore(ctx, p.ScopeID)
	op, err := eng.operations.RecordNotification(ctx, p)
	if errors.Is(err, fleetjobs.ErrOperationNotFound) {
		eng.logger.Warn("notification for unknown operation dropped",
			slog.String("operation_id", p.OperationID.String()),
			slog.String("status", string(p.Status)),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if op.TargetID.IsNil() || !op.Status.IsTerminal() {
		return nil
	}

	executionID, err := lock.Run(ctx, eng.locks, lock.ClassTarget, op.TargetID.String(), func(ctx context.Context) (id.ExecutionID, error) {
		t, err := eng.store.GetTarget(ctx, op.TargetID)
		if err != nil {
			return id.Nil, err
		}
		if t.Status != job.TargetProcessAwaiting || t.OperationID != op.ID {
			eng.logger.Debug("notification for settled step ignored",
				slog.String("operation_id", op.ID.String()),
				slog.String("target_id", t.ID.String()),
				slog.String("target_status", string(t.Status)),
			)
			return id.Nil, nil
		}

		exec, err := eng.store.GetExecution(ctx, t.ExecutionID)
		if err != nil {
			return id.Nil, err
		}
		j, err := eng.store.GetJob(ctx, t.JobID)
		if err != nil {
			return id.Nil, err
		}
		elapsed := eng.timers.cancel(t.ID)

		switch op.Status {
		case operation.StatusCompleted:
			more, err := eng.completeStepLocked(ctx, j, exec, t, elapsed)
			if err != nil || !more {
				return exec.ID, err
			}
			return exec.ID, eng.dispatchLocked(ctx, j, exec, t)
		case operation.StatusStale:
			return exec.ID, eng.failLocked(ctx, exec, t, job.TargetProcessStale, messageOr(op.Message, "operation stale"))
		default:
			return exec.ID, eng.failLocked(ctx, exec, t, job.TargetProcessFailed, messageOr(op.Message, "operation failed"))
		}
	})
	if !executionID.IsNil() {
		eng.finish(ctx, executionID, false)
	}
	if err != nil {
		return fmt.Errorf("engine: apply notification for operation %s: %w", op.ID, unwrapLock(err))
	}
	return nil
}

// onTimeout fails a step whose device did not report an outcome in time.
// It is a no-op once the step has settled or moved on.
func (eng *Engine) onTimeout(scopeID string, targetID id.TargetID, operationID id.OperationID) {
	ctx := scope.Restore(context.Background(), scopeID)

	executionID, err := lock.Run(ctx, eng.locks, lock.ClassTarget, targetID.String(), func(ctx context.Context) (id.ExecutionID, error) {
		t, err := eng.store.GetTarget(ctx, targetID)
		if err != nil {
			return id.Nil, err
		}
		if t.Status != job.TargetProcessAwaiting || t.OperationID != operationID {
			return id.Nil, nil
		}
		eng.timers.cancel(targetID)

		exec, err := eng.store.GetExecution(ctx, t.ExecutionID)
		if err != nil {
			return id.Nil, err
		}
		eng.recordOutcome(ctx, operationID, operation.StatusFailed, observability.ReasonTimeout)
		return exec.ID, eng.failLocked(ctx, exec, t, job.TargetProcessFailed, observability.ReasonTimeout)
	})
	if err != nil {
		eng.logger.Error("step timeout handling failed",
			slog.String("target_id", targetID.String()),
			slog.String("operation_id", operationID.String()),
			slog.String("error", err.Error()),
		)
	}
	if !executionID.IsNil() {
		eng.finish(ctx, executionID, false)
	}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

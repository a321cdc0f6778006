// Package resume restarts jobs for a device that comes back online.
//
// When a device connects, every target bound to it that still has work
// left is restarted from its recorded step, once per valid "Device
// Connect" trigger of the target's job. Starts go through the execution
// queue so a resume never collides with an execution already running.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/trigger"
)

// Starter starts job executions.
type Starter interface {
	StartJob(ctx context.Context, scopeID string, jobID id.JobID, opts job.StartOptions) (*job.Execution, error)
}

// Triggers looks up trigger definitions and the triggers bound to a job.
type Triggers interface {
	FindDefinitionByName(ctx context.Context, name string) (*trigger.Definition, error)
	FindValidTriggersForJob(ctx context.Context, jobID id.JobID, definitionID id.TriggerDefinitionID, at time.Time) ([]*trigger.Trigger, error)
}

// Store reads jobs and targets.
type Store interface {
	GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error)
	ListTargetsByDevice(ctx context.Context, scopeID string, deviceID id.DeviceID) ([]*job.Target, error)
}

// ProcessOnConnectError reports everything that went wrong resuming one
// device.
type ProcessOnConnectError struct {
	ScopeID  string
	DeviceID id.DeviceID
	Err      error
}

func (e *ProcessOnConnectError) Error() string {
	return fmt.Sprintf("resume: device %s in scope %q: %v", e.DeviceID, e.ScopeID, e.Err)
}

// Unwrap returns the cause.
func (e *ProcessOnConnectError) Unwrap() error { return e.Err }

// Option configures a Resumer.
type Option func(*Resumer)

// WithClock overrides the clock trigger validity is checked against.
func WithClock(now func() time.Time) Option {
	return func(r *Resumer) {
		r.now = now
	}
}

// Resumer restarts jobs on device connect.
type Resumer struct {
	triggers     Triggers
	store        Store
	starter      Starter
	logger       *slog.Logger
	definitionID id.TriggerDefinitionID
	now          func() time.Time
}

// New resolves the "Device Connect" trigger definition and returns a
// Resumer. It fails when the definition is missing.
func New(ctx context.Context, triggers Triggers, store Store, starter Starter, logger *slog.Logger, opts ...Option) (*Resumer, error) {
	def, err := triggers.FindDefinitionByName(ctx, trigger.DefinitionDeviceConnect)
	if err != nil {
		return nil, fmt.Errorf("resume: resolve %q trigger definition: %w", trigger.DefinitionDeviceConnect, err)
	}
	r := &Resumer{
		triggers:     triggers,
		store:        store,
		starter:      starter,
		logger:       logger,
		definitionID: def.ID,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DefinitionID returns the resolved "Device Connect" definition id.
func (r *Resumer) DefinitionID() id.TriggerDefinitionID { return r.definitionID }

// ProcessOnConnect restarts the device's unfinished targets. It returns the
// executions started; failures of individual targets do not stop the others
// and are reported together as a *ProcessOnConnectError.
func (r *Resumer) ProcessOnConnect(ctx context.Context, scopeID string, deviceID id.DeviceID) ([]*job.Execution, error) {
	targets, err := r.store.ListTargetsByDevice(ctx, scopeID, deviceID)
	if err != nil {
		return nil, &ProcessOnConnectError{ScopeID: scopeID, DeviceID: deviceID, Err: err}
	}

	at := r.now()
	jobs := make(map[id.JobID]*job.Job)
	var (
		started []*job.Execution
		errs    []error
	)
	for _, t := range targets {
		j, ok := jobs[t.JobID]
		if !ok {
			j, err = r.store.GetJob(ctx, t.JobID)
			if err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", t.ID, err))
				continue
			}
			jobs[t.JobID] = j
		}
		if t.Completed(j.LastStepIndex()) {
			continue
		}

		triggers, err := r.triggers.FindValidTriggersForJob(ctx, t.JobID, r.definitionID, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", t.ID, err))
			continue
		}
		for _, tr := range triggers {
			from := t.StepIndex
			exec, err := r.starter.StartJob(ctx, t.ScopeID, t.JobID, job.StartOptions{
				TargetIDs:     []id.TargetID{t.ID},
				FromStepIndex: &from,
				Enqueue:       true,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("target %s, trigger %s: %w", t.ID, tr.ID, err))
				continue
			}
			r.logger.Info("job resumed",
				slog.String("device_id", deviceID.String()),
				slog.String("target_id", t.ID.String()),
				slog.String("trigger_id", tr.ID.String()),
				slog.String("execution_id", exec.ID.String()),
				slog.Int("step_index", from),
			)
			started = append(started, exec)
		}
	}

	if len(errs) > 0 {
		return started, &ProcessOnConnectError{ScopeID: scopeID, DeviceID: deviceID, Err: errors.Join(errs...)}
	}
	return started, nil
}

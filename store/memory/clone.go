package memory

import (
	"maps"
	"slices"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/trigger"
)

// Records are cloned on the way in and out so callers can mutate what they
// hold without racing with the store.

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	cp.Steps = make([]job.Step, len(j.Steps))
	for i, s := range j.Steps {
		s.Properties = maps.Clone(s.Properties)
		cp.Steps[i] = s
	}
	return &cp
}

func cloneTarget(t *job.Target) *job.Target {
	cp := *t
	return &cp
}

func cloneStartOptions(o job.StartOptions) job.StartOptions {
	o.TargetIDs = slices.Clone(o.TargetIDs)
	o.FromStepIndex = clonePtr(o.FromStepIndex)
	if o.StepPropertiesOverrides != nil {
		overrides := make(map[int]map[string]any, len(o.StepPropertiesOverrides))
		for idx, props := range o.StepPropertiesOverrides {
			overrides[idx] = maps.Clone(props)
		}
		o.StepPropertiesOverrides = overrides
	}
	return o
}

func cloneExecution(e *job.Execution) *job.Execution {
	cp := *e
	cp.TargetIDs = slices.Clone(e.TargetIDs)
	cp.Options = cloneStartOptions(e.Options)
	cp.StartedOn = clonePtr(e.StartedOn)
	cp.EndedOn = clonePtr(e.EndedOn)
	cp.Steps = slices.Clone(e.Steps)
	return &cp
}

func cloneQueued(qe *queue.QueuedExecution) *queue.QueuedExecution {
	cp := *qe
	cp.PromotedAt = clonePtr(qe.PromotedAt)
	return &cp
}

func cloneTrigger(t *trigger.Trigger) *trigger.Trigger {
	cp := *t
	cp.Properties = maps.Clone(t.Properties)
	cp.EndsOn = clonePtr(t.EndsOn)
	cp.NextFireOn = clonePtr(t.NextFireOn)
	cp.LastFiredOn = clonePtr(t.LastFiredOn)
	return &cp
}

func cloneOperation(op *operation.Operation) *operation.Operation {
	cp := *op
	cp.InputProperties = maps.Clone(op.InputProperties)
	cp.EndedOn = clonePtr(op.EndedOn)
	return &cp
}

func cloneConnection(c *device.Connection) *device.Connection {
	cp := *c
	cp.ConnectedOn = clonePtr(c.ConnectedOn)
	cp.DisconnectedOn = clonePtr(c.DisconnectedOn)
	return &cp
}

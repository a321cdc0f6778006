package observability

import (
	"context"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/fleetjobs/ext"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/trigger"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.ExecutionQueued     = (*MetricsExtension)(nil)
	_ ext.ExecutionStarted    = (*MetricsExtension)(nil)
	_ ext.ExecutionEnded      = (*MetricsExtension)(nil)
	_ ext.TargetStepCompleted = (*MetricsExtension)(nil)
	_ ext.TargetFailed        = (*MetricsExtension)(nil)
	_ ext.TriggerFired        = (*MetricsExtension)(nil)
	_ ext.DeviceResumed       = (*MetricsExtension)(nil)
)

// ReasonTimeout is the target failure reason counted as a timeout.
const ReasonTimeout = "timeout"

// MetricsExtension records fleet-wide lifecycle counters via go-utils
// MetricFactory.
type MetricsExtension struct {
	ExecutionQueued    gu.Counter
	ExecutionStarted   gu.Counter
	ExecutionCompleted gu.Counter
	ExecutionFailed    gu.Counter
	ExecutionStopped   gu.Counter

	StepCompleted  gu.Counter
	TargetFailed   gu.Counter
	TargetTimedOut gu.Counter

	TriggerFired  gu.Counter
	TriggerErrors gu.Counter

	DeviceResumed     gu.Counter
	ExecutionsResumed gu.Counter
}

// NewMetricsExtension creates a MetricsExtension using a default metrics collector.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithFactory(gu.NewMetricsCollector("fleetjobs/observability"))
}

// NewMetricsExtensionWithFactory creates a MetricsExtension with the provided MetricFactory.
// Use fapp.Metrics() in forge extensions, or gu.NewMetricsCollector for testing.
func NewMetricsExtensionWithFactory(factory gu.MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		ExecutionQueued:    factory.Counter("fleetjobs.execution.queued"),
		ExecutionStarted:   factory.Counter("fleetjobs.execution.started"),
		ExecutionCompleted: factory.Counter("fleetjobs.execution.completed"),
		ExecutionFailed:    factory.Counter("fleetjobs.execution.failed"),
		ExecutionStopped:   factory.Counter("fleetjobs.execution.stopped"),
		StepCompleted:      factory.Counter("fleetjobs.target.step_completed"),
		TargetFailed:       factory.Counter("fleetjobs.target.failed"),
		TargetTimedOut:     factory.Counter("fleetjobs.target.timed_out"),
		TriggerFired:       factory.Counter("fleetjobs.trigger.fired"),
		TriggerErrors:      factory.Counter("fleetjobs.trigger.errors"),
		DeviceResumed:      factory.Counter("fleetjobs.device.resumed"),
		ExecutionsResumed:  factory.Counter("fleetjobs.device.executions_resumed"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Execution lifecycle hooks ───────────────────────

// OnExecutionQueued implements ext.ExecutionQueued.
func (m *MetricsExtension) OnExecutionQueued(_ context.Context, _ *job.Execution) error {
	m.ExecutionQueued.Inc()
	return nil
}

// OnExecutionStarted implements ext.ExecutionStarted.
func (m *MetricsExtension) OnExecutionStarted(_ context.Context, _ *job.Execution) error {
	m.ExecutionStarted.Inc()
	return nil
}

// OnExecutionEnded implements ext.ExecutionEnded.
func (m *MetricsExtension) OnExecutionEnded(_ context.Context, e *job.Execution, _ time.Duration) error {
	switch e.Status {
	case job.ExecutionCompleted:
		m.ExecutionCompleted.Inc()
	case job.ExecutionFailed:
		m.ExecutionFailed.Inc()
	case job.ExecutionStopped:
		m.ExecutionStopped.Inc()
	}
	return nil
}

// ── Target lifecycle hooks ──────────────────────────

// OnTargetStepCompleted implements ext.TargetStepCompleted.
func (m *MetricsExtension) OnTargetStepCompleted(_ context.Context, _ *job.Target, _ int, _ time.Duration) error {
	m.StepCompleted.Inc()
	return nil
}

// OnTargetFailed implements ext.TargetFailed.
func (m *MetricsExtension) OnTargetFailed(_ context.Context, _ *job.Target, reason string) error {
	m.TargetFailed.Inc()
	if reason == ReasonTimeout {
		m.TargetTimedOut.Inc()
	}
	return nil
}

// ── Trigger and device hooks ────────────────────────

// OnTriggerFired implements ext.TriggerFired.
func (m *MetricsExtension) OnTriggerFired(_ context.Context, _ *trigger.Trigger, f *trigger.Fired) error {
	m.TriggerFired.Inc()
	if f.Status == trigger.FiredError {
		m.TriggerErrors.Inc()
	}
	return nil
}

// OnDeviceResumed implements ext.DeviceResumed.
func (m *MetricsExtension) OnDeviceResumed(_ context.Context, _ string, _ id.DeviceID, executions []id.ExecutionID) error {
	m.DeviceResumed.Inc()
	for range executions {
		m.ExecutionsResumed.Inc()
	}
	return nil
}

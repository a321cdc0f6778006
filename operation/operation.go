// Package operation tracks device management operations and the
// notifications devices send about them.
//
// The Registry is the only writer of operations and notifications. An
// operation is opened with Begin when a request is dispatched, accumulates
// notifications as the device reports progress, and is removed once the
// job execution that opened it ends.
package operation

import (
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
)

// Status is the status of an operation, as last reported by the device.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStale     Status = "STALE"
)

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStale
}

// Operation is a device management operation.
type Operation struct {
	fleetjobs.Entity

	ID       id.OperationID `json:"id"`
	ScopeID  string         `json:"scope_id"`
	DeviceID id.DeviceID    `json:"device_id"`

	AppID    string        `json:"app_id"`
	Action   device.Action `json:"action"`
	Resource string        `json:"resource,omitempty"`

	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	StartedOn time.Time  `json:"started_on"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`

	InputProperties map[string]string `json:"input_properties,omitempty"`

	// Job correlation. Nil ids for operations not started by a job.
	JobID       id.JobID       `json:"job_id"`
	ExecutionID id.ExecutionID `json:"execution_id"`
	TargetID    id.TargetID    `json:"target_id"`
	StepIndex   int            `json:"step_index"`
}

// Notification is one progress report from a device about an operation.
type Notification struct {
	ID          id.NotificationID `json:"id"`
	ScopeID     string            `json:"scope_id"`
	OperationID id.OperationID    `json:"operation_id"`
	SentOn      time.Time         `json:"sent_on"`
	Status      Status            `json:"status"`
	Resource    string            `json:"resource,omitempty"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
}

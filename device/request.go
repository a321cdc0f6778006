// Package device models the device side of job orchestration: the
// management request/response pair exchanged with a device, the Sender
// capability that delivers requests, a per-scope Throttle on outbound
// requests, and the ConnectionRegistry tracking which devices are online.
package device

import (
	"context"
	"time"

	"github.com/xraph/fleetjobs/id"
)

// Action is the verb of a management request.
type Action string

const (
	ActionRead    Action = "READ"
	ActionWrite   Action = "WRITE"
	ActionCreate  Action = "CREATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
	ActionOptions Action = "OPTIONS"
)

// Request is a management request addressed to one device application.
type Request struct {
	ScopeID     string         `json:"scope_id"`
	DeviceID    id.DeviceID    `json:"device_id"`
	OperationID id.OperationID `json:"operation_id"`

	// App is the device application the request is addressed to
	// (e.g. "DEPLOY-V2", "CMD-V1").
	App      string         `json:"app"`
	Action   Action         `json:"action"`
	Resource string         `json:"resource,omitempty"`
	Body     []byte         `json:"body,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timeout bounds the send itself, not the operation.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ResponseStatus is the immediate answer of a device to a request.
type ResponseStatus string

const (
	// ResponseAccepted means the device took the request and will report
	// progress through notifications.
	ResponseAccepted ResponseStatus = "ACCEPTED"
	// ResponseCompleted means the request finished synchronously.
	ResponseCompleted ResponseStatus = "COMPLETED"
	// ResponseError means the device rejected the request.
	ResponseError ResponseStatus = "ERROR"
)

// Response is the immediate reply of a device to a Request.
type Response struct {
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message,omitempty"`
	Body    []byte         `json:"body,omitempty"`
}

// Sender delivers management requests to devices. Implementations wrap
// the actual transport (MQTT, AMQP, HTTP long-poll...).
type Sender interface {
	SendManagementRequest(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

// SendManagementRequest calls f.
func (f SenderFunc) SendManagementRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

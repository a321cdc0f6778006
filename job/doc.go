// Package job defines jobs, their targets and executions, the options a job
// is started with, the registry of step definitions and the store
// interfaces for all of them.
//
// # Jobs and steps
//
// A [Job] is an ordered list of [Step] values with dense 0-based indexes.
// Each step names a step definition and carries a property bag. The
// "timeout" property (milliseconds) bounds how long a target may wait for
// the device to answer that step.
//
// # Targets
//
// A [Target] binds a job to one device and tracks how far that device has
// progressed:
//
//	PENDING → PROCESS_AWAITING → PROCESS_OK | PROCESS_FAILED
//	PROCESS_AWAITING → AWAITING_COMPLETION   (device went offline)
//	AWAITING_COMPLETION → PROCESS_AWAITING   (resumed on reconnect)
//
// StepIndex only moves forward while an execution runs; it is rewound only
// when a job is started with ResetStepIndex.
//
// # Step definitions
//
// A [StepDefinition] turns a target and the step's property bag into a
// device request. The property bag is decoded into the definition's type
// parameter:
//
//	var Reboot = job.NewStepDefinition("Device Reboot",
//	    func(ctx context.Context, t *job.Target, p RebootProps) (*device.Request, error) {
//	        return &device.Request{App: "CMD-V1", Action: device.ActionExecute, Resource: "reboot"}, nil
//	    },
//	)
package job

// Package fleetjobs orchestrates multi-step jobs against fleets of
// intermittently connected devices.
//
// A job is an ordered list of steps run against a set of targets, one per
// device. Each step becomes a device management operation; the device
// answers asynchronously through notifications. Executions of the same job
// are serialized through an execution queue, triggers decide when a job
// runs, and a target whose device drops offline mid-step is resumed when
// the device reconnects.
//
// # Quick Start
//
//	o, err := fleetjobs.New(
//	    fleetjobs.WithStore(memory.New()),
//	    fleetjobs.WithStepTimeout(time.Minute),
//	)
//	eng, err := engine.Build(o, sender)
//	engine.RegisterStep(eng, job.NewStepDefinition("Command Exec", buildCommand))
//	exec, err := eng.StartJob(ctx, scopeID, jobID, job.StartOptions{})
//
// # Architecture
//
// Each subsystem (job, trigger, queue, operation, device) defines its own
// store interface; store.Store composes them and a single backend
// implements all of them. All entity IDs use TypeID.
package fleetjobs

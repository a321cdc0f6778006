// Package engine wires all fleetjobs subsystems together and owns the
// execution lifecycle: starting and stopping jobs, dispatching steps to
// devices, reacting to device events and promoting queued executions.
//
// The engine package exists to break an import cycle: the root fleetjobs
// package defines Entity (imported by job, trigger, queue, etc.) and
// therefore cannot import those packages back. Engine sits above all
// subsystem packages and below the application layer.
//
// # Building an Engine
//
//	o, err := fleetjobs.New(
//	    fleetjobs.WithStore(pgStore),
//	    fleetjobs.WithStepTimeout(time.Minute),
//	)
//
//	eng, err := engine.Build(o, mqttSender,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Logging(logger)),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	)
//
// # Registering Steps
//
//	engine.RegisterStep(eng, job.NewStepDefinition("asset-write",
//	    func(ctx context.Context, t *job.Target, p AssetWrite) (*device.Request, error) {
//	        return &device.Request{App: "ASSET-V1", Action: device.ActionWrite, Resource: p.Asset}, nil
//	    }))
//
// # Running Jobs
//
//	exec, err := eng.StartJob(ctx, "fleet-eu", jobID, job.StartOptions{Enqueue: true})
//	err = eng.StopJob(ctx, "fleet-eu", jobID, exec.ID)
//
// The device connectivity layer reports events with OnDeviceConnected,
// OnDeviceDisconnected and OnDeviceNotification. They return immediately
// and are handled on the engine's worker pool.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the dispatch chain
//   - [WithBackoff]: set the dispatch retry backoff strategy
//   - [WithThrottle]: replace the per-scope dispatch throttle
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
//   - [WithMetricFactory]: set the metrics factory
package engine

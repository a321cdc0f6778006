package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gu "github.com/xraph/go-utils/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/backoff"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/ext"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/lock"
	mw "github.com/xraph/fleetjobs/middleware"
	"github.com/xraph/fleetjobs/observability"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/resume"
	"github.com/xraph/fleetjobs/schedule"
	"github.com/xraph/fleetjobs/store"
	"github.com/xraph/fleetjobs/trigger"
	"github.com/xraph/fleetjobs/worker"
)

// Engine drives job executions against devices.
// Use Build() to create one from an Orchestrator.
type Engine struct {
	o      *fleetjobs.Orchestrator
	config fleetjobs.Config
	store  store.Store
	logger *slog.Logger

	locks       *lock.Pool
	steps       *job.Registry
	extensions  *ext.Registry
	evaluator   *schedule.CronEvaluator
	triggers    *trigger.Service
	scheduler   *trigger.Scheduler
	queue       *queue.Queue
	operations  *operation.Registry
	connections *device.ConnectionRegistry
	executor    *worker.Executor
	pool        *worker.Pool
	resumer     atomic.Pointer[resume.Resumer]

	sender   device.Sender
	throttle *device.Throttle
	bo       backoff.Strategy
	mws      []mw.Middleware

	timers  *timerSet
	tallies *tallySet
	now     func() time.Time

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricFactory  gu.MetricFactory
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the dispatch chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the delay strategy between dispatch retries.
// If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithThrottle replaces the throttle built from the configured dispatch
// rate limits, e.g. to set per-scope overrides.
func WithThrottle(t *device.Throttle) Option {
	return func(eng *Engine) {
		eng.throttle = t
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the dispatch
// metrics middleware.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithMetricFactory sets the factory the observability extension creates
// its counters from. Use fapp.Metrics() in forge apps.
func WithMetricFactory(f gu.MetricFactory) Option {
	return func(eng *Engine) {
		eng.metricFactory = f
	}
}

// Build creates an Engine from an Orchestrator. The Orchestrator's store
// must implement store.Store; sender delivers requests to devices.
func Build(o *fleetjobs.Orchestrator, sender device.Sender, opts ...Option) (*Engine, error) {
	logger := o.Logger()
	config := o.Config()

	if o.Store() == nil {
		return nil, fleetjobs.ErrNoStore
	}
	s, ok := o.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("fleetjobs: store does not implement store.Store")
	}
	if sender == nil {
		return nil, fleetjobs.ErrNoSender
	}

	eng := &Engine{
		o:          o,
		config:     config,
		store:      s,
		logger:     logger,
		locks:      lock.New(lock.WithSlots(config.LockSlots)),
		steps:      job.NewRegistry(),
		extensions: ext.NewRegistry(logger),
		evaluator:  schedule.NewCronEvaluator(),
		sender:     sender,
		timers:     newTimerSet(),
		tallies:    newTallySet(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.throttle == nil {
		eng.throttle = device.NewThrottle(device.ThrottleConfig{
			RateLimit: config.DispatchRateLimit,
			RateBurst: config.DispatchRateBurst,
		})
	}

	// Register the observability metrics extension.
	if eng.metricFactory != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithFactory(eng.metricFactory))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/fleetjobs"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/fleetjobs"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → scope → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.executor = worker.NewExecutor(sender, eng.throttle, eng.bo, config.DispatchRetries, logger, allMws...)
	eng.pool = worker.NewPool(logger, worker.WithPoolConcurrency(config.DispatchConcurrency))

	eng.triggers = trigger.NewService(s, eng.evaluator, logger)
	eng.queue = queue.New(s, eng, eng.locks, logger)
	eng.operations = operation.NewRegistry(s, logger)
	eng.connections = device.NewConnectionRegistry(s, eng.locks, logger)

	eng.scheduler = trigger.NewScheduler(s, eng.evaluator, eng.locks, eng.startFromTrigger, eng.extensions, logger,
		trigger.WithTickInterval(config.TickInterval),
		trigger.WithRetention(config.FiredTriggerRetention),
	)

	// Wire back into the Orchestrator.
	o.SetScheduler(eng.scheduler)
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterStep registers a typed step definition with the engine.
func RegisterStep[T any](eng *Engine, def *job.StepDefinition[T]) {
	job.RegisterStepDefinition(eng.steps, def)
}

// Start resolves the reconnect resumer, recovers executions a previous
// process left RUNNING and starts the trigger scheduler. Migrations must
// have run: the resumer needs the seeded "Device Connect" definition. A
// resumer or recovery failure is logged and does not fail Start.
func (eng *Engine) Start(ctx context.Context) error {
	r, err := resume.New(ctx, eng.triggers, eng.store, eng, eng.logger)
	if err != nil {
		eng.logger.Error("reconnect resume disabled",
			slog.String("error", err.Error()),
		)
	} else {
		eng.resumer.Store(r)
	}

	n, err := eng.recoverRunning(ctx)
	if err != nil {
		eng.logger.Error("recover running executions failed",
			slog.String("error", err.Error()),
		)
	}
	if n > 0 {
		eng.logger.Info("running executions recovered", slog.Int("executions", n))
	}
	return eng.o.Start(ctx)
}

// Stop stops the trigger scheduler so no new execution starts, drains
// device event handlers, cancels pending step timeouts and stops the
// orchestrator.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	drainCtx, cancel := context.WithTimeout(ctx, eng.config.ShutdownTimeout)
	defer cancel()
	if err := eng.pool.Stop(drainCtx); err != nil {
		eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	eng.timers.stopAll()
	return eng.o.Stop(ctx)
}

// ExecutionEnded implements queue.ExecutionChecker. Unknown executions
// count as ended.
func (eng *Engine) ExecutionEnded(ctx context.Context, executionID id.ExecutionID) (bool, error) {
	e, err := eng.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, fleetjobs.ErrExecutionNotFound) {
			return true, nil
		}
		return false, err
	}
	return e.Ended(), nil
}

// startFromTrigger is the scheduler's StartFunc.
func (eng *Engine) startFromTrigger(ctx context.Context, t *trigger.Trigger, jobID id.JobID) error {
	_, err := eng.StartJob(ctx, t.ScopeID, jobID, job.StartOptions{Enqueue: true})
	return err
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Steps returns the step definition registry.
func (eng *Engine) Steps() *job.Registry { return eng.steps }

// Triggers returns the trigger service.
func (eng *Engine) Triggers() *trigger.Service { return eng.triggers }

// Scheduler returns the trigger scheduler.
func (eng *Engine) Scheduler() *trigger.Scheduler { return eng.scheduler }

// Queue returns the execution queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Operations returns the operation registry.
func (eng *Engine) Operations() *operation.Registry { return eng.operations }

// Connections returns the device connection registry.
func (eng *Engine) Connections() *device.ConnectionRegistry { return eng.connections }

// Locks returns the engine's lock pool.
func (eng *Engine) Locks() *lock.Pool { return eng.locks }

// Resumer returns the reconnect resumer, or nil when it is disabled or the
// engine has not been started.
func (eng *Engine) Resumer() *resume.Resumer { return eng.resumer.Load() }

// Orchestrator returns the underlying Orchestrator.
func (eng *Engine) Orchestrator() *fleetjobs.Orchestrator { return eng.o }

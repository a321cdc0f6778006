package fleetjobs

import (
	"context"
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used by the engine, which sits above the entity
// packages and so can import them without a cycle.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// schedulerRunner is an internal interface for the trigger scheduler.
type schedulerRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Orchestrator holds the configuration, logger and store shared by every
// subsystem. Create one with New, then hand it to engine.Build which wires
// the scheduler and extensions back in.
type Orchestrator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	scheduler  schedulerRunner

	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetScheduler sets the trigger scheduler (called by engine.Build).
func (o *Orchestrator) SetScheduler(s schedulerRunner) { o.scheduler = s }

// SetExtensions sets the extension emitter (called by engine.Build).
func (o *Orchestrator) SetExtensions(e extensionEmitter) { o.extensions = e }

// Start begins trigger scheduling.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.store == nil {
		return ErrNoStore
	}
	if o.scheduler != nil {
		if err := o.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	o.started = true
	return nil
}

// Stop halts scheduling, emits the shutdown hook and closes the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.scheduler != nil && o.started {
		if err := o.scheduler.Stop(ctx); err != nil {
			o.logger.Error("scheduler stop error", slog.String("error", err.Error()))
		}
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration, e.g. one returned by LoadConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithLockSlots sets the number of slots per lock class.
func WithLockSlots(n int) Option {
	return func(o *Orchestrator) error {
		o.config.LockSlots = n
		return nil
	}
}

// WithStepTimeout sets the fallback timeout for dispatched steps.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.StepTimeout = d
		return nil
	}
}

// WithDispatchRetries sets how often a failed device send is retried.
func WithDispatchRetries(n int) Option {
	return func(o *Orchestrator) error {
		o.config.DispatchRetries = n
		return nil
	}
}

// WithDispatchRateLimit sets the per-scope device request rate and burst.
func WithDispatchRateLimit(perSecond float64, burst int) Option {
	return func(o *Orchestrator) error {
		o.config.DispatchRateLimit = perSecond
		o.config.DispatchRateBurst = burst
		return nil
	}
}

// WithTickInterval sets the trigger scheduler's sweep interval.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.TickInterval = d
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; engine.Build requires the full store.Store.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/schedule"
)

// StartFunc starts the job a trigger fired for.
type StartFunc func(ctx context.Context, t *Trigger, jobID id.JobID) error

// Emitter is called after every fire. ext.Registry satisfies it.
type Emitter interface {
	EmitTriggerFired(ctx context.Context, t *Trigger, fired *Fired)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often due triggers are swept.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithRetention sets how long fired records are kept. Zero keeps them.
func WithRetention(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.retention = d }
}

// WithPurgeInterval sets how often expired fired records are purged.
func WithPurgeInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.purgeInterval = d }
}

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler fires due timer triggers on a tick loop. Each fire runs under
// lock.ClassTrigger keyed by trigger id, so a trigger never fires twice
// for the same due time within one process.
type Scheduler struct {
	store     Store
	evaluator schedule.Evaluator
	locks     *lock.Pool
	start     StartFunc
	emitter   Emitter
	logger    *slog.Logger
	now       func() time.Time

	tickInterval  time.Duration
	retention     time.Duration
	purgeInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store Store,
	evaluator schedule.Evaluator,
	locks *lock.Pool,
	start StartFunc,
	emitter Emitter,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:         store,
		evaluator:     evaluator,
		locks:         locks,
		start:         start,
		emitter:       emitter,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		tickInterval:  1 * time.Second,
		purgeInterval: 1 * time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick and purge goroutines.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	if s.retention > 0 {
		s.wg.Add(1)
		go s.purgeLoop()
	}
	s.logger.Info("trigger scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Duration("retention", s.retention),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for goroutines to finish.
// Calls after the first only wait.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.logger.Info("trigger scheduler stopping")
	})
	s.wg.Wait()
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

func (s *Scheduler) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Purge(context.Background()); err != nil {
				s.logger.Error("purge fired triggers error", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick fires every trigger that is due now. It is exported so callers can
// drive the scheduler without the background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.ListDueTriggers(ctx, now)
	if err != nil {
		s.logger.Error("list due triggers error", slog.String("error", err.Error()))
		return
	}
	for _, t := range due {
		err := s.locks.RunExclusive(ctx, lock.ClassTrigger, t.ID.String(), func(ctx context.Context) error {
			return s.fire(ctx, t.ID, now)
		})
		if err != nil {
			s.logger.Error("fire trigger error",
				slog.String("trigger_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Purge removes fired records older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteFiredTriggersBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("purged fired triggers", slog.Int64("count", n))
	}
	return n, nil
}

// fire re-reads the trigger under its lock, starts its job if still due,
// records the outcome and moves NextFireOn forward.
func (s *Scheduler) fire(ctx context.Context, triggerID id.TriggerID, now time.Time) error {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	if t.NextFireOn == nil || t.NextFireOn.After(now) {
		return nil
	}

	if t.EndsOn != nil && !t.EndsOn.After(now) {
		t.NextFireOn = nil
		t.Touch(now)
		return s.store.UpdateTrigger(ctx, t)
	}

	fired := &Fired{
		ID:        id.NewFiredTriggerID(),
		ScopeID:   t.ScopeID,
		TriggerID: t.ID,
		FiredOn:   now,
		Status:    FiredOK,
	}
	if startErr := s.startJob(ctx, t); startErr != nil {
		fired.Status = FiredError
		fired.Message = startErr.Error()
		s.logger.Warn("trigger fired with error",
			slog.String("trigger_id", t.ID.String()),
			slog.String("error", startErr.Error()),
		)
	}
	if err := s.store.CreateFiredTrigger(ctx, fired); err != nil {
		s.logger.Error("record fired trigger error",
			slog.String("trigger_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	t.LastFiredOn = &now
	t.NextFireOn = nil
	if recurrence, recErr := t.Recurrence(); recErr == nil && recurrence != "" {
		next, ok, nextErr := s.evaluator.NextFireAfter(recurrence, now)
		switch {
		case nextErr != nil:
			s.logger.Error("compute next fire error",
				slog.String("trigger_id", t.ID.String()),
				slog.String("error", nextErr.Error()),
			)
		case ok && (t.EndsOn == nil || next.Before(*t.EndsOn)):
			t.NextFireOn = &next
		}
	}
	t.Touch(now)
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter.EmitTriggerFired(ctx, t, fired)
	}
	return nil
}

func (s *Scheduler) startJob(ctx context.Context, t *Trigger) (err error) {
	jobID, err := t.JobID()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger start panicked: %v", r)
		}
	}()
	if s.start == nil {
		return errors.New("trigger: no start function configured")
	}
	return s.start(ctx, t, jobID)
}

package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/schedule"
)

// Service validates and persists triggers.
type Service struct {
	store     Store
	evaluator schedule.Evaluator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(store Store, evaluator schedule.Evaluator, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		evaluator: evaluator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates a trigger, computes its first fire time and stores it.
// Date and recurrence problems are reported as schedule.ErrTriggerInvalidDates
// and schedule.ErrTriggerInvalidScheduling.
func (s *Service) Create(ctx context.Context, t *Trigger) error {
	if t.ID.IsNil() {
		t.ID = id.NewTriggerID()
	}
	t.Entity = fleetjobs.NewEntity()
	if err := s.prepare(ctx, t); err != nil {
		return err
	}
	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return fmt.Errorf("trigger: create: %w", err)
	}

	s.logger.Info("trigger created",
		slog.String("trigger_id", t.ID.String()),
		slog.String("job_id", t.Properties[PropertyJobID]),
	)
	return nil
}

// Update revalidates a trigger, recomputes its next fire time and stores
// it.
func (s *Service) Update(ctx context.Context, t *Trigger) error {
	existing, err := s.store.GetTrigger(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := s.prepare(ctx, t); err != nil {
		return err
	}
	t.CreatedAt = existing.CreatedAt
	t.LastFiredOn = existing.LastFiredOn
	t.Touch(s.now())
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return fmt.Errorf("trigger: update: %w", err)
	}
	return nil
}

// Get returns a trigger.
func (s *Service) Get(ctx context.Context, triggerID id.TriggerID) (*Trigger, error) {
	return s.store.GetTrigger(ctx, triggerID)
}

// Delete removes a trigger.
func (s *Service) Delete(ctx context.Context, triggerID id.TriggerID) error {
	return s.store.DeleteTrigger(ctx, triggerID)
}

// DeleteByJob removes every trigger bound to the job and returns how many
// were removed.
func (s *Service) DeleteByJob(ctx context.Context, jobID id.JobID) (int, error) {
	triggers, err := s.store.ListTriggers(ctx, ListOpts{JobID: jobID})
	if err != nil {
		return 0, err
	}
	for i, t := range triggers {
		if err := s.store.DeleteTrigger(ctx, t.ID); err != nil {
			return i, fmt.Errorf("trigger: delete %s of job %s: %w", t.ID, jobID, err)
		}
	}
	return len(triggers), nil
}

// FindValidTriggersForJob returns the job's triggers whose window contains
// at. A non-nil definitionID restricts the result to that definition.
func (s *Service) FindValidTriggersForJob(ctx context.Context, jobID id.JobID, definitionID id.TriggerDefinitionID, at time.Time) ([]*Trigger, error) {
	triggers, err := s.store.ListTriggers(ctx, ListOpts{JobID: jobID, DefinitionID: definitionID})
	if err != nil {
		return nil, err
	}
	valid := triggers[:0]
	for _, t := range triggers {
		if t.ValidAt(at) {
			valid = append(valid, t)
		}
	}
	return valid, nil
}

// FindDefinitionByName returns fleetjobs.ErrTriggerDefinitionNotFound for
// an unknown name.
func (s *Service) FindDefinitionByName(ctx context.Context, name string) (*Definition, error) {
	return s.store.GetDefinitionByName(ctx, name)
}

// Definitions lists all trigger definitions.
func (s *Service) Definitions(ctx context.Context) ([]*Definition, error) {
	return s.store.ListDefinitions(ctx)
}

// ListFired returns the trigger's fires, oldest first.
func (s *Service) ListFired(ctx context.Context, triggerID id.TriggerID) ([]*Fired, error) {
	return s.store.ListFiredTriggers(ctx, triggerID)
}

// prepare validates t against its definition and sets NextFireOn.
func (s *Service) prepare(ctx context.Context, t *Trigger) error {
	def, err := s.store.GetDefinition(ctx, t.DefinitionID)
	if err != nil {
		return err
	}
	if _, err := t.JobID(); err != nil {
		return err
	}
	if t.StartsOn.IsZero() {
		return fmt.Errorf("%w: start date is required", fleetjobs.ErrInvalidTrigger)
	}

	recurrence := ""
	if def.Type == TypeTimer {
		recurrence, err = t.Recurrence()
		if err != nil {
			return err
		}
		if recurrence == "" {
			return fmt.Errorf("%w: %q requires %q or %q", fleetjobs.ErrInvalidTrigger,
				def.Name, PropertyCronExpression, PropertyInterval)
		}
	}

	now := s.now()
	if err := schedule.Validate(s.evaluator, recurrence, t.StartsOn, t.EndsOn, now); err != nil {
		return err
	}

	t.NextFireOn = nil
	if recurrence == "" {
		return nil
	}
	from := t.StartsOn
	if now.After(from) {
		from = now
	}
	first, ok, err := s.evaluator.FirstFireAtOrAfter(recurrence, from)
	if err != nil {
		return err
	}
	if ok && (t.EndsOn == nil || first.Before(*t.EndsOn)) {
		t.NextFireOn = &first
	}
	return nil
}

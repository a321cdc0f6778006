package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
)

// ListOpts filters trigger queries. Zero fields do not filter.
type ListOpts struct {
	ScopeID      string
	JobID        id.JobID
	DefinitionID id.TriggerDefinitionID
}

// Store persists trigger definitions, triggers and fired records.
type Store interface {
	CreateDefinition(ctx context.Context, d *Definition) error
	GetDefinition(ctx context.Context, definitionID id.TriggerDefinitionID) (*Definition, error)

	// GetDefinitionByName returns fleetjobs.ErrTriggerDefinitionNotFound
	// for an unknown name.
	GetDefinitionByName(ctx context.Context, name string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)

	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, triggerID id.TriggerID) (*Trigger, error)
	UpdateTrigger(ctx context.Context, t *Trigger) error
	DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error
	ListTriggers(ctx context.Context, opts ListOpts) ([]*Trigger, error)

	// ListDueTriggers returns triggers whose NextFireOn is at or before at.
	ListDueTriggers(ctx context.Context, at time.Time) ([]*Trigger, error)

	CreateFiredTrigger(ctx context.Context, f *Fired) error

	// ListFiredTriggers returns the trigger's fires, oldest first.
	ListFiredTriggers(ctx context.Context, triggerID id.TriggerID) ([]*Fired, error)

	// DeleteFiredTriggersBefore removes fires older than before and returns
	// how many were removed.
	DeleteFiredTriggersBefore(ctx context.Context, before time.Time) (int64, error)
}

// SeedDefinitions creates every well-known definition missing from the
// store. Backends call it from Migrate.
func SeedDefinitions(ctx context.Context, s Store) error {
	for _, d := range WellKnownDefinitions() {
		_, err := s.GetDefinitionByName(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, fleetjobs.ErrTriggerDefinitionNotFound) {
			return err
		}
		if err := s.CreateDefinition(ctx, d); err != nil && !errors.Is(err, fleetjobs.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

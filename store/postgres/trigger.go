package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/trigger"
)

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

const definitionColumns = `id, name, description, type, created_at, updated_at`

func scanDefinition(row pgx.Row) (*trigger.Definition, error) {
	d := &trigger.Definition{}
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDefinition persists a trigger definition. Names are unique.
func (s *Store) CreateDefinition(ctx context.Context, d *trigger.Definition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_trigger_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Name, d.Description, d.Type, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fleetjobs.ErrAlreadyExists
		}
		return fmt.Errorf("fleetjobs/postgres: create trigger definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a trigger definition by ID.
func (s *Store) GetDefinition(ctx context.Context, definitionID id.TriggerDefinitionID) (*trigger.Definition, error) {
	return s.getDefinition(ctx, `id = $1`, definitionID)
}

// GetDefinitionByName retrieves a trigger definition by its unique name.
func (s *Store) GetDefinitionByName(ctx context.Context, name string) (*trigger.Definition, error) {
	return s.getDefinition(ctx, `name = $1`, name)
}

func (s *Store) getDefinition(ctx context.Context, where string, arg any) (*trigger.Definition, error) {
	d, err := scanDefinition(s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM fleetjobs_trigger_definitions WHERE `+where, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrTriggerDefinitionNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get trigger definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns all trigger definitions.
func (s *Store) ListDefinitions(ctx context.Context) ([]*trigger.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+definitionColumns+` FROM fleetjobs_trigger_definitions ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list trigger definitions: %w", err)
	}
	defs, err := collect(rows, scanDefinition)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list trigger definitions: %w", err)
	}
	return defs, nil
}

// ──────────────────────────────────────────────────
// Triggers
// ──────────────────────────────────────────────────

const triggerColumns = `id, scope_id, name, definition_id, starts_on, ends_on, properties,
	next_fire_on, last_fired_on, created_at, updated_at`

func scanTrigger(row pgx.Row) (*trigger.Trigger, error) {
	t := &trigger.Trigger{}
	err := row.Scan(
		&t.ID, &t.ScopeID, &t.Name, &t.DefinitionID, &t.StartsOn, &t.EndsOn, &t.Properties,
		&t.NextFireOn, &t.LastFiredOn, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTrigger persists a new trigger. Its definition must exist.
func (s *Store) CreateTrigger(ctx context.Context, t *trigger.Trigger) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ScopeID, t.Name, t.DefinitionID, t.StartsOn, t.EndsOn, jsonMap(t.Properties),
		t.NextFireOn, t.LastFiredOn, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrTriggerDefinitionNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create trigger: %w", err)
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, triggerID id.TriggerID) (*trigger.Trigger, error) {
	t, err := scanTrigger(s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM fleetjobs_triggers WHERE id = $1`, triggerID))
	if err != nil {
		if isNoRows(err) {
			return nil, fleetjobs.ErrTriggerNotFound
		}
		return nil, fmt.Errorf("fleetjobs/postgres: get trigger: %w", err)
	}
	return t, nil
}

// UpdateTrigger persists changes to an existing trigger.
func (s *Store) UpdateTrigger(ctx context.Context, t *trigger.Trigger) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fleetjobs_triggers
		SET scope_id = $2, name = $3, definition_id = $4, starts_on = $5, ends_on = $6,
			properties = $7, next_fire_on = $8, last_fired_on = $9, updated_at = $10
		WHERE id = $1`,
		t.ID, t.ScopeID, t.Name, t.DefinitionID, t.StartsOn, t.EndsOn,
		jsonMap(t.Properties), t.NextFireOn, t.LastFiredOn, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrTriggerNotFound
	}
	return nil
}

// DeleteTrigger removes a trigger. Its fired records go with it through
// ON DELETE CASCADE.
func (s *Store) DeleteTrigger(ctx context.Context, triggerID id.TriggerID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleetjobs_triggers WHERE id = $1`, triggerID)
	if err != nil {
		return fmt.Errorf("fleetjobs/postgres: delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fleetjobs.ErrTriggerNotFound
	}
	return nil
}

// ListTriggers returns triggers matching opts in creation order.
func (s *Store) ListTriggers(ctx context.Context, opts trigger.ListOpts) ([]*trigger.Trigger, error) {
	var jobID, definitionID string
	if !opts.JobID.IsNil() {
		jobID = opts.JobID.String()
	}
	if !opts.DefinitionID.IsNil() {
		definitionID = opts.DefinitionID.String()
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+` FROM fleetjobs_triggers
		WHERE ($1 = '' OR scope_id = $1)
		  AND ($2 = '' OR properties ->> 'jobId' = $2)
		  AND ($3 = '' OR definition_id = $3)
		ORDER BY created_at, id`,
		opts.ScopeID, jobID, definitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list triggers: %w", err)
	}
	triggers, err := collect(rows, scanTrigger)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list triggers: %w", err)
	}
	return triggers, nil
}

// ListDueTriggers returns triggers whose next fire is at or before at,
// earliest first.
func (s *Store) ListDueTriggers(ctx context.Context, at time.Time) ([]*trigger.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+` FROM fleetjobs_triggers
		WHERE next_fire_on IS NOT NULL AND next_fire_on <= $1
		ORDER BY next_fire_on, created_at, id`, at)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list due triggers: %w", err)
	}
	triggers, err := collect(rows, scanTrigger)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list due triggers: %w", err)
	}
	return triggers, nil
}

// ──────────────────────────────────────────────────
// Fired triggers
// ──────────────────────────────────────────────────

const firedColumns = `id, scope_id, trigger_id, fired_on, status, message`

func scanFired(row pgx.Row) (*trigger.Fired, error) {
	f := &trigger.Fired{}
	if err := row.Scan(&f.ID, &f.ScopeID, &f.TriggerID, &f.FiredOn, &f.Status, &f.Message); err != nil {
		return nil, err
	}
	return f, nil
}

// CreateFiredTrigger records a fire.
func (s *Store) CreateFiredTrigger(ctx context.Context, f *trigger.Fired) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleetjobs_fired_triggers (`+firedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.ScopeID, f.TriggerID, f.FiredOn, f.Status, f.Message,
	)
	if err != nil {
		switch {
		case isDuplicateKey(err):
			return fleetjobs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return fleetjobs.ErrTriggerNotFound
		}
		return fmt.Errorf("fleetjobs/postgres: create fired trigger: %w", err)
	}
	return nil
}

// ListFiredTriggers returns the trigger's fires, oldest first.
func (s *Store) ListFiredTriggers(ctx context.Context, triggerID id.TriggerID) ([]*trigger.Fired, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+firedColumns+` FROM fleetjobs_fired_triggers
		WHERE trigger_id = $1
		ORDER BY fired_on, id`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list fired triggers: %w", err)
	}
	fired, err := collect(rows, scanFired)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/postgres: list fired triggers: %w", err)
	}
	return fired, nil
}

// DeleteFiredTriggersBefore removes fires older than before.
func (s *Store) DeleteFiredTriggersBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fleetjobs_fired_triggers WHERE fired_on < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("fleetjobs/postgres: delete fired triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}

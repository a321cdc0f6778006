// Package trigger decides when jobs run.
//
// A Trigger binds a job (through its "jobId" property) to a Definition.
// TIMER definitions ("Interval Job", "Cron Job") fire on a recurrence and
// are swept by the Scheduler; EVENT definitions ("Device Connect") fire
// when something happens to a device and are looked up by the resume
// logic. Every timer fire is recorded as a Fired entry.
package trigger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
)

// Well-known definition names.
const (
	DefinitionInterval      = "Interval Job"
	DefinitionCron          = "Cron Job"
	DefinitionDeviceConnect = "Device Connect"
)

// Well-known trigger property names.
const (
	PropertyJobID          = "jobId"
	PropertyCronExpression = "cronExpression"
	// PropertyInterval is the interval in seconds.
	PropertyInterval = "interval"
)

// DefinitionType distinguishes time-driven from event-driven triggers.
type DefinitionType string

const (
	TypeTimer DefinitionType = "TIMER"
	TypeEvent DefinitionType = "EVENT"
)

// Definition describes a kind of trigger.
type Definition struct {
	fleetjobs.Entity

	ID          id.TriggerDefinitionID `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Type        DefinitionType         `json:"type"`
}

// WellKnownDefinitions returns fresh copies of the definitions every store
// is seeded with.
func WellKnownDefinitions() []*Definition {
	return []*Definition{
		{
			Entity:      fleetjobs.NewEntity(),
			ID:          id.NewTriggerDefinitionID(),
			Name:        DefinitionInterval,
			Description: "Fires the job every N seconds.",
			Type:        TypeTimer,
		},
		{
			Entity:      fleetjobs.NewEntity(),
			ID:          id.NewTriggerDefinitionID(),
			Name:        DefinitionCron,
			Description: "Fires the job on a cron expression.",
			Type:        TypeTimer,
		},
		{
			Entity:      fleetjobs.NewEntity(),
			ID:          id.NewTriggerDefinitionID(),
			Name:        DefinitionDeviceConnect,
			Description: "Resumes the job for a device when it connects.",
			Type:        TypeEvent,
		},
	}
}

// Trigger fires a job according to its definition.
type Trigger struct {
	fleetjobs.Entity

	ID           id.TriggerID           `json:"id"`
	ScopeID      string                 `json:"scope_id"`
	Name         string                 `json:"name"`
	DefinitionID id.TriggerDefinitionID `json:"definition_id"`
	StartsOn     time.Time              `json:"starts_on"`
	EndsOn       *time.Time             `json:"ends_on,omitempty"`
	Properties   map[string]string      `json:"properties"`

	// NextFireOn is the next scheduled fire of a timer trigger; nil once
	// the trigger will not fire again and always nil for event triggers.
	NextFireOn  *time.Time `json:"next_fire_on,omitempty"`
	LastFiredOn *time.Time `json:"last_fired_on,omitempty"`
}

// JobID parses the "jobId" property.
func (t *Trigger) JobID() (id.JobID, error) {
	raw, ok := t.Properties[PropertyJobID]
	if !ok || raw == "" {
		return id.Nil, fmt.Errorf("%w: missing %q property", fleetjobs.ErrInvalidTrigger, PropertyJobID)
	}
	jobID, err := id.ParseJobID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: %w", fleetjobs.ErrInvalidTrigger, err)
	}
	return jobID, nil
}

// Recurrence returns the trigger's recurrence expression: the cron
// expression, or "@every Ns" for an interval. Empty when neither is set.
func (t *Trigger) Recurrence() (string, error) {
	if expr := t.Properties[PropertyCronExpression]; expr != "" {
		return expr, nil
	}
	raw := t.Properties[PropertyInterval]
	if raw == "" {
		return "", nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return "", fmt.Errorf("%w: interval %q is not a positive number of seconds", fleetjobs.ErrInvalidTrigger, raw)
	}
	return fmt.Sprintf("@every %ds", secs), nil
}

// ValidAt reports whether the trigger's window contains at: StartsOn is
// strictly before at and EndsOn, if set, strictly after it.
func (t *Trigger) ValidAt(at time.Time) bool {
	if !t.StartsOn.Before(at) {
		return false
	}
	return t.EndsOn == nil || t.EndsOn.After(at)
}

// FiredStatus is the outcome of one fire.
type FiredStatus string

const (
	FiredOK    FiredStatus = "FIRED"
	FiredError FiredStatus = "ERROR"
)

// Fired records one fire of a trigger.
type Fired struct {
	ID        id.FiredTriggerID `json:"id"`
	ScopeID   string            `json:"scope_id"`
	TriggerID id.TriggerID      `json:"trigger_id"`
	FiredOn   time.Time         `json:"fired_on"`
	Status    FiredStatus       `json:"status"`
	Message   string            `json:"message,omitempty"`
}

package fleetjobs

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("fleetjobs: no store configured")
	ErrNoSender        = errors.New("fleetjobs: no device sender configured")
	ErrMigrationFailed = errors.New("fleetjobs: migration failed")

	// Not found errors.
	ErrJobNotFound               = errors.New("fleetjobs: job not found")
	ErrTargetNotFound            = errors.New("fleetjobs: job target not found")
	ErrExecutionNotFound         = errors.New("fleetjobs: job execution not found")
	ErrQueuedExecutionNotFound   = errors.New("fleetjobs: queued execution not found")
	ErrTriggerNotFound           = errors.New("fleetjobs: trigger not found")
	ErrTriggerDefinitionNotFound = errors.New("fleetjobs: trigger definition not found")
	ErrOperationNotFound         = errors.New("fleetjobs: device operation not found")
	ErrConnectionNotFound        = errors.New("fleetjobs: device connection not found")
	ErrStepDefinitionNotFound    = errors.New("fleetjobs: step definition not found")

	// Conflict errors.
	ErrAlreadyExists = errors.New("fleetjobs: entity already exists")

	// Validation errors.
	ErrInvalidStartOptions = errors.New("fleetjobs: invalid job start options")
	ErrInvalidTrigger      = errors.New("fleetjobs: invalid trigger")
	ErrInvalidJob          = errors.New("fleetjobs: invalid job")

	// State errors.
	ErrInvalidState = errors.New("fleetjobs: invalid state transition")
)

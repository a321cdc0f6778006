// Package id defines TypeID-based identity types for all fleetjobs entities.
//
// Every entity uses a single ID struct with a prefix that identifies
// the entity type. IDs are K-sortable (UUIDv7-based), globally unique,
// and URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all fleetjobs entity types.
const (
	PrefixJob               Prefix = "job"
	PrefixTarget            Prefix = "jtarget"
	PrefixExecution         Prefix = "jexec"
	PrefixQueuedExecution   Prefix = "jqueue"
	PrefixTrigger           Prefix = "trigger"
	PrefixTriggerDefinition Prefix = "trgdef"
	PrefixFiredTrigger      Prefix = "firedtrg"
	PrefixOperation         Prefix = "mgmtop"
	PrefixNotification      Prefix = "mgmtnotif"
	PrefixDevice            Prefix = "device"
)

// ID is the primary identifier type for all fleetjobs entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "jtarget_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is like ParseWithPrefix but panics on error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// JobID identifies jobs (prefix: "job").
type JobID = ID

// TargetID identifies job targets (prefix: "jtarget").
type TargetID = ID

// ExecutionID identifies job executions (prefix: "jexec").
type ExecutionID = ID

// QueuedExecutionID identifies queued executions (prefix: "jqueue").
type QueuedExecutionID = ID

// TriggerID identifies triggers (prefix: "trigger").
type TriggerID = ID

// TriggerDefinitionID identifies trigger definitions (prefix: "trgdef").
type TriggerDefinitionID = ID

// FiredTriggerID identifies fired trigger records (prefix: "firedtrg").
type FiredTriggerID = ID

// OperationID identifies device management operations (prefix: "mgmtop").
type OperationID = ID

// NotificationID identifies operation notifications (prefix: "mgmtnotif").
type NotificationID = ID

// DeviceID identifies devices (prefix: "device").
type DeviceID = ID

// AnyID is a type alias that accepts any valid prefix.
type AnyID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewJobID generates a new unique job ID.
func NewJobID() ID { return New(PrefixJob) }

// NewTargetID generates a new unique target ID.
func NewTargetID() ID { return New(PrefixTarget) }

// NewExecutionID generates a new unique execution ID.
func NewExecutionID() ID { return New(PrefixExecution) }

// NewQueuedExecutionID generates a new unique queuedExecution ID.
func NewQueuedExecutionID() ID { return New(PrefixQueuedExecution) }

// NewTriggerID generates a new unique trigger ID.
func NewTriggerID() ID { return New(PrefixTrigger) }

// NewTriggerDefinitionID generates a new unique triggerDefinition ID.
func NewTriggerDefinitionID() ID { return New(PrefixTriggerDefinition) }

// NewFiredTriggerID generates a new unique firedTrigger ID.
func NewFiredTriggerID() ID { return New(PrefixFiredTrigger) }

// NewOperationID generates a new unique operation ID.
func NewOperationID() ID { return New(PrefixOperation) }

// NewNotificationID generates a new unique notification ID.
func NewNotificationID() ID { return New(PrefixNotification) }

// NewDeviceID generates a new unique device ID.
func NewDeviceID() ID { return New(PrefixDevice) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseJobID parses a string and validates the "job" prefix.
func ParseJobID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseTargetID parses a string and validates the "jtarget" prefix.
func ParseTargetID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTarget) }

// ParseExecutionID parses a string and validates the "jexec" prefix.
func ParseExecutionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixExecution) }

// ParseQueuedExecutionID parses a string and validates the "jqueue" prefix.
func ParseQueuedExecutionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixQueuedExecution) }

// ParseTriggerID parses a string and validates the "trigger" prefix.
func ParseTriggerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTrigger) }

// ParseTriggerDefinitionID parses a string and validates the "trgdef" prefix.
func ParseTriggerDefinitionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTriggerDefinition) }

// ParseFiredTriggerID parses a string and validates the "firedtrg" prefix.
func ParseFiredTriggerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixFiredTrigger) }

// ParseOperationID parses a string and validates the "mgmtop" prefix.
func ParseOperationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixOperation) }

// ParseNotificationID parses a string and validates the "mgmtnotif" prefix.
func ParseNotificationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixNotification) }

// ParseDeviceID parses a string and validates the "device" prefix.
func ParseDeviceID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDevice) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}

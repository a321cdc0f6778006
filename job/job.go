package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
)

// PropertyTimeout is the step property holding the step timeout in
// milliseconds.
const PropertyTimeout = "timeout"

// Step is one stage of a job.
type Step struct {
	// Index is the step's 0-based position in the job.
	Index int `json:"index"`

	Name string `json:"name"`

	// Definition names the registered StepDefinition that builds the
	// device request for this step.
	Definition string `json:"definition"`

	Properties map[string]any `json:"properties,omitempty"`
}

// Job is an ordered list of steps run against a set of device targets.
type Job struct {
	fleetjobs.Entity

	ID          id.JobID `json:"id"`
	ScopeID     string   `json:"scope_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []Step   `json:"steps"`
}

// LastStepIndex returns the index of the final step, or -1 for a job
// without steps.
func (j *Job) LastStepIndex() int { return len(j.Steps) - 1 }

// Validate checks that the job is named and its steps are densely indexed
// from zero and reference a definition.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("%w: name is required", fleetjobs.ErrInvalidJob)
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", fleetjobs.ErrInvalidJob)
	}
	for i, s := range j.Steps {
		if s.Index != i {
			return fmt.Errorf("%w: step %d has index %d", fleetjobs.ErrInvalidJob, i, s.Index)
		}
		if s.Definition == "" {
			return fmt.Errorf("%w: step %d has no definition", fleetjobs.ErrInvalidJob, i)
		}
	}
	return nil
}

// MergedProperties returns the step's properties with overrides applied on
// top. Neither input is modified.
func (s Step) MergedProperties(overrides map[string]any) map[string]any {
	out := make(map[string]any, len(s.Properties)+len(overrides))
	maps.Copy(out, s.Properties)
	maps.Copy(out, overrides)
	return out
}

// Timeout reads the "timeout" property (milliseconds) from props, falling
// back when it is absent, unparseable or not positive.
func Timeout(props map[string]any, fallback time.Duration) time.Duration {
	raw, ok := props[PropertyTimeout]
	if !ok {
		return fallback
	}

	var ms int64
	switch v := raw.(type) {
	case int:
		ms = int64(v)
	case int64:
		ms = v
	case float64:
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fallback
		}
		ms = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fallback
		}
		ms = n
	default:
		return fallback
	}

	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

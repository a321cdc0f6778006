package resume_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/resume"
	"github.com/xraph/fleetjobs/schedule"
	"github.com/xraph/fleetjobs/store/memory"
	"github.com/xraph/fleetjobs/trigger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spyStarter records StartJob calls.
type spyStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	scopeID string
	jobID   id.JobID
	opts    job.StartOptions
}

func (s *spyStarter) StartJob(_ context.Context, scopeID string, jobID id.JobID, opts job.StartOptions) (*job.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, startCall{scopeID: scopeID, jobID: jobID, opts: opts})
	if s.err != nil {
		return nil, s.err
	}
	return &job.Execution{ID: id.NewExecutionID(), ScopeID: scopeID, JobID: jobID, Status: job.ExecutionQueued}, nil
}

type fixture struct {
	store    *memory.Store
	triggers *trigger.Service
	starter  *spyStarter
	resumer  *resume.Resumer
	device   id.DeviceID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	f := &fixture{
		store:    s,
		triggers: trigger.NewService(s, schedule.NewCronEvaluator(), quietLogger()),
		starter:  &spyStarter{},
		device:   id.NewDeviceID(),
	}
	r, err := resume.New(ctx, f.triggers, s, f.starter, quietLogger())
	if err != nil {
		t.Fatalf("resume.New: %v", err)
	}
	f.resumer = r
	return f
}

// addJob stores a job with steps steps and one target for the fixture's
// device at stepIndex with status.
func (f *fixture) addJob(t *testing.T, steps, stepIndex int, status job.TargetStatus) (*job.Job, *job.Target) {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{Entity: fleetjobs.NewEntity(), ID: id.NewJobID(), ScopeID: "fleet-eu", Name: "rollout"}
	for i := range steps {
		j.Steps = append(j.Steps, job.Step{Index: i, Name: "step", Definition: "noop"})
	}
	if err := f.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	tgt := &job.Target{
		Entity:    fleetjobs.NewEntity(),
		ID:        id.NewTargetID(),
		ScopeID:   j.ScopeID,
		JobID:     j.ID,
		DeviceID:  f.device,
		StepIndex: stepIndex,
		Status:    status,
	}
	if err := f.store.CreateTarget(ctx, tgt); err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
	return j, tgt
}

func (f *fixture) addConnectTrigger(t *testing.T, jobID id.JobID, startsOn time.Time) {
	t.Helper()
	ctx := context.Background()
	def, err := f.triggers.FindDefinitionByName(ctx, trigger.DefinitionDeviceConnect)
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	tr := &trigger.Trigger{
		ScopeID:      "fleet-eu",
		DefinitionID: def.ID,
		StartsOn:     startsOn,
		Properties:   map[string]string{trigger.PropertyJobID: jobID.String()},
	}
	if err := f.triggers.Create(ctx, tr); err != nil {
		t.Fatalf("Create trigger: %v", err)
	}
}

func TestNewWithoutDefinition(t *testing.T) {
	s := memory.New()
	svc := trigger.NewService(s, schedule.NewCronEvaluator(), quietLogger())

	_, err := resume.New(context.Background(), svc, s, &spyStarter{}, quietLogger())
	if !errors.Is(err, fleetjobs.ErrTriggerDefinitionNotFound) {
		t.Fatalf("expected ErrTriggerDefinitionNotFound, got %v", err)
	}
}

func TestProcessOnConnectResumesFromStep(t *testing.T) {
	f := newFixture(t)
	j, tgt := f.addJob(t, 4, 2, job.TargetAwaitingCompletion)
	f.addConnectTrigger(t, j.ID, time.Now().UTC().Add(-time.Hour))

	execs, err := f.resumer.ProcessOnConnect(context.Background(), "fleet-eu", f.device)
	if err != nil {
		t.Fatalf("ProcessOnConnect: %v", err)
	}
	if len(execs) != 1 || len(f.starter.calls) != 1 {
		t.Fatalf("want 1 start, got %d executions and %d calls", len(execs), len(f.starter.calls))
	}

	call := f.starter.calls[0]
	if call.jobID != j.ID {
		t.Errorf("job: want %s, got %s", j.ID, call.jobID)
	}
	if !call.opts.Enqueue {
		t.Error("resume must enqueue")
	}
	if len(call.opts.TargetIDs) != 1 || call.opts.TargetIDs[0] != tgt.ID {
		t.Errorf("targets: want [%s], got %v", tgt.ID, call.opts.TargetIDs)
	}
	if call.opts.FromStepIndex == nil || *call.opts.FromStepIndex != 2 {
		t.Errorf("from step: want 2, got %v", call.opts.FromStepIndex)
	}
	if call.opts.ResetStepIndex {
		t.Error("resume must not reset the step index")
	}
}

func TestProcessOnConnectSkips(t *testing.T) {
	tests := []struct {
		name      string
		steps     int
		stepIndex int
		status    job.TargetStatus
		trigger   bool
		startsIn  time.Duration
		wantCalls int
	}{
		{"completed target", 3, 2, job.TargetProcessOK, true, -time.Hour, 0},
		{"ok before last step", 3, 1, job.TargetProcessOK, true, -time.Hour, 1},
		{"failed on last step", 3, 2, job.TargetProcessFailed, true, -time.Hour, 1},
		{"no trigger", 3, 0, job.TargetAwaitingCompletion, false, 0, 0},
		{"trigger not valid yet", 3, 0, job.TargetAwaitingCompletion, true, time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			j, _ := f.addJob(t, tt.steps, tt.stepIndex, tt.status)
			if tt.trigger {
				f.addConnectTrigger(t, j.ID, time.Now().UTC().Add(tt.startsIn))
			}

			if _, err := f.resumer.ProcessOnConnect(context.Background(), "fleet-eu", f.device); err != nil {
				t.Fatalf("ProcessOnConnect: %v", err)
			}
			if len(f.starter.calls) != tt.wantCalls {
				t.Errorf("starts: want %d, got %d", tt.wantCalls, len(f.starter.calls))
			}
		})
	}
}

func TestProcessOnConnectOneStartPerTrigger(t *testing.T) {
	f := newFixture(t)
	j, _ := f.addJob(t, 2, 0, job.TargetAwaitingCompletion)
	f.addConnectTrigger(t, j.ID, time.Now().UTC().Add(-time.Hour))
	f.addConnectTrigger(t, j.ID, time.Now().UTC().Add(-2*time.Hour))

	execs, err := f.resumer.ProcessOnConnect(context.Background(), "fleet-eu", f.device)
	if err != nil {
		t.Fatalf("ProcessOnConnect: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("want 2 executions, got %d", len(execs))
	}
}

func TestProcessOnConnectWrapsErrors(t *testing.T) {
	f := newFixture(t)
	j1, _ := f.addJob(t, 2, 0, job.TargetAwaitingCompletion)
	j2, _ := f.addJob(t, 2, 1, job.TargetAwaitingCompletion)
	f.addConnectTrigger(t, j1.ID, time.Now().UTC().Add(-time.Hour))
	f.addConnectTrigger(t, j2.ID, time.Now().UTC().Add(-time.Hour))

	f.starter.err = fleetjobs.ErrInvalidStartOptions

	execs, err := f.resumer.ProcessOnConnect(context.Background(), "fleet-eu", f.device)
	var pe *resume.ProcessOnConnectError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProcessOnConnectError, got %T: %v", err, err)
	}
	if pe.DeviceID != f.device || pe.ScopeID != "fleet-eu" {
		t.Errorf("error identifies %s/%s", pe.ScopeID, pe.DeviceID)
	}
	if !errors.Is(err, fleetjobs.ErrInvalidStartOptions) {
		t.Errorf("cause not reachable through the error: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("want no executions, got %d", len(execs))
	}
	if len(f.starter.calls) != 2 {
		t.Errorf("a failed start must not stop the others: got %d calls", len(f.starter.calls))
	}
}

func TestProcessOnConnectOtherDevice(t *testing.T) {
	f := newFixture(t)
	j, _ := f.addJob(t, 2, 0, job.TargetAwaitingCompletion)
	f.addConnectTrigger(t, j.ID, time.Now().UTC().Add(-time.Hour))

	execs, err := f.resumer.ProcessOnConnect(context.Background(), "fleet-eu", id.NewDeviceID())
	if err != nil {
		t.Fatalf("ProcessOnConnect: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("want no executions, got %d", len(execs))
	}
}

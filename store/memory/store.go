package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/trigger"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store              = (*Store)(nil)
	_ queue.Store            = (*Store)(nil)
	_ trigger.Store          = (*Store)(nil)
	_ operation.Store        = (*Store)(nil)
	_ device.ConnectionStore = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs          map[string]*job.Job
	targets       map[string]*job.Target
	executions    map[string]*job.Execution
	queued        map[string]*queue.QueuedExecution
	definitions   map[string]*trigger.Definition
	triggers      map[string]*trigger.Trigger
	fired         map[string]*trigger.Fired
	operations    map[string]*operation.Operation
	notifications map[string]*operation.Notification
	connections   map[string]*device.Connection // key: "scopeID/deviceID"

	// seq records insertion order so listings are deterministic.
	seq  map[string]uint64
	next uint64
}

// New returns a new Store seeded with the well-known trigger definitions.
func New() *Store {
	m := &Store{
		jobs:          make(map[string]*job.Job),
		targets:       make(map[string]*job.Target),
		executions:    make(map[string]*job.Execution),
		queued:        make(map[string]*queue.QueuedExecution),
		definitions:   make(map[string]*trigger.Definition),
		triggers:      make(map[string]*trigger.Trigger),
		fired:         make(map[string]*trigger.Fired),
		operations:    make(map[string]*operation.Operation),
		notifications: make(map[string]*operation.Notification),
		connections:   make(map[string]*device.Connection),
		seq:           make(map[string]uint64),
	}
	for _, d := range trigger.WellKnownDefinitions() {
		m.definitions[d.ID.String()] = d
		m.track(d.ID.String())
	}
	return m
}

// track assigns the next sequence number to key. Callers hold m.mu.
func (m *Store) track(key string) {
	m.next++
	m.seq[key] = m.next
}

// forget drops key from the sequence index. Callers hold m.mu.
func (m *Store) forget(key string) {
	delete(m.seq, key)
}

// sortBySeq orders records by insertion. Callers hold m.mu.
func sortBySeq[T any](m *Store, items []T, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return m.seq[key(items[i])] < m.seq[key(items[j])]
	})
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate seeds any missing well-known trigger definitions.
func (m *Store) Migrate(ctx context.Context) error { return trigger.SeedDefinitions(ctx, m) }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	m.track(key)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, fleetjobs.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return fleetjobs.ErrJobNotFound
	}
	cp := cloneJob(j)
	cp.Touch(time.Now())
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job with its targets, executions and queue entries.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return fleetjobs.ErrJobNotFound
	}
	delete(m.jobs, key)
	m.forget(key)

	for k, t := range m.targets {
		if t.JobID == jobID {
			delete(m.targets, k)
			m.forget(k)
		}
	}
	for k, e := range m.executions {
		if e.JobID == jobID {
			delete(m.executions, k)
			m.forget(k)
		}
	}
	for k, qe := range m.queued {
		if qe.JobID == jobID {
			delete(m.queued, k)
			m.forget(k)
		}
	}
	return nil
}

// ListJobs returns the jobs of a scope. An empty scope lists every job.
func (m *Store) ListJobs(_ context.Context, scopeID string) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if scopeID != "" && j.ScopeID != scopeID {
			continue
		}
		result = append(result, cloneJob(j))
	}
	sortBySeq(m, result, func(j *job.Job) string { return j.ID.String() })
	return result, nil
}

// ──────────────────────────────────────────────────
// Target Store
// ──────────────────────────────────────────────────

// CreateTarget persists a new target.
func (m *Store) CreateTarget(_ context.Context, t *job.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.targets[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	if _, ok := m.jobs[t.JobID.String()]; !ok {
		return fleetjobs.ErrJobNotFound
	}
	m.targets[key] = cloneTarget(t)
	m.track(key)
	return nil
}

// GetTarget retrieves a target by ID.
func (m *Store) GetTarget(_ context.Context, targetID id.TargetID) (*job.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[targetID.String()]
	if !ok {
		return nil, fleetjobs.ErrTargetNotFound
	}
	return cloneTarget(t), nil
}

// UpdateTarget persists changes to an existing target.
func (m *Store) UpdateTarget(_ context.Context, t *job.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.targets[key]; !ok {
		return fleetjobs.ErrTargetNotFound
	}
	m.targets[key] = cloneTarget(t)
	return nil
}

// ListTargets returns the job's targets in creation order.
func (m *Store) ListTargets(_ context.Context, jobID id.JobID) ([]*job.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Target
	for _, t := range m.targets {
		if t.JobID == jobID {
			result = append(result, cloneTarget(t))
		}
	}
	sortBySeq(m, result, func(t *job.Target) string { return t.ID.String() })
	return result, nil
}

// ListTargetsByDevice returns every target bound to the device.
func (m *Store) ListTargetsByDevice(_ context.Context, scopeID string, deviceID id.DeviceID) ([]*job.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Target
	for _, t := range m.targets {
		if t.ScopeID == scopeID && t.DeviceID == deviceID {
			result = append(result, cloneTarget(t))
		}
	}
	sortBySeq(m, result, func(t *job.Target) string { return t.ID.String() })
	return result, nil
}

// ──────────────────────────────────────────────────
// Execution Store
// ──────────────────────────────────────────────────

// CreateExecution persists a new execution.
func (m *Store) CreateExecution(_ context.Context, e *job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, exists := m.executions[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	m.executions[key] = cloneExecution(e)
	m.track(key)
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *Store) GetExecution(_ context.Context, executionID id.ExecutionID) (*job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[executionID.String()]
	if !ok {
		return nil, fleetjobs.ErrExecutionNotFound
	}
	return cloneExecution(e), nil
}

// UpdateExecution persists changes to an existing execution.
func (m *Store) UpdateExecution(_ context.Context, e *job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, ok := m.executions[key]; !ok {
		return fleetjobs.ErrExecutionNotFound
	}
	m.executions[key] = cloneExecution(e)
	return nil
}

// ListExecutions returns the job's executions in creation order.
func (m *Store) ListExecutions(_ context.Context, jobID id.JobID, opts job.ExecutionListOpts) ([]*job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Execution
	for _, e := range m.executions {
		if e.JobID != jobID {
			continue
		}
		if opts.Running && e.Ended() {
			continue
		}
		result = append(result, cloneExecution(e))
	}
	sortBySeq(m, result, func(e *job.Execution) string { return e.ID.String() })
	return result, nil
}

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// CreateQueuedExecution persists a new queue entry.
func (m *Store) CreateQueuedExecution(_ context.Context, qe *queue.QueuedExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := qe.ID.String()
	if _, exists := m.queued[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	m.queued[key] = cloneQueued(qe)
	m.track(key)
	return nil
}

// UpdateQueuedExecution persists changes to an existing queue entry.
func (m *Store) UpdateQueuedExecution(_ context.Context, qe *queue.QueuedExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := qe.ID.String()
	if _, ok := m.queued[key]; !ok {
		return fleetjobs.ErrQueuedExecutionNotFound
	}
	m.queued[key] = cloneQueued(qe)
	return nil
}

// GetQueuedExecutionByExecution returns the queue entry of an execution.
func (m *Store) GetQueuedExecutionByExecution(_ context.Context, executionID id.ExecutionID) (*queue.QueuedExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, qe := range m.queued {
		if qe.ExecutionID == executionID {
			return cloneQueued(qe), nil
		}
	}
	return nil, fleetjobs.ErrQueuedExecutionNotFound
}

// ListQueuedExecutions returns the job's queue entries in creation order.
func (m *Store) ListQueuedExecutions(_ context.Context, jobID id.JobID) ([]*queue.QueuedExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*queue.QueuedExecution
	for _, qe := range m.queued {
		if qe.JobID == jobID {
			result = append(result, cloneQueued(qe))
		}
	}
	sortBySeq(m, result, func(qe *queue.QueuedExecution) string { return qe.ID.String() })
	return result, nil
}

// ──────────────────────────────────────────────────
// Trigger Store
// ──────────────────────────────────────────────────

// CreateDefinition persists a trigger definition. Names are unique.
func (m *Store) CreateDefinition(_ context.Context, d *trigger.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.ID.String()
	if _, exists := m.definitions[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	for _, existing := range m.definitions {
		if existing.Name == d.Name {
			return fleetjobs.ErrAlreadyExists
		}
	}
	cp := *d
	m.definitions[key] = &cp
	m.track(key)
	return nil
}

// GetDefinition retrieves a trigger definition by ID.
func (m *Store) GetDefinition(_ context.Context, definitionID id.TriggerDefinitionID) (*trigger.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.definitions[definitionID.String()]
	if !ok {
		return nil, fleetjobs.ErrTriggerDefinitionNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDefinitionByName retrieves a trigger definition by name.
func (m *Store) GetDefinitionByName(_ context.Context, name string) (*trigger.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.definitions {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fleetjobs.ErrTriggerDefinitionNotFound
}

// ListDefinitions returns all trigger definitions.
func (m *Store) ListDefinitions(_ context.Context) ([]*trigger.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*trigger.Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		cp := *d
		result = append(result, &cp)
	}
	sortBySeq(m, result, func(d *trigger.Definition) string { return d.ID.String() })
	return result, nil
}

// CreateTrigger persists a new trigger.
func (m *Store) CreateTrigger(_ context.Context, t *trigger.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.triggers[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	m.triggers[key] = cloneTrigger(t)
	m.track(key)
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (m *Store) GetTrigger(_ context.Context, triggerID id.TriggerID) (*trigger.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.triggers[triggerID.String()]
	if !ok {
		return nil, fleetjobs.ErrTriggerNotFound
	}
	return cloneTrigger(t), nil
}

// UpdateTrigger persists changes to an existing trigger.
func (m *Store) UpdateTrigger(_ context.Context, t *trigger.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.triggers[key]; !ok {
		return fleetjobs.ErrTriggerNotFound
	}
	m.triggers[key] = cloneTrigger(t)
	return nil
}

// DeleteTrigger removes a trigger and its fired records.
func (m *Store) DeleteTrigger(_ context.Context, triggerID id.TriggerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := triggerID.String()
	if _, ok := m.triggers[key]; !ok {
		return fleetjobs.ErrTriggerNotFound
	}
	delete(m.triggers, key)
	m.forget(key)
	for k, f := range m.fired {
		if f.TriggerID == triggerID {
			delete(m.fired, k)
			m.forget(k)
		}
	}
	return nil
}

// ListTriggers returns triggers matching opts.
func (m *Store) ListTriggers(_ context.Context, opts trigger.ListOpts) ([]*trigger.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*trigger.Trigger
	for _, t := range m.triggers {
		if opts.ScopeID != "" && t.ScopeID != opts.ScopeID {
			continue
		}
		if !opts.DefinitionID.IsNil() && t.DefinitionID != opts.DefinitionID {
			continue
		}
		if !opts.JobID.IsNil() && t.Properties[trigger.PropertyJobID] != opts.JobID.String() {
			continue
		}
		result = append(result, cloneTrigger(t))
	}
	sortBySeq(m, result, func(t *trigger.Trigger) string { return t.ID.String() })
	return result, nil
}

// ListDueTriggers returns triggers whose next fire is at or before at,
// earliest first.
func (m *Store) ListDueTriggers(_ context.Context, at time.Time) ([]*trigger.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*trigger.Trigger
	for _, t := range m.triggers {
		if t.NextFireOn != nil && !t.NextFireOn.After(at) {
			result = append(result, cloneTrigger(t))
		}
	}
	sortBySeq(m, result, func(t *trigger.Trigger) string { return t.ID.String() })
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].NextFireOn.Before(*result[j].NextFireOn)
	})
	return result, nil
}

// CreateFiredTrigger records a fire.
func (m *Store) CreateFiredTrigger(_ context.Context, f *trigger.Fired) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := f.ID.String()
	if _, exists := m.fired[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	cp := *f
	m.fired[key] = &cp
	m.track(key)
	return nil
}

// ListFiredTriggers returns a trigger's fires, oldest first.
func (m *Store) ListFiredTriggers(_ context.Context, triggerID id.TriggerID) ([]*trigger.Fired, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*trigger.Fired
	for _, f := range m.fired {
		if f.TriggerID == triggerID {
			cp := *f
			result = append(result, &cp)
		}
	}
	sortBySeq(m, result, func(f *trigger.Fired) string { return f.ID.String() })
	return result, nil
}

// DeleteFiredTriggersBefore removes fires older than before.
func (m *Store) DeleteFiredTriggersBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for k, f := range m.fired {
		if f.FiredOn.Before(before) {
			delete(m.fired, k)
			m.forget(k)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Operation Store
// ──────────────────────────────────────────────────

// CreateOperation persists a new operation.
func (m *Store) CreateOperation(_ context.Context, op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := op.ID.String()
	if _, exists := m.operations[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	m.operations[key] = cloneOperation(op)
	m.track(key)
	return nil
}

// GetOperation retrieves an operation by ID.
func (m *Store) GetOperation(_ context.Context, operationID id.OperationID) (*operation.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[operationID.String()]
	if !ok {
		return nil, fleetjobs.ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

// UpdateOperation persists changes to an existing operation.
func (m *Store) UpdateOperation(_ context.Context, op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := op.ID.String()
	if _, ok := m.operations[key]; !ok {
		return fleetjobs.ErrOperationNotFound
	}
	m.operations[key] = cloneOperation(op)
	return nil
}

// DeleteOperation removes an operation and its notifications.
func (m *Store) DeleteOperation(_ context.Context, operationID id.OperationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := operationID.String()
	if _, ok := m.operations[key]; !ok {
		return fleetjobs.ErrOperationNotFound
	}
	delete(m.operations, key)
	m.forget(key)
	for k, n := range m.notifications {
		if n.OperationID == operationID {
			delete(m.notifications, k)
			m.forget(k)
		}
	}
	return nil
}

// ListOperationsByExecution returns the operations opened by an execution.
func (m *Store) ListOperationsByExecution(_ context.Context, executionID id.ExecutionID) ([]*operation.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*operation.Operation
	for _, op := range m.operations {
		if op.ExecutionID == executionID {
			result = append(result, cloneOperation(op))
		}
	}
	sortBySeq(m, result, func(op *operation.Operation) string { return op.ID.String() })
	return result, nil
}

// CreateNotification persists a notification for an existing operation.
func (m *Store) CreateNotification(_ context.Context, n *operation.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operations[n.OperationID.String()]; !ok {
		return fleetjobs.ErrOperationNotFound
	}
	key := n.ID.String()
	if _, exists := m.notifications[key]; exists {
		return fleetjobs.ErrAlreadyExists
	}
	cp := *n
	m.notifications[key] = &cp
	m.track(key)
	return nil
}

// ListNotifications returns an operation's notifications in recording order.
func (m *Store) ListNotifications(_ context.Context, operationID id.OperationID) ([]*operation.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*operation.Notification
	for _, n := range m.notifications {
		if n.OperationID == operationID {
			cp := *n
			result = append(result, &cp)
		}
	}
	sortBySeq(m, result, func(n *operation.Notification) string { return n.ID.String() })
	return result, nil
}

// ──────────────────────────────────────────────────
// Connection Store
// ──────────────────────────────────────────────────

func connectionKey(scopeID string, deviceID id.DeviceID) string {
	return scopeID + "/" + deviceID.String()
}

// GetConnection retrieves the connection record of a device.
func (m *Store) GetConnection(_ context.Context, scopeID string, deviceID id.DeviceID) (*device.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[connectionKey(scopeID, deviceID)]
	if !ok {
		return nil, fleetjobs.ErrConnectionNotFound
	}
	return cloneConnection(c), nil
}

// SaveConnection inserts or replaces a device's connection record.
func (m *Store) SaveConnection(_ context.Context, c *device.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connectionKey(c.ScopeID, c.DeviceID)
	if _, exists := m.connections[key]; !exists {
		m.track(key)
	}
	m.connections[key] = cloneConnection(c)
	return nil
}

// ListConnections returns the connections of a scope.
func (m *Store) ListConnections(_ context.Context, scopeID string) ([]*device.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*device.Connection
	for _, c := range m.connections {
		if c.ScopeID == scopeID {
			result = append(result, cloneConnection(c))
		}
	}
	sortBySeq(m, result, func(c *device.Connection) string { return connectionKey(c.ScopeID, c.DeviceID) })
	return result, nil
}

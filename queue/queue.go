// Package queue serializes executions of the same job.
//
// Every execution started with the enqueue option gets a QueuedExecution
// entry. At most one entry per job is RUNNING; the rest WAIT, optionally
// for a specific earlier execution to end. When an execution ends the
// queue promotes the oldest eligible waiting entry. There is no background
// poller: OnExecutionTerminal is the only promotion path.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/lock"
)

// Status is the status of a queued execution.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the entry has finished.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// QueuedExecution is an execution's place in its job's queue.
type QueuedExecution struct {
	fleetjobs.Entity

	ID          id.QueuedExecutionID `json:"id"`
	ScopeID     string               `json:"scope_id"`
	JobID       id.JobID             `json:"job_id"`
	ExecutionID id.ExecutionID       `json:"execution_id"`

	// WaitForExecutionID is the execution this entry waits for. Nil waits
	// only for the job to have no running entry.
	WaitForExecutionID id.ExecutionID `json:"wait_for_execution_id"`

	Status     Status     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
}

// Store persists queued executions.
type Store interface {
	CreateQueuedExecution(ctx context.Context, qe *QueuedExecution) error
	UpdateQueuedExecution(ctx context.Context, qe *QueuedExecution) error

	// GetQueuedExecutionByExecution returns
	// fleetjobs.ErrQueuedExecutionNotFound when the execution never went
	// through the queue.
	GetQueuedExecutionByExecution(ctx context.Context, executionID id.ExecutionID) (*QueuedExecution, error)

	ListQueuedExecutions(ctx context.Context, jobID id.JobID) ([]*QueuedExecution, error)
}

// ExecutionChecker reports whether an execution has ended. The queue uses
// it for wait targets that never went through the queue themselves.
type ExecutionChecker interface {
	ExecutionEnded(ctx context.Context, executionID id.ExecutionID) (bool, error)
}

// Queue admits and promotes executions.
type Queue struct {
	store   Store
	checker ExecutionChecker
	locks   *lock.Pool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Queue.
func New(store Store, checker ExecutionChecker, locks *lock.Pool, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		checker: checker,
		locks:   locks,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds an execution to its job's queue. The entry is RUNNING
// immediately when the job has no RUNNING entry and the wait target is nil
// or has already ended; otherwise it is WAITING.
func (q *Queue) Enqueue(ctx context.Context, scopeID string, jobID id.JobID, executionID, waitFor id.ExecutionID) (*QueuedExecution, error) {
	qe, err := lock.Run(ctx, q.locks, lock.ClassQueue, jobID.String(), func(ctx context.Context) (*QueuedExecution, error) {
		entries, err := q.store.ListQueuedExecutions(ctx, jobID)
		if err != nil {
			return nil, err
		}

		now := q.now()
		qe := &QueuedExecution{
			Entity:             fleetjobs.NewEntity(),
			ID:                 id.NewQueuedExecutionID(),
			ScopeID:            scopeID,
			JobID:              jobID,
			ExecutionID:        executionID,
			WaitForExecutionID: waitFor,
			Status:             StatusWaiting,
			EnqueuedAt:         now,
		}

		if len(running(entries)) == 0 {
			ready, err := q.waitSatisfied(ctx, entries, waitFor)
			if err != nil {
				return nil, err
			}
			if ready {
				qe.Status = StatusRunning
				qe.PromotedAt = &now
			}
		}

		if err := q.store.CreateQueuedExecution(ctx, qe); err != nil {
			return nil, err
		}
		return qe, nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue execution %s: %w", executionID, err)
	}
	return qe, nil
}

// OnExecutionTerminal marks the execution's own entry (if any) COMPLETED
// or FAILED, then promotes the oldest WAITING entry of the job whose wait
// target is this execution or nil. The promoted entry is returned, or nil
// when nothing was promoted.
func (q *Queue) OnExecutionTerminal(ctx context.Context, jobID id.JobID, executionID id.ExecutionID, failed bool) (*QueuedExecution, error) {
	promoted, err := lock.Run(ctx, q.locks, lock.ClassQueue, jobID.String(), func(ctx context.Context) (*QueuedExecution, error) {
		entries, err := q.store.ListQueuedExecutions(ctx, jobID)
		if err != nil {
			return nil, err
		}

		now := q.now()
		for _, qe := range entries {
			if qe.ExecutionID != executionID || qe.Status.IsTerminal() {
				continue
			}
			qe.Status = StatusCompleted
			if failed {
				qe.Status = StatusFailed
			}
			qe.Touch(now)
			if err := q.store.UpdateQueuedExecution(ctx, qe); err != nil {
				return nil, err
			}
		}

		if r := running(entries); len(r) > 0 {
			if len(r) > 1 {
				q.logger.Error("queue consistency error: more than one running execution",
					slog.String("job_id", jobID.String()),
					slog.Int("running", len(r)),
				)
			}
			return nil, nil
		}

		next, err := q.oldestEligible(ctx, entries, executionID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		next.Status = StatusRunning
		next.PromotedAt = &now
		next.Touch(now)
		if err := q.store.UpdateQueuedExecution(ctx, next); err != nil {
			return nil, err
		}

		q.logger.Info("queued execution promoted",
			slog.String("job_id", jobID.String()),
			slog.String("execution_id", next.ExecutionID.String()),
			slog.String("after_execution_id", executionID.String()),
		)
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: release after execution %s: %w", executionID, err)
	}
	return promoted, nil
}

// List returns the job's queue entries ordered by enqueue time.
func (q *Queue) List(ctx context.Context, jobID id.JobID) ([]*QueuedExecution, error) {
	entries, err := q.store.ListQueuedExecutions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sortByEnqueued(entries)
	return entries, nil
}

// waitSatisfied reports whether waitFor no longer blocks a new entry.
func (q *Queue) waitSatisfied(ctx context.Context, entries []*QueuedExecution, waitFor id.ExecutionID) (bool, error) {
	if waitFor.IsNil() {
		return true, nil
	}
	for _, qe := range entries {
		if qe.ExecutionID == waitFor {
			return qe.Status.IsTerminal(), nil
		}
	}
	if q.checker == nil {
		return true, nil
	}
	return q.checker.ExecutionEnded(ctx, waitFor)
}

func running(entries []*QueuedExecution) []*QueuedExecution {
	var out []*QueuedExecution
	for _, qe := range entries {
		if qe.Status == StatusRunning {
			out = append(out, qe)
		}
	}
	return out
}

// oldestEligible returns the earliest-enqueued WAITING entry that waits
// for the ended execution, for nothing, or for an execution that has
// already ended.
func (q *Queue) oldestEligible(ctx context.Context, entries []*QueuedExecution, ended id.ExecutionID) (*QueuedExecution, error) {
	var waiting []*QueuedExecution
	for _, qe := range entries {
		if qe.Status == StatusWaiting {
			waiting = append(waiting, qe)
		}
	}
	sortByEnqueued(waiting)

	for _, qe := range waiting {
		if qe.WaitForExecutionID == ended {
			return qe, nil
		}
		ready, err := q.waitSatisfied(ctx, entries, qe.WaitForExecutionID)
		if err != nil {
			return nil, err
		}
		if ready {
			return qe, nil
		}
	}
	return nil, nil
}

func sortByEnqueued(entries []*QueuedExecution) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
}

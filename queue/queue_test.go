package queue_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/queue"
	"github.com/xraph/fleetjobs/store/memory"
)

// stubChecker reports a fixed set of executions as ended.
type stubChecker struct {
	mu    sync.Mutex
	ended map[id.ExecutionID]bool
}

func (c *stubChecker) ExecutionEnded(_ context.Context, executionID id.ExecutionID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended[executionID], nil
}

func newQueue(checker queue.ExecutionChecker) (*queue.Queue, *memory.Store) {
	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return queue.New(s, checker, lock.New(), logger), s
}

func TestEnqueueFirstRunsImmediately(t *testing.T) {
	q, _ := newQueue(nil)
	ctx := context.Background()
	jobID := id.NewJobID()

	first, err := q.Enqueue(ctx, "scope", jobID, id.NewExecutionID(), id.Nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.Status != queue.StatusRunning || first.PromotedAt == nil {
		t.Fatalf("first entry = %+v, want RUNNING", first)
	}

	second, err := q.Enqueue(ctx, "scope", jobID, id.NewExecutionID(), first.ExecutionID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if second.Status != queue.StatusWaiting {
		t.Fatalf("second entry = %s, want WAITING", second.Status)
	}

	other, err := q.Enqueue(ctx, "scope", id.NewJobID(), id.NewExecutionID(), id.Nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if other.Status != queue.StatusRunning {
		t.Errorf("another job's entry = %s, want RUNNING", other.Status)
	}
}

func TestEnqueueWaitsForRunningExecutionOutsideQueue(t *testing.T) {
	running := id.NewExecutionID()
	checker := &stubChecker{ended: map[id.ExecutionID]bool{}}
	q, _ := newQueue(checker)
	ctx := context.Background()
	jobID := id.NewJobID()

	qe, err := q.Enqueue(ctx, "scope", jobID, id.NewExecutionID(), running)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if qe.Status != queue.StatusWaiting {
		t.Fatalf("entry = %s, want WAITING behind a running execution", qe.Status)
	}

	checker.mu.Lock()
	checker.ended[running] = true
	checker.mu.Unlock()

	promoted, err := q.OnExecutionTerminal(ctx, jobID, running, false)
	if err != nil {
		t.Fatalf("OnExecutionTerminal: %v", err)
	}
	if promoted == nil || promoted.ExecutionID != qe.ExecutionID {
		t.Fatalf("promoted = %+v, want %s", promoted, qe.ExecutionID)
	}
	if promoted.Status != queue.StatusRunning {
		t.Errorf("promoted status = %s, want RUNNING", promoted.Status)
	}
}

func TestOnExecutionTerminalPromotesInOrder(t *testing.T) {
	q, s := newQueue(nil)
	ctx := context.Background()
	jobID := id.NewJobID()

	e1, e2, e3 := id.NewExecutionID(), id.NewExecutionID(), id.NewExecutionID()
	if _, err := q.Enqueue(ctx, "scope", jobID, e1, id.Nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "scope", jobID, e2, e1); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "scope", jobID, e3, e2); err != nil {
		t.Fatal(err)
	}

	promoted, err := q.OnExecutionTerminal(ctx, jobID, e1, true)
	if err != nil {
		t.Fatalf("OnExecutionTerminal: %v", err)
	}
	if promoted == nil || promoted.ExecutionID != e2 {
		t.Fatalf("promoted %+v, want %s", promoted, e2)
	}

	first, _ := s.GetQueuedExecutionByExecution(ctx, e1)
	if first.Status != queue.StatusFailed {
		t.Errorf("ended entry = %s, want FAILED", first.Status)
	}
	third, _ := s.GetQueuedExecutionByExecution(ctx, e3)
	if third.Status != queue.StatusWaiting {
		t.Errorf("third entry = %s, want WAITING", third.Status)
	}

	promoted, err = q.OnExecutionTerminal(ctx, jobID, e2, false)
	if err != nil {
		t.Fatalf("OnExecutionTerminal: %v", err)
	}
	if promoted == nil || promoted.ExecutionID != e3 {
		t.Fatalf("promoted %+v, want %s", promoted, e3)
	}

	promoted, err = q.OnExecutionTerminal(ctx, jobID, e3, false)
	if err != nil {
		t.Fatalf("OnExecutionTerminal: %v", err)
	}
	if promoted != nil {
		t.Errorf("nothing should be left to promote, got %+v", promoted)
	}

	entries, _ := q.List(ctx, jobID)
	for _, qe := range entries {
		if !qe.Status.IsTerminal() {
			t.Errorf("entry %s left in %s", qe.ExecutionID, qe.Status)
		}
	}
}

func TestOnExecutionTerminalWhileAnotherRuns(t *testing.T) {
	q, _ := newQueue(nil)
	ctx := context.Background()
	jobID := id.NewJobID()

	running := id.NewExecutionID()
	if _, err := q.Enqueue(ctx, "scope", jobID, running, id.Nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "scope", jobID, id.NewExecutionID(), id.Nil); err != nil {
		t.Fatal(err)
	}

	// An execution that never went through the queue ends.
	promoted, err := q.OnExecutionTerminal(ctx, jobID, id.NewExecutionID(), false)
	if err != nil {
		t.Fatalf("OnExecutionTerminal: %v", err)
	}
	if promoted != nil {
		t.Fatalf("promoted %+v while another entry is running", promoted)
	}
}

func TestQueueAtMostOneRunning(t *testing.T) {
	q, _ := newQueue(nil)
	ctx := context.Background()
	jobID := id.NewJobID()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, "scope", jobID, id.NewExecutionID(), id.Nil); err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	countRunning := func() (int, *queue.QueuedExecution) {
		entries, err := q.List(ctx, jobID)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		n := 0
		var current *queue.QueuedExecution
		for _, qe := range entries {
			if qe.Status == queue.StatusRunning {
				n++
				current = qe
			}
		}
		return n, current
	}

	for step := range 50 {
		n, current := countRunning()
		if n != 1 {
			t.Fatalf("step %d: %d running entries, want 1", step, n)
		}
		if _, err := q.OnExecutionTerminal(ctx, jobID, current.ExecutionID, false); err != nil {
			t.Fatalf("OnExecutionTerminal: %v", err)
		}
	}
	if n, _ := countRunning(); n != 0 {
		t.Fatalf("%d running entries after draining, want 0", n)
	}
}

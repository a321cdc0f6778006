package lock_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fleetjobs/lock"
)

func TestRunExclusiveSerializesSameKey(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	var counter int // deliberately unsynchronized
	var wg sync.WaitGroup
	for range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.RunExclusive(ctx, lock.ClassTarget, "target-1", func(context.Context) error {
				counter++
				return nil
			})
			if err != nil {
				t.Errorf("RunExclusive: %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != 1000 {
		t.Fatalf("counter = %d, want 1000", counter)
	}
}

func TestRunExclusiveNoOverlap(t *testing.T) {
	p := lock.New(lock.WithSlots(4))
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RunExclusive(ctx, lock.ClassQueue, "job-a", func(context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("observed %d concurrent holders, want 1", maxInside.Load())
	}
}

func TestManyKeysNoSameKeyOverlap(t *testing.T) {
	p := lock.New(lock.WithSlots(128))
	ctx := context.Background()

	const keys = 50
	var inside [keys]atomic.Int32
	var overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := i % keys
			err := p.RunExclusive(ctx, lock.ClassTarget, fmt.Sprintf("target-%d", k), func(context.Context) error {
				if inside[k].Add(1) != 1 {
					overlaps.Add(1)
				}
				time.Sleep(50 * time.Microsecond)
				inside[k].Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("RunExclusive: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("observed %d same-key overlaps, want 0", n)
	}
}

func TestGoroutineFromHeldSectionWaits(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	var inside atomic.Int32
	var overlapped atomic.Bool
	done := make(chan error, 1)

	err := p.RunExclusive(ctx, lock.ClassTarget, "t1", func(ctx context.Context) error {
		inside.Add(1)
		defer inside.Add(-1)

		go func() {
			done <- p.RunExclusive(context.WithoutCancel(ctx), lock.ClassTarget, "t1", func(context.Context) error {
				if inside.Load() != 0 {
					overlapped.Store(true)
				}
				return nil
			})
		}()

		select {
		case <-done:
			t.Error("goroutine entered while the slot was held")
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunExclusive: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("goroutine run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("goroutine never acquired the released slot")
	}
	if overlapped.Load() {
		t.Error("goroutine ran inside the held section")
	}
}

func TestDerivedContextDoesNotHold(t *testing.T) {
	p := lock.New()

	_ = p.RunExclusive(context.Background(), lock.ClassQueue, "job", func(ctx context.Context) error {
		if !p.Held(ctx, lock.ClassQueue, "job") {
			t.Error("work context should hold the slot")
		}
		if p.Held(context.WithoutCancel(ctx), lock.ClassQueue, "job") {
			t.Error("a derived context must not hold the slot")
		}
		return nil
	})
}

func TestClassesAreIndependent(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.RunExclusive(ctx, lock.ClassConnection, "same-key", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- p.RunExclusive(ctx, lock.ClassTarget, "same-key", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("target class blocked behind connection class")
	}
}

func TestReentrantSameKey(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	got, err := lock.Run(ctx, p, lock.ClassTarget, "t1", func(ctx context.Context) (int, error) {
		if !p.Held(ctx, lock.ClassTarget, "t1") {
			t.Error("expected slot to be held inside work")
		}
		return lock.Run(ctx, p, lock.ClassTarget, "t1", func(context.Context) (int, error) {
			return 42, nil
		})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if p.Held(ctx, lock.ClassTarget, "t1") {
		t.Error("outer context should not report the slot as held")
	}
}

func TestWorkErrorIsWrapped(t *testing.T) {
	p := lock.New()
	cause := errors.New("boom")

	err := p.RunExclusive(context.Background(), lock.ClassQueue, "job-1", func(context.Context) error {
		return cause
	})

	if !errors.Is(err, lock.ErrExecutionFailure) {
		t.Fatalf("expected ErrExecutionFailure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable, got %v", err)
	}
	var execErr *lock.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %T", err)
	}
	if execErr.Class != lock.ClassQueue || execErr.Key != "job-1" {
		t.Errorf("unexpected error fields: %+v", execErr)
	}
}

func TestPanicReleasesSlot(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	err := p.RunExclusive(ctx, lock.ClassTarget, "t1", func(context.Context) error {
		panic("kaboom")
	})
	if !errors.Is(err, lock.ErrExecutionFailure) {
		t.Fatalf("expected ErrExecutionFailure after panic, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.RunExclusive(ctx, lock.ClassTarget, "t1", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("slot was not released after panic")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	p := lock.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.RunExclusive(context.Background(), lock.ClassTarget, "busy", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := p.RunExclusive(ctx, lock.ClassTarget, "busy", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, lock.ErrExecutionFailure) {
		t.Error("acquisition timeout should not be an execution failure")
	}
	if ran {
		t.Error("work ran without the slot")
	}
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	p := lock.New()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.RunExclusive(ctx, lock.ClassQueue, "job", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RunExclusive(ctx, lock.ClassQueue, "job", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each waiter time to park before the next arrives.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("waiters served out of order: %v", order)
		}
	}
}

func TestSlotIsStable(t *testing.T) {
	p := lock.New(lock.WithSlots(16))
	if p.Slots() != 16 {
		t.Fatalf("Slots() = %d, want 16", p.Slots())
	}
	for i := range 100 {
		key := fmt.Sprintf("device-%d", i)
		s := p.Slot(key)
		if s < 0 || s >= 16 {
			t.Fatalf("slot %d out of range for %q", s, key)
		}
		if p.Slot(key) != s {
			t.Fatalf("slot for %q is not stable", key)
		}
	}
}

func TestUnknownClass(t *testing.T) {
	p := lock.New()
	err := p.RunExclusive(context.Background(), lock.Class(99), "k", func(context.Context) error { return nil })
	if !errors.Is(err, lock.ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

// Package lock provides a striped pool of fair mutual-exclusion slots keyed
// by arbitrary strings.
//
// Keys are grouped into classes (device connections, job targets, execution
// queues, triggers); each class owns an independent set of slots so a
// connection key can never contend with a target key. Within a class the
// slot for a key is hash(key) mod slots, so different keys may share a slot
// and are then serialized too. Waiters on a slot are served in arrival order.
//
// Ownership belongs to one call. A nested call made with the exact context
// handed to the work function re-enters the slots that call holds. Any
// context derived from it, including one handed to another goroutine,
// holds nothing and waits for the slot like every other caller. Nesting
// two different slots of the same class is the caller's business and must
// follow a fixed order.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DefaultSlots is the number of slots per class when none is configured.
const DefaultSlots = 128

// Class partitions keys into independent slot pools.
type Class int

const (
	// ClassConnection guards per-device connection bookkeeping.
	ClassConnection Class = iota
	// ClassTarget guards per-target status and step mutations.
	ClassTarget
	// ClassQueue guards per-job execution queue admission and promotion.
	ClassQueue
	// ClassTrigger guards per-trigger firing.
	ClassTrigger

	numClasses
)

// String returns the class name used in logs and errors.
func (c Class) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassTarget:
		return "target"
	case ClassQueue:
		return "queue"
	case ClassTrigger:
		return "trigger"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ErrExecutionFailure matches every error returned by work run under a lock.
var ErrExecutionFailure = errors.New("lock: execution failure")

// ErrUnknownClass is returned for a Class outside the defined set.
var ErrUnknownClass = errors.New("lock: unknown class")

// ExecutionError wraps an error or panic raised by work run under a lock.
// errors.Is(err, ErrExecutionFailure) holds for every ExecutionError and
// errors.Is/As reach the underlying cause through Unwrap.
type ExecutionError struct {
	Class Class
	Key   string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("lock: %s %q: %v", e.Class, e.Key, e.Err)
}

// Unwrap returns the cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrExecutionFailure.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// Option configures a Pool.
type Option func(*Pool)

// WithSlots sets the number of slots per class. Values below one fall back
// to DefaultSlots.
func WithSlots(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.slots = n
		}
	}
}

// Pool is a striped set of fair locks. The zero value is not usable; create
// one with New. A Pool is safe for concurrent use.
type Pool struct {
	slots   int
	classes [numClasses][]chan struct{}
}

// New creates a Pool.
func New(opts ...Option) *Pool {
	p := &Pool{slots: DefaultSlots}
	for _, opt := range opts {
		opt(p)
	}
	for c := range p.classes {
		slots := make([]chan struct{}, p.slots)
		for i := range slots {
			slots[i] = make(chan struct{}, 1)
		}
		p.classes[c] = slots
	}
	return p
}

// Slots returns the number of slots per class.
func (p *Pool) Slots() int { return p.slots }

// Slot returns the slot index a key maps to.
func (p *Pool) Slot(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.slots))
}

// RunExclusive runs work while holding the slot for key in class.
func (p *Pool) RunExclusive(ctx context.Context, class Class, key string, work func(ctx context.Context) error) error {
	_, err := Run(ctx, p, class, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

// Run runs work while holding the slot for key in class and returns its
// result. The slot is released on every exit path. An error or panic from
// work is returned as *ExecutionError; a context cancelled while waiting
// for the slot is returned as is.
func Run[T any](ctx context.Context, p *Pool, class Class, key string, work func(ctx context.Context) (T, error)) (result T, err error) {
	if class < 0 || class >= numClasses {
		return result, fmt.Errorf("%w: %d", ErrUnknownClass, int(class))
	}

	slot := p.Slot(key)
	if !holds(ctx, p, class, slot) {
		ch := p.classes[class][slot]
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return result, ctx.Err()
		}
		defer func() { <-ch }()
		h := &held{pool: p, class: class, slot: slot, parent: ownedBy(ctx)}
		ctx = context.WithValue(ctx, heldKey{}, h)
		h.ctx = ctx
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Class: class, Key: key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = work(ctx)
	if err != nil {
		return result, &ExecutionError{Class: class, Key: key, Err: err}
	}
	return result, nil
}

// Held reports whether ctx already holds the slot key maps to in class.
func (p *Pool) Held(ctx context.Context, class Class, key string) bool {
	return holds(ctx, p, class, p.Slot(key))
}

type heldKey struct{}

// held is one link in the chain of slots owned by a call. ctx is the
// context handed to that call's work function.
type held struct {
	pool   *Pool
	class  Class
	slot   int
	ctx    context.Context
	parent *held
}

// ownedBy returns the innermost held link when ctx is the very context a
// work function received, and nil for any other context.
func ownedBy(ctx context.Context) *held {
	h, _ := ctx.Value(heldKey{}).(*held)
	if h == nil || h.ctx != ctx {
		return nil
	}
	return h
}

func holds(ctx context.Context, p *Pool, class Class, slot int) bool {
	for h := ownedBy(ctx); h != nil; h = h.parent {
		if h.pool == p && h.class == class && h.slot == slot {
			return true
		}
	}
	return false
}

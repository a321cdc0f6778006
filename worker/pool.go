package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolStopped is returned by Go once Stop has been called.
var ErrPoolStopped = errors.New("worker: pool stopped")

// Pool runs fire-and-forget handlers for device events (connects,
// disconnects, notifications, timeouts) on bounded goroutines. Stop waits
// for running handlers and cancels them when its context expires.
type Pool struct {
	concurrency int
	sem         chan struct{}
	logger      *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	active  atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency caps how many handlers run at once. Handlers beyond
// the cap wait for a free slot.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// NewPool creates a Pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		concurrency: 64,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	p.sem = make(chan struct{}, p.concurrency)
	p.base, p.cancel = context.WithCancel(context.Background())
	return p
}

// Go runs fn on a pool goroutine. The handler's context keeps the values
// of ctx (scope, trace) but not its cancellation; it is cancelled only
// when Stop gives up waiting. Errors and panics are logged under name.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(p.base, cancel)

	go func() {
		defer p.wg.Done()
		defer cancel()
		defer unlink()

		select {
		case p.sem <- struct{}{}:
		case <-hctx.Done():
			return
		}
		defer func() { <-p.sem }()

		p.active.Add(1)
		defer p.active.Add(-1)

		if err := p.run(hctx, fn); err != nil {
			p.logger.Error("background handler failed",
				slog.String("handler", name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Active returns the number of handlers currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Stop rejects new handlers and waits for running ones. If ctx expires
// first, running handlers are cancelled and Stop waits for them to
// return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling handlers",
			slog.Int("active", p.Active()),
		)
		p.cancel()
		<-done
	}
	return nil
}

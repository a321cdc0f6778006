package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fleetjobs/backoff"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/middleware"
	"github.com/xraph/fleetjobs/worker"
)

func newDispatch() *middleware.Dispatch {
	return &middleware.Dispatch{
		Request: &device.Request{
			ScopeID:  "fleet-eu",
			DeviceID: id.NewDeviceID(),
			App:      "CMD-V1",
			Action:   device.ActionExecute,
		},
		JobID:       id.NewJobID(),
		ExecutionID: id.NewExecutionID(),
		TargetID:    id.NewTargetID(),
		StepName:    "reboot",
	}
}

// flakySender errors on its first n sends, then accepts.
type flakySender struct {
	failures int32
	calls    atomic.Int32
}

func (s *flakySender) SendManagementRequest(_ context.Context, _ *device.Request) (*device.Response, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return nil, errors.New("broker unavailable")
	}
	return &device.Response{Status: device.ResponseAccepted}, nil
}

func TestExecutor_Send(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{"first try", 0, 0, false, 1},
		{"no retries", 1, 0, true, 1},
		{"recovers on retry", 2, 3, false, 3},
		{"retries exhausted", 5, 2, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &flakySender{failures: tt.failures}
			exec := worker.NewExecutor(sender, nil, backoff.NewConstant(time.Millisecond), tt.retries, slog.Default())

			d := newDispatch()
			resp, err := exec.Send(context.Background(), d)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
			} else {
				if err != nil {
					t.Fatalf("Send: %v", err)
				}
				if resp.Status != device.ResponseAccepted {
					t.Errorf("status = %q, want ACCEPTED", resp.Status)
				}
			}
			if got := sender.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if d.Attempt != int(tt.wantCalls) {
				t.Errorf("Attempt = %d, want %d", d.Attempt, tt.wantCalls)
			}
		})
	}
}

func TestExecutor_DeviceErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	sender := device.SenderFunc(func(context.Context, *device.Request) (*device.Response, error) {
		calls.Add(1)
		return &device.Response{Status: device.ResponseError, Message: "unsupported"}, nil
	})
	exec := worker.NewExecutor(sender, nil, backoff.NewConstant(0), 3, slog.Default())

	resp, err := exec.Send(context.Background(), newDispatch())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != device.ResponseError {
		t.Errorf("status = %q, want ERROR", resp.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExecutor_NilResponse(t *testing.T) {
	sender := device.SenderFunc(func(context.Context, *device.Request) (*device.Response, error) {
		return nil, nil
	})
	exec := worker.NewExecutor(sender, nil, nil, 0, slog.Default())

	_, err := exec.Send(context.Background(), newDispatch())
	if !errors.Is(err, worker.ErrNoResponse) {
		t.Fatalf("got %v, want ErrNoResponse", err)
	}
}

func TestExecutor_BackoffHonoursContext(t *testing.T) {
	sender := &flakySender{failures: 100}
	exec := worker.NewExecutor(sender, nil, backoff.NewConstant(time.Hour), 5, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Send(ctx, newDispatch())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if sender.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", sender.calls.Load())
	}
}

func TestExecutor_RunsMiddleware(t *testing.T) {
	var seen []int
	mw := func(ctx context.Context, d *middleware.Dispatch, next middleware.Handler) error {
		seen = append(seen, d.Attempt)
		return next(ctx)
	}
	sender := &flakySender{failures: 1}
	exec := worker.NewExecutor(sender, nil, backoff.NewConstant(0), 1, slog.Default(), mw)

	if _, err := exec.Send(context.Background(), newDispatch()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("middleware saw attempts %v, want [1 2]", seen)
	}
}

func TestExecutor_Throttled(t *testing.T) {
	throttle := device.NewThrottle(device.ThrottleConfig{MaxInFlight: 1})

	inside := make(chan struct{})
	release := make(chan struct{})
	sender := device.SenderFunc(func(context.Context, *device.Request) (*device.Response, error) {
		inside <- struct{}{}
		<-release
		return &device.Response{Status: device.ResponseCompleted}, nil
	})
	exec := worker.NewExecutor(sender, throttle, nil, 0, slog.Default())

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := exec.Send(context.Background(), newDispatch())
			errs <- err
		}()
	}

	<-inside
	if n := throttle.InFlight("fleet-eu"); n != 1 {
		t.Errorf("in flight = %d, want 1", n)
	}
	select {
	case <-inside:
		t.Fatal("second send entered while the first held the only slot")
	case <-time.After(20 * time.Millisecond):
	}

	release <- struct{}{}
	<-inside
	release <- struct{}{}
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

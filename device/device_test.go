package device_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/lock"
	"github.com/xraph/fleetjobs/store/memory"
)

func TestConnectionRegistryTransitions(t *testing.T) {
	s := memory.New()
	r := device.NewConnectionRegistry(s, lock.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	dev := id.NewDeviceID()

	connected, err := r.IsConnected(ctx, "scope-1", dev)
	if err != nil || connected {
		t.Fatalf("unknown device: connected=%v err=%v", connected, err)
	}

	c, err := r.Connect(ctx, "scope-1", dev)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status != device.StatusConnected || c.Sessions != 1 || c.ConnectedOn == nil {
		t.Errorf("after connect: %+v", c)
	}

	c, err = r.Disconnect(ctx, "scope-1", dev)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.Status != device.StatusDisconnected || c.DisconnectedOn == nil {
		t.Errorf("after disconnect: %+v", c)
	}

	c, _ = r.Connect(ctx, "scope-1", dev)
	if c.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", c.Sessions)
	}
	connected, _ = r.IsConnected(ctx, "scope-1", dev)
	if !connected {
		t.Error("device should be connected")
	}
	connected, _ = r.IsConnected(ctx, "scope-2", dev)
	if connected {
		t.Error("connection leaked across scopes")
	}
}

func TestConnectionRegistryConcurrentConnects(t *testing.T) {
	s := memory.New()
	r := device.NewConnectionRegistry(s, lock.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	dev := id.NewDeviceID()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Connect(ctx, "scope-1", dev); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	c, err := s.GetConnection(ctx, "scope-1", dev)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if c.Sessions != 100 {
		t.Fatalf("sessions = %d, want 100 (lost updates)", c.Sessions)
	}
}

func TestThrottleMaxInFlight(t *testing.T) {
	th := device.NewThrottle(device.ThrottleConfig{MaxInFlight: 2})
	ctx := context.Background()

	r1, err := th.Wait(ctx, "scope-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	r2, err := th.Wait(ctx, "scope-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if th.InFlight("scope-1") != 2 {
		t.Fatalf("InFlight = %d, want 2", th.InFlight("scope-1"))
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := th.Wait(short, "scope-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Wait: got %v, want deadline exceeded", err)
	}

	// Scopes are independent.
	r3, err := th.Wait(ctx, "scope-2")
	if err != nil {
		t.Fatalf("Wait other scope: %v", err)
	}
	r3()

	r1()
	r2()
	if th.InFlight("scope-1") != 0 {
		t.Errorf("InFlight after release = %d, want 0", th.InFlight("scope-1"))
	}
}

func TestThrottleRateLimit(t *testing.T) {
	th := device.NewThrottle(device.ThrottleConfig{},
		device.ThrottleConfig{ScopeID: "slow", RateLimit: 20, RateBurst: 1},
	)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		release, err := th.Wait(ctx, "slow")
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 sends at 20/s with burst 1 took %v, want >= ~100ms", elapsed)
	}

	start = time.Now()
	for range 50 {
		release, err := th.Wait(ctx, "fast")
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unlimited scope was throttled: %v", elapsed)
	}
}

func TestSenderFunc(t *testing.T) {
	var got *device.Request
	sender := device.SenderFunc(func(_ context.Context, req *device.Request) (*device.Response, error) {
		got = req
		return &device.Response{Status: device.ResponseAccepted}, nil
	})

	req := &device.Request{DeviceID: id.NewDeviceID(), Action: device.ActionRead, Resource: "/info"}
	resp, err := sender.SendManagementRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("SendManagementRequest: %v", err)
	}
	if resp.Status != device.ResponseAccepted || got != req {
		t.Errorf("unexpected response %+v / request %+v", resp, got)
	}
}

//go:build integration

package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	rdmodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/job"
	"github.com/xraph/fleetjobs/operation"
	"github.com/xraph/fleetjobs/store/memory"
	redisstore "github.com/xraph/fleetjobs/store/redis"
)

// setupTestStore creates a Redis container and returns a connected Store.
func setupTestStore(t *testing.T) *redisstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := rdmodule.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}

	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	s := redisstore.New(client)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return s
}

func newOperation(executionID id.ExecutionID) *operation.Operation {
	return &operation.Operation{
		Entity:          fleetjobs.NewEntity(),
		ID:              id.NewOperationID(),
		ScopeID:         "fleet-eu",
		DeviceID:        id.NewDeviceID(),
		AppID:           "agent",
		Action:          device.Action("exec"),
		Status:          operation.StatusRunning,
		StartedOn:       time.Now().UTC(),
		InputProperties: map[string]string{"command": "reboot"},
		ExecutionID:     executionID,
		StepIndex:       2,
	}
}

func TestOperationStore_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	op := newOperation(id.NewExecutionID())
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if err := s.CreateOperation(ctx, op); !errors.Is(err, fleetjobs.ErrAlreadyExists) {
		t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.DeviceID != op.DeviceID || got.InputProperties["command"] != "reboot" || got.StepIndex != 2 {
		t.Errorf("got %+v", got)
	}
	if !got.JobID.IsNil() || !got.TargetID.IsNil() || got.EndedOn != nil {
		t.Errorf("unset fields came back set: %+v", got)
	}

	ended := time.Now().UTC()
	got.Status = operation.StatusCompleted
	got.Progress = 100
	got.EndedOn = &ended
	if err := s.UpdateOperation(ctx, got); err != nil {
		t.Fatalf("UpdateOperation: %v", err)
	}
	got, err = s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != operation.StatusCompleted || got.Progress != 100 || got.EndedOn == nil {
		t.Errorf("update lost: %+v", got)
	}

	if _, err := s.GetOperation(ctx, id.NewOperationID()); !errors.Is(err, fleetjobs.ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestOperationStore_NotificationsInOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	op := newOperation(id.NewExecutionID())
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	statuses := []operation.Status{operation.StatusRunning, operation.StatusRunning, operation.StatusCompleted}
	for i, st := range statuses {
		n := &operation.Notification{
			ID: id.NewNotificationID(), ScopeID: op.ScopeID, OperationID: op.ID,
			SentOn: time.Now().UTC(), Status: st, Progress: (i + 1) * 30,
		}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
		if i == 0 {
			if err := s.CreateNotification(ctx, n); !errors.Is(err, fleetjobs.ErrAlreadyExists) {
				t.Errorf("duplicate notification: expected ErrAlreadyExists, got %v", err)
			}
		}
	}

	orphan := &operation.Notification{ID: id.NewNotificationID(), OperationID: id.NewOperationID(), Status: operation.StatusFailed}
	if err := s.CreateNotification(ctx, orphan); !errors.Is(err, fleetjobs.ErrOperationNotFound) {
		t.Errorf("orphan: expected ErrOperationNotFound, got %v", err)
	}

	notes, err := s.ListNotifications(ctx, op.ID)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("want 3 notifications, got %d", len(notes))
	}
	for i, n := range notes {
		if n.Progress != (i+1)*30 {
			t.Errorf("notification %d out of order: progress %d", i, n.Progress)
		}
	}

	if err := s.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	notes, err = s.ListNotifications(ctx, op.ID)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notifications survived the operation: %d", len(notes))
	}
}

func TestOperationStore_ListByExecution(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exec := id.NewExecutionID()
	var want []id.OperationID
	for i := 0; i < 3; i++ {
		op := newOperation(exec)
		op.CreatedAt = op.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if err := s.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation: %v", err)
		}
		want = append(want, op.ID)
	}
	if err := s.CreateOperation(ctx, newOperation(id.NewExecutionID())); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	ops, err := s.ListOperationsByExecution(ctx, exec)
	if err != nil {
		t.Fatalf("ListOperationsByExecution: %v", err)
	}
	if len(ops) != len(want) {
		t.Fatalf("want %d operations, got %d", len(want), len(ops))
	}
	for i, op := range ops {
		if op.ID != want[i] {
			t.Errorf("operation %d: want %s, got %s", i, want[i], op.ID)
		}
	}
}

func TestConnectionStore_SaveAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dev := id.NewDeviceID()

	if _, err := s.GetConnection(ctx, "fleet-eu", dev); !errors.Is(err, fleetjobs.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}

	now := time.Now().UTC()
	c := &device.Connection{
		Entity: fleetjobs.NewEntity(), ScopeID: "fleet-eu", DeviceID: dev,
		Status: device.StatusConnected, ConnectedOn: &now, DisconnectedOn: &now, Sessions: 3,
	}
	if err := s.SaveConnection(ctx, c); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	c.DisconnectedOn = nil
	if err := s.SaveConnection(ctx, c); err != nil {
		t.Fatalf("SaveConnection again: %v", err)
	}

	got, err := s.GetConnection(ctx, "fleet-eu", dev)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.Sessions != 3 || got.DisconnectedOn != nil || got.ConnectedOn == nil {
		t.Errorf("got %+v", got)
	}

	conns, err := s.ListConnections(ctx, "fleet-eu")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 {
		t.Errorf("want 1 connection, got %d", len(conns))
	}
	if others, _ := s.ListConnections(ctx, "fleet-us"); len(others) != 0 {
		t.Errorf("scopes leak: %d connections", len(others))
	}
}

func TestLayer_RoutesDeviceRecords(t *testing.T) {
	dev := setupTestStore(t)
	ctx := context.Background()

	base := memory.New()
	if err := base.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s := redisstore.Layer(base, dev)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	op := newOperation(id.NewExecutionID())
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if _, err := base.GetOperation(ctx, op.ID); !errors.Is(err, fleetjobs.ErrOperationNotFound) {
		t.Errorf("operation reached the base store: %v", err)
	}
	if _, err := dev.GetOperation(ctx, op.ID); err != nil {
		t.Errorf("operation missing from redis: %v", err)
	}

	j := &job.Job{Entity: fleetjobs.NewEntity(), ID: id.NewJobID(), Name: "rollout",
		Steps: []job.Step{{Index: 0, Name: "reboot", Definition: "command"}}}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := base.GetJob(ctx, j.ID); err != nil {
		t.Errorf("job missing from the base store: %v", err)
	}
}

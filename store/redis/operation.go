package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fleetjobs"
	"github.com/xraph/fleetjobs/device"
	"github.com/xraph/fleetjobs/id"
	"github.com/xraph/fleetjobs/operation"
)

// CreateOperation stores the operation as a Hash and indexes it under its
// execution.
func (s *Store) CreateOperation(ctx context.Context, op *operation.Operation) error {
	opID := op.ID.String()
	key := operationKey(opID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fleetjobs/redis: create operation exists: %w", err)
	}
	if exists > 0 {
		return fleetjobs.ErrAlreadyExists
	}

	fields, err := operationToMap(op)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if !op.ExecutionID.IsNil() {
		pipe.ZAdd(ctx, executionOpsKey(op.ExecutionID.String()), goredis.Z{
			Score:  float64(op.CreatedAt.UnixNano()),
			Member: opID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fleetjobs/redis: create operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *Store) GetOperation(ctx context.Context, operationID id.OperationID) (*operation.Operation, error) {
	return s.getOperationByKey(ctx, operationKey(operationID.String()))
}

// UpdateOperation persists changes to an existing operation.
func (s *Store) UpdateOperation(ctx context.Context, op *operation.Operation) error {
	key := operationKey(op.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fleetjobs/redis: update operation exists: %w", err)
	}
	if exists == 0 {
		return fleetjobs.ErrOperationNotFound
	}

	fields, err := operationToMap(op)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	// ended_on may have been cleared; HSet alone would keep the old value.
	pipe.HDel(ctx, key, "ended_on")
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fleetjobs/redis: update operation: %w", err)
	}
	return nil
}

// DeleteOperation removes an operation and its notifications.
func (s *Store) DeleteOperation(ctx context.Context, operationID id.OperationID) error {
	op, err := s.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	opID := operationID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, operationKey(opID), notificationStreamKey(opID), notificationIDsKey(opID))
	if !op.ExecutionID.IsNil() {
		pipe.ZRem(ctx, executionOpsKey(op.ExecutionID.String()), opID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fleetjobs/redis: delete operation: %w", err)
	}
	return nil
}

// ListOperationsByExecution returns the operations opened by an execution
// in creation order.
func (s *Store) ListOperationsByExecution(ctx context.Context, executionID id.ExecutionID) ([]*operation.Operation, error) {
	ids, err := s.client.ZRange(ctx, executionOpsKey(executionID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: list operations zrange: %w", err)
	}

	ops := make([]*operation.Operation, 0, len(ids))
	for _, opID := range ids {
		op, getErr := s.getOperationByKey(ctx, operationKey(opID))
		if getErr != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// CreateNotification appends a notification to its operation's Stream.
func (s *Store) CreateNotification(ctx context.Context, n *operation.Notification) error {
	opID := n.OperationID.String()

	exists, err := s.client.Exists(ctx, operationKey(opID)).Result()
	if err != nil {
		return fmt.Errorf("fleetjobs/redis: create notification exists: %w", err)
	}
	if exists == 0 {
		return fleetjobs.ErrOperationNotFound
	}

	added, err := s.client.SAdd(ctx, notificationIDsKey(opID), n.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("fleetjobs/redis: create notification sadd: %w", err)
	}
	if added == 0 {
		return fleetjobs.ErrAlreadyExists
	}

	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: notificationStreamKey(opID),
		Values: notificationToMap(n),
	}).Err()
	if err != nil {
		return fmt.Errorf("fleetjobs/redis: create notification xadd: %w", err)
	}
	return nil
}

// ListNotifications returns an operation's notifications in recording order.
func (s *Store) ListNotifications(ctx context.Context, operationID id.OperationID) ([]*operation.Notification, error) {
	msgs, err := s.client.XRange(ctx, notificationStreamKey(operationID.String()), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: list notifications xrange: %w", err)
	}

	notes := make([]*operation.Notification, 0, len(msgs))
	for _, msg := range msgs {
		n, convErr := mapToNotification(msg.Values)
		if convErr != nil {
			s.logger.Warn("skipping malformed notification",
				"stream_id", msg.ID,
				"error", convErr.Error(),
			)
			continue
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// ── helpers ──

func operationToMap(op *operation.Operation) (map[string]interface{}, error) {
	props, err := json.Marshal(op.InputProperties)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: encode input properties: %w", err)
	}
	m := map[string]interface{}{
		"id":               op.ID.String(),
		"scope_id":         op.ScopeID,
		"device_id":        op.DeviceID.String(),
		"app_id":           op.AppID,
		"action":           string(op.Action),
		"resource":         op.Resource,
		"status":           string(op.Status),
		"progress":         strconv.Itoa(op.Progress),
		"message":          op.Message,
		"started_on":       op.StartedOn.Format(time.RFC3339Nano),
		"input_properties": string(props),
		"job_id":           op.JobID.String(),
		"execution_id":     op.ExecutionID.String(),
		"target_id":        op.TargetID.String(),
		"step_index":       strconv.Itoa(op.StepIndex),
		"created_at":       op.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       op.UpdatedAt.Format(time.RFC3339Nano),
	}
	if op.EndedOn != nil {
		m["ended_on"] = op.EndedOn.Format(time.RFC3339Nano)
	}
	return m, nil
}

func (s *Store) getOperationByKey(ctx context.Context, key string) (*operation.Operation, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: get operation: %w", err)
	}
	if len(vals) == 0 {
		return nil, fleetjobs.ErrOperationNotFound
	}
	return mapToOperation(vals)
}

func mapToOperation(m map[string]string) (*operation.Operation, error) {
	opID, err := id.ParseOperationID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: parse operation id: %w", err)
	}
	deviceID, err := id.ParseDeviceID(m["device_id"])
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: parse device id: %w", err)
	}
	jobID, err := parseOptional(m["job_id"], id.ParseJobID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: parse job id: %w", err)
	}
	executionID, err := parseOptional(m["execution_id"], id.ParseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: parse execution id: %w", err)
	}
	targetID, err := parseOptional(m["target_id"], id.ParseTargetID)
	if err != nil {
		return nil, fmt.Errorf("fleetjobs/redis: parse target id: %w", err)
	}

	var props map[string]string
	if raw := m["input_properties"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return nil, fmt.Errorf("fleetjobs/redis: decode input properties: %w", err)
		}
	}

	progress, _ := strconv.Atoi(m["progress"])     //nolint:errcheck // best-effort parse from trusted Redis data
	stepIndex, _ := strconv.Atoi(m["step_index"]) //nolint:errcheck // best-effort parse from trusted Redis data

	startedOn, _ := time.Parse(time.RFC3339Nano, m["started_on"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	op := &operation.Operation{
		Entity: fleetjobs.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              opID,
		ScopeID:         m["scope_id"],
		DeviceID:        deviceID,
		AppID:           m["app_id"],
		Action:          device.Action(m["action"]),
		Resource:        m["resource"],
		Status:          operation.Status(m["status"]),
		Progress:        progress,
		Message:         m["message"],
		StartedOn:       startedOn,
		EndedOn:         parseTimePtr(m["ended_on"]),
		InputProperties: props,
		JobID:           jobID,
		ExecutionID:     executionID,
		TargetID:        targetID,
		StepIndex:       stepIndex,
	}
	return op, nil
}

func notificationToMap(n *operation.Notification) map[string]interface{} {
	return map[string]interface{}{
		"id":           n.ID.String(),
		"scope_id":     n.ScopeID,
		"operation_id": n.OperationID.String(),
		"sent_on":      n.SentOn.Format(time.RFC3339Nano),
		"status":       string(n.Status),
		"resource":     n.Resource,
		"progress":     strconv.Itoa(n.Progress),
		"message":      n.Message,
	}
}

func mapToNotification(m map[string]interface{}) (*operation.Notification, error) {
	str := func(k string) string {
		v, _ := m[k].(string) //nolint:errcheck // stream values are always strings
		return v
	}

	nID, err := id.ParseNotificationID(str("id"))
	if err != nil {
		return nil, fmt.Errorf("parse notification id: %w", err)
	}
	opID, err := id.ParseOperationID(str("operation_id"))
	if err != nil {
		return nil, fmt.Errorf("parse operation id: %w", err)
	}
	progress, _ := strconv.Atoi(str("progress"))              //nolint:errcheck // best-effort parse from trusted Redis data
	sentOn, _ := time.Parse(time.RFC3339Nano, str("sent_on")) //nolint:errcheck // best-effort parse from trusted Redis data

	return &operation.Notification{
		ID:          nID,
		ScopeID:     str("scope_id"),
		OperationID: opID,
		SentOn:      sentOn,
		Status:      operation.Status(str("status")),
		Resource:    str("resource"),
		Progress:    progress,
		Message:     str("message"),
	}, nil
}

// parseOptional parses a possibly empty ID field; empty means nil.
func parseOptional(s string, parse func(string) (id.ID, error)) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return parse(s)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

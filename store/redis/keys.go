package redis

// Redis key naming conventions for fleetjobs data.
// All keys are prefixed with "fleetjobs:" to avoid collisions.

const keyPrefix = "fleetjobs:"

// ── Operation keys ──

// operationKey returns the Hash key for an operation: fleetjobs:op:{id}
func operationKey(id string) string { return keyPrefix + "op:" + id }

// executionOpsKey returns the Sorted Set of an execution's operation IDs,
// scored by creation time: fleetjobs:exec_ops:{executionID}
func executionOpsKey(executionID string) string { return keyPrefix + "exec_ops:" + executionID }

// ── Notification keys ──

// notificationStreamKey returns the Stream holding an operation's
// notifications in recording order: fleetjobs:notes:{operationID}
func notificationStreamKey(operationID string) string { return keyPrefix + "notes:" + operationID }

// notificationIDsKey returns the Set of notification IDs recorded for an
// operation, used for duplicate detection.
func notificationIDsKey(operationID string) string { return keyPrefix + "note_ids:" + operationID }

// ── Connection keys ──

// connectionKey returns the Hash key for a device connection:
// fleetjobs:conn:{scopeID}:{deviceID}
func connectionKey(scopeID, deviceID string) string {
	return keyPrefix + "conn:" + scopeID + ":" + deviceID
}

// scopeConnectionsKey returns the Set of device IDs with a connection
// record in a scope.
func scopeConnectionsKey(scopeID string) string { return keyPrefix + "conns:" + scopeID }

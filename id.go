package fleetjobs

import "github.com/xraph/fleetjobs/id"

// ID is the primary identifier type for all fleetjobs entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

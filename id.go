package taskcrew

import "github.com/xraph/taskcrew/id"

// ID is the primary identifier type for all taskcrew entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

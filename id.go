package taskloom

import "github.com/taskloom/taskloom/id"

// ID is the primary identifier type for all taskloom entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

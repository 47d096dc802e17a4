package photoq

import "github.com/Vanuan/photoq/id"

// ID is the primary identifier type for all photoq entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

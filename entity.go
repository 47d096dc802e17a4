package photoq

import "time"

// Entity carries the timestamps shared by all persisted photoq records.
// All times are UTC.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch updates UpdatedAt to the current UTC time.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
